package services

import (
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/zatekoja/cleartrial/backend/internal/domain/entities"
	apperrors "github.com/zatekoja/cleartrial/backend/pkg/errors"
)

// registryStudy mirrors the subset of a ClinicalTrials.gov v2 study document
// that the canonical record is built from. Every module is optional.
type registryStudy struct {
	ProtocolSection struct {
		IdentificationModule struct {
			NCTID         string `json:"nctId"`
			BriefTitle    string `json:"briefTitle"`
			OfficialTitle string `json:"officialTitle"`
			Acronym       string `json:"acronym"`
			Organization  struct {
				FullName string `json:"fullName"`
				Class    string `json:"class"`
			} `json:"organization"`
		} `json:"identificationModule"`
		StatusModule struct {
			OverallStatus            string     `json:"overallStatus"`
			StartDateStruct          dateStruct `json:"startDateStruct"`
			CompletionDateStruct     dateStruct `json:"completionDateStruct"`
			LastUpdatePostDateStruct dateStruct `json:"lastUpdatePostDateStruct"`
		} `json:"statusModule"`
		DescriptionModule struct {
			BriefSummary        string `json:"briefSummary"`
			DetailedDescription string `json:"detailedDescription"`
		} `json:"descriptionModule"`
		DesignModule struct {
			StudyType  string   `json:"studyType"`
			Phases     []string `json:"phases"`
			DesignInfo struct {
				Phase string `json:"phase"`
			} `json:"designInfo"`
			EnrollmentInfo struct {
				Count *int   `json:"count"`
				Type  string `json:"type"`
			} `json:"enrollmentInfo"`
		} `json:"designModule"`
		ConditionsModule struct {
			Conditions []string `json:"conditions"`
		} `json:"conditionsModule"`
		ArmsInterventionsModule struct {
			Interventions []entities.Intervention `json:"interventions"`
		} `json:"armsInterventionsModule"`
		EligibilityModule struct {
			EligibilityCriteria string   `json:"eligibilityCriteria"`
			Sex                 string   `json:"sex"`
			MinimumAge          string   `json:"minimumAge"`
			MaximumAge          string   `json:"maximumAge"`
			StdAges             []string `json:"stdAges"`
		} `json:"eligibilityModule"`
		OutcomesModule struct {
			PrimaryOutcomes   []entities.Outcome `json:"primaryOutcomes"`
			SecondaryOutcomes []entities.Outcome `json:"secondaryOutcomes"`
		} `json:"outcomesModule"`
		SponsorCollaboratorsModule struct {
			LeadSponsor struct {
				Name  string `json:"name"`
				Class string `json:"class"`
			} `json:"leadSponsor"`
			Collaborators []entities.Collaborator `json:"collaborators"`
		} `json:"sponsorCollaboratorsModule"`
		ContactsLocationsModule struct {
			CentralContacts  []entities.Contact  `json:"centralContacts"`
			OverallOfficials []entities.Official `json:"overallOfficials"`
			Locations        []registryLocation  `json:"locations"`
		} `json:"contactsLocationsModule"`
	} `json:"protocolSection"`
}

type dateStruct struct {
	Date string `json:"date"`
}

type registryLocation struct {
	Facility *string `json:"facility"`
	City     *string `json:"city"`
	State    *string `json:"state"`
	Country  *string `json:"country"`
	Zip      *string `json:"zip"`
	GeoPoint struct {
		Lat *float64 `json:"lat"`
		Lon *float64 `json:"lon"`
	} `json:"geoPoint"`
}

// CanonicalizeStudy maps one raw registry document to a Trial. Missing
// modules and fields become zero values, and so do fields of the wrong JSON
// type. Only syntactically invalid input fails.
// A document without an identification module yields an empty NCTID.
func CanonicalizeStudy(raw []byte) (*entities.Trial, error) {
	var doc registryStudy
	if err := json.Unmarshal(raw, &doc); err != nil {
		var typeErr *json.UnmarshalTypeError
		if !errors.As(err, &typeErr) {
			return nil, apperrors.NewValidationError("malformed study document: " + err.Error())
		}
	}
	p := doc.ProtocolSection

	ident := p.IdentificationModule
	status := p.StatusModule
	design := p.DesignModule
	elig := p.EligibilityModule
	sponsor := p.SponsorCollaboratorsModule
	contacts := p.ContactsLocationsModule

	trial := &entities.Trial{
		NCTID:               ident.NCTID,
		BriefTitle:          ident.BriefTitle,
		OfficialTitle:       ident.OfficialTitle,
		Acronym:             ident.Acronym,
		OrgName:             ident.Organization.FullName,
		OrgClass:            ident.Organization.Class,
		OverallStatus:       status.OverallStatus,
		StartDate:           ParseRegistryDate(status.StartDateStruct.Date),
		CompletionDate:      ParseRegistryDate(status.CompletionDateStruct.Date),
		LastUpdateDate:      ParseRegistryDate(status.LastUpdatePostDateStruct.Date),
		BriefSummary:        p.DescriptionModule.BriefSummary,
		DetailedDescription: p.DescriptionModule.DetailedDescription,
		StudyType:           design.StudyType,
		Phase:               joinPhases(design.Phases, design.DesignInfo.Phase),
		EnrollmentCount:     design.EnrollmentInfo.Count,
		EnrollmentType:      design.EnrollmentInfo.Type,
		Conditions:          nilIfEmpty(p.ConditionsModule.Conditions),
		Interventions:       nilIfEmpty(p.ArmsInterventionsModule.Interventions),
		EligibilityCriteria: elig.EligibilityCriteria,
		EligibilitySex:      elig.Sex,
		EligibilityMinAge:   elig.MinimumAge,
		EligibilityMaxAge:   elig.MaximumAge,
		EligibilityStdAges:  nilIfEmpty(elig.StdAges),
		PrimaryOutcomes:     nilIfEmpty(p.OutcomesModule.PrimaryOutcomes),
		SecondaryOutcomes:   nilIfEmpty(p.OutcomesModule.SecondaryOutcomes),
		LeadSponsor:         sponsor.LeadSponsor.Name,
		LeadSponsorClass:    sponsor.LeadSponsor.Class,
		Collaborators:       nilIfEmpty(sponsor.Collaborators),
		Locations:           mapLocations(contacts.Locations),
		Contacts:            nilIfEmpty(contacts.CentralContacts),
		Officials:           nilIfEmpty(contacts.OverallOfficials),
		RawJSON:             append(json.RawMessage(nil), raw...),
	}
	return trial, nil
}

// ParseRegistryDate accepts YYYY-MM-DD or YYYY-MM (first of month). Anything
// else, including the empty string, returns nil.
func ParseRegistryDate(s string) *time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	if len(s) == len("2006-01") {
		s += "-01"
	}
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return nil
	}
	return &t
}

func joinPhases(phases []string, fallback string) string {
	if len(phases) > 0 {
		return strings.Join(phases, ",")
	}
	return fallback
}

func mapLocations(in []registryLocation) []entities.Location {
	if len(in) == 0 {
		return nil
	}
	out := make([]entities.Location, len(in))
	for i, loc := range in {
		out[i] = entities.Location{
			Facility: loc.Facility,
			City:     loc.City,
			State:    loc.State,
			Country:  loc.Country,
			Zip:      loc.Zip,
			Lat:      loc.GeoPoint.Lat,
			Lon:      loc.GeoPoint.Lon,
		}
	}
	return out
}

func nilIfEmpty[T any](in []T) []T {
	if len(in) == 0 {
		return nil
	}
	return in
}
