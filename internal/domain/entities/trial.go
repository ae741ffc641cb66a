package entities

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Registry lifecycle states used by the matcher's recruitment predicate.
const (
	StatusRecruiting       = "RECRUITING"
	StatusNotYetRecruiting = "NOT_YET_RECRUITING"
	StatusCompleted        = "COMPLETED"
	StatusActiveNotRecruit = "ACTIVE_NOT_RECRUITING"
	EligibilitySexAll      = "ALL"
)

// RecruitingStatuses are the statuses a patient can still enroll into.
var RecruitingStatuses = []string{StatusRecruiting, StatusNotYetRecruiting}

// Trial is the canonical record for one registry study, keyed by NCT id.
type Trial struct {
	NCTID         string `json:"nct_id" db:"nct_id"`
	BriefTitle    string `json:"brief_title" db:"brief_title"`
	OfficialTitle string `json:"official_title" db:"official_title"`
	Acronym       string `json:"acronym" db:"acronym"`
	OrgName       string `json:"org_name" db:"org_name"`
	OrgClass      string `json:"org_class" db:"org_class"`

	OverallStatus  string     `json:"overall_status" db:"overall_status"`
	StartDate      *time.Time `json:"start_date" db:"start_date"`
	CompletionDate *time.Time `json:"completion_date" db:"completion_date"`
	LastUpdateDate *time.Time `json:"last_update_date" db:"last_update_date"`

	BriefSummary        string `json:"brief_summary" db:"brief_summary"`
	DetailedDescription string `json:"detailed_description" db:"detailed_description"`

	StudyType       string `json:"study_type" db:"study_type"`
	Phase           string `json:"phase" db:"phase"`
	EnrollmentCount *int   `json:"enrollment_count" db:"enrollment_count"`
	EnrollmentType  string `json:"enrollment_type" db:"enrollment_type"`

	Conditions    []string       `json:"conditions" db:"conditions"`
	Interventions []Intervention `json:"interventions" db:"interventions"`

	EligibilityCriteria string   `json:"eligibility_criteria" db:"eligibility_criteria"`
	EligibilitySex      string   `json:"eligibility_sex" db:"eligibility_sex"`
	EligibilityMinAge   string   `json:"eligibility_min_age" db:"eligibility_min_age"`
	EligibilityMaxAge   string   `json:"eligibility_max_age" db:"eligibility_max_age"`
	EligibilityStdAges  []string `json:"eligibility_std_ages" db:"eligibility_std_ages"`

	EligibilityParsed   *ParsedEligibility `json:"eligibility_parsed" db:"eligibility_parsed"`
	EligibilityParsedAt *time.Time         `json:"eligibility_parsed_at" db:"eligibility_parsed_at"`

	PrimaryOutcomes   []Outcome `json:"primary_outcomes" db:"primary_outcomes"`
	SecondaryOutcomes []Outcome `json:"secondary_outcomes" db:"secondary_outcomes"`

	LeadSponsor      string         `json:"lead_sponsor" db:"lead_sponsor"`
	LeadSponsorClass string         `json:"lead_sponsor_class" db:"lead_sponsor_class"`
	Collaborators    []Collaborator `json:"collaborators" db:"collaborators"`

	Locations []Location `json:"locations" db:"locations"`
	Contacts  []Contact  `json:"contacts" db:"contacts"`
	Officials []Official `json:"officials" db:"officials"`

	RawJSON   json.RawMessage `json:"-" db:"raw_json"`
	Embedding []float32       `json:"-" db:"embedding"`

	IngestedAt time.Time `json:"ingested_at" db:"ingested_at"`
	UpdatedAt  time.Time `json:"updated_at" db:"updated_at"`
}

// Intervention is one arm intervention.
type Intervention struct {
	Type *string `json:"type"`
	Name *string `json:"name"`
}

// Location is one recruiting site.
type Location struct {
	Facility *string  `json:"facility"`
	City     *string  `json:"city"`
	State    *string  `json:"state"`
	Country  *string  `json:"country"`
	Zip      *string  `json:"zip"`
	Lat      *float64 `json:"lat"`
	Lon      *float64 `json:"lon"`
}

// Contact is a central study contact.
type Contact struct {
	Name  *string `json:"name"`
	Role  *string `json:"role"`
	Email *string `json:"email"`
	Phone *string `json:"phone"`
}

// Official is an overall study official.
type Official struct {
	Name        *string `json:"name"`
	Affiliation *string `json:"affiliation"`
	Role        *string `json:"role"`
}

// Outcome is a primary or secondary outcome measure.
type Outcome struct {
	Measure     *string `json:"measure"`
	Description *string `json:"description"`
	TimeFrame   *string `json:"timeFrame"`
}

// Collaborator is a non-lead sponsor.
type Collaborator struct {
	Name  *string `json:"name"`
	Class *string `json:"class"`
}

// InterventionNames returns the non-empty intervention names in order.
func (t *Trial) InterventionNames() []string {
	names := make([]string, 0, len(t.Interventions))
	for _, i := range t.Interventions {
		if i.Name != nil && *i.Name != "" {
			names = append(names, *i.Name)
		}
	}
	return names
}

// Countries returns the distinct site countries, sorted.
func (t *Trial) Countries() []string {
	seen := map[string]struct{}{}
	for _, loc := range t.Locations {
		if loc.Country == nil || *loc.Country == "" {
			continue
		}
		seen[*loc.Country] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for c := range seen {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// HasSiteIn reports whether any site is in country, ignoring case.
func (t *Trial) HasSiteIn(country string) bool {
	for _, loc := range t.Locations {
		if loc.Country != nil && strings.EqualFold(*loc.Country, country) {
			return true
		}
	}
	return false
}

// LocationsSummary renders "N sites in A, B, C" using up to three countries.
// Empty when the trial has no location data.
func (t *Trial) LocationsSummary() string {
	if len(t.Locations) == 0 {
		return ""
	}
	countries := t.Countries()
	if len(countries) > 3 {
		countries = countries[:3]
	}
	return fmt.Sprintf("%d sites in %s", len(t.Locations), strings.Join(countries, ", "))
}

// EligibilitySummary returns the plain-language inclusion summary when
// structured eligibility is available.
func (t *Trial) EligibilitySummary() string {
	if c := t.EligibilityParsed.Structured(); c != nil {
		return c.InclusionSummary
	}
	return ""
}
