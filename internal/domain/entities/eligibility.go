package entities

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Sex values used by structured eligibility and patient profiles.
const (
	SexMale   = "male"
	SexFemale = "female"
	SexAll    = "all"
)

// EligibilityKind tags a ParsedEligibility.
type EligibilityKind int

const (
	EligibilityStructured EligibilityKind = iota + 1
	EligibilityExtractionError
)

// errorMarkerKey is the JSON key that marks a failed extraction.
const errorMarkerKey = "_error"

// ParsedEligibility is the derived eligibility of a trial: either the
// structured criteria the model returned or a terminal extraction error.
// A nil *ParsedEligibility means extraction has not run.
type ParsedEligibility struct {
	criteria *EligibilityCriteria
	failure  *ExtractionFailure
}

// ExtractionFailure is the error marker stored in place of criteria.
type ExtractionFailure struct {
	Message string
	At      time.Time
}

// NewStructuredEligibility wraps successfully extracted criteria.
func NewStructuredEligibility(c *EligibilityCriteria) *ParsedEligibility {
	if c == nil {
		c = &EligibilityCriteria{}
	}
	return &ParsedEligibility{criteria: c}
}

// NewExtractionError builds an error marker.
func NewExtractionError(message string, at time.Time) *ParsedEligibility {
	return &ParsedEligibility{failure: &ExtractionFailure{Message: message, At: at.UTC()}}
}

// Kind returns the variant tag.
func (p *ParsedEligibility) Kind() EligibilityKind {
	if p != nil && p.failure != nil {
		return EligibilityExtractionError
	}
	return EligibilityStructured
}

// Structured returns the criteria, or nil for an error marker or a nil receiver.
func (p *ParsedEligibility) Structured() *EligibilityCriteria {
	if p == nil || p.failure != nil {
		return nil
	}
	return p.criteria
}

// Failure returns the error marker, or nil.
func (p *ParsedEligibility) Failure() *ExtractionFailure {
	if p == nil {
		return nil
	}
	return p.failure
}

// MarshalJSON stores criteria as the full object and failures as
// {"_error": ..., "_error_at": ...}.
func (p *ParsedEligibility) MarshalJSON() ([]byte, error) {
	if p == nil {
		return []byte("null"), nil
	}
	if p.failure != nil {
		return json.Marshal(struct {
			Error   string    `json:"_error"`
			ErrorAt time.Time `json:"_error_at"`
		}{p.failure.Message, p.failure.At})
	}
	return json.Marshal(p.criteria)
}

// UnmarshalJSON decodes either variant. Any object carrying "_error" is an
// error marker, including rows written without "_error_at".
func (p *ParsedEligibility) UnmarshalJSON(data []byte) error {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(data, &probe); err != nil {
		return fmt.Errorf("parsed eligibility must be an object: %w", err)
	}
	if raw, ok := probe[errorMarkerKey]; ok {
		f := &ExtractionFailure{}
		if err := json.Unmarshal(raw, &f.Message); err != nil {
			f.Message = string(raw)
		}
		if at, ok := probe["_error_at"]; ok {
			_ = json.Unmarshal(at, &f.At)
		}
		p.criteria, p.failure = nil, f
		return nil
	}
	c := &EligibilityCriteria{}
	if err := json.Unmarshal(data, c); err != nil {
		return err
	}
	p.criteria, p.failure = c, nil
	return nil
}

// EligibilityCriteria is the extraction schema the model fills in.
type EligibilityCriteria struct {
	MinAgeYears             *float64           `json:"min_age_years"`
	MaxAgeYears             *float64           `json:"max_age_years"`
	Sex                     string             `json:"sex"`
	AcceptsHealthy          *bool              `json:"accepts_healthy"`
	ConditionsRequired      []string           `json:"conditions_required"`
	ConditionsExcluded      []string           `json:"conditions_excluded"`
	BiomarkersRequired      []string           `json:"biomarkers_required"`
	BiomarkersExcluded      []string           `json:"biomarkers_excluded"`
	PriorTreatmentsRequired []string           `json:"prior_treatments_required"`
	PriorTreatmentsExcluded []string           `json:"prior_treatments_excluded"`
	StageRequired           []string           `json:"stage_required"`
	LabRequirements         []LabRequirement   `json:"lab_requirements"`
	PerformanceStatus       *PerformanceStatus `json:"performance_status"`
	PregnancyAllowed        *bool              `json:"pregnancy_allowed"`
	InclusionSummary        string             `json:"inclusion_summary"`
	ExclusionSummary        string             `json:"exclusion_summary"`
}

// LabRequirement is one lab-value constraint, e.g. ANC >= 1.5 x10^9/L.
type LabRequirement struct {
	Test     string        `json:"test"`
	Operator string        `json:"operator"`
	Value    *LenientFloat `json:"value"`
	Unit     string        `json:"unit"`
}

// PerformanceStatus is a scale-bounded status requirement (ECOG, Karnofsky).
type PerformanceStatus struct {
	Scale string   `json:"scale"`
	Min   *float64 `json:"min"`
	Max   *float64 `json:"max"`
}

// AllowsSex reports whether a patient of sex passes the criteria's sex
// restriction. Unstated means unrestricted.
func (c *EligibilityCriteria) AllowsSex(sex string) bool {
	s := strings.ToLower(strings.TrimSpace(c.Sex))
	return s == "" || s == SexAll || s == strings.ToLower(sex)
}

// AllowsAge reports whether age falls within the stated bounds. A nil bound
// is unrestricted.
func (c *EligibilityCriteria) AllowsAge(age int) bool {
	a := float64(age)
	if c.MinAgeYears != nil && a < *c.MinAgeYears {
		return false
	}
	if c.MaxAgeYears != nil && a > *c.MaxAgeYears {
		return false
	}
	return true
}

// LenientFloat decodes a JSON number or a numeric string. A non-numeric
// string decodes as zero rather than failing the whole document.
type LenientFloat float64

// UnmarshalJSON implements json.Unmarshaler.
func (f *LenientFloat) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		return nil
	}
	var n float64
	if err := json.Unmarshal(data, &n); err == nil {
		*f = LenientFloat(n)
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if parsed, err := strconv.ParseFloat(strings.TrimSpace(s), 64); err == nil {
		*f = LenientFloat(parsed)
	}
	return nil
}
