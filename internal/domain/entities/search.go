package entities

import "math"

// Search and match limits.
const (
	DefaultSearchLimit = 20
	MaxSearchLimit     = 100
	DefaultMatchLimit  = 20
)

// SearchFilter narrows semantic retrieval. Zero values are unrestricted.
type SearchFilter struct {
	Statuses  []string `json:"status,omitempty"`
	Phases    []string `json:"phase,omitempty"`
	StudyType string   `json:"study_type,omitempty"`
	Condition string   `json:"condition,omitempty"`
	Country   string   `json:"country,omitempty"`
}

// SearchQuery is a free-text semantic query.
type SearchQuery struct {
	Text   string       `json:"query"`
	Filter SearchFilter `json:"filter"`
	Limit  int          `json:"limit"`
}

// NormalizedLimit applies the default and the cap.
func (q SearchQuery) NormalizedLimit() int {
	switch {
	case q.Limit <= 0:
		return DefaultSearchLimit
	case q.Limit > MaxSearchLimit:
		return MaxSearchLimit
	default:
		return q.Limit
	}
}

// ScoredTrial is a trial ranked by embedding similarity.
type ScoredTrial struct {
	Trial      *Trial  `json:"-"`
	Distance   float64 `json:"-"`
	Similarity float64 `json:"similarity"`
}

// PatientProfile is the minimal structured patient description used for matching.
type PatientProfile struct {
	Age       int    `json:"age"`
	Sex       string `json:"sex"`
	Condition string `json:"condition"`
	Country   string `json:"country,omitempty"`
}

// MatchSource records which eligibility data produced a match.
type MatchSource string

const (
	MatchSourceStructured MatchSource = "structured"
	MatchSourceRaw        MatchSource = "raw"
)

// Match scores.
const (
	StructuredMatchScore = 0.9
	FallbackMatchScore   = 0.5
)

// MatchResult is one trial that passed eligibility filtering.
type MatchResult struct {
	Trial  *Trial      `json:"-"`
	Score  float64     `json:"score"`
	Source MatchSource `json:"source"`
}

// TrialSummary is the flattened view printed by search and match.
type TrialSummary struct {
	NCTID              string   `json:"nct_id"`
	BriefTitle         string   `json:"brief_title"`
	OverallStatus      string   `json:"overall_status"`
	Phase              string   `json:"phase,omitempty"`
	Conditions         []string `json:"conditions,omitempty"`
	LocationsSummary   string   `json:"locations_summary,omitempty"`
	EligibilitySummary string   `json:"eligibility_summary,omitempty"`
	Score              float64  `json:"score"`
}

// Summarize flattens a trial with a score.
func Summarize(t *Trial, score float64) TrialSummary {
	return TrialSummary{
		NCTID:              t.NCTID,
		BriefTitle:         t.BriefTitle,
		OverallStatus:      t.OverallStatus,
		Phase:              t.Phase,
		Conditions:         t.Conditions,
		LocationsSummary:   t.LocationsSummary(),
		EligibilitySummary: t.EligibilitySummary(),
		Score:              score,
	}
}

// SimilarityFromDistance converts a cosine distance into a similarity in
// [0, 1], rounded to four decimals.
func SimilarityFromDistance(distance float64) float64 {
	s := math.Round((1-distance)*10000) / 10000
	switch {
	case s < 0:
		return 0
	case s > 1:
		return 1
	default:
		return s
	}
}
