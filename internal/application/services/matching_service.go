package services

import (
	"context"
	"sort"
	"strings"

	"go.opentelemetry.io/otel/attribute"

	"github.com/zatekoja/cleartrial/backend/internal/domain/entities"
	"github.com/zatekoja/cleartrial/backend/internal/domain/repositories"
	"github.com/zatekoja/cleartrial/backend/internal/infrastructure/observability"
	apperrors "github.com/zatekoja/cleartrial/backend/pkg/errors"
)

// candidateOverfetch is how many candidates are read per requested match.
const candidateOverfetch = 3

// MatchingService filters recruiting trials against a patient profile.
type MatchingService struct {
	repo repositories.TrialRepository
}

func NewMatchingService(repo repositories.TrialRepository) *MatchingService {
	return &MatchingService{repo: repo}
}

// Match returns up to limit trials the patient appears eligible for, best
// score first. Ties keep candidate order.
func (s *MatchingService) Match(ctx context.Context, profile entities.PatientProfile, limit int) ([]entities.MatchResult, error) {
	profile, err := normalizeProfile(profile)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = entities.DefaultMatchLimit
	}

	ctx, span := observability.StartSpan(ctx, "match",
		attribute.String("condition", profile.Condition),
		attribute.Int("limit", limit))
	defer span.End()

	candidates, err := s.repo.ListMatchCandidates(ctx, profile.Condition, limit*candidateOverfetch)
	if err != nil {
		observability.RecordError(span, err)
		return nil, err
	}

	results := make([]entities.MatchResult, 0, limit)
	for _, trial := range candidates {
		score, source, ok := EvaluateCandidate(trial, profile)
		if !ok {
			continue
		}
		results = append(results, entities.MatchResult{Trial: trial, Score: score, Source: source})
		if len(results) >= limit {
			break
		}
	}

	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Score > results[j].Score
	})
	span.SetAttributes(attribute.Int("candidates", len(candidates)), attribute.Int("matches", len(results)))
	return results, nil
}

// EvaluateCandidate decides whether profile passes trial's eligibility.
// Structured criteria are used when present, otherwise the registry sex field.
func EvaluateCandidate(trial *entities.Trial, profile entities.PatientProfile) (float64, entities.MatchSource, bool) {
	var (
		score  float64
		source entities.MatchSource
	)

	if criteria := trial.EligibilityParsed.Structured(); criteria != nil {
		if !criteria.AllowsAge(profile.Age) || !criteria.AllowsSex(profile.Sex) {
			return 0, "", false
		}
		score, source = entities.StructuredMatchScore, entities.MatchSourceStructured
	} else {
		raw := strings.TrimSpace(trial.EligibilitySex)
		if raw != "" && !strings.EqualFold(raw, entities.EligibilitySexAll) && !strings.EqualFold(raw, profile.Sex) {
			return 0, "", false
		}
		score, source = entities.FallbackMatchScore, entities.MatchSourceRaw
	}

	if profile.Country != "" && len(trial.Locations) > 0 && !trial.HasSiteIn(profile.Country) {
		return 0, "", false
	}
	return score, source, true
}

func normalizeProfile(p entities.PatientProfile) (entities.PatientProfile, error) {
	p.Sex = strings.ToLower(strings.TrimSpace(p.Sex))
	p.Condition = strings.TrimSpace(p.Condition)
	p.Country = strings.TrimSpace(p.Country)

	if p.Age < 0 {
		return p, apperrors.NewValidationError("age must be non-negative")
	}
	if p.Sex != entities.SexMale && p.Sex != entities.SexFemale {
		return p, apperrors.NewValidationError("sex must be male or female")
	}
	if p.Condition == "" {
		return p, apperrors.NewValidationError("condition is required")
	}
	return p, nil
}
