package services

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/zatekoja/cleartrial/backend/internal/domain/entities"
	"github.com/zatekoja/cleartrial/backend/internal/domain/providers"
	"github.com/zatekoja/cleartrial/backend/internal/domain/repositories"
	"github.com/zatekoja/cleartrial/backend/internal/infrastructure/observability"
	apperrors "github.com/zatekoja/cleartrial/backend/pkg/errors"
	"github.com/zatekoja/cleartrial/backend/pkg/retry"
)

const (
	DefaultExtractionPageSize = 10
	extractionErrorLogEvery   = 10
)

// ExtractionSummary reports one extraction run.
type ExtractionSummary struct {
	Processed int `json:"processed"`
	Extracted int `json:"extracted"`
	Skipped   int `json:"skipped"`
	Errors    int `json:"errors"`
}

// EligibilityExtractionService turns free-text eligibility criteria into
// structured criteria with a language model.
type EligibilityExtractionService struct {
	repo     repositories.TrialRepository
	llm      providers.CompletionProvider
	pageSize int
	retryCfg retry.Config
	now      func() time.Time
}

func NewEligibilityExtractionService(
	repo repositories.TrialRepository,
	llm providers.CompletionProvider,
	pageSize int,
) *EligibilityExtractionService {
	if pageSize <= 0 {
		pageSize = DefaultExtractionPageSize
	}
	return &EligibilityExtractionService{
		repo:     repo,
		llm:      llm,
		pageSize: pageSize,
		retryCfg: retry.ExtractionConfig(),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Run processes every pending trial. Each page is committed on its own, so
// an interrupted run resumes where it stopped.
func (s *EligibilityExtractionService) Run(ctx context.Context) (*ExtractionSummary, error) {
	ctx, span := observability.StartSpan(ctx, "extraction.run", attribute.Int("page_size", s.pageSize))
	defer span.End()
	logger, _ := observability.RunLogger(ctx, "extraction")

	pending, err := s.repo.CountNeedingExtraction(ctx)
	if err != nil {
		observability.RecordError(span, err)
		return nil, err
	}
	logger.Info().Int("pending", pending).Msg("trials needing eligibility extraction")

	summary := &ExtractionSummary{}
	if pending == 0 {
		return summary, nil
	}

	after := ""
	for {
		if err := ctx.Err(); err != nil {
			return summary, err
		}

		page, err := s.repo.ListNeedingExtraction(ctx, after, s.pageSize)
		if err != nil {
			observability.RecordError(span, err)
			return summary, err
		}
		if len(page) == 0 {
			break
		}

		updates := make([]repositories.EligibilityUpdate, 0, len(page))
		for _, trial := range page {
			after = trial.NCTID
			summary.Processed++

			if !hasExtractableCriteria(trial.EligibilityCriteria) {
				summary.Skipped++
				continue
			}

			parsed, err := s.extract(ctx, trial.EligibilityCriteria)
			if ctxErr := ctx.Err(); ctxErr != nil {
				return summary, ctxErr
			}
			if err != nil {
				summary.Errors++
				observability.Add(ctx, observability.Metrics().ExtractionErrors, 1)
				if summary.Errors%extractionErrorLogEvery == 0 {
					logger.Warn().Err(err).Int("errors", summary.Errors).Str("nct_id", trial.NCTID).
						Msg("eligibility extraction errors so far")
				}
			} else {
				summary.Extracted++
				observability.Add(ctx, observability.Metrics().TrialsExtracted, 1)
			}
			updates = append(updates, repositories.EligibilityUpdate{
				NCTID:    trial.NCTID,
				Parsed:   parsed,
				ParsedAt: s.now(),
			})
		}

		if len(updates) > 0 {
			if err := s.repo.SaveEligibility(ctx, updates); err != nil {
				observability.RecordError(span, err)
				return summary, err
			}
		}
		logger.Info().
			Int("processed", summary.Processed).
			Int("pending", pending).
			Int("errors", summary.Errors).
			Msg("extraction page committed")
	}

	logger.Info().
		Int("extracted", summary.Extracted).
		Int("skipped", summary.Skipped).
		Int("errors", summary.Errors).
		Msg("extraction complete")
	return summary, nil
}

// ExtractOne re-extracts a single trial regardless of its current state.
func (s *EligibilityExtractionService) ExtractOne(ctx context.Context, nctID string) (*entities.ParsedEligibility, error) {
	ctx, span := observability.StartSpan(ctx, "extraction.one", attribute.String("nct_id", nctID))
	defer span.End()

	trial, err := s.repo.GetByID(ctx, nctID)
	if err != nil {
		observability.RecordError(span, err)
		return nil, err
	}
	if !hasExtractableCriteria(trial.EligibilityCriteria) {
		return nil, apperrors.NewValidationError("trial " + nctID + " has no extractable eligibility criteria")
	}

	parsed, extractErr := s.extract(ctx, trial.EligibilityCriteria)
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}
	if err := s.repo.SaveEligibility(ctx, []repositories.EligibilityUpdate{{
		NCTID:    nctID,
		Parsed:   parsed,
		ParsedAt: s.now(),
	}}); err != nil {
		observability.RecordError(span, err)
		return nil, err
	}
	if extractErr != nil {
		observability.RecordError(span, extractErr)
		return parsed, extractErr
	}
	return parsed, nil
}

// ResetErrors clears stored extraction failures so the next run retries them.
func (s *EligibilityExtractionService) ResetErrors(ctx context.Context) (int64, error) {
	n, err := s.repo.ResetExtractionErrors(ctx)
	if err != nil {
		return 0, err
	}
	observability.LoggerFromContext(ctx).Info().Int64("reset", n).Msg("cleared eligibility extraction errors")
	return n, nil
}

// extract always returns a value to persist. On failure it is an error
// marker and the error is returned alongside it.
func (s *EligibilityExtractionService) extract(ctx context.Context, criteria string) (*entities.ParsedEligibility, error) {
	logger := observability.LoggerFromContext(ctx)

	reply, err := retry.DoValue(ctx, s.retryCfg, "eligibility", func() (string, error) {
		return s.llm.Complete(ctx, buildEligibilityPrompt(criteria))
	}, func(attempt int, err error, next time.Duration) {
		logger.Debug().Err(err).Int("attempt", attempt).Dur("retry_in", next).Msg("completion call failed")
	})
	if err != nil {
		err = apperrors.NewExternalError("eligibility completion failed", err)
		return entities.NewExtractionError(err.Error(), s.now()), err
	}

	criteriaOut, err := decodeEligibility(reply)
	if err != nil {
		return entities.NewExtractionError(err.Error(), s.now()), err
	}
	return entities.NewStructuredEligibility(criteriaOut), nil
}

func decodeEligibility(reply string) (*entities.EligibilityCriteria, error) {
	var out *entities.EligibilityCriteria
	if err := json.Unmarshal([]byte(stripCodeFences(reply)), &out); err != nil {
		return nil, apperrors.NewParseError("model reply is not valid eligibility JSON", err)
	}
	if out == nil {
		return nil, apperrors.NewParseError("model reply is not valid eligibility JSON", errors.New("null document"))
	}
	return out, nil
}

func hasExtractableCriteria(criteria string) bool {
	return len(strings.TrimSpace(criteria)) >= minCriteriaLength
}
