package services

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"

	"github.com/zatekoja/cleartrial/backend/internal/domain/entities"
	"github.com/zatekoja/cleartrial/backend/internal/domain/providers"
	"github.com/zatekoja/cleartrial/backend/internal/domain/repositories"
	"github.com/zatekoja/cleartrial/backend/internal/infrastructure/observability"
)

// IngestionSummary reports one ingestion run.
type IngestionSummary struct {
	Pages    int `json:"pages"`
	Received int `json:"received"`
	Upserted int `json:"upserted"`
	Skipped  int `json:"skipped"`
}

// IngestionService pulls study pages from the registry and upserts them.
type IngestionService struct {
	registry providers.RegistryProvider
	repo     repositories.TrialRepository
}

func NewIngestionService(registry providers.RegistryProvider, repo repositories.TrialRepository) *IngestionService {
	return &IngestionService{registry: registry, repo: repo}
}

// Run ingests pages until the registry has no next page or limit studies
// have been received. A limit of zero ingests everything.
func (s *IngestionService) Run(ctx context.Context, limit int) (*IngestionSummary, error) {
	ctx, span := observability.StartSpan(ctx, "ingestion.run", attribute.Int("limit", limit))
	defer span.End()
	logger, _ := observability.RunLogger(ctx, "ingestion")

	summary := &IngestionSummary{}
	token := ""
	for {
		if err := ctx.Err(); err != nil {
			return summary, err
		}

		page, err := s.registry.ListStudies(ctx, token)
		if err != nil {
			observability.RecordError(span, err)
			return summary, fmt.Errorf("fetch registry page %d: %w", summary.Pages+1, err)
		}
		if len(page.Studies) == 0 {
			break
		}
		summary.Pages++
		summary.Received += len(page.Studies)

		trials := make([]*entities.Trial, 0, len(page.Studies))
		for _, raw := range page.Studies {
			trial, err := CanonicalizeStudy(raw)
			if err != nil {
				summary.Skipped++
				logger.Warn().Err(err).Msg("skipping undecodable study")
				continue
			}
			if trial.NCTID == "" {
				summary.Skipped++
				logger.Warn().Msg("skipping study without nct id")
				continue
			}
			trials = append(trials, trial)
		}

		n, err := s.repo.UpsertTrials(ctx, trials)
		if err != nil {
			observability.RecordError(span, err)
			return summary, fmt.Errorf("upsert page %d: %w", summary.Pages, err)
		}
		summary.Upserted += n
		observability.Add(ctx, observability.Metrics().TrialsUpserted, int64(n))

		logger.Info().
			Int("page", summary.Pages).
			Int("upserted", n).
			Int("total", summary.Upserted).
			Msg("ingested page")

		if limit > 0 && summary.Received >= limit {
			logger.Info().Int("limit", limit).Msg("reached ingest limit")
			break
		}
		if page.NextPageToken == "" {
			break
		}
		token = page.NextPageToken
	}

	logger.Info().
		Int("pages", summary.Pages).
		Int("upserted", summary.Upserted).
		Int("skipped", summary.Skipped).
		Msg("ingestion complete")
	return summary, nil
}
