package services

import (
	"context"
	"fmt"

	"github.com/zatekoja/cleartrial/backend/internal/domain/repositories"
	"github.com/zatekoja/cleartrial/backend/internal/infrastructure/observability"
)

const indexPageSize = 200

// IndexSummary reports one mirror run.
type IndexSummary struct {
	Indexed int `json:"indexed"`
	Failed  int `json:"failed"`
}

// IndexerService copies trials from the store into the keyword search index.
type IndexerService struct {
	repo  repositories.TrialRepository
	index repositories.TrialSearchIndex
}

func NewIndexerService(repo repositories.TrialRepository, index repositories.TrialSearchIndex) *IndexerService {
	return &IndexerService{repo: repo, index: index}
}

// Reset drops and recreates the collection.
func (s *IndexerService) Reset(ctx context.Context) error {
	return s.index.Reset(ctx)
}

// IndexAll upserts every stored trial. A failing document is logged and
// counted; store failures abort the run.
func (s *IndexerService) IndexAll(ctx context.Context) (*IndexSummary, error) {
	ctx, span := observability.StartSpan(ctx, "indexer.run")
	defer span.End()
	logger, _ := observability.RunLogger(ctx, "indexer")

	if err := s.index.EnsureCollection(ctx); err != nil {
		observability.RecordError(span, err)
		return nil, fmt.Errorf("ensure collection: %w", err)
	}

	summary := &IndexSummary{}
	after := ""
	for {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		trials, err := s.repo.ListTrials(ctx, after, indexPageSize)
		if err != nil {
			observability.RecordError(span, err)
			return summary, err
		}
		if len(trials) == 0 {
			break
		}
		for _, t := range trials {
			after = t.NCTID
			if err := s.index.Index(ctx, t); err != nil {
				summary.Failed++
				logger.Error().Err(err).Str("nct_id", t.NCTID).Msg("failed to index trial")
				continue
			}
			summary.Indexed++
		}
		logger.Info().Int("indexed", summary.Indexed).Msg("indexed page")
	}

	logger.Info().Int("indexed", summary.Indexed).Int("failed", summary.Failed).Msg("indexing complete")
	return summary, nil
}
