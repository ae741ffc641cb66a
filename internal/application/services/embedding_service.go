package services

import (
	"context"
	"fmt"
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
	DefaultEmbeddingBatchSize = 100

	digestSummaryLimit     = 1000
	digestEligibilityLimit = 500
)

// RunSummary reports one embedding run.
type RunSummary struct {
	Batches  int `json:"batches"`
	Embedded int `json:"embedded"`
	Skipped  int `json:"skipped"`
}

// EmbeddingService attaches a digest embedding to every trial that lacks one.
type EmbeddingService struct {
	repo      repositories.TrialRepository
	embedder  providers.EmbeddingProvider
	batchSize int
	dimension int
	retryCfg  retry.Config
}

func NewEmbeddingService(
	repo repositories.TrialRepository,
	embedder providers.EmbeddingProvider,
	batchSize int,
	dimension int,
) *EmbeddingService {
	if batchSize <= 0 {
		batchSize = DefaultEmbeddingBatchSize
	}
	return &EmbeddingService{
		repo:      repo,
		embedder:  embedder,
		batchSize: batchSize,
		dimension: dimension,
		retryCfg:  retry.EmbeddingConfig(),
	}
}

// BuildDigest composes the text that represents a trial in vector space.
func BuildDigest(t *entities.Trial) string {
	var parts []string
	if t.BriefTitle != "" {
		parts = append(parts, t.BriefTitle)
	}
	if t.OfficialTitle != "" && t.OfficialTitle != t.BriefTitle {
		parts = append(parts, t.OfficialTitle)
	}
	if len(t.Conditions) > 0 {
		parts = append(parts, "Conditions: "+strings.Join(t.Conditions, ", "))
	}
	if names := t.InterventionNames(); len(names) > 0 {
		parts = append(parts, "Interventions: "+strings.Join(names, ", "))
	}
	if t.BriefSummary != "" {
		parts = append(parts, truncateRunes(t.BriefSummary, digestSummaryLimit))
	}
	if t.EligibilityCriteria != "" {
		parts = append(parts, "Eligibility: "+truncateRunes(t.EligibilityCriteria, digestEligibilityLimit))
	}
	return strings.Join(parts, "\n")
}

// Run embeds pending trials batch by batch. Committed batches survive a
// later failure. Trials with no text to embed are skipped and stay pending.
func (s *EmbeddingService) Run(ctx context.Context) (*RunSummary, error) {
	ctx, span := observability.StartSpan(ctx, "embedding.run",
		attribute.String("model", s.embedder.Model()),
		attribute.Int("batch_size", s.batchSize))
	defer span.End()
	logger, _ := observability.RunLogger(ctx, "embedding")

	pending, err := s.repo.CountNeedingEmbedding(ctx)
	if err != nil {
		observability.RecordError(span, err)
		return nil, err
	}
	logger.Info().Int("pending", pending).Msg("trials needing embeddings")

	summary := &RunSummary{}
	after := ""
	for {
		if err := ctx.Err(); err != nil {
			return summary, err
		}

		page, err := s.repo.ListNeedingEmbedding(ctx, after, s.batchSize)
		if err != nil {
			observability.RecordError(span, err)
			return summary, err
		}
		if len(page) == 0 {
			break
		}
		after = page[len(page)-1].NCTID

		batch, texts := digestBatch(page)
		if skipped := len(page) - len(batch); skipped > 0 {
			summary.Skipped += skipped
			logger.Debug().Int("skipped", skipped).Str("after", after).Msg("trials without text skipped")
		}
		if len(batch) == 0 {
			continue
		}

		if err := s.embedBatch(ctx, batch, texts); err != nil {
			observability.RecordError(span, err)
			logger.Error().Err(err).Int("batch", summary.Batches+1).Msg("embedding batch failed")
			return summary, err
		}
		summary.Batches++
		summary.Embedded += len(batch)
		observability.Add(ctx, observability.Metrics().TrialsEmbedded, int64(len(batch)))

		logger.Info().
			Int("batch", summary.Batches).
			Int("embedded", summary.Embedded).
			Int("pending", pending).
			Msg("embedded batch")
	}

	logger.Info().Int("embedded", summary.Embedded).Int("skipped", summary.Skipped).Msg("embedding complete")
	return summary, nil
}

// digestBatch pairs each trial with its digest and drops trials whose digest
// is empty, which the embeddings API rejects.
func digestBatch(page []*entities.Trial) ([]*entities.Trial, []string) {
	batch := make([]*entities.Trial, 0, len(page))
	texts := make([]string, 0, len(page))
	for _, t := range page {
		digest := BuildDigest(t)
		if strings.TrimSpace(digest) == "" {
			continue
		}
		batch = append(batch, t)
		texts = append(texts, digest)
	}
	return batch, texts
}

func (s *EmbeddingService) embedBatch(ctx context.Context, batch []*entities.Trial, texts []string) error {
	ctx, span := observability.StartSpan(ctx, "embedding.batch", attribute.Int("size", len(batch)))
	defer span.End()
	logger := observability.LoggerFromContext(ctx)

	vectors, err := retry.DoValue(ctx, s.retryCfg, "embeddings", func() ([][]float32, error) {
		return s.embedder.EmbedTexts(ctx, texts)
	}, func(attempt int, err error, next time.Duration) {
		logger.Warn().Err(err).Int("attempt", attempt).Dur("retry_in", next).Msg("embedding call failed")
	})
	if err != nil {
		return apperrors.NewExternalError("embedding provider failed", err)
	}
	if len(vectors) != len(batch) {
		return apperrors.NewExternalError(
			fmt.Sprintf("embedding provider returned %d vectors for %d texts", len(vectors), len(batch)), nil)
	}

	embeddings := make(map[string][]float32, len(batch))
	for i, t := range batch {
		if s.dimension > 0 && len(vectors[i]) != s.dimension {
			return apperrors.NewExternalError(
				fmt.Sprintf("embedding for %s has dimension %d, want %d", t.NCTID, len(vectors[i]), s.dimension), nil)
		}
		embeddings[t.NCTID] = vectors[i]
	}
	return s.repo.SaveEmbeddings(ctx, embeddings)
}

func truncateRunes(s string, n int) string {
	if n <= 0 {
		return ""
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
