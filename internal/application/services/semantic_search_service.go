package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
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

// DefaultQueryCacheTTLSeconds keeps query embeddings for a day.
const DefaultQueryCacheTTLSeconds = 24 * 60 * 60

// SemanticSearchService ranks trials by similarity to a free-text query.
type SemanticSearchService struct {
	repo     repositories.TrialRepository
	embedder providers.EmbeddingProvider
	cache    providers.CacheProvider
	cacheTTL int
	retryCfg retry.Config
}

// NewSemanticSearchService builds the retriever. cache may be nil.
func NewSemanticSearchService(
	repo repositories.TrialRepository,
	embedder providers.EmbeddingProvider,
	cache providers.CacheProvider,
	cacheTTLSeconds int,
) *SemanticSearchService {
	if cacheTTLSeconds <= 0 {
		cacheTTLSeconds = DefaultQueryCacheTTLSeconds
	}
	return &SemanticSearchService{
		repo:     repo,
		embedder: embedder,
		cache:    cache,
		cacheTTL: cacheTTLSeconds,
		retryCfg: retry.QueryConfig(),
	}
}

// Search embeds the query once and returns the nearest trials that pass the
// filter, closest first.
func (s *SemanticSearchService) Search(ctx context.Context, query entities.SearchQuery) ([]entities.ScoredTrial, error) {
	text := strings.TrimSpace(query.Text)
	if text == "" {
		return nil, apperrors.NewValidationError("query text is required")
	}
	limit := query.NormalizedLimit()

	ctx, span := observability.StartSpan(ctx, "search.semantic", attribute.Int("limit", limit))
	defer span.End()

	vector, err := s.queryEmbedding(ctx, text)
	if err != nil {
		observability.RecordError(span, err)
		return nil, err
	}

	results, err := s.repo.SearchByEmbedding(ctx, vector, query.Filter, limit)
	if err != nil {
		observability.RecordError(span, err)
		return nil, err
	}
	span.SetAttributes(attribute.Int("results", len(results)))
	return results, nil
}

func (s *SemanticSearchService) queryEmbedding(ctx context.Context, text string) ([]float32, error) {
	logger := observability.LoggerFromContext(ctx)
	metrics := observability.Metrics()
	key := s.cacheKey(text)

	if s.cache != nil {
		data, err := s.cache.Get(ctx, key)
		switch {
		case err == nil:
			var vec []float32
			if jsonErr := json.Unmarshal(data, &vec); jsonErr == nil && len(vec) > 0 {
				observability.Add(ctx, metrics.QueryCacheHits, 1)
				return vec, nil
			}
			logger.Warn().Str("key", key).Msg("discarding unreadable cached query embedding")
		case errors.Is(err, providers.ErrCacheMiss):
		default:
			logger.Warn().Err(err).Msg("query embedding cache read failed")
		}
		observability.Add(ctx, metrics.QueryCacheMisses, 1)
	}

	vectors, err := retry.DoValue(ctx, s.retryCfg, "query_embedding", func() ([][]float32, error) {
		return s.embedder.EmbedTexts(ctx, []string{text})
	}, func(attempt int, err error, next time.Duration) {
		logger.Warn().Err(err).Int("attempt", attempt).Dur("retry_in", next).Msg("query embedding call failed")
	})
	if err != nil {
		return nil, apperrors.NewExternalError("embed query", err)
	}
	if len(vectors) != 1 || len(vectors[0]) == 0 {
		return nil, apperrors.NewExternalError("embedding provider returned no vector for query", nil)
	}
	vec := vectors[0]

	if s.cache != nil {
		if data, err := json.Marshal(vec); err == nil {
			if err := s.cache.Set(ctx, key, data, s.cacheTTL); err != nil {
				logger.Warn().Err(err).Msg("query embedding cache write failed")
			}
		}
	}
	return vec, nil
}

func (s *SemanticSearchService) cacheKey(text string) string {
	sum := sha256.Sum256([]byte(text))
	return "query_embedding:" + s.embedder.Model() + ":" + hex.EncodeToString(sum[:])
}
