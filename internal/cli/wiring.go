package cli

import (
	"context"
	"time"

	"github.com/zatekoja/cleartrial/backend/internal/adapters/cache"
	"github.com/zatekoja/cleartrial/backend/internal/adapters/database"
	"github.com/zatekoja/cleartrial/backend/internal/adapters/search"
	"github.com/zatekoja/cleartrial/backend/internal/domain/providers"
	"github.com/zatekoja/cleartrial/backend/internal/domain/repositories"
	"github.com/zatekoja/cleartrial/backend/internal/infrastructure/clients/anthropic"
	"github.com/zatekoja/cleartrial/backend/internal/infrastructure/clients/openai"
	"github.com/zatekoja/cleartrial/backend/internal/infrastructure/clients/postgres"
	"github.com/zatekoja/cleartrial/backend/internal/infrastructure/clients/redis"
	"github.com/zatekoja/cleartrial/backend/internal/infrastructure/clients/registry"
	"github.com/zatekoja/cleartrial/backend/internal/infrastructure/clients/typesense"
	"github.com/zatekoja/cleartrial/backend/internal/infrastructure/observability"
)

const queryCachePrefix = "cleartrial:"

func (a *app) trialRepository(ctx context.Context) (repositories.TrialRepository, error) {
	pgClient, err := postgres.NewClient(ctx, &a.cfg.Database)
	if err != nil {
		return nil, err
	}
	a.onClose(func(context.Context) error { return pgClient.Close() })
	return database.NewTrialAdapter(pgClient), nil
}

func (a *app) embedder() (providers.EmbeddingProvider, error) {
	client, err := openai.NewClient(&a.cfg.OpenAI)
	if err != nil {
		return nil, err
	}
	return client, nil
}

func (a *app) completer() (providers.CompletionProvider, error) {
	client, err := anthropic.NewClient(&a.cfg.Anthropic)
	if err != nil {
		return nil, err
	}
	return client, nil
}

func (a *app) registry() providers.RegistryProvider {
	return registry.NewClient(&a.cfg.Registry)
}

// queryCache prefers Redis and falls back to process memory when Redis is
// disabled or unreachable.
func (a *app) queryCache(ctx context.Context) providers.CacheProvider {
	logger := observability.LoggerFromContext(ctx)
	ttl := time.Duration(a.cfg.Pipeline.QueryCacheTTLSecond) * time.Second

	if a.cfg.Redis.Enabled {
		redisClient, err := redis.NewClient(ctx, &a.cfg.Redis)
		if err == nil {
			a.onClose(func(context.Context) error { return redisClient.Close() })
			return cache.NewRedisAdapter(redisClient, queryCachePrefix)
		}
		logger.Warn().Err(err).Msg("redis unavailable, using in-memory query cache")
	}
	return cache.NewMemoryAdapter(ttl, 10*time.Minute)
}

func (a *app) searchIndex(ctx context.Context) (repositories.TrialSearchIndex, error) {
	tsClient, err := typesense.NewClient(ctx, &a.cfg.Typesense)
	if err != nil {
		return nil, err
	}
	return search.NewTrialIndexAdapter(tsClient), nil
}
