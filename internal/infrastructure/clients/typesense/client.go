package typesense

import (
	"context"
	"fmt"
	"time"

	"github.com/typesense/typesense-go/v2/typesense"
	"github.com/typesense/typesense-go/v2/typesense/api"
	"github.com/typesense/typesense-go/v2/typesense/api/pointer"
	"github.com/zatekoja/cleartrial/backend/internal/infrastructure/observability"
	"github.com/zatekoja/cleartrial/backend/pkg/config"
	"github.com/zatekoja/cleartrial/backend/pkg/retry"
)

const (
	TrialsCollection = "trials"
)

// Client represents a Typesense client
type Client struct {
	client *typesense.Client
}

// NewClient creates a new Typesense client and waits for the node to report healthy
func NewClient(ctx context.Context, cfg *config.TypesenseConfig) (*Client, error) {
	client := typesense.NewClient(
		typesense.WithServer(cfg.URL),
		typesense.WithAPIKey(cfg.APIKey),
		typesense.WithConnectionTimeout(5*time.Second),
	)

	logger := observability.LoggerFromContext(ctx)
	err := retry.DoWithLog(
		ctx,
		retry.DefaultConfig(),
		"Typesense",
		func() error {
			healthy, err := client.Health(ctx, 2*time.Second)
			if err != nil {
				return err
			}
			if !healthy {
				return fmt.Errorf("typesense node at %s is not healthy", cfg.URL)
			}
			return nil
		},
		func(attempt int, err error, nextDelay time.Duration) {
			logger.Warn().Err(err).Int("attempt", attempt).Dur("retry_in", nextDelay).
				Msg("Typesense connection attempt failed")
		},
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Typesense after retries: %w", err)
	}

	logger.Info().Str("url", cfg.URL).Msg("connected to Typesense")
	return &Client{client: client}, nil
}

// Client returns the underlying Typesense client
func (c *Client) Client() *typesense.Client {
	return c.client
}

// InitSchema ensures the trials collection exists
func (c *Client) InitSchema(ctx context.Context) error {
	collections, err := c.client.Collections().Retrieve(ctx)
	if err != nil {
		return fmt.Errorf("failed to retrieve collections: %w", err)
	}

	for _, col := range collections {
		if col.Name == TrialsCollection {
			return nil
		}
	}

	if _, err := c.client.Collections().Create(ctx, TrialsSchema()); err != nil {
		return fmt.Errorf("failed to create collection: %w", err)
	}

	observability.LoggerFromContext(ctx).Info().Str("collection", TrialsCollection).Msg("created Typesense collection")
	return nil
}

// DropCollection deletes the trials collection
func (c *Client) DropCollection(ctx context.Context) error {
	_, err := c.client.Collection(TrialsCollection).Delete(ctx)
	return err
}

// UpsertDocument indexes or replaces a trial document
func (c *Client) UpsertDocument(ctx context.Context, document map[string]interface{}) error {
	_, err := c.client.Collection(TrialsCollection).Documents().Upsert(ctx, document)
	return err
}

// TrialsSchema is the keyword-search view of a trial
func TrialsSchema() *api.CollectionSchema {
	return &api.CollectionSchema{
		Name: TrialsCollection,
		Fields: []api.Field{
			{
				Name: "id",
				Type: "string",
			},
			{
				Name: "title",
				Type: "string",
			},
			{
				Name:  "status",
				Type:  "string",
				Facet: pointer.True(),
			},
			{
				Name:     "phase",
				Type:     "string",
				Facet:    pointer.True(),
				Optional: pointer.True(),
			},
			{
				Name:     "study_type",
				Type:     "string",
				Facet:    pointer.True(),
				Optional: pointer.True(),
			},
			{
				Name:     "sponsor",
				Type:     "string",
				Facet:    pointer.True(),
				Optional: pointer.True(),
			},
			{
				Name:     "conditions",
				Type:     "string[]",
				Facet:    pointer.True(),
				Optional: pointer.True(),
			},
			{
				Name:     "countries",
				Type:     "string[]",
				Facet:    pointer.True(),
				Optional: pointer.True(),
			},
			{
				Name:  "has_structured_eligibility",
				Type:  "bool",
				Facet: pointer.True(),
			},
			{
				Name: "last_update",
				Type: "int64",
			},
		},
		DefaultSortingField: pointer.String("last_update"),
	}
}
