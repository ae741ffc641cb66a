package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"
	"github.com/zatekoja/cleartrial/backend/internal/infrastructure/observability"
	"github.com/zatekoja/cleartrial/backend/pkg/config"
	"github.com/zatekoja/cleartrial/backend/pkg/retry"
	"golang.org/x/time/rate"
)

const providerName = "openai"

// Client implements the embedding provider on the OpenAI embeddings API.
type Client struct {
	client  *openai.Client
	model   string
	dim     int
	limiter *rate.Limiter
}

// NewClient creates a new OpenAI embedding client.
func NewClient(cfg *config.OpenAIConfig) (*Client, error) {
	if cfg == nil || cfg.APIKey == "" {
		return nil, errors.New("openai api key is required")
	}

	model := cfg.EmbeddingModel
	if model == "" {
		model = string(openai.SmallEmbedding3)
	}

	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientConfig.BaseURL = cfg.BaseURL
	}
	clientConfig.HTTPClient = &http.Client{Timeout: 60 * time.Second}

	return &Client{
		client:  openai.NewClientWithConfig(clientConfig),
		model:   model,
		dim:     cfg.EmbeddingDim,
		limiter: newLimiter(cfg.RateLimitRPM, cfg.RateLimitBurst),
	}, nil
}

// Model returns the embedding model name.
func (c *Client) Model() string {
	return c.model
}

// EmbedTexts embeds texts in one request and returns the vectors in input
// order. Authentication failures are marked permanent for retry.Do.
func (c *Client) EmbedTexts(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	if c.limiter != nil {
		waitStart := time.Now()
		if err := c.limiter.Wait(ctx); err != nil {
			observability.RecordAIRequest(ctx, providerName, c.model, 0, 0, err)
			return nil, err
		}
		observability.RecordAIRateLimitWait(ctx, providerName, c.model, time.Since(waitStart))
	}

	start := time.Now()
	resp, err := c.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input:      texts,
		Model:      openai.EmbeddingModel(c.model),
		Dimensions: c.requestDimensions(),
	})
	if err != nil {
		status := statusCode(err)
		observability.RecordAIRequest(ctx, providerName, c.model, status, time.Since(start), err)
		if status == http.StatusUnauthorized || status == http.StatusForbidden || status == http.StatusBadRequest {
			return nil, retry.Permanent(fmt.Errorf("openai embeddings failed with status %d: %w", status, err))
		}
		return nil, fmt.Errorf("openai embeddings failed: %w", err)
	}

	vectors := make([][]float32, len(texts))
	for _, item := range resp.Data {
		if item.Index < 0 || item.Index >= len(texts) {
			err := fmt.Errorf("openai returned embedding index %d for %d inputs", item.Index, len(texts))
			observability.RecordAIRequest(ctx, providerName, c.model, http.StatusOK, time.Since(start), err)
			return nil, err
		}
		if c.dim > 0 && len(item.Embedding) != c.dim {
			err := fmt.Errorf("openai returned %d-dimension embedding, expected %d", len(item.Embedding), c.dim)
			observability.RecordAIRequest(ctx, providerName, c.model, http.StatusOK, time.Since(start), err)
			return nil, retry.Permanent(err)
		}
		vectors[item.Index] = item.Embedding
	}
	for i, v := range vectors {
		if v == nil {
			err := fmt.Errorf("openai response missing embedding for input %d", i)
			observability.RecordAIRequest(ctx, providerName, c.model, http.StatusOK, time.Since(start), err)
			return nil, err
		}
	}

	observability.RecordAIRequest(ctx, providerName, c.model, http.StatusOK, time.Since(start), nil)
	return vectors, nil
}

// requestDimensions asks the API for the configured vector size. Only the
// text-embedding-3 family accepts the parameter.
func (c *Client) requestDimensions() int {
	if c.dim <= 0 || !strings.HasPrefix(c.model, "text-embedding-3") {
		return 0
	}
	return c.dim
}

func statusCode(err error) int {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return reqErr.HTTPStatusCode
	}
	return 0
}

// newLimiter builds a requests-per-minute limiter. A non-positive rpm disables it.
func newLimiter(rpm, burst int) *rate.Limiter {
	if rpm <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = 5
	}
	return rate.NewLimiter(rate.Every(time.Minute/time.Duration(rpm)), burst)
}
