package anthropic

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/zatekoja/cleartrial/backend/internal/infrastructure/observability"
	"github.com/zatekoja/cleartrial/backend/pkg/config"
	"github.com/zatekoja/cleartrial/backend/pkg/retry"
	"golang.org/x/time/rate"
)

const (
	providerName     = "anthropic"
	defaultModel     = "claude-sonnet-4-20250514"
	defaultMaxTokens = 2000
)

// Messager is the subset of the SDK messages service the client uses.
type Messager interface {
	New(ctx context.Context, params anthropic.MessageNewParams, opts ...option.RequestOption) (*anthropic.Message, error)
}

// Client implements the completion provider on the Anthropic Messages API.
type Client struct {
	messages  Messager
	model     string
	maxTokens int64
	limiter   *rate.Limiter
}

// NewClient creates a new Anthropic client. SDK retries are disabled so that
// retry policy stays with the caller.
func NewClient(cfg *config.AnthropicConfig) (*Client, error) {
	if cfg == nil || strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("anthropic api key is required")
	}

	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(0),
		option.WithRequestTimeout(120 * time.Second),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	sdk := anthropic.NewClient(opts...)

	return newClient(&sdk.Messages, cfg), nil
}

func newClient(messages Messager, cfg *config.AnthropicConfig) *Client {
	model := cfg.Model
	if model == "" {
		model = defaultModel
	}
	maxTokens := int64(cfg.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	return &Client{
		messages:  messages,
		model:     model,
		maxTokens: maxTokens,
		limiter:   newLimiter(cfg.RateLimitRPM, cfg.RateLimitBurst),
	}
}

// Model returns the configured model name.
func (c *Client) Model() string {
	return c.model
}

// Complete sends prompt as a single user turn and returns the concatenated
// text blocks of the reply.
func (c *Client) Complete(ctx context.Context, prompt string) (string, error) {
	if c.limiter != nil {
		waitStart := time.Now()
		if err := c.limiter.Wait(ctx); err != nil {
			observability.RecordAIRequest(ctx, providerName, c.model, 0, 0, err)
			return "", err
		}
		observability.RecordAIRateLimitWait(ctx, providerName, c.model, time.Since(waitStart))
	}

	start := time.Now()
	resp, err := c.messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(c.model),
		MaxTokens: c.maxTokens,
		Messages:  []anthropic.MessageParam{anthropic.NewUserMessage(anthropic.NewTextBlock(prompt))},
	})
	if err != nil {
		status := statusCode(err)
		observability.RecordAIRequest(ctx, providerName, c.model, status, time.Since(start), err)
		if status == http.StatusUnauthorized || status == http.StatusForbidden || status == http.StatusBadRequest {
			return "", retry.Permanent(fmt.Errorf("anthropic request failed with status %d: %w", status, err))
		}
		return "", fmt.Errorf("anthropic request failed: %w", err)
	}

	var sb strings.Builder
	for _, b := range resp.Content {
		if b.Type == "text" {
			sb.WriteString(b.Text)
		}
	}
	if sb.Len() == 0 {
		err := errors.New("anthropic response missing text content")
		observability.RecordAIRequest(ctx, providerName, c.model, http.StatusOK, time.Since(start), err)
		return "", err
	}

	observability.RecordAIRequest(ctx, providerName, c.model, http.StatusOK, time.Since(start), nil)
	return sb.String(), nil
}

func statusCode(err error) int {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode
	}
	return 0
}

// newLimiter builds a requests-per-minute limiter. A non-positive rpm disables it.
func newLimiter(rpm, burst int) *rate.Limiter {
	if rpm <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = 1
	}
	return rate.NewLimiter(rate.Every(time.Minute/time.Duration(rpm)), burst)
}
