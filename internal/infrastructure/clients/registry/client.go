package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/zatekoja/cleartrial/backend/internal/domain/providers"
	"github.com/zatekoja/cleartrial/backend/internal/infrastructure/observability"
	"github.com/zatekoja/cleartrial/backend/pkg/config"
	"github.com/zatekoja/cleartrial/backend/pkg/retry"
)

const defaultBaseURL = "https://clinicaltrials.gov/api/v2"

// HTTPClient pages through the ClinicalTrials.gov v2 studies endpoint.
type HTTPClient struct {
	baseURL    string
	pageSize   int
	retryCfg   retry.Config
	httpClient *http.Client
}

type studiesResponse struct {
	Studies       []json.RawMessage `json:"studies"`
	NextPageToken string            `json:"nextPageToken"`
}

// NewClient creates a registry client.
func NewClient(cfg *config.RegistryConfig) *HTTPClient {
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = defaultBaseURL
	}
	pageSize := cfg.PageSize
	if pageSize <= 0 {
		pageSize = 100
	}
	return &HTTPClient{
		baseURL:  base,
		pageSize: pageSize,
		retryCfg: retry.RegistryConfig(),
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
		},
	}
}

// ListStudies fetches one page. An empty pageToken requests the first page.
func (c *HTTPClient) ListStudies(ctx context.Context, pageToken string) (*providers.RegistryPage, error) {
	endpoint, err := c.studiesURL(pageToken)
	if err != nil {
		return nil, err
	}

	logger := observability.LoggerFromContext(ctx)
	out, err := retry.DoValue(ctx, c.retryCfg, "registry", func() (*studiesResponse, error) {
		resp := &studiesResponse{}
		if err := c.doJSON(ctx, http.MethodGet, endpoint, resp); err != nil {
			return nil, err
		}
		return resp, nil
	}, func(attempt int, err error, nextDelay time.Duration) {
		logger.Warn().Err(err).Int("attempt", attempt).Dur("retry_in", nextDelay).Msg("registry page fetch failed")
	})
	if err != nil {
		return nil, err
	}

	return &providers.RegistryPage{
		Studies:       out.Studies,
		NextPageToken: out.NextPageToken,
	}, nil
}

func (c *HTTPClient) studiesURL(pageToken string) (string, error) {
	parsed, err := url.Parse(c.baseURL + "/studies")
	if err != nil {
		return "", retry.Permanent(err)
	}
	query := parsed.Query()
	query.Set("format", "json")
	query.Set("pageSize", strconv.Itoa(c.pageSize))
	query.Set("fields", "protocolSection")
	if pageToken != "" {
		query.Set("pageToken", pageToken)
	}
	parsed.RawQuery = query.Encode()
	return parsed.String(), nil
}

func (c *HTTPClient) doJSON(ctx context.Context, method, endpoint string, out interface{}) error {
	httpReq, err := http.NewRequestWithContext(ctx, method, endpoint, nil)
	if err != nil {
		return retry.Permanent(err)
	}
	httpReq.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		statusErr := fmt.Errorf("registry returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return retry.Permanent(statusErr)
		}
		return statusErr
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode registry page: %w", err)
	}
	return nil
}
