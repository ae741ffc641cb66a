package secrets

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/zatekoja/cleartrial/backend/pkg/retry"
)

// ManagedKeys are the environment variables a Vault secret may populate.
// Anything else in the secret is ignored.
var ManagedKeys = []string{
	"DB_PASSWORD",
	"OPENAI_API_KEY",
	"ANTHROPIC_API_KEY",
	"REDIS_PASSWORD",
	"TYPESENSE_API_KEY",
}

// VaultConfig describes where pipeline secrets live in Vault.
type VaultConfig struct {
	Enabled   bool
	Addr      string
	Token     string
	Namespace string
	Mount     string
	Path      string
	KVVersion int
	Timeout   time.Duration
	Overwrite bool
}

// VaultResult reports how many managed keys were exported.
type VaultResult struct {
	Enabled bool
	Path    string
	Loaded  int
	Skipped int
	Ignored int
}

// LoadVaultConfigFromEnv reads VAULT_* variables.
func LoadVaultConfigFromEnv() VaultConfig {
	cfg := VaultConfig{
		Enabled:   strings.EqualFold(os.Getenv("VAULT_ENABLED"), "true"),
		Addr:      os.Getenv("VAULT_ADDR"),
		Token:     os.Getenv("VAULT_TOKEN"),
		Namespace: os.Getenv("VAULT_NAMESPACE"),
		Mount:     os.Getenv("VAULT_MOUNT"),
		Path:      os.Getenv("VAULT_PATH"),
		KVVersion: 2,
		Timeout:   5 * time.Second,
		Overwrite: strings.EqualFold(os.Getenv("VAULT_OVERWRITE"), "true"),
	}
	if cfg.Mount == "" {
		cfg.Mount = "secret"
	}
	if cfg.Path == "" {
		cfg.Path = "cleartrial/pipeline"
	}
	if val := os.Getenv("VAULT_KV_VERSION"); val != "" {
		if parsed, err := strconv.Atoi(val); err == nil {
			cfg.KVVersion = parsed
		}
	}
	if val := os.Getenv("VAULT_TIMEOUT_MS"); val != "" {
		if parsed, err := strconv.Atoi(val); err == nil {
			cfg.Timeout = time.Duration(parsed) * time.Millisecond
		}
	}
	return cfg
}

// Loader fetches a KV secret and exports managed keys into the process
// environment so config.Load picks them up.
type Loader struct {
	cfg        VaultConfig
	httpClient *http.Client
	setenv     func(key, value string) error
	getenv     func(key string) string
}

// NewLoader creates a Loader for cfg.
func NewLoader(cfg VaultConfig) *Loader {
	return &Loader{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		setenv:     os.Setenv,
		getenv:     os.Getenv,
	}
}

// Apply exports managed keys. It is a no-op when Vault is disabled.
func (l *Loader) Apply(ctx context.Context) (VaultResult, error) {
	result := VaultResult{Enabled: l.cfg.Enabled, Path: l.cfg.Path}
	if !l.cfg.Enabled {
		return result, nil
	}
	if l.cfg.Addr == "" || l.cfg.Token == "" {
		return result, errors.New("vault configuration incomplete (VAULT_ADDR, VAULT_TOKEN)")
	}

	endpoint, err := buildVaultURL(l.cfg.Addr, l.cfg.Mount, l.cfg.Path, l.cfg.KVVersion)
	if err != nil {
		return result, err
	}

	data, err := retry.DoValue(ctx, retry.RegistryConfig(), "vault", func() (map[string]interface{}, error) {
		return l.fetch(ctx, endpoint)
	}, nil)
	if err != nil {
		return result, err
	}

	managed := make(map[string]struct{}, len(ManagedKeys))
	for _, k := range ManagedKeys {
		managed[k] = struct{}{}
	}

	for key, value := range data {
		if _, ok := managed[key]; !ok {
			result.Ignored++
			continue
		}
		if !l.cfg.Overwrite && l.getenv(key) != "" {
			result.Skipped++
			continue
		}
		if err := l.setenv(key, stringifyVaultValue(value)); err != nil {
			return result, err
		}
		result.Loaded++
	}
	return result, nil
}

func (l *Loader) fetch(ctx context.Context, endpoint string) (map[string]interface{}, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, retry.Permanent(err)
	}
	req.Header.Set("X-Vault-Token", l.cfg.Token)
	if l.cfg.Namespace != "" {
		req.Header.Set("X-Vault-Namespace", l.cfg.Namespace)
	}

	resp, err := l.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		fetchErr := fmt.Errorf("vault fetch failed: %s %s", resp.Status, strings.TrimSpace(string(body)))
		if resp.StatusCode < 500 {
			return nil, retry.Permanent(fetchErr)
		}
		return nil, fetchErr
	}

	var payload map[string]interface{}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, retry.Permanent(err)
	}

	data, err := extractVaultData(payload, l.cfg.KVVersion)
	if err != nil {
		return nil, retry.Permanent(err)
	}
	return data, nil
}

func buildVaultURL(addr, mount, path string, kvVersion int) (string, error) {
	addr = strings.TrimRight(addr, "/")
	mount = strings.Trim(mount, "/")
	path = strings.TrimLeft(path, "/")
	if addr == "" || mount == "" || path == "" {
		return "", errors.New("vault address, mount, and path must be set")
	}
	if kvVersion == 1 {
		return fmt.Sprintf("%s/v1/%s/%s", addr, mount, path), nil
	}
	return fmt.Sprintf("%s/v1/%s/data/%s", addr, mount, path), nil
}

func extractVaultData(payload map[string]interface{}, kvVersion int) (map[string]interface{}, error) {
	data, ok := payload["data"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("vault response missing data for KV v%d", kvVersion)
	}
	if kvVersion == 1 {
		return data, nil
	}
	inner, ok := data["data"].(map[string]interface{})
	if !ok {
		return nil, errors.New("vault response missing data for KV v2")
	}
	return inner, nil
}

func stringifyVaultValue(value interface{}) string {
	switch v := value.(type) {
	case string:
		return v
	case nil:
		return ""
	case bool:
		return strconv.FormatBool(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		encoded, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(encoded)
	}
}
