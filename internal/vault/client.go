package vault

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/hashicorp/vault/api"
	"github.com/rs/zerolog"
)

// ErrNotFound is returned when no credentials are stored at the path.
var ErrNotFound = errors.New("credentials not found in vault")

// Config holds HashiCorp Vault configuration
type Config struct {
	Enabled    bool   `json:"enabled" env:"ENABLED"`
	Address    string `json:"address" env:"ADDR"`
	Token      string `json:"-" env:"TOKEN"`
	MountPath  string `json:"mount_path" env:"MOUNT_PATH"`   // KV v2 secrets engine mount
	SecretPath string `json:"secret_path" env:"SECRET_PATH"` // path prefix for exchange keys
	TLSEnabled bool   `json:"tls_enabled" env:"TLS_ENABLED"`
	CACert     string `json:"ca_cert" env:"CA_CERT"`
}

// DefaultConfig reads keys from secret/data/martingale-bot/<network>.
func DefaultConfig() Config {
	return Config{
		Address:    "http://127.0.0.1:8200",
		MountPath:  "secret",
		SecretPath: "martingale-bot",
	}
}

// Credentials are exchange API keys.
type Credentials struct {
	APIKey    string `json:"api_key"`
	SecretKey string `json:"secret_key"`
	Testnet   bool   `json:"testnet"`
}

// Client wraps the HashiCorp Vault client
type Client struct {
	client *api.Client
	config Config
	mu     sync.RWMutex
	cache  map[bool]*Credentials // keyed by testnet
	logger zerolog.Logger
}

// NewClient creates a new Vault client. A disabled config yields a client
// whose lookups all report ErrNotFound.
func NewClient(cfg Config, logger zerolog.Logger) (*Client, error) {
	c := &Client{
		config: cfg,
		cache:  make(map[bool]*Credentials),
		logger: logger.With().Str("component", "vault").Logger(),
	}
	if !cfg.Enabled {
		return c, nil
	}
	if cfg.MountPath == "" {
		cfg.MountPath = DefaultConfig().MountPath
		c.config.MountPath = cfg.MountPath
	}

	vaultConfig := api.DefaultConfig()
	vaultConfig.Address = cfg.Address

	if cfg.TLSEnabled && cfg.CACert != "" {
		if err := vaultConfig.ConfigureTLS(&api.TLSConfig{CACert: cfg.CACert}); err != nil {
			return nil, fmt.Errorf("failed to configure TLS: %w", err)
		}
	}

	client, err := api.NewClient(vaultConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create vault client: %w", err)
	}
	client.SetToken(cfg.Token)
	c.client = client
	return c, nil
}

// IsEnabled returns whether Vault is enabled
func (c *Client) IsEnabled() bool {
	return c.config.Enabled
}

// GetCredentials reads exchange keys for the network, caching the result.
func (c *Client) GetCredentials(ctx context.Context, testnet bool) (*Credentials, error) {
	c.mu.RLock()
	cached, ok := c.cache[testnet]
	c.mu.RUnlock()
	if ok {
		return cached, nil
	}
	if !c.config.Enabled {
		return nil, ErrNotFound
	}

	path := c.secretPath(testnet)
	secret, err := c.client.Logical().ReadWithContext(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("failed to read credentials from vault: %w", err)
	}
	if secret == nil || secret.Data == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("invalid secret format at %s", path)
	}

	creds := &Credentials{
		APIKey:    getString(data, "api_key"),
		SecretKey: getString(data, "secret_key"),
		Testnet:   testnet,
	}
	if creds.APIKey == "" || creds.SecretKey == "" {
		return nil, fmt.Errorf("%w: %s is missing api_key or secret_key", ErrNotFound, path)
	}

	c.mu.Lock()
	c.cache[testnet] = creds
	c.mu.Unlock()
	c.logger.Info().Str("path", path).Msg("Loaded exchange credentials")
	return creds, nil
}

// StoreCredentials writes exchange keys for the network.
func (c *Client) StoreCredentials(ctx context.Context, creds Credentials) error {
	if !c.config.Enabled {
		return errors.New("vault is disabled")
	}
	secretData := map[string]interface{}{
		"data": map[string]interface{}{
			"api_key":    creds.APIKey,
			"secret_key": creds.SecretKey,
		},
	}
	if _, err := c.client.Logical().WriteWithContext(ctx, c.secretPath(creds.Testnet), secretData); err != nil {
		return fmt.Errorf("failed to store credentials in vault: %w", err)
	}

	c.mu.Lock()
	c.cache[creds.Testnet] = &creds
	c.mu.Unlock()
	return nil
}

// ClearCache clears the in-memory cache
func (c *Client) ClearCache() {
	c.mu.Lock()
	c.cache = make(map[bool]*Credentials)
	c.mu.Unlock()
}

// HealthCheck checks the Vault connection
func (c *Client) HealthCheck(ctx context.Context) error {
	if !c.config.Enabled {
		return nil
	}
	health, err := c.client.Sys().HealthWithContext(ctx)
	if err != nil {
		return fmt.Errorf("vault health check failed: %w", err)
	}
	if health.Sealed {
		return errors.New("vault is sealed")
	}
	return nil
}

func (c *Client) secretPath(testnet bool) string {
	network := "mainnet"
	if testnet {
		network = "testnet"
	}
	return fmt.Sprintf("%s/data/%s/%s", c.config.MountPath, strings.Trim(c.config.SecretPath, "/"), network)
}

func getString(data map[string]interface{}, key string) string {
	if val, ok := data[key]; ok {
		if str, ok := val.(string); ok {
			return str
		}
	}
	return ""
}
