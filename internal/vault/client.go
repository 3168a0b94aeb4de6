// Package vault stores brokerage credentials in HashiCorp Vault. When Vault
// is disabled the client degrades to an in-memory store seeded from config,
// which keeps development and paper trading working without a Vault server.
package vault

import (
	"context"
	"fmt"
	"sync"

	"github.com/hashicorp/vault/api"

	"kis-trading-bot/config"
)

// Credential names used by the bot. The trading credential signs orders;
// the market credential is the real-account pair that serves quotes even
// when trading runs against the paper venue.
const (
	CredentialTrading = "trading"
	CredentialMarket  = "market"
)

// BrokerCredential is one app key pair as stored in Vault.
type BrokerCredential struct {
	AppKey    string `json:"app_key"`
	AppSecret string `json:"app_secret"`
	AccountNo string `json:"account_no"`
}

// Client wraps the HashiCorp Vault client with a read-through cache.
type Client struct {
	client *api.Client
	config config.VaultConfig

	mu    sync.RWMutex
	cache map[string]*BrokerCredential
}

// NewClient creates a Vault client. With Vault disabled the client serves
// only what was seeded via StoreCredential.
func NewClient(cfg config.VaultConfig) (*Client, error) {
	if !cfg.Enabled {
		return &Client{
			config: cfg,
			cache:  make(map[string]*BrokerCredential),
		}, nil
	}

	vaultConfig := api.DefaultConfig()
	vaultConfig.Address = cfg.Address

	if cfg.TLSEnabled && cfg.CACert != "" {
		tlsConfig := &api.TLSConfig{
			CACert: cfg.CACert,
		}
		if err := vaultConfig.ConfigureTLS(tlsConfig); err != nil {
			return nil, fmt.Errorf("failed to configure TLS: %w", err)
		}
	}

	client, err := api.NewClient(vaultConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create vault client: %w", err)
	}
	client.SetToken(cfg.Token)

	return &Client{
		client: client,
		config: cfg,
		cache:  make(map[string]*BrokerCredential),
	}, nil
}

// StoreCredential writes a credential under the given name.
func (c *Client) StoreCredential(ctx context.Context, name string, cred BrokerCredential) error {
	if !c.config.Enabled {
		c.mu.Lock()
		c.cache[name] = &cred
		c.mu.Unlock()
		return nil
	}

	secretData := map[string]interface{}{
		"data": map[string]interface{}{
			"app_key":    cred.AppKey,
			"app_secret": cred.AppSecret,
			"account_no": cred.AccountNo,
		},
	}

	if _, err := c.client.Logical().WriteWithContext(ctx, c.secretPath(name), secretData); err != nil {
		return fmt.Errorf("failed to store credential %q in vault: %w", name, err)
	}

	c.mu.Lock()
	c.cache[name] = &cred
	c.mu.Unlock()
	return nil
}

// GetCredential reads a credential by name, serving from cache when present.
func (c *Client) GetCredential(ctx context.Context, name string) (*BrokerCredential, error) {
	c.mu.RLock()
	if cached, ok := c.cache[name]; ok {
		c.mu.RUnlock()
		return cached, nil
	}
	c.mu.RUnlock()

	if !c.config.Enabled {
		return nil, fmt.Errorf("credential %q not found and vault is disabled", name)
	}

	secret, err := c.client.Logical().ReadWithContext(ctx, c.secretPath(name))
	if err != nil {
		return nil, fmt.Errorf("failed to read credential %q from vault: %w", name, err)
	}
	if secret == nil || secret.Data == nil {
		return nil, fmt.Errorf("credential %q not found", name)
	}

	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("invalid secret format for credential %q", name)
	}

	cred := &BrokerCredential{
		AppKey:    getString(data, "app_key"),
		AppSecret: getString(data, "app_secret"),
		AccountNo: getString(data, "account_no"),
	}
	if cred.AppKey == "" || cred.AppSecret == "" {
		return nil, fmt.Errorf("credential %q is incomplete", name)
	}

	c.mu.Lock()
	c.cache[name] = cred
	c.mu.Unlock()
	return cred, nil
}

// DeleteCredential removes a credential from Vault and the cache.
func (c *Client) DeleteCredential(ctx context.Context, name string) error {
	c.mu.Lock()
	delete(c.cache, name)
	c.mu.Unlock()

	if !c.config.Enabled {
		return nil
	}

	if _, err := c.client.Logical().DeleteWithContext(ctx, c.metadataPath(name)); err != nil {
		return fmt.Errorf("failed to delete credential %q from vault: %w", name, err)
	}
	return nil
}

// ClearCache drops the in-memory credential cache.
func (c *Client) ClearCache() {
	c.mu.Lock()
	c.cache = make(map[string]*BrokerCredential)
	c.mu.Unlock()
}

// IsEnabled returns whether Vault is the backing store.
func (c *Client) IsEnabled() bool {
	return c.config.Enabled
}

// Health checks the Vault connection.
func (c *Client) Health(ctx context.Context) error {
	if !c.config.Enabled {
		return nil
	}

	health, err := c.client.Sys().Health()
	if err != nil {
		return fmt.Errorf("vault health check failed: %w", err)
	}
	if health.Sealed {
		return fmt.Errorf("vault is sealed")
	}
	return nil
}

func (c *Client) secretPath(name string) string {
	return fmt.Sprintf("%s/data/%s/%s", c.config.MountPath, c.config.SecretPath, name)
}

func (c *Client) metadataPath(name string) string {
	return fmt.Sprintf("%s/metadata/%s/%s", c.config.MountPath, c.config.SecretPath, name)
}

func getString(data map[string]interface{}, key string) string {
	if val, ok := data[key]; ok {
		if str, ok := val.(string); ok {
			return str
		}
	}
	return ""
}
