// Package config loads the bot configuration from a JSON file with
// environment variable overrides. Secrets (broker keys, DB password, JWT
// secret) are expected from the environment or Vault, never from the file.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"
)

type Config struct {
	KISConfig      KISConfig      `json:"kis"`
	SafetyConfig   SafetyConfig   `json:"safety"`
	QuotaConfig    QuotaConfig    `json:"quota"`
	TradingConfig  TradingConfig  `json:"trading"`
	DatabaseConfig DatabaseConfig `json:"database"`
	RedisConfig    RedisConfig    `json:"redis"`
	VaultConfig    VaultConfig    `json:"vault"`
	ServerConfig   ServerConfig   `json:"server"`
	AuthConfig     AuthConfig     `json:"auth"`
	LoggingConfig  LoggingConfig  `json:"logging"`
}

// KISConfig holds the Korea Investment & Securities API configuration.
// Trading uses AppKey/AppSecret; market data always uses the real-account
// MarketAppKey/MarketAppSecret because the paper venue serves no quotes.
type KISConfig struct {
	AppKey          string `json:"app_key"`
	AppSecret       string `json:"app_secret"`
	AccountNo       string `json:"account_no"`
	AccountProdCode string `json:"account_prod_code"` // usually "01"
	Mode            string `json:"mode"`              // "paper" or "live"
	MarketAppKey    string `json:"market_app_key"`
	MarketAppSecret string `json:"market_app_secret"`
	MarketAccountNo string `json:"market_account_no"`
	BaseURL         string `json:"base_url"`        // derived from Mode when empty
	MarketBaseURL   string `json:"market_base_url"` // always the live endpoint
	TokenCachePath  string `json:"token_cache_path"`
	EncryptionKey   string `json:"-"` // from ENCRYPTION_KEY, encrypts the token cache
}

// IsPaper reports whether the trading credential targets the paper venue.
func (k KISConfig) IsPaper() bool {
	return k.Mode != "live"
}

// SafetyConfig holds the immutable hard trading limits. These are the caps no
// strategy or AI decision is permitted to override.
type SafetyConfig struct {
	MaxPositionPct    float64 `json:"max_position_pct"`   // per-ticker exposure cap, % of portfolio
	MaxTotalExposure  float64 `json:"max_total_exposure"` // total exposure cap, % of portfolio
	MaxDailyTrades    int     `json:"max_daily_trades"`   // entries per day
	MaxDailyLossPct   float64 `json:"max_daily_loss_pct"` // daily shutdown floor, negative
	StopLossPct       float64 `json:"stop_loss_pct"`      // per-position stop, negative
	MaxHoldingDays    int     `json:"max_holding_days"`   // full liquidation age
	VixThreshold      float64 `json:"vix_threshold"`      // entry halt above this
	AllowedCurrency   string  `json:"allowed_currency"`   // single permitted settlement currency
	DailyResetHourKST int     `json:"daily_reset_hour_kst"`
}

// QuotaConfig bounds calls to the metered AI dependency.
type QuotaConfig struct {
	WindowMinutes int  `json:"window_minutes"`
	MaxCalls      int  `json:"max_calls"`
	Unlimited     bool `json:"unlimited"` // flat-rate plan: all checks pass, no history kept
}

// TradingConfig holds execution cadence settings.
type TradingConfig struct {
	MonitorIntervalMin    int  `json:"monitor_interval_min"`
	CancelScanIntervalMin int  `json:"cancel_scan_interval_min"`
	MaxOrderWaitMin       int  `json:"max_order_wait_min"`
	InterOrderDelayMs     int  `json:"inter_order_delay_ms"`
	DryRun                bool `json:"dry_run"`

	TrailingStopEnabled   bool    `json:"trailing_stop_enabled"`
	TrailingActivationPct float64 `json:"trailing_activation_pct"` // profit % that arms the trail
	TrailingGivebackPct   float64 `json:"trailing_giveback_pct"`   // retracement % from the high that exits

	// The volatility reading for the entry halt comes from a quoted proxy
	// ETF, since the market-data endpoint serves stocks, not index levels.
	VixProxyTicker   string `json:"vix_proxy_ticker"`
	VixProxyExchange string `json:"vix_proxy_exchange"`
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	User     string `json:"user"`
	Password string `json:"-"`
	Database string `json:"database"`
	SSLMode  string `json:"ssl_mode"`
}

// RedisConfig holds Redis connection settings for pending-order tracking.
type RedisConfig struct {
	Addr     string `json:"addr"`
	Password string `json:"-"`
	DB       int    `json:"db"`
}

// VaultConfig holds HashiCorp Vault settings for broker credential storage.
type VaultConfig struct {
	Enabled    bool   `json:"enabled"`
	Address    string `json:"address"`
	Token      string `json:"-"`
	MountPath  string `json:"mount_path"`
	SecretPath string `json:"secret_path"`
	TLSEnabled bool   `json:"tls_enabled"`
	CACert     string `json:"ca_cert"`
}

// ServerConfig holds the status API settings.
type ServerConfig struct {
	Enabled        bool   `json:"enabled"`
	Host           string `json:"host"`
	Port           int    `json:"port"`
	AllowedOrigins string `json:"allowed_origins"`
}

// AuthConfig holds JWT settings for the status API.
type AuthConfig struct {
	Enabled       bool          `json:"enabled"`
	JWTSecret     string        `json:"-"`
	TokenDuration time.Duration `json:"-"`
}

type LoggingConfig struct {
	Level       string `json:"level"`        // DEBUG, INFO, WARN, ERROR
	Output      string `json:"output"`       // stdout, stderr, or file path
	JSONFormat  bool   `json:"json_format"`  // Output as JSON
	IncludeFile bool   `json:"include_file"` // Include file and line number
}

// KIS endpoint hosts. The paper venue runs on a separate host and port.
const (
	LiveBaseURL  = "https://openapi.koreainvestment.com:9443"
	PaperBaseURL = "https://openapivts.koreainvestment.com:29443"
)

// Load reads config.json (or CONFIG_FILE) and applies environment overrides.
func Load() (*Config, error) {
	path := getEnvOrDefault("CONFIG_FILE", "config.json")
	cfg, err := loadFromFile(path)
	if err != nil {
		cfg = &Config{}
	}

	applyEnvOverrides(cfg)
	applyDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the safety stack cannot run with.
func (c *Config) Validate() error {
	if c.KISConfig.Mode != "paper" && c.KISConfig.Mode != "live" {
		return fmt.Errorf("kis.mode must be \"paper\" or \"live\", got %q", c.KISConfig.Mode)
	}
	if c.SafetyConfig.MaxDailyLossPct >= 0 {
		return fmt.Errorf("safety.max_daily_loss_pct must be negative, got %v", c.SafetyConfig.MaxDailyLossPct)
	}
	if c.SafetyConfig.StopLossPct >= 0 {
		return fmt.Errorf("safety.stop_loss_pct must be negative, got %v", c.SafetyConfig.StopLossPct)
	}
	if c.SafetyConfig.MaxPositionPct <= 0 || c.SafetyConfig.MaxPositionPct > 100 {
		return fmt.Errorf("safety.max_position_pct out of range: %v", c.SafetyConfig.MaxPositionPct)
	}
	if c.SafetyConfig.MaxTotalExposure <= 0 || c.SafetyConfig.MaxTotalExposure > 100 {
		return fmt.Errorf("safety.max_total_exposure out of range: %v", c.SafetyConfig.MaxTotalExposure)
	}
	if c.SafetyConfig.MaxHoldingDays < 3 {
		return fmt.Errorf("safety.max_holding_days must be >= 3 for staged liquidation, got %d", c.SafetyConfig.MaxHoldingDays)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	// KIS config - credentials only from environment (or Vault at startup)
	cfg.KISConfig.AppKey = getEnvOrDefault("KIS_APP_KEY", cfg.KISConfig.AppKey)
	cfg.KISConfig.AppSecret = getEnvOrDefault("KIS_APP_SECRET", cfg.KISConfig.AppSecret)
	cfg.KISConfig.AccountNo = getEnvOrDefault("KIS_ACCOUNT_NO", cfg.KISConfig.AccountNo)
	cfg.KISConfig.Mode = getEnvOrDefault("KIS_MODE", cfg.KISConfig.Mode)
	cfg.KISConfig.MarketAppKey = getEnvOrDefault("KIS_MARKET_APP_KEY", cfg.KISConfig.MarketAppKey)
	cfg.KISConfig.MarketAppSecret = getEnvOrDefault("KIS_MARKET_APP_SECRET", cfg.KISConfig.MarketAppSecret)
	cfg.KISConfig.MarketAccountNo = getEnvOrDefault("KIS_MARKET_ACCOUNT_NO", cfg.KISConfig.MarketAccountNo)
	cfg.KISConfig.EncryptionKey = getEnvOrDefault("ENCRYPTION_KEY", "")

	// Database config
	cfg.DatabaseConfig.Host = getEnvOrDefault("DB_HOST", cfg.DatabaseConfig.Host)
	cfg.DatabaseConfig.Port = getEnvIntOrDefault("DB_PORT", cfg.DatabaseConfig.Port)
	cfg.DatabaseConfig.User = getEnvOrDefault("DB_USER", cfg.DatabaseConfig.User)
	cfg.DatabaseConfig.Password = getEnvOrDefault("DB_PASSWORD", cfg.DatabaseConfig.Password)
	cfg.DatabaseConfig.Database = getEnvOrDefault("DB_NAME", cfg.DatabaseConfig.Database)
	cfg.DatabaseConfig.SSLMode = getEnvOrDefault("DB_SSLMODE", cfg.DatabaseConfig.SSLMode)

	// Redis config
	cfg.RedisConfig.Addr = getEnvOrDefault("REDIS_ADDR", cfg.RedisConfig.Addr)
	cfg.RedisConfig.Password = getEnvOrDefault("REDIS_PASSWORD", cfg.RedisConfig.Password)
	cfg.RedisConfig.DB = getEnvIntOrDefault("REDIS_DB", cfg.RedisConfig.DB)

	// Vault config
	cfg.VaultConfig.Enabled = getEnvOrDefault("VAULT_ENABLED", boolStr(cfg.VaultConfig.Enabled)) == "true"
	cfg.VaultConfig.Address = getEnvOrDefault("VAULT_ADDR", cfg.VaultConfig.Address)
	cfg.VaultConfig.Token = getEnvOrDefault("VAULT_TOKEN", cfg.VaultConfig.Token)

	// Server / auth config
	cfg.ServerConfig.Port = getEnvIntOrDefault("WEB_PORT", cfg.ServerConfig.Port)
	cfg.ServerConfig.Host = getEnvOrDefault("WEB_HOST", cfg.ServerConfig.Host)
	cfg.AuthConfig.JWTSecret = getEnvOrDefault("JWT_SECRET", cfg.AuthConfig.JWTSecret)

	// Logging config
	cfg.LoggingConfig.Level = getEnvOrDefault("LOG_LEVEL", cfg.LoggingConfig.Level)
	cfg.LoggingConfig.Output = getEnvOrDefault("LOG_OUTPUT", cfg.LoggingConfig.Output)

	// Trading config
	cfg.TradingConfig.DryRun = getEnvOrDefault("TRADING_DRY_RUN", boolStr(cfg.TradingConfig.DryRun)) == "true"

	// Quota config
	cfg.QuotaConfig.Unlimited = getEnvOrDefault("QUOTA_UNLIMITED", boolStr(cfg.QuotaConfig.Unlimited)) == "true"
}

func applyDefaults(cfg *Config) {
	if cfg.KISConfig.Mode == "" {
		cfg.KISConfig.Mode = "paper"
	}
	if cfg.KISConfig.BaseURL == "" {
		if cfg.KISConfig.IsPaper() {
			cfg.KISConfig.BaseURL = PaperBaseURL
		} else {
			cfg.KISConfig.BaseURL = LiveBaseURL
		}
	}
	if cfg.KISConfig.MarketBaseURL == "" {
		cfg.KISConfig.MarketBaseURL = LiveBaseURL
	}
	if cfg.KISConfig.AccountProdCode == "" {
		cfg.KISConfig.AccountProdCode = "01"
	}
	if cfg.KISConfig.TokenCachePath == "" {
		cfg.KISConfig.TokenCachePath = ".kis_token.json"
	}

	if cfg.SafetyConfig.MaxPositionPct == 0 {
		cfg.SafetyConfig.MaxPositionPct = 15.0
	}
	if cfg.SafetyConfig.MaxTotalExposure == 0 {
		cfg.SafetyConfig.MaxTotalExposure = 80.0
	}
	if cfg.SafetyConfig.MaxDailyTrades == 0 {
		cfg.SafetyConfig.MaxDailyTrades = 10
	}
	if cfg.SafetyConfig.MaxDailyLossPct == 0 {
		cfg.SafetyConfig.MaxDailyLossPct = -5.0
	}
	if cfg.SafetyConfig.StopLossPct == 0 {
		cfg.SafetyConfig.StopLossPct = -2.0
	}
	if cfg.SafetyConfig.MaxHoldingDays == 0 {
		cfg.SafetyConfig.MaxHoldingDays = 5
	}
	if cfg.SafetyConfig.VixThreshold == 0 {
		cfg.SafetyConfig.VixThreshold = 35.0
	}
	if cfg.SafetyConfig.AllowedCurrency == "" {
		cfg.SafetyConfig.AllowedCurrency = "USD"
	}

	if cfg.QuotaConfig.WindowMinutes == 0 {
		cfg.QuotaConfig.WindowMinutes = 60
	}
	if cfg.QuotaConfig.MaxCalls == 0 {
		cfg.QuotaConfig.MaxCalls = 50
	}

	if cfg.TradingConfig.MonitorIntervalMin == 0 {
		cfg.TradingConfig.MonitorIntervalMin = 15
	}
	if cfg.TradingConfig.CancelScanIntervalMin == 0 {
		cfg.TradingConfig.CancelScanIntervalMin = 5
	}
	if cfg.TradingConfig.MaxOrderWaitMin == 0 {
		cfg.TradingConfig.MaxOrderWaitMin = 30
	}
	if cfg.TradingConfig.InterOrderDelayMs == 0 {
		cfg.TradingConfig.InterOrderDelayMs = 500
	}
	if cfg.TradingConfig.TrailingActivationPct == 0 {
		cfg.TradingConfig.TrailingActivationPct = 3.0
	}
	if cfg.TradingConfig.TrailingGivebackPct == 0 {
		cfg.TradingConfig.TrailingGivebackPct = 1.5
	}
	if cfg.TradingConfig.VixProxyTicker == "" {
		cfg.TradingConfig.VixProxyTicker = "VIXY"
	}
	if cfg.TradingConfig.VixProxyExchange == "" {
		cfg.TradingConfig.VixProxyExchange = "AMEX"
	}

	if cfg.DatabaseConfig.Host == "" {
		cfg.DatabaseConfig.Host = "localhost"
	}
	if cfg.DatabaseConfig.Port == 0 {
		cfg.DatabaseConfig.Port = 5432
	}
	if cfg.DatabaseConfig.SSLMode == "" {
		cfg.DatabaseConfig.SSLMode = "disable"
	}

	if cfg.RedisConfig.Addr == "" {
		cfg.RedisConfig.Addr = "localhost:6379"
	}

	if cfg.VaultConfig.Address == "" {
		cfg.VaultConfig.Address = "http://localhost:8200"
	}
	if cfg.VaultConfig.MountPath == "" {
		cfg.VaultConfig.MountPath = "secret"
	}
	if cfg.VaultConfig.SecretPath == "" {
		cfg.VaultConfig.SecretPath = "kis-bot/credentials"
	}

	if cfg.ServerConfig.Host == "" {
		cfg.ServerConfig.Host = "0.0.0.0"
	}
	if cfg.ServerConfig.Port == 0 {
		cfg.ServerConfig.Port = 8080
	}
	if cfg.ServerConfig.AllowedOrigins == "" {
		cfg.ServerConfig.AllowedOrigins = "*"
	}

	if cfg.AuthConfig.TokenDuration == 0 {
		cfg.AuthConfig.TokenDuration = 24 * time.Hour
	}

	if cfg.LoggingConfig.Level == "" {
		cfg.LoggingConfig.Level = "INFO"
	}
	if cfg.LoggingConfig.Output == "" {
		cfg.LoggingConfig.Output = "stdout"
	}
}

func loadFromFile(filename string) (*Config, error) {
	file, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	var config Config
	if err := json.Unmarshal(file, &config); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}
	return &config, nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultValue
}

func boolStr(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
