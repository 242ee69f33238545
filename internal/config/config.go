package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"defi-aggregator/internal/logging"
)

// Config materialises application configuration.
type Config struct {
	App         AppConfig         `mapstructure:"app"`
	Logging     logging.Config    `mapstructure:"logging"`
	Server      ServerConfig      `mapstructure:"server"`
	Auth        AuthConfig        `mapstructure:"auth"`
	RateLimit   RateLimitConfig   `mapstructure:"rate_limit"`
	Metrics     MetricsConfig     `mapstructure:"metrics"`
	Chains      map[string]string `mapstructure:"chains"`
	RPC         RPCConfig         `mapstructure:"rpc"`
	HTTP        HTTPConfig        `mapstructure:"http"`
	Cache       CacheConfig       `mapstructure:"cache"`
	Price       PriceConfig       `mapstructure:"price"`
	Tokens      TokensConfig      `mapstructure:"tokens"`
	Aave        AaveConfig        `mapstructure:"aave"`
	Morpho      MorphoConfig      `mapstructure:"morpho"`
	Hyperliquid HyperliquidConfig `mapstructure:"hyperliquid"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Scheduler   SchedulerConfig   `mapstructure:"scheduler"`
	Alerting    AlertingConfig    `mapstructure:"alerting"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Addr           string        `mapstructure:"addr"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	AllowedOrigins []string      `mapstructure:"allowed_origins"`
}

// AuthConfig governs API key enforcement.
type AuthConfig struct {
	Enabled  bool     `mapstructure:"enabled"`
	Keys     []string `mapstructure:"keys"`
	AdminKey string   `mapstructure:"admin_key"`
}

// RateLimitConfig sets the per-client request budget.
type RateLimitConfig struct {
	RequestsPerMinute int `mapstructure:"requests_per_minute"`
	Burst             int `mapstructure:"burst"`
}

// MetricsConfig toggles the prometheus endpoint.
type MetricsConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Namespace string `mapstructure:"namespace"`
}

// RPCConfig covers on-chain data access.
type RPCConfig struct {
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// HTTPConfig tunes the shared retrying HTTP client.
type HTTPConfig struct {
	Timeout    time.Duration `mapstructure:"timeout"`
	MaxRetries int           `mapstructure:"max_retries"`
	RetryDelay time.Duration `mapstructure:"retry_delay"`
	MaxDelay   time.Duration `mapstructure:"max_delay"`
	UserAgent  string        `mapstructure:"user_agent"`
}

// CacheConfig holds TTLs for the in-memory caches.
type CacheConfig struct {
	MarketsTTL        time.Duration `mapstructure:"markets_ttl"`
	PriceTTL          time.Duration `mapstructure:"price_ttl"`
	VaultWhitelistTTL time.Duration `mapstructure:"vault_whitelist_ttl"`
	TokenListTTL      time.Duration `mapstructure:"token_list_ttl"`
}

// PriceConfig lists the price sources.
type PriceConfig struct {
	CoinGeckoURL    string `mapstructure:"coingecko_url"`
	CoinGeckoAPIKey string `mapstructure:"coingecko_api_key"`
	OneInchURL      string `mapstructure:"oneinch_url"`
	OneInchAPIKey   string `mapstructure:"oneinch_api_key"`
	DexScreenerURL  string `mapstructure:"dexscreener_url"`
}

// TokensConfig drives the token directory refresh.
type TokensConfig struct {
	CoinGeckoURL   string        `mapstructure:"coingecko_url"`
	Pages          int           `mapstructure:"pages"`
	PerPage        int           `mapstructure:"per_page"`
	PageCooldown   time.Duration `mapstructure:"page_cooldown"`
	PageRetries    int           `mapstructure:"page_retries"`
	PageRetryDelay time.Duration `mapstructure:"page_retry_delay"`
	StaleAfter     time.Duration `mapstructure:"stale_after"`
	FuzzyMinScore  int           `mapstructure:"fuzzy_min_score"`
}

// AaveMarketConfig overrides one built-in Aave market.
type AaveMarketConfig struct {
	Pool            string   `mapstructure:"pool"`
	DataProvider    string   `mapstructure:"data_provider"`
	DisplayName     string   `mapstructure:"display_name"`
	SupportedTokens []string `mapstructure:"supported_tokens"`
}

// AaveConfig keys market overrides by chain id.
type AaveConfig struct {
	Markets map[string]AaveMarketConfig `mapstructure:"markets"`
}

// MorphoDeployment carries per-chain contract addresses.
type MorphoDeployment struct {
	Morpho          string `mapstructure:"morpho"`
	Bundler3        string `mapstructure:"bundler3"`
	GeneralAdapter1 string `mapstructure:"general_adapter1"`
}

// MorphoConfig covers the Morpho Blue API and deployments.
type MorphoConfig struct {
	GraphQLURL   string                      `mapstructure:"graphql_url"`
	TokenListURL string                      `mapstructure:"token_list_url"`
	SlippageBps  int64                       `mapstructure:"slippage_bps"`
	Deployments  map[string]MorphoDeployment `mapstructure:"deployments"`
}

// HyperliquidConfig captures Hyperliquid connectivity.
type HyperliquidConfig struct {
	InfoURL string `mapstructure:"info_url"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// SchedulerConfig governs background jobs.
type SchedulerConfig struct {
	TokenRefreshInterval time.Duration `mapstructure:"token_refresh_interval"`
	SnapshotInterval     time.Duration `mapstructure:"snapshot_interval"`
	SnapshotRetention    time.Duration `mapstructure:"snapshot_retention"`
	AdvisoryLockKey      int64         `mapstructure:"advisory_lock_key"`
	AlignToBucket        bool          `mapstructure:"align_to_bucket"`
	StartupDelay         time.Duration `mapstructure:"startup_delay"`
}

// AlertingConfig governs yield alerts.
type AlertingConfig struct {
	Enabled  bool           `mapstructure:"enabled"`
	Interval time.Duration  `mapstructure:"interval"`
	MinAPY   float64        `mapstructure:"min_apy"`
	Assets   []string       `mapstructure:"assets"`
	Chains   []string       `mapstructure:"chains"`
	Limit    int            `mapstructure:"limit"`
	Cooldown time.Duration  `mapstructure:"cooldown"`
	Telegram TelegramConfig `mapstructure:"telegram"`
}

// TelegramConfig holds Telegram bot credentials.
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
	APIBase  string `mapstructure:"api_base"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("DEFIAGG")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "defiagg")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("server.addr", ":3000")
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "60s")
	v.SetDefault("server.request_timeout", "45s")
	v.SetDefault("server.allowed_origins", []string{"*"})

	v.SetDefault("auth.enabled", false)

	v.SetDefault("rate_limit.requests_per_minute", 120)
	v.SetDefault("rate_limit.burst", 20)

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.namespace", "defiagg")

	v.SetDefault("rpc.request_timeout", "15s")

	v.SetDefault("http.timeout", "30s")
	v.SetDefault("http.max_retries", 3)
	v.SetDefault("http.retry_delay", "1s")
	v.SetDefault("http.max_delay", "10s")
	v.SetDefault("http.user_agent", "defiagg/1.0")

	v.SetDefault("cache.markets_ttl", "5m")
	v.SetDefault("cache.price_ttl", "5m")
	v.SetDefault("cache.vault_whitelist_ttl", "1h")
	v.SetDefault("cache.token_list_ttl", "1h")

	v.SetDefault("price.coingecko_url", "https://api.coingecko.com/api/v3")
	v.SetDefault("price.oneinch_url", "https://api.1inch.io/v5.0/1")
	v.SetDefault("price.dexscreener_url", "https://api.dexscreener.com/latest/dex")

	v.SetDefault("tokens.coingecko_url", "https://api.coingecko.com/api/v3")
	v.SetDefault("tokens.pages", 10)
	v.SetDefault("tokens.per_page", 250)
	v.SetDefault("tokens.page_cooldown", "6s")
	v.SetDefault("tokens.page_retries", 3)
	v.SetDefault("tokens.page_retry_delay", "10s")
	v.SetDefault("tokens.stale_after", "1h")
	v.SetDefault("tokens.fuzzy_min_score", 20)

	v.SetDefault("morpho.graphql_url", "https://blue-api.morpho.org/graphql")
	v.SetDefault("morpho.token_list_url", "https://tokens.coingecko.com/uniswap/all.json")
	v.SetDefault("morpho.slippage_bps", 3)

	v.SetDefault("hyperliquid.info_url", "https://api.hyperliquid.xyz/info")

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 2)
	v.SetDefault("database.conn_max_lifetime", "30m")

	v.SetDefault("scheduler.token_refresh_interval", "1h")
	v.SetDefault("scheduler.snapshot_interval", "0s")
	v.SetDefault("scheduler.snapshot_retention", "720h")
	v.SetDefault("scheduler.advisory_lock_key", 6580085)
	v.SetDefault("scheduler.align_to_bucket", false)
	v.SetDefault("scheduler.startup_delay", "0s")

	v.SetDefault("alerting.enabled", false)
	v.SetDefault("alerting.interval", "15m")
	v.SetDefault("alerting.min_apy", 10.0)
	v.SetDefault("alerting.limit", 10)
	v.SetDefault("alerting.cooldown", "6h")
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	if c.HTTP.Timeout <= 0 {
		return fmt.Errorf("http.timeout must be greater than zero")
	}
	if c.HTTP.MaxRetries < 0 {
		return fmt.Errorf("http.max_retries cannot be negative")
	}
	if c.Cache.MarketsTTL <= 0 || c.Cache.PriceTTL <= 0 || c.Cache.VaultWhitelistTTL <= 0 || c.Cache.TokenListTTL <= 0 {
		return fmt.Errorf("cache ttls must be greater than zero")
	}
	if c.Tokens.Pages <= 0 {
		return fmt.Errorf("tokens.pages must be greater than zero")
	}
	if c.Tokens.PerPage <= 0 {
		return fmt.Errorf("tokens.per_page must be greater than zero")
	}
	if c.Scheduler.TokenRefreshInterval <= 0 {
		return fmt.Errorf("scheduler.token_refresh_interval must be greater than zero")
	}
	if c.Scheduler.SnapshotInterval < 0 {
		return fmt.Errorf("scheduler.snapshot_interval cannot be negative")
	}
	if c.Scheduler.SnapshotRetention < 0 {
		return fmt.Errorf("scheduler.snapshot_retention cannot be negative")
	}
	if c.Auth.Enabled && len(c.Auth.Keys) == 0 && c.Database.DSN == "" {
		return fmt.Errorf("auth.enabled requires auth.keys or database.dsn")
	}
	if c.Alerting.Enabled {
		if c.Alerting.Interval <= 0 {
			return fmt.Errorf("alerting.interval must be greater than zero")
		}
		if c.Alerting.MinAPY < 0 {
			return fmt.Errorf("alerting.min_apy cannot be negative")
		}
		tg := c.Alerting.Telegram
		if !tg.Enabled || tg.BotToken == "" || tg.ChatID == "" {
			return fmt.Errorf("alerting.enabled requires alerting.telegram with bot_token and chat_id")
		}
	}
	if c.Morpho.SlippageBps < 0 || c.Morpho.SlippageBps >= 10000 {
		return fmt.Errorf("morpho.slippage_bps must be within [0, 10000)")
	}
	return nil
}

// RPCURL returns the configured endpoint for a chain, if any.
func (c *Config) RPCURL(chain string) string {
	if c == nil || c.Chains == nil {
		return ""
	}
	return strings.TrimSpace(c.Chains[strings.ToLower(chain)])
}
