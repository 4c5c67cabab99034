package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"otcdesk/internal/logging"
)

// Config materialises application configuration.
type Config struct {
	App        AppConfig        `mapstructure:"app"`
	Logging    logging.Config   `mapstructure:"logging"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Scheduler  SchedulerConfig  `mapstructure:"scheduler"`
	EVM        EVMConfig        `mapstructure:"evm"`
	Solana     SolanaConfig     `mapstructure:"solana"`
	Oracle     OracleConfig     `mapstructure:"oracle"`
	Pools      PoolsConfig      `mapstructure:"pools"`
	Settlement SettlementConfig `mapstructure:"settlement"`
	Server     ServerConfig     `mapstructure:"server"`
	Alerting   AlertingConfig   `mapstructure:"alerting"`
	Export     ExportConfig     `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	MigrationsPath  string        `mapstructure:"migrations_path"`
}

// SchedulerConfig governs reconciliation cadence.
type SchedulerConfig struct {
	Interval        time.Duration `mapstructure:"interval"`
	AlignToBucket   bool          `mapstructure:"align_to_bucket"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
	StartupDelay    time.Duration `mapstructure:"startup_delay"`
}

// EVMConfig covers the EVM desk deployment.
type EVMConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	RPCURL         string        `mapstructure:"rpc_url"`
	DeskAddress    string        `mapstructure:"desk_address"`
	PrivateKey     string        `mapstructure:"private_key"`
	ChainID        int64         `mapstructure:"chain_id"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	ConfirmPoll    time.Duration `mapstructure:"confirm_poll"`
	ConfirmWait    time.Duration `mapstructure:"confirm_wait"`
}

// SolanaConfig covers the Solana desk deployment.
type SolanaConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	RPCURL         string        `mapstructure:"rpc_url"`
	ProgramID      string        `mapstructure:"program_id"`
	DeskAddress    string        `mapstructure:"desk_address"`
	SignerKey      string        `mapstructure:"signer_key"`
	TokenTreasury  string        `mapstructure:"token_treasury"`
	StableTreasury string        `mapstructure:"stable_treasury"`
	PayerStableATA string        `mapstructure:"payer_stable_ata"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	ConfirmPoll    time.Duration `mapstructure:"confirm_poll"`
	ConfirmWait    time.Duration `mapstructure:"confirm_wait"`
}

// OracleConfig tunes price protection.
type OracleConfig struct {
	BaseURL             string            `mapstructure:"base_url"`
	APIKey              string            `mapstructure:"api_key"`
	RequestTimeout      time.Duration     `mapstructure:"request_timeout"`
	UserAgent           string            `mapstructure:"user_agent"`
	DefaultThresholdPct float64           `mapstructure:"default_threshold_pct"`
	FailOpen            bool              `mapstructure:"fail_open"`
	Platforms           map[string]string `mapstructure:"platforms"`
}

// PoolsConfig tunes liquidity pool discovery.
type PoolsConfig struct {
	ScreenerBaseURL string            `mapstructure:"screener_base_url"`
	ChainSlugs      map[string]string `mapstructure:"chain_slugs"`
	MinTVLUsd       float64           `mapstructure:"min_tvl_usd"`
	CacheTTL        time.Duration     `mapstructure:"cache_ttl"`
	RequestTimeout  time.Duration     `mapstructure:"request_timeout"`
	UniV2Factory    string            `mapstructure:"univ2_factory"`
	UniV2Stable     string            `mapstructure:"univ2_stable"`
}

// SettlementConfig tunes the orchestrator.
type SettlementConfig struct {
	QuoteTTL      time.Duration        `mapstructure:"quote_ttl"`
	RetryAttempts int                  `mapstructure:"retry_attempts"`
	RetryBase     time.Duration        `mapstructure:"retry_base"`
	RetryMax      time.Duration        `mapstructure:"retry_max"`
	Assets        map[string]AssetsCfg `mapstructure:"assets"`
}

// AssetsCfg overrides base-unit decimals per chain.
type AssetsCfg struct {
	TokenDecimals  int32 `mapstructure:"token_decimals"`
	NativeDecimals int32 `mapstructure:"native_decimals"`
	StableDecimals int32 `mapstructure:"stable_decimals"`
}

// ServerConfig governs the inbound trigger surface.
type ServerConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	ListenAddr     string        `mapstructure:"listen_addr"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// AlertingConfig defines alert thresholds and routing.
type AlertingConfig struct {
	Enabled  bool           `mapstructure:"enabled"`
	Cooldown time.Duration  `mapstructure:"cooldown"`
	Channels []string       `mapstructure:"channels"`
	Telegram TelegramConfig `mapstructure:"telegram"`
}

// TelegramConfig routes alerts to a Telegram chat.
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
	APIBase  string `mapstructure:"api_base"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("OTCDESK")
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
	v.SetDefault("app.name", "otcdesk")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.service", "otcdesk")

	v.SetDefault("scheduler.interval", "5m")
	v.SetDefault("scheduler.align_to_bucket", true)
	v.SetDefault("scheduler.advisory_lock_key", int64(0x6f746364))
	v.SetDefault("scheduler.startup_delay", "0s")

	v.SetDefault("evm.enabled", false)
	v.SetDefault("evm.request_timeout", "10s")
	v.SetDefault("evm.confirm_poll", "3s")
	v.SetDefault("evm.confirm_wait", "2m")

	v.SetDefault("solana.enabled", false)
	v.SetDefault("solana.request_timeout", "10s")
	v.SetDefault("solana.confirm_poll", "2s")
	v.SetDefault("solana.confirm_wait", "90s")

	v.SetDefault("oracle.base_url", "https://api.coingecko.com/api/v3")
	v.SetDefault("oracle.request_timeout", "10s")
	v.SetDefault("oracle.user_agent", "otcdesk/1.0")
	v.SetDefault("oracle.default_threshold_pct", 10.0)
	v.SetDefault("oracle.fail_open", true)
	v.SetDefault("oracle.platforms", map[string]string{
		"evm":    "ethereum",
		"solana": "solana",
	})

	v.SetDefault("pools.screener_base_url", "https://api.dexscreener.com")
	v.SetDefault("pools.chain_slugs", map[string]string{
		"evm":    "ethereum",
		"solana": "solana",
	})
	v.SetDefault("pools.min_tvl_usd", 50000.0)
	v.SetDefault("pools.cache_ttl", "15s")
	v.SetDefault("pools.request_timeout", "10s")

	v.SetDefault("settlement.quote_ttl", "15m")
	v.SetDefault("settlement.retry_attempts", 4)
	v.SetDefault("settlement.retry_base", "500ms")
	v.SetDefault("settlement.retry_max", "8s")

	v.SetDefault("server.enabled", true)
	v.SetDefault("server.listen_addr", ":8080")
	v.SetDefault("server.request_timeout", "2m")

	v.SetDefault("alerting.enabled", false)
	v.SetDefault("alerting.cooldown", "30m")
	v.SetDefault("alerting.channels", []string{"telegram"})
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")

	v.SetDefault("export.max_data_points", 100000)

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.migrations_path", "migrations")
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
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	if c.Scheduler.Interval <= 0 {
		return fmt.Errorf("scheduler.interval must be greater than zero")
	}
	if c.Oracle.DefaultThresholdPct <= 0 {
		return fmt.Errorf("oracle.default_threshold_pct must be greater than zero")
	}
	if c.Pools.MinTVLUsd < 0 {
		return fmt.Errorf("pools.min_tvl_usd cannot be negative")
	}
	if c.EVM.Enabled {
		if c.EVM.RPCURL == "" {
			return fmt.Errorf("evm.rpc_url must be configured when evm is enabled")
		}
		if c.EVM.DeskAddress == "" {
			return fmt.Errorf("evm.desk_address must be configured when evm is enabled")
		}
	}
	if c.Solana.Enabled {
		if c.Solana.RPCURL == "" {
			return fmt.Errorf("solana.rpc_url must be configured when solana is enabled")
		}
		if c.Solana.ProgramID == "" || c.Solana.DeskAddress == "" {
			return fmt.Errorf("solana.program_id and solana.desk_address must be configured when solana is enabled")
		}
	}
	if c.Alerting.Telegram.Enabled {
		if c.Alerting.Telegram.BotToken == "" {
			return fmt.Errorf("alerting.telegram.bot_token must be configured")
		}
		if c.Alerting.Telegram.ChatID == "" {
			return fmt.Errorf("alerting.telegram.chat_id must be configured")
		}
	}
	return nil
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}
