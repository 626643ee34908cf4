package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the cycle arbitrage engine
type Config struct {
	RPC       RPCConfig
	Database  DatabaseConfig
	Engine    EngineConfig
	Prune     PruneConfig
	Valuation ValuationConfig
	Feed      FeedConfig
	Execution ExecutionConfig
	Metrics   MetricsConfig
	Logging   LoggingConfig
}

// RPCConfig holds Ethereum RPC configuration
type RPCConfig struct {
	URL            string
	WSUrl          string
	RetryAttempts  int
	RetryDelay     time.Duration
	RequestTimeout time.Duration
}

// DatabaseConfig holds the relational store settings
type DatabaseConfig struct {
	Driver             string // "mysql" or "sqlite"
	DSN                string
	CheckpointInterval time.Duration
}

// EngineConfig holds cycle detection and scanning settings
type EngineConfig struct {
	MaxLegs            int
	MinProfitLog       float64 // required aggregate log-rate margin
	Epsilon            float64 // tolerance around the break-even boundary
	BlockInterval      time.Duration
	ScanBudgetFraction float64
	ExpiryBlocks       uint64
	MaxDeferrals       int
	MaxInputFraction   float64 // cap on amount in as a fraction of the first pool's reserve
	BaseTokens         []string
	RebuildInterval    time.Duration
	InitInterval       time.Duration
}

// ScanBudget returns how long a single scan pass may run
func (e EngineConfig) ScanBudget() time.Duration {
	return time.Duration(float64(e.BlockInterval) * e.ScanBudgetFraction)
}

// PruneConfig holds pruner settings
type PruneConfig struct {
	Interval       time.Duration
	LiquidityFloor float64 // USD depth once prices exist, normalised depth score before
	InactiveBlocks uint64
}

// ValuationConfig holds the reference pricing used to value pools in USD.
// Prices spread from the stablecoins across pools one hop at a time.
type ValuationConfig struct {
	Stablecoins   []string // tokens pegged at 1 USD
	MinPriceDepth float64  // USD depth a pool needs on its priced side to set a price
	MaxHops       int
}

// FeedConfig holds chain event feed settings
type FeedConfig struct {
	QueueSize       int
	ReconnectDelay  time.Duration
	MaxReplayBlocks uint64
	RefreshWorkers  int
	Factories       []string
}

// ExecutionConfig holds execution boundary settings
type ExecutionConfig struct {
	Enabled         bool
	DryRun          bool
	Contract        string
	PrivateKey      string
	GasLimit        uint64
	MinProfitShare  float64 // share of the expected profit the contract must realise
	InclusionBlocks uint64
	PollInterval    time.Duration
	Workers         int
	QueueSize       int
}

// MetricsConfig holds the ops HTTP listener
type MetricsConfig struct {
	Enabled bool
	Listen  string
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string
	Format string // "json" or "console"
}

// Load reads configuration from environment and config file
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	// Environment variable support
	v.SetEnvPrefix("ARB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Config file support
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.cyclearb")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	cfg := fromViper(v)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("rpc.url", "https://base-mainnet.g.alchemy.com/v2/YOUR_API_KEY")
	v.SetDefault("rpc.ws_url", "")
	v.SetDefault("rpc.retry_attempts", 3)
	v.SetDefault("rpc.retry_delay", "1s")
	v.SetDefault("rpc.request_timeout", "30s")

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "cyclearb.db")
	v.SetDefault("database.checkpoint_interval", "5m")

	v.SetDefault("engine.max_legs", 3)
	v.SetDefault("engine.min_profit_log", 0.01)
	v.SetDefault("engine.epsilon", 1e-9)
	v.SetDefault("engine.block_interval", "2s")
	v.SetDefault("engine.scan_budget_fraction", 0.25)
	v.SetDefault("engine.expiry_blocks", 2)
	v.SetDefault("engine.max_deferrals", 3)
	v.SetDefault("engine.max_input_fraction", 0.1)
	v.SetDefault("engine.base_tokens", []string{})
	v.SetDefault("engine.rebuild_interval", "10m")
	v.SetDefault("engine.init_interval", "5s")

	v.SetDefault("prune.interval", "1m")
	v.SetDefault("prune.liquidity_floor", 1000.0)
	v.SetDefault("prune.inactive_blocks", 216000)

	// Base USDC and DAI
	v.SetDefault("valuation.stablecoins", []string{
		"0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913",
		"0x50c5725949A6F0c72E6C4a641F24049A917DB0Cb",
	})
	v.SetDefault("valuation.min_price_depth", 10000.0)
	v.SetDefault("valuation.max_hops", 2)

	v.SetDefault("feed.queue_size", 4096)
	v.SetDefault("feed.reconnect_delay", "2s")
	v.SetDefault("feed.max_replay_blocks", 500)
	v.SetDefault("feed.refresh_workers", 8)
	v.SetDefault("feed.factories", []string{})

	v.SetDefault("execution.enabled", false)
	v.SetDefault("execution.dry_run", true)
	v.SetDefault("execution.contract", "")
	v.SetDefault("execution.private_key", "")
	v.SetDefault("execution.gas_limit", 600000)
	v.SetDefault("execution.min_profit_share", 0.5)
	v.SetDefault("execution.inclusion_blocks", 3)
	v.SetDefault("execution.poll_interval", "500ms")
	v.SetDefault("execution.workers", 2)
	v.SetDefault("execution.queue_size", 64)

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.listen", ":9108")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")
}

func fromViper(v *viper.Viper) *Config {
	return &Config{
		RPC: RPCConfig{
			URL:            v.GetString("rpc.url"),
			WSUrl:          v.GetString("rpc.ws_url"),
			RetryAttempts:  v.GetInt("rpc.retry_attempts"),
			RetryDelay:     v.GetDuration("rpc.retry_delay"),
			RequestTimeout: v.GetDuration("rpc.request_timeout"),
		},
		Database: DatabaseConfig{
			Driver:             v.GetString("database.driver"),
			DSN:                v.GetString("database.dsn"),
			CheckpointInterval: v.GetDuration("database.checkpoint_interval"),
		},
		Engine: EngineConfig{
			MaxLegs:            v.GetInt("engine.max_legs"),
			MinProfitLog:       v.GetFloat64("engine.min_profit_log"),
			Epsilon:            v.GetFloat64("engine.epsilon"),
			BlockInterval:      v.GetDuration("engine.block_interval"),
			ScanBudgetFraction: v.GetFloat64("engine.scan_budget_fraction"),
			ExpiryBlocks:       v.GetUint64("engine.expiry_blocks"),
			MaxDeferrals:       v.GetInt("engine.max_deferrals"),
			MaxInputFraction:   v.GetFloat64("engine.max_input_fraction"),
			BaseTokens:         v.GetStringSlice("engine.base_tokens"),
			RebuildInterval:    v.GetDuration("engine.rebuild_interval"),
			InitInterval:       v.GetDuration("engine.init_interval"),
		},
		Prune: PruneConfig{
			Interval:       v.GetDuration("prune.interval"),
			LiquidityFloor: v.GetFloat64("prune.liquidity_floor"),
			InactiveBlocks: v.GetUint64("prune.inactive_blocks"),
		},
		Valuation: ValuationConfig{
			Stablecoins:   v.GetStringSlice("valuation.stablecoins"),
			MinPriceDepth: v.GetFloat64("valuation.min_price_depth"),
			MaxHops:       v.GetInt("valuation.max_hops"),
		},
		Feed: FeedConfig{
			QueueSize:       v.GetInt("feed.queue_size"),
			ReconnectDelay:  v.GetDuration("feed.reconnect_delay"),
			MaxReplayBlocks: v.GetUint64("feed.max_replay_blocks"),
			RefreshWorkers:  v.GetInt("feed.refresh_workers"),
			Factories:       v.GetStringSlice("feed.factories"),
		},
		Execution: ExecutionConfig{
			Enabled:         v.GetBool("execution.enabled"),
			DryRun:          v.GetBool("execution.dry_run"),
			Contract:        v.GetString("execution.contract"),
			PrivateKey:      v.GetString("execution.private_key"),
			GasLimit:        v.GetUint64("execution.gas_limit"),
			MinProfitShare:  v.GetFloat64("execution.min_profit_share"),
			InclusionBlocks: v.GetUint64("execution.inclusion_blocks"),
			PollInterval:    v.GetDuration("execution.poll_interval"),
			Workers:         v.GetInt("execution.workers"),
			QueueSize:       v.GetInt("execution.queue_size"),
		},
		Metrics: MetricsConfig{
			Enabled: v.GetBool("metrics.enabled"),
			Listen:  v.GetString("metrics.listen"),
		},
		Logging: LoggingConfig{
			Level:  v.GetString("logging.level"),
			Format: v.GetString("logging.format"),
		},
	}
}

// Validate checks the settings the engine cannot run without
func (c *Config) Validate() error {
	if c.Engine.MaxLegs < 2 || c.Engine.MaxLegs > 3 {
		return fmt.Errorf("engine.max_legs must be 2 or 3, got %d", c.Engine.MaxLegs)
	}
	if c.Engine.MinProfitLog < 0 {
		return errors.New("engine.min_profit_log must not be negative")
	}
	if c.Engine.ScanBudgetFraction <= 0 || c.Engine.ScanBudgetFraction > 1 {
		return fmt.Errorf("engine.scan_budget_fraction must be in (0, 1], got %v", c.Engine.ScanBudgetFraction)
	}
	if c.Engine.BlockInterval <= 0 {
		return errors.New("engine.block_interval must be positive")
	}
	if c.Engine.MaxInputFraction <= 0 || c.Engine.MaxInputFraction >= 1 {
		return fmt.Errorf("engine.max_input_fraction must be in (0, 1), got %v", c.Engine.MaxInputFraction)
	}
	if c.Database.Driver != "mysql" && c.Database.Driver != "sqlite" {
		return fmt.Errorf("unsupported database.driver %q", c.Database.Driver)
	}
	if c.Valuation.MaxHops < 0 {
		return errors.New("valuation.max_hops must not be negative")
	}
	if c.Feed.QueueSize <= 0 {
		return errors.New("feed.queue_size must be positive")
	}
	if c.Execution.Enabled {
		if c.Execution.Contract == "" {
			return errors.New("execution.contract is required when execution is enabled")
		}
		if !c.Execution.DryRun && c.Execution.PrivateKey == "" {
			return errors.New("execution.private_key is required unless execution.dry_run is set")
		}
		if c.Execution.MinProfitShare <= 0 || c.Execution.MinProfitShare > 1 {
			return fmt.Errorf("execution.min_profit_share must be in (0, 1], got %v", c.Execution.MinProfitShare)
		}
	}
	return nil
}
