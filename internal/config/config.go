// Package config defines all configuration for the arbitrage pilot.
// Everything loads from the environment with an ARB_ prefix and sane
// defaults, so a bare `arbpilot pilot` runs in paper mode against the
// in-memory bus. Percentages are expressed as decimal fractions (0.10 = 10%).
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// Config is the top-level configuration.
type Config struct {
	// Connectivity
	RedisURL    string // message bus; ignored when BusBackend is "memory"
	DatabaseURL string // Postgres DSN; empty disables persistence (paper dev)
	BusBackend  string // "redis" or "memory"

	// Capital limits (risk gate)
	InitialBankroll    decimal.Decimal
	PositionLimitPct   decimal.Decimal
	PlatformLimitPct   decimal.Decimal
	DailyLossLimitPct  decimal.Decimal
	DrawdownLimitPct   decimal.Decimal
	MinProfitThreshold decimal.Decimal

	// Scanner thresholds
	MinEdgePct        decimal.Decimal
	MinSignalStrength decimal.Decimal

	// Allocator
	RebalanceIntervalTrades int
	MinAllocation           decimal.Decimal
	MaxAllocation           decimal.Decimal

	// Mode
	PaperTrading bool

	// Selective startup: which venues and oracles the pilot runs.
	Venues  []string
	Oracles []string
	Symbols []string // oracle symbols, e.g. BTC,ETH

	// Ingest cadence
	VenuePollInterval  time.Duration
	OraclePollInterval time.Duration

	Credentials map[string]VenueCredentials

	// DashboardPort serves the read-only snapshot API; 0 disables it.
	DashboardPort int

	LLM     LLMConfig
	Logging LoggingConfig
}

// VenueCredentials is one venue's structured credential bundle. String()
// masks secrets so bundles can be logged safely.
type VenueCredentials struct {
	APIKey     string
	Secret     string
	Passphrase string
}

// String renders the bundle with all secret material masked.
func (c VenueCredentials) String() string {
	return fmt.Sprintf("VenueCredentials{APIKey:%s Secret:%s Passphrase:%s}",
		mask(c.APIKey), mask(c.Secret), mask(c.Passphrase))
}

func mask(s string) string {
	if s == "" {
		return "<unset>"
	}
	if len(s) <= 4 {
		return "****"
	}
	return s[:2] + "****" + s[len(s)-2:]
}

// LLMConfig points at an optional chat-completions endpoint for the market
// matcher's batched fallback parser. Empty endpoint disables the fallback.
type LLMConfig struct {
	Endpoint string
	APIKey   string
	Model    string
}

type LoggingConfig struct {
	Level  string
	Format string // "text" or "json"
}

// Load reads configuration from ARB_* environment variables.
func Load() (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("ARB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("redis_url", "redis://localhost:6379/0")
	v.SetDefault("database_url", "")
	v.SetDefault("bus_backend", "redis")

	v.SetDefault("initial_bankroll", "500")
	v.SetDefault("position_limit_pct", "0.10")
	v.SetDefault("platform_limit_pct", "0.50")
	v.SetDefault("daily_loss_limit_pct", "0.10")
	v.SetDefault("drawdown_limit_pct", "0.20")
	v.SetDefault("min_profit_threshold", "0.05")

	v.SetDefault("min_edge_pct", "0.02")
	v.SetDefault("min_signal_strength", "0.50")

	v.SetDefault("rebalance_interval_trades", 10)
	v.SetDefault("min_allocation", "0.05")
	v.SetDefault("max_allocation", "0.80")

	v.SetDefault("paper_trading", true)
	v.SetDefault("venues", "polymarket,kalshi")
	v.SetDefault("oracles", "coinbase")
	v.SetDefault("symbols", "BTC,ETH,SOL")
	v.SetDefault("venue_poll_interval", "30s")
	v.SetDefault("oracle_poll_interval", "15s")

	v.SetDefault("dashboard_port", 0)

	v.SetDefault("llm_endpoint", "")
	v.SetDefault("llm_api_key", "")
	v.SetDefault("llm_model", "gpt-4o-mini")

	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")

	cfg := &Config{
		RedisURL:    v.GetString("redis_url"),
		DatabaseURL: v.GetString("database_url"),
		BusBackend:  v.GetString("bus_backend"),

		RebalanceIntervalTrades: v.GetInt("rebalance_interval_trades"),

		PaperTrading: v.GetBool("paper_trading"),
		Venues:       splitList(v.GetString("venues")),
		Oracles:      splitList(v.GetString("oracles")),
		Symbols:      splitList(v.GetString("symbols")),

		VenuePollInterval:  v.GetDuration("venue_poll_interval"),
		OraclePollInterval: v.GetDuration("oracle_poll_interval"),

		DashboardPort: v.GetInt("dashboard_port"),

		LLM: LLMConfig{
			Endpoint: v.GetString("llm_endpoint"),
			APIKey:   v.GetString("llm_api_key"),
			Model:    v.GetString("llm_model"),
		},
		Logging: LoggingConfig{
			Level:  v.GetString("log_level"),
			Format: v.GetString("log_format"),
		},
	}

	var err error
	dec := func(key string) decimal.Decimal {
		d, e := decimal.NewFromString(v.GetString(key))
		if e != nil && err == nil {
			err = fmt.Errorf("config %s: %w", key, e)
		}
		return d
	}
	cfg.InitialBankroll = dec("initial_bankroll")
	cfg.PositionLimitPct = dec("position_limit_pct")
	cfg.PlatformLimitPct = dec("platform_limit_pct")
	cfg.DailyLossLimitPct = dec("daily_loss_limit_pct")
	cfg.DrawdownLimitPct = dec("drawdown_limit_pct")
	cfg.MinProfitThreshold = dec("min_profit_threshold")
	cfg.MinEdgePct = dec("min_edge_pct")
	cfg.MinSignalStrength = dec("min_signal_strength")
	cfg.MinAllocation = dec("min_allocation")
	cfg.MaxAllocation = dec("max_allocation")
	if err != nil {
		return nil, err
	}

	cfg.Credentials = make(map[string]VenueCredentials, len(cfg.Venues))
	for _, venue := range cfg.Venues {
		prefix := strings.ToUpper(venue) + "_"
		cfg.Credentials[venue] = VenueCredentials{
			APIKey:     v.GetString(prefix + "api_key"),
			Secret:     v.GetString(prefix + "secret"),
			Passphrase: v.GetString(prefix + "passphrase"),
		}
	}

	return cfg, nil
}

// Validate checks required fields and value ranges.
func (c *Config) Validate() error {
	switch c.BusBackend {
	case "redis":
		if c.RedisURL == "" {
			return fmt.Errorf("redis_url is required when bus_backend is redis")
		}
	case "memory":
	default:
		return fmt.Errorf("bus_backend must be redis or memory, got %q", c.BusBackend)
	}
	if !c.PaperTrading && c.DatabaseURL == "" {
		return fmt.Errorf("database_url is required for live trading")
	}
	if c.InitialBankroll.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("initial_bankroll must be > 0")
	}
	for _, f := range []struct {
		name string
		val  decimal.Decimal
	}{
		{"position_limit_pct", c.PositionLimitPct},
		{"platform_limit_pct", c.PlatformLimitPct},
		{"daily_loss_limit_pct", c.DailyLossLimitPct},
		{"drawdown_limit_pct", c.DrawdownLimitPct},
		{"min_edge_pct", c.MinEdgePct},
		{"min_signal_strength", c.MinSignalStrength},
		{"min_allocation", c.MinAllocation},
		{"max_allocation", c.MaxAllocation},
	} {
		if f.val.IsNegative() || f.val.GreaterThan(decimal.NewFromInt(1)) {
			return fmt.Errorf("%s must be a fraction in [0,1], got %s", f.name, f.val)
		}
	}
	if c.MinAllocation.GreaterThan(c.MaxAllocation) {
		return fmt.Errorf("min_allocation %s exceeds max_allocation %s", c.MinAllocation, c.MaxAllocation)
	}
	if len(c.Venues) == 0 {
		return fmt.Errorf("at least one venue is required")
	}
	if c.RebalanceIntervalTrades <= 0 {
		return fmt.Errorf("rebalance_interval_trades must be > 0")
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}
