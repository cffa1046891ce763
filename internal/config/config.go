// Package config loads process configuration from the environment (and an
// optional config file) via viper, following the same binding style the
// teacher repository uses for its server and data configuration.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the fully resolved process configuration.
type Config struct {
	NodeEnv  string
	LogLevel string

	DatabaseURL string

	ExchangeAPIKey    string
	ExchangeAPISecret string
	ExchangeBaseURL   string
	RecvWindowMs      int

	HTTPPort       int
	MetricsEnabled bool

	ParamsVersionID string
	AccountEquity   float64

	Risk   RiskConfig
	Sizing SizingConfig
	Regime RegimeConfig
}

// RiskConfig mirrors the risk-service defaults in SPEC_FULL.md 4.7.
type RiskConfig struct {
	PerSymbolCooldown      time.Duration
	PerEngineCooldown      time.Duration
	MaxLeverageDefensive   float64
	PortfolioCapMax        int
	PortfolioCapDefensive  int
	QtyStep                float64
	MinQty                 float64
}

// SizingConfig mirrors the exchange leverage/margin bounds shared by the
// strategy engines. MarginPct is the per-trade margin percentage each
// engine stamps onto its TradePlan.
type SizingConfig struct {
	EngineMinLeverage   float64
	EngineMaxLeverage   float64
	ExchangeMaxLeverage float64
	MarginPct           float64
}

// RegimeConfig mirrors the regime engine's classification thresholds.
type RegimeConfig struct {
	WindowSize     int
	CompressionTh  float64
	TrendTh        float64
	ExpansionTh    float64
	DefensiveTh    float64
}

// Load reads configuration from the process environment (and, if present,
// a config file named tradebot.yaml on the viper search path, or the file
// at path if non-empty), applying the SPEC_FULL.md defaults for anything
// unset.
func Load(path string) (*Config, error) {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("tradebot")
		v.AddConfigPath(".")
	}
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("node_env", "development")
	v.SetDefault("log_level", "info")
	v.SetDefault("recv_window_ms", 5000)
	v.SetDefault("http_port", 8090)
	v.SetDefault("metrics_enabled", true)
	v.SetDefault("params_version_id", "baseline")
	v.SetDefault("account_equity", 10_000.0)

	v.SetDefault("risk.per_symbol_cooldown_ms", 5*60*1000)
	v.SetDefault("risk.per_engine_cooldown_ms", 2*60*1000)
	v.SetDefault("risk.max_leverage_defensive", 2.0)
	v.SetDefault("risk.portfolio_cap_max", 5)
	v.SetDefault("risk.portfolio_cap_defensive", 2)
	v.SetDefault("risk.qty_step", 0.001)
	v.SetDefault("risk.min_qty", 0.001)

	v.SetDefault("sizing.engine_min_leverage", 1.0)
	v.SetDefault("sizing.engine_max_leverage", 10.0)
	v.SetDefault("sizing.exchange_max_leverage", 20.0)
	v.SetDefault("sizing.margin_pct", 1.0)

	v.SetDefault("regime.window_size", 100)
	v.SetDefault("regime.compression_th", 25.0)
	v.SetDefault("regime.trend_th", 65.0)
	v.SetDefault("regime.expansion_th", 85.0)
	v.SetDefault("regime.defensive_th", 90.0)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("config: reading config file: %w", err)
		}
	}

	cfg := &Config{
		NodeEnv:           v.GetString("node_env"),
		LogLevel:          v.GetString("log_level"),
		DatabaseURL:       v.GetString("database_url"),
		ExchangeAPIKey:    v.GetString("api_key"),
		ExchangeAPISecret: v.GetString("api_secret"),
		ExchangeBaseURL:   v.GetString("base_url"),
		RecvWindowMs:      v.GetInt("recv_window_ms"),
		HTTPPort:          v.GetInt("http_port"),
		MetricsEnabled:    v.GetBool("metrics_enabled"),
		ParamsVersionID:   v.GetString("params_version_id"),
		AccountEquity:     v.GetFloat64("account_equity"),
		Risk: RiskConfig{
			PerSymbolCooldown:     time.Duration(v.GetInt64("risk.per_symbol_cooldown_ms")) * time.Millisecond,
			PerEngineCooldown:     time.Duration(v.GetInt64("risk.per_engine_cooldown_ms")) * time.Millisecond,
			MaxLeverageDefensive:  v.GetFloat64("risk.max_leverage_defensive"),
			PortfolioCapMax:       v.GetInt("risk.portfolio_cap_max"),
			PortfolioCapDefensive: v.GetInt("risk.portfolio_cap_defensive"),
			QtyStep:               v.GetFloat64("risk.qty_step"),
			MinQty:                v.GetFloat64("risk.min_qty"),
		},
		Sizing: SizingConfig{
			EngineMinLeverage:   v.GetFloat64("sizing.engine_min_leverage"),
			EngineMaxLeverage:   v.GetFloat64("sizing.engine_max_leverage"),
			ExchangeMaxLeverage: v.GetFloat64("sizing.exchange_max_leverage"),
			MarginPct:           v.GetFloat64("sizing.margin_pct"),
		},
		Regime: RegimeConfig{
			WindowSize:    v.GetInt("regime.window_size"),
			CompressionTh: v.GetFloat64("regime.compression_th"),
			TrendTh:       v.GetFloat64("regime.trend_th"),
			ExpansionTh:   v.GetFloat64("regime.expansion_th"),
			DefensiveTh:   v.GetFloat64("regime.defensive_th"),
		},
	}

	return cfg, nil
}
