// Package config loads perpbot's frozen configuration struct from a
// YAML file plus PERPBOT_-prefixed environment overrides, replacing
// the "global mutable process.env-backed configuration" source pattern
// with a single struct built once at process start (spec §9).
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// StreamSource is a recognized candle/exchange data source.
type StreamSource string

const (
	SourceBinance     StreamSource = "binance"
	SourceHyperliquid StreamSource = "hyperliquid"
)

// Valid reports whether s is a recognized source.
func (s StreamSource) Valid() bool {
	return s == SourceBinance || s == SourceHyperliquid
}

// StreamerOptions is the closed, validated configuration for a candle
// streamer (C3), replacing the teacher's runtime-typed "recognized
// options" object.
type StreamerOptions struct {
	Source            StreamSource
	CandlesPerRequest  int
	RequestDelayMs     int
	SymbolOverride     string
}

// DefaultStreamerOptions returns per-source defaults per spec §9.
func DefaultStreamerOptions(source StreamSource) (StreamerOptions, error) {
	if !source.Valid() {
		return StreamerOptions{}, fmt.Errorf("unsupported source %q", source)
	}
	opts := StreamerOptions{Source: source, RequestDelayMs: 200}
	switch source {
	case SourceBinance:
		opts.CandlesPerRequest = 1500
	case SourceHyperliquid:
		opts.CandlesPerRequest = 500
	}
	return opts, nil
}

// RiskConfig is the guardrail gate's tunable limits (C12).
type RiskConfig struct {
	MaxTradesPerDay   int
	MaxDailyLossUsd   float64
	MaxOpenPositions  int
	RiskPerTradeUsd   float64
	CashPerTrade      float64
	SizingMode        string // "risk" | "cash"
	MaxNotionalUsd    float64
	MaxLeverage       float64
	CooldownBars      int
	ProtectedFields   []string
	UseKellySizing    bool
}

// WebhookConfig authenticates and deduplicates the webhook intake route.
type WebhookConfig struct {
	SharedSecret string
	TTLSeconds   int64
}

// HyperliquidConfig carries the venue credentials and endpoints.
type HyperliquidConfig struct {
	APIKey  string
	APISecret string
	BaseURL string
	WSURL   string
}

// ExecutionConfig bounds the signal handler's exchange-facing behavior.
type ExecutionConfig struct {
	Cross            bool
	Leverage         float64
	EntrySlippageBps float64
}

// PairConfig is one (coin, strategy) runner the live router spawns.
type PairConfig struct {
	Coin              string
	Strategy          string
	Interval          string
	ParamOverrides    map[string]float64
	AutoTradingOnBoot bool
}

// OptimizerConfig bounds the optimization orchestrator (C10/C11).
type OptimizerConfig struct {
	MaxIter           int
	MaxCycles         int
	MinTrades         int
	MaxFixAttempts    int
	RefineTimeoutSec  int
	RestructureTimeoutSec int
}

// AppConfig is the frozen, process-wide configuration struct.
type AppConfig struct {
	Host          string
	Port          int
	LogLevel      string
	DataSource    StreamSource
	DataDir       string
	DatabasePath  string
	CheckpointDir string
	ParamHistoryPath string

	Risk        RiskConfig
	Webhook     WebhookConfig
	Optimizer   OptimizerConfig
	Hyperliquid HyperliquidConfig
	Execution   ExecutionConfig
	Pairs       []PairConfig

	RateLimitPerMinute int
	ShutdownTimeout    time.Duration
}

// Load builds an AppConfig from an optional YAML file path plus
// PERPBOT_-prefixed environment overrides (e.g. PERPBOT_PORT=9090).
func Load(configFile string) (*AppConfig, error) {
	v := viper.New()
	v.SetEnvPrefix("PERPBOT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", configFile, err)
		}
	}

	cfg := &AppConfig{
		Host:             v.GetString("host"),
		Port:             v.GetInt("port"),
		LogLevel:         v.GetString("logLevel"),
		DataSource:       StreamSource(v.GetString("dataSource")),
		DataDir:          v.GetString("dataDir"),
		DatabasePath:     v.GetString("databasePath"),
		CheckpointDir:    v.GetString("checkpointDir"),
		ParamHistoryPath: v.GetString("paramHistoryPath"),
		Risk: RiskConfig{
			MaxTradesPerDay:  v.GetInt("risk.maxTradesPerDay"),
			MaxDailyLossUsd:  v.GetFloat64("risk.maxDailyLossUsd"),
			MaxOpenPositions: v.GetInt("risk.maxOpenPositions"),
			RiskPerTradeUsd:  v.GetFloat64("risk.riskPerTradeUsd"),
			CashPerTrade:     v.GetFloat64("risk.cashPerTrade"),
			SizingMode:       v.GetString("risk.sizingMode"),
			MaxNotionalUsd:   v.GetFloat64("risk.maxNotionalUsd"),
			MaxLeverage:      v.GetFloat64("risk.maxLeverage"),
			CooldownBars:     v.GetInt("risk.cooldownBars"),
			ProtectedFields:  v.GetStringSlice("risk.protectedFields"),
			UseKellySizing:   v.GetBool("risk.useKellySizing"),
		},
		Webhook: WebhookConfig{
			SharedSecret: v.GetString("webhook.sharedSecret"),
			TTLSeconds:   v.GetInt64("webhook.ttlSeconds"),
		},
		Optimizer: OptimizerConfig{
			MaxIter:               v.GetInt("optimizer.maxIter"),
			MaxCycles:             v.GetInt("optimizer.maxCycles"),
			MinTrades:             v.GetInt("optimizer.minTrades"),
			MaxFixAttempts:        v.GetInt("optimizer.maxFixAttempts"),
			RefineTimeoutSec:      v.GetInt("optimizer.refineTimeoutSec"),
			RestructureTimeoutSec: v.GetInt("optimizer.restructureTimeoutSec"),
		},
		Hyperliquid: HyperliquidConfig{
			APIKey:    v.GetString("hyperliquid.apiKey"),
			APISecret: v.GetString("hyperliquid.apiSecret"),
			BaseURL:   v.GetString("hyperliquid.baseUrl"),
			WSURL:     v.GetString("hyperliquid.wsUrl"),
		},
		Execution: ExecutionConfig{
			Cross:            v.GetBool("execution.cross"),
			Leverage:         v.GetFloat64("execution.leverage"),
			EntrySlippageBps: v.GetFloat64("execution.entrySlippageBps"),
		},

		RateLimitPerMinute: v.GetInt("rateLimitPerMinute"),
		ShutdownTimeout:    v.GetDuration("shutdownTimeout"),
	}

	if err := v.UnmarshalKey("pairs", &cfg.Pairs); err != nil {
		return nil, fmt.Errorf("parse pairs: %w", err)
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("host", "0.0.0.0")
	v.SetDefault("port", 8080)
	v.SetDefault("logLevel", "info")
	v.SetDefault("dataSource", string(SourceHyperliquid))
	v.SetDefault("dataDir", "./data")
	v.SetDefault("databasePath", "./data/perpbot.db")
	v.SetDefault("checkpointDir", "./data/checkpoint")
	v.SetDefault("paramHistoryPath", "./data/param_history.json")

	v.SetDefault("risk.maxTradesPerDay", 10)
	v.SetDefault("risk.maxDailyLossUsd", 500.0)
	v.SetDefault("risk.maxOpenPositions", 5)
	v.SetDefault("risk.riskPerTradeUsd", 50.0)
	v.SetDefault("risk.cashPerTrade", 100.0)
	v.SetDefault("risk.sizingMode", "risk")
	v.SetDefault("risk.maxNotionalUsd", 20000.0)
	v.SetDefault("risk.maxLeverage", 10.0)
	v.SetDefault("risk.cooldownBars", 3)
	v.SetDefault("risk.protectedFields", []string{"commission", "initial_capital"})
	v.SetDefault("risk.useKellySizing", false)

	v.SetDefault("webhook.ttlSeconds", 120)

	v.SetDefault("optimizer.maxIter", 200)
	v.SetDefault("optimizer.maxCycles", 3)
	v.SetDefault("optimizer.minTrades", 30)
	v.SetDefault("optimizer.maxFixAttempts", 3)
	v.SetDefault("optimizer.refineTimeoutSec", 900)
	v.SetDefault("optimizer.restructureTimeoutSec", 1800)

	v.SetDefault("hyperliquid.baseUrl", "https://api.hyperliquid.xyz")
	v.SetDefault("hyperliquid.wsUrl", "wss://api.hyperliquid.xyz/ws")

	v.SetDefault("execution.cross", false)
	v.SetDefault("execution.leverage", 3.0)
	v.SetDefault("execution.entrySlippageBps", 10.0)

	v.SetDefault("rateLimitPerMinute", 10)
	v.SetDefault("shutdownTimeout", 30*time.Second)
}
