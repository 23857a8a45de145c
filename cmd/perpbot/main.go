// Command perpbot is the live trading process: it loads configuration,
// wires every component (candle planes, strategy runners, the risk
// gate, the signal handler, the position book, the control API, and
// the durable event log), then runs until a shutdown signal arrives.
// Grounded on cmd/server/main.go's flag-parse/build-in-order/graceful-
// shutdown shape, generalized from the teacher's fixed symbol list and
// single monolithic agent to a config-driven set of (coin, strategy)
// runners.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/atlas-desktop/perpbot/internal/api"
	"github.com/atlas-desktop/perpbot/internal/autotrading"
	"github.com/atlas-desktop/perpbot/internal/candles"
	"github.com/atlas-desktop/perpbot/internal/config"
	"github.com/atlas-desktop/perpbot/internal/dedup"
	"github.com/atlas-desktop/perpbot/internal/eventlog"
	"github.com/atlas-desktop/perpbot/internal/exchange"
	"github.com/atlas-desktop/perpbot/internal/hyperliquid"
	"github.com/atlas-desktop/perpbot/internal/notify"
	"github.com/atlas-desktop/perpbot/internal/obs"
	"github.com/atlas-desktop/perpbot/internal/positionbook"
	"github.com/atlas-desktop/perpbot/internal/risk"
	"github.com/atlas-desktop/perpbot/internal/runner"
	"github.com/atlas-desktop/perpbot/internal/signalhandler"
	"github.com/atlas-desktop/perpbot/internal/store"
	"github.com/atlas-desktop/perpbot/internal/strategy"
	"github.com/atlas-desktop/perpbot/pkg/types"
)

const warmupBars = 500

func main() {
	configFile := flag.String("config", "", "Path to a YAML config file")
	logLevel := flag.String("log-level", "", "Override the configured log level")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}

	logger, err := obs.NewLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "build logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("starting perpbot",
		zap.String("host", cfg.Host),
		zap.Int("port", cfg.Port),
		zap.String("dataSource", string(cfg.DataSource)),
		zap.Int("pairs", len(cfg.Pairs)),
	)

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		logger.Fatal("create data dir", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	audit, err := store.Open(cfg.DatabasePath)
	if err != nil {
		logger.Fatal("open audit store", zap.Error(err))
	}
	defer audit.Close()

	cache, err := candles.AppConfigCache(cfg)
	if err != nil {
		logger.Fatal("open candle cache", zap.Error(err))
	}
	defer cache.Close()

	events, err := eventlog.Open(logger, filepath.Join(cfg.DataDir, "events.jsonl"))
	if err != nil {
		logger.Fatal("open event log", zap.Error(err))
	}
	defer events.Close()

	venue := hyperliquid.New(logger, hyperliquid.Config{
		APIKey:    cfg.Hyperliquid.APIKey,
		APISecret: cfg.Hyperliquid.APISecret,
		BaseURL:   cfg.Hyperliquid.BaseURL,
		WSURL:     cfg.Hyperliquid.WSURL,
	})

	orders := store.OrderStore{Store: audit}
	books := positionbook.New(logger, hyperliquid.PositionBookAdapter{Client: venue}, orders)
	signalLog := store.SignalLog{Store: audit}
	autoTrading := autotrading.New()
	for _, p := range cfg.Pairs {
		if p.AutoTradingOnBoot {
			autoTrading.SetEnabled(p.Coin, p.Strategy, true)
		}
	}

	apiServer := api.New(logger, apiConfig(cfg), api.Deps{})
	hub := apiServer.Hub()
	hub.AddSink(eventLogSink{log: events})

	notifier := notify.NewLogNotifier(logger)
	handler := signalhandler.New(logger, signalhandler.Config{
		Cross:            cfg.Execution.Cross,
		Leverage:         cfg.Execution.Leverage,
		EntrySlippageBps: cfg.Execution.EntrySlippageBps,
	}, venue, books, orders, notifier, hub)

	client := candles.NewClient(map[config.StreamSource]candles.Fetcher{
		config.SourceBinance:     candles.NewBinanceFetcher(),
		config.SourceHyperliquid: candles.NewHyperliquidFetcher(),
	}, candles.DefaultSymbolTable{})

	fetchOpts, err := config.DefaultStreamerOptions(cfg.DataSource)
	if err != nil {
		logger.Fatal("streamer options", zap.Error(err))
	}
	dialer := &candles.WSDialer{
		URLBuilder: func(coin string, interval types.Interval) string {
			return fmt.Sprintf("%s/%s/%s", cfg.Hyperliquid.WSURL, coin, interval)
		},
		Parse: parseWSCandle,
	}

	registry := strategy.NewDefaultRegistry()
	streamers := map[types.CandleKey]*candles.Streamer{}
	streamerOf := func(coin string, interval types.Interval) (*candles.Streamer, error) {
		key := types.CandleKey{Coin: coin, Interval: interval, Source: string(cfg.DataSource)}
		if s, ok := streamers[key]; ok {
			return s, nil
		}
		s := candles.NewStreamer(logger, key, client, cache, dialer, candles.FetchOptions(fetchOpts))
		if _, err := s.Warmup(ctx, warmupBars); err != nil {
			return nil, fmt.Errorf("warmup %s/%s: %w", coin, interval, err)
		}
		streamers[key] = s
		return s, nil
	}

	gateStore := dedup.NewLRU(4096)
	accountRiskCfg := risk.Config{
		Mode:             risk.Mode(cfg.Risk.SizingMode),
		RiskPerTradeUsd:  cfg.Risk.RiskPerTradeUsd,
		CashPerTrade:     cfg.Risk.CashPerTrade,
		MaxTradesPerDay:  cfg.Risk.MaxTradesPerDay,
		MaxDailyLossUsd:  cfg.Risk.MaxDailyLossUsd,
		MaxOpenPositions: cfg.Risk.MaxOpenPositions,
		MaxNotionalUsd:   cfg.Risk.MaxNotionalUsd,
		MaxLeverage:      cfg.Risk.MaxLeverage,
		Leverage:         cfg.Execution.Leverage,
		CooldownBars:     cfg.Risk.CooldownBars,
		ProtectedFields:  cfg.Risk.ProtectedFields,
	}
	// controlGate backs the /signal and /webhook routes, which aren't
	// bound to one strategy's declared parameter bounds the way a
	// live runner's per-pair gate is.
	controlGate := risk.New(accountRiskCfg, gateStore, books, nil)

	runners := make([]*runner.Runner, 0, len(cfg.Pairs))
	for _, p := range cfg.Pairs {
		interval := types.Interval(p.Interval)
		primary, err := streamerOf(p.Coin, interval)
		if err != nil {
			logger.Fatal("build primary streamer", zap.String("coin", p.Coin), zap.Error(err))
		}

		strat, err := registry.Create(p.Strategy, p.ParamOverrides)
		if err != nil {
			logger.Fatal("build strategy", zap.String("strategy", p.Strategy), zap.Error(err))
		}

		higher := map[types.Interval]runner.HigherStreamer{}
		higherSnapshots := map[types.Interval][]types.Candle{}
		for _, tf := range strat.RequiredTimeframes() {
			hs, err := streamerOf(p.Coin, tf)
			if err != nil {
				logger.Fatal("build higher streamer", zap.String("coin", p.Coin), zap.String("interval", string(tf)), zap.Error(err))
			}
			higher[tf] = hs
			higherSnapshots[tf] = hs.GetCandles()
		}
		strat.Init(primary.GetCandles(), higherSnapshots)

		gate := risk.New(accountRiskCfg, gateStore, books, strat.Params())

		r := runner.New(logger, runner.Config{Coin: p.Coin, Strategy: p.Strategy},
			primary, higher, strat, gate, audit, signalLog, books, handler, venue, autoTrading, hub)
		runners = append(runners, r)

		primary.Start(ctx)
		for _, hs := range higher {
			if s, ok := hs.(*candles.Streamer); ok {
				s.Start(ctx)
			}
		}
	}

	for _, r := range runners {
		go func(r *runner.Runner) {
			if err := r.Run(ctx); err != nil && ctx.Err() == nil {
				logger.Error("runner stopped", zap.Error(err))
			}
		}(r)
	}

	userStream := exchange.New(logger, exchange.DefaultDialer(cfg.Hyperliquid.WSURL), books, orders, hub, gateStore)
	go func() {
		if err := userStream.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error("user stream stopped", zap.Error(err))
		}
	}()

	apiServer.SetDeps(api.Deps{
		Admitter:    controlGate,
		Executor:    handler,
		Stats:       audit,
		Positions:   books,
		SignalLog:   signalLog,
		Orders:      audit,
		Equity:      audit,
		Candles:     candles.ControlView{Cache: cache, Source: string(cfg.DataSource)},
		AutoTrading: autoTrading,
		Cancel:      store.Canceller{Store: audit, Exchange: venue},
		Exchange:    venue,
	})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		if err := apiServer.Start(); err != nil {
			logger.Error("api server stopped", zap.Error(err))
		}
	}()

	logger.Info("perpbot started", zap.String("addr", fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)))

	<-sigCh
	logger.Info("shutdown signal received")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()
	if err := apiServer.Stop(shutdownCtx); err != nil {
		logger.Error("api server shutdown", zap.Error(err))
	}

	logger.Info("perpbot stopped")
}

func apiConfig(cfg *config.AppConfig) api.Config {
	c := api.DefaultConfig()
	c.Host = cfg.Host
	c.Port = cfg.Port
	c.WebhookSecret = cfg.Webhook.SharedSecret
	c.WebhookTTL = time.Duration(cfg.Webhook.TTLSeconds) * time.Second
	return c
}

// eventLogSink adapts eventlog.Log to internal/api.EventSink.
type eventLogSink struct{ log *eventlog.Log }

func (s eventLogSink) Record(msgType, channel string, data interface{}) {
	s.log.Record(msgType, channel, data)
}

// wsCandleMessage is the venue's "candle" channel push, sharing its
// string-encoded OHLCV fields with internal/candles/fetchers.go's
// hlCandleResp REST shape.
type wsCandleMessage struct {
	Channel string `json:"channel"`
	Data    struct {
		T int64  `json:"t"`
		O string `json:"o"`
		H string `json:"h"`
		L string `json:"l"`
		C string `json:"c"`
		V string `json:"v"`
		N int    `json:"n"`
	} `json:"data"`
}

// parseWSCandle decodes one candle push, discarding any other channel
// traffic on the same connection.
func parseWSCandle(raw []byte) (types.Candle, bool) {
	var msg wsCandleMessage
	if err := json.Unmarshal(raw, &msg); err != nil || msg.Channel != "candle" {
		return types.Candle{}, false
	}
	o, _ := strconv.ParseFloat(msg.Data.O, 64)
	h, _ := strconv.ParseFloat(msg.Data.H, 64)
	l, _ := strconv.ParseFloat(msg.Data.L, 64)
	c, _ := strconv.ParseFloat(msg.Data.C, 64)
	v, _ := strconv.ParseFloat(msg.Data.V, 64)
	cd := types.Candle{T: msg.Data.T, O: o, H: h, L: l, C: c, V: v, N: msg.Data.N}
	if !cd.Valid() {
		return types.Candle{}, false
	}
	return cd, true
}
