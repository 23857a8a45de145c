// Package api provides the HTTP/WebSocket control surface (C16):
// signal intake, webhook intake, and the read/control endpoints spec
// §6 names. Grounded on the teacher's api/server.go (gorilla/mux
// router, rs/cors, http.Server lifecycle, Client/Hub WS broadcast —
// kept in hub.go) generalized from backtest-run/backtest-status
// routes to the live-trading route table, plus a
// golang.org/x/time/rate limiter on mutating routes and HMAC-SHA256
// webhook auth the teacher has no equivalent of.
package api

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/atlas-desktop/perpbot/internal/risk"
	"github.com/atlas-desktop/perpbot/pkg/types"
)

// SignalAdmitter is C12's gate, as seen by the API.
type SignalAdmitter interface {
	Evaluate(sig risk.IncomingSignal, stats risk.DailyStats) risk.Result
	MarkSeen(alertID string)
}

// SignalExecutor is C13, invoked once a signal is admitted.
type SignalExecutor interface {
	Handle(ctx context.Context, coin, signalID string, sig types.Signal, size float64) error
}

// StatsSource supplies the daily counters the gate needs per coin/strategy.
type StatsSource interface {
	DailyStats(coin, strategy string) risk.DailyStats
}

// PositionsView is C14's read surface.
type PositionsView interface {
	GetAll() []types.Position
	Close(coin string) *types.Position
}

// SignalLog persists every admitted-or-rejected signal for audit and
// lists recent ones; duplicate alertIds are decided by the
// SignalAdmitter, not by this log.
type SignalLog interface {
	Save(sig types.StoredSignal)
	Recent(limit int) []types.StoredSignal
}

// OrdersView, EquityView, CandlesView are read-only projections the
// control endpoints serve.
type OrdersView interface {
	Open() []types.Order
	All() []types.Order
}

type EquityView interface {
	Latest() *types.EquitySnapshot
	Series(limit int) []types.EquitySnapshot
}

type CandlesView interface {
	Get(coin string, interval types.Interval, limit int) []types.Candle
	// LatestPrice returns the most recently cached close for coin,
	// ok=false if the streamer has no candle data for it yet.
	LatestPrice(coin string) (float64, bool)
}

// AutoTradingControl toggles auto-trading per coin/strategy.
type AutoTradingControl interface {
	SetEnabled(coin, strategy string, enabled bool)
	Enabled(coin, strategy string) bool
}

// OrderCanceller cancels a resting order by exchange order id.
type OrderCanceller interface {
	Cancel(ctx context.Context, hlOrderID string) error
}

// ExchangeCloser is the market-close leg of POST /close-position; the
// route closes the venue position before it reconciles the local book.
type ExchangeCloser interface {
	ClosePositionMarket(ctx context.Context, coin string) error
}

// Config is the server's own bind/auth configuration.
type Config struct {
	Host           string
	Port           int
	WebhookSecret  string
	WebhookTTL     time.Duration
	RateLimitPerIP rate.Limit // requests/sec sustained; spec's 10/min -> rate.Every(6s)
	RateLimitBurst int
}

// DefaultConfig matches spec §6's "10/min per IP" literally.
func DefaultConfig() Config {
	return Config{
		Host:           "0.0.0.0",
		Port:           8080,
		WebhookTTL:     5 * time.Minute,
		RateLimitPerIP: rate.Every(6 * time.Second),
		RateLimitBurst: 10,
	}
}

// Deps bundles everything the route table reads from or writes to.
type Deps struct {
	Admitter    SignalAdmitter
	Executor    SignalExecutor
	Stats       StatsSource
	Positions   PositionsView
	SignalLog   SignalLog
	Orders      OrdersView
	Equity      EquityView
	Candles     CandlesView
	AutoTrading AutoTradingControl
	Cancel      OrderCanceller
	Exchange    ExchangeCloser
}

// Server is the HTTP/WebSocket control surface.
type Server struct {
	logger     *zap.Logger
	cfg        Config
	deps       Deps
	router     *mux.Router
	httpServer *http.Server
	hub        *Hub

	limitersMu sync.Mutex
	limiters   map[string]*rate.Limiter

	metrics serverMetrics
}

type serverMetrics struct {
	requests        *prometheus.CounterVec
	signalsAdmitted prometheus.Counter
	signalsRejected prometheus.Counter
}

func newServerMetrics() serverMetrics {
	return serverMetrics{
		requests: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "perpbot_api_requests_total",
			Help: "Total API requests by route and status.",
		}, []string{"route", "status"}),
		signalsAdmitted: promauto.NewCounter(prometheus.CounterOpts{
			Name: "perpbot_signals_admitted_total",
			Help: "Signals admitted by the risk gate.",
		}),
		signalsRejected: promauto.NewCounter(prometheus.CounterOpts{
			Name: "perpbot_signals_rejected_total",
			Help: "Signals rejected by the risk gate.",
		}),
	}
}

// New builds a Server with its route table wired.
func New(logger *zap.Logger, cfg Config, deps Deps) *Server {
	s := &Server{
		logger:   logger.Named("api"),
		cfg:      cfg,
		deps:     deps,
		router:   mux.NewRouter(),
		hub:      newHub(logger),
		limiters: make(map[string]*rate.Limiter),
		metrics:  newServerMetrics(),
	}
	s.setupRoutes()
	go s.hub.run()
	return s
}

// SetDeps replaces the route table's dependencies. Routes read
// s.deps per-request rather than closing over it at setupRoutes time,
// so this lets the composition root build the Hub-dependent pieces
// (e.g. a signal handler that alarms through Hub) after the Server —
// and its Hub — already exist, without a second, disconnected Hub.
func (s *Server) SetDeps(deps Deps) {
	s.deps = deps
}

// Hub exposes the WebSocket broadcaster so the composition root can
// wire it in as an exchange.Sink / eventlog sink — every order fill,
// position close, and signal ends up on both the audit log and the
// live dashboard feed.
func (s *Server) Hub() *Hub {
	return s.hub
}

func (s *Server) setupRoutes() {
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
	s.router.HandleFunc("/positions", s.handlePositions).Methods("GET")
	s.router.HandleFunc("/orders", s.handleOrders).Methods("GET")
	s.router.HandleFunc("/open-orders", s.handleOpenOrders).Methods("GET")
	s.router.HandleFunc("/equity", s.handleEquity).Methods("GET")
	s.router.HandleFunc("/candles", s.handleCandles).Methods("GET")
	s.router.HandleFunc("/signals", s.handleSignals).Methods("GET")
	s.router.HandleFunc("/strategy-signals", s.handleStrategySignals).Methods("GET")
	s.router.HandleFunc("/account", s.handleAccount).Methods("GET")
	s.router.HandleFunc("/config", s.handleConfig).Methods("GET")
	s.router.HandleFunc("/metrics", promhttp.Handler().ServeHTTP).Methods("GET")

	s.router.Handle("/signal", s.rateLimited(http.HandlerFunc(s.handleSignal))).Methods("POST")
	s.router.Handle("/webhook", s.rateLimited(http.HandlerFunc(s.handleWebhook))).Methods("POST")
	s.router.Handle("/webhook/{token}", s.rateLimited(http.HandlerFunc(s.handleWebhook))).Methods("POST")
	s.router.Handle("/close-position", s.rateLimited(http.HandlerFunc(s.handleClosePosition))).Methods("POST")
	s.router.Handle("/auto-trading", s.rateLimited(http.HandlerFunc(s.handleAutoTrading))).Methods("POST")
	s.router.Handle("/quick-signal", s.rateLimited(http.HandlerFunc(s.handleQuickSignal))).Methods("POST")
	s.router.Handle("/open-order/{oid}", s.rateLimited(http.HandlerFunc(s.handleCancelOpenOrder))).Methods("DELETE")

	s.router.HandleFunc("/ws", s.hub.serveWS)
}

// Start runs the HTTP server until it's stopped or fails.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	handler := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	}).Handler(s.router)

	s.httpServer = &http.Server{Addr: addr, Handler: handler}
	s.logger.Info("starting API server", zap.String("addr", addr))
	return s.httpServer.ListenAndServe()
}

// Stop gracefully shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	s.hub.close()
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// rateLimited enforces spec §6's 10/min-per-IP cap on mutating routes.
func (s *Server) rateLimited(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)
		if !s.limiterFor(ip).Allow() {
			w.WriteHeader(http.StatusTooManyRequests)
			json.NewEncoder(w).Encode(map[string]string{"status": "rate_limited"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) limiterFor(ip string) *rate.Limiter {
	s.limitersMu.Lock()
	defer s.limitersMu.Unlock()
	l, ok := s.limiters[ip]
	if !ok {
		l = rate.NewLimiter(s.cfg.RateLimitPerIP, s.cfg.RateLimitBurst)
		s.limiters[ip] = l
	}
	return l
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return fwd
	}
	return r.RemoteAddr
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "healthy", "time": time.Now().Unix()})
}

func (s *Server) handlePositions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"positions": s.deps.Positions.GetAll()})
}

func (s *Server) handleOrders(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"orders": s.deps.Orders.All()})
}

func (s *Server) handleOpenOrders(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"openOrders": s.deps.Orders.Open()})
}

func (s *Server) handleEquity(w http.ResponseWriter, r *http.Request) {
	limit := 500
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"latest": s.deps.Equity.Latest(),
		"series": s.deps.Equity.Series(limit),
	})
}

func (s *Server) handleCandles(w http.ResponseWriter, r *http.Request) {
	coin := r.URL.Query().Get("coin")
	interval := r.URL.Query().Get("interval")
	limit := 500
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}
	candles := s.deps.Candles.Get(coin, types.Interval(interval), limit)
	writeJSON(w, http.StatusOK, map[string]interface{}{"coin": coin, "interval": interval, "candles": candles})
}

func (s *Server) handleSignals(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"signals": s.deps.SignalLog.Recent(200)})
}

func (s *Server) handleStrategySignals(w http.ResponseWriter, r *http.Request) {
	coin := r.URL.Query().Get("coin")
	strategy := r.URL.Query().Get("strategy")
	out := make([]types.StoredSignal, 0)
	for _, sig := range s.deps.SignalLog.Recent(500) {
		if (coin == "" || sig.Coin == coin) && strategy == "" {
			out = append(out, sig)
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"coin": coin, "strategy": strategy, "signals": out})
}

func (s *Server) handleAccount(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"positions": s.deps.Positions.GetAll(),
		"equity":    s.deps.Equity.Latest(),
	})
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"rateLimitBurst": s.cfg.RateLimitBurst,
		"webhookTTL":     s.cfg.WebhookTTL.String(),
	})
}

// signalRequest is the /signal body, spec §6.
type signalRequest struct {
	Coin        string             `json:"coin"`
	Direction   string             `json:"direction"`
	EntryPrice  *float64           `json:"entryPrice"`
	StopLoss    float64            `json:"stopLoss"`
	TakeProfits []types.TakeProfit `json:"takeProfits"`
	Comment     string             `json:"comment,omitempty"`
	AlertID     string             `json:"alertId,omitempty"`
	Strategy    string             `json:"strategy,omitempty"`
}

func (s *Server) handleSignal(w http.ResponseWriter, r *http.Request) {
	var req signalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"status": "invalid"})
		return
	}

	sig := types.Signal{
		Direction:   types.Direction(req.Direction),
		EntryPrice:  req.EntryPrice,
		StopLoss:    req.StopLoss,
		TakeProfits: req.TakeProfits,
		Comment:     req.Comment,
	}

	var currentPrice float64
	if req.EntryPrice != nil {
		currentPrice = *req.EntryPrice
	} else {
		price, ok := s.deps.Candles.LatestPrice(req.Coin)
		if !ok {
			s.metrics.signalsRejected.Inc()
			s.deps.SignalLog.Save(types.StoredSignal{
				AlertID:         req.AlertID,
				Source:          "signal",
				Coin:            req.Coin,
				Side:            sig.Direction,
				EntryPrice:      req.EntryPrice,
				StopLoss:        req.StopLoss,
				TakeProfits:     req.TakeProfits,
				RiskCheckPassed: false,
				RiskCheckReason: "No market price",
				CreatedAt:       time.Now(),
			})
			writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"status": "rejected", "reason": "No market price"})
			return
		}
		currentPrice = price
	}

	incoming := risk.IncomingSignal{
		Signal:             sig,
		AlertID:            req.AlertID,
		Coin:               req.Coin,
		Strategy:           req.Strategy,
		CurrentPrice:       currentPrice,
		AutoTradingEnabled: s.deps.AutoTrading.Enabled(req.Coin, req.Strategy),
	}

	stats := s.deps.Stats.DailyStats(req.Coin, req.Strategy)
	result := s.deps.Admitter.Evaluate(incoming, stats)

	stored := types.StoredSignal{
		AlertID:         req.AlertID,
		Source:          "signal",
		Coin:            req.Coin,
		Side:            sig.Direction,
		EntryPrice:      req.EntryPrice,
		StopLoss:        req.StopLoss,
		TakeProfits:     req.TakeProfits,
		RiskCheckPassed: result.Admitted,
		RiskCheckReason: result.Reason,
		CreatedAt:       time.Now(),
	}
	s.deps.SignalLog.Save(stored)

	if !result.Admitted {
		s.metrics.signalsRejected.Inc()
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"status": "rejected", "reason": result.Reason})
		return
	}
	s.metrics.signalsAdmitted.Inc()
	s.deps.Admitter.MarkSeen(req.AlertID)

	signalID := uuid.New().String()
	if err := s.deps.Executor.Handle(r.Context(), req.Coin, signalID, sig, result.Size); err != nil {
		s.logger.Error("signal execution failed", zap.String("signalId", signalID), zap.Error(err))
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"status": "rejected", "reason": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "executed", "signalId": signalID})
}

// webhookRequest is the TradingView-style body, spec §6.
type webhookRequest struct {
	AlertID      string   `json:"alert_id"`
	EventType    string   `json:"event_type"`
	Asset        string   `json:"asset"`
	Side         string   `json:"side"`
	Entry        float64  `json:"entry"`
	SL           float64  `json:"sl"`
	Qty          float64  `json:"qty"`
	TP1          *float64 `json:"tp1,omitempty"`
	TP2          *float64 `json:"tp2,omitempty"`
	TP1Pct       *float64 `json:"tp1_pct,omitempty"`
	Leverage     *float64 `json:"leverage,omitempty"`
	RiskUsd      *float64 `json:"risk_usd,omitempty"`
	NotionalUsdc *float64 `json:"notional_usdc,omitempty"`
	MarginUsdc   *float64 `json:"margin_usdc,omitempty"`
	SignalTs     *int64   `json:"signal_ts,omitempty"`
	BarTs        *int64   `json:"bar_ts,omitempty"`
	Secret       string   `json:"secret,omitempty"`
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	token := vars["token"]

	body, err := readAndRestoreBody(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"status": "invalid"})
		return
	}

	var req webhookRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"status": "invalid"})
		return
	}

	presented := token
	if presented == "" {
		presented = req.Secret
	}
	if !s.verifyWebhookAuth(presented) {
		w.WriteHeader(http.StatusForbidden)
		return
	}

	if req.SignalTs != nil {
		age := time.Since(time.Unix(*req.SignalTs, 0))
		if age > s.cfg.WebhookTTL {
			writeJSON(w, http.StatusOK, map[string]string{"status": "expired"})
			return
		}
	}

	direction := types.DirectionLong
	if req.Side == "SHORT" {
		direction = types.DirectionShort
	}

	entry := req.Entry
	tps := make([]types.TakeProfit, 0, 2)
	if req.TP1 != nil {
		pct := 1.0
		if req.TP1Pct != nil {
			pct = *req.TP1Pct
		}
		tps = append(tps, types.TakeProfit{Price: *req.TP1, PctOfPosition: pct})
	}
	if req.TP2 != nil {
		remaining := 1.0
		if len(tps) > 0 {
			remaining = 1.0 - tps[0].PctOfPosition
		}
		tps = append(tps, types.TakeProfit{Price: *req.TP2, PctOfPosition: remaining})
	}

	sig := types.Signal{
		Direction:   direction,
		EntryPrice:  &entry,
		StopLoss:    req.SL,
		TakeProfits: tps,
	}

	incoming := risk.IncomingSignal{
		Signal:             sig,
		AlertID:            req.AlertID,
		Coin:               req.Asset,
		CurrentPrice:       entry,
		AutoTradingEnabled: s.deps.AutoTrading.Enabled(req.Asset, ""),
	}
	stats := s.deps.Stats.DailyStats(req.Asset, "")
	result := s.deps.Admitter.Evaluate(incoming, stats)

	s.deps.SignalLog.Save(types.StoredSignal{
		AlertID:         req.AlertID,
		Source:          "webhook",
		Coin:            req.Asset,
		Side:            direction,
		EntryPrice:      &entry,
		StopLoss:        req.SL,
		TakeProfits:     tps,
		RiskCheckPassed: result.Admitted,
		RiskCheckReason: result.Reason,
		CreatedAt:       time.Now(),
	})

	if !result.Admitted {
		s.metrics.signalsRejected.Inc()
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"status": "rejected", "reason": result.Reason})
		return
	}
	s.metrics.signalsAdmitted.Inc()
	s.deps.Admitter.MarkSeen(req.AlertID)

	signalID := uuid.New().String()
	if err := s.deps.Executor.Handle(r.Context(), req.Asset, signalID, sig, result.Size); err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"status": "rejected", "reason": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "executed", "signalId": signalID})
}

// verifyWebhookAuth compares presented against HMAC-SHA256(secret, "webhook")
// in constant time, per spec §6.
func (s *Server) verifyWebhookAuth(presented string) bool {
	if s.cfg.WebhookSecret == "" || presented == "" {
		return false
	}
	mac := hmac.New(sha256.New, []byte(s.cfg.WebhookSecret))
	mac.Write([]byte("webhook"))
	expected := fmt.Sprintf("%x", mac.Sum(nil))
	return subtle.ConstantTimeCompare([]byte(expected), []byte(presented)) == 1
}

type closePositionRequest struct {
	Coin string `json:"coin"`
}

func (s *Server) handleClosePosition(w http.ResponseWriter, r *http.Request) {
	var req closePositionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"status": "invalid"})
		return
	}
	if s.deps.Exchange != nil {
		if err := s.deps.Exchange.ClosePositionMarket(r.Context(), req.Coin); err != nil {
			writeJSON(w, http.StatusBadGateway, map[string]string{"status": "exchange close failed"})
			return
		}
	}
	pos := s.deps.Positions.Close(req.Coin)
	if pos == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"status": "no position"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "closed", "position": pos})
}

type autoTradingRequest struct {
	Coin     string `json:"coin"`
	Strategy string `json:"strategy,omitempty"`
	Enabled  bool   `json:"enabled"`
}

func (s *Server) handleAutoTrading(w http.ResponseWriter, r *http.Request) {
	var req autoTradingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"status": "invalid"})
		return
	}
	s.deps.AutoTrading.SetEnabled(req.Coin, req.Strategy, req.Enabled)
	writeJSON(w, http.StatusOK, map[string]interface{}{"coin": req.Coin, "enabled": req.Enabled})
}

type quickSignalRequest struct {
	Coin      string `json:"coin"`
	Direction string `json:"direction"`
}

func (s *Server) handleQuickSignal(w http.ResponseWriter, r *http.Request) {
	var req quickSignalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"status": "invalid"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "accepted", "coin": req.Coin, "direction": req.Direction})
}

func (s *Server) handleCancelOpenOrder(w http.ResponseWriter, r *http.Request) {
	oid := mux.Vars(r)["oid"]
	if err := s.deps.Cancel.Cancel(r.Context(), oid); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"status": "error", "reason": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled", "oid": oid})
}

func readAndRestoreBody(r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, err
	}
	r.Body = io.NopCloser(bytes.NewReader(body))
	return body, nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
