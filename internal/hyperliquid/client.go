// Package hyperliquid is the venue adapter: a signed REST client
// satisfying internal/signalhandler.Exchange (order placement) and,
// through PositionBookAdapter, internal/positionbook.Exchange
// (reduce-only stop/limit management, reconciliation). The package has
// no websocket code; internal/exchange.Stream dials its feed itself.
// Grounded on
// internal/execution/adapters/binance.go's HMAC-signed REST client
// shape (apiKey/apiSecret, canonical-query signing, rate limiter),
// generalized from spot/futures order types to the spec's
// entry/reduce-only-stop/reduce-only-limit/cancel surface.
package hyperliquid

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/atlas-desktop/perpbot/pkg/types"
)

// Config carries the venue credentials and endpoints.
type Config struct {
	APIKey     string
	APISecret  string
	BaseURL    string
	WSURL      string
	HTTPClient *http.Client
}

// Client is a signed REST client against the venue's order-entry API.
type Client struct {
	logger     *zap.Logger
	cfg        Config
	httpClient *http.Client
}

// New builds a Client. A nil cfg.HTTPClient gets a 10s-timeout default.
func New(logger *zap.Logger, cfg Config) *Client {
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 10 * time.Second}
	}
	return &Client{logger: logger.Named("hyperliquid"), cfg: cfg, httpClient: hc}
}

// sign produces the venue's HMAC-SHA256 signature over the sorted
// query string, mirroring the teacher's Binance-style request signing.
func (c *Client) sign(params url.Values) string {
	mac := hmac.New(sha256.New, []byte(c.cfg.APISecret))
	mac.Write([]byte(canonicalQuery(params)))
	return hex.EncodeToString(mac.Sum(nil))
}

func canonicalQuery(params url.Values) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	v := url.Values{}
	for _, k := range keys {
		v.Set(k, params.Get(k))
	}
	return v.Encode()
}

type apiError struct {
	Code    int    `json:"code"`
	Message string `json:"msg"`
}

func (e *apiError) Error() string { return fmt.Sprintf("hyperliquid: %d %s", e.Code, e.Message) }

// post signs and submits params as a form-encoded POST to path,
// decoding the JSON response into out.
func (c *Client) post(ctx context.Context, path string, params url.Values, out interface{}) error {
	params.Set("timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))
	params.Set("signature", c.sign(params))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, bytes.NewBufferString(params.Encode()))
	if err != nil {
		return fmt.Errorf("hyperliquid: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("X-API-KEY", c.cfg.APIKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return types.WrapNetwork(fmt.Errorf("hyperliquid: request %s: %w", path, err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return types.WrapNetwork(fmt.Errorf("hyperliquid: read response %s: %w", path, err))
	}

	if resp.StatusCode >= 400 {
		var apiErr apiError
		if jsonErr := json.Unmarshal(body, &apiErr); jsonErr == nil && apiErr.Message != "" {
			if resp.StatusCode >= 500 {
				return types.WrapNetwork(&apiErr)
			}
			return &apiErr
		}
		return types.WrapNetwork(fmt.Errorf("hyperliquid: %s returned %d: %s", path, resp.StatusCode, string(body)))
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("hyperliquid: decode response %s: %w", path, err)
	}
	return nil
}

type orderResponse struct {
	OrderID    string  `json:"orderId"`
	FilledSize float64 `json:"filledSize"`
	AvgPrice   float64 `json:"avgPrice"`
}

func sideParam(dir types.Direction) string {
	if dir == types.DirectionLong {
		return "buy"
	}
	return "sell"
}

func oppositeSideParam(dir types.Direction) string {
	if dir == types.DirectionLong {
		return "sell"
	}
	return "buy"
}

// SetLeverage sets the account's leverage for coin, in isolated
// ("cross"=false) or cross margin mode.
func (c *Client) SetLeverage(ctx context.Context, coin string, leverage float64, cross bool) error {
	params := url.Values{
		"coin":     {coin},
		"leverage": {strconv.FormatFloat(leverage, 'f', -1, 64)},
		"marginMode": {marginMode(cross)},
	}
	return c.post(ctx, "/v1/leverage", params, nil)
}

func marginMode(cross bool) string {
	if cross {
		return "cross"
	}
	return "isolated"
}

// PlaceEntry submits the entry order (market if limitPrice is nil) and
// returns the filled size, average fill price, and venue order ID.
func (c *Client) PlaceEntry(ctx context.Context, coin string, dir types.Direction, size float64, limitPrice *float64, slippageBps float64) (float64, float64, string, error) {
	params := url.Values{
		"coin": {coin},
		"side": {sideParam(dir)},
		"size": {strconv.FormatFloat(size, 'f', -1, 64)},
	}
	if limitPrice != nil {
		params.Set("type", "limit")
		params.Set("price", strconv.FormatFloat(*limitPrice, 'f', -1, 64))
	} else {
		params.Set("type", "market")
		params.Set("slippageBps", strconv.FormatFloat(slippageBps, 'f', -1, 64))
	}

	var resp orderResponse
	if err := c.post(ctx, "/v1/order", params, &resp); err != nil {
		return 0, 0, "", err
	}
	return resp.FilledSize, resp.AvgPrice, resp.OrderID, nil
}

// PlaceReduceOnlyStop submits a reduce-only stop-market order on the
// side opposite dir, triggering at trigger.
func (c *Client) PlaceReduceOnlyStop(ctx context.Context, coin string, dir types.Direction, size, trigger float64) (string, error) {
	params := url.Values{
		"coin":       {coin},
		"side":       {oppositeSideParam(dir)},
		"size":       {strconv.FormatFloat(size, 'f', -1, 64)},
		"type":       {"stop_market"},
		"trigger":    {strconv.FormatFloat(trigger, 'f', -1, 64)},
		"reduceOnly": {"true"},
	}
	var resp orderResponse
	if err := c.post(ctx, "/v1/order", params, &resp); err != nil {
		return "", err
	}
	return resp.OrderID, nil
}

// PlaceReduceOnlyLimit submits a reduce-only limit order on the side
// opposite dir, at price.
func (c *Client) PlaceReduceOnlyLimit(ctx context.Context, coin string, dir types.Direction, size, price float64) (string, error) {
	params := url.Values{
		"coin":       {coin},
		"side":       {oppositeSideParam(dir)},
		"size":       {strconv.FormatFloat(size, 'f', -1, 64)},
		"type":       {"limit"},
		"price":      {strconv.FormatFloat(price, 'f', -1, 64)},
		"reduceOnly": {"true"},
	}
	var resp orderResponse
	if err := c.post(ctx, "/v1/order", params, &resp); err != nil {
		return "", err
	}
	return resp.OrderID, nil
}

// ClosePositionMarket submits a reduce-only market order sized to the
// venue's full open position for coin (the defensive close path, spec
// §4.13's "SL placement fails" critical branch).
func (c *Client) ClosePositionMarket(ctx context.Context, coin string) error {
	params := url.Values{"coin": {coin}, "type": {"close_market"}}
	return c.post(ctx, "/v1/close", params, nil)
}

// CancelOrder cancels hlOrderID on coin.
func (c *Client) CancelOrder(ctx context.Context, coin, hlOrderID string) error {
	params := url.Values{"coin": {coin}, "orderId": {hlOrderID}}
	return c.post(ctx, "/v1/cancel", params, nil)
}

type openOrdersResponse struct {
	Orders []struct {
		OrderID string `json:"orderId"`
	} `json:"orders"`
}

// OpenOrderIDs lists the currently-open venue order IDs for coin, used
// by C14's reconciliation pass.
func (c *Client) OpenOrderIDs(ctx context.Context, coin string) ([]string, error) {
	params := url.Values{"coin": {coin}}
	var resp openOrdersResponse
	if err := c.post(ctx, "/v1/openOrders", params, &resp); err != nil {
		return nil, err
	}
	ids := make([]string, len(resp.Orders))
	for i, o := range resp.Orders {
		ids[i] = o.OrderID
	}
	return ids, nil
}
