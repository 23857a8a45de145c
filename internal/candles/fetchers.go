package candles

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/atlas-desktop/perpbot/pkg/types"
)

// BinanceSymbolTable maps coins to Binance USDT-margined perp symbols.
type BinanceSymbolTable struct{}

func (BinanceSymbolTable) Symbol(coin string) string { return coin + "USDT" }

// binanceInterval maps an Interval to Binance's kline interval string.
var binanceIntervalMap = map[types.Interval]string{
	types.Interval1m: "1m", types.Interval3m: "3m", types.Interval5m: "5m",
	types.Interval15m: "15m", types.Interval30m: "30m", types.Interval1h: "1h",
	types.Interval2h: "2h", types.Interval4h: "4h", types.Interval8h: "8h",
	types.Interval12h: "12h", types.Interval1d: "1d", types.Interval3d: "3d",
	types.Interval1w: "1w", types.Interval1M: "1M",
}

// BinanceFetcher fetches klines from Binance's futures REST API.
type BinanceFetcher struct {
	BaseURL    string
	HTTPClient *http.Client
}

// NewBinanceFetcher builds a fetcher against the public futures API.
func NewBinanceFetcher() *BinanceFetcher {
	return &BinanceFetcher{BaseURL: "https://fapi.binance.com", HTTPClient: http.DefaultClient}
}

func (b *BinanceFetcher) FetchPage(ctx context.Context, symbol string, interval types.Interval, sinceMs, endMs int64, limit int) ([]types.Candle, error) {
	ivl, ok := binanceIntervalMap[interval]
	if !ok {
		return nil, fmt.Errorf("binance: unsupported interval %s", interval)
	}
	url := fmt.Sprintf("%s/fapi/v1/klines?symbol=%s&interval=%s&startTime=%d&endTime=%d&limit=%d",
		b.BaseURL, symbol, ivl, sinceMs, endMs, limit)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := b.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("binance klines request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("binance klines status %d", resp.StatusCode)
	}

	var raw [][]json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("decode binance klines: %w", err)
	}

	out := make([]types.Candle, 0, len(raw))
	for _, row := range raw {
		if len(row) < 8 {
			continue
		}
		cd, err := parseBinanceRow(row)
		if err != nil {
			continue
		}
		out = append(out, cd)
	}
	return out, nil
}

func parseBinanceRow(row []json.RawMessage) (types.Candle, error) {
	var t int64
	var o, h, l, c, v string
	var trades int
	if err := json.Unmarshal(row[0], &t); err != nil {
		return types.Candle{}, err
	}
	_ = json.Unmarshal(row[1], &o)
	_ = json.Unmarshal(row[2], &h)
	_ = json.Unmarshal(row[3], &l)
	_ = json.Unmarshal(row[4], &c)
	_ = json.Unmarshal(row[5], &v)
	_ = json.Unmarshal(row[8], &trades)

	of, _ := strconv.ParseFloat(o, 64)
	hf, _ := strconv.ParseFloat(h, 64)
	lf, _ := strconv.ParseFloat(l, 64)
	cf, _ := strconv.ParseFloat(c, 64)
	vf, _ := strconv.ParseFloat(v, 64)

	return types.Candle{T: t, O: of, H: hf, L: lf, C: cf, V: vf, N: trades}, nil
}

// HyperliquidFetcher fetches candles from Hyperliquid's info endpoint.
type HyperliquidFetcher struct {
	BaseURL    string
	HTTPClient *http.Client
}

func NewHyperliquidFetcher() *HyperliquidFetcher {
	return &HyperliquidFetcher{BaseURL: "https://api.hyperliquid.xyz", HTTPClient: http.DefaultClient}
}

type hlCandleResp struct {
	T int64  `json:"t"`
	O string `json:"o"`
	H string `json:"h"`
	L string `json:"l"`
	C string `json:"c"`
	V string `json:"v"`
	N int    `json:"n"`
}

func (h *HyperliquidFetcher) FetchPage(ctx context.Context, symbol string, interval types.Interval, sinceMs, endMs int64, limit int) ([]types.Candle, error) {
	body := fmt.Sprintf(`{"type":"candleSnapshot","req":{"coin":%q,"interval":%q,"startTime":%d,"endTime":%d}}`,
		symbol, string(interval), sinceMs, endMs)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.BaseURL+"/info", strings.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := h.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("hyperliquid candleSnapshot request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("hyperliquid candleSnapshot status %d", resp.StatusCode)
	}

	var raw []hlCandleResp
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("decode hyperliquid candles: %w", err)
	}

	out := make([]types.Candle, 0, len(raw))
	for _, row := range raw {
		of, _ := strconv.ParseFloat(row.O, 64)
		hf, _ := strconv.ParseFloat(row.H, 64)
		lf, _ := strconv.ParseFloat(row.L, 64)
		cf, _ := strconv.ParseFloat(row.C, 64)
		vf, _ := strconv.ParseFloat(row.V, 64)
		out = append(out, types.Candle{T: row.T, O: of, H: hf, L: lf, C: cf, V: vf, N: row.N})
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}
