package hyperliquid

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/atlas-desktop/perpbot/pkg/types"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	ts := httptest.NewServer(handler)
	t.Cleanup(ts.Close)
	return New(zap.NewNop(), Config{APIKey: "key", APISecret: "secret", BaseURL: ts.URL})
}

func TestPlaceEntryReturnsFillAndOrderID(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/order", r.URL.Path)
		require.Equal(t, "key", r.Header.Get("X-API-KEY"))
		json.NewEncoder(w).Encode(orderResponse{OrderID: "oid-1", FilledSize: 0.5, AvgPrice: 100})
	})

	filled, avg, oid, err := c.PlaceEntry(context.Background(), "BTC", types.DirectionLong, 0.5, nil, 5)
	require.NoError(t, err)
	assert.Equal(t, 0.5, filled)
	assert.Equal(t, 100.0, avg)
	assert.Equal(t, "oid-1", oid)
}

func TestPlaceReduceOnlyStopUsesOppositeSide(t *testing.T) {
	var gotSide string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		gotSide = r.FormValue("side")
		json.NewEncoder(w).Encode(orderResponse{OrderID: "stop-1"})
	})

	oid, err := c.PlaceReduceOnlyStop(context.Background(), "BTC", types.DirectionLong, 1, 90)
	require.NoError(t, err)
	assert.Equal(t, "stop-1", oid)
	assert.Equal(t, "sell", gotSide) // long position closes via a sell
}

func TestErrorResponseIsSurfaced(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(apiError{Code: 400, Message: "insufficient margin"})
	})

	_, _, _, err := c.PlaceEntry(context.Background(), "BTC", types.DirectionLong, 1, nil, 5)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "insufficient margin")
}

func TestServerErrorIsClassifiedNetwork(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		json.NewEncoder(w).Encode(apiError{Code: 500, Message: "internal"})
	})

	_, _, _, err := c.PlaceEntry(context.Background(), "BTC", types.DirectionLong, 1, nil, 5)
	require.Error(t, err)
	assert.Equal(t, types.KindNetwork, types.KindOf(err))
}

func TestOpenOrderIDs(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(openOrdersResponse{Orders: []struct {
			OrderID string `json:"orderId"`
		}{{OrderID: "a"}, {OrderID: "b"}}})
	})

	ids, err := c.OpenOrderIDs(context.Background(), "BTC")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, ids)
}

func TestPositionBookAdapterDropsContext(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(orderResponse{OrderID: "o2"})
	})
	adapter := PositionBookAdapter{Client: c}
	oid, err := adapter.PlaceReduceOnlyLimit("BTC", types.DirectionShort, 1, 105)
	require.NoError(t, err)
	assert.Equal(t, "o2", oid)
}
