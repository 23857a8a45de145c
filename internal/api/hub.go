package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/atlas-desktop/perpbot/pkg/types"
)

// MessageType tags the kind of event carried in a WSMessage. Grounded
// on the teacher's websocket.go MessageType set, trimmed to the
// events this module actually emits.
type MessageType string

const (
	MsgTypePositionUpdate MessageType = "position_update"
	MsgTypePositionClosed MessageType = "position_closed"
	MsgTypeOrderUpdate    MessageType = "order_update"
	MsgTypeSignalUpdate   MessageType = "signal_update"
	MsgTypeAlert          MessageType = "alert"
	MsgTypeHeartbeat      MessageType = "heartbeat"
)

// WSMessage is the envelope pushed to subscribed clients.
type WSMessage struct {
	Type      MessageType     `json:"type"`
	Channel   string          `json:"channel,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// wsClient is one connected WebSocket subscriber. Grounded on the
// teacher's Client/Hub split: reads drive subscribe/unsubscribe,
// writes are buffered through a per-client channel so a slow client
// can't block the broadcaster.
type wsClient struct {
	id            string
	conn          *websocket.Conn
	send          chan []byte
	mu            sync.RWMutex
	subscriptions map[string]bool
}

// Hub fans events out to subscribed WebSocket clients and doubles as
// C17's live event sink — every Broadcast* call is also handed to any
// registered Sink (the append-only event log).
type Hub struct {
	logger     *zap.Logger
	upgrader   websocket.Upgrader
	clients    map[*wsClient]bool
	channels   map[string]map[*wsClient]bool
	register   chan *wsClient
	unregister chan *wsClient
	broadcast  chan wsBroadcast
	mu         sync.RWMutex
	done       chan struct{}

	sinks   []EventSink
	sinksMu sync.RWMutex
}

// EventSink receives every broadcast event for durable logging (C17).
type EventSink interface {
	Record(msgType string, channel string, data interface{})
}

type wsBroadcast struct {
	channel string
	msg     WSMessage
}

func newHub(logger *zap.Logger) *Hub {
	return &Hub{
		logger: logger.Named("ws-hub"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		clients:    make(map[*wsClient]bool),
		channels:   make(map[string]map[*wsClient]bool),
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
		broadcast:  make(chan wsBroadcast, 256),
		done:       make(chan struct{}),
	}
}

// AddSink registers an EventSink that receives every broadcast event.
func (h *Hub) AddSink(sink EventSink) {
	h.sinksMu.Lock()
	defer h.sinksMu.Unlock()
	h.sinks = append(h.sinks, sink)
}

func (h *Hub) run() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-h.done:
			return
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			h.mu.Unlock()
		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
				for ch := range c.subscriptions {
					if subs, ok := h.channels[ch]; ok {
						delete(subs, c)
						if len(subs) == 0 {
							delete(h.channels, ch)
						}
					}
				}
			}
			h.mu.Unlock()
		case b := <-h.broadcast:
			h.deliver(b)
		case <-ticker.C:
			h.heartbeat()
		}
	}
}

func (h *Hub) close() {
	close(h.done)
}

func (h *Hub) deliver(b wsBroadcast) {
	data, err := json.Marshal(b.msg)
	if err != nil {
		h.logger.Error("marshal ws message failed", zap.Error(err))
		return
	}

	h.mu.RLock()
	if b.channel == "" {
		for c := range h.clients {
			select {
			case c.send <- data:
			default:
			}
		}
	} else if subs, ok := h.channels[b.channel]; ok {
		for c := range subs {
			select {
			case c.send <- data:
			default:
			}
		}
	}
	h.mu.RUnlock()

	h.sinksMu.RLock()
	defer h.sinksMu.RUnlock()
	for _, sink := range h.sinks {
		var payload interface{}
		json.Unmarshal(b.msg.Data, &payload)
		sink.Record(string(b.msg.Type), b.channel, payload)
	}
}

func (h *Hub) heartbeat() {
	msg := WSMessage{Type: MsgTypeHeartbeat, Timestamp: time.Now().UnixMilli()}
	data, _ := json.Marshal(msg)
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
		}
	}
}

func (h *Hub) publish(channel string, msgType MessageType, data interface{}) {
	payload, err := json.Marshal(data)
	if err != nil {
		h.logger.Error("marshal broadcast payload failed", zap.Error(err))
		return
	}
	select {
	case h.broadcast <- wsBroadcast{channel: channel, msg: WSMessage{Type: msgType, Channel: channel, Data: payload, Timestamp: time.Now().UnixMilli()}}:
	default:
		h.logger.Warn("broadcast channel full, dropping event", zap.String("channel", channel))
	}
}

// BroadcastPositionUpdate notifies "positions" subscribers.
func (h *Hub) BroadcastPositionUpdate(pos types.Position) { h.publish("positions", MsgTypePositionUpdate, pos) }

// PositionClosed satisfies internal/exchange.Sink, fanning a closed
// position plus its realized PnL out to "positions" subscribers.
func (h *Hub) PositionClosed(pos types.Position, realizedPnL float64) {
	h.publish("positions", MsgTypePositionClosed, map[string]interface{}{
		"position":    pos,
		"realizedPnL": realizedPnL,
	})
}

// BroadcastOrderUpdate notifies "orders" subscribers.
func (h *Hub) BroadcastOrderUpdate(order types.Order) { h.publish("orders", MsgTypeOrderUpdate, order) }

// BroadcastSignal notifies "signals" subscribers.
func (h *Hub) BroadcastSignal(sig types.StoredSignal) { h.publish("signals", MsgTypeSignalUpdate, sig) }

// Critical satisfies internal/signalhandler.AlarmSink and
// internal/positionbook's critical-alarm paths, fanning operator
// alerts out over the "alerts" channel.
func (h *Hub) Critical(reason string) {
	h.publish("alerts", MsgTypeAlert, map[string]string{"reason": reason})
}

func (h *Hub) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("ws upgrade failed", zap.Error(err))
		return
	}
	c := &wsClient{
		id:            r.RemoteAddr,
		conn:          conn,
		send:          make(chan []byte, 256),
		subscriptions: make(map[string]bool),
	}
	h.register <- c
	go h.writePump(c)
	go h.readPump(c)
}

func (h *Hub) readPump(c *wsClient) {
	defer func() {
		h.unregister <- c
		c.conn.Close()
	}()
	c.conn.SetReadLimit(512 * 1024)
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var req struct {
			Method  string `json:"method"`
			Channel string `json:"channel"`
		}
		if json.Unmarshal(raw, &req) != nil {
			continue
		}
		switch req.Method {
		case "subscribe":
			h.mu.Lock()
			if h.channels[req.Channel] == nil {
				h.channels[req.Channel] = make(map[*wsClient]bool)
			}
			h.channels[req.Channel][c] = true
			h.mu.Unlock()
			c.mu.Lock()
			c.subscriptions[req.Channel] = true
			c.mu.Unlock()
		case "unsubscribe":
			h.mu.Lock()
			if subs, ok := h.channels[req.Channel]; ok {
				delete(subs, c)
			}
			h.mu.Unlock()
			c.mu.Lock()
			delete(c.subscriptions, req.Channel)
			c.mu.Unlock()
		}
	}
}

func (h *Hub) writePump(c *wsClient) {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
