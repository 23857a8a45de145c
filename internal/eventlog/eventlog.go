// Package eventlog is the append-only structured event sink (C17):
// every position/order/signal/alert event the live runner emits is
// durably recorded as one JSON-line, independent of whether a
// dashboard is currently connected over WebSocket. Grounded on the
// teacher's WS Hub broadcast-to-subscribers pattern
// (internal/api/hub.go, itself adapted from api/websocket.go); this
// package is the second, durable consumer C16's Hub.AddSink plugs in
// alongside the live fanout, not a replacement for it.
package eventlog

import (
	"bytes"
	"encoding/json"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Entry is one logged event line.
type Entry struct {
	Time    time.Time   `json:"time"`
	Type    string      `json:"type"`
	Channel string      `json:"channel,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

// Log appends Entry rows to a JSON-lines file. Safe for concurrent
// use; a single mutex serializes writes since os.File.Write isn't
// guaranteed atomic for interleaved writers.
type Log struct {
	logger *zap.Logger
	mu     sync.Mutex
	file   *os.File
	enc    *json.Encoder
}

// Open appends to (or creates) the JSON-lines file at path.
func Open(logger *zap.Logger, path string) (*Log, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	return &Log{
		logger: logger.Named("eventlog"),
		file:   f,
		enc:    json.NewEncoder(f),
	}, nil
}

// Record satisfies internal/api.EventSink. A marshal failure is
// logged and dropped — the live WS fanout this sink sits behind
// already happened, so a durability miss here must never propagate
// back and disrupt it.
func (l *Log) Record(msgType, channel string, data interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.enc.Encode(Entry{Time: time.Now(), Type: msgType, Channel: channel, Data: data}); err != nil {
		l.logger.Warn("failed to append event log entry", zap.String("type", msgType), zap.Error(err))
	}
}

// Close flushes and closes the underlying file.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file.Close()
}

// Tail reads up to limit of the most recent entries, for a
// /signals-style replay endpoint or operator inspection. It reads the
// whole file; this log is meant for per-process audit trails, not a
// queryable store, so this is deliberately simple rather than
// index-backed.
func Tail(path string, limit int) ([]Entry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var all []Entry
	dec := json.NewDecoder(bytes.NewReader(data))
	for {
		var e Entry
		if err := dec.Decode(&e); err != nil {
			break
		}
		all = append(all, e)
	}
	if limit > 0 && len(all) > limit {
		all = all[len(all)-limit:]
	}
	return all, nil
}
