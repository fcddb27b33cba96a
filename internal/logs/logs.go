// Package logs stores log lines written by workflow programs, keyed by
// execution.
package logs

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Entry is one workflow log line.
type Entry struct {
	Time    time.Time
	Level   slog.Level
	Message string
	Attrs   map[string]any
}

// Client accepts execution logs. Writes are best-effort and append-only.
type Client interface {
	PutExecutionLogs(ctx context.Context, executionID string, entries ...Entry) error
}

// MemoryClient keeps logs in memory.
type MemoryClient struct {
	mu   sync.Mutex
	logs map[string][]Entry
}

var _ Client = (*MemoryClient)(nil)

func NewMemoryClient() *MemoryClient {
	return &MemoryClient{logs: make(map[string][]Entry)}
}

func (c *MemoryClient) PutExecutionLogs(_ context.Context, executionID string, entries ...Entry) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.logs[executionID] = append(c.logs[executionID], entries...)
	return nil
}

// Entries returns a copy of the logs of one execution.
func (c *MemoryClient) Entries(executionID string) []Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Entry(nil), c.logs[executionID]...)
}

// Handler is a slog.Handler that writes records to a Client for one
// execution.
type Handler struct {
	client      Client
	executionID string
	level       slog.Leveler
	attrs       []slog.Attr
	group       string
}

// NewHandler returns a handler for executionID. Records below level are
// dropped; a nil level means slog.LevelInfo.
func NewHandler(client Client, executionID string, level slog.Leveler) *Handler {
	if level == nil {
		level = slog.LevelInfo
	}
	return &Handler{client: client, executionID: executionID, level: level}
}

func (h *Handler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

func (h *Handler) Handle(ctx context.Context, r slog.Record) error {
	attrs := make(map[string]any, len(h.attrs)+r.NumAttrs())
	for _, a := range h.attrs {
		attrs[a.Key] = a.Value.Any()
	}
	r.Attrs(func(a slog.Attr) bool {
		key := a.Key
		if h.group != "" {
			key = h.group + "." + key
		}
		attrs[key] = a.Value.Any()
		return true
	})
	// Best-effort: a failing log sink must not fail the workflow.
	_ = h.client.PutExecutionLogs(ctx, h.executionID, Entry{
		Time:    r.Time,
		Level:   r.Level,
		Message: r.Message,
		Attrs:   attrs,
	})
	return nil
}

func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	clone := *h
	clone.attrs = append(append([]slog.Attr(nil), h.attrs...), h.prefixed(attrs)...)
	return &clone
}

func (h *Handler) WithGroup(name string) slog.Handler {
	clone := *h
	if clone.group != "" {
		name = clone.group + "." + name
	}
	clone.group = name
	return &clone
}

func (h *Handler) prefixed(attrs []slog.Attr) []slog.Attr {
	if h.group == "" {
		return attrs
	}
	out := make([]slog.Attr, len(attrs))
	for i, a := range attrs {
		out[i] = slog.Attr{Key: h.group + "." + a.Key, Value: a.Value}
	}
	return out
}

// Tee returns a handler that passes records to every handler.
func Tee(handlers ...slog.Handler) slog.Handler {
	return teeHandler(handlers)
}

type teeHandler []slog.Handler

func (t teeHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range t {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (t teeHandler) Handle(ctx context.Context, r slog.Record) error {
	var first error
	for _, h := range t {
		if !h.Enabled(ctx, r.Level) {
			continue
		}
		if err := h.Handle(ctx, r.Clone()); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (t teeHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := make(teeHandler, len(t))
	for i, h := range t {
		out[i] = h.WithAttrs(attrs)
	}
	return out
}

func (t teeHandler) WithGroup(name string) slog.Handler {
	out := make(teeHandler, len(t))
	for i, h := range t {
		out[i] = h.WithGroup(name)
	}
	return out
}
