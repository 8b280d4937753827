// Package logging captures structured log records into a ring buffer so they can
// be served over the API while still being written to the process output.
package logging

import (
	"context"
	"io"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"
)

// Entry is one captured log record
type Entry struct {
	Time      time.Time      `json:"time"`
	Level     string         `json:"level"`
	Message   string         `json:"msg"`
	Component string         `json:"component,omitempty"`
	Camera    string         `json:"camera,omitempty"`
	Attrs     map[string]any `json:"attrs,omitempty"`
}

// Filter selects entries by minimum level, component and camera. Zero values match everything.
type Filter struct {
	MinLevel  slog.Level
	Component string
	Camera    string
}

// Match reports whether e passes the filter
func (f Filter) Match(e Entry) bool {
	if f.Component != "" && e.Component != f.Component {
		return false
	}
	if f.Camera != "" && e.Camera != f.Camera {
		return false
	}
	return ParseLevel(e.Level) >= f.MinLevel
}

// RingBuffer stores the most recent log entries
type RingBuffer struct {
	mu      sync.RWMutex
	entries []Entry
	size    int
	head    int
	count   int

	subMu       sync.RWMutex
	subscribers map[chan Entry]struct{}
}

// NewRingBuffer creates a ring buffer holding up to size entries
func NewRingBuffer(size int) *RingBuffer {
	if size <= 0 {
		size = 1000
	}
	return &RingBuffer{
		entries:     make([]Entry, size),
		size:        size,
		subscribers: make(map[chan Entry]struct{}),
	}
}

// Add appends an entry and forwards it to subscribers that keep up
func (rb *RingBuffer) Add(entry Entry) {
	rb.mu.Lock()
	rb.entries[rb.head] = entry
	rb.head = (rb.head + 1) % rb.size
	if rb.count < rb.size {
		rb.count++
	}
	rb.mu.Unlock()

	rb.subMu.RLock()
	for ch := range rb.subscribers {
		select {
		case ch <- entry:
		default:
		}
	}
	rb.subMu.RUnlock()
}

// Recent returns up to limit of the newest entries matching f, oldest first
func (rb *RingBuffer) Recent(limit int, f Filter) []Entry {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	if limit <= 0 || limit > rb.count {
		limit = rb.count
	}

	result := make([]Entry, 0, limit)
	// Walk backwards from the newest entry
	for i := 1; i <= rb.count && len(result) < limit; i++ {
		e := rb.entries[(rb.head-i+rb.size)%rb.size]
		if f.Match(e) {
			result = append(result, e)
		}
	}
	slices.Reverse(result)
	return result
}

// Len returns the number of buffered entries
func (rb *RingBuffer) Len() int {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return rb.count
}

// Subscribe returns a channel receiving new entries. Slow readers miss entries.
func (rb *RingBuffer) Subscribe() chan Entry {
	ch := make(chan Entry, 100)
	rb.subMu.Lock()
	rb.subscribers[ch] = struct{}{}
	rb.subMu.Unlock()
	return ch
}

// Unsubscribe removes and closes a subscription
func (rb *RingBuffer) Unsubscribe(ch chan Entry) {
	rb.subMu.Lock()
	defer rb.subMu.Unlock()
	if _, ok := rb.subscribers[ch]; !ok {
		return
	}
	delete(rb.subscribers, ch)
	close(ch)
}

// StreamHandler is a slog handler that captures records to a ring buffer
// before passing them to the output handler
type StreamHandler struct {
	buffer *RingBuffer
	next   slog.Handler
	level  slog.Leveler
	attrs  []slog.Attr
	groups []string
}

// NewStreamHandler wraps next, capturing every record at or above level
func NewStreamHandler(buffer *RingBuffer, next slog.Handler, level slog.Leveler) *StreamHandler {
	return &StreamHandler{
		buffer: buffer,
		next:   next,
		level:  level,
	}
}

// Enabled implements slog.Handler
func (h *StreamHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

// Handle implements slog.Handler
func (h *StreamHandler) Handle(ctx context.Context, r slog.Record) error {
	entry := Entry{
		Time:    r.Time,
		Level:   r.Level.String(),
		Message: r.Message,
		Attrs:   make(map[string]any),
	}

	prefix := ""
	if len(h.groups) > 0 {
		prefix = strings.Join(h.groups, ".") + "."
	}
	collect := func(a slog.Attr, grouped bool) {
		switch {
		case a.Key == "component" && !grouped:
			entry.Component = a.Value.String()
		case a.Key == "camera" && !grouped:
			entry.Camera = a.Value.String()
		default:
			entry.Attrs[a.Key] = a.Value.Resolve().Any()
		}
	}

	for _, a := range h.attrs {
		collect(a, false)
	}
	r.Attrs(func(a slog.Attr) bool {
		if prefix != "" {
			a.Key = prefix + a.Key
		}
		collect(a, prefix != "")
		return true
	})
	if len(entry.Attrs) == 0 {
		entry.Attrs = nil
	}

	h.buffer.Add(entry)

	if h.next == nil || !h.next.Enabled(ctx, r.Level) {
		return nil
	}
	return h.next.Handle(ctx, r)
}

// WithAttrs implements slog.Handler
func (h *StreamHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	if len(h.groups) > 0 {
		prefix := strings.Join(h.groups, ".") + "."
		grouped := make([]slog.Attr, len(attrs))
		for i, a := range attrs {
			grouped[i] = slog.Attr{Key: prefix + a.Key, Value: a.Value}
		}
		attrs = grouped
	}

	var next slog.Handler
	if h.next != nil {
		next = h.next.WithAttrs(attrs)
	}
	return &StreamHandler{
		buffer: h.buffer,
		next:   next,
		level:  h.level,
		attrs:  append(slices.Clip(h.attrs), attrs...),
		groups: h.groups,
	}
}

// WithGroup implements slog.Handler
func (h *StreamHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	var next slog.Handler
	if h.next != nil {
		next = h.next.WithGroup(name)
	}
	return &StreamHandler{
		buffer: h.buffer,
		next:   next,
		level:  h.level,
		attrs:  h.attrs,
		groups: append(slices.Clip(h.groups), name),
	}
}

// ParseLevel maps debug, info, warn and error (any case) to a slog level, defaulting to info
func ParseLevel(s string) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return slog.LevelInfo
	}
	return level
}

// Setup installs a default logger writing format ("json" or "text") to w and
// returns the buffer capturing its records
func Setup(w io.Writer, level, format string, bufferSize int) *RingBuffer {
	lvl := ParseLevel(level)
	opts := &slog.HandlerOptions{Level: lvl}

	var next slog.Handler
	if strings.EqualFold(format, "text") {
		next = slog.NewTextHandler(w, opts)
	} else {
		next = slog.NewJSONHandler(w, opts)
	}

	buffer := NewRingBuffer(bufferSize)
	slog.SetDefault(slog.New(NewStreamHandler(buffer, next, lvl)))
	return buffer
}
