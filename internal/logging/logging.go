// Package logging builds the mailer's structured logger on top of log/slog:
// level gating, JSON or bracketed text output, sensitive-field masking, and
// an optional append-mode file destination.
package logging

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// masked replaces the value of sensitive fields in log output.
const masked = "********"

// sensitiveKeys are masked in every record unless explicitly allowlisted as
// a custom field.
var sensitiveKeys = map[string]bool{
	"password": true,
	"auth":     true,
	"token":    true,
	"key":      true,
}

// Config controls logger construction.
type Config struct {
	// Level is the minimum level emitted: debug, info, warn or error.
	Level string

	// Format is "json" (one object per line) or "text"
	// ([<timestamp>] <LEVEL>: <payload JSON>).
	Format string

	// CustomFields lists payload keys that bypass masking.
	CustomFields []string

	// Destination is an optional log file path, absolute or relative to the
	// working directory. Parent directories are created. Empty means stdout.
	Destination string
}

// Setup constructs the logger. A destination that cannot be opened degrades
// to a no-op writer with a single warning on stderr; logging never fails the
// caller.
func Setup(cfg Config) *slog.Logger {
	w := io.Writer(os.Stdout)
	if cfg.Destination != "" {
		f, err := openDestination(cfg.Destination)
		if err != nil {
			fmt.Fprintf(os.Stderr, "logging: cannot open destination %s: %v\n", cfg.Destination, err)
			w = io.Discard
		} else {
			w = f
		}
	}
	return New(cfg, w)
}

// New constructs the logger writing to w.
func New(cfg Config, w io.Writer) *slog.Logger {
	level := ParseLevel(cfg.Level)

	var inner slog.Handler
	switch strings.ToLower(cfg.Format) {
	case "text":
		inner = &textHandler{w: w, level: level, mu: &sync.Mutex{}}
	default:
		inner = slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
	}

	allow := make(map[string]bool, len(cfg.CustomFields))
	for _, f := range cfg.CustomFields {
		allow[strings.ToLower(f)] = true
	}

	return slog.New(&maskHandler{inner: inner, allow: allow})
}

// ParseLevel maps a configuration level name to a slog.Level, defaulting to
// info. Levels are a floor: a level logs itself and everything more severe.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// openDestination opens the log file in append mode, creating parent
// directories as needed.
func openDestination(path string) (*os.File, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	return os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
}

// maskHandler rewrites sensitive attributes before delegating to the inner
// handler. Masking is shallow: only top-level attribute keys are inspected.
type maskHandler struct {
	inner slog.Handler
	allow map[string]bool
}

func (h *maskHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *maskHandler) Handle(ctx context.Context, r slog.Record) error {
	nr := slog.NewRecord(r.Time, r.Level, r.Message, r.PC)
	r.Attrs(func(a slog.Attr) bool {
		nr.AddAttrs(h.mask(a))
		return true
	})
	return h.inner.Handle(ctx, nr)
}

func (h *maskHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	maskedAttrs := make([]slog.Attr, len(attrs))
	for i, a := range attrs {
		maskedAttrs[i] = h.mask(a)
	}
	return &maskHandler{inner: h.inner.WithAttrs(maskedAttrs), allow: h.allow}
}

func (h *maskHandler) WithGroup(name string) slog.Handler {
	return &maskHandler{inner: h.inner.WithGroup(name), allow: h.allow}
}

func (h *maskHandler) mask(a slog.Attr) slog.Attr {
	key := strings.ToLower(a.Key)
	if sensitiveKeys[key] && !h.allow[key] {
		return slog.String(a.Key, masked)
	}
	return a
}

// textHandler renders records as "[<timestamp>] <LEVEL>: <payload JSON>".
type textHandler struct {
	mu    *sync.Mutex
	w     io.Writer
	level slog.Level
	attrs []slog.Attr
}

func (h *textHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *textHandler) Handle(_ context.Context, r slog.Record) error {
	payload := make(map[string]any, r.NumAttrs()+len(h.attrs)+1)
	payload["msg"] = r.Message
	for _, a := range h.attrs {
		payload[a.Key] = a.Value.Resolve().Any()
	}
	r.Attrs(func(a slog.Attr) bool {
		payload[a.Key] = a.Value.Resolve().Any()
		return true
	})

	data, err := json.Marshal(payload)
	if err != nil {
		data = []byte(fmt.Sprintf("%q", r.Message))
	}

	ts := r.Time
	if ts.IsZero() {
		ts = time.Now()
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err = fmt.Fprintf(h.w, "[%s] %s: %s\n", ts.Format(time.RFC3339), r.Level.String(), data)
	return err
}

func (h *textHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	merged = append(merged, h.attrs...)
	merged = append(merged, attrs...)
	return &textHandler{mu: h.mu, w: h.w, level: h.level, attrs: merged}
}

// WithGroup is accepted but groups are flattened; the text format keeps a
// single-level payload.
func (h *textHandler) WithGroup(string) slog.Handler {
	return h
}
