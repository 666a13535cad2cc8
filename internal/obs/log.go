package obs

import (
	"context"
	"io"
	"log/slog"
	"os"
	"sort"
	"sync"
)

var (
	mu           sync.RWMutex
	base         = newLogger(os.Stderr, "text")
	debugEnabled bool
)

// EnableDebug globally enables debug logs.
func EnableDebug(v bool) {
	mu.Lock()
	debugEnabled = v
	mu.Unlock()
}

// Setup redirects logs to w using format "text" or "json".
func Setup(w io.Writer, format string) {
	l := newLogger(w, format)
	mu.Lock()
	base = l
	mu.Unlock()
}

func newLogger(w io.Writer, format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: slog.LevelDebug}
	if format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

type Fields map[string]any

func logWith(level slog.Level, msg string, f Fields) {
	mu.RLock()
	l := base
	mu.RUnlock()
	keys := make([]string, 0, len(f))
	for k := range f {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	attrs := make([]any, 0, len(keys))
	for _, k := range keys {
		attrs = append(attrs, slog.Any(k, f[k]))
	}
	l.Log(context.Background(), level, msg, attrs...)
}

func Info(msg string, f Fields)  { logWith(slog.LevelInfo, msg, f) }
func Warn(msg string, f Fields)  { logWith(slog.LevelWarn, msg, f) }
func Error(msg string, f Fields) { logWith(slog.LevelError, msg, f) }
func Debug(msg string, f Fields) {
	mu.RLock()
	on := debugEnabled
	mu.RUnlock()
	if on {
		logWith(slog.LevelDebug, msg, f)
	}
}
