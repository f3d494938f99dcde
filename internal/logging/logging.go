// Package logging configures the process-wide slog handler and carries a
// lightweight tag gate for chatty per-subsystem logs that are too verbose
// for the debug level but useful when chasing a specific problem.
package logging

import (
	"log/slog"
	"os"
	"strings"
	"sync"
)

var (
	mu   sync.RWMutex
	tags = map[string]bool{}
)

func init() {
	if v := os.Getenv("LOG_TAGS"); v != "" {
		EnableMany(v)
	}
}

// Setup installs a text slog handler at the given level as the default
// logger. Unknown level strings fall back to info.
func Setup(level string) {
	var l slog.Level
	switch strings.ToLower(level) {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: l})))
}

// VerboseEnabled reports whether the given tag is enabled via LOG_TAGS or
// Enable.
func VerboseEnabled(tag string) bool {
	mu.RLock()
	defer mu.RUnlock()
	return tags[tag]
}

// Enable turns on a tag at runtime.
func Enable(tag string) {
	if tag == "" {
		return
	}
	mu.Lock()
	tags[tag] = true
	mu.Unlock()
}

// EnableMany enables a comma-separated list of tags.
func EnableMany(csv string) {
	for _, t := range strings.Split(csv, ",") {
		Enable(strings.TrimSpace(t))
	}
}

// VInfo logs an Info message only when the tag is enabled.
func VInfo(tag string, msg string, attrs ...slog.Attr) {
	if !VerboseEnabled(tag) {
		return
	}
	if len(attrs) == 0 {
		slog.Info(msg)
		return
	}
	pairs := make([]any, 0, len(attrs)*2)
	for _, a := range attrs {
		pairs = append(pairs, a.Key, a.Value.Any())
	}
	slog.Info(msg, pairs...)
}
