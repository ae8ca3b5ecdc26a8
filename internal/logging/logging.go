// Package logging builds the server's slog loggers. Output is always JSON;
// only the destination and the minimum level vary.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

var levelNames = map[string]slog.Level{
	"debug":   slog.LevelDebug,
	"info":    slog.LevelInfo,
	"warn":    slog.LevelWarn,
	"warning": slog.LevelWarn,
	"error":   slog.LevelError,
}

// New returns a JSON logger on stderr filtering below the named level.
// Unknown or empty level names fall back to info.
func New(level string) *slog.Logger {
	return NewWithWriter(level, os.Stderr)
}

// NewWithWriter is New with an explicit destination, mostly for tests.
func NewWithWriter(level string, w io.Writer) *slog.Logger {
	options := &slog.HandlerOptions{Level: ParseLevel(level)}
	return slog.New(slog.NewJSONHandler(w, options))
}

// ParseLevel maps a case-insensitive level name to its slog.Level,
// defaulting to info.
func ParseLevel(name string) slog.Level {
	if level, ok := levelNames[strings.ToLower(strings.TrimSpace(name))]; ok {
		return level
	}
	return slog.LevelInfo
}
