// Package logging builds the process-wide slog.Logger from
// config.LoggingConfig. The S3-domain code this repository is grounded
// on already uses log/slog directly, so the ambient logging idiom here is
// slog rather than the older plain-log wrapper elsewhere in that
// codebase.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/objectfs/s3corefs/internal/apperrors"
)

// New builds a slog.Logger writing to os.Stderr in the given level and
// format ("text" or "json").
func New(level, format string) *slog.Logger {
	handler := newHandler(level, format, os.Stderr)
	return slog.New(handler)
}

func newHandler(level, format string, w io.Writer) slog.Handler {
	opts := &slog.HandlerOptions{Level: parseLevel(level)}
	if strings.EqualFold(format, "json") {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// LogError logs err at warn for anything other than a not-found
// condition, which per the error handling design is expected traffic
// (ENOENT on lookup) and must not be logged.
func LogError(logger *slog.Logger, op string, err error) {
	if err == nil || apperrors.IsNotFound(err) {
		return
	}
	logger.Warn("operation failed", "op", op, "error", err)
}
