package logging

import (
	"bytes"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/objectfs/s3corefs/internal/apperrors"
)

func TestNewHandler_JSONFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(newHandler("info", "json", &buf))
	logger.Info("hello")
	assert.Contains(t, buf.String(), `"msg":"hello"`)
}

func TestNewHandler_TextFormatDropsBelowLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(newHandler("warn", "text", &buf))
	logger.Info("should not appear")
	assert.Empty(t, buf.String())
	logger.Warn("should appear")
	assert.Contains(t, buf.String(), "should appear")
}

func TestParseLevel_KnownAndUnknown(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, parseLevel("debug"))
	assert.Equal(t, slog.LevelWarn, parseLevel("warn"))
	assert.Equal(t, slog.LevelError, parseLevel("error"))
	assert.Equal(t, slog.LevelInfo, parseLevel("bogus"))
}

func TestLogError_SuppressesNotFound(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	LogError(logger, "lookup", apperrors.NotFound("lookup", "/x"))
	assert.Empty(t, buf.String())

	LogError(logger, "lookup", apperrors.Transport("lookup", assert.AnError))
	assert.Contains(t, buf.String(), "operation failed")
}

func TestLogError_NilIsNoop(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	LogError(logger, "op", nil)
	assert.Empty(t, buf.String())
}
