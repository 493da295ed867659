package utils

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLogger(t *testing.T, level LogLevel, format LogFormat) (*StructuredLogger, *bytes.Buffer) {
	t.Helper()
	var buf bytes.Buffer
	logger, err := NewStructuredLogger(&StructuredLoggerConfig{
		Level:  level,
		Output: &buf,
		Format: format,
	})
	require.NoError(t, err)
	return logger, &buf
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		input   string
		want    LogLevel
		wantErr bool
	}{
		{"trace", TRACE, false},
		{"DEBUG", DEBUG, false},
		{"info", INFO, false},
		{"", INFO, false},
		{"warning", WARN, false},
		{"error", ERROR, false},
		{"fatal", FATAL, false},
		{"verbose", INFO, true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseLogLevel(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseLogFormat(t *testing.T) {
	f, err := ParseLogFormat("JSON")
	require.NoError(t, err)
	assert.Equal(t, FormatJSON, f)

	f, err = ParseLogFormat("")
	require.NoError(t, err)
	assert.Equal(t, FormatText, f)

	_, err = ParseLogFormat("xml")
	assert.Error(t, err)
}

func TestLogLevels(t *testing.T) {
	logger, buf := newTestLogger(t, INFO, FormatText)

	logger.Debug("debug message")
	assert.Zero(t, buf.Len(), "debug should be filtered at INFO")

	logger.Info("info message")
	assert.Contains(t, buf.String(), "[INFO] info message")

	buf.Reset()
	logger.Warn("warn message")
	assert.Contains(t, buf.String(), "[WARN] warn message")

	buf.Reset()
	logger.Error("error 42")
	assert.Contains(t, buf.String(), "[ERROR] error 42")
}

func TestTextFieldsAreSorted(t *testing.T) {
	logger, buf := newTestLogger(t, DEBUG, FormatText)

	logger.WithField("zeta", 1).Info("evicted", map[string]interface{}{"alpha": "a", "mid": 2})

	line := buf.String()
	assert.Contains(t, line, "{alpha=a, mid=2, zeta=1}")
}

func TestJSONFormat(t *testing.T) {
	logger, buf := newTestLogger(t, DEBUG, FormatJSON)

	logger.WithComponent("cache").Warn("invalid pattern", map[string]interface{}{
		"pattern": "[",
		"error":   errors.New("boom"),
	})

	var entry LogEntry
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "WARN", entry.Level)
	assert.Equal(t, "invalid pattern", entry.Message)
	assert.Equal(t, "cache", entry.Fields["component"])
	assert.Equal(t, "boom", entry.Fields["error"])
}

func TestChildLoggersDoNotLeakFields(t *testing.T) {
	logger, buf := newTestLogger(t, DEBUG, FormatText)

	child := logger.WithField("request", "r-1")
	logger.Info("parent")
	assert.NotContains(t, buf.String(), "request")

	buf.Reset()
	child.Info("child")
	assert.Contains(t, buf.String(), "request=r-1")
}

func TestComponentLevels(t *testing.T) {
	logger, buf := newTestLogger(t, INFO, FormatText)
	logger.SetComponentLevel("store", ERROR)

	store := logger.WithComponent("store")
	store.Warn("suppressed")
	assert.Zero(t, buf.Len())

	store.Error("kept")
	assert.Contains(t, buf.String(), "kept")

	buf.Reset()
	logger.WithComponent("cache").Debug("still filtered globally")
	assert.Zero(t, buf.Len())

	logger.SetLevel(DEBUG)
	logger.WithComponent("cache").Debug("now visible")
	assert.True(t, strings.Contains(buf.String(), "now visible"))
}

func TestNewLoggerFromStrings(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewLoggerFromStrings("debug", "json", &buf)
	require.NoError(t, err)
	assert.Equal(t, DEBUG, logger.GetLevel())

	_, err = NewLoggerFromStrings("loud", "text", &buf)
	assert.Error(t, err)
}

func TestNopLogger(t *testing.T) {
	logger := NopLogger()
	assert.False(t, logger.IsEnabled(ERROR))
	logger.Error("nothing happens")

	assert.NotNil(t, OrDefault(nil))
	assert.Same(t, logger, OrDefault(logger))
}
