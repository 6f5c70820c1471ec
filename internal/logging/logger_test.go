package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/shaunagostinho/goax12/internal/config"
)

func TestParseLevel(t *testing.T) {
	testCases := []struct {
		in     string
		expect zapcore.Level
	}{
		{"", zapcore.InfoLevel},
		{"DEBUG", zapcore.DebugLevel},
		{"warning", zapcore.WarnLevel},
		{"error", zapcore.ErrorLevel},
		{"dpanic", zapcore.DPanicLevel},
	}
	for _, tc := range testCases {
		got, err := ParseLevel(tc.in)
		require.NoError(t, err, tc.in)
		require.Equal(t, tc.expect, got, tc.in)
	}

	_, err := ParseLevel("loud")
	require.Error(t, err)
}

func TestJSONLogger(t *testing.T) {
	var buf bytes.Buffer
	log, err := newLogger(config.LoggingConfig{Level: "debug", Format: "json"}, &buf)
	require.NoError(t, err)

	log.Named("dxl").Debug("tx", zap.String("frame", "FF FF 01 02 01 FB"))
	require.NoError(t, log.Sync())

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	require.Equal(t, "debug", entry["level"])
	require.Equal(t, "dxl", entry["logger"])
	require.Equal(t, "tx", entry["msg"])
	require.Equal(t, "FF FF 01 02 01 FB", entry["frame"])
}

func TestLevelFilters(t *testing.T) {
	var buf bytes.Buffer
	log, err := newLogger(config.LoggingConfig{Level: "warn"}, &buf)
	require.NoError(t, err)

	log.Info("quiet")
	log.Warn("loud")
	require.NotContains(t, buf.String(), "quiet")
	require.Contains(t, buf.String(), "loud")
}

func TestFileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "goax12.log")
	var buf bytes.Buffer
	log, err := newLogger(config.LoggingConfig{
		Format: "json",
		File:   config.LogFileConfig{Filename: path, MaxSizeMB: 1},
	}, &buf)
	require.NoError(t, err)

	log.Info("hello")
	require.NoError(t, log.Sync())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(data), `"msg":"hello"`)
	require.Contains(t, buf.String(), `"msg":"hello"`)
}
