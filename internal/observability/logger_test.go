package observability

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// memSink is an in-memory WriteSyncer for capturing log output.
type memSink struct {
	strings.Builder
}

func (m *memSink) Sync() error { return nil }

func TestInitializeJSONFormat(t *testing.T) {
	ResetForTest()
	defer ResetForTest()

	sink := &memSink{}
	Initialize(Config{Level: "debug", Format: "json"}, zapcore.Lock(zapcore.AddSync(sink)))

	GetLogger().Info("hello", zap.String("k", "v"))

	line := strings.TrimSpace(sink.String())
	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(line), &entry), "json format must emit valid JSON: %s", line)
	assert.Equal(t, "hello", entry["msg"])
	assert.Equal(t, "v", entry["k"])
	assert.Equal(t, "INFO", entry["level"])
}

func TestInitializeConsoleFormat(t *testing.T) {
	ResetForTest()
	defer ResetForTest()

	sink := &memSink{}
	Initialize(Config{Level: "info", Format: "console"}, zapcore.Lock(zapcore.AddSync(sink)))

	GetLogger().Info("console message")
	out := sink.String()
	assert.Contains(t, out, "INFO")
	assert.Contains(t, out, "console message")
}

func TestLevelFiltering(t *testing.T) {
	ResetForTest()
	defer ResetForTest()

	sink := &memSink{}
	Initialize(Config{Level: "warn", Format: "console"}, zapcore.Lock(zapcore.AddSync(sink)))

	GetLogger().Info("dropped")
	GetLogger().Warn("kept")

	out := sink.String()
	assert.NotContains(t, out, "dropped")
	assert.Contains(t, out, "kept")
}

func TestInvalidLevelFallsBackToInfo(t *testing.T) {
	ResetForTest()
	defer ResetForTest()

	sink := &memSink{}
	Initialize(Config{Level: "nonsense", Format: "console"}, zapcore.Lock(zapcore.AddSync(sink)))

	GetLogger().Debug("dropped at info")
	GetLogger().Info("kept at info")

	out := sink.String()
	assert.NotContains(t, out, "dropped at info")
	assert.Contains(t, out, "kept at info")
}

func TestFileCoreWritesJSON(t *testing.T) {
	ResetForTest()
	defer ResetForTest()

	logFile := filepath.Join(t.TempDir(), "rl-gear.log")
	sink := &memSink{}
	Initialize(Config{Level: "info", Format: "console", LogFile: logFile, MaxSize: 1},
		zapcore.Lock(zapcore.AddSync(sink)))

	GetLogger().Info("to file")
	Sync()

	raw, err := os.ReadFile(logFile)
	require.NoError(t, err)
	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(strings.TrimSpace(strings.Split(string(raw), "\n")[0])), &entry))
	assert.Equal(t, "to file", entry["msg"])
}

func TestGetLoggerBeforeInitialize(t *testing.T) {
	ResetForTest()
	defer ResetForTest()

	// Must not panic and must return a usable logger.
	logger := GetLogger()
	require.NotNil(t, logger)
	logger.Debug("fallback logger is usable")
}
