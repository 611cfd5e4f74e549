package logging_test

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jamesainslie/pushsync/pkg/pushsync/logging"
)

func TestParseLevel(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in      string
		want    logging.Level
		wantErr bool
	}{
		{"debug", logging.LevelDebug, false},
		{"INFO", logging.LevelInfo, false},
		{"warning", logging.LevelWarn, false},
		{"warn", logging.LevelWarn, false},
		{"error", logging.LevelError, false},
		{"loud", logging.LevelInfo, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			t.Parallel()
			got, err := logging.ParseLevel(tt.in)
			if tt.wantErr {
				require.ErrorIs(t, err, logging.ErrInvalidLevel)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNewWritesStructuredPairs(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	logger := logging.New(&buf, "session", logging.LevelInfo)

	logger.Debug("hidden")
	logger.Info("file received", "path", "a.txt", "size", 100)

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "file received")
	assert.Contains(t, out, "path=a.txt")
	assert.Contains(t, out, "size=100")
	assert.Contains(t, out, "session")
}

func TestWithCarriesContext(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	logger := logging.New(&buf, "server", logging.LevelDebug).With("session", "abc")
	logger.Warn("slow peer")

	assert.Contains(t, buf.String(), "session=abc")
	assert.Equal(t, "server", logger.Component())
}

// Shares global state; not parallel.
func TestInitGetClose(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "pushsync.log")

	early := logging.Get("restore")

	require.NoError(t, logging.Init(logging.Config{
		Level:      "info",
		Path:       logPath,
		Components: map[string]string{"restore": "debug"},
	}))

	early.Debug("picked up after init", "count", 2)
	logging.Get("client").Debug("filtered by default level")
	logging.Get("client").Info("visible")

	require.NoError(t, logging.Close())

	data, err := os.ReadFile(logPath)
	require.NoError(t, err)
	out := string(data)
	assert.Contains(t, out, "picked up after init")
	assert.Contains(t, out, "visible")
	assert.False(t, strings.Contains(out, "filtered by default level"))
}

func TestInitRejectsBadComponentLevel(t *testing.T) {
	err := logging.Init(logging.Config{
		Level:      "info",
		Path:       filepath.Join(t.TempDir(), "x.log"),
		Components: map[string]string{"server": "chatty"},
	})
	require.ErrorIs(t, err, logging.ErrInvalidLevel)
	require.NoError(t, logging.Close())
}

func TestRotationBySize(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	logPath := filepath.Join(dir, "size_rotate.log")

	writer, err := logging.NewRotatingWriter(logPath, logging.RotationConfig{
		MaxSize:    512,
		MaxBackups: 3,
	})
	require.NoError(t, err)

	for i := 0; i < 20; i++ {
		_, err := writer.Write([]byte(strings.Repeat("x", 50) + "\n"))
		require.NoError(t, err)
	}
	require.NoError(t, writer.Close())

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	var logFiles int
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), "size_rotate") && strings.HasSuffix(e.Name(), ".log") {
			logFiles++
		}
	}
	assert.GreaterOrEqual(t, logFiles, 2)
	assert.LessOrEqual(t, logFiles, 4)
}
