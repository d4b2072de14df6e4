package logging

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLoggerWritesFileAndCallsPanel(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "logs", "clashsub")

	var mu sync.Mutex
	var got []string
	lg, err := NewLogger(path, false, "debug", func(level, logType, message, logLine string) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, level+"|"+logType+"|"+message)
	})
	require.NoError(t, err)
	defer lg.Close()

	assert.Equal(t, path+".log", lg.GetLogFilePath())

	lg.WithType(LogTypeTunnel).Infof("tunnel %s", "up")
	lg.WithType(LogTypeApp).Errorf("boom %d", 1)
	lg.WithType(LogTypeTunnel).WithField("source", "xray").Warn("forwarded")
	lg.WithType(LogTypeApp).Debug("shown")
	lg.SetLogLevel("info")
	lg.WithType(LogTypeApp).Debug("filtered")

	data, err := os.ReadFile(lg.GetLogFilePath())
	require.NoError(t, err)
	assert.Contains(t, string(data), "tunnel up")
	assert.Contains(t, string(data), "boom 1")
	assert.Contains(t, string(data), "type=tunnel")

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{
		"INFO|tunnel|tunnel up",
		"ERROR|app|boom 1",
		"WARNING|tunnel|forwarded",
		"DEBUG|app|shown",
	}, got)
}

func TestNewLoggerArchivesExistingFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "app.log")
	require.NoError(t, os.WriteFile(path, []byte("old run\n"), 0644))

	lg, err := NewLogger(path, false, "info")
	require.NoError(t, err)
	defer lg.Close()

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	archived := 0
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), "app.log.") {
			archived++
		}
	}
	assert.Equal(t, 1, archived)
}

func TestLogLevel(t *testing.T) {
	_, err := NewLogger("", false, "verbose")
	assert.Error(t, err)

	lg, err := NewLogger("", false, "")
	require.NoError(t, err)
	assert.Equal(t, "info", lg.GetLogLevel())

	lg.SetLogLevel("error")
	assert.Equal(t, "error", lg.GetLogLevel())

	lg.SetLogLevel("nonsense")
	assert.Equal(t, "error", lg.GetLogLevel())
}
