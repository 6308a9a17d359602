package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"INFO":    slog.LevelInfo,
		"warn":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"chatty":  slog.LevelInfo,
	}
	for in, want := range tests {
		assert.Equal(t, want, ParseLevel(in), in)
	}
}

func TestColorHandler(t *testing.T) {
	color.NoColor = true
	var buf bytes.Buffer
	logger := slog.New(NewColorHandler(&buf, slog.LevelInfo)).With("component", "ledger")

	logger.Debug("hidden")
	logger.Info("job created", "job_id", "j-1")
	logger.WithGroup("req").Warn("slow", "ms", 1200)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "INF job created component=ledger job_id=j-1")
	assert.Contains(t, lines[1], "WRN slow component=ledger req.ms=1200")
}

func TestNew_FileSink(t *testing.T) {
	color.NoColor = true
	path := filepath.Join(t.TempDir(), "dispatch.log")
	var console bytes.Buffer

	logger, closer := New(&console, Options{Level: "info", File: path})
	logger.Info("hello", "agent_id", "a-1")
	require.NoError(t, closer.Close())

	assert.Contains(t, console.String(), "hello")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var rec map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(data), &rec))
	assert.Equal(t, "hello", rec["msg"])
	assert.Equal(t, "a-1", rec["agent_id"])
}

func TestNew_JSONConsole(t *testing.T) {
	var console bytes.Buffer
	logger, closer := New(&console, Options{Format: "json", Level: "debug"})
	defer closer.Close()

	logger.Debug("visible")
	assert.Contains(t, console.String(), `"msg":"visible"`)
}
