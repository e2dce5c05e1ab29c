package logging

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("debug"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("WARN"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warning"))
	assert.Equal(t, slog.LevelError, ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, ParseLevel(""))
	assert.Equal(t, slog.LevelInfo, ParseLevel("bogus"))
}

func TestSetupFileLogger(t *testing.T) {
	path := filepath.Join(t.TempDir(), "postflux.log")

	closer, err := Setup(Config{Type: "file", File: path, Format: "json", Level: "debug"})
	require.NoError(t, err)
	require.NotNil(t, closer)
	defer closer.Close()

	slog.Debug("spool scan complete", "items", 3)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(data), `"spool scan complete"`))
	assert.True(t, strings.Contains(string(data), `"items":3`))
}

func TestSetupRejectsUnknownType(t *testing.T) {
	_, err := Setup(Config{Type: "elastic"})
	assert.Error(t, err)
}

func TestSetupFileRequiresPath(t *testing.T) {
	_, err := Setup(Config{Type: "file"})
	assert.Error(t, err)
}
