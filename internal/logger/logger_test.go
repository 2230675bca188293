package logger

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"matchchat/internal/config"
)

func TestNewWritesJSONFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chat.log")
	log, err := New(config.LogConfig{Level: "debug", FileName: path}, "release")
	require.NoError(t, err)

	log.Info("session connected")
	_ = log.Sync()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(data), `"msg":"session connected"`)
	require.Contains(t, string(data), `"level":"INFO"`)
}

func TestNewRejectsUnknownLevel(t *testing.T) {
	_, err := New(config.LogConfig{Level: "chatty"}, "dev")
	require.Error(t, err)
}
