package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNew_WritesRotatedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tinytraffic.log")

	logger, err := New(Config{Level: "debug", File: path})
	require.NoError(t, err)

	logger.Info("sync finished", zap.String("source", "visits"))
	_ = logger.Sync()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	line := strings.TrimSpace(string(data))
	assert.Contains(t, line, `"message":"sync finished"`)
	assert.Contains(t, line, `"source":"visits"`)
}

func TestNew_RejectsBadConfig(t *testing.T) {
	_, err := New(Config{Level: "loud"})
	assert.Error(t, err)

	_, err = New(Config{Format: "xml"})
	assert.Error(t, err)
}
