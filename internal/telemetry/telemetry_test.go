package telemetry

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitLogger_WritesJSONToRotatedFile(t *testing.T) {
	dir := t.TempDir()
	logger, cleanup, err := InitLogger(dir, false)
	require.NoError(t, err)

	logger.Info("hello", "session_id", "abc")
	logger.Debug("hidden")
	cleanup()

	data, err := os.ReadFile(filepath.Join(dir, "caisachat.log"))
	require.NoError(t, err)
	out := string(data)
	assert.Contains(t, out, `"msg":"hello"`)
	assert.Contains(t, out, `"session_id":"abc"`)
	assert.Contains(t, out, `"service":"caisachat"`)
	assert.False(t, strings.Contains(out, "hidden"), "debug records must be dropped at info level")
}

func TestInitTelemetry_CreatesExporters(t *testing.T) {
	dir := t.TempDir()
	tracer, meter, cleanup, err := InitTelemetry(context.Background(), dir)
	require.NoError(t, err)
	require.NotNil(t, tracer)
	require.NotNil(t, meter)

	_, span := tracer.Start(context.Background(), "turn")
	span.End()
	cleanup()

	_, err = os.Stat(filepath.Join(dir, "caisachat_traces.log"))
	assert.NoError(t, err)
}
