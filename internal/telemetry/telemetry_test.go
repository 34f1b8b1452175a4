package telemetry

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitLoggerWritesJSON(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	dir := filepath.Join(t.TempDir(), "logs")
	logger, closer, err := InitLogger(dir, false)
	require.NoError(t, err)

	logger.Info("session created", "session_id", "abc")
	logger.Debug("hidden")
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(filepath.Join(dir, "tutorchat.log"))
	require.NoError(t, err)
	assert.Contains(t, string(data), `"msg":"session created"`)
	assert.Contains(t, string(data), `"session_id":"abc"`)
	assert.NotContains(t, string(data), "hidden")
}

func TestInitTelemetry(t *testing.T) {
	dir := t.TempDir()
	tracer, meter, cleanup, err := InitTelemetry(context.Background(), dir)
	require.NoError(t, err)
	require.NotNil(t, tracer)
	require.NotNil(t, meter)

	_, span := tracer.Start(context.Background(), "test")
	span.End()
	cleanup()

	assert.FileExists(t, filepath.Join(dir, "tutorchat_traces.log"))
}
