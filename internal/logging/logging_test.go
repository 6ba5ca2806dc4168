package logging

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaultConfigUsesConsoleStdout(t *testing.T) {
	cfg := DefaultConfig()
	require.Equal(t, "info", cfg.Level)
	require.Equal(t, "console", cfg.Encoding)
	require.Equal(t, "stdout", cfg.Output)
}

func TestComponentHealthCheckFailsBeforeStart(t *testing.T) {
	c := NewComponent(nil)
	require.Error(t, c.HealthCheck())
}

func TestStartWritesToFileAndHealthCheckPasses(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "balancer.log")
	c := NewComponent(&Config{Level: "debug", Encoding: "json", Output: path})

	require.NoError(t, c.Start(context.Background()))
	require.NoError(t, c.HealthCheck(), "expected healthy after start")

	c.Info(context.Background(), "hello")
	c.Sync()

	data, err := os.ReadFile(path)
	require.NoError(t, err, "expected the log file to exist")
	require.NotEmpty(t, data, "expected log content to have been written")
}

func TestParseLevelFallsBackToInfo(t *testing.T) {
	require.Equal(t, parseLevel("info"), parseLevel("bogus"))
}

func TestGlobalLoggerDefaultsToNoopAndCanBeReplaced(t *testing.T) {
	L().Infof("should not panic before any component starts")

	dir := t.TempDir()
	c := NewComponent(&Config{Output: filepath.Join(dir, "balancer.log")})
	require.NoError(t, c.Start(context.Background()))
	require.Equal(t, Logger(c), L(), "expected Start to install itself as the global logger")
}

func TestTraceIDFromFallsBackToGeneratedID(t *testing.T) {
	require.NotEmpty(t, traceIDFrom(context.Background()), "expected a fallback trace id for a context with no span")
}
