//go:build unix

package cmd

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunCommand_PropagatesExitCode(t *testing.T) {
	out, err := execute(t, "run", "/bin/sh", "-c", "echo hello; exit 3")

	var exitErr *exitCodeError
	require.True(t, errors.As(err, &exitErr))
	assert.Equal(t, 3, exitErr.code)
	assert.Equal(t, "hello\n", out)
}

func TestRunCommand_WritesMetrics(t *testing.T) {
	metricsFile := filepath.Join(t.TempDir(), "buildaccel.prom")

	_, err := execute(t, "--metrics-file", metricsFile, "run", "/bin/sh", "-c", "true")
	require.NoError(t, err)

	data, err := os.ReadFile(metricsFile)
	require.NoError(t, err)
	assert.Contains(t, string(data), "buildaccel_dispatch_duration_seconds")
}
