package logging

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_ConsoleLevel(t *testing.T) {
	var buf bytes.Buffer

	l := New(Options{Console: &buf})
	l.Debug("hidden")
	l.Info("shown")

	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "shown")

	buf.Reset()
	l = New(Options{Console: &buf, Verbose: true})
	l.Debug("now visible")
	assert.Contains(t, buf.String(), "now visible")
}

func TestNew_WritesLogFile(t *testing.T) {
	var buf bytes.Buffer
	dir := filepath.Join(t.TempDir(), "logs")

	l := New(Options{Console: &buf, LogDir: dir})
	Component(l, "existence").Warn("store recreated", Err(errors.New("checksum error")))

	data, err := os.ReadFile(filepath.Join(dir, "buildaccel.log"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "store recreated")
	assert.Contains(t, string(data), "comp=existence")
	assert.Contains(t, buf.String(), "err=\"checksum error\"")
}

func TestComponent_NilLogger(t *testing.T) {
	l := Component(nil, "deps")
	assert.NotNil(t, l)
	l.Info("dropped")
}
