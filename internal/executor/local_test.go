package executor

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalExecutor(t *testing.T) {
	runner := &fakeRunner{code: 4}
	local := NewLocalExecutor(runner, NewCorePool(1, nil), nil)

	assert.Equal(t, "local", local.Name())
	assert.Equal(t, LocalScore, local.Score(Request{Tool: "anything"}))

	var lines []string
	req := Request{
		Task:        Task{ID: "t1", WorkingDir: "/work"},
		Environment: []string{"A=task"},
		Tool:        "link.exe",
		Args:        []string{"/OUT:app.exe"},
	}

	core, err := local.AllocateVirtualCore(context.Background())
	require.NoError(t, err)
	defer core.Release()

	code, err := local.Execute(context.Background(), core, req, []string{"A=global", "B=global"}, Output{
		Stdout: func(s string) { lines = append(lines, s) },
	})
	require.NoError(t, err)
	assert.Equal(t, 4, code)
	assert.Equal(t, []string{"ran link.exe"}, lines)

	require.Len(t, runner.specs, 1)
	spec := runner.specs[0]
	assert.Equal(t, "link.exe", spec.Tool)
	assert.Equal(t, []string{"/OUT:app.exe"}, spec.Args)
	assert.Equal(t, "/work", spec.Dir)
	assert.Equal(t, []string{"A=task", "B=global"}, spec.Env)
}
