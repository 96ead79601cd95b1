package executor

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Norgate-AV/buildaccel/internal/deps"
	"github.com/Norgate-AV/buildaccel/internal/existence"
	"github.com/Norgate-AV/buildaccel/internal/pch"
)

// recordingChannel captures submissions
type recordingChannel struct {
	mu   sync.Mutex
	subs []Submission
	code int
	err  error
}

func (c *recordingChannel) Submit(_ context.Context, sub Submission, _ Output) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.subs = append(c.subs, sub)
	return c.code, c.err
}

type remoteFixture struct {
	dir     string
	runner  *fakeRunner
	channel *recordingChannel
	remote  *RemoteCompileExecutor
	cache   *existence.Cache
}

func newRemoteFixture(t *testing.T, files map[string]string) *remoteFixture {
	t.Helper()

	dir := t.TempDir()
	for name, content := range files {
		path := filepath.Join(dir, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	}

	cache := existence.New(existence.NewMemoryStore(), existence.Options{})
	runner := &fakeRunner{}
	channel := &recordingChannel{}
	local := NewLocalExecutor(runner, NewCorePool(2, nil), nil)

	remote := NewRemoteCompileExecutor(local, RemoteCompileOptions{
		Resolver: deps.NewResolver(cache, deps.Options{}),
		Checker:  cache,
		Engine:   pch.NewEngine(pch.Options{}),
		Channel:  channel,
	})

	return &remoteFixture{dir: dir, runner: runner, channel: channel, remote: remote, cache: cache}
}

func (f *remoteFixture) path(name string) string {
	return filepath.Join(f.dir, filepath.FromSlash(name))
}

func (f *remoteFixture) request(args ...string) Request {
	return Request{
		Task:        Task{ID: "remote-1", Epoch: 1, WorkingDir: f.dir},
		Environment: []string{"INCLUDE=" + f.path("sys")},
		Tool:        "cl.exe",
		Args:        args,
	}
}

func TestRemoteCompileExecutor_Score(t *testing.T) {
	f := newRemoteFixture(t, nil)

	assert.Equal(t, RemoteScore, f.remote.Score(f.request("/c", "main.cpp")))
	assert.Equal(t, RemoteScore, f.remote.Score(f.request("/c", "/Yustdafx.h", "main.cpp")))
	assert.Equal(t, -1, f.remote.Score(f.request("/c", "a.cpp", "b.cpp")), "multiple sources")
	assert.Equal(t, -1, f.remote.Score(f.request("main.cpp")), "compile and link")
	assert.Equal(t, -1, f.remote.Score(f.request("/c", "/Ycstdafx.h", "stdafx.cpp")), "pch creation")

	link := f.request("/c", "main.cpp")
	link.Tool = "link.exe"
	assert.Equal(t, -1, f.remote.Score(link))

	noChannel := NewRemoteCompileExecutor(NewLocalExecutor(f.runner, NewCorePool(1, nil), nil), RemoteCompileOptions{})
	assert.Equal(t, -1, noChannel.Score(f.request("/c", "main.cpp")))
}

func TestRemoteCompileExecutor_SubmitsClosure(t *testing.T) {
	f := newRemoteFixture(t, map[string]string{
		"main.cpp":        "#include \"local.h\"\n#include <sys/types.h>\n#ifdef _M_IX86\n#include \"x86only.h\"\n#endif\n",
		"local.h":         "#include \"util/helper.h\"\n",
		"util/helper.h":   "",
		"x86only.h":       "",
		"sys/sys/types.h": "",
	})
	f.channel.code = 0

	code, err := f.remote.Execute(context.Background(), nil, f.request("/c", "main.cpp"), nil, Output{})
	require.NoError(t, err)
	assert.Equal(t, 0, code)
	assert.Equal(t, 0, f.runner.calls(), "nothing ran locally")

	require.Len(t, f.channel.subs, 1)
	sub := f.channel.subs[0]
	assert.Equal(t, f.path("main.cpp"), sub.Source)
	assert.Nil(t, sub.Pch)

	want := []string{f.path("local.h"), f.path("sys/sys/types.h"), f.path("util/helper.h")}
	assert.Empty(t, cmp.Diff(want, sub.Dependencies))
}

func TestRemoteCompileExecutor_SubtractsPchClosure(t *testing.T) {
	f := newRemoteFixture(t, map[string]string{
		"main.cpp":     "#include \"stdafx.h\"\n#include \"widget.h\"\n",
		"stdafx.h":     "#include <vector.h>\n#include \"common.h\"\n",
		"common.h":     "",
		"widget.h":     "#include \"common.h\"\n#include \"detail.h\"\n",
		"detail.h":     "",
		"sys/vector.h": "",
	})

	// Build a portable PCH for the fixture layout
	engine := pch.NewEngine(pch.Options{})
	pchFile := f.path("app.pch")
	require.NoError(t, os.WriteFile(pchFile, fakePch(f.dir), 0o644))
	state, err := engine.ConvertToPortable(context.Background(), pchFile, f.dir)
	require.NoError(t, err)
	require.Equal(t, pch.StatePortable, state)

	_, err = f.remote.Execute(context.Background(), nil, f.request("/c", "/Yustdafx.h", "/Fp"+pchFile, "main.cpp"), nil, Output{})
	require.NoError(t, err)

	require.Len(t, f.channel.subs, 1)
	sub := f.channel.subs[0]
	require.NotNil(t, sub.Pch)
	assert.Equal(t, pchFile, sub.Pch.Path)
	assert.Equal(t, f.path("stdafx.h"), sub.Pch.Header)
	assert.Len(t, sub.Pch.Locations.Offsets, 2)

	assert.Empty(t, cmp.Diff([]string{f.path("detail.h"), f.path("widget.h")}, sub.Dependencies))
}

func TestRemoteCompileExecutor_NonPortablePchRunsLocally(t *testing.T) {
	f := newRemoteFixture(t, map[string]string{
		"main.cpp": "#include \"stdafx.h\"\n",
		"stdafx.h": "",
	})
	pchFile := f.path("app.pch")
	require.NoError(t, os.WriteFile(pchFile, fakePch("/elsewhere"), 0o644))

	_, err := f.remote.Execute(context.Background(), nil, f.request("/c", "/Yustdafx.h", "/Fp"+pchFile, "main.cpp"), nil, Output{})
	require.NoError(t, err)

	assert.Empty(t, f.channel.subs)
	assert.Equal(t, 1, f.runner.calls())
}

func TestRemoteCompileExecutor_SidecarLocations(t *testing.T) {
	f := newRemoteFixture(t, map[string]string{
		"main.cpp": "#include \"stdafx.h\"\n",
		"stdafx.h": "",
	})
	pchFile := f.path("app.pch")
	require.NoError(t, os.WriteFile(pchFile, fakePch(f.dir), 0o644))
	require.NoError(t, pch.NewEngine(pch.Options{}).WriteSidecar(pchFile, pch.Locations{PrefixLength: len(f.dir), Offsets: []int64{7}}))

	_, err := f.remote.Execute(context.Background(), nil, f.request("/c", "/Yustdafx.h", "/Fp"+pchFile, "main.cpp"), nil, Output{})
	require.NoError(t, err)

	require.Len(t, f.channel.subs, 1)
	assert.Equal(t, []int64{7}, f.channel.subs[0].Pch.Locations.Offsets)
	assert.Empty(t, f.channel.subs[0].Dependencies)
}

func TestRemoteCompileExecutor_FallsBackLocally(t *testing.T) {
	t.Run("submit error", func(t *testing.T) {
		f := newRemoteFixture(t, map[string]string{"main.cpp": ""})
		f.channel.err = errors.New("no workers")
		f.runner.code = 0

		code, err := f.remote.Execute(context.Background(), nil, f.request("/c", "main.cpp"), nil, Output{})
		require.NoError(t, err)
		assert.Equal(t, 0, code)
		assert.Len(t, f.channel.subs, 1)
		assert.Equal(t, 1, f.runner.calls())
	})

	t.Run("unreadable source", func(t *testing.T) {
		f := newRemoteFixture(t, nil)
		f.runner.code = 2

		code, err := f.remote.Execute(context.Background(), nil, f.request("/c", "missing.cpp"), nil, Output{})
		require.NoError(t, err)
		assert.Equal(t, 2, code, "local compiler reports the missing file")
		assert.Empty(t, f.channel.subs)
		assert.Equal(t, 1, f.runner.calls())
	})
}

func TestRemoteCompileExecutor_Cancelled(t *testing.T) {
	f := newRemoteFixture(t, map[string]string{"main.cpp": ""})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.remote.Execute(ctx, nil, f.request("/c", "main.cpp"), nil, Output{})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, f.runner.calls())
}

func TestLoopbackChannel(t *testing.T) {
	f := newRemoteFixture(t, map[string]string{"main.cpp": "", "a.h": ""})
	runner := &fakeRunner{code: 0}
	loop := NewLoopbackChannel(runner, f.cache)

	sub := Submission{
		Task:         Task{Epoch: 1, WorkingDir: f.dir},
		Tool:         "cl.exe",
		Args:         []string{"/c", "main.cpp"},
		Source:       f.path("main.cpp"),
		Dependencies: []string{f.path("a.h")},
	}

	code, err := loop.Submit(context.Background(), sub, Output{})
	require.NoError(t, err)
	assert.Equal(t, 0, code)
	assert.Equal(t, 1, runner.calls())

	sub.Dependencies = append(sub.Dependencies, f.path("gone.h"))
	_, err = loop.Submit(context.Background(), sub, Output{})
	assert.Error(t, err)
	assert.Equal(t, 1, runner.calls())
}
