//go:build unix

package existence

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDirReserver_Exclusive(t *testing.T) {
	r := &DirReserver{Root: t.TempDir(), RetryInterval: time.Millisecond}

	first, err := r.Reserve(context.Background(), NamespaceFilesystem)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(r.Root, NamespaceFilesystem), first.Dir())

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err = r.Reserve(ctx, NamespaceFilesystem)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrReservationBusy))

	require.NoError(t, first.Release())
	require.NoError(t, first.Release(), "release is idempotent")

	second, err := r.Reserve(context.Background(), NamespaceFilesystem)
	require.NoError(t, err)
	require.NoError(t, second.Release())
}

func TestOpen_HeldNamespaceFallsBackWithoutWaiting(t *testing.T) {
	dir := t.TempDir()

	holder, err := (&DirReserver{Root: dir}).Reserve(context.Background(), NamespaceFilesystem)
	require.NoError(t, err)
	defer holder.Release()

	start := time.Now()
	cache, err := Open(context.Background(), Config{Backend: BackendPersistent, Dir: dir})
	require.NoError(t, err)
	defer cache.Close()

	assert.IsType(t, &MemoryStore{}, cache.store)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}
