package pch

import (
	"path/filepath"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocations_Encoding(t *testing.T) {
	locs := Locations{PrefixLength: 20, Offsets: []int64{8, 70, 1 << 40}}

	data, err := locs.MarshalBinary()
	require.NoError(t, err)
	assert.Len(t, data, 8+8*3)
	assert.Equal(t, []byte{0, 0, 0, 20, 0, 0, 0, 3}, data[:8])

	var decoded Locations
	require.NoError(t, decoded.UnmarshalBinary(data))
	assert.Equal(t, locs, decoded)
}

func TestLocations_UnmarshalRejectsDamage(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{name: "short", data: []byte{0, 0, 0}},
		{name: "count overruns data", data: []byte{0, 0, 0, 4, 0, 0, 0, 2, 0, 0, 0, 0, 0, 0, 0, 1}},
		{name: "trailing bytes", data: []byte{0, 0, 0, 4, 0, 0, 0, 0, 9}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var locs Locations
			assert.ErrorIs(t, locs.UnmarshalBinary(tt.data), ErrCorruptTrailer)
		})
	}
}

func TestSidecar(t *testing.T) {
	engine := NewEngine(Options{})
	pchPath := filepath.Join(t.TempDir(), "stdafx.pch")
	locs := Locations{PrefixLength: 5, Offsets: []int64{1, 2, 3}}

	require.NoError(t, engine.WriteSidecar(pchPath, locs))
	assert.FileExists(t, pchPath+SidecarExt)

	got, err := engine.ReadSidecar(pchPath)
	require.NoError(t, err)
	assert.Equal(t, locs, got)

	_, err = engine.ReadSidecar(filepath.Join(t.TempDir(), "missing.pch"))
	assert.Error(t, err)
}

func TestSidecar_UsesEngineFilesystem(t *testing.T) {
	fs := afero.NewMemMapFs()
	engine := NewEngine(Options{Fs: fs})
	pchPath := "/build/out/stdafx.pch"
	locs := Locations{PrefixLength: 20, Offsets: []int64{64}}

	require.NoError(t, fs.MkdirAll("/build/out", 0o755))
	require.NoError(t, engine.WriteSidecar(pchPath, locs))

	exists, err := afero.Exists(fs, pchPath+SidecarExt)
	require.NoError(t, err)
	assert.True(t, exists)
	assert.NoFileExists(t, pchPath+SidecarExt)

	got, err := engine.ReadSidecar(pchPath)
	require.NoError(t, err)
	assert.Equal(t, locs, got)
}
