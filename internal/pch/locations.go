package pch

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/natefinch/atomic"
	"github.com/spf13/afero"
)

// SidecarExt is appended to a PCH path to name its shipped locations file
const SidecarExt = ".locations"

// maxOffsets bounds decoding so a damaged length cannot trigger a huge allocation
const maxOffsets = 1 << 24

// Locations records where a build-layout path occurs inside a PCH.
//
// Encoded form: prefix length (uint32), offset count (uint32), then each offset
// (uint64), all big-endian.
type Locations struct {
	PrefixLength int
	Offsets      []int64
}

func (l Locations) MarshalBinary() ([]byte, error) {
	if l.PrefixLength < 0 || l.PrefixLength > 1<<31 {
		return nil, fmt.Errorf("invalid prefix length %d", l.PrefixLength)
	}

	buf := make([]byte, 8+8*len(l.Offsets))
	binary.BigEndian.PutUint32(buf[0:4], uint32(l.PrefixLength))
	binary.BigEndian.PutUint32(buf[4:8], uint32(len(l.Offsets)))

	for i, off := range l.Offsets {
		if off < 0 {
			return nil, fmt.Errorf("invalid offset %d", off)
		}
		binary.BigEndian.PutUint64(buf[8+8*i:], uint64(off))
	}

	return buf, nil
}

func (l *Locations) UnmarshalBinary(data []byte) error {
	if len(data) < 8 {
		return fmt.Errorf("%w: record too short", ErrCorruptTrailer)
	}

	prefix := binary.BigEndian.Uint32(data[0:4])
	count := binary.BigEndian.Uint32(data[4:8])
	if count > maxOffsets || len(data) != 8+8*int(count) {
		return fmt.Errorf("%w: record holds %d bytes for %d offsets", ErrCorruptTrailer, len(data), count)
	}

	offsets := make([]int64, count)
	for i := range offsets {
		off := binary.BigEndian.Uint64(data[8+8*i:])
		if off > 1<<62 {
			return fmt.Errorf("%w: offset out of range", ErrCorruptTrailer)
		}
		offsets[i] = int64(off)
	}

	l.PrefixLength = int(prefix)
	l.Offsets = offsets

	return nil
}

// SidecarPath returns the sidecar file name for pchPath
func SidecarPath(pchPath string) string {
	return pchPath + SidecarExt
}

// WriteSidecar writes locs next to the PCH for shipping separately. On the OS
// filesystem the file is replaced atomically.
func (e *Engine) WriteSidecar(pchPath string, locs Locations) error {
	data, err := locs.MarshalBinary()
	if err != nil {
		return err
	}

	path := SidecarPath(pchPath)

	if _, ok := e.fs.(*afero.OsFs); ok {
		err = atomic.WriteFile(path, bytes.NewReader(data))
	} else {
		err = afero.WriteFile(e.fs, path, data, 0o644)
	}
	if err != nil {
		return fmt.Errorf("failed to write locations sidecar: %w", err)
	}

	return nil
}

// ReadSidecar reads the locations shipped alongside pchPath
func (e *Engine) ReadSidecar(pchPath string) (Locations, error) {
	data, err := afero.ReadFile(e.fs, SidecarPath(pchPath))
	if err != nil {
		return Locations{}, fmt.Errorf("failed to read locations sidecar: %w", err)
	}

	var locs Locations
	if err := locs.UnmarshalBinary(data); err != nil {
		return Locations{}, err
	}

	return locs, nil
}
