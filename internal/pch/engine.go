// Package pch makes precompiled headers relocatable between machines whose
// build trees live at different absolute paths.
//
// The compiler bakes absolute paths into a PCH. ConvertToPortable finds every
// occurrence of the build-layout path and appends a trailer recording their
// offsets:
//
//	[native PCH bytes][locations record][record length, uint32 BE][footer]
//
// The native bytes are left untouched, so the file stays usable in place.
// ConvertFromPortable writes a new layout path of the same byte length at every
// recorded offset and truncates the trailer away. The footer as the final
// bytes of the file is the only signal that a file is portable.
package pch

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"github.com/samber/lo"
	"github.com/spf13/afero"

	"github.com/Norgate-AV/buildaccel/internal/logging"
	"github.com/Norgate-AV/buildaccel/internal/metrics"
)

var (
	// ErrLengthMismatch is returned when the restore path differs in byte length from the recorded one
	ErrLengthMismatch = errors.New("portable pch path length mismatch")

	// ErrCorruptTrailer is returned when a portable trailer cannot be decoded
	ErrCorruptTrailer = errors.New("corrupt portable pch trailer")

	// ErrAlreadyPortable is returned when scanning a file that already carries a trailer
	ErrAlreadyPortable = errors.New("pch is already portable")
)

var (
	// DefaultMagic is the leading signature of MSVC precompiled headers
	DefaultMagic = []byte("VCPCH0")

	// Footer terminates every portable PCH
	Footer = []byte("PORTABLE-PCH-V1\x00")
)

const (
	DefaultBufferSize = 1 << 20
	lengthFieldSize   = 4
)

// State is where a file sits in the Native -> Portable -> Native cycle
type State int

const (
	StateNotApplicable State = iota
	StateNative
	StatePortable
)

func (s State) String() string {
	switch s {
	case StateNative:
		return "native"
	case StatePortable:
		return "portable"
	default:
		return "not_applicable"
	}
}

// Options configures an Engine
type Options struct {
	Fs afero.Fs

	// Magic overrides DefaultMagic
	Magic []byte

	// BufferSize is the scan read size (DefaultBufferSize when zero)
	BufferSize int

	Logger   *slog.Logger
	Recorder metrics.Recorder
}

// Engine converts PCH files between native and portable form. It holds no
// per-file state and is safe for concurrent use on distinct files.
type Engine struct {
	fs       afero.Fs
	magic    []byte
	bufSize  int
	logger   *slog.Logger
	recorder metrics.Recorder
}

func NewEngine(opts Options) *Engine {
	fs := opts.Fs
	if fs == nil {
		fs = afero.NewOsFs()
	}

	magic := opts.Magic
	if len(magic) == 0 {
		magic = DefaultMagic
	}

	bufSize := opts.BufferSize
	if bufSize <= 0 {
		bufSize = DefaultBufferSize
	}

	return &Engine{
		fs:       fs,
		magic:    magic,
		bufSize:  bufSize,
		logger:   logging.Component(opts.Logger, "pch"),
		recorder: metrics.OrNoop(opts.Recorder),
	}
}

// Inspect reports the state of pchPath without modifying it
func (e *Engine) Inspect(pchPath string) (State, error) {
	f, err := e.fs.Open(pchPath)
	if err != nil {
		return StateNotApplicable, err
	}
	defer f.Close()

	return e.state(f)
}

func (e *Engine) state(f afero.File) (State, error) {
	size, err := fileSize(f)
	if err != nil {
		return StateNotApplicable, err
	}

	ok, err := e.hasMagic(f, size)
	if err != nil || !ok {
		return StateNotApplicable, err
	}

	portable, err := e.hasFooter(f, size)
	if err != nil {
		return StateNotApplicable, err
	}

	if portable {
		return StatePortable, nil
	}

	return StateNative, nil
}

// ScanForReplacementLocations finds every occurrence of layoutPath, in
// all-lowercase, all-uppercase or verbatim form, in a native PCH
func (e *Engine) ScanForReplacementLocations(ctx context.Context, pchPath, layoutPath string) (Locations, error) {
	f, err := e.fs.Open(pchPath)
	if err != nil {
		return Locations{}, fmt.Errorf("failed to open pch: %w", err)
	}
	defer f.Close()

	size, err := fileSize(f)
	if err != nil {
		return Locations{}, err
	}

	portable, err := e.hasFooter(f, size)
	if err != nil {
		return Locations{}, err
	}

	if portable {
		return Locations{}, fmt.Errorf("%w: %s", ErrAlreadyPortable, pchPath)
	}

	return e.scan(ctx, f, size, layoutPath)
}

func (e *Engine) scan(ctx context.Context, f afero.File, size int64, layoutPath string) (Locations, error) {
	if layoutPath == "" {
		return Locations{}, errors.New("build layout path is empty")
	}

	// The compiler records paths lower- or upper-cased; the form as given is
	// tried as well for paths that were embedded verbatim
	forms := lo.UniqBy([][]byte{
		asciiLower([]byte(layoutPath)),
		asciiUpper([]byte(layoutPath)),
		[]byte(layoutPath),
	}, func(b []byte) string { return string(b) })

	matchers := lo.Map(forms, func(b []byte, _ int) *matcher { return newMatcher(b) })

	var offsets []int64
	record := func(start int64) { offsets = append(offsets, start) }

	buf := make([]byte, e.bufSize)
	for pos := int64(0); pos < size; {
		if err := ctx.Err(); err != nil {
			return Locations{}, err
		}

		n, err := f.ReadAt(buf[:min(int64(len(buf)), size-pos)], pos)
		if n > 0 {
			for _, m := range matchers {
				m.feed(buf[:n], pos, record)
			}
			pos += int64(n)
		}

		if err != nil && !errors.Is(err, io.EOF) {
			return Locations{}, fmt.Errorf("failed to read pch: %w", err)
		}

		if n == 0 {
			break
		}
	}

	slices.Sort(offsets)

	return Locations{PrefixLength: len(layoutPath), Offsets: offsets}, nil
}

// ConvertToPortable appends a locations trailer to a native PCH. Files that
// are not PCHs, are already portable, or contain no occurrence of layoutPath
// are left as they are.
func (e *Engine) ConvertToPortable(ctx context.Context, pchPath, layoutPath string) (State, error) {
	state, err := e.convertToPortable(ctx, pchPath, layoutPath)
	if err == nil {
		e.recorder.IncPchConversion("to_portable", state.String())
	}

	return state, err
}

func (e *Engine) convertToPortable(ctx context.Context, pchPath, layoutPath string) (State, error) {
	f, err := e.fs.OpenFile(pchPath, os.O_RDWR, 0)
	if err != nil {
		return StateNotApplicable, fmt.Errorf("failed to open pch: %w", err)
	}
	defer f.Close()

	state, err := e.state(f)
	if err != nil || state != StateNative {
		if state == StateNotApplicable && err == nil {
			e.logger.Debug("not a precompiled header", logging.KeyPath, pchPath)
		}
		return state, err
	}

	size, err := fileSize(f)
	if err != nil {
		return StateNotApplicable, err
	}

	locs, err := e.scan(ctx, f, size, layoutPath)
	if err != nil {
		return StateNative, err
	}

	if len(locs.Offsets) == 0 {
		e.logger.Debug("no build layout path found in pch", logging.KeyPath, pchPath)
		return StateNative, nil
	}

	record, err := locs.MarshalBinary()
	if err != nil {
		return StateNative, err
	}

	trailer := make([]byte, 0, len(record)+lengthFieldSize+len(Footer))
	trailer = append(trailer, record...)
	trailer = binary.BigEndian.AppendUint32(trailer, uint32(len(record)))
	trailer = append(trailer, Footer...)

	if err := ctx.Err(); err != nil {
		return StateNative, err
	}

	if _, err := f.WriteAt(trailer, size); err != nil {
		// Drop whatever part of the trailer landed so the file stays native
		_ = f.Truncate(size)
		return StateNative, fmt.Errorf("failed to write pch trailer: %w", err)
	}

	if err := f.Sync(); err != nil {
		return StatePortable, fmt.Errorf("failed to sync pch: %w", err)
	}

	e.logger.Debug("pch made portable", logging.KeyPath, pchPath, "occurrences", len(locs.Offsets))

	return StatePortable, nil
}

// ConvertFromPortable writes layoutPath at every recorded offset and removes
// the trailer. layoutPath must have the same byte length as the path the
// trailer was recorded against; otherwise ErrLengthMismatch is returned and the
// file is not modified.
func (e *Engine) ConvertFromPortable(ctx context.Context, pchPath, layoutPath string) (State, error) {
	state, err := e.convertFromPortable(ctx, pchPath, layoutPath)
	if err == nil {
		e.recorder.IncPchConversion("from_portable", state.String())
	}

	return state, err
}

func (e *Engine) convertFromPortable(ctx context.Context, pchPath, layoutPath string) (State, error) {
	f, err := e.fs.OpenFile(pchPath, os.O_RDWR, 0)
	if err != nil {
		return StateNotApplicable, fmt.Errorf("failed to open pch: %w", err)
	}
	defer f.Close()

	state, err := e.state(f)
	if err != nil || state != StatePortable {
		return state, err
	}

	locs, payloadSize, err := e.readTrailer(f)
	if err != nil {
		return StatePortable, fmt.Errorf("%s: %w", pchPath, err)
	}

	if err := e.patch(ctx, f, payloadSize, locs, layoutPath); err != nil {
		return StatePortable, fmt.Errorf("%s: %w", pchPath, err)
	}

	if err := f.Truncate(payloadSize); err != nil {
		return StatePortable, fmt.Errorf("failed to truncate pch trailer: %w", err)
	}

	if err := f.Sync(); err != nil {
		return StateNative, fmt.Errorf("failed to sync pch: %w", err)
	}

	return StateNative, nil
}

// ReadLocations returns the locations recorded in a portable PCH's trailer.
// The boolean is false when the file is not portable.
func (e *Engine) ReadLocations(pchPath string) (Locations, bool, error) {
	f, err := e.fs.Open(pchPath)
	if err != nil {
		return Locations{}, false, fmt.Errorf("failed to open pch: %w", err)
	}
	defer f.Close()

	state, err := e.state(f)
	if err != nil || state != StatePortable {
		return Locations{}, false, err
	}

	locs, _, err := e.readTrailer(f)
	if err != nil {
		return Locations{}, false, err
	}

	return locs, true, nil
}

// Relocate patches a native PCH using locations shipped as a sidecar
func (e *Engine) Relocate(ctx context.Context, pchPath string, locs Locations, layoutPath string) error {
	f, err := e.fs.OpenFile(pchPath, os.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("failed to open pch: %w", err)
	}
	defer f.Close()

	size, err := fileSize(f)
	if err != nil {
		return err
	}

	if err := e.patch(ctx, f, size, locs, layoutPath); err != nil {
		return fmt.Errorf("%s: %w", pchPath, err)
	}

	return f.Sync()
}

// readTrailer decodes the trailer of a file known to end with Footer and
// returns the locations and the size of the native payload before it
func (e *Engine) readTrailer(f afero.File) (Locations, int64, error) {
	size, err := fileSize(f)
	if err != nil {
		return Locations{}, 0, err
	}

	lengthAt := size - int64(len(Footer)) - lengthFieldSize
	if lengthAt < int64(len(e.magic)) {
		return Locations{}, 0, fmt.Errorf("%w: file too short", ErrCorruptTrailer)
	}

	var lenBuf [lengthFieldSize]byte
	if _, err := f.ReadAt(lenBuf[:], lengthAt); err != nil {
		return Locations{}, 0, fmt.Errorf("failed to read trailer length: %w", err)
	}

	recordLen := int64(binary.BigEndian.Uint32(lenBuf[:]))
	payloadSize := lengthAt - recordLen
	if payloadSize < int64(len(e.magic)) {
		return Locations{}, 0, fmt.Errorf("%w: record length %d exceeds file", ErrCorruptTrailer, recordLen)
	}

	record := make([]byte, recordLen)
	if _, err := f.ReadAt(record, payloadSize); err != nil {
		return Locations{}, 0, fmt.Errorf("failed to read trailer record: %w", err)
	}

	var locs Locations
	if err := locs.UnmarshalBinary(record); err != nil {
		return Locations{}, 0, err
	}

	return locs, payloadSize, nil
}

// patch writes layoutPath at each offset, keeping the letter case found there.
// Nothing is written unless every offset is valid.
func (e *Engine) patch(ctx context.Context, f afero.File, payloadSize int64, locs Locations, layoutPath string) error {
	if len(layoutPath) != locs.PrefixLength {
		return fmt.Errorf("%w: recorded %d bytes, got %d", ErrLengthMismatch, locs.PrefixLength, len(layoutPath))
	}

	for _, off := range locs.Offsets {
		if off < 0 || off+int64(locs.PrefixLength) > payloadSize {
			return fmt.Errorf("%w: offset %d outside payload", ErrCorruptTrailer, off)
		}
	}

	path := []byte(layoutPath)
	lower := asciiLower(path)
	upper := asciiUpper(path)
	current := make([]byte, len(path))

	for _, off := range locs.Offsets {
		if err := ctx.Err(); err != nil {
			return err
		}

		if _, err := f.ReadAt(current, off); err != nil {
			return fmt.Errorf("failed to read pch at %d: %w", off, err)
		}

		replacement := path
		switch {
		case bytes.Equal(current, asciiLower(current)) && !bytes.Equal(current, asciiUpper(current)):
			replacement = lower
		case bytes.Equal(current, asciiUpper(current)) && !bytes.Equal(current, asciiLower(current)):
			replacement = upper
		}

		if _, err := f.WriteAt(replacement, off); err != nil {
			return fmt.Errorf("failed to patch pch at %d: %w", off, err)
		}
	}

	return nil
}

func (e *Engine) hasMagic(f afero.File, size int64) (bool, error) {
	if size < int64(len(e.magic)) {
		return false, nil
	}

	head := make([]byte, len(e.magic))
	if _, err := f.ReadAt(head, 0); err != nil {
		return false, fmt.Errorf("failed to read pch header: %w", err)
	}

	return bytes.Equal(head, e.magic), nil
}

func (e *Engine) hasFooter(f afero.File, size int64) (bool, error) {
	if size < int64(len(e.magic)+lengthFieldSize+len(Footer)) {
		return false, nil
	}

	tail := make([]byte, len(Footer))
	if _, err := f.ReadAt(tail, size-int64(len(Footer))); err != nil {
		return false, fmt.Errorf("failed to read pch footer: %w", err)
	}

	return bytes.Equal(tail, Footer), nil
}

func fileSize(f afero.File) (int64, error) {
	info, err := f.Stat()
	if err != nil {
		return 0, fmt.Errorf("failed to stat pch: %w", err)
	}

	return info.Size(), nil
}
