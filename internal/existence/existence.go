// Package existence memoises "does this file exist" probes across a build.
//
// Every answer is stamped with the build epoch it was probed in. An entry is
// authoritative for its own epoch and any earlier one; as soon as a caller asks
// about a newer epoch the path is probed again, whatever the cached answer was.
// Within one epoch a path is probed at most once, and concurrent callers asking
// about the same path share a single probe.
//
// Entries live in a Store: MemoryStore for short-lived processes, BoltStore for
// daemons that want the cache to survive restarts.
package existence

import (
	"errors"
	"log/slog"
	"strconv"
	"sync/atomic"

	"github.com/spf13/afero"
	"golang.org/x/sync/singleflight"

	"github.com/Norgate-AV/buildaccel/internal/logging"
	"github.com/Norgate-AV/buildaccel/internal/metrics"
	"github.com/Norgate-AV/buildaccel/internal/utils"
)

// NamespaceFilesystem is the store namespace used for filesystem existence entries
const NamespaceFilesystem = "fs-existence"

// ErrStoreCorrupt marks a persistent store that could not be opened and was recreated
var ErrStoreCorrupt = errors.New("existence store corrupt")

// Epoch identifies one build pass. All queries made by one build use the same epoch.
type Epoch int64

// Entry is a cached probe result
type Entry struct {
	Exists bool
	Epoch  Epoch
}

// Store persists entries by normalised path key. Implementations must be safe for concurrent use.
type Store interface {
	// Get returns the entry for key, if any
	Get(key string) (Entry, bool, error)

	// Put stores e unless key already holds an entry stamped with a newer epoch
	Put(key string, e Entry) error

	// Len returns the number of stored entries
	Len() (int, error)

	Close() error
}

// Checker is the read side of the cache, as consumed by the dependency resolver
type Checker interface {
	FileExists(path string, epoch Epoch) bool
}

// Options configures a Cache
type Options struct {
	// Fs is probed for existence (the OS filesystem when nil)
	Fs afero.Fs

	// CaseInsensitive folds keys so paths differing only in case share an entry
	CaseInsensitive bool

	Logger   *slog.Logger
	Recorder metrics.Recorder
}

// Stats reports cache activity since construction
type Stats struct {
	Entries int
	Hits    int64
	Probes  int64
}

// Cache is the epoch-gated existence memo
type Cache struct {
	store    Store
	fs       afero.Fs
	foldCase bool
	group    singleflight.Group
	logger   *slog.Logger
	recorder metrics.Recorder

	hits   atomic.Int64
	probes atomic.Int64
}

// New creates a cache over store
func New(store Store, opts Options) *Cache {
	fs := opts.Fs
	if fs == nil {
		fs = afero.NewOsFs()
	}

	return &Cache{
		store:    store,
		fs:       fs,
		foldCase: opts.CaseInsensitive,
		logger:   logging.Component(opts.Logger, "existence"),
		recorder: metrics.OrNoop(opts.Recorder),
	}
}

// FileExists reports whether path names an existing non-directory file as of epoch
func (c *Cache) FileExists(path string, epoch Epoch) bool {
	key := c.keyFor(path)

	if exists, ok := c.cached(key, epoch); ok {
		return exists
	}

	v, _, _ := c.group.Do(key+"@"+strconv.FormatInt(int64(epoch), 10), func() (any, error) {
		// A probe for this key may have completed between the lookup above and here
		if exists, ok := c.cached(key, epoch); ok {
			return exists, nil
		}

		exists := c.probe(path)
		c.probes.Add(1)
		c.recorder.IncExistenceLookup(metrics.LookupProbe)

		if err := c.store.Put(key, Entry{Exists: exists, Epoch: epoch}); err != nil {
			c.logger.Warn("failed to store existence entry", logging.KeyPath, key, logging.Err(err))
		}

		return exists, nil
	})

	return v.(bool)
}

// cached returns the stored answer when it is authoritative for epoch
func (c *Cache) cached(key string, epoch Epoch) (bool, bool) {
	e, ok, err := c.store.Get(key)
	if err != nil {
		c.logger.Warn("failed to read existence entry", logging.KeyPath, key, logging.Err(err))
		return false, false
	}

	if !ok || e.Epoch < epoch {
		return false, false
	}

	c.hits.Add(1)
	c.recorder.IncExistenceLookup(metrics.LookupHit)

	return e.Exists, true
}

func (c *Cache) probe(path string) bool {
	info, err := c.fs.Stat(path)
	if err != nil {
		return false
	}

	return !info.IsDir()
}

// Stats returns a snapshot of cache activity
func (c *Cache) Stats() Stats {
	n, err := c.store.Len()
	if err != nil {
		c.logger.Warn("failed to count existence entries", logging.Err(err))
	}

	return Stats{
		Entries: n,
		Hits:    c.hits.Load(),
		Probes:  c.probes.Load(),
	}
}

// Close closes the underlying store
func (c *Cache) Close() error {
	return c.store.Close()
}

func (c *Cache) keyFor(path string) string {
	return utils.NormalizePath(path, c.foldCase)
}
