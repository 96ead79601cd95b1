package existence

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.etcd.io/bbolt"
	berrors "go.etcd.io/bbolt/errors"

	"github.com/Norgate-AV/buildaccel/internal/logging"
	"github.com/Norgate-AV/buildaccel/internal/metrics"
)

const (
	// storeFileName is the BoltDB file inside a reserved namespace directory
	storeFileName = "existence.db"

	// entrySize is one flag byte followed by a big-endian epoch
	entrySize = 9

	// DefaultFlushInterval is how often buffered entries are committed
	DefaultFlushInterval = time.Second

	// DefaultLockTimeout bounds the wait for BoltDB's own file lock
	DefaultLockTimeout = time.Second

	// bbolt gives up before its first attempt when the timeout is under its 50ms retry step
	minLockTimeout = 100 * time.Millisecond
)

// BoltStore persists entries in BoltDB, one bucket per namespace.
//
// Writes land in an in-memory overlay and are committed in a single
// transaction every flush interval and on Close, so a probe never waits on
// the disk. The store is a throwaway cache: if the database cannot be opened
// it is deleted and recreated empty rather than failing the build.
type BoltStore struct {
	db     *bbolt.DB
	bucket []byte
	path   string
	logger *slog.Logger

	mu       sync.Mutex
	pending  map[string]Entry
	flushing map[string]Entry
	flushMu  sync.Mutex

	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// BoltOptions configures OpenBoltStore
type BoltOptions struct {
	// Namespace names the bucket (NamespaceFilesystem when empty)
	Namespace string

	// FlushInterval defaults to DefaultFlushInterval. A negative value
	// commits only on Flush and Close.
	FlushInterval time.Duration

	// LockTimeout defaults to DefaultLockTimeout
	LockTimeout time.Duration

	Logger   *slog.Logger
	Recorder metrics.Recorder
}

// OpenBoltStore opens or creates the store in dir, recreating it if it is corrupt.
// A database held by another process yields ErrReservationBusy.
func OpenBoltStore(dir string, opts BoltOptions) (*BoltStore, error) {
	if opts.Namespace == "" {
		opts.Namespace = NamespaceFilesystem
	}

	if opts.FlushInterval == 0 {
		opts.FlushInterval = DefaultFlushInterval
	}

	if opts.LockTimeout == 0 {
		opts.LockTimeout = DefaultLockTimeout
	}
	opts.LockTimeout = max(opts.LockTimeout, minLockTimeout)

	logger := logging.Component(opts.Logger, "existence")
	recorder := metrics.OrNoop(opts.Recorder)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create existence store directory: %w", err)
	}

	path := filepath.Join(dir, storeFileName)
	bucket := []byte(opts.Namespace)

	db, err := openBolt(path, bucket, opts.LockTimeout)
	if err != nil {
		if errors.Is(err, berrors.ErrTimeout) {
			return nil, fmt.Errorf("%w: existence store %s is locked: %w", ErrReservationBusy, path, err)
		}

		logger.Warn("discarding existence store",
			logging.KeyPath, path,
			logging.Err(fmt.Errorf("%w: %w", ErrStoreCorrupt, err)))
		recorder.IncStoreRecovery(opts.Namespace)

		if rmErr := os.Remove(path); rmErr != nil && !os.IsNotExist(rmErr) {
			return nil, fmt.Errorf("failed to remove corrupt existence store: %w", rmErr)
		}

		db, err = openBolt(path, bucket, opts.LockTimeout)
		if err != nil {
			return nil, fmt.Errorf("failed to recreate existence store: %w", err)
		}
	}

	s := &BoltStore{
		db:      db,
		bucket:  bucket,
		path:    path,
		logger:  logger,
		pending: make(map[string]Entry),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}

	if opts.FlushInterval > 0 {
		go s.flushLoop(opts.FlushInterval)
	} else {
		close(s.done)
	}

	return s, nil
}

// openBolt opens the database and ensures the bucket exists. Panics raised
// while reading a damaged file are reported as errors.
func openBolt(path string, bucket []byte, lockTimeout time.Duration) (db *bbolt.DB, err error) {
	defer func() {
		if r := recover(); r != nil {
			if db != nil {
				_ = db.Close()
			}
			db = nil
			err = fmt.Errorf("panic opening store: %v", r)
		}
	}()

	db, err = bbolt.Open(path, 0o600, &bbolt.Options{
		Timeout:        lockTimeout,
		NoFreelistSync: true,
	})
	if err != nil {
		return nil, err
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create bucket: %w", err)
	}

	return db, nil
}

// Path returns the database file location
func (s *BoltStore) Path() string {
	return s.path
}

// Get returns the newest of the buffered and committed entries for key
func (s *BoltStore) Get(key string) (Entry, bool, error) {
	s.mu.Lock()
	buffered, inMemory := s.pending[key]
	if !inMemory {
		buffered, inMemory = s.flushing[key]
	}
	s.mu.Unlock()

	var (
		entry Entry
		found bool
	)

	err := s.db.View(func(tx *bbolt.Tx) error {
		entry, found = decodeEntry(tx.Bucket(s.bucket).Get([]byte(key)))
		return nil
	})
	if err != nil {
		return Entry{}, false, err
	}

	if inMemory && (!found || buffered.Epoch >= entry.Epoch) {
		return buffered, true, nil
	}

	return entry, found, nil
}

// Put buffers e. The epoch check against committed entries happens at flush time.
func (s *BoltStore) Put(key string, e Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if old, ok := s.pending[key]; ok && old.Epoch > e.Epoch {
		return nil
	}

	s.pending[key] = e

	return nil
}

// Flush commits buffered entries in one transaction
func (s *BoltStore) Flush() error {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	s.mu.Lock()
	if len(s.pending) == 0 {
		s.mu.Unlock()
		return nil
	}
	batch := s.pending
	s.flushing = batch
	s.pending = make(map[string]Entry)
	s.mu.Unlock()

	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(s.bucket)

		for key, e := range batch {
			if old, ok := decodeEntry(b.Get([]byte(key))); ok && old.Epoch > e.Epoch {
				continue
			}

			if err := b.Put([]byte(key), encodeEntry(e)); err != nil {
				return err
			}
		}

		return nil
	})

	s.mu.Lock()
	defer s.mu.Unlock()

	s.flushing = nil

	if err != nil {
		// Keep the batch for the next attempt unless newer entries replaced it
		for key, e := range batch {
			if old, ok := s.pending[key]; !ok || old.Epoch < e.Epoch {
				s.pending[key] = e
			}
		}

		return fmt.Errorf("failed to commit existence entries: %w", err)
	}

	return nil
}

func (s *BoltStore) flushLoop(interval time.Duration) {
	defer close(s.done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			if err := s.Flush(); err != nil {
				s.logger.Warn("failed to flush existence store", logging.KeyPath, s.path, logging.Err(err))
			}
		}
	}
}

// Len counts committed entries plus buffered ones not yet committed
func (s *BoltStore) Len() (int, error) {
	s.mu.Lock()
	buffered := make([]string, 0, len(s.pending)+len(s.flushing))
	for key := range s.pending {
		buffered = append(buffered, key)
	}
	for key := range s.flushing {
		if _, ok := s.pending[key]; !ok {
			buffered = append(buffered, key)
		}
	}
	s.mu.Unlock()

	var n int

	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(s.bucket)
		n = b.Stats().KeyN

		for _, key := range buffered {
			if b.Get([]byte(key)) == nil {
				n++
			}
		}

		return nil
	})

	return n, err
}

// Close commits buffered entries and closes the database
func (s *BoltStore) Close() error {
	s.closeOnce.Do(func() {
		close(s.stop)
		<-s.done

		s.closeErr = s.Flush()

		if err := s.db.Close(); s.closeErr == nil {
			s.closeErr = err
		}
	})

	return s.closeErr
}

func encodeEntry(e Entry) []byte {
	buf := make([]byte, entrySize)
	if e.Exists {
		buf[0] = 1
	}
	binary.BigEndian.PutUint64(buf[1:], uint64(e.Epoch))
	return buf
}

// decodeEntry treats malformed values as missing so they get overwritten
func decodeEntry(data []byte) (Entry, bool) {
	if len(data) != entrySize || data[0] > 1 {
		return Entry{}, false
	}

	return Entry{
		Exists: data[0] == 1,
		Epoch:  Epoch(binary.BigEndian.Uint64(data[1:])),
	}, true
}
