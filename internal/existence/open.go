package existence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/afero"

	"github.com/Norgate-AV/buildaccel/internal/logging"
	"github.com/Norgate-AV/buildaccel/internal/metrics"
)

// Backend names accepted by Open
const (
	BackendMemory     = "memory"
	BackendPersistent = "persistent"
)

// Config selects and configures a backend for Open
type Config struct {
	Backend         string
	Dir             string
	Namespace       string
	CaseInsensitive bool

	// ReserveTimeout is how long Open waits for a namespace held by another
	// process before falling back to memory. Zero makes a single attempt,
	// which suits one-shot commands; long-lived processes can afford to wait.
	ReserveTimeout time.Duration

	// Reserver defaults to a DirReserver rooted at Dir
	Reserver Reserver

	Fs       afero.Fs
	Logger   *slog.Logger
	Recorder metrics.Recorder
}

// Open builds a Cache on the configured backend. If the persistent store's
// directory or database is held by another process the cache falls back to memory.
func Open(ctx context.Context, cfg Config) (*Cache, error) {
	opts := Options{
		Fs:              cfg.Fs,
		CaseInsensitive: cfg.CaseInsensitive,
		Logger:          cfg.Logger,
		Recorder:        cfg.Recorder,
	}

	switch cfg.Backend {
	case BackendMemory, "":
		return New(NewMemoryStore(), opts), nil
	case BackendPersistent:
	default:
		return nil, fmt.Errorf("unknown existence cache backend %q", cfg.Backend)
	}

	if cfg.Namespace == "" {
		cfg.Namespace = NamespaceFilesystem
	}

	reserver := cfg.Reserver
	if reserver == nil {
		reserver = &DirReserver{Root: cfg.Dir}
	}

	logger := logging.Component(cfg.Logger, "existence")

	rctx, cancel := context.WithTimeout(ctx, cfg.ReserveTimeout)
	defer cancel()

	res, err := reserver.Reserve(rctx, cfg.Namespace)
	if err != nil {
		if errors.Is(err, ErrReservationBusy) {
			logger.Warn("persistent existence cache busy, using memory", logging.Err(err))
			return New(NewMemoryStore(), opts), nil
		}

		return nil, err
	}

	store, err := OpenBoltStore(res.Dir(), BoltOptions{
		Namespace:   cfg.Namespace,
		LockTimeout: max(cfg.ReserveTimeout, minLockTimeout),
		Logger:      cfg.Logger,
		Recorder:    cfg.Recorder,
	})
	if err != nil {
		_ = res.Release()

		if errors.Is(err, ErrReservationBusy) {
			logger.Warn("persistent existence cache busy, using memory", logging.Err(err))
			return New(NewMemoryStore(), opts), nil
		}

		return nil, err
	}

	return New(&reservedStore{Store: store, res: res}, opts), nil
}

// reservedStore releases the directory reservation after the store closes
type reservedStore struct {
	Store
	res Reservation
}

func (s *reservedStore) Close() error {
	err := s.Store.Close()
	if rerr := s.res.Release(); err == nil {
		err = rerr
	}

	return err
}
