package existence

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// ErrReservationBusy is returned when another process holds the namespace directory
var ErrReservationBusy = errors.New("cache directory reserved by another process")

const lockFileName = ".lock"

// Reservation is an exclusive claim on a namespace directory. Release it when done.
type Reservation interface {
	Dir() string
	Release() error
}

// Reserver hands out exclusive, path-scoped directories for persistent stores
type Reserver interface {
	Reserve(ctx context.Context, namespace string) (Reservation, error)
}

// DirReserver reserves Root/<namespace> by holding an exclusive lock on a lock
// file inside it. The lock is advisory and only binds cooperating processes.
type DirReserver struct {
	Root string

	// RetryInterval is the wait between lock attempts (10ms when zero)
	RetryInterval time.Duration
}

// Reserve blocks until the namespace directory is locked or ctx is done
func (r *DirReserver) Reserve(ctx context.Context, namespace string) (Reservation, error) {
	dir := filepath.Join(r.Root, namespace)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create reservation directory: %w", err)
	}

	file, err := os.OpenFile(filepath.Join(dir, lockFileName), os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file: %w", err)
	}

	interval := r.RetryInterval
	if interval <= 0 {
		interval = 10 * time.Millisecond
	}

	for {
		if err := tryLock(file); err == nil {
			return &dirReservation{dir: dir, file: file}, nil
		}

		select {
		case <-ctx.Done():
			_ = file.Close()
			return nil, fmt.Errorf("%w: %s: %w", ErrReservationBusy, dir, ctx.Err())
		case <-time.After(interval):
		}
	}
}

type dirReservation struct {
	once sync.Once
	dir  string
	file *os.File
}

func (d *dirReservation) Dir() string {
	return d.dir
}

// Release is idempotent
func (d *dirReservation) Release() error {
	var err error

	d.once.Do(func() {
		unlock(d.file)
		err = d.file.Close()
	})

	return err
}
