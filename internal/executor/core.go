package executor

import (
	"context"
	"fmt"
	"sync"

	"github.com/marusama/semaphore/v2"

	"github.com/Norgate-AV/buildaccel/internal/metrics"
)

// CorePool bounds how many tasks execute at once. It is the only admission
// control in the system: a task holds a VirtualCore from before it starts
// work until it finishes, whatever the outcome.
type CorePool struct {
	sem      semaphore.Semaphore
	recorder metrics.Recorder
}

// NewCorePool creates a pool of capacity cores (at least one)
func NewCorePool(capacity int, recorder metrics.Recorder) *CorePool {
	if capacity < 1 {
		capacity = 1
	}

	return &CorePool{
		sem:      semaphore.New(capacity),
		recorder: metrics.OrNoop(recorder),
	}
}

// Acquire blocks until a core is free or ctx is done
func (p *CorePool) Acquire(ctx context.Context) (*VirtualCore, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("failed to acquire virtual core: %w", err)
	}

	if err := p.sem.Acquire(ctx, 1); err != nil {
		if ctx.Err() != nil {
			err = ctx.Err()
		}
		return nil, fmt.Errorf("failed to acquire virtual core: %w", err)
	}

	p.recorder.SetCoresInUse(p.sem.GetCount())

	return &VirtualCore{pool: p}, nil
}

// InUse returns the number of cores currently held
func (p *CorePool) InUse() int {
	return p.sem.GetCount()
}

// Capacity returns the pool size
func (p *CorePool) Capacity() int {
	return p.sem.GetLimit()
}

// VirtualCore is a permit to run one task. Release may be called any number
// of times; only the first returns the core to its pool.
type VirtualCore struct {
	pool *CorePool
	once sync.Once
}

func (c *VirtualCore) Release() {
	if c == nil {
		return
	}

	c.once.Do(func() {
		c.pool.sem.Release(1)
		c.pool.recorder.SetCoresInUse(c.pool.sem.GetCount())
	})
}
