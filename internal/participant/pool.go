package participant

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"

	"pkt.systems/pslog"

	"pkt.systems/domainctl/internal/mgmt"
	"pkt.systems/domainctl/internal/svcfields"
)

// DefaultPoolSize bounds concurrently running tasks when no size is given.
const DefaultPoolSize = 64

// Pool runs tasks on a bounded number of goroutines. A task holds its slot
// from Run until it reaches a terminal state, including while it is parked
// waiting for the decision.
type Pool struct {
	size     int64
	sem      *semaphore.Weighted
	logger   pslog.Logger
	wg       sync.WaitGroup
	inFlight atomic.Int64
}

// NewPool returns a pool with size slots.
func NewPool(size int, logger pslog.Logger) *Pool {
	if size <= 0 {
		size = DefaultPoolSize
	}
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	return &Pool{
		size:   int64(size),
		sem:    semaphore.NewWeighted(int64(size)),
		logger: svcfields.WithSubsystem(logger, "participant.pool"),
	}
}

// Size returns the number of slots.
func (p *Pool) Size() int { return int(p.size) }

// InFlight returns the number of tasks holding a slot.
func (p *Pool) InFlight() int { return int(p.inFlight.Load()) }

// Submit waits for a free slot and starts t. When ctx ends first the task is
// failed as unresponsive without ever contacting the participant, and the
// context error is returned. The task runs detached from ctx cancellation;
// use Task.Cancel to interrupt it.
func (p *Pool) Submit(ctx context.Context, t *Task) error {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		t.reject(mgmt.FailureUnresponsive, fmt.Errorf("no worker available: %w", err))
		p.logger.Warn("participant.pool.saturated", "participant", t.ID().String(), "size", p.size, "error", err)
		return err
	}
	p.wg.Add(1)
	p.inFlight.Add(1)
	runCtx := context.WithoutCancel(ctx)
	go func() {
		defer func() {
			p.inFlight.Add(-1)
			p.sem.Release(1)
			p.wg.Done()
		}()
		defer func() {
			if r := recover(); r != nil {
				err := fmt.Errorf("participant task panic: %v", r)
				p.logger.Error("participant.pool.panic", "participant", t.ID().String(), "error", err)
				t.abort(err)
			}
		}()
		t.Run(runCtx)
	}()
	return nil
}

// Wait blocks until every submitted task finished or ctx ends.
func (p *Pool) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return errors.Join(errors.New("participant pool: tasks still running"), ctx.Err())
	}
}
