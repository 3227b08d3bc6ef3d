// Package controller holds one participant's management model and applies
// operations to it transactionally.
package controller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"pkt.systems/pslog"

	"pkt.systems/domainctl/internal/mgmt"
	"pkt.systems/domainctl/internal/svcfields"
)

// ErrTxFinished is returned when a transaction is committed or rolled back
// twice.
var ErrTxFinished = errors.New("controller: transaction already finished")

// Config configures a Controller.
type Config struct {
	// Name identifies the controller in logs (host or server name).
	Name     string
	Model    *Resource
	Registry *Registry
	Logger   pslog.Logger
}

// Controller owns a management model. Writes are serialized: a prepared
// transaction holds the write lock until it commits or rolls back. Reads see
// the last committed model.
type Controller struct {
	name     string
	registry *Registry
	logger   pslog.Logger
	lock     chan struct{}
	model    atomic.Pointer[Resource]
}

// New constructs a Controller.
func New(cfg Config) (*Controller, error) {
	if cfg.Name == "" {
		return nil, errors.New("controller: name required")
	}
	registry := cfg.Registry
	if registry == nil {
		registry = DefaultRegistry()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	c := &Controller{
		name:     cfg.Name,
		registry: registry,
		logger:   svcfields.WithSubsystem(logger, "controller").With("controller", cfg.Name),
		lock:     make(chan struct{}, 1),
	}
	c.model.Store(cfg.Model.Clone())
	return c, nil
}

// Name returns the controller name.
func (c *Controller) Name() string { return c.name }

// Registry returns the operation registry.
func (c *Controller) Registry() *Registry { return c.registry }

// Snapshot returns a copy of the committed model.
func (c *Controller) Snapshot() *Resource { return c.model.Load().Clone() }

// Prepare applies op to a staged copy of the model. Read-only operations
// complete immediately and return a nil Tx. A failed operation returns a nil
// Tx and a failed result. Otherwise the returned Tx holds the write lock
// until Commit or Rollback. The error is non-nil only for routing failures
// or when ctx ends while waiting for the lock.
func (c *Controller) Prepare(ctx context.Context, op mgmt.Operation) (*Tx, mgmt.Result, error) {
	if err := c.registry.Validate(op); err != nil {
		return nil, mgmt.Result{}, err
	}
	if c.registry.IsReadOnlyOperation(op) {
		return nil, c.apply(c.model.Load(), op), nil
	}
	select {
	case c.lock <- struct{}{}:
	case <-ctx.Done():
		return nil, mgmt.Result{}, fmt.Errorf("controller %s: waiting for write lock: %w", c.name, ctx.Err())
	}
	staged := c.model.Load().Clone()
	res := c.apply(staged, op)
	if res.IsFailed() {
		<-c.lock
		c.logger.Debug("controller.prepare.failed", "operation", op.Name, "address", op.Address.String(), "failure", res.FailureDescription)
		return nil, res, nil
	}
	c.logger.Trace("controller.prepare.staged", "operation", op.Name, "address", op.Address.String())
	return &Tx{c: c, staged: staged, op: op.Name}, res, nil
}

// Execute prepares and immediately commits op.
func (c *Controller) Execute(ctx context.Context, op mgmt.Operation) mgmt.Result {
	tx, res, err := c.Prepare(ctx, op)
	if err != nil {
		return mgmt.FailedResult(err)
	}
	if tx == nil {
		return res
	}
	if err := tx.Commit(ctx); err != nil {
		return mgmt.FailedResult(err)
	}
	return res
}

func (c *Controller) apply(model *Resource, op mgmt.Operation) mgmt.Result {
	if op.IsComposite() {
		out := mgmt.Result{Outcome: mgmt.OutcomeSuccess, Steps: make([]mgmt.Result, 0, len(op.Steps))}
		for i, step := range op.Steps {
			res := c.apply(model, step)
			out.Steps = append(out.Steps, res)
			if res.IsFailed() {
				out.Outcome = mgmt.OutcomeFailed
				out.FailureKind = res.FailureKind
				out.FailureDescription = fmt.Sprintf("step-%d: %s", i+1, res.FailureDescription)
				return out
			}
		}
		return out
	}
	handler, ok := c.registry.Lookup(op.Address, op.Name)
	if !ok {
		return mgmt.FailedResult(mgmt.NewRoutingError(mgmt.CodeNoHandler, "no handler for operation %s at address %s", op.Name, op.Address))
	}
	value, err := handler(model, op)
	if err != nil {
		return mgmt.Failed(mgmt.FailureOperation, fmt.Sprintf("%s %s: %v", op.Name, op.Address, err))
	}
	return mgmt.Success(value)
}

// Tx is a prepared, uncommitted change to a controller's model.
type Tx struct {
	c      *Controller
	staged *Resource
	op     string
	once   sync.Once
}

// Staged returns the model as it will look after Commit. Callers must not
// mutate it.
func (t *Tx) Staged() *Resource { return t.staged }

// Commit publishes the staged model and releases the write lock.
func (t *Tx) Commit(ctx context.Context) error {
	return t.finish(true)
}

// Rollback discards the staged model and releases the write lock.
func (t *Tx) Rollback(ctx context.Context) error {
	return t.finish(false)
}

func (t *Tx) finish(commit bool) error {
	err := ErrTxFinished
	t.once.Do(func() {
		if commit {
			t.c.model.Store(t.staged)
			t.c.logger.Debug("controller.commit", "operation", t.op)
		} else {
			t.c.logger.Debug("controller.rollback", "operation", t.op)
		}
		<-t.c.lock
		err = nil
	})
	return err
}
