package participant

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/domainctl/internal/clock"
	"pkt.systems/domainctl/internal/mgmt"
	"pkt.systems/domainctl/internal/svcfields"
)

// State is the lifecycle position of a Task.
type State int

const (
	StateCreated State = iota
	StatePreparing
	StatePrepared
	StateFailed
	StateCompleted
	StateCommitted
	StateRolledBack
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StatePreparing:
		return "preparing"
	case StatePrepared:
		return "prepared"
	case StateFailed:
		return "failed"
	case StateCompleted:
		return "completed"
	case StateCommitted:
		return "committed"
	case StateRolledBack:
		return "rolled-back"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// TaskConfig configures a Task.
type TaskConfig struct {
	Proxy     Proxy
	Operation mgmt.Operation
	Sink      MessageSink
	Logger    pslog.Logger
	Clock     clock.Clock
	// DecisionTimeout bounds how long a prepared task waits for Finalize.
	// Zero waits forever.
	DecisionTimeout time.Duration
}

// Task runs one participant's part of an operation. Run executes the
// proxy; once prepared the task publishes its provisional result and parks
// until Finalize or Cancel delivers the decision.
type Task struct {
	id      mgmt.ParticipantID
	proxy   Proxy
	op      mgmt.Operation
	sink    MessageSink
	logger  pslog.Logger
	clock   clock.Clock
	timeout time.Duration

	mu        sync.Mutex
	state     State
	result    mgmt.Result
	tx        Transaction
	reported  bool
	cancelled bool
	decided   bool
	runCancel context.CancelFunc
	finalErr  error

	published   chan struct{}
	publishOnce sync.Once
	decision    chan bool
	done        chan struct{}
	doneOnce    sync.Once
}

// NewTask constructs a Task for cfg.Proxy.
func NewTask(cfg TaskConfig) *Task {
	logger := cfg.Logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	id := cfg.Proxy.ID()
	return &Task{
		id:        id,
		proxy:     cfg.Proxy,
		op:        cfg.Operation,
		sink:      cfg.Sink,
		logger:    svcfields.WithParticipant(svcfields.WithSubsystem(logger, "participant.task"), id),
		clock:     clock.OrReal(cfg.Clock),
		timeout:   cfg.DecisionTimeout,
		published: make(chan struct{}),
		decision:  make(chan bool, 1),
		done:      make(chan struct{}),
	}
}

// ID returns the participant id.
func (t *Task) ID() mgmt.ParticipantID { return t.id }

// State returns the current lifecycle state.
func (t *Task) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Run executes the proxy and, when prepared, waits for the decision and
// applies it. It returns once the task reached a terminal state.
func (t *Task) Run(ctx context.Context) {
	defer t.doneOnce.Do(func() { close(t.done) })

	t.mu.Lock()
	if t.state != StateCreated {
		t.mu.Unlock()
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	t.runCancel = cancel
	t.state = StatePreparing
	interrupted := t.cancelled
	t.mu.Unlock()
	if interrupted {
		cancel()
	}

	t.logger.Trace("participant.task.execute", "operation", t.op.Name)
	err := t.proxy.Execute(runCtx, t.op, t.sink, taskControl{t})

	t.mu.Lock()
	if !t.reported {
		t.reported = true
		t.state = StateFailed
		t.result = mgmt.FailedResult(t.participantError(runCtx, err))
		t.mu.Unlock()
		t.logger.Debug("participant.task.failed", "error", t.result.FailureDescription, "kind", t.result.FailureKind)
		t.publish()
		return
	}
	prepared := t.state == StatePrepared
	t.mu.Unlock()
	if err != nil {
		t.logger.Debug("participant.task.execute.error_after_report", "error", err)
	}
	if !prepared {
		return
	}
	t.await(ctx)
}

func (t *Task) participantError(runCtx context.Context, err error) error {
	if err == nil {
		err = errors.New("participant reported no outcome")
	}
	var perr *mgmt.ParticipantError
	if errors.As(err, &perr) {
		return perr
	}
	kind := mgmt.FailureParticipant
	switch {
	case t.cancelled:
		kind = mgmt.FailureInterrupted
	case errors.Is(err, context.DeadlineExceeded):
		kind = mgmt.FailureTimeout
	case runCtx.Err() != nil:
		kind = mgmt.FailureInterrupted
	}
	return &mgmt.ParticipantError{ID: t.id, Kind: kind, Err: err}
}

func (t *Task) await(ctx context.Context) {
	var timeout <-chan time.Time
	if t.timeout > 0 {
		timeout = t.clock.After(t.timeout)
	}
	select {
	case commit := <-t.decision:
		t.apply(ctx, commit)
	case <-timeout:
		if !t.decide(false) {
			// A decision raced the timer; honour it.
			t.apply(ctx, <-t.decision)
			return
		}
		<-t.decision
		t.logger.Warn("participant.task.decision_timeout", "timeout", t.timeout)
		t.apply(ctx, false)
		t.mu.Lock()
		t.result = mgmt.FailedResult(&mgmt.ParticipantError{
			ID:   t.id,
			Kind: mgmt.FailureTimeout,
			Err:  fmt.Errorf("no decision within %s", t.timeout),
		})
		t.mu.Unlock()
	}
}

func (t *Task) apply(ctx context.Context, commit bool) {
	t.mu.Lock()
	tx := t.tx
	t.mu.Unlock()
	var err error
	state := StateRolledBack
	if commit {
		err = tx.Commit(ctx)
		state = StateCommitted
	} else {
		err = tx.Rollback(ctx)
	}
	t.mu.Lock()
	t.finalErr = err
	if commit && err != nil {
		// The participant did not confirm the commit; never report it as
		// committed.
		state = StateFailed
		t.result = mgmt.FailedResult(&mgmt.ParticipantError{
			ID:   t.id,
			Kind: mgmt.FailureCommit,
			Err:  fmt.Errorf("commit: %w", err),
		})
	}
	t.state = state
	t.mu.Unlock()
	if err != nil {
		t.logger.Warn("participant.task.finalize.error", "commit", commit, "error", err)
		return
	}
	t.logger.Debug("participant.task.finalized", "commit", commit)
}

// Wait blocks until the provisional result is known or ctx ends.
func (t *Task) Wait(ctx context.Context) (mgmt.Result, error) {
	select {
	case <-t.published:
		return t.Result(), nil
	case <-ctx.Done():
		return mgmt.Result{}, ctx.Err()
	}
}

// Published is closed once the provisional result is known.
func (t *Task) Published() <-chan struct{} { return t.published }

// Done is closed once the task reached a terminal state.
func (t *Task) Done() <-chan struct{} { return t.done }

// Result returns the latest known result.
func (t *Task) Result() mgmt.Result {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.result
}

// FinalizeError returns the error of the commit or rollback call, if any.
func (t *Task) FinalizeError() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.finalErr
}

// Finalize delivers the global decision. It reports false when a decision
// was already delivered.
func (t *Task) Finalize(commit bool) bool {
	return t.decide(commit)
}

// Cancel delivers a rollback decision and interrupts a participant that is
// still preparing; a participant that prepares afterwards rolls back at
// once. It reports false when a decision was already delivered.
func (t *Task) Cancel() bool {
	t.mu.Lock()
	preparing := t.state == StateCreated || t.state == StatePreparing
	if preparing {
		t.cancelled = true
	}
	cancel := t.runCancel
	t.mu.Unlock()
	delivered := t.decide(false)
	if preparing && cancel != nil {
		cancel()
	}
	return delivered
}

func (t *Task) decide(commit bool) bool {
	t.mu.Lock()
	if t.decided {
		t.mu.Unlock()
		return false
	}
	t.decided = true
	t.mu.Unlock()
	t.decision <- commit
	return true
}

// Decided reports whether a decision was delivered.
func (t *Task) Decided() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.decided
}

// Pending reports whether the task is prepared and still owes the
// participant a decision.
func (t *Task) Pending() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state == StatePrepared && !t.decided
}

func (t *Task) publish() {
	t.publishOnce.Do(func() { close(t.published) })
}

// reject fails a task that never ran.
func (t *Task) reject(kind mgmt.FailureKind, err error) {
	t.mu.Lock()
	if t.state != StateCreated {
		t.mu.Unlock()
		return
	}
	t.state = StateFailed
	t.reported = true
	t.result = mgmt.FailedResult(&mgmt.ParticipantError{ID: t.id, Kind: kind, Err: err})
	t.mu.Unlock()
	t.publish()
	t.doneOnce.Do(func() { close(t.done) })
}

// abort fails a task whose proxy panicked. A staged transaction is rolled
// back.
func (t *Task) abort(err error) {
	t.mu.Lock()
	tx := t.tx
	prepared := t.state == StatePrepared
	if !t.reported || prepared {
		t.reported = true
		t.state = StateFailed
		t.result = mgmt.FailedResult(&mgmt.ParticipantError{ID: t.id, Kind: mgmt.FailureParticipant, Err: err})
	}
	t.decided = true
	t.mu.Unlock()
	if prepared && tx != nil {
		if rbErr := tx.Rollback(context.Background()); rbErr != nil {
			t.logger.Warn("participant.task.abort.rollback_error", "error", rbErr)
		}
	}
	t.publish()
	t.doneOnce.Do(func() { close(t.done) })
}

type taskControl struct{ t *Task }

func (c taskControl) report(state State, tx Transaction, res mgmt.Result) bool {
	t := c.t
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.reported {
		return false
	}
	t.reported = true
	t.state = state
	t.tx = tx
	t.result = res
	return true
}

func (c taskControl) Prepared(tx Transaction, res mgmt.Result) {
	if tx == nil {
		c.Completed(res)
		return
	}
	if !c.report(StatePrepared, tx, res) {
		return
	}
	c.t.logger.Debug("participant.task.prepared")
	c.t.publish()
}

func (c taskControl) Failed(res mgmt.Result) {
	if res.Outcome != mgmt.OutcomeFailed {
		res.Outcome = mgmt.OutcomeFailed
	}
	if res.FailureKind == mgmt.FailureNone {
		res.FailureKind = mgmt.FailureOperation
	}
	if c.report(StateFailed, nil, res) {
		c.t.logger.Debug("participant.task.failed", "error", res.FailureDescription)
		c.t.publish()
	}
}

func (c taskControl) Completed(res mgmt.Result) {
	if c.report(StateCompleted, nil, res) {
		c.t.logger.Trace("participant.task.completed")
		c.t.publish()
	}
}
