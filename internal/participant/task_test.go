package participant

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"pkt.systems/domainctl/internal/clock"
	"pkt.systems/domainctl/internal/controller"
	"pkt.systems/domainctl/internal/mgmt"
)

type fakeTx struct {
	commits   atomic.Int32
	rollbacks atomic.Int32
	commitErr error
}

func (f *fakeTx) Commit(context.Context) error   { f.commits.Add(1); return f.commitErr }
func (f *fakeTx) Rollback(context.Context) error { f.rollbacks.Add(1); return nil }

type fakeProxy struct {
	id      mgmt.ParticipantID
	outcome string // prepared, failed, completed, error, silent, block
	tx      *fakeTx
	gate    chan struct{}
	calls   atomic.Int32
}

func newFakeProxy(host, outcome string) *fakeProxy {
	return &fakeProxy{id: mgmt.HostID(host), outcome: outcome, tx: &fakeTx{}}
}

func (f *fakeProxy) ID() mgmt.ParticipantID { return f.id }

func (f *fakeProxy) Execute(ctx context.Context, op mgmt.Operation, _ MessageSink, control Control) error {
	f.calls.Add(1)
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	switch f.outcome {
	case "prepared":
		control.Prepared(f.tx, mgmt.Success(nil))
	case "failed":
		control.Failed(mgmt.Failed(mgmt.FailureOperation, "boom"))
	case "completed":
		control.Completed(mgmt.Success("read"))
	case "error":
		return errors.New("connection refused")
	case "silent":
	}
	return nil
}

func waitDone(t *testing.T, task *Task) {
	t.Helper()
	select {
	case <-task.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("task %s did not finish (state %s)", task.ID(), task.State())
	}
}

func TestTaskPreparedThenCommit(t *testing.T) {
	proxy := newFakeProxy("a", "prepared")
	task := NewTask(TaskConfig{Proxy: proxy})
	go task.Run(context.Background())
	res, err := task.Wait(context.Background())
	if err != nil || !res.IsSuccess() {
		t.Fatalf("wait: %+v %v", res, err)
	}
	if !task.Pending() {
		t.Fatalf("prepared task should be pending")
	}
	if !task.Finalize(true) {
		t.Fatalf("first finalize should deliver")
	}
	if task.Finalize(false) || task.Cancel() {
		t.Fatalf("later decisions must be ignored")
	}
	waitDone(t, task)
	if task.State() != StateCommitted || proxy.tx.commits.Load() != 1 || proxy.tx.rollbacks.Load() != 0 {
		t.Fatalf("state=%s commits=%d rollbacks=%d", task.State(), proxy.tx.commits.Load(), proxy.tx.rollbacks.Load())
	}
	if task.Pending() {
		t.Fatalf("finalized task still pending")
	}
}

func TestTaskCommitErrorFailsTask(t *testing.T) {
	proxy := newFakeProxy("a", "prepared")
	proxy.tx.commitErr = errors.New("unknown transaction")
	task := NewTask(TaskConfig{Proxy: proxy})
	go task.Run(context.Background())
	if _, err := task.Wait(context.Background()); err != nil {
		t.Fatalf("wait: %v", err)
	}
	task.Finalize(true)
	waitDone(t, task)
	if task.State() != StateFailed {
		t.Fatalf("expected failed state, got %s", task.State())
	}
	res := task.Result()
	if !res.IsFailed() || res.FailureKind != mgmt.FailureCommit {
		t.Fatalf("expected commit failure, got %+v", res)
	}
	if !errors.Is(task.FinalizeError(), proxy.tx.commitErr) {
		t.Fatalf("finalize error not recorded: %v", task.FinalizeError())
	}
}

func TestTaskFailedAndCompletedNeedNoDecision(t *testing.T) {
	for _, outcome := range []string{"failed", "completed"} {
		task := NewTask(TaskConfig{Proxy: newFakeProxy("a", outcome)})
		go task.Run(context.Background())
		waitDone(t, task)
		if task.Pending() {
			t.Fatalf("%s: task should not be pending", outcome)
		}
		res := task.Result()
		if (outcome == "failed") != res.IsFailed() {
			t.Fatalf("%s: unexpected result %+v", outcome, res)
		}
	}
}

func TestTaskTransportErrorBecomesParticipantFailure(t *testing.T) {
	for outcome, kind := range map[string]mgmt.FailureKind{"error": mgmt.FailureParticipant, "silent": mgmt.FailureParticipant} {
		task := NewTask(TaskConfig{Proxy: newFakeProxy("b", outcome)})
		go task.Run(context.Background())
		res, _ := task.Wait(context.Background())
		if !res.IsFailed() || res.FailureKind != kind {
			t.Fatalf("%s: unexpected result %+v", outcome, res)
		}
	}
}

func TestTaskCancelBeforePrepareRollsBack(t *testing.T) {
	proxy := newFakeProxy("a", "prepared")
	task := NewTask(TaskConfig{Proxy: proxy})
	if !task.Cancel() {
		t.Fatalf("cancel should deliver")
	}
	// Execute ignores ctx without a gate, so the participant still prepares.
	go task.Run(context.Background())
	waitDone(t, task)
	if task.State() != StateRolledBack || proxy.tx.rollbacks.Load() != 1 || proxy.tx.commits.Load() != 0 {
		t.Fatalf("state=%s commits=%d rollbacks=%d", task.State(), proxy.tx.commits.Load(), proxy.tx.rollbacks.Load())
	}
}

func TestTaskCancelInterruptsPreparing(t *testing.T) {
	proxy := newFakeProxy("a", "prepared")
	proxy.gate = make(chan struct{})
	task := NewTask(TaskConfig{Proxy: proxy})
	go task.Run(context.Background())
	for proxy.calls.Load() == 0 {
		time.Sleep(time.Millisecond)
	}
	task.Cancel()
	waitDone(t, task)
	res := task.Result()
	if !res.IsFailed() || res.FailureKind != mgmt.FailureInterrupted {
		t.Fatalf("expected interrupted failure, got %+v", res)
	}
	if proxy.tx.rollbacks.Load() != 0 || proxy.tx.commits.Load() != 0 {
		t.Fatalf("interrupted task touched the transaction")
	}
}

func TestTaskDecisionTimeoutRollsBack(t *testing.T) {
	clk := clock.NewManual(time.Unix(0, 0))
	proxy := newFakeProxy("a", "prepared")
	task := NewTask(TaskConfig{Proxy: proxy, Clock: clk, DecisionTimeout: time.Minute})
	go task.Run(context.Background())
	if _, err := task.Wait(context.Background()); err != nil {
		t.Fatalf("wait: %v", err)
	}
	if !clk.WaitForWaiters(1, 2*time.Second) {
		t.Fatalf("task never armed its timer")
	}
	clk.Advance(time.Minute)
	waitDone(t, task)
	if task.State() != StateRolledBack || proxy.tx.rollbacks.Load() != 1 {
		t.Fatalf("expected rollback on timeout, state=%s", task.State())
	}
	if res := task.Result(); res.FailureKind != mgmt.FailureTimeout {
		t.Fatalf("expected timeout failure, got %+v", res)
	}
	if task.Finalize(true) {
		t.Fatalf("finalize after timeout should be ignored")
	}
}

func TestWaitHonoursContext(t *testing.T) {
	proxy := newFakeProxy("a", "prepared")
	proxy.gate = make(chan struct{})
	task := NewTask(TaskConfig{Proxy: proxy})
	go task.Run(context.Background())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := task.Wait(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	close(proxy.gate)
	task.Wait(context.Background())
	task.Finalize(false)
	waitDone(t, task)
}

func TestPoolBoundsConcurrency(t *testing.T) {
	pool := NewPool(2, nil)
	gate := make(chan struct{})
	var tasks []*Task
	for _, host := range []string{"a", "b"} {
		proxy := newFakeProxy(host, "prepared")
		proxy.gate = gate
		task := NewTask(TaskConfig{Proxy: proxy})
		if err := pool.Submit(context.Background(), task); err != nil {
			t.Fatalf("submit: %v", err)
		}
		tasks = append(tasks, task)
	}
	if pool.InFlight() != 2 {
		t.Fatalf("expected 2 in flight, got %d", pool.InFlight())
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	starved := NewTask(TaskConfig{Proxy: newFakeProxy("c", "prepared")})
	if err := pool.Submit(ctx, starved); err == nil {
		t.Fatalf("expected submit to fail on a full pool")
	}
	res := starved.Result()
	if res.FailureKind != mgmt.FailureUnresponsive || starved.Pending() {
		t.Fatalf("starved task: %+v", res)
	}
	close(gate)
	for _, task := range tasks {
		task.Wait(context.Background())
		task.Finalize(true)
	}
	if err := pool.Wait(context.Background()); err != nil {
		t.Fatalf("pool wait: %v", err)
	}
	if pool.InFlight() != 0 {
		t.Fatalf("expected empty pool")
	}
}

func TestLocalProxyReportsEachOutcome(t *testing.T) {
	ctrl, err := controller.New(controller.Config{Name: "a"})
	if err != nil {
		t.Fatalf("controller: %v", err)
	}
	var mu sync.Mutex
	var annotated int
	proxy := NewLocalProxy(mgmt.HostID("a"), ctrl, func(staged *controller.Resource, op mgmt.Operation, res mgmt.Result) mgmt.Result {
		mu.Lock()
		annotated++
		mu.Unlock()
		if _, ok := staged.Child(mgmt.KeySystemProperty, "x"); !ok {
			return mgmt.Failed(mgmt.FailureOperation, "staged model missing change")
		}
		return res
	})

	write := NewTask(TaskConfig{Proxy: proxy, Operation: mgmt.NewOperation(mgmt.OpAdd, mgmt.MustParseAddress("/system-property=x"), mgmt.ParamValue, "1")})
	go write.Run(context.Background())
	res, _ := write.Wait(context.Background())
	if !res.IsSuccess() || write.State() != StatePrepared {
		t.Fatalf("write: %+v state=%s", res, write.State())
	}
	write.Finalize(true)
	waitDone(t, write)

	read := NewTask(TaskConfig{Proxy: proxy, Operation: mgmt.NewOperation(mgmt.OpReadAttribute, mgmt.MustParseAddress("/system-property=x"), mgmt.ParamName, mgmt.ParamValue)})
	go read.Run(context.Background())
	waitDone(t, read)
	if read.State() != StateCompleted || string(read.Result().Value) != `"1"` {
		t.Fatalf("read: %+v state=%s", read.Result(), read.State())
	}

	bad := NewTask(TaskConfig{Proxy: proxy, Operation: mgmt.NewOperation("nope", mgmt.Root)})
	go bad.Run(context.Background())
	waitDone(t, bad)
	if bad.State() != StateFailed || bad.Result().FailureKind != mgmt.FailureRouting {
		t.Fatalf("bad: %+v", bad.Result())
	}
	if annotated != 1 {
		t.Fatalf("expected one annotation, got %d", annotated)
	}
}
