package coord

import (
	"context"
	"errors"
	"io"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"pkt.systems/domainctl/internal/content"
	"pkt.systems/domainctl/internal/controller"
	"pkt.systems/domainctl/internal/mgmt"
	"pkt.systems/domainctl/internal/participant"
)

type behavior int

const (
	prepare behavior = iota
	fail
	complete
	block
	late
)

type eventLog struct {
	mu     sync.Mutex
	events []string
}

func (l *eventLog) add(event string) {
	if l == nil {
		return
	}
	l.mu.Lock()
	l.events = append(l.events, event)
	l.mu.Unlock()
}

func (l *eventLog) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.events...)
}

type fakeTx struct {
	mu        sync.Mutex
	commits   int
	rollbacks int
	owner     string
	log       *eventLog
	commitErr error
}

func (t *fakeTx) Commit(context.Context) error {
	t.mu.Lock()
	t.commits++
	t.mu.Unlock()
	t.log.add("commit " + t.owner)
	return t.commitErr
}

func (t *fakeTx) Rollback(context.Context) error {
	t.mu.Lock()
	t.rollbacks++
	t.mu.Unlock()
	t.log.add("rollback " + t.owner)
	return nil
}

func (t *fakeTx) counts() (int, int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.commits, t.rollbacks
}

type fakeProxy struct {
	id       mgmt.ParticipantID
	behavior behavior
	result   mgmt.Result
	tx       *fakeTx
	log      *eventLog
	entered  chan struct{}

	mu          sync.Mutex
	calls       int
	directCalls int
	ops         []mgmt.Operation
}

func newFakeProxy(id mgmt.ParticipantID, b behavior, log *eventLog) *fakeProxy {
	return &fakeProxy{
		id:       id,
		behavior: b,
		result:   mgmt.Success(id.String()),
		tx:       &fakeTx{owner: id.String(), log: log},
		log:      log,
		entered:  make(chan struct{}, 1),
	}
}

func (p *fakeProxy) ID() mgmt.ParticipantID { return p.id }

func (p *fakeProxy) Execute(ctx context.Context, op mgmt.Operation, _ participant.MessageSink, control participant.Control) error {
	p.mu.Lock()
	p.calls++
	p.ops = append(p.ops, op)
	p.mu.Unlock()
	p.log.add("execute " + p.id.String())
	switch p.behavior {
	case prepare:
		control.Prepared(p.tx, p.result)
	case fail:
		control.Failed(mgmt.Failed(mgmt.FailureOperation, "boom on "+p.id.String()))
	case complete:
		control.Completed(mgmt.Success("read"))
	case block:
		p.entered <- struct{}{}
		<-ctx.Done()
		return ctx.Err()
	case late:
		// Prepares after the interruption instead of returning.
		p.entered <- struct{}{}
		<-ctx.Done()
		control.Prepared(p.tx, p.result)
	}
	return nil
}

func (p *fakeProxy) ExecuteDirect(_ context.Context, op mgmt.Operation) (mgmt.Result, error) {
	p.mu.Lock()
	p.directCalls++
	p.ops = append(p.ops, op)
	p.mu.Unlock()
	if p.behavior == fail {
		return mgmt.Failed(mgmt.FailureOperation, "boom on "+p.id.String()), nil
	}
	return p.result, nil
}

func (p *fakeProxy) counts() (int, int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls, p.directCalls
}

type fakeDir struct {
	hosts   map[string]participant.Proxy
	servers map[mgmt.ParticipantID]participant.Proxy
}

func newFakeDir() *fakeDir {
	return &fakeDir{
		hosts:   make(map[string]participant.Proxy),
		servers: make(map[mgmt.ParticipantID]participant.Proxy),
	}
}

func (d *fakeDir) Hosts() []string {
	out := make([]string, 0, len(d.hosts))
	for h := range d.hosts {
		out = append(out, h)
	}
	sort.Strings(out)
	return out
}

func (d *fakeDir) HostProxy(host string) (participant.Proxy, bool) {
	p, ok := d.hosts[host]
	return p, ok
}

func (d *fakeDir) ServerProxy(id mgmt.ParticipantID) (participant.Proxy, bool) {
	p, ok := d.servers[id]
	return p, ok
}

func (d *fakeDir) addHost(p *fakeProxy) *fakeProxy {
	d.hosts[p.id.Host] = p
	return p
}

func (d *fakeDir) addServer(p *fakeProxy) *fakeProxy {
	d.servers[p.id] = p
	return p
}

func newCoordinator(t *testing.T, dir Directory, master bool, store content.Storer) *Coordinator {
	t.Helper()
	c, err := New(Config{
		Host:            "master",
		IsMaster:        master,
		Registry:        controller.DefaultRegistry(),
		Dir:             dir,
		Content:         store,
		Pool:            participant.NewPool(16, nil),
		DecisionTimeout: -1,
		FinalizeWait:    5 * time.Second,
	})
	if err != nil {
		t.Fatalf("new coordinator: %v", err)
	}
	return c
}

func domainWrite() mgmt.Operation {
	return mgmt.NewOperation(mgmt.OpAdd, mgmt.MustParseAddress("/system-property=x"), mgmt.ParamValue, "1")
}

func assertTx(t *testing.T, p *fakeProxy, commits, rollbacks int) {
	t.Helper()
	c, r := p.tx.counts()
	if c != commits || r != rollbacks {
		t.Fatalf("%s: expected commits=%d rollbacks=%d, got %d/%d", p.id, commits, rollbacks, c, r)
	}
}

func TestTwoPhaseCommitsEveryHost(t *testing.T) {
	dir := newFakeDir()
	log := &eventLog{}
	local := dir.addHost(newFakeProxy(mgmt.HostID("master"), prepare, log))
	b := dir.addHost(newFakeProxy(mgmt.HostID("b"), prepare, log))
	c := dir.addHost(newFakeProxy(mgmt.HostID("c"), prepare, log))
	coord := newCoordinator(t, dir, true, nil)

	res := coord.Execute(context.Background(), domainWrite())
	if !res.IsSuccess() {
		t.Fatalf("expected success, got %+v", res)
	}
	for _, p := range []*fakeProxy{local, b, c} {
		assertTx(t, p, 1, 0)
	}
	if names := res.HostNames(); strings.Join(names, ",") != "b,c,master" {
		t.Fatalf("unexpected host results %v", names)
	}
	if events := log.snapshot(); events[0] != "execute host=master" {
		t.Fatalf("local host must prepare first, got %v", events)
	}
	waitIdle(t, coord.Pool())
}

func waitIdle(t *testing.T, pool *participant.Pool) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := pool.Wait(ctx); err != nil {
		t.Fatalf("pool not idle: %v", err)
	}
}

func TestOneFailureRollsBackEveryParticipant(t *testing.T) {
	dir := newFakeDir()
	local := dir.addHost(newFakeProxy(mgmt.HostID("master"), prepare, nil))
	var prepared []*fakeProxy
	for _, h := range []string{"b", "c", "d", "e"} {
		prepared = append(prepared, dir.addHost(newFakeProxy(mgmt.HostID(h), prepare, nil)))
	}
	dir.addHost(newFakeProxy(mgmt.HostID("f"), fail, nil))
	coord := newCoordinator(t, dir, true, nil)

	res := coord.Execute(context.Background(), domainWrite())
	if !res.IsFailed() || !res.RolledBack {
		t.Fatalf("expected rolled back failure, got %+v", res)
	}
	if !strings.Contains(res.FailureDescription, "host=f") {
		t.Fatalf("failure description should name f: %s", res.FailureDescription)
	}
	assertTx(t, local, 0, 1)
	for _, p := range prepared {
		assertTx(t, p, 0, 1)
		if !res.HostResults[p.id.Host].RolledBack {
			t.Fatalf("%s not reported as rolled back", p.id)
		}
	}
}

func TestLocalFailureContactsNoRemote(t *testing.T) {
	dir := newFakeDir()
	dir.addHost(newFakeProxy(mgmt.HostID("master"), fail, nil))
	b := dir.addHost(newFakeProxy(mgmt.HostID("b"), prepare, nil))
	coord := newCoordinator(t, dir, true, nil)

	res := coord.Execute(context.Background(), domainWrite())
	if !res.IsFailed() || res.FailureKind != mgmt.FailureOperation {
		t.Fatalf("expected operation failure, got %+v", res)
	}
	if calls, _ := b.counts(); calls != 0 {
		t.Fatalf("remote contacted after local failure")
	}
}

func TestInterruptRollsBackOutstanding(t *testing.T) {
	dir := newFakeDir()
	local := dir.addHost(newFakeProxy(mgmt.HostID("master"), prepare, nil))
	b := dir.addHost(newFakeProxy(mgmt.HostID("b"), prepare, nil))
	c := dir.addHost(newFakeProxy(mgmt.HostID("c"), block, nil))
	d := dir.addHost(newFakeProxy(mgmt.HostID("d"), block, nil))
	coord := newCoordinator(t, dir, true, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan mgmt.Result, 1)
	go func() { done <- coord.Execute(ctx, domainWrite()) }()
	for _, p := range []*fakeProxy{c, d} {
		select {
		case <-p.entered:
		case <-time.After(2 * time.Second):
			t.Fatalf("%s never executed", p.id)
		}
	}
	cancel()
	var res mgmt.Result
	select {
	case res = <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("execute did not return after interrupt")
	}
	if !res.IsFailed() || res.FailureKind != mgmt.FailureInterrupted {
		t.Fatalf("expected interrupted, got %+v", res)
	}
	assertTx(t, local, 0, 1)
	assertTx(t, b, 0, 1)
	for _, p := range []*fakeProxy{c, d} {
		if commits, _ := p.tx.counts(); commits != 0 {
			t.Fatalf("%s committed after interrupt", p.id)
		}
		if hr := res.HostResults[p.id.Host]; !hr.IsFailed() {
			t.Fatalf("%s should be failed, got %+v", p.id, hr)
		}
	}
}

func TestInterruptRollsBackParticipantPreparingLate(t *testing.T) {
	dir := newFakeDir()
	local := dir.addHost(newFakeProxy(mgmt.HostID("master"), prepare, nil))
	b := dir.addHost(newFakeProxy(mgmt.HostID("b"), late, nil))
	coord := newCoordinator(t, dir, true, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan mgmt.Result, 1)
	go func() { done <- coord.Execute(ctx, domainWrite()) }()
	select {
	case <-b.entered:
	case <-time.After(2 * time.Second):
		t.Fatalf("%s never executed", b.id)
	}
	cancel()
	var res mgmt.Result
	select {
	case res = <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("execute did not return after interrupt")
	}
	if !res.IsFailed() || res.FailureKind != mgmt.FailureInterrupted {
		t.Fatalf("expected interrupted, got %+v", res)
	}
	assertTx(t, local, 0, 1)
	assertTx(t, b, 0, 1)
	if hr := res.HostResults["b"]; hr.FailureKind != mgmt.FailureInterrupted {
		t.Fatalf("b should be interrupted, got %+v", hr)
	}
	waitIdle(t, coord.Pool())
}

func TestCommitFailureIsNotReportedAsCommitted(t *testing.T) {
	dir := newFakeDir()
	local := dir.addHost(newFakeProxy(mgmt.HostID("master"), prepare, nil))
	b := dir.addHost(newFakeProxy(mgmt.HostID("b"), prepare, nil))
	c := dir.addHost(newFakeProxy(mgmt.HostID("c"), prepare, nil))
	b.tx.commitErr = errors.New("unknown transaction")
	coord := newCoordinator(t, dir, true, nil)

	res := coord.Execute(context.Background(), domainWrite())
	if !res.IsFailed() || res.FailureKind != mgmt.FailureCommit {
		t.Fatalf("expected commit failure, got %+v", res)
	}
	if res.RolledBack {
		t.Fatalf("committed hosts must not be reported as rolled back")
	}
	if !strings.Contains(res.FailureDescription, "host=b") {
		t.Fatalf("failure description should name b: %s", res.FailureDescription)
	}
	hr := res.HostResults["b"]
	if !hr.IsFailed() || hr.FailureKind != mgmt.FailureCommit || hr.RolledBack {
		t.Fatalf("unexpected result for b: %+v", hr)
	}
	for _, p := range []*fakeProxy{local, c} {
		assertTx(t, p, 1, 0)
		if r := res.HostResults[p.id.Host]; !r.IsSuccess() || r.RolledBack {
			t.Fatalf("%s should be committed, got %+v", p.id, r)
		}
	}
	assertTx(t, b, 1, 0)
	waitIdle(t, coord.Pool())
}

func TestRoutingErrorCreatesNoTasks(t *testing.T) {
	dir := newFakeDir()
	dir.addHost(newFakeProxy(mgmt.HostID("master"), prepare, nil))
	b := dir.addHost(newFakeProxy(mgmt.HostID("b"), prepare, nil))
	c := dir.addHost(newFakeProxy(mgmt.HostID("c"), prepare, nil))
	coord := newCoordinator(t, dir, false, nil)

	op := mgmt.Composite(
		mgmt.NewOperation(mgmt.OpAdd, mgmt.MustParseAddress("/host=b/path=x")),
		mgmt.NewOperation(mgmt.OpAdd, mgmt.MustParseAddress("/host=c/path=x")),
	)
	res := coord.Execute(context.Background(), op)
	if res.FailureKind != mgmt.FailureRouting || !strings.Contains(res.FailureDescription, mgmt.CodeNotMaster) {
		t.Fatalf("expected not_master routing failure, got %+v", res)
	}
	for _, p := range []*fakeProxy{b, c} {
		if calls, direct := p.counts(); calls+direct != 0 {
			t.Fatalf("%s contacted", p.id)
		}
	}
	if coord.Pool().InFlight() != 0 {
		t.Fatalf("tasks were created")
	}
}

func TestLocalOnlyExecutesDirectly(t *testing.T) {
	dir := newFakeDir()
	model := controller.NewResource(nil)
	model.SetChild(mgmt.KeyHost, "master", controller.NewResource(nil))
	ctrl, err := controller.New(controller.Config{Name: "master", Model: model})
	if err != nil {
		t.Fatalf("controller: %v", err)
	}
	server := mgmt.ServerID("master", "main", "s1")
	annotate := func(_ *controller.Resource, op mgmt.Operation, res mgmt.Result) mgmt.Result {
		res.ServerOperations = []mgmt.ServerOperationGroup{{
			Servers:   []mgmt.ParticipantID{server},
			Operation: mgmt.NewOperation(op.Name, mgmt.MustParseAddress("/system-property=x"), mgmt.ParamValue, "1"),
		}}
		return res
	}
	dir.hosts["master"] = participant.NewLocalProxy(mgmt.HostID("master"), ctrl, annotate)
	b := dir.addHost(newFakeProxy(mgmt.HostID("b"), prepare, nil))
	s1 := dir.addServer(newFakeProxy(server, prepare, nil))
	coord := newCoordinator(t, dir, true, nil)

	op := mgmt.NewOperation(mgmt.OpAdd, mgmt.MustParseAddress("/host=master/system-property=x"), mgmt.ParamValue, "1")
	res := coord.Execute(context.Background(), op)
	if !res.IsSuccess() {
		t.Fatalf("expected success, got %+v", res)
	}
	host, _ := ctrl.Snapshot().Child(mgmt.KeyHost, "master")
	if _, ok := host.Child(mgmt.KeySystemProperty, "x"); !ok {
		t.Fatalf("local change not committed")
	}
	if calls, direct := b.counts(); calls+direct != 0 {
		t.Fatalf("remote host contacted for a local operation")
	}
	if calls, direct := s1.counts(); calls != 0 || direct != 1 {
		t.Fatalf("expected one direct server call, got two-phase=%d direct=%d", calls, direct)
	}
	if len(res.ServerGroups) != 1 || res.ServerGroups[0].Group != "main" {
		t.Fatalf("unexpected server groups %+v", res.ServerGroups)
	}
	if coord.Pool().InFlight() != 0 {
		t.Fatalf("local execution used the pool")
	}
}

func TestSingleHostForwardsDirect(t *testing.T) {
	dir := newFakeDir()
	dir.addHost(newFakeProxy(mgmt.HostID("master"), prepare, nil))
	b := dir.addHost(newFakeProxy(mgmt.HostID("b"), prepare, nil))
	coord := newCoordinator(t, dir, true, nil)

	res := coord.Execute(context.Background(), mgmt.NewOperation(mgmt.OpAdd, mgmt.MustParseAddress("/host=b/path=x")))
	if !res.IsSuccess() {
		t.Fatalf("expected success, got %+v", res)
	}
	if calls, direct := b.counts(); calls != 0 || direct != 1 {
		t.Fatalf("expected direct forward, got two-phase=%d direct=%d", calls, direct)
	}
}

type countingStore struct {
	mu    sync.Mutex
	calls int
}

func (s *countingStore) Store(_ context.Context, body io.Reader) (string, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	data, err := io.ReadAll(body)
	if err != nil {
		return "", err
	}
	return content.HashBytes(data), nil
}

func TestContentStoredOnceAndOnlyHashesTravel(t *testing.T) {
	dir := newFakeDir()
	local := dir.addHost(newFakeProxy(mgmt.HostID("master"), prepare, nil))
	b := dir.addHost(newFakeProxy(mgmt.HostID("b"), prepare, nil))
	store := &countingStore{}
	coord := newCoordinator(t, dir, true, store)

	add := func(name string, item mgmt.ContentItem) mgmt.Operation {
		op := mgmt.NewOperation(mgmt.OpAdd, mgmt.MustParseAddress("/deployment="+name))
		op.Content = []mgmt.ContentItem{item}
		return op
	}
	op := mgmt.Composite(
		add("a.war", mgmt.ContentItem{InputStreamIndex: mgmt.StreamIndex(0)}),
		add("b.war", mgmt.ContentItem{InputStreamIndex: mgmt.StreamIndex(0)}),
		add("c.war", mgmt.ContentItem{Bytes: []byte("inline")}),
	)
	op.Attachments = []io.Reader{strings.NewReader("attached")}

	res := coord.Execute(context.Background(), op)
	if !res.IsSuccess() {
		t.Fatalf("expected success, got %+v", res)
	}
	if store.calls != 2 {
		t.Fatalf("expected 2 store calls, got %d", store.calls)
	}
	for _, p := range []*fakeProxy{local, b} {
		if len(p.ops) != 1 {
			t.Fatalf("%s received %d operations", p.id, len(p.ops))
		}
		got := p.ops[0]
		if got.HasPayloadContent() || got.Attachments != nil {
			t.Fatalf("%s received raw content", p.id)
		}
		if got.Steps[0].Content[0].Hash != content.HashBytes([]byte("attached")) {
			t.Fatalf("%s received wrong hash %q", p.id, got.Steps[0].Content[0].Hash)
		}
	}
}

func TestContentStoreFailureContactsNobody(t *testing.T) {
	dir := newFakeDir()
	local := dir.addHost(newFakeProxy(mgmt.HostID("master"), prepare, nil))
	coord := newCoordinator(t, dir, true, nil)
	op := mgmt.NewOperation(mgmt.OpAdd, mgmt.MustParseAddress("/deployment=a.war"))
	op.Content = []mgmt.ContentItem{{Bytes: []byte("x")}}
	res := coord.Execute(context.Background(), op)
	if res.FailureKind != mgmt.FailureContent {
		t.Fatalf("expected content failure, got %+v", res)
	}
	if calls, _ := local.counts(); calls != 0 {
		t.Fatalf("participant contacted after content failure")
	}
}

func TestReadOnlyAcrossHostsHasNoServerGroups(t *testing.T) {
	dir := newFakeDir()
	dir.addHost(newFakeProxy(mgmt.HostID("master"), complete, nil))
	dir.addHost(newFakeProxy(mgmt.HostID("b"), complete, nil))
	dir.addHost(newFakeProxy(mgmt.HostID("c"), complete, nil))
	coord := newCoordinator(t, dir, true, nil)
	op := mgmt.Composite(
		mgmt.NewOperation(mgmt.OpReadResource, mgmt.MustParseAddress("/host=b")),
		mgmt.NewOperation(mgmt.OpReadResource, mgmt.MustParseAddress("/host=c")),
	)
	res := coord.Execute(context.Background(), op)
	if !res.IsSuccess() {
		t.Fatalf("expected success, got %+v", res)
	}
	if len(res.ServerGroups) != 0 {
		t.Fatalf("read produced server groups: %+v", res.ServerGroups)
	}
	if len(res.HostResults) != 2 {
		t.Fatalf("expected two host results, got %v", res.HostNames())
	}
}

// rolloutFixture has host master owning group main (s1, s2) and host b
// owning group backup (s3).
type rolloutFixture struct {
	dir        *fakeDir
	log        *eventLog
	master, b  *fakeProxy
	s1, s2, s3 *fakeProxy
}

func newRolloutFixture(s2 behavior) *rolloutFixture {
	f := &rolloutFixture{dir: newFakeDir(), log: &eventLog{}}
	serverOp := mgmt.NewOperation(mgmt.OpAdd, mgmt.MustParseAddress("/system-property=x"), mgmt.ParamValue, "1")
	s1 := mgmt.ServerID("master", "main", "s1")
	s2ID := mgmt.ServerID("master", "main", "s2")
	s3 := mgmt.ServerID("b", "backup", "s3")
	f.master = f.dir.addHost(newFakeProxy(mgmt.HostID("master"), prepare, f.log))
	f.master.result.ServerOperations = []mgmt.ServerOperationGroup{{Servers: []mgmt.ParticipantID{s1, s2ID}, Operation: serverOp}}
	f.b = f.dir.addHost(newFakeProxy(mgmt.HostID("b"), prepare, f.log))
	f.b.result.ServerOperations = []mgmt.ServerOperationGroup{{Servers: []mgmt.ParticipantID{s3}, Operation: serverOp}}
	f.s1 = f.dir.addServer(newFakeProxy(s1, prepare, f.log))
	f.s2 = f.dir.addServer(newFakeProxy(s2ID, s2, f.log))
	f.s3 = f.dir.addServer(newFakeProxy(s3, prepare, f.log))
	return f
}

func TestRolloutCommitsServers(t *testing.T) {
	f := newRolloutFixture(prepare)
	coord := newCoordinator(t, f.dir, true, nil)
	res := coord.Execute(context.Background(), domainWrite())
	if !res.IsSuccess() {
		t.Fatalf("expected success, got %+v", res)
	}
	for _, p := range []*fakeProxy{f.master, f.b, f.s1, f.s2, f.s3} {
		assertTx(t, p, 1, 0)
	}
	if len(res.ServerGroups) != 2 {
		t.Fatalf("expected two server groups, got %+v", res.ServerGroups)
	}
	for _, hr := range res.HostResults {
		if len(hr.ServerOperations) != 0 {
			t.Fatalf("server operations leaked into the final result")
		}
	}
}

func TestRolloutGroupFailureRollsBackGroupAndOwner(t *testing.T) {
	f := newRolloutFixture(fail)
	coord := newCoordinator(t, f.dir, true, nil)
	res := coord.Execute(context.Background(), domainWrite())
	if !res.IsSuccess() {
		t.Fatalf("a single rolled back group must not fail the operation: %+v", res)
	}
	assertTx(t, f.s1, 0, 1)
	assertTx(t, f.master, 0, 1)
	assertTx(t, f.b, 1, 0)
	assertTx(t, f.s3, 1, 0)
	var main, backup mgmt.ServerGroupResult
	for _, g := range res.ServerGroups {
		switch g.Group {
		case "main":
			main = g
		case "backup":
			backup = g
		}
	}
	if !main.RolledBack || backup.RolledBack {
		t.Fatalf("unexpected group flags main=%v backup=%v", main.RolledBack, backup.RolledBack)
	}
	if !res.HostResults["master"].RolledBack || res.HostResults["b"].RolledBack {
		t.Fatalf("unexpected host flags %+v", res.HostResults)
	}
}

func TestRolloutTolerance(t *testing.T) {
	f := newRolloutFixture(fail)
	coord := newCoordinator(t, f.dir, true, nil)
	op := domainWrite()
	op.Headers = &mgmt.Headers{RolloutPlan: &mgmt.RolloutPlan{MaxFailedServers: 1}}
	res := coord.Execute(context.Background(), op)
	if !res.IsSuccess() {
		t.Fatalf("expected success, got %+v", res)
	}
	assertTx(t, f.s1, 1, 0)
	assertTx(t, f.master, 1, 0)
}

func TestRolloutRollbackAcrossGroups(t *testing.T) {
	f := newRolloutFixture(fail)
	coord := newCoordinator(t, f.dir, true, nil)
	op := domainWrite()
	op.Headers = &mgmt.Headers{RolloutPlan: &mgmt.RolloutPlan{
		InSeries:             [][]string{{"main"}, {"backup"}},
		RollbackAcrossGroups: true,
	}}
	res := coord.Execute(context.Background(), op)
	if !res.IsFailed() || !res.RolledBack {
		t.Fatalf("expected failure, got %+v", res)
	}
	for _, p := range []*fakeProxy{f.master, f.b, f.s1} {
		assertTx(t, p, 0, 1)
	}
	if calls, _ := f.s3.counts(); calls != 0 {
		t.Fatalf("later step ran after rollback across groups")
	}
}

func TestRolloutInSeriesOrder(t *testing.T) {
	f := newRolloutFixture(prepare)
	coord := newCoordinator(t, f.dir, true, nil)
	op := domainWrite()
	op.Headers = &mgmt.Headers{RolloutPlan: &mgmt.RolloutPlan{InSeries: [][]string{{"backup"}, {"main"}}}}
	res := coord.Execute(context.Background(), op)
	if !res.IsSuccess() {
		t.Fatalf("expected success, got %+v", res)
	}
	index := map[string]int{}
	for i, e := range f.log.snapshot() {
		if _, ok := index[e]; !ok {
			index[e] = i
		}
	}
	s3 := index["execute "+f.s3.id.String()]
	if s3 > index["execute "+f.s1.id.String()] || s3 > index["execute "+f.s2.id.String()] {
		t.Fatalf("backup must roll out before main: %v", f.log.snapshot())
	}
	if res.ServerGroups[0].Group != "backup" {
		t.Fatalf("server groups not reported in rollout order: %+v", res.ServerGroups)
	}
}

func TestRolloutUnsupportedRollsBackHosts(t *testing.T) {
	f := newRolloutFixture(prepare)
	delete(f.dir.servers, f.s3.id)
	coord := newCoordinator(t, f.dir, true, nil)
	res := coord.Execute(context.Background(), domainWrite())
	if res.FailureKind != mgmt.FailureRolloutUnsupported {
		t.Fatalf("expected rollout-unsupported, got %+v", res)
	}
	assertTx(t, f.master, 0, 1)
	assertTx(t, f.b, 0, 1)
	if calls, _ := f.s1.counts(); calls != 0 {
		t.Fatalf("servers contacted although the rollout is unsupported")
	}
}

func TestMissingHostProxyIsUnresponsive(t *testing.T) {
	dir := &missingHostDir{fakeDir: newFakeDir()}
	local := dir.addHost(newFakeProxy(mgmt.HostID("master"), prepare, nil))
	coord := newCoordinator(t, dir, true, nil)
	res := coord.Execute(context.Background(), domainWrite())
	if res.FailureKind != mgmt.FailureUnresponsive {
		t.Fatalf("expected unresponsive, got %+v", res)
	}
	assertTx(t, local, 0, 1)
}

// missingHostDir lists a host it has no proxy for.
type missingHostDir struct{ *fakeDir }

func (d *missingHostDir) Hosts() []string {
	return append(d.fakeDir.Hosts(), "ghost")
}

func TestLeakErrorNamesParticipants(t *testing.T) {
	err := &LeakError{Participants: []mgmt.ParticipantID{mgmt.HostID("b")}}
	if !strings.Contains(err.Error(), "host=b") {
		t.Fatalf("unexpected message %q", err.Error())
	}
	var target *LeakError
	if !errors.As(error(err), &target) {
		t.Fatalf("errors.As failed")
	}
}
