package httpapi

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/domainctl/internal/clock"
	"pkt.systems/domainctl/internal/content"
	"pkt.systems/domainctl/internal/controller"
	"pkt.systems/domainctl/internal/mgmt"
	"pkt.systems/domainctl/internal/participant"
	"pkt.systems/domainctl/internal/remote"
	"pkt.systems/domainctl/internal/storage/memory"
)

type fakeCoordinator struct {
	mu  sync.Mutex
	ops []mgmt.Operation
}

func (f *fakeCoordinator) Execute(_ context.Context, op mgmt.Operation) mgmt.Result {
	f.mu.Lock()
	f.ops = append(f.ops, op)
	f.mu.Unlock()
	return mgmt.Success("ok")
}

type participantMap map[string]participant.Proxy

func (m participantMap) Participant(server string) (participant.Proxy, bool) {
	p, ok := m[server]
	return p, ok
}

type recordingControl struct {
	state string
	tx    participant.Transaction
	res   mgmt.Result
}

func (c *recordingControl) Prepared(tx participant.Transaction, res mgmt.Result) {
	c.state, c.tx, c.res = "prepared", tx, res
}
func (c *recordingControl) Failed(res mgmt.Result)    { c.state, c.res = "failed", res }
func (c *recordingControl) Completed(res mgmt.Result) { c.state, c.res = "completed", res }

type fixture struct {
	handler *Handler
	ctrl    *controller.Controller
	coord   *fakeCoordinator
	client  *remote.Client
	clock   *clock.Manual
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctrl, err := controller.New(controller.Config{Name: "a", Model: controller.NewResource(nil)})
	if err != nil {
		t.Fatalf("controller: %v", err)
	}
	repo, err := content.New(content.Config{Backend: memory.New()})
	if err != nil {
		t.Fatalf("content: %v", err)
	}
	coord := &fakeCoordinator{}
	clk := clock.NewManual(time.Unix(1_700_000_000, 0))
	h, err := New(Config{
		Coordinator:    coord,
		Participants:   participantMap{"": participant.NewLocalProxy(mgmt.HostID("a"), ctrl, nil)},
		Content:        repo,
		Clock:          clk,
		PendingTimeout: time.Minute,
	})
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	mux := http.NewServeMux()
	h.Register(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	client, err := remote.NewClient(remote.Config{Endpoint: srv.URL, HTTPClient: srv.Client()})
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	return &fixture{handler: h, ctrl: ctrl, coord: coord, client: client, clock: clk}
}

func TestPrepareCommitRoundTrip(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	proxy := f.client.Proxy(mgmt.HostID("a"))
	op := mgmt.NewOperation(mgmt.OpAdd, mgmt.MustParseAddress("/system-property=x"), mgmt.ParamValue, "1")
	ctl := &recordingControl{}
	if err := proxy.Execute(ctx, op, nil, ctl); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if ctl.state != "prepared" || ctl.tx == nil {
		t.Fatalf("expected prepared, got %q", ctl.state)
	}
	if f.handler.PendingCount() != 1 {
		t.Fatalf("expected one pending tx, got %d", f.handler.PendingCount())
	}
	if _, ok := f.ctrl.Snapshot().Child(mgmt.KeySystemProperty, "x"); ok {
		t.Fatalf("change visible before commit")
	}
	if err := ctl.tx.Commit(ctx); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if _, ok := f.ctrl.Snapshot().Child(mgmt.KeySystemProperty, "x"); !ok {
		t.Fatalf("commit not applied")
	}
	if f.handler.PendingCount() != 0 {
		t.Fatalf("pending tx left after commit")
	}
	err := ctl.tx.Commit(ctx)
	var remoteErr *remote.Error
	if !errors.As(err, &remoteErr) || remoteErr.Status != http.StatusNotFound || remoteErr.Response.ErrorCode != "unknown_transaction" {
		t.Fatalf("expected unknown_transaction, got %v", err)
	}
}

func TestPrepareRollbackDiscards(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	proxy := f.client.Proxy(mgmt.HostID("a"))
	ctl := &recordingControl{}
	op := mgmt.NewOperation(mgmt.OpAdd, mgmt.MustParseAddress("/path=tmp"))
	if err := proxy.Execute(ctx, op, nil, ctl); err != nil || ctl.tx == nil {
		t.Fatalf("execute: %v state=%q", err, ctl.state)
	}
	if err := ctl.tx.Rollback(ctx); err != nil {
		t.Fatalf("rollback: %v", err)
	}
	if _, ok := f.ctrl.Snapshot().Child(mgmt.KeyPath, "tmp"); ok {
		t.Fatalf("rolled back change visible")
	}
}

func TestPrepareReportsFailedAndCompleted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	proxy := f.client.Proxy(mgmt.HostID("a"))

	ctl := &recordingControl{}
	bad := mgmt.NewOperation(mgmt.OpRemove, mgmt.MustParseAddress("/path=missing"))
	if err := proxy.Execute(ctx, bad, nil, ctl); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if ctl.state != "failed" || !ctl.res.IsFailed() {
		t.Fatalf("expected failed, got %q %+v", ctl.state, ctl.res)
	}

	ctl = &recordingControl{}
	read := mgmt.NewOperation(mgmt.OpReadResource, mgmt.Address{})
	if err := proxy.Execute(ctx, read, nil, ctl); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if ctl.state != "completed" || ctl.tx != nil {
		t.Fatalf("expected completed, got %q", ctl.state)
	}
	if f.handler.PendingCount() != 0 {
		t.Fatalf("no tx should be pending")
	}
}

func TestPendingTxExpires(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	proxy := f.client.Proxy(mgmt.HostID("a"))
	ctl := &recordingControl{}
	op := mgmt.NewOperation(mgmt.OpAdd, mgmt.MustParseAddress("/path=tmp"))
	if err := proxy.Execute(ctx, op, nil, ctl); err != nil || ctl.tx == nil {
		t.Fatalf("execute: %v", err)
	}
	if !f.clock.WaitForWaiters(1, time.Second) {
		t.Fatalf("expiry timer not armed")
	}
	f.clock.Advance(time.Minute)
	deadline := time.Now().Add(2 * time.Second)
	for f.handler.PendingCount() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("pending tx did not expire")
		}
		time.Sleep(5 * time.Millisecond)
	}
	// The controller lock must be free again.
	waitCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	res := f.ctrl.Execute(waitCtx, mgmt.NewOperation(mgmt.OpAdd, mgmt.MustParseAddress("/path=other")))
	if !res.IsSuccess() {
		t.Fatalf("controller still locked: %+v", res)
	}
	if _, ok := f.ctrl.Snapshot().Child(mgmt.KeyPath, "tmp"); ok {
		t.Fatalf("expired tx was committed")
	}
}

func TestUnknownServerIsParticipantFailure(t *testing.T) {
	f := newFixture(t)
	proxy := f.client.Proxy(mgmt.ServerID("a", "main", "nope"))
	err := proxy.Execute(context.Background(), mgmt.NewOperation(mgmt.OpReadResource, mgmt.Address{}), nil, &recordingControl{})
	if mgmt.KindOf(err) != mgmt.FailureParticipant {
		t.Fatalf("expected participant failure, got %v", err)
	}
	var remoteErr *remote.Error
	if !errors.As(err, &remoteErr) || remoteErr.Status != http.StatusNotFound {
		t.Fatalf("expected 404, got %v", err)
	}
}

func TestOperationEndpointDelegatesToCoordinator(t *testing.T) {
	f := newFixture(t)
	op := mgmt.NewOperation(mgmt.OpReadResource, mgmt.MustParseAddress("/host=a"))
	res, err := f.client.Execute(context.Background(), op)
	if err != nil || !res.IsSuccess() {
		t.Fatalf("execute: %+v %v", res, err)
	}
	if len(f.coord.ops) != 1 || !f.coord.ops[0].Address.Equal(op.Address) {
		t.Fatalf("coordinator saw %+v", f.coord.ops)
	}
}

func TestContentRoundTrip(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	hash, err := f.client.StoreContent(ctx, strings.NewReader("war bytes"))
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	if hash != content.HashBytes([]byte("war bytes")) {
		t.Fatalf("unexpected hash %s", hash)
	}
	rc, err := f.client.FetchContent(ctx, hash)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	data, _ := io.ReadAll(rc)
	_ = rc.Close()
	if string(data) != "war bytes" {
		t.Fatalf("unexpected content %q", data)
	}
	_, err = f.client.FetchContent(ctx, content.HashBytes([]byte("missing")))
	var remoteErr *remote.Error
	if !errors.As(err, &remoteErr) || remoteErr.Status != http.StatusNotFound {
		t.Fatalf("expected 404, got %v", err)
	}
}

func TestRejectsTrailingJSON(t *testing.T) {
	f := newFixture(t)
	body := `{"tx_id":"a"} {"tx_id":"b"}`
	resp, err := http.Post(f.client.Endpoint()+remote.PathCommit, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	f := newFixture(t)
	resp, err := http.Get(f.client.Endpoint() + remote.PathPrepare)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", resp.StatusCode)
	}
}

type stubbornTx struct{ rollbacks atomic.Int32 }

func (t *stubbornTx) Commit(context.Context) error { return nil }
func (t *stubbornTx) Rollback(context.Context) error {
	t.rollbacks.Add(1)
	return errors.New("controller gone")
}

// twiceProxy reports Prepared twice; the second transaction cannot roll back.
type twiceProxy struct {
	first, second *stubbornTx
}

func (p *twiceProxy) ID() mgmt.ParticipantID { return mgmt.ServerID("a", "main", "s1") }

func (p *twiceProxy) Execute(_ context.Context, _ mgmt.Operation, _ participant.MessageSink, control participant.Control) error {
	control.Prepared(p.first, mgmt.Success(nil))
	control.Prepared(p.second, mgmt.Success(nil))
	return nil
}

func TestPrepareLogsFailedRollbackOfExtraReport(t *testing.T) {
	var buf bytes.Buffer
	logger := pslog.NewWithOptions(context.Background(), &buf, pslog.Options{
		Mode:     pslog.ModeStructured,
		MinLevel: pslog.DebugLevel,
	})
	proxy := &twiceProxy{first: &stubbornTx{}, second: &stubbornTx{}}
	h, err := New(Config{
		Coordinator:  &fakeCoordinator{},
		Participants: participantMap{"s1": proxy},
		Logger:       logger,
	})
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	mux := http.NewServeMux()
	h.Register(mux)
	srv := httptest.NewServer(mux)
	defer srv.Close()
	client, err := remote.NewClient(remote.Config{Endpoint: srv.URL, HTTPClient: srv.Client()})
	if err != nil {
		t.Fatalf("client: %v", err)
	}

	ctl := &recordingControl{}
	op := mgmt.NewOperation(mgmt.OpAdd, mgmt.MustParseAddress("/path=tmp"))
	if err := client.Proxy(proxy.ID()).Execute(context.Background(), op, nil, ctl); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if ctl.state != "prepared" || h.PendingCount() != 1 {
		t.Fatalf("expected the first report to be pending, got %q with %d pending", ctl.state, h.PendingCount())
	}
	if proxy.first.rollbacks.Load() != 0 || proxy.second.rollbacks.Load() != 1 {
		t.Fatalf("rollbacks first=%d second=%d", proxy.first.rollbacks.Load(), proxy.second.rollbacks.Load())
	}
	out := buf.String()
	for _, want := range []string{"participant.tx.extra_report.rollback_error", "controller gone", "s1"} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected %q in log output:\n%s", want, out)
		}
	}
	_ = h.Close(context.Background())
}

type staticSource struct{ src content.Fetcher }

func (s staticSource) MasterContent() (content.Fetcher, bool) { return s.src, s.src != nil }

func TestPreparePullsMissingContentFromSource(t *testing.T) {
	master := newFixture(t)
	ctx := context.Background()
	hash, err := master.client.StoreContent(ctx, strings.NewReader("war bytes"))
	if err != nil {
		t.Fatalf("store on master: %v", err)
	}

	ctrl, err := controller.New(controller.Config{Name: "b", Model: controller.NewResource(nil)})
	if err != nil {
		t.Fatalf("controller: %v", err)
	}
	repo, err := content.New(content.Config{Backend: memory.New()})
	if err != nil {
		t.Fatalf("content: %v", err)
	}
	h, err := New(Config{
		Coordinator:   &fakeCoordinator{},
		Participants:  participantMap{"": participant.NewLocalProxy(mgmt.HostID("b"), ctrl, nil)},
		Content:       repo,
		ContentSource: staticSource{src: master.client},
	})
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	defer h.Close(ctx)
	mux := http.NewServeMux()
	h.Register(mux)
	srv := httptest.NewServer(mux)
	defer srv.Close()
	client, err := remote.NewClient(remote.Config{Endpoint: srv.URL, HTTPClient: srv.Client()})
	if err != nil {
		t.Fatalf("client: %v", err)
	}

	op := mgmt.NewOperation(mgmt.OpAdd, mgmt.MustParseAddress("/deployment=app.war"))
	op.Content = []mgmt.ContentItem{{Hash: hash}}
	ctl := &recordingControl{}
	if err := client.Proxy(mgmt.HostID("b")).Execute(ctx, op, nil, ctl); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if ctl.state != "prepared" {
		t.Fatalf("expected prepared, got %q %+v", ctl.state, ctl.res)
	}
	if ok, err := repo.Exists(ctx, hash); err != nil || !ok {
		t.Fatalf("content not pulled: %v %v", ok, err)
	}
	if err := ctl.tx.Rollback(ctx); err != nil {
		t.Fatalf("rollback: %v", err)
	}

	missing := mgmt.NewOperation(mgmt.OpAdd, mgmt.MustParseAddress("/deployment=gone.war"))
	missing.Content = []mgmt.ContentItem{{Hash: content.HashBytes([]byte("never stored"))}}
	err = client.Proxy(mgmt.HostID("b")).Execute(ctx, missing, nil, &recordingControl{})
	var perr *mgmt.ParticipantError
	if !errors.As(err, &perr) {
		t.Fatalf("expected participant error for missing content, got %v", err)
	}
	if h.PendingCount() != 0 {
		t.Fatalf("nothing should be pending")
	}
}
