package httpapi

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/xid"

	"pkt.systems/pslog"

	"pkt.systems/domainctl/internal/clock"
	"pkt.systems/domainctl/internal/participant"
)

// errUnknownTx is returned when a decision names a transaction that was
// never prepared here, already decided, or expired.
var errUnknownTx = errors.New("unknown transaction")

type pendingTx struct {
	tx     participant.Transaction
	server string
	stop   chan struct{}
}

// pendingTxs holds transactions prepared on behalf of a remote coordinator
// until it decides. Each entry rolls itself back when the decision does not
// arrive in time.
type pendingTxs struct {
	mu      sync.Mutex
	entries map[string]*pendingTx
	clock   clock.Clock
	timeout time.Duration
	logger  pslog.Logger
}

func newPendingTxs(clk clock.Clock, timeout time.Duration, logger pslog.Logger) *pendingTxs {
	return &pendingTxs{
		entries: make(map[string]*pendingTx),
		clock:   clk,
		timeout: timeout,
		logger:  logger,
	}
}

func (p *pendingTxs) add(server string, tx participant.Transaction) string {
	id := xid.New().String()
	entry := &pendingTx{tx: tx, server: server, stop: make(chan struct{})}
	p.mu.Lock()
	p.entries[id] = entry
	p.mu.Unlock()
	go p.expire(id, entry)
	return id
}

func (p *pendingTxs) expire(id string, entry *pendingTx) {
	select {
	case <-entry.stop:
		return
	case <-p.clock.After(p.timeout):
	}
	if p.take(id) == nil {
		return
	}
	err := entry.tx.Rollback(context.Background())
	p.logger.Warn("participant.tx.expired", "tx_id", id, "server", entry.server, "timeout", p.timeout, "error", err)
}

func (p *pendingTxs) take(id string) *pendingTx {
	p.mu.Lock()
	defer p.mu.Unlock()
	entry, ok := p.entries[id]
	if !ok {
		return nil
	}
	delete(p.entries, id)
	return entry
}

func (p *pendingTxs) decide(ctx context.Context, id string, commit bool) error {
	entry := p.take(id)
	if entry == nil {
		return errUnknownTx
	}
	close(entry.stop)
	if commit {
		return entry.tx.Commit(ctx)
	}
	return entry.tx.Rollback(ctx)
}

func (p *pendingTxs) len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

func (p *pendingTxs) rollbackAll(ctx context.Context) error {
	p.mu.Lock()
	ids := make([]string, 0, len(p.entries))
	for id := range p.entries {
		ids = append(ids, id)
	}
	p.mu.Unlock()
	var errs []error
	for _, id := range ids {
		if err := p.decide(ctx, id, false); err != nil && !errors.Is(err, errUnknownTx) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
