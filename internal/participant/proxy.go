// Package participant drives one participant through the prepare/commit
// handshake.
package participant

import (
	"context"

	"pkt.systems/domainctl/internal/mgmt"
)

// Transaction is a prepared change held by a participant.
type Transaction interface {
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// Control receives exactly one report from a Proxy.Execute call.
type Control interface {
	// Prepared reports a staged change awaiting the global decision.
	Prepared(tx Transaction, res mgmt.Result)
	// Failed reports a change that could not be staged.
	Failed(res mgmt.Result)
	// Completed reports an operation that finished without a transaction,
	// typically a read.
	Completed(res mgmt.Result)
}

// MessageSink receives progress messages emitted while executing. It may be
// nil.
type MessageSink func(id mgmt.ParticipantID, message string)

// Proxy is the handle through which a coordinator reaches one participant.
// Execute returns an error only when the participant could not be reached
// or did not report; in every other case it reports through control.
type Proxy interface {
	ID() mgmt.ParticipantID
	Execute(ctx context.Context, op mgmt.Operation, sink MessageSink, control Control) error
}

// DirectExecutor executes and commits an operation on the participant
// without coordination.
type DirectExecutor interface {
	ExecuteDirect(ctx context.Context, op mgmt.Operation) (mgmt.Result, error)
}
