package participant

import (
	"context"
	"errors"

	"pkt.systems/domainctl/internal/controller"
	"pkt.systems/domainctl/internal/mgmt"
)

// AnnotateFunc lets the owner of a local controller enrich the provisional
// result of a prepared operation, for example with the server operations
// derived from the staged model.
type AnnotateFunc func(staged *controller.Resource, op mgmt.Operation, res mgmt.Result) mgmt.Result

// LocalProxy reaches an in-process controller.
type LocalProxy struct {
	id       mgmt.ParticipantID
	ctrl     *controller.Controller
	annotate AnnotateFunc
}

// NewLocalProxy wraps ctrl under id. annotate may be nil.
func NewLocalProxy(id mgmt.ParticipantID, ctrl *controller.Controller, annotate AnnotateFunc) *LocalProxy {
	return &LocalProxy{id: id, ctrl: ctrl, annotate: annotate}
}

// ID implements Proxy.
func (p *LocalProxy) ID() mgmt.ParticipantID { return p.id }

// Controller returns the wrapped controller.
func (p *LocalProxy) Controller() *controller.Controller { return p.ctrl }

// Execute implements Proxy.
func (p *LocalProxy) Execute(ctx context.Context, op mgmt.Operation, sink MessageSink, control Control) error {
	tx, res, err := p.ctrl.Prepare(ctx, op)
	if err != nil {
		var routing *mgmt.RoutingError
		if errors.As(err, &routing) {
			control.Failed(mgmt.FailedResult(err))
			return nil
		}
		return err
	}
	switch {
	case res.IsFailed():
		control.Failed(res)
	case tx == nil:
		control.Completed(res)
	default:
		if p.annotate != nil {
			res = p.annotate(tx.Staged(), op, res)
		}
		if sink != nil {
			sink(p.id, "prepared "+op.Name+" at "+op.Address.String())
		}
		control.Prepared(tx, res)
	}
	return nil
}

// ExecuteDirect implements DirectExecutor. The committed result carries the
// same annotations a prepared result would.
func (p *LocalProxy) ExecuteDirect(ctx context.Context, op mgmt.Operation) (mgmt.Result, error) {
	tx, res, err := p.ctrl.Prepare(ctx, op)
	if err != nil {
		var routing *mgmt.RoutingError
		if errors.As(err, &routing) {
			return mgmt.FailedResult(err), nil
		}
		return mgmt.Result{}, err
	}
	if tx == nil {
		return res, nil
	}
	if p.annotate != nil {
		res = p.annotate(tx.Staged(), op, res)
	}
	if err := tx.Commit(ctx); err != nil {
		return mgmt.FailedResult(err), nil
	}
	return res, nil
}
