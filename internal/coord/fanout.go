package coord

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"pkt.systems/pslog"

	"pkt.systems/domainctl/internal/mgmt"
	"pkt.systems/domainctl/internal/outcome"
	"pkt.systems/domainctl/internal/participant"
	"pkt.systems/domainctl/internal/routing"
)

// execution is the state of one two-phase operation.
type execution struct {
	op     mgmt.Operation
	logger pslog.Logger

	hosts     *outcome.Aggregator
	hostTasks []*participant.Task

	servers     *outcome.Aggregator
	serverTasks []*serverTask
	// groups in rollout order
	groups []string
	// err is the rollout failure, if any.
	err error
}

type serverTask struct {
	task  *participant.Task
	group string
	owner mgmt.ParticipantID
}

func (c *Coordinator) executeTwoPhase(ctx context.Context, logger pslog.Logger, hosts []string, op mgmt.Operation) (res mgmt.Result) {
	op, err := c.substitute(ctx, op)
	if err != nil {
		return mgmt.FailedResult(err)
	}
	run := &execution{
		op:      op,
		logger:  logger,
		hosts:   outcome.New(),
		servers: outcome.New(),
	}
	defer func() {
		r := recover()
		if r != nil {
			logger.Error("coord.execute.panic", "panic", fmt.Sprint(r))
			run.hosts.ForceRollback()
		}
		c.finalize(ctx, run)
		if r != nil {
			panic(r)
		}
		res = c.report(run)
	}()

	c.hostFanout(ctx, run, hosts)
	run.hosts.Seal()
	if !run.hosts.IsCompleteRollback() {
		c.rollout(ctx, run)
	}
	return mgmt.Result{}
}

func (c *Coordinator) newTask(proxy participant.Proxy, op mgmt.Operation, logger pslog.Logger) *participant.Task {
	return participant.NewTask(participant.TaskConfig{
		Proxy:     proxy,
		Operation: op,
		Sink: func(id mgmt.ParticipantID, message string) {
			logger.Trace("coord.participant.message", "participant", id.String(), "message", message)
		},
		Logger:          logger,
		Clock:           c.clock,
		DecisionTimeout: c.decisionTimeout,
	})
}

// hostFanout dispatches op to the host controllers. The local host prepares
// first; remotes are only contacted once it succeeded.
func (c *Coordinator) hostFanout(ctx context.Context, run *execution, hosts []string) {
	ctx, span := c.tracer.Start(ctx, "domainctl.coord.fanout", trace.WithSpanKind(trace.SpanKindInternal))
	defer span.End()
	span.SetAttributes(attribute.Int("domainctl.hosts", len(hosts)))
	logger := run.logger.With("tier", "host")

	var local *participant.Task
	var remotes []*participant.Task
	for _, host := range hosts {
		hostOp, ok := routing.ForHost(run.op, host)
		if !ok {
			continue
		}
		id := mgmt.HostID(host)
		proxy, ok := c.dir.HostProxy(host)
		if !ok {
			c.addResult(logger, run.hosts, id, mgmt.FailedResult(&mgmt.ParticipantError{
				ID:   id,
				Kind: mgmt.FailureUnresponsive,
				Err:  errors.New("no route to host"),
			}), false)
			continue
		}
		task := c.newTask(proxy, hostOp, logger)
		if host == c.host {
			local = task
			continue
		}
		remotes = append(remotes, task)
	}

	if local != nil {
		c.submit(ctx, logger, local)
		run.hostTasks = append(run.hostTasks, local)
		res, err := local.Wait(ctx)
		if err != nil {
			c.interrupt(logger, run.hosts, []*participant.Task{local}, err)
			return
		}
		c.addResult(logger, run.hosts, local.ID(), res, local.State() == participant.StatePrepared)
		run.hosts.SetCoordinatorResult(res)
		if res.IsFailed() {
			logger.Debug("coord.fanout.local_failed", "failure", res.FailureDescription)
			return
		}
	}
	if ctx.Err() != nil {
		c.interrupt(logger, run.hosts, remotes, ctx.Err())
		return
	}
	c.collect(ctx, logger, run.hosts, remotes, func(i int) {
		run.hostTasks = append(run.hostTasks, remotes[i])
	})
}

// collect submits every task before waiting for the first and records the
// provisional results in submission order. submitted is told about every
// task handed to the pool.
func (c *Coordinator) collect(ctx context.Context, logger pslog.Logger, agg *outcome.Aggregator, tasks []*participant.Task, submitted func(i int)) {
	for i, t := range tasks {
		c.submit(ctx, logger, t)
		submitted(i)
	}
	for i, t := range tasks {
		res, err := t.Wait(ctx)
		if err != nil {
			c.interrupt(logger, agg, tasks[i:], err)
			return
		}
		c.addResult(logger, agg, t.ID(), res, t.State() == participant.StatePrepared)
	}
}

func (c *Coordinator) submit(ctx context.Context, logger pslog.Logger, t *participant.Task) {
	c.metrics.recordDispatch(ctx, t.ID())
	logger.Trace("coord.fanout.dispatch", "participant", t.ID().String())
	if err := c.pool.Submit(ctx, t); err != nil {
		logger.Debug("coord.fanout.submit_failed", "participant", t.ID().String(), "error", err)
	}
}

// interrupt cancels tasks whose results were not collected and records
// them as interrupted. Tasks that prepared meanwhile roll back.
func (c *Coordinator) interrupt(logger pslog.Logger, agg *outcome.Aggregator, tasks []*participant.Task, cause error) {
	logger.Warn("coord.fanout.interrupted", "outstanding", len(tasks), "error", cause)
	for _, t := range tasks {
		t.Cancel()
		c.addResult(logger, agg, t.ID(), mgmt.FailedResult(&mgmt.ParticipantError{
			ID:   t.ID(),
			Kind: mgmt.FailureInterrupted,
			Err:  fmt.Errorf("interrupted before reporting: %w", cause),
		}), false)
	}
	agg.SetCoordinatorResult(mgmt.Failed(mgmt.FailureInterrupted, "operation interrupted: "+cause.Error()))
}

func (c *Coordinator) addResult(logger pslog.Logger, agg *outcome.Aggregator, id mgmt.ParticipantID, res mgmt.Result, pending bool) {
	if err := agg.AddResult(id, res, pending); err != nil {
		logger.Error("coord.aggregate.rejected", "participant", id.String(), "error", err)
		return
	}
	if res.IsFailed() {
		c.metrics.recordFailure(context.Background(), id, res.FailureKind)
		logger.Debug("coord.participant.failed", "participant", id.String(), "kind", res.FailureKind, "failure", res.FailureDescription)
	}
}
