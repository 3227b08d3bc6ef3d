package coord

import (
	"context"
	"sort"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"pkt.systems/domainctl/internal/mgmt"
	"pkt.systems/domainctl/internal/participant"
)

// serverPush is one server operation bound to the host that derived it.
type serverPush struct {
	id    mgmt.ParticipantID
	owner mgmt.ParticipantID
	op    mgmt.Operation
	proxy participant.Proxy
}

// rollout pushes the server operations announced by prepared hosts to the
// managed servers, one rollout-plan step at a time.
func (c *Coordinator) rollout(ctx context.Context, run *execution) {
	byGroup := c.serverPushes(run)
	if len(byGroup) == 0 {
		run.servers.Seal()
		return
	}
	ctx, span := c.tracer.Start(ctx, "domainctl.coord.rollout", trace.WithSpanKind(trace.SpanKindInternal))
	defer span.End()
	defer run.servers.Seal()
	logger := run.logger.With("tier", "server")

	var missing []mgmt.ParticipantID
	for _, pushes := range byGroup {
		for i := range pushes {
			proxy, ok := c.dir.ServerProxy(pushes[i].id)
			if !ok {
				missing = append(missing, pushes[i].id)
				continue
			}
			pushes[i].proxy = proxy
		}
	}
	if len(missing) > 0 {
		run.err = &mgmt.RolloutUnsupportedError{Servers: missing}
		logger.Warn("coord.rollout.unsupported", "servers", len(missing), "error", run.err)
		run.hosts.ForceRollback()
		return
	}

	names := make([]string, 0, len(byGroup))
	for name := range byGroup {
		names = append(names, name)
	}
	sort.Strings(names)
	plan := run.op.Plan()
	steps := plan.Steps(names)
	span.SetAttributes(attribute.Int("domainctl.server_groups", len(names)), attribute.Int("domainctl.rollout_steps", len(steps)))

	tolerance := 0
	acrossGroups := false
	if plan != nil {
		tolerance = plan.MaxFailedServers
		acrossGroups = plan.RollbackAcrossGroups
	}

	for i, step := range steps {
		if ctx.Err() != nil {
			run.hosts.ForceRollback()
			run.hosts.SetCoordinatorResult(mgmt.Failed(mgmt.FailureInterrupted, "operation interrupted: "+ctx.Err().Error()))
			return
		}
		logger.Debug("coord.rollout.step", "step", i+1, "groups", step)
		var tasks []*participant.Task
		var meta []*serverTask
		for _, group := range step {
			run.groups = append(run.groups, group)
			for _, push := range byGroup[group] {
				t := c.newTask(push.proxy, push.op, logger)
				tasks = append(tasks, t)
				meta = append(meta, &serverTask{task: t, group: group, owner: push.owner})
			}
		}
		c.collect(ctx, logger, run.servers, tasks, func(i int) {
			run.serverTasks = append(run.serverTasks, meta[i])
		})
		if res, ok := run.servers.CoordinatorResult(); ok && res.IsFailed() {
			// Interrupted while collecting.
			run.hosts.ForceRollback()
			run.hosts.SetCoordinatorResult(res)
			return
		}
		if c.evaluateStep(run, step, byGroup, tolerance) && acrossGroups {
			logger.Debug("coord.rollout.rollback_across_groups", "step", i+1)
			run.hosts.ForceRollback()
			return
		}
	}
}

// evaluateStep marks every group of step whose failures exceed tolerance
// for rollback, together with the hosts owning its servers. It reports
// whether any server of the step failed.
func (c *Coordinator) evaluateStep(run *execution, step []string, byGroup map[string][]serverPush, tolerance int) bool {
	anyFailed := false
	for _, group := range step {
		failed := 0
		for _, push := range byGroup[group] {
			if rec, ok := run.servers.Result(push.id); ok && rec.Result.IsFailed() {
				failed++
			}
		}
		if failed == 0 {
			continue
		}
		anyFailed = true
		if failed <= tolerance {
			continue
		}
		run.logger.Debug("coord.rollout.group_rollback", "group", group, "failed", failed, "tolerance", tolerance)
		for _, push := range byGroup[group] {
			run.servers.MarkGroupRollback(push.id)
			run.hosts.MarkGroupRollback(push.owner)
		}
	}
	return anyFailed
}

// serverPushes collects the server operations of every prepared host,
// keyed by server group.
func (c *Coordinator) serverPushes(run *execution) map[string][]serverPush {
	out := make(map[string][]serverPush)
	for _, rec := range run.hosts.Records() {
		if !rec.Pending || rec.Result.IsFailed() {
			continue
		}
		for _, g := range rec.Result.ServerOperations {
			for _, id := range g.Servers {
				out[id.Group] = append(out[id.Group], serverPush{id: id, owner: rec.ID, op: g.Operation})
			}
		}
	}
	return out
}
