package coord

import (
	"context"
	"fmt"
	"strings"

	"pkt.systems/domainctl/internal/mgmt"
	"pkt.systems/domainctl/internal/outcome"
	"pkt.systems/domainctl/internal/participant"
)

// LeakError reports prepared participants that never received a decision.
// It is raised as a panic: reaching it is a coordinator bug.
type LeakError struct {
	Participants []mgmt.ParticipantID
}

func (e *LeakError) Error() string {
	names := make([]string, len(e.Participants))
	for i, id := range e.Participants {
		names[i] = id.String()
	}
	return "coord: prepared participants left without a decision: " + strings.Join(names, ", ")
}

// finalize delivers the verdict to every submitted task, waits for the
// participants to apply it and verifies nothing was left pending.
func (c *Coordinator) finalize(ctx context.Context, run *execution) {
	if !run.hosts.Sealed() {
		run.hosts.Seal()
	}
	if !run.servers.Sealed() {
		run.servers.Seal()
	}
	hostsCommit, _ := run.hosts.Verdict()
	for _, st := range run.serverTasks {
		commit := hostsCommit && run.hosts.ShouldCommit(st.owner) && !run.servers.IsGroupRollback(st.task.ID())
		st.task.Finalize(commit)
	}
	committed := 0
	for _, t := range run.hostTasks {
		commit := run.hosts.ShouldCommit(t.ID())
		if t.Finalize(commit) && commit {
			committed++
		}
	}
	c.metrics.recordVerdict(ctx, hostsCommit)
	run.logger.Debug("coord.finalize", "commit", hostsCommit, "hosts", len(run.hostTasks), "servers", len(run.serverTasks), "committed_hosts", committed)

	c.awaitDone(run)

	var leaked []mgmt.ParticipantID
	for _, t := range run.allTasks() {
		if err := t.FinalizeError(); err != nil {
			run.logger.Warn("coord.finalize.participant_error", "participant", t.ID().String(), "error", err)
		}
		if t.Pending() {
			leaked = append(leaked, t.ID())
		}
	}
	if len(leaked) > 0 {
		panic(&LeakError{Participants: leaked})
	}
}

// awaitDone waits, bounded by the finalize wait, for every task to reach a
// terminal state.
func (c *Coordinator) awaitDone(run *execution) {
	deadline := c.clock.After(c.finalizeWait)
	for _, t := range run.allTasks() {
		select {
		case <-t.Done():
		case <-deadline:
			run.logger.Warn("coord.finalize.wait_timeout", "participant", t.ID().String(), "wait", c.finalizeWait)
			return
		}
	}
}

func (run *execution) allTasks() []*participant.Task {
	out := make([]*participant.Task, 0, len(run.hostTasks)+len(run.serverTasks))
	out = append(out, run.hostTasks...)
	for _, st := range run.serverTasks {
		out = append(out, st.task)
	}
	return out
}

// report assembles the final result of a two-phase execution.
func (c *Coordinator) report(run *execution) mgmt.Result {
	commit, _ := run.hosts.Verdict()
	res := mgmt.Result{Outcome: mgmt.OutcomeSuccess, HostResults: make(map[string]mgmt.Result)}
	var commitFailures []outcome.Record
	for _, rec := range run.hosts.Records() {
		hr := rec.Result
		hr.ServerOperations = nil
		hr.RolledBack = rec.Pending && !run.hosts.ShouldCommit(rec.ID)
		if t := run.hostTask(rec.ID); t != nil {
			if final := t.Result(); final.IsFailed() && hr.IsSuccess() {
				// Decision timeout, or a commit the host never confirmed.
				hr = final
				hr.RolledBack = final.FailureKind != mgmt.FailureCommit
				if !hr.RolledBack {
					commitFailures = append(commitFailures, outcome.Record{ID: rec.ID, Result: final})
				}
			}
		}
		res.HostResults[rec.ID.Host] = hr
	}
	if local, ok := res.HostResults[c.host]; ok && local.IsSuccess() {
		res.Value = local.Value
		res.Steps = local.Steps
	}
	groups, serverCommitFailures := run.serverGroups(commit)
	res.ServerGroups = groups
	commitFailures = append(commitFailures, serverCommitFailures...)

	switch {
	case run.err != nil:
		res.Outcome = mgmt.OutcomeFailed
		res.FailureKind = mgmt.KindOf(run.err)
		res.FailureDescription = run.err.Error()
	case !commit:
		res.Outcome = mgmt.OutcomeFailed
		res.FailureKind, res.FailureDescription = describeFailure(run.hosts, run.servers)
	case len(commitFailures) > 0:
		res.Outcome = mgmt.OutcomeFailed
		res.FailureKind = mgmt.FailureCommit
		res.FailureDescription = describeRecords("commit was not confirmed by: ", commitFailures)
	case allGroupsRolledBack(res.ServerGroups):
		res.Outcome = mgmt.OutcomeFailed
		res.FailureKind, res.FailureDescription = describeFailure(run.servers)
		res.FailureDescription = "operation rolled back on every server group: " + res.FailureDescription
	}
	// Participants that committed stay committed when another one failed to.
	res.RolledBack = res.IsFailed() && res.FailureKind != mgmt.FailureCommit
	return res
}

func (run *execution) hostTask(id mgmt.ParticipantID) *participant.Task {
	for _, t := range run.hostTasks {
		if t.ID() == id {
			return t
		}
	}
	return nil
}

// serverGroups reports the server tier per group, together with the servers
// that did not confirm their commit.
func (run *execution) serverGroups(commit bool) ([]mgmt.ServerGroupResult, []outcome.Record) {
	if len(run.groups) == 0 {
		return nil, nil
	}
	index := make(map[string]int, len(run.groups))
	out := make([]mgmt.ServerGroupResult, 0, len(run.groups))
	for _, g := range run.groups {
		index[g] = len(out)
		out = append(out, mgmt.ServerGroupResult{Group: g, Servers: make(map[mgmt.ParticipantID]mgmt.Result)})
	}
	var commitFailures []outcome.Record
	for _, st := range run.serverTasks {
		id := st.task.ID()
		rec, ok := run.servers.Result(id)
		if !ok {
			continue
		}
		sr := rec.Result
		groupRolledBack := run.servers.IsGroupRollback(id)
		sr.RolledBack = rec.Pending && (!commit || groupRolledBack || !run.hosts.ShouldCommit(st.owner))
		if final := st.task.Result(); final.FailureKind == mgmt.FailureCommit {
			sr = final
			commitFailures = append(commitFailures, outcome.Record{ID: id, Result: final})
		}
		sg := &out[index[st.group]]
		sg.Servers[id] = sr
		if groupRolledBack || !commit {
			sg.RolledBack = true
		}
	}
	return out, commitFailures
}

func allGroupsRolledBack(groups []mgmt.ServerGroupResult) bool {
	if len(groups) == 0 {
		return false
	}
	for _, g := range groups {
		if !g.RolledBack {
			return false
		}
	}
	return true
}

// describeFailure condenses the failures recorded by aggs, in order, into
// one description. An interruption takes precedence.
func describeFailure(aggs ...*outcome.Aggregator) (mgmt.FailureKind, string) {
	var failures []outcome.Record
	for _, agg := range aggs {
		if local, ok := agg.CoordinatorResult(); ok && local.FailureKind == mgmt.FailureInterrupted {
			return local.FailureKind, local.FailureDescription
		}
		failures = append(failures, agg.Failures()...)
	}
	if len(failures) == 0 {
		for _, agg := range aggs {
			if local, ok := agg.CoordinatorResult(); ok && local.IsFailed() {
				return local.FailureKind, local.FailureDescription
			}
		}
		return mgmt.FailureOperation, "operation rolled back"
	}
	return failures[0].Result.FailureKind, describeRecords("operation failed or was rolled back on: ", failures)
}

func describeRecords(prefix string, records []outcome.Record) string {
	var b strings.Builder
	b.WriteString(prefix)
	for i, rec := range records {
		if i > 0 {
			b.WriteString("; ")
		}
		fmt.Fprintf(&b, "%s: %s", rec.ID, rec.Result.FailureDescription)
	}
	return b.String()
}
