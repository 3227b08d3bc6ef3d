// Package outcome collects participant results and derives the global
// commit or rollback verdict.
package outcome

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"pkt.systems/domainctl/internal/mgmt"
)

var (
	// ErrDuplicateResult is returned when a participant reports twice.
	ErrDuplicateResult = errors.New("outcome: duplicate result")
	// ErrNotSealed is returned by Verdict before Seal.
	ErrNotSealed = errors.New("outcome: aggregator not sealed")
	// ErrSealed is returned by AddResult after Seal.
	ErrSealed = errors.New("outcome: aggregator sealed")
)

// Record is one participant's provisional result.
type Record struct {
	ID      mgmt.ParticipantID
	Result  mgmt.Result
	Pending bool
}

// Aggregator collects one Record per participant for one operation. It is
// safe for concurrent writers.
type Aggregator struct {
	mu            sync.RWMutex
	records       map[mgmt.ParticipantID]Record
	order         []mgmt.ParticipantID
	local         *mgmt.Result
	groupRollback map[mgmt.ParticipantID]bool
	forced        bool
	sealed        bool
}

// New returns an empty aggregator.
func New() *Aggregator {
	return &Aggregator{
		records:       make(map[mgmt.ParticipantID]Record),
		groupRollback: make(map[mgmt.ParticipantID]bool),
	}
}

// AddResult records id's provisional result. Each id may report once.
func (a *Aggregator) AddResult(id mgmt.ParticipantID, res mgmt.Result, pending bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.sealed {
		return fmt.Errorf("%w: %s", ErrSealed, id)
	}
	if _, ok := a.records[id]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateResult, id)
	}
	a.records[id] = Record{ID: id, Result: res, Pending: pending}
	a.order = append(a.order, id)
	return nil
}

// SetCoordinatorResult records the coordinator's own result.
func (a *Aggregator) SetCoordinatorResult(res mgmt.Result) {
	a.mu.Lock()
	r := res
	a.local = &r
	a.mu.Unlock()
}

// CoordinatorResult returns the coordinator's own result, if set.
func (a *Aggregator) CoordinatorResult() (mgmt.Result, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.local == nil {
		return mgmt.Result{}, false
	}
	return *a.local, true
}

// ForceRollback marks the whole operation for rollback regardless of the
// recorded results.
func (a *Aggregator) ForceRollback() {
	a.mu.Lock()
	a.forced = true
	a.mu.Unlock()
}

// Seal closes the collection phase.
func (a *Aggregator) Seal() {
	a.mu.Lock()
	a.sealed = true
	a.mu.Unlock()
}

// Sealed reports whether Seal was called.
func (a *Aggregator) Sealed() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.sealed
}

// IsCompleteRollback reports whether the coordinator or any participant
// failed.
func (a *Aggregator) IsCompleteRollback() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.completeRollbackLocked()
}

func (a *Aggregator) completeRollbackLocked() bool {
	if a.forced {
		return true
	}
	if a.local != nil && a.local.IsFailed() {
		return true
	}
	for _, rec := range a.records {
		if rec.Result.IsFailed() {
			return true
		}
	}
	return false
}

// Verdict returns the commit decision once sealed.
func (a *Aggregator) Verdict() (commit bool, err error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if !a.sealed {
		return false, ErrNotSealed
	}
	return !a.completeRollbackLocked(), nil
}

// MarkGroupRollback marks id to roll back even when the operation as a whole
// commits.
func (a *Aggregator) MarkGroupRollback(id mgmt.ParticipantID) {
	a.mu.Lock()
	a.groupRollback[id] = true
	a.mu.Unlock()
}

// IsGroupRollback reports whether id was marked by MarkGroupRollback.
func (a *Aggregator) IsGroupRollback(id mgmt.ParticipantID) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.groupRollback[id]
}

// ShouldCommit is the decision for id: commit only when the operation does
// not roll back completely and id is not marked for group rollback.
func (a *Aggregator) ShouldCommit(id mgmt.ParticipantID) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return !a.completeRollbackLocked() && !a.groupRollback[id]
}

// Result returns the record for id.
func (a *Aggregator) Result(id mgmt.ParticipantID) (Record, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	rec, ok := a.records[id]
	return rec, ok
}

// Len returns the number of records.
func (a *Aggregator) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.records)
}

// Records returns the records sorted by participant id.
func (a *Aggregator) Records() []Record {
	a.mu.RLock()
	out := make([]Record, 0, len(a.records))
	for _, rec := range a.records {
		out = append(out, rec)
	}
	a.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID.String() < out[j].ID.String() })
	return out
}

// Failures returns the failed records in arrival order.
func (a *Aggregator) Failures() []Record {
	a.mu.RLock()
	defer a.mu.RUnlock()
	var out []Record
	for _, id := range a.order {
		if rec := a.records[id]; rec.Result.IsFailed() {
			out = append(out, rec)
		}
	}
	return out
}
