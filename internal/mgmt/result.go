package mgmt

import (
	"encoding/json"
	"sort"
)

// Outcome is the coarse result of an operation.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailed  Outcome = "failed"
)

// FailureKind classifies failed results.
type FailureKind string

const (
	FailureNone               FailureKind = ""
	FailureRouting            FailureKind = "routing"
	FailureOperation          FailureKind = "operation"
	FailureParticipant        FailureKind = "participant"
	FailureInterrupted        FailureKind = "interrupted"
	FailureUnresponsive       FailureKind = "unresponsive"
	FailureTimeout            FailureKind = "timeout"
	FailureContent            FailureKind = "content"
	FailureRolloutUnsupported FailureKind = "rollout-unsupported"
	// FailureCommit marks a participant that prepared but could not apply
	// the commit decision; its state is unknown to the coordinator.
	FailureCommit FailureKind = "commit-failed"
)

// ServerOperationGroup is one derived server-level operation together with
// the managed servers that must execute it.
type ServerOperationGroup struct {
	Servers   []ParticipantID `json:"servers"`
	Operation Operation       `json:"operation"`
}

// ServerGroupResult reports the server tier of a rollout for one server group.
type ServerGroupResult struct {
	Group      string                   `json:"group"`
	RolledBack bool                     `json:"rolled-back,omitempty"`
	Servers    map[ParticipantID]Result `json:"servers"`
}

// Result is the response to an Operation.
type Result struct {
	Outcome            Outcome                `json:"outcome"`
	Value              json.RawMessage        `json:"result,omitempty"`
	FailureDescription string                 `json:"failure-description,omitempty"`
	FailureKind        FailureKind            `json:"failure-kind,omitempty"`
	RolledBack         bool                   `json:"rolled-back,omitempty"`
	Steps              []Result               `json:"steps,omitempty"`
	HostResults        map[string]Result      `json:"host-results,omitempty"`
	ServerGroups       []ServerGroupResult    `json:"server-groups,omitempty"`
	ServerOperations   []ServerOperationGroup `json:"server-operations,omitempty"`
}

// Success builds a successful result with an optional JSON value.
func Success(value any) Result {
	res := Result{Outcome: OutcomeSuccess}
	if value == nil {
		return res
	}
	if raw, ok := value.(json.RawMessage); ok {
		res.Value = raw
		return res
	}
	data, err := json.Marshal(value)
	if err != nil {
		return Failed(FailureOperation, "encode result: "+err.Error())
	}
	res.Value = data
	return res
}

// Failed builds a failed result.
func Failed(kind FailureKind, description string) Result {
	if kind == FailureNone {
		kind = FailureOperation
	}
	return Result{Outcome: OutcomeFailed, FailureKind: kind, FailureDescription: description}
}

// IsSuccess reports whether the outcome is success.
func (r Result) IsSuccess() bool { return r.Outcome == OutcomeSuccess }

// IsFailed reports whether the outcome is failed.
func (r Result) IsFailed() bool { return r.Outcome == OutcomeFailed }

// HostNames returns the sorted keys of HostResults.
func (r Result) HostNames() []string {
	names := make([]string, 0, len(r.HostResults))
	for name := range r.HostResults {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
