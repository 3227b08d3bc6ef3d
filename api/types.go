// Package api defines the JSON bodies exchanged between domainctl hosts and
// with operators.
package api

import "pkt.systems/domainctl/internal/mgmt"

// Participant states reported by a prepare call.
const (
	StatePrepared  = "prepared"
	StateFailed    = "failed"
	StateCompleted = "completed"
)

// OperationRequest is the body of POST /v1/operation and
// POST /v1/participant/execute.
type OperationRequest struct {
	// Operation is the management operation to run. Content items must carry
	// hashes; raw attachments never cross the wire.
	Operation mgmt.Operation `json:"operation"`
}

// PrepareRequest is the body of POST /v1/participant/prepare.
type PrepareRequest struct {
	Operation mgmt.Operation `json:"operation"`
	// Server selects a managed server of the receiving host. Empty targets
	// the host controller itself.
	Server string `json:"server,omitempty"`
}

// PrepareResponse reports the provisional outcome of a prepare call.
type PrepareResponse struct {
	// State is one of prepared, failed or completed.
	State string `json:"state"`
	// TxID identifies the pending transaction when State is prepared.
	TxID   string      `json:"tx_id,omitempty"`
	Result mgmt.Result `json:"result"`
}

// DecisionRequest is the body of POST /v1/participant/commit and
// POST /v1/participant/rollback.
type DecisionRequest struct {
	TxID string `json:"tx_id"`
}

// DecisionResponse acknowledges a decision.
type DecisionResponse struct {
	TxID  string `json:"tx_id"`
	State string `json:"state"`
}

// ContentResponse is returned by PUT /v1/content.
type ContentResponse struct {
	Hash string `json:"hash"`
	Size int64  `json:"size"`
}

// HostInfo describes one registered host.
type HostInfo struct {
	Name     string `json:"name"`
	Endpoint string `json:"endpoint,omitempty"`
	Master   bool   `json:"master,omitempty"`
	Local    bool   `json:"local,omitempty"`
}

// HostsResponse is returned by GET /v1/hosts.
type HostsResponse struct {
	Hosts []HostInfo `json:"hosts"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	// ErrorCode is the stable error identifier.
	ErrorCode string `json:"error"`
	// Detail provides human-readable diagnostic context for the error.
	Detail string `json:"detail,omitempty"`
	// FailureKind classifies the failure the same way Result does.
	FailureKind mgmt.FailureKind `json:"failure_kind,omitempty"`
}
