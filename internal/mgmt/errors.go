package mgmt

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
)

// Failure codes shared by the coordinator, transport and HTTP surface.
const (
	CodeNotMaster          = "not_master"
	CodeNoHandler          = "no_handler"
	CodeUnknownHost        = "unknown_host"
	CodeInvalidOperation   = "invalid_operation"
	CodeOperationFailed    = "operation_failed"
	CodeRemoteFault        = "participant_remote_fault"
	CodeInterrupted        = "participant_interrupted"
	CodeUnresponsive       = "participant_unresponsive"
	CodeTimeout            = "participant_timeout"
	CodeContentStorage     = "content_storage_failed"
	CodeRolloutUnsupported = "rollout_unsupported"
	CodeCommitFailed       = "participant_commit_failed"
)

// Failure is a coded error suitable for HTTP responses.
type Failure struct {
	Code       string
	Detail     string
	HTTPStatus int
}

func (f Failure) Error() string {
	if f.Detail == "" {
		return f.Code
	}
	return f.Code + ": " + f.Detail
}

// RoutingError means no route exists for the operation: the handler is
// missing, the host is unknown, or the operation needs the master.
type RoutingError struct {
	Failure
}

// NewRoutingError builds a RoutingError with a formatted detail.
func NewRoutingError(code, format string, args ...any) *RoutingError {
	status := http.StatusBadRequest
	switch code {
	case CodeNotMaster:
		status = http.StatusConflict
	case CodeUnknownHost:
		status = http.StatusNotFound
	}
	return &RoutingError{Failure{Code: code, Detail: fmt.Sprintf(format, args...), HTTPStatus: status}}
}

// ParticipantError records a participant that failed, stalled or could not
// be reached.
type ParticipantError struct {
	ID   ParticipantID
	Kind FailureKind
	Err  error
}

func (e *ParticipantError) Error() string {
	return fmt.Sprintf("participant %s %s: %v", e.ID, e.Kind, e.Err)
}

func (e *ParticipantError) Unwrap() error { return e.Err }

// ContentStorageError means an attachment could not be persisted.
type ContentStorageError struct {
	Err error
}

func (e *ContentStorageError) Error() string { return "content storage: " + e.Err.Error() }
func (e *ContentStorageError) Unwrap() error { return e.Err }

// RolloutUnsupportedError is raised when server-level participants have no
// proxy to execute them.
type RolloutUnsupportedError struct {
	Servers []ParticipantID
}

func (e *RolloutUnsupportedError) Error() string {
	names := make([]string, len(e.Servers))
	for i, id := range e.Servers {
		names[i] = id.String()
	}
	sort.Strings(names)
	return "no proxy available for servers: " + strings.Join(names, ", ")
}

// KindOf maps an error to a FailureKind.
func KindOf(err error) FailureKind {
	var (
		routing *RoutingError
		part    *ParticipantError
		content *ContentStorageError
		rollout *RolloutUnsupportedError
	)
	switch {
	case err == nil:
		return FailureNone
	case errors.As(err, &routing):
		return FailureRouting
	case errors.As(err, &part):
		return part.Kind
	case errors.As(err, &content):
		return FailureContent
	case errors.As(err, &rollout):
		return FailureRolloutUnsupported
	case errors.Is(err, context.Canceled):
		return FailureInterrupted
	case errors.Is(err, context.DeadlineExceeded):
		return FailureTimeout
	default:
		return FailureOperation
	}
}

// FailedResult converts an error into a failed Result.
func FailedResult(err error) Result {
	return Failed(KindOf(err), err.Error())
}

// HTTPStatusOf returns the HTTP status an error should be reported with.
func HTTPStatusOf(err error) int {
	var routing *RoutingError
	if errors.As(err, &routing) && routing.HTTPStatus != 0 {
		return routing.HTTPStatus
	}
	var failure Failure
	if errors.As(err, &failure) && failure.HTTPStatus != 0 {
		return failure.HTTPStatus
	}
	switch KindOf(err) {
	case FailureContent:
		return http.StatusBadGateway
	case FailureInterrupted:
		return 499
	case FailureTimeout, FailureUnresponsive:
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

// CodeOf returns the failure code for an error.
func CodeOf(err error) string {
	var routing *RoutingError
	if errors.As(err, &routing) {
		return routing.Code
	}
	var failure Failure
	if errors.As(err, &failure) {
		return failure.Code
	}
	switch KindOf(err) {
	case FailureContent:
		return CodeContentStorage
	case FailureRolloutUnsupported:
		return CodeRolloutUnsupported
	case FailureInterrupted:
		return CodeInterrupted
	case FailureTimeout:
		return CodeTimeout
	case FailureUnresponsive:
		return CodeUnresponsive
	case FailureParticipant:
		return CodeRemoteFault
	case FailureCommit:
		return CodeCommitFailed
	}
	return CodeOperationFailed
}
