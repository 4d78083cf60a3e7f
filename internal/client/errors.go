// ABOUTME: Client-side sentinels and the RemoteError carried back from the gateway
// ABOUTME: Maps wire error codes onto sentinels so callers can use errors.Is

package client

import (
	"errors"
	"fmt"

	"github.com/2389/coven-runtime/internal/agent"
	"github.com/2389/coven-runtime/internal/registry"
	"github.com/2389/coven-runtime/internal/store"
	pb "github.com/2389/coven-runtime/proto/runtime"
)

// Re-exported so workers need not import server packages.
var (
	ErrNotFound           = store.ErrNotFound
	ErrConflict           = store.ErrConflict
	ErrNoCompatibleWorker = registry.ErrNoCompatibleWorker
)

var (
	// ErrTimeout indicates no response arrived within the request's bound.
	ErrTimeout = errors.New("request timed out")

	// ErrTargetUnavailable indicates the gateway could not reach the target agent.
	ErrTargetUnavailable = errors.New("target unavailable")

	// ErrDegraded indicates the gateway dropped buffered events.
	ErrDegraded = errors.New("gateway degraded")

	// ErrInvalidArgument indicates the gateway rejected a malformed request.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrApplication indicates the target agent's handler returned an error.
	ErrApplication = errors.New("application error")

	// ErrClosed indicates the client's stream is gone.
	ErrClosed = errors.New("client closed")
)

// RemoteError is an error reported by the gateway or by a remote agent.
type RemoteError struct {
	Code    pb.ErrorCode
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the sentinel for the code, so errors.Is works on RemoteError.
func (e *RemoteError) Unwrap() error {
	switch e.Code {
	case pb.ErrorCode_NOT_FOUND:
		return ErrNotFound
	case pb.ErrorCode_CONFLICT:
		return ErrConflict
	case pb.ErrorCode_NO_COMPATIBLE_WORKER:
		return ErrNoCompatibleWorker
	case pb.ErrorCode_TARGET_UNAVAILABLE:
		return ErrTargetUnavailable
	case pb.ErrorCode_TIMEOUT:
		return ErrTimeout
	case pb.ErrorCode_DEGRADED:
		return ErrDegraded
	case pb.ErrorCode_INVALID_ARGUMENT:
		return ErrInvalidArgument
	case pb.ErrorCode_APPLICATION:
		return ErrApplication
	}
	return nil
}

// fromWire converts a wire error into a Go error. nil stays nil.
func fromWire(e *pb.Error) error {
	if e == nil {
		return nil
	}
	return &RemoteError{Code: e.Code, Message: e.Message}
}

// toWire converts a local handler error into the error sent back to a caller.
func toWire(err error) *pb.Error {
	if err == nil {
		return nil
	}
	var remote *RemoteError
	if errors.As(err, &remote) {
		return &pb.Error{Code: remote.Code, Message: remote.Message}
	}

	code := pb.ErrorCode_APPLICATION
	switch {
	case errors.Is(err, agent.ErrInvalidID):
		code = pb.ErrorCode_INVALID_ARGUMENT
	case errors.Is(err, agent.ErrUnknownType):
		code = pb.ErrorCode_NOT_FOUND
	}
	return &pb.Error{Code: code, Message: err.Error()}
}
