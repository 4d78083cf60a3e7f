// ABOUTME: Gateway sentinel errors and their mapping onto wire error codes
// ABOUTME: Sentinels from every package are matched with errors.Is

package gateway

import (
	"errors"

	"github.com/2389/coven-runtime/internal/agent"
	"github.com/2389/coven-runtime/internal/messages"
	"github.com/2389/coven-runtime/internal/registry"
	"github.com/2389/coven-runtime/internal/store"
	pb "github.com/2389/coven-runtime/proto/runtime"
)

var (
	// ErrTargetUnavailable indicates no live worker could take an RPC.
	ErrTargetUnavailable = errors.New("target unavailable")

	// ErrTimeout indicates the target did not answer an RPC in time.
	ErrTimeout = errors.New("rpc timed out")

	// ErrInvalidRequest indicates a malformed worker message.
	ErrInvalidRequest = errors.New("invalid request")
)

// wireError converts err into the error carried in a response. nil stays nil.
func wireError(err error) *pb.Error {
	if err == nil {
		return nil
	}
	return &pb.Error{Code: wireCode(err), Message: err.Error()}
}

func wireCode(err error) pb.ErrorCode {
	switch {
	case errors.Is(err, store.ErrNotFound), errors.Is(err, registry.ErrSubscriptionNotFound):
		return pb.ErrorCode_NOT_FOUND
	case errors.Is(err, store.ErrConflict):
		return pb.ErrorCode_CONFLICT
	case errors.Is(err, ErrTargetUnavailable):
		return pb.ErrorCode_TARGET_UNAVAILABLE
	case errors.Is(err, registry.ErrNoCompatibleWorker):
		return pb.ErrorCode_NO_COMPATIBLE_WORKER
	case errors.Is(err, ErrTimeout):
		return pb.ErrorCode_TIMEOUT
	case errors.Is(err, messages.ErrDegraded):
		return pb.ErrorCode_DEGRADED
	case errors.Is(err, ErrInvalidRequest),
		errors.Is(err, agent.ErrInvalidID),
		errors.Is(err, registry.ErrInvalidAgentType),
		errors.Is(err, registry.ErrInvalidSubscription):
		return pb.ErrorCode_INVALID_ARGUMENT
	default:
		return pb.ErrorCode_INTERNAL
	}
}
