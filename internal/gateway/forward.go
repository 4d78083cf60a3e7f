// ABOUTME: Forwards RPC requests to the worker hosting the target agent
// ABOUTME: Correlates responses, enforces timeouts, and fails callers when a target disconnects

package gateway

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/coven-runtime/internal/agent"
	"github.com/2389/coven-runtime/internal/metrics"
	"github.com/2389/coven-runtime/internal/registry"
	"github.com/2389/coven-runtime/internal/worker"
	pb "github.com/2389/coven-runtime/proto/runtime"
)

// pendingRPC is one forwarded request waiting for its response.
type pendingRPC struct {
	callerID string // request id chosen by the caller
	origin   *worker.Connection
	targetID string
	agentID  agent.ID
	started  time.Time
	timer    *time.Timer
}

type forwarderConfig struct {
	Registry       *registry.Registry
	Workers        *worker.Manager
	Metrics        *metrics.Metrics
	DefaultTimeout time.Duration
	MaxTimeout     time.Duration
	Logger         *slog.Logger
}

// forwarder owns the gateway's pending-request table. Entries are keyed by
// the gateway-unique id sent to the target.
type forwarder struct {
	registry       *registry.Registry
	workers        *worker.Manager
	metrics        *metrics.Metrics
	defaultTimeout time.Duration
	maxTimeout     time.Duration
	logger         *slog.Logger

	mu      sync.Mutex
	pending map[string]*pendingRPC
}

func newForwarder(cfg forwarderConfig) *forwarder {
	return &forwarder{
		registry:       cfg.Registry,
		workers:        cfg.Workers,
		metrics:        cfg.Metrics,
		defaultTimeout: cfg.DefaultTimeout,
		maxTimeout:     cfg.MaxTimeout,
		logger:         cfg.Logger,
		pending:        make(map[string]*pendingRPC),
	}
}

// timeoutFor picks the request's own bound, else the default, capped at the maximum.
func (f *forwarder) timeoutFor(timeoutMs uint32) time.Duration {
	timeout := f.defaultTimeout
	if timeoutMs > 0 {
		timeout = time.Duration(timeoutMs) * time.Millisecond
	}
	if f.maxTimeout > 0 && timeout > f.maxTimeout {
		timeout = f.maxTimeout
	}
	return timeout
}

// fail answers the caller immediately without forwarding.
func (f *forwarder) fail(origin *worker.Connection, callerID string, err error) {
	if err := origin.Send(&pb.GatewayMessage{Response: &pb.RpcResponse{
		RequestId: callerID,
		Error:     wireError(err),
	}}); err != nil {
		f.logger.Warn("failed to deliver rpc error to caller",
			"worker_id", origin.ID(),
			"request_id", callerID,
			"error", err,
		)
	}
}

// forward places the target agent and sends it the request. Failures are
// reported to the caller right away; the gateway never retries.
func (f *forwarder) forward(origin *worker.Connection, req *pb.RpcRequest) {
	started := time.Now()
	target := agent.FromProto(req.Target)
	if err := target.Validate(); err != nil {
		f.metrics.ObserveRPC(metrics.ResultError, started)
		f.fail(origin, req.RequestId, fmt.Errorf("%w: rpc target: %w", ErrInvalidRequest, err))
		return
	}

	w, isNew, err := f.registry.GetOrPlaceAgent(target)
	if err != nil {
		f.metrics.ObserveRPC(metrics.ResultTargetUnavailable, started)
		f.logger.Info("rpc target unavailable", "agent_id", target.String(), "request_id", req.RequestId, "error", err)
		f.fail(origin, req.RequestId, fmt.Errorf("%w: %w", ErrTargetUnavailable, err))
		return
	}
	if isNew {
		f.metrics.Placements.Inc()
	}
	conn, ok := f.workers.Get(w.ID())
	if !ok {
		f.metrics.ObserveRPC(metrics.ResultTargetUnavailable, started)
		f.fail(origin, req.RequestId, fmt.Errorf("%w: worker %s is gone", ErrTargetUnavailable, w.ID()))
		return
	}

	timeout := f.timeoutFor(req.TimeoutMs)
	gatewayID := uuid.New().String()
	p := &pendingRPC{
		callerID: req.RequestId,
		origin:   origin,
		targetID: conn.ID(),
		agentID:  target,
		started:  started,
	}

	// The entry exists before the request leaves so a fast response always finds it.
	f.mu.Lock()
	f.pending[gatewayID] = p
	p.timer = time.AfterFunc(timeout, func() { f.expire(gatewayID) })
	f.mu.Unlock()

	err = conn.Send(&pb.GatewayMessage{Request: &pb.RpcRequest{
		RequestId: gatewayID,
		Source:    req.Source,
		Target:    req.Target,
		Method:    req.Method,
		Payload:   req.Payload,
		TimeoutMs: uint32(timeout / time.Millisecond),
		Metadata:  req.Metadata,
	}})
	if err != nil {
		if f.take(gatewayID) != nil {
			f.metrics.ObserveRPC(metrics.ResultTargetUnavailable, started)
			f.fail(origin, req.RequestId, fmt.Errorf("%w: %w", ErrTargetUnavailable, err))
		}
		return
	}

	f.logger.Debug("→ rpc forwarded",
		"agent_id", target.String(),
		"method", req.Method,
		"request_id", req.RequestId,
		"forward_id", gatewayID,
		"from", origin.ID(),
		"to", conn.ID(),
		"timeout", timeout,
	)
}

// take removes a pending entry and stops its timer. Returns nil if the entry is gone.
func (f *forwarder) take(gatewayID string) *pendingRPC {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.pending[gatewayID]
	if !ok {
		return nil
	}
	delete(f.pending, gatewayID)
	if p.timer != nil {
		p.timer.Stop()
	}
	return p
}

// resolve relays a target's response to the original caller under the caller's id.
func (f *forwarder) resolve(from *worker.Connection, resp *pb.RpcResponse) {
	f.mu.Lock()
	p, ok := f.pending[resp.RequestId]
	if ok && p.targetID != from.ID() {
		f.mu.Unlock()
		f.logger.Warn("response from a worker that was not the target",
			"forward_id", resp.RequestId,
			"worker_id", from.ID(),
			"target_id", p.targetID,
		)
		return
	}
	f.mu.Unlock()
	if !ok {
		f.logger.Warn("received response for unknown request",
			"forward_id", resp.RequestId,
			"worker_id", from.ID(),
		)
		return
	}

	p = f.take(resp.RequestId)
	if p == nil {
		// Expired between lookup and take.
		return
	}

	result := metrics.ResultOK
	if resp.Error != nil {
		result = metrics.ResultError
	}
	f.metrics.ObserveRPC(result, p.started)

	if err := p.origin.Send(&pb.GatewayMessage{Response: &pb.RpcResponse{
		RequestId: p.callerID,
		Payload:   resp.Payload,
		Error:     resp.Error,
	}}); err != nil {
		f.logger.Warn("failed to relay rpc response",
			"request_id", p.callerID,
			"worker_id", p.origin.ID(),
			"error", err,
		)
		return
	}
	f.logger.Debug("← rpc response relayed", "request_id", p.callerID, "agent_id", p.agentID.String())
}

// expire answers a caller whose target did not respond in time.
func (f *forwarder) expire(gatewayID string) {
	p := f.take(gatewayID)
	if p == nil {
		return
	}
	f.metrics.ObserveRPC(metrics.ResultTimeout, p.started)
	f.logger.Warn("rpc timed out",
		"request_id", p.callerID,
		"agent_id", p.agentID.String(),
		"target_id", p.targetID,
		"elapsed", time.Since(p.started),
	)
	f.fail(p.origin, p.callerID, fmt.Errorf("%w: no response from %s", ErrTimeout, p.agentID))
}

// failTarget answers every caller waiting on the given worker with TARGET_UNAVAILABLE.
func (f *forwarder) failTarget(workerID string) int {
	f.mu.Lock()
	var failed []*pendingRPC
	for id, p := range f.pending {
		if p.targetID != workerID {
			continue
		}
		delete(f.pending, id)
		p.timer.Stop()
		failed = append(failed, p)
	}
	f.mu.Unlock()

	for _, p := range failed {
		f.metrics.ObserveRPC(metrics.ResultTargetUnavailable, p.started)
		f.fail(p.origin, p.callerID, fmt.Errorf("%w: worker hosting %s disconnected", ErrTargetUnavailable, p.agentID))
	}
	return len(failed)
}

// dropOrigin discards requests whose caller has gone away.
func (f *forwarder) dropOrigin(workerID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	dropped := 0
	for id, p := range f.pending {
		if p.origin.ID() != workerID {
			continue
		}
		delete(f.pending, id)
		p.timer.Stop()
		dropped++
	}
	return dropped
}

func (f *forwarder) pendingCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pending)
}

// close stops every timer. Pending callers are not answered.
func (f *forwarder) close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, p := range f.pending {
		p.timer.Stop()
		delete(f.pending, id)
	}
}
