// ABOUTME: AgentRuntime gRPC service implementation for worker channels
// ABOUTME: Handles the bidirectional stream lifecycle and dispatches inbound messages in order

package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"

	"github.com/2389/coven-runtime/internal/agent"
	"github.com/2389/coven-runtime/internal/auth"
	"github.com/2389/coven-runtime/internal/metrics"
	"github.com/2389/coven-runtime/internal/registry"
	"github.com/2389/coven-runtime/internal/store"
	"github.com/2389/coven-runtime/internal/worker"
	pb "github.com/2389/coven-runtime/proto/runtime"
)

// runtimeServer implements the AgentRuntime gRPC service.
type runtimeServer struct {
	pb.UnimplementedAgentRuntimeServer
	gateway *Gateway
	logger  *slog.Logger
}

// newRuntimeServer creates a new AgentRuntime service instance.
func newRuntimeServer(gw *Gateway, logger *slog.Logger) *runtimeServer {
	return &runtimeServer{
		gateway: gw,
		logger:  logger,
	}
}

// session is the per-stream state of one worker channel.
type session struct {
	gw      *Gateway
	conn    *worker.Connection
	limiter *rate.Limiter
	logger  *slog.Logger
}

type inbound struct {
	msg *pb.WorkerMessage
	err error
}

// OpenChannel handles the bidirectional stream with a worker.
// Protocol flow:
// 1. Server sends Welcome with the connection id
// 2. Worker sends control messages, events, requests and responses
// 3. Server answers on the same stream and pushes events and forwarded requests
func (s *runtimeServer) OpenChannel(stream pb.AgentRuntime_OpenChannelServer) error {
	ctx := stream.Context()
	g := s.gateway

	principal := auth.Anonymous
	if p, ok := auth.FromContext(ctx); ok {
		principal = p
	}
	peerAddr := ""
	if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
		peerAddr = p.Addr.String()
	}

	conn := worker.NewConnection(worker.Params{
		ID:        uuid.New().String(),
		PeerAddr:  peerAddr,
		Principal: principal.ID,
		Stream:    stream,
		QueueSize: g.config.Workers.SendQueueSize,
		Logger:    s.logger,
	})
	if err := g.workers.Register(conn); err != nil {
		return status.Errorf(codes.Internal, "registering worker: %v", err)
	}
	g.metrics.ConnectedWorkers.Inc()

	// Purge runs on every exit path, including stream errors and shutdown.
	defer g.purge(conn)

	if err := conn.Send(&pb.GatewayMessage{Welcome: &pb.Welcome{
		ConnectionId: conn.ID(),
		ServerId:     g.serverID,
	}}); err != nil {
		return status.Errorf(codes.Internal, "sending welcome: %v", err)
	}
	conn.Start(ctx)

	sess := &session{
		gw:     g,
		conn:   conn,
		logger: s.logger.With("worker_id", conn.ID()),
	}
	if limit := g.config.Workers.MaxEventsPerSecond; limit > 0 {
		burst := g.config.Workers.EventBurst
		if burst <= 0 {
			burst = max(1, int(limit))
		}
		sess.limiter = rate.NewLimiter(rate.Limit(limit), burst)
	}

	// Reads happen on their own goroutine so a closed connection ends the
	// handler without waiting for the worker to hang up.
	msgs := make(chan inbound)
	go func() {
		for {
			msg, err := stream.Recv()
			select {
			case msgs <- inbound{msg: msg, err: err}:
			case <-conn.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-conn.Done():
			sess.logger.Info("worker connection closed by gateway")
			return nil
		case in := <-msgs:
			if in.err != nil {
				return sess.recvError(in.err)
			}
			sess.handle(ctx, in.msg)
		}
	}
}

func (s *session) recvError(err error) error {
	if errors.Is(err, io.EOF) {
		s.logger.Info("worker disconnected (EOF)")
		return nil
	}
	if status.Code(err) == codes.Canceled {
		s.logger.Info("worker stream cancelled")
		return nil
	}
	s.logger.Error("receiving message", "error", err)
	return status.Errorf(codes.Internal, "receiving message: %v", err)
}

// purge removes every trace of a connection once its stream ends.
func (g *Gateway) purge(conn *worker.Connection) {
	conn.Close()

	removal := g.registry.RemoveWorker(conn)
	failed := g.forwarder.failTarget(conn.ID())
	dropped := g.forwarder.dropOrigin(conn.ID())
	g.workers.Unregister(conn.ID())
	g.metrics.ConnectedWorkers.Dec()

	conn.MarkClosed()
	g.logger.Debug("worker purged",
		"worker_id", conn.ID(),
		"types", removal.Types,
		"subscriptions", len(removal.Subscriptions),
		"placements", removal.Placements,
		"failed_rpcs", failed,
		"dropped_rpcs", dropped,
	)
}

// handle dispatches one inbound message. Exactly one field is expected to be set.
func (s *session) handle(ctx context.Context, msg *pb.WorkerMessage) {
	// The first message after the first registration puts the connection in service.
	if s.conn.State() == worker.StateIdentified {
		s.conn.MarkActive()
	}
	switch {
	case msg.RegisterAgentType != nil:
		s.registerAgentType(msg.RegisterAgentType)
	case msg.UnregisterAgentType != nil:
		s.unregisterAgentType(msg.UnregisterAgentType)
	case msg.AddSubscription != nil:
		s.addSubscription(msg.AddSubscription)
	case msg.RemoveSubscription != nil:
		s.removeSubscription(msg.RemoveSubscription)
	case msg.Event != nil:
		s.publish(msg.Event)
	case msg.Request != nil:
		s.gw.forwarder.forward(s.conn, msg.Request)
	case msg.Response != nil:
		s.gw.forwarder.resolve(s.conn, msg.Response)
	case msg.GetState != nil:
		s.getState(ctx, msg.GetState)
	case msg.SaveState != nil:
		s.saveState(ctx, msg.SaveState)
	case msg.ListAgentTypes != nil:
		s.reply(&pb.GatewayMessage{ListAgentTypesResponse: &pb.ListAgentTypesResponse{
			RequestId: msg.ListAgentTypes.RequestId,
			Types:     s.gw.registry.ListAgentTypes(),
		}})
	default:
		s.logger.Warn("received unknown message type")
	}
}

// reply queues a response on the session's own connection.
func (s *session) reply(msg *pb.GatewayMessage) {
	if err := s.conn.Send(msg); err != nil {
		s.logger.Warn("failed to queue response",
			"request_id", msg.RequestID(),
			"error", err,
		)
	}
}

func (s *session) registerAgentType(req *pb.RegisterAgentTypeRequest) {
	err := s.gw.registry.RegisterAgentType(req.Type, s.conn)
	if err == nil {
		s.conn.AddType(req.Type)
		s.conn.MarkIdentified()
		s.logger.Info("agent type registered", "agent_type", req.Type)
	}
	s.reply(&pb.GatewayMessage{RegisterAgentTypeResponse: &pb.RegisterAgentTypeResponse{
		RequestId: req.RequestId,
		Error:     wireError(err),
	}})
}

func (s *session) unregisterAgentType(req *pb.UnregisterAgentTypeRequest) {
	removal := s.gw.registry.UnregisterAgentType(req.Type, s.conn)
	s.conn.RemoveType(req.Type)
	for _, id := range removal.Subscriptions {
		s.conn.RemoveSubscription(id)
	}
	s.logger.Info("agent type unregistered",
		"agent_type", req.Type,
		"subscriptions", len(removal.Subscriptions),
		"placements", removal.Placements,
	)
	s.reply(&pb.GatewayMessage{RegisterAgentTypeResponse: &pb.RegisterAgentTypeResponse{
		RequestId: req.RequestId,
	}})
}

func (s *session) addSubscription(req *pb.AddSubscriptionRequest) {
	resp := &pb.SubscriptionResponse{RequestId: req.RequestId}
	if req.Subscription == nil {
		resp.Error = wireError(fmt.Errorf("%w: missing subscription", ErrInvalidRequest))
		s.reply(&pb.GatewayMessage{SubscriptionResponse: resp})
		return
	}

	sub, err := s.gw.registry.Subscribe(registry.Subscription{
		ID:        req.Subscription.Id,
		Topic:     req.Subscription.Topic,
		AgentType: req.Subscription.AgentType,
		Prefix:    req.Subscription.Prefix,
		WorkerID:  s.conn.ID(),
	})
	if err != nil {
		resp.Id = req.Subscription.Id
		resp.Error = wireError(err)
	} else {
		s.conn.AddSubscription(sub.ID)
		resp.Id = sub.ID
	}
	s.reply(&pb.GatewayMessage{SubscriptionResponse: resp})
}

func (s *session) removeSubscription(req *pb.RemoveSubscriptionRequest) {
	_, err := s.gw.registry.Unsubscribe(req.Id)
	if err == nil {
		s.conn.RemoveSubscription(req.Id)
	}
	s.reply(&pb.GatewayMessage{SubscriptionResponse: &pb.SubscriptionResponse{
		RequestId: req.RequestId,
		Id:        req.Id,
		Error:     wireError(err),
	}})
}

func (s *session) publish(ev *pb.Event) {
	if s.limiter != nil && !s.limiter.Allow() {
		s.gw.metrics.Events.WithLabelValues(metrics.ResultRateLimited).Inc()
		s.logger.Warn("event rate limit exceeded, dropping event", "topic", ev.Topic)
		return
	}
	s.gw.publish(ev)
}

// stateResult classifies a store error for metrics.
func stateResult(err error) string {
	switch {
	case err == nil:
		return metrics.ResultOK
	case errors.Is(err, store.ErrNotFound):
		return metrics.ResultNotFound
	case errors.Is(err, store.ErrConflict):
		return metrics.ResultConflict
	default:
		return metrics.ResultError
	}
}

func (s *session) getState(ctx context.Context, req *pb.GetStateRequest) {
	resp := &pb.GetStateResponse{RequestId: req.RequestId}
	id := agent.FromProto(req.AgentId)

	started := time.Now()
	st, err := s.gw.store.Read(ctx, id)
	s.gw.metrics.ObserveState("read", stateResult(err), started)
	if err != nil {
		resp.Error = wireError(err)
	} else {
		resp.Payload = st.Payload
		resp.Etag = st.ETag
	}
	s.reply(&pb.GatewayMessage{GetStateResponse: resp})
}

func (s *session) saveState(ctx context.Context, req *pb.SaveStateRequest) {
	resp := &pb.SaveStateResponse{RequestId: req.RequestId}
	id := agent.FromProto(req.AgentId)

	started := time.Now()
	etag, err := s.gw.store.Write(ctx, id, req.Payload, req.Etag)
	s.gw.metrics.ObserveState("write", stateResult(err), started)
	if err != nil {
		resp.Error = wireError(err)
		if errors.Is(err, store.ErrConflict) {
			s.logger.Debug("state write conflict", "agent_id", id.String())
		}
	} else {
		resp.Etag = etag
	}
	s.reply(&pb.GatewayMessage{SaveStateResponse: resp})
}
