// ABOUTME: Worker SDK client: one AgentRuntime stream with a pending-request table
// ABOUTME: Exposes registration, subscriptions, publish, RPC calls and agent state access

package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/status"

	"github.com/2389/coven-runtime/internal/agent"
	"github.com/2389/coven-runtime/internal/auth"
	pb "github.com/2389/coven-runtime/proto/runtime"
)

// DefaultRequestTimeout bounds requests whose context has no deadline.
const DefaultRequestTimeout = 30 * time.Second

type options struct {
	token       string
	timeout     time.Duration
	logger      *slog.Logger
	dialOptions []grpc.DialOption
}

// Option configures a Client.
type Option func(*options)

// WithToken authenticates the stream with a bearer token.
func WithToken(token string) Option {
	return func(o *options) { o.token = token }
}

// WithRequestTimeout sets the bound for requests whose context has no deadline.
func WithRequestTimeout(d time.Duration) Option {
	return func(o *options) { o.timeout = d }
}

// WithLogger sets the client's logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithDialOptions appends gRPC dial options used by Dial.
func WithDialOptions(opts ...grpc.DialOption) Option {
	return func(o *options) { o.dialOptions = append(o.dialOptions, opts...) }
}

func buildOptions(opts []Option) options {
	o := options{timeout: DefaultRequestTimeout, logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Client is one worker's connection to the gateway.
type Client struct {
	cc           *grpc.ClientConn // owned by the client when created by Dial
	stream       pb.AgentRuntime_OpenChannelClient
	host         *agent.Host
	logger       *slog.Logger
	timeout      time.Duration
	connectionID string
	serverID     string

	ctx    context.Context
	cancel context.CancelFunc

	sendMu sync.Mutex

	mu      sync.Mutex
	pending map[string]chan *pb.GatewayMessage

	boxMu sync.Mutex
	boxes map[agent.ID]*mailbox
	jobs  sync.WaitGroup

	done      chan struct{}
	err       error
	closeOnce sync.Once
}

// Dial connects to the gateway at addr and opens the worker stream.
// The connection is plaintext; use WithDialOptions for transport credentials.
func Dial(ctx context.Context, addr string, host *agent.Host, opts ...Option) (*Client, error) {
	o := buildOptions(opts)
	dialOpts := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                15 * time.Second,
			Timeout:             5 * time.Second,
			PermitWithoutStream: true,
		}),
	}
	dialOpts = append(dialOpts, o.dialOptions...)

	cc, err := grpc.NewClient(addr, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("creating gRPC client: %w", err)
	}
	c, err := connect(ctx, cc, host, o)
	if err != nil {
		_ = cc.Close()
		return nil, err
	}
	c.cc = cc
	return c, nil
}

// Connect opens the worker stream over an existing connection. The caller keeps
// ownership of cc.
func Connect(ctx context.Context, cc grpc.ClientConnInterface, host *agent.Host, opts ...Option) (*Client, error) {
	return connect(ctx, cc, host, buildOptions(opts))
}

type recvResult struct {
	msg *pb.GatewayMessage
	err error
}

func connect(ctx context.Context, cc grpc.ClientConnInterface, host *agent.Host, o options) (*Client, error) {
	// The stream outlives ctx, which only bounds the handshake.
	streamCtx, cancel := context.WithCancel(context.Background())

	var callOpts []grpc.CallOption
	if o.token != "" {
		callOpts = append(callOpts, grpc.PerRPCCredentials(auth.BearerToken(o.token)))
	}
	stream, err := pb.NewAgentRuntimeClient(cc).OpenChannel(streamCtx, callOpts...)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("opening channel: %w", err)
	}

	first := make(chan recvResult, 1)
	go func() {
		msg, err := stream.Recv()
		first <- recvResult{msg: msg, err: err}
	}()

	var welcome *pb.Welcome
	select {
	case <-ctx.Done():
		cancel()
		return nil, fmt.Errorf("waiting for welcome: %w", ctx.Err())
	case r := <-first:
		if r.err != nil {
			cancel()
			return nil, fmt.Errorf("waiting for welcome: %w", r.err)
		}
		if r.msg.Welcome == nil {
			cancel()
			return nil, errors.New("gateway did not send a welcome")
		}
		welcome = r.msg.Welcome
	}

	c := &Client{
		stream:       stream,
		host:         host,
		logger:       o.logger.With("component", "client", "connection_id", welcome.ConnectionId),
		timeout:      o.timeout,
		connectionID: welcome.ConnectionId,
		serverID:     welcome.ServerId,
		ctx:          streamCtx,
		cancel:       cancel,
		pending:      make(map[string]chan *pb.GatewayMessage),
		boxes:        make(map[agent.ID]*mailbox),
		done:         make(chan struct{}),
	}
	c.logger.Info("connected to gateway", "server_id", c.serverID)
	go c.recvLoop()
	return c, nil
}

// ConnectionID is the id the gateway assigned to this stream.
func (c *Client) ConnectionID() string { return c.connectionID }

// ServerID identifies the gateway instance.
func (c *Client) ServerID() string { return c.serverID }

// Host returns the agent host dispatching inbound work.
func (c *Client) Host() *agent.Host { return c.host }

// Done is closed when the stream ends.
func (c *Client) Done() <-chan struct{} { return c.done }

// Err returns why the stream ended, or nil while it is open or after Close.
func (c *Client) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

// Close ends the stream and waits for running handlers to return.
func (c *Client) Close() error {
	c.cancel()
	<-c.done
	c.jobs.Wait()
	if c.cc != nil {
		return c.cc.Close()
	}
	return nil
}

func (c *Client) recvLoop() {
	var err error
	for {
		var msg *pb.GatewayMessage
		msg, err = c.stream.Recv()
		if err != nil {
			break
		}
		c.dispatch(msg)
	}

	switch {
	case errors.Is(err, io.EOF), status.Code(err) == codes.Canceled:
		c.logger.Info("stream closed")
		err = nil
	default:
		c.logger.Error("stream failed", "error", err)
	}
	c.closeOnce.Do(func() {
		c.err = err
		close(c.done)
	})
	c.cancel()
}

func (c *Client) dispatch(msg *pb.GatewayMessage) {
	switch {
	case msg.Event != nil:
		c.enqueueEvent(msg.Event)
	case msg.Request != nil:
		c.enqueueRequest(msg.Request)
	case msg.Welcome != nil:
		c.logger.Warn("ignoring repeated welcome")
	default:
		c.resolve(msg)
	}
}

// resolve hands a response to its waiter.
func (c *Client) resolve(msg *pb.GatewayMessage) {
	id := msg.RequestID()
	c.mu.Lock()
	ch, ok := c.pending[id]
	delete(c.pending, id)
	c.mu.Unlock()

	if !ok {
		c.logger.Warn("received response for unknown request", "request_id", id)
		return
	}
	ch <- msg
}

func (c *Client) send(msg *pb.WorkerMessage) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if err := c.stream.Send(msg); err != nil {
		return fmt.Errorf("sending to gateway: %w", err)
	}
	return nil
}

func (c *Client) forget(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// waitFor bounds a request by ctx's deadline, else by the client's default.
func (c *Client) waitFor(ctx context.Context) time.Duration {
	if dl, ok := ctx.Deadline(); ok {
		return time.Until(dl)
	}
	return c.timeout
}

// roundTrip sends the message built for a fresh request id and waits for the
// matching response.
func (c *Client) roundTrip(ctx context.Context, build func(requestID string) *pb.WorkerMessage) (*pb.GatewayMessage, error) {
	id := uuid.New().String()
	ch := make(chan *pb.GatewayMessage, 1)

	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()

	if err := c.send(build(id)); err != nil {
		c.forget(id)
		return nil, err
	}

	timer := time.NewTimer(c.waitFor(ctx))
	defer timer.Stop()

	select {
	case msg := <-ch:
		return msg, fromWire(msg.ResponseError())
	case <-timer.C:
		c.forget(id)
		return nil, fmt.Errorf("%w: request %s", ErrTimeout, id)
	case <-ctx.Done():
		c.forget(id)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %w", ErrTimeout, ctx.Err())
		}
		return nil, ctx.Err()
	case <-c.done:
		c.forget(id)
		return nil, ErrClosed
	}
}

// Register installs a factory on the host and announces the type to the gateway.
func (c *Client) Register(ctx context.Context, agentType string, f agent.Factory) error {
	if err := c.host.Register(agentType, f); err != nil {
		return err
	}
	return c.RegisterAgentType(ctx, agentType)
}

// RegisterAgentType tells the gateway this worker hosts agentType.
func (c *Client) RegisterAgentType(ctx context.Context, agentType string) error {
	_, err := c.roundTrip(ctx, func(id string) *pb.WorkerMessage {
		return &pb.WorkerMessage{RegisterAgentType: &pb.RegisterAgentTypeRequest{RequestId: id, Type: agentType}}
	})
	if err != nil {
		return fmt.Errorf("registering agent type %s: %w", agentType, err)
	}
	return nil
}

// UnregisterAgentType withdraws agentType and its subscriptions from this worker.
func (c *Client) UnregisterAgentType(ctx context.Context, agentType string) error {
	_, err := c.roundTrip(ctx, func(id string) *pb.WorkerMessage {
		return &pb.WorkerMessage{UnregisterAgentType: &pb.UnregisterAgentTypeRequest{RequestId: id, Type: agentType}}
	})
	if err != nil {
		return fmt.Errorf("unregistering agent type %s: %w", agentType, err)
	}
	return nil
}

func (c *Client) subscribe(ctx context.Context, sub *pb.Subscription) (string, error) {
	msg, err := c.roundTrip(ctx, func(id string) *pb.WorkerMessage {
		return &pb.WorkerMessage{AddSubscription: &pb.AddSubscriptionRequest{RequestId: id, Subscription: sub}}
	})
	if err != nil {
		return "", fmt.Errorf("subscribing %s to %q: %w", sub.AgentType, sub.Topic, err)
	}
	return msg.SubscriptionResponse.Id, nil
}

// Subscribe routes events on topic to agentType and returns the subscription id.
func (c *Client) Subscribe(ctx context.Context, topic, agentType string) (string, error) {
	return c.subscribe(ctx, &pb.Subscription{Topic: topic, AgentType: agentType})
}

// SubscribePrefix routes events on every topic starting with prefix to agentType.
func (c *Client) SubscribePrefix(ctx context.Context, prefix, agentType string) (string, error) {
	return c.subscribe(ctx, &pb.Subscription{Topic: prefix, AgentType: agentType, Prefix: true})
}

// Unsubscribe removes a subscription by id.
func (c *Client) Unsubscribe(ctx context.Context, subscriptionID string) error {
	_, err := c.roundTrip(ctx, func(id string) *pb.WorkerMessage {
		return &pb.WorkerMessage{RemoveSubscription: &pb.RemoveSubscriptionRequest{RequestId: id, Id: subscriptionID}}
	})
	if err != nil {
		return fmt.Errorf("unsubscribing %s: %w", subscriptionID, err)
	}
	return nil
}

// Publish broadcasts an event. It returns once the event is on the wire; the
// gateway never reports delivery failures to the publisher. An event without
// an id attribute gets a fresh one.
func (c *Client) Publish(ctx context.Context, ev *pb.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	out := &pb.Event{
		Topic:      ev.Topic,
		Attributes: maps.Clone(ev.Attributes),
		Payload:    ev.Payload,
	}
	if out.Attributes == nil {
		out.Attributes = make(map[string]string)
	}
	if out.Attributes[pb.AttrID] == "" {
		out.Attributes[pb.AttrID] = uuid.New().String()
	}
	if err := c.send(&pb.WorkerMessage{Event: out}); err != nil {
		return fmt.Errorf("publishing to %q: %w", ev.Topic, err)
	}
	return nil
}

// Call invokes a method on another agent and returns its reply payload.
func (c *Client) Call(ctx context.Context, req agent.Request) ([]byte, error) {
	if err := req.Target.Validate(); err != nil {
		return nil, err
	}
	var source *pb.AgentId
	if req.Source != nil {
		source = req.Source.Proto()
	}
	timeout := c.waitFor(ctx)

	msg, err := c.roundTrip(ctx, func(id string) *pb.WorkerMessage {
		return &pb.WorkerMessage{Request: &pb.RpcRequest{
			RequestId: id,
			Source:    source,
			Target:    req.Target.Proto(),
			Method:    req.Method,
			Payload:   req.Payload,
			TimeoutMs: uint32(max(timeout/time.Millisecond, 1)),
			Metadata:  req.Metadata,
		}}
	})
	if err != nil {
		return nil, fmt.Errorf("calling %s.%s: %w", req.Target, req.Method, err)
	}
	return msg.Response.Payload, nil
}

// GetState reads an agent's persisted state and its etag.
func (c *Client) GetState(ctx context.Context, id agent.ID) ([]byte, string, error) {
	msg, err := c.roundTrip(ctx, func(reqID string) *pb.WorkerMessage {
		return &pb.WorkerMessage{GetState: &pb.GetStateRequest{RequestId: reqID, AgentId: id.Proto()}}
	})
	if err != nil {
		return nil, "", fmt.Errorf("reading state for %s: %w", id, err)
	}
	return msg.GetStateResponse.Payload, msg.GetStateResponse.Etag, nil
}

// SaveState writes an agent's state if etag still matches and returns the new
// etag. A "*" etag writes unconditionally; an empty etag only creates state that
// does not exist yet.
func (c *Client) SaveState(ctx context.Context, id agent.ID, payload []byte, etag string) (string, error) {
	msg, err := c.roundTrip(ctx, func(reqID string) *pb.WorkerMessage {
		return &pb.WorkerMessage{SaveState: &pb.SaveStateRequest{RequestId: reqID, AgentId: id.Proto(), Payload: payload, Etag: etag}}
	})
	if err != nil {
		return "", fmt.Errorf("saving state for %s: %w", id, err)
	}
	return msg.SaveStateResponse.Etag, nil
}

// ListAgentTypes returns every agent type some worker currently hosts.
func (c *Client) ListAgentTypes(ctx context.Context) ([]string, error) {
	msg, err := c.roundTrip(ctx, func(id string) *pb.WorkerMessage {
		return &pb.WorkerMessage{ListAgentTypes: &pb.ListAgentTypesRequest{RequestId: id}}
	})
	if err != nil {
		return nil, fmt.Errorf("listing agent types: %w", err)
	}
	return msg.ListAgentTypesResponse.Types, nil
}
