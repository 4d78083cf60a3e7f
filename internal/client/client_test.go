// ABOUTME: Tests for the worker SDK against a real gateway served over bufconn
// ABOUTME: Covers RPC calls, timeouts, state, events, subscriptions and stream lifecycle

package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"

	"github.com/2389/coven-runtime/internal/agent"
	"github.com/2389/coven-runtime/internal/auth"
	"github.com/2389/coven-runtime/internal/config"
	"github.com/2389/coven-runtime/internal/gateway"
	pb "github.com/2389/coven-runtime/proto/runtime"
)

const waitTimeout = 3 * time.Second

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type testGateway struct {
	lis  *bufconn.Listener
	stop func()
}

func startGateway(t *testing.T, mutate func(*config.Config)) *testGateway {
	t.Helper()
	cfg := config.Default()
	cfg.Server.ServerID = "client-test"
	if mutate != nil {
		mutate(cfg)
	}
	gw, err := gateway.New(cfg, testLogger())
	require.NoError(t, err)

	lis := bufconn.Listen(1 << 20)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- gw.Serve(ctx, lis, nil) }()

	var once sync.Once
	stop := func() {
		once.Do(func() {
			cancel()
			select {
			case <-done:
			case <-time.After(10 * time.Second):
				t.Error("gateway did not shut down")
			}
		})
	}
	t.Cleanup(stop)
	return &testGateway{lis: lis, stop: stop}
}

func (g *testGateway) dial(t *testing.T) *grpc.ClientConn {
	t.Helper()
	cc, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return g.lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = cc.Close() })
	return cc
}

func (g *testGateway) connect(t *testing.T, opts ...Option) *Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()

	opts = append([]Option{WithLogger(testLogger()), WithRequestTimeout(waitTimeout)}, opts...)
	c, err := Connect(ctx, g.dial(t), agent.NewHost(testLogger()), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

// funcHandler adapts plain functions to agent.Handler.
type funcHandler struct {
	event   func(ctx context.Context, ev *pb.Event) error
	request func(ctx context.Context, req agent.Request) ([]byte, error)
}

func (h funcHandler) HandleEvent(ctx context.Context, ev *pb.Event) error {
	if h.event == nil {
		return nil
	}
	return h.event(ctx, ev)
}

func (h funcHandler) HandleRequest(ctx context.Context, req agent.Request) ([]byte, error) {
	if h.request == nil {
		return nil, errors.New("no request handler")
	}
	return h.request(ctx, req)
}

func echoFactory(id agent.ID) (agent.Handler, error) {
	return funcHandler{request: func(_ context.Context, req agent.Request) ([]byte, error) {
		if req.Method == "fail" {
			return nil, errors.New("boom")
		}
		return []byte(id.Key + ":" + strings.ToUpper(string(req.Payload))), nil
	}}, nil
}

// eventSink collects delivered events for one agent type.
func eventSink(events chan<- *pb.Event) agent.Factory {
	return func(agent.ID) (agent.Handler, error) {
		return funcHandler{event: func(_ context.Context, ev *pb.Event) error {
			events <- ev
			return nil
		}}, nil
	}
}

func nextEvent(t *testing.T, events <-chan *pb.Event) *pb.Event {
	t.Helper()
	select {
	case ev := <-events:
		return ev
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func TestConnect(t *testing.T) {
	gw := startGateway(t, nil)
	c := gw.connect(t)

	assert.NotEmpty(t, c.ConnectionID())
	assert.Equal(t, "client-test", c.ServerID())
	assert.NoError(t, c.Err())
}

func TestCall_RoundTrip(t *testing.T) {
	gw := startGateway(t, nil)
	worker := gw.connect(t)
	caller := gw.connect(t)
	ctx := context.Background()

	require.NoError(t, worker.Register(ctx, "echo", echoFactory))

	reply, err := caller.Call(ctx, agent.Request{
		Target:  agent.ID{Type: "echo", Key: "alice"},
		Method:  "shout",
		Payload: []byte("hello"),
	})
	require.NoError(t, err)
	assert.Equal(t, "alice:HELLO", string(reply))
	assert.Equal(t, 1, worker.Host().Instances())
}

func TestCall_ConcurrentCallsCorrelate(t *testing.T) {
	gw := startGateway(t, nil)
	worker := gw.connect(t)
	caller := gw.connect(t)
	ctx := context.Background()
	require.NoError(t, worker.Register(ctx, "echo", echoFactory))

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			key := fmt.Sprintf("k%d", i)
			reply, err := caller.Call(ctx, agent.Request{
				Target:  agent.ID{Type: "echo", Key: key},
				Method:  "shout",
				Payload: []byte(key),
			})
			if err != nil {
				errs <- err
				return
			}
			if want := key + ":" + strings.ToUpper(key); string(reply) != want {
				errs <- fmt.Errorf("reply %q, want %q", reply, want)
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}

func TestCall_HandlerError(t *testing.T) {
	gw := startGateway(t, nil)
	worker := gw.connect(t)
	caller := gw.connect(t)
	ctx := context.Background()
	require.NoError(t, worker.Register(ctx, "echo", echoFactory))

	_, err := caller.Call(ctx, agent.Request{Target: agent.ID{Type: "echo", Key: "a"}, Method: "fail"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrApplication)

	var remote *RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, pb.ErrorCode_APPLICATION, remote.Code)
	assert.Equal(t, "boom", remote.Message)
}

func TestCall_NoWorker(t *testing.T) {
	gw := startGateway(t, nil)
	caller := gw.connect(t)

	_, err := caller.Call(context.Background(), agent.Request{Target: agent.ID{Type: "ghost", Key: "a"}})
	assert.ErrorIs(t, err, ErrTargetUnavailable)
}

func TestCall_InvalidTarget(t *testing.T) {
	gw := startGateway(t, nil)
	caller := gw.connect(t)

	_, err := caller.Call(context.Background(), agent.Request{Target: agent.ID{Type: "echo"}})
	assert.ErrorIs(t, err, agent.ErrInvalidID)
}

func TestCall_Timeout(t *testing.T) {
	gw := startGateway(t, nil)
	worker := gw.connect(t)
	caller := gw.connect(t)
	ctx := context.Background()

	release := make(chan struct{})
	require.NoError(t, worker.Register(ctx, "slow", func(agent.ID) (agent.Handler, error) {
		return funcHandler{request: func(_ context.Context, req agent.Request) ([]byte, error) {
			if req.Method == "wait" {
				<-release
			}
			return []byte("done"), nil
		}}, nil
	}))

	callCtx, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
	defer cancel()
	_, err := caller.Call(callCtx, agent.Request{Target: agent.ID{Type: "slow", Key: "a"}, Method: "wait"})
	require.ErrorIs(t, err, ErrTimeout)

	// The late answer is dropped and the agent keeps working.
	close(release)
	reply, err := caller.Call(ctx, agent.Request{Target: agent.ID{Type: "slow", Key: "a"}, Method: "ping"})
	require.NoError(t, err)
	assert.Equal(t, "done", string(reply))
}

func TestCall_TargetDisconnects(t *testing.T) {
	gw := startGateway(t, nil)
	worker := gw.connect(t)
	caller := gw.connect(t)
	ctx := context.Background()

	entered := make(chan struct{})
	require.NoError(t, worker.Register(ctx, "doomed", func(agent.ID) (agent.Handler, error) {
		return funcHandler{request: func(ctx context.Context, _ agent.Request) ([]byte, error) {
			close(entered)
			<-ctx.Done()
			return nil, ctx.Err()
		}}, nil
	}))

	result := make(chan error, 1)
	go func() {
		_, err := caller.Call(ctx, agent.Request{Target: agent.ID{Type: "doomed", Key: "a"}, Method: "hang"})
		result <- err
	}()

	<-entered
	require.NoError(t, worker.Close())

	select {
	case err := <-result:
		assert.ErrorIs(t, err, ErrTargetUnavailable)
	case <-time.After(waitTimeout):
		t.Fatal("caller was not released when the target disconnected")
	}
}

func TestState(t *testing.T) {
	gw := startGateway(t, nil)
	c := gw.connect(t)
	ctx := context.Background()
	id := agent.ID{Type: "counter", Key: "c1"}

	_, _, err := c.GetState(ctx, id)
	require.ErrorIs(t, err, ErrNotFound)

	etag, err := c.SaveState(ctx, id, []byte("1"), "")
	require.NoError(t, err)

	payload, got, err := c.GetState(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, []byte("1"), payload)
	assert.Equal(t, etag, got)

	next, err := c.SaveState(ctx, id, []byte("2"), etag)
	require.NoError(t, err)

	_, err = c.SaveState(ctx, id, []byte("3"), etag)
	require.ErrorIs(t, err, ErrConflict)

	// Without an etag only a first write succeeds.
	_, err = c.SaveState(ctx, id, []byte("4"), "")
	require.ErrorIs(t, err, ErrConflict)

	payload, got, err = c.GetState(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, []byte("2"), payload)
	assert.Equal(t, next, got)
}

func TestEvents_Delivered(t *testing.T) {
	gw := startGateway(t, nil)
	consumer := gw.connect(t)
	publisher := gw.connect(t)
	ctx := context.Background()

	events := make(chan *pb.Event, 16)
	require.NoError(t, consumer.Register(ctx, "counter", eventSink(events)))
	_, err := consumer.Subscribe(ctx, "ticks", "counter")
	require.NoError(t, err)

	require.NoError(t, publisher.Publish(ctx, &pb.Event{
		Topic:      "ticks",
		Attributes: map[string]string{pb.AttrSource: "k1", pb.AttrType: "tick"},
		Payload:    []byte("1"),
	}))

	ev := nextEvent(t, events)
	assert.Equal(t, "ticks", ev.Topic)
	assert.Equal(t, "k1", ev.Target.Key)
	assert.Equal(t, "tick", ev.GetAttribute(pb.AttrType))
	assert.NotEmpty(t, ev.GetAttribute(pb.AttrID), "publish assigns an event id")
}

func TestEvents_OrderedPerAgent(t *testing.T) {
	gw := startGateway(t, nil)
	consumer := gw.connect(t)
	publisher := gw.connect(t)
	ctx := context.Background()

	events := make(chan *pb.Event, 64)
	require.NoError(t, consumer.Register(ctx, "counter", eventSink(events)))
	_, err := consumer.Subscribe(ctx, "ticks", "counter")
	require.NoError(t, err)

	const n = 50
	for i := range n {
		require.NoError(t, publisher.Publish(ctx, &pb.Event{
			Topic:      "ticks",
			Attributes: map[string]string{pb.AttrSource: "same"},
			Payload:    []byte(fmt.Sprint(i)),
		}))
	}
	for i := range n {
		assert.Equal(t, fmt.Sprint(i), string(nextEvent(t, events).Payload))
	}
}

func TestEvents_DeadLetterReplayedOnSubscribe(t *testing.T) {
	gw := startGateway(t, nil)
	publisher := gw.connect(t)
	consumer := gw.connect(t)
	ctx := context.Background()

	require.NoError(t, publisher.Publish(ctx, &pb.Event{Topic: "orders", Payload: []byte("early")}))
	// Any round trip on the publisher's stream orders it after the publish.
	_, err := publisher.ListAgentTypes(ctx)
	require.NoError(t, err)

	events := make(chan *pb.Event, 4)
	require.NoError(t, consumer.Register(ctx, "fulfillment", eventSink(events)))
	_, err = consumer.Subscribe(ctx, "orders", "fulfillment")
	require.NoError(t, err)

	ev := nextEvent(t, events)
	assert.Equal(t, "early", string(ev.Payload))
	assert.Equal(t, "default", ev.Target.Key)
}

func TestEvents_RepublishedEventDeliveredOnce(t *testing.T) {
	gw := startGateway(t, nil)
	consumer := gw.connect(t)
	publisher := gw.connect(t)
	ctx := context.Background()

	events := make(chan *pb.Event, 4)
	require.NoError(t, consumer.Register(ctx, "counter", eventSink(events)))
	_, err := consumer.Subscribe(ctx, "ticks", "counter")
	require.NoError(t, err)

	ev := &pb.Event{Topic: "ticks", Attributes: map[string]string{pb.AttrID: "evt-1"}, Payload: []byte("x")}
	require.NoError(t, publisher.Publish(ctx, ev))
	require.NoError(t, publisher.Publish(ctx, ev))

	nextEvent(t, events)
	select {
	case dup := <-events:
		t.Fatalf("duplicate delivered: %+v", dup)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestSubscribePrefixAndUnsubscribe(t *testing.T) {
	gw := startGateway(t, nil)
	consumer := gw.connect(t)
	publisher := gw.connect(t)
	ctx := context.Background()

	events := make(chan *pb.Event, 4)
	require.NoError(t, consumer.Register(ctx, "monitor", eventSink(events)))
	subID, err := consumer.SubscribePrefix(ctx, "sensors.", "monitor")
	require.NoError(t, err)
	require.NotEmpty(t, subID)

	require.NoError(t, publisher.Publish(ctx, &pb.Event{Topic: "sensors.temp", Payload: []byte("21")}))
	assert.Equal(t, "sensors.temp", nextEvent(t, events).Topic)

	require.NoError(t, consumer.Unsubscribe(ctx, subID))
	require.ErrorIs(t, consumer.Unsubscribe(ctx, subID), ErrNotFound)

	require.NoError(t, publisher.Publish(ctx, &pb.Event{Topic: "sensors.temp", Payload: []byte("22")}))
	select {
	case ev := <-events:
		t.Fatalf("event delivered after unsubscribe: %+v", ev)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestSubscribe_InvalidType(t *testing.T) {
	gw := startGateway(t, nil)
	c := gw.connect(t)

	_, err := c.Subscribe(context.Background(), "ticks", "bad/type")
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestListAndUnregisterAgentTypes(t *testing.T) {
	gw := startGateway(t, nil)
	worker := gw.connect(t)
	caller := gw.connect(t)
	ctx := context.Background()

	require.NoError(t, worker.Register(ctx, "echo", echoFactory))
	require.NoError(t, worker.RegisterAgentType(ctx, "other"))

	types, err := caller.ListAgentTypes(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"echo", "other"}, types)

	require.NoError(t, worker.UnregisterAgentType(ctx, "echo"))
	types, err = caller.ListAgentTypes(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"other"}, types)

	_, err = caller.Call(ctx, agent.Request{Target: agent.ID{Type: "echo", Key: "a"}})
	assert.ErrorIs(t, err, ErrTargetUnavailable)
}

func TestClose(t *testing.T) {
	gw := startGateway(t, nil)
	c := gw.connect(t)

	require.NoError(t, c.Close())
	select {
	case <-c.Done():
	default:
		t.Fatal("Done should be closed after Close")
	}
	assert.NoError(t, c.Err())

	_, err := c.ListAgentTypes(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, c.Publish(context.Background(), &pb.Event{Topic: "t"}), ErrClosed)
}

func TestGatewayShutdownEndsStream(t *testing.T) {
	gw := startGateway(t, nil)
	c := gw.connect(t)

	gw.stop()
	select {
	case <-c.Done():
	case <-time.After(waitTimeout):
		t.Fatal("client did not notice the gateway shutting down")
	}
}

func TestConnect_Auth(t *testing.T) {
	const secret = "client-test-secret-of-32-bytes!!"
	gw := startGateway(t, func(cfg *config.Config) {
		cfg.Auth.Enabled = true
		cfg.Auth.JWTSecret = secret
	})

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	_, err := Connect(ctx, gw.dial(t), agent.NewHost(testLogger()), WithLogger(testLogger()))
	require.Error(t, err)

	verifier, err := auth.NewJWTVerifier([]byte(secret))
	require.NoError(t, err)
	token, err := verifier.Generate("worker-1", auth.KindWorker, time.Hour)
	require.NoError(t, err)

	c := gw.connect(t, WithToken(token))
	assert.NotEmpty(t, c.ConnectionID())
}
