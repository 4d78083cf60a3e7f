// ABOUTME: Tests for the agent Host: factory registration, lazy instances, and serialized dispatch.

package agent

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pb "github.com/2389/coven-runtime/proto/runtime"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type countingHandler struct {
	id       ID
	events   atomic.Int32
	inFlight atomic.Int32
	maxSeen  atomic.Int32
}

func (h *countingHandler) HandleEvent(ctx context.Context, ev *pb.Event) error {
	h.events.Add(1)
	return nil
}

func (h *countingHandler) HandleRequest(ctx context.Context, req Request) ([]byte, error) {
	n := h.inFlight.Add(1)
	defer h.inFlight.Add(-1)
	for {
		cur := h.maxSeen.Load()
		if n <= cur || h.maxSeen.CompareAndSwap(cur, n) {
			break
		}
	}
	time.Sleep(time.Millisecond)
	if req.Method == "fail" {
		return nil, errors.New("boom")
	}
	return append([]byte(h.id.Key+":"), req.Payload...), nil
}

func TestHostRegister(t *testing.T) {
	h := NewHost(testLogger())
	require.NoError(t, h.Register("b", func(id ID) (Handler, error) { return &countingHandler{id: id}, nil }))
	require.NoError(t, h.Register("a", func(id ID) (Handler, error) { return &countingHandler{id: id}, nil }))

	err := h.Register("a", func(id ID) (Handler, error) { return nil, nil })
	assert.ErrorIs(t, err, ErrTypeRegistered)
	assert.ErrorIs(t, h.Register("", nil), ErrInvalidID)
	assert.Equal(t, []string{"a", "b"}, h.Types())
}

func TestHostInvoke_ReusesInstance(t *testing.T) {
	h := NewHost(testLogger())
	created := 0
	require.NoError(t, h.Register("echo", func(id ID) (Handler, error) {
		created++
		return &countingHandler{id: id}, nil
	}))

	ctx := context.Background()
	target := ID{Type: "echo", Key: "k1"}
	out, err := h.Invoke(ctx, Request{Target: target, Payload: []byte("hi")})
	require.NoError(t, err)
	assert.Equal(t, "k1:hi", string(out))

	_, err = h.Invoke(ctx, Request{Target: target})
	require.NoError(t, err)
	assert.Equal(t, 1, created)
	assert.Equal(t, 1, h.Instances())

	_, err = h.Invoke(ctx, Request{Target: ID{Type: "echo", Key: "k2"}})
	require.NoError(t, err)
	assert.Equal(t, 2, h.Instances())
}

func TestHostInvoke_UnknownType(t *testing.T) {
	h := NewHost(testLogger())
	_, err := h.Invoke(context.Background(), Request{Target: ID{Type: "missing", Key: "k"}})
	assert.ErrorIs(t, err, ErrUnknownType)

	_, err = h.Invoke(context.Background(), Request{Target: ID{Type: "missing"}})
	assert.ErrorIs(t, err, ErrInvalidID)
}

func TestHostInvoke_FactoryError(t *testing.T) {
	h := NewHost(testLogger())
	boom := errors.New("no resources")
	require.NoError(t, h.Register("bad", func(id ID) (Handler, error) { return nil, boom }))

	_, err := h.Invoke(context.Background(), Request{Target: ID{Type: "bad", Key: "k"}})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 0, h.Instances())
}

func TestHostInvoke_SerializesPerInstance(t *testing.T) {
	h := NewHost(testLogger())
	handler := &countingHandler{id: ID{Type: "echo", Key: "k"}}
	require.NoError(t, h.Register("echo", func(id ID) (Handler, error) { return handler, nil }))

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = h.Invoke(context.Background(), Request{Target: ID{Type: "echo", Key: "k"}})
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), handler.maxSeen.Load())
}

func TestHostDeliverEvent(t *testing.T) {
	h := NewHost(testLogger())
	handler := &countingHandler{}
	require.NoError(t, h.Register("listener", func(id ID) (Handler, error) { return handler, nil }))

	ev := &pb.Event{Topic: "news", Target: &pb.AgentId{Type: "listener", Key: "default"}}
	require.NoError(t, h.DeliverEvent(context.Background(), ev))
	require.NoError(t, h.DeliverEvent(context.Background(), ev))
	assert.Equal(t, int32(2), handler.events.Load())

	err := h.DeliverEvent(context.Background(), &pb.Event{Topic: "news"})
	assert.ErrorIs(t, err, ErrInvalidID)
}
