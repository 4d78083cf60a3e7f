// ABOUTME: Represents a single connected worker and owns its outbound stream writer.
// ABOUTME: Tracks lifecycle state, hosted agent types, and owned subscription ids.

package worker

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	pb "github.com/2389/coven-runtime/proto/runtime"
)

var (
	// ErrConnectionClosed indicates the connection is closing or closed.
	ErrConnectionClosed = errors.New("connection closed")

	// ErrSendQueueFull indicates the outbound queue is at capacity.
	ErrSendQueueFull = errors.New("send queue full")
)

// DefaultQueueSize is the outbound queue capacity when Params.QueueSize is zero.
const DefaultQueueSize = 256

// State is a connection lifecycle state.
type State int32

const (
	StateOpened State = iota
	StateIdentified
	StateActive
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateOpened:
		return "opened"
	case StateIdentified:
		return "identified"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Stream is the part of the server stream a Connection writes to.
type Stream interface {
	Send(*pb.GatewayMessage) error
}

// Params holds the parameters for creating a new Connection.
type Params struct {
	ID        string
	PeerAddr  string
	Principal string
	Stream    Stream
	QueueSize int
	Logger    *slog.Logger
}

// Connection represents a connected worker with its gRPC stream.
type Connection struct {
	id          string
	peerAddr    string
	principal   string
	connectedAt time.Time

	stream   Stream
	state    atomic.Int32
	outbound chan *pb.GatewayMessage
	done     chan struct{}
	stopped  chan struct{}
	once     sync.Once

	mu    sync.RWMutex
	types map[string]struct{}
	subs  map[string]struct{}

	sent    atomic.Uint64
	dropped atomic.Uint64

	logger *slog.Logger
}

// NewConnection creates a Connection in the Opened state. Call Start to begin writing.
func NewConnection(p Params) *Connection {
	size := p.QueueSize
	if size <= 0 {
		size = DefaultQueueSize
	}
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Connection{
		id:          p.ID,
		peerAddr:    p.PeerAddr,
		principal:   p.Principal,
		connectedAt: time.Now().UTC(),
		stream:      p.Stream,
		outbound:    make(chan *pb.GatewayMessage, size),
		done:        make(chan struct{}),
		stopped:     make(chan struct{}),
		types:       make(map[string]struct{}),
		subs:        make(map[string]struct{}),
		logger:      logger.With("worker_id", p.ID),
	}
}

func (c *Connection) ID() string        { return c.id }
func (c *Connection) PeerAddr() string  { return c.peerAddr }
func (c *Connection) Principal() string { return c.principal }

// State returns the current lifecycle state.
func (c *Connection) State() State {
	return State(c.state.Load())
}

// Live reports whether the connection can still receive messages.
func (c *Connection) Live() bool {
	return c.State() < StateClosing
}

// advance moves the state forward to s. Moving backwards is ignored.
func (c *Connection) advance(s State) bool {
	for {
		cur := c.state.Load()
		if State(cur) >= s {
			return false
		}
		if c.state.CompareAndSwap(cur, int32(s)) {
			c.logger.Debug("connection state changed", "from", State(cur).String(), "to", s.String())
			return true
		}
	}
}

// MarkIdentified records that the worker's first registration was received.
func (c *Connection) MarkIdentified() { c.advance(StateIdentified) }

// MarkActive records that the worker is serving traffic after registering.
func (c *Connection) MarkActive() { c.advance(StateActive) }

// Start runs the writer goroutine until Close is called or ctx ends.
func (c *Connection) Start(ctx context.Context) {
	go c.writeLoop(ctx)
}

func (c *Connection) writeLoop(ctx context.Context) {
	defer close(c.stopped)
	for {
		select {
		case <-c.done:
			return
		case <-ctx.Done():
			c.Close()
			return
		case msg := <-c.outbound:
			if err := c.stream.Send(msg); err != nil {
				c.logger.Warn("failed to send to worker", "error", err)
				c.Close()
				return
			}
			c.sent.Add(1)
		}
	}
}

// Send queues msg for the writer goroutine without blocking.
func (c *Connection) Send(msg *pb.GatewayMessage) error {
	if !c.Live() {
		return ErrConnectionClosed
	}
	select {
	case <-c.done:
		return ErrConnectionClosed
	case c.outbound <- msg:
		return nil
	default:
		c.dropped.Add(1)
		c.logger.Warn("outbound queue full, dropping message", "queue_size", cap(c.outbound))
		return ErrSendQueueFull
	}
}

// Close moves the connection to Closing and stops the writer. Safe to call multiple times.
func (c *Connection) Close() {
	c.once.Do(func() {
		c.advance(StateClosing)
		close(c.done)
	})
}

// MarkClosed records that every cleanup step has run.
func (c *Connection) MarkClosed() {
	c.Close()
	c.advance(StateClosed)
}

// Wait blocks until the writer goroutine has exited or ctx ends.
func (c *Connection) Wait(ctx context.Context) error {
	select {
	case <-c.stopped:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed when the connection starts closing.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

func (c *Connection) AddType(agentType string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.types[agentType] = struct{}{}
}

func (c *Connection) RemoveType(agentType string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.types, agentType)
}

func (c *Connection) HasType(agentType string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.types[agentType]
	return ok
}

// Types returns the hosted agent types, sorted.
func (c *Connection) Types() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return sortedKeys(c.types)
}

func (c *Connection) AddSubscription(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subs[id] = struct{}{}
}

func (c *Connection) RemoveSubscription(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.subs, id)
}

// Subscriptions returns the owned subscription ids, sorted.
func (c *Connection) Subscriptions() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return sortedKeys(c.subs)
}

// Info is a snapshot of a connection for listings.
type Info struct {
	ID            string    `json:"id"`
	PeerAddr      string    `json:"peer_addr"`
	Principal     string    `json:"principal,omitempty"`
	State         string    `json:"state"`
	AgentTypes    []string  `json:"agent_types"`
	Subscriptions []string  `json:"subscriptions"`
	ConnectedAt   time.Time `json:"connected_at"`
	Sent          uint64    `json:"sent"`
	Dropped       uint64    `json:"dropped"`
}

// Info returns a snapshot of the connection.
func (c *Connection) Info() Info {
	return Info{
		ID:            c.id,
		PeerAddr:      c.peerAddr,
		Principal:     c.principal,
		State:         c.State().String(),
		AgentTypes:    c.Types(),
		Subscriptions: c.Subscriptions(),
		ConnectedAt:   c.connectedAt,
		Sent:          c.sent.Load(),
		Dropped:       c.dropped.Load(),
	}
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
