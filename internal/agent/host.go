// ABOUTME: Worker-side registry of agent factories and lazily created agent instances.
// ABOUTME: Serializes calls per instance and dispatches events and requests by target id.

package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	pb "github.com/2389/coven-runtime/proto/runtime"
)

var (
	// ErrTypeRegistered indicates a factory already exists for the agent type.
	ErrTypeRegistered = errors.New("agent type already registered")

	// ErrUnknownType indicates no factory is registered for the agent type.
	ErrUnknownType = errors.New("unknown agent type")
)

// Request is an RPC addressed to one agent instance.
type Request struct {
	Source   *ID
	Target   ID
	Method   string
	Payload  []byte
	Metadata map[string]string
}

// Handler is the business-logic boundary. Implementations decide what an agent does.
type Handler interface {
	HandleEvent(ctx context.Context, ev *pb.Event) error
	HandleRequest(ctx context.Context, req Request) ([]byte, error)
}

// Factory creates the Handler for a newly addressed agent id.
type Factory func(id ID) (Handler, error)

type instance struct {
	mu      sync.Mutex
	handler Handler
}

// Host owns the agent instances living in one worker process.
type Host struct {
	mu        sync.Mutex
	factories map[string]Factory
	instances map[ID]*instance
	logger    *slog.Logger
}

// NewHost creates an empty Host.
func NewHost(logger *slog.Logger) *Host {
	return &Host{
		factories: make(map[string]Factory),
		instances: make(map[ID]*instance),
		logger:    logger.With("component", "agent-host"),
	}
}

// Register installs the factory for an agent type.
func (h *Host) Register(agentType string, f Factory) error {
	if agentType == "" {
		return fmt.Errorf("%w: empty type", ErrInvalidID)
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, exists := h.factories[agentType]; exists {
		return fmt.Errorf("%w: %s", ErrTypeRegistered, agentType)
	}
	h.factories[agentType] = f
	return nil
}

// Types returns the registered agent types, sorted.
func (h *Host) Types() []string {
	h.mu.Lock()
	defer h.mu.Unlock()

	types := make([]string, 0, len(h.factories))
	for t := range h.factories {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Instances returns how many agent instances have been created.
func (h *Host) Instances() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.instances)
}

func (h *Host) get(id ID) (*instance, error) {
	if err := id.Validate(); err != nil {
		return nil, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	if inst, ok := h.instances[id]; ok {
		return inst, nil
	}
	f, ok := h.factories[id.Type]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownType, id.Type)
	}
	handler, err := f(id)
	if err != nil {
		return nil, fmt.Errorf("create agent %s: %w", id, err)
	}
	inst := &instance{handler: handler}
	h.instances[id] = inst
	h.logger.Debug("agent instance created", "agent_id", id.String())
	return inst, nil
}

// DeliverEvent hands an event to the instance named by its target.
func (h *Host) DeliverEvent(ctx context.Context, ev *pb.Event) error {
	inst, err := h.get(FromProto(ev.GetTarget()))
	if err != nil {
		return err
	}
	inst.mu.Lock()
	defer inst.mu.Unlock()
	return inst.handler.HandleEvent(ctx, ev)
}

// Invoke runs a request against its target instance and returns the reply payload.
func (h *Host) Invoke(ctx context.Context, req Request) ([]byte, error) {
	inst, err := h.get(req.Target)
	if err != nil {
		return nil, err
	}
	inst.mu.Lock()
	defer inst.mu.Unlock()
	return inst.handler.HandleRequest(ctx, req)
}
