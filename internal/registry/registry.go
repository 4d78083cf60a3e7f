// ABOUTME: Directory of agent types per worker, topic subscriptions, and sticky agent placements.
// ABOUTME: Sharded by xxhash for types and placements; one RWMutex for subscription indices.

package registry

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"

	"github.com/2389/coven-runtime/internal/agent"
)

var (
	// ErrNoCompatibleWorker indicates no live worker hosts the requested agent type.
	ErrNoCompatibleWorker = errors.New("no compatible worker")

	// ErrSubscriptionNotFound indicates the subscription id is unknown.
	ErrSubscriptionNotFound = errors.New("subscription not found")

	// ErrInvalidSubscription indicates a malformed or conflicting subscription.
	ErrInvalidSubscription = errors.New("invalid subscription")

	// ErrInvalidAgentType indicates an empty or malformed agent type.
	ErrInvalidAgentType = errors.New("invalid agent type")
)

const defaultShards = 16

// Subscription routes a topic, or every topic with a prefix, to an agent type.
type Subscription struct {
	ID        string `json:"id"`
	Topic     string `json:"topic"`
	AgentType string `json:"agent_type"`
	Prefix    bool   `json:"prefix"`
	WorkerID  string `json:"worker_id"`
}

// Matches reports whether the subscription applies to topic. Matching is case sensitive.
func (s Subscription) Matches(topic string) bool {
	if s.Prefix {
		return strings.HasPrefix(topic, s.Topic)
	}
	return s.Topic == topic
}

func (s Subscription) sameBinding(o Subscription) bool {
	return s.Topic == o.Topic && s.AgentType == o.AgentType && s.Prefix == o.Prefix && s.WorkerID == o.WorkerID
}

// SubscribeHook runs after a new subscription is stored.
type SubscribeHook func(sub Subscription)

// Removal summarizes what RemoveWorker or UnregisterAgentType deleted.
type Removal struct {
	Types         []string
	Subscriptions []string
	Placements    int
}

type typeShard struct {
	mu      sync.RWMutex
	workers map[string]map[string]Worker // agent type -> worker id -> worker
}

type placeShard struct {
	mu       sync.Mutex
	bindings map[agent.ID]Worker
}

// Option customizes a Registry.
type Option func(*Registry)

// WithSelector sets the placement policy.
func WithSelector(s Selector) Option {
	return func(r *Registry) { r.selector = s }
}

// WithShards sets the number of lock stripes for types and placements.
func WithShards(n int) Option {
	return func(r *Registry) {
		if n > 0 {
			r.shardCount = n
		}
	}
}

// WithSubscribeHook installs the hook at construction time.
func WithSubscribeHook(h SubscribeHook) Option {
	return func(r *Registry) { r.hook = h }
}

// Registry is safe for concurrent use.
type Registry struct {
	shardCount  int
	typeShards  []*typeShard
	placeShards []*placeShard

	loadMu sync.Mutex
	load   map[string]int // worker id -> bound agents

	subMu  sync.RWMutex
	exact  map[string]map[string]map[string]struct{} // topic -> agent type -> subscription ids
	prefix map[string]map[string]map[string]struct{} // prefix -> agent type -> subscription ids
	byID   map[string]Subscription

	hookMu sync.RWMutex
	hook   SubscribeHook

	selector Selector
	logger   *slog.Logger
}

// New creates an empty Registry.
func New(logger *slog.Logger, opts ...Option) *Registry {
	r := &Registry{
		shardCount: defaultShards,
		load:       make(map[string]int),
		exact:      make(map[string]map[string]map[string]struct{}),
		prefix:     make(map[string]map[string]map[string]struct{}),
		byID:       make(map[string]Subscription),
		selector:   &RoundRobin{},
		logger:     logger.With("component", "registry"),
	}
	for _, o := range opts {
		o(r)
	}
	r.typeShards = make([]*typeShard, r.shardCount)
	r.placeShards = make([]*placeShard, r.shardCount)
	for i := 0; i < r.shardCount; i++ {
		r.typeShards[i] = &typeShard{workers: make(map[string]map[string]Worker)}
		r.placeShards[i] = &placeShard{bindings: make(map[agent.ID]Worker)}
	}
	return r
}

// SetSubscribeHook replaces the subscribe hook.
func (r *Registry) SetSubscribeHook(h SubscribeHook) {
	r.hookMu.Lock()
	defer r.hookMu.Unlock()
	r.hook = h
}

func (r *Registry) typeShardFor(agentType string) *typeShard {
	return r.typeShards[xxhash.Sum64String(agentType)%uint64(r.shardCount)]
}

func (r *Registry) placeShardFor(id agent.ID) *placeShard {
	return r.placeShards[xxhash.Sum64String(id.String())%uint64(r.shardCount)]
}

func validateType(agentType string) error {
	if agentType == "" || strings.Contains(agentType, "/") {
		return fmt.Errorf("%w: %q", ErrInvalidAgentType, agentType)
	}
	return nil
}

// RegisterAgentType records that w hosts agentType. Registering twice is a no-op.
func (r *Registry) RegisterAgentType(agentType string, w Worker) error {
	if err := validateType(agentType); err != nil {
		return err
	}
	ts := r.typeShardFor(agentType)
	ts.mu.Lock()
	defer ts.mu.Unlock()

	workers, ok := ts.workers[agentType]
	if !ok {
		workers = make(map[string]Worker)
		ts.workers[agentType] = workers
	}
	if _, exists := workers[w.ID()]; exists {
		return nil
	}
	workers[w.ID()] = w
	r.logger.Debug("agent type registered", "agent_type", agentType, "worker_id", w.ID())
	return nil
}

// UnregisterAgentType removes the registration of agentType on w, every
// placement of that type on w, and w's subscriptions for that type.
func (r *Registry) UnregisterAgentType(agentType string, w Worker) Removal {
	var removal Removal

	ts := r.typeShardFor(agentType)
	ts.mu.Lock()
	if workers, ok := ts.workers[agentType]; ok {
		if _, exists := workers[w.ID()]; exists {
			delete(workers, w.ID())
			removal.Types = []string{agentType}
		}
		if len(workers) == 0 {
			delete(ts.workers, agentType)
		}
	}
	ts.mu.Unlock()

	removal.Placements = r.unbind(func(id agent.ID, bound Worker) bool {
		return id.Type == agentType && bound.ID() == w.ID()
	})
	removal.Subscriptions = r.removeSubscriptions(func(s Subscription) bool {
		return s.AgentType == agentType && s.WorkerID == w.ID()
	})
	return removal
}

// RemoveWorker deletes w from every index.
func (r *Registry) RemoveWorker(w Worker) Removal {
	var removal Removal

	for _, ts := range r.typeShards {
		ts.mu.Lock()
		for agentType, workers := range ts.workers {
			if _, ok := workers[w.ID()]; !ok {
				continue
			}
			delete(workers, w.ID())
			removal.Types = append(removal.Types, agentType)
			if len(workers) == 0 {
				delete(ts.workers, agentType)
			}
		}
		ts.mu.Unlock()
	}
	sort.Strings(removal.Types)

	removal.Placements = r.unbind(func(_ agent.ID, bound Worker) bool {
		return bound.ID() == w.ID()
	})
	removal.Subscriptions = r.removeSubscriptions(func(s Subscription) bool {
		return s.WorkerID == w.ID()
	})

	r.loadMu.Lock()
	delete(r.load, w.ID())
	r.loadMu.Unlock()

	r.logger.Info("worker removed from registry",
		"worker_id", w.ID(),
		"types", removal.Types,
		"subscriptions", len(removal.Subscriptions),
		"placements", removal.Placements,
	)
	return removal
}

func (r *Registry) unbind(match func(agent.ID, Worker) bool) int {
	removed := 0
	for _, ps := range r.placeShards {
		ps.mu.Lock()
		for id, w := range ps.bindings {
			if match(id, w) {
				delete(ps.bindings, id)
				r.addLoad(w, -1)
				removed++
			}
		}
		ps.mu.Unlock()
	}
	return removed
}

func (r *Registry) addLoad(w Worker, delta int) {
	r.loadMu.Lock()
	defer r.loadMu.Unlock()
	r.load[w.ID()] += delta
	if r.load[w.ID()] <= 0 {
		delete(r.load, w.ID())
	}
}

// Load returns how many agents are bound to the worker.
func (r *Registry) Load(w Worker) int {
	r.loadMu.Lock()
	defer r.loadMu.Unlock()
	return r.load[w.ID()]
}

// liveWorkers returns the live workers hosting agentType, sorted by id.
func (r *Registry) liveWorkers(agentType string) []Worker {
	ts := r.typeShardFor(agentType)
	ts.mu.RLock()
	defer ts.mu.RUnlock()

	workers := ts.workers[agentType]
	out := make([]Worker, 0, len(workers))
	for _, w := range workers {
		if w.Live() {
			out = append(out, w)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// GetOrPlaceAgent returns the worker bound to id, binding one first if the id
// is unbound or its worker is no longer live. isNew reports a fresh binding.
func (r *Registry) GetOrPlaceAgent(id agent.ID) (w Worker, isNew bool, err error) {
	if err := id.Validate(); err != nil {
		return nil, false, err
	}

	ps := r.placeShardFor(id)
	ps.mu.Lock()
	defer ps.mu.Unlock()

	if bound, ok := ps.bindings[id]; ok {
		if bound.Live() {
			return bound, false, nil
		}
		delete(ps.bindings, id)
		r.addLoad(bound, -1)
	}

	candidates := r.liveWorkers(id.Type)
	if len(candidates) == 0 {
		return nil, false, fmt.Errorf("%w for type %q", ErrNoCompatibleWorker, id.Type)
	}

	w = r.selector.Select(id.Type, candidates, r.Load)
	ps.bindings[id] = w
	r.addLoad(w, 1)

	r.logger.Debug("agent placed", "agent_id", id.String(), "worker_id", w.ID())
	return w, true, nil
}

// Placement returns the worker currently bound to id, live or not.
func (r *Registry) Placement(id agent.ID) (Worker, bool) {
	ps := r.placeShardFor(id)
	ps.mu.Lock()
	defer ps.mu.Unlock()
	w, ok := ps.bindings[id]
	return w, ok
}

// ListAgentTypes returns every agent type with at least one registered worker, sorted.
func (r *Registry) ListAgentTypes() []string {
	var types []string
	for _, ts := range r.typeShards {
		ts.mu.RLock()
		for agentType, workers := range ts.workers {
			if len(workers) > 0 {
				types = append(types, agentType)
			}
		}
		ts.mu.RUnlock()
	}
	sort.Strings(types)
	return types
}

// Workers returns the worker ids registered for agentType, sorted.
func (r *Registry) Workers(agentType string) []string {
	ts := r.typeShardFor(agentType)
	ts.mu.RLock()
	defer ts.mu.RUnlock()

	ids := make([]string, 0, len(ts.workers[agentType]))
	for id := range ts.workers[agentType] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func indexAdd(idx map[string]map[string]map[string]struct{}, key, agentType, subID string) {
	byType, ok := idx[key]
	if !ok {
		byType = make(map[string]map[string]struct{})
		idx[key] = byType
	}
	ids, ok := byType[agentType]
	if !ok {
		ids = make(map[string]struct{})
		byType[agentType] = ids
	}
	ids[subID] = struct{}{}
}

func indexRemove(idx map[string]map[string]map[string]struct{}, key, agentType, subID string) {
	byType, ok := idx[key]
	if !ok {
		return
	}
	if ids, ok := byType[agentType]; ok {
		delete(ids, subID)
		if len(ids) == 0 {
			delete(byType, agentType)
		}
	}
	if len(byType) == 0 {
		delete(idx, key)
	}
}

func (r *Registry) indexFor(s Subscription) map[string]map[string]map[string]struct{} {
	if s.Prefix {
		return r.prefix
	}
	return r.exact
}

// Subscribe stores sub and runs the subscribe hook. An empty id is replaced
// with a generated one. Re-adding an identical subscription returns it without
// running the hook again.
func (r *Registry) Subscribe(sub Subscription) (Subscription, error) {
	if sub.Topic == "" {
		return Subscription{}, fmt.Errorf("%w: empty topic", ErrInvalidSubscription)
	}
	if err := validateType(sub.AgentType); err != nil {
		return Subscription{}, fmt.Errorf("%w: %w", ErrInvalidSubscription, err)
	}
	if sub.ID == "" {
		sub.ID = uuid.New().String()
	}

	r.subMu.Lock()
	if existing, ok := r.byID[sub.ID]; ok {
		r.subMu.Unlock()
		if existing.sameBinding(sub) {
			return existing, nil
		}
		return Subscription{}, fmt.Errorf("%w: id %s already bound to a different subscription", ErrInvalidSubscription, sub.ID)
	}
	r.byID[sub.ID] = sub
	indexAdd(r.indexFor(sub), sub.Topic, sub.AgentType, sub.ID)
	r.subMu.Unlock()

	r.logger.Debug("subscription added",
		"subscription_id", sub.ID,
		"topic", sub.Topic,
		"prefix", sub.Prefix,
		"agent_type", sub.AgentType,
		"worker_id", sub.WorkerID,
	)

	r.hookMu.RLock()
	hook := r.hook
	r.hookMu.RUnlock()
	if hook != nil {
		hook(sub)
	}
	return sub, nil
}

// Unsubscribe removes the subscription with the given id.
func (r *Registry) Unsubscribe(id string) (Subscription, error) {
	r.subMu.Lock()
	defer r.subMu.Unlock()

	sub, ok := r.byID[id]
	if !ok {
		return Subscription{}, fmt.Errorf("%w: %s", ErrSubscriptionNotFound, id)
	}
	delete(r.byID, id)
	indexRemove(r.indexFor(sub), sub.Topic, sub.AgentType, sub.ID)
	return sub, nil
}

// Subscription looks up one subscription by id.
func (r *Registry) Subscription(id string) (Subscription, bool) {
	r.subMu.RLock()
	defer r.subMu.RUnlock()
	sub, ok := r.byID[id]
	return sub, ok
}

func (r *Registry) removeSubscriptions(match func(Subscription) bool) []string {
	r.subMu.Lock()
	defer r.subMu.Unlock()

	var removed []string
	for id, sub := range r.byID {
		if !match(sub) {
			continue
		}
		delete(r.byID, id)
		indexRemove(r.indexFor(sub), sub.Topic, sub.AgentType, sub.ID)
		removed = append(removed, id)
	}
	sort.Strings(removed)
	return removed
}

// GetSubscribedAndHandlingAgents returns the agent types subscribed to topic
// through an exact or prefix subscription, sorted and deduplicated.
func (r *Registry) GetSubscribedAndHandlingAgents(topic string) []string {
	r.subMu.RLock()
	defer r.subMu.RUnlock()

	seen := make(map[string]struct{})
	for agentType := range r.exact[topic] {
		seen[agentType] = struct{}{}
	}
	for p, byType := range r.prefix {
		if !strings.HasPrefix(topic, p) {
			continue
		}
		for agentType := range byType {
			seen[agentType] = struct{}{}
		}
	}

	types := make([]string, 0, len(seen))
	for agentType := range seen {
		types = append(types, agentType)
	}
	sort.Strings(types)
	return types
}

// Subscriptions returns every subscription, sorted by id.
func (r *Registry) Subscriptions() []Subscription {
	r.subMu.RLock()
	defer r.subMu.RUnlock()

	subs := make([]Subscription, 0, len(r.byID))
	for _, sub := range r.byID {
		subs = append(subs, sub)
	}
	sort.Slice(subs, func(i, j int) bool { return subs[i].ID < subs[j].ID })
	return subs
}
