// ABOUTME: Per-topic dead-letter lists and replay buffers for best-effort event delivery.
// ABOUTME: Dead letters drain on matching subscriptions; replay entries expire after a window.

package messages

import (
	"container/list"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	pb "github.com/2389/coven-runtime/proto/runtime"
)

// ErrDegraded is returned when a dead-letter list overflowed and its oldest entry was dropped.
var ErrDegraded = errors.New("dead-letter capacity exceeded, oldest entry dropped")

// Defaults applied to zero Options fields.
const (
	DefaultReplayWindow       = 5 * time.Second
	DefaultDeadLetterCapacity = 1000
	DefaultDedupeTTL          = 5 * time.Minute
	DefaultDedupeSize         = 10000
)

// Options configures a Registry.
type Options struct {
	ReplayWindow       time.Duration
	DeadLetterCapacity int
	DedupeTTL          time.Duration
	DedupeSize         int
}

func (o *Options) applyDefaults() {
	if o.ReplayWindow <= 0 {
		o.ReplayWindow = DefaultReplayWindow
	}
	if o.DeadLetterCapacity <= 0 {
		o.DeadLetterCapacity = DefaultDeadLetterCapacity
	}
	if o.DedupeTTL <= 0 {
		o.DedupeTTL = DefaultDedupeTTL
	}
	if o.DedupeSize <= 0 {
		o.DedupeSize = DefaultDedupeSize
	}
}

// Option customizes a Registry.
type Option func(*Registry)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// Stats summarizes one topic.
type Stats struct {
	DeadLetters int    `json:"dead_letters"`
	Buffered    int    `json:"buffered"`
	Dropped     uint64 `json:"dropped"`
}

// DeadLetter is an event that could not reach every subscribed agent type.
type DeadLetter struct {
	Event *pb.Event
	// DeliveredTo lists the agent types that already received the event, sorted.
	DeliveredTo []string
}

// Delivered reports whether agentType already received the event.
func (d DeadLetter) Delivered(agentType string) bool {
	i := sort.SearchStrings(d.DeliveredTo, agentType)
	return i < len(d.DeliveredTo) && d.DeliveredTo[i] == agentType
}

type deadLetter struct {
	event       *pb.Event
	insertedAt  time.Time
	deliveredTo []string
}

type buffered struct {
	event       *pb.Event
	insertedAt  time.Time
	deliveredTo map[string]struct{}
}

type topicLog struct {
	mu      sync.Mutex
	dead    *list.List
	replay  []*buffered
	dropped uint64
}

// Registry holds the dead-letter lists and replay buffers for every topic.
type Registry struct {
	mu     sync.RWMutex
	topics map[string]*topicLog

	opts   Options
	now    func() time.Time
	seen   *seenCache
	logger *slog.Logger
}

// New creates a Registry. Call Close to stop its background sweep.
func New(opts Options, logger *slog.Logger, options ...Option) *Registry {
	opts.applyDefaults()
	r := &Registry{
		topics: make(map[string]*topicLog),
		opts:   opts,
		now:    time.Now,
		logger: logger.With("component", "messages"),
	}
	for _, o := range options {
		o(r)
	}
	r.seen = newSeenCache(opts.DedupeTTL, opts.DedupeSize, r.now)
	return r
}

// Close stops the background sweep.
func (r *Registry) Close() {
	r.seen.close()
}

func (r *Registry) topic(name string, create bool) *topicLog {
	r.mu.RLock()
	t, ok := r.topics[name]
	r.mu.RUnlock()
	if ok || !create {
		return t
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok = r.topics[name]; ok {
		return t
	}
	t = &topicLog{dead: list.New()}
	r.topics[name] = t
	return t
}

// matching returns the topic names starting with prefix, sorted.
func (r *Registry) matching(prefix string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var names []string
	for name := range r.topics {
		if strings.HasPrefix(name, prefix) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// pruneLocked drops replay entries older than the window. t.mu must be held.
func (r *Registry) pruneLocked(t *topicLog) {
	cutoff := r.now().Add(-r.opts.ReplayWindow)
	i := 0
	for i < len(t.replay) && !t.replay[i].insertedAt.After(cutoff) {
		i++
	}
	if i > 0 {
		t.replay = append(t.replay[:0:0], t.replay[i:]...)
	}
}

// RecordDelivered adds an event to the topic's replay buffer. An event already
// buffered gains the new agent types instead of a second entry.
func (r *Registry) RecordDelivered(topic string, ev *pb.Event, deliveredTo []string) {
	t := r.topic(topic, true)
	t.mu.Lock()
	defer t.mu.Unlock()

	r.pruneLocked(t)
	for _, b := range t.replay {
		if b.event == ev {
			for _, agentType := range deliveredTo {
				b.deliveredTo[agentType] = struct{}{}
			}
			return
		}
	}
	b := &buffered{
		event:       ev,
		insertedAt:  r.now(),
		deliveredTo: make(map[string]struct{}, len(deliveredTo)),
	}
	for _, agentType := range deliveredTo {
		b.deliveredTo[agentType] = struct{}{}
	}
	t.replay = append(t.replay, b)
}

// RecordUndelivered appends an event to the topic's dead-letter list along with
// the agent types that already received it. When the list is full the oldest
// entry is dropped and ErrDegraded is returned; the new event is kept either way.
func (r *Registry) RecordUndelivered(topic string, ev *pb.Event, deliveredTo ...string) error {
	t := r.topic(topic, true)
	t.mu.Lock()
	defer t.mu.Unlock()

	r.pruneLocked(t)
	done := append([]string(nil), deliveredTo...)
	sort.Strings(done)
	t.dead.PushBack(&deadLetter{event: ev, insertedAt: r.now(), deliveredTo: done})
	if t.dead.Len() <= r.opts.DeadLetterCapacity {
		return nil
	}

	t.dead.Remove(t.dead.Front())
	t.dropped++
	r.logger.Warn("dead-letter list full, dropped oldest event",
		"topic", topic,
		"capacity", r.opts.DeadLetterCapacity,
		"dropped_total", t.dropped,
	)
	return ErrDegraded
}

// DrainDeadLetters removes and returns every dead letter for the topic, oldest first.
func (r *Registry) DrainDeadLetters(topic string) []DeadLetter {
	t := r.topic(topic, false)
	if t == nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.dead.Len() == 0 {
		return nil
	}
	letters := make([]DeadLetter, 0, t.dead.Len())
	for e := t.dead.Front(); e != nil; e = e.Next() {
		d := e.Value.(*deadLetter)
		letters = append(letters, DeadLetter{Event: d.event, DeliveredTo: d.deliveredTo})
	}
	t.dead.Init()
	return letters
}

// DrainDeadLettersWithPrefix drains every topic starting with prefix.
// Topics with no dead letters are omitted.
func (r *Registry) DrainDeadLettersWithPrefix(prefix string) map[string][]DeadLetter {
	out := make(map[string][]DeadLetter)
	for _, name := range r.matching(prefix) {
		if letters := r.DrainDeadLetters(name); len(letters) > 0 {
			out[name] = letters
		}
	}
	return out
}

// Replay returns buffered events for the topic that were not yet delivered to
// agentType, oldest first, and marks them delivered to it.
func (r *Registry) Replay(topic, agentType string) []*pb.Event {
	t := r.topic(topic, false)
	if t == nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	r.pruneLocked(t)
	var events []*pb.Event
	for _, b := range t.replay {
		if _, done := b.deliveredTo[agentType]; done {
			continue
		}
		b.deliveredTo[agentType] = struct{}{}
		events = append(events, b.event)
	}
	return events
}

// ReplayWithPrefix runs Replay on every topic starting with prefix.
func (r *Registry) ReplayWithPrefix(prefix, agentType string) map[string][]*pb.Event {
	out := make(map[string][]*pb.Event)
	for _, name := range r.matching(prefix) {
		if events := r.Replay(name, agentType); len(events) > 0 {
			out[name] = events
		}
	}
	return out
}

// Seen reports whether an event id was already observed recently and records
// it otherwise. Events without an id are never considered duplicates.
func (r *Registry) Seen(eventID string) bool {
	if eventID == "" {
		return false
	}
	return r.seen.checkAndMark(eventID)
}

// Stats returns counters for one topic.
func (r *Registry) Stats(topic string) Stats {
	t := r.topic(topic, false)
	if t == nil {
		return Stats{}
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	r.pruneLocked(t)
	return Stats{
		DeadLetters: t.dead.Len(),
		Buffered:    len(t.replay),
		Dropped:     t.dropped,
	}
}

// AllStats returns Stats for every topic the registry has seen.
func (r *Registry) AllStats() map[string]Stats {
	out := make(map[string]Stats)
	for _, name := range r.matching("") {
		out[name] = r.Stats(name)
	}
	return out
}
