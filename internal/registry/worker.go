// ABOUTME: Worker abstraction the registry places agents on, and placement selectors.
// ABOUTME: Round robin rotates over candidates; least loaded picks the fewest placements.

package registry

import (
	"fmt"
	"sync/atomic"
)

// Worker is a connected worker process as seen by the registry.
type Worker interface {
	ID() string
	// Live reports whether the worker can still receive messages.
	Live() bool
}

// Selector chooses one worker for a new placement. candidates is non-empty,
// sorted by worker id, and contains only live workers. load reports how many
// agents are currently bound to a worker.
type Selector interface {
	Select(agentType string, candidates []Worker, load func(Worker) int) Worker
}

// Placement policy names.
const (
	PolicyRoundRobin  = "round_robin"
	PolicyLeastLoaded = "least_loaded"
)

// NewSelector returns the selector for a policy name. Empty means round robin.
func NewSelector(policy string) (Selector, error) {
	switch policy {
	case "", PolicyRoundRobin:
		return &RoundRobin{}, nil
	case PolicyLeastLoaded:
		return LeastLoaded{}, nil
	}
	return nil, fmt.Errorf("unknown placement policy %q", policy)
}

// RoundRobin selects workers in a rotating fashion.
type RoundRobin struct {
	current uint64
}

func (r *RoundRobin) Select(_ string, candidates []Worker, _ func(Worker) int) Worker {
	idx := atomic.AddUint64(&r.current, 1) - 1
	return candidates[idx%uint64(len(candidates))]
}

// LeastLoaded selects the worker with the fewest bound agents, lowest id on ties.
type LeastLoaded struct{}

func (LeastLoaded) Select(_ string, candidates []Worker, load func(Worker) int) Worker {
	best := candidates[0]
	bestLoad := load(best)
	for _, w := range candidates[1:] {
		if l := load(w); l < bestLoad {
			best, bestLoad = w, l
		}
	}
	return best
}
