// ABOUTME: Tests for the message registry: dead-letter drain and overflow, replay window, dedupe.

package messages

import (
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pb "github.com/2389/coven-runtime/proto/runtime"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeClock is a manually advanced clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func event(topic, id string) *pb.Event {
	return &pb.Event{Topic: topic, Attributes: map[string]string{pb.AttrID: id}}
}

func ids(events []*pb.Event) []string {
	out := make([]string, len(events))
	for i, ev := range events {
		out[i] = ev.GetAttribute(pb.AttrID)
	}
	return out
}

func letterIDs(letters []DeadLetter) []string {
	out := make([]string, len(letters))
	for i, d := range letters {
		out[i] = d.Event.GetAttribute(pb.AttrID)
	}
	return out
}

func newTestRegistry(t *testing.T, opts Options, clock *fakeClock) *Registry {
	t.Helper()
	r := New(opts, testLogger(), WithClock(clock.Now))
	t.Cleanup(r.Close)
	return r
}

func TestDrainDeadLetters(t *testing.T) {
	r := newTestRegistry(t, Options{}, newFakeClock())

	require.NoError(t, r.RecordUndelivered("orders", event("orders", "e1")))
	require.NoError(t, r.RecordUndelivered("orders", event("orders", "e2")))
	require.NoError(t, r.RecordUndelivered("billing", event("billing", "e3")))

	assert.Equal(t, []string{"e1", "e2"}, letterIDs(r.DrainDeadLetters("orders")))
	assert.Empty(t, r.DrainDeadLetters("orders"))
	assert.Empty(t, r.DrainDeadLetters("never-used"))
	assert.Equal(t, 1, r.Stats("billing").DeadLetters)
}

func TestDrainDeadLettersWithPrefix(t *testing.T) {
	r := newTestRegistry(t, Options{}, newFakeClock())

	require.NoError(t, r.RecordUndelivered("orders.created", event("orders.created", "e1")))
	require.NoError(t, r.RecordUndelivered("orders.paid", event("orders.paid", "e2")))
	require.NoError(t, r.RecordUndelivered("order", event("order", "e3")))

	drained := r.DrainDeadLettersWithPrefix("orders.")
	require.Len(t, drained, 2)
	assert.Equal(t, []string{"e1"}, letterIDs(drained["orders.created"]))
	assert.Equal(t, []string{"e2"}, letterIDs(drained["orders.paid"]))

	assert.Equal(t, 1, r.Stats("order").DeadLetters)
	assert.Empty(t, r.DrainDeadLettersWithPrefix("orders."))
}

func TestRecordUndelivered_OverflowDropsOldest(t *testing.T) {
	r := newTestRegistry(t, Options{DeadLetterCapacity: 3}, newFakeClock())

	for i := 1; i <= 3; i++ {
		require.NoError(t, r.RecordUndelivered("t", event("t", fmt.Sprintf("e%d", i))))
	}
	err := r.RecordUndelivered("t", event("t", "e4"))
	assert.ErrorIs(t, err, ErrDegraded)

	stats := r.Stats("t")
	assert.Equal(t, 3, stats.DeadLetters)
	assert.Equal(t, uint64(1), stats.Dropped)
	assert.Equal(t, []string{"e2", "e3", "e4"}, letterIDs(r.DrainDeadLetters("t")))
}

func TestDrainDeadLetters_CarriesDeliveredTypes(t *testing.T) {
	r := newTestRegistry(t, Options{}, newFakeClock())

	require.NoError(t, r.RecordUndelivered("orders", event("orders", "e1"), "mailer", "indexer"))
	require.NoError(t, r.RecordUndelivered("orders", event("orders", "e2")))

	letters := r.DrainDeadLetters("orders")
	require.Len(t, letters, 2)
	assert.Equal(t, []string{"indexer", "mailer"}, letters[0].DeliveredTo)
	assert.True(t, letters[0].Delivered("indexer"))
	assert.True(t, letters[0].Delivered("mailer"))
	assert.False(t, letters[0].Delivered("billing"))
	assert.Empty(t, letters[1].DeliveredTo)
	assert.False(t, letters[1].Delivered("indexer"))
}

func TestRecordDelivered_MergesSameEvent(t *testing.T) {
	r := newTestRegistry(t, Options{}, newFakeClock())

	ev := event("news", "e1")
	r.RecordDelivered("news", ev, []string{"reader"})
	r.RecordDelivered("news", ev, []string{"archiver"})

	assert.Equal(t, 1, r.Stats("news").Buffered)
	assert.Empty(t, r.Replay("news", "reader"))
	assert.Empty(t, r.Replay("news", "archiver"))
	assert.Equal(t, []string{"e1"}, ids(r.Replay("news", "indexer")))
}

func TestReplay_SkipsTypesAlreadyDelivered(t *testing.T) {
	r := newTestRegistry(t, Options{}, newFakeClock())

	r.RecordDelivered("news", event("news", "e1"), []string{"reader"})
	r.RecordDelivered("news", event("news", "e2"), []string{"reader", "archiver"})

	assert.Empty(t, r.Replay("news", "reader"))
	assert.Equal(t, []string{"e1"}, ids(r.Replay("news", "archiver")))
	assert.Equal(t, []string{"e1", "e2"}, ids(r.Replay("news", "indexer")))

	// replay marks delivery, so a second call yields nothing
	assert.Empty(t, r.Replay("news", "indexer"))
}

func TestReplay_WindowExpiry(t *testing.T) {
	clock := newFakeClock()
	r := newTestRegistry(t, Options{ReplayWindow: 5 * time.Second}, clock)

	r.RecordDelivered("news", event("news", "old"), nil)
	clock.Advance(3 * time.Second)
	r.RecordDelivered("news", event("news", "new"), nil)
	clock.Advance(3 * time.Second)

	assert.Equal(t, []string{"new"}, ids(r.Replay("news", "late")))
	assert.Equal(t, 1, r.Stats("news").Buffered)

	clock.Advance(10 * time.Second)
	assert.Equal(t, 0, r.Stats("news").Buffered)
}

func TestReplayWithPrefix(t *testing.T) {
	r := newTestRegistry(t, Options{}, newFakeClock())

	r.RecordDelivered("a.one", event("a.one", "e1"), nil)
	r.RecordDelivered("a.two", event("a.two", "e2"), nil)
	r.RecordDelivered("b.one", event("b.one", "e3"), nil)

	got := r.ReplayWithPrefix("a.", "late")
	assert.Len(t, got, 2)
	assert.Equal(t, []string{"e1"}, ids(got["a.one"]))
	assert.Equal(t, []string{"e2"}, ids(got["a.two"]))
}

func TestSeen(t *testing.T) {
	clock := newFakeClock()
	r := newTestRegistry(t, Options{DedupeTTL: time.Minute, DedupeSize: 2}, clock)

	assert.False(t, r.Seen("e1"))
	assert.True(t, r.Seen("e1"))
	assert.False(t, r.Seen(""))
	assert.False(t, r.Seen(""))

	clock.Advance(2 * time.Minute)
	assert.False(t, r.Seen("e1"), "expired id counts as new")

	// size bound evicts the oldest
	assert.False(t, r.Seen("e2"))
	assert.False(t, r.Seen("e3"))
	assert.Equal(t, 2, r.seen.len())
	assert.False(t, r.Seen("e1"))
}

func TestSeen_Sweep(t *testing.T) {
	clock := newFakeClock()
	r := newTestRegistry(t, Options{DedupeTTL: time.Minute}, clock)

	r.Seen("e1")
	r.Seen("e2")
	clock.Advance(2 * time.Minute)
	r.seen.sweep()
	assert.Equal(t, 0, r.seen.len())
}

func TestAllStats(t *testing.T) {
	r := newTestRegistry(t, Options{}, newFakeClock())

	require.NoError(t, r.RecordUndelivered("x", event("x", "e1")))
	r.RecordDelivered("y", event("y", "e2"), nil)

	stats := r.AllStats()
	assert.Equal(t, Stats{DeadLetters: 1}, stats["x"])
	assert.Equal(t, Stats{Buffered: 1}, stats["y"])
}

func TestConcurrentRecordAndDrain(t *testing.T) {
	r := newTestRegistry(t, Options{DeadLetterCapacity: 100000}, newFakeClock())

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 250; i++ {
				_ = r.RecordUndelivered("t", event("t", fmt.Sprintf("%d-%d", w, i)))
			}
		}(w)
	}

	total := 0
	var mu sync.Mutex
	var drainers sync.WaitGroup
	for d := 0; d < 2; d++ {
		drainers.Add(1)
		go func() {
			defer drainers.Done()
			for i := 0; i < 50; i++ {
				n := len(r.DrainDeadLetters("t"))
				mu.Lock()
				total += n
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	drainers.Wait()
	total += len(r.DrainDeadLetters("t"))

	assert.Equal(t, 1000, total)
}
