// Package messages keeps the short-lived event history the gateway needs for
// best-effort pub/sub.
//
// For every topic the Registry holds two lists:
//
//   - dead letters: events that reached no subscriber, or whose delivery
//     failed. They wait until a new subscription matches the topic, which
//     drains them. A dead letter remembers the agent types that already
//     received it so a drain never hands it to them again. Each topic's list
//     is capped; on overflow the oldest entry
//     is dropped and RecordUndelivered returns ErrDegraded.
//   - the replay buffer: recently delivered events together with the agent
//     types that already got them. A subscription added shortly after a
//     publish can catch up through Replay. Entries older than the replay
//     window are pruned whenever the topic is touched.
//
// The Registry also remembers recently seen event ids so that a publisher
// resending an event after a reconnect is not fanned out twice.
//
// None of this is durable. It exists to smooth over connection races, not to
// provide delivery guarantees.
package messages
