// Package registry tracks which workers host which agent types, which agent
// types subscribe to which topics, and where each agent instance is placed.
//
// # Placement
//
// GetOrPlaceAgent binds an agent id to one live worker that registered the
// id's type. The binding is sticky: later calls return the same worker for as
// long as it stays live. Once it is no longer live, the next call picks a new
// worker with the configured Selector (round robin by default).
//
// Placements and type registrations are split into lock-striped shards keyed
// by an xxhash of the key. A placement holds its id's shard lock across the
// whole check-then-bind, so two workers can never be bound to one id. Lock
// order is placement shard, then type shard.
//
// # Subscriptions
//
// A Subscription routes a topic (exact match) or a topic prefix to an agent
// type. Adding is idempotent by id; the same id with a different binding is
// rejected. After a new subscription is stored, the subscribe hook runs
// outside any registry lock; the gateway uses it to drain dead letters and
// replay recent events to the new subscriber.
//
// Subscription indices are guarded by one RWMutex so topic lookups never
// serialize against each other.
package registry
