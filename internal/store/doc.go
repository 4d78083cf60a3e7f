// Package store persists agent state with optimistic concurrency.
//
// # Model
//
// Each agent id maps to one AgentState: an opaque payload plus an etag that
// changes on every successful write. Writers pass the etag they last read, or
// ETagAny to write unconditionally:
//
//	st, err := s.Read(ctx, id)
//	etag, err := s.Write(ctx, id, newPayload, st.ETag)
//	if errors.Is(err, store.ErrConflict) {
//	    // someone else wrote first; re-read and retry
//	}
//
// A non-"*" etag against a never-written agent is a conflict. The empty etag
// (ETagNone) creates state only when none exists, so a writer that never read
// cannot silently overwrite another's state.
//
// # Backends
//
//   - MemoryStore: lock-striped map, process lifetime only
//   - SQLiteStore: modernc.org/sqlite with WAL; CAS via conditional UPDATE
//   - RedisStore: go-redis; CAS runs as a server-side Lua script
//   - PostgresStore: pgx pool; CAS via conditional UPDATE
//
// No backend takes a whole-store lock. Concurrent writers to different agents
// never contend, and writers to the same agent are ordered by the backend.
//
// Open selects a backend by name from Options.
package store
