// Package agent defines agent identity and the worker-side boundary to agent logic.
//
// # Identity
//
// An agent instance is addressed by an ID made of its type and a key:
//
//	id := agent.ID{Type: "planner", Key: "session-42"}
//	id.String() // "planner/session-42"
//
// IDs are comparable and are used directly as map keys by the registry and
// the state store. Both parts must be non-empty and the type may not contain
// a slash, so the text form parses back unambiguously.
//
// # Host
//
// A worker process registers one Factory per agent type on a Host. The Host
// creates a Handler lazily the first time an ID is addressed and reuses it for
// later events and requests. Calls into a single instance are serialized, so a
// Handler never sees two messages at once; different instances run
// concurrently.
//
// What a Handler computes is outside this package. It only receives events
// and requests and returns a payload or an error.
package agent
