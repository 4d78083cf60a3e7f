// Package gateway is the central coordinator of coven-runtime.
//
// # Overview
//
// The Gateway owns the gRPC server that workers stream to, the HTTP ops
// server, the connection manager, the registry of agent types, subscriptions
// and placements, the message registry of dead letters and recent events,
// and the agent state store.
//
// # gRPC Service
//
//	service AgentRuntime {
//	    rpc OpenChannel(stream WorkerMessage) returns (stream GatewayMessage);
//	}
//
// Protocol flow:
//
//  1. Worker opens the stream (with a bearer token when auth is enabled)
//  2. Gateway sends Welcome with the connection id
//  3. Worker registers agent types and adds subscriptions
//  4. Worker publishes events, sends RPC requests, reads and writes state
//  5. Gateway delivers events and forwards RPC requests to the placed worker
//
// Inbound messages on one stream are handled in the order they arrive. Each
// connection has one writer goroutine draining a bounded outbound queue.
//
// # Events
//
// An event fans out to every agent type subscribed to its topic, exactly or
// by prefix. The agent key is the event's "source" attribute, or "default".
// Events nobody could take are dead-lettered and delivered when a matching
// subscription is added. Delivered events stay replayable for the replay
// window so late subscribers still see them.
//
// # RPC
//
// Requests are forwarded under a gateway-unique id and the response is relayed
// back under the caller's id. A request that cannot be placed fails fast with
// TARGET_UNAVAILABLE; one that is not answered in time fails with TIMEOUT.
// When a target disconnects, its pending callers get TARGET_UNAVAILABLE.
//
// # HTTP API
//
//   - GET /health - Liveness check
//   - GET /health/ready - Readiness check (at least one worker)
//   - GET /metrics - Prometheus metrics
//   - GET /api/agent-types - Registered agent types and their workers
//   - GET /api/workers - Connected workers
//   - GET /api/subscriptions - Subscriptions
//   - GET /api/topics - Dead-letter and replay counts per topic
//   - GET, DELETE /api/state/{type}/{key} - Inspect or purge agent state
//
// # Lifecycle
//
//	gw, err := gateway.New(cfg, logger)
//	ctx, cancel := context.WithCancel(context.Background())
//	go gw.Run(ctx)
//	cancel()
package gateway
