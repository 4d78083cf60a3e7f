// Package client is the worker-side SDK for the AgentRuntime service.
//
// # Overview
//
// A Client owns one bidirectional stream to the gateway. It hosts agent
// instances through an agent.Host, answers forwarded RPC requests, receives
// event deliveries, and issues its own requests: registration, subscriptions,
// state reads and writes, and calls to agents living on other workers.
//
// # Request Correlation
//
// Every request carries a client-assigned request id. Responses may arrive in
// any order; the client keeps a pending table keyed by request id and hands
// each response to its waiter. A waiter that times out is removed from the
// table, and a late response for it is logged and dropped.
//
// # Dispatch
//
// Inbound events and requests are queued per target agent and run in receipt
// order for that agent. Different agents run concurrently.
//
// # Errors
//
// Error codes from the gateway come back as *RemoteError, which unwraps to
// the matching sentinel:
//
//	if errors.Is(err, client.ErrConflict) {
//		// reload state and retry with the fresh etag
//	}
//
// # Usage
//
//	host := agent.NewHost(logger)
//	c, err := client.Dial(ctx, "gateway:50061", host, client.WithToken(token))
//	if err != nil {
//		return err
//	}
//	defer c.Close()
//
//	if err := c.Register(ctx, "echo", newEcho); err != nil {
//		return err
//	}
//	reply, err := c.Call(ctx, agent.Request{Target: agent.ID{Type: "echo", Key: "a"}, Method: "say"})
package client
