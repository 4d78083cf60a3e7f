// ABOUTME: Runs inbound events and forwarded requests against the agent host
// ABOUTME: Keeps a FIFO mailbox per agent so each agent sees its messages in receipt order

package client

import (
	"context"
	"time"

	"github.com/2389/coven-runtime/internal/agent"
	pb "github.com/2389/coven-runtime/proto/runtime"
)

// mailbox is the queue of pending work for one agent. At most one goroutine
// drains a mailbox at a time.
type mailbox struct {
	queue   []func()
	running bool
}

func (c *Client) enqueue(id agent.ID, job func()) {
	c.boxMu.Lock()
	mb, ok := c.boxes[id]
	if !ok {
		mb = &mailbox{}
		c.boxes[id] = mb
	}
	mb.queue = append(mb.queue, job)
	if mb.running {
		c.boxMu.Unlock()
		return
	}
	mb.running = true
	c.jobs.Add(1)
	c.boxMu.Unlock()

	go c.drain(id, mb)
}

func (c *Client) drain(id agent.ID, mb *mailbox) {
	defer c.jobs.Done()
	for {
		c.boxMu.Lock()
		if len(mb.queue) == 0 {
			mb.running = false
			delete(c.boxes, id)
			c.boxMu.Unlock()
			return
		}
		job := mb.queue[0]
		mb.queue[0] = nil
		mb.queue = mb.queue[1:]
		c.boxMu.Unlock()

		job()
	}
}

func (c *Client) enqueueEvent(ev *pb.Event) {
	id := agent.FromProto(ev.Target)
	c.enqueue(id, func() {
		if err := c.host.DeliverEvent(c.ctx, ev); err != nil {
			c.logger.Warn("event handler failed",
				"agent_id", id.String(),
				"topic", ev.Topic,
				"error", err,
			)
		}
	})
}

func (c *Client) enqueueRequest(req *pb.RpcRequest) {
	target := agent.FromProto(req.Target)
	c.enqueue(target, func() {
		ctx := c.ctx
		if req.TimeoutMs > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, time.Duration(req.TimeoutMs)*time.Millisecond)
			defer cancel()
		}

		var source *agent.ID
		if req.Source != nil {
			s := agent.FromProto(req.Source)
			source = &s
		}
		payload, err := c.host.Invoke(ctx, agent.Request{
			Source:   source,
			Target:   target,
			Method:   req.Method,
			Payload:  req.Payload,
			Metadata: req.Metadata,
		})
		if err != nil {
			c.logger.Debug("request handler failed",
				"agent_id", target.String(),
				"method", req.Method,
				"error", err,
			)
		}

		resp := &pb.RpcResponse{RequestId: req.RequestId, Error: toWire(err)}
		if err == nil {
			resp.Payload = payload
		}
		if err := c.send(&pb.WorkerMessage{Response: resp}); err != nil {
			c.logger.Warn("failed to send rpc response", "request_id", req.RequestId, "error", err)
		}
	})
}
