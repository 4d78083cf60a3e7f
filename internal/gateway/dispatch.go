// ABOUTME: Event fan-out to subscribed agent types with dead-lettering of undeliverable events
// ABOUTME: Redelivers dead letters and replays recent events when a subscription is added

package gateway

import (
	"errors"
	"fmt"

	"github.com/2389/coven-runtime/internal/agent"
	"github.com/2389/coven-runtime/internal/messages"
	"github.com/2389/coven-runtime/internal/metrics"
	"github.com/2389/coven-runtime/internal/registry"
	pb "github.com/2389/coven-runtime/proto/runtime"
)

// defaultEventKey is the agent key used when an event has no source attribute.
const defaultEventKey = "default"

// eventKey returns the agent key an event is delivered to.
func eventKey(ev *pb.Event) string {
	if src := ev.GetAttribute(pb.AttrSource); src != "" {
		return src
	}
	return defaultEventKey
}

// publish fans an event out to every subscribed agent type. It never fails:
// whatever cannot be delivered is dead-lettered.
func (g *Gateway) publish(ev *pb.Event) {
	if ev.Topic == "" {
		g.logger.Warn("dropping event without topic")
		return
	}
	if id := ev.GetAttribute(pb.AttrID); g.messages.Seen(id) {
		g.metrics.Events.WithLabelValues(metrics.ResultDuplicate).Inc()
		g.logger.Debug("dropping duplicate event", "topic", ev.Topic, "event_id", id)
		return
	}

	agentTypes := g.registry.GetSubscribedAndHandlingAgents(ev.Topic)
	if len(agentTypes) == 0 {
		g.logger.Debug("no subscribers, dead-lettering event", "topic", ev.Topic)
		g.deadLetter(ev.Topic, ev)
		return
	}

	var delivered []string
	failed := false
	for _, agentType := range agentTypes {
		if err := g.deliver(agentType, ev); err != nil {
			g.logger.Warn("event delivery failed",
				"topic", ev.Topic,
				"agent_type", agentType,
				"error", err,
			)
			failed = true
			continue
		}
		g.metrics.Events.WithLabelValues(metrics.ResultDelivered).Inc()
		delivered = append(delivered, agentType)
	}

	if len(delivered) > 0 {
		g.messages.RecordDelivered(ev.Topic, ev, delivered)
	}
	if failed {
		g.deadLetter(ev.Topic, ev, delivered...)
	}
}

// deliver places the agent that handles ev for agentType and queues the event on its worker.
func (g *Gateway) deliver(agentType string, ev *pb.Event) error {
	id := agent.ID{Type: agentType, Key: eventKey(ev)}
	w, isNew, err := g.registry.GetOrPlaceAgent(id)
	if err != nil {
		return err
	}
	if isNew {
		g.metrics.Placements.Inc()
	}
	conn, ok := g.workers.Get(w.ID())
	if !ok {
		return fmt.Errorf("%w: worker %s is gone", ErrTargetUnavailable, w.ID())
	}

	// Buffered events are shared, so each delivery gets its own envelope.
	out := &pb.Event{
		Topic:      ev.Topic,
		Attributes: ev.Attributes,
		Payload:    ev.Payload,
		Target:     id.Proto(),
	}
	if err := conn.Send(&pb.GatewayMessage{Event: out}); err != nil {
		return fmt.Errorf("queueing event for %s: %w", id, err)
	}
	return nil
}

// deadLetter keeps an event for the next matching subscription, along with the
// agent types that already received it.
func (g *Gateway) deadLetter(topic string, ev *pb.Event, deliveredTo ...string) {
	g.metrics.Events.WithLabelValues(metrics.ResultDeadLettered).Inc()
	g.keepDeadLetter(topic, ev, deliveredTo)
}

// keepDeadLetter puts an event back on the dead-letter list without counting it again.
func (g *Gateway) keepDeadLetter(topic string, ev *pb.Event, deliveredTo []string) {
	if err := g.messages.RecordUndelivered(topic, ev, deliveredTo...); err != nil {
		if errors.Is(err, messages.ErrDegraded) {
			g.metrics.DeadLetterDrops.Inc()
		}
		g.logger.Warn("dead-letter list degraded", "topic", topic, "error", err)
	}
}

// onSubscribe runs after a subscription is stored. It hands the new agent
// type every dead letter for the matching topics that it has not received,
// then every recent event it has not seen yet. Dead letters the type already
// handled stay on the list for the types that missed them.
func (g *Gateway) onSubscribe(sub registry.Subscription) {
	var drained map[string][]messages.DeadLetter
	if sub.Prefix {
		drained = g.messages.DrainDeadLettersWithPrefix(sub.Topic)
	} else if letters := g.messages.DrainDeadLetters(sub.Topic); len(letters) > 0 {
		drained = map[string][]messages.DeadLetter{sub.Topic: letters}
	}

	sent := make(map[*pb.Event]struct{})
	redelivered := 0
	for _, topic := range sortedKeys(drained) {
		for _, d := range drained[topic] {
			if d.Delivered(sub.AgentType) {
				g.keepDeadLetter(topic, d.Event, d.DeliveredTo)
				continue
			}
			if _, dup := sent[d.Event]; dup {
				continue
			}
			sent[d.Event] = struct{}{}
			if err := g.deliver(sub.AgentType, d.Event); err != nil {
				g.logger.Warn("dead letter redelivery failed",
					"topic", topic,
					"agent_type", sub.AgentType,
					"error", err,
				)
				g.keepDeadLetter(topic, d.Event, d.DeliveredTo)
				continue
			}
			g.messages.RecordDelivered(topic, d.Event, []string{sub.AgentType})
			redelivered++
		}
	}

	// Replay runs after redelivery so events just recorded above are skipped.
	var replayed map[string][]*pb.Event
	if sub.Prefix {
		replayed = g.messages.ReplayWithPrefix(sub.Topic, sub.AgentType)
	} else if events := g.messages.Replay(sub.Topic, sub.AgentType); len(events) > 0 {
		replayed = map[string][]*pb.Event{sub.Topic: events}
	}
	for _, topic := range sortedKeys(replayed) {
		for _, ev := range replayed[topic] {
			if _, dup := sent[ev]; dup {
				continue
			}
			sent[ev] = struct{}{}
			if err := g.deliver(sub.AgentType, ev); err != nil {
				g.logger.Warn("event replay failed",
					"topic", topic,
					"agent_type", sub.AgentType,
					"error", err,
				)
				continue
			}
			redelivered++
		}
	}

	if redelivered > 0 {
		g.metrics.Redelivered.Add(float64(redelivered))
		g.logger.Info("caught up new subscription",
			"subscription_id", sub.ID,
			"topic", sub.Topic,
			"prefix", sub.Prefix,
			"agent_type", sub.AgentType,
			"events", redelivered,
		)
	}
}
