// ABOUTME: Sample worker hosting an echo agent type for smoke-testing a gateway
// ABOUTME: Usage: coven-worker [-addr localhost:50061] [-type echo] [-topic greetings]
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/2389/coven-runtime/internal/agent"
	"github.com/2389/coven-runtime/internal/client"
	pb "github.com/2389/coven-runtime/proto/runtime"
)

func main() {
	addr := flag.String("addr", "localhost:50061", "gateway gRPC address")
	agentType := flag.String("type", "echo", "agent type to host")
	topic := flag.String("topic", "", "topic to subscribe the agent type to (optional)")
	token := flag.String("token", os.Getenv("COVEN_RUNTIME_TOKEN"), "worker token when the gateway requires auth")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	if err := run(*addr, *agentType, *topic, *token, logger); err != nil {
		logger.Error("worker failed", "error", err)
		os.Exit(1)
	}
}

func run(addr, agentType, topic, token string, logger *slog.Logger) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	host := agent.NewHost(logger)
	opts := []client.Option{client.WithLogger(logger)}
	if token != "" {
		opts = append(opts, client.WithToken(token))
	}

	dialCtx, dialCancel := context.WithTimeout(ctx, 10*time.Second)
	c, err := client.Dial(dialCtx, addr, host, opts...)
	dialCancel()
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer c.Close()

	if err := c.Register(ctx, agentType, func(id agent.ID) (agent.Handler, error) {
		return &echoAgent{id: id, client: c, logger: logger.With("agent_id", id.String())}, nil
	}); err != nil {
		return err
	}
	if topic != "" {
		if _, err := c.Subscribe(ctx, topic, agentType); err != nil {
			return err
		}
	}
	fmt.Fprintf(os.Stderr, "hosting %q on %s (connection: %s)\n", agentType, c.ServerID(), c.ConnectionID())

	select {
	case <-ctx.Done():
		return nil
	case <-c.Done():
		return c.Err()
	}
}

// echoAgent replies with the request payload and keeps a persisted counter of
// everything it has handled.
type echoAgent struct {
	id     agent.ID
	client *client.Client
	logger *slog.Logger
}

func (a *echoAgent) HandleEvent(ctx context.Context, ev *pb.Event) error {
	n, err := a.bump(ctx)
	if err != nil {
		return err
	}
	a.logger.Info("event received", "topic", ev.Topic, "payload", string(ev.Payload), "handled", n)
	return nil
}

func (a *echoAgent) HandleRequest(ctx context.Context, req agent.Request) ([]byte, error) {
	n, err := a.bump(ctx)
	if err != nil {
		return nil, err
	}
	switch req.Method {
	case "count":
		return []byte(strconv.Itoa(n)), nil
	default:
		return req.Payload, nil
	}
}

// bump increments the agent's counter, retrying when another writer got there first.
func (a *echoAgent) bump(ctx context.Context) (int, error) {
	for {
		n := 0
		payload, etag, err := a.client.GetState(ctx, a.id)
		switch {
		case errors.Is(err, client.ErrNotFound):
			etag = "*"
		case err != nil:
			return 0, err
		default:
			if n, err = strconv.Atoi(string(payload)); err != nil {
				return 0, fmt.Errorf("corrupt counter for %s: %w", a.id, err)
			}
		}

		n++
		_, err = a.client.SaveState(ctx, a.id, []byte(strconv.Itoa(n)), etag)
		if errors.Is(err, client.ErrConflict) {
			continue
		}
		return n, err
	}
}
