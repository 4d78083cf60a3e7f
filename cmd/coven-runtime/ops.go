// ABOUTME: Operator subcommands that talk to a running gateway over HTTP
// ABOUTME: health checks liveness and readiness, types lists hosted agent types

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/2389/coven-runtime/internal/gateway"
)

const requestTimeout = 10 * time.Second

// httpGet fetches url with an optional bearer token and returns the status and body.
func httpGet(ctx context.Context, url, token string) (int, []byte, error) {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, nil, fmt.Errorf("creating request: %w", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("reading response: %w", err)
	}
	return resp.StatusCode, body, nil
}

func baseURL(addr string) string {
	if strings.HasPrefix(addr, "http://") || strings.HasPrefix(addr, "https://") {
		return strings.TrimSuffix(addr, "/")
	}
	return "http://" + addr
}

func newHealthCmd(load configLoader) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "health",
		Short: "Check gateway health and readiness",
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr == "" {
				cfg, _, err := load(cmd)
				if err != nil {
					return err
				}
				addr = cfg.Server.HTTPAddr
			}
			base := baseURL(addr)
			out := cmd.OutOrStdout()

			status, _, err := httpGet(cmd.Context(), base+"/health", "")
			if err != nil {
				return fmt.Errorf("health check failed: %w", err)
			}
			if status != http.StatusOK {
				return fmt.Errorf("unhealthy: status %d", status)
			}
			fmt.Fprintln(out, "healthy")

			status, body, err := httpGet(cmd.Context(), base+"/health/ready", "")
			if err != nil {
				return fmt.Errorf("readiness check failed: %w", err)
			}
			fmt.Fprintln(out, strings.TrimSpace(string(body)))
			if status != http.StatusOK {
				return fmt.Errorf("not ready: status %d", status)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "gateway HTTP address (default: server.http_addr from config)")
	return cmd
}

func newTypesCmd(load configLoader) *cobra.Command {
	var (
		addr  string
		token string
	)

	cmd := &cobra.Command{
		Use:   "types",
		Short: "List agent types and the workers hosting them",
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr == "" {
				cfg, _, err := load(cmd)
				if err != nil {
					return err
				}
				addr = cfg.Server.HTTPAddr
			}
			if token == "" {
				token = os.Getenv("COVEN_RUNTIME_TOKEN")
			}

			status, body, err := httpGet(cmd.Context(), baseURL(addr)+"/api/agent-types", token)
			if err != nil {
				return fmt.Errorf("listing agent types: %w", err)
			}
			if status != http.StatusOK {
				return fmt.Errorf("listing agent types: status %d: %s", status, strings.TrimSpace(string(body)))
			}

			var types []gateway.AgentTypeResponse
			if err := json.Unmarshal(body, &types); err != nil {
				return fmt.Errorf("decoding response: %w", err)
			}
			return printTypes(cmd.OutOrStdout(), types)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "gateway HTTP address (default: server.http_addr from config)")
	cmd.Flags().StringVar(&token, "token", "", "operator token (default: $COVEN_RUNTIME_TOKEN)")
	return cmd
}

func printTypes(w io.Writer, types []gateway.AgentTypeResponse) error {
	if len(types) == 0 {
		_, err := fmt.Fprintln(w, "no agent types registered")
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TYPE\tWORKERS")
	for _, t := range types {
		fmt.Fprintf(tw, "%s\t%s\n", t.Type, strings.Join(t.Workers, ","))
	}
	return tw.Flush()
}
