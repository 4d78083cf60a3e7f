// ABOUTME: Entry point for the coven-runtime gateway and its operator commands
// ABOUTME: Wires cobra subcommands for serve, health, types and token

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/2389/coven-runtime/internal/config"
	"github.com/2389/coven-runtime/internal/gateway"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
  ___ _____   _____ _ __        _ __ _   _ _ __ | |_(_)_ __ ___   ___
 / __/ _ \ \ / / _ \ '_ \ _____| '__| | | | '_ \| __| | '_ ' _ \ / _ \
| (_| (_) \ V /  __/ | | |_____| |  | |_| | | | | |_| | | | | | |  __/
 \___\___/ \_/ \___|_| |_|     |_|   \__,_|_| |_|\__|_|_| |_| |_|\___|
`

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// newRootCmd creates the root command with all subcommands attached.
func newRootCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:           "coven-runtime",
		Short:         "Agent runtime gateway",
		Long:          "coven-runtime routes events and RPCs between worker processes hosting stateful agents.",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (default: $COVEN_RUNTIME_CONFIG, ./config.yaml, ~/.config/coven/runtime.yaml)")

	load := func(cmd *cobra.Command) (*config.Config, string, error) {
		return loadConfig(configPath, cmd.Flags().Changed("config"))
	}

	cmd.AddCommand(
		newServeCmd(load),
		newHealthCmd(load),
		newTypesCmd(load),
		newTokenCmd(load),
	)
	return cmd
}

type configLoader func(cmd *cobra.Command) (*config.Config, string, error)

// loadConfig reads the config file. A missing file at the default location
// falls back to built-in defaults; an explicit path must exist.
func loadConfig(path string, explicit bool) (*config.Config, string, error) {
	if path == "" {
		path = config.DefaultPath()
	}
	cfg, err := config.Load(path)
	if err == nil {
		return cfg, path, nil
	}
	if !explicit && errors.Is(err, os.ErrNotExist) {
		return config.Default(), "(defaults)", nil
	}
	return nil, path, fmt.Errorf("loading config: %w", err)
}

func newServeCmd(load configLoader) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the gateway server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, configPath, err := load(cmd)
			if err != nil {
				return err
			}
			return runServe(cmd.Context(), cfg, configPath)
		},
	}
}

func runServe(ctx context.Context, cfg *config.Config, configPath string) error {
	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	logger := setupLogger(cfg.Logging)

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("gRPC:      %s\n", cfg.Server.GRPCAddr)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
	green.Print("    ▶ ")
	fmt.Printf("State:     %s\n", cfg.State.Backend)

	if cfg.Tailscale.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Tailscale: ")
		cyan.Print(cfg.Tailscale.Hostname)
		if cfg.Tailscale.Ephemeral {
			gray.Print(" (ephemeral)")
		}
		fmt.Println()
	}
	if !cfg.Auth.Enabled {
		yellow.Print("    ! ")
		fmt.Println("Auth disabled: any process that can reach the gRPC port may join")
	}
	fmt.Println()

	logger.Info("starting coven-runtime",
		"config", configPath,
		"grpc_addr", cfg.Server.GRPCAddr,
		"http_addr", cfg.Server.HTTPAddr,
		"state_backend", cfg.State.Backend,
	)

	gw, err := gateway.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}
	return gw.Run(ctx)
}
