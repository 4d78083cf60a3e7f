// Package config handles configuration loading for coven-runtime.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from COVEN_RUNTIME_CONFIG environment variable
//  2. ./config.yaml (current directory)
//  3. $XDG_CONFIG_HOME/coven/runtime.yaml (~/.config when unset)
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	auth:
//	  jwt_secret: "${COVEN_JWT_SECRET}"
//
// Unset variables expand to the empty string.
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	rpc:
//	  default_timeout: "30s"
//	  max_timeout: "5m"
//
// # Example
//
//	server:
//	  grpc_addr: "0.0.0.0:50061"
//	  http_addr: "0.0.0.0:8090"
//
//	state:
//	  backend: "sqlite"
//	  sqlite_path: "/var/lib/coven/runtime.db"
//
//	registry:
//	  placement: "least_loaded"
//
//	messages:
//	  replay_window: "5s"
//	  dead_letter_capacity: 1000
//
//	workers:
//	  max_events_per_second: 200
//	  event_burst: 50
//
//	auth:
//	  enabled: true
//	  jwt_secret: "${COVEN_JWT_SECRET}"
//
// Every field has a default; see Config.ApplyDefaults. Validate rejects
// unknown backends and policies, missing backend settings, and a default RPC
// timeout above the maximum.
package config
