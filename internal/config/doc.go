// Package config handles configuration loading for relay-gateway.
//
// # Overview
//
// Configuration is loaded from YAML files with environment variable expansion.
// The package provides validation and sensible defaults.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from RELAY_CONFIG environment variable
//  2. ./config.yaml (current directory)
//  3. ~/.config/relay/gateway.yaml
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	tailscale:
//	  auth_key: "${TS_AUTHKEY}"
//
// Syntax: ${VAR_NAME}
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	limits:
//	  active_ttl: "60m"
//	  tombstone_ttl: "5m"
//	  dedupe_window: "10s"
//
// Supported units: ns, us, ms, s, m, h
//
// # Configuration Sections
//
// Server settings:
//
//	server:
//	  http_addr: "0.0.0.0:8080"   # WebSocket, health, and metrics
//
// Database:
//
//	database:
//	  path: "/var/lib/relay/relay.db"
//
// Producer:
//
//	producer:
//	  provider: "anthropic"
//	  model: "claude-sonnet"
//
// Limits:
//
//	limits:
//	  text_cap: 200000
//	  tool_cap: 200
//	  max_tombstones: 1000
//	  active_ttl: "60m"
//	  tombstone_ttl: "5m"
//	  sweep_interval: "1m"
//	  dedupe_window: "10s"
//
// Tailscale:
//
//	tailscale:
//	  enabled: false
//	  hostname: "relay-gateway"
//	  auth_key: "${TS_AUTHKEY}"
//	  funnel: false
//
// Logging:
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
//
// # Usage
//
// Load configuration:
//
//	cfg, err := config.Load("/etc/relay/gateway.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
package config
