// Package gateway orchestrates the relay-gateway server components.
//
// # Overview
//
// The gateway package is the central coordinator of the relay-gateway
// server. It owns and wires all major components: the run coordinator,
// the fan-out hub, the live-view registry, the data store, and the HTTP
// server carrying the WebSocket and API endpoints.
//
// # HTTP API
//
// The gateway exposes HTTP endpoints in api.go:
//
//   - POST /api/runs - Start a run for a conversation
//   - POST /api/runs/cancel - Cancel an in-flight run
//   - GET /api/conversations - List conversations
//   - GET /api/conversations/{id}/turns - Merged transcript (durable + live)
//   - DELETE /api/conversations/{id} - Delete a conversation
//   - GET /ws - Viewer WebSocket endpoint
//   - GET /health - Liveness check
//   - GET /health/ready - Readiness check
//   - GET /metrics - Prometheus metrics (when enabled)
//
// # WebSocket Protocol
//
// Viewer connections speak the versioned JSON protocol defined in the
// protocol package: subscribe_sidebar, subscribe_conversation, and
// cancel_inflight requests in; sequenced assistant_delta, analysis_delta,
// tool_event, turn_final, and conversation_upsert events out.
//
// # Lifecycle
//
// Start the gateway:
//
//	gw, err := gateway.New(cfg, prod, logger)
//	ctx, cancel := context.WithCancel(context.Background())
//	err = gw.Run(ctx)
//
// Run blocks until the context is canceled, then shuts the HTTP server,
// tailscale node, live-view registry, and store down gracefully.
//
// # Key Files
//
//   - gateway.go: Gateway struct, initialization, listeners, Run/Shutdown
//   - api.go: HTTP handlers for runs and conversations
package gateway
