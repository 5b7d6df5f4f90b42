// Package server exposes the gateway's WebSocket endpoint and adapts
// each connection to the hub's non-blocking send contract.
package server
