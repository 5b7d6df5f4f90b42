// Package protocol defines the versioned JSON message contract between
// the gateway and viewer connections: subscription requests from clients
// and sequenced transcript/sidebar events from the server.
package protocol
