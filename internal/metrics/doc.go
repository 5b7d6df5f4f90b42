// Package metrics holds the gateway's Prometheus collectors.
package metrics
