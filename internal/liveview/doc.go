// Package liveview caches the viewer-facing state of active runs with
// TTL-based expiry and short-lived tombstones recording how runs ended.
package liveview
