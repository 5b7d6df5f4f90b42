// Package hub fans out transcript and sidebar events to subscribed
// viewer connections, assigning the per-feed sequence numbers viewers
// use to detect loss.
package hub
