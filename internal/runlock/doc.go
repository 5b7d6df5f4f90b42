// Package runlock provides a non-blocking per-conversation mutex map
// used to enforce at most one active run per conversation.
package runlock
