// ABOUTME: Core data model for active runs - statuses, tool events, mergeable turns
// ABOUTME: RunState is the authoritative record of one streaming execution

package runstate

import (
	"encoding/json"
	"time"
)

// Status is the terminal outcome of a run. Empty while streaming.
type Status string

const (
	StatusOK      Status = "ok"
	StatusStopped Status = "stopped"
	StatusFailed  Status = "failed"
)

// ToolEventKind tags the two tool event variants.
type ToolEventKind string

const (
	ToolRequest ToolEventKind = "tool-request"
	ToolResult  ToolEventKind = "tool-result"
)

// ToolEvent is a tagged record of one tool interaction. Request carries
// only CallID/Name/Stage/Params; Result additionally carries Output and Err.
type ToolEvent struct {
	Kind   ToolEventKind   `json:"kind"`
	CallID string          `json:"call_id"`
	Name   string          `json:"name"`
	Stage  string          `json:"stage,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Output string          `json:"output,omitempty"`
	Err    string          `json:"error,omitempty"`
}

// Role identifies who authored a turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is the mergeable record shape shared with durable storage.
// StorageID is empty until the turn has been persisted.
type Turn struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Status    Status    `json:"status,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	StorageID string    `json:"turnId,omitempty"`
}

// RunState is the authoritative record of the currently active run for one
// conversation. It is created by Registry.Create and mutated only through
// registry methods; the exported identity fields are immutable after
// creation and safe to read without synchronization.
type RunState struct {
	ConversationID string
	RunID          string
	Provider       string
	Model          string
	Source         string

	UserContent        string
	UserCreatedAt      time.Time
	AssistantCreatedAt time.Time

	assistantText string
	reasoningText string
	toolEvents    []ToolEvent

	finalStatus Status

	persistedUserID      string
	persistedAssistantID string

	abort *Signal

	// seq orders registry mutations for this run. It is independent from
	// the wire sequence numbers the hub assigns at publish time.
	seq uint64
}

// Abort returns the run's cancellation handle. The handle itself is
// created at run creation and never replaced, so this is race-free.
func (r *RunState) Abort() *Signal {
	return r.abort
}
