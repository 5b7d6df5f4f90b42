// ABOUTME: Provider-neutral contract for run producers (LLM/agent/workflow engines)
// ABOUTME: A producer streams tagged events over a channel the bridge drains

package producer

import (
	"context"
	"encoding/json"

	"github.com/2389/relay/internal/runstate"
)

// EventType tags the variants a producer may emit.
type EventType string

const (
	EventToken       EventType = "token"
	EventAnalysis    EventType = "analysis"
	EventToolRequest EventType = "tool-request"
	EventToolResult  EventType = "tool-result"
	EventFinal       EventType = "final"
	EventThread      EventType = "thread"
	EventComplete    EventType = "complete"
	EventError       EventType = "error"
)

// ToolCall carries the tool fields shared by tool-request and tool-result.
type ToolCall struct {
	CallID string
	Name   string
	Stage  string
	Params json.RawMessage
	Result string
	Err    string
}

// Event is one element of a producer's stream. Which fields are set
// depends on Type: Content for token/analysis/final, Tool for the tool
// variants, ThreadID for thread/complete, Message for error.
type Event struct {
	Type     EventType
	Content  string
	Tool     *ToolCall
	ThreadID string
	Message  string
}

// Request describes one run to execute.
type Request struct {
	ConversationID string
	Input          string
	Model          string

	// Signal delivers cooperative cancellation back to the producer; it
	// must stop emitting at its next yield point once tripped.
	Signal *runstate.Signal
}

// Producer starts a run and streams its events. The returned channel is
// closed when the producer is done emitting (including after error
// events); Run itself only fails when the stream cannot be started.
type Producer interface {
	Run(ctx context.Context, req Request) (<-chan Event, error)
}
