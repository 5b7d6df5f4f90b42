// ABOUTME: JSON wire protocol between the gateway and viewer connections
// ABOUTME: Typed client/server messages, version validation, and error codes

package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/2389/relay/internal/liveview"
	"github.com/2389/relay/internal/runstate"
)

// Version is the protocol version this gateway speaks. Every message in
// both directions carries it.
const Version = "1"

// Client message types.
const (
	TypeSubscribeSidebar        = "subscribe_sidebar"
	TypeUnsubscribeSidebar      = "unsubscribe_sidebar"
	TypeSubscribeConversation   = "subscribe_conversation"
	TypeUnsubscribeConversation = "unsubscribe_conversation"
	TypeCancelInflight          = "cancel_inflight"
)

// Server message types.
const (
	TypeAck                = "ack"
	TypeError              = "error"
	TypeInflightSnapshot   = "inflight_snapshot"
	TypeAssistantDelta     = "assistant_delta"
	TypeAnalysisDelta      = "analysis_delta"
	TypeToolEvent          = "tool_event"
	TypeTurnFinal          = "turn_final"
	TypeStreamWarning      = "stream_warning"
	TypeConversationUpsert = "conversation_upsert"
	TypeConversationDelete = "conversation_delete"
)

// Error codes carried in error replies and terminal events.
const (
	CodeNotFound      = "not_found"
	CodeRunInProgress = "RUN_IN_PROGRESS"
	CodeCancelled     = "CANCELLED"
	CodeProviderError = "PROVIDER_ERROR"
)

// Protocol violation sentinels. A violation closes the connection;
// anything else (like an unknown type) keeps it open.
var (
	ErrMalformed    = errors.New("malformed message")
	ErrBadVersion   = errors.New("missing or unsupported protocolVersion")
	ErrMissingField = errors.New("missing required field")
)

// ClientMessage is a request from a viewer connection.
type ClientMessage struct {
	ProtocolVersion string `json:"protocolVersion"`
	Type            string `json:"type"`
	RequestID       string `json:"requestId,omitempty"`
	ConversationID  string `json:"conversationId,omitempty"`
	InflightID      string `json:"inflightId,omitempty"`
}

// Known reports whether the message type is one this gateway handles.
// Unknown types are ignored for forward compatibility.
func (m *ClientMessage) Known() bool {
	switch m.Type {
	case TypeSubscribeSidebar, TypeUnsubscribeSidebar,
		TypeSubscribeConversation, TypeUnsubscribeConversation,
		TypeCancelInflight:
		return true
	}
	return false
}

// Parse decodes and validates a client message. A returned error is a
// protocol violation and the connection should be closed; an unknown type
// parses successfully and is reported via Known.
func Parse(data []byte) (*ClientMessage, error) {
	var msg ClientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if msg.ProtocolVersion != Version {
		return nil, fmt.Errorf("%w: %q", ErrBadVersion, msg.ProtocolVersion)
	}
	if msg.Type == "" {
		return nil, fmt.Errorf("%w: type", ErrMissingField)
	}
	if !msg.Known() {
		return &msg, nil
	}

	if msg.RequestID == "" {
		return nil, fmt.Errorf("%w: requestId", ErrMissingField)
	}
	switch msg.Type {
	case TypeSubscribeConversation, TypeUnsubscribeConversation, TypeCancelInflight:
		if msg.ConversationID == "" {
			return nil, fmt.Errorf("%w: conversationId", ErrMissingField)
		}
	}
	if msg.Type == TypeCancelInflight && msg.InflightID == "" {
		return nil, fmt.Errorf("%w: inflightId", ErrMissingField)
	}
	return &msg, nil
}

// Conversation is the sidebar summary of a conversation.
type Conversation struct {
	ID        string    `json:"conversationId"`
	Title     string    `json:"title,omitempty"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// ServerMessage is an event or reply pushed to a viewer connection.
// Transcript events carry ConversationID, InflightID, and a per-
// conversation Seq; sidebar events carry a per-connection Seq.
type ServerMessage struct {
	ProtocolVersion string `json:"protocolVersion"`
	Type            string `json:"type"`
	RequestID       string `json:"requestId,omitempty"`
	ConversationID  string `json:"conversationId,omitempty"`
	InflightID      string `json:"inflightId,omitempty"`
	Seq             uint64 `json:"seq,omitempty"`

	Delta    string              `json:"delta,omitempty"`
	Event    *runstate.ToolEvent `json:"event,omitempty"`
	Inflight *liveview.Snapshot  `json:"inflight,omitempty"`
	Status   string              `json:"status,omitempty"`
	Message  string              `json:"message,omitempty"`
	ThreadID string              `json:"threadId,omitempty"`

	Error string `json:"error,omitempty"`
	Code  string `json:"code,omitempty"`

	Conversation *Conversation `json:"conversation,omitempty"`
}

// Ack builds the acknowledgement reply for a request.
func Ack(requestID string) ServerMessage {
	return ServerMessage{ProtocolVersion: Version, Type: TypeAck, RequestID: requestID}
}

// ErrorReply builds an error reply for a request.
func ErrorReply(requestID, code, message string) ServerMessage {
	return ServerMessage{
		ProtocolVersion: Version,
		Type:            TypeError,
		RequestID:       requestID,
		Code:            code,
		Error:           message,
	}
}
