// ABOUTME: Store interface and data types for gateway persistence
// ABOUTME: Defines Turn, Conversation structs and the Store interface

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// Turn is one durable transcript entry: a user message or a completed
// assistant response.
type Turn struct {
	ID             string
	ConversationID string
	Role           string // "user" or "assistant"
	Content        string
	Status         string // terminal status for assistant turns, empty for user turns
	CreatedAt      time.Time
}

// Conversation is the sidebar-level record of a conversation.
type Conversation struct {
	ID        string
	Title     string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Store defines the interface for transcript and conversation persistence
type Store interface {
	// SaveTurn persists a turn. An ID is generated when empty; the
	// assigned ID is written back to the struct.
	SaveTurn(ctx context.Context, turn *Turn) error
	ListTurns(ctx context.Context, conversationID string, limit int) ([]*Turn, error)

	UpsertConversation(ctx context.Context, conv *Conversation) error
	GetConversation(ctx context.Context, id string) (*Conversation, error)
	ListConversations(ctx context.Context, limit int) ([]*Conversation, error)

	// DeleteConversation removes the conversation and all its turns.
	DeleteConversation(ctx context.Context, id string) error

	// Close releases any resources held by the store
	Close() error
}
