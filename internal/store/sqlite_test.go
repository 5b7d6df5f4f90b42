// ABOUTME: Tests for the SQLite store
// ABOUTME: Runs against an in-memory database

package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSaveTurn_GeneratesID(t *testing.T) {
	s := newTestStore(t)
	ctx := t.Context()

	turn := &Turn{ConversationID: "conv-1", Role: "user", Content: "hello"}
	require.NoError(t, s.SaveTurn(ctx, turn))
	assert.NotEmpty(t, turn.ID)
	assert.False(t, turn.CreatedAt.IsZero())
}

func TestListTurns_CreationOrder(t *testing.T) {
	s := newTestStore(t)
	ctx := t.Context()

	base := time.Now().Add(-time.Minute)
	require.NoError(t, s.SaveTurn(ctx, &Turn{
		ConversationID: "conv-1", Role: "user", Content: "first", CreatedAt: base,
	}))
	require.NoError(t, s.SaveTurn(ctx, &Turn{
		ConversationID: "conv-1", Role: "assistant", Content: "second",
		Status: "ok", CreatedAt: base.Add(time.Second),
	}))
	require.NoError(t, s.SaveTurn(ctx, &Turn{
		ConversationID: "conv-2", Role: "user", Content: "other", CreatedAt: base,
	}))

	turns, err := s.ListTurns(ctx, "conv-1", 0)
	require.NoError(t, err)
	require.Len(t, turns, 2)
	assert.Equal(t, "first", turns[0].Content)
	assert.Equal(t, "second", turns[1].Content)
	assert.Equal(t, "ok", turns[1].Status)
}

func TestUpsertConversation(t *testing.T) {
	s := newTestStore(t)
	ctx := t.Context()

	require.NoError(t, s.UpsertConversation(ctx, &Conversation{ID: "conv-1", Title: "Greetings"}))

	got, err := s.GetConversation(ctx, "conv-1")
	require.NoError(t, err)
	assert.Equal(t, "Greetings", got.Title)

	// Second upsert bumps updated_at but keeps the title when none given.
	require.NoError(t, s.UpsertConversation(ctx, &Conversation{
		ID: "conv-1", UpdatedAt: got.UpdatedAt.Add(time.Minute),
	}))
	got2, err := s.GetConversation(ctx, "conv-1")
	require.NoError(t, err)
	assert.Equal(t, "Greetings", got2.Title)
	assert.True(t, got2.UpdatedAt.After(got.UpdatedAt))
}

func TestGetConversation_NotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetConversation(t.Context(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListConversations_MostRecentFirst(t *testing.T) {
	s := newTestStore(t)
	ctx := t.Context()

	now := time.Now()
	require.NoError(t, s.UpsertConversation(ctx, &Conversation{ID: "old", UpdatedAt: now.Add(-time.Hour)}))
	require.NoError(t, s.UpsertConversation(ctx, &Conversation{ID: "new", UpdatedAt: now}))

	convs, err := s.ListConversations(ctx, 10)
	require.NoError(t, err)
	require.Len(t, convs, 2)
	assert.Equal(t, "new", convs[0].ID)
	assert.Equal(t, "old", convs[1].ID)
}

func TestDeleteConversation_RemovesTurns(t *testing.T) {
	s := newTestStore(t)
	ctx := t.Context()

	require.NoError(t, s.UpsertConversation(ctx, &Conversation{ID: "conv-1"}))
	require.NoError(t, s.SaveTurn(ctx, &Turn{ConversationID: "conv-1", Role: "user", Content: "hi"}))

	require.NoError(t, s.DeleteConversation(ctx, "conv-1"))

	_, err := s.GetConversation(ctx, "conv-1")
	assert.ErrorIs(t, err, ErrNotFound)

	turns, err := s.ListTurns(ctx, "conv-1", 0)
	require.NoError(t, err)
	assert.Empty(t, turns)
}

func TestDeleteConversation_NotFound(t *testing.T) {
	s := newTestStore(t)
	assert.ErrorIs(t, s.DeleteConversation(t.Context(), "missing"), ErrNotFound)
}
