// ABOUTME: Tests for the active-run registry
// ABOUTME: Covers stale-run guards, bounded accumulators, abort, and snapshots

package runstate

import (
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRegistry(limits Limits) *Registry {
	return NewRegistry(limits, nil)
}

func createRun(t *testing.T, r *Registry, convID string) *RunState {
	t.Helper()
	state := r.Create(CreateParams{
		ConversationID: convID,
		Provider:       "anthropic",
		Model:          "test-model",
		Source:         "chat",
		UserContent:    "hello",
	})
	require.NotEmpty(t, state.RunID)
	return state
}

func TestRegistry_AppendAssistantDelta(t *testing.T) {
	r := newTestRegistry(Limits{})
	state := createRun(t, r, "conv-1")

	agg, ok := r.AppendAssistantDelta("conv-1", state.RunID, "Hel")
	require.True(t, ok)
	assert.Equal(t, "Hel", agg)

	agg, ok = r.AppendAssistantDelta("conv-1", state.RunID, "lo")
	require.True(t, ok)
	assert.Equal(t, "Hello", agg)
}

func TestRegistry_StaleRunIDIsNoOp(t *testing.T) {
	r := newTestRegistry(Limits{})
	state := createRun(t, r, "conv-1")

	_, ok := r.AppendAssistantDelta("conv-1", "stale-run", "x")
	assert.False(t, ok)

	_, ok = r.AppendReasoningDelta("conv-1", "stale-run", "x")
	assert.False(t, ok)

	_, ok = r.AppendToolEvent("conv-1", "stale-run", ToolEvent{Kind: ToolRequest})
	assert.False(t, ok)

	assert.False(t, r.MarkFinal("conv-1", "stale-run", StatusOK))
	assert.False(t, r.Cleanup("conv-1", "stale-run"))

	// Active run untouched.
	agg, ok := r.AppendAssistantDelta("conv-1", state.RunID, "still here")
	require.True(t, ok)
	assert.Equal(t, "still here", agg)
}

func TestRegistry_SetAssistantTextComputesDelta(t *testing.T) {
	r := newTestRegistry(Limits{})
	state := createRun(t, r, "conv-1")

	_, ok := r.AppendAssistantDelta("conv-1", state.RunID, "Hel")
	require.True(t, ok)

	delta, ok := r.SetAssistantText("conv-1", state.RunID, "Hello")
	require.True(t, ok)
	assert.Equal(t, "lo", delta)

	// Non-extending snapshot: the whole new text is the delta.
	delta, ok = r.SetAssistantText("conv-1", state.RunID, "Hi")
	require.True(t, ok)
	assert.Equal(t, "Hi", delta)
}

func TestRegistry_TextCapDropsFromFront(t *testing.T) {
	r := newTestRegistry(Limits{TextCap: 10})
	state := createRun(t, r, "conv-1")

	agg, ok := r.AppendAssistantDelta("conv-1", state.RunID, "0123456789")
	require.True(t, ok)
	assert.Equal(t, "0123456789", agg)

	agg, ok = r.AppendAssistantDelta("conv-1", state.RunID, "abc")
	require.True(t, ok)
	assert.Equal(t, "3456789abc", agg, "oldest characters drop from the front")
	assert.Len(t, agg, 10)
}

func TestRegistry_TextCapKeepsValidUTF8(t *testing.T) {
	r := newTestRegistry(Limits{TextCap: 4})
	state := createRun(t, r, "conv-1")

	_, ok := r.AppendAssistantDelta("conv-1", state.RunID, "aé")
	require.True(t, ok)
	agg, ok := r.AppendAssistantDelta("conv-1", state.RunID, "bcd")
	require.True(t, ok)

	assert.True(t, utf8.ValidString(agg), "the cap never splits a rune")
	assert.Equal(t, "bcd", agg, "a rune straddling the cut is dropped whole")
}

func TestRegistry_ToolCapDropsOldest(t *testing.T) {
	r := newTestRegistry(Limits{ToolCap: 3})
	state := createRun(t, r, "conv-1")

	for _, id := range []string{"a", "b", "c", "d"} {
		_, ok := r.AppendToolEvent("conv-1", state.RunID, ToolEvent{Kind: ToolRequest, CallID: id})
		require.True(t, ok)
	}

	events, ok := r.ToolEvents("conv-1", state.RunID)
	require.True(t, ok)
	require.Len(t, events, 3)
	assert.Equal(t, "b", events[0].CallID, "oldest event evicted first")
	assert.Equal(t, "d", events[2].CallID)
}

func TestRegistry_AbortIsIdempotent(t *testing.T) {
	r := newTestRegistry(Limits{})
	state := createRun(t, r, "conv-1")

	sig, ok := r.Abort("conv-1", state.RunID)
	require.True(t, ok)
	assert.True(t, sig.Tripped())

	sig2, ok := r.Abort("conv-1", state.RunID)
	require.True(t, ok)
	assert.Same(t, sig, sig2)

	_, ok = r.Abort("conv-1", "stale-run")
	assert.False(t, ok)
}

func TestRegistry_SnapshotMergeable(t *testing.T) {
	r := newTestRegistry(Limits{})
	state := createRun(t, r, "conv-1")

	// Before any assistant output: only the user turn.
	turns := r.SnapshotMergeable("conv-1")
	require.Len(t, turns, 1)
	assert.Equal(t, RoleUser, turns[0].Role)
	assert.Equal(t, "hello", turns[0].Content)

	_, ok := r.AppendAssistantDelta("conv-1", state.RunID, "partial answer")
	require.True(t, ok)
	require.True(t, r.MarkFinal("conv-1", state.RunID, StatusOK))
	require.True(t, r.MarkPersisted("conv-1", state.RunID, RoleUser, "store-1"))

	turns = r.SnapshotMergeable("conv-1")
	require.Len(t, turns, 2)
	assert.Equal(t, "store-1", turns[0].StorageID)
	assert.Equal(t, RoleAssistant, turns[1].Role)
	assert.Equal(t, "partial answer", turns[1].Content)
	assert.Equal(t, StatusOK, turns[1].Status)
}

func TestRegistry_CleanupRemovesRun(t *testing.T) {
	r := newTestRegistry(Limits{})
	state := createRun(t, r, "conv-1")

	require.True(t, r.Cleanup("conv-1", state.RunID))

	_, ok := r.ActiveRunID("conv-1")
	assert.False(t, ok)
	assert.Nil(t, r.SnapshotMergeable("conv-1"))
}

func TestRegistry_ConversationsAreIndependent(t *testing.T) {
	r := newTestRegistry(Limits{})
	s1 := createRun(t, r, "conv-1")
	s2 := createRun(t, r, "conv-2")

	var wg sync.WaitGroup
	wg.Go(func() {
		for range 100 {
			r.AppendAssistantDelta("conv-1", s1.RunID, "a")
		}
	})
	wg.Go(func() {
		for range 100 {
			r.AppendAssistantDelta("conv-2", s2.RunID, "b")
		}
	})
	wg.Wait()

	turns1 := r.SnapshotMergeable("conv-1")
	turns2 := r.SnapshotMergeable("conv-2")
	require.Len(t, turns1, 2)
	require.Len(t, turns2, 2)
	assert.Len(t, turns1[1].Content, 100)
	assert.Len(t, turns2[1].Content, 100)
	assert.NotContains(t, turns1[1].Content, "b")
}

func TestRegistry_GeneratesRunIDWhenEmpty(t *testing.T) {
	r := newTestRegistry(Limits{})
	s1 := createRun(t, r, "conv-1")
	s2 := createRun(t, r, "conv-2")
	assert.NotEqual(t, s1.RunID, s2.RunID)
	assert.False(t, s1.UserCreatedAt.IsZero())
	assert.WithinDuration(t, time.Now(), s1.AssistantCreatedAt, time.Minute)
}
