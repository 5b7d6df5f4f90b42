// ABOUTME: Tests for the run coordinator
// ABOUTME: Drives full runs through a scripted producer against an in-memory store

package run

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/relay/internal/liveview"
	"github.com/2389/relay/internal/producer"
	"github.com/2389/relay/internal/protocol"
	"github.com/2389/relay/internal/runlock"
	"github.com/2389/relay/internal/runstate"
	"github.com/2389/relay/internal/store"
)

type captureFanout struct {
	mu         sync.Mutex
	transcript []protocol.ServerMessage
	sidebar    []protocol.ServerMessage
}

func (f *captureFanout) PublishTranscript(conversationID string, msg protocol.ServerMessage) {
	f.mu.Lock()
	defer f.mu.Unlock()
	msg.ConversationID = conversationID
	f.transcript = append(f.transcript, msg)
}

func (f *captureFanout) PublishSidebar(msg protocol.ServerMessage) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sidebar = append(f.sidebar, msg)
}

func (f *captureFanout) transcriptOfType(typ string) []protocol.ServerMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []protocol.ServerMessage
	for _, m := range f.transcript {
		if m.Type == typ {
			out = append(out, m)
		}
	}
	return out
}

func (f *captureFanout) sidebarOfType(typ string) []protocol.ServerMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []protocol.ServerMessage
	for _, m := range f.sidebar {
		if m.Type == typ {
			out = append(out, m)
		}
	}
	return out
}

type fixture struct {
	svc  *Service
	lock *runlock.Lock
	fan  *captureFanout
	st   *store.SQLiteStore
}

func newFixture(t *testing.T, prod producer.Producer) *fixture {
	t.Helper()

	lock := runlock.New()
	reg := runstate.NewRegistry(runstate.DefaultLimits, nil)
	live := liveview.NewRegistry(liveview.DefaultOptions, nil)
	t.Cleanup(live.Close)
	fan := &captureFanout{}

	st, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	svc := NewService(lock, reg, live, fan, st, prod, 0, nil)
	return &fixture{svc: svc, lock: lock, fan: fan, st: st}
}

func waitForTerminal(t *testing.T, f *fixture, conversationID string) {
	t.Helper()
	require.Eventually(t, func() bool {
		return !f.lock.Held(conversationID)
	}, 2*time.Second, 5*time.Millisecond, "run never released the lock")
}

func TestStart_FullRun(t *testing.T) {
	prod := &producer.Scripted{Events: []producer.Event{
		{Type: producer.EventToken, Content: "Hel"},
		{Type: producer.EventToken, Content: "lo"},
		{Type: producer.EventFinal, Content: "Hello!"},
		{Type: producer.EventComplete},
	}}
	f := newFixture(t, prod)

	runID, err := f.svc.Start(t.Context(), StartParams{
		ConversationID: "conv-1",
		UserContent:    "say hello",
		Title:          "Hello thread",
	})
	require.NoError(t, err)
	require.NotEmpty(t, runID)

	waitForTerminal(t, f, "conv-1")

	finals := f.fan.transcriptOfType(protocol.TypeTurnFinal)
	require.Len(t, finals, 1)
	assert.Equal(t, "ok", finals[0].Status)
	assert.Equal(t, runID, finals[0].InflightID)

	turns, err := f.st.ListTurns(t.Context(), "conv-1", 0)
	require.NoError(t, err)
	require.Len(t, turns, 2)
	assert.Equal(t, "user", turns[0].Role)
	assert.Equal(t, "say hello", turns[0].Content)
	assert.Equal(t, "assistant", turns[1].Role)
	assert.Equal(t, "Hello!", turns[1].Content)
	assert.Equal(t, "ok", turns[1].Status)

	upserts := f.fan.sidebarOfType(protocol.TypeConversationUpsert)
	require.Len(t, upserts, 2, "once at start, once at completion")
	assert.Equal(t, "Hello thread", upserts[0].Conversation.Title)
}

func TestStart_ConflictWhileActive(t *testing.T) {
	prod := &producer.Scripted{
		Events: []producer.Event{
			{Type: producer.EventToken, Content: "slow"},
			{Type: producer.EventComplete},
		},
		Delay: 30 * time.Millisecond,
	}
	f := newFixture(t, prod)

	_, err := f.svc.Start(t.Context(), StartParams{ConversationID: "conv-1", UserContent: "one"})
	require.NoError(t, err)

	_, err = f.svc.Start(t.Context(), StartParams{ConversationID: "conv-1", UserContent: "two"})
	assert.ErrorIs(t, err, ErrRunInProgress)

	// A different conversation is unaffected.
	_, err = f.svc.Start(t.Context(), StartParams{ConversationID: "conv-2", UserContent: "three"})
	require.NoError(t, err)

	waitForTerminal(t, f, "conv-1")

	// The slot reopens once the run finishes.
	_, err = f.svc.Start(t.Context(), StartParams{ConversationID: "conv-1", UserContent: "again"})
	require.NoError(t, err)
}

func TestCancel_MidRun(t *testing.T) {
	prod := &producer.Scripted{
		Events: []producer.Event{
			{Type: producer.EventToken, Content: "partial "},
			{Type: producer.EventToken, Content: "answer"},
			{Type: producer.EventToken, Content: " never sent"},
			{Type: producer.EventComplete},
		},
		Delay: 20 * time.Millisecond,
	}
	f := newFixture(t, prod)

	runID, err := f.svc.Start(t.Context(), StartParams{ConversationID: "conv-1", UserContent: "go"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(f.fan.transcriptOfType(protocol.TypeAssistantDelta)) >= 1
	}, 2*time.Second, 5*time.Millisecond, "no delta ever streamed")

	require.NoError(t, f.svc.Cancel("conv-1", runID))
	waitForTerminal(t, f, "conv-1")

	finals := f.fan.transcriptOfType(protocol.TypeTurnFinal)
	require.Len(t, finals, 1, "cancel and producer wind-down collapse to one terminal")
	assert.Equal(t, "stopped", finals[0].Status)
	assert.Equal(t, protocol.CodeCancelled, finals[0].Code)

	turns, err := f.st.ListTurns(t.Context(), "conv-1", 0)
	require.NoError(t, err)
	require.Len(t, turns, 2)
	assert.Equal(t, "stopped", turns[1].Status)
	assert.NotEmpty(t, turns[1].Content, "partial text survives cancellation")
}

func TestCancel_UnknownRun(t *testing.T) {
	f := newFixture(t, &producer.Scripted{})
	assert.ErrorIs(t, f.svc.Cancel("conv-1", "nope"), ErrNotFound)
}

func TestCancel_Idempotent(t *testing.T) {
	prod := &producer.Scripted{
		Events: []producer.Event{{Type: producer.EventComplete}},
		Delay:  30 * time.Millisecond,
	}
	f := newFixture(t, prod)

	runID, err := f.svc.Start(t.Context(), StartParams{ConversationID: "conv-1", UserContent: "go"})
	require.NoError(t, err)

	require.NoError(t, f.svc.Cancel("conv-1", runID))
	require.NoError(t, f.svc.Cancel("conv-1", runID), "second cancel within the grace window succeeds")

	waitForTerminal(t, f, "conv-1")
	assert.Len(t, f.fan.transcriptOfType(protocol.TypeTurnFinal), 1)
}

func TestProducerStartFailure(t *testing.T) {
	f := newFixture(t, failingProducer{})

	_, err := f.svc.Start(t.Context(), StartParams{ConversationID: "conv-1", UserContent: "go"})
	require.NoError(t, err, "start admission succeeds; the failure surfaces as a failed run")

	waitForTerminal(t, f, "conv-1")

	finals := f.fan.transcriptOfType(protocol.TypeTurnFinal)
	require.Len(t, finals, 1)
	assert.Equal(t, "failed", finals[0].Status)
	assert.Equal(t, protocol.CodeProviderError, finals[0].Code)
}

type failingProducer struct{}

func (failingProducer) Run(ctx context.Context, req producer.Request) (<-chan producer.Event, error) {
	return nil, assert.AnError
}

func TestHistory_MergesLiveRun(t *testing.T) {
	prod := &producer.Scripted{
		Events: []producer.Event{
			{Type: producer.EventToken, Content: "streaming"},
			{Type: producer.EventComplete},
		},
		Delay: 30 * time.Millisecond,
	}
	f := newFixture(t, prod)

	_, err := f.svc.Start(t.Context(), StartParams{ConversationID: "conv-1", UserContent: "hi"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(f.fan.transcriptOfType(protocol.TypeAssistantDelta)) >= 1
	}, 2*time.Second, 5*time.Millisecond)

	history, err := f.svc.History(t.Context(), "conv-1")
	require.NoError(t, err)
	require.Len(t, history, 2, "persisted user turn dedupes against the live copy")
	assert.Equal(t, runstate.RoleUser, history[0].Role)
	assert.Equal(t, runstate.RoleAssistant, history[1].Role)
	assert.Equal(t, "streaming", history[1].Content)

	waitForTerminal(t, f, "conv-1")

	history, err = f.svc.History(t.Context(), "conv-1")
	require.NoError(t, err)
	require.Len(t, history, 2, "after persistence the merge stays stable")
	assert.NotEmpty(t, history[1].StorageID)
}

func TestDeleteConversation(t *testing.T) {
	prod := &producer.Scripted{Events: []producer.Event{{Type: producer.EventComplete}}}
	f := newFixture(t, prod)

	_, err := f.svc.Start(t.Context(), StartParams{ConversationID: "conv-1", UserContent: "hi"})
	require.NoError(t, err)
	waitForTerminal(t, f, "conv-1")

	require.NoError(t, f.svc.DeleteConversation(t.Context(), "conv-1"))

	deletes := f.fan.sidebarOfType(protocol.TypeConversationDelete)
	require.Len(t, deletes, 1)
	assert.Equal(t, "conv-1", deletes[0].ConversationID)
	assert.Nil(t, deletes[0].Conversation, "delete carries the id alone")

	assert.ErrorIs(t, f.svc.DeleteConversation(t.Context(), "conv-1"), ErrNotFound)
}

func TestDeleteConversation_RefusedWhileActive(t *testing.T) {
	prod := &producer.Scripted{
		Events: []producer.Event{{Type: producer.EventComplete}},
		Delay:  30 * time.Millisecond,
	}
	f := newFixture(t, prod)

	_, err := f.svc.Start(t.Context(), StartParams{ConversationID: "conv-1", UserContent: "hi"})
	require.NoError(t, err)

	assert.ErrorIs(t, f.svc.DeleteConversation(t.Context(), "conv-1"), ErrRunInProgress)
	waitForTerminal(t, f, "conv-1")
}
