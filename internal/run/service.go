// ABOUTME: Run coordinator - owns the lifecycle of a run from lock to persistence
// ABOUTME: Records durable state before acting, then streams through the bridge

package run

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/2389/relay/internal/bridge"
	"github.com/2389/relay/internal/liveview"
	"github.com/2389/relay/internal/metrics"
	"github.com/2389/relay/internal/producer"
	"github.com/2389/relay/internal/protocol"
	"github.com/2389/relay/internal/runlock"
	"github.com/2389/relay/internal/runstate"
	"github.com/2389/relay/internal/store"
)

// ErrRunInProgress is returned when a conversation already has an active run.
var ErrRunInProgress = errors.New("run already in progress")

// ErrNotFound is returned when the referenced run or conversation does not exist.
var ErrNotFound = errors.New("not found")

// Fanout is the slice of the hub the service needs.
type Fanout interface {
	PublishTranscript(conversationID string, msg protocol.ServerMessage)
	PublishSidebar(msg protocol.ServerMessage)
}

// StartParams describes a run to start.
type StartParams struct {
	ConversationID string
	RunID          string // generated when empty
	Provider       string
	Model          string
	Source         string
	UserContent    string
	Title          string // optional sidebar title for new conversations
}

// Service coordinates runs: admission through the run lock, registry and
// live-view bookkeeping, producer streaming through a bridge, and durable
// persistence on both ends of the run.
type Service struct {
	lock  *runlock.Lock
	reg   *runstate.Registry
	live  *liveview.Registry
	fan   Fanout
	store store.Store
	prod  producer.Producer

	dedupeWindow time.Duration
	logger       *slog.Logger
}

// NewService wires a run coordinator. Pass nil logger for default.
func NewService(lock *runlock.Lock, reg *runstate.Registry, live *liveview.Registry, fan Fanout, st store.Store, prod producer.Producer, dedupeWindow time.Duration, logger *slog.Logger) *Service {
	if dedupeWindow <= 0 {
		dedupeWindow = runstate.DefaultDedupeWindow
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		lock:         lock,
		reg:          reg,
		live:         live,
		fan:          fan,
		store:        st,
		prod:         prod,
		dedupeWindow: dedupeWindow,
		logger:       logger.With("component", "run"),
	}
}

// Start admits and launches a run. The user turn is durably recorded
// before the producer starts, so a crash mid-stream never loses the
// user's message. Returns the run ID; ErrRunInProgress when the
// conversation already has an active run.
func (s *Service) Start(ctx context.Context, params StartParams) (string, error) {
	if !s.lock.TryAcquire(params.ConversationID) {
		return "", fmt.Errorf("%w: conversation %s", ErrRunInProgress, params.ConversationID)
	}

	state := s.reg.Create(runstate.CreateParams{
		ConversationID: params.ConversationID,
		RunID:          params.RunID,
		Provider:       params.Provider,
		Model:          params.Model,
		Source:         params.Source,
		UserContent:    params.UserContent,
	})
	runID := state.RunID

	s.live.CreateOrGetActive(params.ConversationID, runID, func() {
		s.reg.Abort(params.ConversationID, runID)
	})

	if err := s.recordUserTurn(ctx, params, state); err != nil {
		s.live.Finalize(params.ConversationID, runID, "failed")
		s.reg.Cleanup(params.ConversationID, runID)
		s.lock.Release(params.ConversationID)
		return "", fmt.Errorf("recording user turn: %w", err)
	}

	metrics.RunsActive.Inc()
	s.logger.Info("run started",
		"conversation_id", params.ConversationID,
		"run_id", runID,
		"provider", params.Provider,
		"model", params.Model)

	go s.execute(context.WithoutCancel(ctx), state)
	return runID, nil
}

// recordUserTurn persists the conversation record and user turn, then
// announces the conversation on the sidebar feed.
func (s *Service) recordUserTurn(ctx context.Context, params StartParams, state *runstate.RunState) error {
	conv := &store.Conversation{
		ID:        params.ConversationID,
		Title:     params.Title,
		UpdatedAt: time.Now(),
	}
	if err := s.store.UpsertConversation(ctx, conv); err != nil {
		return err
	}

	turn := &store.Turn{
		ConversationID: params.ConversationID,
		Role:           string(runstate.RoleUser),
		Content:        params.UserContent,
		CreatedAt:      state.UserCreatedAt,
	}
	if err := s.store.SaveTurn(ctx, turn); err != nil {
		return err
	}
	s.reg.MarkPersisted(params.ConversationID, state.RunID, runstate.RoleUser, turn.ID)

	s.fan.PublishSidebar(protocol.ServerMessage{
		Type: protocol.TypeConversationUpsert,
		Conversation: &protocol.Conversation{
			ID:        conv.ID,
			Title:     conv.Title,
			UpdatedAt: conv.UpdatedAt,
		},
	})
	return nil
}

// execute drains the producer through a bridge, then persists the
// assistant turn and releases the run's resources. Runs in its own
// goroutine per run.
func (s *Service) execute(ctx context.Context, state *runstate.RunState) {
	convID, runID := state.ConversationID, state.RunID
	defer func() {
		s.reg.Cleanup(convID, runID)
		s.lock.Release(convID)
		metrics.RunsActive.Dec()
	}()

	b := bridge.New(convID, runID, s.reg, s.live, s.fan, state.Abort(), s.logger)

	events, err := s.prod.Run(ctx, producer.Request{
		ConversationID: convID,
		Input:          state.UserContent,
		Model:          state.Model,
		Signal:         state.Abort(),
	})
	if err != nil {
		b.HandleEvent(producer.Event{Type: producer.EventError, Message: err.Error()})
	} else {
		for ev := range events {
			b.HandleEvent(ev)
		}
	}
	status := b.Finish()

	if err := s.recordAssistantTurn(ctx, convID, runID); err != nil {
		s.logger.Error("persisting assistant turn failed",
			"conversation_id", convID, "run_id", runID, "error", err)
	}

	s.logger.Info("run completed",
		"conversation_id", convID, "run_id", runID, "status", status)
}

// recordAssistantTurn persists the assistant's side of the run, if the
// run produced anything, and refreshes the sidebar entry.
func (s *Service) recordAssistantTurn(ctx context.Context, conversationID, runID string) error {
	var assistant *runstate.Turn
	for _, t := range s.reg.SnapshotMergeable(conversationID) {
		if t.Role == runstate.RoleAssistant {
			assistant = &t
			break
		}
	}
	if assistant == nil {
		return nil
	}

	turn := &store.Turn{
		ConversationID: conversationID,
		Role:           string(runstate.RoleAssistant),
		Content:        assistant.Content,
		Status:         string(assistant.Status),
		CreatedAt:      assistant.CreatedAt,
	}
	if err := s.store.SaveTurn(ctx, turn); err != nil {
		return err
	}
	s.reg.MarkPersisted(conversationID, runID, runstate.RoleAssistant, turn.ID)

	now := time.Now()
	if err := s.store.UpsertConversation(ctx, &store.Conversation{ID: conversationID, UpdatedAt: now}); err != nil {
		return err
	}
	s.fan.PublishSidebar(protocol.ServerMessage{
		Type:         protocol.TypeConversationUpsert,
		Conversation: &protocol.Conversation{ID: conversationID, UpdatedAt: now},
	})
	return nil
}

// Active reports whether a conversation currently has a run in flight.
func (s *Service) Active(conversationID string) bool {
	return s.lock.Held(conversationID)
}

// Cancel cooperatively stops a run. Idempotent: cancelling a run that
// already finished succeeds; cancelling an unknown run returns ErrNotFound.
func (s *Service) Cancel(conversationID, runID string) error {
	res := s.live.Cancel(conversationID, runID)
	if !res.OK {
		return fmt.Errorf("%w: run %s", ErrNotFound, runID)
	}
	if res.FinalizedNow {
		s.fan.PublishTranscript(conversationID, protocol.ServerMessage{
			Type:       protocol.TypeTurnFinal,
			InflightID: runID,
			Status:     "stopped",
			Code:       protocol.CodeCancelled,
		})
	}
	return nil
}

// History returns the conversation's transcript: durable turns merged
// with the live run's in-flight turns, deduplicated so a turn that was
// just persisted never appears twice.
func (s *Service) History(ctx context.Context, conversationID string) ([]runstate.Turn, error) {
	stored, err := s.store.ListTurns(ctx, conversationID, 0)
	if err != nil {
		return nil, fmt.Errorf("loading turns: %w", err)
	}

	persisted := make([]runstate.Turn, 0, len(stored))
	for _, t := range stored {
		persisted = append(persisted, runstate.Turn{
			Role:      runstate.Role(t.Role),
			Content:   t.Content,
			Status:    runstate.Status(t.Status),
			CreatedAt: t.CreatedAt,
			StorageID: t.ID,
		})
	}

	live := s.reg.SnapshotMergeable(conversationID)
	return runstate.Merge(persisted, live, s.dedupeWindow), nil
}

// DeleteConversation removes a conversation and its turns. Refused while
// a run is active.
func (s *Service) DeleteConversation(ctx context.Context, conversationID string) error {
	if s.lock.Held(conversationID) {
		return fmt.Errorf("%w: conversation %s", ErrRunInProgress, conversationID)
	}
	if err := s.store.DeleteConversation(ctx, conversationID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%w: conversation %s", ErrNotFound, conversationID)
		}
		return fmt.Errorf("deleting conversation: %w", err)
	}

	s.fan.PublishSidebar(protocol.ServerMessage{
		Type:           protocol.TypeConversationDelete,
		ConversationID: conversationID,
	})
	s.logger.Info("conversation deleted", "conversation_id", conversationID)
	return nil
}
