// ABOUTME: Registry of active runs keyed by conversation ID with stale-producer guards
// ABOUTME: All mutations are no-ops unless the caller's run ID matches the active run

package runstate

import (
	"log/slog"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

// Limits bounds the in-memory accumulators of a run. Once a cap is hit the
// oldest content is dropped from the front.
type Limits struct {
	TextCap int // max characters kept per text accumulator
	ToolCap int // max tool events kept per run
}

// DefaultLimits matches the platform defaults.
var DefaultLimits = Limits{
	TextCap: 200_000,
	ToolCap: 200,
}

// CreateParams describes the run being started.
type CreateParams struct {
	ConversationID string
	RunID          string // generated when empty
	Provider       string
	Model          string
	Source         string
	UserContent    string
	UserCreatedAt  time.Time
}

// Registry tracks at most one active RunState per conversation.
//
// Every mutation is keyed by (conversationID, runID) and silently ignored
// when the run ID does not match the active run, so a stale producer that
// outlives its run can never corrupt a newer run's state.
type Registry struct {
	mu     sync.Mutex
	active map[string]*RunState
	limits Limits
	logger *slog.Logger
}

// NewRegistry creates a registry. Pass nil logger for default.
func NewRegistry(limits Limits, logger *slog.Logger) *Registry {
	if limits.TextCap <= 0 {
		limits.TextCap = DefaultLimits.TextCap
	}
	if limits.ToolCap <= 0 {
		limits.ToolCap = DefaultLimits.ToolCap
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		active: make(map[string]*RunState),
		limits: limits,
		logger: logger.With("component", "runstate"),
	}
}

// Create records a new active run. The conversation-level precondition (no
// run already active) is the caller's job via the run lock; calling Create
// while a run is active is a programming error and logged as such, with the
// newer run replacing the older record.
func (r *Registry) Create(params CreateParams) *RunState {
	if params.RunID == "" {
		params.RunID = uuid.New().String()
	}
	if params.UserCreatedAt.IsZero() {
		params.UserCreatedAt = time.Now()
	}

	state := &RunState{
		ConversationID:     params.ConversationID,
		RunID:              params.RunID,
		Provider:           params.Provider,
		Model:              params.Model,
		Source:             params.Source,
		UserContent:        params.UserContent,
		UserCreatedAt:      params.UserCreatedAt,
		AssistantCreatedAt: time.Now(),
		abort:              NewSignal(),
	}

	r.mu.Lock()
	if prev, ok := r.active[params.ConversationID]; ok {
		r.logger.Error("run created while another is active",
			"conversation_id", params.ConversationID,
			"previous_run_id", prev.RunID,
			"run_id", params.RunID)
	}
	r.active[params.ConversationID] = state
	r.mu.Unlock()

	r.logger.Debug("run created",
		"conversation_id", params.ConversationID,
		"run_id", params.RunID,
		"provider", params.Provider,
		"model", params.Model)

	return state
}

// ActiveRunID returns the ID of the active run for a conversation, if any.
func (r *Registry) ActiveRunID(conversationID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	state, ok := r.active[conversationID]
	if !ok {
		return "", false
	}
	return state.RunID, true
}

// get returns the active state iff runID matches. Must hold mu.
func (r *Registry) get(conversationID, runID string) (*RunState, bool) {
	state, ok := r.active[conversationID]
	if !ok || state.RunID != runID {
		return nil, false
	}
	return state, true
}

// AppendAssistantDelta appends streamed assistant text. Returns the updated
// aggregate so callers can rebroadcast without re-reading, and false when
// the run ID is stale.
func (r *Registry) AppendAssistantDelta(conversationID, runID, delta string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	state, ok := r.get(conversationID, runID)
	if !ok {
		return "", false
	}
	state.assistantText = capFront(state.assistantText+delta, r.limits.TextCap)
	state.seq++
	return state.assistantText, true
}

// AppendReasoningDelta appends streamed reasoning text.
func (r *Registry) AppendReasoningDelta(conversationID, runID, delta string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	state, ok := r.get(conversationID, runID)
	if !ok {
		return "", false
	}
	state.reasoningText = capFront(state.reasoningText+delta, r.limits.TextCap)
	state.seq++
	return state.reasoningText, true
}

// AppendToolEvent records a tool request or result. Returns the updated
// event count. At the cap the oldest event is dropped from the front.
func (r *Registry) AppendToolEvent(conversationID, runID string, ev ToolEvent) (int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	state, ok := r.get(conversationID, runID)
	if !ok {
		return 0, false
	}
	state.toolEvents = append(state.toolEvents, ev)
	if len(state.toolEvents) > r.limits.ToolCap {
		state.toolEvents = state.toolEvents[len(state.toolEvents)-r.limits.ToolCap:]
	}
	state.seq++
	return len(state.toolEvents), true
}

// SetAssistantText replaces the accumulated assistant text with a provider
// whole-text snapshot and returns the delta that still needs broadcasting,
// per the longest-common-prefix rule in DeltaFrom.
func (r *Registry) SetAssistantText(conversationID, runID, full string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	state, ok := r.get(conversationID, runID)
	if !ok {
		return "", false
	}
	delta := DeltaFrom(state.assistantText, full)
	state.assistantText = capFront(full, r.limits.TextCap)
	state.seq++
	return delta, true
}

// Abort trips the run's cancellation flag and returns the handle for the
// producer to observe. Idempotent; stale run IDs return ok=false.
func (r *Registry) Abort(conversationID, runID string) (*Signal, bool) {
	r.mu.Lock()
	state, ok := r.get(conversationID, runID)
	r.mu.Unlock()

	if !ok {
		return nil, false
	}
	state.abort.Trip()
	r.logger.Debug("run aborted", "conversation_id", conversationID, "run_id", runID)
	return state.abort, true
}

// MarkFinal records the run's terminal status. Bookkeeping only; the
// stream bridge is the sole publisher of terminal events.
func (r *Registry) MarkFinal(conversationID, runID string, status Status) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	state, ok := r.get(conversationID, runID)
	if !ok {
		return false
	}
	state.finalStatus = status
	state.seq++
	return true
}

// MarkPersisted records that a turn was durably written, so later merges
// can dedupe by storage ID instead of content.
func (r *Registry) MarkPersisted(conversationID, runID string, role Role, storageID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	state, ok := r.get(conversationID, runID)
	if !ok {
		return false
	}
	switch role {
	case RoleUser:
		state.persistedUserID = storageID
	case RoleAssistant:
		state.persistedAssistantID = storageID
	default:
		return false
	}
	state.seq++
	return true
}

// Cleanup removes the run from the active map. Must be called exactly once
// per run, after finalization.
func (r *Registry) Cleanup(conversationID, runID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.get(conversationID, runID); !ok {
		return false
	}
	delete(r.active, conversationID)
	return true
}

// SnapshotMergeable synthesizes user and assistant turn records from the
// live state, shaped for merging with durable history.
func (r *Registry) SnapshotMergeable(conversationID string) []Turn {
	r.mu.Lock()
	defer r.mu.Unlock()

	state, ok := r.active[conversationID]
	if !ok {
		return nil
	}

	turns := []Turn{{
		Role:      RoleUser,
		Content:   state.UserContent,
		CreatedAt: state.UserCreatedAt,
		StorageID: state.persistedUserID,
	}}

	if state.assistantText != "" || state.finalStatus != "" {
		turns = append(turns, Turn{
			Role:      RoleAssistant,
			Content:   state.assistantText,
			Status:    state.finalStatus,
			CreatedAt: state.AssistantCreatedAt,
			StorageID: state.persistedAssistantID,
		})
	}
	return turns
}

// ToolEvents returns a copy of the run's recorded tool events.
func (r *Registry) ToolEvents(conversationID, runID string) ([]ToolEvent, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	state, ok := r.get(conversationID, runID)
	if !ok {
		return nil, false
	}
	out := make([]ToolEvent, len(state.toolEvents))
	copy(out, state.toolEvents)
	return out, true
}

// capFront bounds s to at most limit bytes, dropping from the front. The
// cut never lands mid-rune: leftover continuation bytes are trimmed too.
func capFront(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	s = s[len(s)-limit:]
	for i := 0; i < len(s); i++ {
		if utf8.RuneStart(s[i]) {
			return s[i:]
		}
	}
	return ""
}
