// ABOUTME: Viewer-facing cache of live run state with TTL expiry and tombstones
// ABOUTME: Decoupled from the authoritative run registry so viewer policy never touches run logic

package liveview

import (
	"log/slog"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

// Options bounds the registry. TTLs and caps are policy knobs, not design
// invariants; zero values take the defaults below.
type Options struct {
	ActiveTTL     time.Duration // leak guard for runs whose producer vanished
	TombstoneTTL  time.Duration // grace window for late cancel/finalize calls
	MaxTombstones int           // tombstone set cap, soonest-to-expire evicted first
	TextCap       int           // max characters per text accumulator
	ToolCap       int           // max distinct tool call IDs tracked per run
	SweepInterval time.Duration // passive expiry cadence
}

// DefaultOptions matches the platform defaults.
var DefaultOptions = Options{
	ActiveTTL:     60 * time.Minute,
	TombstoneTTL:  5 * time.Minute,
	MaxTombstones: 1000,
	TextCap:       200_000,
	ToolCap:       200,
	SweepInterval: time.Minute,
}

// ToolState is the viewer-facing state of one tool call, merged by call ID.
type ToolState struct {
	CallID string `json:"call_id"`
	Name   string `json:"name"`
	Stage  string `json:"stage,omitempty"`
	State  string `json:"state,omitempty"`
	Detail string `json:"detail,omitempty"`
}

// Snapshot is a point-in-time copy of a live run, safe to hand to viewers.
type Snapshot struct {
	RunID         string      `json:"inflightId"`
	AssistantText string      `json:"assistantText"`
	ReasoningText string      `json:"analysisText"`
	Tools         []ToolState `json:"tools"`
	StartedAt     time.Time   `json:"startedAt"`
}

// Tombstone records how a finished run ended, so late or duplicate
// cancel/finalize calls get a truthful "already final" answer.
type Tombstone struct {
	RunID       string
	FinalStatus string
	ExpiresAt   time.Time
}

// CreateResult reports what CreateOrGetActive did.
type CreateResult struct {
	RunID    string
	Created  bool
	Conflict bool
}

// CancelResult reports the outcome of a cancel request.
type CancelResult struct {
	OK           bool
	AlreadyFinal bool
	FinalizedNow bool
}

type entry struct {
	runID         string
	assistantText string
	reasoningText string
	tools         map[string]ToolState
	toolOrder     []string
	startedAt     time.Time
	onCancel      func()
}

// Registry is the viewer-side cache of run state. Entries expire passively
// after ActiveTTL as a backstop for crashed or abandoned producers;
// explicit finalization is the primary mechanism.
type Registry struct {
	mu         sync.Mutex
	active     map[string]*entry    // conversationID -> live run
	tombstones map[string]Tombstone // runID -> how it ended
	opts       Options
	logger     *slog.Logger
	done       chan struct{}
	closeOnce  sync.Once
}

// NewRegistry creates a registry and starts its expiry sweep goroutine.
// Pass nil logger for default.
func NewRegistry(opts Options, logger *slog.Logger) *Registry {
	if opts.ActiveTTL <= 0 {
		opts.ActiveTTL = DefaultOptions.ActiveTTL
	}
	if opts.TombstoneTTL <= 0 {
		opts.TombstoneTTL = DefaultOptions.TombstoneTTL
	}
	if opts.MaxTombstones <= 0 {
		opts.MaxTombstones = DefaultOptions.MaxTombstones
	}
	if opts.TextCap <= 0 {
		opts.TextCap = DefaultOptions.TextCap
	}
	if opts.ToolCap <= 0 {
		opts.ToolCap = DefaultOptions.ToolCap
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = DefaultOptions.SweepInterval
	}
	if logger == nil {
		logger = slog.Default()
	}

	r := &Registry{
		active:     make(map[string]*entry),
		tombstones: make(map[string]Tombstone),
		opts:       opts,
		logger:     logger.With("component", "liveview"),
		done:       make(chan struct{}),
	}
	go r.sweep()
	return r
}

// CreateOrGetActive registers a live run for the conversation. If a run is
// already active the existing run ID is returned with Conflict set; this
// is viewer bookkeeping only, the run lock remains the authority on
// whether a run may start. A run ID is generated when none is given.
// onCancel is invoked when a viewer cancels the run; may be nil.
func (r *Registry) CreateOrGetActive(conversationID, runID string, onCancel func()) CreateResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.active[conversationID]; ok && !r.expired(e) {
		return CreateResult{RunID: e.runID, Conflict: true}
	}

	if runID == "" {
		runID = uuid.New().String()
	}
	r.active[conversationID] = &entry{
		runID:     runID,
		tools:     make(map[string]ToolState),
		startedAt: time.Now(),
		onCancel:  onCancel,
	}
	return CreateResult{RunID: runID, Created: true}
}

// GetActive returns a snapshot of the conversation's live run, or nil.
func (r *Registry) GetActive(conversationID string) *Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.active[conversationID]
	if !ok || r.expired(e) {
		return nil
	}
	return e.snapshot()
}

// AppendAssistantDelta appends streamed assistant text, bounded by the
// text cap (oldest characters dropped from the front).
func (r *Registry) AppendAssistantDelta(conversationID, runID, delta string) bool {
	return r.appendText(conversationID, runID, delta, false)
}

// AppendAnalysisDelta appends streamed reasoning text, same bounding.
func (r *Registry) AppendAnalysisDelta(conversationID, runID, delta string) bool {
	return r.appendText(conversationID, runID, delta, true)
}

func (r *Registry) appendText(conversationID, runID, delta string, analysis bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.match(conversationID, runID)
	if !ok {
		return false
	}
	if analysis {
		e.reasoningText = capFront(e.reasoningText+delta, r.opts.TextCap)
	} else {
		e.assistantText = capFront(e.assistantText+delta, r.opts.TextCap)
	}
	return true
}

// UpdateToolState merges a tool state by call ID. Once the number of
// distinct call IDs reaches the cap, new IDs are silently dropped while
// already-tracked tools keep updating.
func (r *Registry) UpdateToolState(conversationID, runID string, tool ToolState) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.match(conversationID, runID)
	if !ok {
		return false
	}
	if _, tracked := e.tools[tool.CallID]; !tracked {
		if len(e.tools) >= r.opts.ToolCap {
			return true
		}
		e.toolOrder = append(e.toolOrder, tool.CallID)
	}
	e.tools[tool.CallID] = tool
	return true
}

// Cancel cooperatively stops an active run: it invokes the run's cancel
// callback, finalizes with status "stopped", and tombstones it. A cancel
// arriving after the run already finished returns AlreadyFinal rather
// than an error.
func (r *Registry) Cancel(conversationID, runID string) CancelResult {
	r.mu.Lock()

	e, ok := r.match(conversationID, runID)
	if !ok {
		_, final := r.tombstone(runID)
		r.mu.Unlock()
		if final {
			return CancelResult{OK: true, AlreadyFinal: true}
		}
		return CancelResult{OK: false}
	}

	onCancel := e.onCancel
	r.finalizeLocked(conversationID, runID, "stopped")
	r.mu.Unlock()

	if onCancel != nil {
		onCancel()
	}

	r.logger.Info("run cancelled", "conversation_id", conversationID, "run_id", runID)
	return CancelResult{OK: true, FinalizedNow: true}
}

// Finalize removes the active entry and writes (or refreshes) a tombstone.
// Returns true only for the call that actually finalized the run, so
// racing finalizations collapse to one.
func (r *Registry) Finalize(conversationID, runID, status string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.match(conversationID, runID); ok {
		r.finalizeLocked(conversationID, runID, status)
		return true
	}

	// Already final: refresh the tombstone's grace window.
	if ts, ok := r.tombstone(runID); ok {
		ts.ExpiresAt = time.Now().Add(r.opts.TombstoneTTL)
		r.tombstones[runID] = ts
	}
	return false
}

// FinalStatus returns the recorded terminal status for a recently
// finished run, while its tombstone is still alive.
func (r *Registry) FinalStatus(runID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ts, ok := r.tombstone(runID)
	if !ok {
		return "", false
	}
	return ts.FinalStatus, true
}

// Close stops the sweep goroutine. Safe to call multiple times.
func (r *Registry) Close() {
	r.closeOnce.Do(func() { close(r.done) })
}

// match returns the active entry iff runID matches and it has not expired.
// Must hold mu.
func (r *Registry) match(conversationID, runID string) (*entry, bool) {
	e, ok := r.active[conversationID]
	if !ok || e.runID != runID || r.expired(e) {
		return nil, false
	}
	return e, true
}

// tombstone returns a live (unexpired) tombstone. Must hold mu.
func (r *Registry) tombstone(runID string) (Tombstone, bool) {
	ts, ok := r.tombstones[runID]
	if !ok || time.Now().After(ts.ExpiresAt) {
		return Tombstone{}, false
	}
	return ts, true
}

// finalizeLocked removes the active entry and writes a tombstone,
// evicting the soonest-to-expire tombstone at the cap. Must hold mu.
func (r *Registry) finalizeLocked(conversationID, runID, status string) {
	delete(r.active, conversationID)

	if len(r.tombstones) >= r.opts.MaxTombstones {
		r.evictSoonestTombstone()
	}
	r.tombstones[runID] = Tombstone{
		RunID:       runID,
		FinalStatus: status,
		ExpiresAt:   time.Now().Add(r.opts.TombstoneTTL),
	}
}

// evictSoonestTombstone removes the tombstone closest to expiry. Must hold mu.
func (r *Registry) evictSoonestTombstone() {
	var victim string
	var soonest time.Time
	for id, ts := range r.tombstones {
		if victim == "" || ts.ExpiresAt.Before(soonest) {
			victim = id
			soonest = ts.ExpiresAt
		}
	}
	if victim != "" {
		delete(r.tombstones, victim)
	}
}

func (r *Registry) expired(e *entry) bool {
	return time.Since(e.startedAt) > r.opts.ActiveTTL
}

// sweep periodically drops expired entries and tombstones.
func (r *Registry) sweep() {
	ticker := time.NewTicker(r.opts.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.runSweep()
		case <-r.done:
			return
		}
	}
}

func (r *Registry) runSweep() {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	for convID, e := range r.active {
		if r.expired(e) {
			r.logger.Warn("dropping expired run",
				"conversation_id", convID,
				"run_id", e.runID,
				"age", now.Sub(e.startedAt).String())
			delete(r.active, convID)
		}
	}
	for id, ts := range r.tombstones {
		if now.After(ts.ExpiresAt) {
			delete(r.tombstones, id)
		}
	}
}

func (e *entry) snapshot() *Snapshot {
	tools := make([]ToolState, 0, len(e.tools))
	for _, id := range e.toolOrder {
		tools = append(tools, e.tools[id])
	}
	return &Snapshot{
		RunID:         e.runID,
		AssistantText: e.assistantText,
		ReasoningText: e.reasoningText,
		Tools:         tools,
		StartedAt:     e.startedAt,
	}
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
