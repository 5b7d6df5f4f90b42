// ABOUTME: Per-run adapter from a producer's event stream to registries and fan-out
// ABOUTME: Sole authority for classifying and publishing a run's terminal event

package bridge

import (
	"log/slog"
	"regexp"

	"github.com/2389/relay/internal/liveview"
	"github.com/2389/relay/internal/metrics"
	"github.com/2389/relay/internal/producer"
	"github.com/2389/relay/internal/protocol"
	"github.com/2389/relay/internal/runstate"
)

// Publisher is the slice of the hub the bridge needs.
type Publisher interface {
	PublishTranscript(conversationID string, msg protocol.ServerMessage)
}

// Transient producer errors are surfaced as warnings and the stream
// continues; anything else ends the run.
var transientPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)rate.?limit`),
	regexp.MustCompile(`(?i)timeout`),
	regexp.MustCompile(`(?i)temporar`),
	regexp.MustCompile(`(?i)overloaded`),
	regexp.MustCompile(`(?i)connection reset`),
}

// logEvery spaces out per-delta debug logging.
const logEvery = 25

// Bridge drains one run's producer events, updating the run registry and
// live view and fanning events out. It is driven from a single goroutine;
// none of its methods are safe for concurrent use.
type Bridge struct {
	conversationID string
	runID          string

	reg    *runstate.Registry
	live   *liveview.Registry
	pub    Publisher
	abort  *runstate.Signal
	logger *slog.Logger

	tokenCount    int
	analysisCount int
	toolCount     int
	threadID      string

	terminal    bool
	finalStatus string
}

// New creates a bridge for one run. Pass nil logger for default.
func New(conversationID, runID string, reg *runstate.Registry, live *liveview.Registry, pub Publisher, abort *runstate.Signal, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{
		conversationID: conversationID,
		runID:          runID,
		reg:            reg,
		live:           live,
		pub:            pub,
		abort:          abort,
		logger: logger.With("component", "bridge",
			"conversation_id", conversationID, "run_id", runID),
	}
}

// HandleEvent applies one producer event. Events arriving after the
// terminal event are dropped.
func (b *Bridge) HandleEvent(ev producer.Event) {
	if b.terminal {
		b.logger.Warn("dropping event after terminal", "type", string(ev.Type))
		return
	}

	switch ev.Type {
	case producer.EventToken:
		b.handleToken(ev.Content)
	case producer.EventAnalysis:
		b.handleAnalysis(ev.Content)
	case producer.EventToolRequest, producer.EventToolResult:
		b.handleTool(ev)
	case producer.EventFinal:
		b.handleFinal(ev.Content)
	case producer.EventThread:
		b.threadID = ev.ThreadID
	case producer.EventComplete:
		b.finish(b.completionStatus(), "", "")
	case producer.EventError:
		b.handleError(ev.Message)
	default:
		b.logger.Warn("unknown producer event", "type", string(ev.Type))
	}
}

// Finish closes out the run after the producer's channel is drained. If
// the producer never emitted a terminal event the run is finalized here:
// stopped when cancelled, failed otherwise. Returns the terminal status.
func (b *Bridge) Finish() string {
	if !b.terminal {
		if b.abort.Tripped() {
			b.finish("stopped", protocol.CodeCancelled, "")
		} else {
			b.finish("failed", protocol.CodeProviderError, "producer stream ended unexpectedly")
		}
	}
	return b.finalStatus
}

func (b *Bridge) handleToken(delta string) {
	if delta == "" {
		return
	}
	if _, ok := b.reg.AppendAssistantDelta(b.conversationID, b.runID, delta); !ok {
		return
	}
	if !b.live.AppendAssistantDelta(b.conversationID, b.runID, delta) {
		b.finishElsewhere()
		return
	}
	b.tokenCount++
	if b.tokenCount == 1 || b.tokenCount%logEvery == 0 {
		b.logger.Debug("assistant delta", "count", b.tokenCount, "len", len(delta))
	}
	b.pub.PublishTranscript(b.conversationID, protocol.ServerMessage{
		Type:       protocol.TypeAssistantDelta,
		InflightID: b.runID,
		Delta:      delta,
	})
}

func (b *Bridge) handleAnalysis(delta string) {
	if delta == "" {
		return
	}
	if _, ok := b.reg.AppendReasoningDelta(b.conversationID, b.runID, delta); !ok {
		return
	}
	if !b.live.AppendAnalysisDelta(b.conversationID, b.runID, delta) {
		b.finishElsewhere()
		return
	}
	b.analysisCount++
	b.pub.PublishTranscript(b.conversationID, protocol.ServerMessage{
		Type:       protocol.TypeAnalysisDelta,
		InflightID: b.runID,
		Delta:      delta,
	})
}

func (b *Bridge) handleTool(ev producer.Event) {
	if ev.Tool == nil {
		b.logger.Warn("tool event without tool payload", "type", string(ev.Type))
		return
	}

	te := runstate.ToolEvent{
		Kind:   runstate.ToolRequest,
		CallID: ev.Tool.CallID,
		Name:   ev.Tool.Name,
		Stage:  ev.Tool.Stage,
		Params: ev.Tool.Params,
	}
	state := "running"
	if ev.Type == producer.EventToolResult {
		te.Kind = runstate.ToolResult
		te.Output = ev.Tool.Result
		te.Err = ev.Tool.Err
		state = "done"
		if ev.Tool.Err != "" {
			state = "error"
		}
	}

	if _, ok := b.reg.AppendToolEvent(b.conversationID, b.runID, te); !ok {
		return
	}

	detail := ev.Tool.Result
	if ev.Tool.Err != "" {
		detail = ev.Tool.Err
	}
	if !b.live.UpdateToolState(b.conversationID, b.runID, liveview.ToolState{
		CallID: ev.Tool.CallID,
		Name:   ev.Tool.Name,
		Stage:  ev.Tool.Stage,
		State:  state,
		Detail: detail,
	}) {
		b.finishElsewhere()
		return
	}
	b.toolCount++
	b.pub.PublishTranscript(b.conversationID, protocol.ServerMessage{
		Type:       protocol.TypeToolEvent,
		InflightID: b.runID,
		Event:      &te,
	})
}

// handleFinal reconciles the producer's authoritative final text against
// the accumulated stream. When the final text extends what streamed, only
// the missing suffix is published; otherwise the full text replaces it.
func (b *Bridge) handleFinal(text string) {
	delta, ok := b.reg.SetAssistantText(b.conversationID, b.runID, text)
	if !ok {
		return
	}
	if delta == "" {
		return
	}
	if !b.live.AppendAssistantDelta(b.conversationID, b.runID, delta) {
		b.finishElsewhere()
		return
	}
	b.logger.Debug("final text reconciled", "delta_len", len(delta), "total_len", len(text))
	b.pub.PublishTranscript(b.conversationID, protocol.ServerMessage{
		Type:       protocol.TypeAssistantDelta,
		InflightID: b.runID,
		Delta:      delta,
	})
}

func (b *Bridge) handleError(message string) {
	if isTransient(message) {
		b.logger.Warn("transient producer error", "error", message)
		b.pub.PublishTranscript(b.conversationID, protocol.ServerMessage{
			Type:       protocol.TypeStreamWarning,
			InflightID: b.runID,
			Message:    message,
		})
		return
	}

	if b.abort.Tripped() {
		b.finish("stopped", protocol.CodeCancelled, "")
		return
	}
	b.finish("failed", protocol.CodeProviderError, message)
}

// completionStatus maps a clean producer completion to ok, or stopped
// when the run was cancelled while the producer wound down.
func (b *Bridge) completionStatus() string {
	if b.abort.Tripped() {
		return "stopped"
	}
	return "ok"
}

// finishElsewhere closes out the bridge after the live view refused an
// append: the run was finalized out from under the producer (viewer
// cancel, or expiry) and its terminal event is already out. Nothing more
// may be published; only bookkeeping remains.
func (b *Bridge) finishElsewhere() {
	status, ok := b.live.FinalStatus(b.runID)
	if !ok {
		status = "failed"
		if b.abort.Tripped() {
			status = "stopped"
		}
	}
	b.finish(status, "", "")
}

// finish records the terminal outcome exactly once. Finalize in the live
// view is the cross-component latch: if a viewer cancel already
// finalized this run, the terminal event was already broadcast and only
// bookkeeping remains.
func (b *Bridge) finish(status, code, message string) {
	b.terminal = true
	b.finalStatus = status

	finalizedHere := b.live.Finalize(b.conversationID, b.runID, status)
	b.reg.MarkFinal(b.conversationID, b.runID, statusOf(status))
	metrics.RunsTotal.WithLabelValues(status).Inc()

	b.logger.Info("run finished",
		"status", status,
		"assistant_deltas", b.tokenCount,
		"analysis_deltas", b.analysisCount,
		"tool_events", b.toolCount,
		"thread_id", b.threadID)

	if !finalizedHere {
		return
	}
	if status == "stopped" && code == "" {
		code = protocol.CodeCancelled
	}
	b.pub.PublishTranscript(b.conversationID, protocol.ServerMessage{
		Type:       protocol.TypeTurnFinal,
		InflightID: b.runID,
		Status:     status,
		Code:       code,
		Message:    message,
		ThreadID:   b.threadID,
	})
}

func statusOf(s string) runstate.Status {
	switch s {
	case "ok":
		return runstate.StatusOK
	case "stopped":
		return runstate.StatusStopped
	default:
		return runstate.StatusFailed
	}
}

func isTransient(message string) bool {
	for _, p := range transientPatterns {
		if p.MatchString(message) {
			return true
		}
	}
	return false
}
