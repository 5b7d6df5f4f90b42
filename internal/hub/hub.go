// ABOUTME: Fan-out hub routing transcript and sidebar events to viewer connections
// ABOUTME: Owns per-feed sequence numbers and subscription membership

package hub

import (
	"log/slog"
	"sync"

	"github.com/2389/relay/internal/liveview"
	"github.com/2389/relay/internal/metrics"
	"github.com/2389/relay/internal/protocol"
)

// Conn is the hub's view of a viewer connection. Send must not block:
// it enqueues the message or reports false when the connection's buffer
// is full, in which case the event is dropped for that viewer.
type Conn interface {
	ID() string
	Send(protocol.ServerMessage) bool
}

// sidebarSub is one connection's sidebar subscription with its private
// sequence counter.
type sidebarSub struct {
	conn Conn
	seq  uint64
}

// feed is the shared transcript stream of one conversation. The sequence
// counter outlives subscribers so a viewer that drops and resubscribes
// never sees it reset.
type feed struct {
	seq  uint64
	subs map[string]Conn
}

// Hub routes events to subscribed connections. Transcript events share a
// per-conversation sequence assigned under the hub lock and delivered in
// the same call, so every subscriber observes the same gap-free order.
type Hub struct {
	mu      sync.Mutex
	sidebar map[string]*sidebarSub
	feeds   map[string]*feed

	live   *liveview.Registry
	logger *slog.Logger
}

// New creates a hub. The live registry answers snapshot and cancel
// requests. Pass nil logger for default.
func New(live *liveview.Registry, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		sidebar: make(map[string]*sidebarSub),
		feeds:   make(map[string]*feed),
		live:    live,
		logger:  logger.With("component", "hub"),
	}
}

// SubscribeSidebar adds the connection to the sidebar feed and acks.
// Resubscribing resets the connection's sidebar sequence.
func (h *Hub) SubscribeSidebar(conn Conn, requestID string) {
	h.mu.Lock()
	h.sidebar[conn.ID()] = &sidebarSub{conn: conn}
	h.mu.Unlock()

	conn.Send(protocol.Ack(requestID))
}

// UnsubscribeSidebar removes the connection from the sidebar feed.
func (h *Hub) UnsubscribeSidebar(conn Conn, requestID string) {
	h.mu.Lock()
	delete(h.sidebar, conn.ID())
	h.mu.Unlock()

	conn.Send(protocol.Ack(requestID))
}

// SubscribeConversation adds the connection to a conversation's feed,
// acks, and, when a run is streaming, follows with an inflight snapshot
// so the viewer can render it. Membership, the ack, and the snapshot are
// all handled under one lock hold: a concurrent publish cannot slip a
// delta in front of the snapshot. The snapshot carries the sequence of
// the last transcript event it reflects; deltas resume after it.
func (h *Hub) SubscribeConversation(conn Conn, requestID, conversationID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	f := h.feedLocked(conversationID)
	f.subs[conn.ID()] = conn

	conn.Send(protocol.Ack(requestID))

	snap := h.live.GetActive(conversationID)
	if snap == nil {
		return
	}
	conn.Send(protocol.ServerMessage{
		ProtocolVersion: protocol.Version,
		Type:            protocol.TypeInflightSnapshot,
		ConversationID:  conversationID,
		Seq:             f.seq,
		InflightID:      snap.RunID,
		Inflight:        snap,
	})
}

// UnsubscribeConversation removes the connection from a conversation's feed.
func (h *Hub) UnsubscribeConversation(conn Conn, requestID, conversationID string) {
	h.mu.Lock()
	if f, ok := h.feeds[conversationID]; ok {
		delete(f.subs, conn.ID())
	}
	h.mu.Unlock()

	conn.Send(protocol.Ack(requestID))
}

// CancelInflight requests cooperative cancellation of a run. An unknown
// run yields a not_found error to the requester only; a run that already
// finished acks idempotently; the call that actually cancels broadcasts
// the terminal event to the conversation's feed.
func (h *Hub) CancelInflight(conn Conn, requestID, conversationID, inflightID string) {
	res := h.live.Cancel(conversationID, inflightID)
	switch {
	case !res.OK:
		conn.Send(protocol.ErrorReply(requestID, protocol.CodeNotFound, "no such inflight run"))
	case res.AlreadyFinal:
		conn.Send(protocol.Ack(requestID))
	case res.FinalizedNow:
		conn.Send(protocol.Ack(requestID))
		h.PublishTranscript(conversationID, protocol.ServerMessage{
			Type:       protocol.TypeTurnFinal,
			InflightID: inflightID,
			Status:     "stopped",
			Code:       protocol.CodeCancelled,
		})
	}
}

// PublishTranscript stamps the message with the conversation's next
// sequence number and delivers it to every subscriber. Assignment and
// delivery happen under the same lock hold, so subscribers cannot
// observe reordering.
func (h *Hub) PublishTranscript(conversationID string, msg protocol.ServerMessage) {
	h.mu.Lock()
	defer h.mu.Unlock()

	f := h.feedLocked(conversationID)
	f.seq++
	msg.ProtocolVersion = protocol.Version
	msg.ConversationID = conversationID
	msg.Seq = f.seq

	metrics.EventsPublished.WithLabelValues("transcript").Inc()
	for id, conn := range f.subs {
		if !conn.Send(msg) {
			metrics.EventsDropped.Inc()
			h.logger.Warn("dropping transcript event for slow connection",
				"conn_id", id, "conversation_id", conversationID, "seq", f.seq)
		}
	}
}

// PublishSidebar delivers a sidebar event to every sidebar subscriber,
// stamping each with that connection's own sequence number.
func (h *Hub) PublishSidebar(msg protocol.ServerMessage) {
	h.mu.Lock()
	defer h.mu.Unlock()

	msg.ProtocolVersion = protocol.Version
	metrics.EventsPublished.WithLabelValues("sidebar").Inc()
	for id, sub := range h.sidebar {
		sub.seq++
		msg.Seq = sub.seq
		if !sub.conn.Send(msg) {
			metrics.EventsDropped.Inc()
			h.logger.Warn("dropping sidebar event for slow connection", "conn_id", id, "seq", sub.seq)
		}
	}
}

// OnConnectionClose removes the connection from every feed.
func (h *Hub) OnConnectionClose(connID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	delete(h.sidebar, connID)
	for _, f := range h.feeds {
		delete(f.subs, connID)
	}
}

// feedLocked returns the conversation's feed, creating it on first use.
// Must hold mu.
func (h *Hub) feedLocked(conversationID string) *feed {
	f, ok := h.feeds[conversationID]
	if !ok {
		f = &feed{subs: make(map[string]Conn)}
		h.feeds[conversationID] = f
	}
	return f
}
