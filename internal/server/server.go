// ABOUTME: WebSocket endpoint for viewer connections
// ABOUTME: One read loop and one buffered writer goroutine per connection

package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/2389/relay/internal/hub"
	"github.com/2389/relay/internal/metrics"
	"github.com/2389/relay/internal/protocol"
)

// outboundBuffer is the per-connection send queue depth. When it fills,
// events are dropped for that connection rather than blocking publishers.
const outboundBuffer = 64

// Handler upgrades viewer connections and pumps messages between the
// socket and the hub.
type Handler struct {
	hub    *hub.Hub
	logger *slog.Logger
}

// NewHandler creates the WebSocket handler. Pass nil logger for default.
func NewHandler(h *hub.Hub, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{hub: h, logger: logger.With("component", "server")}
}

// ServeHTTP upgrades the connection and runs its session until the
// client disconnects or commits a protocol violation.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.logger.Error("websocket accept failed", "error", err)
		return
	}

	conn := newConnection(ws, h.logger)
	metrics.ConnectionsActive.Inc()
	h.logger.Info("viewer connected", "conn_id", conn.ID())

	ctx := r.Context()
	go conn.writeLoop(ctx)

	h.readLoop(ctx, conn)

	h.hub.OnConnectionClose(conn.ID())
	conn.close()
	metrics.ConnectionsActive.Dec()
	h.logger.Info("viewer disconnected", "conn_id", conn.ID())
}

// readLoop dispatches client messages until the connection ends. A
// malformed or bad-version message closes the connection with a policy
// violation; unknown message types are ignored for forward compatibility.
func (h *Handler) readLoop(ctx context.Context, conn *connection) {
	for {
		typ, data, err := conn.ws.Read(ctx)
		if err != nil {
			return
		}
		if typ != websocket.MessageText {
			continue
		}

		msg, err := protocol.Parse(data)
		if err != nil {
			h.logger.Warn("protocol violation", "conn_id", conn.ID(), "error", err)
			conn.ws.Close(websocket.StatusPolicyViolation, closeReason(err))
			return
		}
		if !msg.Known() {
			h.logger.Debug("ignoring unknown message type", "conn_id", conn.ID(), "type", msg.Type)
			continue
		}

		switch msg.Type {
		case protocol.TypeSubscribeSidebar:
			h.hub.SubscribeSidebar(conn, msg.RequestID)
		case protocol.TypeUnsubscribeSidebar:
			h.hub.UnsubscribeSidebar(conn, msg.RequestID)
		case protocol.TypeSubscribeConversation:
			h.hub.SubscribeConversation(conn, msg.RequestID, msg.ConversationID)
		case protocol.TypeUnsubscribeConversation:
			h.hub.UnsubscribeConversation(conn, msg.RequestID, msg.ConversationID)
		case protocol.TypeCancelInflight:
			h.hub.CancelInflight(conn, msg.RequestID, msg.ConversationID, msg.InflightID)
		}
	}
}

// closeReason truncates an error for the 123-byte close frame limit.
func closeReason(err error) string {
	reason := err.Error()
	if len(reason) > 120 {
		reason = reason[:120]
	}
	return reason
}

// connection adapts one WebSocket to the hub's Conn interface.
type connection struct {
	id     string
	ws     *websocket.Conn
	out    chan protocol.ServerMessage
	once   sync.Once
	logger *slog.Logger
}

func newConnection(ws *websocket.Conn, logger *slog.Logger) *connection {
	return &connection{
		id:     uuid.New().String(),
		ws:     ws,
		out:    make(chan protocol.ServerMessage, outboundBuffer),
		logger: logger,
	}
}

// ID returns the connection's server-assigned identifier.
func (c *connection) ID() string { return c.id }

// Send enqueues a message without blocking. Returns false when the
// outbound buffer is full.
func (c *connection) Send(msg protocol.ServerMessage) bool {
	select {
	case c.out <- msg:
		return true
	default:
		return false
	}
}

// writeLoop drains the outbound queue onto the socket.
func (c *connection) writeLoop(ctx context.Context) {
	for msg := range c.out {
		data, err := json.Marshal(msg)
		if err != nil {
			c.logger.Error("marshaling outbound message", "conn_id", c.id, "error", err)
			continue
		}
		if err := c.ws.Write(ctx, websocket.MessageText, data); err != nil {
			return
		}
	}
}

// close ends the writer. Must only be called after the hub has dropped
// the connection, so nothing can race a Send against the channel close.
func (c *connection) close() {
	c.once.Do(func() {
		close(c.out)
		c.ws.Close(websocket.StatusNormalClosure, "")
	})
}
