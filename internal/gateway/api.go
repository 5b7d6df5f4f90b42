// ABOUTME: REST API for starting runs and managing conversations
// ABOUTME: JSON request/response handlers mounted under /api

package gateway

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/2389/relay/internal/protocol"
	"github.com/2389/relay/internal/run"
)

type startRunRequest struct {
	ConversationID string `json:"conversationId"`
	Content        string `json:"content"`
	Title          string `json:"title,omitempty"`
	Source         string `json:"source,omitempty"`
}

type startRunResponse struct {
	RunID string `json:"inflightId"`
}

type cancelRunRequest struct {
	ConversationID string `json:"conversationId"`
	InflightID     string `json:"inflightId"`
}

type apiError struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// registerAPIRoutes mounts the JSON API on the mux.
func (g *Gateway) registerAPIRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/runs", g.handleStartRun)
	mux.HandleFunc("POST /api/runs/cancel", g.handleCancelRun)
	mux.HandleFunc("GET /api/conversations", g.handleListConversations)
	mux.HandleFunc("GET /api/conversations/{id}/turns", g.handleConversationTurns)
	mux.HandleFunc("DELETE /api/conversations/{id}", g.handleDeleteConversation)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeAPIError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, apiError{Error: message, Code: code})
}

// handleStartRun admits a new run. Responds 202 with the run ID, or 409
// when the conversation already has one in flight.
func (g *Gateway) handleStartRun(w http.ResponseWriter, r *http.Request) {
	var req startRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAPIError(w, http.StatusBadRequest, "", "invalid JSON body")
		return
	}
	if req.ConversationID == "" || req.Content == "" {
		writeAPIError(w, http.StatusBadRequest, "", "conversationId and content are required")
		return
	}

	source := req.Source
	if source == "" {
		source = "api"
	}

	runID, err := g.runs.Start(r.Context(), run.StartParams{
		ConversationID: req.ConversationID,
		Provider:       g.config.Producer.Provider,
		Model:          g.config.Producer.Model,
		Source:         source,
		UserContent:    req.Content,
		Title:          req.Title,
	})
	if err != nil {
		if errors.Is(err, run.ErrRunInProgress) {
			writeAPIError(w, http.StatusConflict, protocol.CodeRunInProgress, err.Error())
			return
		}
		g.logger.Error("starting run failed", "conversation_id", req.ConversationID, "error", err)
		writeAPIError(w, http.StatusInternalServerError, "", "failed to start run")
		return
	}

	writeJSON(w, http.StatusAccepted, startRunResponse{RunID: runID})
}

// handleCancelRun cancels an in-flight run. Idempotent.
func (g *Gateway) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	var req cancelRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAPIError(w, http.StatusBadRequest, "", "invalid JSON body")
		return
	}
	if req.ConversationID == "" || req.InflightID == "" {
		writeAPIError(w, http.StatusBadRequest, "", "conversationId and inflightId are required")
		return
	}

	if err := g.runs.Cancel(req.ConversationID, req.InflightID); err != nil {
		if errors.Is(err, run.ErrNotFound) {
			writeAPIError(w, http.StatusNotFound, protocol.CodeNotFound, err.Error())
			return
		}
		writeAPIError(w, http.StatusInternalServerError, "", "failed to cancel run")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (g *Gateway) handleListConversations(w http.ResponseWriter, r *http.Request) {
	convs, err := g.store.ListConversations(r.Context(), 100)
	if err != nil {
		g.logger.Error("listing conversations failed", "error", err)
		writeAPIError(w, http.StatusInternalServerError, "", "failed to list conversations")
		return
	}

	out := make([]protocol.Conversation, 0, len(convs))
	for _, c := range convs {
		out = append(out, protocol.Conversation{ID: c.ID, Title: c.Title, UpdatedAt: c.UpdatedAt})
	}
	writeJSON(w, http.StatusOK, out)
}

// handleConversationTurns returns the merged transcript: durable turns
// plus the live run's in-flight state.
func (g *Gateway) handleConversationTurns(w http.ResponseWriter, r *http.Request) {
	conversationID := r.PathValue("id")

	turns, err := g.runs.History(r.Context(), conversationID)
	if err != nil {
		g.logger.Error("loading history failed", "conversation_id", conversationID, "error", err)
		writeAPIError(w, http.StatusInternalServerError, "", "failed to load history")
		return
	}
	writeJSON(w, http.StatusOK, turns)
}

func (g *Gateway) handleDeleteConversation(w http.ResponseWriter, r *http.Request) {
	conversationID := r.PathValue("id")

	err := g.runs.DeleteConversation(r.Context(), conversationID)
	switch {
	case errors.Is(err, run.ErrRunInProgress):
		writeAPIError(w, http.StatusConflict, protocol.CodeRunInProgress, err.Error())
	case errors.Is(err, run.ErrNotFound):
		writeAPIError(w, http.StatusNotFound, protocol.CodeNotFound, err.Error())
	case err != nil:
		g.logger.Error("deleting conversation failed", "conversation_id", conversationID, "error", err)
		writeAPIError(w, http.StatusInternalServerError, "", "failed to delete conversation")
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}
