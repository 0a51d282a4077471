package httpapi

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ngbaranov/ChatAi/internal/memory"
	"github.com/ngbaranov/ChatAi/internal/protocol"
	"github.com/ngbaranov/ChatAi/internal/volatile"
)

func isLockTimeout(err error) bool {
	return errors.Is(err, volatile.ErrLockTimeout)
}

type historyMessage struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

type historySession struct {
	memory.SessionSummary
	Messages []historyMessage `json:"messages"`
}

func (s *Server) handleResetChat(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.requireUser(w, r)
	if !ok {
		return
	}
	if s.deps.Flusher == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "history is not configured")
		return
	}

	res, err := s.deps.Flusher.Reset(r.Context(), userID)
	if err != nil {
		s.logger.Warn("reset failed", "user_id", userID, "error", err)
		s.respondFlushError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"message": "chat history cleared",
		"flush":   res,
	})
}

func (s *Server) handleListHistory(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.requireUser(w, r)
	if !ok {
		return
	}

	sums, err := s.deps.History.SessionSummaries(r.Context(), userID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "history_unavailable", err.Error())
		return
	}

	out := make([]historySession, 0, len(sums))
	for _, sum := range sums {
		records, err := s.deps.History.Session(r.Context(), userID, sum.SessionID)
		if errors.Is(err, memory.ErrNotFound) {
			// Removed by retention between the two reads.
			continue
		}
		if err != nil {
			respondError(w, http.StatusInternalServerError, "history_unavailable", err.Error())
			return
		}
		msgs := make([]historyMessage, 0, len(records))
		for _, rec := range records {
			msgs = append(msgs, historyMessage{Role: rec.Role, Content: rec.Content, Timestamp: rec.Timestamp})
		}
		out = append(out, historySession{SessionSummary: sum, Messages: msgs})
	}
	respondJSON(w, http.StatusOK, map[string]any{"sessions": out})
}

func (s *Server) handleLoadHistory(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.requireUser(w, r)
	if !ok {
		return
	}
	sessionID := strings.TrimSpace(chi.URLParam(r, "id"))
	if sessionID == "" {
		respondError(w, http.StatusBadRequest, "invalid_session_id", "missing session id")
		return
	}
	if s.deps.Loader == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "history is not configured")
		return
	}

	msgs, err := s.deps.Loader.Load(r.Context(), userID, sessionID)
	if err != nil {
		if errors.Is(err, memory.ErrNotFound) {
			respondError(w, http.StatusNotFound, "session_not_found", err.Error())
			return
		}
		s.logger.Warn("history load failed", "user_id", userID, "session_id", sessionID, "error", err)
		s.respondFlushError(w, err)
		return
	}

	wire := make([]protocol.ChatMessage, 0, len(msgs))
	for _, m := range msgs {
		wire = append(wire, protocol.ChatMessage{Role: string(m.Role), Content: m.Content})
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"status":     "ok",
		"session_id": sessionID,
		"messages":   wire,
	})
}

func (s *Server) handlePurgeHistory(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.requireUser(w, r)
	if !ok {
		return
	}
	if s.deps.Flusher == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "history is not configured")
		return
	}
	n, err := s.deps.Flusher.Purge(r.Context(), userID)
	if err != nil {
		s.logger.Warn("history purge failed", "user_id", userID, "error", err)
		s.respondFlushError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"status": "ok", "deleted": n})
}
