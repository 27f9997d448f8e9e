package localapi

import (
	"errors"
	"net/http"
	"strings"

	"taskmaster/internal/agentloop"
	"taskmaster/internal/convo"
)

func (s *Server) registerChatRoutes() {
	s.mux.HandleFunc("/api/v1/chat", func(w http.ResponseWriter, r *http.Request) {
		s.requireMethod(w, r, http.MethodPost, s.handleChat)
	})
	s.mux.HandleFunc("/api/v1/chat/confirm", func(w http.ResponseWriter, r *http.Request) {
		s.requireMethod(w, r, http.MethodPost, s.handleChatConfirm)
	})
}

func (s *Server) registerContextRoutes() {
	s.mux.HandleFunc("/api/v1/context", s.handleUserContext)
}

type chatRequest struct {
	Message string `json:"message"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error())
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		respondError(w, http.StatusBadRequest, "BAD_REQUEST", "message is required")
		return
	}
	if s.deps.Runner == nil {
		respondError(w, http.StatusServiceUnavailable, "CHAT_UNAVAILABLE", "the chat runner is not configured")
		return
	}
	userID := requestUserID(r)
	result, err := s.deps.Runner.RunTurn(r.Context(), userID, req.Message)
	if err != nil {
		// Raw errors never reach chat clients.
		s.logger.Error("chat turn failed", "user_id", userID, "error", err)
		respondError(w, http.StatusInternalServerError, "CHAT_FAILED", "the chat turn could not be completed")
		return
	}
	s.publishStateChanges(userID, result.StateChanges)
	s.publishEvent("chat.reply", userID, "", map[string]any{"degraded": result.Degraded})
	respondOK(w, result)
}

type chatConfirmRequest struct {
	Token string `json:"token"`
}

func (s *Server) handleChatConfirm(w http.ResponseWriter, r *http.Request) {
	var req chatConfirmRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error())
		return
	}
	if strings.TrimSpace(req.Token) == "" {
		respondError(w, http.StatusBadRequest, "BAD_REQUEST", "token is required")
		return
	}
	if s.deps.Runner == nil {
		respondError(w, http.StatusServiceUnavailable, "CHAT_UNAVAILABLE", "the chat runner is not configured")
		return
	}
	userID := requestUserID(r)
	result, err := s.deps.Runner.ConfirmAction(r.Context(), userID, req.Token)
	if err != nil {
		if errors.Is(err, agentloop.ErrPendingNotFound) {
			respondError(w, http.StatusNotFound, "PENDING_NOT_FOUND", "no pending action for that token")
			return
		}
		s.logger.Error("chat confirm failed", "user_id", userID, "error", err)
		respondError(w, http.StatusInternalServerError, "CHAT_FAILED", "the confirmation could not be completed")
		return
	}
	s.publishStateChanges(userID, result.StateChanges)
	s.publishEvent("chat.reply", userID, "", map[string]any{"confirmed": true})
	respondOK(w, result)
}

type contextUpdateRequest struct {
	Preferences *map[string]any `json:"preferences,omitempty"`
	Patterns    *map[string]any `json:"patterns,omitempty"`
	AIContext   *string         `json:"ai_context,omitempty"`
}

func (s *Server) handleUserContext(w http.ResponseWriter, r *http.Request) {
	if s.deps.Conversations == nil {
		respondError(w, http.StatusServiceUnavailable, "CONTEXT_UNAVAILABLE", "the context manager is not configured")
		return
	}
	userID := requestUserID(r)
	switch r.Method {
	case http.MethodGet:
		snapshot, err := s.deps.Conversations.UserContext(r.Context(), userID)
		if err != nil {
			respondError(w, http.StatusInternalServerError, "CONTEXT_ERROR", err.Error())
			return
		}
		respondOK(w, snapshot)
	case http.MethodPut:
		var req contextUpdateRequest
		if err := decodeBody(r, &req); err != nil {
			respondError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error())
			return
		}
		snapshot, err := s.deps.Conversations.UpdateUserContext(r.Context(), userID, convo.ContextUpdate{
			Preferences: req.Preferences,
			Patterns:    req.Patterns,
			AIContext:   req.AIContext,
		})
		if err != nil {
			respondError(w, http.StatusInternalServerError, "CONTEXT_ERROR", err.Error())
			return
		}
		respondOK(w, snapshot)
	default:
		respondError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
	}
}
