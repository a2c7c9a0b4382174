package server

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/convoflow/engine/internal/command"
	"github.com/convoflow/engine/internal/turn"
)

type streamMessageRequest struct {
	Content   string   `json:"content"`
	Files     []string `json:"files,omitempty"`
	Streaming bool     `json:"streaming,omitempty"`
}

// streamMessage implements POST /sessions/:id/messages/stream: a slash
// command is executed synchronously and its result written as a single SSE
// frame event; anything else runs the turn pipeline, whose own frame/text/
// status/done/error events flow to the subscriber opened by this request.
func (s *Server) streamMessage(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	userID := userIDFromRequest(r)

	var req streamMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "invalid request body")
		return
	}

	if command.IsCommand(req.Content) {
		parsed, _ := command.ParseCommand(req.Content)
		executor := s.commands
		result := executor.Run(r.Context(), command.RunContext{
			SessionID:    sessionID,
			Frames:       s.frames,
			Participants: s.participants,
		}, parsed)

		s.broadcaster.ServeWithStart(w, r, sessionID, func() {
			s.broadcaster.Publish(sessionID, "frame", result)
			s.broadcaster.Publish(sessionID, "done", map[string]bool{"aborted": false})
		})
		return
	}

	s.broadcaster.ServeWithStart(w, r, sessionID, func() {
		go s.pipeline.Run(r.Context(), turn.Input{
			SessionID:   sessionID,
			OwnerUserID: userID,
			UserID:      userID,
			Content:     req.Content,
			ProviderID:  s.config.DefaultProviderID,
			ModelID:     s.config.DefaultModelID,
			WorkDir:     s.config.Directory,
		})
	})
}

// sessionEvents implements a read-only SSE subscription to a session's
// events, for a client that wants to observe a turn without being the one
// that started it (another participant's tab, a delegation's child, ...).
func (s *Server) sessionEvents(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	if err := s.broadcaster.Serve(w, r, sessionID); err != nil {
		writeError(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error())
	}
}

// userIDFromRequest extracts the authenticated user id. Real authentication
// is the external collaborator spec.md §1 names; this reads the header a
// reverse proxy/auth middleware would set, defaulting to "anonymous" so the
// runtime is still exercisable standalone.
func userIDFromRequest(r *http.Request) string {
	if id := r.Header.Get("X-User-ID"); id != "" {
		return id
	}
	return "anonymous"
}
