package server

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/convoflow/engine/internal/permission"
)

type respondPermissionRequest struct {
	Answer string `json:"answer"`
}

// respondPermission implements POST /sessions/:id/permissions/:promptID: a
// client's resolution of a prompt the permission broker (C4) is blocking on.
// The sessionID in the path is not consulted beyond routing — a prompt id is
// already globally unique and owned by exactly one pending RequestPermissionPrompt
// call — but it keeps the route symmetric with the rest of the session surface.
func (s *Server) respondPermission(w http.ResponseWriter, r *http.Request) {
	promptID := chi.URLParam(r, "promptID")

	var req respondPermissionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "invalid request body")
		return
	}

	switch permission.PromptAnswer(req.Answer) {
	case permission.AnswerAllowOnce, permission.AnswerAllowSession, permission.AnswerAllowAlways, permission.AnswerDeny:
	default:
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "unknown answer")
		return
	}

	s.broker.HandlePermissionResponse(promptID, permission.PromptAnswer(req.Answer))
	writeSuccess(w)
}
