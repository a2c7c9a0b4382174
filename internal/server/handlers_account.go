package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/convoflow/engine/internal/account"
)

func (s *Server) getProfile(w http.ResponseWriter, r *http.Request) {
	userID := userIDFromRequest(r)
	writeJSON(w, http.StatusOK, s.accounts.EnsureProfile(userID))
}

type updateProfileRequest struct {
	DisplayName string `json:"displayName"`
	Email       string `json:"email"`
}

func (s *Server) updateProfile(w http.ResponseWriter, r *http.Request) {
	userID := userIDFromRequest(r)
	var req updateProfileRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "invalid request body")
		return
	}
	profile, _ := s.accounts.UpdateProfile(userID, req.DisplayName, req.Email)
	writeJSON(w, http.StatusOK, profile)
}

type changePasswordRequest struct {
	CurrentPassword string `json:"currentPassword"`
	NewPassword     string `json:"newPassword"`
}

func (s *Server) changePassword(w http.ResponseWriter, r *http.Request) {
	userID := userIDFromRequest(r)
	var req changePasswordRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "invalid request body")
		return
	}
	if err := s.accounts.ChangePassword(userID, req.CurrentPassword, req.NewPassword); err != nil {
		writeError(w, http.StatusUnauthorized, ErrCodePermissionDenied, err.Error())
		return
	}
	writeSuccess(w)
}

type createAPIKeyRequest struct {
	Name      string     `json:"name"`
	Scopes    []string   `json:"scopes,omitempty"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
}

type createAPIKeyResponse struct {
	*account.APIKey
	Secret string `json:"secret"`
}

func (s *Server) createAPIKey(w http.ResponseWriter, r *http.Request) {
	userID := userIDFromRequest(r)
	var req createAPIKeyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "invalid request body")
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "name is required")
		return
	}

	key, secret, err := s.accounts.IssueAPIKey(userID, req.Name, req.Scopes, req.ExpiresAt)
	if err != nil {
		writeError(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error())
		return
	}

	writeJSON(w, http.StatusCreated, createAPIKeyResponse{APIKey: key, Secret: secret})
}

func (s *Server) listAPIKeys(w http.ResponseWriter, r *http.Request) {
	userID := userIDFromRequest(r)
	writeJSON(w, http.StatusOK, s.accounts.ListAPIKeys(userID))
}

func (s *Server) revokeAPIKey(w http.ResponseWriter, r *http.Request) {
	userID := userIDFromRequest(r)
	keyID := chi.URLParam(r, "keyID")
	if err := s.accounts.RevokeAPIKey(userID, keyID); err != nil {
		writeError(w, http.StatusNotFound, ErrCodeNotFound, err.Error())
		return
	}
	writeSuccess(w)
}

type requestMagicLinkRequest struct {
	UserID string `json:"userID"`
}

func (s *Server) requestMagicLink(w http.ResponseWriter, r *http.Request) {
	var req requestMagicLinkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "invalid request body")
		return
	}
	token, err := s.accounts.RequestMagicLink(req.UserID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error())
		return
	}
	// A real collaborator emails this token; the stub returns it directly
	// so the endpoint is exercisable without an email integration.
	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

func (s *Server) verifyMagicLink(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	userID, err := s.accounts.VerifyMagicLink(token)
	if err != nil {
		writeError(w, http.StatusUnauthorized, ErrCodePermissionDenied, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"userID": userID})
}
