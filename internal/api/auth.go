package api

import (
	"net/http"
	"strings"

	"AgentBounty/internal/auth"
	xerrors "AgentBounty/internal/errors"
	"AgentBounty/internal/demo"
)

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type userResponse struct {
	User          *auth.Profile `json:"user"`
	Authenticated bool          `json:"authenticated"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if strings.TrimSpace(req.Email) == "" || req.Password == "" {
		writeError(w, r, xerrors.New(xerrors.CodeInvalidArgument, "email and password are required"))
		return
	}
	sess, err := s.deps.Auth.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		writeError(w, r, err)
		return
	}
	s.deps.Auth.SetCookie(w, sess)
	writeJSON(w, http.StatusOK, map[string]any{
		"user":          sess.Profile,
		"authenticated": true,
		"expires_at":    sess.ExpiresAt,
	})
}

func (s *Server) handleLogout(w http.ResponseWriter, _ *http.Request) {
	s.deps.Auth.ClearCookie(w)
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "Logged out"})
}

func (s *Server) handleCurrentUser(w http.ResponseWriter, r *http.Request) {
	p := auth.UserFromContext(r.Context())
	if p == nil {
		writeError(w, r, auth.ErrNotAuthenticated)
		return
	}
	writeJSON(w, http.StatusOK, userResponse{User: p, Authenticated: true})
}

// handleDemoExit only runs for visitors outside demo mode; demo visitors are
// answered by the demo middleware. Stale cookies are cleared either way.
func (s *Server) handleDemoExit(w http.ResponseWriter, _ *http.Request) {
	for _, name := range []string{demo.ModeCookie, demo.SessionCookie} {
		http.SetCookie(w, &http.Cookie{Name: name, Value: "", Path: "/", MaxAge: -1})
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "Demo mode is not active"})
}
