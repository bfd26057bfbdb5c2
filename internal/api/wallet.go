package api

import (
	"net/http"

	"AgentBounty/internal/auth"
	xerrors "AgentBounty/internal/errors"
)

type connectRequest struct {
	Address   string `json:"wallet_address"`
	Signature string `json:"signature"`
	Message   string `json:"message"`
}

var errWalletsDisabled = xerrors.New(xerrors.CodeInitializationFailure, "wallets are not configured")

func (s *Server) handleWalletConnect(w http.ResponseWriter, r *http.Request) {
	if s.deps.Wallets == nil {
		writeError(w, r, errWalletsDisabled)
		return
	}
	var req connectRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	userID := auth.UserID(r.Context())
	b, err := s.deps.Wallets.Connect(r.Context(), userID, req.Address, req.Message, req.Signature)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":        true,
		"user_id":        userID,
		"wallet_address": b.Address,
		"message":        "Wallet connected successfully",
	})
}

func (s *Server) handleWalletDisconnect(w http.ResponseWriter, r *http.Request) {
	if s.deps.Wallets == nil {
		writeError(w, r, errWalletsDisabled)
		return
	}
	if _, err := s.deps.Wallets.Disconnect(r.Context(), auth.UserID(r.Context())); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "Wallet disconnected from session"})
}

func (s *Server) handleWalletInfo(w http.ResponseWriter, r *http.Request) {
	if s.deps.Wallets == nil {
		writeError(w, r, errWalletsDisabled)
		return
	}
	info, err := s.deps.Wallets.Info(r.Context(), auth.UserID(r.Context()))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleWalletHistory(w http.ResponseWriter, r *http.Request) {
	if s.deps.Wallets == nil {
		writeError(w, r, errWalletsDisabled)
		return
	}
	limit, err := intParam(r.URL.Query().Get("limit"), 50)
	if err != nil {
		writeError(w, r, err)
		return
	}
	h, err := s.deps.Wallets.History(r.Context(), auth.UserID(r.Context()), limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, h)
}
