package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"AgentBounty/internal/approval"
	"AgentBounty/internal/auth"
	xerrors "AgentBounty/internal/errors"
	"AgentBounty/internal/payment"
)

type approvalStatus struct {
	RequestID  string          `json:"ciba_request_id"`
	Status     approval.Status `json:"status"`
	TaskID     string          `json:"task_id"`
	Amount     float64         `json:"amount"`
	ExpiresAt  time.Time       `json:"expires_at"`
	ApprovedAt *time.Time      `json:"approved_at"`
}

type linkStatus struct {
	RequestID  string          `json:"request_id"`
	Status     approval.Status `json:"status"`
	TaskID     string          `json:"task_id"`
	Amount     float64         `json:"amount"`
	ExpiresAt  time.Time       `json:"expires_at"`
	ApprovedAt *time.Time      `json:"approved_at"`
	DeniedAt   *time.Time      `json:"denied_at"`
}

func newApprovalStatus(req *approval.Request) approvalStatus {
	return approvalStatus{
		RequestID:  req.ID,
		Status:     req.Status,
		TaskID:     req.TaskID,
		Amount:     req.Amount,
		ExpiresAt:  req.ExpiresAt,
		ApprovedAt: req.ApprovedAt,
	}
}

var errPaymentsDisabled = xerrors.New(xerrors.CodeInitializationFailure, "payments are not configured")

func (s *Server) handleNetwork(w http.ResponseWriter, r *http.Request) {
	if s.deps.Payments == nil {
		writeError(w, r, errPaymentsDisabled)
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Payments.Network())
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	if s.deps.Payments == nil {
		writeError(w, r, errPaymentsDisabled)
		return
	}
	address := chi.URLParam(r, "address")
	balance, err := s.deps.Payments.Balance(r.Context(), address)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"address":  address,
		"balance":  balance,
		"currency": "USDC",
		"chain":    s.deps.Payments.Network().Network,
	})
}

// handleAuthorize verifies and settles a signed transfer. Rejected
// authorizations answer 200 with success=false and the reason.
func (s *Server) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	if s.deps.Payments == nil {
		writeError(w, r, errPaymentsDisabled)
		return
	}
	var req payment.AuthorizeRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	resp, err := s.deps.Payments.Authorize(r.Context(), auth.UserID(r.Context()), req)
	if err != nil {
		coded, ok := xerrors.From(err)
		if ok && coded.HTTPStatus() < http.StatusInternalServerError {
			writeError(w, r, err)
			return
		}
		writeError(w, r, xerrors.Wrap(xerrors.CodeUnknown, err, "Payment processing failed: "+xerrors.MessageOf(err)))
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

type initiateRequest struct {
	TaskID string `json:"task_id"`
}

func (s *Server) handleApprovalInitiate(w http.ResponseWriter, r *http.Request) {
	if s.deps.Gate == nil || s.deps.Approvals == nil {
		writeError(w, r, xerrors.New(xerrors.CodeInitializationFailure, "approvals are not configured"))
		return
	}
	var in initiateRequest
	if err := readJSON(r, &in); err != nil {
		writeError(w, r, err)
		return
	}
	if strings.TrimSpace(in.TaskID) == "" {
		writeError(w, r, xerrors.New(xerrors.CodeInvalidArgument, "task_id is required"))
		return
	}
	userID := auth.UserID(r.Context())
	t, err := s.deps.Tasks.Get(r.Context(), userID, in.TaskID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	req, err := s.deps.Gate.RequestApproval(r.Context(), userID, t, t.Cost())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ciba_request_id": req.ID,
		"auth_req_id":     req.AuthReqID,
		"status":          req.Status,
		"task_id":         req.TaskID,
		"amount":          req.Amount,
		"expires_at":      req.ExpiresAt,
		"message":         "Approval request sent. Check your e-mail to approve the payment.",
	})
}

// handleMagicLinkRequest starts the e-mail approval of a task and answers
// with the magic link id, which /magic-link/status polls.
func (s *Server) handleMagicLinkRequest(w http.ResponseWriter, r *http.Request) {
	if s.deps.Gate == nil || s.deps.Approvals == nil {
		writeError(w, r, xerrors.New(xerrors.CodeInitializationFailure, "approvals are not configured"))
		return
	}
	var in initiateRequest
	if err := readJSON(r, &in); err != nil {
		writeError(w, r, err)
		return
	}
	if strings.TrimSpace(in.TaskID) == "" {
		writeError(w, r, xerrors.New(xerrors.CodeInvalidArgument, "task_id is required"))
		return
	}
	userID := auth.UserID(r.Context())
	t, err := s.deps.Tasks.Get(r.Context(), userID, in.TaskID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	req, err := s.deps.Gate.RequestApproval(r.Context(), userID, t, t.Cost())
	if err != nil {
		writeError(w, r, err)
		return
	}
	link, err := s.deps.Approvals.LinkForTask(r.Context(), t.ID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"request_id":          link.ID,
		"approval_request_id": req.ID,
		"status":              link.Status,
		"expires_at":          link.ExpiresAt,
		"message":             "Approval email sent",
	})
}

// ownedRequest loads an approval request of the caller. Requests of other
// users are reported as missing.
func (s *Server) ownedRequest(r *http.Request, id string) (*approval.Request, error) {
	if s.deps.Approvals == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "approvals are not configured")
	}
	req, err := s.deps.Approvals.Status(r.Context(), id)
	if err != nil {
		if xerrors.CodeOf(err) == approval.CodeNotFound {
			return nil, xerrors.New(approval.CodeNotFound, "CIBA request not found")
		}
		return nil, err
	}
	if req.UserID != auth.UserID(r.Context()) {
		return nil, xerrors.New(approval.CodeNotFound, "CIBA request not found")
	}
	return req, nil
}

func (s *Server) handleApprovalStatus(w http.ResponseWriter, r *http.Request) {
	req, err := s.ownedRequest(r, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newApprovalStatus(req))
}

func (s *Server) handleApprovalSimulate(w http.ResponseWriter, r *http.Request) {
	if !s.deps.AllowSimulation {
		writeError(w, r, xerrors.New(xerrors.CodeForbidden, "approval simulation is disabled"))
		return
	}
	id := chi.URLParam(r, "id")
	if _, err := s.ownedRequest(r, id); err != nil {
		writeError(w, r, err)
		return
	}
	approved := true
	if raw := r.URL.Query().Get("approved"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			writeError(w, r, xerrors.New(xerrors.CodeInvalidArgument, "approved must be true or false"))
			return
		}
		approved = v
	}
	req, err := s.deps.Approvals.Simulate(r.Context(), id, approved)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newApprovalStatus(req))
}

func (s *Server) handleMagicLinkStatus(w http.ResponseWriter, r *http.Request) {
	if s.deps.Approvals == nil {
		writeError(w, r, xerrors.New(xerrors.CodeInitializationFailure, "approvals are not configured"))
		return
	}
	notFound := xerrors.New(approval.CodeNotFound, "Approval request not found")
	link, err := s.deps.Approvals.LinkStatus(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if xerrors.CodeOf(err) == approval.CodeNotFound {
			err = notFound
		}
		writeError(w, r, err)
		return
	}
	if link.UserID != auth.UserID(r.Context()) {
		writeError(w, r, notFound)
		return
	}
	writeJSON(w, http.StatusOK, linkStatus{
		RequestID:  link.ID,
		Status:     link.Status,
		TaskID:     link.TaskID,
		Amount:     link.Amount,
		ExpiresAt:  link.ExpiresAt,
		ApprovedAt: link.ApprovedAt,
		DeniedAt:   link.DeniedAt,
	})
}

// handleMagicLink resolves an e-mailed link and answers with an HTML page,
// since the visitor arrives from a mail client.
func (s *Server) handleMagicLink(approve bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.deps.Approvals == nil {
			renderPage(w, http.StatusServiceUnavailable, failurePage(approve, "Approvals are not configured."))
			return
		}
		token := chi.URLParam(r, "token")
		if token == "" {
			token = r.URL.Query().Get("token")
		}
		var (
			link *approval.MagicLink
			err  error
		)
		if approve {
			link, err = s.deps.Approvals.ApproveLink(r.Context(), token)
		} else {
			link, err = s.deps.Approvals.DenyLink(r.Context(), token)
		}
		if err != nil {
			status := xerrors.HTTPStatusOf(err)
			if status >= http.StatusInternalServerError {
				writeErrorLog(r, err)
			}
			renderPage(w, status, failurePage(approve, xerrors.MessageOf(err)))
			return
		}
		renderPage(w, http.StatusOK, successPage(approve, link))
	}
}
