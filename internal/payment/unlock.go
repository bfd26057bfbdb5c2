package payment

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"AgentBounty/internal/approval"
	xerrors "AgentBounty/internal/errors"
	"AgentBounty/internal/task"
	"AgentBounty/pkg/logger"
)

// CodeWalletRequired is returned when a paid result is requested by a user
// without a bound wallet.
const CodeWalletRequired xerrors.Code = "WALLET_REQUIRED"

const previewLength = 200

func init() {
	xerrors.Register(CodeWalletRequired, xerrors.Attributes{
		Message:    "wallet required",
		Severity:   xerrors.SeverityInfo,
		HTTPStatus: http.StatusBadRequest,
	})
}

// ResultTasks is the task surface the result gate reads and updates.
type ResultTasks interface {
	Get(ctx context.Context, userID, id string) (*task.Task, error)
	Result(ctx context.Context, id string) (*task.Result, error)
	SetApprovalRequest(ctx context.Context, id, approvalID string) error
}

// ApprovalFlow starts and inspects approval requests.
type ApprovalFlow interface {
	Initiate(ctx context.Context, in approval.InitiateRequest) (*approval.Request, error)
	Status(ctx context.Context, id string) (*approval.Request, error)
}

// WalletLookup returns the address bound to a user, "" when none.
type WalletLookup interface {
	Address(ctx context.Context, userID string) (string, error)
}

// RecipientLookup resolves where approval e-mails for a user go.
type RecipientLookup interface {
	Recipient(ctx context.Context, userID string) approval.Recipient
}

// RecipientFunc adapts a function to RecipientLookup.
type RecipientFunc func(ctx context.Context, userID string) approval.Recipient

func (f RecipientFunc) Recipient(ctx context.Context, userID string) approval.Recipient {
	return f(ctx, userID)
}

// Outcome is the HTTP answer to a result request.
type Outcome struct {
	Status  int
	Body    any
	Headers map[string]string
}

// StatusView answers for tasks that have no revealable result.
type StatusView struct {
	Status  task.Status `json:"status"`
	Error   string      `json:"error,omitempty"`
	Message string      `json:"message"`
}

// ApprovalView answers while an approval is outstanding.
type ApprovalView struct {
	Error             string            `json:"error"`
	StatusCode        int               `json:"status_code"`
	RequiresCIBA      bool              `json:"requires_ciba"`
	CIBARequestID     string            `json:"ciba_request_id"`
	CIBAStatus        string            `json:"ciba_status,omitempty"`
	RequiresApproval  bool              `json:"requires_approval"`
	ApprovalRequestID string            `json:"approval_request_id"`
	ApprovalStatus    string            `json:"approval_status,omitempty"`
	Amount            float64           `json:"amount"`
	Message           string            `json:"message"`
	ExpiresAt         *time.Time        `json:"expires_at,omitempty"`
	Instructions      map[string]string `json:"instructions,omitempty"`
}

// DeniedView answers once an approval was denied or expired.
type DeniedView struct {
	Error          string `json:"error"`
	StatusCode     int    `json:"status_code"`
	CIBAStatus     string `json:"ciba_status"`
	ApprovalStatus string `json:"approval_status"`
	Message        string `json:"message"`
}

// RequiredView carries the payment descriptor of a locked result.
type RequiredView struct {
	Error             string            `json:"error"`
	StatusCode        int               `json:"status_code"`
	Payment           Requirements      `json:"payment"`
	Preview           *string           `json:"preview"`
	CIBAApproved      bool              `json:"ciba_approved"`
	ApprovalConfirmed bool              `json:"approval_confirmed"`
	Message           string            `json:"message"`
	Instructions      map[string]string `json:"instructions"`
}

// Gate decides what a user sees when asking for a task result: the result
// itself, a status message, an approval step or a payment descriptor.
type Gate struct {
	payments   *Service
	tasks      ResultTasks
	wallets    WalletLookup
	approvals  ApprovalFlow
	recipients RecipientLookup
}

type GateOption func(*Gate)

// WithApprovalFlow enables the approval step for amounts at or above the
// threshold.
func WithApprovalFlow(a ApprovalFlow) GateOption {
	return func(g *Gate) { g.approvals = a }
}

func WithRecipients(r RecipientLookup) GateOption {
	return func(g *Gate) { g.recipients = r }
}

func NewGate(payments *Service, tasks ResultTasks, wallets WalletLookup, opts ...GateOption) *Gate {
	g := &Gate{payments: payments, tasks: tasks, wallets: wallets}
	for _, opt := range opts {
		if opt != nil {
			opt(g)
		}
	}
	return g
}

// Resolve walks the unlock decision tree for taskID on behalf of userID.
func (g *Gate) Resolve(ctx context.Context, userID, taskID string) (*Outcome, error) {
	t, err := g.tasks.Get(ctx, userID, taskID)
	if err != nil {
		return nil, err
	}

	switch t.Status {
	case task.StatusFailed:
		msg := t.Error
		if msg == "" {
			msg = "Task execution failed"
		}
		return okOutcome(StatusView{Status: t.Status, Error: msg, Message: "Task failed. No payment required."}), nil
	case task.StatusCompleted:
	default:
		return okOutcome(StatusView{Status: t.Status, Message: fmt.Sprintf("Task is %s, result not available yet", t.Status)}), nil
	}

	cost := t.Cost()
	if cost == 0 || t.PaymentStatus == task.PaymentPaid {
		return g.reveal(ctx, taskID)
	}

	payer := ""
	if g.wallets != nil {
		if payer, err = g.wallets.Address(ctx, userID); err != nil {
			return nil, err
		}
	}
	if payer == "" {
		return nil, xerrors.New(CodeWalletRequired,
			"Please connect your wallet to view paid results. Use POST /api/wallet/connect to connect your wallet.")
	}

	preview, err := g.preview(ctx, taskID)
	if err != nil {
		return nil, err
	}

	gated := g.approvals != nil && g.payments.RequiresApproval(cost)
	if gated {
		if out, err := g.approvalStep(ctx, userID, t, cost); out != nil || err != nil {
			return out, err
		}
	}

	req := g.payments.Requirements(taskID, cost, payer)
	return &Outcome{
		Status:  http.StatusPaymentRequired,
		Headers: req.Headers,
		Body: RequiredView{
			Error:             "Payment Required",
			StatusCode:        http.StatusPaymentRequired,
			Payment:           req,
			Preview:           preview,
			CIBAApproved:      gated,
			ApprovalConfirmed: gated,
			Message:           fmt.Sprintf("Payment of $%.4f USDC required to access result", cost),
			Instructions: map[string]string{
				"1": "Sign authorization off-chain using provided domain and message",
				"2": "POST /api/payments/authorize with signature",
				"3": "GET /api/tasks/{id}/result to retrieve result",
			},
		},
	}, nil
}

// approvalStep returns a non-nil outcome unless the approval was granted.
func (g *Gate) approvalStep(ctx context.Context, userID string, t *task.Task, cost float64) (*Outcome, error) {
	if t.ApprovalRequestID == "" {
		req, err := g.RequestApproval(ctx, userID, t, cost)
		if err != nil {
			return nil, err
		}
		expires := req.ExpiresAt
		return &Outcome{Status: http.StatusPaymentRequired, Body: ApprovalView{
			Error:             "Payment Approval Required",
			StatusCode:        http.StatusPaymentRequired,
			RequiresCIBA:      true,
			CIBARequestID:     req.ID,
			RequiresApproval:  true,
			ApprovalRequestID: req.ID,
			Amount:            cost,
			Message:           fmt.Sprintf("Payment of $%.4f USDC requires approval. Check your email.", cost),
			ExpiresAt:         &expires,
			Instructions: map[string]string{
				"1": "Check your email for approval request",
				"2": "Click 'Approve Payment' in the email",
				"3": "Return here - approval will be detected automatically",
				"4": "After approval, proceed with payment signature",
			},
		}}, nil
	}

	req, err := g.approvals.Status(ctx, t.ApprovalRequestID)
	if err != nil && xerrors.CodeOf(err) != approval.CodeNotFound {
		return nil, err
	}
	if req != nil {
		switch req.Status {
		case approval.StatusApproved:
			return nil, nil
		case approval.StatusDenied, approval.StatusExpired:
			return &Outcome{Status: http.StatusForbidden, Body: DeniedView{
				Error:          "Payment Approval Denied",
				StatusCode:     http.StatusForbidden,
				CIBAStatus:     string(req.Status),
				ApprovalStatus: string(req.Status),
				Message:        fmt.Sprintf("Payment approval was %s", req.Status),
			}}, nil
		}
	}
	return &Outcome{Status: http.StatusPaymentRequired, Body: ApprovalView{
		Error:             "Awaiting Payment Approval",
		StatusCode:        http.StatusPaymentRequired,
		RequiresCIBA:      true,
		CIBARequestID:     t.ApprovalRequestID,
		CIBAStatus:        string(approval.StatusPending),
		RequiresApproval:  true,
		ApprovalRequestID: t.ApprovalRequestID,
		ApprovalStatus:    string(approval.StatusPending),
		Amount:            cost,
		Message:           "Waiting for payment approval via email",
	}}, nil
}

// RequestApproval starts (or reuses) the approval of t and links it to the
// task.
func (g *Gate) RequestApproval(ctx context.Context, userID string, t *task.Task, cost float64) (*approval.Request, error) {
	if g.approvals == nil {
		return nil, xerrors.New(xerrors.CodeNotImplemented, "Payment approvals are not enabled")
	}
	in := approval.InitiateRequest{
		TaskID:      t.ID,
		UserID:      userID,
		Amount:      cost,
		Description: "Task result payment",
	}
	if g.recipients != nil {
		in.Recipient = g.recipients.Recipient(ctx, userID)
	}
	req, err := g.approvals.Initiate(ctx, in)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeUnknown, err, "Failed to initiate payment approval")
	}
	if err := g.tasks.SetApprovalRequest(ctx, t.ID, req.ID); err != nil {
		return nil, err
	}
	logger.L().Info("approval linked to task", slog.String("task_id", t.ID), slog.String("approval_id", req.ID))
	return req, nil
}

func (g *Gate) reveal(ctx context.Context, taskID string) (*Outcome, error) {
	res, err := g.tasks.Result(ctx, taskID)
	if err != nil {
		if xerrors.CodeOf(err) == task.CodeTaskNotFound {
			return nil, xerrors.Wrap(xerrors.CodeUnknown, err, "Result not found despite task being completed")
		}
		return nil, err
	}
	return okOutcome(res), nil
}

func (g *Gate) preview(ctx context.Context, taskID string) (*string, error) {
	res, err := g.tasks.Result(ctx, taskID)
	if err != nil {
		if xerrors.CodeOf(err) == task.CodeTaskNotFound {
			return nil, nil
		}
		return nil, err
	}
	if res.Content == "" {
		return nil, nil
	}
	p := Preview(res.Content)
	return &p, nil
}

// Preview shortens content to its first 200 characters, cut back to the
// last word boundary.
func Preview(content string) string {
	runes := []rune(content)
	if len(runes) <= previewLength {
		return content
	}
	head := string(runes[:previewLength])
	if i := strings.LastIndex(head, " "); i >= 0 {
		head = head[:i]
	}
	return head + "..."
}

func okOutcome(body any) *Outcome {
	return &Outcome{Status: http.StatusOK, Body: body}
}
