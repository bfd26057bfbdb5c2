// Package approval manages owner approval of expensive result unlocks:
// approval requests polled by the client and the magic links mailed to the
// owner that resolve them.
package approval

import (
	"context"
	"net/http"
	"time"

	xerrors "AgentBounty/internal/errors"
)

// Status is the state of an approval request or magic link.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusDenied   Status = "denied"
	StatusExpired  Status = "expired"
)

// Final reports whether no further transition is possible.
func (s Status) Final() bool {
	return s == StatusApproved || s == StatusDenied || s == StatusExpired
}

// Request asks the task owner to approve a payment.
type Request struct {
	ID             string     `json:"id"`
	AuthReqID      string     `json:"auth_req_id"`
	TaskID         string     `json:"task_id"`
	UserID         string     `json:"user_id"`
	Status         Status     `json:"status"`
	Amount         float64    `json:"amount"`
	BindingMessage string     `json:"binding_message,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	ExpiresAt      time.Time  `json:"expires_at"`
	ApprovedAt     *time.Time `json:"approved_at,omitempty"`
	DeniedAt       *time.Time `json:"denied_at,omitempty"`
}

func (r *Request) expired(now time.Time) bool {
	return r.Status == StatusPending && now.After(r.ExpiresAt)
}

// MagicLink is the emailed one-time token that approves or denies a payment.
type MagicLink struct {
	ID          string     `json:"id"`
	Token       string     `json:"-"`
	TaskID      string     `json:"task_id"`
	UserID      string     `json:"user_id"`
	Status      Status     `json:"status"`
	Amount      float64    `json:"amount"`
	Description string     `json:"task_description,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	ExpiresAt   time.Time  `json:"expires_at"`
	ApprovedAt  *time.Time `json:"approved_at,omitempty"`
	DeniedAt    *time.Time `json:"denied_at,omitempty"`
}

// Store persists approval requests and magic links.
type Store interface {
	// CreateRequest returns ErrPending when a pending request of the same
	// task already exists.
	CreateRequest(ctx context.Context, req *Request) error
	GetRequest(ctx context.Context, id string) (*Request, error)
	// LatestForTask returns the newest request of the task.
	LatestForTask(ctx context.Context, taskID string) (*Request, error)
	// ResolveRequest moves a pending request to status. It returns
	// ErrNotPending when the request already left pending.
	ResolveRequest(ctx context.Context, id string, status Status, at time.Time) error
	// ResolvePendingForTask resolves every pending request of the task and
	// returns their ids.
	ResolvePendingForTask(ctx context.Context, taskID string, status Status, at time.Time) ([]string, error)
	// ExpireRequests marks pending requests past their deadline expired.
	ExpireRequests(ctx context.Context, now time.Time) (int, error)

	CreateLink(ctx context.Context, link *MagicLink) error
	GetLink(ctx context.Context, id string) (*MagicLink, error)
	GetLinkByToken(ctx context.Context, token string) (*MagicLink, error)
	LatestLinkForTask(ctx context.Context, taskID string) (*MagicLink, error)
	ResolveLink(ctx context.Context, id string, status Status, at time.Time) error
	ExpireLinks(ctx context.Context, now time.Time) (int, error)
}

const (
	CodeNotFound    xerrors.Code = "APPROVAL_NOT_FOUND"
	CodeNotPending  xerrors.Code = "APPROVAL_NOT_PENDING"
	CodePending     xerrors.Code = "APPROVAL_ALREADY_PENDING"
	CodeLinkInvalid xerrors.Code = "MAGIC_LINK_INVALID"
	CodeLinkExpired xerrors.Code = "MAGIC_LINK_EXPIRED"
)

var (
	ErrNotFound     = xerrors.New(CodeNotFound, "approval request not found")
	ErrNotPending   = xerrors.New(CodeNotPending, "approval request already resolved")
	ErrPending      = xerrors.New(CodePending, "task already has a pending approval request")
	ErrLinkInvalid  = xerrors.New(CodeLinkInvalid, "Invalid approval link")
	ErrLinkExpired  = xerrors.New(CodeLinkExpired, "Approval link has expired")
	ErrLinkNotFound = xerrors.New(CodeNotFound, "magic link not found")
)

func init() {
	xerrors.Register(CodeNotFound, xerrors.Attributes{
		Message:    "approval request not found",
		Severity:   xerrors.SeverityInfo,
		HTTPStatus: http.StatusNotFound,
	})
	xerrors.Register(CodeNotPending, xerrors.Attributes{
		Message:    "approval request already resolved",
		Severity:   xerrors.SeverityInfo,
		HTTPStatus: http.StatusBadRequest,
	})
	xerrors.Register(CodePending, xerrors.Attributes{
		Message:    "task already has a pending approval request",
		Severity:   xerrors.SeverityInfo,
		HTTPStatus: http.StatusConflict,
	})
	xerrors.Register(CodeLinkInvalid, xerrors.Attributes{
		Message:    "Invalid approval link",
		Severity:   xerrors.SeverityWarning,
		HTTPStatus: http.StatusBadRequest,
	})
	xerrors.Register(CodeLinkExpired, xerrors.Attributes{
		Message:    "Approval link has expired",
		Severity:   xerrors.SeverityInfo,
		HTTPStatus: http.StatusGone,
	})
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

func cloneRequest(r *Request) *Request {
	c := *r
	c.ApprovedAt = cloneTime(r.ApprovedAt)
	c.DeniedAt = cloneTime(r.DeniedAt)
	return &c
}

func cloneLink(l *MagicLink) *MagicLink {
	c := *l
	c.ApprovedAt = cloneTime(l.ApprovedAt)
	c.DeniedAt = cloneTime(l.DeniedAt)
	return &c
}

func stamp(status Status, at time.Time, approvedAt, deniedAt **time.Time) {
	t := at
	switch status {
	case StatusApproved:
		*approvedAt = &t
	case StatusDenied:
		*deniedAt = &t
	}
}
