package approval

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	xerrors "AgentBounty/internal/errors"
	"AgentBounty/internal/observability/alerting"
	"AgentBounty/pkg/logger"
)

// DefaultTTL is how long an approval request and its magic link stay valid.
const DefaultTTL = 10 * time.Minute

// Approver is told when the owner approved paying for a task.
type Approver interface {
	MarkApproved(ctx context.Context, taskID string) error
}

// Observer counts approval transitions.
type Observer interface {
	ApprovalTransition(status string)
}

// Recipient identifies who receives the approval e-mail.
type Recipient struct {
	Email string
	Name  string
}

// InitiateRequest describes the payment awaiting approval.
type InitiateRequest struct {
	TaskID      string
	UserID      string
	Amount      float64
	Description string
	Recipient   Recipient
}

// Service issues approval requests and resolves them through magic links or
// the simulation endpoint.
type Service struct {
	store    Store
	ttl      time.Duration
	baseURL  string
	mailer   alerting.EmailSender
	approver Approver
	observer Observer
	now      func() time.Time
	newID    func() string

	// initiating collapses concurrent Initiate calls per task.
	initiating singleflight.Group
}

// Option customises a Service.
type Option func(*Service)

// WithTTL overrides DefaultTTL.
func WithTTL(ttl time.Duration) Option {
	return func(s *Service) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// WithBaseURL sets the public URL magic links point at.
func WithBaseURL(base string) Option {
	return func(s *Service) { s.baseURL = strings.TrimRight(base, "/") }
}

// WithMailer delivers magic links by e-mail.
func WithMailer(m alerting.EmailSender) Option {
	return func(s *Service) { s.mailer = m }
}

// WithApprover registers the approval callback.
func WithApprover(a Approver) Option {
	return func(s *Service) { s.approver = a }
}

// WithObserver reports transitions to o.
func WithObserver(o Observer) Option {
	return func(s *Service) { s.observer = o }
}

// NewService builds a service over store.
func NewService(store Store, opts ...Option) *Service {
	s := &Service{
		store: store,
		ttl:   DefaultTTL,
		now:   func() time.Time { return time.Now().UTC() },
		newID: uuid.NewString,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Initiate returns the outstanding request of the task, or creates a new one
// and mails its magic link. Approved requests are returned as they are; a
// denied or expired request is replaced.
func (s *Service) Initiate(ctx context.Context, in InitiateRequest) (*Request, error) {
	if strings.TrimSpace(in.TaskID) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "task_id is required")
	}
	v, err, _ := s.initiating.Do(in.TaskID, func() (any, error) {
		return s.initiate(ctx, in)
	})
	if err != nil {
		return nil, err
	}
	req := *v.(*Request)
	return &req, nil
}

func (s *Service) initiate(ctx context.Context, in InitiateRequest) (*Request, error) {
	existing, err := s.ForTask(ctx, in.TaskID)
	switch {
	case err == nil && (existing.Status == StatusPending || existing.Status == StatusApproved):
		return existing, nil
	case err != nil && !stdErrors.Is(err, ErrNotFound):
		return nil, err
	}

	now := s.now()
	id := s.newID()
	req := &Request{
		ID:             id,
		AuthReqID:      "auth_req_" + id[:min(8, len(id))],
		TaskID:         in.TaskID,
		UserID:         in.UserID,
		Status:         StatusPending,
		Amount:         in.Amount,
		BindingMessage: fmt.Sprintf("Approve $%.4f USDC for task %s", in.Amount, shortID(in.TaskID)),
		CreatedAt:      now,
		ExpiresAt:      now.Add(s.ttl),
	}
	if err := s.store.CreateRequest(ctx, req); err != nil {
		if stdErrors.Is(err, ErrPending) {
			// Another replica created it first.
			return s.ForTask(ctx, in.TaskID)
		}
		return nil, err
	}

	link, err := s.newLink(req, in.Description)
	if err != nil {
		return nil, err
	}
	if err := s.store.CreateLink(ctx, link); err != nil {
		return nil, err
	}
	s.transition(StatusPending)
	logger.Audit().Info("approval requested",
		slog.String("approval_id", req.ID),
		slog.String("task_id", req.TaskID),
		slog.String("user_id", req.UserID),
		slog.Float64("amount", req.Amount),
	)
	s.mail(ctx, in, link)
	return req, nil
}

func (s *Service) newLink(req *Request, description string) (*MagicLink, error) {
	idBytes := make([]byte, 12)
	if _, err := rand.Read(idBytes); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeUnknown, err, "generate magic link id")
	}
	seed := make([]byte, 32)
	if _, err := rand.Read(seed); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeUnknown, err, "generate magic link token")
	}
	sum := sha256.Sum256(seed)
	return &MagicLink{
		ID:          "mla_" + hex.EncodeToString(idBytes),
		Token:       hex.EncodeToString(sum[:]),
		TaskID:      req.TaskID,
		UserID:      req.UserID,
		Status:      StatusPending,
		Amount:      req.Amount,
		Description: description,
		CreatedAt:   req.CreatedAt,
		ExpiresAt:   req.ExpiresAt,
	}, nil
}

// mail failures are logged; the request stays valid and can still be
// resolved through the status and simulate endpoints.
func (s *Service) mail(ctx context.Context, in InitiateRequest, link *MagicLink) {
	if s.mailer == nil || in.Recipient.Email == "" {
		logger.L().Debug("approval e-mail skipped", slog.String("task_id", in.TaskID))
		return
	}
	subject := fmt.Sprintf("Approve payment of $%.4f USDC", link.Amount)
	if err := s.mailer.Send(ctx, subject, s.emailBody(in, link), []string{in.Recipient.Email}); err != nil {
		logger.L().Error("failed to send approval e-mail",
			slog.Any("error", err),
			slog.String("task_id", in.TaskID),
			slog.String("link_id", link.ID),
		)
	}
}

func (s *Service) emailBody(in InitiateRequest, link *MagicLink) string {
	name := in.Recipient.Name
	if name == "" {
		name = "there"
	}
	description := link.Description
	if description == "" {
		description = "AI agent task " + shortID(link.TaskID)
	}
	token := url.QueryEscape(link.Token)
	var b strings.Builder
	fmt.Fprintf(&b, "Hi %s,\n\n", name)
	fmt.Fprintf(&b, "An AI agent is requesting a payment of $%.4f USDC for:\n%s\n\n", link.Amount, description)
	fmt.Fprintf(&b, "Approve: %s/api/payments/magic-link/approve/%s\n", s.baseURL, token)
	fmt.Fprintf(&b, "Deny:    %s/api/payments/magic-link/deny/%s\n\n", s.baseURL, token)
	fmt.Fprintf(&b, "This link expires at %s.\n", link.ExpiresAt.Format(time.RFC1123))
	return b.String()
}

// Status returns the request, expiring it first when its deadline passed.
func (s *Service) Status(ctx context.Context, id string) (*Request, error) {
	req, err := s.store.GetRequest(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.expireIfDue(ctx, req)
}

// ForTask returns the newest request of the task.
func (s *Service) ForTask(ctx context.Context, taskID string) (*Request, error) {
	req, err := s.store.LatestForTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	return s.expireIfDue(ctx, req)
}

func (s *Service) expireIfDue(ctx context.Context, req *Request) (*Request, error) {
	if !req.expired(s.now()) {
		return req, nil
	}
	err := s.store.ResolveRequest(ctx, req.ID, StatusExpired, s.now())
	switch {
	case err == nil:
		req.Status = StatusExpired
		s.transition(StatusExpired)
		return req, nil
	case stdErrors.Is(err, ErrNotPending):
		return s.store.GetRequest(ctx, req.ID)
	default:
		return nil, err
	}
}

// Simulate resolves a pending request without the e-mail round trip.
func (s *Service) Simulate(ctx context.Context, id string, approved bool) (*Request, error) {
	req, err := s.Status(ctx, id)
	if err != nil {
		return nil, err
	}
	if req.Status != StatusPending {
		return nil, xerrors.New(CodeNotPending, fmt.Sprintf("Approval request already %s", req.Status))
	}
	status := StatusDenied
	if approved {
		status = StatusApproved
	}
	now := s.now()
	if err := s.store.ResolveRequest(ctx, id, status, now); err != nil {
		return nil, err
	}
	if err := s.afterResolve(ctx, req.TaskID, status); err != nil {
		return nil, err
	}
	return s.store.GetRequest(ctx, id)
}

// ApproveLink approves the link identified by token together with the
// pending request of its task.
func (s *Service) ApproveLink(ctx context.Context, token string) (*MagicLink, error) {
	return s.resolveLink(ctx, token, StatusApproved)
}

// DenyLink denies the link identified by token together with the pending
// request of its task.
func (s *Service) DenyLink(ctx context.Context, token string) (*MagicLink, error) {
	return s.resolveLink(ctx, token, StatusDenied)
}

func (s *Service) resolveLink(ctx context.Context, token string, status Status) (*MagicLink, error) {
	if strings.TrimSpace(token) == "" {
		return nil, ErrLinkInvalid
	}
	link, err := s.store.GetLinkByToken(ctx, token)
	if err != nil {
		return nil, err
	}
	now := s.now()
	if now.After(link.ExpiresAt) {
		if link.Status == StatusPending {
			_ = s.store.ResolveLink(ctx, link.ID, StatusExpired, now)
		}
		return nil, ErrLinkExpired
	}
	if link.Status != StatusPending {
		return nil, xerrors.New(CodeNotPending, fmt.Sprintf("Payment already %s", link.Status))
	}
	if err := s.store.ResolveLink(ctx, link.ID, status, now); err != nil {
		return nil, err
	}
	if _, err := s.store.ResolvePendingForTask(ctx, link.TaskID, status, now); err != nil {
		return nil, err
	}
	if err := s.afterResolve(ctx, link.TaskID, status); err != nil {
		return nil, err
	}
	return s.store.GetLink(ctx, link.ID)
}

func (s *Service) afterResolve(ctx context.Context, taskID string, status Status) error {
	s.transition(status)
	logger.Audit().Info("approval resolved", slog.String("task_id", taskID), slog.String("status", string(status)))
	if status == StatusApproved && s.approver != nil {
		if err := s.approver.MarkApproved(ctx, taskID); err != nil {
			return err
		}
	}
	return nil
}

// LinkForTask returns the newest magic link mailed for a task.
func (s *Service) LinkForTask(ctx context.Context, taskID string) (*MagicLink, error) {
	link, err := s.store.LatestLinkForTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	return s.LinkStatus(ctx, link.ID)
}

// LinkStatus returns a magic link, expiring it first when due.
func (s *Service) LinkStatus(ctx context.Context, id string) (*MagicLink, error) {
	link, err := s.store.GetLink(ctx, id)
	if err != nil {
		return nil, err
	}
	now := s.now()
	if link.Status == StatusPending && now.After(link.ExpiresAt) {
		if err := s.store.ResolveLink(ctx, link.ID, StatusExpired, now); err != nil && !stdErrors.Is(err, ErrNotPending) {
			return nil, err
		}
		link.Status = StatusExpired
	}
	return link, nil
}

// Sweep expires every pending request and link past its deadline.
func (s *Service) Sweep(ctx context.Context) (int, error) {
	now := s.now()
	requests, err := s.store.ExpireRequests(ctx, now)
	if err != nil {
		return 0, err
	}
	if _, err := s.store.ExpireLinks(ctx, now); err != nil {
		return requests, err
	}
	for i := 0; i < requests; i++ {
		s.transition(StatusExpired)
	}
	return requests, nil
}

func (s *Service) transition(status Status) {
	if s.observer != nil {
		s.observer.ApprovalTransition(string(status))
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
