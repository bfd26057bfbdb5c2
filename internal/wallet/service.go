package wallet

import (
	"context"
	"log/slog"
	"strings"
	"time"

	xerrors "AgentBounty/internal/errors"
	"AgentBounty/internal/task"
	"AgentBounty/pkg/logger"
)

// Balances reads USDC balances.
type Balances interface {
	Balance(ctx context.Context, address string) (float64, error)
}

// PaidTasks lists the tasks a user has paid for.
type PaidTasks interface {
	History(ctx context.Context, userID string, limit int) ([]*task.Task, error)
}

// Chain names the settlement network reported by Info.
type Chain struct {
	Name string
	ID   int64
}

// Info is the wallet summary of a user.
type Info struct {
	Address     string  `json:"wallet_address"`
	Connected   bool    `json:"connected"`
	USDCBalance float64 `json:"usdc_balance"`
	Chain       string  `json:"chain"`
	ChainID     int64   `json:"chain_id"`
}

// History lists the binding and the payments made by a user.
type History struct {
	Address     string       `json:"wallet_address"`
	ConnectedAt *time.Time   `json:"connected_at"`
	HasWallet   bool         `json:"has_wallet"`
	Payments    []*task.Task `json:"payments"`
}

// Service connects wallets to users.
type Service struct {
	store    Store
	balances Balances
	paid     PaidTasks
	chain    Chain
	now      func() time.Time
}

type Option func(*Service)

func WithBalances(b Balances) Option {
	return func(s *Service) { s.balances = b }
}

func WithPaidTasks(p PaidTasks) Option {
	return func(s *Service) { s.paid = p }
}

func NewService(store Store, chain Chain, opts ...Option) *Service {
	s := &Service{store: store, chain: chain, now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Connect verifies the ownership signature and binds the address to userID.
func (s *Service) Connect(ctx context.Context, userID, address, message, signature string) (*Binding, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, xerrors.New(xerrors.CodeUnauthenticated, "Not authenticated")
	}
	addr, err := VerifyOwnership(address, message, signature)
	if err != nil {
		return nil, err
	}
	b := &Binding{UserID: userID, Address: addr.Hex(), ConnectedAt: s.now().UTC()}
	if err := s.store.Save(ctx, b); err != nil {
		return nil, err
	}
	logger.Audit().Info("wallet connected", slog.String("user_id", userID), slog.String("address", b.Address))
	return b, nil
}

// Address returns the bound address of userID, or "" when none is bound.
func (s *Service) Address(ctx context.Context, userID string) (string, error) {
	b, err := s.store.Get(ctx, userID)
	if xerrors.CodeOf(err) == CodeWalletNotConnected {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return b.Address, nil
}

// Info reports the binding and its balance. A balance lookup failure is
// logged and reported as zero.
func (s *Service) Info(ctx context.Context, userID string) (*Info, error) {
	addr, err := s.Address(ctx, userID)
	if err != nil {
		return nil, err
	}
	info := &Info{Address: addr, Connected: addr != "", Chain: s.chain.Name, ChainID: s.chain.ID}
	if addr != "" && s.balances != nil {
		balance, err := s.balances.Balance(ctx, addr)
		if err != nil {
			logger.L().Warn("wallet balance lookup failed", slog.String("address", addr), slog.Any("error", err))
		} else {
			info.USDCBalance = balance
		}
	}
	return info, nil
}

// Disconnect removes the binding. It reports whether one existed.
func (s *Service) Disconnect(ctx context.Context, userID string) (bool, error) {
	removed, err := s.store.Delete(ctx, userID)
	if err != nil {
		return false, err
	}
	if removed {
		logger.Audit().Info("wallet disconnected", slog.String("user_id", userID))
	}
	return removed, nil
}

// History returns the binding together with the paid tasks of userID.
func (s *Service) History(ctx context.Context, userID string, limit int) (*History, error) {
	h := &History{Payments: []*task.Task{}}
	b, err := s.store.Get(ctx, userID)
	switch {
	case err == nil:
		h.Address = b.Address
		h.HasWallet = true
		at := b.ConnectedAt
		h.ConnectedAt = &at
	case xerrors.CodeOf(err) != CodeWalletNotConnected:
		return nil, err
	}
	if s.paid != nil {
		tasks, err := s.paid.History(ctx, userID, limit)
		if err != nil {
			return nil, err
		}
		if tasks != nil {
			h.Payments = tasks
		}
	}
	return h, nil
}
