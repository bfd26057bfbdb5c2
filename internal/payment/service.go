// Package payment builds x402-style payment requirements for task results
// and settles signed USDC transferWithAuthorization payloads on chain.
package payment

import (
	"context"
	"crypto/ecdsa"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"AgentBounty/internal/approval"
	xerrors "AgentBounty/internal/errors"
	"AgentBounty/internal/task"
	"AgentBounty/internal/web3"
	"AgentBounty/pkg/logger"
)

const (
	CodeNotConfigured    xerrors.Code = "PAYMENT_NOT_CONFIGURED"
	CodeInvalidPayment   xerrors.Code = "PAYMENT_INVALID"
	CodeApprovalRequired xerrors.Code = "APPROVAL_REQUIRED"
	CodeAlreadyPaid      xerrors.Code = "PAYMENT_ALREADY_SETTLED"
)

func init() {
	xerrors.Register(CodeNotConfigured, xerrors.Attributes{
		Message:    "payments are not configured",
		Severity:   xerrors.SeverityCritical,
		Alert:      true,
		HTTPStatus: http.StatusServiceUnavailable,
	})
	xerrors.Register(CodeInvalidPayment, xerrors.Attributes{
		Message:    "invalid payment authorization",
		Severity:   xerrors.SeverityWarning,
		HTTPStatus: http.StatusBadRequest,
	})
	xerrors.Register(CodeApprovalRequired, xerrors.Attributes{
		Message:    "payment approval required",
		Severity:   xerrors.SeverityInfo,
		HTTPStatus: http.StatusForbidden,
	})
	xerrors.Register(CodeAlreadyPaid, xerrors.Attributes{
		Message:    "task already paid",
		Severity:   xerrors.SeverityInfo,
		HTTPStatus: http.StatusConflict,
	})
}

// Tasks is the task surface settlement needs.
type Tasks interface {
	Get(ctx context.Context, userID, id string) (*task.Task, error)
	MarkPaid(ctx context.Context, id, txHash string) error
}

// Approvals reports the approval state of a task.
type Approvals interface {
	ForTask(ctx context.Context, taskID string) (*approval.Request, error)
}

// Observer records settlement outcomes.
type Observer interface {
	PaymentSettled(amountUSD float64)
	PaymentRejected(reason string)
}

// Config describes the settlement token and the receiving wallet.
type Config struct {
	Network           web3.Network
	Token             common.Address
	TokenName         string
	TokenVersion      string
	Recipient         common.Address
	ValidFor          time.Duration
	ReceiptTimeout    time.Duration
	GasLimit          uint64
	ApprovalThreshold float64
}

func (c *Config) applyDefaults() {
	if c.TokenName == "" {
		c.TokenName = "USDC"
	}
	if c.TokenVersion == "" {
		c.TokenVersion = "2"
	}
	if c.ValidFor <= 0 {
		c.ValidFor = time.Hour
	}
	if c.ReceiptTimeout <= 0 {
		c.ReceiptTimeout = 2 * time.Minute
	}
	if c.GasLimit == 0 {
		c.GasLimit = 200000
	}
	if c.Token == (common.Address{}) && common.IsHexAddress(c.Network.USDCAddress) {
		c.Token = common.HexToAddress(c.Network.USDCAddress)
	}
}

// AuthorizeRequest is a signed transfer authorization for a task result.
type AuthorizeRequest struct {
	TaskID      string    `json:"task_id"`
	FromAddress string    `json:"from_address"`
	AmountUSDC  int64     `json:"amount_usdc"`
	ValidAfter  int64     `json:"valid_after"`
	ValidBefore int64     `json:"valid_before"`
	Nonce       string    `json:"nonce"`
	Signature   Signature `json:"signature"`
}

// AuthorizeResponse reports the settlement outcome.
type AuthorizeResponse struct {
	Success   bool    `json:"success"`
	TxHash    string  `json:"tx_hash,omitempty"`
	Error     string  `json:"error,omitempty"`
	TaskID    string  `json:"task_id"`
	AmountUSD float64 `json:"amount_usd"`
}

// Service verifies and settles payments.
type Service struct {
	cfg       Config
	client    web3.Client
	signer    *bind.TransactOpts
	tasks     Tasks
	approvals Approvals
	observer  Observer
	nonces    *expirable.LRU[string, struct{}]
	mu        sync.Mutex
	now       func() time.Time
}

// Option customises a Service.
type Option func(*Service)

// WithSigner sets the server wallet that submits settlement transactions.
func WithSigner(opts *bind.TransactOpts) Option {
	return func(s *Service) { s.signer = opts }
}

// WithApprovals enables the approval gate.
func WithApprovals(a Approvals) Option {
	return func(s *Service) { s.approvals = a }
}

// WithObserver records outcomes.
func WithObserver(o Observer) Option {
	return func(s *Service) { s.observer = o }
}

// NewService builds a payment service. client may be nil, in which case
// only requirements can be produced.
func NewService(cfg Config, client web3.Client, tasks Tasks, opts ...Option) *Service {
	cfg.applyDefaults()
	s := &Service{
		cfg:    cfg,
		client: client,
		tasks:  tasks,
		nonces: expirable.NewLRU[string, struct{}](4096, nil, cfg.ValidFor+time.Minute),
		now:    time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// NewSigner derives transaction options from a hex private key.
func NewSigner(hexKey string, chainID int64) (*bind.TransactOpts, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(hexKey), "0x"))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "parse server wallet key")
	}
	return NewSignerFromKey(key, chainID)
}

// NewSignerFromKey derives transaction options from key.
func NewSignerFromKey(key *ecdsa.PrivateKey, chainID int64) (*bind.TransactOpts, error) {
	opts, err := bind.NewKeyedTransactorWithChainID(key, big.NewInt(chainID))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "build transactor")
	}
	return opts, nil
}

// Config returns the effective configuration.
func (s *Service) Config() Config {
	return s.cfg
}

// RequiresApproval reports whether amountUSD crosses the approval threshold.
func (s *Service) RequiresApproval(amountUSD float64) bool {
	return s.cfg.ApprovalThreshold > 0 && amountUSD >= s.cfg.ApprovalThreshold
}

// Authorize verifies req on behalf of userID, submits the transfer and marks
// the task paid. Verification failures are reported in the response; task
// lookup and configuration problems are returned as errors.
func (s *Service) Authorize(ctx context.Context, userID string, req AuthorizeRequest) (*AuthorizeResponse, error) {
	resp := &AuthorizeResponse{TaskID: req.TaskID, AmountUSD: FromUSDC(req.AmountUSDC)}
	if s.client == nil || s.signer == nil {
		return nil, xerrors.New(CodeNotConfigured, "Payments are not configured on this server")
	}
	t, err := s.tasks.Get(ctx, userID, req.TaskID)
	if err != nil {
		return nil, err
	}
	if t.Status != task.StatusCompleted {
		return nil, xerrors.New(CodeInvalidPayment, fmt.Sprintf("Task is %s, payment is only accepted for completed tasks", t.Status))
	}
	if t.PaymentStatus == task.PaymentPaid {
		return nil, xerrors.New(CodeAlreadyPaid, "Task is already paid")
	}
	if want := ToUSDC(t.Cost()); req.AmountUSDC != want {
		return s.reject(resp, "amount", fmt.Sprintf("Amount mismatch: expected %d, got %d", want, req.AmountUSDC)), nil
	}
	if s.RequiresApproval(t.Cost()) {
		if err := s.checkApproval(ctx, t.ID); err != nil {
			return nil, err
		}
	}
	if !common.IsHexAddress(req.FromAddress) {
		return s.reject(resp, "address", "Invalid from_address"), nil
	}
	from := common.HexToAddress(req.FromAddress)

	nonce, err := ParseNonce(req.Nonce)
	if err != nil {
		return s.reject(resp, "nonce", err.Error()), nil
	}
	r, sig, err := req.Signature.Components()
	if err != nil {
		return s.reject(resp, "signature", err.Error()), nil
	}
	td := TypedData(s.domain(), Message{
		From:        from.Hex(),
		To:          s.cfg.Recipient.Hex(),
		Value:       req.AmountUSDC,
		ValidAfter:  req.ValidAfter,
		ValidBefore: req.ValidBefore,
		Nonce:       common.Hash(nonce).Hex(),
	})
	signer, err := Recover(td, req.Signature.V, r, sig)
	if err != nil || signer != from {
		return s.reject(resp, "signature", "Invalid signature"), nil
	}

	now := s.now().Unix()
	if now < req.ValidAfter {
		return s.reject(resp, "window", "Payment not yet valid"), nil
	}
	if now > req.ValidBefore {
		return s.reject(resp, "window", "Payment expired"), nil
	}

	nonceKey := common.Hash(nonce).Hex()
	if !s.claimNonce(nonceKey) {
		return s.reject(resp, "replay", "Nonce already used"), nil
	}
	settled := false
	defer func() {
		if !settled {
			s.nonces.Remove(nonceKey)
		}
	}()

	gas, err := s.client.NativeBalance(ctx, s.signer.From)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeChainFailure, err, "check server wallet balance")
	}
	if gas.Sign() == 0 {
		return s.reject(resp, "gas", "Server wallet has no ETH for gas fees"), nil
	}
	balance, err := s.client.TokenBalance(ctx, s.cfg.Token, from)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeChainFailure, err, "check payer balance")
	}
	if balance.Cmp(big.NewInt(req.AmountUSDC)) < 0 {
		return s.reject(resp, "balance", fmt.Sprintf("Insufficient USDC balance. Have %s, need %s",
			formatUnits(balance), formatUnits(big.NewInt(req.AmountUSDC)))), nil
	}

	opts := *s.signer
	opts.GasLimit = s.cfg.GasLimit
	tx, err := s.client.TransferWithAuthorization(ctx, &opts, s.cfg.Token, web3.TransferAuthorization{
		From:        from,
		To:          s.cfg.Recipient,
		Value:       big.NewInt(req.AmountUSDC),
		ValidAfter:  big.NewInt(req.ValidAfter),
		ValidBefore: big.NewInt(req.ValidBefore),
		Nonce:       nonce,
		V:           req.Signature.V,
		R:           r,
		S:           sig,
	})
	if err != nil {
		logger.L().Error("settlement submission failed", slog.Any("error", err), slog.String("task_id", t.ID))
		return s.reject(resp, "submit", "Payment execution failed"), nil
	}
	resp.TxHash = tx.Hash().Hex()
	settled = true

	waitCtx, cancel := context.WithTimeout(ctx, s.cfg.ReceiptTimeout)
	defer cancel()
	if _, err := s.client.WaitReceipt(waitCtx, tx); err != nil {
		logger.L().Error("settlement transaction failed",
			slog.Any("error", err),
			slog.String("task_id", t.ID),
			slog.String("tx_hash", resp.TxHash),
		)
		return s.reject(resp, "reverted", "Transaction failed - check transaction on the block explorer"), nil
	}

	if err := s.tasks.MarkPaid(ctx, t.ID, resp.TxHash); err != nil {
		return nil, err
	}
	resp.Success = true
	if s.observer != nil {
		s.observer.PaymentSettled(resp.AmountUSD)
	}
	logger.Audit().Info("payment settled",
		slog.String("task_id", t.ID),
		slog.String("user_id", userID),
		slog.String("from", from.Hex()),
		slog.String("tx_hash", resp.TxHash),
		slog.Float64("amount_usd", resp.AmountUSD),
	)
	return resp, nil
}

func (s *Service) checkApproval(ctx context.Context, taskID string) error {
	if s.approvals == nil {
		return nil
	}
	req, err := s.approvals.ForTask(ctx, taskID)
	if err != nil {
		if stdErrors.Is(err, approval.ErrNotFound) {
			return xerrors.New(CodeApprovalRequired, "Payment approval required before settlement")
		}
		return err
	}
	if req.Status != approval.StatusApproved {
		return xerrors.New(CodeApprovalRequired, fmt.Sprintf("Payment approval is %s", req.Status))
	}
	return nil
}

func (s *Service) claimNonce(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.nonces.Contains(key) {
		return false
	}
	s.nonces.Add(key, struct{}{})
	return true
}

func (s *Service) reject(resp *AuthorizeResponse, reason, message string) *AuthorizeResponse {
	resp.Success = false
	resp.Error = message
	if s.observer != nil {
		s.observer.PaymentRejected(reason)
	}
	logger.Audit().Warn("payment rejected",
		slog.String("task_id", resp.TaskID),
		slog.String("reason", reason),
		slog.String("error", message),
	)
	return resp
}

// Balance returns the USDC balance of address in dollars.
func (s *Service) Balance(ctx context.Context, address string) (float64, error) {
	if s.client == nil {
		return 0, xerrors.New(CodeNotConfigured, "Payments are not configured on this server")
	}
	if !common.IsHexAddress(address) {
		return 0, xerrors.New(xerrors.CodeInvalidArgument, "invalid address")
	}
	units, err := s.client.TokenBalance(ctx, s.cfg.Token, common.HexToAddress(address))
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodeChainFailure, err, "fetch USDC balance")
	}
	f, _ := new(big.Float).Quo(new(big.Float).SetInt(units), big.NewFloat(1e6)).Float64()
	return f, nil
}

// NetworkInfo is what a wallet needs to switch to or add the chain.
type NetworkInfo struct {
	ChainID        int64               `json:"chain_id"`
	ChainIDHex     string              `json:"chain_id_hex"`
	ChainName      string              `json:"chain_name"`
	Network        string              `json:"network"`
	RPCURL         string              `json:"rpc_url"`
	ExplorerURL    string              `json:"explorer_url"`
	NativeCurrency web3.NativeCurrency `json:"native_currency"`
	USDCAddress    string              `json:"usdc_address"`
	Recipient      string              `json:"recipient"`
}

// Network describes the settlement chain.
func (s *Service) Network() NetworkInfo {
	n := s.cfg.Network
	return NetworkInfo{
		ChainID:        n.ChainID,
		ChainIDHex:     n.ChainIDHex(),
		ChainName:      n.DisplayName,
		Network:        n.Name,
		RPCURL:         n.RPCURL,
		ExplorerURL:    n.ExplorerURL,
		NativeCurrency: n.Currency,
		USDCAddress:    s.cfg.Token.Hex(),
		Recipient:      s.cfg.Recipient.Hex(),
	}
}

func formatUnits(units *big.Int) string {
	f, _ := new(big.Float).Quo(new(big.Float).SetInt(units), big.NewFloat(1e6)).Float64()
	return fmt.Sprintf("%.6f", f)
}
