package payment

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"

	"AgentBounty/internal/approval"
	xerrors "AgentBounty/internal/errors"
	"AgentBounty/internal/task"
	"AgentBounty/internal/web3"
)

type fakeChain struct {
	gas       *big.Int
	balance   *big.Int
	submitted []web3.TransferAuthorization
	revert    bool
}

func (f *fakeChain) ChainID(context.Context) (*big.Int, error) { return big.NewInt(84532), nil }

func (f *fakeChain) Snapshot(context.Context) (web3.ChainSnapshot, error) {
	return web3.ChainSnapshot{Network: "base-sepolia"}, nil
}

func (f *fakeChain) NativeBalance(context.Context, common.Address) (*big.Int, error) {
	return f.gas, nil
}

func (f *fakeChain) TokenBalance(context.Context, common.Address, common.Address) (*big.Int, error) {
	return f.balance, nil
}

func (f *fakeChain) TransferWithAuthorization(_ context.Context, _ *bind.TransactOpts, _ common.Address, auth web3.TransferAuthorization) (*coretypes.Transaction, error) {
	f.submitted = append(f.submitted, auth)
	return coretypes.NewTx(&coretypes.LegacyTx{Nonce: uint64(len(f.submitted))}), nil
}

func (f *fakeChain) WaitReceipt(_ context.Context, tx *coretypes.Transaction) (*coretypes.Receipt, error) {
	if f.revert {
		return &coretypes.Receipt{Status: coretypes.ReceiptStatusFailed}, errors.New("reverted")
	}
	return &coretypes.Receipt{Status: coretypes.ReceiptStatusSuccessful, TxHash: tx.Hash()}, nil
}

func (f *fakeChain) Close() {}

type fakeTasks struct {
	tasks map[string]*task.Task
	paid  map[string]string
}

func (f *fakeTasks) Get(_ context.Context, userID, id string) (*task.Task, error) {
	t, ok := f.tasks[id]
	if !ok || t.UserID != userID {
		return nil, task.ErrTaskNotFound
	}
	c := *t
	return &c, nil
}

func (f *fakeTasks) MarkPaid(_ context.Context, id, txHash string) error {
	f.paid[id] = txHash
	f.tasks[id].PaymentStatus = task.PaymentPaid
	return nil
}

type fakeApprovals struct{ status approval.Status }

func (f fakeApprovals) ForTask(context.Context, string) (*approval.Request, error) {
	if f.status == "" {
		return nil, approval.ErrNotFound
	}
	return &approval.Request{Status: f.status}, nil
}

type env struct {
	svc    *Service
	chain  *fakeChain
	tasks  *fakeTasks
	payer  *ecdsa.PrivateKey
	server common.Address
}

func completedTask(id string, cost float64) *task.Task {
	return &task.Task{
		ID:            id,
		UserID:        "alice",
		Status:        task.StatusCompleted,
		EstimatedCost: cost,
		ActualCost:    &cost,
		PaymentStatus: task.PaymentUnpaid,
	}
}

func newEnv(t *testing.T, opts ...Option) *env {
	t.Helper()
	serverKey, err := crypto.GenerateKey()
	require.NoError(t, err)
	payer, err := crypto.GenerateKey()
	require.NoError(t, err)
	signer, err := NewSignerFromKey(serverKey, 84532)
	require.NoError(t, err)

	e := &env{
		chain: &fakeChain{gas: big.NewInt(1e15), balance: big.NewInt(5_000_000)},
		tasks: &fakeTasks{
			tasks: map[string]*task.Task{
				"cheap":  completedTask("cheap", 0.001),
				"pricey": completedTask("pricey", 0.002),
			},
			paid: map[string]string{},
		},
		payer:  payer,
		server: signer.From,
	}
	network := web3.DefaultNetworks()[web3.BaseSepolia]
	e.svc = NewService(Config{
		Network:           network,
		Recipient:         signer.From,
		ApprovalThreshold: 0.002,
	}, e.chain, e.tasks, append([]Option{WithSigner(signer)}, opts...)...)
	return e
}

func (e *env) sign(t *testing.T, taskID string, amount float64) AuthorizeRequest {
	t.Helper()
	payer := crypto.PubkeyToAddress(e.payer.PublicKey).Hex()
	reqs := e.svc.Requirements(taskID, amount, payer)
	sig, err := Sign(e.payer, TypedData(reqs.Domain, reqs.Message))
	require.NoError(t, err)
	wire, err := NewSignature(sig)
	require.NoError(t, err)
	return AuthorizeRequest{
		TaskID:      taskID,
		FromAddress: payer,
		AmountUSDC:  reqs.AmountUSDC,
		ValidAfter:  reqs.ValidAfter,
		ValidBefore: reqs.ValidBefore,
		Nonce:       reqs.Nonce,
		Signature:   wire,
	}
}

func TestRequirements(t *testing.T) {
	e := newEnv(t)
	at := time.Unix(1_700_000_000, 0)
	e.svc.now = func() time.Time { return at }

	reqs := e.svc.Requirements("task-1", 0.002, "")
	require.Equal(t, int64(2000), reqs.AmountUSDC)
	require.Equal(t, "base-sepolia", reqs.Chain)
	require.Equal(t, int64(84532), reqs.ChainID)
	require.Equal(t, Domain{Name: "USDC", Version: "2", ChainID: 84532,
		VerifyingContract: common.HexToAddress("0x036CbD53842c5426634e7929541eC2318f3dCF7e").Hex()}, reqs.Domain)
	require.Equal(t, crypto.Keccak256Hash([]byte("task-1-1700000000")).Hex(), reqs.Nonce)
	require.Equal(t, int64(1_700_000_000+3600), reqs.ValidBefore)
	require.Equal(t, common.Address{}.Hex(), reqs.Message.From)
	require.Equal(t, "0.002", reqs.Headers["X-Payment-Amount"])
	require.Equal(t, e.server.Hex(), reqs.Headers["X-Payment-Address"])
	require.Equal(t, "true", reqs.Headers["X-Payment-Required"])
}

func TestSignatureRoundTrip(t *testing.T) {
	e := newEnv(t)
	reqs := e.svc.Requirements("task-1", 0.001, crypto.PubkeyToAddress(e.payer.PublicKey).Hex())
	td := TypedData(reqs.Domain, reqs.Message)
	sig, err := Sign(e.payer, td)
	require.NoError(t, err)

	v, r, s, err := SplitSignature(sig)
	require.NoError(t, err)
	require.True(t, v == 27 || v == 28)
	signer, err := Recover(td, v, r, s)
	require.NoError(t, err)
	require.Equal(t, crypto.PubkeyToAddress(e.payer.PublicKey), signer)

	decimal := Signature{V: v, R: new(big.Int).SetBytes(r[:]).String(), S: new(big.Int).SetBytes(s[:]).String()}
	dr, ds, err := decimal.Components()
	require.NoError(t, err)
	require.Equal(t, r, dr)
	require.Equal(t, s, ds)

	_, _, _, err = SplitSignature(sig[:64])
	require.Error(t, err)
}

func TestAuthorizeSettles(t *testing.T) {
	e := newEnv(t)
	req := e.sign(t, "cheap", 0.001)

	resp, err := e.svc.Authorize(context.Background(), "alice", req)
	require.NoError(t, err)
	require.True(t, resp.Success, resp.Error)
	require.NotEmpty(t, resp.TxHash)
	require.Equal(t, 0.001, resp.AmountUSD)
	require.Equal(t, resp.TxHash, e.tasks.paid["cheap"])

	require.Len(t, e.chain.submitted, 1)
	sent := e.chain.submitted[0]
	require.Equal(t, crypto.PubkeyToAddress(e.payer.PublicKey), sent.From)
	require.Equal(t, e.server, sent.To)
	require.Equal(t, int64(1000), sent.Value.Int64())

	_, err = e.svc.Authorize(context.Background(), "alice", req)
	require.Equal(t, CodeAlreadyPaid, xerrors.CodeOf(err))
}

func TestAuthorizeRejectsReplayedNonce(t *testing.T) {
	e := newEnv(t)
	req := e.sign(t, "cheap", 0.001)
	resp, err := e.svc.Authorize(context.Background(), "alice", req)
	require.NoError(t, err)
	require.True(t, resp.Success)

	e.tasks.tasks["cheap"].PaymentStatus = task.PaymentUnpaid
	resp, err = e.svc.Authorize(context.Background(), "alice", req)
	require.NoError(t, err)
	require.False(t, resp.Success)
	require.Equal(t, "Nonce already used", resp.Error)
}

func TestAuthorizeRejections(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(e *env, req *AuthorizeRequest)
		want   string
	}{
		{"amount", func(_ *env, req *AuthorizeRequest) { req.AmountUSDC = 1 }, "Amount mismatch: expected 1000, got 1"},
		{"signer", func(e *env, req *AuthorizeRequest) {
			other, _ := crypto.GenerateKey()
			req.FromAddress = crypto.PubkeyToAddress(other.PublicKey).Hex()
		}, "Invalid signature"},
		{"expired", func(e *env, _ *AuthorizeRequest) {
			e.svc.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
		}, "Payment expired"},
		{"gas", func(e *env, _ *AuthorizeRequest) { e.chain.gas = big.NewInt(0) }, "Server wallet has no ETH for gas fees"},
		{"balance", func(e *env, _ *AuthorizeRequest) { e.chain.balance = big.NewInt(10) },
			"Insufficient USDC balance. Have 0.000010, need 0.001000"},
		{"revert", func(e *env, _ *AuthorizeRequest) { e.chain.revert = true },
			"Transaction failed - check transaction on the block explorer"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			e := newEnv(t)
			req := e.sign(t, "cheap", 0.001)
			tc.mutate(e, &req)
			resp, err := e.svc.Authorize(context.Background(), "alice", req)
			require.NoError(t, err)
			require.False(t, resp.Success)
			require.Equal(t, tc.want, resp.Error)
			require.Empty(t, e.tasks.paid)
		})
	}
}

func TestAuthorizeRequiresApproval(t *testing.T) {
	pending := newEnv(t, WithApprovals(fakeApprovals{status: approval.StatusPending}))
	_, err := pending.svc.Authorize(context.Background(), "alice", pending.sign(t, "pricey", 0.002))
	require.Equal(t, CodeApprovalRequired, xerrors.CodeOf(err))

	missing := newEnv(t, WithApprovals(fakeApprovals{}))
	_, err = missing.svc.Authorize(context.Background(), "alice", missing.sign(t, "pricey", 0.002))
	require.Equal(t, CodeApprovalRequired, xerrors.CodeOf(err))

	approved := newEnv(t, WithApprovals(fakeApprovals{status: approval.StatusApproved}))
	resp, err := approved.svc.Authorize(context.Background(), "alice", approved.sign(t, "pricey", 0.002))
	require.NoError(t, err)
	require.True(t, resp.Success, resp.Error)
}

func TestAuthorizeChecksOwnership(t *testing.T) {
	e := newEnv(t)
	_, err := e.svc.Authorize(context.Background(), "mallory", e.sign(t, "cheap", 0.001))
	require.ErrorIs(t, err, task.ErrTaskNotFound)

	unconfigured := NewService(Config{Network: web3.DefaultNetworks()[web3.BaseSepolia]}, nil, e.tasks)
	_, err = unconfigured.Authorize(context.Background(), "alice", AuthorizeRequest{TaskID: "cheap"})
	require.Equal(t, CodeNotConfigured, xerrors.CodeOf(err))
}
