package payment

import (
	"context"
	"net/http"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"AgentBounty/internal/approval"
	xerrors "AgentBounty/internal/errors"
	"AgentBounty/internal/task"
	"AgentBounty/internal/web3"
)

type walletMap map[string]string

func (w walletMap) Address(_ context.Context, userID string) (string, error) { return w[userID], nil }

type gateEnv struct {
	store     *task.MemoryStore
	tasks     *task.Service
	approvals *approval.Service
	gate      *Gate
	wallets   walletMap
}

func newGateEnv(t *testing.T) *gateEnv {
	t.Helper()
	store := task.NewMemoryStore()
	tasks := task.NewService(store, nil, nil, task.Limits{})
	approvals := approval.NewService(approval.NewMemoryStore(), approval.WithApprover(tasks))
	payments := NewService(Config{
		Network:           web3.DefaultNetworks()[web3.BaseSepolia],
		Recipient:         common.HexToAddress("0x00000000000000000000000000000000000000aa"),
		ApprovalThreshold: 0.002,
	}, nil, tasks)
	wallets := walletMap{}
	return &gateEnv{
		store:     store,
		tasks:     tasks,
		approvals: approvals,
		wallets:   wallets,
		gate:      NewGate(payments, tasks, wallets, WithApprovalFlow(approvals)),
	}
}

func (e *gateEnv) completed(t *testing.T, id string, cost float64, content string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, e.store.Create(ctx, &task.Task{ID: id, UserID: "alice", AgentType: "factcheck", EstimatedCost: cost}, 0))
	_, err := e.store.Start(ctx, id)
	require.NoError(t, err)
	_, err = e.store.Claim(ctx, id)
	require.NoError(t, err)
	require.NoError(t, e.store.MarkCompleted(ctx, id, task.Result{ResultType: "text", Content: content, ActualCost: cost}))
}

func TestGateReportsUnfinishedTasks(t *testing.T) {
	e := newGateEnv(t)
	ctx := context.Background()
	require.NoError(t, e.store.Create(ctx, &task.Task{ID: "run", UserID: "alice", AgentType: "factcheck"}, 0))
	_, err := e.store.Start(ctx, "run")
	require.NoError(t, err)

	out, err := e.gate.Resolve(ctx, "alice", "run")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, out.Status)
	require.Equal(t, "Task is running, result not available yet", out.Body.(StatusView).Message)

	_, err = e.store.Claim(ctx, "run")
	require.NoError(t, err)
	require.NoError(t, e.store.MarkFailed(ctx, "run", task.CodeTaskProcessing, "API quota exceeded", true))
	out, err = e.gate.Resolve(ctx, "alice", "run")
	require.NoError(t, err)
	view := out.Body.(StatusView)
	require.Equal(t, task.StatusFailed, view.Status)
	require.Equal(t, "API quota exceeded", view.Error)
	require.Equal(t, "Task failed. No payment required.", view.Message)

	_, err = e.gate.Resolve(ctx, "bob", "run")
	require.Equal(t, task.CodeTaskNotFound, xerrors.CodeOf(err))
}

func TestGateRequiresWalletThenPayment(t *testing.T) {
	e := newGateEnv(t)
	ctx := context.Background()
	content := strings.Repeat("word ", 60)
	e.completed(t, "cheap", 0.001, content)

	_, err := e.gate.Resolve(ctx, "alice", "cheap")
	require.Equal(t, CodeWalletRequired, xerrors.CodeOf(err))
	require.Equal(t, http.StatusBadRequest, xerrors.HTTPStatusOf(err))

	e.wallets["alice"] = "0x00000000000000000000000000000000000000bb"
	out, err := e.gate.Resolve(ctx, "alice", "cheap")
	require.NoError(t, err)
	require.Equal(t, http.StatusPaymentRequired, out.Status)
	require.Equal(t, "0.001", out.Headers["X-Payment-Amount"])
	view := out.Body.(RequiredView)
	require.Equal(t, "Payment Required", view.Error)
	require.False(t, view.ApprovalConfirmed)
	require.Equal(t, int64(1000), view.Payment.AmountUSDC)
	require.Equal(t, common.HexToAddress(e.wallets["alice"]).Hex(), view.Payment.Message.From)
	require.Equal(t, strings.TrimSuffix(strings.Repeat("word ", 40), " ")+"...", *view.Preview)
	require.Equal(t, "Payment of $0.0010 USDC required to access result", view.Message)

	require.NoError(t, e.tasks.MarkPaid(ctx, "cheap", "0xabc"))
	out, err = e.gate.Resolve(ctx, "alice", "cheap")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, out.Status)
	require.Equal(t, content, out.Body.(*task.Result).Content)
}

func TestGateRevealsFreeResults(t *testing.T) {
	e := newGateEnv(t)
	e.completed(t, "free", 0, "gratis")
	out, err := e.gate.Resolve(context.Background(), "alice", "free")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, out.Status)
	require.Equal(t, "gratis", out.Body.(*task.Result).Content)
}

func TestGateApprovalFlow(t *testing.T) {
	e := newGateEnv(t)
	ctx := context.Background()
	e.wallets["alice"] = "0x00000000000000000000000000000000000000bb"
	e.completed(t, "pricey", 0.002, "trip plan")

	out, err := e.gate.Resolve(ctx, "alice", "pricey")
	require.NoError(t, err)
	require.Equal(t, http.StatusPaymentRequired, out.Status)
	first := out.Body.(ApprovalView)
	require.Equal(t, "Payment Approval Required", first.Error)
	require.True(t, first.RequiresApproval)
	require.Equal(t, first.ApprovalRequestID, first.CIBARequestID)
	require.NotNil(t, first.ExpiresAt)
	require.Equal(t, "Payment of $0.0020 USDC requires approval. Check your email.", first.Message)

	tk, err := e.tasks.Get(ctx, "alice", "pricey")
	require.NoError(t, err)
	require.Equal(t, first.ApprovalRequestID, tk.ApprovalRequestID)

	out, err = e.gate.Resolve(ctx, "alice", "pricey")
	require.NoError(t, err)
	waiting := out.Body.(ApprovalView)
	require.Equal(t, "Awaiting Payment Approval", waiting.Error)
	require.Equal(t, "pending", waiting.CIBAStatus)
	require.Equal(t, first.ApprovalRequestID, waiting.ApprovalRequestID)

	_, err = e.approvals.Simulate(ctx, first.ApprovalRequestID, true)
	require.NoError(t, err)
	out, err = e.gate.Resolve(ctx, "alice", "pricey")
	require.NoError(t, err)
	require.Equal(t, http.StatusPaymentRequired, out.Status)
	required := out.Body.(RequiredView)
	require.True(t, required.ApprovalConfirmed)
	require.True(t, required.CIBAApproved)
	require.Equal(t, "trip plan", *required.Preview)
}

func TestGateApprovalDenied(t *testing.T) {
	e := newGateEnv(t)
	ctx := context.Background()
	e.wallets["alice"] = "0x00000000000000000000000000000000000000bb"
	e.completed(t, "pricey", 0.005, "report")

	out, err := e.gate.Resolve(ctx, "alice", "pricey")
	require.NoError(t, err)
	id := out.Body.(ApprovalView).ApprovalRequestID
	_, err = e.approvals.Simulate(ctx, id, false)
	require.NoError(t, err)

	out, err = e.gate.Resolve(ctx, "alice", "pricey")
	require.NoError(t, err)
	require.Equal(t, http.StatusForbidden, out.Status)
	denied := out.Body.(DeniedView)
	require.Equal(t, "denied", denied.ApprovalStatus)
	require.Equal(t, "Payment approval was denied", denied.Message)
}

func TestPreview(t *testing.T) {
	require.Equal(t, "short text", Preview("short text"))
	long := strings.Repeat("a", 250)
	require.Equal(t, strings.Repeat("a", 200)+"...", Preview(long))
	require.Equal(t, strings.Repeat("é", 200)+"...", Preview(strings.Repeat("é", 201)))
}
