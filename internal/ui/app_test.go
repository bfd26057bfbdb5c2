package ui

import (
	"context"
	"crypto/ecdsa"
	"net/http"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"

	"AgentBounty/internal/agent"
	xerrors "AgentBounty/internal/errors"
	"AgentBounty/internal/payment"
	"AgentBounty/internal/task"
	"AgentBounty/sdk/go/agentbounty"
)

type harness struct {
	app     *App
	backend *fakeBackend
	screen  *MemoryScreen
	wallet  *KeyWallet
	key     *ecdsa.PrivateKey
}

func newHarness(t *testing.T, cfg Config, mutate func(*fakeBackend)) *harness {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	backend := newFakeBackend()
	if mutate != nil {
		mutate(backend)
	}
	if cfg.TaskPollInterval == 0 {
		cfg.TaskPollInterval = 10 * time.Millisecond
	}
	if cfg.ApprovalPollInterval == 0 {
		cfg.ApprovalPollInterval = 5 * time.Millisecond
	}

	ctx, cancel := context.WithCancel(context.Background())
	screen := NewMemoryScreen()
	wallet := NewKeyWallet(key)
	app := New(ctx, cfg, backend, wallet, screen)
	t.Cleanup(func() {
		app.Close()
		cancel()
	})
	return &harness{app: app, backend: backend, screen: screen, wallet: wallet, key: key}
}

func (h *harness) load(t *testing.T) {
	t.Helper()
	require.NoError(t, h.app.Load(context.Background()))
}

func (h *harness) panel(t *testing.T, taskID string) *Panel {
	t.Helper()
	p := h.app.Snapshot().Panels[taskID]
	require.NotNil(t, p, "no panel for %s", taskID)
	return p
}

func (h *harness) waitPanel(t *testing.T, taskID string, kind PanelKind) *Panel {
	t.Helper()
	require.Eventually(t, func() bool {
		p := h.app.Snapshot().Panels[taskID]
		return p != nil && p.Kind == kind
	}, 2*time.Second, 5*time.Millisecond, "panel of %s never became %s", taskID, kind)
	return h.panel(t, taskID)
}

func TestLoadAnonymousVisitor(t *testing.T) {
	h := newHarness(t, Config{}, func(b *fakeBackend) { b.user = nil })
	h.load(t)

	s := h.app.Snapshot()
	require.False(t, s.Authenticated)
	require.Len(t, s.Agents, 2)
	require.Contains(t, h.screen.HTML(ContainerHeader), "Log in")
	require.NotContains(t, h.screen.HTML(ContainerAgents), `data-action="open-modal"`)
	require.Equal(t, 1, h.screen.Renders(ContainerTasks))
	require.False(t, h.app.TaskPollActive())
}

func TestLoadShowsConnectedWallet(t *testing.T) {
	h := newHarness(t, Config{}, func(b *fakeBackend) {
		b.wallet = &agentbounty.WalletInfo{Address: "0x2222222222222222222222222222222222222222", Connected: true}
	})
	h.load(t)

	require.Equal(t, "0x2222222222222222222222222222222222222222", h.app.Snapshot().Wallet)
	require.NotContains(t, h.screen.HTML(ContainerHeader), "connect-wallet")
}

func TestActiveTaskBannersAndLimit(t *testing.T) {
	h := newHarness(t, Config{}, func(b *fakeBackend) {
		b.setTasks(newTask("t1", "pending"), newTask("t2", "pending"))
	})
	h.load(t)

	agents := h.screen.HTML(ContainerAgents)
	require.Contains(t, agents, "You have 2 active tasks. One more task can be created.")
	require.Contains(t, agents, `data-action="open-modal"`)

	h.backend.setTasks(newTask("t1", "pending"), newTask("t2", "pending"), newTask("t3", "pending"))
	h.app.Refresh(context.Background())

	agents = h.screen.HTML(ContainerAgents)
	require.Contains(t, agents, "You have 3 active tasks.")
	require.NotContains(t, agents, `data-action="open-modal"`)
	require.False(t, h.app.Snapshot().CanCreate())

	h.app.OpenModal(agent.TypeFactCheck)
	require.Nil(t, h.app.Snapshot().Modal)

	limit := task.ActiveLimitError(3)
	h.backend.createErr = &agentbounty.APIError{
		StatusCode: http.StatusBadRequest,
		Code:       string(xerrors.CodeLimitExceeded),
		Message:    xerrors.MessageOf(limit),
	}
	err := h.app.SubmitTask(context.Background(), agent.FactCheckText{Text: "The sky is blue"})
	require.Error(t, err)
	require.Equal(t, xerrors.MessageOf(limit), h.app.Snapshot().Notice)
	require.Contains(t, h.screen.HTML(ContainerNotice), "Maximum 3 active tasks allowed.")
}

func TestSubmitTaskValidatesBeforeCalling(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	h.load(t)

	h.app.OpenModal(agent.TypeFactCheck)
	h.app.SetMode("url")
	require.Equal(t, "url", h.app.Snapshot().Modal.Mode)

	err := h.app.Dispatch(context.Background(), Event{Action: "submit-task", Form: map[string]string{"url": "not a url"}})
	require.Error(t, err)
	require.Empty(t, h.backend.created)
	require.Contains(t, h.screen.HTML(ContainerModal), "url must be an absolute")
}

func TestHappyPathRendersContentWithoutPayment(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	h.load(t)

	ctx := context.Background()
	require.NoError(t, h.app.Dispatch(ctx, Event{Action: "open-modal", Data: map[string]string{"agent": agent.TypeFactCheck}}))
	require.NoError(t, h.app.Dispatch(ctx, Event{Action: "submit-task", Form: map[string]string{"text": "The sky is blue"}}))

	require.Equal(t, []string{"task-1"}, h.backend.created)
	require.Equal(t, []string{"task-1"}, h.backend.started)
	require.Nil(t, h.app.Snapshot().Modal)
	require.True(t, h.app.TaskPollActive())

	h.backend.setResult("task-1", contentResult("task-1", "## Verdict\n\n**TRUE**"))
	h.backend.setTasks(newTask("task-1", "completed"))

	p := h.waitPanel(t, "task-1", PanelContent)
	require.Nil(t, p.Payment)
	require.Eventually(t, func() bool { return !h.app.TaskPollActive() }, time.Second, 5*time.Millisecond)

	html := h.screen.HTML(ResultContainer("task-1"))
	require.Contains(t, html, "<h2>Verdict</h2>")
	require.Contains(t, html, "<strong>TRUE</strong>")
	require.NotContains(t, html, `data-action="pay"`)
}

func TestTaskPollResolvesCompletionItObserves(t *testing.T) {
	h := newHarness(t, Config{}, func(b *fakeBackend) {
		b.setTasks(newTask("t1", "running"))
	})
	h.load(t)
	require.True(t, h.app.TaskPollActive())
	require.Nil(t, h.app.Snapshot().Panels["t1"])

	h.backend.setResult("t1", contentResult("t1", "**FALSE**"))
	h.backend.setTasks(newTask("t1", "completed"))

	p := h.waitPanel(t, "t1", PanelContent)
	require.Equal(t, "**FALSE**", p.Content)
	require.Eventually(t, func() bool { return !h.app.TaskPollActive() }, time.Second, 5*time.Millisecond)
	require.Equal(t, PanelContent, h.panel(t, "t1").Kind)
	require.Contains(t, h.screen.HTML(ResultContainer("t1")), "<strong>FALSE</strong>")
}

func TestFailedTaskNeverOffersPayment(t *testing.T) {
	h := newHarness(t, Config{}, func(b *fakeBackend) {
		b.setTasks(newTask("t1", "failed"))
		b.setResult("t1", &agentbounty.Result{
			StatusCode: http.StatusOK,
			Status:     "failed",
			Error:      "upstream model unavailable",
			Message:    "Task failed. No payment required.",
		})
	})
	h.load(t)

	p := h.panel(t, "t1")
	require.Equal(t, PanelFailed, p.Kind)
	require.Nil(t, p.Payment)
	html := h.screen.HTML(ResultContainer("t1"))
	require.Contains(t, html, "upstream model unavailable")
	require.NotContains(t, html, `data-action="pay"`)

	err := h.app.Pay(context.Background(), "t1")
	require.Error(t, err)
	require.Empty(t, h.backend.payments())
}

func TestResolveIsIdempotent(t *testing.T) {
	h := newHarness(t, Config{ApprovalPollInterval: time.Hour}, func(b *fakeBackend) {
		b.setTasks(newTask("t1", "completed"))
		b.setResult("t1", approvalResult("ap-1", "pending", 0.002))
		b.setApproval("ap-1", "pending")
	})
	h.load(t)

	first := h.screen.HTML(ResultContainer("t1"))
	poll := h.app.approvalPoll("t1")
	require.True(t, poll.Active())

	h.app.Resolve(context.Background(), "t1")
	require.Equal(t, first, h.screen.HTML(ResultContainer("t1")))
	require.Same(t, poll, h.app.approvalPoll("t1"))
}

func TestPaymentWithoutApprovalSubmitsSignedAuthorization(t *testing.T) {
	h := newHarness(t, Config{}, func(b *fakeBackend) {
		b.setTasks(newTask("t1", "completed"))
		b.setResult("t1", paymentResult("t1", 0.0015))
	})
	h.load(t)

	p := h.panel(t, "t1")
	require.Equal(t, PanelPayment, p.Kind)
	require.False(t, p.Approved)
	require.Contains(t, h.screen.HTML(ResultContainer("t1")), "Pay $0.0015 USDC to unlock")

	h.backend.setResult("t1", contentResult("t1", "Verified."))
	require.NoError(t, h.app.Dispatch(context.Background(), Event{Action: "pay", Data: map[string]string{"task": "t1"}}))

	sent := h.backend.payments()
	require.Len(t, sent, 1)
	authz := sent[0]
	require.Equal(t, "t1", authz.TaskID)
	require.Equal(t, h.wallet.Address(), authz.FromAddress)
	require.Equal(t, int64(1500), authz.AmountUSDC)
	require.NotZero(t, authz.Signature.V)
	require.NotEmpty(t, authz.Signature.R)
	require.NotEmpty(t, authz.Signature.S)

	req := requirements("t1", 0.0015)
	msg := payment.Message{
		From:        authz.FromAddress,
		To:          req.Message.To,
		Value:       authz.AmountUSDC,
		ValidAfter:  authz.ValidAfter,
		ValidBefore: authz.ValidBefore,
		Nonce:       authz.Nonce,
	}
	r, s, err := authz.Signature.Components()
	require.NoError(t, err)
	signer, err := payment.Recover(payment.TypedData(req.Domain, msg), authz.Signature.V, r, s)
	require.NoError(t, err)
	require.Equal(t, common.HexToAddress(h.wallet.Address()), signer)

	chain, err := h.wallet.ChainID(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(84532), chain)

	p = h.panel(t, "t1")
	require.Equal(t, PanelContent, p.Kind)
	require.True(t, p.Paid)
	require.Equal(t, "0xabcdef0123456789", p.TxHash)
	require.Contains(t, h.screen.HTML(ResultContainer("t1")), "Payment confirmed")
}

func TestPaymentFailureRestoresButton(t *testing.T) {
	h := newHarness(t, Config{}, func(b *fakeBackend) {
		b.setTasks(newTask("t1", "completed"))
		b.setResult("t1", paymentResult("t1", 0.0015))
	})
	h.load(t)
	h.wallet.RejectSignatures(true)

	err := h.app.Pay(context.Background(), "t1")
	require.Error(t, err)
	require.Empty(t, h.backend.payments())

	p := h.panel(t, "t1")
	require.Equal(t, PanelPayment, p.Kind)
	require.False(t, p.Busy)
	require.Equal(t, paymentFailedNotice, h.app.Snapshot().Notice)
	require.Contains(t, h.screen.HTML(ResultContainer("t1")), "Pay $0.0015 USDC to unlock")

	h.wallet.RejectSignatures(false)
	h.backend.authorizeOK = false
	require.Error(t, h.app.Pay(context.Background(), "t1"))
	require.False(t, h.panel(t, "t1").Busy)
}

func TestPaymentWithoutAmountAlertsBeforeNetwork(t *testing.T) {
	h := newHarness(t, Config{}, func(b *fakeBackend) {
		b.setTasks(newTask("t1", "completed"))
		res := paymentResult("t1", 0.0015)
		res.Payment.Amount = 0
		res.Payment.Message.Value = 0
		b.setResult("t1", res)
	})
	h.load(t)

	err := h.app.Pay(context.Background(), "t1")
	require.ErrorIs(t, err, errNoAmount)
	require.Len(t, h.screen.Alerts(), 1)
	require.Empty(t, h.backend.payments())

	chain, err := h.wallet.ChainID(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(1), chain)
}

func TestDemoPaymentSkipsWallet(t *testing.T) {
	h := newHarness(t, Config{Demo: true}, func(b *fakeBackend) {
		b.user.Demo = true
		b.setTasks(newTask("t1", "completed"))
		b.setResult("t1", paymentResult("t1", 0.001))
	})
	h.load(t)
	require.Contains(t, h.screen.HTML(ContainerHeader), "Demo mode")

	h.backend.setResult("t1", contentResult("t1", "Demo result"))
	require.NoError(t, h.app.Pay(context.Background(), "t1"))

	require.Equal(t, []string{"t1"}, h.backend.demoPayments)
	require.Empty(t, h.backend.payments())
	chain, err := h.wallet.ChainID(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(1), chain)
	require.Equal(t, PanelContent, h.panel(t, "t1").Kind)
}

func TestApprovalPendingThenApprovedShowsPaymentPrompt(t *testing.T) {
	h := newHarness(t, Config{}, func(b *fakeBackend) {
		b.setTasks(newTask("t1", "completed"))
		b.setResult("t1", approvalResult("X", "pending", 0.002))
		b.setApproval("X", "pending")
	})
	h.load(t)

	p := h.panel(t, "t1")
	require.Equal(t, PanelAwaitingApproval, p.Kind)
	require.Equal(t, "X", p.ApprovalID)
	require.Contains(t, h.screen.HTML(ResultContainer("t1")), "Waiting for approval of $0.0020 USDC")
	require.Eventually(t, func() bool { return h.backend.approvalPolls("X") > 0 }, time.Second, time.Millisecond)

	approved := paymentResult("t1", 0.002)
	approved.ApprovalConfirmed = true
	h.backend.setResult("t1", approved)
	h.backend.setApproval("X", "approved")

	p = h.waitPanel(t, "t1", PanelPayment)
	require.True(t, p.Approved)
	require.Empty(t, p.Content)
	require.Contains(t, h.screen.HTML(ResultContainer("t1")), "Payment approved.")
	require.Eventually(t, func() bool { return !h.app.ApprovalPollActive("t1") }, time.Second, time.Millisecond)
}

func TestApprovalDeniedStopsPolling(t *testing.T) {
	h := newHarness(t, Config{}, func(b *fakeBackend) {
		b.setTasks(newTask("t1", "completed"))
		b.setResult("t1", approvalResult("X", "pending", 0.002))
		b.setApproval("X", "pending")
	})
	h.load(t)
	h.backend.setApproval("X", "denied")

	h.waitPanel(t, "t1", PanelDenied)
	require.Eventually(t, func() bool { return !h.app.ApprovalPollActive("t1") }, time.Second, time.Millisecond)
	polls := h.backend.approvalPolls("X")

	// The server may still answer pending from a stale read; the settled
	// request must not go back to the waiting panel.
	h.app.Resolve(context.Background(), "t1")
	require.Equal(t, PanelDenied, h.panel(t, "t1").Kind)
	time.Sleep(30 * time.Millisecond)
	require.Equal(t, polls, h.backend.approvalPolls("X"))
	require.False(t, h.app.ApprovalPollActive("t1"))
	require.Contains(t, h.screen.HTML(ResultContainer("t1")), "Payment approval was denied")
}

func TestForbiddenResultRendersDenied(t *testing.T) {
	h := newHarness(t, Config{}, func(b *fakeBackend) {
		t1 := newTask("t1", "completed")
		t1.ApprovalRequestID = "Y"
		b.setTasks(t1)
		b.setResult("t1", &agentbounty.Result{
			StatusCode:     http.StatusForbidden,
			Error:          "Payment Approval Denied",
			ApprovalStatus: "expired",
			Message:        "Payment approval was expired",
		})
	})
	h.load(t)

	p := h.panel(t, "t1")
	require.Equal(t, PanelDenied, p.Kind)
	require.Equal(t, "Y", p.ApprovalID)
	require.Zero(t, h.backend.approvalPolls("Y"))
}

func TestApprovalPollExhaustionShowsRetry(t *testing.T) {
	h := newHarness(t, Config{ApprovalPollAttempts: 3}, func(b *fakeBackend) {
		b.setTasks(newTask("t1", "completed"))
		b.setResult("t1", approvalResult("X", "pending", 0.002))
		b.setApproval("X", "pending")
	})
	h.load(t)

	h.waitPanel(t, "t1", PanelApprovalTimedOut)
	require.Equal(t, 3, h.backend.approvalPolls("X"))
	require.Contains(t, h.screen.HTML(ResultContainer("t1")), `data-action="retry-approval"`)
	require.Eventually(t, func() bool { return !h.app.ApprovalPollActive("t1") }, time.Second, time.Millisecond)

	approved := paymentResult("t1", 0.002)
	approved.ApprovalConfirmed = true
	h.backend.setResult("t1", approved)
	h.backend.setApproval("X", "approved")

	require.NoError(t, h.app.Dispatch(context.Background(), Event{Action: "retry-approval", Data: map[string]string{"task": "t1"}}))
	h.waitPanel(t, "t1", PanelPayment)
}

func TestApprovalPollStopsOnRequestFailure(t *testing.T) {
	h := newHarness(t, Config{}, func(b *fakeBackend) {
		b.setTasks(newTask("t1", "completed"))
		b.setResult("t1", approvalResult("X", "pending", 0.002))
		b.approvalErr = &agentbounty.APIError{StatusCode: http.StatusInternalServerError, Message: "boom"}
	})
	h.load(t)

	require.Eventually(t, func() bool { return !h.app.ApprovalPollActive("t1") }, time.Second, time.Millisecond)
	require.Equal(t, 1, h.backend.approvalPolls("X"))
	require.Equal(t, PanelAwaitingApproval, h.panel(t, "t1").Kind)
}

func TestRefreshFailureKeepsPollRunning(t *testing.T) {
	h := newHarness(t, Config{TaskPollInterval: time.Hour}, func(b *fakeBackend) {
		b.setTasks(newTask("t1", "running"))
	})
	h.load(t)
	require.True(t, h.app.TaskPollActive())

	h.backend.mu.Lock()
	h.backend.listErr = &agentbounty.APIError{StatusCode: http.StatusBadGateway, Message: "bad gateway"}
	h.backend.tasks = nil
	h.backend.mu.Unlock()

	h.app.Refresh(context.Background())
	require.True(t, h.app.TaskPollActive())
	require.Len(t, h.app.Snapshot().Tasks, 1)
}

func TestConnectWalletAddsChainAndBindsAccount(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	h.load(t)

	require.NoError(t, h.app.Dispatch(context.Background(), Event{Action: "connect-wallet"}))
	require.Equal(t, []string{h.wallet.Address()}, h.backend.connected)
	require.Equal(t, h.wallet.Address(), h.app.Snapshot().Wallet)

	chain, err := h.wallet.ChainID(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(84532), chain)
}

func TestConnectWalletUnlocksHeldResults(t *testing.T) {
	h := newHarness(t, Config{TaskPollInterval: time.Hour}, func(b *fakeBackend) {
		b.setTasks(newTask("t1", "completed"))
		b.failResult("t1", &agentbounty.APIError{
			StatusCode: http.StatusBadRequest,
			Code:       "WALLET_REQUIRED",
			Message:    "Please connect your wallet to pay for this result",
		})
	})
	h.load(t)

	p := h.panel(t, "t1")
	require.Equal(t, PanelNotReady, p.Kind)
	require.Contains(t, p.Message, "connect your wallet")

	h.backend.failResult("t1", nil)
	h.backend.setResult("t1", paymentResult("t1", 0.001))
	require.NoError(t, h.app.Dispatch(context.Background(), Event{Action: "connect-wallet"}))

	p = h.panel(t, "t1")
	require.Equal(t, PanelPayment, p.Kind)
	require.NotNil(t, p.Payment)
	require.Contains(t, h.screen.HTML(ResultContainer("t1")), `data-action="pay"`)
}

func TestExitDemoReloadsAnonymous(t *testing.T) {
	h := newHarness(t, Config{Demo: true}, func(b *fakeBackend) { b.user.Demo = true })
	h.load(t)
	require.True(t, h.app.Snapshot().Demo)

	require.NoError(t, h.app.Dispatch(context.Background(), Event{Action: "exit-demo"}))
	s := h.app.Snapshot()
	require.True(t, h.backend.exitedDemo)
	require.False(t, s.Demo)
	require.False(t, s.Authenticated)
}

func TestSwitchTabFiltersTasks(t *testing.T) {
	h := newHarness(t, Config{TaskPollInterval: time.Hour}, func(b *fakeBackend) {
		b.setTasks(newTask("a", "pending"), newTask("b", "completed"))
		b.setResult("b", contentResult("b", "done"))
	})
	h.load(t)

	require.NoError(t, h.app.Dispatch(context.Background(), Event{Action: "switch-tab", Data: map[string]string{"tab": "completed"}}))
	html := h.screen.HTML(ContainerTasks)
	require.Contains(t, html, `data-task="b"`)
	require.NotContains(t, html, `data-task="a"`)

	require.Error(t, h.app.Dispatch(context.Background(), Event{Action: "launch-rockets"}))
	require.Contains(t, Actions(), "pay")
}
