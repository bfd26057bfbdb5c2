package ui

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"sync"
	"time"

	"AgentBounty/internal/payment"
	"AgentBounty/sdk/go/agentbounty"
)

type fakeBackend struct {
	mu sync.Mutex

	user      *agentbounty.User
	agents    map[string]agentbounty.Agent
	tasks     []*agentbounty.Task
	results   map[string]*agentbounty.Result
	resultErr map[string]error
	approvals map[string]string
	network   payment.NetworkInfo
	wallet    *agentbounty.WalletInfo

	createErr   error
	listErr     error
	approvalErr error
	authorizeOK bool

	created        []string
	started        []string
	resultCalls    map[string]int
	approvalCalls  map[string]int
	authorizations []payment.AuthorizeRequest
	demoPayments   []string
	connected      []string
	exitedDemo     bool
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		user: &agentbounty.User{Sub: "u-1", Email: "alice@example.com", Name: "Alice"},
		agents: map[string]agentbounty.Agent{
			"factcheck":         {Name: "Fact Checker", Description: "Verifies claims", BaseCost: 0.001},
			"ai-travel-planner": {Name: "Travel Planner", Description: "Plans trips", BaseCost: 0.002},
		},
		results:   map[string]*agentbounty.Result{},
		resultErr: map[string]error{},
		approvals: map[string]string{},
		network: payment.NetworkInfo{
			ChainID:     84532,
			ChainIDHex:  "0x14a34",
			ChainName:   "Base Sepolia",
			Network:     "base-sepolia",
			RPCURL:      "https://sepolia.base.org",
			USDCAddress: "0x036CbD53842c5426634e7929541eC2318f3dCF7e",
		},
		wallet:        &agentbounty.WalletInfo{},
		authorizeOK:   true,
		resultCalls:   map[string]int{},
		approvalCalls: map[string]int{},
	}
}

func (f *fakeBackend) setTasks(tasks ...*agentbounty.Task) {
	f.mu.Lock()
	f.tasks = tasks
	f.mu.Unlock()
}

func (f *fakeBackend) setResult(id string, res *agentbounty.Result) {
	f.mu.Lock()
	f.results[id] = res
	f.mu.Unlock()
}

func (f *fakeBackend) failResult(id string, err error) {
	f.mu.Lock()
	if err == nil {
		delete(f.resultErr, id)
	} else {
		f.resultErr[id] = err
	}
	f.mu.Unlock()
}

func (f *fakeBackend) setApproval(id, status string) {
	f.mu.Lock()
	f.approvals[id] = status
	f.mu.Unlock()
}

func (f *fakeBackend) approvalPolls(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.approvalCalls[id]
}

func (f *fakeBackend) payments() []payment.AuthorizeRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]payment.AuthorizeRequest(nil), f.authorizations...)
}

func (f *fakeBackend) Me(ctx context.Context) (*agentbounty.User, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.user == nil {
		return nil, &agentbounty.APIError{StatusCode: http.StatusUnauthorized, Code: "UNAUTHENTICATED", Message: "Not authenticated"}
	}
	u := *f.user
	return &u, nil
}

func (f *fakeBackend) Agents(ctx context.Context) (map[string]agentbounty.Agent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return f.agents, nil
}

func (f *fakeBackend) ListTasks(ctx context.Context, _, _ int) (*agentbounty.TaskList, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	out := &agentbounty.TaskList{Total: len(f.tasks)}
	for _, t := range f.tasks {
		cp := *t
		out.Tasks = append(out.Tasks, &cp)
	}
	return out, nil
}

func (f *fakeBackend) CreateTask(ctx context.Context, agentType string, _ any) (*agentbounty.Task, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return nil, f.createErr
	}
	t := &agentbounty.Task{
		ID:        fmt.Sprintf("task-%d", len(f.tasks)+1),
		AgentType: agentType,
		Status:    "pending",
		CreatedAt: time.Now(),
	}
	f.tasks = append(f.tasks, t)
	f.created = append(f.created, t.ID)
	cp := *t
	return &cp, nil
}

func (f *fakeBackend) StartTask(ctx context.Context, id string) (*agentbounty.Task, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, t := range f.tasks {
		if t.ID == id {
			t.Status = "running"
			f.started = append(f.started, id)
			cp := *t
			return &cp, nil
		}
	}
	return nil, &agentbounty.APIError{StatusCode: http.StatusNotFound, Code: "TASK_NOT_FOUND", Message: "Task not found"}
}

func (f *fakeBackend) Result(ctx context.Context, id string) (*agentbounty.Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resultCalls[id]++
	if err := f.resultErr[id]; err != nil {
		return nil, err
	}
	res, ok := f.results[id]
	if !ok {
		return &agentbounty.Result{StatusCode: http.StatusOK, Status: "running", Message: "Task is running, result not available yet"}, nil
	}
	cp := *res
	return &cp, nil
}

func (f *fakeBackend) ApprovalStatus(ctx context.Context, id string) (*agentbounty.Approval, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.approvalCalls[id]++
	if f.approvalErr != nil {
		return nil, f.approvalErr
	}
	status, ok := f.approvals[id]
	if !ok {
		return nil, &agentbounty.APIError{StatusCode: http.StatusNotFound, Message: "CIBA request not found"}
	}
	return &agentbounty.Approval{ID: id, Status: status}, nil
}

func (f *fakeBackend) Authorize(ctx context.Context, req payment.AuthorizeRequest) (*agentbounty.AuthorizeResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.authorizations = append(f.authorizations, req)
	if !f.authorizeOK {
		return &agentbounty.AuthorizeResponse{Success: false, Error: "invalid signature", TaskID: req.TaskID}, nil
	}
	return &agentbounty.AuthorizeResponse{Success: true, TxHash: "0xabcdef0123456789", TaskID: req.TaskID}, nil
}

func (f *fakeBackend) AuthorizeDemo(ctx context.Context, taskID string) (*agentbounty.AuthorizeResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.demoPayments = append(f.demoPayments, taskID)
	return &agentbounty.AuthorizeResponse{Success: true, TxHash: "0xdemo", TaskID: taskID}, nil
}

func (f *fakeBackend) Network(ctx context.Context) (*payment.NetworkInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	n := f.network
	return &n, nil
}

func (f *fakeBackend) WalletInfo(ctx context.Context) (*agentbounty.WalletInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	w := *f.wallet
	return &w, nil
}

func (f *fakeBackend) ConnectWallet(ctx context.Context, address, _, _ string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = append(f.connected, address)
	f.wallet = &agentbounty.WalletInfo{Address: address, Connected: true}
	return nil
}

func (f *fakeBackend) ExitDemo(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.exitedDemo = true
	f.user = nil
	return nil
}

func newTask(id, status string) *agentbounty.Task {
	return &agentbounty.Task{ID: id, AgentType: "factcheck", Status: status, EstimatedCost: 0.001}
}

func contentResult(id, content string) *agentbounty.Result {
	return &agentbounty.Result{StatusCode: http.StatusOK, TaskID: id, ResultType: "markdown", Content: content, ActualCost: 0.001}
}

func requirements(id string, amount float64) *payment.Requirements {
	now := time.Now()
	value := int64(math.Round(amount * 1_000_000))
	nonce := payment.NewNonce(id, now)
	return &payment.Requirements{
		PaymentRequired: true,
		Amount:          amount,
		AmountUSDC:      value,
		Currency:        "USDC",
		Chain:           "base-sepolia",
		ChainID:         84532,
		Recipient:       "0x1111111111111111111111111111111111111111",
		Contract:        "0x036CbD53842c5426634e7929541eC2318f3dCF7e",
		ValidAfter:      now.Unix() - 60,
		ValidBefore:     now.Unix() + 3600,
		Nonce:           nonce,
		TaskID:          id,
		Domain: payment.Domain{
			Name:              "USDC",
			Version:           "2",
			ChainID:           84532,
			VerifyingContract: "0x036CbD53842c5426634e7929541eC2318f3dCF7e",
		},
		Message: payment.Message{
			To:          "0x1111111111111111111111111111111111111111",
			Value:       value,
			ValidAfter:  now.Unix() - 60,
			ValidBefore: now.Unix() + 3600,
			Nonce:       nonce,
		},
	}
}

func paymentResult(id string, amount float64) *agentbounty.Result {
	preview := "The sky appears blue because..."
	return &agentbounty.Result{
		StatusCode: http.StatusPaymentRequired,
		Error:      "Payment Required",
		Message:    fmt.Sprintf("Payment of $%.4f USDC required to access result", amount),
		Preview:    &preview,
		Payment:    requirements(id, amount),
	}
}

func approvalResult(approvalID, status string, amount float64) *agentbounty.Result {
	return &agentbounty.Result{
		StatusCode:        http.StatusPaymentRequired,
		Error:             "Awaiting Payment Approval",
		RequiresApproval:  true,
		ApprovalRequestID: approvalID,
		ApprovalStatus:    status,
		Amount:            amount,
		Message:           "Waiting for payment approval via email",
	}
}
