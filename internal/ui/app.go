// Package ui is the client of the AgentBounty marketplace. App holds the
// page state, re-renders whole containers on every transition, polls the
// task list while a task runs, resolves completed results through the
// payment and approval states, and pays with a connected wallet.
package ui

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"AgentBounty/internal/agent"
	xerrors "AgentBounty/internal/errors"
	"AgentBounty/internal/payment"
	"AgentBounty/pkg/logger"
	"AgentBounty/sdk/go/agentbounty"
)

// Backend is the REST surface the client consumes.
type Backend interface {
	Me(ctx context.Context) (*agentbounty.User, error)
	Agents(ctx context.Context) (map[string]agentbounty.Agent, error)
	ListTasks(ctx context.Context, limit, offset int) (*agentbounty.TaskList, error)
	CreateTask(ctx context.Context, agentType string, input any) (*agentbounty.Task, error)
	StartTask(ctx context.Context, id string) (*agentbounty.Task, error)
	Result(ctx context.Context, id string) (*agentbounty.Result, error)
	ApprovalStatus(ctx context.Context, id string) (*agentbounty.Approval, error)
	Authorize(ctx context.Context, req payment.AuthorizeRequest) (*agentbounty.AuthorizeResponse, error)
	AuthorizeDemo(ctx context.Context, taskID string) (*agentbounty.AuthorizeResponse, error)
	Network(ctx context.Context) (*payment.NetworkInfo, error)
	WalletInfo(ctx context.Context) (*agentbounty.WalletInfo, error)
	ConnectWallet(ctx context.Context, address, message, signature string) error
	ExitDemo(ctx context.Context) error
}

// Config tunes the client.
type Config struct {
	TaskPollInterval     time.Duration
	ApprovalPollInterval time.Duration
	ApprovalPollAttempts int
	// Demo selects the demo path for wallet and payment actions.
	Demo bool
}

func (c *Config) applyDefaults() {
	if c.TaskPollInterval <= 0 {
		c.TaskPollInterval = 3 * time.Second
	}
	if c.ApprovalPollInterval <= 0 {
		c.ApprovalPollInterval = 5 * time.Second
	}
	if c.ApprovalPollAttempts <= 0 {
		c.ApprovalPollAttempts = 60
	}
}

// Message shown when any step of a payment fails.
const paymentFailedNotice = "Payment failed. Please try again."

// App is the client state machine.
type App struct {
	cfg     Config
	backend Backend
	wallet  Wallet
	screen  Screen
	ctx     context.Context
	log     *slog.Logger

	mu        sync.Mutex
	state     *State
	taskPoll  *Poll
	approvals map[string]*Poll
	// settled maps approval ids observed denied or expired to that status.
	settled map[string]string
}

// New builds an App. wallet may be nil in demo mode. ctx bounds every
// background poll.
func New(ctx context.Context, cfg Config, backend Backend, wallet Wallet, screen Screen) *App {
	cfg.applyDefaults()
	return &App{
		cfg:       cfg,
		backend:   backend,
		wallet:    wallet,
		screen:    screen,
		ctx:       ctx,
		log:       logger.Named("ui"),
		state:     &State{Demo: cfg.Demo, Tab: TabAll, Panels: map[string]*Panel{}},
		approvals: map[string]*Poll{},
		settled:   map[string]string{},
	}
}

// Snapshot returns a copy of the state.
func (a *App) Snapshot() *State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state.clone()
}

// update applies fn to the state and re-renders the containers it names.
func (a *App) update(fn func(s *State), containers ...Container) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if fn != nil {
		fn(a.state)
	}
	a.renderLocked(containers...)
}

func (a *App) renderLocked(containers ...Container) {
	s := a.state
	for _, c := range containers {
		var html string
		switch c {
		case ContainerHeader:
			html = RenderHeader(s)
		case ContainerAgents:
			html = RenderAgents(s)
		case ContainerTasks:
			html = RenderTasks(s)
		case ContainerModal:
			html = RenderModal(s)
		case ContainerNotice:
			html = RenderNotice(s)
		default:
			id, ok := c.TaskOf()
			if !ok {
				continue
			}
			p := s.Panels[id]
			if p == nil {
				continue
			}
			html = RenderResult(p)
		}
		a.screen.Replace(c, html)
	}
}

func (a *App) notify(message string) {
	a.update(func(s *State) { s.Notice = message }, ContainerNotice)
}

// Load checks the session, loads the agent catalogue and the wallet, and
// runs the first task list refresh.
func (a *App) Load(ctx context.Context) error {
	user, err := a.backend.Me(ctx)
	if err != nil && !isStatus(err, http.StatusUnauthorized) {
		return fmt.Errorf("session check: %w", err)
	}
	agents, err := a.backend.Agents(ctx)
	if err != nil {
		return fmt.Errorf("load agents: %w", err)
	}

	var walletAddr string
	if user != nil {
		if info, err := a.backend.WalletInfo(ctx); err != nil {
			a.log.Warn("wallet lookup failed", slog.Any("error", err))
		} else if info.Connected {
			walletAddr = info.Address
		}
	}

	a.update(func(s *State) {
		s.User = user
		s.Authenticated = user != nil
		s.Demo = a.cfg.Demo || (user != nil && user.Demo)
		s.Agents = agents
		s.Wallet = walletAddr
	}, ContainerHeader, ContainerAgents, ContainerModal, ContainerNotice)

	if user == nil {
		a.update(nil, ContainerTasks)
		return nil
	}
	a.Refresh(ctx)
	return nil
}

// Refresh is one tick of the task poll: fetch the list, start or stop the
// poll by whether a task runs, and resolve every completed task. A failed
// fetch leaves the poll as it was.
func (a *App) Refresh(ctx context.Context) {
	list, err := a.backend.ListTasks(ctx, 50, 0)
	if err != nil {
		a.log.Warn("task list refresh failed", slog.Any("error", err))
		return
	}

	var completed []string
	a.update(func(s *State) {
		s.Tasks = list.Tasks
		for _, t := range list.Tasks {
			if t.Status == "completed" || t.Status == "failed" {
				completed = append(completed, t.ID)
			}
		}
	}, ContainerAgents, ContainerTasks)

	for _, id := range completed {
		if a.needsResolution(id) {
			a.Resolve(ctx, id)
		} else {
			a.update(nil, ResultContainer(id))
		}
	}

	// Stopping the poll cancels the tick context, so it happens only after
	// every completed task has been resolved.
	if a.Snapshot().AnyRunning() {
		a.ensureTaskPoll()
	} else {
		a.stopTaskPoll()
	}
}

func (a *App) ensureTaskPoll() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.taskPoll.Active() {
		return
	}
	a.taskPoll = StartPoll(a.ctx, PollConfig{Interval: a.cfg.TaskPollInterval},
		func(context.Context) (bool, error) {
			a.Refresh(a.ctx)
			return false, nil
		}, nil)
}

func (a *App) stopTaskPoll() {
	a.mu.Lock()
	p := a.taskPoll
	a.taskPoll = nil
	a.mu.Unlock()
	p.Cancel()
}

// TaskPollActive reports whether the task list is being polled.
func (a *App) TaskPollActive() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.taskPoll.Active()
}

// Close cancels every poll.
func (a *App) Close() {
	a.stopTaskPoll()
	a.mu.Lock()
	polls := a.approvals
	a.approvals = map[string]*Poll{}
	a.mu.Unlock()
	for _, p := range polls {
		p.Cancel()
	}
}

func (a *App) OpenModal(agentType string) {
	a.update(func(s *State) {
		if !s.CanCreate() {
			return
		}
		if _, ok := s.Agents[agentType]; !ok {
			return
		}
		s.Modal = &Modal{AgentType: agentType, Mode: "text"}
	}, ContainerModal)
}

func (a *App) CloseModal() {
	a.update(func(s *State) { s.Modal = nil }, ContainerModal)
}

// SetMode switches the fact-check input between text and URL.
func (a *App) SetMode(mode string) {
	a.update(func(s *State) {
		if s.Modal != nil && (mode == "text" || mode == "url") {
			s.Modal.Mode = mode
			s.Modal.Error = ""
		}
	}, ContainerModal)
}

func (a *App) SwitchTab(tab Tab) {
	a.update(func(s *State) {
		switch tab {
		case TabAll, TabActive, TabCompleted:
			s.Tab = tab
		}
	}, ContainerTasks)
}

// SubmitTask validates in, creates the task and starts it. Server
// rejections such as the active task limit are shown verbatim.
func (a *App) SubmitTask(ctx context.Context, in agent.Input) error {
	if err := in.Validate(); err != nil {
		msg := xerrors.MessageOf(err)
		a.update(func(s *State) {
			if s.Modal != nil {
				s.Modal.Error = msg
			}
		}, ContainerModal)
		return err
	}

	a.update(func(s *State) {
		if s.Modal != nil {
			s.Modal.Submitting = true
			s.Modal.Error = ""
		}
	}, ContainerModal)

	t, err := a.backend.CreateTask(ctx, in.AgentType(), in)
	if err == nil {
		_, err = a.backend.StartTask(ctx, t.ID)
	}
	if err != nil {
		msg := errorMessage(err)
		a.update(func(s *State) {
			s.Notice = msg
			if s.Modal != nil {
				s.Modal.Submitting = false
				s.Modal.Error = msg
			}
		}, ContainerModal, ContainerNotice)
		return err
	}

	a.update(func(s *State) {
		s.Modal = nil
		s.Notice = ""
	}, ContainerModal, ContainerNotice)
	a.Refresh(ctx)
	return nil
}

// StartTask starts a pending task from the list.
func (a *App) StartTask(ctx context.Context, id string) error {
	if _, err := a.backend.StartTask(ctx, id); err != nil {
		a.notify(errorMessage(err))
		return err
	}
	a.Refresh(ctx)
	return nil
}

// ConnectWallet binds the injected wallet to the account. Demo sessions
// already carry a wallet.
func (a *App) ConnectWallet(ctx context.Context) error {
	if a.Snapshot().Demo {
		return nil
	}
	if a.wallet == nil {
		a.notify("No wallet available.")
		return errors.New("ui: no wallet")
	}
	err := a.connectWallet(ctx)
	if err != nil {
		a.log.Warn("wallet connection failed", slog.Any("error", err))
		a.notify("Wallet connection failed. Please try again.")
	}
	return err
}

func (a *App) connectWallet(ctx context.Context) error {
	network, err := a.backend.Network(ctx)
	if err != nil {
		return err
	}
	if err := EnsureNetwork(ctx, a.wallet, *network); err != nil {
		return err
	}
	accounts, err := a.wallet.RequestAccounts(ctx)
	if err != nil {
		return err
	}
	if len(accounts) == 0 {
		return errors.New("ui: wallet returned no account")
	}
	address := accounts[0]
	message := agentbounty.OwnershipMessage(address, time.Now())
	sig, err := a.wallet.PersonalSign(ctx, address, message)
	if err != nil {
		return err
	}
	if err := a.backend.ConnectWallet(ctx, address, message, encodeHex(sig)); err != nil {
		return err
	}
	a.update(func(s *State) {
		s.Wallet = address
		s.Notice = ""
	}, ContainerHeader, ContainerNotice)

	// Results that were held back for a missing wallet can unlock now.
	for _, t := range a.Snapshot().Tasks {
		if t.Status == "completed" && a.needsResolution(t.ID) {
			a.Resolve(ctx, t.ID)
		}
	}
	return nil
}

// ExitDemo leaves demo mode and reloads as an anonymous visitor.
func (a *App) ExitDemo(ctx context.Context) error {
	if err := a.backend.ExitDemo(ctx); err != nil {
		a.notify(errorMessage(err))
		return err
	}
	a.Close()
	a.mu.Lock()
	a.cfg.Demo = false
	a.state = &State{Tab: TabAll, Panels: map[string]*Panel{}}
	a.settled = map[string]string{}
	a.mu.Unlock()
	return a.Load(ctx)
}

func isStatus(err error, status int) bool {
	var apiErr *agentbounty.APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == status
}

// errorMessage prefers the server's message over the transport error.
func errorMessage(err error) string {
	var apiErr *agentbounty.APIError
	if errors.As(err, &apiErr) && apiErr.Message != "" {
		return apiErr.Message
	}
	return err.Error()
}
