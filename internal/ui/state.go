package ui

import (
	"AgentBounty/internal/payment"
	"AgentBounty/sdk/go/agentbounty"
)

// Task limits mirrored from the server for the banner and card states.
const (
	WarnActiveTasks = 2
	MaxActiveTasks  = 3
)

// Tab filters the task list.
type Tab string

const (
	TabAll       Tab = "all"
	TabActive    Tab = "active"
	TabCompleted Tab = "completed"
)

// PanelKind is the state of a task's result panel.
type PanelKind string

const (
	PanelNotReady         PanelKind = "not_ready"
	PanelFailed           PanelKind = "failed"
	PanelContent          PanelKind = "content"
	PanelPayment          PanelKind = "payment"
	PanelAwaitingApproval PanelKind = "awaiting_approval"
	PanelApprovalTimedOut PanelKind = "approval_timed_out"
	PanelDenied           PanelKind = "denied"
)

// Final reports whether the panel no longer changes on its own.
func (k PanelKind) Final() bool {
	return k == PanelContent || k == PanelDenied || k == PanelFailed
}

// Panel is what the result area of one task shows.
type Panel struct {
	Kind    PanelKind
	TaskID  string
	Message string
	Preview string
	Content string
	Amount  float64

	Payment        *payment.Requirements
	ApprovalID     string
	ApprovalStatus string
	// Approved marks a payment prompt reached through a granted approval.
	Approved bool
	// Busy disables the pay action while a payment is in flight.
	Busy   bool
	Paid   bool
	TxHash string
}

// Modal is the task creation dialog.
type Modal struct {
	AgentType  string
	Mode       string
	Error      string
	Submitting bool
}

// State is the whole client state. It is only changed by App transitions.
type State struct {
	User          *agentbounty.User
	Authenticated bool
	Demo          bool
	Wallet        string
	Agents        map[string]agentbounty.Agent
	Tasks         []*agentbounty.Task
	Tab           Tab
	Modal         *Modal
	Notice        string
	Panels        map[string]*Panel
}

// ActiveTasks counts pending and running tasks.
func (s *State) ActiveTasks() int {
	n := 0
	for _, t := range s.Tasks {
		if t.Status == "pending" || t.Status == "running" {
			n++
		}
	}
	return n
}

// AnyRunning reports whether a task is executing.
func (s *State) AnyRunning() bool {
	for _, t := range s.Tasks {
		if t.Status == "running" {
			return true
		}
	}
	return false
}

// CanCreate reports whether agent cards accept clicks.
func (s *State) CanCreate() bool {
	return s.Authenticated && !s.AnyRunning() && s.ActiveTasks() < MaxActiveTasks
}

// VisibleTasks applies the selected tab.
func (s *State) VisibleTasks() []*agentbounty.Task {
	out := make([]*agentbounty.Task, 0, len(s.Tasks))
	for _, t := range s.Tasks {
		switch s.Tab {
		case TabActive:
			if t.Status != "pending" && t.Status != "running" {
				continue
			}
		case TabCompleted:
			if !t.Finished() {
				continue
			}
		}
		out = append(out, t)
	}
	return out
}

func (s *State) clone() *State {
	c := *s
	c.Tasks = make([]*agentbounty.Task, len(s.Tasks))
	for i, t := range s.Tasks {
		cp := *t
		c.Tasks[i] = &cp
	}
	c.Agents = make(map[string]agentbounty.Agent, len(s.Agents))
	for k, v := range s.Agents {
		c.Agents[k] = v
	}
	c.Panels = make(map[string]*Panel, len(s.Panels))
	for k, p := range s.Panels {
		cp := *p
		c.Panels[k] = &cp
	}
	if s.Modal != nil {
		m := *s.Modal
		c.Modal = &m
	}
	if s.User != nil {
		u := *s.User
		c.User = &u
	}
	return &c
}
