package ui

import (
	"context"
	"log/slog"
	"net/http"

	"AgentBounty/sdk/go/agentbounty"
)

const (
	approvalPending  = "pending"
	approvalApproved = "approved"
	approvalDenied   = "denied"
	approvalExpired  = "expired"
)

func terminalApproval(status string) bool {
	return status == approvalDenied || status == approvalExpired
}

// needsResolution reports whether a completed task has no settled panel.
// Payment and approval panels stay until the user or the approval poll
// moves them on.
func (a *App) needsResolution(taskID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	p := a.state.Panels[taskID]
	return p == nil || p.Kind == PanelNotReady
}

// Resolve fetches the result of a completed task and renders the panel
// that matches the answer. Calling it again for a resolved task renders
// the same panel and starts no second approval poll.
func (a *App) Resolve(ctx context.Context, taskID string) {
	res, err := a.backend.Result(ctx, taskID)
	if err != nil {
		a.log.Warn("result fetch failed", slog.String("task_id", taskID), slog.Any("error", err))
		a.setPanel(&Panel{Kind: PanelNotReady, TaskID: taskID, Message: errorMessage(err)})
		return
	}

	panel, approvalID := a.classify(taskID, res)
	if prev := a.panel(taskID); prev != nil && prev.Paid && panel.Kind == PanelContent {
		panel.Paid, panel.TxHash = true, prev.TxHash
	}
	a.setPanel(panel)

	if panel.Kind == PanelAwaitingApproval && approvalID != "" {
		a.pollApproval(taskID, approvalID)
	}
}

// classify maps a result answer onto a panel. The checks run in order:
// denied, approval pending, approval granted, payment required, failed,
// content, anything else.
func (a *App) classify(taskID string, res *agentbounty.Result) (*Panel, string) {
	preview := ""
	if res.Preview != nil {
		preview = *res.Preview
	}
	approvalID := res.ApprovalRequestID
	if approvalID == "" {
		approvalID = a.knownApproval(taskID)
	}

	settled := a.settledStatus(approvalID)
	switch {
	case res.StatusCode == http.StatusForbidden || terminalApproval(res.ApprovalStatus):
		status := res.ApprovalStatus
		if status == "" {
			status = approvalDenied
		}
		a.settle(approvalID, status)
		return deniedPanel(taskID, approvalID, status), approvalID

	case settled != "":
		return deniedPanel(taskID, approvalID, settled), approvalID

	case res.StatusCode == http.StatusPaymentRequired && res.RequiresApproval &&
		(res.ApprovalStatus == "" || res.ApprovalStatus == approvalPending):
		return &Panel{
			Kind:           PanelAwaitingApproval,
			TaskID:         taskID,
			Message:        res.Message,
			Preview:        preview,
			Amount:         res.Amount,
			ApprovalID:     approvalID,
			ApprovalStatus: approvalPending,
		}, approvalID

	case res.StatusCode == http.StatusPaymentRequired && res.Payment != nil:
		approved := res.ApprovalConfirmed || res.ApprovalStatus == approvalApproved
		return &Panel{
			Kind:       PanelPayment,
			TaskID:     taskID,
			Message:    res.Message,
			Preview:    preview,
			Amount:     res.Payment.Amount,
			Payment:    res.Payment,
			ApprovalID: approvalID,
			Approved:   approved,
		}, approvalID

	case res.StatusCode == http.StatusOK && res.Status == "failed":
		msg := res.Error
		if msg == "" {
			msg = res.Message
		}
		return &Panel{Kind: PanelFailed, TaskID: taskID, Message: msg}, ""

	case res.Unlocked() && res.Content != "":
		return &Panel{Kind: PanelContent, TaskID: taskID, Content: res.Content, Amount: res.ActualCost}, ""
	}
	return &Panel{Kind: PanelNotReady, TaskID: taskID, Message: res.Message}, ""
}

// pollApproval polls an approval request until it is decided. One poll
// runs per task.
func (a *App) pollApproval(taskID, approvalID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.approvals[taskID].Active() || a.settled[approvalID] != "" {
		return
	}

	var decided string
	tick := func(ctx context.Context) (bool, error) {
		st, err := a.backend.ApprovalStatus(ctx, approvalID)
		if err != nil {
			return true, err
		}
		switch st.Status {
		case approvalApproved:
			decided = st.Status
			return true, nil
		case approvalDenied, approvalExpired:
			decided = st.Status
			return true, nil
		}
		return false, nil
	}

	onEnd := func(result PollResult, err error) {
		switch result {
		case PollStopped:
			if decided == approvalApproved {
				a.Resolve(a.ctx, taskID)
				return
			}
			a.settle(approvalID, decided)
			a.setPanel(deniedPanel(taskID, approvalID, decided))
		case PollExhausted:
			a.updatePanel(taskID, func(p *Panel) {
				p.Kind = PanelApprovalTimedOut
				p.ApprovalID = approvalID
			})
		case PollFailed:
			a.log.Warn("approval poll stopped",
				slog.String("task_id", taskID),
				slog.String("approval_id", approvalID),
				slog.Any("error", err))
		}
	}

	a.approvals[taskID] = StartPoll(a.ctx, PollConfig{
		Interval: a.cfg.ApprovalPollInterval,
		Attempts: a.cfg.ApprovalPollAttempts,
	}, tick, onEnd)
}

// RetryApproval restarts the approval poll of a task whose previous poll
// ran out of attempts.
func (a *App) RetryApproval(taskID string) {
	p := a.panel(taskID)
	if p == nil || p.Kind != PanelApprovalTimedOut || p.ApprovalID == "" {
		return
	}
	a.updatePanel(taskID, func(p *Panel) { p.Kind = PanelAwaitingApproval })
	a.pollApproval(taskID, p.ApprovalID)
}

// ApprovalPollActive reports whether the approval of a task is polled.
func (a *App) ApprovalPollActive(taskID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.approvals[taskID].Active()
}

func (a *App) approvalPoll(taskID string) *Poll {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.approvals[taskID]
}

func (a *App) knownApproval(taskID string) string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if p := a.state.Panels[taskID]; p != nil && p.ApprovalID != "" {
		return p.ApprovalID
	}
	for _, t := range a.state.Tasks {
		if t.ID == taskID {
			return t.ApprovalRequestID
		}
	}
	return ""
}

func deniedPanel(taskID, approvalID, status string) *Panel {
	return &Panel{
		Kind:           PanelDenied,
		TaskID:         taskID,
		Message:        "Payment approval was " + status,
		ApprovalID:     approvalID,
		ApprovalStatus: status,
	}
}

// settle records the final status of an approval request. A settled
// request is never polled or shown as pending again.
func (a *App) settle(approvalID, status string) {
	if approvalID == "" {
		return
	}
	a.mu.Lock()
	a.settled[approvalID] = status
	a.mu.Unlock()
}

func (a *App) settledStatus(approvalID string) string {
	if approvalID == "" {
		return ""
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.settled[approvalID]
}

func (a *App) panel(taskID string) *Panel {
	a.mu.Lock()
	defer a.mu.Unlock()
	if p := a.state.Panels[taskID]; p != nil {
		cp := *p
		return &cp
	}
	return nil
}

func (a *App) setPanel(p *Panel) {
	a.update(func(s *State) { s.Panels[p.TaskID] = p }, ResultContainer(p.TaskID))
}

func (a *App) updatePanel(taskID string, fn func(p *Panel)) {
	a.update(func(s *State) {
		if p := s.Panels[taskID]; p != nil {
			fn(p)
		}
	}, ResultContainer(taskID))
}
