package ui

import (
	"context"
	"fmt"
	"sort"

	"AgentBounty/internal/agent"
)

// Event is a user action: the data-action name of the element that was
// activated, its data-* attributes and the current form values.
type Event struct {
	Action string
	Data   map[string]string
	Form   map[string]string
}

type actionFunc func(ctx context.Context, a *App, ev Event) error

var actions = map[string]actionFunc{
	"open-modal": func(_ context.Context, a *App, ev Event) error {
		a.OpenModal(ev.Data["agent"])
		return nil
	},
	"close-modal": func(_ context.Context, a *App, _ Event) error {
		a.CloseModal()
		return nil
	},
	"set-mode": func(_ context.Context, a *App, ev Event) error {
		a.SetMode(ev.Data["mode"])
		return nil
	},
	"submit-task": func(ctx context.Context, a *App, ev Event) error {
		in, err := a.modalInput(ev.Form)
		if err != nil {
			return err
		}
		return a.SubmitTask(ctx, in)
	},
	"start-task": func(ctx context.Context, a *App, ev Event) error {
		return a.StartTask(ctx, ev.Data["task"])
	},
	"pay": func(ctx context.Context, a *App, ev Event) error {
		return a.Pay(ctx, ev.Data["task"])
	},
	"retry-approval": func(_ context.Context, a *App, ev Event) error {
		a.RetryApproval(ev.Data["task"])
		return nil
	},
	"switch-tab": func(_ context.Context, a *App, ev Event) error {
		a.SwitchTab(Tab(ev.Data["tab"]))
		return nil
	},
	"connect-wallet": func(ctx context.Context, a *App, _ Event) error {
		return a.ConnectWallet(ctx)
	},
	"exit-demo": func(ctx context.Context, a *App, _ Event) error {
		return a.ExitDemo(ctx)
	},
	"refresh": func(ctx context.Context, a *App, _ Event) error {
		a.Refresh(ctx)
		return nil
	},
}

// Actions lists the action names Dispatch understands.
func Actions() []string {
	names := make([]string, 0, len(actions))
	for name := range actions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Dispatch runs the handler of ev.Action.
func (a *App) Dispatch(ctx context.Context, ev Event) error {
	fn, ok := actions[ev.Action]
	if !ok {
		return fmt.Errorf("ui: unknown action %q", ev.Action)
	}
	return fn(ctx, a, ev)
}

// modalInput builds the agent input from the open modal and the form.
func (a *App) modalInput(form map[string]string) (agent.Input, error) {
	a.mu.Lock()
	m := a.state.Modal
	a.mu.Unlock()
	if m == nil {
		return nil, fmt.Errorf("ui: no task form is open")
	}
	switch m.AgentType {
	case agent.TypeFactCheck:
		if m.Mode == "url" {
			return agent.FactCheckURL{URL: form["url"]}, nil
		}
		return agent.FactCheckText{Text: form["text"]}, nil
	case agent.TypeTravelPlanner:
		return agent.TravelRequest{Text: form["text"]}, nil
	}
	return nil, fmt.Errorf("ui: unknown agent type %q", m.AgentType)
}
