package ui

import (
	"bytes"
	"fmt"
	"html/template"
	"log/slog"
	"sort"

	"github.com/yuin/goldmark"

	"AgentBounty/pkg/logger"
	"AgentBounty/sdk/go/agentbounty"
)

var templates = template.Must(template.New("ui").Funcs(template.FuncMap{
	"usd": func(v float64) string { return fmt.Sprintf("$%.4f", v) },
	"short": func(id string) string {
		if len(id) > 8 {
			return id[:8]
		}
		return id
	},
}).Parse(`
{{define "header"}}<header class="app-header">
<h1>AgentBounty</h1>
{{- if .Demo}}<span class="badge demo">Demo mode</span>{{end}}
{{- if .Authenticated}}
<span class="user">{{.User.Name}}{{if .User.Email}} &lt;{{.User.Email}}&gt;{{end}}</span>
{{- if .Wallet}}<span class="wallet" title="{{.Wallet}}">{{short .Wallet}}…</span>
{{- else}}<button data-action="connect-wallet">Connect wallet</button>{{end}}
{{- if .Demo}}<button data-action="exit-demo">Exit demo</button>{{end}}
{{- else}}
<a class="login" href="/auth/login">Log in</a>
{{- end}}
</header>{{end}}

{{define "agents"}}<section class="agents">
{{- if ge .Active 3}}
<div class="banner limit">You have {{.Active}} active tasks. Wait for one to finish or delete a pending task before creating another.</div>
{{- else if eq .Active 2}}
<div class="banner warning">You have 2 active tasks. One more task can be created.</div>
{{- end}}
{{- range .Cards}}
<div class="agent-card{{if not $.Enabled}} disabled{{end}}"{{if $.Enabled}} data-action="open-modal" data-agent="{{.Type}}"{{end}}>
<h3>{{.Agent.Name}}</h3>
<p>{{.Agent.Description}}</p>
<span class="cost">from {{usd .Agent.BaseCost}} USDC</span>
</div>
{{- end}}
</section>{{end}}

{{define "tasks"}}<section class="tasks">
<nav class="tabs">
{{- range .Tabs}}
<button data-action="switch-tab" data-tab="{{.}}"{{if eq . $.Tab}} class="active"{{end}}>{{.}}</button>
{{- end}}
</nav>
{{- if not .Tasks}}
<p class="empty">No tasks yet.</p>
{{- end}}
{{- range .Tasks}}
<article class="task status-{{.Status}}" data-task="{{.ID}}">
<header><span class="agent">{{.AgentType}}</span> <span class="status">{{.Status}}</span> <span class="cost">{{usd .EstimatedCost}}</span></header>
{{- if .ProgressMessage}}<p class="progress">{{.ProgressMessage}}</p>{{end}}
{{- if eq .Status "pending"}}<button data-action="start-task" data-task="{{.ID}}">Start</button>{{end}}
<div id="result-{{.ID}}" class="result"></div>
</article>
{{- end}}
</section>{{end}}

{{define "modal"}}{{if .}}<div class="modal" role="dialog">
<h2>New {{.AgentType}} task</h2>
{{- if eq .AgentType "factcheck"}}
<div class="modes">
<button data-action="set-mode" data-mode="text"{{if eq .Mode "text"}} class="active"{{end}}>Text</button>
<button data-action="set-mode" data-mode="url"{{if eq .Mode "url"}} class="active"{{end}}>URL</button>
</div>
{{- if eq .Mode "url"}}<input name="url" type="url" placeholder="https://">
{{- else}}<textarea name="text" placeholder="Claim to verify"></textarea>{{end}}
{{- else}}
<textarea name="text" placeholder="Where do you want to go?"></textarea>
{{- end}}
{{- if .Error}}<p class="error">{{.Error}}</p>{{end}}
<button data-action="submit-task"{{if .Submitting}} disabled{{end}}>{{if .Submitting}}Creating…{{else}}Create task{{end}}</button>
<button data-action="close-modal">Cancel</button>
</div>{{end}}{{end}}

{{define "notice"}}{{if .}}<div class="notice" role="alert">{{.}}</div>{{end}}{{end}}

{{define "preview"}}{{if .}}<blockquote class="preview">{{.}}</blockquote>{{end}}{{end}}

{{define "result"}}<div class="panel panel-{{.Kind}}">
{{- if eq .Kind "content"}}
{{- if .Paid}}<p class="paid">Payment confirmed{{if .TxHash}} (tx {{short .TxHash}}…){{end}}.</p>{{end}}
<div class="content">{{.HTML}}</div>
{{- else if eq .Kind "payment"}}
{{- if .Approved}}<p class="approved">Payment approved. Sign to unlock the result.</p>{{end}}
{{template "preview" .Preview}}
<button data-action="pay" data-task="{{.TaskID}}"{{if .Busy}} disabled{{end}}>{{if .Busy}}Processing…{{else}}Pay {{usd .Amount}} USDC to unlock{{end}}</button>
{{- else if eq .Kind "awaiting_approval"}}
<p>Waiting for approval of {{usd .Amount}} USDC. Check your e-mail.</p>
{{template "preview" .Preview}}
{{- else if eq .Kind "approval_timed_out"}}
<p>The approval request is still unanswered. Approve it from your e-mail, then check again.</p>
<button data-action="retry-approval" data-task="{{.TaskID}}">Check again</button>
{{- else if eq .Kind "denied"}}
<p class="error">{{if .Message}}{{.Message}}{{else}}Payment approval was denied.{{end}}</p>
{{- else if eq .Kind "failed"}}
<p class="error">Task failed: {{.Message}}</p>
{{- else}}
<p class="muted">{{if .Message}}{{.Message}}{{else}}Result not ready yet.{{end}}</p>
{{- end}}
</div>{{end}}
`))

func execute(name string, data any) string {
	var buf bytes.Buffer
	if err := templates.ExecuteTemplate(&buf, name, data); err != nil {
		logger.L().Error("render failed", slog.String("template", name), slog.Any("error", err))
		return ""
	}
	return buf.String()
}

// RenderHeader renders the session header.
func RenderHeader(s *State) string {
	return execute("header", s)
}

type agentCard struct {
	Type  string
	Agent agentbounty.Agent
}

// RenderAgents renders the agent grid. Cards are inert while the user is
// anonymous, a task runs, or the active task limit is reached.
func RenderAgents(s *State) string {
	cards := make([]agentCard, 0, len(s.Agents))
	for t, a := range s.Agents {
		cards = append(cards, agentCard{Type: t, Agent: a})
	}
	sort.Slice(cards, func(i, j int) bool { return cards[i].Type < cards[j].Type })
	return execute("agents", map[string]any{
		"Cards":   cards,
		"Enabled": s.CanCreate(),
		"Active":  s.ActiveTasks(),
	})
}

// RenderTasks renders the tabbed task list.
func RenderTasks(s *State) string {
	tab := s.Tab
	if tab == "" {
		tab = TabAll
	}
	return execute("tasks", map[string]any{
		"Tabs":  []Tab{TabAll, TabActive, TabCompleted},
		"Tab":   tab,
		"Tasks": s.VisibleTasks(),
	})
}

func RenderModal(s *State) string {
	return execute("modal", s.Modal)
}

func RenderNotice(s *State) string {
	return execute("notice", s.Notice)
}

type resultView struct {
	*Panel
	HTML template.HTML
}

// RenderResult renders a result panel. Content is markdown.
func RenderResult(p *Panel) string {
	v := resultView{Panel: p}
	if p.Kind == PanelContent {
		var buf bytes.Buffer
		if err := goldmark.Convert([]byte(p.Content), &buf); err != nil {
			v.HTML = template.HTML(template.HTMLEscapeString(p.Content))
		} else {
			v.HTML = template.HTML(buf.String())
		}
	}
	return execute("result", v)
}
