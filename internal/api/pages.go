package api

import (
	"fmt"
	"html/template"
	"log/slog"
	"net/http"

	"AgentBounty/internal/approval"
	"AgentBounty/pkg/logger"
)

var pageTemplate = template.Must(template.New("page").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>{{.Title}}</title>
<style>
body { font-family: system-ui, sans-serif; background: #f5f6fa; display: flex; justify-content: center; padding-top: 10vh; }
.card { background: #fff; border-radius: 12px; padding: 2rem 2.5rem; max-width: 28rem; box-shadow: 0 4px 20px rgba(0,0,0,.08); text-align: center; }
.icon { font-size: 3rem; }
.ok { color: #16a34a; } .fail { color: #dc2626; } .muted { color: #6b7280; }
.amount { font-size: 1.5rem; font-weight: 600; margin: 1rem 0; }
a { display: inline-block; margin-top: 1.5rem; color: #2563eb; }
</style>
</head>
<body>
<div class="card">
<div class="icon {{if .OK}}ok{{else}}fail{{end}}">{{if .OK}}&#10003;{{else}}&#10007;{{end}}</div>
<h1>{{.Title}}</h1>
<p>{{.Text}}</p>
{{- if .Amount}}
<p class="amount">{{.Amount}}</p>
{{- end}}
{{- if .TaskID}}
<p class="muted">Task ID: {{.TaskID}}</p>
{{- end}}
<a href="/">Return to AgentBounty</a>
</div>
</body>
</html>
`))

type page struct {
	Title  string
	Text   string
	Amount string
	TaskID string
	OK     bool
}

func successPage(approve bool, link *approval.MagicLink) page {
	p := page{OK: true, TaskID: link.TaskID, Amount: fmt.Sprintf("$%.4f USDC", link.Amount)}
	if approve {
		p.Title = "Payment Approved"
		p.Text = "Your payment has been successfully approved."
	} else {
		p.Title = "Payment Denied"
		p.Text = "You have denied the payment request."
	}
	return p
}

func failurePage(approve bool, message string) page {
	title := "Action Failed"
	if approve {
		title = "Payment Approval Failed"
	}
	return page{Title: title, Text: message}
}

func renderPage(w http.ResponseWriter, status int, p page) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	if err := pageTemplate.Execute(w, p); err != nil {
		logger.L().Warn("page render failed", slog.Any("error", err))
	}
}

func writeErrorLog(r *http.Request, err error) {
	logger.L().Error("magic link resolution failed", slog.String("path", r.URL.Path), slog.Any("error", err))
}
