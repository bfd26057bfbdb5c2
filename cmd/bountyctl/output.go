package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/PuerkitoBio/goquery"
	"github.com/charmbracelet/glamour"
	"github.com/fatih/color"

	"AgentBounty/internal/ui"
	"AgentBounty/sdk/go/agentbounty"
)

var (
	bold    = color.New(color.Bold).SprintFunc()
	green   = color.New(color.FgGreen).SprintFunc()
	yellow  = color.New(color.FgYellow).SprintFunc()
	red     = color.New(color.FgRed).SprintFunc()
	muted   = color.New(color.FgHiBlack).SprintFunc()
	errLine = color.New(color.FgRed, color.Bold)
)

func printError(err error) {
	var apiErr *agentbounty.APIError
	if errors.As(err, &apiErr) && apiErr.Message != "" {
		errLine.Fprintf(os.Stderr, "error: %s", apiErr.Message)
		if apiErr.Code != "" {
			fmt.Fprintf(os.Stderr, " (%s)", apiErr.Code)
		}
		fmt.Fprintln(os.Stderr)
		return
	}
	errLine.Fprintf(os.Stderr, "error: %v\n", err)
}

// terminalScreen prints the notice and result containers as plain text
// whenever their content changes.
type terminalScreen struct {
	out io.Writer

	mu   sync.Mutex
	last map[ui.Container]string
}

func newTerminalScreen(out io.Writer) *terminalScreen {
	return &terminalScreen{out: out, last: map[ui.Container]string{}}
}

func (s *terminalScreen) Replace(c ui.Container, html string) {
	if c != ui.ContainerNotice {
		if _, ok := c.TaskOf(); !ok {
			return
		}
	}
	text := htmlText(html)
	s.mu.Lock()
	defer s.mu.Unlock()
	if text == "" || s.last[c] == text {
		return
	}
	s.last[c] = text
	if c == ui.ContainerNotice {
		fmt.Fprintln(s.out, yellow("! "+text))
		return
	}
	fmt.Fprintln(s.out, muted("· "+text))
}

func (s *terminalScreen) Alert(message string) {
	errLine.Fprintln(os.Stderr, message)
}

// htmlText flattens rendered markup into one line of text. Rendered
// content is skipped; it is printed as markdown once final.
func htmlText(html string) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return ""
	}
	doc.Find(".content, button").Remove()
	return strings.Join(strings.Fields(doc.Text()), " ")
}

func renderMarkdown(md string) string {
	r, err := glamour.NewTermRenderer(glamour.WithAutoStyle(), glamour.WithWordWrap(100))
	if err != nil {
		return md
	}
	out, err := r.Render(md)
	if err != nil {
		return md
	}
	return out
}

func statusColor(status string) string {
	switch status {
	case "completed":
		return green(status)
	case "failed":
		return red(status)
	case "running", "pending":
		return yellow(status)
	}
	return status
}

func printTasks(w io.Writer, tasks []*agentbounty.Task) {
	if len(tasks) == 0 {
		fmt.Fprintln(w, muted("no tasks"))
		return
	}
	for _, t := range tasks {
		line := fmt.Sprintf("%s  %-18s %-20s $%.4f", t.ID, t.AgentType, statusColor(t.Status), t.EstimatedCost)
		if t.PaymentStatus != "" {
			line += "  " + muted(t.PaymentStatus)
		}
		if t.ProgressMessage != "" && !t.Finished() {
			line += "  " + muted(t.ProgressMessage)
		}
		fmt.Fprintln(w, line)
	}
}
