package llm

import (
	"context"
	"fmt"
	"strings"
)

// Offline answers every request locally. It keeps the marketplace usable
// without an API key and gives tests a deterministic backend.
type Offline struct {
	// Respond overrides the generated content when set.
	Respond func(req Request) string
}

// NewOffline returns an offline client with the default responder.
func NewOffline() *Offline {
	return &Offline{}
}

// Generate implements Client.
func (o *Offline) Generate(ctx context.Context, req Request) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	content := ""
	if o != nil && o.Respond != nil {
		content = o.Respond(req)
	} else {
		content = defaultOfflineContent(req)
	}
	return &Response{Content: content, Model: "offline"}, nil
}

func defaultOfflineContent(req Request) string {
	var b strings.Builder
	name := req.Name
	if name == "" {
		name = "response"
	}
	fmt.Fprintf(&b, "## Offline %s\n\n", name)
	b.WriteString("No language model is configured, so this answer was produced locally.\n\n")
	b.WriteString("### Request\n\n")
	b.WriteString(Truncate(req.Prompt, 400))
	b.WriteString("\n\n**Verdict:** INSUFFICIENT_EVIDENCE\n\n**Confidence:** 0%\n")
	return b.String()
}
