package alerting

import (
	"context"
	"errors"
	"net/smtp"
	"strings"
	"testing"

	xerrors "AgentBounty/internal/errors"
)

type recordingSender struct {
	subject string
	content string
	to      []string
}

func (r *recordingSender) Send(_ context.Context, subject, content string, to []string) error {
	r.subject, r.content, r.to = subject, content, to
	return nil
}

type failingNotifier struct{}

func (failingNotifier) Channel() Channel                    { return "broken" }
func (failingNotifier) Notify(context.Context, Event) error { return errors.New("down") }

func TestFanoutDeliversAndJoinsErrors(t *testing.T) {
	sender := &recordingSender{}
	d := NewFanout(&EmailNotifier{Sender: sender, To: []string{"ops@example.com"}, SubjectPrefix: "[agentbounty] "}, failingNotifier{})

	err := d.Notify(context.Background(), Event{
		Code:     xerrors.CodeChainFailure,
		Severity: xerrors.SeverityCritical,
		TaskID:   "task-1",
		Stage:    "settle",
		Message:  "receipt timeout",
		Metadata: map[string]string{"tx": "0xabc"},
	})
	if err == nil || !strings.Contains(err.Error(), "channel broken") {
		t.Fatalf("expected joined channel error, got %v", err)
	}
	if sender.subject != "[agentbounty] [critical] CHAIN_FAILURE" {
		t.Fatalf("unexpected subject %q", sender.subject)
	}
	if !strings.Contains(sender.content, "- tx: 0xabc") {
		t.Fatalf("metadata missing from body: %q", sender.content)
	}
}

func TestFanoutMinimumSeverity(t *testing.T) {
	sender := &recordingSender{}
	d := NewFanout(&EmailNotifier{Sender: sender, To: []string{"ops@example.com"}}).WithMinimumSeverity(xerrors.SeverityCritical)
	if err := d.Notify(context.Background(), Event{Severity: xerrors.SeverityWarning}); err != nil {
		t.Fatalf("notify: %v", err)
	}
	if sender.subject != "" {
		t.Fatalf("warning should have been filtered")
	}
}

func TestSMTPSenderBuildsMessage(t *testing.T) {
	var gotAddr string
	var gotMsg []byte
	s := NewSMTPSender("smtp.example.com", 587, "user", "secret", "bounty@example.com")
	s.send = func(addr string, _ smtp.Auth, _ string, _ []string, msg []byte) error {
		gotAddr, gotMsg = addr, msg
		return nil
	}
	if err := s.Send(context.Background(), "Approve payment", "line one\nline two", []string{"a@example.com"}); err != nil {
		t.Fatalf("send: %v", err)
	}
	if gotAddr != "smtp.example.com:587" {
		t.Fatalf("unexpected addr %s", gotAddr)
	}
	if !strings.Contains(string(gotMsg), "Subject: Approve payment\r\n") || !strings.Contains(string(gotMsg), "line one\r\nline two") {
		t.Fatalf("unexpected message %q", gotMsg)
	}
	if err := (&SMTPSender{}).Send(context.Background(), "s", "c", []string{"a"}); err == nil {
		t.Fatalf("expected unconfigured sender error")
	}
}
