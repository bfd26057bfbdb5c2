// Package alerting 将运行期事件（智能体失败、结算错误、审批滞留）分发到各通知渠道。
package alerting

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	xerrors "AgentBounty/internal/errors"
	"AgentBounty/pkg/logger"
)

// Channel 表示通知渠道名称。
type Channel string

const (
	ChannelEmail Channel = "email"
	ChannelLog   Channel = "log"
)

// Event 描述一次需要告警的事件。
type Event struct {
	Code       xerrors.Code
	Message    string
	Severity   xerrors.Severity
	TaskID     string
	UserID     string
	Stage      string
	Attempts   int
	MaxRetries int
	Metadata   map[string]string
	OccurredAt time.Time
}

// Notifier 负责向单一渠道投递事件。
type Notifier interface {
	Channel() Channel
	Notify(ctx context.Context, event Event) error
}

// Dispatcher 是事件产生方依赖的分发接口。
type Dispatcher interface {
	Notify(ctx context.Context, event Event) error
}

// FanoutDispatcher 将事件投递给所有已注册的通知器。
type FanoutDispatcher struct {
	notifiers map[Channel]Notifier
	minimum   xerrors.Severity
}

// NewFanout 按渠道注册通知器，同一渠道后注册的会覆盖先注册的。
func NewFanout(notifiers ...Notifier) *FanoutDispatcher {
	set := make(map[Channel]Notifier, len(notifiers))
	for _, n := range notifiers {
		if n == nil {
			continue
		}
		set[n.Channel()] = n
	}
	return &FanoutDispatcher{notifiers: set}
}

// WithMinimumSeverity 丢弃低于 sev 的事件。
func (d *FanoutDispatcher) WithMinimumSeverity(sev xerrors.Severity) *FanoutDispatcher {
	d.minimum = sev
	return d
}

// Notify 广播事件并合并各渠道的失败。
func (d *FanoutDispatcher) Notify(ctx context.Context, event Event) error {
	if d == nil {
		return nil
	}
	if rank(event.Severity) < rank(d.minimum) {
		return nil
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now()
	}
	var errs []error
	for _, notifier := range d.notifiers {
		if err := notifier.Notify(ctx, event); err != nil {
			errs = append(errs, fmt.Errorf("channel %s: %w", notifier.Channel(), err))
		}
	}
	return errors.Join(errs...)
}

func rank(sev xerrors.Severity) int {
	switch sev {
	case xerrors.SeverityCritical:
		return 2
	case xerrors.SeverityWarning:
		return 1
	default:
		return 0
	}
}

// LogNotifier 将事件写入审计日志。
type LogNotifier struct{}

func (LogNotifier) Channel() Channel { return ChannelLog }

func (LogNotifier) Notify(_ context.Context, event Event) error {
	attrs := []any{
		slog.String("code", string(event.Code)),
		slog.String("severity", string(event.Severity)),
		slog.String("task_id", event.TaskID),
		slog.String("stage", event.Stage),
		slog.Int("attempts", event.Attempts),
		slog.Int("max_retries", event.MaxRetries),
	}
	for _, key := range sortedKeys(event.Metadata) {
		attrs = append(attrs, slog.String("meta."+key, event.Metadata[key]))
	}
	logger.Audit().Warn(event.Message, attrs...)
	return nil
}

// EmailSender 发送纯文本邮件。
type EmailSender interface {
	Send(ctx context.Context, subject, content string, to []string) error
}

// EmailNotifier 将事件邮件发送给固定的收件人列表。
type EmailNotifier struct {
	Sender        EmailSender
	To            []string
	SubjectPrefix string
}

func (n *EmailNotifier) Channel() Channel { return ChannelEmail }

// Notify 发送事件邮件。通知器配置不完整时记录日志并跳过。
func (n *EmailNotifier) Notify(ctx context.Context, event Event) error {
	if n == nil || n.Sender == nil || len(n.To) == 0 {
		logger.L().Warn("email notifier not configured, skipping alert", slog.String("task_id", event.TaskID))
		return nil
	}
	subject := fmt.Sprintf("%s[%s] %s", n.SubjectPrefix, event.Severity, event.Code)

	var body strings.Builder
	fmt.Fprintf(&body, "Time: %s\n", event.OccurredAt.Format(time.RFC3339))
	fmt.Fprintf(&body, "Task: %s\n", event.TaskID)
	if event.UserID != "" {
		fmt.Fprintf(&body, "User: %s\n", event.UserID)
	}
	fmt.Fprintf(&body, "Stage: %s\n", event.Stage)
	fmt.Fprintf(&body, "Attempts: %d/%d\n", event.Attempts, event.MaxRetries)
	fmt.Fprintf(&body, "Code: %s\n", event.Code)
	fmt.Fprintf(&body, "Message: %s\n", event.Message)
	if len(event.Metadata) > 0 {
		body.WriteString("Details:\n")
		for _, key := range sortedKeys(event.Metadata) {
			fmt.Fprintf(&body, "- %s: %s\n", key, event.Metadata[key])
		}
	}
	return n.Sender.Send(ctx, subject, body.String(), n.To)
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
