// Package task owns the lifecycle of agent tasks: creation under the
// per-user active limit, queueing, execution by the processor and the
// payment bookkeeping that gates result access.
package task

import (
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"net/http"
	"time"

	xerrors "AgentBounty/internal/errors"
)

// Status 表示任务的执行状态。
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// PaymentStatus 记录已完成任务的结果是否已解锁。
type PaymentStatus string

const (
	PaymentUnpaid   PaymentStatus = "unpaid"
	PaymentApproved PaymentStatus = "approved"
	PaymentPaid     PaymentStatus = "paid"
)

// Task 描述用户发起的一次智能体执行。
type Task struct {
	ID                string          `json:"id"`
	UserID            string          `json:"user_id"`
	AgentType         string          `json:"agent_type"`
	InputData         json.RawMessage `json:"input_data"`
	Status            Status          `json:"status"`
	EstimatedCost     float64         `json:"estimated_cost"`
	ActualCost        *float64        `json:"actual_cost,omitempty"`
	PaymentStatus     PaymentStatus   `json:"payment_status"`
	PaymentTxHash     string          `json:"payment_tx_hash,omitempty"`
	ApprovalRequestID string          `json:"approval_request_id,omitempty"`
	ProgressMessage   string          `json:"progress_message,omitempty"`
	Error             string          `json:"error,omitempty"`
	ErrorCode         string          `json:"error_code,omitempty"`
	Metadata          map[string]any  `json:"metadata,omitempty"`
	Attempts          int             `json:"attempts"`
	MaxRetries        int             `json:"max_retries"`
	CreatedAt         time.Time       `json:"created_at"`
	StartedAt         *time.Time      `json:"started_at,omitempty"`
	CompletedAt       *time.Time      `json:"completed_at,omitempty"`
	PaidAt            *time.Time      `json:"paid_at,omitempty"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// Active 判断任务是否计入单用户的活跃任务上限。
func (t *Task) Active() bool {
	return t.Status == StatusPending || t.Status == StatusRunning
}

// Terminal 判断任务是否已经执行结束。
func (t *Task) Terminal() bool {
	return t.Status == StatusCompleted || t.Status == StatusFailed
}

// Cost 返回结果的收费金额：已知实际成本时使用实际成本，否则使用预估成本。
func (t *Task) Cost() float64 {
	if t.ActualCost != nil {
		return *t.ActualCost
	}
	return t.EstimatedCost
}

// Result 保存已完成任务的输出。
type Result struct {
	TaskID     string         `json:"task_id"`
	ResultType string         `json:"result_type"`
	Content    string         `json:"content"`
	ActualCost float64        `json:"actual_cost"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

const (
	CodeTaskNotFound   xerrors.Code = "TASK_NOT_FOUND"
	CodeTaskConflict   xerrors.Code = "TASK_CONFLICT"
	CodeTaskCompleted  xerrors.Code = "TASK_COMPLETED"
	CodeTaskExhausted  xerrors.Code = "TASK_RETRIES_EXHAUSTED"
	CodeTaskPublish    xerrors.Code = "TASK_PUBLISH_FAILED"
	CodeTaskProcessing xerrors.Code = "TASK_PROCESSING_FAILED"
)

var (
	ErrTaskNotFound   = xerrors.New(CodeTaskNotFound, "task not found")
	ErrTaskConflict   = xerrors.New(CodeTaskConflict, "task conflict", xerrors.WithSeverity(xerrors.SeverityWarning))
	ErrTaskCompleted  = xerrors.New(CodeTaskCompleted, "task already completed", xerrors.WithSeverity(xerrors.SeverityInfo))
	ErrTaskExhausted  = xerrors.New(CodeTaskExhausted, "task retries exhausted", xerrors.WithSeverity(xerrors.SeverityCritical))
	ErrActiveLimit    = xerrors.New(xerrors.CodeLimitExceeded, "active task limit reached")
	ErrResultNotFound = xerrors.New(CodeTaskNotFound, "result not found")
)

func init() {
	xerrors.Register(CodeTaskNotFound, xerrors.Attributes{
		Message:    "task not found",
		Severity:   xerrors.SeverityInfo,
		HTTPStatus: http.StatusNotFound,
	})
	xerrors.Register(CodeTaskConflict, xerrors.Attributes{
		Message:    "task conflict",
		Severity:   xerrors.SeverityWarning,
		HTTPStatus: http.StatusBadRequest,
	})
	xerrors.Register(CodeTaskCompleted, xerrors.Attributes{
		Message:    "task already completed",
		Severity:   xerrors.SeverityInfo,
		HTTPStatus: http.StatusConflict,
	})
	xerrors.Register(CodeTaskExhausted, xerrors.Attributes{
		Message:    "task retries exhausted",
		Severity:   xerrors.SeverityCritical,
		Alert:      true,
		HTTPStatus: http.StatusInternalServerError,
	})
	xerrors.Register(CodeTaskPublish, xerrors.Attributes{
		Message:    "failed to publish task",
		Severity:   xerrors.SeverityCritical,
		Retryable:  true,
		Alert:      true,
		HTTPStatus: http.StatusServiceUnavailable,
	})
	xerrors.Register(CodeTaskProcessing, xerrors.Attributes{
		Message:    "task execution failed",
		Severity:   xerrors.SeverityWarning,
		Retryable:  true,
		Alert:      true,
		HTTPStatus: http.StatusInternalServerError,
	})
}

// ActiveLimitError 构造达到活跃任务上限时返回的错误，客户端会原样展示该消息。
func ActiveLimitError(limit int) error {
	return xerrors.New(xerrors.CodeLimitExceeded, fmt.Sprintf(
		"Maximum %d active tasks allowed. Please wait for current tasks to complete or delete pending tasks.", limit))
}

// IsTaskError 判断 err 是否为 target 对应的任务错误。
func IsTaskError(err error, target xerrors.Code) bool {
	if err == nil {
		return false
	}
	for _, known := range []*xerrors.Error{ErrTaskNotFound, ErrTaskConflict, ErrTaskCompleted, ErrTaskExhausted} {
		if stdErrors.Is(err, known) {
			return known.Code() == target
		}
	}
	return false
}

func cloneMetadata(metadata map[string]any) map[string]any {
	if metadata == nil {
		return nil
	}
	cloned := make(map[string]any, len(metadata))
	for key, value := range metadata {
		cloned[key] = value
	}
	return cloned
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

func cloneTask(task *Task) *Task {
	clone := *task
	clone.InputData = append(json.RawMessage(nil), task.InputData...)
	clone.Metadata = cloneMetadata(task.Metadata)
	if task.ActualCost != nil {
		cost := *task.ActualCost
		clone.ActualCost = &cost
	}
	clone.StartedAt = cloneTime(task.StartedAt)
	clone.CompletedAt = cloneTime(task.CompletedAt)
	clone.PaidAt = cloneTime(task.PaidAt)
	return &clone
}

// IsValidStatus 判断状态值是否合法。
func IsValidStatus(status Status) bool {
	switch status {
	case StatusPending, StatusRunning, StatusCompleted, StatusFailed:
		return true
	default:
		return false
	}
}
