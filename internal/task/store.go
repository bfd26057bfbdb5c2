package task

import (
	"context"

	xerrors "AgentBounty/internal/errors"
)

// Store 定义任务及其结果的持久化接口。
type Store interface {
	// Create 写入一个待执行任务。maxActive 为正数且用户的待执行或执行中任务
	// 已达上限时返回 ErrActiveLimit，不写入任何数据。
	Create(ctx context.Context, task *Task, maxActive int) error
	Get(ctx context.Context, id string) (*Task, error)
	// Start 将待执行任务切换为执行中。
	Start(ctx context.Context, id string) (*Task, error)
	// Claim 将执行中的任务交给 worker 并累计尝试次数。
	Claim(ctx context.Context, id string) (*Task, error)
	UpdateProgress(ctx context.Context, id, message string) error
	MarkCompleted(ctx context.Context, id string, result Result) error
	// MarkFailed 记录执行错误。非终态的失败保持任务为执行中，以便再次领取。
	MarkFailed(ctx context.Context, id string, code xerrors.Code, message string, terminal bool) error
	SetApprovalRequest(ctx context.Context, id, approvalID string) error
	SetPaymentStatus(ctx context.Context, id string, status PaymentStatus, txHash string) error
	GetResult(ctx context.Context, id string) (*Result, error)
	// Delete 删除待执行或失败的任务。
	Delete(ctx context.Context, id string) error
	List(ctx context.Context, opts ListOptions) ([]*Task, int, error)
	CountActive(ctx context.Context, userID string) (int, error)
	Stats(ctx context.Context, opts ListOptions) (TaskStats, error)
	Close() error
}
