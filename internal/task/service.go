package task

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"AgentBounty/internal/agent"
	xerrors "AgentBounty/internal/errors"
	"AgentBounty/pkg/logger"
)

// Observer 接收任务生命周期的度量数据。
type Observer interface {
	TaskCreated(agentType string)
	TaskFinished(agentType, status string, elapsed time.Duration)
}

// Limits 约束单个用户的操作范围。
type Limits struct {
	MaxActive  int
	MaxRetries int
	ListLimit  int
}

// Service 负责任务的创建、启动与查询。
type Service struct {
	store    Store
	producer Producer
	agents   *agent.Registry
	limits   Limits
	observer Observer
	newID    func() string
}

// ServiceOption 定义任务服务的可选配置。
type ServiceOption func(*Service)

// WithObserver 将任务创建事件上报给 o。
func WithObserver(o Observer) ServiceOption {
	return func(s *Service) { s.observer = o }
}

// NewService 构造任务服务。未设置的上限分别回退为 3 个活跃任务、2 次重试
// 和 50 条列表记录。
func NewService(store Store, producer Producer, agents *agent.Registry, limits Limits, opts ...ServiceOption) *Service {
	if limits.MaxActive <= 0 {
		limits.MaxActive = 3
	}
	if limits.MaxRetries < 0 {
		limits.MaxRetries = 0
	}
	if limits.ListLimit <= 0 {
		limits.ListLimit = DefaultListLimit
	}
	s := &Service{store: store, producer: producer, agents: agents, limits: limits, newID: uuid.NewString}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

func (s *Service) ready() error {
	if s == nil || s.store == nil || s.producer == nil || s.agents == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "任务服务未初始化")
	}
	return nil
}

// Create 校验 agentType 对应的输入，并以预估成本写入待执行任务。
func (s *Service) Create(ctx context.Context, userID, agentType string, input json.RawMessage) (*Task, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(userID) == "" {
		return nil, xerrors.New(xerrors.CodeUnauthenticated, "Not authenticated")
	}
	in, cost, err := s.agents.Prepare(agentType, input)
	if err != nil {
		return nil, err
	}
	normalized, err := json.Marshal(in)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码 input_data 失败")
	}

	task := &Task{
		ID:            s.newID(),
		UserID:        userID,
		AgentType:     agentType,
		InputData:     normalized,
		Status:        StatusPending,
		EstimatedCost: cost,
		PaymentStatus: PaymentUnpaid,
		MaxRetries:    s.limits.MaxRetries,
	}
	if err := s.store.Create(ctx, task, s.limits.MaxActive); err != nil {
		if stdErrors.Is(err, ErrActiveLimit) {
			return nil, ActiveLimitError(s.limits.MaxActive)
		}
		return nil, err
	}
	if s.observer != nil {
		s.observer.TaskCreated(agentType)
	}
	logger.Audit().Info("task created",
		slog.String("task_id", task.ID),
		slog.String("user_id", userID),
		slog.String("agent_type", agentType),
		slog.String("input", in.Summary()),
		slog.Float64("estimated_cost", cost),
	)
	return task, nil
}

// Start 将待执行任务切换为执行中并推送到队列。
func (s *Service) Start(ctx context.Context, userID, id string) (*Task, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	if _, err := s.Get(ctx, userID, id); err != nil {
		return nil, err
	}
	task, err := s.store.Start(ctx, id)
	if err != nil {
		if stdErrors.Is(err, ErrTaskConflict) && task != nil {
			return nil, xerrors.New(CodeTaskConflict,
				fmt.Sprintf("Task is not pending (current status: %s)", task.Status))
		}
		return nil, err
	}
	if err := s.producer.Publish(ctx, id); err != nil {
		logger.L().Error("发布任务到队列失败", slog.Any("error", err), slog.String("task_id", id))
		wrapped := xerrors.Wrap(CodeTaskPublish, err, "发布任务到队列失败")
		_ = s.store.MarkFailed(ctx, id, CodeTaskPublish, "Task could not be queued. Please try again.", true)
		return nil, wrapped
	}
	logger.Audit().Info("task started",
		slog.String("task_id", id),
		slog.String("user_id", userID),
		slog.String("agent_type", task.AgentType),
	)
	return task, nil
}

// Get 返回 userID 名下的任务，其他用户的任务一律视为不存在。
func (s *Service) Get(ctx context.Context, userID, id string) (*Task, error) {
	task, err := s.Lookup(ctx, id)
	if err != nil {
		return nil, err
	}
	if task.UserID != userID {
		return nil, xerrors.New(CodeTaskNotFound, fmt.Sprintf("Task %s not found", id))
	}
	return task, nil
}

// Lookup 不校验归属直接返回任务，仅供内部调用。
func (s *Service) Lookup(ctx context.Context, id string) (*Task, error) {
	if s == nil || s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "任务存储未初始化")
	}
	task, err := s.store.Get(ctx, id)
	if err != nil {
		if stdErrors.Is(err, ErrTaskNotFound) {
			return nil, xerrors.New(CodeTaskNotFound, fmt.Sprintf("Task %s not found", id))
		}
		return nil, err
	}
	return task, nil
}

// List 返回 userID 最新的任务及匹配总数。
func (s *Service) List(ctx context.Context, userID string, opts ...ListOption) ([]*Task, int, error) {
	if s == nil || s.store == nil {
		return nil, 0, xerrors.New(xerrors.CodeInitializationFailure, "任务存储未初始化")
	}
	options := buildListOptions(append([]ListOption{WithLimit(s.limits.ListLimit)}, append(opts, WithUser(userID))...))
	return s.store.List(ctx, options)
}

// Delete 删除待执行或失败的任务。
func (s *Service) Delete(ctx context.Context, userID, id string) error {
	task, err := s.Get(ctx, userID, id)
	if err != nil {
		return err
	}
	if task.Status != StatusPending && task.Status != StatusFailed {
		return xerrors.New(CodeTaskConflict, fmt.Sprintf("Cannot delete task with status: %s", task.Status))
	}
	if err := s.store.Delete(ctx, id); err != nil {
		return err
	}
	logger.Audit().Info("task deleted", slog.String("task_id", id), slog.String("user_id", userID))
	return nil
}

// Result 返回已完成任务的输出。
func (s *Service) Result(ctx context.Context, id string) (*Result, error) {
	if s == nil || s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "任务存储未初始化")
	}
	return s.store.GetResult(ctx, id)
}

// SetApprovalRequest 将审批请求关联到任务。
func (s *Service) SetApprovalRequest(ctx context.Context, id, approvalID string) error {
	return s.store.SetApprovalRequest(ctx, id, approvalID)
}

// MarkApproved 记录用户已批准为结果付费，已付费的任务保持不变。
func (s *Service) MarkApproved(ctx context.Context, id string) error {
	task, err := s.Lookup(ctx, id)
	if err != nil {
		return err
	}
	if task.PaymentStatus == PaymentPaid {
		return nil
	}
	return s.store.SetPaymentStatus(ctx, id, PaymentApproved, "")
}

// MarkPaid 在结算完成后解锁结果。
func (s *Service) MarkPaid(ctx context.Context, id, txHash string) error {
	if err := s.store.SetPaymentStatus(ctx, id, PaymentPaid, txHash); err != nil {
		return err
	}
	logger.Audit().Info("task paid", slog.String("task_id", id), slog.String("tx_hash", txHash))
	return nil
}

// History 按时间倒序列出 userID 已付费的任务。
func (s *Service) History(ctx context.Context, userID string, limit int) ([]*Task, error) {
	tasks, _, err := s.List(ctx, userID, WithPaymentStatuses(PaymentPaid), WithLimit(limit))
	return tasks, err
}

// CountActive 返回 userID 待执行与执行中的任务数量。
func (s *Service) CountActive(ctx context.Context, userID string) (int, error) {
	return s.store.CountActive(ctx, userID)
}

// Stats 汇总 userID 的任务统计，userID 为空时统计全部用户。
func (s *Service) Stats(ctx context.Context, userID string) (TaskStats, error) {
	if s == nil || s.store == nil {
		return TaskStats{}, xerrors.New(xerrors.CodeInitializationFailure, "任务存储未初始化")
	}
	return s.store.Stats(ctx, buildListOptions([]ListOption{WithUser(userID)}))
}

// Close 释放存储与生产者资源。
func (s *Service) Close() error {
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			return err
		}
	}
	if s.producer != nil {
		return s.producer.Close()
	}
	return nil
}

// WaitUntilCompleted 轮询任务状态，直到进入终态或 ctx 结束。
func (s *Service) WaitUntilCompleted(ctx context.Context, id string, interval time.Duration) (*Task, error) {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		task, err := s.Lookup(ctx, id)
		if err != nil {
			return nil, err
		}
		if task.Terminal() {
			return task, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
