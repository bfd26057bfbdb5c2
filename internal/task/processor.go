package task

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"time"

	"AgentBounty/internal/agent"
	xerrors "AgentBounty/internal/errors"
	"AgentBounty/internal/observability/alerting"
	"AgentBounty/pkg/logger"
)

// DefaultExecutionTimeout 限制单次智能体执行的时长。
const DefaultExecutionTimeout = 5 * time.Minute

// Executor 执行任务对应的智能体。
type Executor interface {
	Execute(ctx context.Context, task *Task, progress agent.ProgressFunc) (*agent.Result, error)
}

// RegistryExecutor 从注册表中解析智能体，并解码任务保存的输入。
type RegistryExecutor struct {
	Agents *agent.Registry
}

// Execute 实现 Executor 接口。
func (e RegistryExecutor) Execute(ctx context.Context, task *Task, progress agent.ProgressFunc) (*agent.Result, error) {
	a, err := e.Agents.Get(task.AgentType)
	if err != nil {
		return nil, err
	}
	in, err := agent.DecodeInput(task.AgentType, task.InputData)
	if err != nil {
		return nil, err
	}
	name := a.Descriptor().Name
	report := func(msg string) {
		if progress != nil {
			progress(msg)
		}
	}
	report(fmt.Sprintf("Starting %s...", name))
	report(fmt.Sprintf("%s is analyzing your request...", name))
	result, err := a.Execute(ctx, agent.Request{
		TaskID:   task.ID,
		UserID:   task.UserID,
		Input:    in,
		Progress: progress,
	})
	if err != nil {
		return nil, err
	}
	report(fmt.Sprintf("%s completed. Saving results...", name))
	return result, nil
}

// Processor 消费队列中的任务 ID 并执行。
type Processor struct {
	executor    Executor
	store       Store
	consumer    Consumer
	producer    Producer
	workerCount int
	timeout     time.Duration
	logger      *slog.Logger
	alerter     alerting.Dispatcher
	observer    Observer
}

// ProcessorOption 定义处理器的可选配置。
type ProcessorOption func(*Processor)

// WithProcessorLogger 设置调试日志。
func WithProcessorLogger(logger *slog.Logger) ProcessorOption {
	return func(p *Processor) { p.logger = logger }
}

// WithWorkerCount 设置并发执行数。
func WithWorkerCount(workers int) ProcessorOption {
	return func(p *Processor) {
		if workers > 0 {
			p.workerCount = workers
		}
	}
}

// WithExecutionTimeout 覆盖单次执行的超时时间。
func WithExecutionTimeout(timeout time.Duration) ProcessorOption {
	return func(p *Processor) {
		if timeout > 0 {
			p.timeout = timeout
		}
	}
}

// WithAlertDispatcher 设置失败告警的分发器。
func WithAlertDispatcher(dispatcher alerting.Dispatcher) ProcessorOption {
	return func(p *Processor) { p.alerter = dispatcher }
}

// WithProcessorObserver 上报执行结束事件。
func WithProcessorObserver(o Observer) ProcessorOption {
	return func(p *Processor) { p.observer = o }
}

// NewProcessor 构造任务处理器。
func NewProcessor(executor Executor, store Store, consumer Consumer, producer Producer, opts ...ProcessorOption) *Processor {
	p := &Processor{
		executor:    executor,
		store:       store,
		consumer:    consumer,
		producer:    producer,
		workerCount: 1,
		timeout:     DefaultExecutionTimeout,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// Start 持续消费任务，直到 ctx 被取消。
func (p *Processor) Start(ctx context.Context) error {
	if p.consumer == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置任务消费者")
	}
	return p.consumer.Consume(ctx, p.workerCount, p.handle)
}

func (p *Processor) handle(ctx context.Context, taskID string) error {
	if p.store == nil || p.executor == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "处理器未初始化")
	}
	task, err := p.store.Claim(ctx, taskID)
	if err != nil {
		if stdErrors.Is(err, ErrTaskNotFound) || stdErrors.Is(err, ErrTaskCompleted) ||
			stdErrors.Is(err, ErrTaskExhausted) || stdErrors.Is(err, ErrTaskConflict) {
			p.logDebug("skipping task", slog.String("task_id", taskID), slog.String("reason", err.Error()))
			return nil
		}
		logger.L().Error("failed to claim task", slog.Any("error", err), slog.String("task_id", taskID))
		p.emitAlert(ctx, &Task{ID: taskID}, CodeTaskProcessing, err, "claim")
		return err
	}

	started := time.Now()
	execCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	progress := func(message string) {
		if err := p.store.UpdateProgress(ctx, task.ID, message); err != nil {
			p.logDebug("progress update failed", slog.String("task_id", task.ID), slog.Any("error", err))
		}
	}
	result, execErr := p.executor.Execute(execCtx, task, progress)
	if execErr == nil && execCtx.Err() != nil {
		execErr = execCtx.Err()
	}
	if execErr != nil {
		if ctx.Err() != nil {
			// 停机：任务保持执行中，下次启动时重新入队。
			logger.L().Warn("task interrupted by shutdown", slog.String("task_id", task.ID))
			return ctx.Err()
		}
		return p.handleExecutionFailure(ctx, task, agent.ClassifyError(execErr), started)
	}
	if result == nil {
		result = &agent.Result{ResultType: "text"}
	}
	if result.ResultType == "" {
		result.ResultType = "text"
	}

	if err := p.store.MarkCompleted(ctx, task.ID, Result{
		TaskID:     task.ID,
		ResultType: result.ResultType,
		Content:    result.Content,
		ActualCost: result.ActualCost,
		Metadata:   result.Metadata,
	}); err != nil {
		logger.L().Error("failed to store task result", slog.Any("error", err), slog.String("task_id", task.ID))
		p.emitAlert(ctx, task, xerrors.CodeStorageFailure, err, "store_result")
		return err
	}
	if p.observer != nil {
		p.observer.TaskFinished(task.AgentType, string(StatusCompleted), time.Since(started))
	}
	logger.Audit().Info("task completed",
		slog.String("task_id", task.ID),
		slog.String("user_id", task.UserID),
		slog.String("agent_type", task.AgentType),
		slog.Float64("actual_cost", result.ActualCost),
		slog.Int("attempts", task.Attempts),
	)
	return nil
}

func (p *Processor) handleExecutionFailure(ctx context.Context, task *Task, execErr error, started time.Time) error {
	code := xerrors.CodeOf(execErr)
	if code == xerrors.CodeUnknown {
		code = CodeTaskProcessing
	}
	message := xerrors.MessageOf(execErr)
	retryable := xerrors.RetryableError(execErr)
	terminal := !retryable || task.Attempts > task.MaxRetries

	if err := p.store.MarkFailed(ctx, task.ID, code, message, terminal); err != nil {
		logger.L().Error("failed to record task failure", slog.Any("error", err), slog.String("task_id", task.ID))
		return err
	}
	logger.Audit().Warn("task execution failed",
		slog.String("task_id", task.ID),
		slog.String("agent_type", task.AgentType),
		slog.Bool("terminal", terminal),
		slog.String("error", execErr.Error()),
		slog.String("error_code", string(code)),
		slog.Int("attempts", task.Attempts),
		slog.Int("max_retries", task.MaxRetries),
	)

	stage := "retry"
	switch {
	case !retryable:
		stage = "non_retryable"
	case terminal:
		stage = "terminal"
	}
	if terminal || xerrors.ShouldAlert(execErr) {
		p.emitAlert(ctx, task, code, execErr, stage)
	}

	if terminal {
		if p.observer != nil {
			p.observer.TaskFinished(task.AgentType, string(StatusFailed), time.Since(started))
		}
		return nil
	}

	_ = p.store.UpdateProgress(ctx, task.ID,
		fmt.Sprintf("Retrying after error (attempt %d of %d)...", task.Attempts+1, task.MaxRetries+1))
	if err := p.producer.Publish(ctx, task.ID); err != nil {
		wrapped := xerrors.Wrap(CodeTaskPublish, err, fmt.Sprintf("任务 %s 重投失败", task.ID))
		_ = p.store.MarkFailed(ctx, task.ID, code, message, true)
		return wrapped
	}
	p.logDebug("task requeued", slog.String("task_id", task.ID), slog.Int("attempts", task.Attempts))
	return nil
}

func (p *Processor) logDebug(msg string, attrs ...slog.Attr) {
	if p.logger == nil {
		return
	}
	args := make([]any, len(attrs))
	for i, attr := range attrs {
		args[i] = attr
	}
	p.logger.Debug(msg, args...)
}

func (p *Processor) emitAlert(ctx context.Context, task *Task, code xerrors.Code, cause error, stage string) {
	if p == nil || p.alerter == nil || task == nil {
		return
	}
	attrs := xerrors.AttributesOf(code)
	message := attrs.Message
	metadata := map[string]string{"agent_type": task.AgentType}
	if cause != nil {
		message = xerrors.MessageOf(cause)
		metadata["cause"] = cause.Error()
	}
	event := alerting.Event{
		Code:       code,
		Message:    message,
		Severity:   attrs.Severity,
		TaskID:     task.ID,
		UserID:     task.UserID,
		Stage:      stage,
		Attempts:   task.Attempts,
		MaxRetries: task.MaxRetries,
		Metadata:   metadata,
		OccurredAt: time.Now(),
	}
	if err := p.alerter.Notify(ctx, event); err != nil {
		logger.L().Error("alert delivery failed",
			slog.Any("error", err),
			slog.String("task_id", task.ID),
			slog.String("stage", stage),
		)
	}
}
