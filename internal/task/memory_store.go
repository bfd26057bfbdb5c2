package task

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	xerrors "AgentBounty/internal/errors"
)

// MemoryStore 将任务保存在进程内存中，适用于测试与单节点部署。
type MemoryStore struct {
	mu      sync.RWMutex
	tasks   map[string]*Task
	results map[string]*Result
	now     func() time.Time
}

// NewMemoryStore 创建空的内存存储。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tasks:   make(map[string]*Task),
		results: make(map[string]*Result),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Create implements Store.
func (m *MemoryStore) Create(_ context.Context, task *Task, maxActive int) error {
	if task == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "task 不能为空")
	}
	if strings.TrimSpace(task.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "任务 ID 不能为空")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[task.ID]; ok {
		return ErrTaskConflict
	}
	if maxActive > 0 && m.countActiveLocked(task.UserID) >= maxActive {
		return ErrActiveLimit
	}
	now := m.now()
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}
	task.UpdatedAt = now
	if task.Status == "" {
		task.Status = StatusPending
	}
	if task.PaymentStatus == "" {
		task.PaymentStatus = PaymentUnpaid
	}
	m.tasks[task.ID] = cloneTask(task)
	return nil
}

// Get implements Store.
func (m *MemoryStore) Get(_ context.Context, id string) (*Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	task, ok := m.tasks[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	return cloneTask(task), nil
}

// Start implements Store.
func (m *MemoryStore) Start(_ context.Context, id string) (*Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	if task.Status != StatusPending {
		return cloneTask(task), ErrTaskConflict
	}
	now := m.now()
	task.Status = StatusRunning
	task.StartedAt = &now
	task.UpdatedAt = now
	return cloneTask(task), nil
}

// Claim implements Store.
func (m *MemoryStore) Claim(_ context.Context, id string) (*Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	switch task.Status {
	case StatusCompleted:
		return cloneTask(task), ErrTaskCompleted
	case StatusFailed:
		return cloneTask(task), ErrTaskExhausted
	case StatusPending:
		return cloneTask(task), ErrTaskConflict
	}
	if task.Attempts > task.MaxRetries {
		return cloneTask(task), ErrTaskExhausted
	}
	task.Attempts++
	task.UpdatedAt = m.now()
	return cloneTask(task), nil
}

// UpdateProgress implements Store.
func (m *MemoryStore) UpdateProgress(_ context.Context, id, message string) error {
	return m.update(id, func(task *Task, now time.Time) error {
		task.ProgressMessage = message
		return nil
	})
}

// MarkCompleted implements Store.
func (m *MemoryStore) MarkCompleted(_ context.Context, id string, result Result) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[id]
	if !ok {
		return ErrTaskNotFound
	}
	now := m.now()
	cost := result.ActualCost
	task.Status = StatusCompleted
	task.ActualCost = &cost
	task.CompletedAt = &now
	task.UpdatedAt = now
	task.ProgressMessage = ""
	task.Error = ""
	task.ErrorCode = ""
	task.Metadata = cloneMetadata(result.Metadata)

	result.TaskID = id
	if result.CreatedAt.IsZero() {
		result.CreatedAt = now
	}
	result.Metadata = cloneMetadata(result.Metadata)
	m.results[id] = &result
	return nil
}

// MarkFailed implements Store.
func (m *MemoryStore) MarkFailed(_ context.Context, id string, code xerrors.Code, message string, terminal bool) error {
	return m.update(id, func(task *Task, now time.Time) error {
		task.Error = message
		task.ErrorCode = string(code)
		if terminal {
			task.Status = StatusFailed
			task.CompletedAt = &now
			task.ProgressMessage = ""
		}
		return nil
	})
}

// SetApprovalRequest implements Store.
func (m *MemoryStore) SetApprovalRequest(_ context.Context, id, approvalID string) error {
	return m.update(id, func(task *Task, _ time.Time) error {
		task.ApprovalRequestID = approvalID
		return nil
	})
}

// SetPaymentStatus implements Store.
func (m *MemoryStore) SetPaymentStatus(_ context.Context, id string, status PaymentStatus, txHash string) error {
	return m.update(id, func(task *Task, now time.Time) error {
		task.PaymentStatus = status
		if txHash != "" {
			task.PaymentTxHash = txHash
		}
		if status == PaymentPaid {
			task.PaidAt = &now
		}
		return nil
	})
}

// GetResult implements Store.
func (m *MemoryStore) GetResult(_ context.Context, id string) (*Result, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result, ok := m.results[id]
	if !ok {
		return nil, ErrResultNotFound
	}
	clone := *result
	clone.Metadata = cloneMetadata(result.Metadata)
	return &clone, nil
}

// Delete implements Store.
func (m *MemoryStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[id]
	if !ok {
		return ErrTaskNotFound
	}
	if task.Status != StatusPending && task.Status != StatusFailed {
		return ErrTaskConflict
	}
	delete(m.tasks, id)
	delete(m.results, id)
	return nil
}

// List implements Store.
func (m *MemoryStore) List(_ context.Context, opts ListOptions) ([]*Task, int, error) {
	opts.applyDefaults()
	m.mu.RLock()
	defer m.mu.RUnlock()

	matched := make([]*Task, 0, len(m.tasks))
	for _, task := range m.tasks {
		if opts.matches(task) {
			matched = append(matched, task)
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		a, b := matched[i], matched[j]
		if a.CreatedAt.Equal(b.CreatedAt) {
			return a.ID < b.ID
		}
		if opts.Order == SortByCreatedAsc {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.CreatedAt.After(b.CreatedAt)
	})

	total := len(matched)
	if opts.Offset >= total {
		return []*Task{}, total, nil
	}
	end := opts.Offset + opts.Limit
	if end > total {
		end = total
	}
	out := make([]*Task, 0, end-opts.Offset)
	for _, task := range matched[opts.Offset:end] {
		out = append(out, cloneTask(task))
	}
	return out, total, nil
}

// CountActive implements Store.
func (m *MemoryStore) CountActive(_ context.Context, userID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.countActiveLocked(userID), nil
}

func (m *MemoryStore) countActiveLocked(userID string) int {
	count := 0
	for _, task := range m.tasks {
		if task.UserID == userID && task.Active() {
			count++
		}
	}
	return count
}

// Stats implements Store.
func (m *MemoryStore) Stats(_ context.Context, opts ListOptions) (TaskStats, error) {
	opts.applyDefaults()
	m.mu.RLock()
	defer m.mu.RUnlock()
	var stats TaskStats
	for _, task := range m.tasks {
		if opts.matches(task) {
			stats.add(task)
		}
	}
	return stats, nil
}

// Close 无需释放资源。
func (m *MemoryStore) Close() error {
	return nil
}

func (m *MemoryStore) update(id string, fn func(task *Task, now time.Time) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[id]
	if !ok {
		return ErrTaskNotFound
	}
	now := m.now()
	if err := fn(task, now); err != nil {
		return err
	}
	task.UpdatedAt = now
	return nil
}

var _ Store = (*MemoryStore)(nil)
