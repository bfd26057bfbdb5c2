package task

import (
	"context"
	"database/sql"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"strings"
	"sync"
	"time"

	xerrors "AgentBounty/internal/errors"
	"AgentBounty/internal/storage/sqldb"
)

// SQLStore 基于 MySQL 或 SQLite 持久化任务。
type SQLStore struct {
	db    *sqldb.DB
	now   func() time.Time
	users userLocks
}

// NewSQLStore 包装已打开的数据库，表结构来自内嵌的迁移脚本。
func NewSQLStore(db *sqldb.DB) (*SQLStore, error) {
	if db == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "任务存储缺少数据库连接")
	}
	return &SQLStore{db: db, now: func() time.Time { return time.Now().UTC() }}, nil
}

const taskColumns = `id, user_id, agent_type, input_data, status, estimated_cost, actual_cost, payment_status,
	payment_tx_hash, approval_request_id, progress_message, error_message, error_code, metadata,
	attempts, max_retries, created_at, started_at, completed_at, paid_at, updated_at`

// Create implements Store.
func (s *SQLStore) Create(ctx context.Context, task *Task, maxActive int) error {
	if task == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "task 不能为空")
	}
	if strings.TrimSpace(task.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "任务 ID 不能为空")
	}
	metadata, err := marshalMetadata(task.Metadata)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码任务 metadata 失败")
	}
	now := s.now()
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

	// 同一用户的计数与插入不能与其他创建请求交错：进程内依靠用户锁，
	// 跨进程依靠 MySQL 行锁。SQLite 本身只允许单个写入者。
	unlock := s.users.lock(task.UserID)
	defer unlock()
	countQuery := `SELECT COUNT(*) FROM tasks WHERE user_id = ? AND status IN ('pending', 'running')`
	if s.db.Driver == sqldb.DriverMySQL {
		countQuery += ` FOR UPDATE`
	}

	return s.db.WithTx(ctx, func(tx *sql.Tx) error {
		if maxActive > 0 {
			var active int
			if err := tx.QueryRowContext(ctx, countQuery, task.UserID).Scan(&active); err != nil {
				return xerrors.Wrap(xerrors.CodeStorageFailure, err, "统计活跃任务失败")
			}
			if active >= maxActive {
				return ErrActiveLimit
			}
		}
		_, err := tx.ExecContext(ctx, `INSERT INTO tasks (`+taskColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, NULL, ?, NULL, NULL, NULL, NULL, NULL, ?, 0, ?, ?, NULL, NULL, NULL, ?)`,
			task.ID, task.UserID, task.AgentType, string(task.InputData), string(task.Status), task.EstimatedCost,
			string(task.PaymentStatus), metadata, task.MaxRetries,
			sqldb.Millis(task.CreatedAt), sqldb.Millis(task.UpdatedAt))
		if err != nil {
			if sqldb.IsDuplicateKey(err) {
				return ErrTaskConflict
			}
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入任务失败")
		}
		return nil
	})
}

// Get implements Store.
func (s *SQLStore) Get(ctx context.Context, id string) (*Task, error) {
	return s.get(ctx, s.db, id)
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *SQLStore) get(ctx context.Context, q queryRower, id string) (*Task, error) {
	row := q.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	task, err := scanTask(row)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrTaskNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询任务失败")
	}
	return task, nil
}

// Start implements Store.
func (s *SQLStore) Start(ctx context.Context, id string) (*Task, error) {
	var started *Task
	err := s.db.WithTx(ctx, func(tx *sql.Tx) error {
		now := sqldb.Millis(s.now())
		res, err := tx.ExecContext(ctx,
			`UPDATE tasks SET status = 'running', started_at = ?, updated_at = ? WHERE id = ? AND status = 'pending'`,
			now, now, id)
		if err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "启动任务失败")
		}
		current, err := s.get(ctx, tx, id)
		if err != nil {
			return err
		}
		started = current
		if affected, _ := res.RowsAffected(); affected == 0 {
			return ErrTaskConflict
		}
		return nil
	})
	return started, err
}

// Claim implements Store.
func (s *SQLStore) Claim(ctx context.Context, id string) (*Task, error) {
	var claimed *Task
	err := s.db.WithTx(ctx, func(tx *sql.Tx) error {
		current, err := s.get(ctx, tx, id)
		if err != nil {
			return err
		}
		claimed = current
		switch current.Status {
		case StatusCompleted:
			return ErrTaskCompleted
		case StatusFailed:
			return ErrTaskExhausted
		case StatusPending:
			return ErrTaskConflict
		}
		if current.Attempts > current.MaxRetries {
			return ErrTaskExhausted
		}
		now := s.now()
		res, err := tx.ExecContext(ctx,
			`UPDATE tasks SET attempts = attempts + 1, updated_at = ? WHERE id = ? AND status = 'running' AND attempts = ?`,
			sqldb.Millis(now), id, current.Attempts)
		if err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "领取任务失败")
		}
		if affected, _ := res.RowsAffected(); affected == 0 {
			return ErrTaskConflict
		}
		claimed.Attempts++
		claimed.UpdatedAt = now
		return nil
	})
	return claimed, err
}

// UpdateProgress implements Store.
func (s *SQLStore) UpdateProgress(ctx context.Context, id, message string) error {
	return s.exec(ctx, "更新任务进度失败",
		`UPDATE tasks SET progress_message = ?, updated_at = ? WHERE id = ?`,
		sqldb.NullString(message), sqldb.Millis(s.now()), id)
}

// MarkCompleted implements Store.
func (s *SQLStore) MarkCompleted(ctx context.Context, id string, result Result) error {
	metadata, err := marshalMetadata(result.Metadata)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码结果 metadata 失败")
	}
	if result.ResultType == "" {
		result.ResultType = "text"
	}
	now := s.now()
	return s.db.WithTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE tasks SET status = 'completed', actual_cost = ?, completed_at = ?,
			updated_at = ?, progress_message = NULL, error_message = NULL, error_code = NULL, metadata = ?
			WHERE id = ?`,
			result.ActualCost, sqldb.Millis(now), sqldb.Millis(now), metadata, id)
		if err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "标记任务成功失败")
		}
		if affected, _ := res.RowsAffected(); affected == 0 {
			return ErrTaskNotFound
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM task_results WHERE task_id = ?`, id); err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "替换任务结果失败")
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO task_results (task_id, result_type, content, actual_cost, metadata, created_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			id, result.ResultType, result.Content, result.ActualCost, metadata, sqldb.Millis(now)); err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入任务结果失败")
		}
		return nil
	})
}

// MarkFailed implements Store.
func (s *SQLStore) MarkFailed(ctx context.Context, id string, code xerrors.Code, message string, terminal bool) error {
	now := sqldb.Millis(s.now())
	if terminal {
		return s.exec(ctx, "标记任务失败失败",
			`UPDATE tasks SET status = 'failed', error_message = ?, error_code = ?, completed_at = ?,
				progress_message = NULL, updated_at = ? WHERE id = ?`,
			message, string(code), now, now, id)
	}
	return s.exec(ctx, "记录任务错误失败",
		`UPDATE tasks SET error_message = ?, error_code = ?, updated_at = ? WHERE id = ?`,
		message, string(code), now, id)
}

// SetApprovalRequest implements Store.
func (s *SQLStore) SetApprovalRequest(ctx context.Context, id, approvalID string) error {
	return s.exec(ctx, "关联审批请求失败",
		`UPDATE tasks SET approval_request_id = ?, updated_at = ? WHERE id = ?`,
		sqldb.NullString(approvalID), sqldb.Millis(s.now()), id)
}

// SetPaymentStatus implements Store.
func (s *SQLStore) SetPaymentStatus(ctx context.Context, id string, status PaymentStatus, txHash string) error {
	now := sqldb.Millis(s.now())
	if status == PaymentPaid {
		return s.exec(ctx, "更新支付状态失败",
			`UPDATE tasks SET payment_status = ?, payment_tx_hash = COALESCE(?, payment_tx_hash), paid_at = ?, updated_at = ? WHERE id = ?`,
			string(status), sqldb.NullString(txHash), now, now, id)
	}
	return s.exec(ctx, "更新支付状态失败",
		`UPDATE tasks SET payment_status = ?, payment_tx_hash = COALESCE(?, payment_tx_hash), updated_at = ? WHERE id = ?`,
		string(status), sqldb.NullString(txHash), now, id)
}

// GetResult implements Store.
func (s *SQLStore) GetResult(ctx context.Context, id string) (*Result, error) {
	var (
		result    Result
		metadata  sql.NullString
		createdAt int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT task_id, result_type, content, actual_cost, metadata, created_at FROM task_results WHERE task_id = ?`, id).
		Scan(&result.TaskID, &result.ResultType, &result.Content, &result.ActualCost, &metadata, &createdAt)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrResultNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询任务结果失败")
	}
	if result.Metadata, err = unmarshalMetadata(metadata); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析结果 metadata 失败")
	}
	result.CreatedAt = sqldb.FromMillis(createdAt)
	return &result, nil
}

// Delete implements Store.
func (s *SQLStore) Delete(ctx context.Context, id string) error {
	return s.db.WithTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE id = ? AND status IN ('pending', 'failed')`, id)
		if err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "删除任务失败")
		}
		if affected, _ := res.RowsAffected(); affected == 0 {
			if _, err := s.get(ctx, tx, id); err != nil {
				return err
			}
			return ErrTaskConflict
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM task_results WHERE task_id = ?`, id); err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "删除任务结果失败")
		}
		return nil
	})
}

// List implements Store.
func (s *SQLStore) List(ctx context.Context, opts ListOptions) ([]*Task, int, error) {
	opts.applyDefaults()
	where, args := buildWhere(opts)

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM tasks`+where, args...).Scan(&total); err != nil {
		return nil, 0, xerrors.Wrap(xerrors.CodeStorageFailure, err, "统计任务数量失败")
	}

	order := " ORDER BY created_at DESC, id ASC"
	if opts.Order == SortByCreatedAsc {
		order = " ORDER BY created_at ASC, id ASC"
	}
	query := `SELECT ` + taskColumns + ` FROM tasks` + where + order + ` LIMIT ? OFFSET ?`
	rows, err := s.db.QueryContext(ctx, query, append(args, opts.Limit, opts.Offset)...)
	if err != nil {
		return nil, 0, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询任务列表失败")
	}
	defer rows.Close()

	tasks := make([]*Task, 0, opts.Limit)
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, 0, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析任务记录失败")
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历任务失败")
	}
	return tasks, total, nil
}

// CountActive implements Store.
func (s *SQLStore) CountActive(ctx context.Context, userID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM tasks WHERE user_id = ? AND status IN ('pending', 'running')`, userID).Scan(&count)
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodeStorageFailure, err, "统计活跃任务失败")
	}
	return count, nil
}

// Stats implements Store.
func (s *SQLStore) Stats(ctx context.Context, opts ListOptions) (TaskStats, error) {
	opts.applyDefaults()
	where, args := buildWhere(opts)
	query := `SELECT status, payment_status, COUNT(*), COALESCE(SUM(COALESCE(actual_cost, estimated_cost)), 0)
		FROM tasks` + where + ` GROUP BY status, payment_status`
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return TaskStats{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询任务统计失败")
	}
	defer rows.Close()

	var stats TaskStats
	for rows.Next() {
		var (
			status, payment string
			count           int
			amount          float64
		)
		if err := rows.Scan(&status, &payment, &count, &amount); err != nil {
			return TaskStats{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析任务统计失败")
		}
		stats.Total += count
		switch Status(status) {
		case StatusPending:
			stats.Pending += count
		case StatusRunning:
			stats.Running += count
		case StatusCompleted:
			stats.Completed += count
		case StatusFailed:
			stats.Failed += count
		}
		if PaymentStatus(payment) == PaymentPaid {
			stats.Paid += count
			stats.RevenueUSD += amount
		}
	}
	return stats, rows.Err()
}

// Close 不关闭数据库，连接由调用方管理。
func (s *SQLStore) Close() error {
	return nil
}

func (s *SQLStore) exec(ctx context.Context, op, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, op)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return ErrTaskNotFound
	}
	return nil
}

func buildWhere(opts ListOptions) (string, []any) {
	var (
		clauses []string
		args    []any
	)
	if opts.UserID != "" {
		clauses = append(clauses, "user_id = ?")
		args = append(args, opts.UserID)
	}
	if opts.AgentType != "" {
		clauses = append(clauses, "agent_type = ?")
		args = append(args, opts.AgentType)
	}
	if len(opts.Statuses) > 0 {
		placeholders := make([]string, len(opts.Statuses))
		for i, status := range opts.Statuses {
			placeholders[i] = "?"
			args = append(args, string(status))
		}
		clauses = append(clauses, fmt.Sprintf("status IN (%s)", strings.Join(placeholders, ", ")))
	}
	if len(opts.PaymentStatuses) > 0 {
		placeholders := make([]string, len(opts.PaymentStatuses))
		for i, status := range opts.PaymentStatuses {
			placeholders[i] = "?"
			args = append(args, string(status))
		}
		clauses = append(clauses, fmt.Sprintf("payment_status IN (%s)", strings.Join(placeholders, ", ")))
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*Task, error) {
	var (
		task                           Task
		input, status, payment         string
		actualCost                     sql.NullFloat64
		txHash, approvalID, progress   sql.NullString
		errMsg, errCode, metadata      sql.NullString
		createdAt, updatedAt           int64
		startedAt, completedAt, paidAt sql.NullInt64
	)
	if err := row.Scan(
		&task.ID, &task.UserID, &task.AgentType, &input, &status, &task.EstimatedCost, &actualCost, &payment,
		&txHash, &approvalID, &progress, &errMsg, &errCode, &metadata,
		&task.Attempts, &task.MaxRetries, &createdAt, &startedAt, &completedAt, &paidAt, &updatedAt,
	); err != nil {
		return nil, err
	}
	task.InputData = json.RawMessage(input)
	task.Status = Status(status)
	task.PaymentStatus = PaymentStatus(payment)
	if actualCost.Valid {
		cost := actualCost.Float64
		task.ActualCost = &cost
	}
	task.PaymentTxHash = txHash.String
	task.ApprovalRequestID = approvalID.String
	task.ProgressMessage = progress.String
	task.Error = errMsg.String
	task.ErrorCode = errCode.String
	meta, err := unmarshalMetadata(metadata)
	if err != nil {
		return nil, fmt.Errorf("解析任务 metadata 失败: %w", err)
	}
	task.Metadata = meta
	task.CreatedAt = sqldb.FromMillis(createdAt)
	task.UpdatedAt = sqldb.FromMillis(updatedAt)
	task.StartedAt = sqldb.FromNullMillis(startedAt)
	task.CompletedAt = sqldb.FromNullMillis(completedAt)
	task.PaidAt = sqldb.FromNullMillis(paidAt)
	return &task, nil
}

func marshalMetadata(metadata map[string]any) (sql.NullString, error) {
	if len(metadata) == 0 {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(metadata)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func unmarshalMetadata(value sql.NullString) (map[string]any, error) {
	if !value.Valid || strings.TrimSpace(value.String) == "" {
		return nil, nil
	}
	var metadata map[string]any
	if err := json.Unmarshal([]byte(value.String), &metadata); err != nil {
		return nil, err
	}
	return metadata, nil
}

var _ Store = (*SQLStore)(nil)

// userLocks 为每个用户分配一把互斥锁，无人使用时回收。
type userLocks struct {
	mu    sync.Mutex
	locks map[string]*userLock
}

type userLock struct {
	sync.Mutex
	refs int
}

func (l *userLocks) lock(user string) (unlock func()) {
	l.mu.Lock()
	if l.locks == nil {
		l.locks = make(map[string]*userLock)
	}
	ul, ok := l.locks[user]
	if !ok {
		ul = &userLock{}
		l.locks[user] = ul
	}
	ul.refs++
	l.mu.Unlock()

	ul.Lock()
	return func() {
		ul.Unlock()
		l.mu.Lock()
		ul.refs--
		if ul.refs == 0 {
			delete(l.locks, user)
		}
		l.mu.Unlock()
	}
}
