package approval

import (
	"context"
	"database/sql"
	stdErrors "errors"
	"time"

	xerrors "AgentBounty/internal/errors"
	"AgentBounty/internal/storage/sqldb"
)

// SQLStore persists approvals in the approval_requests and magic_links
// tables.
type SQLStore struct {
	db *sqldb.DB
}

// NewSQLStore wraps an open, migrated database.
func NewSQLStore(db *sqldb.DB) (*SQLStore, error) {
	if db == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "approval store requires a database")
	}
	return &SQLStore{db: db}, nil
}

const requestColumns = `id, auth_req_id, task_id, user_id, status, amount, binding_message,
	created_at, expires_at, approved_at, denied_at`

const linkColumns = `id, token, task_id, user_id, status, amount, description,
	created_at, expires_at, approved_at, denied_at`

// CreateRequest implements Store. pending_task_id carries the task id only
// while the request is pending; its unique index allows one pending request
// per task.
func (s *SQLStore) CreateRequest(ctx context.Context, req *Request) error {
	var pendingTask sql.NullString
	if req.Status == StatusPending {
		pendingTask = sql.NullString{String: req.TaskID, Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO approval_requests (`+requestColumns+`, pending_task_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		req.ID, req.AuthReqID, req.TaskID, req.UserID, string(req.Status), req.Amount,
		sqldb.NullString(req.BindingMessage), sqldb.Millis(req.CreatedAt), sqldb.Millis(req.ExpiresAt),
		sqldb.NullMillis(req.ApprovedAt), sqldb.NullMillis(req.DeniedAt), pendingTask)
	if err != nil {
		if sqldb.IsDuplicateKey(err) {
			return ErrPending
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "insert approval request")
	}
	return nil
}

// GetRequest implements Store.
func (s *SQLStore) GetRequest(ctx context.Context, id string) (*Request, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+requestColumns+` FROM approval_requests WHERE id = ?`, id)
	return scanRequest(row)
}

// LatestForTask implements Store.
func (s *SQLStore) LatestForTask(ctx context.Context, taskID string) (*Request, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+requestColumns+` FROM approval_requests
		WHERE task_id = ? ORDER BY created_at DESC, id DESC LIMIT 1`, taskID)
	return scanRequest(row)
}

// ResolveRequest implements Store.
func (s *SQLStore) ResolveRequest(ctx context.Context, id string, status Status, at time.Time) error {
	res, err := s.db.ExecContext(ctx, resolveQuery("approval_requests", "id", status),
		resolveArgs(status, at, id)...)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "resolve approval request")
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		if _, err := s.GetRequest(ctx, id); err != nil {
			return err
		}
		return ErrNotPending
	}
	return nil
}

// ResolvePendingForTask implements Store.
func (s *SQLStore) ResolvePendingForTask(ctx context.Context, taskID string, status Status, at time.Time) ([]string, error) {
	var ids []string
	err := s.db.WithTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx,
			`SELECT id FROM approval_requests WHERE task_id = ? AND status = 'pending'`, taskID)
		if err != nil {
			return err
		}
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return err
			}
			ids = append(ids, id)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}
		for _, id := range ids {
			if _, err := tx.ExecContext(ctx, resolveQuery("approval_requests", "id", status),
				resolveArgs(status, at, id)...); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "resolve task approvals")
	}
	return ids, nil
}

// ExpireRequests implements Store.
func (s *SQLStore) ExpireRequests(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE approval_requests SET status = 'expired', pending_task_id = NULL
		WHERE status = 'pending' AND expires_at < ?`,
		sqldb.Millis(now))
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodeStorageFailure, err, "expire approval requests")
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// CreateLink implements Store.
func (s *SQLStore) CreateLink(ctx context.Context, link *MagicLink) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO magic_links (`+linkColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		link.ID, link.Token, link.TaskID, link.UserID, string(link.Status), link.Amount,
		sqldb.NullString(link.Description), sqldb.Millis(link.CreatedAt), sqldb.Millis(link.ExpiresAt),
		sqldb.NullMillis(link.ApprovedAt), sqldb.NullMillis(link.DeniedAt))
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "insert magic link")
	}
	return nil
}

// GetLink implements Store.
func (s *SQLStore) GetLink(ctx context.Context, id string) (*MagicLink, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+linkColumns+` FROM magic_links WHERE id = ?`, id)
	link, err := scanLink(row)
	if stdErrors.Is(err, sql.ErrNoRows) {
		return nil, ErrLinkNotFound
	}
	return link, err
}

// GetLinkByToken implements Store.
func (s *SQLStore) GetLinkByToken(ctx context.Context, token string) (*MagicLink, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+linkColumns+` FROM magic_links WHERE token = ?`, token)
	link, err := scanLink(row)
	if stdErrors.Is(err, sql.ErrNoRows) {
		return nil, ErrLinkInvalid
	}
	return link, err
}

// LatestLinkForTask implements Store.
func (s *SQLStore) LatestLinkForTask(ctx context.Context, taskID string) (*MagicLink, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+linkColumns+` FROM magic_links
		WHERE task_id = ? ORDER BY created_at DESC, id DESC LIMIT 1`, taskID)
	link, err := scanLink(row)
	if stdErrors.Is(err, sql.ErrNoRows) {
		return nil, ErrLinkNotFound
	}
	return link, err
}

// ResolveLink implements Store.
func (s *SQLStore) ResolveLink(ctx context.Context, id string, status Status, at time.Time) error {
	res, err := s.db.ExecContext(ctx, resolveQuery("magic_links", "id", status), resolveArgs(status, at, id)...)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "resolve magic link")
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		if _, err := s.GetLink(ctx, id); err != nil {
			return err
		}
		return ErrNotPending
	}
	return nil
}

// ExpireLinks implements Store.
func (s *SQLStore) ExpireLinks(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE magic_links SET status = 'expired' WHERE status = 'pending' AND expires_at < ?`,
		sqldb.Millis(now))
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodeStorageFailure, err, "expire magic links")
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func resolveQuery(table, key string, status Status) string {
	set := `status = ?`
	if table == "approval_requests" {
		set += `, pending_task_id = NULL`
	}
	switch status {
	case StatusApproved:
		set += `, approved_at = ?`
	case StatusDenied:
		set += `, denied_at = ?`
	}
	return `UPDATE ` + table + ` SET ` + set + ` WHERE ` + key + ` = ? AND status = 'pending'`
}

func resolveArgs(status Status, at time.Time, key string) []any {
	if status == StatusApproved || status == StatusDenied {
		return []any{string(status), sqldb.Millis(at), key}
	}
	return []any{string(status), key}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRequest(row rowScanner) (*Request, error) {
	var (
		req                  Request
		status               string
		binding              sql.NullString
		createdAt, expiresAt int64
		approvedAt, deniedAt sql.NullInt64
	)
	err := row.Scan(&req.ID, &req.AuthReqID, &req.TaskID, &req.UserID, &status, &req.Amount, &binding,
		&createdAt, &expiresAt, &approvedAt, &deniedAt)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "query approval request")
	}
	req.Status = Status(status)
	req.BindingMessage = binding.String
	req.CreatedAt = sqldb.FromMillis(createdAt)
	req.ExpiresAt = sqldb.FromMillis(expiresAt)
	req.ApprovedAt = sqldb.FromNullMillis(approvedAt)
	req.DeniedAt = sqldb.FromNullMillis(deniedAt)
	return &req, nil
}

func scanLink(row rowScanner) (*MagicLink, error) {
	var (
		link                 MagicLink
		status               string
		description          sql.NullString
		createdAt, expiresAt int64
		approvedAt, deniedAt sql.NullInt64
	)
	err := row.Scan(&link.ID, &link.Token, &link.TaskID, &link.UserID, &status, &link.Amount, &description,
		&createdAt, &expiresAt, &approvedAt, &deniedAt)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "query magic link")
	}
	link.Status = Status(status)
	link.Description = description.String
	link.CreatedAt = sqldb.FromMillis(createdAt)
	link.ExpiresAt = sqldb.FromMillis(expiresAt)
	link.ApprovedAt = sqldb.FromNullMillis(approvedAt)
	link.DeniedAt = sqldb.FromNullMillis(deniedAt)
	return &link, nil
}

var _ Store = (*SQLStore)(nil)
