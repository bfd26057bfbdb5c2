package auth

import (
	"context"
	"database/sql"
	stdErrors "errors"

	xerrors "AgentBounty/internal/errors"
	"AgentBounty/internal/storage/sqldb"
)

// SQLStore keeps the directory in the users table.
type SQLStore struct {
	db *sqldb.DB
}

func NewSQLStore(db *sqldb.DB) (*SQLStore, error) {
	if db == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "user store requires a database")
	}
	return &SQLStore{db: db}, nil
}

const userColumns = `id, email, name, password_hash, disabled, created_at`

func (s *SQLStore) FindByEmail(ctx context.Context, email string) (*User, error) {
	return s.scan(s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE email = ?`, normaliseEmail(email)))
}

func (s *SQLStore) Get(ctx context.Context, id string) (*User, error) {
	return s.scan(s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = ?`, id))
}

// Upsert replaces any user sharing the email, then inserts u.
func (s *SQLStore) Upsert(ctx context.Context, u *User) error {
	disabled := 0
	if u.Disabled {
		disabled = 1
	}
	err := s.db.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM users WHERE email = ? OR id = ?`, normaliseEmail(u.Email), u.ID); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `INSERT INTO users (`+userColumns+`) VALUES (?, ?, ?, ?, ?, ?)`,
			u.ID, normaliseEmail(u.Email), u.Name, u.PasswordHash, disabled, sqldb.Millis(u.CreatedAt))
		return err
	})
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "upsert user")
	}
	return nil
}

func (s *SQLStore) scan(row *sql.Row) (*User, error) {
	var (
		u        User
		disabled int
		created  int64
	)
	err := row.Scan(&u.ID, &u.Email, &u.Name, &u.PasswordHash, &disabled, &created)
	if stdErrors.Is(err, sql.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "load user")
	}
	u.Disabled = disabled == 1
	u.CreatedAt = sqldb.FromMillis(created)
	return &u, nil
}
