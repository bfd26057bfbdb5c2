package wallet

import (
	"context"
	"database/sql"
	stdErrors "errors"

	xerrors "AgentBounty/internal/errors"
	"AgentBounty/internal/storage/sqldb"
)

// SQLStore persists bindings in the wallet_bindings table.
type SQLStore struct {
	db *sqldb.DB
}

func NewSQLStore(db *sqldb.DB) (*SQLStore, error) {
	if db == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "wallet store requires a database")
	}
	return &SQLStore{db: db}, nil
}

// Save replaces any previous binding of the user.
func (s *SQLStore) Save(ctx context.Context, b *Binding) error {
	err := s.db.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM wallet_bindings WHERE user_id = ?`, b.UserID); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `INSERT INTO wallet_bindings (user_id, address, connected_at) VALUES (?, ?, ?)`,
			b.UserID, b.Address, sqldb.Millis(b.ConnectedAt))
		return err
	})
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "save wallet binding")
	}
	return nil
}

func (s *SQLStore) Get(ctx context.Context, userID string) (*Binding, error) {
	var (
		b  = Binding{UserID: userID}
		ms int64
	)
	err := s.db.QueryRowContext(ctx, `SELECT address, connected_at FROM wallet_bindings WHERE user_id = ?`, userID).
		Scan(&b.Address, &ms)
	if stdErrors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotConnected
	}
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "load wallet binding")
	}
	b.ConnectedAt = sqldb.FromMillis(ms)
	return &b, nil
}

func (s *SQLStore) Delete(ctx context.Context, userID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM wallet_bindings WHERE user_id = ?`, userID)
	if err != nil {
		return false, xerrors.Wrap(xerrors.CodeStorageFailure, err, "delete wallet binding")
	}
	affected, _ := res.RowsAffected()
	return affected > 0, nil
}
