package db

import (
	"context"
	"database/sql"
	"time"

	"github.com/deemkeen/tusk/domain"
	"github.com/google/uuid"
)

const (
	sqlAccountColumns      = `id, username, display_name, summary, locked, public_key, private_key_pem, created_at`
	sqlInsertAccount       = `INSERT INTO accounts(` + sqlAccountColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	sqlSelectAccountByName = `SELECT ` + sqlAccountColumns + ` FROM accounts WHERE username = ?`
	sqlSelectAccounts      = `SELECT ` + sqlAccountColumns + ` FROM accounts ORDER BY username`
	sqlUpdateAccountLocked = `UPDATE accounts SET locked = ? WHERE username = ?`
)

func (db *DB) CreateAccount(ctx context.Context, acc *domain.Account) error {
	if acc.Id == uuid.Nil {
		id, err := uuid.NewV7()
		if err != nil {
			return err
		}
		acc.Id = id
	}
	if acc.CreatedAt.IsZero() {
		acc.CreatedAt = time.Now()
	}
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, sqlInsertAccount,
			acc.Id,
			acc.Username,
			acc.DisplayName,
			acc.Summary,
			acc.Locked,
			acc.PublicKey,
			acc.PrivateKeyPem,
			utc(acc.CreatedAt),
		)
		return err
	})
}

func (db *DB) AccountByUsername(ctx context.Context, username string) (*domain.Account, error) {
	return scanAccount(db.db.QueryRowContext(ctx, sqlSelectAccountByName, username))
}

func (db *DB) ListAccounts(ctx context.Context) ([]*domain.Account, error) {
	rows, err := db.db.QueryContext(ctx, sqlSelectAccounts)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var accounts []*domain.Account
	for rows.Next() {
		acc, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, acc)
	}
	return accounts, rows.Err()
}

func (db *DB) SetAccountLocked(ctx context.Context, username string, locked bool) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, sqlUpdateAccountLocked, locked, username)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

type scanner interface {
	Scan(dest ...any) error
}

func scanAccount(row scanner) (*domain.Account, error) {
	var acc domain.Account
	err := row.Scan(&acc.Id, &acc.Username, &acc.DisplayName, &acc.Summary, &acc.Locked, &acc.PublicKey, &acc.PrivateKeyPem, &acc.CreatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return &acc, nil
}
