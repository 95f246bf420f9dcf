package store

import (
	"context"
	"database/sql"
	"errors"
)

// ErrVersionConflict means a balance write raced past the row lock: the
// version observed at read time no longer matched at write time.
var ErrVersionConflict = errors.New("account version conflict")

type AccountStore struct {
	db DB
}

type Account struct {
	ID        string  `db:"id"`
	UserID    *string `db:"user_id"`
	Balance   int64   `db:"balance"`
	Version   int64   `db:"version"`
	IsSystem  bool    `db:"is_system"`
	CreatedAt any     `db:"created_at"`
}

func NewAccountStore(db DB) *AccountStore {
	return &AccountStore{db: db}
}

func (s *AccountStore) Create(ctx context.Context, tx Execer, id string, userID *string, balance int64, isSystem bool) error {
	query := `
		INSERT INTO accounts (id, user_id, balance, version, is_system)
		VALUES ($1, $2, $3, 0, $4)
	`
	_, err := tx.ExecContext(ctx, query, id, userID, balance, isSystem)
	return err
}

func (s *AccountStore) GetByID(ctx context.Context, accountID string) (Account, error) {
	var row Account
	err := s.db.GetContext(ctx, &row, `
		SELECT id, user_id, balance, version, is_system, created_at
		FROM accounts
		WHERE id = $1
	`, accountID)
	if err != nil {
		return Account{}, err
	}
	return row, nil
}

func (s *AccountStore) GetByUserID(ctx context.Context, userID string) (Account, error) {
	var row Account
	err := s.db.GetContext(ctx, &row, `
		SELECT id, user_id, balance, version, is_system, created_at
		FROM accounts
		WHERE user_id = $1
	`, userID)
	if err != nil {
		return Account{}, err
	}
	return row, nil
}

// GetForUpdate locks the account row for the remainder of the enclosing
// transaction. Every balance mutation goes through this lock.
func (s *AccountStore) GetForUpdate(ctx context.Context, tx Getter, accountID string) (Account, error) {
	var row Account
	err := tx.GetContext(ctx, &row, `
		SELECT id, user_id, balance, version, is_system
		FROM accounts
		WHERE id = $1
		FOR UPDATE
	`, accountID)
	if err != nil {
		return Account{}, err
	}
	return row, nil
}

// UpdateBalance writes the new balance only if the row still carries the
// version observed under lock, bumping it on success.
func (s *AccountStore) UpdateBalance(ctx context.Context, tx Execer, accountID string, balance, expectedVersion int64) error {
	res, err := tx.ExecContext(ctx, `
		UPDATE accounts
		SET balance = $1, version = version + 1, updated_at = NOW()
		WHERE id = $2 AND version = $3
	`, balance, accountID, expectedVersion)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrVersionConflict
	}
	return nil
}

// GetPlatformAccount returns the id of the treasury row that acts as
// counterparty for deposits, withdrawals and purchase remainders.
func (s *AccountStore) GetPlatformAccount(ctx context.Context) (string, error) {
	var id string
	err := s.db.GetContext(ctx, &id, `
		SELECT id
		FROM accounts
		WHERE is_system = TRUE
	`)
	return id, err
}

// Exists reports whether the account row is present; used to distinguish
// "recipient not found" from infrastructure errors before taking locks.
func (s *AccountStore) Exists(ctx context.Context, accountID string) (bool, error) {
	var exists bool
	err := s.db.GetContext(ctx, &exists, `
		SELECT EXISTS(SELECT 1 FROM accounts WHERE id = $1)
	`, accountID)
	if err != nil && err != sql.ErrNoRows {
		return false, err
	}
	return exists, nil
}
