package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"github.com/lib/pq"
)

const (
	IdempotencyInProgress = "in_progress"
	IdempotencyCompleted  = "completed"
)

// ErrKeyInProgress means another execution holds the same key and has not
// resolved yet. Callers back off and retry; they must not run concurrently.
var ErrKeyInProgress = errors.New("operation in progress for idempotency key")

type IdempotencyStore struct {
	db DB
}

type IdempotencyRecord struct {
	Key          string          `db:"key"`
	RequestHash  string          `db:"request_hash"`
	Status       string          `db:"status"`
	ResponseBody json.RawMessage `db:"response_body"`
	CreatedAt    any             `db:"created_at"`
}

func NewIdempotencyStore(db DB) *IdempotencyStore {
	return &IdempotencyStore{db: db}
}

// Get looks a key up inside the operation's transaction. A missing key
// returns (record, false, nil).
func (s *IdempotencyStore) Get(ctx context.Context, tx Getter, key string) (IdempotencyRecord, bool, error) {
	var row IdempotencyRecord
	err := tx.GetContext(ctx, &row, `
		SELECT key, request_hash, status, response_body, created_at
		FROM idempotency_keys
		WHERE key = $1
	`, key)
	if err == sql.ErrNoRows {
		return IdempotencyRecord{}, false, nil
	}
	if err != nil {
		return IdempotencyRecord{}, false, err
	}
	return row, true, nil
}

// Reserve claims the key for the current execution. A unique violation
// means a concurrent execution already holds it.
func (s *IdempotencyStore) Reserve(ctx context.Context, tx Execer, key, requestHash string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO idempotency_keys (key, request_hash, status)
		VALUES ($1, $2, 'in_progress')
	`, key, requestHash)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return ErrKeyInProgress
		}
		return err
	}
	return nil
}

// GetCommitted reads a key outside any transaction; used by callers
// reconciling an operation whose outcome they never saw.
func (s *IdempotencyStore) GetCommitted(ctx context.Context, key string) (IdempotencyRecord, bool, error) {
	var row IdempotencyRecord
	err := s.db.GetContext(ctx, &row, `
		SELECT key, request_hash, status, response_body, created_at
		FROM idempotency_keys
		WHERE key = $1 AND status = 'completed'
	`, key)
	if err == sql.ErrNoRows {
		return IdempotencyRecord{}, false, nil
	}
	if err != nil {
		return IdempotencyRecord{}, false, err
	}
	return row, true, nil
}

// Complete stores the committed result against the key. Both writes ride
// the operation's transaction, so a rolled-back operation releases its
// reservation with it.
func (s *IdempotencyStore) Complete(ctx context.Context, tx Execer, key string, responseBody []byte) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE idempotency_keys
		SET status = 'completed', response_body = $1
		WHERE key = $2
	`, responseBody, key)
	return err
}
