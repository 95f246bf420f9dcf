package store

import "context"

// Ledger entry types. Amounts are signed: debit types carry negative
// amounts, credit types positive.
const (
	EntryDeposit     = "deposit"
	EntryWithdraw    = "withdraw"
	EntryTransferIn  = "transfer_in"
	EntryTransferOut = "transfer_out"
	EntryPayment     = "payment"
	EntryRefund      = "refund"
	EntryCommission  = "commission"
	EntryReward      = "reward"
)

const (
	StatusPending   = "pending"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

type LedgerStore struct {
	db DB
}

func NewLedgerStore(db DB) *LedgerStore {
	return &LedgerStore{db: db}
}

type LedgerEntryInput struct {
	ID             string
	OperationID    string
	AccountID      string
	Type           string
	Amount         int64
	BalanceBefore  int64
	BalanceAfter   int64
	CounterpartyID *string
	ReferenceType  string
	ReferenceID    string
	Status         string
	Metadata       string
}

type LedgerEntry struct {
	ID             string  `db:"id"`
	OperationID    string  `db:"operation_id"`
	AccountID      string  `db:"account_id"`
	Type           string  `db:"type"`
	Amount         int64   `db:"amount"`
	BalanceBefore  int64   `db:"balance_before"`
	BalanceAfter   int64   `db:"balance_after"`
	CounterpartyID *string `db:"counterparty_account_id"`
	ReferenceType  string  `db:"reference_type"`
	ReferenceID    string  `db:"reference_id"`
	Status         string  `db:"status"`
	Metadata       string  `db:"metadata"`
	CreatedAt      any     `db:"created_at"`
}

type TypeSum struct {
	Type  string `db:"type"`
	Total int64  `db:"total"`
	Count int64  `db:"count"`
}

// InsertEntries appends the legs of one operation. There is no update or
// delete path anywhere in this store: corrections are compensating entries.
func (s *LedgerStore) InsertEntries(ctx context.Context, tx Execer, entries []LedgerEntryInput) error {
	query := `
		INSERT INTO ledger_entries
			(id, operation_id, account_id, type, amount, balance_before, balance_after,
			 counterparty_account_id, reference_type, reference_id, status, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`
	for _, entry := range entries {
		if _, err := tx.ExecContext(ctx, query,
			entry.ID, entry.OperationID, entry.AccountID, entry.Type, entry.Amount,
			entry.BalanceBefore, entry.BalanceAfter, entry.CounterpartyID,
			entry.ReferenceType, entry.ReferenceID, entry.Status, entry.Metadata,
		); err != nil {
			return err
		}
	}
	return nil
}

func (s *LedgerStore) ListByAccount(ctx context.Context, accountID string, limit, offset int) ([]LedgerEntry, error) {
	var rows []LedgerEntry
	err := s.db.SelectContext(ctx, &rows, `
		SELECT id, operation_id, account_id, type, amount, balance_before, balance_after,
		       counterparty_account_id, reference_type, reference_id, status, metadata, created_at
		FROM ledger_entries
		WHERE account_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2 OFFSET $3
	`, accountID, limit, offset)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (s *LedgerStore) ListByReference(ctx context.Context, referenceType, referenceID string) ([]LedgerEntry, error) {
	var rows []LedgerEntry
	err := s.db.SelectContext(ctx, &rows, `
		SELECT id, operation_id, account_id, type, amount, balance_before, balance_after,
		       counterparty_account_id, reference_type, reference_id, status, metadata, created_at
		FROM ledger_entries
		WHERE reference_type = $1 AND reference_id = $2
		ORDER BY created_at ASC, id ASC
	`, referenceType, referenceID)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (s *LedgerStore) ListByOperation(ctx context.Context, operationID string) ([]LedgerEntry, error) {
	var rows []LedgerEntry
	err := s.db.SelectContext(ctx, &rows, `
		SELECT id, operation_id, account_id, type, amount, balance_before, balance_after,
		       counterparty_account_id, reference_type, reference_id, status, metadata, created_at
		FROM ledger_entries
		WHERE operation_id = $1
		ORDER BY created_at ASC, id ASC
	`, operationID)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// SumByType aggregates completed entries per type over a date range,
// for reporting. Bounds are RFC3339 timestamps; either may be empty.
func (s *LedgerStore) SumByType(ctx context.Context, accountID, from, to string) ([]TypeSum, error) {
	query := `
		SELECT type, COALESCE(SUM(amount), 0) AS total, COUNT(*) AS count
		FROM ledger_entries
		WHERE status = 'completed'
	`
	args := []any{}
	param := 1
	if accountID != "" {
		query += " AND account_id = $" + itoa(param)
		args = append(args, accountID)
		param++
	}
	if from != "" {
		query += " AND created_at >= $" + itoa(param)
		args = append(args, from)
		param++
	}
	if to != "" {
		query += " AND created_at < $" + itoa(param)
		args = append(args, to)
		param++
	}
	query += " GROUP BY type ORDER BY type"
	var rows []TypeSum
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, err
	}
	return rows, nil
}

func (s *LedgerStore) SumByAccount(ctx context.Context, accountID string) (int64, error) {
	var sum int64
	err := s.db.GetContext(ctx, &sum, `
		SELECT COALESCE(SUM(amount), 0)
		FROM ledger_entries
		WHERE account_id = $1 AND status = 'completed'
	`, accountID)
	return sum, err
}
