package store

import "context"

type TransferStore struct {
	db DB
}

type Transfer struct {
	ID                 string  `db:"id"`
	SenderAccountID    string  `db:"sender_account_id"`
	RecipientAccountID string  `db:"recipient_account_id"`
	Amount             int64   `db:"amount"`
	Message            string  `db:"message"`
	Status             string  `db:"status"`
	CompletedAt        any     `db:"completed_at"`
	CreatedAt          any     `db:"created_at"`
	SenderUsername     *string `db:"sender_username"`
	RecipientUsername  *string `db:"recipient_username"`
}

type TransferInput struct {
	ID                 string
	SenderAccountID    string
	RecipientAccountID string
	Amount             int64
	Message            string
	Status             string
}

func NewTransferStore(db DB) *TransferStore {
	return &TransferStore{db: db}
}

// Create inserts a resolved transfer. Rows are written once with their
// terminal status and never mutated afterwards.
func (s *TransferStore) Create(ctx context.Context, tx Execer, input TransferInput) error {
	query := `
		INSERT INTO transfers (id, sender_account_id, recipient_account_id, amount, message, status, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, CASE WHEN $6 = 'completed' THEN NOW() ELSE NULL END)
	`
	_, err := tx.ExecContext(ctx, query,
		input.ID, input.SenderAccountID, input.RecipientAccountID,
		input.Amount, input.Message, input.Status,
	)
	return err
}

func (s *TransferStore) GetByID(ctx context.Context, transferID string) (Transfer, error) {
	var row Transfer
	err := s.db.GetContext(ctx, &row, `
		SELECT id, sender_account_id, recipient_account_id, amount, message, status, completed_at, created_at
		FROM transfers
		WHERE id = $1
	`, transferID)
	if err != nil {
		return Transfer{}, err
	}
	return row, nil
}

func (s *TransferStore) ListByAccount(ctx context.Context, accountID string, limit, offset int) ([]Transfer, error) {
	var rows []Transfer
	err := s.db.SelectContext(ctx, &rows, `
		SELECT t.id, t.sender_account_id, t.recipient_account_id, t.amount, t.message,
		       t.status, t.completed_at, t.created_at,
		       su.username AS sender_username, ru.username AS recipient_username
		FROM transfers t
		LEFT JOIN accounts sa ON sa.id = t.sender_account_id
		LEFT JOIN users su ON su.id = sa.user_id
		LEFT JOIN accounts ra ON ra.id = t.recipient_account_id
		LEFT JOIN users ru ON ru.id = ra.user_id
		WHERE t.sender_account_id = $1 OR t.recipient_account_id = $1
		ORDER BY t.created_at DESC
		LIMIT $2 OFFSET $3
	`, accountID, limit, offset)
	if err != nil {
		return nil, err
	}
	return rows, nil
}
