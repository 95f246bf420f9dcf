package store

import "context"

const (
	AffiliatePending   = "pending"
	AffiliateActive    = "active"
	AffiliateSuspended = "suspended"
	AffiliateBanned    = "banned"
)

type AffiliateStore struct {
	db DB
}

type Affiliate struct {
	UserID           string `db:"user_id"`
	Code             string `db:"code"`
	LifetimeEarnings int64  `db:"lifetime_earnings"`
	PendingEarnings  int64  `db:"pending_earnings"`
	PaidEarnings     int64  `db:"paid_earnings"`
	Status           string `db:"status"`
	CreatedAt        any    `db:"created_at"`
}

func NewAffiliateStore(db DB) *AffiliateStore {
	return &AffiliateStore{db: db}
}

func (s *AffiliateStore) Create(ctx context.Context, tx Execer, userID, code string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO affiliates (user_id, code, lifetime_earnings, pending_earnings, paid_earnings, status)
		VALUES ($1, $2, 0, 0, 0, 'active')
	`, userID, code)
	return err
}

func (s *AffiliateStore) GetByUserID(ctx context.Context, userID string) (Affiliate, error) {
	var row Affiliate
	err := s.db.GetContext(ctx, &row, `
		SELECT user_id, code, lifetime_earnings, pending_earnings, paid_earnings, status, created_at
		FROM affiliates
		WHERE user_id = $1
	`, userID)
	if err != nil {
		return Affiliate{}, err
	}
	return row, nil
}

func (s *AffiliateStore) GetByCode(ctx context.Context, code string) (Affiliate, error) {
	var row Affiliate
	err := s.db.GetContext(ctx, &row, `
		SELECT user_id, code, lifetime_earnings, pending_earnings, paid_earnings, status, created_at
		FROM affiliates
		WHERE code = $1
	`, code)
	if err != nil {
		return Affiliate{}, err
	}
	return row, nil
}

// GetForUpdate locks the affiliate row so the tier read and the earnings
// bump happen against the same lifetime_earnings value.
func (s *AffiliateStore) GetForUpdate(ctx context.Context, tx Getter, userID string) (Affiliate, error) {
	var row Affiliate
	err := tx.GetContext(ctx, &row, `
		SELECT user_id, code, lifetime_earnings, pending_earnings, paid_earnings, status
		FROM affiliates
		WHERE user_id = $1
		FOR UPDATE
	`, userID)
	if err != nil {
		return Affiliate{}, err
	}
	return row, nil
}

// AddEarnings records a freshly credited commission. lifetime_earnings only
// ever grows; it is the sole tier input.
func (s *AffiliateStore) AddEarnings(ctx context.Context, tx Execer, userID string, amount int64) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE affiliates
		SET lifetime_earnings = lifetime_earnings + $1,
		    pending_earnings = pending_earnings + $1
		WHERE user_id = $2
	`, amount, userID)
	return err
}

// SettlePending moves an amount from pending to paid once a payout lands
// on the affiliate's balance.
func (s *AffiliateStore) SettlePending(ctx context.Context, tx Execer, userID string, amount int64) (int64, error) {
	res, err := tx.ExecContext(ctx, `
		UPDATE affiliates
		SET pending_earnings = pending_earnings - $1,
		    paid_earnings = paid_earnings + $1
		WHERE user_id = $2 AND pending_earnings >= $1
	`, amount, userID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
