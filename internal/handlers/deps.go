package handlers

import (
	"context"

	"wallet/internal/ledger"
	"wallet/internal/store"
)

type UserStore interface {
	Create(ctx context.Context, tx store.Execer, id, username, email, passwordHash string) error
	GetByEmail(ctx context.Context, email string) (map[string]any, error)
	GetByUsername(ctx context.Context, username string) (map[string]any, error)
	GetByID(ctx context.Context, userID string) (map[string]any, error)
	IsAdmin(ctx context.Context, userID string) (bool, error)
}

type AccountStore interface {
	Create(ctx context.Context, tx store.Execer, id string, userID *string, balance int64, isSystem bool) error
	GetByID(ctx context.Context, accountID string) (store.Account, error)
	GetByUserID(ctx context.Context, userID string) (store.Account, error)
}

type LedgerQueryStore interface {
	ListByAccount(ctx context.Context, accountID string, limit, offset int) ([]store.LedgerEntry, error)
	ListByReference(ctx context.Context, referenceType, referenceID string) ([]store.LedgerEntry, error)
	SumByType(ctx context.Context, accountID, from, to string) ([]store.TypeSum, error)
}

type TransferQueryStore interface {
	GetByID(ctx context.Context, transferID string) (store.Transfer, error)
	ListByAccount(ctx context.Context, accountID string, limit, offset int) ([]store.Transfer, error)
}

type AffiliateStore interface {
	Create(ctx context.Context, tx store.Execer, userID, code string) error
	GetByUserID(ctx context.Context, userID string) (store.Affiliate, error)
	GetByCode(ctx context.Context, code string) (store.Affiliate, error)
}

type AuditStore interface {
	Log(ctx context.Context, tx store.Execer, actorID, action, entityType, entityID, data string) error
	List(ctx context.Context, action string, limit, offset int) ([]map[string]any, error)
}

type LedgerEngine interface {
	Credit(ctx context.Context, req ledger.CreditRequest) (ledger.Result, error)
	Debit(ctx context.Context, req ledger.DebitRequest) (ledger.Result, error)
	Transfer(ctx context.Context, req ledger.TransferRequest) (ledger.Result, error)
	PurchaseWithSplit(ctx context.Context, req ledger.PurchaseRequest) (ledger.Result, error)
	PayoutAffiliate(ctx context.Context, req ledger.PayoutRequest) (ledger.Result, error)
	Lookup(ctx context.Context, opType, key string) (ledger.Result, bool, error)
}
