package handlers

import (
	"context"
	"time"

	"wallet/internal/config"
	"wallet/internal/ledger"
	"wallet/internal/store"
	"wallet/internal/websocket"

	"github.com/jmoiron/sqlx"
)

type fakeTxRunner struct {
	withTxFn func(ctx context.Context, fn func(*sqlx.Tx) error) error
}

func (f fakeTxRunner) WithTx(ctx context.Context, fn func(*sqlx.Tx) error) error {
	if f.withTxFn != nil {
		return f.withTxFn(ctx, fn)
	}
	return fn(nil)
}

type stubUserStore struct {
	createFn        func(ctx context.Context, tx store.Execer, id, username, email, passwordHash string) error
	getByEmailFn    func(ctx context.Context, email string) (map[string]any, error)
	getByUsernameFn func(ctx context.Context, username string) (map[string]any, error)
	getByIDFn       func(ctx context.Context, userID string) (map[string]any, error)
	isAdminFn       func(ctx context.Context, userID string) (bool, error)
}

func (s stubUserStore) Create(ctx context.Context, tx store.Execer, id, username, email, passwordHash string) error {
	if s.createFn == nil {
		return nil
	}
	return s.createFn(ctx, tx, id, username, email, passwordHash)
}

func (s stubUserStore) GetByEmail(ctx context.Context, email string) (map[string]any, error) {
	if s.getByEmailFn == nil {
		return nil, nil
	}
	return s.getByEmailFn(ctx, email)
}

func (s stubUserStore) GetByUsername(ctx context.Context, username string) (map[string]any, error) {
	if s.getByUsernameFn == nil {
		return nil, nil
	}
	return s.getByUsernameFn(ctx, username)
}

func (s stubUserStore) GetByID(ctx context.Context, userID string) (map[string]any, error) {
	if s.getByIDFn == nil {
		return nil, nil
	}
	return s.getByIDFn(ctx, userID)
}

func (s stubUserStore) IsAdmin(ctx context.Context, userID string) (bool, error) {
	if s.isAdminFn == nil {
		return false, nil
	}
	return s.isAdminFn(ctx, userID)
}

type stubAccountStore struct {
	createFn      func(ctx context.Context, tx store.Execer, id string, userID *string, balance int64, isSystem bool) error
	getByIDFn     func(ctx context.Context, accountID string) (store.Account, error)
	getByUserIDFn func(ctx context.Context, userID string) (store.Account, error)
}

func (s stubAccountStore) Create(ctx context.Context, tx store.Execer, id string, userID *string, balance int64, isSystem bool) error {
	if s.createFn == nil {
		return nil
	}
	return s.createFn(ctx, tx, id, userID, balance, isSystem)
}

func (s stubAccountStore) GetByID(ctx context.Context, accountID string) (store.Account, error) {
	if s.getByIDFn == nil {
		return store.Account{ID: accountID}, nil
	}
	return s.getByIDFn(ctx, accountID)
}

func (s stubAccountStore) GetByUserID(ctx context.Context, userID string) (store.Account, error) {
	if s.getByUserIDFn == nil {
		return store.Account{}, nil
	}
	return s.getByUserIDFn(ctx, userID)
}

type stubLedgerQueryStore struct {
	listByAccountFn   func(ctx context.Context, accountID string, limit, offset int) ([]store.LedgerEntry, error)
	listByReferenceFn func(ctx context.Context, referenceType, referenceID string) ([]store.LedgerEntry, error)
	sumByTypeFn       func(ctx context.Context, accountID, from, to string) ([]store.TypeSum, error)
}

func (s stubLedgerQueryStore) ListByAccount(ctx context.Context, accountID string, limit, offset int) ([]store.LedgerEntry, error) {
	if s.listByAccountFn == nil {
		return nil, nil
	}
	return s.listByAccountFn(ctx, accountID, limit, offset)
}

func (s stubLedgerQueryStore) ListByReference(ctx context.Context, referenceType, referenceID string) ([]store.LedgerEntry, error) {
	if s.listByReferenceFn == nil {
		return nil, nil
	}
	return s.listByReferenceFn(ctx, referenceType, referenceID)
}

func (s stubLedgerQueryStore) SumByType(ctx context.Context, accountID, from, to string) ([]store.TypeSum, error) {
	if s.sumByTypeFn == nil {
		return nil, nil
	}
	return s.sumByTypeFn(ctx, accountID, from, to)
}

type stubTransferQueryStore struct {
	getByIDFn       func(ctx context.Context, transferID string) (store.Transfer, error)
	listByAccountFn func(ctx context.Context, accountID string, limit, offset int) ([]store.Transfer, error)
}

func (s stubTransferQueryStore) GetByID(ctx context.Context, transferID string) (store.Transfer, error) {
	if s.getByIDFn == nil {
		return store.Transfer{}, nil
	}
	return s.getByIDFn(ctx, transferID)
}

func (s stubTransferQueryStore) ListByAccount(ctx context.Context, accountID string, limit, offset int) ([]store.Transfer, error) {
	if s.listByAccountFn == nil {
		return nil, nil
	}
	return s.listByAccountFn(ctx, accountID, limit, offset)
}

type stubAffiliateStore struct {
	createFn      func(ctx context.Context, tx store.Execer, userID, code string) error
	getByUserIDFn func(ctx context.Context, userID string) (store.Affiliate, error)
	getByCodeFn   func(ctx context.Context, code string) (store.Affiliate, error)
}

func (s stubAffiliateStore) Create(ctx context.Context, tx store.Execer, userID, code string) error {
	if s.createFn == nil {
		return nil
	}
	return s.createFn(ctx, tx, userID, code)
}

func (s stubAffiliateStore) GetByUserID(ctx context.Context, userID string) (store.Affiliate, error) {
	if s.getByUserIDFn == nil {
		return store.Affiliate{}, nil
	}
	return s.getByUserIDFn(ctx, userID)
}

func (s stubAffiliateStore) GetByCode(ctx context.Context, code string) (store.Affiliate, error) {
	if s.getByCodeFn == nil {
		return store.Affiliate{}, nil
	}
	return s.getByCodeFn(ctx, code)
}

type stubAuditStore struct {
	logFn  func(ctx context.Context, tx store.Execer, actorID, action, entityType, entityID, data string) error
	listFn func(ctx context.Context, action string, limit, offset int) ([]map[string]any, error)
}

func (s stubAuditStore) Log(ctx context.Context, tx store.Execer, actorID, action, entityType, entityID, data string) error {
	if s.logFn == nil {
		return nil
	}
	return s.logFn(ctx, tx, actorID, action, entityType, entityID, data)
}

func (s stubAuditStore) List(ctx context.Context, action string, limit, offset int) ([]map[string]any, error) {
	if s.listFn == nil {
		return nil, nil
	}
	return s.listFn(ctx, action, limit, offset)
}

type stubEngine struct {
	creditFn   func(ctx context.Context, req ledger.CreditRequest) (ledger.Result, error)
	debitFn    func(ctx context.Context, req ledger.DebitRequest) (ledger.Result, error)
	transferFn func(ctx context.Context, req ledger.TransferRequest) (ledger.Result, error)
	purchaseFn func(ctx context.Context, req ledger.PurchaseRequest) (ledger.Result, error)
	payoutFn   func(ctx context.Context, req ledger.PayoutRequest) (ledger.Result, error)
	lookupFn   func(ctx context.Context, opType, key string) (ledger.Result, bool, error)
}

func (s stubEngine) Credit(ctx context.Context, req ledger.CreditRequest) (ledger.Result, error) {
	if s.creditFn == nil {
		return ledger.Result{}, nil
	}
	return s.creditFn(ctx, req)
}

func (s stubEngine) Debit(ctx context.Context, req ledger.DebitRequest) (ledger.Result, error) {
	if s.debitFn == nil {
		return ledger.Result{}, nil
	}
	return s.debitFn(ctx, req)
}

func (s stubEngine) Transfer(ctx context.Context, req ledger.TransferRequest) (ledger.Result, error) {
	if s.transferFn == nil {
		return ledger.Result{}, nil
	}
	return s.transferFn(ctx, req)
}

func (s stubEngine) PayoutAffiliate(ctx context.Context, req ledger.PayoutRequest) (ledger.Result, error) {
	if s.payoutFn == nil {
		return ledger.Result{}, nil
	}
	return s.payoutFn(ctx, req)
}

func (s stubEngine) PurchaseWithSplit(ctx context.Context, req ledger.PurchaseRequest) (ledger.Result, error) {
	if s.purchaseFn == nil {
		return ledger.Result{}, nil
	}
	return s.purchaseFn(ctx, req)
}

func (s stubEngine) Lookup(ctx context.Context, opType, key string) (ledger.Result, bool, error) {
	if s.lookupFn == nil {
		return ledger.Result{}, false, nil
	}
	return s.lookupFn(ctx, opType, key)
}

func newTestHandler(txRunner fakeTxRunner, users stubUserStore, accounts stubAccountStore, entries stubLedgerQueryStore, transfers stubTransferQueryStore, affiliates stubAffiliateStore, audit stubAuditStore, engine stubEngine) *Handler {
	cfg := config.Config{
		AppEnv:           "test",
		Port:             "0",
		JWTSecret:        "secret",
		TokenTTL:         time.Minute,
		AllowedOrigins:   "*",
		OperationTimeout: 5 * time.Second,
	}
	return New(cfg, txRunner, users, accounts, entries, transfers, affiliates, audit, engine, websocket.NewHub())
}
