package handlers

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"wallet/internal/auth"
	"wallet/internal/ledger"
	"wallet/internal/middleware"
	"wallet/internal/store"
)

func authedRequest(t *testing.T, method, target string, body []byte, userID string) *http.Request {
	t.Helper()
	req := httptest.NewRequest(method, target, bytes.NewReader(body))
	token, err := auth.GenerateToken("secret", userID, time.Minute)
	if err != nil {
		t.Fatalf("failed to generate token: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return req
}

func serve(handler http.HandlerFunc, req *http.Request) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	middleware.Auth("secret")(handler).ServeHTTP(rr, req)
	return rr
}

func TestGetWalletCreatesAccountOnFirstTouch(t *testing.T) {
	created := false
	accounts := stubAccountStore{
		getByUserIDFn: func(_ context.Context, userID string) (store.Account, error) {
			if created {
				return store.Account{ID: "acc-1", Balance: 0}, nil
			}
			return store.Account{}, sql.ErrNoRows
		},
		createFn: func(_ context.Context, _ store.Execer, id string, userID *string, balance int64, isSystem bool) error {
			if userID == nil || *userID != "user-1" || balance != 0 || isSystem {
				t.Fatalf("unexpected create args: %v %v %v", userID, balance, isSystem)
			}
			created = true
			return nil
		},
		getByIDFn: func(_ context.Context, accountID string) (store.Account, error) {
			return store.Account{ID: accountID, Balance: 0}, nil
		},
	}
	handler := newTestHandler(fakeTxRunner{}, stubUserStore{}, accounts, stubLedgerQueryStore{}, stubTransferQueryStore{}, stubAffiliateStore{}, stubAuditStore{}, stubEngine{})

	rr := serve(handler.GetWallet, authedRequest(t, http.MethodGet, "/wallet", nil, "user-1"))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if !created {
		t.Fatalf("expected account to be created")
	}
}

func TestTransferSuccess(t *testing.T) {
	users := stubUserStore{
		getByUsernameFn: func(_ context.Context, username string) (map[string]any, error) {
			if username != "bob" {
				t.Fatalf("unexpected username: %s", username)
			}
			return map[string]any{"id": "user-2", "username": "bob"}, nil
		},
	}
	accounts := stubAccountStore{
		getByUserIDFn: func(_ context.Context, userID string) (store.Account, error) {
			switch userID {
			case "user-1":
				return store.Account{ID: "acc-1", Balance: 10000}, nil
			case "user-2":
				return store.Account{ID: "acc-2"}, nil
			}
			return store.Account{}, sql.ErrNoRows
		},
	}
	engine := stubEngine{
		transferFn: func(_ context.Context, req ledger.TransferRequest) (ledger.Result, error) {
			if req.SenderAccountID != "acc-1" || req.RecipientAccountID != "acc-2" || req.Amount != 500 {
				t.Fatalf("unexpected request: %#v", req)
			}
			return ledger.Result{TransferID: "tr-1", NewBalance: 9500}, nil
		},
	}
	handler := newTestHandler(fakeTxRunner{}, users, accounts, stubLedgerQueryStore{}, stubTransferQueryStore{}, stubAffiliateStore{}, stubAuditStore{}, engine)

	body := []byte(`{"recipient_username":"bob","amount":"500","message":"thanks"}`)
	rr := serve(handler.Transfer, authedRequest(t, http.MethodPost, "/wallet/transfer", body, "user-1"))
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rr.Code, rr.Body.String())
	}
	var resp map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid response: %v", err)
	}
	if resp["transfer_id"] != "tr-1" || resp["new_sender_balance"] != "9,500" {
		t.Fatalf("unexpected response: %#v", resp)
	}
}

func TestTransferInsufficientFunds(t *testing.T) {
	users := stubUserStore{
		getByUsernameFn: func(_ context.Context, _ string) (map[string]any, error) {
			return map[string]any{"id": "user-2", "username": "bob"}, nil
		},
	}
	accounts := stubAccountStore{
		getByUserIDFn: func(_ context.Context, userID string) (store.Account, error) {
			return store.Account{ID: "acc-" + userID}, nil
		},
	}
	engine := stubEngine{
		transferFn: func(_ context.Context, _ ledger.TransferRequest) (ledger.Result, error) {
			return ledger.Result{}, ledger.ErrInsufficientFunds
		},
	}
	handler := newTestHandler(fakeTxRunner{}, users, accounts, stubLedgerQueryStore{}, stubTransferQueryStore{}, stubAffiliateStore{}, stubAuditStore{}, engine)

	body := []byte(`{"recipient_username":"bob","amount":"500"}`)
	rr := serve(handler.Transfer, authedRequest(t, http.MethodPost, "/wallet/transfer", body, "user-1"))
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
}

func TestTransferRecipientNotFound(t *testing.T) {
	users := stubUserStore{
		getByUsernameFn: func(_ context.Context, _ string) (map[string]any, error) {
			return nil, sql.ErrNoRows
		},
	}
	accounts := stubAccountStore{
		getByUserIDFn: func(_ context.Context, _ string) (store.Account, error) {
			return store.Account{ID: "acc-1"}, nil
		},
	}
	handler := newTestHandler(fakeTxRunner{}, users, accounts, stubLedgerQueryStore{}, stubTransferQueryStore{}, stubAffiliateStore{}, stubAuditStore{}, stubEngine{})

	body := []byte(`{"recipient_username":"ghost","amount":"500"}`)
	rr := serve(handler.Transfer, authedRequest(t, http.MethodPost, "/wallet/transfer", body, "user-1"))
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
}

func TestTransferRejectsFractionalAmount(t *testing.T) {
	handler := newTestHandler(fakeTxRunner{}, stubUserStore{}, stubAccountStore{}, stubLedgerQueryStore{}, stubTransferQueryStore{}, stubAffiliateStore{}, stubAuditStore{}, stubEngine{})

	body := []byte(`{"recipient_username":"bob","amount":"10.50"}`)
	rr := serve(handler.Transfer, authedRequest(t, http.MethodPost, "/wallet/transfer", body, "user-1"))
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
}

func TestTransferInProgressConflict(t *testing.T) {
	users := stubUserStore{
		getByUsernameFn: func(_ context.Context, _ string) (map[string]any, error) {
			return map[string]any{"id": "user-2", "username": "bob"}, nil
		},
	}
	accounts := stubAccountStore{
		getByUserIDFn: func(_ context.Context, userID string) (store.Account, error) {
			return store.Account{ID: "acc-" + userID}, nil
		},
	}
	engine := stubEngine{
		transferFn: func(_ context.Context, _ ledger.TransferRequest) (ledger.Result, error) {
			return ledger.Result{}, ledger.ErrOperationInProgress
		},
	}
	handler := newTestHandler(fakeTxRunner{}, users, accounts, stubLedgerQueryStore{}, stubTransferQueryStore{}, stubAffiliateStore{}, stubAuditStore{}, engine)

	body := []byte(`{"recipient_username":"bob","amount":"500","idempotency_key":"k1"}`)
	rr := serve(handler.Transfer, authedRequest(t, http.MethodPost, "/wallet/transfer", body, "user-1"))
	if rr.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rr.Code)
	}
}

func TestTransferTimeoutReturnsUnknown(t *testing.T) {
	users := stubUserStore{
		getByUsernameFn: func(_ context.Context, _ string) (map[string]any, error) {
			return map[string]any{"id": "user-2", "username": "bob"}, nil
		},
	}
	accounts := stubAccountStore{
		getByUserIDFn: func(_ context.Context, userID string) (store.Account, error) {
			return store.Account{ID: "acc-" + userID}, nil
		},
	}
	engine := stubEngine{
		transferFn: func(_ context.Context, _ ledger.TransferRequest) (ledger.Result, error) {
			return ledger.Result{}, context.DeadlineExceeded
		},
	}
	handler := newTestHandler(fakeTxRunner{}, users, accounts, stubLedgerQueryStore{}, stubTransferQueryStore{}, stubAffiliateStore{}, stubAuditStore{}, engine)

	body := []byte(`{"recipient_username":"bob","amount":"500","idempotency_key":"k1"}`)
	rr := serve(handler.Transfer, authedRequest(t, http.MethodPost, "/wallet/transfer", body, "user-1"))
	if rr.Code != http.StatusGatewayTimeout {
		t.Fatalf("expected 504, got %d", rr.Code)
	}
	var resp map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid response: %v", err)
	}
	if resp["error"] != "unknown" || resp["reconcile"] != "/wallet/operations/transfer/k1" {
		t.Fatalf("unexpected response: %#v", resp)
	}
}

func TestTransferReplayReturnsOK(t *testing.T) {
	users := stubUserStore{
		getByUsernameFn: func(_ context.Context, _ string) (map[string]any, error) {
			return map[string]any{"id": "user-2", "username": "bob"}, nil
		},
	}
	accounts := stubAccountStore{
		getByUserIDFn: func(_ context.Context, userID string) (store.Account, error) {
			return store.Account{ID: "acc-" + userID}, nil
		},
	}
	engine := stubEngine{
		transferFn: func(_ context.Context, _ ledger.TransferRequest) (ledger.Result, error) {
			return ledger.Result{TransferID: "tr-1", NewBalance: 9500, Replayed: true}, nil
		},
	}
	handler := newTestHandler(fakeTxRunner{}, users, accounts, stubLedgerQueryStore{}, stubTransferQueryStore{}, stubAffiliateStore{}, stubAuditStore{}, engine)

	body := []byte(`{"recipient_username":"bob","amount":"500","idempotency_key":"k1"}`)
	rr := serve(handler.Transfer, authedRequest(t, http.MethodPost, "/wallet/transfer", body, "user-1"))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 for replay, got %d", rr.Code)
	}
}

func TestPurchaseResolvesSellerAndReferrer(t *testing.T) {
	users := stubUserStore{
		getByUsernameFn: func(_ context.Context, username string) (map[string]any, error) {
			if username != "shop" {
				t.Fatalf("unexpected username: %s", username)
			}
			return map[string]any{"id": "user-seller", "username": "shop"}, nil
		},
	}
	accounts := stubAccountStore{
		getByUserIDFn: func(_ context.Context, userID string) (store.Account, error) {
			return store.Account{ID: "acc-" + userID}, nil
		},
	}
	affiliates := stubAffiliateStore{
		getByCodeFn: func(_ context.Context, code string) (store.Affiliate, error) {
			if code != "ref-xyz" {
				t.Fatalf("unexpected code: %s", code)
			}
			return store.Affiliate{UserID: "user-ref", Code: code, Status: store.AffiliateActive}, nil
		},
	}
	engine := stubEngine{
		purchaseFn: func(_ context.Context, req ledger.PurchaseRequest) (ledger.Result, error) {
			if req.BuyerAccountID != "acc-user-1" {
				t.Fatalf("unexpected buyer: %s", req.BuyerAccountID)
			}
			if req.SellerAccountID == nil || *req.SellerAccountID != "acc-user-seller" {
				t.Fatalf("unexpected seller: %v", req.SellerAccountID)
			}
			if req.ReferrerAccountID == nil || *req.ReferrerAccountID != "acc-user-ref" {
				t.Fatalf("unexpected referrer: %v", req.ReferrerAccountID)
			}
			if req.Reference.Type != "order" || req.Reference.ID != "ord-9" {
				t.Fatalf("unexpected reference: %#v", req.Reference)
			}
			return ledger.Result{OperationID: "op-1", NewBalance: 800000, Commission: 10000}, nil
		},
	}
	handler := newTestHandler(fakeTxRunner{}, users, accounts, stubLedgerQueryStore{}, stubTransferQueryStore{}, affiliates, stubAuditStore{}, engine)

	body := []byte(`{"order_id":"ord-9","amount":"200000","seller_username":"shop","referrer_code":"ref-xyz"}`)
	rr := serve(handler.Purchase, authedRequest(t, http.MethodPost, "/wallet/purchase", body, "user-1"))
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rr.Code, rr.Body.String())
	}
	var resp map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid response: %v", err)
	}
	if resp["commission"] != "10,000" {
		t.Fatalf("unexpected response: %#v", resp)
	}
}

func TestPurchaseIgnoresUnknownReferrerCode(t *testing.T) {
	accounts := stubAccountStore{
		getByUserIDFn: func(_ context.Context, userID string) (store.Account, error) {
			return store.Account{ID: "acc-" + userID}, nil
		},
	}
	affiliates := stubAffiliateStore{
		getByCodeFn: func(_ context.Context, _ string) (store.Affiliate, error) {
			return store.Affiliate{}, sql.ErrNoRows
		},
	}
	engine := stubEngine{
		purchaseFn: func(_ context.Context, req ledger.PurchaseRequest) (ledger.Result, error) {
			if req.ReferrerAccountID != nil {
				t.Fatalf("expected no referrer, got %v", *req.ReferrerAccountID)
			}
			return ledger.Result{OperationID: "op-1"}, nil
		},
	}
	handler := newTestHandler(fakeTxRunner{}, stubUserStore{}, accounts, stubLedgerQueryStore{}, stubTransferQueryStore{}, affiliates, stubAuditStore{}, engine)

	body := []byte(`{"order_id":"ord-9","amount":"200000","referrer_code":"ref-dead"}`)
	rr := serve(handler.Purchase, authedRequest(t, http.MethodPost, "/wallet/purchase", body, "user-1"))
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rr.Code, rr.Body.String())
	}
}

func TestListEntriesEmptyWalletReturnsEmptyList(t *testing.T) {
	accounts := stubAccountStore{
		getByUserIDFn: func(_ context.Context, _ string) (store.Account, error) {
			return store.Account{}, sql.ErrNoRows
		},
	}
	handler := newTestHandler(fakeTxRunner{}, stubUserStore{}, accounts, stubLedgerQueryStore{}, stubTransferQueryStore{}, stubAffiliateStore{}, stubAuditStore{}, stubEngine{})

	rr := serve(handler.ListEntries, authedRequest(t, http.MethodGet, "/wallet/entries", nil, "user-1"))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if rr.Body.String() != "[]\n" {
		t.Fatalf("expected empty list, got %s", rr.Body.String())
	}
}

func TestLookupOperationNotCommitted(t *testing.T) {
	engine := stubEngine{
		lookupFn: func(_ context.Context, opType, key string) (ledger.Result, bool, error) {
			if opType != "transfer" || key != "k1" {
				t.Fatalf("unexpected lookup: %s %s", opType, key)
			}
			return ledger.Result{}, false, nil
		},
	}
	handler := newTestHandler(fakeTxRunner{}, stubUserStore{}, stubAccountStore{}, stubLedgerQueryStore{}, stubTransferQueryStore{}, stubAffiliateStore{}, stubAuditStore{}, engine)

	rr := httptest.NewRecorder()
	req := authedRequest(t, http.MethodGet, "/wallet/operations/transfer/k1", nil, "user-1")
	router := handler.Routes()
	router.ServeHTTP(rr, req)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d: %s", rr.Code, rr.Body.String())
	}
}

func TestLookupOperationReturnsCommittedResult(t *testing.T) {
	engine := stubEngine{
		lookupFn: func(_ context.Context, _, _ string) (ledger.Result, bool, error) {
			return ledger.Result{OperationID: "op-1", TransferID: "tr-1", NewBalance: 9500}, true, nil
		},
	}
	handler := newTestHandler(fakeTxRunner{}, stubUserStore{}, stubAccountStore{}, stubLedgerQueryStore{}, stubTransferQueryStore{}, stubAffiliateStore{}, stubAuditStore{}, engine)

	rr := httptest.NewRecorder()
	req := authedRequest(t, http.MethodGet, "/wallet/operations/transfer/k1", nil, "user-1")
	handler.Routes().ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var resp map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid response: %v", err)
	}
	if resp["operation_id"] != "op-1" || resp["new_balance"] != "9,500" {
		t.Fatalf("unexpected response: %#v", resp)
	}
}
