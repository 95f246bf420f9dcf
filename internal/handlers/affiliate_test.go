package handlers

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"strings"
	"testing"

	"wallet/internal/store"
)

func TestJoinAffiliateGeneratesCode(t *testing.T) {
	var savedCode string
	affiliates := stubAffiliateStore{
		getByUserIDFn: func(_ context.Context, _ string) (store.Affiliate, error) {
			return store.Affiliate{}, sql.ErrNoRows
		},
		createFn: func(_ context.Context, _ store.Execer, userID, code string) error {
			if userID != "user-1" {
				t.Fatalf("unexpected user: %s", userID)
			}
			savedCode = code
			return nil
		},
	}
	handler := newTestHandler(fakeTxRunner{}, stubUserStore{}, stubAccountStore{}, stubLedgerQueryStore{}, stubTransferQueryStore{}, affiliates, stubAuditStore{}, stubEngine{})

	rr := serve(handler.JoinAffiliate, authedRequest(t, http.MethodPost, "/affiliate", nil, "user-1"))
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rr.Code, rr.Body.String())
	}
	if !strings.HasPrefix(savedCode, "ref-") || len(savedCode) != 14 {
		t.Fatalf("unexpected code: %s", savedCode)
	}
	var resp map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid response: %v", err)
	}
	if resp["code"] != savedCode || resp["status"] != "active" {
		t.Fatalf("unexpected response: %#v", resp)
	}
}

func TestJoinAffiliateIsIdempotent(t *testing.T) {
	affiliates := stubAffiliateStore{
		getByUserIDFn: func(_ context.Context, _ string) (store.Affiliate, error) {
			return store.Affiliate{UserID: "user-1", Code: "ref-existing", Status: store.AffiliateActive}, nil
		},
		createFn: func(_ context.Context, _ store.Execer, _, _ string) error {
			t.Fatalf("create should not be called")
			return nil
		},
	}
	handler := newTestHandler(fakeTxRunner{}, stubUserStore{}, stubAccountStore{}, stubLedgerQueryStore{}, stubTransferQueryStore{}, affiliates, stubAuditStore{}, stubEngine{})

	rr := serve(handler.JoinAffiliate, authedRequest(t, http.MethodPost, "/affiliate", nil, "user-1"))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
}

func TestAffiliateSummaryReportsTier(t *testing.T) {
	affiliates := stubAffiliateStore{
		getByUserIDFn: func(_ context.Context, _ string) (store.Affiliate, error) {
			return store.Affiliate{
				UserID:           "user-1",
				Code:             "ref-abc",
				LifetimeEarnings: 21000000,
				PendingEarnings:  350000,
				PaidEarnings:     20650000,
				Status:           store.AffiliateActive,
			}, nil
		},
	}
	handler := newTestHandler(fakeTxRunner{}, stubUserStore{}, stubAccountStore{}, stubLedgerQueryStore{}, stubTransferQueryStore{}, affiliates, stubAuditStore{}, stubEngine{})

	rr := serve(handler.AffiliateSummary, authedRequest(t, http.MethodGet, "/affiliate", nil, "user-1"))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var resp map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid response: %v", err)
	}
	if resp["tier"] != "gold" || resp["commission_rate"] != "0.1" {
		t.Fatalf("unexpected response: %#v", resp)
	}
	if resp["lifetime_earnings"] != "21,000,000" {
		t.Fatalf("unexpected earnings: %#v", resp)
	}
}

func TestAffiliateSummaryNotEnrolled(t *testing.T) {
	affiliates := stubAffiliateStore{
		getByUserIDFn: func(_ context.Context, _ string) (store.Affiliate, error) {
			return store.Affiliate{}, sql.ErrNoRows
		},
	}
	handler := newTestHandler(fakeTxRunner{}, stubUserStore{}, stubAccountStore{}, stubLedgerQueryStore{}, stubTransferQueryStore{}, affiliates, stubAuditStore{}, stubEngine{})

	rr := serve(handler.AffiliateSummary, authedRequest(t, http.MethodGet, "/affiliate", nil, "user-1"))
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
}
