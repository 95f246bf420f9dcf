package store

import (
	"context"
	"database/sql"
	"strings"
	"testing"
)

func TestLedgerStoreInsertEntries(t *testing.T) {
	ctx := context.Background()
	calls := 0
	execer := stubExecer{
		execFn: func(_ context.Context, query string, args ...any) (sql.Result, error) {
			if !strings.Contains(query, "INSERT INTO ledger_entries") {
				t.Fatalf("unexpected query: %s", query)
			}
			if len(args) != 12 {
				t.Fatalf("expected 12 args, got %d", len(args))
			}
			calls++
			return stubResult{rows: 1}, nil
		},
	}
	store := NewLedgerStore(stubDB{})
	entries := []LedgerEntryInput{
		{ID: "1", OperationID: "op", AccountID: "acc1", Type: EntryTransferOut, Amount: -100, Status: StatusCompleted},
		{ID: "2", OperationID: "op", AccountID: "acc2", Type: EntryTransferIn, Amount: 100, Status: StatusCompleted},
	}
	if err := store.InsertEntries(ctx, execer, entries); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected 2 inserts, got %d", calls)
	}
}

func TestLedgerStoreListByAccount(t *testing.T) {
	ctx := context.Background()
	store := NewLedgerStore(stubDB{
		selectFn: func(_ context.Context, dest any, query string, args ...any) error {
			if !strings.Contains(query, "WHERE account_id = $1") || !strings.Contains(query, "ORDER BY created_at DESC") {
				t.Fatalf("unexpected query: %s", query)
			}
			if len(args) != 3 || args[0] != "acc1" || args[1] != 20 || args[2] != 40 {
				t.Fatalf("unexpected args: %#v", args)
			}
			*dest.(*[]LedgerEntry) = []LedgerEntry{{ID: "1"}}
			return nil
		},
	})
	rows, err := store.ListByAccount(ctx, "acc1", 20, 40)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(rows) != 1 || rows[0].ID != "1" {
		t.Fatalf("unexpected rows: %#v", rows)
	}
}

func TestLedgerStoreListByReference(t *testing.T) {
	ctx := context.Background()
	store := NewLedgerStore(stubDB{
		selectFn: func(_ context.Context, dest any, query string, args ...any) error {
			if !strings.Contains(query, "WHERE reference_type = $1 AND reference_id = $2") {
				t.Fatalf("unexpected query: %s", query)
			}
			if len(args) != 2 || args[0] != "order" || args[1] != "ord-9" {
				t.Fatalf("unexpected args: %#v", args)
			}
			*dest.(*[]LedgerEntry) = []LedgerEntry{{ID: "1"}, {ID: "2"}}
			return nil
		},
	})
	rows, err := store.ListByReference(ctx, "order", "ord-9")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("unexpected rows: %#v", rows)
	}
}

func TestLedgerStoreSumByTypeBuildsFilters(t *testing.T) {
	ctx := context.Background()
	store := NewLedgerStore(stubDB{
		selectFn: func(_ context.Context, _ any, query string, args ...any) error {
			if !strings.Contains(query, "AND account_id = $1") ||
				!strings.Contains(query, "AND created_at >= $2") ||
				!strings.Contains(query, "AND created_at < $3") {
				t.Fatalf("unexpected query: %s", query)
			}
			if len(args) != 3 || args[0] != "acc1" || args[1] != "2026-01-01" || args[2] != "2026-02-01" {
				t.Fatalf("unexpected args: %#v", args)
			}
			return nil
		},
	})
	if _, err := store.SumByType(ctx, "acc1", "2026-01-01", "2026-02-01"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestLedgerStoreSumByTypeNoFilters(t *testing.T) {
	ctx := context.Background()
	store := NewLedgerStore(stubDB{
		selectFn: func(_ context.Context, dest any, query string, args ...any) error {
			if strings.Contains(query, "account_id") || strings.Contains(query, "created_at") {
				t.Fatalf("unexpected query: %s", query)
			}
			if len(args) != 0 {
				t.Fatalf("unexpected args: %#v", args)
			}
			*dest.(*[]TypeSum) = []TypeSum{{Type: EntryPayment, Total: -300, Count: 3}}
			return nil
		},
	})
	rows, err := store.SumByType(ctx, "", "", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(rows) != 1 || rows[0].Total != -300 {
		t.Fatalf("unexpected rows: %#v", rows)
	}
}

func TestLedgerStoreSumByAccount(t *testing.T) {
	ctx := context.Background()
	store := NewLedgerStore(stubDB{
		getFn: func(_ context.Context, dest any, query string, args ...any) error {
			if !strings.Contains(query, "COALESCE(SUM(amount), 0)") {
				t.Fatalf("unexpected query: %s", query)
			}
			if len(args) != 1 || args[0] != "acc1" {
				t.Fatalf("unexpected args: %#v", args)
			}
			*dest.(*int64) = 1000
			return nil
		},
	})
	sum, err := store.SumByAccount(ctx, "acc1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sum != 1000 {
		t.Fatalf("unexpected sum: %d", sum)
	}
}
