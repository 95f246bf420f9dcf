package handlers

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"wallet/internal/auth"
	"wallet/internal/ledger"
	"wallet/internal/middleware"
	"wallet/internal/money"
	"wallet/internal/store"
	"wallet/internal/validator"
	"wallet/internal/websocket"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

func (h *Handler) GetWallet(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserIDFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	account, err := h.getOrCreateAccount(r.Context(), userID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "unable to load wallet")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"account_id": account.ID,
		"balance":    money.FormatAmount(account.Balance),
	})
}

// getOrCreateAccount backs "created on first wallet touch": an account row
// appears the first time anything needs the user's wallet.
func (h *Handler) getOrCreateAccount(ctx context.Context, userID string) (store.Account, error) {
	account, err := h.accounts.GetByUserID(ctx, userID)
	if err == nil {
		return account, nil
	}
	if err != sql.ErrNoRows {
		return store.Account{}, err
	}
	accountID := uuid.NewString()
	err = h.txRunner.WithTx(ctx, func(tx *sqlx.Tx) error {
		return h.accounts.Create(ctx, tx, accountID, &userID, 0, false)
	})
	if err != nil {
		// Lost a creation race; the row exists now.
		if existing, getErr := h.accounts.GetByUserID(ctx, userID); getErr == nil {
			return existing, nil
		}
		return store.Account{}, err
	}
	return h.accounts.GetByID(ctx, accountID)
}

type transferRequest struct {
	RecipientUsername string  `json:"recipient_username"`
	RecipientEmail    string  `json:"recipient_email"`
	Amount            string  `json:"amount"`
	Message           string  `json:"message"`
	IdempotencyKey    *string `json:"idempotency_key"`
}

func (h *Handler) Transfer(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserIDFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	var req transferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	amount, err := money.ParseAmount(req.Amount)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_amount")
		return
	}
	if err := validator.ValidateTransferMessage(req.Message); err != nil {
		respondError(w, http.StatusBadRequest, "message_too_long")
		return
	}
	sender, err := h.getOrCreateAccount(r.Context(), userID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "unable to load wallet")
		return
	}
	// Identity resolution is a pre-step; the engine only sees account ids.
	recipientUser, err := h.resolveUser(r.Context(), req.RecipientUsername, req.RecipientEmail)
	if err != nil {
		if err == sql.ErrNoRows {
			respondError(w, http.StatusNotFound, "recipient_not_found")
			return
		}
		respondError(w, http.StatusInternalServerError, "unable to resolve recipient")
		return
	}
	recipient, err := h.getOrCreateAccount(r.Context(), valueToString(recipientUser["id"]))
	if err != nil {
		respondError(w, http.StatusInternalServerError, "unable to resolve recipient")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.cfg.OperationTimeout)
	defer cancel()
	result, err := h.engine.Transfer(ctx, ledger.TransferRequest{
		SenderAccountID:    sender.ID,
		RecipientAccountID: recipient.ID,
		Amount:             amount,
		Message:            req.Message,
		IdempotencyKey:     req.IdempotencyKey,
	})
	if err != nil {
		h.respondLedgerError(w, "transfer", req.IdempotencyKey, err)
		return
	}
	status := http.StatusCreated
	if result.Replayed {
		status = http.StatusOK
	}
	respondJSON(w, status, map[string]any{
		"transfer_id":        result.TransferID,
		"recipient_username": valueToString(recipientUser["username"]),
		"amount":             money.FormatAmount(amount),
		"new_sender_balance": money.FormatAmount(result.NewBalance),
	})
}

type purchaseRequest struct {
	OrderID        string  `json:"order_id"`
	Amount         string  `json:"amount"`
	SellerUsername string  `json:"seller_username"`
	ReferrerCode   string  `json:"referrer_code"`
	IdempotencyKey *string `json:"idempotency_key"`
}

func (h *Handler) Purchase(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserIDFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	var req purchaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	if req.OrderID == "" {
		respondError(w, http.StatusBadRequest, "order_id is required")
		return
	}
	amount, err := money.ParseAmount(req.Amount)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_amount")
		return
	}
	buyer, err := h.getOrCreateAccount(r.Context(), userID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "unable to load wallet")
		return
	}

	var sellerAccountID *string
	if req.SellerUsername != "" {
		sellerUser, err := h.resolveUser(r.Context(), req.SellerUsername, "")
		if err != nil {
			respondError(w, http.StatusNotFound, "seller_not_found")
			return
		}
		seller, err := h.getOrCreateAccount(r.Context(), valueToString(sellerUser["id"]))
		if err != nil {
			respondError(w, http.StatusInternalServerError, "unable to resolve seller")
			return
		}
		sellerAccountID = &seller.ID
	}

	var referrerAccountID *string
	if req.ReferrerCode != "" {
		affiliate, err := h.affiliates.GetByCode(r.Context(), strings.TrimSpace(req.ReferrerCode))
		if err != nil {
			if err != sql.ErrNoRows {
				respondError(w, http.StatusInternalServerError, "unable to resolve referrer")
				return
			}
			// Unknown codes are ignored rather than blocking the purchase.
		} else {
			referrer, err := h.getOrCreateAccount(r.Context(), affiliate.UserID)
			if err != nil {
				respondError(w, http.StatusInternalServerError, "unable to resolve referrer")
				return
			}
			referrerAccountID = &referrer.ID
		}
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.cfg.OperationTimeout)
	defer cancel()
	result, err := h.engine.PurchaseWithSplit(ctx, ledger.PurchaseRequest{
		BuyerAccountID:    buyer.ID,
		Amount:            amount,
		SellerAccountID:   sellerAccountID,
		ReferrerAccountID: referrerAccountID,
		Reference:         ledger.Reference{Type: "order", ID: req.OrderID},
		IdempotencyKey:    req.IdempotencyKey,
	})
	if err != nil {
		h.respondLedgerError(w, "purchase", req.IdempotencyKey, err)
		return
	}
	status := http.StatusCreated
	if result.Replayed {
		status = http.StatusOK
	}
	respondJSON(w, status, map[string]any{
		"operation_id": result.OperationID,
		"new_balance":  money.FormatAmount(result.NewBalance),
		"commission":   money.FormatAmount(result.Commission),
	})
}

func (h *Handler) ListEntries(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserIDFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	account, err := h.accounts.GetByUserID(r.Context(), userID)
	if err != nil {
		if err == sql.ErrNoRows {
			respondJSON(w, http.StatusOK, []any{})
			return
		}
		respondError(w, http.StatusInternalServerError, "unable to load wallet")
		return
	}
	query := r.URL.Query()
	if refType, refID := query.Get("reference_type"), query.Get("reference_id"); refType != "" && refID != "" {
		entries, err := h.entries.ListByReference(r.Context(), refType, refID)
		if err != nil {
			respondError(w, http.StatusInternalServerError, "unable to load entries")
			return
		}
		respondJSON(w, http.StatusOK, entriesForAccount(entries, account.ID))
		return
	}
	page := parseInt(query.Get("page"), 1)
	limit := parseInt(query.Get("limit"), 20)
	entries, err := h.entries.ListByAccount(r.Context(), account.ID, limit, (page-1)*limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "unable to load entries")
		return
	}
	respondJSON(w, http.StatusOK, renderEntries(entries))
}

func (h *Handler) ListTransfers(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserIDFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	account, err := h.accounts.GetByUserID(r.Context(), userID)
	if err != nil {
		if err == sql.ErrNoRows {
			respondJSON(w, http.StatusOK, []any{})
			return
		}
		respondError(w, http.StatusInternalServerError, "unable to load wallet")
		return
	}
	query := r.URL.Query()
	page := parseInt(query.Get("page"), 1)
	limit := parseInt(query.Get("limit"), 20)
	transfers, err := h.transfers.ListByAccount(r.Context(), account.ID, limit, (page-1)*limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "unable to load transfers")
		return
	}
	rendered := make([]map[string]any, 0, len(transfers))
	for _, transfer := range transfers {
		direction := "outgoing"
		if transfer.RecipientAccountID == account.ID {
			direction = "incoming"
		}
		rendered = append(rendered, map[string]any{
			"id":                 transfer.ID,
			"direction":          direction,
			"amount":             money.FormatAmount(transfer.Amount),
			"message":            transfer.Message,
			"status":             transfer.Status,
			"sender_username":    valueToString(transfer.SenderUsername),
			"recipient_username": valueToString(transfer.RecipientUsername),
			"completed_at":       transfer.CompletedAt,
			"created_at":         transfer.CreatedAt,
		})
	}
	respondJSON(w, http.StatusOK, rendered)
}

// LookupOperation reconciles an operation whose outcome the client never
// saw. 404 means the operation did not commit and is safe to resubmit.
func (h *Handler) LookupOperation(w http.ResponseWriter, r *http.Request) {
	opType := chi.URLParam(r, "type")
	key := chi.URLParam(r, "key")
	if opType == "" || key == "" {
		respondError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	result, found, err := h.engine.Lookup(r.Context(), opType, key)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	if !found {
		respondError(w, http.StatusNotFound, "operation_not_committed")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"operation_id": result.OperationID,
		"entry_id":     result.EntryID,
		"transfer_id":  result.TransferID,
		"new_balance":  money.FormatAmount(result.NewBalance),
	})
}

func (h *Handler) WSWallet(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	claims, err := auth.ParseToken(h.cfg.JWTSecret, token)
	if err != nil {
		respondError(w, http.StatusUnauthorized, "invalid token")
		return
	}
	websocket.ServeWS(w, r, h.hub, claims.UserID)
}

func (h *Handler) resolveUser(ctx context.Context, username, email string) (map[string]any, error) {
	if username != "" {
		return h.users.GetByUsername(ctx, username)
	}
	if email != "" {
		return h.users.GetByEmail(ctx, email)
	}
	return nil, sql.ErrNoRows
}

// respondLedgerError maps the engine taxonomy onto HTTP statuses. The
// "unknown" branch matters: a timed-out operation may still have
// committed, so the client must reconcile by key instead of resubmitting
// blindly.
func (h *Handler) respondLedgerError(w http.ResponseWriter, opType string, idemKey *string, err error) {
	switch {
	case errors.Is(err, ledger.ErrInvalidAmount):
		respondError(w, http.StatusBadRequest, "invalid_amount")
	case errors.Is(err, ledger.ErrInvalidEntryType):
		respondError(w, http.StatusBadRequest, "invalid_entry_type")
	case errors.Is(err, ledger.ErrInsufficientFunds):
		respondError(w, http.StatusBadRequest, "insufficient_funds")
	case errors.Is(err, ledger.ErrSelfTransfer):
		respondError(w, http.StatusBadRequest, "self_transfer")
	case errors.Is(err, ledger.ErrAccountNotFound):
		respondError(w, http.StatusNotFound, "account_not_found")
	case errors.Is(err, ledger.ErrRecipientNotFound):
		respondError(w, http.StatusNotFound, "recipient_not_found")
	case errors.Is(err, ledger.ErrOperationInProgress):
		respondError(w, http.StatusConflict, "operation_in_progress")
	case errors.Is(err, ledger.ErrIdempotencyMismatch):
		respondError(w, http.StatusConflict, "idempotency_key_reused")
	case errors.Is(err, ledger.ErrConcurrencyConflict):
		respondError(w, http.StatusConflict, "concurrency_conflict")
	case errors.Is(err, context.DeadlineExceeded):
		payload := map[string]any{"error": "unknown", "retriable": false}
		if idemKey != nil && *idemKey != "" {
			payload["reconcile"] = "/wallet/operations/" + opType + "/" + *idemKey
		}
		respondJSON(w, http.StatusGatewayTimeout, payload)
	default:
		respondError(w, http.StatusInternalServerError, opType+"_failed")
	}
}

func renderEntries(entries []store.LedgerEntry) []map[string]any {
	rendered := make([]map[string]any, 0, len(entries))
	for _, entry := range entries {
		rendered = append(rendered, map[string]any{
			"id":             entry.ID,
			"operation_id":   entry.OperationID,
			"type":           entry.Type,
			"amount":         money.FormatAmount(entry.Amount),
			"balance_before": money.FormatAmount(entry.BalanceBefore),
			"balance_after":  money.FormatAmount(entry.BalanceAfter),
			"counterparty":   valueToString(entry.CounterpartyID),
			"reference_type": entry.ReferenceType,
			"reference_id":   entry.ReferenceID,
			"status":         entry.Status,
			"created_at":     entry.CreatedAt,
		})
	}
	return rendered
}

func entriesForAccount(entries []store.LedgerEntry, accountID string) []map[string]any {
	owned := make([]store.LedgerEntry, 0, len(entries))
	for _, entry := range entries {
		if entry.AccountID == accountID {
			owned = append(owned, entry)
		}
	}
	return renderEntries(owned)
}
