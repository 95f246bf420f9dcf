package handlers

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"

	"wallet/internal/ledger"
	"wallet/internal/middleware"
	"wallet/internal/money"
	"wallet/internal/store"
)

type adjustmentRequest struct {
	Username       string  `json:"username"`
	Direction      string  `json:"direction"`
	Type           string  `json:"type"`
	Amount         string  `json:"amount"`
	Reason         string  `json:"reason"`
	IdempotencyKey *string `json:"idempotency_key"`
}

// AdminAdjust credits or debits a user's wallet against the platform
// treasury. The acting admin is recorded on the resulting entries.
func (h *Handler) AdminAdjust(w http.ResponseWriter, r *http.Request) {
	adminID, ok := middleware.UserIDFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	var req adjustmentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	amount, err := money.ParseAmount(req.Amount)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_amount")
		return
	}
	if req.Reason == "" {
		respondError(w, http.StatusBadRequest, "reason is required")
		return
	}
	targetUser, err := h.resolveUser(r.Context(), req.Username, "")
	if err != nil {
		if err == sql.ErrNoRows {
			respondError(w, http.StatusNotFound, "user_not_found")
			return
		}
		respondError(w, http.StatusInternalServerError, "unable to resolve user")
		return
	}
	account, err := h.getOrCreateAccount(r.Context(), valueToString(targetUser["id"]))
	if err != nil {
		respondError(w, http.StatusInternalServerError, "unable to load wallet")
		return
	}

	reference := ledger.Reference{Type: "adjustment", ID: req.Reason}
	ctx, cancel := context.WithTimeout(r.Context(), h.cfg.OperationTimeout)
	defer cancel()

	var result ledger.Result
	switch req.Direction {
	case "credit":
		entryType := req.Type
		if entryType == "" {
			entryType = store.EntryDeposit
		}
		result, err = h.engine.Credit(ctx, ledger.CreditRequest{
			AccountID:      account.ID,
			Amount:         amount,
			Type:           entryType,
			Reference:      reference,
			ActorID:        adminID,
			IdempotencyKey: req.IdempotencyKey,
		})
	case "debit":
		entryType := req.Type
		if entryType == "" {
			entryType = store.EntryWithdraw
		}
		result, err = h.engine.Debit(ctx, ledger.DebitRequest{
			AccountID:      account.ID,
			Amount:         amount,
			Type:           entryType,
			Reference:      reference,
			ActorID:        adminID,
			IdempotencyKey: req.IdempotencyKey,
		})
	default:
		respondError(w, http.StatusBadRequest, "direction must be credit or debit")
		return
	}
	if err != nil {
		h.respondLedgerError(w, req.Direction, req.IdempotencyKey, err)
		return
	}
	status := http.StatusCreated
	if result.Replayed {
		status = http.StatusOK
	}
	respondJSON(w, status, map[string]any{
		"operation_id": result.OperationID,
		"entry_id":     result.EntryID,
		"new_balance":  money.FormatAmount(result.NewBalance),
	})
}

type payoutRequest struct {
	Username       string  `json:"username"`
	Amount         string  `json:"amount"`
	IdempotencyKey *string `json:"idempotency_key"`
}

// AffiliatePayout settles an affiliate's pending commission on the
// program's books (pending to paid). The wallet itself was credited when
// the commission was earned. An omitted amount settles the full pending
// balance.
func (h *Handler) AffiliatePayout(w http.ResponseWriter, r *http.Request) {
	adminID, ok := middleware.UserIDFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	var req payoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	targetUser, err := h.resolveUser(r.Context(), req.Username, "")
	if err != nil {
		if err == sql.ErrNoRows {
			respondError(w, http.StatusNotFound, "user_not_found")
			return
		}
		respondError(w, http.StatusInternalServerError, "unable to resolve user")
		return
	}
	userID := valueToString(targetUser["id"])
	affiliate, err := h.affiliates.GetByUserID(r.Context(), userID)
	if err != nil {
		if err == sql.ErrNoRows {
			respondError(w, http.StatusNotFound, "affiliate_not_found")
			return
		}
		respondError(w, http.StatusInternalServerError, "unable to load affiliate")
		return
	}
	amount := affiliate.PendingEarnings
	if req.Amount != "" {
		amount, err = money.ParseAmount(req.Amount)
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid_amount")
			return
		}
	}
	if amount <= 0 {
		respondError(w, http.StatusBadRequest, "nothing to pay out")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.cfg.OperationTimeout)
	defer cancel()
	result, err := h.engine.PayoutAffiliate(ctx, ledger.PayoutRequest{
		AffiliateUserID: userID,
		Amount:          amount,
		ActorID:         adminID,
		IdempotencyKey:  req.IdempotencyKey,
	})
	if err != nil {
		h.respondLedgerError(w, "payout", req.IdempotencyKey, err)
		return
	}
	status := http.StatusCreated
	if result.Replayed {
		status = http.StatusOK
	}
	respondJSON(w, status, map[string]any{
		"operation_id": result.OperationID,
		"amount":       money.FormatAmount(result.Commission),
	})
}

func (h *Handler) ListAuditLogs(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	page := parseInt(query.Get("page"), 1)
	limit := parseInt(query.Get("limit"), 50)
	logs, err := h.audit.List(r.Context(), query.Get("action"), limit, (page-1)*limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "unable to load audit logs")
		return
	}
	respondJSON(w, http.StatusOK, logs)
}

// Report aggregates ledger volume per entry type, optionally scoped to
// one account and a date window.
func (h *Handler) Report(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	sums, err := h.entries.SumByType(r.Context(), query.Get("account_id"), query.Get("from"), query.Get("to"))
	if err != nil {
		respondError(w, http.StatusInternalServerError, "unable to build report")
		return
	}
	rows := make([]map[string]any, 0, len(sums))
	for _, sum := range sums {
		rows = append(rows, map[string]any{
			"type":  sum.Type,
			"total": money.FormatAmount(sum.Total),
			"count": sum.Count,
		})
	}
	respondJSON(w, http.StatusOK, map[string]any{"totals": rows})
}
