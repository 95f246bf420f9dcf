package handlers

import (
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"net/http"

	"wallet/internal/commission"
	"wallet/internal/middleware"
	"wallet/internal/money"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

func (h *Handler) JoinAffiliate(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserIDFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	if existing, err := h.affiliates.GetByUserID(r.Context(), userID); err == nil {
		respondJSON(w, http.StatusOK, map[string]any{
			"code":   existing.Code,
			"status": existing.Status,
		})
		return
	} else if err != sql.ErrNoRows {
		respondError(w, http.StatusInternalServerError, "unable to load affiliate")
		return
	}

	code, err := newAffiliateCode()
	if err != nil {
		respondError(w, http.StatusInternalServerError, "unable to generate code")
		return
	}
	err = h.txRunner.WithTx(r.Context(), func(tx *sqlx.Tx) error {
		if err := h.affiliates.Create(r.Context(), tx, userID, code); err != nil {
			return err
		}
		return h.audit.Log(r.Context(), tx, userID, "affiliate_joined", "affiliate", userID, `{"code":"`+code+`"}`)
	})
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			respondError(w, http.StatusConflict, "already enrolled")
			return
		}
		respondError(w, http.StatusInternalServerError, "unable to enroll")
		return
	}
	respondJSON(w, http.StatusCreated, map[string]any{
		"code":   code,
		"status": "active",
	})
}

func (h *Handler) AffiliateSummary(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserIDFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	affiliate, err := h.affiliates.GetByUserID(r.Context(), userID)
	if err != nil {
		if err == sql.ErrNoRows {
			respondError(w, http.StatusNotFound, "not enrolled")
			return
		}
		respondError(w, http.StatusInternalServerError, "unable to load affiliate")
		return
	}
	tier := commission.ComputeTier(affiliate.LifetimeEarnings)
	respondJSON(w, http.StatusOK, map[string]any{
		"code":              affiliate.Code,
		"status":            affiliate.Status,
		"tier":              tier.Name,
		"commission_rate":   tier.Rate.String(),
		"lifetime_earnings": money.FormatAmount(affiliate.LifetimeEarnings),
		"pending_earnings":  money.FormatAmount(affiliate.PendingEarnings),
		"paid_earnings":     money.FormatAmount(affiliate.PaidEarnings),
	})
}

func newAffiliateCode() (string, error) {
	buf := make([]byte, 5)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return "ref-" + hex.EncodeToString(buf), nil
}
