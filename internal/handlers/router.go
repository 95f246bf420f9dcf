package handlers

import (
	"context"
	"net/http"

	"wallet/internal/config"
	"wallet/internal/db"
	"wallet/internal/middleware"
	"wallet/internal/websocket"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Handler struct {
	cfg        config.Config
	txRunner   db.TxRunner
	users      UserStore
	accounts   AccountStore
	entries    LedgerQueryStore
	transfers  TransferQueryStore
	affiliates AffiliateStore
	audit      AuditStore
	engine     LedgerEngine
	hub        *websocket.Hub
}

func New(cfg config.Config, txRunner db.TxRunner, users UserStore, accounts AccountStore, entries LedgerQueryStore, transfers TransferQueryStore, affiliates AffiliateStore, audit AuditStore, engine LedgerEngine, hub *websocket.Hub) *Handler {
	return &Handler{
		cfg:        cfg,
		txRunner:   txRunner,
		users:      users,
		accounts:   accounts,
		entries:    entries,
		transfers:  transfers,
		affiliates: affiliates,
		audit:      audit,
		engine:     engine,
		hub:        hub,
	}
}

func (h *Handler) Routes() http.Handler {
	router := chi.NewRouter()
	router.Use(chimiddleware.Logger)
	router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{h.cfg.AllowedOrigins},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Idempotency-Key"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	router.Route("/auth", func(r chi.Router) {
		r.Post("/register", h.Register)
		r.Post("/login", h.Login)
		r.With(middleware.Auth(h.cfg.JWTSecret)).Get("/me", h.Me)
	})

	router.Route("/wallet", func(r chi.Router) {
		r.Use(middleware.Auth(h.cfg.JWTSecret))
		r.Get("/", h.GetWallet)
		r.Post("/transfer", h.Transfer)
		r.Post("/purchase", h.Purchase)
		r.Get("/entries", h.ListEntries)
		r.Get("/transfers", h.ListTransfers)
		r.Get("/operations/{type}/{key}", h.LookupOperation)
	})

	router.Route("/affiliate", func(r chi.Router) {
		r.Use(middleware.Auth(h.cfg.JWTSecret))
		r.Post("/", h.JoinAffiliate)
		r.Get("/", h.AffiliateSummary)
	})

	router.Route("/admin", func(r chi.Router) {
		r.Use(middleware.Auth(h.cfg.JWTSecret))
		r.Use(middleware.RequireAdmin(adminChecker{h.users}))
		r.Post("/adjustments", h.AdminAdjust)
		r.Post("/affiliate-payouts", h.AffiliatePayout)
		r.Get("/audit", h.ListAuditLogs)
		r.Get("/report", h.Report)
	})

	router.Get("/ws/wallet", h.WSWallet)
	router.Handle("/metrics", promhttp.Handler())
	router.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	return router
}

type adminChecker struct {
	users UserStore
}

func (c adminChecker) IsAdmin(ctx context.Context, userID string) (bool, error) {
	return c.users.IsAdmin(ctx, userID)
}
