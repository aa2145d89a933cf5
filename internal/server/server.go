// Package server exposes the aggregated bank data over HTTP for dashboard
// consumers, mirroring the envelope shapes of the original FinFlow backend.
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/finflow-dev/finflow/bankapi/models"
	"github.com/finflow-dev/finflow/internal/aggregate"
	"github.com/finflow-dev/finflow/internal/consent"
	"github.com/finflow-dev/finflow/internal/registry"
)

// BankGateway is the full per-bank capability set the HTTP layer needs:
// the aggregation reads plus consent management. *bankapi.Client satisfies it.
type BankGateway interface {
	aggregate.Gateway
	RequestConsent(ctx context.Context, userID string, permissions []string) (*models.Consent, error)
	GetConsent(ctx context.Context, consentID string) (*models.Consent, error)
	DeleteConsent(ctx context.Context, consentID string) error
}

// Handler carries the wired dependencies for all routes.
type Handler struct {
	agg      *aggregate.Aggregator
	banks    map[string]BankGateway
	consents consent.Store
	poller   *consent.Poller
	registry *registry.Registry
	window   time.Duration
	logger   *zap.Logger
}

// New creates a Handler. banks is keyed by bank code.
func New(agg *aggregate.Aggregator, banks map[string]BankGateway, consents consent.Store, poller *consent.Poller, reg *registry.Registry, window time.Duration, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		agg:      agg,
		banks:    banks,
		consents: consents,
		poller:   poller,
		registry: reg,
		window:   window,
		logger:   logger,
	}
}

// Router builds the chi route tree.
func (h *Handler) Router() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/banks", func(r chi.Router) {
			r.Get("/list", h.ListBanks)
			r.Get("/health", h.Health)
			r.Get("/accounts/all", h.AllAccounts)
			r.Get("/accounts/{accountID}/balances", h.AccountBalances)
			r.Get("/accounts/{accountID}/transactions", h.AccountTransactions)
			r.Post("/account-consents", h.CreateConsent)
			r.Get("/consents", h.ListConsents)
			r.Get("/consents/{consentID}", h.ConsentStatus)
			r.Delete("/consents/{consentID}", h.DeleteConsent)
		})
		r.Get("/analytics/summary", h.Summary)
		r.Get("/ar/receivables", h.Receivables)
	})

	return r
}

// userID extracts the authenticated user from the X-User-Id header. Real
// token auth lives in the gateway fronting this service.
func (h *Handler) userID(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID := r.Header.Get("X-User-Id")
	if userID == "" {
		h.respondError(w, http.StatusUnauthorized, "missing X-User-Id header")
		return "", false
	}
	return userID, true
}

func (h *Handler) respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		h.logger.Warn("failed to write response", zap.Error(err))
	}
}

func (h *Handler) respondError(w http.ResponseWriter, status int, msg string) {
	h.respondJSON(w, status, map[string]interface{}{
		"success": false,
		"error":   msg,
	})
}
