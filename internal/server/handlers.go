package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/finflow-dev/finflow/bankapi/models"
	"github.com/finflow-dev/finflow/internal/aggregate"
	"github.com/finflow-dev/finflow/internal/consent"
)

// AllAccounts handles GET /api/v1/banks/accounts/all. Per-bank failures come
// back as per-bank error entries, never as a failure of the whole call.
// ?refresh=true bypasses the snapshot cache.
func (h *Handler) AllAccounts(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	force := r.URL.Query().Get("refresh") == "true"
	snapshot, err := h.agg.Refresh(r.Context(), userID, force)
	if err != nil {
		if errors.Is(err, aggregate.ErrRefreshInFlight) {
			h.respondError(w, http.StatusAccepted, "aggregation in progress, retry shortly")
			return
		}
		h.logger.Error("aggregation failed", zap.Error(err))
		h.respondError(w, http.StatusInternalServerError, "aggregation failed")
		return
	}

	banks := make(map[string]interface{}, len(snapshot.Banks))
	for code, result := range snapshot.Banks {
		entry := map[string]interface{}{
			"success": result.OK(),
			"count":   len(result.Accounts),
		}
		if result.OK() {
			entry["accounts"] = result.Accounts
			entry["consent_id"] = result.ConsentID
		} else {
			entry["error"] = result.Error
		}
		banks[code] = entry
	}

	h.respondJSON(w, http.StatusOK, map[string]interface{}{
		"success":        true,
		"banks":          banks,
		"total_accounts": snapshot.AccountCount,
		"total_balance":  snapshot.TotalBalance,
		"taken_at":       snapshot.TakenAt,
	})
}

// AccountBalances handles GET /api/v1/banks/accounts/{accountID}/balances.
// consent_id is resolved from the store when omitted.
func (h *Handler) AccountBalances(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	accountID := chi.URLParam(r, "accountID")
	gateway, consentID, ok := h.resolveGateway(w, r, userID)
	if !ok {
		return
	}

	balances, err := gateway.GetBalances(r.Context(), accountID, consentID)
	if err != nil {
		h.logger.Warn("balance fetch failed",
			zap.String("account_id", accountID),
			zap.Error(err))
		h.respondError(w, http.StatusBadGateway, "failed to fetch balances")
		return
	}

	h.respondJSON(w, http.StatusOK, map[string]interface{}{
		"success":    true,
		"account_id": accountID,
		"balances":   balances,
		"balance":    models.SelectBalance(balances),
	})
}

// AccountTransactions handles GET /api/v1/banks/accounts/{accountID}/transactions
// with an optional from_date/to_date window, defaulting to the trailing
// configured window.
func (h *Handler) AccountTransactions(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	accountID := chi.URLParam(r, "accountID")
	gateway, consentID, ok := h.resolveGateway(w, r, userID)
	if !ok {
		return
	}

	to := time.Now()
	from := to.Add(-h.window)
	if ts := models.ParseTime(r.URL.Query().Get("from_date")); ts != nil {
		from = *ts
	}
	if ts := models.ParseTime(r.URL.Query().Get("to_date")); ts != nil {
		to = *ts
	}

	transactions, err := gateway.GetTransactions(r.Context(), accountID, consentID, from, to)
	if err != nil {
		h.logger.Warn("transaction fetch failed",
			zap.String("account_id", accountID),
			zap.Error(err))
		h.respondError(w, http.StatusBadGateway, "failed to fetch transactions")
		return
	}

	h.respondJSON(w, http.StatusOK, map[string]interface{}{
		"success":      true,
		"account_id":   accountID,
		"transactions": transactions,
		"total_count":  len(transactions),
	})
}

// CreateConsent handles POST /api/v1/banks/account-consents?bank_code=...
// The new consent supersedes any prior one for the same bank; pending
// consents are handed to the poller.
func (h *Handler) CreateConsent(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	bankCode := r.URL.Query().Get("bank_code")
	gateway, ok := h.banks[bankCode]
	if !ok {
		h.respondError(w, http.StatusNotFound, "unknown bank code")
		return
	}

	var body struct {
		Permissions []string `json:"permissions"`
	}
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&body)
	}

	created, err := gateway.RequestConsent(r.Context(), userID, body.Permissions)
	if err != nil {
		h.logger.Warn("consent creation failed",
			zap.String("bank_code", bankCode),
			zap.Error(err))
		h.respondError(w, http.StatusBadGateway, "failed to create consent")
		return
	}

	expiresAt := created.ExpiresAt
	if expiresAt == nil {
		// banks that omit expiry get the documented default of one year
		ts := time.Now().AddDate(1, 0, 0)
		expiresAt = &ts
	}

	status := consent.ParseStatus(created.Status)
	h.consents.Put(userID, consent.Record{
		ConsentID:    created.ConsentID,
		BankCode:     bankCode,
		Status:       status,
		AutoApproved: created.AutoApproved,
		ExpiresAt:    expiresAt,
	})
	if status == consent.StatusPending {
		h.poller.Watch(userID, bankCode)
	}
	h.agg.Invalidate(userID)

	h.respondJSON(w, http.StatusOK, map[string]interface{}{
		"success":       true,
		"consent_id":    created.ConsentID,
		"status":        status,
		"auto_approved": created.AutoApproved,
		"expires_at":    expiresAt,
	})
}

// ListConsents handles GET /api/v1/banks/consents.
func (h *Handler) ListConsents(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	records := h.consents.List(userID)
	if records == nil {
		records = []consent.Record{}
	}
	h.respondJSON(w, http.StatusOK, map[string]interface{}{
		"success":  true,
		"consents": records,
	})
}

// ConsentStatus handles GET /api/v1/banks/consents/{consentID}. For pending
// consents this performs an on-demand status refresh against the bank.
func (h *Handler) ConsentStatus(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	consentID := chi.URLParam(r, "consentID")
	bankCode := r.URL.Query().Get("bank_code")
	rec, ok := h.consents.Get(userID, bankCode)
	if !ok || rec.ConsentID != consentID {
		h.respondError(w, http.StatusNotFound, "consent not found")
		return
	}

	if !rec.Status.Terminal() {
		if _, err := h.poller.RefreshStatus(r.Context(), userID, bankCode); err != nil {
			h.logger.Warn("consent status refresh failed",
				zap.String("bank_code", bankCode),
				zap.Error(err))
		}
		rec, _ = h.consents.Get(userID, bankCode)
	}

	h.respondJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"consent": rec,
	})
}

// DeleteConsent handles DELETE /api/v1/banks/consents/{consentID}: revokes
// on the bank side and marks the stored record revoked.
func (h *Handler) DeleteConsent(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	consentID := chi.URLParam(r, "consentID")
	bankCode := r.URL.Query().Get("bank_code")
	gateway, ok := h.banks[bankCode]
	if !ok {
		h.respondError(w, http.StatusNotFound, "unknown bank code")
		return
	}
	rec, ok := h.consents.Get(userID, bankCode)
	if !ok || rec.ConsentID != consentID {
		h.respondError(w, http.StatusNotFound, "consent not found")
		return
	}

	if err := gateway.DeleteConsent(r.Context(), consentID); err != nil {
		h.logger.Warn("consent deletion failed",
			zap.String("bank_code", bankCode),
			zap.Error(err))
		h.respondError(w, http.StatusBadGateway, "failed to delete consent")
		return
	}

	if err := h.consents.UpdateStatus(userID, bankCode, consent.StatusRevoked); err != nil {
		h.logger.Warn("failed to mark consent revoked", zap.Error(err))
	}
	h.agg.Invalidate(userID)

	h.respondJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"message": "consent deleted",
	})
}

// ListBanks handles GET /api/v1/banks/list.
func (h *Handler) ListBanks(w http.ResponseWriter, r *http.Request) {
	type bankEntry struct {
		Code string `json:"code"`
		Name string `json:"name"`
	}
	var banks []bankEntry
	for _, bank := range h.registry.Banks() {
		banks = append(banks, bankEntry{Code: bank.Code, Name: bank.Name})
	}
	h.respondJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"banks":   banks,
	})
}

// Health handles GET /api/v1/banks/health.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Summary handles GET /api/v1/analytics/summary: the dashboard aggregates
// computed from the cached snapshot.
func (h *Handler) Summary(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	snapshot, err := h.agg.Snapshot(r.Context(), userID)
	if err != nil {
		if errors.Is(err, aggregate.ErrRefreshInFlight) {
			h.respondError(w, http.StatusAccepted, "aggregation in progress, retry shortly")
			return
		}
		h.respondError(w, http.StatusInternalServerError, "aggregation failed")
		return
	}

	h.respondJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"summary": snapshot.Summarize(),
	})
}

// Receivables handles GET /api/v1/ar/receivables: the credit-only feed.
func (h *Handler) Receivables(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	snapshot, err := h.agg.Snapshot(r.Context(), userID)
	if err != nil {
		if errors.Is(err, aggregate.ErrRefreshInFlight) {
			h.respondError(w, http.StatusAccepted, "aggregation in progress, retry shortly")
			return
		}
		h.respondError(w, http.StatusInternalServerError, "aggregation failed")
		return
	}

	receivables := snapshot.Receivables()
	total := decimal.Zero
	for _, entry := range receivables {
		total = total.Add(entry.Amount)
	}
	if receivables == nil {
		receivables = []aggregate.FeedEntry{}
	}

	h.respondJSON(w, http.StatusOK, map[string]interface{}{
		"success":     true,
		"receivables": receivables,
		"total":       total,
		"count":       len(receivables),
	})
}

// resolveGateway looks up the bank gateway for the bank_code query param and
// resolves the consent id, preferring an explicit consent_id param over the
// stored active consent.
func (h *Handler) resolveGateway(w http.ResponseWriter, r *http.Request, userID string) (BankGateway, string, bool) {
	bankCode := r.URL.Query().Get("bank_code")
	gateway, ok := h.banks[bankCode]
	if !ok {
		h.respondError(w, http.StatusNotFound, "unknown bank code")
		return nil, "", false
	}

	consentID := r.URL.Query().Get("consent_id")
	if consentID == "" {
		rec, ok := h.consents.Active(userID, bankCode)
		if !ok {
			h.respondError(w, http.StatusForbidden, "no active consent for "+bankCode+", create one first")
			return nil, "", false
		}
		consentID = rec.ConsentID
	}
	return gateway, consentID, true
}
