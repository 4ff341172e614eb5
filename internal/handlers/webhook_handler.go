package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/leadforge/backend/internal/ledger"
)

// CreditService is the slice of the ledger the webhook needs.
type CreditService interface {
	Credit(ctx context.Context, accountID uuid.UUID, amount int, reference string) (int, error)
}

// WebhookHandler receives payment-gateway notifications.
type WebhookHandler struct {
	Ledger CreditService
	Logger *slog.Logger
}

type paymentWebhookRequest struct {
	AccountID string `json:"account_id"`
	Credits   int    `json:"credits"`
	Reference string `json:"reference"`
}

// PaymentWebhook handles POST /v1/webhooks/payment. Gateways deliver at
// least once; the ledger dedups on reference, so a replay answers 200 with
// the unchanged balance and the gateway stops retrying.
func (h *WebhookHandler) PaymentWebhook(w http.ResponseWriter, r *http.Request) {
	var req paymentWebhookRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	accountID, err := uuid.Parse(req.AccountID)
	if err != nil {
		http.Error(w, `{"error":"invalid account_id"}`, http.StatusBadRequest)
		return
	}
	if req.Reference == "" {
		http.Error(w, `{"error":"reference is required"}`, http.StatusBadRequest)
		return
	}

	balance, err := h.Ledger.Credit(r.Context(), accountID, req.Credits, req.Reference)
	if err != nil {
		switch {
		case errors.Is(err, ledger.ErrInvalidAmount):
			http.Error(w, `{"error":"credits must be > 0"}`, http.StatusBadRequest)
		case errors.Is(err, ledger.ErrAccountNotFound):
			http.Error(w, `{"error":"account not found"}`, http.StatusNotFound)
		default:
			h.Logger.Error("payment webhook credit", "account_id", accountID, "reference", req.Reference, "error", err)
			http.Error(w, `{"error":"could not apply credit"}`, http.StatusInternalServerError)
		}
		return
	}

	h.Logger.Info("payment credited", "account_id", accountID, "credits", req.Credits, "reference", req.Reference)
	writeJSON(w, http.StatusOK, map[string]any{"balance": balance})
}
