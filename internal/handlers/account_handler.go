package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/leadforge/backend/internal/middleware"
	"github.com/leadforge/backend/internal/models"
)

// LedgerRepoForHandler reads an account's ledger entries.
type LedgerRepoForHandler interface {
	ListByAccountID(ctx context.Context, accountID uuid.UUID) ([]*models.LedgerEntry, error)
}

// AccountRepoForHandler reads the live balance.
type AccountRepoForHandler interface {
	Balance(ctx context.Context, id uuid.UUID) (int, error)
}

// AccountHandler serves the authenticated account's own data.
type AccountHandler struct {
	AccountRepo AccountRepoForHandler
	LedgerRepo  LedgerRepoForHandler
	Logger      *slog.Logger
}

// GetAccount handles GET /v1/account. The balance is re-read rather than
// taken from the auth context so the caller sees post-login charges.
func (h *AccountHandler) GetAccount(w http.ResponseWriter, r *http.Request) {
	acc := middleware.AccountFromCtx(r.Context())
	if acc == nil {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	balance, err := h.AccountRepo.Balance(r.Context(), acc.ID)
	if err != nil {
		h.Logger.Error("read balance", "account_id", acc.ID, "error", err)
		http.Error(w, `{"error":"could not load account"}`, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"id":             acc.ID,
		"email":          acc.Email,
		"name":           acc.Name,
		"credit_balance": balance,
	})
}

// ListLedger handles GET /v1/ledger.
func (h *AccountHandler) ListLedger(w http.ResponseWriter, r *http.Request) {
	acc := middleware.AccountFromCtx(r.Context())
	if acc == nil {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	entries, err := h.LedgerRepo.ListByAccountID(r.Context(), acc.ID)
	if err != nil {
		h.Logger.Error("list ledger", "account_id", acc.ID, "error", err)
		http.Error(w, `{"error":"could not load ledger"}`, http.StatusInternalServerError)
		return
	}
	if entries == nil {
		entries = []*models.LedgerEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}
