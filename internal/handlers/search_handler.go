package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/leadforge/backend/internal/billing"
	"github.com/leadforge/backend/internal/middleware"
	"github.com/leadforge/backend/internal/models"
	"github.com/leadforge/backend/internal/repository"
	"github.com/leadforge/backend/internal/search"
)

// SearchService is the subset of the orchestrator the handler needs.
type SearchService interface {
	Create(ctx context.Context, accountID uuid.UUID, niche, location string, quantity int) (*models.Search, error)
}

// SearchRepoForHandler reads search rows.
type SearchRepoForHandler interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.Search, error)
	ListByAccountID(ctx context.Context, accountID uuid.UUID) ([]*models.Search, error)
}

// AppearanceRepoForHandler reads a search's delivered leads with grant state.
type AppearanceRepoForHandler interface {
	ListBySearch(ctx context.Context, searchID, accountID uuid.UUID) ([]*repository.SearchResult, error)
}

// SearchHandler serves /v1/searches endpoints.
type SearchHandler struct {
	Service        SearchService
	SearchRepo     SearchRepoForHandler
	AppearanceRepo AppearanceRepoForHandler
	Logger         *slog.Logger
}

// --- POST /v1/searches ---

type createSearchRequest struct {
	Niche    string `json:"niche"`
	Location string `json:"location"`
	Quantity int    `json:"quantity"`
}

type createSearchResponse struct {
	SearchID string `json:"search_id"`
	Status   string `json:"status"`
}

// CreateSearch handles POST /v1/searches: persist, schedule, 202. The search
// runs in the background; clients poll GET /v1/searches/{id}.
func (h *SearchHandler) CreateSearch(w http.ResponseWriter, r *http.Request) {
	acc := middleware.AccountFromCtx(r.Context())
	if acc == nil {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}

	var req createSearchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}

	sr, err := h.Service.Create(r.Context(), acc.ID, req.Niche, req.Location, req.Quantity)
	if err != nil {
		if errors.Is(err, search.ErrInvalidRequest) {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		h.Logger.Error("create search", "error", err)
		http.Error(w, `{"error":"could not create search"}`, http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusAccepted, createSearchResponse{
		SearchID: sr.ID.String(),
		Status:   sr.Status,
	})
}

// --- GET /v1/searches/{id} ---

type searchLeadResponse struct {
	ID               string          `json:"id"`
	ExternalID       string          `json:"external_id"`
	Name             string          `json:"name"`
	Address          string          `json:"address,omitempty"`
	Phone            string          `json:"phone,omitempty"`
	EnrichmentStatus string          `json:"enrichment_status"`
	Billed           bool            `json:"billed"`
	EnrichmentData   json.RawMessage `json:"enrichment_data,omitempty"`
}

type searchResponse struct {
	ID           string               `json:"id"`
	Status       string               `json:"status"`
	Niche        string               `json:"niche"`
	Location     string               `json:"location"`
	ResultsCount int                  `json:"results_count"`
	CreditsUsed  int                  `json:"credits_used"`
	CreatedAt    string               `json:"created_at"`
	Leads        []searchLeadResponse `json:"leads,omitempty"`
}

// GetSearch handles GET /v1/searches/{id}: the live read model plus the
// delivered leads. Sensitive enrichment data appears only when the account
// holds an active grant and enrichment finished.
func (h *SearchHandler) GetSearch(w http.ResponseWriter, r *http.Request) {
	acc := middleware.AccountFromCtx(r.Context())
	if acc == nil {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		http.Error(w, `{"error":"invalid search id"}`, http.StatusBadRequest)
		return
	}

	sr, err := h.SearchRepo.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			http.Error(w, `{"error":"search not found"}`, http.StatusNotFound)
			return
		}
		h.Logger.Error("get search", "search_id", id, "error", err)
		http.Error(w, `{"error":"could not load search"}`, http.StatusInternalServerError)
		return
	}
	if sr.AccountID != acc.ID {
		// Not yours: indistinguishable from absent.
		http.Error(w, `{"error":"search not found"}`, http.StatusNotFound)
		return
	}

	results, err := h.AppearanceRepo.ListBySearch(r.Context(), sr.ID, acc.ID)
	if err != nil {
		h.Logger.Error("list search results", "search_id", id, "error", err)
		http.Error(w, `{"error":"could not load search results"}`, http.StatusInternalServerError)
		return
	}

	resp := toSearchResponse(sr)
	for _, res := range results {
		lead := searchLeadResponse{
			ID:               res.Lead.ID.String(),
			ExternalID:       res.Lead.ExternalID,
			Name:             res.Lead.Name,
			Address:          res.Lead.Address,
			Phone:            res.Lead.Phone,
			EnrichmentStatus: res.Lead.EnrichmentStatus,
			Billed:           res.Billed,
		}
		if billing.CanReveal(res.HasGrant, res.Lead.EnrichmentStatus) {
			lead.EnrichmentData = res.Lead.EnrichmentData
		}
		resp.Leads = append(resp.Leads, lead)
	}
	writeJSON(w, http.StatusOK, resp)
}

// --- GET /v1/searches ---

func (h *SearchHandler) ListSearches(w http.ResponseWriter, r *http.Request) {
	acc := middleware.AccountFromCtx(r.Context())
	if acc == nil {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	list, err := h.SearchRepo.ListByAccountID(r.Context(), acc.ID)
	if err != nil {
		h.Logger.Error("list searches", "account_id", acc.ID, "error", err)
		http.Error(w, `{"error":"could not list searches"}`, http.StatusInternalServerError)
		return
	}
	out := make([]searchResponse, 0, len(list))
	for _, sr := range list {
		out = append(out, toSearchResponse(sr))
	}
	writeJSON(w, http.StatusOK, map[string]any{"searches": out})
}

func toSearchResponse(sr *models.Search) searchResponse {
	return searchResponse{
		ID:           sr.ID.String(),
		Status:       sr.Status,
		Niche:        sr.Niche,
		Location:     sr.Location,
		ResultsCount: sr.ResultsCount,
		CreditsUsed:  sr.CreditsUsed,
		CreatedAt:    sr.CreatedAt.UTC().Format("2006-01-02T15:04:05Z07:00"),
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("write JSON response", "error", err)
	}
}
