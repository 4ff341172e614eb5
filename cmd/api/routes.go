package main

import (
	"log/slog"
	"net/http"

	"github.com/leadforge/backend/internal/handlers"
	"github.com/leadforge/backend/internal/ledger"
	"github.com/leadforge/backend/internal/middleware"
	"github.com/leadforge/backend/internal/repository"
	"github.com/leadforge/backend/internal/search"
)

// registerRoutes adds the /v1/ API endpoints to the given mux.
// Middleware chain: APIKeyAuth -> handler; the payment webhook is called by
// the gateway, not by account holders, so it stays outside the auth chain.
func registerRoutes(
	mux *http.ServeMux,
	searchSvc *search.Service,
	searchRepo *repository.SearchRepo,
	appearanceRepo *repository.AppearanceRepo,
	accountRepo *repository.AccountRepo,
	ledgerRepo *repository.LedgerRepo,
	ledgerSvc ledger.Service,
	apiKeyRepo *repository.APIKeyRepo,
	logger *slog.Logger,
) {
	sh := &handlers.SearchHandler{
		Service:        searchSvc,
		SearchRepo:     searchRepo,
		AppearanceRepo: appearanceRepo,
		Logger:         logger,
	}
	ah := &handlers.AccountHandler{
		AccountRepo: accountRepo,
		LedgerRepo:  ledgerRepo,
		Logger:      logger,
	}
	wh := &handlers.WebhookHandler{
		Ledger: ledgerSvc,
		Logger: logger,
	}

	auth := middleware.APIKeyAuth(apiKeyRepo)

	mux.Handle("POST /v1/searches", auth(http.HandlerFunc(sh.CreateSearch)))
	mux.Handle("GET /v1/searches", auth(http.HandlerFunc(sh.ListSearches)))
	mux.Handle("GET /v1/searches/{id}", auth(http.HandlerFunc(sh.GetSearch)))

	mux.Handle("GET /v1/account", auth(http.HandlerFunc(ah.GetAccount)))
	mux.Handle("GET /v1/ledger", auth(http.HandlerFunc(ah.ListLedger)))

	mux.HandleFunc("POST /v1/webhooks/payment", wh.PaymentWebhook)
}
