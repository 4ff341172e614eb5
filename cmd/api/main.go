package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/riverqueue/river/rivermigrate"
	"github.com/rs/cors"

	"github.com/leadforge/backend/internal/billing"
	"github.com/leadforge/backend/internal/config"
	"github.com/leadforge/backend/internal/database"
	"github.com/leadforge/backend/internal/enrichment"
	"github.com/leadforge/backend/internal/ledger"
	"github.com/leadforge/backend/internal/queue"
	"github.com/leadforge/backend/internal/repository"
	"github.com/leadforge/backend/internal/search"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load(os.Getenv("LEADFORGE_CONFIG"))
	if err != nil {
		slog.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("Unable to create database pool", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		slog.Error("Cannot reach PostgreSQL (connection refused or invalid). Ensure Postgres is running", "error", err)
		os.Exit(1)
	}
	slog.Info("Connected to PostgreSQL")

	// River migrations first, then our schema.
	migrator, err := rivermigrate.New(riverpgxv5.New(pool), nil)
	if err != nil {
		slog.Error("Failed to create River migrator", "error", err)
		os.Exit(1)
	}
	if _, err := migrator.Migrate(ctx, rivermigrate.DirectionUp, nil); err != nil {
		slog.Error("River migrate up failed", "error", err)
		os.Exit(1)
	}
	if err := database.Migrate(ctx, pool); err != nil {
		slog.Error("Schema migration failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Migrations applied")

	// Repositories
	accountRepo := repository.NewAccountRepo(pool)
	ledgerRepo := repository.NewLedgerRepo(pool)
	apiKeyRepo := repository.NewAPIKeyRepo(pool)
	leadRepo := repository.NewLeadRepo(pool)
	searchRepo := repository.NewSearchRepo(pool)
	grantRepo := repository.NewGrantRepo(pool)
	appearanceRepo := repository.NewAppearanceRepo(pool)
	queueRepo := repository.NewQueueRepo(pool)

	// Services
	ledgerSvc := ledger.NewService(pool, accountRepo, ledgerRepo)
	billingSvc := billing.NewService(pool, ledgerSvc, grantRepo, appearanceRepo, searchRepo,
		cfg.Billing.DedupSearches, cfg.Billing.CostPerLead, logger)
	queueSvc := queue.NewService(pool, queueRepo, leadRepo, cfg.Queue, logger)

	enrichmentProvider := enrichment.NewHTTPProvider(cfg.Provider.BaseURL, cfg.Provider.APIKey, cfg.Provider.CallTimeout)
	candidateProvider := search.NewHTTPCandidateProvider(cfg.SearchAPI.BaseURL, cfg.SearchAPI.APIKey, cfg.SearchAPI.CallTimeout)

	searchSvc := search.NewService(pool, searchRepo, leadRepo, grantRepo, appearanceRepo,
		billingSvc, ledgerSvc, queueSvc, candidateProvider, cfg.Billing.CostPerLead, logger)

	// Terminal enrichment failures compensate through the orchestrator.
	queueSvc.SetExhaustedHandler(searchSvc)

	// River client runs the search jobs.
	workers := river.NewWorkers()
	river.AddWorker(workers, search.NewRunSearchWorker(searchSvc))

	riverClient, err := river.NewClient(riverpgxv5.New(pool), &river.Config{
		Queues: map[string]river.QueueConfig{
			river.QueueDefault: {MaxWorkers: 10},
		},
		Workers: workers,
	})
	if err != nil {
		slog.Error("Failed to create River client", "error", err)
		os.Exit(1)
	}
	searchSvc.SetJobInserter(func(ctx context.Context, tx pgx.Tx, searchID uuid.UUID) error {
		_, err := riverClient.InsertTx(ctx, tx, search.RunSearchArgs{SearchID: searchID}, nil)
		return err
	})

	mux := http.NewServeMux()
	registerRoutes(mux, searchSvc, searchRepo, appearanceRepo, accountRepo, ledgerRepo, ledgerSvc, apiKeyRepo, logger)

	corsOrigins := cfg.CORSOrigins
	if len(corsOrigins) == 0 {
		corsOrigins = []string{"http://localhost:3000"}
	}
	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   corsOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}).Handler(mux)

	workerCtx, stopWorkers := context.WithCancel(ctx)
	defer stopWorkers()

	go func() {
		if err := riverClient.Start(workerCtx); err != nil && workerCtx.Err() == nil {
			slog.Error("River client stopped", "error", err)
		}
	}()
	for i := 0; i < cfg.Queue.Workers; i++ {
		w := queue.NewWorker(queueSvc, enrichmentProvider, fmt.Sprintf("worker-%d", i+1), logger)
		go w.Run(workerCtx)
	}
	go queue.NewReaper(queueSvc, logger).Run(workerCtx)

	serverAddr := "0.0.0.0:" + cfg.Port
	slog.Info("Starting HTTP server", "addr", serverAddr)
	if err := http.ListenAndServe(serverAddr, corsHandler); err != nil {
		slog.Error("HTTP server failed", "error", err)
		os.Exit(1)
	}
}
