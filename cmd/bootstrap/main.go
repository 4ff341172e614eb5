// Command bootstrap provisions an account and issues an API key. The raw key
// is printed once and only its hash is stored, so run this again to rotate.
package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/leadforge/backend/internal/config"
	"github.com/leadforge/backend/internal/ledger"
	"github.com/leadforge/backend/internal/middleware"
	"github.com/leadforge/backend/internal/models"
	"github.com/leadforge/backend/internal/repository"
)

func main() {
	email := flag.String("email", "", "account email (required)")
	name := flag.String("name", "", "account display name")
	credits := flag.Int("credits", 0, "initial credits to add")
	flag.Parse()
	if *email == "" {
		fmt.Fprintln(os.Stderr, "bootstrap: -email is required")
		flag.Usage()
		os.Exit(2)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))
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

	accountRepo := repository.NewAccountRepo(pool)
	apiKeyRepo := repository.NewAPIKeyRepo(pool)
	ledgerRepo := repository.NewLedgerRepo(pool)
	ledgerSvc := ledger.NewService(pool, accountRepo, ledgerRepo)

	acc, err := accountRepo.GetByEmail(ctx, *email)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		acc = &models.Account{ID: uuid.New(), Email: *email, Name: *name}
		if err := accountRepo.Create(ctx, acc); err != nil {
			slog.Error("Create account failed", "email", *email, "error", err)
			os.Exit(1)
		}
		slog.Info("Account created", "account_id", acc.ID, "email", acc.Email)
	case err != nil:
		slog.Error("Look up account failed", "email", *email, "error", err)
		os.Exit(1)
	default:
		keys, err := apiKeyRepo.ListByAccountID(ctx, acc.ID)
		if err != nil {
			slog.Error("List api keys failed", "account_id", acc.ID, "error", err)
			os.Exit(1)
		}
		slog.Info("Account exists, issuing an additional key",
			"account_id", acc.ID, "existing_keys", len(keys))
	}

	rawKey, err := newKey()
	if err != nil {
		slog.Error("Generate api key failed", "error", err)
		os.Exit(1)
	}
	if err := apiKeyRepo.Create(ctx, &models.APIKey{
		ID:        uuid.New(),
		AccountID: acc.ID,
		KeyHash:   middleware.HashKey(rawKey),
		KeyPrefix: rawKey[:10],
		IsActive:  true,
	}); err != nil {
		slog.Error("Store api key failed", "account_id", acc.ID, "error", err)
		os.Exit(1)
	}

	if *credits > 0 {
		balance, err := ledgerSvc.Credit(ctx, acc.ID, *credits, "bootstrap "+uuid.NewString())
		if err != nil {
			slog.Error("Add credits failed", "account_id", acc.ID, "error", err)
			os.Exit(1)
		}
		slog.Info("Credits added", "account_id", acc.ID, "credits", *credits, "balance", balance)
	}

	fmt.Printf("account_id: %s\n", acc.ID)
	fmt.Printf("api_key:    %s\n", rawKey)
}

func newKey() (string, error) {
	b := make([]byte, 24)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return "lf_" + hex.EncodeToString(b), nil
}
