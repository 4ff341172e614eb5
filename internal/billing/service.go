package billing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/leadforge/backend/internal/ledger"
	"github.com/leadforge/backend/internal/models"
)

// LedgerService is the slice of the ledger the billing model needs.
type LedgerService interface {
	DebitTx(ctx context.Context, tx pgx.Tx, accountID uuid.UUID, amount int, reference string) (int, error)
}

// GrantStore is the minimal access-grant repository interface.
type GrantStore interface {
	GetForUpdateTx(ctx context.Context, tx pgx.Tx, accountID, leadID uuid.UUID) (*models.AccessGrant, error)
	UpsertTx(ctx context.Context, tx pgx.Tx, g *models.AccessGrant) error
}

// AppearanceStore is the minimal search-appearance repository interface.
type AppearanceStore interface {
	CreateTx(ctx context.Context, tx pgx.Tx, a *models.SearchAppearance) error
}

// SearchStore is the slice of the search repository the billing model needs.
type SearchStore interface {
	BumpCountersTx(ctx context.Context, tx pgx.Tx, id uuid.UUID, billed bool) error
	RecentLeadIDs(ctx context.Context, accountID, excludeSearchID uuid.UUID, limit int) ([]uuid.UUID, error)
}

// TxBeginner abstracts transaction creation so tests don't need a pgxpool.Pool.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Window is the set of lead ids in an account's dedup window.
type Window map[uuid.UUID]bool

// Decision is the outcome of recording one lead appearance.
type Decision struct {
	Delivered bool
	Billed    bool
}

// Service decides, per (account, lead, search), whether delivery needs a new
// charge, and records the appearance. Charge, grant upsert, appearance insert
// and counter bump land in one transaction.
type Service struct {
	db          TxBeginner
	ledger      LedgerService
	grants      GrantStore
	appearances AppearanceStore
	searches    SearchStore

	dedupSearches int
	costPerLead   int
	log           *slog.Logger
}

func NewService(db TxBeginner, ledgerSvc LedgerService, grants GrantStore, appearances AppearanceStore, searches SearchStore, dedupSearches, costPerLead int, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		db:            db,
		ledger:        ledgerSvc,
		grants:        grants,
		appearances:   appearances,
		searches:      searches,
		dedupSearches: dedupSearches,
		costPerLead:   costPerLead,
		log:           log,
	}
}

// DedupWindow loads the lead ids eligible for free re-display in the current
// search. The window spans K consecutive searches with the current one
// occupying a slot, so the lookup covers the K-1 most recently completed:
// with K=3, a lead billed in S1 rides free through S2 and S3 and is charged
// again in S4.
func (s *Service) DedupWindow(ctx context.Context, accountID, excludeSearchID uuid.UUID) (Window, error) {
	limit := s.dedupSearches - 1
	if limit <= 0 {
		return Window{}, nil
	}
	ids, err := s.searches.RecentLeadIDs(ctx, accountID, excludeSearchID, limit)
	if err != nil {
		return nil, fmt.Errorf("load dedup window: %w", err)
	}
	w := make(Window, len(ids))
	for _, id := range ids {
		w[id] = true
	}
	return w, nil
}

// RecordAppearance applies the charge decision for one lead in one search:
//
//   - in window with an active grant: delivered free, appearance billed=false;
//   - otherwise: debit; on success upsert the grant and insert the appearance
//     billed=true. A windowed lead without a grant still charges: data is
//     never shown on the strength of an appearance alone.
//
// On ErrInsufficientCredits nothing is recorded and the error propagates so
// the orchestrator stops acquiring leads.
func (s *Service) RecordAppearance(ctx context.Context, sr *models.Search, leadID uuid.UUID, window Window) (Decision, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return Decision{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	grant, err := s.grants.GetForUpdateTx(ctx, tx, sr.AccountID, leadID)
	if err != nil {
		return Decision{}, err
	}

	mustCharge := !window[leadID] || !grant.Active()
	if mustCharge {
		ref := fmt.Sprintf("search %s lead %s", sr.ID, leadID)
		if _, err := s.ledger.DebitTx(ctx, tx, sr.AccountID, s.costPerLead, ref); err != nil {
			if errors.Is(err, ledger.ErrInsufficientCredits) {
				return Decision{}, err
			}
			return Decision{}, fmt.Errorf("debit for lead %s: %w", leadID, err)
		}
		if err := s.grants.UpsertTx(ctx, tx, &models.AccessGrant{
			ID:        uuid.New(),
			AccountID: sr.AccountID,
			LeadID:    leadID,
		}); err != nil {
			return Decision{}, fmt.Errorf("upsert grant: %w", err)
		}
	}

	if err := s.appearances.CreateTx(ctx, tx, &models.SearchAppearance{
		ID:       uuid.New(),
		SearchID: sr.ID,
		LeadID:   leadID,
		Billed:   mustCharge,
	}); err != nil {
		return Decision{}, fmt.Errorf("record appearance: %w", err)
	}
	if err := s.searches.BumpCountersTx(ctx, tx, sr.ID, mustCharge); err != nil {
		return Decision{}, fmt.Errorf("bump counters: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return Decision{}, err
	}
	return Decision{Delivered: true, Billed: mustCharge}, nil
}

// CanReveal gates sensitive fields: the requesting account must hold an
// active grant AND enrichment must have completed. Independent of how the
// lead got into the current search.
func CanReveal(grantActive bool, enrichmentStatus string) bool {
	return grantActive && enrichmentStatus == models.EnrichmentDone
}
