package search

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/leadforge/backend/internal/billing"
	"github.com/leadforge/backend/internal/ledger"
	"github.com/leadforge/backend/internal/models"
	"github.com/leadforge/backend/internal/queue"
)

var (
	ErrInvalidRequest = errors.New("invalid search request")
	ErrSearchNotFound = errors.New("search not found")
)

const maxQuantity = 100

// SearchStore is the search repository surface the orchestrator needs.
type SearchStore interface {
	CreateTx(ctx context.Context, tx pgx.Tx, s *models.Search) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Search, error)
	SetStatus(ctx context.Context, id uuid.UUID, status string) error
	DecrementCreditsUsedTx(ctx context.Context, tx pgx.Tx, id uuid.UUID) error
}

// LeadStore is the lead repository surface the orchestrator needs.
type LeadStore interface {
	Upsert(ctx context.Context, l *models.Lead) error
	SearchLocal(ctx context.Context, niche, location string, limit int) ([]*models.Lead, error)
	MarkEnrichmentPending(ctx context.Context, id uuid.UUID) (bool, error)
	UnmarkEnrichmentPending(ctx context.Context, id uuid.UUID) error
	ResetEnrichmentTx(ctx context.Context, tx pgx.Tx, id uuid.UUID) error
}

// GrantStore is the grant repository surface compensation needs.
type GrantStore interface {
	GetForUpdateTx(ctx context.Context, tx pgx.Tx, accountID, leadID uuid.UUID) (*models.AccessGrant, error)
	RevokeTx(ctx context.Context, tx pgx.Tx, accountID, leadID uuid.UUID) error
}

// AppearanceStore is the appearance repository surface compensation needs.
type AppearanceStore interface {
	IsBilledTx(ctx context.Context, tx pgx.Tx, searchID, leadID uuid.UUID) (bool, error)
	SetBilledTx(ctx context.Context, tx pgx.Tx, searchID, leadID uuid.UUID, billed bool) error
}

// Biller applies the charge decision for one lead appearance.
type Biller interface {
	DedupWindow(ctx context.Context, accountID, excludeSearchID uuid.UUID) (billing.Window, error)
	RecordAppearance(ctx context.Context, sr *models.Search, leadID uuid.UUID, w billing.Window) (billing.Decision, error)
}

// Refunder is the slice of the ledger compensation needs.
type Refunder interface {
	RefundTx(ctx context.Context, tx pgx.Tx, accountID uuid.UUID, amount int, reference string) (int, error)
}

// Enqueuer schedules enrichment lookups.
type Enqueuer interface {
	Enqueue(ctx context.Context, req queue.EnqueueRequest) (*models.QueueItem, error)
}

// TxBeginner abstracts transaction creation so tests don't need a pgxpool.Pool.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Service drives one search from creation to completion or credit
// exhaustion, and compensates charges whose enrichment later failed for good.
type Service struct {
	db          TxBeginner
	searches    SearchStore
	leads       LeadStore
	grants      GrantStore
	appearances AppearanceStore
	billing     Biller
	ledger      Refunder
	queue       Enqueuer
	provider    CandidateProvider
	costPerLead int
	log         *slog.Logger

	mu        sync.Mutex
	insertJob func(ctx context.Context, tx pgx.Tx, searchID uuid.UUID) error
}

func NewService(db TxBeginner, searches SearchStore, leads LeadStore, grants GrantStore, appearances AppearanceStore, biller Biller, refunder Refunder, enqueuer Enqueuer, provider CandidateProvider, costPerLead int, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		db:          db,
		searches:    searches,
		leads:       leads,
		grants:      grants,
		appearances: appearances,
		billing:     biller,
		ledger:      refunder,
		queue:       enqueuer,
		provider:    provider,
		costPerLead: costPerLead,
		log:         log,
	}
}

// SetJobInserter installs the background-job insertion closure. Wired from
// main after the job client exists, since the client's workers need this
// service first.
func (s *Service) SetJobInserter(fn func(ctx context.Context, tx pgx.Tx, searchID uuid.UUID) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.insertJob = fn
}

func (s *Service) jobInserter() func(ctx context.Context, tx pgx.Tx, searchID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insertJob
}

// Create persists the search as queued and schedules its run job in the same
// transaction, so a crash between the two loses neither.
func (s *Service) Create(ctx context.Context, accountID uuid.UUID, niche, location string, quantity int) (*models.Search, error) {
	niche = strings.TrimSpace(niche)
	location = strings.TrimSpace(location)
	if niche == "" || location == "" {
		return nil, fmt.Errorf("%w: niche and location are required", ErrInvalidRequest)
	}
	if quantity <= 0 || quantity > maxQuantity {
		return nil, fmt.Errorf("%w: quantity must be between 1 and %d", ErrInvalidRequest, maxQuantity)
	}

	sr := &models.Search{
		ID:                uuid.New(),
		AccountID:         accountID,
		Niche:             niche,
		Location:          location,
		QuantityRequested: quantity,
		Status:            models.SearchStatusQueued,
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := s.searches.CreateTx(ctx, tx, sr); err != nil {
		return nil, err
	}
	insert := s.jobInserter()
	if insert == nil {
		return nil, errors.New("search: job inserter not wired")
	}
	if err := insert(ctx, tx, sr.ID); err != nil {
		return nil, fmt.Errorf("schedule search run: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return sr, nil
}

// Run executes one search: candidates come from the local lead store first,
// then the search provider; each delivery goes through the billing decision;
// unenriched leads are queued for enrichment fire-and-forget. Counters update
// per lead, so a poller sees live progress. Runs again safely after a crash:
// already-recorded appearances are skipped via the unique constraint and the
// remaining quantity is re-derived from the counters.
func (s *Service) Run(ctx context.Context, searchID uuid.UUID) error {
	sr, err := s.searches.GetByID(ctx, searchID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("%w: %s", ErrSearchNotFound, searchID)
		}
		return err
	}
	switch sr.Status {
	case models.SearchStatusCompleted, models.SearchStatusExhaustedCredits, models.SearchStatusFailed:
		// Replayed job; nothing left to do.
		return nil
	}
	if err := s.searches.SetStatus(ctx, sr.ID, models.SearchStatusProcessing); err != nil {
		return err
	}

	log := s.log.With("search_id", sr.ID, "account_id", sr.AccountID)

	window, err := s.billing.DedupWindow(ctx, sr.AccountID, sr.ID)
	if err != nil {
		return s.finish(ctx, sr, models.SearchStatusFailed, err)
	}

	delivered := sr.ResultsCount
	seen := make(map[uuid.UUID]bool)

	local, err := s.leads.SearchLocal(ctx, sr.Niche, sr.Location, sr.QuantityRequested)
	if err != nil {
		return s.finish(ctx, sr, models.SearchStatusFailed, err)
	}
	for _, lead := range local {
		if delivered >= sr.QuantityRequested {
			break
		}
		ok, err := s.deliver(ctx, sr, lead, window, seen, log)
		if err != nil {
			return s.finish(ctx, sr, models.SearchStatusExhaustedCredits, err)
		}
		if ok {
			delivered++
		}
	}

	if delivered < sr.QuantityRequested {
		candidates, err := s.provider.FindCompanies(ctx, sr.Niche, sr.Location, 2*(sr.QuantityRequested-delivered))
		if err != nil {
			if delivered == 0 {
				return s.finish(ctx, sr, models.SearchStatusFailed, err)
			}
			// Partial result beats a destructive failure.
			log.Error("search provider failed mid-search", "error", err, "delivered", delivered)
			candidates = nil
		}
		for _, c := range candidates {
			if delivered >= sr.QuantityRequested {
				break
			}
			if c.ExternalID == "" {
				continue
			}
			lead := &models.Lead{
				ID:         uuid.New(),
				ExternalID: c.ExternalID,
				Name:       c.Name,
				Address:    c.Address,
				Phone:      c.Phone,
			}
			if err := s.leads.Upsert(ctx, lead); err != nil {
				log.Error("lead upsert failed", "external_id", c.ExternalID, "error", err)
				continue
			}
			ok, err := s.deliver(ctx, sr, lead, window, seen, log)
			if err != nil {
				return s.finish(ctx, sr, models.SearchStatusExhaustedCredits, err)
			}
			if ok {
				delivered++
			}
		}
	}

	log.Info("search finished", "delivered", delivered, "requested", sr.QuantityRequested)
	return s.searches.SetStatus(ctx, sr.ID, models.SearchStatusCompleted)
}

// deliver pushes one lead through the billing decision and queues enrichment
// when its data is missing. Returns (false, nil) for skippable conditions and
// propagates only credit exhaustion.
func (s *Service) deliver(ctx context.Context, sr *models.Search, lead *models.Lead, window billing.Window, seen map[uuid.UUID]bool, log *slog.Logger) (bool, error) {
	if seen[lead.ID] {
		return false, nil
	}
	seen[lead.ID] = true

	decision, err := s.billing.RecordAppearance(ctx, sr, lead.ID, window)
	if err != nil {
		if errors.Is(err, ledger.ErrInsufficientCredits) {
			return false, err
		}
		// Includes the replay case where this appearance already exists.
		log.Warn("appearance not recorded", "lead_id", lead.ID, "error", err)
		return false, nil
	}
	if !decision.Delivered {
		return false, nil
	}

	if lead.EnrichmentStatus == models.EnrichmentNone {
		s.enqueueEnrichment(ctx, sr, lead, log)
	}
	return true, nil
}

func (s *Service) enqueueEnrichment(ctx context.Context, sr *models.Search, lead *models.Lead, log *slog.Logger) {
	ok, err := s.leads.MarkEnrichmentPending(ctx, lead.ID)
	if err != nil {
		log.Error("mark enrichment pending failed", "lead_id", lead.ID, "error", err)
		return
	}
	if !ok {
		// Another search already queued this lead.
		return
	}
	payload, _ := json.Marshal(map[string]string{"external_id": lead.ExternalID})
	leadID, searchID, accountID := lead.ID, sr.ID, sr.AccountID
	if _, err := s.queue.Enqueue(ctx, queue.EnqueueRequest{
		Kind:      models.QueueKindPartnerLookup,
		Payload:   payload,
		LeadID:    &leadID,
		SearchID:  &searchID,
		AccountID: &accountID,
	}); err != nil {
		log.Error("enqueue enrichment failed", "lead_id", lead.ID, "error", err)
		// Revert the status flip, otherwise the lead sits in pending with no
		// queue item and no later search ever retries the lookup.
		if revertErr := s.leads.UnmarkEnrichmentPending(ctx, lead.ID); revertErr != nil {
			log.Error("revert enrichment pending failed", "lead_id", lead.ID, "error", revertErr)
		}
	}
}

// finish moves the search to a terminal status after a mid-run error. Credit
// exhaustion is an expected outcome: the search keeps what it gathered and
// the status says why it stopped.
func (s *Service) finish(ctx context.Context, sr *models.Search, status string, cause error) error {
	if errors.Is(cause, ledger.ErrInsufficientCredits) {
		s.log.Info("search stopped on credit exhaustion", "search_id", sr.ID)
		return s.searches.SetStatus(ctx, sr.ID, models.SearchStatusExhaustedCredits)
	}
	s.log.Error("search failed", "search_id", sr.ID, "status", status, "error", cause)
	if err := s.searches.SetStatus(ctx, sr.ID, status); err != nil {
		return err
	}
	return cause
}

// EnrichmentExhausted compensates a charge whose enrichment failed for good:
// one refund per charge, grant revoked, appearance flipped to unbilled,
// counters corrected, lead returned to the unenriched state. Safe to run
// twice: the appearance's billed flag flips exactly once under the grant-row
// lock, so the refund cannot double-apply.
func (s *Service) EnrichmentExhausted(ctx context.Context, item *models.QueueItem) error {
	if item.LeadID == nil {
		return nil
	}
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if item.AccountID != nil && item.SearchID != nil {
		if _, err := s.grants.GetForUpdateTx(ctx, tx, *item.AccountID, *item.LeadID); err != nil {
			return err
		}
		billed, err := s.appearances.IsBilledTx(ctx, tx, *item.SearchID, *item.LeadID)
		if err != nil {
			return err
		}
		if billed {
			ref := fmt.Sprintf("enrichment failed search %s lead %s", *item.SearchID, *item.LeadID)
			if _, err := s.ledger.RefundTx(ctx, tx, *item.AccountID, s.costPerLead, ref); err != nil {
				return fmt.Errorf("refund: %w", err)
			}
			if err := s.grants.RevokeTx(ctx, tx, *item.AccountID, *item.LeadID); err != nil {
				return err
			}
			if err := s.appearances.SetBilledTx(ctx, tx, *item.SearchID, *item.LeadID, false); err != nil {
				return err
			}
			if err := s.searches.DecrementCreditsUsedTx(ctx, tx, *item.SearchID); err != nil {
				return err
			}
			s.log.Info("refunded charge for failed enrichment",
				"account_id", *item.AccountID, "lead_id", *item.LeadID, "search_id", *item.SearchID)
		}
	}

	if err := s.leads.ResetEnrichmentTx(ctx, tx, *item.LeadID); err != nil {
		return err
	}
	return tx.Commit(ctx)
}
