package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/leadforge/backend/internal/config"
	"github.com/leadforge/backend/internal/models"
)

// ErrClaimLost means the item's claim token no longer matches: the item sat
// in processing past the stale deadline, was reaped and possibly reclaimed by
// another worker. The late result is discarded, not applied twice.
var ErrClaimLost = errors.New("queue claim lost")

// Retention before finished items are pruned.
const (
	doneRetention   = 7 * 24 * time.Hour
	failedRetention = 30 * 24 * time.Hour
)

// Store is the queue repository surface the service needs.
type Store interface {
	InsertTx(ctx context.Context, tx pgx.Tx, it *models.QueueItem) error
	FindActiveByDedupKeyTx(ctx context.Context, tx pgx.Tx, dedupKey string) (*models.QueueItem, error)
	ClaimNext(ctx context.Context, workerID string, token uuid.UUID) (*models.QueueItem, error)
	CompleteTx(ctx context.Context, tx pgx.Tx, id, token uuid.UUID, result []byte) (bool, error)
	Fail(ctx context.Context, id, token uuid.UUID, lastError string, maxAttempts int, runAt time.Time) (string, bool, error)
	ReapStale(ctx context.Context, claimedBefore time.Time) (int64, error)
	PruneFinished(ctx context.Context, doneBefore, failedBefore time.Time) (int64, error)
}

// LeadStore is the slice of the lead repository completion needs.
type LeadStore interface {
	SetEnrichmentResultTx(ctx context.Context, tx pgx.Tx, id uuid.UUID, data json.RawMessage) error
}

// TxBeginner abstracts transaction creation so tests don't need a pgxpool.Pool.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// ExhaustedHandler is notified when an item's final attempt fails. Wired from
// main after construction to break the queue/search dependency cycle.
type ExhaustedHandler interface {
	EnrichmentExhausted(ctx context.Context, item *models.QueueItem) error
}

// EnqueueRequest describes one lookup to enqueue.
type EnqueueRequest struct {
	Kind     string
	Payload  json.RawMessage
	Priority int

	LeadID    *uuid.UUID
	SearchID  *uuid.UUID
	AccountID *uuid.UUID
}

// Service owns the durable enrichment queue: idempotent enqueue, exclusive
// claims, retry with exponential backoff, stale-claim recovery, pruning.
type Service struct {
	db    TxBeginner
	repo  Store
	leads LeadStore
	cfg   config.Queue
	log   *slog.Logger

	mu        sync.Mutex
	exhausted ExhaustedHandler
}

func NewService(db TxBeginner, repo Store, leads LeadStore, cfg config.Queue, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{db: db, repo: repo, leads: leads, cfg: cfg, log: log}
}

// SetExhaustedHandler installs the final-failure callback.
func (s *Service) SetExhaustedHandler(h ExhaustedHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.exhausted = h
}

func (s *Service) exhaustedHandler() ExhaustedHandler {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exhausted
}

// Enqueue inserts a pending item unless an equivalent one (same kind and
// payload) is already pending or processing, in which case the existing item
// is returned. The dedup check and the insert share a transaction, and the
// partial unique index on dedup_key closes the race between two concurrent
// enqueues of the same work.
func (s *Service) Enqueue(ctx context.Context, req EnqueueRequest) (*models.QueueItem, error) {
	key, payload, err := dedupKey(req.Kind, req.Payload)
	if err != nil {
		return nil, err
	}

	var item *models.QueueItem
	enqueue := func() error {
		tx, err := s.db.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		existing, err := s.repo.FindActiveByDedupKeyTx(ctx, tx, key)
		if err != nil {
			return err
		}
		if existing != nil {
			item = existing
			return tx.Commit(ctx)
		}
		item = &models.QueueItem{
			ID:        uuid.New(),
			Kind:      req.Kind,
			Payload:   payload,
			DedupKey:  key,
			Status:    models.QueueStatusPending,
			Priority:  req.Priority,
			RunAt:     time.Now().UTC(),
			LeadID:    req.LeadID,
			SearchID:  req.SearchID,
			AccountID: req.AccountID,
		}
		if err := s.repo.InsertTx(ctx, tx, item); err != nil {
			return err
		}
		return tx.Commit(ctx)
	}

	err = enqueue()
	if isUniqueViolation(err) {
		// Lost the race to a concurrent enqueue; the winner's row is the
		// active item now.
		err = enqueue()
	}
	if err != nil {
		return nil, err
	}
	return item, nil
}

// ClaimNext hands the oldest eligible pending item to workerID, or nil when
// the queue is empty. The claim stamps a fresh token the worker must present
// on Complete/Fail.
func (s *Service) ClaimNext(ctx context.Context, workerID string) (*models.QueueItem, error) {
	return s.repo.ClaimNext(ctx, workerID, uuid.New())
}

// Complete stores the result and, when the item enriches a lead, writes the
// enrichment data onto the lead in the same transaction. Returns ErrClaimLost
// if the claim was reaped while the worker was busy.
func (s *Service) Complete(ctx context.Context, item *models.QueueItem, result json.RawMessage) error {
	if item.ClaimToken == nil {
		return ErrClaimLost
	}
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	ok, err := s.repo.CompleteTx(ctx, tx, item.ID, *item.ClaimToken, result)
	if err != nil {
		return err
	}
	if !ok {
		return ErrClaimLost
	}
	if item.LeadID != nil {
		if err := s.leads.SetEnrichmentResultTx(ctx, tx, *item.LeadID, result); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

// Fail records a failed attempt. Under the attempt ceiling the item returns
// to pending with an exponential-backoff delay; on the final attempt it goes
// to failed and the exhausted handler runs. Returns the resulting status.
func (s *Service) Fail(ctx context.Context, item *models.QueueItem, cause error) (string, error) {
	runAt := time.Now().UTC().Add(s.backoffDelay(item.AttemptCount + 1))
	return s.fail(ctx, item, cause, s.cfg.MaxAttempts, runAt)
}

// FailPermanent records a failure that retrying cannot fix; the item goes
// straight to failed regardless of remaining attempts.
func (s *Service) FailPermanent(ctx context.Context, item *models.QueueItem, cause error) (string, error) {
	return s.fail(ctx, item, cause, 1, time.Now().UTC())
}

func (s *Service) fail(ctx context.Context, item *models.QueueItem, cause error, maxAttempts int, runAt time.Time) (string, error) {
	if item.ClaimToken == nil {
		return "", ErrClaimLost
	}
	status, ok, err := s.repo.Fail(ctx, item.ID, *item.ClaimToken, cause.Error(), maxAttempts, runAt)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", ErrClaimLost
	}
	if status == models.QueueStatusFailed {
		if h := s.exhaustedHandler(); h != nil {
			if err := h.EnrichmentExhausted(ctx, item); err != nil {
				s.log.Error("exhausted handler failed", "item_id", item.ID, "error", err)
			}
		}
	}
	return status, nil
}

// ReapStale returns items stuck in processing past the stale deadline to
// pending. Attempt counts are untouched: a crash is not the lookup's fault.
func (s *Service) ReapStale(ctx context.Context) (int64, error) {
	return s.repo.ReapStale(ctx, time.Now().UTC().Add(-s.cfg.StaleAfter))
}

// PruneFinished deletes old terminal items: done past a week, failed past a
// month (kept longer for diagnosis).
func (s *Service) PruneFinished(ctx context.Context) (int64, error) {
	now := time.Now().UTC()
	return s.repo.PruneFinished(ctx, now.Add(-doneRetention), now.Add(-failedRetention))
}

// backoffDelay for the n-th attempt (1-based): base * 2^(n-1), capped.
func (s *Service) backoffDelay(attempt int) time.Duration {
	d := s.cfg.BackoffBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= s.cfg.BackoffCap {
			return s.cfg.BackoffCap
		}
	}
	if d > s.cfg.BackoffCap {
		return s.cfg.BackoffCap
	}
	return d
}

// dedupKey canonicalizes the payload (JSON object keys sorted) and prefixes
// the kind, so logically equal requests collide regardless of key order.
func dedupKey(kind string, payload json.RawMessage) (string, json.RawMessage, error) {
	if kind == "" {
		return "", nil, errors.New("queue: kind is required")
	}
	if len(payload) == 0 {
		// Same key as an explicit empty object.
		return kind + ":{}", json.RawMessage("{}"), nil
	}
	var v any
	if err := json.Unmarshal(payload, &v); err != nil {
		return "", nil, fmt.Errorf("queue: invalid payload: %w", err)
	}
	canonical, err := json.Marshal(v)
	if err != nil {
		return "", nil, err
	}
	return kind + ":" + string(canonical), canonical, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
