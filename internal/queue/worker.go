package queue

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/leadforge/backend/internal/enrichment"
	"github.com/leadforge/backend/internal/models"
)

// Worker polls the queue and runs enrichment lookups. Several workers share
// one queue safely: claiming is exclusive at the database level.
type Worker struct {
	svc      *Service
	provider enrichment.Provider
	id       string
	interval time.Duration
	log      *slog.Logger
}

func NewWorker(svc *Service, provider enrichment.Provider, id string, log *slog.Logger) *Worker {
	if log == nil {
		log = slog.Default()
	}
	return &Worker{
		svc:      svc,
		provider: provider,
		id:       id,
		interval: svc.cfg.PollInterval,
		log:      log.With("worker", id),
	}
}

// Run claims and processes items until ctx is cancelled. An empty queue (or a
// claim error) backs off one poll interval.
func (w *Worker) Run(ctx context.Context) {
	w.log.Info("queue worker started")
	for {
		item, err := w.svc.ClaimNext(ctx, w.id)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.log.Error("claim failed", "error", err)
		}
		if item == nil {
			select {
			case <-ctx.Done():
				w.log.Info("queue worker stopped")
				return
			case <-time.After(w.interval):
			}
			continue
		}
		w.process(ctx, item)
		if ctx.Err() != nil {
			return
		}
	}
}

func (w *Worker) process(ctx context.Context, item *models.QueueItem) {
	log := w.log.With("item_id", item.ID, "kind", item.Kind, "attempt", item.AttemptCount+1)

	result, err := w.provider.Fetch(ctx, item.Kind, item.Payload)
	if err != nil {
		fail := w.svc.Fail
		if !enrichment.IsTransient(err) {
			fail = w.svc.FailPermanent
		}
		status, failErr := fail(ctx, item, err)
		switch {
		case errors.Is(failErr, ErrClaimLost):
			log.Warn("claim lost while failing item")
		case failErr != nil:
			log.Error("recording failure failed", "error", failErr)
		case status == models.QueueStatusFailed:
			log.Warn("item failed for good", "error", err)
		default:
			log.Info("item attempt failed, will retry", "error", err)
		}
		return
	}

	if err := w.svc.Complete(ctx, item, enrichment.Normalize(result)); err != nil {
		if errors.Is(err, ErrClaimLost) {
			// Took too long; the item was reaped and someone else owns it
			// now. Our result is discarded.
			log.Warn("claim lost, discarding result")
			return
		}
		log.Error("recording completion failed", "error", err)
		return
	}
	log.Info("item completed")
}

// Reaper periodically recovers stale claims and prunes old finished items.
// One reaper per process is plenty.
type Reaper struct {
	svc      *Service
	interval time.Duration
	log      *slog.Logger
}

func NewReaper(svc *Service, log *slog.Logger) *Reaper {
	if log == nil {
		log = slog.Default()
	}
	return &Reaper{svc: svc, interval: svc.cfg.ReapInterval, log: log}
}

func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	// Prune far less often than we reap.
	const pruneEvery = 60
	tick := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if n, err := r.svc.ReapStale(ctx); err != nil {
			r.log.Error("reap stale claims failed", "error", err)
		} else if n > 0 {
			r.log.Warn("recovered stale queue claims", "count", n)
		}
		tick++
		if tick%pruneEvery == 0 {
			if n, err := r.svc.PruneFinished(ctx); err != nil {
				r.log.Error("prune finished items failed", "error", err)
			} else if n > 0 {
				r.log.Info("pruned finished queue items", "count", n)
			}
		}
	}
}
