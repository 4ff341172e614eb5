package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/leadforge/backend/internal/models"
)

type QueueRepo struct {
	pool *pgxpool.Pool
}

func NewQueueRepo(pool *pgxpool.Pool) *QueueRepo {
	return &QueueRepo{pool: pool}
}

const queueItemColumns = `id, kind, payload, dedup_key, status, priority, attempt_count,
	claimed_by, claimed_at, claim_token, run_at, lead_id, search_id, account_id,
	result, last_error, created_at, completed_at`

func scanQueueItem(row pgx.Row) (*models.QueueItem, error) {
	var it models.QueueItem
	err := row.Scan(&it.ID, &it.Kind, &it.Payload, &it.DedupKey, &it.Status, &it.Priority, &it.AttemptCount,
		&it.ClaimedBy, &it.ClaimedAt, &it.ClaimToken, &it.RunAt, &it.LeadID, &it.SearchID, &it.AccountID,
		&it.Result, &it.LastError, &it.CreatedAt, &it.CompletedAt)
	if err != nil {
		return nil, err
	}
	return &it, nil
}

func (r *QueueRepo) InsertTx(ctx context.Context, tx pgx.Tx, it *models.QueueItem) error {
	return tx.QueryRow(ctx, `
		INSERT INTO queue_items (id, kind, payload, dedup_key, status, priority, lead_id, search_id, account_id)
		VALUES ($1, $2, $3, $4, 'pending', $5, $6, $7, $8)
		RETURNING run_at, created_at
	`, it.ID, it.Kind, it.Payload, it.DedupKey, it.Priority, it.LeadID, it.SearchID, it.AccountID).Scan(&it.RunAt, &it.CreatedAt)
}

// FindActiveByDedupKeyTx returns the pending or processing item with the
// given dedup key, or (nil, nil). Locks the row so a concurrent enqueue of
// the same lookup waits for this transaction.
func (r *QueueRepo) FindActiveByDedupKeyTx(ctx context.Context, tx pgx.Tx, dedupKey string) (*models.QueueItem, error) {
	it, err := scanQueueItem(tx.QueryRow(ctx, `
		SELECT `+queueItemColumns+`
		FROM queue_items
		WHERE dedup_key = $1 AND status IN ('pending', 'processing')
		FOR UPDATE
	`, dedupKey))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return it, err
}

// ClaimNext atomically takes the highest-priority, oldest due pending item:
// the row is selected FOR UPDATE SKIP LOCKED so concurrent claimers each land
// on a different row, then flipped to processing with a fresh claim token.
// Returns (nil, nil) when nothing is due.
func (r *QueueRepo) ClaimNext(ctx context.Context, workerID string, token uuid.UUID) (*models.QueueItem, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	it, err := scanQueueItem(tx.QueryRow(ctx, `
		SELECT `+queueItemColumns+`
		FROM queue_items
		WHERE status = 'pending' AND run_at <= now()
		ORDER BY priority DESC, created_at ASC
		LIMIT 1
		FOR UPDATE SKIP LOCKED
	`))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var claimedAt time.Time
	err = tx.QueryRow(ctx, `
		UPDATE queue_items
		SET status = 'processing', claimed_by = $2, claimed_at = now(), claim_token = $3
		WHERE id = $1
		RETURNING claimed_at
	`, it.ID, workerID, token).Scan(&claimedAt)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	it.Status = models.QueueStatusProcessing
	it.ClaimedBy = workerID
	it.ClaimedAt = &claimedAt
	it.ClaimToken = &token
	return it, nil
}

// CompleteTx marks the item done. Guarded by the claim token so a worker
// whose item was reaped and reclaimed cannot overwrite the new claimant's
// run; returns false in that case.
func (r *QueueRepo) CompleteTx(ctx context.Context, tx pgx.Tx, id, token uuid.UUID, result []byte) (bool, error) {
	tag, err := tx.Exec(ctx, `
		UPDATE queue_items
		SET status = 'done', result = $3, completed_at = now(), last_error = ''
		WHERE id = $1 AND claim_token = $2 AND status = 'processing'
	`, id, token, result)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// Fail records a failed attempt under the same claim-token guard. Below
// maxAttempts the item returns to pending scheduled at runAt (backoff);
// at the ceiling it becomes terminally failed. Returns the resulting status
// and false when the claim was lost.
func (r *QueueRepo) Fail(ctx context.Context, id, token uuid.UUID, lastError string, maxAttempts int, runAt time.Time) (status string, ok bool, err error) {
	err = r.pool.QueryRow(ctx, `
		UPDATE queue_items
		SET attempt_count = attempt_count + 1,
			last_error = $3,
			status = CASE WHEN attempt_count + 1 >= $4 THEN 'failed' ELSE 'pending' END,
			run_at = CASE WHEN attempt_count + 1 >= $4 THEN run_at ELSE $5 END,
			completed_at = CASE WHEN attempt_count + 1 >= $4 THEN now() ELSE NULL END,
			claimed_by = '', claimed_at = NULL, claim_token = NULL
		WHERE id = $1 AND claim_token = $2 AND status = 'processing'
		RETURNING status
	`, id, token, lastError, maxAttempts, runAt).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return status, true, nil
}

// ReapStale resets processing items whose claim is older than the cutoff
// back to pending, attempt count untouched.
func (r *QueueRepo) ReapStale(ctx context.Context, claimedBefore time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE queue_items
		SET status = 'pending', claimed_by = '', claimed_at = NULL, claim_token = NULL
		WHERE status = 'processing' AND claimed_at < $1
	`, claimedBefore)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// PruneFinished deletes done items completed before doneBefore and failed
// items completed before failedBefore.
func (r *QueueRepo) PruneFinished(ctx context.Context, doneBefore, failedBefore time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx, `
		DELETE FROM queue_items
		WHERE (status = 'done' AND completed_at < $1)
			OR (status = 'failed' AND completed_at < $2)
	`, doneBefore, failedBefore)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
