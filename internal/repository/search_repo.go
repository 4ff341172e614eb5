package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/leadforge/backend/internal/models"
)

type SearchRepo struct {
	pool *pgxpool.Pool
}

func NewSearchRepo(pool *pgxpool.Pool) *SearchRepo {
	return &SearchRepo{pool: pool}
}

func (r *SearchRepo) CreateTx(ctx context.Context, tx pgx.Tx, s *models.Search) error {
	return tx.QueryRow(ctx, `
		INSERT INTO searches (id, account_id, niche, location, quantity_requested, status)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at, updated_at
	`, s.ID, s.AccountID, s.Niche, s.Location, s.QuantityRequested, s.Status).Scan(&s.CreatedAt, &s.UpdatedAt)
}

func (r *SearchRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.Search, error) {
	var s models.Search
	err := r.pool.QueryRow(ctx, `
		SELECT id, account_id, niche, location, quantity_requested, status, results_count, credits_used, created_at, updated_at
		FROM searches WHERE id = $1
	`, id).Scan(&s.ID, &s.AccountID, &s.Niche, &s.Location, &s.QuantityRequested, &s.Status, &s.ResultsCount, &s.CreditsUsed, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *SearchRepo) ListByAccountID(ctx context.Context, accountID uuid.UUID) ([]*models.Search, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, account_id, niche, location, quantity_requested, status, results_count, credits_used, created_at, updated_at
		FROM searches WHERE account_id = $1 ORDER BY created_at DESC
	`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.Search
	for rows.Next() {
		var s models.Search
		if err := rows.Scan(&s.ID, &s.AccountID, &s.Niche, &s.Location, &s.QuantityRequested, &s.Status, &s.ResultsCount, &s.CreditsUsed, &s.CreatedAt, &s.UpdatedAt); err != nil {
			return nil, err
		}
		list = append(list, &s)
	}
	return list, rows.Err()
}

func (r *SearchRepo) SetStatus(ctx context.Context, id uuid.UUID, status string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE searches SET status = $2, updated_at = now() WHERE id = $1
	`, id, status)
	return err
}

// BumpCountersTx increments results_count, and credits_used when billed.
// Called once per appearance inside the billing transaction so pollers see
// live progress and the counters always equal the appearance row counts.
func (r *SearchRepo) BumpCountersTx(ctx context.Context, tx pgx.Tx, id uuid.UUID, billed bool) error {
	_, err := tx.Exec(ctx, `
		UPDATE searches
		SET results_count = results_count + 1,
			credits_used = credits_used + CASE WHEN $2 THEN 1 ELSE 0 END,
			updated_at = now()
		WHERE id = $1
	`, id, billed)
	return err
}

// DecrementCreditsUsedTx backs one charge out of the counters after a refund.
func (r *SearchRepo) DecrementCreditsUsedTx(ctx context.Context, tx pgx.Tx, id uuid.UUID) error {
	_, err := tx.Exec(ctx, `
		UPDATE searches SET credits_used = credits_used - 1, updated_at = now()
		WHERE id = $1 AND credits_used > 0
	`, id)
	return err
}

// RecentLeadIDs returns the distinct lead ids shown in the account's most
// recent `limit` finished searches, excluding the given search. This is the
// dedup window: leads inside it are re-shown without a new charge.
func (r *SearchRepo) RecentLeadIDs(ctx context.Context, accountID, excludeSearchID uuid.UUID, limit int) ([]uuid.UUID, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT DISTINCT sa.lead_id
		FROM search_appearances sa
		WHERE sa.search_id IN (
			SELECT id FROM searches
			WHERE account_id = $1 AND id <> $2
				AND status IN ('completed', 'exhausted_credits')
			ORDER BY created_at DESC
			LIMIT $3
		)
	`, accountID, excludeSearchID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
