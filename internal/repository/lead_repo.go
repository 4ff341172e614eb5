package repository

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/leadforge/backend/internal/models"
)

type LeadRepo struct {
	pool *pgxpool.Pool
}

func NewLeadRepo(pool *pgxpool.Pool) *LeadRepo {
	return &LeadRepo{pool: pool}
}

// Upsert inserts the lead or, if a row with the same external_id exists,
// refreshes its non-sensitive attributes and loads the existing row into l
// (id, enrichment state, timestamps included). Leads are shared across
// accounts, so the first discoverer creates the row and everyone else reuses it.
func (r *LeadRepo) Upsert(ctx context.Context, l *models.Lead) error {
	return r.pool.QueryRow(ctx, `
		INSERT INTO leads (id, external_id, name, address, phone)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (external_id) DO UPDATE
			SET name = EXCLUDED.name, address = EXCLUDED.address,
				phone = EXCLUDED.phone, updated_at = now()
		RETURNING id, enrichment_data, enrichment_status, created_at, updated_at
	`, l.ID, l.ExternalID, l.Name, l.Address, l.Phone).Scan(
		&l.ID, &l.EnrichmentData, &l.EnrichmentStatus, &l.CreatedAt, &l.UpdatedAt)
}

// SearchLocal returns known leads plausibly matching the niche and location,
// newest first. Cheap ILIKE matching: the local store is a cache in front of
// the search provider, not a relevance engine.
func (r *LeadRepo) SearchLocal(ctx context.Context, niche, location string, limit int) ([]*models.Lead, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, external_id, name, address, phone, enrichment_data, enrichment_status, created_at, updated_at
		FROM leads
		WHERE name ILIKE '%' || $1 || '%' AND address ILIKE '%' || $2 || '%'
		ORDER BY updated_at DESC
		LIMIT $3
	`, niche, location, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var leads []*models.Lead
	for rows.Next() {
		var l models.Lead
		if err := rows.Scan(&l.ID, &l.ExternalID, &l.Name, &l.Address, &l.Phone,
			&l.EnrichmentData, &l.EnrichmentStatus, &l.CreatedAt, &l.UpdatedAt); err != nil {
			return nil, err
		}
		leads = append(leads, &l)
	}
	return leads, rows.Err()
}

// MarkEnrichmentPending flips none -> pending. Returns false when the lead
// was already pending or done (someone else got there first).
func (r *LeadRepo) MarkEnrichmentPending(ctx context.Context, id uuid.UUID) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE leads SET enrichment_status = 'pending', updated_at = now()
		WHERE id = $1 AND enrichment_status = 'none'
	`, id)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// UnmarkEnrichmentPending reverts pending -> none after a failed enqueue, so
// the next search delivering the lead schedules the lookup again. Leads that
// moved on to done are left alone.
func (r *LeadRepo) UnmarkEnrichmentPending(ctx context.Context, id uuid.UUID) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE leads SET enrichment_status = 'none', updated_at = now()
		WHERE id = $1 AND enrichment_status = 'pending'
	`, id)
	return err
}

// SetEnrichmentResultTx stores the fetched payload and marks the lead done.
// Called only by the queue worker that holds the item's claim.
func (r *LeadRepo) SetEnrichmentResultTx(ctx context.Context, tx pgx.Tx, id uuid.UUID, data json.RawMessage) error {
	_, err := tx.Exec(ctx, `
		UPDATE leads SET enrichment_data = $2, enrichment_status = 'done', updated_at = now()
		WHERE id = $1
	`, id, data)
	return err
}

// ResetEnrichmentTx returns the lead to the unenriched state after its lookup
// failed for good, so a later search can try again instead of the lead
// sitting in pending forever.
func (r *LeadRepo) ResetEnrichmentTx(ctx context.Context, tx pgx.Tx, id uuid.UUID) error {
	_, err := tx.Exec(ctx, `
		UPDATE leads SET enrichment_data = NULL, enrichment_status = 'none', updated_at = now()
		WHERE id = $1
	`, id)
	return err
}
