package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/leadforge/backend/internal/models"
)

type AppearanceRepo struct {
	pool *pgxpool.Pool
}

func NewAppearanceRepo(pool *pgxpool.Pool) *AppearanceRepo {
	return &AppearanceRepo{pool: pool}
}

func (r *AppearanceRepo) CreateTx(ctx context.Context, tx pgx.Tx, a *models.SearchAppearance) error {
	return tx.QueryRow(ctx, `
		INSERT INTO search_appearances (id, search_id, lead_id, billed)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at
	`, a.ID, a.SearchID, a.LeadID, a.Billed).Scan(&a.CreatedAt)
}

func (r *AppearanceRepo) SetBilledTx(ctx context.Context, tx pgx.Tx, searchID, leadID uuid.UUID, billed bool) error {
	_, err := tx.Exec(ctx, `
		UPDATE search_appearances SET billed = $3
		WHERE search_id = $1 AND lead_id = $2
	`, searchID, leadID, billed)
	return err
}

// IsBilledTx reports whether the lead's appearance in the search was charged.
func (r *AppearanceRepo) IsBilledTx(ctx context.Context, tx pgx.Tx, searchID, leadID uuid.UUID) (bool, error) {
	var billed bool
	err := tx.QueryRow(ctx, `
		SELECT billed FROM search_appearances WHERE search_id = $1 AND lead_id = $2
	`, searchID, leadID).Scan(&billed)
	return billed, err
}

// SearchResult is one lead as delivered inside a search, joined with the
// requesting account's grant so the handler can gate sensitive fields.
type SearchResult struct {
	Lead     models.Lead
	Billed   bool
	HasGrant bool
}

func (r *AppearanceRepo) ListBySearch(ctx context.Context, searchID, accountID uuid.UUID) ([]*SearchResult, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT l.id, l.external_id, l.name, l.address, l.phone,
			l.enrichment_data, l.enrichment_status, l.created_at, l.updated_at,
			sa.billed,
			(g.id IS NOT NULL AND g.revoked_at IS NULL) AS has_grant
		FROM search_appearances sa
		JOIN leads l ON l.id = sa.lead_id
		LEFT JOIN access_grants g ON g.lead_id = l.id AND g.account_id = $2
		WHERE sa.search_id = $1
		ORDER BY sa.created_at ASC
	`, searchID, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*SearchResult
	for rows.Next() {
		var res SearchResult
		if err := rows.Scan(
			&res.Lead.ID, &res.Lead.ExternalID, &res.Lead.Name, &res.Lead.Address, &res.Lead.Phone,
			&res.Lead.EnrichmentData, &res.Lead.EnrichmentStatus, &res.Lead.CreatedAt, &res.Lead.UpdatedAt,
			&res.Billed, &res.HasGrant,
		); err != nil {
			return nil, err
		}
		list = append(list, &res)
	}
	return list, rows.Err()
}
