package repository

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/leadforge/backend/internal/models"
)

type GrantRepo struct {
	pool *pgxpool.Pool
}

func NewGrantRepo(pool *pgxpool.Pool) *GrantRepo {
	return &GrantRepo{pool: pool}
}

// GetForUpdateTx locks the grant row for the rest of the transaction.
// Returns (nil, nil) when no grant exists yet.
func (r *GrantRepo) GetForUpdateTx(ctx context.Context, tx pgx.Tx, accountID, leadID uuid.UUID) (*models.AccessGrant, error) {
	var g models.AccessGrant
	err := tx.QueryRow(ctx, `
		SELECT id, account_id, lead_id, granted_at, refreshed_at, revoked_at
		FROM access_grants WHERE account_id = $1 AND lead_id = $2
		FOR UPDATE
	`, accountID, leadID).Scan(&g.ID, &g.AccountID, &g.LeadID, &g.GrantedAt, &g.RefreshedAt, &g.RevokedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &g, nil
}

// UpsertTx creates the grant or, when the (account, lead) pair already has
// one, refreshes it: re-billing bumps refreshed_at and clears any revocation
// instead of inserting a duplicate row.
func (r *GrantRepo) UpsertTx(ctx context.Context, tx pgx.Tx, g *models.AccessGrant) error {
	return tx.QueryRow(ctx, `
		INSERT INTO access_grants (id, account_id, lead_id)
		VALUES ($1, $2, $3)
		ON CONFLICT (account_id, lead_id) DO UPDATE
			SET refreshed_at = now(), revoked_at = NULL
		RETURNING id, granted_at, refreshed_at
	`, g.ID, g.AccountID, g.LeadID).Scan(&g.ID, &g.GrantedAt, &g.RefreshedAt)
}

func (r *GrantRepo) RevokeTx(ctx context.Context, tx pgx.Tx, accountID, leadID uuid.UUID) error {
	_, err := tx.Exec(ctx, `
		UPDATE access_grants SET revoked_at = now()
		WHERE account_id = $1 AND lead_id = $2 AND revoked_at IS NULL
	`, accountID, leadID)
	return err
}
