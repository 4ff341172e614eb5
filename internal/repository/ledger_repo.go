package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/leadforge/backend/internal/models"
)

// LedgerRepo persists the append-only ledger. Entries are only ever inserted;
// there is no Update or Delete.
type LedgerRepo struct {
	pool *pgxpool.Pool
}

func NewLedgerRepo(pool *pgxpool.Pool) *LedgerRepo {
	return &LedgerRepo{pool: pool}
}

func (r *LedgerRepo) CreateTx(ctx context.Context, tx pgx.Tx, e *models.LedgerEntry) error {
	return tx.QueryRow(ctx, `
		INSERT INTO ledger_entries (id, account_id, entry_type, amount, balance_after, reference)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at
	`, e.ID, e.AccountID, e.EntryType, e.Amount, e.BalanceAfter, e.Reference).Scan(&e.CreatedAt)
}

// PurchaseReferenceExistsTx reports whether a purchase entry with the given
// reference already exists for the account (webhook replay detection).
func (r *LedgerRepo) PurchaseReferenceExistsTx(ctx context.Context, tx pgx.Tx, accountID uuid.UUID, reference string) (bool, error) {
	var exists bool
	err := tx.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM ledger_entries
			WHERE account_id = $1 AND reference = $2 AND entry_type = 'purchase'
		)
	`, accountID, reference).Scan(&exists)
	return exists, err
}

func (r *LedgerRepo) ListByAccountID(ctx context.Context, accountID uuid.UUID) ([]*models.LedgerEntry, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, account_id, entry_type, amount, balance_after, reference, created_at
		FROM ledger_entries WHERE account_id = $1 ORDER BY created_at DESC
	`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.LedgerEntry
	for rows.Next() {
		var e models.LedgerEntry
		if err := rows.Scan(&e.ID, &e.AccountID, &e.EntryType, &e.Amount, &e.BalanceAfter, &e.Reference, &e.CreatedAt); err != nil {
			return nil, err
		}
		list = append(list, &e)
	}
	return list, rows.Err()
}
