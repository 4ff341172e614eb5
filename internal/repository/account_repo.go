package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/leadforge/backend/internal/models"
)

type AccountRepo struct {
	pool *pgxpool.Pool
}

func NewAccountRepo(pool *pgxpool.Pool) *AccountRepo {
	return &AccountRepo{pool: pool}
}

func (r *AccountRepo) Create(ctx context.Context, a *models.Account) error {
	return r.pool.QueryRow(ctx, `
		INSERT INTO accounts (id, email, name, credit_balance)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at, updated_at
	`, a.ID, a.Email, a.Name, a.CreditBalance).Scan(&a.CreatedAt, &a.UpdatedAt)
}

func (r *AccountRepo) GetByEmail(ctx context.Context, email string) (*models.Account, error) {
	var a models.Account
	err := r.pool.QueryRow(ctx, `
		SELECT id, email, name, credit_balance, created_at, updated_at
		FROM accounts WHERE email = $1
	`, email).Scan(&a.ID, &a.Email, &a.Name, &a.CreditBalance, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (r *AccountRepo) Balance(ctx context.Context, id uuid.UUID) (int, error) {
	var balance int
	err := r.pool.QueryRow(ctx, `
		SELECT credit_balance FROM accounts WHERE id = $1
	`, id).Scan(&balance)
	return balance, err
}

func (r *AccountRepo) ExistsTx(ctx context.Context, tx pgx.Tx, id uuid.UUID) (bool, error) {
	var exists bool
	err := tx.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM accounts WHERE id = $1)
	`, id).Scan(&exists)
	return exists, err
}

// DeductBalanceTx atomically deducts amount iff credit_balance >= amount.
// The check and the decrement are one UPDATE, so concurrent debits on the
// same account serialize on the row and can never drive the balance negative.
// Returns pgx.ErrNoRows when the condition does not hold (or the account does
// not exist); the caller disambiguates.
func (r *AccountRepo) DeductBalanceTx(ctx context.Context, tx pgx.Tx, id uuid.UUID, amount int) (newBalance int, err error) {
	err = tx.QueryRow(ctx, `
		UPDATE accounts SET credit_balance = credit_balance - $1, updated_at = now()
		WHERE id = $2 AND credit_balance >= $1
		RETURNING credit_balance
	`, amount, id).Scan(&newBalance)
	return newBalance, err
}

// AddBalanceTx adds amount and returns the new balance. Returns pgx.ErrNoRows
// for an unknown account.
func (r *AccountRepo) AddBalanceTx(ctx context.Context, tx pgx.Tx, id uuid.UUID, amount int) (newBalance int, err error) {
	err = tx.QueryRow(ctx, `
		UPDATE accounts SET credit_balance = credit_balance + $1, updated_at = now()
		WHERE id = $2
		RETURNING credit_balance
	`, amount, id).Scan(&newBalance)
	return newBalance, err
}
