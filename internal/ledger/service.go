package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/leadforge/backend/internal/models"
)

// ErrInsufficientCredits is a normal business outcome, not a fault: the
// caller branches on it and stops acquiring billable leads.
var ErrInsufficientCredits = errors.New("insufficient credits")

var (
	ErrAccountNotFound = errors.New("account not found")
	ErrInvalidAmount   = errors.New("amount must be positive")
)

// AccountStore is the minimal account repository interface for the ledger.
type AccountStore interface {
	ExistsTx(ctx context.Context, tx pgx.Tx, id uuid.UUID) (bool, error)
	DeductBalanceTx(ctx context.Context, tx pgx.Tx, id uuid.UUID, amount int) (int, error)
	AddBalanceTx(ctx context.Context, tx pgx.Tx, id uuid.UUID, amount int) (int, error)
	Balance(ctx context.Context, id uuid.UUID) (int, error)
}

// EntryStore is the minimal ledger-entry repository interface.
type EntryStore interface {
	CreateTx(ctx context.Context, tx pgx.Tx, e *models.LedgerEntry) error
	PurchaseReferenceExistsTx(ctx context.Context, tx pgx.Tx, accountID uuid.UUID, reference string) (bool, error)
}

// TxBeginner abstracts transaction creation so tests don't need a pgxpool.Pool.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

type Service interface {
	Debit(ctx context.Context, accountID uuid.UUID, amount int, reference string) (int, error)
	DebitTx(ctx context.Context, tx pgx.Tx, accountID uuid.UUID, amount int, reference string) (int, error)
	Credit(ctx context.Context, accountID uuid.UUID, amount int, reference string) (int, error)
	Refund(ctx context.Context, accountID uuid.UUID, amount int, reference string) (int, error)
	RefundTx(ctx context.Context, tx pgx.Tx, accountID uuid.UUID, amount int, reference string) (int, error)
}

type service struct {
	db       TxBeginner
	accounts AccountStore
	entries  EntryStore
}

func NewService(db TxBeginner, accounts AccountStore, entries EntryStore) Service {
	return &service{db: db, accounts: accounts, entries: entries}
}

var _ Service = (*service)(nil)

// Debit runs DebitTx in its own transaction.
func (s *service) Debit(ctx context.Context, accountID uuid.UUID, amount int, reference string) (int, error) {
	var newBalance int
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		var err error
		newBalance, err = s.DebitTx(ctx, tx, accountID, amount, reference)
		return err
	})
	return newBalance, err
}

// DebitTx deducts amount inside the caller's transaction. The balance check
// and the decrement are a single conditional UPDATE on the account row, so
// two concurrent debits can never both succeed past the balance, and the
// usage entry lands in the same transaction as the decrement (all-or-nothing).
func (s *service) DebitTx(ctx context.Context, tx pgx.Tx, accountID uuid.UUID, amount int, reference string) (int, error) {
	if amount <= 0 {
		return 0, ErrInvalidAmount
	}
	newBalance, err := s.accounts.DeductBalanceTx(ctx, tx, accountID, amount)
	if errors.Is(err, pgx.ErrNoRows) {
		exists, exErr := s.accounts.ExistsTx(ctx, tx, accountID)
		if exErr != nil {
			return 0, exErr
		}
		if !exists {
			return 0, ErrAccountNotFound
		}
		return 0, ErrInsufficientCredits
	}
	if err != nil {
		return 0, err
	}
	entry := &models.LedgerEntry{
		ID:           uuid.New(),
		AccountID:    accountID,
		EntryType:    models.LedgerEntryUsage,
		Amount:       -amount,
		BalanceAfter: newBalance,
		Reference:    reference,
	}
	if err := s.entries.CreateTx(ctx, tx, entry); err != nil {
		return 0, err
	}
	return newBalance, nil
}

// Credit adds amount with a purchase entry. Idempotent on reference: payment
// webhooks are delivered at least once, so a replayed reference returns the
// current balance without crediting again. The existence check runs inside
// the transaction and the partial unique index on (account_id, reference)
// closes the race between two replays arriving together.
func (s *service) Credit(ctx context.Context, accountID uuid.UUID, amount int, reference string) (int, error) {
	if amount <= 0 {
		return 0, ErrInvalidAmount
	}
	var newBalance int
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		if reference != "" {
			seen, err := s.entries.PurchaseReferenceExistsTx(ctx, tx, accountID, reference)
			if err != nil {
				return err
			}
			if seen {
				return errDuplicateReference
			}
		}
		var err error
		newBalance, err = s.applyCreditTx(ctx, tx, accountID, amount, models.LedgerEntryPurchase, reference)
		return err
	})
	if errors.Is(err, errDuplicateReference) || isUniqueViolation(err) {
		return s.currentBalance(ctx, accountID)
	}
	if err != nil {
		return 0, err
	}
	return newBalance, nil
}

// Refund runs RefundTx in its own transaction.
func (s *service) Refund(ctx context.Context, accountID uuid.UUID, amount int, reference string) (int, error) {
	var newBalance int
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		var err error
		newBalance, err = s.RefundTx(ctx, tx, accountID, amount, reference)
		return err
	})
	return newBalance, err
}

// RefundTx returns amount to the account with a refund entry, inside the
// caller's transaction (compensation joins the grant/appearance updates).
func (s *service) RefundTx(ctx context.Context, tx pgx.Tx, accountID uuid.UUID, amount int, reference string) (int, error) {
	if amount <= 0 {
		return 0, ErrInvalidAmount
	}
	return s.applyCreditTx(ctx, tx, accountID, amount, models.LedgerEntryRefund, reference)
}

func (s *service) applyCreditTx(ctx context.Context, tx pgx.Tx, accountID uuid.UUID, amount int, entryType, reference string) (int, error) {
	newBalance, err := s.accounts.AddBalanceTx(ctx, tx, accountID, amount)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrAccountNotFound
	}
	if err != nil {
		return 0, err
	}
	entry := &models.LedgerEntry{
		ID:           uuid.New(),
		AccountID:    accountID,
		EntryType:    entryType,
		Amount:       amount,
		BalanceAfter: newBalance,
		Reference:    reference,
	}
	if err := s.entries.CreateTx(ctx, tx, entry); err != nil {
		return 0, err
	}
	return newBalance, nil
}

func (s *service) inTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *service) currentBalance(ctx context.Context, accountID uuid.UUID) (int, error) {
	balance, err := s.accounts.Balance(ctx, accountID)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrAccountNotFound
	}
	return balance, err
}

// errDuplicateReference is internal: callers of Credit never see it, they
// get the current balance instead.
var errDuplicateReference = errors.New("duplicate purchase reference")

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
