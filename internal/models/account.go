package models

import (
	"time"

	"github.com/google/uuid"
)

// Account holds a prepaid credit balance. The balance is mutated only through
// the ledger service; feature code never writes credit_balance directly.
type Account struct {
	ID            uuid.UUID `json:"id"`
	Email         string    `json:"email"`
	Name          string    `json:"name"`
	CreditBalance int       `json:"credit_balance"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}
