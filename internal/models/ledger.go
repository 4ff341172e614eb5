package models

import (
	"time"

	"github.com/google/uuid"
)

// Ledger entry_type enums. Amounts are signed: purchase and refund entries
// are positive, usage entries negative, so SUM(amount) per account equals
// the account balance.
const (
	LedgerEntryPurchase = "purchase"
	LedgerEntryUsage    = "usage"
	LedgerEntryRefund   = "refund"
)

// LedgerEntry is an append-only record of a balance change. Entries are never
// updated or deleted after creation.
type LedgerEntry struct {
	ID           uuid.UUID `json:"id"`
	AccountID    uuid.UUID `json:"account_id"`
	EntryType    string    `json:"entry_type"`
	Amount       int       `json:"amount"`
	BalanceAfter int       `json:"balance_after"`
	Reference    string    `json:"reference,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}
