package models

import (
	"time"

	"github.com/google/uuid"
)

// Search status values. A search is terminal in completed, exhausted_credits
// or failed; enrichment of its leads may still be running after that.
const (
	SearchStatusQueued           = "queued"
	SearchStatusProcessing       = "processing"
	SearchStatusCompleted        = "completed"
	SearchStatusExhaustedCredits = "exhausted_credits"
	SearchStatusFailed           = "failed"
)

// Search is one lead-acquisition run. ResultsCount and CreditsUsed are
// maintained incrementally while the search runs and always equal the
// appearance row counts: ResultsCount == count(appearances),
// CreditsUsed == count(appearances where billed).
type Search struct {
	ID                uuid.UUID `json:"id"`
	AccountID         uuid.UUID `json:"account_id"`
	Niche             string    `json:"niche"`
	Location          string    `json:"location"`
	QuantityRequested int       `json:"quantity_requested"`
	Status            string    `json:"status"`
	ResultsCount      int       `json:"results_count"`
	CreditsUsed       int       `json:"credits_used"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// SearchAppearance is one lead shown inside one search, independent of
// billing. Billed marks whether this particular appearance consumed a credit.
type SearchAppearance struct {
	ID        uuid.UUID `json:"id"`
	SearchID  uuid.UUID `json:"search_id"`
	LeadID    uuid.UUID `json:"lead_id"`
	Billed    bool      `json:"billed"`
	CreatedAt time.Time `json:"created_at"`
}
