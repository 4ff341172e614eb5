package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Lead enrichment_status values.
const (
	EnrichmentNone    = "none"
	EnrichmentPending = "pending"
	EnrichmentDone    = "done"
)

// Lead is a company record shared across accounts. ExternalID is the natural
// key (company registration number). EnrichmentData holds the sensitive
// partner/contact payload; per-account viewing rights live in AccessGrant,
// never on the lead itself.
type Lead struct {
	ID               uuid.UUID       `json:"id"`
	ExternalID       string          `json:"external_id"`
	Name             string          `json:"name"`
	Address          string          `json:"address,omitempty"`
	Phone            string          `json:"phone,omitempty"`
	EnrichmentData   json.RawMessage `json:"enrichment_data,omitempty"`
	EnrichmentStatus string          `json:"enrichment_status"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// AccessGrant records that an account has paid to see a lead's sensitive
// fields. One row per (account, lead); re-billing refreshes RefreshedAt
// instead of creating a duplicate. RevokedAt is set when a charge is refunded
// after enrichment failed for good.
type AccessGrant struct {
	ID          uuid.UUID  `json:"id"`
	AccountID   uuid.UUID  `json:"account_id"`
	LeadID      uuid.UUID  `json:"lead_id"`
	GrantedAt   time.Time  `json:"granted_at"`
	RefreshedAt time.Time  `json:"refreshed_at"`
	RevokedAt   *time.Time `json:"revoked_at,omitempty"`
}

// Active reports whether the grant still entitles the account to the lead's
// sensitive fields.
func (g *AccessGrant) Active() bool {
	return g != nil && g.RevokedAt == nil
}
