package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// QueueKindPartnerLookup is the ownership lookup enqueued for every lead
// delivered without enrichment data. Kinds are open strings; the provider
// maps each to an endpoint path.
const QueueKindPartnerLookup = "partner_lookup"

// Queue item status values. failed is terminal only once attempts are
// exhausted; under the ceiling a failed attempt goes back to pending with a
// backoff delay.
const (
	QueueStatusPending    = "pending"
	QueueStatusProcessing = "processing"
	QueueStatusDone       = "done"
	QueueStatusFailed     = "failed"
)

// QueueItem is one enrichment lookup. At most one worker owns an item at a
// time: claiming stamps ClaimedBy/ClaimedAt and a fresh ClaimToken, and
// Complete/Fail must present that token, so a result arriving after the item
// was reaped and reclaimed is rejected instead of double-applied.
type QueueItem struct {
	ID           uuid.UUID       `json:"id"`
	Kind         string          `json:"kind"`
	Payload      json.RawMessage `json:"payload"`
	DedupKey     string          `json:"dedup_key"`
	Status       string          `json:"status"`
	Priority     int             `json:"priority"`
	AttemptCount int             `json:"attempt_count"`
	ClaimedBy    string          `json:"claimed_by,omitempty"`
	ClaimedAt    *time.Time      `json:"claimed_at,omitempty"`
	ClaimToken   *uuid.UUID      `json:"-"`
	RunAt        time.Time       `json:"run_at"`
	LeadID       *uuid.UUID      `json:"lead_id,omitempty"`
	SearchID     *uuid.UUID      `json:"search_id,omitempty"`
	AccountID    *uuid.UUID      `json:"account_id,omitempty"`
	Result       json.RawMessage `json:"result,omitempty"`
	LastError    string          `json:"last_error,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty"`
}
