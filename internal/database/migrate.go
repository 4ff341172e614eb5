package database

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// schema is applied at boot, after River's own migrations. Statements are
// idempotent so repeated startups are safe.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS accounts (
		id             UUID PRIMARY KEY,
		email          TEXT NOT NULL UNIQUE,
		name           TEXT NOT NULL DEFAULT '',
		credit_balance INT  NOT NULL DEFAULT 0 CHECK (credit_balance >= 0),
		created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at     TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	`CREATE TABLE IF NOT EXISTS ledger_entries (
		id            UUID PRIMARY KEY,
		account_id    UUID NOT NULL REFERENCES accounts(id),
		entry_type    TEXT NOT NULL CHECK (entry_type IN ('purchase', 'usage', 'refund')),
		amount        INT  NOT NULL,
		balance_after INT  NOT NULL,
		reference     TEXT NOT NULL DEFAULT '',
		created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_ledger_entries_account
		ON ledger_entries (account_id, created_at DESC)`,
	// Webhook replays must not double-credit: one purchase per reference.
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_ledger_entries_purchase_ref
		ON ledger_entries (account_id, reference)
		WHERE entry_type = 'purchase' AND reference <> ''`,

	`CREATE TABLE IF NOT EXISTS api_keys (
		id         UUID PRIMARY KEY,
		account_id UUID NOT NULL REFERENCES accounts(id),
		key_hash   TEXT NOT NULL UNIQUE,
		key_prefix TEXT NOT NULL DEFAULT '',
		is_active  BOOLEAN NOT NULL DEFAULT TRUE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	`CREATE TABLE IF NOT EXISTS leads (
		id                UUID PRIMARY KEY,
		external_id       TEXT NOT NULL UNIQUE,
		name              TEXT NOT NULL,
		address           TEXT NOT NULL DEFAULT '',
		phone             TEXT NOT NULL DEFAULT '',
		enrichment_data   JSONB,
		enrichment_status TEXT NOT NULL DEFAULT 'none'
			CHECK (enrichment_status IN ('none', 'pending', 'done')),
		created_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at        TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	`CREATE TABLE IF NOT EXISTS searches (
		id                 UUID PRIMARY KEY,
		account_id         UUID NOT NULL REFERENCES accounts(id),
		niche              TEXT NOT NULL,
		location           TEXT NOT NULL,
		quantity_requested INT  NOT NULL CHECK (quantity_requested > 0),
		status             TEXT NOT NULL DEFAULT 'queued'
			CHECK (status IN ('queued', 'processing', 'completed', 'exhausted_credits', 'failed')),
		results_count      INT NOT NULL DEFAULT 0,
		credits_used       INT NOT NULL DEFAULT 0,
		created_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at         TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_searches_account
		ON searches (account_id, created_at DESC)`,

	`CREATE TABLE IF NOT EXISTS access_grants (
		id           UUID PRIMARY KEY,
		account_id   UUID NOT NULL REFERENCES accounts(id),
		lead_id      UUID NOT NULL REFERENCES leads(id),
		granted_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
		refreshed_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		revoked_at   TIMESTAMPTZ,
		UNIQUE (account_id, lead_id)
	)`,

	`CREATE TABLE IF NOT EXISTS search_appearances (
		id         UUID PRIMARY KEY,
		search_id  UUID NOT NULL REFERENCES searches(id),
		lead_id    UUID NOT NULL REFERENCES leads(id),
		billed     BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		UNIQUE (search_id, lead_id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_search_appearances_lead
		ON search_appearances (lead_id)`,

	`CREATE TABLE IF NOT EXISTS queue_items (
		id            UUID PRIMARY KEY,
		kind          TEXT NOT NULL,
		payload       JSONB NOT NULL DEFAULT '{}',
		dedup_key     TEXT NOT NULL,
		status        TEXT NOT NULL DEFAULT 'pending'
			CHECK (status IN ('pending', 'processing', 'done', 'failed')),
		priority      INT NOT NULL DEFAULT 0,
		attempt_count INT NOT NULL DEFAULT 0,
		claimed_by    TEXT NOT NULL DEFAULT '',
		claimed_at    TIMESTAMPTZ,
		claim_token   UUID,
		run_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
		lead_id       UUID REFERENCES leads(id),
		search_id     UUID REFERENCES searches(id),
		account_id    UUID REFERENCES accounts(id),
		result        JSONB,
		last_error    TEXT NOT NULL DEFAULT '',
		created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
		completed_at  TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS idx_queue_items_claim
		ON queue_items (priority DESC, created_at ASC)
		WHERE status = 'pending'`,
	// One in-flight item per lookup; concurrent enqueues of the same
	// kind+payload collapse onto the existing row.
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_queue_items_dedup
		ON queue_items (dedup_key)
		WHERE status IN ('pending', 'processing')`,
}

// Migrate applies the schema to the database.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	for i, stmt := range schema {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema statement %d: %w", i, err)
		}
	}
	return nil
}
