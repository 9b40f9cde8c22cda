package store

import (
	"context"
	"fmt"
)

// schema is the persisted state layout. Document identifiers and canonical
// paths are the durable contract other tooling depends on; columns may be
// added but the identity columns must stay stable across migrations.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS proxy_endpoints (
		id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
		provider TEXT NOT NULL,
		address TEXT NOT NULL,
		region TEXT NOT NULL DEFAULT '',
		proxy_url TEXT NOT NULL,
		credentials_ref TEXT NOT NULL DEFAULT '',
		state TEXT NOT NULL DEFAULT 'provisioning',
		last_tested_at TIMESTAMPTZ,
		last_response_time_ms BIGINT NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS frontier (
		url TEXT PRIMARY KEY,
		country_code TEXT NOT NULL,
		source_id TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		attempts INT NOT NULL DEFAULT 0,
		last_error TEXT NOT NULL DEFAULT '',
		classification TEXT NOT NULL DEFAULT '',
		lease_owner TEXT NOT NULL DEFAULT '',
		lease_expiry TIMESTAMPTZ,
		last_proxy_id TEXT NOT NULL DEFAULT '',
		enqueued_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS frontier_leasable_idx
		ON frontier (country_code, enqueued_at)
		WHERE status IN ('pending', 'leased')`,
	`CREATE TABLE IF NOT EXISTS documents (
		global_id TEXT PRIMARY KEY,
		uuid UUID,
		country_code TEXT NOT NULL,
		doc_category TEXT NOT NULL,
		doc_year INT NOT NULL,
		yearly_sequence INT NOT NULL,
		title_full TEXT NOT NULL DEFAULT '',
		source_url TEXT NOT NULL UNIQUE,
		raw_content_ref TEXT NOT NULL DEFAULT '',
		content_hash TEXT NOT NULL DEFAULT '',
		fetched_via TEXT NOT NULL DEFAULT '',
		parsed_fields JSONB NOT NULL DEFAULT '{}',
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		UNIQUE (country_code, doc_category, doc_year, yearly_sequence)
	)`,
	`CREATE TABLE IF NOT EXISTS sequence_counters (
		country_code TEXT NOT NULL,
		doc_category TEXT NOT NULL,
		doc_year INT NOT NULL,
		next_value INT NOT NULL,
		PRIMARY KEY (country_code, doc_category, doc_year)
	)`,
}

// Migrate creates the tables if they do not exist.
func (s *Postgres) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}
