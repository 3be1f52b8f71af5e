package store

import (
	"context"
	"fmt"
)

// schemaStatements is applied in order at startup. Every statement is
// idempotent so restarts are safe without a migration ledger.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS agents (
		asset              TEXT PRIMARY KEY,
		owner              TEXT NOT NULL,
		collection         TEXT NOT NULL,
		agent_wallet       TEXT,
		agent_uri          TEXT,
		atom_enabled       BOOLEAN NOT NULL DEFAULT FALSE,
		feedback_digest    BYTEA,
		feedback_count     BIGINT NOT NULL DEFAULT 0,
		response_digest    BYTEA,
		response_count     BIGINT NOT NULL DEFAULT 0,
		revoke_digest      BYTEA,
		revoke_count       BIGINT NOT NULL DEFAULT 0,
		trust_score        BIGINT,
		quality_score      BIGINT,
		raw_avg_score      DOUBLE PRECISION NOT NULL DEFAULT 0,
		status             TEXT NOT NULL DEFAULT 'PENDING'
			CHECK (status IN ('PENDING','FINALIZED','ORPHANED')),
		block_slot         BIGINT NOT NULL,
		tx_index           INTEGER,
		tx_signature       TEXT NOT NULL,
		global_id          BIGINT,
		verified_at        TIMESTAMPTZ,
		created_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at         TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS feedbacks (
		asset              TEXT NOT NULL,
		client_address     TEXT NOT NULL,
		feedback_index     BIGINT NOT NULL,
		value_raw          TEXT,
		value_decimals     INTEGER NOT NULL DEFAULT 0,
		score              SMALLINT,
		tag1               TEXT,
		tag2               TEXT,
		endpoint           TEXT,
		feedback_uri       TEXT,
		content_hash       BYTEA,
		running_digest     BYTEA,
		is_revoked         BOOLEAN NOT NULL DEFAULT FALSE,
		status             TEXT NOT NULL DEFAULT 'PENDING'
			CHECK (status IN ('PENDING','FINALIZED','ORPHANED')),
		block_slot         BIGINT NOT NULL,
		tx_index           INTEGER,
		tx_signature       TEXT NOT NULL,
		verified_at        TIMESTAMPTZ,
		created_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (asset, client_address, feedback_index)
	)`,
	`CREATE TABLE IF NOT EXISTS responses (
		asset              TEXT NOT NULL,
		client_address     TEXT NOT NULL,
		feedback_index     BIGINT NOT NULL,
		responder          TEXT NOT NULL,
		tx_signature       TEXT NOT NULL,
		response_uri       TEXT,
		content_hash       BYTEA,
		running_digest     BYTEA,
		status             TEXT NOT NULL DEFAULT 'PENDING'
			CHECK (status IN ('PENDING','FINALIZED','ORPHANED')),
		block_slot         BIGINT NOT NULL,
		tx_index           INTEGER,
		verified_at        TIMESTAMPTZ,
		created_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (asset, client_address, feedback_index, responder, tx_signature)
	)`,
	`CREATE TABLE IF NOT EXISTS revocations (
		asset              TEXT NOT NULL,
		client_address     TEXT NOT NULL,
		feedback_index     BIGINT NOT NULL,
		running_digest     BYTEA,
		status             TEXT NOT NULL DEFAULT 'PENDING'
			CHECK (status IN ('PENDING','FINALIZED','ORPHANED')),
		block_slot         BIGINT NOT NULL,
		tx_index           INTEGER,
		tx_signature       TEXT NOT NULL,
		verified_at        TIMESTAMPTZ,
		created_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (asset, client_address, feedback_index)
	)`,
	`CREATE TABLE IF NOT EXISTS validations (
		asset              TEXT NOT NULL,
		validator          TEXT NOT NULL,
		nonce              BIGINT NOT NULL,
		data_hash          BYTEA,
		response           SMALLINT,
		uri                TEXT,
		status             TEXT NOT NULL DEFAULT 'PENDING'
			CHECK (status IN ('PENDING','FINALIZED','ORPHANED')),
		block_slot         BIGINT NOT NULL,
		tx_index           INTEGER,
		tx_signature       TEXT NOT NULL,
		verified_at        TIMESTAMPTZ,
		created_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (asset, validator, nonce)
	)`,
	`CREATE TABLE IF NOT EXISTS metadata_entries (
		asset              TEXT NOT NULL,
		key_hash           TEXT NOT NULL,
		key                TEXT NOT NULL,
		value              BYTEA,
		immutable          BOOLEAN NOT NULL DEFAULT FALSE,
		status             TEXT NOT NULL DEFAULT 'PENDING'
			CHECK (status IN ('PENDING','FINALIZED','ORPHANED')),
		block_slot         BIGINT NOT NULL,
		tx_index           INTEGER,
		tx_signature       TEXT NOT NULL,
		verified_at        TIMESTAMPTZ,
		created_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (asset, key_hash)
	)`,
	`CREATE TABLE IF NOT EXISTS collections (
		collection         TEXT PRIMARY KEY,
		authority          TEXT,
		first_seen_slot    BIGINT NOT NULL,
		last_seen_slot     BIGINT NOT NULL,
		status             TEXT NOT NULL DEFAULT 'PENDING'
			CHECK (status IN ('PENDING','FINALIZED','ORPHANED')),
		block_slot         BIGINT NOT NULL,
		tx_index           INTEGER,
		tx_signature       TEXT NOT NULL,
		verified_at        TIMESTAMPTZ,
		created_at         TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS indexer_state (
		id                      TEXT PRIMARY KEY,
		last_signature          TEXT,
		last_slot               BIGINT,
		source                  TEXT,
		pending_continuation    TEXT,
		pending_stop_signature  TEXT,
		updated_at              TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS dead_letter_queue (
		id            UUID PRIMARY KEY,
		event_type    TEXT NOT NULL,
		payload       JSONB NOT NULL,
		last_error    TEXT,
		inserted_at   TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS event_log (
		id            BIGSERIAL PRIMARY KEY,
		tx_signature  TEXT NOT NULL,
		block_slot    BIGINT NOT NULL,
		tx_index      INTEGER,
		event_type    TEXT NOT NULL,
		payload       JSONB NOT NULL,
		created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	// Verifier scan indices.
	`CREATE INDEX IF NOT EXISTS idx_agents_status_slot ON agents (status, block_slot)`,
	`CREATE INDEX IF NOT EXISTS idx_feedbacks_status_slot ON feedbacks (status, block_slot)`,
	`CREATE INDEX IF NOT EXISTS idx_responses_status_slot ON responses (status, block_slot)`,
	`CREATE INDEX IF NOT EXISTS idx_revocations_status_slot ON revocations (status, block_slot)`,
	`CREATE INDEX IF NOT EXISTS idx_validations_status_slot ON validations (status, block_slot)`,
	`CREATE INDEX IF NOT EXISTS idx_metadata_status_slot ON metadata_entries (status, block_slot)`,
	`CREATE INDEX IF NOT EXISTS idx_collections_status_slot ON collections (status, block_slot)`,

	// Per-asset lookups.
	`CREATE INDEX IF NOT EXISTS idx_feedbacks_asset ON feedbacks (asset)`,
	`CREATE INDEX IF NOT EXISTS idx_responses_asset ON responses (asset)`,
	`CREATE INDEX IF NOT EXISTS idx_revocations_asset ON revocations (asset)`,
	`CREATE INDEX IF NOT EXISTS idx_validations_asset ON validations (asset)`,
	`CREATE INDEX IF NOT EXISTS idx_metadata_asset ON metadata_entries (asset)`,

	// global_id: assigned on insert for non-orphaned agents only. Recovered
	// rows keep the id they were first assigned because the trigger never
	// fires on UPDATE.
	`CREATE SEQUENCE IF NOT EXISTS agents_global_id_seq`,
	`CREATE OR REPLACE FUNCTION assign_agent_global_id() RETURNS trigger AS $$
	BEGIN
		IF NEW.status <> 'ORPHANED' AND NEW.global_id IS NULL THEN
			NEW.global_id := nextval('agents_global_id_seq');
		END IF;
		RETURN NEW;
	END;
	$$ LANGUAGE plpgsql`,
	`DROP TRIGGER IF EXISTS trg_agents_global_id ON agents`,
	`CREATE TRIGGER trg_agents_global_id
		BEFORE INSERT ON agents
		FOR EACH ROW EXECUTE FUNCTION assign_agent_global_id()`,
}

// backfillGlobalIDs assigns ids to pre-existing rows in canonical order and
// moves the sequence past them. NULL tx_index sorts last via the sentinel.
const backfillGlobalIDs = `
	WITH ordered AS (
		SELECT asset,
		       ROW_NUMBER() OVER (
		           ORDER BY block_slot, COALESCE(tx_index, 2147483647), tx_signature
		       ) AS rn
		FROM agents
		WHERE status <> 'ORPHANED' AND global_id IS NULL
	)
	UPDATE agents a
	SET global_id = o.rn + COALESCE((SELECT MAX(global_id) FROM agents), 0)
	FROM ordered o
	WHERE a.asset = o.asset`

const bumpGlobalIDSeq = `
	SELECT setval('agents_global_id_seq',
	              COALESCE((SELECT MAX(global_id) FROM agents), 0) + 1,
	              false)`

// Migrate creates or updates the schema and backfills agent global ids.
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := s.Pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("schema statement failed: %w", err)
		}
	}
	if _, err := s.Pool.Exec(ctx, backfillGlobalIDs); err != nil {
		return fmt.Errorf("global id backfill failed: %w", err)
	}
	if _, err := s.Pool.Exec(ctx, bumpGlobalIDSeq); err != nil {
		return fmt.Errorf("global id sequence bump failed: %w", err)
	}
	s.logger.Info("schema migrated")
	return nil
}
