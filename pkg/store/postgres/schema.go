// Package postgres provides the PostgreSQL-backed implementation of the
// callbridge persistence interfaces declared in package store.
//
// All concerns share a single [pgxpool.Pool]. [Migrate] installs the schema
// idempotently and runs on every [NewStore] call.
//
// Usage:
//
//	st, err := postgres.NewStore(ctx, dsn)
//	if err != nil { … }
//	defer st.Close()
//
//	tenant, err := st.TenantByPhone(ctx, "+15550100")
//	rec, err := st.EnsureCallRecord(ctx, store.CallRecord{CallSID: "CA…", TenantID: tenant.ID})
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ─────────────────────────────────────────────────────────────────────────────
// Tenants
// ─────────────────────────────────────────────────────────────────────────────

const ddlTenants = `
CREATE TABLE IF NOT EXISTS tenants (
    id              TEXT         PRIMARY KEY,
    name            TEXT         NOT NULL,
    phone_number    TEXT         NOT NULL UNIQUE,
    contact_number  TEXT         NOT NULL DEFAULT '',
    description     TEXT         NOT NULL DEFAULT '',
    business_hours  TEXT         NOT NULL DEFAULT '',
    services        TEXT[]       NOT NULL DEFAULT '{}',
    voice           TEXT         NOT NULL DEFAULT '',
    greeting        TEXT         NOT NULL DEFAULT '',
    created_at      TIMESTAMPTZ  NOT NULL DEFAULT now()
);
`

// ─────────────────────────────────────────────────────────────────────────────
// Calls + conversations
// ─────────────────────────────────────────────────────────────────────────────

const ddlCalls = `
CREATE TABLE IF NOT EXISTS conversations (
    id             TEXT         PRIMARY KEY,
    tenant_id      TEXT         NOT NULL,
    summary        TEXT         NOT NULL DEFAULT '',
    profile_draft  JSONB        NOT NULL DEFAULT '{}',
    schedule_draft JSONB        NOT NULL DEFAULT '{}',
    created_at     TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS call_records (
    id               TEXT         PRIMARY KEY,
    call_sid         TEXT         NOT NULL UNIQUE,
    tenant_id        TEXT         NOT NULL,
    conversation_id  TEXT         NOT NULL REFERENCES conversations (id),
    from_number      TEXT         NOT NULL DEFAULT '',
    to_number        TEXT         NOT NULL DEFAULT '',
    status           TEXT         NOT NULL,
    started_at       TIMESTAMPTZ  NOT NULL DEFAULT now(),
    ended_at         TIMESTAMPTZ,
    duration_ms      BIGINT       NOT NULL DEFAULT 0,
    cost             DOUBLE PRECISION NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_call_records_tenant
    ON call_records (tenant_id);
`

// ─────────────────────────────────────────────────────────────────────────────
// Transcript + usage
// ─────────────────────────────────────────────────────────────────────────────

const ddlTranscript = `
CREATE TABLE IF NOT EXISTS transcript_records (
    id               BIGSERIAL    PRIMARY KEY,
    conversation_id  TEXT         NOT NULL REFERENCES conversations (id),
    session_id       TEXT         NOT NULL,
    call_sid         TEXT         NOT NULL,
    role             TEXT         NOT NULL,
    text             TEXT         NOT NULL,
    filtered_text    TEXT         NOT NULL DEFAULT '',
    metadata         JSONB        NOT NULL DEFAULT '{}',
    timestamp        TIMESTAMPTZ  NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_transcript_conversation_ts
    ON transcript_records (conversation_id, timestamp);

CREATE TABLE IF NOT EXISTS usage_records (
    id          BIGSERIAL        PRIMARY KEY,
    tenant_id   TEXT             NOT NULL,
    call_sid    TEXT             NOT NULL DEFAULT '',
    kind        TEXT             NOT NULL,
    amount      DOUBLE PRECISION NOT NULL,
    cost        DOUBLE PRECISION NOT NULL DEFAULT 0,
    created_at  TIMESTAMPTZ      NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_usage_records_call
    ON usage_records (call_sid);
`

// Migrate creates all required tables and indexes. It is idempotent and safe
// to call on every application start.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	statements := []string{
		ddlTenants,
		ddlCalls,
		ddlTranscript,
	}

	for _, stmt := range statements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres migrate: %w", err)
		}
	}
	return nil
}
