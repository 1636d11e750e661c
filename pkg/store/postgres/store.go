package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/callbridge/pkg/store"
)

var _ store.Store = (*Store)(nil)

// Store is the PostgreSQL-backed implementation of [store.Store].
// All operations are safe for concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a connection pool to the database at dsn, verifies
// connectivity and runs [Migrate].
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres store: parse dsn: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres store: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: ping: %w", err)
	}

	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: migrate: %w", err)
	}

	return &Store{pool: pool}, nil
}

// Close releases all pooled connections.
func (s *Store) Close() {
	s.pool.Close()
}

// Ping implements [store.Store].
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// ─────────────────────────────────────────────────────────────────────────────
// Tenants
// ─────────────────────────────────────────────────────────────────────────────

// TenantByPhone implements [store.TenantDirectory].
func (s *Store) TenantByPhone(ctx context.Context, phone string) (store.Tenant, error) {
	const q = `
		SELECT id, name, phone_number, contact_number, description,
		       business_hours, services, voice, greeting
		FROM   tenants
		WHERE  phone_number = $1`

	var t store.Tenant
	err := s.pool.QueryRow(ctx, q, phone).Scan(
		&t.ID,
		&t.Name,
		&t.PhoneNumber,
		&t.ContactNumber,
		&t.Description,
		&t.BusinessHours,
		&t.Services,
		&t.Voice,
		&t.Greeting,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return store.Tenant{}, store.ErrTenantNotFound
	}
	if err != nil {
		return store.Tenant{}, fmt.Errorf("postgres store: tenant by phone: %w", err)
	}
	return t, nil
}

// UpsertTenant inserts or replaces a tenant. It is used by provisioning
// tooling and tests; the bridge itself only reads tenants.
func (s *Store) UpsertTenant(ctx context.Context, t store.Tenant) error {
	const q = `
		INSERT INTO tenants
		    (id, name, phone_number, contact_number, description, business_hours, services, voice, greeting)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
		    name           = EXCLUDED.name,
		    phone_number   = EXCLUDED.phone_number,
		    contact_number = EXCLUDED.contact_number,
		    description    = EXCLUDED.description,
		    business_hours = EXCLUDED.business_hours,
		    services       = EXCLUDED.services,
		    voice          = EXCLUDED.voice,
		    greeting       = EXCLUDED.greeting`

	services := t.Services
	if services == nil {
		services = []string{}
	}
	if _, err := s.pool.Exec(ctx, q,
		t.ID, t.Name, t.PhoneNumber, t.ContactNumber, t.Description,
		t.BusinessHours, services, t.Voice, t.Greeting,
	); err != nil {
		return fmt.Errorf("postgres store: upsert tenant: %w", err)
	}
	return nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Call records
// ─────────────────────────────────────────────────────────────────────────────

const callColumns = `id, call_sid, tenant_id, conversation_id, from_number, to_number,
		       status, started_at, COALESCE(ended_at, 'epoch'::timestamptz), duration_ms, cost`

func scanCall(row pgx.Row) (store.CallRecord, error) {
	var (
		rec        store.CallRecord
		durationMS int64
	)
	if err := row.Scan(
		&rec.ID,
		&rec.CallSID,
		&rec.TenantID,
		&rec.ConversationID,
		&rec.From,
		&rec.To,
		&rec.Status,
		&rec.StartedAt,
		&rec.EndedAt,
		&durationMS,
		&rec.Cost,
	); err != nil {
		return store.CallRecord{}, err
	}
	if rec.EndedAt.Equal(time.Unix(0, 0)) {
		rec.EndedAt = time.Time{}
	}
	rec.Duration = time.Duration(durationMS) * time.Millisecond
	return rec, nil
}

// EnsureCallRecord implements [store.CallLog]. The lookup and the insert of
// the call record and its conversation run in one transaction.
func (s *Store) EnsureCallRecord(ctx context.Context, rec store.CallRecord) (store.CallRecord, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return store.CallRecord{}, fmt.Errorf("postgres store: ensure call: begin: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // no-op after commit

	existing, err := scanCall(tx.QueryRow(ctx,
		`SELECT `+callColumns+` FROM call_records WHERE call_sid = $1 FOR UPDATE`, rec.CallSID))
	switch {
	case err == nil:
		if err := tx.Commit(ctx); err != nil {
			return store.CallRecord{}, fmt.Errorf("postgres store: ensure call: commit: %w", err)
		}
		return existing, nil
	case !errors.Is(err, pgx.ErrNoRows):
		return store.CallRecord{}, fmt.Errorf("postgres store: ensure call: lookup: %w", err)
	}

	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.ConversationID == "" {
		rec.ConversationID = uuid.NewString()
	}
	if rec.Status == "" {
		rec.Status = store.CallStatusInProgress
	}
	if rec.StartedAt.IsZero() {
		rec.StartedAt = time.Now().UTC()
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO conversations (id, tenant_id) VALUES ($1, $2)`,
		rec.ConversationID, rec.TenantID,
	); err != nil {
		return store.CallRecord{}, fmt.Errorf("postgres store: ensure call: insert conversation: %w", err)
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO call_records
		    (id, call_sid, tenant_id, conversation_id, from_number, to_number, status, started_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		rec.ID, rec.CallSID, rec.TenantID, rec.ConversationID,
		rec.From, rec.To, rec.Status, rec.StartedAt,
	); err != nil {
		return store.CallRecord{}, fmt.Errorf("postgres store: ensure call: insert call: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return store.CallRecord{}, fmt.Errorf("postgres store: ensure call: commit: %w", err)
	}
	return rec, nil
}

// EndCall implements [store.CallLog].
func (s *Store) EndCall(ctx context.Context, callRecordID string, endedAt time.Time) (store.CallRecord, error) {
	rec, err := scanCall(s.pool.QueryRow(ctx, `
		UPDATE call_records
		SET    status = $2, ended_at = $3
		WHERE  id = $1
		RETURNING `+callColumns,
		callRecordID, store.CallStatusCompleted, endedAt,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return store.CallRecord{}, store.ErrNotFound
	}
	if err != nil {
		return store.CallRecord{}, fmt.Errorf("postgres store: end call: %w", err)
	}
	return rec, nil
}

// SetCallCost implements [store.CallLog].
func (s *Store) SetCallCost(ctx context.Context, callRecordID string, duration time.Duration, cost float64) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE call_records SET duration_ms = $2, cost = $3 WHERE id = $1`,
		callRecordID, duration.Milliseconds(), cost,
	)
	if err != nil {
		return fmt.Errorf("postgres store: set call cost: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Conversations
// ─────────────────────────────────────────────────────────────────────────────

// CommitBatch implements [store.ConversationLog]. Records and usage rows are
// queued on a single [pgx.Batch] inside one transaction so the batch is either
// fully persisted or not at all.
func (s *Store) CommitBatch(ctx context.Context, b store.Batch) error {
	if b.Empty() {
		return nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres store: commit batch: begin: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // no-op after commit

	batch := &pgx.Batch{}
	for _, r := range b.Records {
		meta, err := json.Marshal(nonNilMap(r.Metadata))
		if err != nil {
			return fmt.Errorf("postgres store: commit batch: marshal metadata: %w", err)
		}
		batch.Queue(`
			INSERT INTO transcript_records
			    (conversation_id, session_id, call_sid, role, text, filtered_text, metadata, timestamp)
			VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb, $8)`,
			b.ConversationID, r.SessionID, r.CallSID, string(r.Role),
			r.Text, r.FilteredText, string(meta), r.Timestamp,
		)
	}
	for _, u := range b.Usage {
		batch.Queue(`
			INSERT INTO usage_records (tenant_id, call_sid, kind, amount, cost, created_at)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			u.TenantID, u.CallSID, u.Kind, u.Amount, u.Cost, usageTime(u.CreatedAt),
		)
	}

	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("postgres store: commit batch: exec: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres store: commit batch: commit: %w", err)
	}
	return nil
}

// Transcript implements [store.ConversationLog].
func (s *Store) Transcript(ctx context.Context, conversationID string) ([]store.TranscriptRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT session_id, call_sid, role, text, filtered_text, metadata::text, timestamp
		FROM   transcript_records
		WHERE  conversation_id = $1
		ORDER  BY timestamp, id`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("postgres store: transcript: %w", err)
	}

	records, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (store.TranscriptRecord, error) {
		var (
			r    store.TranscriptRecord
			role string
			meta string
		)
		if err := row.Scan(&r.SessionID, &r.CallSID, &role, &r.Text, &r.FilteredText, &meta, &r.Timestamp); err != nil {
			return store.TranscriptRecord{}, err
		}
		r.Role = store.Role(role)
		if meta != "" {
			if err := json.Unmarshal([]byte(meta), &r.Metadata); err != nil {
				return store.TranscriptRecord{}, fmt.Errorf("decode metadata: %w", err)
			}
		}
		return r, nil
	})
	if err != nil {
		return nil, fmt.Errorf("postgres store: scan transcript: %w", err)
	}
	if records == nil {
		records = []store.TranscriptRecord{}
	}
	return records, nil
}

// SaveSummary implements [store.ConversationLog].
func (s *Store) SaveSummary(ctx context.Context, conversationID, summary string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE conversations SET summary = $2 WHERE id = $1`, conversationID, summary)
	if err != nil {
		return fmt.Errorf("postgres store: save summary: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// SaveDrafts implements [store.ConversationLog].
func (s *Store) SaveDrafts(ctx context.Context, conversationID string, profile, scheduling map[string]string) error {
	p, err := json.Marshal(nonNilMap(profile))
	if err != nil {
		return fmt.Errorf("postgres store: save drafts: %w", err)
	}
	sc, err := json.Marshal(nonNilMap(scheduling))
	if err != nil {
		return fmt.Errorf("postgres store: save drafts: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE conversations
		SET    profile_draft = $2::jsonb, schedule_draft = $3::jsonb
		WHERE  id = $1`, conversationID, string(p), string(sc))
	if err != nil {
		return fmt.Errorf("postgres store: save drafts: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Usage
// ─────────────────────────────────────────────────────────────────────────────

// UsageForCall implements [store.UsageLedger].
func (s *Store) UsageForCall(ctx context.Context, callSID string) ([]store.UsageRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT tenant_id, call_sid, kind, amount, cost, created_at
		FROM   usage_records
		WHERE  call_sid = $1
		ORDER  BY id`, callSID)
	if err != nil {
		return nil, fmt.Errorf("postgres store: usage for call: %w", err)
	}
	recs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (store.UsageRecord, error) {
		var u store.UsageRecord
		err := row.Scan(&u.TenantID, &u.CallSID, &u.Kind, &u.Amount, &u.Cost, &u.CreatedAt)
		return u, err
	})
	if err != nil {
		return nil, fmt.Errorf("postgres store: scan usage: %w", err)
	}
	if recs == nil {
		recs = []store.UsageRecord{}
	}
	return recs, nil
}

// RecordUsage implements [store.UsageLedger].
func (s *Store) RecordUsage(ctx context.Context, u store.UsageRecord) error {
	if _, err := s.pool.Exec(ctx, `
		INSERT INTO usage_records (tenant_id, call_sid, kind, amount, cost, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		u.TenantID, u.CallSID, u.Kind, u.Amount, u.Cost, usageTime(u.CreatedAt),
	); err != nil {
		return fmt.Errorf("postgres store: record usage: %w", err)
	}
	return nil
}

func usageTime(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func nonNilMap(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}
