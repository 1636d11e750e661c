// Package mock provides an in-memory test double for [store.Store].
//
// Unlike a pure stub, [Store] keeps state: tenants can be seeded, call
// records and conversations are created on demand and committed batches are
// retained so tests can assert on exactly what was persisted. Every method
// call is recorded and each operation has an exported *Err field that, when
// non-nil, makes the operation fail without changing state. All methods are
// safe for concurrent use.
//
// Typical usage:
//
//	st := mock.New()
//	st.AddTenant(store.Tenant{ID: "t1", PhoneNumber: "+15550100"})
//	st.CommitBatchErr = errors.New("db down")
//
//	// inject st into the system under test …
//
//	if got := st.CallCount("CommitBatch"); got != 1 {
//	    t.Errorf("expected 1 CommitBatch call, got %d", got)
//	}
package mock

import (
	"context"
	"fmt"
	"maps"
	"sync"
	"time"

	"github.com/MrWong99/callbridge/pkg/store"
)

var _ store.Store = (*Store)(nil)

// Call records the name and arguments of a single method invocation.
type Call struct {
	// Method is the name of the interface method that was called.
	Method string

	// Args holds the non-context arguments passed to the method, in order.
	Args []any
}

// Drafts is what [Store.SaveDrafts] persisted for a conversation.
type Drafts struct {
	Profile    map[string]string
	Scheduling map[string]string
}

// Store is a stateful, configurable test double for [store.Store].
type Store struct {
	mu sync.Mutex

	calls []Call

	tenants     map[string]store.Tenant // keyed by phone number
	records     map[string]store.CallRecord
	byCallSID   map[string]string
	transcripts map[string][]store.TranscriptRecord
	summaries   map[string]string
	drafts      map[string]Drafts
	usage       []store.UsageRecord
	committed   []store.Batch
	nextID      int

	// TenantByPhoneErr is returned by [Store.TenantByPhone] when non-nil.
	TenantByPhoneErr error

	// EnsureCallRecordErr is returned by [Store.EnsureCallRecord] when non-nil.
	EnsureCallRecordErr error

	// EndCallErr is returned by [Store.EndCall] when non-nil.
	EndCallErr error

	// SetCallCostErr is returned by [Store.SetCallCost] when non-nil.
	SetCallCostErr error

	// CommitBatchErr is returned by [Store.CommitBatch] when non-nil.
	CommitBatchErr error

	// CommitBatchHook, when set, is invoked at the start of every
	// [Store.CommitBatch] call before the lock is taken. Tests use it to
	// block or slow a commit.
	CommitBatchHook func(store.Batch)

	// TranscriptErr is returned by [Store.Transcript] when non-nil.
	TranscriptErr error

	// SaveSummaryErr is returned by [Store.SaveSummary] when non-nil.
	SaveSummaryErr error

	// SaveDraftsErr is returned by [Store.SaveDrafts] when non-nil.
	SaveDraftsErr error

	// UsageForCallErr is returned by [Store.UsageForCall] when non-nil.
	UsageForCallErr error

	// RecordUsageErr is returned by [Store.RecordUsage] when non-nil.
	RecordUsageErr error

	// PingErr is returned by [Store.Ping] when non-nil.
	PingErr error

	// Clock returns the time used for generated timestamps. Defaults to
	// [time.Now].
	Clock func() time.Time
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		tenants:     make(map[string]store.Tenant),
		records:     make(map[string]store.CallRecord),
		byCallSID:   make(map[string]string),
		transcripts: make(map[string][]store.TranscriptRecord),
		summaries:   make(map[string]string),
		drafts:      make(map[string]Drafts),
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Inspection helpers
// ─────────────────────────────────────────────────────────────────────────────

// AddTenant seeds a tenant, keyed by its PhoneNumber.
func (m *Store) AddTenant(t store.Tenant) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tenants[t.PhoneNumber] = t
}

// Calls returns a copy of all recorded method invocations.
func (m *Store) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Call, len(m.calls))
	copy(out, m.calls)
	return out
}

// CallCount returns how many times the named method was invoked.
func (m *Store) CallCount(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		if c.Method == method {
			n++
		}
	}
	return n
}

// Reset clears all recorded calls without altering state or error
// configuration.
func (m *Store) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = nil
}

// Committed returns every batch that was successfully committed, in order.
func (m *Store) Committed() []store.Batch {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]store.Batch, len(m.committed))
	copy(out, m.committed)
	return out
}

// CallRecord returns the stored record for id.
func (m *Store) CallRecord(id string) (store.CallRecord, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	return rec, ok
}

// Summary returns the saved summary of a conversation.
func (m *Store) Summary(conversationID string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.summaries[conversationID]
	return s, ok
}

// SavedDrafts returns the drafts saved for a conversation.
func (m *Store) SavedDrafts(conversationID string) (Drafts, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.drafts[conversationID]
	return d, ok
}

// Usage returns every usage record in the ledger.
func (m *Store) Usage() []store.UsageRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]store.UsageRecord, len(m.usage))
	copy(out, m.usage)
	return out
}

func (m *Store) now() time.Time {
	if m.Clock != nil {
		return m.Clock()
	}
	return time.Now()
}

func (m *Store) record(method string, args ...any) {
	m.calls = append(m.calls, Call{Method: method, Args: args})
}

// ─────────────────────────────────────────────────────────────────────────────
// store.Store
// ─────────────────────────────────────────────────────────────────────────────

// TenantByPhone implements [store.TenantDirectory].
func (m *Store) TenantByPhone(_ context.Context, phone string) (store.Tenant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("TenantByPhone", phone)
	if m.TenantByPhoneErr != nil {
		return store.Tenant{}, m.TenantByPhoneErr
	}
	t, ok := m.tenants[phone]
	if !ok {
		return store.Tenant{}, store.ErrTenantNotFound
	}
	return t, nil
}

// EnsureCallRecord implements [store.CallLog].
func (m *Store) EnsureCallRecord(_ context.Context, rec store.CallRecord) (store.CallRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("EnsureCallRecord", rec)
	if m.EnsureCallRecordErr != nil {
		return store.CallRecord{}, m.EnsureCallRecordErr
	}
	if id, ok := m.byCallSID[rec.CallSID]; ok {
		return m.records[id], nil
	}
	m.nextID++
	if rec.ID == "" {
		rec.ID = fmt.Sprintf("call-%d", m.nextID)
	}
	if rec.ConversationID == "" {
		rec.ConversationID = fmt.Sprintf("conv-%d", m.nextID)
	}
	if rec.Status == "" {
		rec.Status = store.CallStatusInProgress
	}
	if rec.StartedAt.IsZero() {
		rec.StartedAt = m.now().UTC()
	}
	m.records[rec.ID] = rec
	m.byCallSID[rec.CallSID] = rec.ID
	return rec, nil
}

// EndCall implements [store.CallLog].
func (m *Store) EndCall(_ context.Context, callRecordID string, endedAt time.Time) (store.CallRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("EndCall", callRecordID, endedAt)
	if m.EndCallErr != nil {
		return store.CallRecord{}, m.EndCallErr
	}
	rec, ok := m.records[callRecordID]
	if !ok {
		return store.CallRecord{}, store.ErrNotFound
	}
	rec.Status = store.CallStatusCompleted
	rec.EndedAt = endedAt
	m.records[callRecordID] = rec
	return rec, nil
}

// SetCallCost implements [store.CallLog].
func (m *Store) SetCallCost(_ context.Context, callRecordID string, duration time.Duration, cost float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("SetCallCost", callRecordID, duration, cost)
	if m.SetCallCostErr != nil {
		return m.SetCallCostErr
	}
	rec, ok := m.records[callRecordID]
	if !ok {
		return store.ErrNotFound
	}
	rec.Duration = duration
	rec.Cost = cost
	m.records[callRecordID] = rec
	return nil
}

// CommitBatch implements [store.ConversationLog]. On error nothing is
// retained, mirroring a rolled-back transaction.
func (m *Store) CommitBatch(_ context.Context, b store.Batch) error {
	if m.CommitBatchHook != nil {
		m.CommitBatchHook(b)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("CommitBatch", b)
	if m.CommitBatchErr != nil {
		return m.CommitBatchErr
	}
	cp := store.Batch{
		ConversationID: b.ConversationID,
		Records:        append([]store.TranscriptRecord(nil), b.Records...),
		Usage:          append([]store.UsageRecord(nil), b.Usage...),
	}
	m.committed = append(m.committed, cp)
	m.transcripts[b.ConversationID] = append(m.transcripts[b.ConversationID], cp.Records...)
	m.usage = append(m.usage, cp.Usage...)
	return nil
}

// Transcript implements [store.ConversationLog].
func (m *Store) Transcript(_ context.Context, conversationID string) ([]store.TranscriptRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("Transcript", conversationID)
	if m.TranscriptErr != nil {
		return nil, m.TranscriptErr
	}
	out := make([]store.TranscriptRecord, len(m.transcripts[conversationID]))
	copy(out, m.transcripts[conversationID])
	return out, nil
}

// SaveSummary implements [store.ConversationLog].
func (m *Store) SaveSummary(_ context.Context, conversationID, summary string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("SaveSummary", conversationID, summary)
	if m.SaveSummaryErr != nil {
		return m.SaveSummaryErr
	}
	m.summaries[conversationID] = summary
	return nil
}

// SaveDrafts implements [store.ConversationLog].
func (m *Store) SaveDrafts(_ context.Context, conversationID string, profile, scheduling map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("SaveDrafts", conversationID, profile, scheduling)
	if m.SaveDraftsErr != nil {
		return m.SaveDraftsErr
	}
	m.drafts[conversationID] = Drafts{Profile: maps.Clone(profile), Scheduling: maps.Clone(scheduling)}
	return nil
}

// UsageForCall implements [store.UsageLedger].
func (m *Store) UsageForCall(_ context.Context, callSID string) ([]store.UsageRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("UsageForCall", callSID)
	if m.UsageForCallErr != nil {
		return nil, m.UsageForCallErr
	}
	out := []store.UsageRecord{}
	for _, u := range m.usage {
		if u.CallSID == callSID {
			out = append(out, u)
		}
	}
	return out, nil
}

// RecordUsage implements [store.UsageLedger].
func (m *Store) RecordUsage(_ context.Context, rec store.UsageRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("RecordUsage", rec)
	if m.RecordUsageErr != nil {
		return m.RecordUsageErr
	}
	m.usage = append(m.usage, rec)
	return nil
}

// Ping implements [store.Store].
func (m *Store) Ping(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("Ping")
	return m.PingErr
}
