// Package store defines the persistence boundary of callbridge.
//
// The bridge core never talks to a database directly. Instead it depends on
// the narrow interfaces declared here, one per concern: tenant lookup
// ([TenantDirectory]), call records ([CallLog]), conversations and their
// transcripts ([ConversationLog]) and usage accounting ([UsageLedger]).
// [Store] bundles all of them for implementations that serve every concern
// from one backend, such as [postgres.Store].
//
// All implementations must be safe for concurrent use.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrTenantNotFound is returned by [TenantDirectory.TenantByPhone] when no
// organisation is registered under the requested routing key.
var ErrTenantNotFound = errors.New("store: tenant not found")

// ErrNotFound is returned when a referenced call record or conversation does
// not exist.
var ErrNotFound = errors.New("store: not found")

// Role identifies the speaker of a transcript turn.
type Role string

const (
	RoleCustomer Role = "customer"
	RoleAgent    Role = "agent"
	RoleSystem   Role = "system"
)

// IsValid reports whether r is a recognised role.
func (r Role) IsValid() bool {
	switch r {
	case RoleCustomer, RoleAgent, RoleSystem:
		return true
	}
	return false
}

// Usage kinds recorded in the ledger.
const (
	UsageSTTWords    = "stt_words"
	UsageTTSWords    = "tts_words"
	UsageCallMinutes = "call_minutes"
)

// Tenant is the telephony configuration of one answering organisation. It is
// immutable for the lifetime of a call session.
type Tenant struct {
	// ID is the tenant's primary key.
	ID string

	// Name is the organisation's display name.
	Name string

	// PhoneNumber is the routing key: the number the carrier dialled.
	PhoneNumber string

	// ContactNumber is where human transfers are redirected.
	ContactNumber string

	// Description is free text about the organisation. It is injected into
	// the generated system prompt after sanitisation.
	Description string

	// BusinessHours is a free-text description of opening hours.
	BusinessHours string

	// Services lists the organisation's offerings.
	Services []string

	// Voice selects the speech-AI voice. Empty means provider default.
	Voice string

	// Greeting overrides the templated greeting when non-empty.
	Greeting string
}

// CallRecord is the durable record of a single phone call.
type CallRecord struct {
	ID             string
	CallSID        string
	TenantID       string
	ConversationID string
	From           string
	To             string
	Status         string
	StartedAt      time.Time
	EndedAt        time.Time
	Duration       time.Duration
	Cost           float64
}

// Call status values.
const (
	CallStatusInProgress = "in-progress"
	CallStatusCompleted  = "completed"
)

// TranscriptRecord is one recognised speech turn.
type TranscriptRecord struct {
	Role         Role
	Text         string
	FilteredText string
	Timestamp    time.Time

	// SessionID is the carrier stream id the turn arrived on.
	SessionID string

	// CallSID is the carrier call id.
	CallSID string

	// Metadata carries free-form annotations such as the role as reported by
	// the speech backend and safety annotations.
	Metadata map[string]string
}

// UsageRecord is one line in the usage ledger.
type UsageRecord struct {
	TenantID  string
	CallSID   string
	Kind      string
	Amount    float64
	Cost      float64
	CreatedAt time.Time
}

// Batch is the unit of a transcript flush: all buffered records plus the
// usage accumulated alongside them. Implementations must commit a Batch
// atomically.
type Batch struct {
	ConversationID string
	Records        []TranscriptRecord
	Usage          []UsageRecord
}

// Empty reports whether the batch has nothing to commit.
func (b Batch) Empty() bool {
	return len(b.Records) == 0 && len(b.Usage) == 0
}

// TenantDirectory resolves routing keys to tenant configurations.
type TenantDirectory interface {
	// TenantByPhone returns the tenant whose routing key equals phone.
	// Returns [ErrTenantNotFound] when there is none.
	TenantByPhone(ctx context.Context, phone string) (Tenant, error)
}

// CallLog manages durable call records.
type CallLog interface {
	// EnsureCallRecord returns the existing record for rec.CallSID or creates
	// it (together with a fresh conversation) when none exists.
	EnsureCallRecord(ctx context.Context, rec CallRecord) (CallRecord, error)

	// EndCall marks the call completed at endedAt and returns the updated
	// record.
	EndCall(ctx context.Context, callRecordID string, endedAt time.Time) (CallRecord, error)

	// SetCallCost stores the computed duration and cost on the record.
	SetCallCost(ctx context.Context, callRecordID string, duration time.Duration, cost float64) error
}

// ConversationLog persists transcripts and conversation-level artefacts.
type ConversationLog interface {
	// CommitBatch durably persists b in a single transaction.
	CommitBatch(ctx context.Context, b Batch) error

	// Transcript returns all records of a conversation in timestamp order.
	Transcript(ctx context.Context, conversationID string) ([]TranscriptRecord, error)

	// SaveSummary stores the natural-language call summary.
	SaveSummary(ctx context.Context, conversationID, summary string) error

	// SaveDrafts stores the extracted customer-profile and scheduling drafts.
	SaveDrafts(ctx context.Context, conversationID string, profile, scheduling map[string]string) error
}

// UsageLedger reads and writes usage records.
type UsageLedger interface {
	// UsageForCall returns all usage records tagged with callSID.
	UsageForCall(ctx context.Context, callSID string) ([]UsageRecord, error)

	// RecordUsage appends a single usage record.
	RecordUsage(ctx context.Context, rec UsageRecord) error
}

// Store bundles every persistence concern.
type Store interface {
	TenantDirectory
	CallLog
	ConversationLog
	UsageLedger

	// Ping checks connectivity to the backend.
	Ping(ctx context.Context) error
}
