// Package callsession holds the per-call state of the bridge and the
// registry that owns it.
//
// A [CallSession] is created once when a carrier stream starts and is owned
// exclusively by the [Registry]. Every mutation of its transcript buffer,
// workflow offers and drafts happens under the session's own mutex through the
// narrow accessor methods below; fields are never mutated directly.
package callsession

import (
	"context"
	"maps"
	"sync"
	"time"

	"github.com/MrWong99/callbridge/pkg/provider/s2s"
	"github.com/MrWong99/callbridge/pkg/store"
)

// Offer is one offer/consent state machine. The zero value is Idle.
type Offer struct {
	// Pending is true while the offer is outstanding.
	Pending bool

	// AskedAt is when the offer was made. Zero when Idle.
	AskedAt time.Time

	// UserMessage is the caller utterance that answered or triggered the
	// offer. Only used by the collaboration offer.
	UserMessage string
}

// Expired reports whether a pending offer is older than timeout at now.
func (o Offer) Expired(now time.Time, timeout time.Duration) bool {
	return o.Pending && !o.AskedAt.IsZero() && now.Sub(o.AskedAt) > timeout
}

// Workflow is the mutable in-call workflow state of a session.
type Workflow struct {
	Transfer      Offer
	Collaboration Offer

	// LastCustomerText is the most recent caller utterance. It becomes the
	// collaboration question when the agent offers a consultation.
	LastCustomerText string
}

// Drafts are the incrementally extracted caller artefacts. The core does not
// interpret their keys.
type Drafts struct {
	Profile    map[string]string
	Scheduling map[string]string
}

// Params are the immutable identity and linkage of a new session.
type Params struct {
	// SessionID is the carrier stream id.
	SessionID string

	// CallSID is the carrier call id.
	CallSID string

	// Tenant is the answering organisation's configuration.
	Tenant store.Tenant

	// ConversationID and CallRecordID reference records owned by the store.
	ConversationID string
	CallRecordID   string

	// From and To are the caller and callee numbers.
	From string
	To   string

	// StartedAt is when the stream started. Defaults to now.
	StartedAt time.Time
}

// CallSession is the state of one accepted carrier stream.
type CallSession struct {
	SessionID      string
	CallSID        string
	Tenant         store.Tenant
	ConversationID string
	CallRecordID   string
	From           string
	To             string
	StartedAt      time.Time

	mu       sync.Mutex
	pending  []store.TranscriptRecord
	sttWords int
	ttsWords int
	workflow Workflow
	drafts   Drafts
	speech   s2s.SessionHandle
	transfer *time.Timer
	closed   bool

	// Background work started through Go. bgStop cancels every task; once
	// bgStopped is set no new task starts.
	bg        sync.WaitGroup
	bgCtx     context.Context
	bgStop    context.CancelFunc
	bgStopped bool
}

func newSession(p Params) *CallSession {
	started := p.StartedAt
	if started.IsZero() {
		started = time.Now()
	}
	bgCtx, bgStop := context.WithCancel(context.Background())
	return &CallSession{
		bgCtx:          bgCtx,
		bgStop:         bgStop,
		SessionID:      p.SessionID,
		CallSID:        p.CallSID,
		Tenant:         p.Tenant,
		ConversationID: p.ConversationID,
		CallRecordID:   p.CallRecordID,
		From:           p.From,
		To:             p.To,
		StartedAt:      started,
		drafts: Drafts{
			Profile:    make(map[string]string),
			Scheduling: make(map[string]string),
		},
	}
}

// ─── Transcript buffer ───────────────────────────────────────────────────────

// Enqueue appends rec to the pending buffer without any I/O. It reports false
// if the session is already closed.
func (s *CallSession) Enqueue(rec store.TranscriptRecord) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.pending = append(s.pending, rec)
	return true
}

// AddUsage accumulates word counts to be committed with the next flush.
func (s *CallSession) AddUsage(sttWords, ttsWords int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sttWords += sttWords
	s.ttsWords += ttsWords
}

// PendingCount returns the number of buffered, uncommitted records.
func (s *CallSession) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Flush hands the buffered records and usage to commit as one [store.Batch]
// while holding the session lock. The buffer is cleared only when commit
// succeeds; on failure it is left untouched so the next flush retries the
// same records. Flush returns the number of committed records.
func (s *CallSession) Flush(ctx context.Context, commit func(context.Context, store.Batch) error) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b := store.Batch{
		ConversationID: s.ConversationID,
		Records:        append([]store.TranscriptRecord(nil), s.pending...),
	}
	now := time.Now()
	if s.sttWords > 0 {
		b.Usage = append(b.Usage, s.usageRecord(store.UsageSTTWords, s.sttWords, now))
	}
	if s.ttsWords > 0 {
		b.Usage = append(b.Usage, s.usageRecord(store.UsageTTSWords, s.ttsWords, now))
	}
	if b.Empty() {
		return 0, nil
	}

	if err := commit(ctx, b); err != nil {
		return 0, err
	}
	s.pending = s.pending[:0]
	s.sttWords, s.ttsWords = 0, 0
	return len(b.Records), nil
}

func (s *CallSession) usageRecord(kind string, words int, now time.Time) store.UsageRecord {
	return store.UsageRecord{
		TenantID:  s.Tenant.ID,
		CallSID:   s.CallSID,
		Kind:      kind,
		Amount:    float64(words),
		CreatedAt: now,
	}
}

// ─── Workflow state ──────────────────────────────────────────────────────────

// Workflow runs fn with exclusive access to the session's workflow state.
// fn must not block or call back into the session.
func (s *CallSession) Workflow(fn func(w *Workflow)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&s.workflow)
}

// SetPendingTransfer schedules fn to run after delay unless the session is
// closed first. It reports false when a transfer is already scheduled or the
// session is closed.
func (s *CallSession) SetPendingTransfer(delay time.Duration, fn func()) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.transfer != nil {
		return false
	}
	s.transfer = time.AfterFunc(delay, func() {
		s.mu.Lock()
		s.transfer = nil
		closed := s.closed
		s.mu.Unlock()
		if !closed {
			fn()
		}
	})
	return true
}

// CancelPendingTransfer stops a scheduled transfer. It reports whether one was
// cancelled before it fired.
func (s *CallSession) CancelPendingTransfer() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelTransferLocked()
}

func (s *CallSession) cancelTransferLocked() bool {
	if s.transfer == nil {
		return false
	}
	stopped := s.transfer.Stop()
	s.transfer = nil
	return stopped
}

// ─── Drafts ──────────────────────────────────────────────────────────────────

// UpdateDrafts merges the non-empty values of profile and scheduling into the
// session drafts.
func (s *CallSession) UpdateDrafts(profile, scheduling map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, v := range profile {
		if v != "" {
			s.drafts.Profile[k] = v
		}
	}
	for k, v := range scheduling {
		if v != "" {
			s.drafts.Scheduling[k] = v
		}
	}
}

// Drafts returns a copy of the current drafts.
func (s *CallSession) Drafts() Drafts {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Drafts{
		Profile:    maps.Clone(s.drafts.Profile),
		Scheduling: maps.Clone(s.drafts.Scheduling),
	}
}

// ─── Speech session ──────────────────────────────────────────────────────────

// AttachSpeech records the speech-AI session serving this call. A session
// running in degraded mode has none.
func (s *CallSession) AttachSpeech(h s2s.SessionHandle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.speech = h
}

// Speech returns the attached speech-AI session or nil.
func (s *CallSession) Speech() s2s.SessionHandle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.speech
}

// ─── Background work ─────────────────────────────────────────────────────────

// Go runs fn on its own goroutine. The context passed to fn is derived from
// ctx and is also cancelled by [CallSession.StopBackground]. Go reports false,
// without running fn, once the session is closed or its background work was
// stopped.
func (s *CallSession) Go(ctx context.Context, fn func(context.Context)) bool {
	s.mu.Lock()
	if s.closed || s.bgStopped {
		s.mu.Unlock()
		return false
	}
	s.bg.Add(1)
	s.mu.Unlock()

	tctx, cancel := context.WithCancel(ctx)
	release := context.AfterFunc(s.bgCtx, cancel)
	go func() {
		defer s.bg.Done()
		defer cancel()
		defer release()
		fn(tctx)
	}()
	return true
}

// StopBackground cancels the tasks started through Go and waits for them to
// return. Later calls to Go are refused.
func (s *CallSession) StopBackground() {
	s.mu.Lock()
	s.bgStopped = true
	s.mu.Unlock()
	s.bgStop()
	s.bg.Wait()
}

// ─── Lifecycle ───────────────────────────────────────────────────────────────

// Close marks the session terminal and cancels any pending transfer. Enqueue
// is rejected afterwards while Flush keeps working so the final flush can
// drain the buffer. It reports true only for the first call.
func (s *CallSession) Close() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.closed = true
	s.cancelTransferLocked()
	return true
}

// Closed reports whether Close has been called.
func (s *CallSession) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
