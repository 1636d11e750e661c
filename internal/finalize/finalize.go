// Package finalize tears a call session down exactly once.
//
// Termination can be detected by several paths (a stop frame, a read error,
// server shutdown). All of them call [Finalizer.Finalize]; only the caller
// whose [callsession.Registry.Remove] succeeds runs the teardown. Each step is
// isolated: an error or panic in one step is logged and counted, and the
// remaining steps still run.
package finalize

import (
	"context"
	"fmt"
	"math"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/callbridge/internal/callsession"
	"github.com/MrWong99/callbridge/internal/observe"
	"github.com/MrWong99/callbridge/internal/summary"
	"github.com/MrWong99/callbridge/pkg/store"
)

// Step names used in logs and the finalize error metric.
const (
	StepSpeech  = "speech"
	StepFlush   = "flush"
	StepEndCall = "end_call"
	StepCost    = "cost"
	StepSummary = "summary"
	StepDrafts  = "drafts"
	StepCollab  = "collaboration"
	StepRelease = "release"
)

const defaultSummaryTimeout = 20 * time.Second

// Store is the persistence the finalizer needs.
type Store interface {
	store.CallLog
	store.ConversationLog
	store.UsageLedger
}

// Flusher performs a synchronous flush of a session's buffer.
type Flusher interface {
	FlushNow(ctx context.Context, s *callsession.CallSession) error
}

// Summariser generates a call summary.
type Summariser interface {
	Summarise(ctx context.Context, tenantName string, records []store.TranscriptRecord) (string, error)
}

// Collaborator releases per-session consultation state.
type Collaborator interface {
	Cleanup(sessionID string)
}

// Admission releases the connection slot and packet counter of a session.
type Admission interface {
	ReleaseConnection()
	Forget(sessionID string)
}

// Stopper stops a background task and waits for it to exit.
type Stopper interface {
	Stop()
}

// Rates price usage. All rates are per unit of the matching usage kind.
type Rates struct {
	STTWord float64
	TTSWord float64
	Minute  float64
}

// Config configures a [Finalizer].
type Config struct {
	Registry     *callsession.Registry
	Store        Store
	Flusher      Flusher
	Summariser   Summariser
	Collaborator Collaborator
	Admission    Admission
	Rates        Rates

	// SummaryTimeout bounds summary generation. Default: 20s.
	SummaryTimeout time.Duration

	// Metrics defaults to [observe.DefaultMetrics].
	Metrics *observe.Metrics
}

// Request identifies the session to finalize and the connection-owned tasks
// that must be stopped with it.
type Request struct {
	SessionID string

	// Flush is the session's periodic flush task. Stopping it performs the
	// final flush. Optional.
	Flush Stopper

	// Drain blocks until the speech pumps have exited once the speech
	// session is closed. Optional.
	Drain func()
}

// Finalizer runs session teardown. It is safe for concurrent use.
type Finalizer struct {
	cfg Config
	now func() time.Time
}

// New returns a Finalizer configured by cfg.
func New(cfg Config) *Finalizer {
	if cfg.SummaryTimeout <= 0 {
		cfg.SummaryTimeout = defaultSummaryTimeout
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	return &Finalizer{cfg: cfg, now: time.Now}
}

// Finalize tears down the session named by req. It reports false without
// doing anything when another caller already claimed the session or it never
// existed. ctx should outlive the carrier connection; teardown of a
// disconnected call must not be cut short by its request context.
func (f *Finalizer) Finalize(ctx context.Context, req Request) bool {
	s, ok := f.cfg.Registry.Remove(req.SessionID)
	if !ok {
		return false
	}
	log := observe.CallLogger(ctx, observe.Call{SessionID: s.SessionID, CallSID: s.CallSID, TenantID: s.Tenant.ID})
	log.Info("finalize: tearing down session")

	// No transfer may fire and no consultation may keep talking to the
	// speech session while the call is being torn down.
	s.CancelPendingTransfer()
	s.StopBackground()

	f.step(ctx, StepSpeech, func(context.Context) error {
		var err error
		if sp := s.Speech(); sp != nil {
			err = sp.Close()
		}
		if req.Drain != nil {
			req.Drain()
		}
		return err
	})

	f.step(ctx, StepFlush, func(ctx context.Context) error {
		if req.Flush != nil {
			req.Flush.Stop()
		}
		if f.cfg.Flusher != nil {
			// Retries whatever the task's final flush could not commit.
			return f.cfg.Flusher.FlushNow(ctx, s)
		}
		return nil
	})
	s.Close()

	var duration time.Duration
	f.step(ctx, StepEndCall, func(ctx context.Context) error {
		d, err := f.endCall(ctx, s)
		duration = d
		return err
	})

	var (
		usage      []store.UsageRecord
		usageErr   error
		records    []store.TranscriptRecord
		recordsErr error
	)
	var g errgroup.Group
	if duration > 0 {
		g.Go(func() error {
			usageErr = isolate(func() (err error) {
				usage, err = f.cfg.Store.UsageForCall(ctx, s.CallSID)
				return err
			})
			return nil
		})
	}
	g.Go(func() error {
		recordsErr = isolate(func() (err error) {
			records, err = f.cfg.Store.Transcript(ctx, s.ConversationID)
			return err
		})
		return nil
	})
	_ = g.Wait()

	if duration > 0 {
		f.step(ctx, StepCost, func(ctx context.Context) error {
			if usageErr != nil {
				return fmt.Errorf("load usage: %w", usageErr)
			}
			return f.applyCost(ctx, s, duration, usage)
		})
	}

	f.step(ctx, StepSummary, func(ctx context.Context) error {
		if recordsErr != nil {
			log.Warn("finalize: transcript unavailable for summary", "err", recordsErr)
		}
		return f.cfg.Store.SaveSummary(ctx, s.ConversationID, f.summarise(ctx, s, records, duration))
	})

	f.step(ctx, StepDrafts, func(ctx context.Context) error {
		d := s.Drafts()
		if len(d.Profile) == 0 && len(d.Scheduling) == 0 {
			return nil
		}
		return f.cfg.Store.SaveDrafts(ctx, s.ConversationID, d.Profile, d.Scheduling)
	})

	if f.cfg.Collaborator != nil {
		f.step(ctx, StepCollab, func(context.Context) error {
			f.cfg.Collaborator.Cleanup(s.SessionID)
			return nil
		})
	}

	f.step(ctx, StepRelease, func(ctx context.Context) error {
		if f.cfg.Admission != nil {
			f.cfg.Admission.ReleaseConnection()
			f.cfg.Admission.Forget(s.SessionID)
		}
		f.cfg.Metrics.ActiveCalls.Add(ctx, -1)
		if duration > 0 {
			f.cfg.Metrics.CallDuration.Record(ctx, duration.Seconds())
		}
		return nil
	})

	log.Info("finalize: session closed", "duration", duration.Round(time.Second))
	return true
}

// step runs fn, converting a panic into an error. Failures are logged and
// counted, never returned.
func (f *Finalizer) step(ctx context.Context, name string, fn func(context.Context) error) {
	if err := isolate(func() error { return fn(ctx) }); err != nil {
		observe.Logger(ctx).Error("finalize: step failed", "step", name, "err", err)
		f.cfg.Metrics.RecordFinalizeError(ctx, name)
	}
}

// isolate runs fn and returns its error, or the recovered panic as one.
func isolate(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn()
}

// endCall marks the call ended and returns its duration. Both timestamps are
// normalised to UTC; a negative span is clamped to zero.
func (f *Finalizer) endCall(ctx context.Context, s *callsession.CallSession) (time.Duration, error) {
	ended := f.now().UTC()
	started := s.StartedAt.UTC()

	rec, err := f.cfg.Store.EndCall(ctx, s.CallRecordID, ended)
	if err == nil {
		if !rec.StartedAt.IsZero() {
			started = rec.StartedAt.UTC()
		}
		if !rec.EndedAt.IsZero() {
			ended = rec.EndedAt.UTC()
		}
	}

	d := ended.Sub(started)
	if d < 0 {
		observe.CallLogger(ctx, observe.Call{SessionID: s.SessionID, CallSID: s.CallSID}).
			Warn("finalize: end precedes start, clamping duration", "started_at", started, "ended_at", ended)
		d = 0
	}
	if err != nil {
		return d, fmt.Errorf("end call: %w", err)
	}
	return d, nil
}

// Cost returns the price of usage plus duration at rates.
func Cost(rates Rates, usage []store.UsageRecord, duration time.Duration) float64 {
	var total float64
	for _, u := range usage {
		switch u.Kind {
		case store.UsageSTTWords:
			total += u.Amount * rates.STTWord
		case store.UsageTTSWords:
			total += u.Amount * rates.TTSWord
		}
	}
	total += duration.Minutes() * rates.Minute
	return math.Round(total*1e6) / 1e6
}

func (f *Finalizer) applyCost(ctx context.Context, s *callsession.CallSession, duration time.Duration, usage []store.UsageRecord) error {
	cost := Cost(f.cfg.Rates, usage, duration)
	if err := f.cfg.Store.SetCallCost(ctx, s.CallRecordID, duration, cost); err != nil {
		return fmt.Errorf("set call cost: %w", err)
	}
	minutes := duration.Minutes()
	err := f.cfg.Store.RecordUsage(ctx, store.UsageRecord{
		TenantID:  s.Tenant.ID,
		CallSID:   s.CallSID,
		Kind:      store.UsageCallMinutes,
		Amount:    minutes,
		Cost:      minutes * f.cfg.Rates.Minute,
		CreatedAt: f.now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("record minutes: %w", err)
	}
	return nil
}

// summarise never fails: any summariser problem yields the templated
// fallback.
func (f *Finalizer) summarise(ctx context.Context, s *callsession.CallSession, records []store.TranscriptRecord, duration time.Duration) (out string) {
	fallback := summary.Fallback(records, duration)
	if f.cfg.Summariser == nil || len(records) == 0 {
		return fallback
	}
	defer func() {
		if r := recover(); r != nil {
			observe.Logger(ctx).Error("finalize: summariser panicked", "panic", fmt.Sprint(r))
			out = fallback
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, f.cfg.SummaryTimeout)
	defer cancel()
	text, err := f.cfg.Summariser.Summarise(ctx, s.Tenant.Name, records)
	if err != nil || text == "" {
		observe.CallLogger(ctx, observe.Call{SessionID: s.SessionID, CallSID: s.CallSID}).
			Warn("finalize: using fallback summary", "err", err)
		return fallback
	}
	return text
}
