// Package workflow runs the in-call offer/consent state machines: transfer
// to a human and hand-off to an expert consultation.
//
// Both machines are driven by keyword classification of transcript turns.
// State lives on the [callsession.CallSession] and is only touched inside
// [callsession.CallSession.Workflow]; decisions are taken under the session
// lock and their side effects (redirects, consultations, metrics) run after it
// is released. A transfer offer and a collaboration offer are never pending at
// the same time, so a single "yes" cannot be read as consent to both.
package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/MrWong99/callbridge/internal/callsession"
	"github.com/MrWong99/callbridge/internal/observe"
	"github.com/MrWong99/callbridge/internal/telephony"
	"github.com/MrWong99/callbridge/pkg/provider/s2s"
	"github.com/MrWong99/callbridge/pkg/store"
)

// Offer kinds.
const (
	KindTransfer      = "transfer"
	KindCollaboration = "collaboration"
)

// Offer outcomes recorded in metrics.
const (
	OutcomeOffered    = "offered"
	OutcomeAccepted   = "accepted"
	OutcomeDeclined   = "declined"
	OutcomeCleared    = "cleared"
	OutcomeTimedOut   = "timed_out"
	OutcomeDirect     = "direct"
	OutcomeSuperseded = "superseded"
)

const (
	defaultOfferTimeout    = 30 * time.Second
	defaultTransferDelay   = 3 * time.Second
	defaultTransferTimeout = 15 * time.Second
)

// Collaborator runs the expert-consultation sub-flow for a session.
type Collaborator interface {
	// ProcessUserMessage consults the experts about message and delivers the
	// answer through speech. It reports whether an answer was delivered.
	ProcessUserMessage(ctx context.Context, sessionID string, speech s2s.SessionHandle, message string) (bool, error)
}

// Config configures an [Engine].
type Config struct {
	// Classifier detects phrases. Defaults to [NewClassifier].
	Classifier *Classifier

	// Redirector performs human transfers. Transfers are skipped when nil.
	Redirector telephony.Redirector

	// Collaborator runs consultations. Consultations are skipped when nil.
	Collaborator Collaborator

	// OfferTimeout is how long an offer waits for an answer. Default: 30s.
	OfferTimeout time.Duration

	// TransferDelay lets the agent finish its acknowledgement before the
	// redirect. Default: 3s.
	TransferDelay time.Duration

	// Metrics records offer transitions. Defaults to [observe.DefaultMetrics].
	Metrics *observe.Metrics
}

// Engine evaluates transcript turns against the workflow state machines.
// It is stateless apart from its configuration and safe for concurrent use.
type Engine struct {
	classifier    *Classifier
	redirector    telephony.Redirector
	collaborator  Collaborator
	offerTimeout  time.Duration
	transferDelay time.Duration
	metrics       *observe.Metrics
	now           func() time.Time
}

// New returns an Engine configured by cfg.
func New(cfg Config) *Engine {
	e := &Engine{
		classifier:    cfg.Classifier,
		redirector:    cfg.Redirector,
		collaborator:  cfg.Collaborator,
		offerTimeout:  cfg.OfferTimeout,
		transferDelay: cfg.TransferDelay,
		metrics:       cfg.Metrics,
		now:           time.Now,
	}
	if e.classifier == nil {
		e.classifier = NewClassifier()
	}
	if e.offerTimeout <= 0 {
		e.offerTimeout = defaultOfferTimeout
	}
	if e.transferDelay <= 0 {
		e.transferDelay = defaultTransferDelay
	}
	if e.metrics == nil {
		e.metrics = observe.DefaultMetrics()
	}
	return e
}

// decision is what HandleTranscript decided under the session lock.
type decision struct {
	outcomes []outcome
	transfer bool
	consult  string
}

type outcome struct{ kind, result string }

func (d *decision) record(kind, result string) {
	d.outcomes = append(d.outcomes, outcome{kind, result})
}

// HandleTranscript advances the state machines of s with one transcript turn
// and runs the resulting side effects. Consultations run as background work
// of the session so the caller keeps consuming turns; transfers are scheduled
// on the session after the configured delay.
func (e *Engine) HandleTranscript(ctx context.Context, s *callsession.CallSession, role store.Role, text string) {
	if text == "" || s.Closed() {
		return
	}
	now := e.now()

	var d decision
	s.Workflow(func(w *callsession.Workflow) {
		switch role {
		case store.RoleAgent:
			e.onAgent(w, text, now, &d)
		case store.RoleCustomer:
			e.onCustomer(w, text, &d)
			w.LastCustomerText = text
		}
	})

	log := observe.CallLogger(ctx, observe.Call{SessionID: s.SessionID, CallSID: s.CallSID})
	for _, o := range d.outcomes {
		e.metrics.RecordOffer(ctx, o.kind, o.result)
		log.Info("workflow: offer transition", "kind", o.kind, "outcome", o.result)
	}
	if d.transfer {
		e.scheduleTransfer(s, log)
	}
	if d.consult != "" {
		e.consult(ctx, s, d.consult, log)
	}
}

// onAgent detects new offers. Must run under the session lock.
func (e *Engine) onAgent(w *callsession.Workflow, text string, now time.Time, d *decision) {
	if w.Transfer.Pending || w.Collaboration.Pending {
		return
	}
	switch {
	case e.classifier.IsTransferOffer(text):
		w.Transfer = callsession.Offer{Pending: true, AskedAt: now}
		d.record(KindTransfer, OutcomeOffered)
	case e.classifier.IsCollaborationOffer(text):
		w.Collaboration = callsession.Offer{Pending: true, AskedAt: now, UserMessage: w.LastCustomerText}
		d.record(KindCollaboration, OutcomeOffered)
	}
}

// onCustomer resolves pending offers and direct requests. Must run under the
// session lock.
func (e *Engine) onCustomer(w *callsession.Workflow, text string, d *decision) {
	if e.classifier.IsCollaborationRequest(text) {
		if w.Transfer.Pending {
			w.Transfer = callsession.Offer{}
			d.record(KindTransfer, OutcomeSuperseded)
		}
		w.Collaboration = callsession.Offer{}
		d.record(KindCollaboration, OutcomeDirect)
		d.consult = text
		return
	}

	switch {
	case w.Transfer.Pending:
		w.Transfer = callsession.Offer{}
		switch e.classifier.Answer(text) {
		case AnswerConsent:
			d.transfer = true
			d.record(KindTransfer, OutcomeAccepted)
		case AnswerDecline:
			d.record(KindTransfer, OutcomeDeclined)
		default:
			d.record(KindTransfer, OutcomeCleared)
		}

	case w.Collaboration.Pending:
		question := w.Collaboration.UserMessage
		w.Collaboration = callsession.Offer{}
		switch e.classifier.Answer(text) {
		case AnswerConsent:
			if question == "" {
				question = text
			}
			d.consult = question
			d.record(KindCollaboration, OutcomeAccepted)
		case AnswerDecline:
			d.record(KindCollaboration, OutcomeDeclined)
		default:
			d.record(KindCollaboration, OutcomeCleared)
		}
	}
}

// Sweep clears offers older than the offer timeout back to idle. It is run
// from the flush tick.
func (e *Engine) Sweep(ctx context.Context, s *callsession.CallSession) {
	now := e.now()
	var expired []string
	s.Workflow(func(w *callsession.Workflow) {
		if w.Transfer.Expired(now, e.offerTimeout) {
			w.Transfer = callsession.Offer{}
			expired = append(expired, KindTransfer)
		}
		if w.Collaboration.Expired(now, e.offerTimeout) {
			w.Collaboration = callsession.Offer{}
			expired = append(expired, KindCollaboration)
		}
	})
	for _, kind := range expired {
		e.metrics.RecordOffer(ctx, kind, OutcomeTimedOut)
		observe.CallLogger(ctx, observe.Call{SessionID: s.SessionID, CallSID: s.CallSID}).
			Info("workflow: offer timed out", "kind", kind)
	}
}

func (e *Engine) scheduleTransfer(s *callsession.CallSession, log *slog.Logger) {
	if e.redirector == nil {
		log.Warn("workflow: transfer accepted but call control is not configured")
		return
	}
	number := s.Tenant.ContactNumber
	if number == "" {
		log.Warn("workflow: transfer accepted but tenant has no contact number", "tenant_id", s.Tenant.ID)
		return
	}
	if !s.SetPendingTransfer(e.transferDelay, func() { e.executeTransfer(s, number, log) }) {
		log.Debug("workflow: transfer already scheduled or session closed")
	}
}

// executeTransfer runs on the transfer timer's goroutine. Failures and panics
// stay inside it.
func (e *Engine) executeTransfer(s *callsession.CallSession, number string, log *slog.Logger) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("workflow: transfer panicked", "panic", fmt.Sprint(r))
			e.metrics.RecordTransfer(context.Background(), "error")
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), defaultTransferTimeout)
	defer cancel()

	if err := e.redirector.Redirect(ctx, s.CallSID, number); err != nil {
		log.Error("workflow: transfer failed", "err", err)
		e.metrics.RecordTransfer(ctx, "error")
		return
	}
	log.Info("workflow: call transferred", "number", number)
	e.metrics.RecordTransfer(ctx, "ok")
}

func (e *Engine) consult(ctx context.Context, s *callsession.CallSession, message string, log *slog.Logger) {
	if e.collaborator == nil {
		log.Warn("workflow: collaboration requested but no collaborator is configured")
		return
	}
	speech := s.Speech()
	if speech == nil {
		log.Warn("workflow: collaboration requested in degraded mode")
		return
	}

	started := s.Go(ctx, func(ctx context.Context) {
		defer func() {
			if r := recover(); r != nil {
				log.Error("workflow: collaboration panicked", "panic", fmt.Sprint(r))
			}
		}()
		ok, err := e.collaborator.ProcessUserMessage(ctx, s.SessionID, speech, message)
		if err != nil {
			log.Warn("workflow: collaboration failed", "err", err)
			return
		}
		log.Info("workflow: collaboration finished", "answered", ok)
	})
	if !started {
		log.Debug("workflow: session ending, collaboration skipped")
	}
}
