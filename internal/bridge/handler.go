// Package bridge terminates carrier media streams and bridges them to a
// speech-AI session.
//
// One [Handler] serves every carrier WebSocket. Each accepted connection runs
// a single read loop that demultiplexes carrier frames: start creates the
// call session, media feeds caller audio to the speech session, stop (or a
// disconnect) ends the call. Two pumps per speech session carry agent audio
// back to the carrier and transcript turns into the session buffer and the
// workflow engine. Teardown always goes through the [finalize.Finalizer].
package bridge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/MrWong99/callbridge/internal/admission"
	"github.com/MrWong99/callbridge/internal/callsession"
	"github.com/MrWong99/callbridge/internal/extract"
	"github.com/MrWong99/callbridge/internal/finalize"
	"github.com/MrWong99/callbridge/internal/flush"
	"github.com/MrWong99/callbridge/internal/observe"
	"github.com/MrWong99/callbridge/internal/prompt"
	"github.com/MrWong99/callbridge/internal/safety"
	"github.com/MrWong99/callbridge/pkg/provider/s2s"
	"github.com/MrWong99/callbridge/pkg/store"
)

const (
	defaultMaxPayloadBytes = 16 << 10
	defaultConnectTimeout  = 10 * time.Second
	defaultTeardownTimeout = time.Minute
	defaultWriteTimeout    = 5 * time.Second
)

// errRefused ends the read loop after the connection was closed with a
// reason already sent to the carrier.
var errRefused = errors.New("bridge: stream refused")

// errFrameTooLarge reports a carrier message that cannot hold a media payload
// within MaxPayloadBytes.
var errFrameTooLarge = errors.New("bridge: frame too large")

// Store is the persistence the bridge needs at stream start.
type Store interface {
	store.TenantDirectory
	store.CallLog
}

// TranscriptHandler advances the in-call workflows. It is implemented by
// [workflow.Engine].
type TranscriptHandler interface {
	HandleTranscript(ctx context.Context, s *callsession.CallSession, role store.Role, text string)
}

// Flusher starts the per-session flush task. It is implemented by
// [flush.Scheduler].
type Flusher interface {
	Start(ctx context.Context, s *callsession.CallSession) *flush.Task
}

// Finalizer tears a session down. It is implemented by [finalize.Finalizer].
type Finalizer interface {
	Finalize(ctx context.Context, req finalize.Request) bool
}

// SafetyFilter produces the filtered copy of transcript text.
type SafetyFilter interface {
	Filter(ctx context.Context, text string) (safety.Result, error)
}

// Extractor pulls draft values out of caller text.
type Extractor interface {
	Extract(text string) extract.Draft
}

// Config configures a [Handler]. Admission, Registry, Store, Flusher and
// Finalizer are required.
type Config struct {
	Admission *admission.Controller
	Registry  *callsession.Registry
	Store     Store
	Flusher   Flusher
	Finalizer Finalizer

	// Speech opens the speech-AI session. When nil every call runs degraded.
	Speech s2s.Provider

	// Workflow receives every transcript turn. Optional.
	Workflow TranscriptHandler

	// Safety defaults to [safety.NewFilter].
	Safety SafetyFilter

	// Extractor defaults to [extract.New].
	Extractor Extractor

	// MaxPayloadBytes caps decoded media payloads. Default: 16 KiB.
	MaxPayloadBytes int

	// ConnectTimeout bounds speech session creation. Default: 10s.
	ConnectTimeout time.Duration

	// TeardownTimeout bounds finalization of one call. Default: 1m.
	TeardownTimeout time.Duration

	// Metrics defaults to [observe.DefaultMetrics].
	Metrics *observe.Metrics
}

// Handler is the carrier WebSocket endpoint. It is safe for concurrent use.
type Handler struct {
	cfg Config

	// base is cancelled by Shutdown to end every read loop.
	base   context.Context
	cancel context.CancelFunc
	conns  sync.WaitGroup
}

// New returns a Handler configured by cfg.
func New(cfg Config) *Handler {
	if cfg.Safety == nil {
		cfg.Safety = safety.NewFilter()
	}
	if cfg.Extractor == nil {
		cfg.Extractor = extract.New()
	}
	if cfg.MaxPayloadBytes <= 0 {
		cfg.MaxPayloadBytes = defaultMaxPayloadBytes
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = defaultConnectTimeout
	}
	if cfg.TeardownTimeout <= 0 {
		cfg.TeardownTimeout = defaultTeardownTimeout
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	base, cancel := context.WithCancel(context.Background())
	return &Handler{cfg: cfg, base: base, cancel: cancel}
}

// frameLimit is the largest carrier message read into memory: a base64
// payload of MaxPayloadBytes plus room for the JSON envelope.
func (h *Handler) frameLimit() int64 {
	return int64(h.cfg.MaxPayloadBytes)*2 + 4096
}

// Shutdown ends every active stream as if the carrier had disconnected and
// waits until all of them are finalized or ctx is done.
func (h *Handler) Shutdown(ctx context.Context) error {
	h.cancel()
	done := make(chan struct{})
	go func() {
		h.conns.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ServeHTTP accepts one carrier media stream and serves it until the call
// ends.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.conns.Add(1)
	defer h.conns.Done()

	ctx, span := observe.StartSpan(r.Context(), "bridge.stream")
	defer span.End()
	log := observe.Logger(ctx)

	admitErr := h.cfg.Admission.TryAdmitConnection()

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		if admitErr == nil {
			h.cfg.Admission.ReleaseConnection()
		}
		log.Warn("bridge: websocket accept failed", "err", err)
		span.SetStatus(codes.Error, "accept failed")
		return
	}

	if admitErr != nil {
		h.cfg.Metrics.RecordRejected(ctx, "capacity")
		log.Warn("bridge: rejecting stream", "err", admitErr, "active", h.cfg.Admission.Active())
		span.SetAttributes(attribute.Bool("callbridge.rejected", true))
		conn.Close(websocket.StatusTryAgainLater, "server at capacity")
		return
	}
	h.cfg.Metrics.ActiveCalls.Add(ctx, 1)

	// Frame size is enforced per message by readFrame so an oversized frame
	// is skipped instead of closing the stream.
	conn.SetReadLimit(-1)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(h.base, cancel)
	defer stop()

	c := &call{h: h, conn: conn, log: log}
	c.serve(ctx)
}

// call is the state of one carrier connection. Fields are owned by the read
// loop goroutine; the pumps only read streamSID and session after they are
// set, which happens before the pumps start.
type call struct {
	h    *Handler
	conn *websocket.Conn
	log  *slog.Logger

	streamSID string
	session   *callsession.CallSession
	flushTask *flush.Task
	pumps     sync.WaitGroup
}

func (c *call) serve(ctx context.Context) {
	err := c.readLoop(ctx)
	closeStatus, reason := websocket.StatusNormalClosure, "call ended"
	switch {
	case err == nil, errors.Is(err, errRefused):
	case websocket.CloseStatus(err) != -1, errors.Is(err, context.Canceled):
		c.log.Info("bridge: carrier disconnected", "err", err)
	default:
		c.log.Warn("bridge: read loop ended", "err", err)
		closeStatus, reason = websocket.StatusInternalError, "stream error"
	}
	if !errors.Is(err, errRefused) {
		c.conn.Close(closeStatus, reason)
	}
	c.teardown(ctx)
}

// readLoop returns nil after a stop frame, errRefused after the stream was
// refused, or the read error that ended the stream.
func (c *call) readLoop(ctx context.Context) error {
	for {
		data, err := c.readFrame(ctx)
		if errors.Is(err, errFrameTooLarge) {
			c.h.cfg.Metrics.OversizedFrames.Add(ctx, 1)
			c.log.Warn("bridge: skipping oversized frame", "err", err)
			continue
		}
		if err != nil {
			return err
		}
		f, err := decodeFrame(data)
		if err != nil {
			c.log.Warn("bridge: skipping malformed frame", "err", err)
			continue
		}

		switch f.Event {
		case eventStart:
			if err := c.handleStart(ctx, f); err != nil {
				return err
			}
		case eventMedia:
			c.handleMedia(ctx, f)
		case eventStop:
			c.log.Info("bridge: stop received", "stream_sid", c.streamSID)
			return nil
		case eventConnected, eventMark, eventDTMF:
			c.log.Debug("bridge: ignoring control frame", "event", f.Event)
		default:
			c.log.Debug("bridge: ignoring unknown frame", "event", f.Event)
		}
	}
}

// readFrame reads the next message. A message longer than the frame limit
// is drained and reported as errFrameTooLarge; the connection stays usable.
func (c *call) readFrame(ctx context.Context) ([]byte, error) {
	_, r, err := c.conn.Reader(ctx)
	if err != nil {
		return nil, err
	}
	limit := c.h.frameLimit()
	data, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) <= limit {
		return data, nil
	}
	n, err := io.Copy(io.Discard, r)
	if err != nil {
		return nil, err
	}
	return nil, fmt.Errorf("%w: %d bytes", errFrameTooLarge, int64(len(data))+n)
}

// refuse closes the stream with reason and reports errRefused.
func (c *call) refuse(ctx context.Context, status websocket.StatusCode, metricReason, reason string, err error) error {
	c.h.cfg.Metrics.RecordRejected(ctx, metricReason)
	c.log.Warn("bridge: refusing stream", "reason", reason, "err", err)
	c.conn.Close(status, reason)
	return errRefused
}

func (c *call) handleStart(ctx context.Context, f inboundFrame) error {
	if c.session != nil {
		c.log.Warn("bridge: ignoring duplicate start", "stream_sid", f.streamSID())
		return nil
	}
	info, err := parseStart(f)
	if err != nil {
		return c.refuse(ctx, websocket.StatusPolicyViolation, "invalid_start", "invalid start frame", err)
	}
	c.log = c.log.With("stream_sid", info.StreamSID, "call_sid", info.CallSID)

	tenant, err := c.h.cfg.Store.TenantByPhone(ctx, info.RoutingKey)
	if errors.Is(err, store.ErrTenantNotFound) {
		return c.refuse(ctx, websocket.StatusPolicyViolation, "unknown_tenant", "unknown organisation", err)
	}
	if err != nil {
		return c.refuse(ctx, websocket.StatusTryAgainLater, "store", "tenant lookup failed", err)
	}
	if info.TenantID != "" && info.TenantID != tenant.ID {
		c.log.Warn("bridge: tenant id parameter disagrees with routing key", "param", info.TenantID, "tenant_id", tenant.ID)
	}

	started := time.Now().UTC()
	rec, err := c.h.cfg.Store.EnsureCallRecord(ctx, store.CallRecord{
		CallSID:   info.CallSID,
		TenantID:  tenant.ID,
		From:      info.From,
		To:        info.To,
		Status:    store.CallStatusInProgress,
		StartedAt: started,
	})
	if err != nil {
		return c.refuse(ctx, websocket.StatusTryAgainLater, "store", "call record unavailable", err)
	}

	s, err := c.h.cfg.Registry.Create(callsession.Params{
		SessionID:      info.StreamSID,
		CallSID:        info.CallSID,
		Tenant:         tenant,
		ConversationID: rec.ConversationID,
		CallRecordID:   rec.ID,
		From:           info.From,
		To:             info.To,
		StartedAt:      started,
	})
	if err != nil {
		return c.refuse(ctx, websocket.StatusPolicyViolation, "duplicate", "stream already active", err)
	}
	c.session = s
	c.streamSID = info.StreamSID

	// The session outlives this request's cancellation until finalized.
	sessionCtx := observe.WithCall(context.WithoutCancel(ctx), observe.Call{
		SessionID: s.SessionID,
		CallSID:   s.CallSID,
		TenantID:  tenant.ID,
	})
	c.flushTask = c.h.cfg.Flusher.Start(sessionCtx, s)

	c.log.Info("bridge: call started", "tenant_id", tenant.ID, "conversation_id", rec.ConversationID)
	c.attachSpeech(ctx, sessionCtx, tenant)
	return nil
}

// attachSpeech opens the speech session. Any failure leaves the call running
// in degraded mode.
func (c *call) attachSpeech(ctx, sessionCtx context.Context, tenant store.Tenant) {
	if c.h.cfg.Speech == nil {
		c.degraded(ctx, errors.New("no speech provider configured"))
		return
	}
	cctx, cancel := context.WithTimeout(ctx, c.h.cfg.ConnectTimeout)
	defer cancel()

	sp, err := c.h.cfg.Speech.Connect(cctx, s2s.SessionConfig{
		Voice:        tenant.Voice,
		Instructions: prompt.BuildSystemPrompt(tenant),
	})
	if err != nil {
		c.degraded(ctx, err)
		return
	}
	c.session.AttachSpeech(sp)

	c.pumps.Add(2)
	go c.audioPump(sessionCtx, sp)
	go c.transcriptPump(sessionCtx, sp)

	if err := sp.Greet(prompt.Greeting(tenant)); err != nil {
		c.log.Warn("bridge: greeting failed", "err", err)
	}
}

func (c *call) degraded(ctx context.Context, err error) {
	c.h.cfg.Metrics.DegradedSessions.Add(ctx, 1)
	c.log.Warn("bridge: speech session unavailable, continuing degraded", "err", err)
}

func (c *call) handleMedia(ctx context.Context, f inboundFrame) {
	if c.session == nil {
		c.log.Debug("bridge: media before start dropped")
		return
	}
	if f.Media == nil {
		c.log.Warn("bridge: media frame without payload")
		return
	}
	audio, err := decodeAudio(f.Media.Payload, c.h.cfg.MaxPayloadBytes)
	if err != nil {
		if errors.Is(err, ErrOversizedPayload) {
			c.h.cfg.Metrics.OversizedFrames.Add(ctx, 1)
		}
		c.log.Warn("bridge: skipping media frame", "err", err)
		return
	}
	if !c.h.cfg.Admission.TryAdmitPacket(c.session.SessionID) {
		c.h.cfg.Metrics.DroppedPackets.Add(ctx, 1)
		c.log.Debug("bridge: media packet rate limited")
		return
	}
	sp := c.session.Speech()
	if sp == nil {
		return
	}
	if err := sp.SendAudio(audio); err != nil {
		c.log.Debug("bridge: forwarding audio failed", "err", err)
	}
}

// audioPump writes agent audio to the carrier until the speech session
// closes. It keeps draining after write failures so the provider never
// blocks on a dead carrier connection.
func (c *call) audioPump(ctx context.Context, sp s2s.SessionHandle) {
	defer c.pumps.Done()
	writable := true
	for chunk := range sp.Audio() {
		if !writable {
			continue
		}
		data, err := encodeMedia(c.streamSID, chunk)
		if err != nil {
			c.log.Warn("bridge: encode media failed", "err", err)
			continue
		}
		wctx, cancel := context.WithTimeout(ctx, defaultWriteTimeout)
		err = c.conn.Write(wctx, websocket.MessageText, data)
		cancel()
		if err != nil {
			c.log.Debug("bridge: carrier write failed, discarding further audio", "err", err)
			writable = false
		}
	}
	if err := sp.Err(); err != nil {
		c.log.Warn("bridge: speech session ended with error", "err", err)
	}
}

// transcriptPump turns speech transcripts into buffered records and workflow
// input until the speech session closes.
func (c *call) transcriptPump(ctx context.Context, sp s2s.SessionHandle) {
	defer c.pumps.Done()
	for t := range sp.Transcripts() {
		c.handleTranscript(ctx, t)
	}
}

func roleOf(reported string) store.Role {
	switch reported {
	case s2s.RoleUser:
		return store.RoleCustomer
	case s2s.RoleAssistant:
		return store.RoleAgent
	default:
		return store.RoleSystem
	}
}

// handleTranscript processes one turn: safety filter, buffer, usage,
// extraction and workflow. A failure in any stage skips only this turn.
func (c *call) handleTranscript(ctx context.Context, t s2s.Transcript) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("bridge: transcript processing panicked", "panic", fmt.Sprint(r))
		}
	}()

	text := strings.TrimSpace(t.Text)
	if text == "" {
		return
	}
	s := c.session
	role := roleOf(t.Role)

	meta := map[string]string{"reported_role": t.Role}
	filtered := text
	res, err := c.h.cfg.Safety.Filter(ctx, text)
	if err != nil {
		meta["safety_error"] = err.Error()
		c.log.Warn("bridge: safety filter failed, keeping raw text", "err", err)
	} else {
		filtered = res.Text
		if kinds := res.Kinds(); kinds != "" {
			meta["redactions"] = kinds
		}
	}

	ts := t.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	if !s.Enqueue(store.TranscriptRecord{
		Role:         role,
		Text:         text,
		FilteredText: filtered,
		Timestamp:    ts.UTC(),
		SessionID:    s.SessionID,
		CallSID:      s.CallSID,
		Metadata:     meta,
	}) {
		c.log.Debug("bridge: transcript after session close dropped")
		return
	}
	c.h.cfg.Metrics.RecordTranscript(ctx, string(role))

	words := len(strings.Fields(text))
	switch role {
	case store.RoleCustomer:
		s.AddUsage(words, 0)
		if d := c.h.cfg.Extractor.Extract(text); !d.Empty() {
			s.UpdateDrafts(d.Profile, d.Scheduling)
		}
	case store.RoleAgent:
		s.AddUsage(0, words)
	default:
		return
	}

	if c.h.cfg.Workflow != nil {
		c.h.cfg.Workflow.HandleTranscript(ctx, s, role, text)
	}
}

// teardown finalizes the session, or releases the admission slot directly
// when no session was ever created.
func (c *call) teardown(ctx context.Context) {
	tctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.h.cfg.TeardownTimeout)
	defer cancel()

	if c.session == nil {
		c.h.cfg.Admission.ReleaseConnection()
		c.h.cfg.Metrics.ActiveCalls.Add(tctx, -1)
		return
	}
	c.h.cfg.Finalizer.Finalize(tctx, finalize.Request{
		SessionID: c.session.SessionID,
		Flush:     c.flushTask,
		Drain:     c.pumps.Wait,
	})
}
