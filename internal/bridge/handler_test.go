package bridge

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/callbridge/internal/admission"
	"github.com/MrWong99/callbridge/internal/callsession"
	"github.com/MrWong99/callbridge/internal/finalize"
	"github.com/MrWong99/callbridge/internal/flush"
	"github.com/MrWong99/callbridge/internal/workflow"
	"github.com/MrWong99/callbridge/pkg/provider/s2s"
	s2smock "github.com/MrWong99/callbridge/pkg/provider/s2s/mock"
	"github.com/MrWong99/callbridge/pkg/store"
	"github.com/MrWong99/callbridge/pkg/store/mock"
)

const orgPhone = "+15550100"

type testBridge struct {
	handler  *Handler
	url      string
	store    *mock.Store
	adm      *admission.Controller
	registry *callsession.Registry
	provider *s2smock.Provider
	speech   *s2smock.Session
}

type bridgeOption func(*admission.Config, *Config)

func newTestBridge(t *testing.T, opts ...bridgeOption) *testBridge {
	t.Helper()
	tb := &testBridge{
		store:    mock.New(),
		registry: callsession.NewRegistry(),
		speech:   s2smock.NewSession(),
	}
	tb.provider = &s2smock.Provider{Session: tb.speech}
	tb.store.AddTenant(store.Tenant{ID: "t1", Name: "Acme Dental", PhoneNumber: orgPhone, ContactNumber: "+15550199"})

	admCfg := admission.Config{MaxConnections: 4, PacketsPerWindow: 100, Window: time.Hour}
	cfg := Config{
		Registry: tb.registry,
		Store:    tb.store,
		Speech:   tb.provider,
		Workflow: workflow.New(workflow.Config{}),
	}
	for _, o := range opts {
		o(&admCfg, &cfg)
	}
	tb.adm = admission.New(admCfg)
	t.Cleanup(tb.adm.Close)

	sched := flush.New(flush.Config{Log: tb.store, Interval: time.Hour})
	cfg.Admission = tb.adm
	cfg.Flusher = sched
	cfg.Finalizer = finalize.New(finalize.Config{
		Registry:  tb.registry,
		Store:     tb.store,
		Flusher:   sched,
		Admission: tb.adm,
	})
	tb.handler = New(cfg)

	srv := httptest.NewServer(tb.handler)
	t.Cleanup(srv.Close)
	tb.url = "ws" + strings.TrimPrefix(srv.URL, "http")
	return tb
}

func (tb *testBridge) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, tb.url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.CloseNow() })
	return conn
}

// wait blocks until every stream has been finalized.
func (tb *testBridge) wait(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := tb.handler.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func send(t *testing.T, conn *websocket.Conn, frame any) {
	t.Helper()
	data, err := json.Marshal(frame)
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func startFrame(streamSID string, params map[string]string) map[string]any {
	return map[string]any{
		"event":     "start",
		"streamSid": streamSID,
		"start": map[string]any{
			"streamSid":        streamSID,
			"callSid":          "CA-" + streamSID,
			"customParameters": params,
		},
	}
}

func defaultStart(streamSID string) map[string]any {
	return startFrame(streamSID, map[string]string{"from": "+15551234", "to": orgPhone})
}

func mediaFrame(audio []byte) map[string]any {
	return map[string]any{
		"event": "media",
		"media": map[string]any{"payload": base64.StdEncoding.EncodeToString(audio)},
	}
}

var stopFrame = map[string]any{"event": "stop"}

// closeStatus reads until the server closes the stream and returns the
// close status.
func closeStatus(t *testing.T, conn *websocket.Conn) websocket.StatusCode {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		_, _, err := conn.Read(ctx)
		if err != nil {
			return websocket.CloseStatus(err)
		}
	}
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestBridge_FullCall(t *testing.T) {
	t.Parallel()
	tb := newTestBridge(t)
	conn := tb.dial(t)

	send(t, conn, map[string]any{"event": "connected", "protocol": "Call"})
	send(t, conn, defaultStart("MZ1"))
	send(t, conn, mediaFrame([]byte{0xff, 0x7f, 0x00}))

	waitFor(t, "greeting", func() bool { return len(tb.speech.Greetings()) == 1 })
	if g := tb.speech.Greetings()[0]; !strings.Contains(g, "Acme Dental") {
		t.Errorf("greeting = %q", g)
	}

	// Agent audio reaches the carrier as a media frame.
	tb.speech.PushAudio([]byte{1, 2, 3})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read outbound: %v", err)
	}
	var out outboundMedia
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatal(err)
	}
	if out.Event != "media" || out.StreamSID != "MZ1" || out.Media.Payload != base64.StdEncoding.EncodeToString([]byte{1, 2, 3}) {
		t.Errorf("outbound = %+v", out)
	}

	tb.speech.PushTranscript(s2s.Transcript{Role: s2s.RoleAssistant, Text: "Thank you for calling Acme Dental."})
	tb.speech.PushTranscript(s2s.Transcript{Role: s2s.RoleUser, Text: "Hi, my name is Jane, my email is jane@example.com"})

	send(t, conn, stopFrame)
	if got := closeStatus(t, conn); got != websocket.StatusNormalClosure {
		t.Errorf("close status = %v, want normal", got)
	}
	tb.wait(t)

	sent := tb.speech.SentAudio()
	if len(sent) != 1 || string(sent[0]) != string([]byte{0xff, 0x7f, 0x00}) {
		t.Errorf("forwarded audio = %v", sent)
	}

	var records []store.TranscriptRecord
	for _, b := range tb.store.Committed() {
		records = append(records, b.Records...)
	}
	if len(records) != 2 {
		t.Fatalf("committed records = %d, want 2", len(records))
	}
	customer := records[1]
	if customer.Role != store.RoleCustomer || customer.SessionID != "MZ1" || customer.CallSID != "CA-MZ1" {
		t.Errorf("customer record = %+v", customer)
	}
	if strings.Contains(customer.FilteredText, "jane@example.com") || customer.Metadata["redactions"] != "email" {
		t.Errorf("email not redacted: %+v", customer)
	}
	if customer.Metadata["reported_role"] != s2s.RoleUser {
		t.Errorf("metadata = %v", customer.Metadata)
	}

	calls := tb.store.Calls()
	var recID string
	for _, c := range calls {
		if c.Method == "EndCall" {
			recID = c.Args[0].(string)
		}
	}
	rec, ok := tb.store.CallRecord(recID)
	if !ok || rec.Status != store.CallStatusCompleted || rec.TenantID != "t1" || rec.From != "+15551234" {
		t.Errorf("call record = %+v", rec)
	}
	drafts, ok := tb.store.SavedDrafts(rec.ConversationID)
	if !ok || drafts.Profile["name"] != "Jane" || drafts.Profile["email"] != "jane@example.com" {
		t.Errorf("drafts = %+v", drafts)
	}
	if _, ok := tb.store.Summary(rec.ConversationID); !ok {
		t.Error("summary not saved")
	}

	if tb.speech.Closes() == 0 {
		t.Error("speech session not closed")
	}
	if tb.registry.Len() != 0 || tb.adm.Active() != 0 {
		t.Errorf("registry=%d active=%d after teardown", tb.registry.Len(), tb.adm.Active())
	}
}

func TestBridge_RejectsAtCapacity(t *testing.T) {
	t.Parallel()
	tb := newTestBridge(t, func(a *admission.Config, _ *Config) { a.MaxConnections = 1 })

	first := tb.dial(t)
	send(t, first, defaultStart("MZ1"))
	waitFor(t, "first session", func() bool { return tb.registry.Len() == 1 })

	second := tb.dial(t)
	if got := closeStatus(t, second); got != websocket.StatusTryAgainLater {
		t.Errorf("close status = %v, want try again later", got)
	}
	if tb.adm.Active() != 1 {
		t.Errorf("active = %d, want 1", tb.adm.Active())
	}

	send(t, first, stopFrame)
	closeStatus(t, first)
	tb.wait(t)
	if tb.adm.Active() != 0 {
		t.Errorf("active = %d after teardown", tb.adm.Active())
	}
}

func TestBridge_UnknownTenantRefused(t *testing.T) {
	t.Parallel()
	tb := newTestBridge(t)
	conn := tb.dial(t)

	send(t, conn, startFrame("MZ1", map[string]string{"to": "+19999999"}))
	if got := closeStatus(t, conn); got != websocket.StatusPolicyViolation {
		t.Errorf("close status = %v, want policy violation", got)
	}
	tb.wait(t)

	if tb.registry.Len() != 0 || tb.adm.Active() != 0 {
		t.Errorf("registry=%d active=%d", tb.registry.Len(), tb.adm.Active())
	}
	if tb.store.CallCount("EnsureCallRecord") != 0 {
		t.Error("call record created for unknown tenant")
	}
	if tb.provider.ConnectCount() != 0 {
		t.Error("speech session opened for unknown tenant")
	}
}

func TestBridge_OrgPhoneWinsOverTo(t *testing.T) {
	t.Parallel()
	tb := newTestBridge(t)
	conn := tb.dial(t)

	send(t, conn, startFrame("MZ1", map[string]string{"to": "+19999999", "org_phone": orgPhone, "call_sid": "CA-param"}))
	waitFor(t, "session", func() bool { return tb.registry.Len() == 1 })
	s, _ := tb.registry.Get("MZ1")
	if s.CallSID != "CA-param" || s.Tenant.ID != "t1" {
		t.Errorf("session = %+v", s)
	}
	send(t, conn, stopFrame)
	closeStatus(t, conn)
	tb.wait(t)
}

func TestBridge_DegradedWhenSpeechFails(t *testing.T) {
	t.Parallel()
	tb := newTestBridge(t)
	tb.provider.ConnectErr = errors.New("realtime unavailable")
	conn := tb.dial(t)

	send(t, conn, defaultStart("MZ1"))
	send(t, conn, mediaFrame([]byte{1}))
	send(t, conn, stopFrame)
	if got := closeStatus(t, conn); got != websocket.StatusNormalClosure {
		t.Errorf("close status = %v", got)
	}
	tb.wait(t)

	if tb.store.CallCount("EndCall") != 1 {
		t.Error("degraded call not finalized")
	}
	if len(tb.speech.SentAudio()) != 0 {
		t.Error("audio forwarded without a speech session")
	}
}

func TestBridge_NoSpeechProvider(t *testing.T) {
	t.Parallel()
	tb := newTestBridge(t, func(_ *admission.Config, c *Config) { c.Speech = nil })
	conn := tb.dial(t)

	send(t, conn, defaultStart("MZ1"))
	send(t, conn, stopFrame)
	closeStatus(t, conn)
	tb.wait(t)
	if tb.store.CallCount("EndCall") != 1 {
		t.Error("call not finalized")
	}
}

func TestBridge_MediaGuards(t *testing.T) {
	t.Parallel()
	tb := newTestBridge(t, func(a *admission.Config, c *Config) {
		a.PacketsPerWindow = 3
		c.MaxPayloadBytes = 8
	})
	conn := tb.dial(t)

	send(t, conn, mediaFrame([]byte{9})) // before start
	send(t, conn, defaultStart("MZ1"))
	send(t, conn, map[string]any{"event": "media", "media": map[string]any{"payload": "!!not base64!!"}})
	send(t, conn, mediaFrame(make([]byte, 64))) // oversized
	send(t, conn, mediaFrame([]byte{1}))
	send(t, conn, mediaFrame([]byte{2}))
	send(t, conn, mediaFrame([]byte{3}))
	send(t, conn, mediaFrame([]byte{4})) // over the packet cap
	conn.Write(context.Background(), websocket.MessageText, []byte("{not json"))
	send(t, conn, map[string]any{"event": "mark", "mark": map[string]any{"name": "m1"}})
	send(t, conn, map[string]any{"event": "dtmf", "dtmf": map[string]any{"digit": "5"}})
	send(t, conn, map[string]any{"event": "something-new"})
	send(t, conn, stopFrame)
	if got := closeStatus(t, conn); got != websocket.StatusNormalClosure {
		t.Errorf("close status = %v; bad frames must not end the stream", got)
	}
	tb.wait(t)

	// Rejected frames do not count against the packet window.
	sent := tb.speech.SentAudio()
	if len(sent) != 3 {
		t.Fatalf("forwarded %d chunks, want 3: %v", len(sent), sent)
	}
	for i, chunk := range sent {
		if len(chunk) != 1 || chunk[0] != byte(i+1) {
			t.Errorf("chunk %d = %v, want [%d]", i, chunk, i+1)
		}
	}
}

func TestBridge_FrameAboveReadLimitSkipped(t *testing.T) {
	t.Parallel()
	tb := newTestBridge(t, func(_ *admission.Config, c *Config) { c.MaxPayloadBytes = 8 })
	conn := tb.dial(t)

	send(t, conn, defaultStart("MZ1"))
	big := mediaFrame(make([]byte, 8<<10))
	if data, _ := json.Marshal(big); int64(len(data)) <= tb.handler.frameLimit() {
		t.Fatalf("frame of %d bytes does not exceed the read limit", len(data))
	}
	send(t, conn, big)
	send(t, conn, mediaFrame([]byte{1}))
	send(t, conn, stopFrame)

	if got := closeStatus(t, conn); got != websocket.StatusNormalClosure {
		t.Errorf("close status = %v, want normal closure", got)
	}
	tb.wait(t)

	sent := tb.speech.SentAudio()
	if len(sent) != 1 || sent[0][0] != 1 {
		t.Errorf("forwarded = %v, want only [1]", sent)
	}
	if tb.store.CallCount("EndCall") != 1 {
		t.Error("call not finalized")
	}
}

func TestBridge_DisconnectWithoutStopFinalizes(t *testing.T) {
	t.Parallel()
	tb := newTestBridge(t)
	conn := tb.dial(t)

	send(t, conn, defaultStart("MZ1"))
	waitFor(t, "session", func() bool { return tb.registry.Len() == 1 })
	tb.speech.PushTranscript(s2s.Transcript{Role: s2s.RoleUser, Text: "are you there?"})
	conn.CloseNow()

	waitFor(t, "finalization", func() bool { return tb.store.CallCount("EndCall") == 1 })
	tb.wait(t)

	total := 0
	for _, b := range tb.store.Committed() {
		total += len(b.Records)
	}
	if total != 1 {
		t.Errorf("committed records = %d, want 1", total)
	}
	if tb.adm.Active() != 0 {
		t.Errorf("active = %d", tb.adm.Active())
	}
}

func TestBridge_ShutdownEndsActiveStreams(t *testing.T) {
	t.Parallel()
	tb := newTestBridge(t)
	conn := tb.dial(t)

	send(t, conn, defaultStart("MZ1"))
	waitFor(t, "session", func() bool { return tb.registry.Len() == 1 })

	tb.wait(t)
	if tb.registry.Len() != 0 || tb.store.CallCount("EndCall") != 1 {
		t.Errorf("registry=%d endcalls=%d", tb.registry.Len(), tb.store.CallCount("EndCall"))
	}
	if got := closeStatus(t, conn); got != websocket.StatusNormalClosure {
		t.Errorf("close status = %v", got)
	}
}

func TestBridge_DuplicateStreamRefused(t *testing.T) {
	t.Parallel()
	tb := newTestBridge(t)

	first := tb.dial(t)
	send(t, first, defaultStart("MZ1"))
	waitFor(t, "first session", func() bool { return tb.registry.Len() == 1 })

	second := tb.dial(t)
	send(t, second, defaultStart("MZ1"))
	if got := closeStatus(t, second); got != websocket.StatusPolicyViolation {
		t.Errorf("close status = %v, want policy violation", got)
	}
	if tb.registry.Len() != 1 {
		t.Error("original session must survive a duplicate start")
	}

	send(t, first, stopFrame)
	closeStatus(t, first)
	tb.wait(t)
	if tb.adm.Active() != 0 {
		t.Errorf("active = %d", tb.adm.Active())
	}
}
