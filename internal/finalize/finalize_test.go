package finalize

import (
	"context"
	"errors"
	"math"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/MrWong99/callbridge/internal/callsession"
	"github.com/MrWong99/callbridge/internal/flush"
	"github.com/MrWong99/callbridge/internal/observe"
	s2smock "github.com/MrWong99/callbridge/pkg/provider/s2s/mock"
	"github.com/MrWong99/callbridge/pkg/store"
	"github.com/MrWong99/callbridge/pkg/store/mock"
)

type fakeAdmission struct {
	released atomic.Int32
	mu       sync.Mutex
	forgot   []string
}

func (a *fakeAdmission) ReleaseConnection() { a.released.Add(1) }
func (a *fakeAdmission) Forget(id string) {
	a.mu.Lock()
	a.forgot = append(a.forgot, id)
	a.mu.Unlock()
}

type fakeCollab struct{ cleaned atomic.Int32 }

func (c *fakeCollab) Cleanup(string) { c.cleaned.Add(1) }

type fakeSummariser struct {
	text   string
	err    error
	panics bool
	got    []store.TranscriptRecord
}

func (s *fakeSummariser) Summarise(_ context.Context, _ string, records []store.TranscriptRecord) (string, error) {
	s.got = records
	if s.panics {
		panic("boom")
	}
	return s.text, s.err
}

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	st        *mock.Store
	reg       *callsession.Registry
	sched     *flush.Scheduler
	adm       *fakeAdmission
	collab    *fakeCollab
	sum       *fakeSummariser
	speech    *s2smock.Session
	session   *callsession.CallSession
	fin       *Finalizer
	reader    *sdkmetric.ManualReader
	drainRuns atomic.Int32
}

func newFixture(t *testing.T, callLength time.Duration) *fixture {
	t.Helper()
	f := &fixture{
		st:     mock.New(),
		reg:    callsession.NewRegistry(),
		adm:    &fakeAdmission{},
		collab: &fakeCollab{},
		sum:    &fakeSummariser{text: "Caller booked a cleaning."},
		speech: s2smock.NewSession(),
	}
	f.reader = sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(f.reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	metrics, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatal(err)
	}

	rec, err := f.st.EnsureCallRecord(context.Background(), store.CallRecord{CallSID: "CA1", TenantID: "t1", StartedAt: t0})
	if err != nil {
		t.Fatal(err)
	}
	f.session, err = f.reg.Create(callsession.Params{
		SessionID:      "MZ1",
		CallSID:        "CA1",
		Tenant:         store.Tenant{ID: "t1", Name: "Acme"},
		ConversationID: rec.ConversationID,
		CallRecordID:   rec.ID,
		StartedAt:      t0.In(time.FixedZone("CET", 3600)),
	})
	if err != nil {
		t.Fatal(err)
	}
	f.session.AttachSpeech(f.speech)

	f.sched = flush.New(flush.Config{Log: f.st, Interval: time.Hour, Metrics: metrics})
	f.fin = New(Config{
		Registry:     f.reg,
		Store:        f.st,
		Flusher:      f.sched,
		Summariser:   f.sum,
		Collaborator: f.collab,
		Admission:    f.adm,
		Rates:        Rates{STTWord: 0.01, TTSWord: 0.02, Minute: 0.5},
		Metrics:      metrics,
	})
	f.fin.now = func() time.Time { return t0.Add(callLength) }
	return f
}

func (f *fixture) request() Request {
	return Request{
		SessionID: "MZ1",
		Flush:     f.sched.Start(context.Background(), f.session),
		Drain:     func() { f.drainRuns.Add(1) },
	}
}

func (f *fixture) finalizeErrors(t *testing.T, step string) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := f.reader.Collect(context.Background(), &rm); err != nil {
		t.Fatal(err)
	}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != "callbridge.finalize.errors" {
				continue
			}
			for _, dp := range m.Data.(metricdata.Sum[int64]).DataPoints {
				if v, ok := dp.Attributes.Value(attribute.Key("step")); ok && v.AsString() == step {
					return dp.Value
				}
			}
		}
	}
	return 0
}

func methodIndex(calls []mock.Call, method string) int {
	return slices.IndexFunc(calls, func(c mock.Call) bool { return c.Method == method })
}

func TestFinalize_FullTeardown(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 90*time.Second)
	for _, text := range []string{"1", "2", "3", "4", "5"} {
		f.session.Enqueue(store.TranscriptRecord{Role: store.RoleCustomer, Text: text})
	}
	f.session.AddUsage(10, 20)
	f.session.UpdateDrafts(map[string]string{"name": "Jane"}, map[string]string{"preferred_day": "friday"})

	if !f.fin.Finalize(context.Background(), f.request()) {
		t.Fatal("Finalize should claim the session")
	}

	// Buffered records are committed before the call is marked ended.
	batches := f.st.Committed()
	if len(batches) != 1 || len(batches[0].Records) != 5 {
		t.Fatalf("committed = %+v", batches)
	}
	calls := f.st.Calls()
	if methodIndex(calls, "CommitBatch") > methodIndex(calls, "EndCall") {
		t.Error("EndCall ran before the final flush")
	}

	rec, _ := f.st.CallRecord(f.session.CallRecordID)
	if rec.Status != store.CallStatusCompleted {
		t.Errorf("status = %q", rec.Status)
	}
	if rec.Duration != 90*time.Second {
		t.Errorf("duration = %v, want 90s", rec.Duration)
	}
	// 10*0.01 + 20*0.02 + 1.5*0.5
	if math.Abs(rec.Cost-1.25) > 1e-9 {
		t.Errorf("cost = %v, want 1.25", rec.Cost)
	}

	var minutes *store.UsageRecord
	for _, u := range f.st.Usage() {
		if u.Kind == store.UsageCallMinutes {
			minutes = &u
		}
	}
	if minutes == nil || minutes.Amount != 1.5 || minutes.TenantID != "t1" {
		t.Errorf("minutes usage = %+v", minutes)
	}

	if got, _ := f.st.Summary(f.session.ConversationID); got != "Caller booked a cleaning." {
		t.Errorf("summary = %q", got)
	}
	if len(f.sum.got) != 5 {
		t.Errorf("summariser saw %d records, want 5", len(f.sum.got))
	}
	d, ok := f.st.SavedDrafts(f.session.ConversationID)
	if !ok || d.Profile["name"] != "Jane" || d.Scheduling["preferred_day"] != "friday" {
		t.Errorf("drafts = %+v", d)
	}

	if f.speech.Closes() != 1 || f.drainRuns.Load() != 1 {
		t.Errorf("speech closes = %d, drains = %d", f.speech.Closes(), f.drainRuns.Load())
	}
	if f.collab.cleaned.Load() != 1 {
		t.Error("collaboration not cleaned up")
	}
	if f.adm.released.Load() != 1 || len(f.adm.forgot) != 1 || f.adm.forgot[0] != "MZ1" {
		t.Errorf("admission released=%d forgot=%v", f.adm.released.Load(), f.adm.forgot)
	}
	if f.reg.Len() != 0 {
		t.Error("session still registered")
	}
	if !f.session.Closed() {
		t.Error("session not closed")
	}
}

func TestFinalize_ExactlyOnce(t *testing.T) {
	t.Parallel()
	f := newFixture(t, time.Minute)
	req := f.request()

	var wins atomic.Int32
	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if f.fin.Finalize(context.Background(), req) {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	if wins.Load() != 1 {
		t.Errorf("finalizations = %d, want 1", wins.Load())
	}
	if f.adm.released.Load() != 1 {
		t.Errorf("released = %d, want 1", f.adm.released.Load())
	}
	if got := f.st.CallCount("EndCall"); got != 1 {
		t.Errorf("EndCall calls = %d, want 1", got)
	}
}

func TestFinalize_UnknownSession(t *testing.T) {
	t.Parallel()
	f := newFixture(t, time.Minute)
	if f.fin.Finalize(context.Background(), Request{SessionID: "nope"}) {
		t.Error("unknown session should not finalize")
	}
	if f.adm.released.Load() != 0 {
		t.Error("admission released for unknown session")
	}
}

func TestFinalize_StepFailuresAreIsolated(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 2*time.Minute)
	f.st.UsageForCallErr = errors.New("ledger down")
	f.st.SaveSummaryErr = errors.New("db down")
	f.speech.CloseErr = errors.New("already gone")
	f.sum.panics = true
	f.session.Enqueue(store.TranscriptRecord{Role: store.RoleCustomer, Text: "hi"})
	f.session.UpdateDrafts(map[string]string{"email": "a@b.io"}, nil)

	if !f.fin.Finalize(context.Background(), f.request()) {
		t.Fatal("Finalize should claim the session")
	}

	if f.st.CallCount("SetCallCost") != 0 {
		t.Error("cost must not be computed without usage")
	}
	if _, ok := f.st.SavedDrafts(f.session.ConversationID); !ok {
		t.Error("drafts step skipped after earlier failures")
	}
	if f.collab.cleaned.Load() != 1 || f.adm.released.Load() != 1 {
		t.Error("cleanup and release must still run")
	}
	for _, step := range []string{StepSpeech, StepCost, StepSummary} {
		if got := f.finalizeErrors(t, step); got != 1 {
			t.Errorf("finalize errors for %s = %d, want 1", step, got)
		}
	}
}

// panickingStore fails the post-call lookups with a panic.
type panickingStore struct{ *mock.Store }

func (panickingStore) UsageForCall(context.Context, string) ([]store.UsageRecord, error) {
	panic("usage ledger exploded")
}

func (panickingStore) Transcript(context.Context, string) ([]store.TranscriptRecord, error) {
	panic("transcript read exploded")
}

func TestFinalize_LookupPanicsAreIsolated(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 2*time.Minute)
	f.fin.cfg.Store = panickingStore{f.st}

	if !f.fin.Finalize(context.Background(), f.request()) {
		t.Fatal("Finalize should claim the session")
	}

	if f.st.CallCount("SetCallCost") != 0 {
		t.Error("cost must not be computed without usage")
	}
	if summary, ok := f.st.Summary(f.session.ConversationID); !ok || summary == "" {
		t.Error("summary step must still save the fallback summary")
	}
	if f.adm.released.Load() != 1 {
		t.Error("release must still run")
	}
	if got := f.finalizeErrors(t, StepCost); got != 1 {
		t.Errorf("finalize errors for %s = %d, want 1", StepCost, got)
	}
}

func TestFinalize_StopsBackgroundWork(t *testing.T) {
	t.Parallel()
	f := newFixture(t, time.Minute)
	cancelled := make(chan struct{})
	f.session.Go(context.Background(), func(ctx context.Context) {
		<-ctx.Done()
		close(cancelled)
	})

	done := make(chan struct{})
	go func() {
		f.fin.Finalize(context.Background(), f.request())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("Finalize blocked on background work")
	}
	select {
	case <-cancelled:
	default:
		t.Error("background work was not cancelled before Finalize returned")
	}
}

func TestFinalize_FallbackSummary(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 30*time.Second)
	f.sum.err = errors.New("llm unavailable")
	f.session.Enqueue(store.TranscriptRecord{Role: store.RoleCustomer, Text: "I need a quote"})
	f.session.Enqueue(store.TranscriptRecord{Role: store.RoleAgent, Text: "Sure"})

	f.fin.Finalize(context.Background(), f.request())

	got, _ := f.st.Summary(f.session.ConversationID)
	if !strings.HasPrefix(got, "Call lasted 30s with 1 caller and 1 agent turns.") {
		t.Errorf("summary = %q", got)
	}
}

func TestFinalize_FlushFailureRetried(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 30*time.Second)
	var failures atomic.Int32
	f.st.CommitBatchHook = func(store.Batch) {
		// Fail only the task's final flush.
		if failures.Add(1) == 1 {
			f.st.CommitBatchErr = errors.New("blip")
		} else {
			f.st.CommitBatchErr = nil
		}
	}
	f.session.Enqueue(store.TranscriptRecord{Role: store.RoleCustomer, Text: "keep me"})

	f.fin.Finalize(context.Background(), f.request())

	if got := len(f.st.Committed()); got != 1 {
		t.Errorf("committed batches = %d, want 1", got)
	}
}

func TestFinalize_NonPositiveDurationSkipsCost(t *testing.T) {
	t.Parallel()
	for _, length := range []time.Duration{0, -time.Minute} {
		f := newFixture(t, length)
		f.fin.Finalize(context.Background(), f.request())
		if f.st.CallCount("SetCallCost") != 0 || f.st.CallCount("RecordUsage") != 0 {
			t.Errorf("length %v: cost recorded", length)
		}
		if f.adm.released.Load() != 1 {
			t.Errorf("length %v: not released", length)
		}
	}
}

func TestFinalize_DegradedSession(t *testing.T) {
	t.Parallel()
	f := newFixture(t, time.Minute)
	f.session.AttachSpeech(nil)

	if !f.fin.Finalize(context.Background(), f.request()) {
		t.Fatal("Finalize should claim the session")
	}
	if f.finalizeErrors(t, StepSpeech) != 0 {
		t.Error("degraded session should close cleanly")
	}
}

func TestCost(t *testing.T) {
	t.Parallel()
	rates := Rates{STTWord: 0.001, TTSWord: 0.002, Minute: 0.1}
	usage := []store.UsageRecord{
		{Kind: store.UsageSTTWords, Amount: 100},
		{Kind: store.UsageTTSWords, Amount: 50},
		{Kind: store.UsageSTTWords, Amount: 100},
		{Kind: store.UsageCallMinutes, Amount: 99},
	}
	if got := Cost(rates, usage, 3*time.Minute); math.Abs(got-0.6) > 1e-9 {
		t.Errorf("Cost = %v, want 0.6", got)
	}
}
