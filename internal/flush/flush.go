// Package flush batches transcript records into durable storage.
//
// The read loop only ever calls [callsession.CallSession.Enqueue], which never
// performs I/O. A per-session [Task] started by [Scheduler.Start] commits the
// buffer on a fixed interval and runs the workflow timeout sweep on the same
// tick. Stopping the task performs one last synchronous flush, so nothing
// enqueued before teardown is lost.
package flush

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/callbridge/internal/callsession"
	"github.com/MrWong99/callbridge/internal/observe"
	"github.com/MrWong99/callbridge/pkg/store"
)

const (
	defaultInterval     = 3 * time.Second
	defaultFinalTimeout = 10 * time.Second
)

// Sweeper expires stale workflow offers. It is implemented by
// [workflow.Engine].
type Sweeper interface {
	Sweep(ctx context.Context, s *callsession.CallSession)
}

// Config configures a [Scheduler].
type Config struct {
	// Log receives committed batches. Required.
	Log store.ConversationLog

	// Sweeper runs on every tick. Optional.
	Sweeper Sweeper

	// Interval is the period between flushes. Default: 3s.
	Interval time.Duration

	// FinalTimeout bounds the flush performed when a task stops. Default: 10s.
	FinalTimeout time.Duration

	// Metrics records flush latency and failures. Defaults to
	// [observe.DefaultMetrics].
	Metrics *observe.Metrics
}

// Scheduler flushes call sessions. It holds no per-session state and is safe
// for concurrent use.
type Scheduler struct {
	log          store.ConversationLog
	sweeper      Sweeper
	interval     time.Duration
	finalTimeout time.Duration
	metrics      *observe.Metrics
}

// New returns a Scheduler configured by cfg.
func New(cfg Config) *Scheduler {
	s := &Scheduler{
		log:          cfg.Log,
		sweeper:      cfg.Sweeper,
		interval:     cfg.Interval,
		finalTimeout: cfg.FinalTimeout,
		metrics:      cfg.Metrics,
	}
	if s.interval <= 0 {
		s.interval = defaultInterval
	}
	if s.finalTimeout <= 0 {
		s.finalTimeout = defaultFinalTimeout
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	return s
}

// FlushNow commits every buffered record of cs in one batch. On failure the
// buffer is left untouched for the next attempt and the error is logged and
// returned. An empty buffer is a no-op.
func (s *Scheduler) FlushNow(ctx context.Context, cs *callsession.CallSession) error {
	start := time.Now()
	n, err := cs.Flush(ctx, s.log.CommitBatch)
	if n == 0 && err == nil {
		return nil
	}
	s.metrics.RecordFlush(ctx, time.Since(start), err)
	if err != nil {
		callLogger(ctx, cs).Error("flush: commit failed, records kept for retry",
			"pending", cs.PendingCount(),
			"err", err,
		)
		return err
	}
	callLogger(ctx, cs).Debug("flush: committed", "records", n)
	return nil
}

func callLogger(ctx context.Context, cs *callsession.CallSession) *slog.Logger {
	return observe.CallLogger(ctx, observe.Call{SessionID: cs.SessionID, CallSID: cs.CallSID})
}

// Start launches the periodic flush task for cs. The task runs until
// [Task.Stop] is called or ctx is cancelled; in both cases it flushes one
// final time before exiting.
func (s *Scheduler) Start(ctx context.Context, cs *callsession.CallSession) *Task {
	ctx, cancel := context.WithCancel(ctx)
	t := &Task{cancel: cancel, done: make(chan struct{})}
	go s.loop(ctx, cs, t.done)
	return t
}

func (s *Scheduler) loop(ctx context.Context, cs *callsession.CallSession, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.final(ctx, cs)
			return
		case <-ticker.C:
			_ = s.FlushNow(ctx, cs)
			if s.sweeper != nil {
				s.sweeper.Sweep(ctx, cs)
			}
		}
	}
}

// final flushes on a context detached from the cancelled task context.
func (s *Scheduler) final(ctx context.Context, cs *callsession.CallSession) {
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.finalTimeout)
	defer cancel()
	_ = s.FlushNow(fctx, cs)
}

// Task is a running per-session flush loop.
type Task struct {
	cancel   context.CancelFunc
	done     chan struct{}
	stopOnce sync.Once
}

// Stop cancels the task and blocks until its final flush has completed.
// Safe to call multiple times.
func (t *Task) Stop() {
	t.stopOnce.Do(t.cancel)
	<-t.done
}

// Done is closed once the task has exited.
func (t *Task) Done() <-chan struct{} { return t.done }
