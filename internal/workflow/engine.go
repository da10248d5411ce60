// Package workflow coordinates sessions, QC steps and their timers.
//
// An Engine owns the session registry, the step tracker and the task scheduler.
// None of them is safe for concurrent use, so every operation runs as a closure
// on the engine's loop goroutine (see Run). Commands are taken in arrival order,
// which keeps start and complete decisions for a repeated key deterministic.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rpggio/qcflow/internal/apperr"
	"github.com/rpggio/qcflow/internal/domain/qcstep"
	"github.com/rpggio/qcflow/internal/domain/session"
	"github.com/rpggio/qcflow/internal/events"
	"github.com/rpggio/qcflow/internal/ratelimit"
	"github.com/rpggio/qcflow/internal/repository"
	"github.com/rpggio/qcflow/internal/scheduler"
)

// ErrClosed is returned once the engine loop has stopped.
var ErrClosed = errors.New("workflow engine closed")

// commandTimeout bounds a single command on the loop, including its store writes.
const commandTimeout = 30 * time.Second

type request struct {
	ctx  context.Context
	fn   func(ctx context.Context)
	done chan struct{}
}

// Engine is the workflow orchestrator.
type Engine struct {
	adapter  repository.Adapter
	clock    clockwork.Clock
	sched    *scheduler.Scheduler
	registry *session.Registry
	tracker  *qcstep.Tracker
	events   events.Publisher
	stats    *statsCollector
	logger   *slog.Logger
	opts     Options

	// loopCtx is the context of the running loop, used by scheduled tasks.
	loopCtx context.Context

	requests  chan request
	quit      chan struct{}
	stopped   chan struct{}
	running   atomic.Bool
	closeOnce sync.Once
}

// New assembles an engine. limiter may be nil to disable rate limiting; publisher
// receives every event after the engine's own statistics have seen it.
func New(
	adapter repository.Adapter,
	limiter ratelimit.Limiter,
	publisher events.Publisher,
	clock clockwork.Clock,
	logger *slog.Logger,
	opts Options,
) *Engine {
	if publisher == nil {
		publisher = events.Discard
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = DefaultSweepInterval
	}
	opts.Tracker.ResetSessionAfterCompletion = opts.AutoResetAfterQC

	e := &Engine{
		adapter:  adapter,
		clock:    clock,
		sched:    scheduler.New(clock),
		events:   publisher,
		stats:    newStatsCollector(clock.Now()),
		logger:   logger,
		opts:     opts,
		loopCtx:  context.Background(),
		requests: make(chan request),
		quit:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}

	pub := publisherFunc(e.publish)
	e.tracker = qcstep.NewTracker(adapter, e.sched, pub, logger.With("component", "qcstep"), opts.Tracker)
	e.registry = session.NewRegistry(adapter, sessionReleaser{e}, limiter, pub, clock,
		logger.With("component", "session"), opts.Registry)
	return e
}

type publisherFunc func(events.Event)

func (f publisherFunc) Publish(evt events.Event) { f(evt) }

func (e *Engine) publish(evt events.Event) {
	if evt.At.IsZero() {
		evt.At = e.clock.Now()
	}
	e.stats.observe(evt)
	e.events.Publish(evt)
}

// sessionReleaser runs when a session ends: it aborts the session's steps and
// drops its pending auto-reset so no task outlives the session.
type sessionReleaser struct {
	e *Engine
}

func (r sessionReleaser) AbortAllForSession(ctx context.Context, sessionID, reason string) (int, error) {
	r.e.sched.Cancel(scheduler.ResetTask(sessionID))
	return r.e.tracker.AbortAllForSession(ctx, sessionID, reason)
}

// Start runs the loop on a new goroutine.
func (e *Engine) Start(ctx context.Context) {
	e.running.Store(true)
	go func() {
		if err := e.run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			e.logger.Error("workflow loop stopped", "error", err)
		}
	}()
}

// Run processes commands and due tasks until ctx is cancelled or Close is called.
func (e *Engine) Run(ctx context.Context) error {
	e.running.Store(true)
	return e.run(ctx)
}

func (e *Engine) run(ctx context.Context) error {
	defer close(e.stopped)
	e.loopCtx = ctx
	e.armSweep()
	e.logger.Info("workflow loop started", "sweep_interval", e.opts.SweepInterval)

	for {
		var (
			timer  clockwork.Timer
			timerC <-chan time.Time
		)
		if next, ok := e.sched.Next(); ok {
			wait := next.Sub(e.clock.Now())
			if wait <= 0 {
				e.sched.RunDue()
				continue
			}
			timer = e.clock.NewTimer(wait)
			timerC = timer.Chan()
		}

		select {
		case <-ctx.Done():
			stopTimer(timer)
			return ctx.Err()
		case <-e.quit:
			stopTimer(timer)
			return nil
		case req := <-e.requests:
			stopTimer(timer)
			e.serve(req)
		case <-timerC:
			e.sched.RunDue()
		}
	}
}

func stopTimer(t clockwork.Timer) {
	if t != nil {
		t.Stop()
	}
}

func (e *Engine) serve(req request) {
	defer close(req.done)
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("workflow command panicked", "panic", r)
		}
	}()
	// Commands outlive the caller's cancellation, bounded by commandTimeout.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(req.ctx), commandTimeout)
	defer cancel()
	req.fn(ctx)
}

// exec runs fn on the loop and waits for it to finish.
func (e *Engine) exec(ctx context.Context, fn func(ctx context.Context)) error {
	req := request{ctx: ctx, fn: fn, done: make(chan struct{})}
	select {
	case e.requests <- req:
	case <-ctx.Done():
		return ctx.Err()
	case <-e.stopped:
		return ErrClosed
	}
	select {
	case <-req.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// LoadResult summarizes startup reconstruction.
type LoadResult struct {
	Sessions int `json:"sessions"`
	Steps    int `json:"steps"`
	Orphaned int `json:"orphaned"`
}

// Load rebuilds the live maps from the adapter. Persisted steps whose session
// is no longer active are aborted as orphaned; restored steps get their
// deadlines re-armed.
func (e *Engine) Load(ctx context.Context) (LoadResult, error) {
	var (
		res     LoadResult
		loadErr error
	)
	err := e.exec(ctx, func(ctx context.Context) {
		res, loadErr = e.load(ctx)
	})
	if err != nil {
		return LoadResult{}, err
	}
	return res, loadErr
}

func (e *Engine) load(ctx context.Context) (LoadResult, error) {
	var res LoadResult
	n, err := e.registry.Restore(ctx)
	if err != nil {
		return res, fmt.Errorf("restoring sessions: %w", err)
	}
	res.Sessions = n

	var steps []qcstep.Step
	err = apperr.Retry(ctx, "load active qc steps", func() error {
		var err error
		steps, err = e.adapter.LoadActiveQCSteps(ctx)
		return err
	})
	if err != nil {
		return res, fmt.Errorf("restoring qc steps: %w", err)
	}

	now := e.clock.Now()
	keep := make([]qcstep.Step, 0, len(steps))
	for _, step := range steps {
		if _, ok := e.registry.Get(step.SessionID); ok {
			keep = append(keep, step)
			continue
		}
		res.Orphaned++
		if _, err := e.adapter.AbortQCStep(ctx, step.Key, "orphaned", now); err != nil {
			e.logger.Error("aborting orphaned qc step", "scan_key", step.Key, "session_id", step.SessionID, "error", err)
		}
	}

	for _, step := range e.tracker.Restore(keep) {
		if step.Status == qcstep.StatusActive {
			e.armDeadline(step)
		}
		res.Steps++
	}

	e.logger.Info("workflow state restored",
		"sessions", res.Sessions, "steps", res.Steps, "orphaned", res.Orphaned)
	return res, nil
}

// Tick runs every task that is due at the current clock reading.
func (e *Engine) Tick(ctx context.Context) (int, error) {
	var ran int
	err := e.exec(ctx, func(context.Context) {
		ran = e.sched.RunDue()
	})
	return ran, err
}

// Close stops the loop. With AbortStepsOnShutdown every in-progress step is
// aborted first; otherwise live state is left for the next Load.
func (e *Engine) Close(ctx context.Context) error {
	var abortErr error
	if e.opts.AbortStepsOnShutdown && e.running.Load() {
		err := e.exec(ctx, func(ctx context.Context) {
			var n int
			n, abortErr = e.tracker.AbortAll(ctx, "shutdown")
			e.logger.Info("aborted qc steps for shutdown", "count", n)
		})
		if err != nil && !errors.Is(err, ErrClosed) {
			return err
		}
	}

	e.closeOnce.Do(func() { close(e.quit) })
	if !e.running.Load() {
		return abortErr
	}
	select {
	case <-e.stopped:
	case <-ctx.Done():
		return ctx.Err()
	}
	return abortErr
}
