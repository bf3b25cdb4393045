package engine

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zoobzio/capitan"
	"github.com/zoobzio/clockz"
	"github.com/zoobzio/hookz"
	"github.com/zoobzio/tracez"
)

// Hook event keys for the controller's run lifecycle.
const (
	EventRunStarted  = hookz.Key("controller.run_started")
	EventRunFinished = hookz.Key("controller.run_finished")
	EventShotError   = hookz.Key("controller.shot_error")
)

// RunEvent is emitted via hooks on run lifecycle transitions, so external
// systems can observe starts, finishes, and shot failures without polling
// GetMetrics.
type RunEvent struct {
	NThreads  int
	ArrowName string
	Err       error
	Timestamp time.Time
}

// ProcessingController is the engine's external facade: it owns the worker
// pool and drives the topology through run, rescale, pause, drain, stop,
// and join.
//
// Commands are non-blocking flag submissions honored at the scheduler's
// next poll; a user callback that calls RequestStop from inside a shot (or
// from inside a source's Open) can never deadlock the engine.
type ProcessingController struct {
	topology *Topology
	sched    *Scheduler
	clock    clockz.Clock
	tracer   *tracez.Tracer
	hooks    *hookz.Hooks[RunEvent]
	backoff  time.Duration

	mu           sync.Mutex
	workers      []*worker
	retired      []*worker
	nextWorkerID int
	everRan      bool
	runCtx       context.Context
	runCancel    context.CancelFunc

	stopRequested atomic.Bool

	faultMu sync.Mutex
	fault   *ShotError
}

// NewProcessingController creates a controller over t.
func NewProcessingController(t *Topology) *ProcessingController {
	return &ProcessingController{
		topology: t,
		sched:    NewScheduler(t),
		clock:    t.clock,
		tracer:   tracez.New(),
		hooks:    hookz.New[RunEvent](),
		backoff:  DefaultIdleBackoff,
	}
}

// WithIdleBackoff overrides how long idle workers sleep between polls.
func (c *ProcessingController) WithIdleBackoff(d time.Duration) *ProcessingController {
	if d > 0 {
		c.backoff = d
	}
	return c
}

// Topology returns the topology this controller drives.
func (c *ProcessingController) Topology() *Topology { return c.topology }

// Tracer exposes the tracer wrapping worker shots, for span collection.
func (c *ProcessingController) Tracer() *tracez.Tracer { return c.tracer }

// OnRunStarted registers a hook fired when a run begins.
func (c *ProcessingController) OnRunStarted(handler func(context.Context, RunEvent) error) error {
	_, err := c.hooks.Hook(EventRunStarted, handler)
	return err
}

// OnRunFinished registers a hook fired when Join completes finalization.
func (c *ProcessingController) OnRunFinished(handler func(context.Context, RunEvent) error) error {
	_, err := c.hooks.Hook(EventRunFinished, handler)
	return err
}

// OnShotError registers a hook fired when an arrow shot fails.
func (c *ProcessingController) OnShotError(handler func(context.Context, RunEvent) error) error {
	_, err := c.hooks.Hook(EventShotError, handler)
	return err
}

// Initialize initializes the topology. Must be called exactly once,
// before Run.
func (c *ProcessingController) Initialize(ctx context.Context) error {
	return c.topology.Initialize(ctx)
}

// Run transitions the topology to Running and scales the worker pool to
// nthreads (0 means one per core). Idempotent while running.
//
// A stop requested before the first Run - a source interrupting from
// inside Open - makes Run a logged no-op: initialization completes, but
// no worker ever starts and no event is ever emitted.
func (c *ProcessingController) Run(nthreads int) error {
	if nthreads <= 0 {
		nthreads = runtime.NumCPU()
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stopRequested.Load() && !c.everRan {
		capitan.Info(context.Background(), SignalControllerRequest,
			FieldCommand.Field("run skipped: stop requested during initialization"),
		)
		return nil
	}

	if err := c.sched.RunTopology(nthreads); err != nil {
		return err
	}
	c.everRan = true
	if c.runCtx == nil {
		c.runCtx, c.runCancel = context.WithCancel(context.Background())
	}
	c.scaleLocked(nthreads)

	_ = c.hooks.Emit(context.Background(), EventRunStarted, RunEvent{ //nolint:errcheck
		NThreads:  nthreads,
		Timestamp: c.clock.Now(),
	})
	return nil
}

// Scale grows or shrinks the worker pool while running. Shrinking asks the
// excess workers to exit at their next check-in; their current shots
// complete normally.
func (c *ProcessingController) Scale(nthreads int) {
	if nthreads < 1 {
		nthreads = 1
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.runCtx == nil {
		return
	}
	c.scaleLocked(nthreads)
	capitan.Info(context.Background(), SignalControllerScale,
		FieldNThreads.Field(nthreads),
	)
}

func (c *ProcessingController) scaleLocked(nthreads int) {
	// Forget retired workers that have fully exited.
	stillRetiring := c.retired[:0]
	for _, w := range c.retired {
		select {
		case <-w.done:
		default:
			stillRetiring = append(stillRetiring, w)
		}
	}
	c.retired = stillRetiring

	for len(c.workers) > nthreads {
		last := c.workers[len(c.workers)-1]
		last.requestExit()
		c.workers = c.workers[:len(c.workers)-1]
		c.retired = append(c.retired, last)
	}
	for len(c.workers) < nthreads {
		w := newWorker(c.nextWorkerID, c.sched, c.clock, c.tracer, c.backoff, c.recordFault)
		c.nextWorkerID++
		c.workers = append(c.workers, w)
		go w.loop(c.runCtx)
	}
	c.topology.stats.setThreadCount(len(c.workers))
}

// NThreads returns the current worker pool size.
func (c *ProcessingController) NThreads() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, w := range c.workers {
		select {
		case <-w.done:
		default:
			n++
		}
	}
	return n
}

// RequestPause asks the topology to stop dispatching new shots. With
// drain, only sources pause and the rest of the graph flows through to
// the sinks; without, every arrow freezes in place. Non-blocking.
func (c *ProcessingController) RequestPause(drain bool) {
	cmd := cmdPause
	name := "pause"
	if drain {
		cmd = cmdDrain
		name = "drain"
	}
	c.sched.Submit(cmd)
	capitan.Info(context.Background(), SignalControllerRequest,
		FieldCommand.Field(name),
	)
}

// RequestStop is RequestPause plus a flag making Join run finalization
// afterwards. Non-blocking.
func (c *ProcessingController) RequestStop(drain bool) {
	c.stopRequested.Store(true)
	c.RequestPause(drain)
}

// WaitUntilPaused blocks until the topology reaches Paused or Finished.
func (c *ProcessingController) WaitUntilPaused() {
	c.topology.WaitUntilPaused()
}

// Join blocks until the topology has paused and every worker has exited,
// then runs finalization if a stop was requested, the sources exhausted
// themselves, or a shot failed. Returns the first shot error of the run,
// if any.
func (c *ProcessingController) Join(ctx context.Context) error {
	c.topology.WaitUntilPaused()

	c.mu.Lock()
	workers := append(c.workers, c.retired...)
	c.workers = nil
	c.retired = nil
	if c.runCancel != nil {
		c.runCancel()
		c.runCtx, c.runCancel = nil, nil
	}
	everRan := c.everRan
	c.mu.Unlock()

	for _, w := range workers {
		w.requestExit()
	}
	for _, w := range workers {
		<-w.done
	}

	c.faultMu.Lock()
	fault := c.fault
	c.faultMu.Unlock()

	var finishErr error
	if everRan && (c.stopRequested.Load() || fault != nil || c.selfDrained()) {
		finishErr = c.topology.Finish(ctx)
		_ = c.hooks.Emit(ctx, EventRunFinished, RunEvent{ //nolint:errcheck
			Err:       finishErr,
			Timestamp: c.clock.Now(),
		})
	}

	if fault != nil {
		return fault
	}
	return finishErr
}

func (c *ProcessingController) selfDrained() bool {
	c.sched.mu.Lock()
	defer c.sched.mu.Unlock()
	return c.topology.sourcesExhausted()
}

// GetMetrics returns a consistent snapshot of per-arrow and topology
// metrics.
func (c *ProcessingController) GetMetrics() TopologySnapshot {
	return c.sched.Snapshot()
}

func (c *ProcessingController) recordFault(workerID int, _ Arrow, err *ShotError) {
	c.faultMu.Lock()
	first := c.fault == nil
	if first {
		c.fault = err
	}
	c.faultMu.Unlock()

	capitan.Error(context.Background(), SignalArrowError,
		FieldArrowName.Field(err.ArrowName),
		FieldWorkerID.Field(workerID),
		FieldError.Field(err.Error()),
	)
	_ = c.hooks.Emit(context.Background(), EventShotError, RunEvent{ //nolint:errcheck
		ArrowName: err.ArrowName,
		Err:       err,
		Timestamp: err.Timestamp,
	})

	if first {
		// Wind the rest of the topology down; partial progress stays in
		// the metrics and finalizers still run at Join.
		c.sched.Submit(cmdPause)
	}
}
