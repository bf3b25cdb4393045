package engine

import (
	"context"
	"errors"
	"sync"

	"github.com/zoobzio/capitan"
	"github.com/zoobzio/clockz"
)

// TopologyStatus is the topology's lifecycle state.
type TopologyStatus int

const (
	TopologyUninitialized TopologyStatus = iota
	TopologyRunning
	TopologyPausing
	TopologyPaused
	TopologyDraining
	TopologyFinished
)

func (s TopologyStatus) String() string {
	switch s {
	case TopologyUninitialized:
		return "Uninitialized"
	case TopologyRunning:
		return "Running"
	case TopologyPausing:
		return "Pausing"
	case TopologyPaused:
		return "Paused"
	case TopologyDraining:
		return "Draining"
	case TopologyFinished:
		return "Finished"
	default:
		return "Unknown"
	}
}

// Topology owns the statically-shaped graph: the arrows, the queues they
// read and write, the lifecycle state machine, and the aggregated run
// metrics. The graph shape is fixed once running; only activation state
// changes.
//
// Ownership breaks the arrow/queue reference cycle: the topology owns
// both, arrows hold queue pointers, and queues hold no arrow references
// (upstream liveness is an integer count).
//
// Status and the activation counters on every arrow are mutated only with
// the scheduler mutex held; the topology's own mutex exists for the
// status condition variable that WaitUntilPaused blocks on.
type Topology struct {
	mu     sync.Mutex
	cond   *sync.Cond
	status TopologyStatus

	arrows  []Arrow
	sources []*SourceArrow
	sinks   []*SinkArrow
	queues  []*Queue

	// producers/consumers index the wiring during construction so
	// downstream edges and upstream counts can be derived.
	producers map[*Queue][]Arrow
	consumers map[*Queue][]Arrow

	runningArrowCount int
	initialized       bool
	finished          bool
	finishErr         error

	clock clockz.Clock
	stats *topologyMetrics
}

// NewTopology creates an empty topology.
func NewTopology() *Topology {
	t := &Topology{
		producers: make(map[*Queue][]Arrow),
		consumers: make(map[*Queue][]Arrow),
		clock:     clockz.RealClock,
	}
	t.cond = sync.NewCond(&t.mu)
	t.stats = newTopologyMetrics(t.clock)
	return t
}

// WithClock replaces the wall clock, for tests that drive rate windows
// and worker backoff deterministically.
func (t *Topology) WithClock(clock clockz.Clock) *Topology {
	t.clock = clock
	t.stats = newTopologyMetrics(clock)
	return t
}

// AddQueue creates a queue owned by this topology.
func (t *Topology) AddQueue(capacity int) *Queue {
	q := NewQueue(capacity)
	t.queues = append(t.queues, q)
	return q
}

// AddSource registers a source arrow.
func (t *Topology) AddSource(a *SourceArrow) *SourceArrow {
	t.sources = append(t.sources, a)
	t.addArrow(a)
	return a
}

// AddStage registers a map-stage arrow.
func (t *Topology) AddStage(a *StageArrow) *StageArrow {
	t.addArrow(a)
	return a
}

// AddSink registers a sink arrow.
func (t *Topology) AddSink(a *SinkArrow) *SinkArrow {
	t.sinks = append(t.sinks, a)
	t.addArrow(a)
	return a
}

// AddUnfolder registers an unfold arrow.
func (t *Topology) AddUnfolder(a *UnfoldArrow) *UnfoldArrow {
	t.addArrow(a)
	return a
}

// AddFolder registers a fold arrow.
func (t *Topology) AddFolder(a *FoldArrow) *FoldArrow {
	t.addArrow(a)
	return a
}

// addArrow wires a into the graph: any arrow producing into one of a's
// input queues gains a as a downstream, and a gains every consumer of its
// output queues.
func (t *Topology) addArrow(a Arrow) {
	for _, existing := range t.arrows {
		invariant(existing.Name() != a.Name(), "duplicate arrow name "+a.Name())
	}
	for _, q := range a.Inputs() {
		for _, p := range t.producers[q] {
			p.addDownstream(a)
		}
		t.consumers[q] = append(t.consumers[q], a)
	}
	for _, q := range a.Outputs() {
		for _, c := range t.consumers[q] {
			a.addDownstream(c)
		}
		t.producers[q] = append(t.producers[q], a)
	}
	t.arrows = append(t.arrows, a)
}

// Arrows returns the arrows in registration order.
func (t *Topology) Arrows() []Arrow { return t.arrows }

// Status returns the current lifecycle state.
func (t *Topology) Status() TopologyStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

func (t *Topology) setStatus(s TopologyStatus) {
	t.mu.Lock()
	t.status = s
	t.cond.Broadcast()
	t.mu.Unlock()
}

// Initialize initializes every arrow. Called exactly once, before any
// worker starts; a second call is an error.
func (t *Topology) Initialize(ctx context.Context) error {
	if t.initialized {
		return ErrAlreadyInitialized
	}
	t.initialized = true
	for _, a := range t.arrows {
		if err := a.Initialize(ctx); err != nil {
			capitan.Error(ctx, SignalArrowError,
				FieldArrowName.Field(a.Name()),
				FieldError.Field(err.Error()),
			)
			return errors.Join(ErrInitialization, err)
		}
		capitan.Info(ctx, SignalArrowInitialized,
			FieldArrowName.Field(a.Name()),
			FieldArrowType.Field(a.Kind().String()),
		)
	}
	t.setStatus(TopologyPaused)
	return nil
}

// run transitions to Running: sources are activated and activation
// cascades downstream. Requires the scheduler mutex.
func (t *Topology) run(nthreads int) error {
	status := t.Status()
	if status == TopologyRunning || status == TopologyFinished {
		capitan.Info(context.Background(), SignalTopologyRunning,
			FieldStatus.Field(status.String()),
			FieldCommand.Field("run ignored"),
		)
		return nil
	}
	if !t.initialized {
		return ErrInitialization
	}
	if len(t.sources) == 0 {
		return ErrNoSources
	}
	for _, s := range t.sources {
		t.activate(s)
	}
	t.stats.reset()
	t.stats.startRun(nthreads)
	t.setStatus(TopologyRunning)
	capitan.Info(context.Background(), SignalTopologyRunning,
		FieldNThreads.Field(nthreads),
	)
	return nil
}

// activate marks a Running and cascades downstream: every consumer of an
// activated arrow's output gains a running upstream and is itself
// activated. Finished arrows (an exhausted source on a re-run) stay
// finished. Requires the scheduler mutex.
func (t *Topology) activate(a Arrow) {
	status := a.Status()
	if status == StatusRunning || status == StatusFinished {
		return
	}
	a.setStatus(StatusRunning)
	t.runningArrowCount++
	for _, q := range a.Outputs() {
		q.SetRunningUpstreams(q.RunningUpstreams() + 1)
	}
	for _, d := range a.Downstream() {
		d.setRunningUpstreams(d.RunningUpstreams() + 1)
		t.activate(d)
	}
}

// deactivate transitions a from Running to final, decrementing the
// running-arrow count and every downstream's running-upstream count.
// Requires the scheduler mutex.
func (t *Topology) deactivate(a Arrow, final Status) {
	if a.Status() != StatusRunning {
		return
	}
	if final == StatusFinished {
		a.setStatus(StatusFinished)
	} else {
		a.Pause()
	}
	t.runningArrowCount--
	invariant(t.runningArrowCount >= 0, "running arrow count went negative")
	for _, q := range a.Outputs() {
		q.SetRunningUpstreams(q.RunningUpstreams() - 1)
	}
	for _, d := range a.Downstream() {
		d.setRunningUpstreams(d.RunningUpstreams() - 1)
	}
	capitan.Info(context.Background(), SignalArrowDeactivated,
		FieldArrowName.Field(a.Name()),
		FieldStatus.Field(a.Status().String()),
		FieldThreadCount.Field(a.ThreadCount()),
	)
}

// requestPause freezes every arrow in place so no new shots are
// dispatched; in-flight shots complete normally. Requires the scheduler
// mutex.
func (t *Topology) requestPause() {
	if t.Status() != TopologyRunning {
		return
	}
	for _, a := range t.arrows {
		t.deactivate(a, StatusPaused)
	}
	t.setStatus(TopologyPausing)
	capitan.Info(context.Background(), SignalTopologyPausing)
}

// drain pauses only the sources, letting everything downstream flow
// through to the sinks. Requires the scheduler mutex.
func (t *Topology) drain() {
	if t.Status() != TopologyRunning {
		return
	}
	for _, s := range t.sources {
		t.deactivate(s, StatusPaused)
	}
	t.setStatus(TopologyDraining)
	capitan.Info(context.Background(), SignalTopologyDraining)
}

// achievePause is called by the scheduler the instant it observes the
// running-arrow count hit zero: it stops the run clock and lands the
// state machine in Paused. Requires the scheduler mutex.
func (t *Topology) achievePause() {
	status := t.Status()
	if status != TopologyRunning && status != TopologyPausing && status != TopologyDraining {
		return
	}
	for _, a := range t.arrows {
		if a.ThreadCount() > 0 {
			// A shot is still in flight; its check-in will land here again.
			return
		}
	}
	t.stats.stopRun()
	t.setStatus(TopologyPaused)
	capitan.Info(context.Background(), SignalTopologyPaused)
}

// WaitUntilPaused blocks until the topology reaches Paused or Finished.
func (t *Topology) WaitUntilPaused() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for t.status != TopologyPaused && t.status != TopologyFinished {
		t.cond.Wait()
	}
}

// Finish drives every arrow's user-side finalization. Idempotent: the
// second call is a no-op returning the first call's result. Called by the
// controller once all workers have joined.
func (t *Topology) Finish(ctx context.Context) error {
	if t.finished {
		return t.finishErr
	}
	t.finished = true
	var errs []error
	for _, a := range t.arrows {
		if err := a.Finish(ctx); err != nil {
			errs = append(errs, err)
			capitan.Error(ctx, SignalArrowError,
				FieldArrowName.Field(a.Name()),
				FieldError.Field(err.Error()),
			)
		}
		a.setStatus(StatusFinished)
		capitan.Info(ctx, SignalArrowFinished, FieldArrowName.Field(a.Name()))
	}
	t.runningArrowCount = 0
	t.setStatus(TopologyFinished)
	capitan.Info(ctx, SignalTopologyFinished)
	t.finishErr = errors.Join(errs...)
	return t.finishErr
}

// sourcesExhausted reports whether every source arrow has permanently
// finished, the self-drain termination condition.
func (t *Topology) sourcesExhausted() bool {
	for _, s := range t.sources {
		if s.Status() != StatusFinished {
			return false
		}
	}
	return len(t.sources) > 0
}

// eventTotals sums emitted events across sources and processed events
// across sinks.
func (t *Topology) eventTotals() (emitted, processed int64) {
	for _, s := range t.sources {
		emitted += int64(s.EventsEmitted())
	}
	for _, s := range t.sinks {
		processed += s.EventsProcessed()
	}
	return emitted, processed
}
