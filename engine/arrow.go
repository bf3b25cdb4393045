package engine

import (
	"context"
	"time"
)

// Kind identifies which of the five arrow variants a node implements.
type Kind int

const (
	KindSource Kind = iota
	KindStage
	KindSink
	KindUnfolder
	KindFolder
)

func (k Kind) String() string {
	switch k {
	case KindSource:
		return "Source"
	case KindStage:
		return "Stage"
	case KindSink:
		return "Sink"
	case KindUnfolder:
		return "Unfolder"
	case KindFolder:
		return "Folder"
	default:
		return "Unknown"
	}
}

// Status is an arrow's lifecycle state.
type Status int

const (
	StatusUnopened Status = iota
	StatusRunning
	StatusPaused
	StatusFinished
)

func (s Status) String() string {
	switch s {
	case StatusUnopened:
		return "Unopened"
	case StatusRunning:
		return "Running"
	case StatusPaused:
		return "Paused"
	case StatusFinished:
		return "Finished"
	default:
		return "Unknown"
	}
}

// ShotResult is the outcome of one arrow.Execute call ("shot").
type ShotResult int

const (
	// KeepGoing means the shot made forward progress; more is likely
	// possible right away.
	KeepGoing ShotResult = iota
	// ComeBackLater means the shot could not progress this time
	// (upstream empty, pool exhausted, downstream full); the scheduler
	// should not immediately retry this arrow on the same worker.
	ComeBackLater
	// Finished means this arrow is permanently done.
	Finished
	// ShotErrorResult means the shot failed unrecoverably; the topology
	// transitions to Finished with failure.
	ShotErrorResult
)

func (r ShotResult) String() string {
	switch r {
	case KeepGoing:
		return "KeepGoing"
	case ComeBackLater:
		return "ComeBackLater"
	case Finished:
		return "Finished"
	case ShotErrorResult:
		return "Error"
	default:
		return "Unknown"
	}
}

// Arrow is a node in the dataflow graph. The scheduler and topology treat it
// polymorphically; Source, Stage, Sink, Unfolder and Folder each embed
// arrowBase and supply their own Initialize/Execute/Pause/Finish.
//
// Activation state (status, thread count, running-upstream count) is
// mutated only under the scheduler's mutex - see Scheduler - so the setter
// methods here carry no locking of their own; callers outside this package
// never see them, since Arrow is only implemented by this package's own
// variant types.
type Arrow interface {
	Name() string
	Kind() Kind
	IsParallel() bool
	Chunksize() int

	Status() Status
	setStatus(Status)

	ThreadCount() int
	addThreadCount(delta int) int

	RunningUpstreams() int
	setRunningUpstreams(int)

	// Pending is the number of events waiting in this arrow's input
	// queue(s). Sources have none and always report 0.
	Pending() int

	Downstream() []Arrow
	addDownstream(Arrow)

	// Inputs and Outputs expose the arrow's port wiring for introspection
	// (snapshots, the dot visualizer).
	Inputs() []*Queue
	Outputs() []*Queue

	// ShotTimeout is the optional per-arrow shot timeout; zero disables it.
	ShotTimeout() time.Duration

	metrics() *arrowMetrics

	// Initialize is called exactly once, before any Execute.
	Initialize(ctx context.Context) error
	// Execute runs one shot: bounded work, one of the ShotResult values.
	Execute(ctx context.Context, workerID int) (ShotResult, error)
	// Pause is idempotent; no-op unless currently Running.
	Pause()
	// Finish is called exactly once, after all workers have joined.
	Finish(ctx context.Context) error
}

// arrowBase holds the bookkeeping shared by every arrow variant: identity,
// port wiring, and the activation counters the scheduler mutates. Variant
// payloads (generator callbacks, unfolder iteration state) live in the
// embedding type.
type arrowBase struct {
	name             string
	kind             Kind
	parallel         bool
	chunksize        int
	status           Status
	threadCount      int
	runningUpstreams int
	timeout          time.Duration
	inputs           []*Queue
	outputs          []*Queue
	downstream       []Arrow
	stats            *arrowMetrics
}

func newArrowBase(name string, kind Kind, parallel bool, chunksize int) arrowBase {
	invariant(chunksize > 0, "chunksize must be positive")
	return arrowBase{
		name:      name,
		kind:      kind,
		parallel:  parallel,
		chunksize: chunksize,
		status:    StatusUnopened,
		stats:     newArrowMetrics(),
	}
}

func (b *arrowBase) Name() string       { return b.name }
func (b *arrowBase) Kind() Kind         { return b.kind }
func (b *arrowBase) IsParallel() bool   { return b.parallel }
func (b *arrowBase) Chunksize() int     { return b.chunksize }
func (b *arrowBase) Status() Status     { return b.status }
func (b *arrowBase) setStatus(s Status) { b.status = s }

func (b *arrowBase) ThreadCount() int { return b.threadCount }

func (b *arrowBase) addThreadCount(delta int) int {
	b.threadCount += delta
	invariant(b.threadCount >= 0, "thread count went negative")
	invariant(b.parallel || b.threadCount <= 1, "non-parallel arrow has more than one active thread")
	return b.threadCount
}

func (b *arrowBase) RunningUpstreams() int        { return b.runningUpstreams }
func (b *arrowBase) setRunningUpstreams(n int)     { invariant(n >= 0, "running upstream count went negative"); b.runningUpstreams = n }

func (b *arrowBase) Pending() int {
	total := 0
	for _, q := range b.inputs {
		total += q.Size()
	}
	return total
}

func (b *arrowBase) Inputs() []*Queue            { return b.inputs }
func (b *arrowBase) Outputs() []*Queue           { return b.outputs }
func (b *arrowBase) ShotTimeout() time.Duration  { return b.timeout }
func (b *arrowBase) metrics() *arrowMetrics      { return b.stats }

func (b *arrowBase) Downstream() []Arrow { return b.downstream }
func (b *arrowBase) addDownstream(a Arrow) {
	b.downstream = append(b.downstream, a)
}

// pause is the shared idempotent pause implementation every variant's
// Pause() delegates to: no-op unless currently Running.
func (b *arrowBase) pause() {
	if b.status == StatusRunning {
		b.status = StatusPaused
	}
}
