package engine

import (
	"context"
	"time"
)

// EventProcessor is the user-facing terminal contract a SinkArrow drives.
// Init is called once during topology initialization, Process once per
// event, Finish once during finalization. A processor whose Process is not
// reentrant must leave the sink serial (the default).
type EventProcessor interface {
	Init(ctx context.Context) error
	Process(ctx context.Context, event *Handle) error
	Finish(ctx context.Context) error
}

// SinkArrow pops up to chunksize events from its input queue, applies the
// terminal processor to each, and releases them back to the pool. Sinks
// have no output queue.
type SinkArrow struct {
	arrowBase
	proc EventProcessor
	in   *Queue
}

// NewSinkArrow wires proc as a terminal sink reading from in.
func NewSinkArrow(name string, proc EventProcessor, in *Queue) *SinkArrow {
	a := &SinkArrow{
		arrowBase: newArrowBase(name, KindSink, false, 1),
		proc:      proc,
		in:        in,
	}
	a.inputs = []*Queue{in}
	return a
}

// WithChunksize sets how many events one shot attempts to process.
func (a *SinkArrow) WithChunksize(n int) *SinkArrow {
	invariant(n > 0, "chunksize must be positive")
	a.chunksize = n
	return a
}

// WithParallel marks the sink parallel. Only safe when the user processor
// is reentrant.
func (a *SinkArrow) WithParallel(parallel bool) *SinkArrow {
	a.parallel = parallel
	return a
}

// WithShotTimeout enables the optional per-shot timeout.
func (a *SinkArrow) WithShotTimeout(d time.Duration) *SinkArrow {
	a.timeout = d
	return a
}

// EventsProcessed returns how many events this sink has consumed so far.
func (a *SinkArrow) EventsProcessed() int64 {
	return a.stats.events.Load()
}

// Initialize implements Arrow.
func (a *SinkArrow) Initialize(ctx context.Context) error {
	return a.proc.Init(ctx)
}

// Execute implements Arrow.
func (a *SinkArrow) Execute(ctx context.Context, _ int) (ShotResult, error) {
	buf := make([]*Handle, a.chunksize)
	n := a.in.TryPop(buf)
	if n == 0 {
		if a.RunningUpstreams() == 0 {
			return Finished, nil
		}
		return ComeBackLater, nil
	}

	for i, h := range buf[:n] {
		err := a.proc.Process(ctx, h)
		if err != nil {
			for _, rest := range buf[i:n] {
				rest.Release()
			}
			return ShotErrorResult, err
		}
		a.stats.recordEvents(1)
		h.Release()
	}
	return KeepGoing, nil
}

// Pause implements Arrow.
func (a *SinkArrow) Pause() { a.pause() }

// Finish implements Arrow.
func (a *SinkArrow) Finish(ctx context.Context) error {
	return a.proc.Finish(ctx)
}
