package engine

import (
	"context"
	"sync"
	"time"
)

// StageFunc transforms one event in place: applying factories, enriching
// the payload, tagging it for downstream routing. The handle stays owned
// by the arrow; the function must not Release it.
type StageFunc func(ctx context.Context, event *Handle) error

// StageArrow pops up to chunksize events from its input queue, applies the
// user transform to each, and pushes them downstream. Stages are parallel
// by default, so events processed but not yet accepted by a full output
// queue land in a mutex-guarded spillover that the next shot (on whichever
// worker) flushes first.
type StageArrow struct {
	arrowBase
	fn  StageFunc
	in  *Queue
	out *Queue

	spillMu sync.Mutex
	spill   []*Handle
}

// NewStageArrow wires fn as a map stage between in and out.
func NewStageArrow(name string, fn StageFunc, in, out *Queue) *StageArrow {
	a := &StageArrow{
		arrowBase: newArrowBase(name, KindStage, true, 1),
		fn:        fn,
		in:        in,
		out:       out,
	}
	a.inputs = []*Queue{in}
	a.outputs = []*Queue{out}
	return a
}

// WithChunksize sets how many events one shot attempts to process.
func (a *StageArrow) WithChunksize(n int) *StageArrow {
	invariant(n > 0, "chunksize must be positive")
	a.chunksize = n
	return a
}

// WithParallel overrides the default parallelism. Set false when the user
// transform is not reentrant.
func (a *StageArrow) WithParallel(parallel bool) *StageArrow {
	a.parallel = parallel
	return a
}

// WithShotTimeout enables the optional per-shot timeout.
func (a *StageArrow) WithShotTimeout(d time.Duration) *StageArrow {
	a.timeout = d
	return a
}

// Initialize implements Arrow.
func (a *StageArrow) Initialize(context.Context) error { return nil }

// Execute implements Arrow.
func (a *StageArrow) Execute(ctx context.Context, _ int) (ShotResult, error) {
	pushed := a.flushSpill()

	buf := make([]*Handle, a.chunksize)
	n := a.in.TryPop(buf)
	if n == 0 {
		if pushed > 0 {
			return KeepGoing, nil
		}
		a.spillMu.Lock()
		spilled := len(a.spill)
		a.spillMu.Unlock()
		if a.RunningUpstreams() == 0 && spilled == 0 {
			return Finished, nil
		}
		return ComeBackLater, nil
	}

	for _, h := range buf[:n] {
		if err := a.fn(ctx, h); err != nil {
			// Every event of the chunk, none of which has been pushed yet,
			// goes back to the pool so the in-flight accounting stays
			// balanced while the topology winds down.
			for _, rest := range buf[:n] {
				rest.Release()
			}
			return ShotErrorResult, err
		}
	}
	a.stats.recordEvents(n)

	accepted := a.out.TryPush(buf[:n])
	if accepted < n {
		a.spillMu.Lock()
		a.spill = append(a.spill, buf[accepted:n]...)
		a.spillMu.Unlock()
	}
	return KeepGoing, nil
}

func (a *StageArrow) flushSpill() int {
	a.spillMu.Lock()
	defer a.spillMu.Unlock()
	if len(a.spill) == 0 {
		return 0
	}
	n := a.out.TryPush(a.spill)
	if n > 0 {
		copy(a.spill, a.spill[n:])
		a.spill = a.spill[:len(a.spill)-n]
	}
	return n
}

// Pending counts spilled events as still owed to this arrow so the
// scheduler does not deactivate it with work in hand.
func (a *StageArrow) Pending() int {
	a.spillMu.Lock()
	spilled := len(a.spill)
	a.spillMu.Unlock()
	return a.arrowBase.Pending() + spilled
}

// Pause implements Arrow.
func (a *StageArrow) Pause() { a.pause() }

// Finish implements Arrow.
func (a *StageArrow) Finish(context.Context) error { return nil }
