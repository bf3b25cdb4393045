package engine

import (
	"context"
	"errors"
	"sync/atomic"
	"time"
)

// EventSource is the user-facing generator contract a SourceArrow drives.
// The engine treats it as an opaque callback: Open is called once during
// topology initialization, GetEvent once per emitted event, Close once
// during finalization.
//
// GetEvent fills the supplied handle (the engine pre-assigns a monotonic
// Number which the source may overwrite) and returns nil on success,
// ErrNoMoreEvents on exhaustion, or ErrTryAgainLater when the input stream
// is temporarily empty. Any other error is a user failure that aborts the
// run.
type EventSource interface {
	Open(ctx context.Context) error
	GetEvent(ctx context.Context, event *Handle) error
	Close(ctx context.Context) error
}

// SourceArrow pulls fresh event handles from the pool, fills them via the
// user generator, and pushes them onto its output queue. Sources have no
// input queue; they are serial (one worker drives a given source at a time)
// so the carryover buffer below needs no locking.
type SourceArrow struct {
	arrowBase
	src     EventSource
	pool    Pool
	level   Level
	out     *Queue
	opened  bool
	done    bool
	emitted atomic.Uint64
	// staged holds events produced by an earlier shot that did not fit in
	// the output queue; they are flushed before new events are generated.
	staged []*Handle
}

// NewSourceArrow wires src as a source emitting level-tagged events from
// pool onto out.
func NewSourceArrow(name string, src EventSource, pool Pool, level Level, out *Queue) *SourceArrow {
	a := &SourceArrow{
		arrowBase: newArrowBase(name, KindSource, false, 1),
		src:       src,
		pool:      pool,
		level:     level,
		out:       out,
	}
	a.outputs = []*Queue{out}
	return a
}

// WithChunksize sets how many events one shot attempts to emit.
func (a *SourceArrow) WithChunksize(n int) *SourceArrow {
	invariant(n > 0, "chunksize must be positive")
	a.chunksize = n
	return a
}

// WithShotTimeout enables the optional per-shot timeout.
func (a *SourceArrow) WithShotTimeout(d time.Duration) *SourceArrow {
	a.timeout = d
	return a
}

// EventsEmitted returns how many events this source has produced so far.
func (a *SourceArrow) EventsEmitted() uint64 {
	return a.emitted.Load()
}

// Initialize opens the user generator. Open runs before any worker starts,
// so a source that requests a stop from inside Open interrupts the run
// before a single event has been emitted.
func (a *SourceArrow) Initialize(ctx context.Context) error {
	if err := a.src.Open(ctx); err != nil {
		return err
	}
	a.opened = true
	return nil
}

// Execute emits up to chunksize events. Partial progress counts as
// progress: if at least one event reached the output queue, the shot
// reports KeepGoing even when the queue filled up or the pool ran dry
// partway through.
func (a *SourceArrow) Execute(ctx context.Context, _ int) (ShotResult, error) {
	pushed := a.flushStaged()

	if a.done {
		if len(a.staged) > 0 {
			if pushed > 0 {
				return KeepGoing, nil
			}
			return ComeBackLater, nil
		}
		return Finished, nil
	}

	result := KeepGoing
	finished := false
	for i := 0; i < a.chunksize && len(a.staged) == 0; i++ {
		h, ok := a.pool.Get(a.level)
		if !ok {
			// Pool exhausted: backpressure all the way to the external
			// input.
			result = ComeBackLater
			break
		}
		h.Number = a.emitted.Load() + 1
		err := a.src.GetEvent(ctx, h)
		switch {
		case err == nil:
			a.emitted.Add(1)
			a.stats.recordEvents(1)
			if a.out.TryPush([]*Handle{h}) == 0 {
				a.staged = append(a.staged, h)
			} else {
				pushed++
			}
		case errors.Is(err, ErrNoMoreEvents):
			h.Release()
			finished = true
		case errors.Is(err, ErrTryAgainLater):
			h.Release()
			result = ComeBackLater
		default:
			h.Release()
			return ShotErrorResult, err
		}
		if finished || result != KeepGoing {
			break
		}
	}

	if finished {
		// Mid-shot exhaustion keeps any events already produced; the arrow
		// only reports Finished once everything staged has drained.
		a.done = true
		if len(a.staged) == 0 {
			return Finished, nil
		}
	}
	if pushed > 0 {
		return KeepGoing, nil
	}
	if result == KeepGoing && len(a.staged) > 0 {
		return ComeBackLater, nil
	}
	return result, nil
}

func (a *SourceArrow) flushStaged() int {
	if len(a.staged) == 0 {
		return 0
	}
	n := a.out.TryPush(a.staged)
	if n > 0 {
		copy(a.staged, a.staged[n:])
		a.staged = a.staged[:len(a.staged)-n]
	}
	return n
}

// Pause implements Arrow.
func (a *SourceArrow) Pause() { a.pause() }

// Finish closes the user generator.
func (a *SourceArrow) Finish(ctx context.Context) error {
	return a.src.Close(ctx)
}
