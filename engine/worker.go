package engine

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/zoobzio/clockz"
	"github.com/zoobzio/tracez"
)

// DefaultIdleBackoff is how long a worker sleeps when the scheduler has
// nothing for it. Millisecond scale: long enough to avoid busy-spinning,
// short enough that pause and quit preempt it within a bounded interval.
const DefaultIdleBackoff = time.Millisecond

// worker is one symmetric pool thread: it repeatedly requests an
// assignment, executes one shot of it, and reports the result back at the
// next request. Workers honor an exit flag at shot granularity, so a
// rescale-down completes as soon as the excess workers' current shots do.
type worker struct {
	id      int
	sched   *Scheduler
	clock   clockz.Clock
	tracer  *tracez.Tracer
	backoff time.Duration
	onError func(workerID int, arrow Arrow, err *ShotError)

	exitRequested atomic.Bool
	done          chan struct{}
}

func newWorker(id int, sched *Scheduler, clock clockz.Clock, tracer *tracez.Tracer, backoff time.Duration, onError func(int, Arrow, *ShotError)) *worker {
	return &worker{
		id:      id,
		sched:   sched,
		clock:   clock,
		tracer:  tracer,
		backoff: backoff,
		onError: onError,
		done:    make(chan struct{}),
	}
}

// requestExit asks the worker to stop after its current shot.
func (w *worker) requestExit() {
	w.exitRequested.Store(true)
}

func (w *worker) loop(ctx context.Context) {
	defer close(w.done)

	var assignment Arrow
	result := ComeBackLater

	for !w.exitRequested.Load() {
		next := w.sched.NextAssignment(w.id, assignment, result)
		if next == nil {
			assignment = nil
			result = ComeBackLater
			select {
			case <-w.clock.After(w.backoff):
			case <-ctx.Done():
				w.sched.LastAssignment(w.id, nil, result)
				return
			}
			continue
		}
		assignment = next
		result = w.executeShot(ctx, next)
	}
	w.sched.LastAssignment(w.id, assignment, result)
}

// executeShot runs one bounded shot of the arrow, recording its duration
// and result and converting panics and timeouts into shot errors.
func (w *worker) executeShot(ctx context.Context, arrow Arrow) (result ShotResult) {
	shotCtx := ctx
	if timeout := arrow.ShotTimeout(); timeout > 0 {
		var cancel context.CancelFunc
		shotCtx, cancel = w.clock.WithTimeout(shotCtx, timeout)
		defer cancel()
	}

	shotCtx, span := w.tracer.StartSpan(shotCtx, SpanShot)
	start := w.clock.Now()

	var err error
	func() {
		defer func() {
			if r := recover(); r != nil {
				result = ShotErrorResult
				err = fmt.Errorf("panic in arrow %q: %v", arrow.Name(), r)
			}
		}()
		result, err = arrow.Execute(shotCtx, w.id)
	}()

	elapsed := w.clock.Now().Sub(start)
	arrow.metrics().recordShot(result, elapsed)

	span.SetTag(TagShotArrow, arrow.Name())
	span.SetTag(TagShotResult, result.String())
	span.Finish()

	if result == ShotErrorResult && w.onError != nil {
		shotErr := &ShotError{
			ArrowName: arrow.Name(),
			Err:       err,
			Timestamp: w.clock.Now(),
			Duration:  elapsed,
			Timeout:   shotCtx.Err() == context.DeadlineExceeded,
			Canceled:  shotCtx.Err() == context.Canceled,
		}
		w.onError(w.id, arrow, shotErr)
	}
	return result
}
