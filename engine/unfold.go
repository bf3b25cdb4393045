package engine

import (
	"context"
	"sync/atomic"
	"time"
)

// UnfoldStatus is what an EventUnfolder's Unfold reports for one child.
type UnfoldStatus int

const (
	// UnfoldKeepGoing means the parent has more children to produce.
	UnfoldKeepGoing UnfoldStatus = iota
	// UnfoldFinished means this child was the parent's last.
	UnfoldFinished
)

// EventUnfolder is the user-facing contract an UnfoldArrow drives: one
// parent event at level L becomes N child events at level L+1 across
// repeated calls.
//
// Preprocess is an optional parallel hook: the unfold arrow itself never
// calls it. Wire PreprocessStage between the parent source and the unfold
// arrow to run it concurrently across parents before the serial unfold.
type EventUnfolder interface {
	Preprocess(ctx context.Context, parent *Handle) error
	Unfold(ctx context.Context, parent, child *Handle, iter int) (UnfoldStatus, error)
}

// UnfoldArrow consumes parent events and produces child events drawn from
// the child pool. It holds per-parent iteration state across shots, so it
// is never parallel. Once a parent reports UnfoldFinished it is forwarded
// to the parent output queue (toward a FoldArrow) or released when none is
// configured.
type UnfoldArrow struct {
	arrowBase
	unfolder   EventUnfolder
	in         *Queue
	childPool  Pool
	childLevel Level
	out        *Queue
	parentOut  *Queue

	parent *Handle
	iter   int
	staged []*Handle
	// held mirrors len(staged) plus the in-hand parent, readable outside
	// the shot (snapshots, scheduler deactivation checks).
	held atomic.Int32
}

// NewUnfoldArrow wires unfolder between the parent queue in and the child
// queue out, drawing children at childLevel from childPool.
func NewUnfoldArrow(name string, unfolder EventUnfolder, in *Queue, childPool Pool, childLevel Level, out *Queue) *UnfoldArrow {
	a := &UnfoldArrow{
		arrowBase:  newArrowBase(name, KindUnfolder, false, 1),
		unfolder:   unfolder,
		in:         in,
		childPool:  childPool,
		childLevel: childLevel,
		out:        out,
	}
	a.inputs = []*Queue{in}
	a.outputs = []*Queue{out}
	return a
}

// WithParentOutput forwards finished parents to q instead of releasing
// them, so a downstream FoldArrow can collect the children back up.
func (a *UnfoldArrow) WithParentOutput(q *Queue) *UnfoldArrow {
	a.parentOut = q
	a.outputs = append(a.outputs, q)
	return a
}

// WithChunksize sets how many children one shot attempts to produce.
func (a *UnfoldArrow) WithChunksize(n int) *UnfoldArrow {
	invariant(n > 0, "chunksize must be positive")
	a.chunksize = n
	return a
}

// WithShotTimeout enables the optional per-shot timeout.
func (a *UnfoldArrow) WithShotTimeout(d time.Duration) *UnfoldArrow {
	a.timeout = d
	return a
}

// PreprocessStage returns a StageFunc invoking the unfolder's Preprocess,
// for wiring as a parallel stage upstream of this arrow.
func (a *UnfoldArrow) PreprocessStage() StageFunc {
	return func(ctx context.Context, parent *Handle) error {
		return a.unfolder.Preprocess(ctx, parent)
	}
}

// Initialize implements Arrow.
func (a *UnfoldArrow) Initialize(context.Context) error { return nil }

// Execute implements Arrow.
func (a *UnfoldArrow) Execute(ctx context.Context, _ int) (ShotResult, error) {
	pushed := a.flushStaged()

	produced := 0
	for i := 0; i < a.chunksize && len(a.staged) == 0; i++ {
		if a.parent == nil {
			var buf [1]*Handle
			if a.in.TryPop(buf[:]) == 0 {
				break
			}
			a.parent = buf[0]
			a.iter = 0
			a.held.Add(1)
		}

		child, ok := a.childPool.Get(a.childLevel)
		if !ok {
			if produced > 0 || pushed > 0 {
				return KeepGoing, nil
			}
			return ComeBackLater, nil
		}
		child.Parent = a.parent

		status, err := a.unfolder.Unfold(ctx, a.parent, child, a.iter)
		a.iter++
		if err != nil {
			child.Release()
			return ShotErrorResult, err
		}

		if a.out.TryPush([]*Handle{child}) == 0 {
			a.staged = append(a.staged, child)
			a.held.Add(1)
		} else {
			pushed++
		}
		produced++
		a.stats.recordEvents(1)

		if status == UnfoldFinished {
			a.forwardParent()
		}
	}

	if produced > 0 || pushed > 0 {
		return KeepGoing, nil
	}
	if len(a.staged) > 0 || a.parent != nil {
		return ComeBackLater, nil
	}
	if a.RunningUpstreams() == 0 {
		return Finished, nil
	}
	return ComeBackLater, nil
}

func (a *UnfoldArrow) forwardParent() {
	parent := a.parent
	a.parent = nil
	a.held.Add(-1)
	if a.parentOut == nil {
		parent.Release()
		return
	}
	if a.parentOut.TryPush([]*Handle{parent}) == 0 {
		// Parent queues are sized for the parent pool, so this only
		// happens on a miswired topology; drop back to releasing.
		parent.Release()
	}
}

func (a *UnfoldArrow) flushStaged() int {
	if len(a.staged) == 0 {
		return 0
	}
	n := a.out.TryPush(a.staged)
	if n > 0 {
		copy(a.staged, a.staged[n:])
		a.staged = a.staged[:len(a.staged)-n]
		a.held.Add(int32(-n))
	}
	return n
}

// Pending counts the held parent and staged children as work in hand.
func (a *UnfoldArrow) Pending() int {
	return a.arrowBase.Pending() + int(a.held.Load())
}

// Pause implements Arrow.
func (a *UnfoldArrow) Pause() { a.pause() }

// Finish implements Arrow.
func (a *UnfoldArrow) Finish(context.Context) error { return nil }

// EventFolder is the user-facing contract a FoldArrow drives: the inverse
// of unfolding. Fold absorbs one child into its parent's accumulating
// state and reports whether the parent is complete.
type EventFolder interface {
	Fold(ctx context.Context, child, parent *Handle) (parentDone bool, err error)
}

// FoldArrow consumes child events, folds each into its parent, and
// releases (or forwards) the parent once the folder declares it done.
// Serial per parent, so the arrow is never parallel.
type FoldArrow struct {
	arrowBase
	folder EventFolder
	in     *Queue
	out    *Queue
}

// NewFoldArrow wires folder over the child queue in. Completed parents go
// to out when non-nil, otherwise back to their pool.
func NewFoldArrow(name string, folder EventFolder, in, out *Queue) *FoldArrow {
	a := &FoldArrow{
		arrowBase: newArrowBase(name, KindFolder, false, 1),
		folder:    folder,
		in:        in,
		out:       out,
	}
	a.inputs = []*Queue{in}
	if out != nil {
		a.outputs = []*Queue{out}
	}
	return a
}

// WithChunksize sets how many children one shot attempts to fold.
func (a *FoldArrow) WithChunksize(n int) *FoldArrow {
	invariant(n > 0, "chunksize must be positive")
	a.chunksize = n
	return a
}

// WithShotTimeout enables the optional per-shot timeout.
func (a *FoldArrow) WithShotTimeout(d time.Duration) *FoldArrow {
	a.timeout = d
	return a
}

// Initialize implements Arrow.
func (a *FoldArrow) Initialize(context.Context) error { return nil }

// Execute implements Arrow.
func (a *FoldArrow) Execute(ctx context.Context, _ int) (ShotResult, error) {
	buf := make([]*Handle, a.chunksize)
	n := a.in.TryPop(buf)
	if n == 0 {
		if a.RunningUpstreams() == 0 {
			return Finished, nil
		}
		return ComeBackLater, nil
	}

	for i, child := range buf[:n] {
		parent := child.Parent
		done, err := a.folder.Fold(ctx, child, parent)
		child.Release()
		if err != nil {
			for _, rest := range buf[i+1 : n] {
				rest.Release()
			}
			return ShotErrorResult, err
		}
		a.stats.recordEvents(1)
		if done && parent != nil {
			if a.out == nil || a.out.TryPush([]*Handle{parent}) == 0 {
				parent.Release()
			}
		}
	}
	return KeepGoing, nil
}

// Pause implements Arrow.
func (a *FoldArrow) Pause() { a.pause() }

// Finish implements Arrow.
func (a *FoldArrow) Finish(context.Context) error { return nil }
