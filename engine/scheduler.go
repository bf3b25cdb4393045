package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zoobzio/capitan"
)

// Commands external callers can leave for the scheduler. User callbacks
// (a source requesting a stop from inside GetEvent) and controller threads
// both go through these flags; the scheduler applies them at its next
// poll, so no caller ever mutates arrow status synchronously.
const (
	cmdPause uint32 = 1 << iota
	cmdDrain
)

// Scheduler is the single mutator of arrow activation decisions. Its mutex
// serializes check-in and selection but never arrow Execute, which runs
// outside it.
type Scheduler struct {
	mu       sync.Mutex
	topology *Topology
	nextIdx  int
	pending  atomic.Uint32
}

// NewScheduler creates a scheduler over t.
func NewScheduler(t *Topology) *Scheduler {
	return &Scheduler{topology: t}
}

// Submit leaves a pause or drain command for the next poll.
func (s *Scheduler) Submit(cmd uint32) {
	for {
		old := s.pending.Load()
		if s.pending.CompareAndSwap(old, old|cmd) {
			return
		}
	}
}

// PendingCommands reports whether a submitted command has not yet been
// applied.
func (s *Scheduler) PendingCommands() bool {
	return s.pending.Load() != 0
}

func (s *Scheduler) applyPending() {
	bits := s.pending.Swap(0)
	if bits == 0 {
		return
	}
	if bits&cmdPause != 0 {
		s.topology.requestPause()
	} else if bits&cmdDrain != 0 {
		s.topology.drain()
	}
}

// NextAssignment checks the returning arrow back in, applies any pending
// external command, and hands the worker its next arrow, or nil when
// nothing is assignable right now.
func (s *Scheduler) NextAssignment(workerID int, returning Arrow, lastResult ShotResult) Arrow {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.applyPending()

	if returning != nil {
		s.checkIn(returning, lastResult)
	}

	status := s.topology.Status()
	if status == TopologyPaused || status == TopologyFinished || status == TopologyUninitialized {
		// Already deactivated; workers can go idle immediately.
		return nil
	}

	t := s.topology
	n := len(t.arrows)
	if n == 0 {
		return nil
	}

	// Round-robin scan starting where the last selection left off: every
	// arrow is considered within one full pass, bounding starvation.
	idx := s.nextIdx
	for i := 0; i < n; i++ {
		candidate := t.arrows[idx]
		idx = (idx + 1) % n

		if candidate.Status() != StatusRunning {
			continue
		}
		if !candidate.IsParallel() && candidate.ThreadCount() > 0 {
			continue
		}

		if candidate.Kind() == KindSource || candidate.RunningUpstreams() > 0 || candidate.Pending() > 0 {
			// Candidate still has work it can do.
			s.nextIdx = idx
			candidate.addThreadCount(1)
			return candidate
		}

		// No upstream producers and nothing pending: no more work is ever
		// coming, deactivate in place and keep scanning.
		t.deactivate(candidate, StatusPaused)
	}

	if t.runningArrowCount == 0 {
		// Either the scan drained the last arrow, or the topology cannot
		// self-exit (all arrows paused externally, or no work ever
		// existed).
		t.achievePause()
		capitan.Info(context.Background(), SignalSchedulerNoWork,
			FieldWorkerID.Field(workerID),
		)
	}
	return nil
}

// checkIn decrements the returning arrow's thread count and deactivates it
// when its last result or its drained inputs prove no further work can
// arrive. Requires s.mu.
func (s *Scheduler) checkIn(returning Arrow, lastResult ShotResult) {
	returning.addThreadCount(-1)
	t := s.topology

	switch {
	case lastResult == Finished:
		t.deactivate(returning, StatusFinished)
	case lastResult == ShotErrorResult:
		t.deactivate(returning, StatusFinished)
	case returning.Status() == StatusRunning &&
		returning.Kind() != KindSource &&
		returning.RunningUpstreams() == 0 &&
		returning.Pending() == 0 &&
		returning.ThreadCount() == 0:
		t.deactivate(returning, StatusPaused)
	}

	if t.runningArrowCount == 0 {
		t.achievePause()
	}
}

// LastAssignment is the shutdown variant of NextAssignment: it only checks
// the returning arrow back in, without selecting a new one.
func (s *Scheduler) LastAssignment(workerID int, returning Arrow, _ ShotResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if returning != nil {
		returning.addThreadCount(-1)
	}
	capitan.Info(context.Background(), SignalWorkerExited,
		FieldWorkerID.Field(workerID),
	)
}

// RunTopology transitions the topology to Running under the scheduler
// mutex, so activation never races a concurrent poll.
func (s *Scheduler) RunTopology(nthreads int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.topology.run(nthreads)
}

// Snapshot captures per-arrow and topology-level metrics under the
// scheduler mutex so the activation counters are mutually consistent.
func (s *Scheduler) Snapshot() TopologySnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := s.topology
	emitted, processed := t.eventTotals()
	uptime, avg, inst := t.stats.observe(processed)

	snap := TopologySnapshot{
		Status:          t.Status(),
		RunningArrows:   t.runningArrowCount,
		NThreads:        t.stats.threadCount(),
		EventsEmitted:   emitted,
		EventsProcessed: processed,
		Uptime:          uptime,
		AvgRate:         avg,
		InstRate:        inst,
		Arrows:          make([]ArrowSnapshot, 0, len(t.arrows)),
	}
	for _, a := range t.arrows {
		m := a.metrics()
		downstream := make([]string, 0, len(a.Downstream()))
		for _, d := range a.Downstream() {
			downstream = append(downstream, d.Name())
		}
		snap.Arrows = append(snap.Arrows, ArrowSnapshot{
			Name:             a.Name(),
			Kind:             a.Kind(),
			Parallel:         a.IsParallel(),
			Status:           a.Status(),
			ThreadCount:      a.ThreadCount(),
			Pending:          a.Pending(),
			RunningUpstreams: a.RunningUpstreams(),
			Downstream:       downstream,
			Shots:            m.shots.Load(),
			EventsProcessed:  m.events.Load(),
			Errors:           m.errors.Load(),
			TotalTime:        time.Duration(m.totalNanos.Load()),
			LastResult:       ShotResult(m.lastResult.Load()),
		})
	}
	return snap
}
