package engine

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

type countingProcessor struct {
	processed       atomic.Int32
	finishCalls     atomic.Int32
	processedLate   atomic.Bool
	lastEventNumber atomic.Uint64
}

func (*countingProcessor) Init(context.Context) error { return nil }

func (p *countingProcessor) Process(_ context.Context, event *Handle) error {
	p.processed.Add(1)
	p.lastEventNumber.Store(event.Number)
	if p.finishCalls.Load() != 0 {
		p.processedLate.Store(true)
	}
	return nil
}

func (p *countingProcessor) Finish(context.Context) error {
	p.finishCalls.Add(1)
	return nil
}

type boundedSource struct {
	limit   uint64
	emitted uint64
}

func (*boundedSource) Open(context.Context) error { return nil }

func (s *boundedSource) GetEvent(context.Context, *Handle) error {
	if s.emitted >= s.limit {
		return ErrNoMoreEvents
	}
	s.emitted++
	return nil
}

func (*boundedSource) Close(context.Context) error { return nil }

type unboundedSource struct {
	delay   time.Duration
	emitted atomic.Uint64
}

func (*unboundedSource) Open(context.Context) error { return nil }

func (s *unboundedSource) GetEvent(_ context.Context, event *Handle) error {
	count := s.emitted.Add(1)
	event.Number = count
	time.Sleep(s.delay)
	return nil
}

func (*unboundedSource) Close(context.Context) error { return nil }

// interruptedSource calls back into the controller mid-run, either from
// inside Open or on its fourth GetEvent.
type interruptedSource struct {
	ctrl          *ProcessingController
	interruptOpen bool
	quit          bool
	drain         bool
	emitted       atomic.Uint64
}

func (s *interruptedSource) Open(context.Context) error {
	if s.interruptOpen {
		s.interrupt()
	}
	return nil
}

func (s *interruptedSource) GetEvent(context.Context, *Handle) error {
	if s.emitted.Add(1) == 4 && !s.interruptOpen {
		s.interrupt()
	}
	return nil
}

func (s *interruptedSource) interrupt() {
	if s.quit {
		s.ctrl.RequestStop(s.drain)
	} else {
		s.ctrl.RequestPause(s.drain)
	}
}

func (*interruptedSource) Close(context.Context) error { return nil }

// newLinearTopology builds source -> queue -> sink with a pool sized so
// the queue can never reject an event.
func newLinearTopology(src EventSource, proc EventProcessor) (*Topology, *SourceArrow, *SinkArrow) {
	topology := NewTopology()
	queue := topology.AddQueue(16)
	pool := NewLevelPool(map[Level]int{LevelEvent: 16})
	source := topology.AddSource(NewSourceArrow("source", src, pool, LevelEvent, queue))
	sink := topology.AddSink(NewSinkArrow("sink", proc, queue))
	return topology, source, sink
}

func TestTermination(t *testing.T) {
	t.Run("Self Termination On Source Exhaustion", func(t *testing.T) {
		src := &boundedSource{limit: 10}
		proc := &countingProcessor{}
		topology, source, sink := newLinearTopology(src, proc)
		ctrl := NewProcessingController(topology)

		if err := ctrl.Initialize(context.Background()); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if err := ctrl.Run(4); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		ctrl.WaitUntilPaused()
		if err := ctrl.Join(context.Background()); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		if got := proc.processed.Load(); got != 10 {
			t.Errorf("expected 10 processed, got %d", got)
		}
		if got := proc.finishCalls.Load(); got != 1 {
			t.Errorf("expected 1 finish call, got %d", got)
		}
		if got := source.EventsEmitted(); got != 10 {
			t.Errorf("expected 10 emitted, got %d", got)
		}
		if got := sink.EventsProcessed(); got != 10 {
			t.Errorf("expected metrics to report 10 processed, got %d", got)
		}
		if proc.processedLate.Load() {
			t.Error("processed an event after finalization")
		}
	})

	t.Run("Manual Termination With Drain", func(t *testing.T) {
		src := &unboundedSource{delay: 10 * time.Millisecond}
		proc := &countingProcessor{}
		topology, source, _ := newLinearTopology(src, proc)
		ctrl := NewProcessingController(topology)

		if err := ctrl.Initialize(context.Background()); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if err := ctrl.Run(2); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		time.Sleep(50 * time.Millisecond)
		ctrl.RequestStop(true)
		if err := ctrl.Join(context.Background()); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		emitted := source.EventsEmitted()
		if emitted == 0 {
			t.Error("expected at least one event emitted")
		}
		if got := proc.finishCalls.Load(); got != 1 {
			t.Errorf("expected 1 finish call, got %d", got)
		}
		if got := ctrl.GetMetrics().EventsProcessed; got != int64(emitted) {
			t.Errorf("expected drain to process all %d emitted events, got %d", emitted, got)
		}
	})

	t.Run("Interrupted During Open", func(t *testing.T) {
		src := &interruptedSource{interruptOpen: true, quit: true, drain: true}
		proc := &countingProcessor{}
		topology, source, _ := newLinearTopology(src, proc)
		ctrl := NewProcessingController(topology)
		src.ctrl = ctrl

		if err := ctrl.Initialize(context.Background()); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if err := ctrl.Run(4); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if err := ctrl.Join(context.Background()); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		if got := source.EventsEmitted(); got != 0 {
			t.Errorf("expected 0 emitted, got %d", got)
		}
		if got := proc.processed.Load(); got != 0 {
			t.Errorf("expected 0 processed, got %d", got)
		}
		if got := proc.finishCalls.Load(); got != 0 {
			t.Errorf("expected 0 finish calls, got %d", got)
		}
	})

	t.Run("Paused On Fourth Event", func(t *testing.T) {
		src := &interruptedSource{quit: false, drain: false}
		proc := &countingProcessor{}
		topology, source, _ := newLinearTopology(src, proc)
		ctrl := NewProcessingController(topology)
		src.ctrl = ctrl

		if err := ctrl.Initialize(context.Background()); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if err := ctrl.Run(4); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		ctrl.WaitUntilPaused()
		if err := ctrl.Join(context.Background()); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		if got := source.EventsEmitted(); got != 4 {
			t.Errorf("expected 4 emitted, got %d", got)
		}
		if got := proc.processed.Load(); got > 4 {
			t.Errorf("expected at most 4 processed, got %d", got)
		}
		if got := proc.finishCalls.Load(); got != 0 {
			t.Errorf("expected 0 finish calls after pause, got %d", got)
		}
	})

	t.Run("Finish Is Idempotent", func(t *testing.T) {
		src := &boundedSource{limit: 3}
		proc := &countingProcessor{}
		topology, _, _ := newLinearTopology(src, proc)
		ctrl := NewProcessingController(topology)

		if err := ctrl.Initialize(context.Background()); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if err := ctrl.Run(1); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		ctrl.WaitUntilPaused()
		if err := ctrl.Join(context.Background()); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if err := topology.Finish(context.Background()); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got := proc.finishCalls.Load(); got != 1 {
			t.Errorf("expected finish to run once, got %d", got)
		}
	})

	t.Run("Initialize Twice Fails", func(t *testing.T) {
		src := &boundedSource{limit: 1}
		topology, _, _ := newLinearTopology(src, &countingProcessor{})
		ctrl := NewProcessingController(topology)

		if err := ctrl.Initialize(context.Background()); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if err := ctrl.Initialize(context.Background()); !errors.Is(err, ErrAlreadyInitialized) {
			t.Errorf("expected ErrAlreadyInitialized, got %v", err)
		}
	})

	t.Run("Run Without Sources Fails", func(t *testing.T) {
		topology := NewTopology()
		queue := topology.AddQueue(4)
		topology.AddSink(NewSinkArrow("sink", &countingProcessor{}, queue))
		ctrl := NewProcessingController(topology)

		if err := ctrl.Initialize(context.Background()); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if err := ctrl.Run(2); !errors.Is(err, ErrNoSources) {
			t.Errorf("expected ErrNoSources, got %v", err)
		}
	})

	t.Run("Run Without Initialize Fails", func(t *testing.T) {
		src := &boundedSource{limit: 1}
		topology, _, _ := newLinearTopology(src, &countingProcessor{})
		ctrl := NewProcessingController(topology)
		if err := ctrl.Run(2); !errors.Is(err, ErrInitialization) {
			t.Errorf("expected ErrInitialization, got %v", err)
		}
	})
}
