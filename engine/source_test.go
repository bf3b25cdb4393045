package engine

import (
	"context"
	"errors"
	"testing"
)

// scriptedSource replays a fixed sequence of GetEvent outcomes.
type scriptedSource struct {
	script []error
	calls  int
}

func (*scriptedSource) Open(context.Context) error { return nil }

func (s *scriptedSource) GetEvent(context.Context, *Handle) error {
	if s.calls >= len(s.script) {
		return ErrNoMoreEvents
	}
	err := s.script[s.calls]
	s.calls++
	return err
}

func (*scriptedSource) Close(context.Context) error { return nil }

func TestSourceArrow(t *testing.T) {
	t.Run("Partial Queue Accept Still Counts As Progress", func(t *testing.T) {
		pool := NewLevelPool(map[Level]int{LevelEvent: 8})
		out := NewQueue(2)
		out.TryPush([]*Handle{{Number: 99}})

		src := &scriptedSource{script: []error{nil, nil, nil}}
		arrow := NewSourceArrow("source", src, pool, LevelEvent, out).WithChunksize(3)

		result, err := arrow.Execute(context.Background(), 0)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if result != KeepGoing {
			t.Errorf("expected KeepGoing on partial accept, got %v", result)
		}
		if out.Size() != 2 {
			t.Errorf("expected full queue, got size %d", out.Size())
		}
		if arrow.EventsEmitted() != 2 {
			t.Errorf("expected 2 emitted, got %d", arrow.EventsEmitted())
		}

		// Nothing fits: the staged event is the only work and it cannot
		// move, so the shot yields.
		if result, _ = arrow.Execute(context.Background(), 0); result != ComeBackLater {
			t.Errorf("expected ComeBackLater with full queue, got %v", result)
		}

		// Space freed: the staged event and the script's last event flush
		// through, then the exhaustion lands as a clean Finished.
		buf := make([]*Handle, 2)
		out.TryPop(buf)
		if result, _ = arrow.Execute(context.Background(), 0); result != Finished {
			t.Errorf("expected Finished after space freed, got %v", result)
		}
		if out.Size() != 2 {
			t.Errorf("expected flushed events kept, got size %d", out.Size())
		}
		if arrow.EventsEmitted() != 3 {
			t.Errorf("expected 3 emitted, got %d", arrow.EventsEmitted())
		}
	})

	t.Run("Mid Shot Exhaustion Keeps Produced Events", func(t *testing.T) {
		pool := NewLevelPool(map[Level]int{LevelEvent: 8})
		out := NewQueue(8)
		src := &scriptedSource{script: []error{nil, nil}}
		arrow := NewSourceArrow("source", src, pool, LevelEvent, out).WithChunksize(5)

		// Exhaustion mid-shot and exhaustion at a shot boundary behave
		// identically: the partially-produced events are kept and the
		// shot reports a clean Finished.
		result, err := arrow.Execute(context.Background(), 0)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if result != Finished {
			t.Errorf("expected Finished, got %v", result)
		}
		if out.Size() != 2 {
			t.Errorf("expected 2 events kept, got %d", out.Size())
		}
		if arrow.EventsEmitted() != 2 {
			t.Errorf("expected 2 emitted, got %d", arrow.EventsEmitted())
		}
	})

	t.Run("Exhaustion At Shot Boundary", func(t *testing.T) {
		pool := NewLevelPool(map[Level]int{LevelEvent: 8})
		out := NewQueue(8)
		src := &scriptedSource{script: []error{nil, nil}}
		arrow := NewSourceArrow("source", src, pool, LevelEvent, out).WithChunksize(2)

		if result, _ := arrow.Execute(context.Background(), 0); result != KeepGoing {
			t.Errorf("expected KeepGoing, got %v", result)
		}
		if result, _ := arrow.Execute(context.Background(), 0); result != Finished {
			t.Errorf("expected Finished, got %v", result)
		}
	})

	t.Run("Try Again Later Yields", func(t *testing.T) {
		pool := NewLevelPool(map[Level]int{LevelEvent: 8})
		out := NewQueue(8)
		src := &scriptedSource{script: []error{ErrTryAgainLater, nil}}
		arrow := NewSourceArrow("source", src, pool, LevelEvent, out)

		if result, _ := arrow.Execute(context.Background(), 0); result != ComeBackLater {
			t.Errorf("expected ComeBackLater, got %v", result)
		}
		if arrow.EventsEmitted() != 0 {
			t.Errorf("expected no emission, got %d", arrow.EventsEmitted())
		}
		if result, _ := arrow.Execute(context.Background(), 0); result != KeepGoing {
			t.Errorf("expected KeepGoing, got %v", result)
		}
	})

	t.Run("Pool Exhaustion Applies Backpressure", func(t *testing.T) {
		pool := NewLevelPool(map[Level]int{LevelEvent: 1})
		out := NewQueue(8)
		src := &scriptedSource{script: []error{nil, nil}}
		arrow := NewSourceArrow("source", src, pool, LevelEvent, out)

		if result, _ := arrow.Execute(context.Background(), 0); result != KeepGoing {
			t.Error("expected first event to emit")
		}
		if result, _ := arrow.Execute(context.Background(), 0); result != ComeBackLater {
			t.Error("expected backpressure on exhausted pool")
		}
	})

	t.Run("User Error Propagates", func(t *testing.T) {
		pool := NewLevelPool(map[Level]int{LevelEvent: 8})
		out := NewQueue(8)
		boom := errors.New("bad stream")
		src := &scriptedSource{script: []error{boom}}
		arrow := NewSourceArrow("source", src, pool, LevelEvent, out)

		result, err := arrow.Execute(context.Background(), 0)
		if result != ShotErrorResult {
			t.Errorf("expected Error result, got %v", result)
		}
		if !errors.Is(err, boom) {
			t.Errorf("expected cause to surface, got %v", err)
		}
		if pool.InFlight(LevelEvent) != 0 {
			t.Errorf("expected handle returned on error, got %d in flight", pool.InFlight(LevelEvent))
		}
	})
}

func TestStageArrow(t *testing.T) {
	t.Run("Transforms And Forwards", func(t *testing.T) {
		in := NewQueue(4)
		out := NewQueue(4)
		in.TryPush([]*Handle{{Number: 1}, {Number: 2}})

		stage := NewStageArrow("stage", func(_ context.Context, event *Handle) error {
			event.Payload = event.Number * 10
			return nil
		}, in, out).WithChunksize(2)
		stage.setRunningUpstreams(1)

		if result, _ := stage.Execute(context.Background(), 0); result != KeepGoing {
			t.Fatal("expected KeepGoing")
		}
		buf := make([]*Handle, 4)
		if n := out.TryPop(buf); n != 2 {
			t.Fatalf("expected 2 forwarded, got %d", n)
		}
		if buf[0].Payload != uint64(10) || buf[1].Payload != uint64(20) {
			t.Error("expected transform applied in order")
		}
	})

	t.Run("Spillover Flushes On Next Shot", func(t *testing.T) {
		in := NewQueue(4)
		out := NewQueue(1)
		in.TryPush([]*Handle{{Number: 1}, {Number: 2}})

		stage := NewStageArrow("stage", func(context.Context, *Handle) error { return nil }, in, out).WithChunksize(2)
		stage.setRunningUpstreams(1)

		if result, _ := stage.Execute(context.Background(), 0); result != KeepGoing {
			t.Fatal("expected KeepGoing")
		}
		if out.Size() != 1 {
			t.Fatalf("expected 1 forwarded, got %d", out.Size())
		}
		if stage.Pending() != 1 {
			t.Errorf("expected spilled event counted as pending, got %d", stage.Pending())
		}

		buf := make([]*Handle, 1)
		out.TryPop(buf)
		if result, _ := stage.Execute(context.Background(), 0); result != KeepGoing {
			t.Fatal("expected spill flush to count as progress")
		}
		if out.TryPop(buf) != 1 || buf[0].Number != 2 {
			t.Error("expected spilled event forwarded in order")
		}
	})

	t.Run("Finishes When Upstream Dead", func(t *testing.T) {
		in := NewQueue(2)
		out := NewQueue(2)
		stage := NewStageArrow("stage", func(context.Context, *Handle) error { return nil }, in, out)
		stage.setRunningUpstreams(0)

		if result, _ := stage.Execute(context.Background(), 0); result != Finished {
			t.Error("expected Finished with dead upstream and empty input")
		}
	})
}
