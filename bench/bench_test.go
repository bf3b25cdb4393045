package bench

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/flowmech/arrow/engine"
)

type firehoseSource struct{}

func (firehoseSource) Open(context.Context) error                  { return nil }
func (firehoseSource) GetEvent(context.Context, *engine.Handle) error { return nil }
func (firehoseSource) Close(context.Context) error                 { return nil }

type nullSink struct{}

func (nullSink) Init(context.Context) error                    { return nil }
func (nullSink) Process(context.Context, *engine.Handle) error { return nil }
func (nullSink) Finish(context.Context) error                  { return nil }

func TestRun(t *testing.T) {
	topology := engine.NewTopology()
	queue := topology.AddQueue(32)
	pool := engine.NewLevelPool(map[engine.Level]int{engine.LevelEvent: 32})
	topology.AddSource(engine.NewSourceArrow("source", firehoseSource{}, pool, engine.LevelEvent, queue))
	topology.AddSink(engine.NewSinkArrow("sink", nullSink{}, queue))

	ctrl := engine.NewProcessingController(topology)
	if err := ctrl.Initialize(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := ctrl.Run(1); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer func() {
		ctrl.RequestStop(false)
		if err := ctrl.Join(context.Background()); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}()

	report, err := Run(context.Background(), ctrl, Config{
		MinThreads:     1,
		MaxThreads:     2,
		NSamples:       2,
		SampleInterval: 20 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(report.Samples) != 4 {
		t.Errorf("expected 4 samples (2 per thread count), got %d", len(report.Samples))
	}
	if len(report.Summaries) != 2 {
		t.Fatalf("expected 2 summaries, got %d", len(report.Summaries))
	}
	if report.Summaries[0].NThreads != 1 || report.Summaries[1].NThreads != 2 {
		t.Errorf("expected sweep over 1 and 2 threads, got %+v", report.Summaries)
	}
	for _, s := range report.Summaries {
		if s.RMS < 0 {
			t.Errorf("expected non-negative rms, got %f", s.RMS)
		}
	}
}

func TestRunHonorsCancellation(t *testing.T) {
	topology := engine.NewTopology()
	queue := topology.AddQueue(8)
	pool := engine.NewLevelPool(map[engine.Level]int{engine.LevelEvent: 8})
	topology.AddSource(engine.NewSourceArrow("source", firehoseSource{}, pool, engine.LevelEvent, queue))
	topology.AddSink(engine.NewSinkArrow("sink", nullSink{}, queue))

	ctrl := engine.NewProcessingController(topology)
	if err := ctrl.Initialize(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := ctrl.Run(1); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer func() {
		ctrl.RequestStop(false)
		_ = ctrl.Join(context.Background()) //nolint:errcheck
	}()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := Run(ctx, ctrl, Config{MinThreads: 1, MaxThreads: 4, SampleInterval: time.Hour}); err == nil {
		t.Fatal("expected context error")
	}
}

func TestWriteReports(t *testing.T) {
	dir := t.TempDir()
	report := Report{
		Samples: []Sample{
			{NThreads: 1, Rate: 1234.5},
			{NThreads: 2, Rate: 2345.6},
		},
		Summaries: []RateSummary{
			{NThreads: 1, Avg: 1234.5, RMS: 10.2},
			{NThreads: 2, Avg: 2345.6, RMS: 12.4},
		},
	}
	if err := WriteReports(dir, report); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	samples, err := os.ReadFile(filepath.Join(dir, "samples.dat"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	lines := strings.Split(strings.TrimRight(string(samples), "\n"), "\n")
	if lines[0] != "# nthreads     rate" {
		t.Errorf("unexpected samples header %q", lines[0])
	}
	if len(lines) != 3 {
		t.Fatalf("expected header plus 2 samples, got %d lines", len(lines))
	}
	if !strings.Contains(lines[1], "1234.5") {
		t.Errorf("expected rate column, got %q", lines[1])
	}

	rates, err := os.ReadFile(filepath.Join(dir, "rates.dat"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	lines = strings.Split(strings.TrimRight(string(rates), "\n"), "\n")
	if lines[0] != "# nthreads  avg_rate       rms" {
		t.Errorf("unexpected rates header %q", lines[0])
	}
	if !strings.Contains(lines[2], "12.4") {
		t.Errorf("expected rms column, got %q", lines[2])
	}
}
