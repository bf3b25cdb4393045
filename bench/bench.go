// Package bench is the scaling-test harness: it sweeps the worker pool
// across a range of thread counts, samples the instantaneous event rate at
// each, and writes the plain-text reports (samples.dat, rates.dat) the
// plotting scripts consume.
package bench

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/zoobzio/clockz"

	"github.com/flowmech/arrow/engine"
)

// Config controls one scaling sweep.
type Config struct {
	MinThreads     int
	MaxThreads     int
	ThreadStep     int
	NSamples       int
	SampleInterval time.Duration
	Clock          clockz.Clock
}

func (c Config) withDefaults() Config {
	if c.MinThreads < 1 {
		c.MinThreads = 1
	}
	if c.MaxThreads < c.MinThreads {
		c.MaxThreads = c.MinThreads
	}
	if c.ThreadStep < 1 {
		c.ThreadStep = 1
	}
	if c.NSamples < 1 {
		c.NSamples = 15
	}
	if c.SampleInterval <= 0 {
		c.SampleInterval = time.Second
	}
	if c.Clock == nil {
		c.Clock = clockz.RealClock
	}
	return c
}

// settlePoll is how often Run rechecks the worker pool after a rescale
// before it starts sampling.
const settlePoll = 10 * time.Millisecond

// Sample is one instantaneous-rate reading at a given thread count.
type Sample struct {
	NThreads int
	Rate     float64
}

// RateSummary is the per-thread-count mean and RMS over the samples.
type RateSummary struct {
	NThreads int
	Avg      float64
	RMS      float64
}

// Report is the output of one sweep.
type Report struct {
	Samples   []Sample
	Summaries []RateSummary
}

// Run sweeps the controller from MinThreads to MaxThreads, collecting
// NSamples rate readings per step. The controller must already be running.
// Mean and RMS accumulate in a single pass so the sweep never stores its
// samples twice.
func Run(ctx context.Context, ctrl *engine.ProcessingController, cfg Config) (Report, error) {
	cfg = cfg.withDefaults()

	var report Report
	for nthreads := cfg.MinThreads; nthreads <= cfg.MaxThreads; nthreads += cfg.ThreadStep {
		ctrl.Scale(nthreads)

		// Let the pool reach the new size before the first reading, so a
		// sample never mixes two thread counts.
		for ctrl.NThreads() != nthreads {
			select {
			case <-cfg.Clock.After(settlePoll):
			case <-ctx.Done():
				return report, ctx.Err()
			}
		}

		var sum, sumSq float64
		for i := 0; i < cfg.NSamples; i++ {
			select {
			case <-cfg.Clock.After(cfg.SampleInterval):
			case <-ctx.Done():
				return report, ctx.Err()
			}
			rate := ctrl.GetMetrics().InstRate
			report.Samples = append(report.Samples, Sample{NThreads: nthreads, Rate: rate})
			sum += rate
			sumSq += rate * rate
		}

		n := float64(cfg.NSamples)
		avg := sum / n
		rms := math.Sqrt(sumSq/n - avg*avg)
		report.Summaries = append(report.Summaries, RateSummary{NThreads: nthreads, Avg: avg, RMS: rms})
	}
	return report, nil
}

// WriteReports emits samples.dat and rates.dat into dir.
func WriteReports(dir string, report Report) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	samples, err := os.Create(filepath.Join(dir, "samples.dat"))
	if err != nil {
		return err
	}
	defer samples.Close()
	fmt.Fprintln(samples, "# nthreads     rate")
	for _, s := range report.Samples {
		fmt.Fprintf(samples, "%7d %12.1f\n", s.NThreads, s.Rate)
	}

	rates, err := os.Create(filepath.Join(dir, "rates.dat"))
	if err != nil {
		return err
	}
	defer rates.Close()
	fmt.Fprintln(rates, "# nthreads  avg_rate       rms")
	for _, r := range report.Summaries {
		fmt.Fprintf(rates, "%7d %12.1f %10.1f\n", r.NThreads, r.Avg, r.RMS)
	}
	return nil
}
