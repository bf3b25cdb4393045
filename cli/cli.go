// Package cli is the thin command-line wrapper over the processing
// controller: positional source specs, repeatable -Pkey=value parameters,
// a benchmark sweep, and call-graph dot output.
//
// The CLI does not know how to construct a source. The embedding caller
// registers a SourceBuilder and builds its own binary around App; each
// positional argument is handed to the builder verbatim.
package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/flowmech/arrow/bench"
	"github.com/flowmech/arrow/dotgraph"
	"github.com/flowmech/arrow/engine"
	"github.com/flowmech/arrow/logz"
	"github.com/flowmech/arrow/paramz"
)

// Exit codes.
const (
	ExitSuccess            = 0
	ExitUnhandledException = 1
	ExitTimeout            = 2
)

// SourceBuilder turns one positional source spec into an event source.
type SourceBuilder func(spec string) (engine.EventSource, error)

// App wires a SourceBuilder into a runnable command.
type App struct {
	builder    SourceBuilder
	root       *cobra.Command
	paramFlags []string
	benchmark  bool
	janadot    bool
}

// New creates an App over the registered builder.
func New(builder SourceBuilder) *App {
	a := &App{builder: builder}
	a.root = &cobra.Command{
		Use:   "arrow [source specs...]",
		Short: "Multi-threaded event-processing engine",
		Long: `arrow pulls events from one or more sources, drives them through a
graph of transformations, and delivers them to terminal processors.

Each positional argument is handed to the registered source builder;
parameters are set with repeated -Pkey=value flags.`,
		RunE: a.run,
	}
	a.root.SilenceUsage = true
	a.root.CompletionOptions.DisableDefaultCmd = true
	a.root.Flags().StringArrayVarP(&a.paramFlags, "param", "P", nil, "set a parameter (key=value), repeatable")
	a.root.Flags().BoolVar(&a.benchmark, "benchmark", false, "run the scaling benchmark harness")
	a.root.Flags().BoolVar(&a.janadot, "janadot", false, "write call-graph dot output to jana.dot")
	return a
}

// Command exposes the underlying cobra command, so an embedder can attach
// subcommands or set arguments.
func (a *App) Command() *cobra.Command { return a.root }

// Execute runs the command and maps the outcome to an exit code.
func (a *App) Execute() int {
	if err := a.root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		var shotErr *engine.ShotError
		if errors.As(err, &shotErr) && shotErr.IsTimeout() {
			return ExitTimeout
		}
		return ExitUnhandledException
	}
	return ExitSuccess
}

func (a *App) run(_ *cobra.Command, args []string) error {
	if a.builder == nil {
		return errors.New("no source builder registered")
	}

	params := paramz.New()
	for _, p := range a.paramFlags {
		key, value, ok := strings.Cut(p, "=")
		if !ok {
			return fmt.Errorf("malformed parameter %q, want key=value", p)
		}
		params.Set(key, parseValue(value))
	}

	binder := logz.New(os.Stderr, strings.Split(paramz.GetOr(params, paramz.KeyLogOff, ""), ",")...)
	binder.Attach()
	defer binder.Close()

	specs := args
	if len(specs) == 0 {
		return errors.New("no source specs given")
	}

	nevents := uint64(paramz.GetOr(params, paramz.KeyNEvents, uint(0)))
	chunksize := int(paramz.GetOr(params, paramz.KeySourceChunksize, uint(1)))
	nthreads := int(paramz.GetOr(params, paramz.KeyNThreads, uint(0)))
	if nthreads <= 0 {
		nthreads = runtime.NumCPU()
	}
	if paramz.GetOr(params, paramz.KeyEngine, uint(0)) == 1 {
		// The single-threaded debug engine is the arrow engine at one
		// worker.
		nthreads = 1
	}

	pool := engine.NewLevelPool(map[engine.Level]int{engine.LevelEvent: 64})
	topology := engine.NewTopology()
	events := topology.AddQueue(64)
	for _, spec := range specs {
		src, err := a.builder(spec)
		if err != nil {
			return fmt.Errorf("source %q: %w", spec, err)
		}
		topology.AddSource(
			engine.NewSourceArrow(spec, src, pool, engine.LevelEvent, events).
				WithChunksize(chunksize))
	}
	sink := topology.AddSink(engine.NewSinkArrow("sink", &countingSink{}, events))

	ctrl := engine.NewProcessingController(topology)
	ctx := context.Background()
	if err := ctrl.Initialize(ctx); err != nil {
		return err
	}
	if err := ctrl.Run(nthreads); err != nil {
		return err
	}

	if a.janadot {
		go dotWriter(ctrl)
	}

	if a.benchmark {
		cfg := bench.Config{
			MinThreads: int(paramz.GetOr(params, "BENCHMARK:minthreads", uint(1))),
			MaxThreads: int(paramz.GetOr(params, "BENCHMARK:maxthreads", uint(nthreads))),
			ThreadStep: int(paramz.GetOr(params, "BENCHMARK:threadstep", uint(1))),
			NSamples:   int(paramz.GetOr(params, "BENCHMARK:nsamples", uint(15))),
		}
		report, err := bench.Run(ctx, ctrl, cfg)
		if err != nil {
			return err
		}
		if err := bench.WriteReports(paramz.GetOr(params, "BENCHMARK:resultsdir", "."), report); err != nil {
			return err
		}
		ctrl.RequestStop(true)
	} else if nevents > 0 {
		go func() {
			for {
				snap := ctrl.GetMetrics()
				if snap.Status == engine.TopologyPaused || snap.Status == engine.TopologyFinished {
					return
				}
				if uint64(snap.EventsProcessed) >= nevents {
					ctrl.RequestStop(true)
					return
				}
				time.Sleep(100 * time.Millisecond)
			}
		}()
	}

	if err := ctrl.Join(ctx); err != nil {
		return err
	}

	snap := ctrl.GetMetrics()
	fmt.Fprintf(a.root.OutOrStdout(), "Processed %d events (avg %.1f Hz)\n", sink.EventsProcessed(), snap.AvgRate)
	if a.janadot {
		if err := writeDot(ctrl); err != nil {
			return err
		}
	}
	return nil
}

// parseValue types a -P value: uint, then bool, falling back to string.
func parseValue(v string) any {
	if u, err := strconv.ParseUint(v, 10, 64); err == nil {
		return uint(u)
	}
	if b, err := strconv.ParseBool(v); err == nil {
		return b
	}
	return v
}

func dotWriter(ctrl *engine.ProcessingController) {
	for {
		time.Sleep(time.Second)
		snap := ctrl.GetMetrics()
		if snap.Status == engine.TopologyPaused || snap.Status == engine.TopologyFinished {
			return
		}
		_ = writeDot(ctrl) //nolint:errcheck
	}
}

func writeDot(ctrl *engine.ProcessingController) error {
	return os.WriteFile("jana.dot", []byte(dotgraph.Render(ctrl.GetMetrics())), 0o644)
}

// countingSink discards events; the per-arrow metrics carry the counts.
type countingSink struct{}

func (*countingSink) Init(context.Context) error                    { return nil }
func (*countingSink) Process(context.Context, *engine.Handle) error { return nil }
func (*countingSink) Finish(context.Context) error                  { return nil }
