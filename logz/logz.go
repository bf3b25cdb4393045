// Package logz binds the engine's capitan signal emissions to a
// human-readable sink, the way a deployed binary configures logging. The
// engine itself only emits; attaching a Binder is what turns signals into
// log lines.
package logz

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/zoobzio/capitan"

	"github.com/flowmech/arrow/engine"
)

// Binder attaches to a set of engine signals and writes one line per
// event. Close detaches everything.
type Binder struct {
	mu      sync.Mutex
	out     io.Writer
	closers []func()
	off     map[capitan.Signal]bool
}

// engineSignals is every signal the engine emits, in emission-site order.
var engineSignals = []capitan.Signal{
	engine.SignalArrowInitialized,
	engine.SignalArrowDeactivated,
	engine.SignalArrowFinished,
	engine.SignalArrowError,
	engine.SignalSchedulerNoWork,
	engine.SignalTopologyRunning,
	engine.SignalTopologyPausing,
	engine.SignalTopologyDraining,
	engine.SignalTopologyPaused,
	engine.SignalTopologyFinished,
	engine.SignalWorkerExited,
	engine.SignalControllerScale,
	engine.SignalControllerRequest,
}

// New creates a Binder writing to out. The off list silences individual
// signals by name prefix match, so "scheduler" silences scheduler.no_work
// (mirroring the log:off component list).
func New(out io.Writer, off ...string) *Binder {
	b := &Binder{out: out, off: make(map[capitan.Signal]bool)}
	for _, sig := range engineSignals {
		for _, component := range off {
			if component != "" && strings.HasPrefix(sig.Name(), component) {
				b.off[sig] = true
			}
		}
	}
	return b
}

// Attach hooks every engine signal that is not silenced.
func (b *Binder) Attach() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, sig := range engineSignals {
		if b.off[sig] {
			continue
		}
		listener := capitan.Hook(sig, b.handler(sig))
		b.closers = append(b.closers, func() { listener.Close() })
	}
}

func (b *Binder) handler(sig capitan.Signal) func(context.Context, *capitan.Event) {
	return func(_ context.Context, e *capitan.Event) {
		var parts []string
		if name, ok := engine.FieldArrowName.From(e); ok {
			parts = append(parts, "arrow="+name)
		}
		if status, ok := engine.FieldStatus.From(e); ok {
			parts = append(parts, "status="+status)
		}
		if cmd, ok := engine.FieldCommand.From(e); ok {
			parts = append(parts, "command="+cmd)
		}
		if errMsg, ok := engine.FieldError.From(e); ok {
			parts = append(parts, "error="+errMsg)
		}
		if n, ok := engine.FieldNThreads.From(e); ok {
			parts = append(parts, fmt.Sprintf("nthreads=%d", n))
		}
		if id, ok := engine.FieldWorkerID.From(e); ok {
			parts = append(parts, fmt.Sprintf("worker=%d", id))
		}
		if pending, ok := engine.FieldPending.From(e); ok {
			parts = append(parts, fmt.Sprintf("pending=%d", pending))
		}

		b.mu.Lock()
		defer b.mu.Unlock()
		if len(parts) == 0 {
			fmt.Fprintf(b.out, "[%s]\n", sig.Name())
			return
		}
		fmt.Fprintf(b.out, "[%s] %s\n", sig.Name(), strings.Join(parts, " "))
	}
}

// Close detaches every listener.
func (b *Binder) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, detach := range b.closers {
		detach()
	}
	b.closers = nil
}
