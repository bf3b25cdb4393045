// Package dotgraph renders a topology metrics snapshot as Graphviz dot
// source: one node per arrow, shaped by category, with edges labeled by
// call count, cumulative time, and percentage of the total.
package dotgraph

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/flowmech/arrow/engine"
)

// shape maps an arrow category to its Graphviz node shape: processors are
// ellipses, factories/stages boxes, sources trapeziums, everything else a
// hexagon.
func shape(kind engine.Kind) string {
	switch kind {
	case engine.KindSink:
		return "ellipse"
	case engine.KindStage:
		return "box"
	case engine.KindSource:
		return "trapezium"
	default:
		return "hexagon"
	}
}

// timeString formats a cumulative duration the way the call-graph reports
// do: the largest sensible unit with one decimal, or whole microseconds
// below one millisecond.
func timeString(d time.Duration) string {
	switch {
	case d >= time.Minute:
		return fmt.Sprintf("%.1f min", d.Minutes())
	case d >= time.Second:
		return fmt.Sprintf("%.1f s", d.Seconds())
	case d >= time.Millisecond:
		return fmt.Sprintf("%.1f ms", float64(d.Microseconds())/1000.0)
	default:
		return fmt.Sprintf("%d us", d.Microseconds())
	}
}

// Render produces dot source for the snapshot.
func Render(snap engine.TopologySnapshot) string {
	var total time.Duration
	byName := make(map[string]engine.ArrowSnapshot, len(snap.Arrows))
	for _, a := range snap.Arrows {
		total += a.TotalTime
		byName[a.Name] = a
	}

	var b strings.Builder
	b.WriteString("digraph G {\n")
	b.WriteString("\trankdir=TB;\n")

	names := make([]string, 0, len(snap.Arrows))
	for _, a := range snap.Arrows {
		names = append(names, a.Name)
	}
	sort.Strings(names)

	for _, name := range names {
		a := byName[name]
		percent := 0.0
		if total > 0 {
			percent = 100 * float64(a.TotalTime) / float64(total)
		}
		fmt.Fprintf(&b, "\t%q [shape=%s, label=\"%s\\n%s (%.1f%%)\"];\n",
			a.Name, shape(a.Kind), a.Name, timeString(a.TotalTime), percent)
	}

	for _, name := range names {
		a := byName[name]
		for _, dst := range a.Downstream {
			d, ok := byName[dst]
			if !ok {
				continue
			}
			percent := 0.0
			if total > 0 {
				percent = 100 * float64(d.TotalTime) / float64(total)
			}
			fmt.Fprintf(&b, "\t%q -> %q [label=\"%d calls\\n%s\\n%.1f%%\"];\n",
				a.Name, dst, d.Shots, timeString(d.TotalTime), percent)
		}
	}
	b.WriteString("}\n")
	return b.String()
}
