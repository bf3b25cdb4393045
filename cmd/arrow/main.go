// Command arrow is the demo binary over the cli package: it registers a
// synthetic source builder, so every positional spec becomes an unbounded
// event stream whose payload is the spec string (bound it with -PNEVENTS=n).
package main

import (
	"context"
	"os"

	"github.com/flowmech/arrow/cli"
	"github.com/flowmech/arrow/engine"
)

func main() {
	app := cli.New(func(spec string) (engine.EventSource, error) {
		return &syntheticSource{spec: spec}, nil
	})
	os.Exit(app.Execute())
}

// syntheticSource emits events as fast as the pool allows, tagging each
// payload with its spec string.
type syntheticSource struct {
	spec string
}

func (s *syntheticSource) Open(context.Context) error { return nil }

func (s *syntheticSource) GetEvent(_ context.Context, event *engine.Handle) error {
	event.Payload = s.spec
	return nil
}

func (s *syntheticSource) Close(context.Context) error { return nil }
