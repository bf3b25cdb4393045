// Package engine implements the execution core of the arrow event-processing
// framework: the dataflow topology, its scheduler, the worker pool, and the
// lifecycle state machine that coordinates them.
//
// The engine pulls event handles from one or more Source arrows, drives them
// through a user-assembled graph of Stage/Unfolder/Folder arrows, and
// finally through one or more Sink arrows. Everything the engine touches
// beyond that graph - the component model, configuration loading, the
// benchmarking harness, the call-graph visualizer - is treated as an opaque
// collaborator and lives in sibling packages.
//
// # Core concepts
//
//   - Queue: a bounded MPMC FIFO of event handles, try-only (no blocking wait).
//   - Arrow: a node in the topology (Source, Stage, Sink, Unfolder, Folder).
//   - Topology: the graph of arrows and queues plus its lifecycle state.
//   - Scheduler: the single mutator of arrow activation decisions.
//   - Worker: a goroutine that repeatedly requests an assignment and
//     executes one shot of it.
//   - ProcessingController: the external facade (run, scale, pause, drain,
//     stop, join, metrics).
package engine
