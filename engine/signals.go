package engine

import (
	"github.com/zoobzio/capitan"
	"github.com/zoobzio/metricz"
	"github.com/zoobzio/tracez"
)

// Signal constants for engine lifecycle events.
// Signals follow the pattern <component>.<event>.
var (
	SignalArrowDeactivated  = capitan.NewSignal("arrow.deactivated", "Arrow deactivated")
	SignalArrowInitialized  = capitan.NewSignal("arrow.initialized", "Arrow initialized")
	SignalArrowFinished     = capitan.NewSignal("arrow.finished", "Arrow finished")
	SignalArrowError        = capitan.NewSignal("arrow.error", "Arrow error")
	SignalSchedulerNoWork   = capitan.NewSignal("scheduler.no_work", "Scheduler has no work")
	SignalTopologyRunning   = capitan.NewSignal("topology.running", "Topology running")
	SignalTopologyPausing   = capitan.NewSignal("topology.pausing", "Topology pausing")
	SignalTopologyDraining  = capitan.NewSignal("topology.draining", "Topology draining")
	SignalTopologyPaused    = capitan.NewSignal("topology.paused", "Topology paused")
	SignalTopologyFinished  = capitan.NewSignal("topology.finished", "Topology finished")
	SignalWorkerExited      = capitan.NewSignal("worker.exited", "Worker exited")
	SignalControllerScale   = capitan.NewSignal("controller.scale", "Controller scale")
	SignalControllerRequest = capitan.NewSignal("controller.request", "Controller request")
)

// Field keys used across engine signal emissions. All keys use primitive
// types, matching the teacher's convention of avoiding custom struct
// serialization inside signal fields.
var (
	FieldArrowName   = capitan.NewStringKey("arrow_name")
	FieldArrowType   = capitan.NewStringKey("arrow_type")
	FieldWorkerID    = capitan.NewIntKey("worker_id")
	FieldThreadCount = capitan.NewIntKey("thread_count")
	FieldPending     = capitan.NewIntKey("pending")
	FieldResult      = capitan.NewStringKey("result")
	FieldStatus      = capitan.NewStringKey("status")
	FieldNThreads    = capitan.NewIntKey("nthreads")
	FieldError       = capitan.NewStringKey("error")
	FieldCommand     = capitan.NewStringKey("command")
)

// Metric keys accumulated per arrow and aggregated per topology, mirroring
// the teacher's metricz.Key usage in signals.go/handle.go.
const (
	MetricShotsTotal     = metricz.Key("arrow.shots.total")
	MetricEventsTotal    = metricz.Key("arrow.events.total")
	MetricErrorsTotal    = metricz.Key("arrow.errors.total")
	MetricShotNanosTotal = metricz.Key("arrow.shot_nanos.total")
)

// Span and tag keys wrapping each worker shot.
const (
	SpanShot      = tracez.Key("worker.shot")
	TagShotArrow  = tracez.Tag("shot.arrow")
	TagShotResult = tracez.Tag("shot.result")
)
