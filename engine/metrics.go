package engine

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/zoobzio/clockz"
	"github.com/zoobzio/metricz"
)

// DefaultRateWindow is the sampling window for the instantaneous rate
// derivative reported by TopologySnapshot.
const DefaultRateWindow = 500 * time.Millisecond

// arrowMetrics accumulates per-arrow counters: shot count, total elapsed
// time, total processed event count, and the last shot result. All fields
// are atomics so workers can record shots lock-free and snapshots can read
// them outside the scheduler mutex.
type arrowMetrics struct {
	shots      atomic.Int64
	events     atomic.Int64
	errors     atomic.Int64
	totalNanos atomic.Int64
	lastResult atomic.Int32
	registry   *metricz.Registry
}

func newArrowMetrics() *arrowMetrics {
	registry := metricz.New()
	registry.Counter(MetricShotsTotal)
	registry.Counter(MetricEventsTotal)
	registry.Counter(MetricErrorsTotal)
	registry.Counter(MetricShotNanosTotal)

	m := &arrowMetrics{registry: registry}
	m.lastResult.Store(int32(ComeBackLater))
	return m
}

func (m *arrowMetrics) recordShot(result ShotResult, elapsed time.Duration) {
	m.shots.Add(1)
	m.totalNanos.Add(int64(elapsed))
	m.lastResult.Store(int32(result))
	m.registry.Counter(MetricShotsTotal).Inc()
	m.registry.Counter(MetricShotNanosTotal).Add(float64(elapsed))
	if result == ShotErrorResult {
		m.errors.Add(1)
		m.registry.Counter(MetricErrorsTotal).Inc()
	}
}

func (m *arrowMetrics) recordEvents(n int) {
	if n == 0 {
		return
	}
	m.events.Add(int64(n))
	m.registry.Counter(MetricEventsTotal).Add(float64(n))
}

func (m *arrowMetrics) reset() {
	m.shots.Store(0)
	m.events.Store(0)
	m.errors.Store(0)
	m.totalNanos.Store(0)
	m.lastResult.Store(int32(ComeBackLater))
}

// topologyMetrics tracks run-level timing: a start timestamp plus the
// bookkeeping for the windowed instantaneous-rate derivative. Reset on
// run(), stopped on achieve_pause(). Event totals themselves live in the
// per-arrow atomics; this struct only owns time.
type topologyMetrics struct {
	clock    clockz.Clock
	mu       sync.Mutex
	window   time.Duration
	nthreads int
	running  bool
	start    time.Time
	stop     time.Time
	prevTime time.Time
	prev     int64
	instRate float64
}

func newTopologyMetrics(clock clockz.Clock) *topologyMetrics {
	return &topologyMetrics{clock: clock, window: DefaultRateWindow}
}

func (m *topologyMetrics) reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.running = false
	m.start = time.Time{}
	m.stop = time.Time{}
	m.prevTime = time.Time{}
	m.prev = 0
	m.instRate = 0
}

func (m *topologyMetrics) startRun(nthreads int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clock.Now()
	m.running = true
	m.nthreads = nthreads
	m.start = now
	m.prevTime = now
	m.prev = 0
}

func (m *topologyMetrics) stopRun() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		m.stop = m.clock.Now()
		m.running = false
	}
}

// observe folds the current processed-event total into the rate bookkeeping
// and returns (uptime, integrated rate, instantaneous rate). The
// instantaneous rate is a derivative over at least one window; within a
// window the previous sample is returned unchanged.
func (m *topologyMetrics) observe(processed int64) (time.Duration, float64, float64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.start.IsZero() {
		return 0, 0, 0
	}
	now := m.clock.Now()
	if !m.running {
		now = m.stop
	}
	uptime := now.Sub(m.start)

	var avg float64
	if uptime > 0 {
		avg = float64(processed) / uptime.Seconds()
	}

	if dt := now.Sub(m.prevTime); dt >= m.window {
		m.instRate = float64(processed-m.prev) / dt.Seconds()
		m.prevTime = now
		m.prev = processed
	}
	return uptime, avg, m.instRate
}

func (m *topologyMetrics) threadCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.nthreads
}

// setThreadCount tracks worker-pool rescales so snapshots report the
// live pool size, not the size the run started with.
func (m *topologyMetrics) setThreadCount(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nthreads = n
}

// ArrowSnapshot is a point-in-time view of one arrow, taken under the
// scheduler mutex so the activation counters are mutually consistent.
type ArrowSnapshot struct {
	Name             string
	Kind             Kind
	Parallel         bool
	Status           Status
	ThreadCount      int
	Pending          int
	RunningUpstreams int
	Downstream       []string
	Shots            int64
	EventsProcessed  int64
	Errors           int64
	TotalTime        time.Duration
	LastResult       ShotResult
}

// TopologySnapshot is the controller's get_metrics() payload: per-arrow
// counters plus topology totals and rates.
type TopologySnapshot struct {
	Status          TopologyStatus
	RunningArrows   int
	NThreads        int
	EventsEmitted   int64
	EventsProcessed int64
	Uptime          time.Duration
	AvgRate         float64
	InstRate        float64
	Arrows          []ArrowSnapshot
}
