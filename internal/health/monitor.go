package health

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/FairForge/taskbridge/internal/metrics"
)

// Prober is the reachability probe the monitor runs against the
// distributed queue backend.
type Prober interface {
	Ping(ctx context.Context) error
	MemoryUsage(ctx context.Context) (usedMB, maxMB float64, err error)
}

// Config controls probe cadence and hysteresis
type Config struct {
	ProbeTimeout      time.Duration
	CheckInterval     time.Duration
	FailureThreshold  int
	SampleHistory     int
	MemoryWarnPercent float64
}

// ApplyDefaults fills in default values
func (c *Config) ApplyDefaults() {
	if c.ProbeTimeout == 0 {
		c.ProbeTimeout = 2 * time.Second
	}
	if c.CheckInterval == 0 {
		c.CheckInterval = 30 * time.Second
	}
	if c.FailureThreshold == 0 {
		c.FailureThreshold = 3
	}
	if c.SampleHistory == 0 {
		c.SampleHistory = 10
	}
	if c.MemoryWarnPercent == 0 {
		c.MemoryWarnPercent = 75
	}
}

// Sample is one point-in-time probe result
type Sample struct {
	Timestamp time.Time     `json:"timestamp"`
	Reachable bool          `json:"reachable"`
	Latency   time.Duration `json:"latency"`
	UsedMB    float64       `json:"used_mb"`
	Error     string        `json:"error,omitempty"`
}

// Status is the monitor's current view of the queue backend
type Status struct {
	Healthy             bool    `json:"healthy"`
	ConsecutiveFailures int     `json:"consecutive_failures"`
	LastSample          *Sample `json:"last_sample,omitempty"`
}

// MemoryStatus reports queue memory pressure, independent of reachability
type MemoryStatus struct {
	UsedMB  float64 `json:"used_mb"`
	MaxMB   float64 `json:"max_mb"`
	Percent float64 `json:"percent"`
	Warning bool    `json:"warning"`
}

// Transition is delivered to subscribers when healthy flips
type Transition struct {
	Healthy bool
	Reason  string
	At      time.Time
}

// Monitor probes the queue backend and keeps a hysteresis-smoothed
// healthy flag: degrading takes FailureThreshold consecutive failures,
// recovering takes exactly one success.
type Monitor struct {
	mu          sync.Mutex
	prober      Prober
	cfg         Config
	logger      *zap.Logger
	metrics     *metrics.Metrics
	healthy     bool
	failures    int
	samples     []Sample
	subscribers []func(Transition)
}

// NewMonitor creates a health monitor. The backend starts out presumed
// healthy; the first probe corrects that if needed.
func NewMonitor(prober Prober, cfg Config, logger *zap.Logger) *Monitor {
	cfg.ApplyDefaults()
	if logger == nil {
		logger, _ = zap.NewDevelopment()
	}
	return &Monitor{
		prober:  prober,
		cfg:     cfg,
		logger:  logger,
		healthy: true,
	}
}

// SetMetrics wires probe-failure counting; may be nil
func (m *Monitor) SetMetrics(mm *metrics.Metrics) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.metrics = mm
}

// Subscribe registers a transition listener. Listeners are called
// synchronously from CheckHealth, outside the monitor's lock.
func (m *Monitor) Subscribe(fn func(Transition)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscribers = append(m.subscribers, fn)
}

// CheckHealth runs one probe and returns the resulting healthy flag. It
// never returns an error: any probe failure counts as unhealthy so the
// coordinator can always make a routing decision.
func (m *Monitor) CheckHealth(ctx context.Context) bool {
	probeCtx, cancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout)
	defer cancel()

	start := time.Now()
	err := m.prober.Ping(probeCtx)
	sample := Sample{
		Timestamp: start,
		Reachable: err == nil,
		Latency:   time.Since(start),
	}
	if err != nil {
		sample.Error = err.Error()
		m.mu.Lock()
		mm := m.metrics
		m.mu.Unlock()
		if mm != nil {
			mm.ProbeFailures.Inc()
		}
	} else if used, _, merr := m.prober.MemoryUsage(probeCtx); merr == nil {
		sample.UsedMB = used
	}

	healthy, transition := m.record(sample)
	if transition != nil {
		m.notify(*transition)
	}
	return healthy
}

// record applies hysteresis and returns a transition when healthy flips
func (m *Monitor) record(s Sample) (bool, *Transition) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.samples = append(m.samples, s)
	if len(m.samples) > m.cfg.SampleHistory {
		m.samples = m.samples[len(m.samples)-m.cfg.SampleHistory:]
	}

	var tr *Transition
	if s.Reachable {
		m.failures = 0
		if !m.healthy {
			m.healthy = true
			tr = &Transition{Healthy: true, Reason: "probe succeeded", At: s.Timestamp}
		}
	} else {
		m.failures++
		if m.healthy && m.failures >= m.cfg.FailureThreshold {
			m.healthy = false
			tr = &Transition{Healthy: false, Reason: s.Error, At: s.Timestamp}
		}
	}
	return m.healthy, tr
}

func (m *Monitor) notify(tr Transition) {
	if tr.Healthy {
		m.logger.Info("queue backend recovered", zap.Time("at", tr.At))
	} else {
		m.logger.Warn("queue backend unhealthy",
			zap.String("reason", tr.Reason),
			zap.Int("threshold", m.cfg.FailureThreshold))
	}

	m.mu.Lock()
	subs := make([]func(Transition), len(m.subscribers))
	copy(subs, m.subscribers)
	m.mu.Unlock()

	for _, fn := range subs {
		fn(tr)
	}
}

// Status returns the current health view
func (m *Monitor) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := Status{
		Healthy:             m.healthy,
		ConsecutiveFailures: m.failures,
	}
	if len(m.samples) > 0 {
		last := m.samples[len(m.samples)-1]
		st.LastSample = &last
	}
	return st
}

// Samples returns a copy of the retained probe history
func (m *Monitor) Samples() []Sample {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Sample, len(m.samples))
	copy(out, m.samples)
	return out
}

// MemoryUsage samples queue memory. Errors degrade to a zero report
// rather than propagating: memory pressure is advisory.
func (m *Monitor) MemoryUsage(ctx context.Context) MemoryStatus {
	probeCtx, cancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout)
	defer cancel()

	used, max, err := m.prober.MemoryUsage(probeCtx)
	if err != nil {
		return MemoryStatus{}
	}

	st := MemoryStatus{UsedMB: used, MaxMB: max}
	if max > 0 {
		st.Percent = used / max * 100
		st.Warning = st.Percent > m.cfg.MemoryWarnPercent
	}
	return st
}

// Run probes on a fixed interval until the context is cancelled
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.CheckHealth(ctx)
		}
	}
}
