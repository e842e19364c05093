package health

import (
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/FairForge/taskbridge/internal/metrics"
)

// fakeProber replays a scripted sequence of probe results
type fakeProber struct {
	results []error
	calls   int
	usedMB  float64
	maxMB   float64
	memErr  error
}

func (f *fakeProber) Ping(_ context.Context) error {
	if f.calls >= len(f.results) {
		return nil
	}
	err := f.results[f.calls]
	f.calls++
	return err
}

func (f *fakeProber) MemoryUsage(_ context.Context) (float64, float64, error) {
	return f.usedMB, f.maxMB, f.memErr
}

var errRefused = errors.New("connection refused")

func TestMonitor_Hysteresis(t *testing.T) {
	// unhealthy only after the 3rd consecutive failure, healthy again
	// immediately after the ok
	prober := &fakeProber{results: []error{errRefused, errRefused, errRefused, nil}}
	m := NewMonitor(prober, Config{FailureThreshold: 3}, nil)

	var readings []bool
	for i := 0; i < 4; i++ {
		readings = append(readings, m.CheckHealth(context.Background()))
	}

	assert.Equal(t, []bool{true, true, false, true}, readings)
	assert.Equal(t, 0, m.Status().ConsecutiveFailures)
	assert.True(t, m.Status().Healthy)
}

func TestMonitor_SuccessResetsCounter(t *testing.T) {
	prober := &fakeProber{results: []error{errRefused, errRefused, nil, errRefused, errRefused}}
	m := NewMonitor(prober, Config{FailureThreshold: 3}, nil)

	for i := 0; i < 5; i++ {
		m.CheckHealth(context.Background())
	}

	// two failures, a reset, then two more: never reaches the threshold
	st := m.Status()
	assert.True(t, st.Healthy)
	assert.Equal(t, 2, st.ConsecutiveFailures)
}

func TestMonitor_StaysUnhealthyUntilSuccess(t *testing.T) {
	prober := &fakeProber{results: []error{errRefused, errRefused, errRefused, errRefused, errRefused}}
	m := NewMonitor(prober, Config{FailureThreshold: 3}, nil)

	for i := 0; i < 5; i++ {
		m.CheckHealth(context.Background())
	}
	assert.False(t, m.Status().Healthy)
	assert.Equal(t, 5, m.Status().ConsecutiveFailures)
}

func TestMonitor_Transitions(t *testing.T) {
	prober := &fakeProber{results: []error{errRefused, errRefused, errRefused, nil}}
	m := NewMonitor(prober, Config{FailureThreshold: 3}, nil)

	var transitions []Transition
	m.Subscribe(func(tr Transition) { transitions = append(transitions, tr) })

	for i := 0; i < 4; i++ {
		m.CheckHealth(context.Background())
	}

	require.Len(t, transitions, 2)
	assert.False(t, transitions[0].Healthy)
	assert.Equal(t, "connection refused", transitions[0].Reason)
	assert.True(t, transitions[1].Healthy)
}

func TestMonitor_SampleHistoryBounded(t *testing.T) {
	prober := &fakeProber{}
	m := NewMonitor(prober, Config{SampleHistory: 3}, nil)

	for i := 0; i < 10; i++ {
		m.CheckHealth(context.Background())
	}
	assert.Len(t, m.Samples(), 3)
}

func TestMonitor_CountsProbeFailures(t *testing.T) {
	prober := &fakeProber{results: []error{errRefused, nil, errRefused}}
	m := NewMonitor(prober, Config{FailureThreshold: 3}, nil)
	mm := metrics.NewMetrics()
	m.SetMetrics(mm)

	for i := 0; i < 3; i++ {
		m.CheckHealth(context.Background())
	}

	assert.InDelta(t, 2.0, testutil.ToFloat64(mm.ProbeFailures), 0.01)
}

func TestMonitor_MemoryUsage(t *testing.T) {
	prober := &fakeProber{usedMB: 800, maxMB: 1000}
	m := NewMonitor(prober, Config{}, nil)

	st := m.MemoryUsage(context.Background())
	assert.InDelta(t, 80.0, st.Percent, 0.01)
	assert.True(t, st.Warning)

	prober.usedMB = 100
	st = m.MemoryUsage(context.Background())
	assert.False(t, st.Warning)
}

func TestMonitor_MemoryUsage_ProbeError(t *testing.T) {
	prober := &fakeProber{memErr: errRefused}
	m := NewMonitor(prober, Config{}, nil)

	st := m.MemoryUsage(context.Background())
	assert.Zero(t, st.Percent)
	assert.False(t, st.Warning)
}
