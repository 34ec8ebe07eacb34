// pkg/control/control.go
package control

import (
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/ironveil/hostwatch/pkg/event"
	"github.com/ironveil/hostwatch/pkg/metrics"
)

// DispatcherState reflects the dispatcher circuit breaker.
type DispatcherState string

const (
	DispatcherHealthy  DispatcherState = "healthy"
	DispatcherDegraded DispatcherState = "degraded"
)

// Diagnostics is the operator-facing snapshot of pipeline health.
type Diagnostics struct {
	MonitoringEnabled bool              `json:"monitoring_enabled"`
	DispatcherState   DispatcherState   `json:"dispatcher_state"`
	DroppedEvents     int64             `json:"dropped_events"`
	UnscoredEvents    int64             `json:"unscored_events"`
	Thresholds        map[string]string `json:"thresholds"`
}

// ControlPlane is the process-wide mutable configuration shared by every
// pipeline component. Reads are cheap and lock-free where possible; writes
// come only from operator actions and apply atomically.
type ControlPlane struct {
	monitoring atomic.Bool
	dropped    atomic.Int64
	unscored   atomic.Int64

	mu              sync.RWMutex
	thresholds      map[event.Kind]event.Severity
	dispatcherState DispatcherState

	logger zerolog.Logger
}

// New creates a control plane with monitoring enabled and the given
// per-kind severity thresholds. Kinds absent from the map default to Info,
// so every positive verdict for them surfaces.
func New(logger zerolog.Logger, thresholds map[event.Kind]event.Severity) *ControlPlane {
	cp := &ControlPlane{
		thresholds:      make(map[event.Kind]event.Severity, len(thresholds)),
		dispatcherState: DispatcherHealthy,
		logger:          logger.With().Str("component", "control_plane").Logger(),
	}
	for kind, sev := range thresholds {
		cp.thresholds[kind] = sev
	}
	cp.monitoring.Store(true)
	return cp
}

// SetMonitoring enables or disables event collection. Collectors observe the
// flag at their next poll cycle; dispatch and correlation keep draining.
func (cp *ControlPlane) SetMonitoring(enabled bool) {
	if cp.monitoring.Swap(enabled) != enabled {
		cp.logger.Info().Bool("enabled", enabled).Msg("Monitoring flag changed")
	}
}

// MonitoringEnabled reports whether collectors should produce events.
func (cp *ControlPlane) MonitoringEnabled() bool {
	return cp.monitoring.Load()
}

// SetThreshold updates the minimum severity for one detection kind. Setting
// the current value is a no-op. The change applies only to verdicts processed
// afterwards; stored alerts are never re-evaluated.
func (cp *ControlPlane) SetThreshold(kind event.Kind, sev event.Severity) {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	if current, ok := cp.thresholds[kind]; ok && current == sev {
		return
	}
	cp.thresholds[kind] = sev
	cp.logger.Info().
		Str("kind", string(kind)).
		Str("severity", sev.String()).
		Msg("Alert threshold changed")
}

// Threshold returns the minimum severity required to surface an alert of the
// given kind.
func (cp *ControlPlane) Threshold(kind event.Kind) event.Severity {
	cp.mu.RLock()
	defer cp.mu.RUnlock()
	if sev, ok := cp.thresholds[kind]; ok {
		return sev
	}
	return event.SeverityInfo
}

// SetDispatcherState records the dispatcher circuit breaker state.
func (cp *ControlPlane) SetDispatcherState(state DispatcherState) {
	cp.mu.Lock()
	changed := cp.dispatcherState != state
	cp.dispatcherState = state
	cp.mu.Unlock()

	if !changed {
		return
	}
	if state == DispatcherDegraded {
		metrics.DispatcherDegraded.Set(1)
		cp.logger.Warn().Msg("Dispatcher entered degraded state")
	} else {
		metrics.DispatcherDegraded.Set(0)
		cp.logger.Info().Msg("Dispatcher recovered to healthy state")
	}
}

// DispatcherState returns the current dispatcher state.
func (cp *ControlPlane) DispatcherState() DispatcherState {
	cp.mu.RLock()
	defer cp.mu.RUnlock()
	return cp.dispatcherState
}

// AddDropped increments the dropped-event counter.
func (cp *ControlPlane) AddDropped(n int64) {
	cp.dropped.Add(n)
	metrics.EventsDropped.Add(float64(n))
}

// AddUnscored increments the unscored-event counter.
func (cp *ControlPlane) AddUnscored(n int64) {
	cp.unscored.Add(n)
	metrics.EventsUnscored.Add(float64(n))
}

// Diagnostics returns a consistent snapshot for the operator interface.
func (cp *ControlPlane) Diagnostics() Diagnostics {
	cp.mu.RLock()
	defer cp.mu.RUnlock()

	thresholds := make(map[string]string, len(cp.thresholds))
	for kind, sev := range cp.thresholds {
		thresholds[string(kind)] = sev.String()
	}
	return Diagnostics{
		MonitoringEnabled: cp.monitoring.Load(),
		DispatcherState:   cp.dispatcherState,
		DroppedEvents:     cp.dropped.Load(),
		UnscoredEvents:    cp.unscored.Load(),
		Thresholds:        thresholds,
	}
}
