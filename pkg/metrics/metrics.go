package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "vmr"

const (
	LabelEndpointID = "endpoint_id"
	LabelVmrID      = "vmr_id"
	LabelState      = "state"
	LabelSession    = "session"
	LabelReason     = "reason"
)

// Metrics holds the domain collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	endpointHealthy   *prometheus.GaugeVec
	endpointInFlight  *prometheus.GaugeVec
	healthTransitions *prometheus.CounterVec
	probeFailures     *prometheus.CounterVec
	selections        *prometheus.CounterVec
	selectionFailures *prometheus.CounterVec
	sessionEvictions  *prometheus.CounterVec
	sessionsExpired   prometheus.Counter
}

// New creates the collectors and registers them with registry
func New(registry prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		endpointHealthy: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "endpoint_healthy",
				Help:      "Whether the endpoint is currently considered healthy (1) or not (0)",
			},
			[]string{LabelEndpointID},
		),
		endpointInFlight: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "endpoint_in_flight_requests",
				Help:      "Number of requests currently reserved against the endpoint",
			},
			[]string{LabelEndpointID},
		),
		healthTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "endpoint_health_transitions_total",
				Help:      "Total number of endpoint health state transitions",
			},
			[]string{LabelEndpointID, LabelState},
		),
		probeFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "endpoint_probe_failures_total",
				Help:      "Total number of failed health probes",
			},
			[]string{LabelEndpointID},
		),
		selections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "selections_total",
				Help:      "Total number of successful endpoint selections",
			},
			[]string{LabelVmrID, LabelEndpointID, LabelSession},
		),
		selectionFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "selection_failures_total",
				Help:      "Total number of selections that found no available endpoint",
			},
			[]string{LabelVmrID, LabelReason},
		),
		sessionEvictions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "session_evictions_total",
				Help:      "Total number of session pins evicted because a VMR exceeded its capacity",
			},
			[]string{LabelVmrID},
		),
		sessionsExpired: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sessions_expired_total",
				Help:      "Total number of expired session pins removed",
			},
		),
	}

	collectors := map[string]prometheus.Collector{
		"endpointHealthy":   m.endpointHealthy,
		"endpointInFlight":  m.endpointInFlight,
		"healthTransitions": m.healthTransitions,
		"probeFailures":     m.probeFailures,
		"selections":        m.selections,
		"selectionFailures": m.selectionFailures,
		"sessionEvictions":  m.sessionEvictions,
		"sessionsExpired":   m.sessionsExpired,
	}
	for name, c := range collectors {
		if err := registry.Register(c); err != nil {
			return nil, fmt.Errorf("failed to register %s metric: %w", name, err)
		}
	}

	return m, nil
}

func (m *Metrics) SetEndpointHealthy(endpointID string, healthy bool) {
	if m == nil {
		return
	}
	v := 0.0
	if healthy {
		v = 1
	}
	m.endpointHealthy.WithLabelValues(endpointID).Set(v)
}

func (m *Metrics) SetInFlight(endpointID string, n int) {
	if m == nil {
		return
	}
	m.endpointInFlight.WithLabelValues(endpointID).Set(float64(n))
}

func (m *Metrics) RecordHealthTransition(endpointID string, healthy bool) {
	if m == nil {
		return
	}
	state := "unhealthy"
	if healthy {
		state = "healthy"
	}
	m.healthTransitions.WithLabelValues(endpointID, state).Inc()
}

func (m *Metrics) RecordProbeFailure(endpointID string) {
	if m == nil {
		return
	}
	m.probeFailures.WithLabelValues(endpointID).Inc()
}

// ForgetEndpoint drops the per-endpoint series once monitoring stops
func (m *Metrics) ForgetEndpoint(endpointID string) {
	if m == nil {
		return
	}
	m.endpointHealthy.DeleteLabelValues(endpointID)
	m.endpointInFlight.DeleteLabelValues(endpointID)
	m.probeFailures.DeleteLabelValues(endpointID)
	m.healthTransitions.DeletePartialMatch(prometheus.Labels{LabelEndpointID: endpointID})
}

func (m *Metrics) RecordSelection(vmrID, endpointID string, sessionUsed bool) {
	if m == nil {
		return
	}
	session := "false"
	if sessionUsed {
		session = "true"
	}
	m.selections.WithLabelValues(vmrID, endpointID, session).Inc()
}

func (m *Metrics) RecordSelectionFailure(vmrID, reason string) {
	if m == nil {
		return
	}
	m.selectionFailures.WithLabelValues(vmrID, reason).Inc()
}

func (m *Metrics) RecordSessionEvictions(vmrID string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.sessionEvictions.WithLabelValues(vmrID).Add(float64(n))
}

func (m *Metrics) RecordSessionsExpired(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.sessionsExpired.Add(float64(n))
}
