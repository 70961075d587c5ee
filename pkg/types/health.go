package types

import "time"

// ============================================================================
// Health Types - Copies of monitor state handed to callers
// ============================================================================

// EndpointHealthSnapshot is a lock-free copy of an endpoint's health state.
// TotalUptimeMs/TotalDowntimeMs already include the currently open interval.
type EndpointHealthSnapshot struct {
	EndpointID   string `json:"endpoint_id"`
	EndpointName string `json:"endpoint_name"`
	TenantID     string `json:"tenant_id"`

	IsHealthy            bool `json:"is_healthy"`
	ConsecutiveSuccesses int  `json:"consecutive_successes"`
	ConsecutiveFailures  int  `json:"consecutive_failures"`
	InFlightRequests     int  `json:"in_flight_requests"`

	TotalUptimeMs   int64 `json:"total_uptime_ms"`
	TotalDowntimeMs int64 `json:"total_downtime_ms"`

	FirstCheckUtc      time.Time  `json:"first_check_utc"`
	LastCheckUtc       *time.Time `json:"last_check_utc,omitempty"`
	LastHealthyUtc     *time.Time `json:"last_healthy_utc,omitempty"`
	LastUnhealthyUtc   *time.Time `json:"last_unhealthy_utc,omitempty"`
	LastStateChangeUtc *time.Time `json:"last_state_change_utc,omitempty"`
	LastError          string     `json:"last_error,omitempty"`
}

// UptimePercentage returns uptime over observed time, 0 when nothing was observed yet
func (s *EndpointHealthSnapshot) UptimePercentage() float64 {
	total := s.TotalUptimeMs + s.TotalDowntimeMs
	if total <= 0 {
		return 0
	}
	return float64(s.TotalUptimeMs) / float64(total) * 100
}

// EndpointAvailability is the per-selection view of one candidate
type EndpointAvailability struct {
	Endpoint    *ModelRunnerEndpoint
	IsHealthy   bool
	HasCapacity bool
}

// Eligible reports whether the endpoint may receive a request right now
func (a EndpointAvailability) Eligible() bool {
	return a.IsHealthy && a.HasCapacity
}

// EndpointHealthStatus is the externally reported health of one endpoint
type EndpointHealthStatus struct {
	EndpointID           string     `json:"endpoint_id"`
	EndpointName         string     `json:"endpoint_name"`
	Active               bool       `json:"active"`
	IsHealthy            bool       `json:"is_healthy"`
	Monitored            bool       `json:"monitored"`
	UptimePercentage     float64    `json:"uptime_percentage"`
	TotalUptimeMs        int64      `json:"total_uptime_ms"`
	TotalDowntimeMs      int64      `json:"total_downtime_ms"`
	ConsecutiveSuccesses int        `json:"consecutive_successes"`
	ConsecutiveFailures  int        `json:"consecutive_failures"`
	InFlightRequests     int        `json:"in_flight_requests"`
	MaxParallelRequests  int        `json:"max_parallel_requests"`
	Weight               int        `json:"weight"`
	LastCheckUtc         *time.Time `json:"last_check_utc,omitempty"`
	LastStateChangeUtc   *time.Time `json:"last_state_change_utc,omitempty"`
	LastError            string     `json:"last_error,omitempty"`
}

// VirtualModelRunnerHealthStatus aggregates the health of a VMR's endpoints
type VirtualModelRunnerHealthStatus struct {
	VirtualModelRunnerID   string                 `json:"virtual_model_runner_id"`
	VirtualModelRunnerName string                 `json:"virtual_model_runner_name"`
	OverallHealthy         bool                   `json:"overall_healthy"`
	HealthyEndpointCount   int                    `json:"healthy_endpoint_count"`
	TotalEndpointCount     int                    `json:"total_endpoint_count"`
	ActiveSessions         *int                   `json:"active_sessions,omitempty"`
	Endpoints              []EndpointHealthStatus `json:"endpoints"`
	CheckedUtc             time.Time              `json:"checked_utc"`
}
