package health

import (
	"sync"
	"time"

	"github.com/beam-cloud/vmr/pkg/types"
)

// endpointHealthState is the mutable health record of one endpoint.
// Every field is guarded by mu.
type endpointHealthState struct {
	mu sync.Mutex

	endpointID   string
	endpointName string
	tenantID     string

	healthy   bool
	successes int
	failures  int
	inFlight  int

	// Closed intervals only; the open interval since the last transition is added on read
	uptimeMs   int64
	downtimeMs int64

	firstCheck      time.Time
	lastCheck       *time.Time
	lastHealthy     *time.Time
	lastUnhealthy   *time.Time
	lastStateChange *time.Time
	lastError       string
}

func newEndpointHealthState(ep *types.ModelRunnerEndpoint, now time.Time) *endpointHealthState {
	return &endpointHealthState{
		endpointID:   ep.ID,
		endpointName: ep.Name,
		tenantID:     ep.TenantID,
		firstCheck:   now,
	}
}

// reset clears the health record for a restarted probe loop. inFlight is left alone
// since reservations taken before the restart are still outstanding.
func (s *endpointHealthState) reset(ep *types.ModelRunnerEndpoint, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.endpointName = ep.Name
	s.tenantID = ep.TenantID
	s.healthy = false
	s.successes = 0
	s.failures = 0
	s.uptimeMs = 0
	s.downtimeMs = 0
	s.firstCheck = now
	s.lastCheck = nil
	s.lastHealthy = nil
	s.lastUnhealthy = nil
	s.lastStateChange = nil
	s.lastError = ""
}

// intervalStart returns when the current health interval began
func (s *endpointHealthState) intervalStart() time.Time {
	if s.lastStateChange != nil {
		return *s.lastStateChange
	}
	return s.firstCheck
}

// closeInterval folds the open interval into the totals. Callers hold mu.
func (s *endpointHealthState) closeInterval(now time.Time) {
	elapsed := now.Sub(s.intervalStart()).Milliseconds()
	if elapsed < 0 {
		elapsed = 0
	}
	if s.healthy {
		s.uptimeMs += elapsed
	} else {
		s.downtimeMs += elapsed
	}
}

// recordSuccess applies a successful probe and reports whether the endpoint became healthy
func (s *endpointHealthState) recordSuccess(now time.Time, threshold int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.successes++
	s.failures = 0
	s.lastCheck = &now
	s.lastError = ""

	if s.healthy || s.successes < threshold {
		return false
	}

	s.closeInterval(now)
	s.healthy = true
	s.lastHealthy = &now
	s.lastStateChange = &now
	return true
}

// recordFailure applies a failed probe and reports whether the endpoint became unhealthy
func (s *endpointHealthState) recordFailure(now time.Time, threshold int, err error) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.failures++
	s.successes = 0
	s.lastCheck = &now
	if err != nil {
		s.lastError = err.Error()
	}

	if !s.healthy || s.failures < threshold {
		return false
	}

	s.closeInterval(now)
	s.healthy = false
	s.lastUnhealthy = &now
	s.lastStateChange = &now
	return true
}

func (s *endpointHealthState) isHealthy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.healthy
}

// hasCapacity peeks at the gate without reserving. maxParallel <= 0 means unlimited.
func (s *endpointHealthState) hasCapacity(maxParallel int) bool {
	if maxParallel <= 0 {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inFlight < maxParallel
}

// tryIncrement reserves a slot and returns the new in-flight count
func (s *endpointHealthState) tryIncrement(maxParallel int) (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if maxParallel > 0 && s.inFlight >= maxParallel {
		return s.inFlight, false
	}
	s.inFlight++
	return s.inFlight, true
}

// decrement releases a slot and returns the new in-flight count
func (s *endpointHealthState) decrement() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.inFlight > 0 {
		s.inFlight--
	}
	return s.inFlight
}

func (s *endpointHealthState) inFlightCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inFlight
}

// snapshot copies the state and folds the open interval into the totals
func (s *endpointHealthState) snapshot(now time.Time) types.EndpointHealthSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := types.EndpointHealthSnapshot{
		EndpointID:           s.endpointID,
		EndpointName:         s.endpointName,
		TenantID:             s.tenantID,
		IsHealthy:            s.healthy,
		ConsecutiveSuccesses: s.successes,
		ConsecutiveFailures:  s.failures,
		InFlightRequests:     s.inFlight,
		TotalUptimeMs:        s.uptimeMs,
		TotalDowntimeMs:      s.downtimeMs,
		FirstCheckUtc:        s.firstCheck,
		LastCheckUtc:         copyTime(s.lastCheck),
		LastHealthyUtc:       copyTime(s.lastHealthy),
		LastUnhealthyUtc:     copyTime(s.lastUnhealthy),
		LastStateChangeUtc:   copyTime(s.lastStateChange),
		LastError:            s.lastError,
	}

	open := now.Sub(s.intervalStart()).Milliseconds()
	if open > 0 {
		if s.healthy {
			snap.TotalUptimeMs += open
		} else {
			snap.TotalDowntimeMs += open
		}
	}
	return snap
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
