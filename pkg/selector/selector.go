package selector

import (
	"errors"
	"time"

	"github.com/beam-cloud/vmr/pkg/metrics"
	"github.com/beam-cloud/vmr/pkg/types"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog/log"
)

// ============================================================================
// Endpoint Selector - Picks the endpoint that serves the next request
// ============================================================================

// HealthGate is the view of the health monitor the selector needs
type HealthGate interface {
	IsHealthy(endpointID string) bool
	HasCapacity(endpointID string, maxParallel int) bool
	TryIncrementInFlight(endpointID string, maxParallel int) bool
	DecrementInFlight(endpointID string)
}

// SessionPinner is the view of the session affinity store the selector needs
type SessionPinner interface {
	TryGetPinnedEndpoint(vmrID, clientKey string) (string, bool)
	SetPinnedEndpoint(vmrID, clientKey, endpointID string, timeout time.Duration, maxEntries int)
}

// Selection is a reserved endpoint. The caller must Release it exactly once.
type Selection struct {
	Endpoint    *types.ModelRunnerEndpoint
	SessionUsed bool
}

type Selector struct {
	health   HealthGate
	sessions SessionPinner
	metrics  *metrics.Metrics
	states   *xsync.MapOf[string, *balancerState]
}

// NewSelector creates a Selector. m may be nil.
func NewSelector(health HealthGate, sessions SessionPinner, m *metrics.Metrics) (*Selector, error) {
	if health == nil {
		return nil, errors.New("selector requires a health gate")
	}
	if sessions == nil {
		return nil, errors.New("selector requires a session store")
	}
	return &Selector{
		health:   health,
		sessions: sessions,
		metrics:  m,
		states:   xsync.NewMapOf[string, *balancerState](),
	}, nil
}

// Select picks and reserves an endpoint for one request. candidates are the VMR's
// active endpoints in configuration order. On success one in-flight slot is held.
func (s *Selector) Select(vmr *types.VirtualModelRunner, candidates []*types.ModelRunnerEndpoint, clientKey string) (Selection, error) {
	if len(candidates) == 0 {
		return Selection{}, s.fail(&NoAvailableEndpointError{VmrID: vmr.ID, Reason: ReasonNoCandidates})
	}

	affinity := vmr.SessionAffinityEnabled() && clientKey != ""
	if affinity {
		if ep := s.tryPinned(vmr, candidates, clientKey); ep != nil {
			s.metrics.RecordSelection(vmr.ID, ep.ID, true)
			return Selection{Endpoint: ep, SessionUsed: true}, nil
		}
	}

	eligible := make([]*types.ModelRunnerEndpoint, 0, len(candidates))
	unhealthy, atCapacity := 0, 0
	for _, ep := range candidates {
		switch {
		case !s.health.IsHealthy(ep.ID):
			unhealthy++
		case !s.health.HasCapacity(ep.ID, ep.MaxParallelRequests):
			atCapacity++
		default:
			eligible = append(eligible, ep)
		}
	}

	state, _ := s.states.LoadOrCompute(vmr.ID, newBalancerState)

	// A lost reservation race drops that endpoint and picks again from the rest
	for len(eligible) > 0 {
		ep := state.pick(vmr.LoadBalancingMode, eligible)
		if s.health.TryIncrementInFlight(ep.ID, ep.MaxParallelRequests) {
			if affinity {
				s.sessions.SetPinnedEndpoint(vmr.ID, clientKey, ep.ID, vmr.SessionTimeout(), vmr.SessionCapacity())
			}
			s.metrics.RecordSelection(vmr.ID, ep.ID, false)
			return Selection{Endpoint: ep}, nil
		}

		log.Debug().
			Str("vmr_id", vmr.ID).
			Str("endpoint_id", ep.ID).
			Msg("Lost capacity reservation, retrying selection")
		atCapacity++
		eligible = without(eligible, ep)
	}

	reason := ReasonAtCapacity
	if unhealthy == len(candidates) {
		reason = ReasonUnhealthy
	}
	return Selection{}, s.fail(&NoAvailableEndpointError{
		VmrID:      vmr.ID,
		Reason:     reason,
		Candidates: len(candidates),
		Unhealthy:  unhealthy,
		AtCapacity: atCapacity,
	})
}

// tryPinned returns the pinned endpoint with a reserved slot, or nil if the pin can't be honored
func (s *Selector) tryPinned(vmr *types.VirtualModelRunner, candidates []*types.ModelRunnerEndpoint, clientKey string) *types.ModelRunnerEndpoint {
	endpointID, ok := s.sessions.TryGetPinnedEndpoint(vmr.ID, clientKey)
	if !ok {
		return nil
	}

	for _, ep := range candidates {
		if ep.ID != endpointID {
			continue
		}
		if !s.health.IsHealthy(ep.ID) || !s.health.HasCapacity(ep.ID, ep.MaxParallelRequests) {
			return nil
		}
		if !s.health.TryIncrementInFlight(ep.ID, ep.MaxParallelRequests) {
			return nil
		}
		return ep
	}
	return nil
}

// Release frees the in-flight slot held by a successful Select
func (s *Selector) Release(sel Selection) {
	if sel.Endpoint != nil {
		s.health.DecrementInFlight(sel.Endpoint.ID)
	}
}

// ResetVmr forgets the balancing state of a VMR
func (s *Selector) ResetVmr(vmrID string) {
	s.states.Delete(vmrID)
}

func (s *Selector) fail(err *NoAvailableEndpointError) error {
	s.metrics.RecordSelectionFailure(err.VmrID, string(err.Reason))
	return err
}

func without(list []*types.ModelRunnerEndpoint, ep *types.ModelRunnerEndpoint) []*types.ModelRunnerEndpoint {
	out := make([]*types.ModelRunnerEndpoint, 0, len(list))
	for _, e := range list {
		if e != ep {
			out = append(out, e)
		}
	}
	return out
}
