package gateway

import (
	"github.com/beam-cloud/vmr/pkg/types"
	"github.com/rs/zerolog/log"
)

// ============================================================================
// Lifecycle - Keeps monitoring, pins and balancer state in step with the registry
// ============================================================================

type endpointWatcher interface {
	OnEndpointCreated(ep *types.ModelRunnerEndpoint)
	OnEndpointUpdated(ep *types.ModelRunnerEndpoint)
	OnEndpointDeleted(endpointID string)
}

type sessionPurger interface {
	RemoveAllForEndpoint(endpointID string) int
	RemoveAllForVmr(vmrID string) int
}

type balancerResetter interface {
	ResetVmr(vmrID string)
}

// Lifecycle implements registry.Listener
type Lifecycle struct {
	monitor  endpointWatcher
	sessions sessionPurger
	balancer balancerResetter
}

func NewLifecycle(monitor endpointWatcher, sessions sessionPurger, balancer balancerResetter) *Lifecycle {
	return &Lifecycle{
		monitor:  monitor,
		sessions: sessions,
		balancer: balancer,
	}
}

func (l *Lifecycle) OnEndpointCreated(ep *types.ModelRunnerEndpoint) {
	l.monitor.OnEndpointCreated(ep)
}

// OnEndpointUpdated re-arms monitoring. Pins to an endpoint that was deactivated are dropped.
func (l *Lifecycle) OnEndpointUpdated(prev, ep *types.ModelRunnerEndpoint) {
	l.monitor.OnEndpointUpdated(ep)

	if !ep.Active {
		if n := l.sessions.RemoveAllForEndpoint(ep.ID); n > 0 {
			log.Info().
				Str("endpoint_id", ep.ID).
				Bool("was_active", prev.Active).
				Int("sessions", n).
				Msg("Removed sessions pinned to inactive endpoint")
		}
	}
}

func (l *Lifecycle) OnEndpointDeleted(ep *types.ModelRunnerEndpoint) {
	l.monitor.OnEndpointDeleted(ep.ID)

	if n := l.sessions.RemoveAllForEndpoint(ep.ID); n > 0 {
		log.Info().Str("endpoint_id", ep.ID).Int("sessions", n).Msg("Removed sessions pinned to deleted endpoint")
	}
}

func (l *Lifecycle) OnVmrCreated(vmr *types.VirtualModelRunner) {}

func (l *Lifecycle) OnVmrUpdated(prev, vmr *types.VirtualModelRunner) {
	l.resetVmr(vmr.ID)
}

func (l *Lifecycle) OnVmrDeleted(vmr *types.VirtualModelRunner) {
	l.resetVmr(vmr.ID)
}

func (l *Lifecycle) resetVmr(vmrID string) {
	n := l.sessions.RemoveAllForVmr(vmrID)
	l.balancer.ResetVmr(vmrID)
	log.Debug().Str("vmr_id", vmrID).Int("sessions", n).Msg("Reset virtual model runner routing state")
}
