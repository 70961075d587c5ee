package selector

import (
	"errors"
	"fmt"
)

// ErrNoAvailableEndpoint matches every *NoAvailableEndpointError through errors.Is
var ErrNoAvailableEndpoint = errors.New("no available endpoint")

// Reason says why no endpoint could be selected
type Reason string

const (
	// ReasonNoCandidates means the VMR has no active endpoints configured
	ReasonNoCandidates Reason = "NoCandidates"
	// ReasonUnhealthy means every candidate is unhealthy
	ReasonUnhealthy Reason = "Unhealthy"
	// ReasonAtCapacity means every healthy candidate is at its parallel request limit
	ReasonAtCapacity Reason = "AtCapacity"
)

type NoAvailableEndpointError struct {
	VmrID      string
	Reason     Reason
	Candidates int
	Unhealthy  int
	AtCapacity int
}

func (e *NoAvailableEndpointError) Error() string {
	return fmt.Sprintf("%s for vmr %s: %s (candidates=%d unhealthy=%d at_capacity=%d)",
		ErrNoAvailableEndpoint, e.VmrID, e.Reason, e.Candidates, e.Unhealthy, e.AtCapacity)
}

func (e *NoAvailableEndpointError) Is(target error) bool {
	return target == ErrNoAvailableEndpoint
}
