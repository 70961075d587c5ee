package selector

import (
	"math/rand/v2"
	"sync"

	"github.com/beam-cloud/vmr/pkg/types"
)

// balancerState is the per-VMR load balancing state. Every field is guarded by mu.
type balancerState struct {
	mu     sync.Mutex
	cursor int
	// Smooth weighted round robin running weights, keyed by endpoint id
	current map[string]int
}

func newBalancerState() *balancerState {
	return &balancerState{cursor: -1, current: make(map[string]int)}
}

// pick chooses one endpoint from a non-empty eligible list
func (b *balancerState) pick(mode types.LoadBalancingMode, eligible []*types.ModelRunnerEndpoint) *types.ModelRunnerEndpoint {
	switch mode {
	case types.LoadBalancingWeightedRoundRobin:
		return b.smoothWeighted(eligible)
	case types.LoadBalancingRandom:
		return weightedRandom(eligible)
	case types.LoadBalancingFirstAvailable:
		return eligible[0]
	default:
		return b.roundRobin(eligible)
	}
}

func (b *balancerState) roundRobin(eligible []*types.ModelRunnerEndpoint) *types.ModelRunnerEndpoint {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.cursor = (b.cursor + 1) % len(eligible)
	return eligible[b.cursor]
}

// smoothWeighted spreads picks in proportion to weight without bursts
func (b *balancerState) smoothWeighted(eligible []*types.ModelRunnerEndpoint) *types.ModelRunnerEndpoint {
	b.mu.Lock()
	defer b.mu.Unlock()

	total := 0
	var best *types.ModelRunnerEndpoint
	for _, ep := range eligible {
		w := weightOf(ep)
		total += w
		b.current[ep.ID] += w
		if best == nil || b.current[ep.ID] > b.current[best.ID] {
			best = ep
		}
	}
	b.current[best.ID] -= total
	return best
}

func weightedRandom(eligible []*types.ModelRunnerEndpoint) *types.ModelRunnerEndpoint {
	total := 0
	for _, ep := range eligible {
		total += weightOf(ep)
	}

	r := rand.IntN(total)
	for _, ep := range eligible {
		r -= weightOf(ep)
		if r < 0 {
			return ep
		}
	}
	return eligible[len(eligible)-1]
}

func weightOf(ep *types.ModelRunnerEndpoint) int {
	if ep.Weight < types.MinWeight {
		return types.MinWeight
	}
	if ep.Weight > types.MaxWeight {
		return types.MaxWeight
	}
	return ep.Weight
}
