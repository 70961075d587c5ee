package registry

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/beam-cloud/vmr/pkg/events"
	"github.com/beam-cloud/vmr/pkg/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// ============================================================================
// Registry - Endpoint and VMR configuration records
// ============================================================================

var (
	ErrNotFound      = errors.New("record not found")
	ErrAlreadyExists = errors.New("record already exists")
)

// Listener receives every configuration change synchronously, in order
type Listener interface {
	OnEndpointCreated(ep *types.ModelRunnerEndpoint)
	OnEndpointUpdated(prev, ep *types.ModelRunnerEndpoint)
	OnEndpointDeleted(ep *types.ModelRunnerEndpoint)
	OnVmrCreated(vmr *types.VirtualModelRunner)
	OnVmrUpdated(prev, vmr *types.VirtualModelRunner)
	OnVmrDeleted(vmr *types.VirtualModelRunner)
}

// Registry holds endpoint and VMR records in memory. Mutations notify the Listener
// and then publish a lifecycle event for peer replicas.
type Registry struct {
	mu        sync.RWMutex
	endpoints map[string]*types.ModelRunnerEndpoint
	vmrs      map[string]*types.VirtualModelRunner

	// Serializes writers so listener notifications follow mutation order
	writeMu sync.Mutex

	listener Listener
	bus      events.Bus
	nodeID   string
	now      func() time.Time
}

type Option func(*Registry)

func WithListener(l Listener) Option {
	return func(r *Registry) { r.listener = l }
}

// WithBus publishes every local mutation on bus, stamped with nodeID
func WithBus(bus events.Bus, nodeID string) Option {
	return func(r *Registry) {
		r.bus = bus
		r.nodeID = nodeID
	}
}

func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// NewRegistry creates an empty Registry
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		endpoints: make(map[string]*types.ModelRunnerEndpoint),
		vmrs:      make(map[string]*types.VirtualModelRunner),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// SetListener replaces the listener. Set it before the first mutation.
func (r *Registry) SetListener(l Listener) {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	r.listener = l
}

func (r *Registry) NodeID() string {
	return r.nodeID
}

// ----------------------------------------------------------------------------
// Endpoints
// ----------------------------------------------------------------------------

// AddEndpoint validates and stores a new endpoint, assigning an id if it has none
func (r *Registry) AddEndpoint(ctx context.Context, ep types.ModelRunnerEndpoint) (*types.ModelRunnerEndpoint, error) {
	stored, err := r.putEndpoint(ep, true, false)
	if err != nil {
		return nil, err
	}
	r.publish(ctx, events.Event{Type: events.EventEndpointCreated, EndpointID: stored.ID, Endpoint: stored})
	return stored, nil
}

// UpdateEndpoint replaces an existing endpoint
func (r *Registry) UpdateEndpoint(ctx context.Context, ep types.ModelRunnerEndpoint) (*types.ModelRunnerEndpoint, error) {
	stored, err := r.putEndpoint(ep, false, false)
	if err != nil {
		return nil, err
	}
	r.publish(ctx, events.Event{Type: events.EventEndpointUpdated, EndpointID: stored.ID, Endpoint: stored})
	return stored, nil
}

// DeleteEndpoint removes an endpoint
func (r *Registry) DeleteEndpoint(ctx context.Context, id string) error {
	if err := r.removeEndpoint(id); err != nil {
		return err
	}
	r.publish(ctx, events.Event{Type: events.EventEndpointDeleted, EndpointID: normalizeID(id)})
	return nil
}

// putEndpoint stores ep. create requires a new id, update requires an existing one,
// upsert accepts either.
func (r *Registry) putEndpoint(ep types.ModelRunnerEndpoint, create, upsert bool) (*types.ModelRunnerEndpoint, error) {
	if create && ep.ID == "" {
		ep.ID = uuid.NewString()
	}
	ep.ID = normalizeID(ep.ID)
	if ep.ID == "" {
		return nil, &types.ErrConfigValidation{Field: "id", Message: "is required"}
	}
	ep.Normalize()
	if err := ep.Validate(); err != nil {
		return nil, err
	}

	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	r.mu.Lock()
	prev, exists := r.endpoints[ep.ID]
	switch {
	case exists && create && !upsert:
		r.mu.Unlock()
		return nil, fmt.Errorf("endpoint %s: %w", ep.ID, ErrAlreadyExists)
	case !exists && !create && !upsert:
		r.mu.Unlock()
		return nil, fmt.Errorf("endpoint %s: %w", ep.ID, ErrNotFound)
	}

	now := r.now().UTC()
	if exists {
		ep.CreatedUtc = prev.CreatedUtc
	} else if ep.CreatedUtc.IsZero() {
		ep.CreatedUtc = now
	}
	ep.LastUpdateUtc = now

	stored := ep
	r.endpoints[ep.ID] = &stored
	r.mu.Unlock()

	if r.listener != nil {
		if exists {
			r.listener.OnEndpointUpdated(copyEndpoint(prev), copyEndpoint(&stored))
		} else {
			r.listener.OnEndpointCreated(copyEndpoint(&stored))
		}
	}

	log.Info().
		Str("endpoint_id", stored.ID).
		Str("endpoint_name", stored.Name).
		Bool("active", stored.Active).
		Bool("updated", exists).
		Msg("Endpoint stored")

	return copyEndpoint(&stored), nil
}

func (r *Registry) removeEndpoint(id string) error {
	id = normalizeID(id)

	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	r.mu.Lock()
	prev, ok := r.endpoints[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("endpoint %s: %w", id, ErrNotFound)
	}
	delete(r.endpoints, id)
	r.mu.Unlock()

	if r.listener != nil {
		r.listener.OnEndpointDeleted(copyEndpoint(prev))
	}

	log.Info().Str("endpoint_id", id).Msg("Endpoint deleted")
	return nil
}

// GetEndpoint returns a copy of an endpoint
func (r *Registry) GetEndpoint(id string) (*types.ModelRunnerEndpoint, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ep, ok := r.endpoints[normalizeID(id)]
	if !ok {
		return nil, fmt.Errorf("endpoint %s: %w", id, ErrNotFound)
	}
	return copyEndpoint(ep), nil
}

// ListEndpoints returns copies of every endpoint ordered by name, then id
func (r *Registry) ListEndpoints() []*types.ModelRunnerEndpoint {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*types.ModelRunnerEndpoint, 0, len(r.endpoints))
	for _, ep := range r.endpoints {
		out = append(out, copyEndpoint(ep))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// ----------------------------------------------------------------------------
// Virtual model runners
// ----------------------------------------------------------------------------

// AddVmr validates and stores a new VMR, assigning an id if it has none
func (r *Registry) AddVmr(ctx context.Context, vmr types.VirtualModelRunner) (*types.VirtualModelRunner, error) {
	stored, err := r.putVmr(vmr, true, false)
	if err != nil {
		return nil, err
	}
	r.publish(ctx, events.Event{Type: events.EventVmrCreated, VmrID: stored.ID, Vmr: stored})
	return stored, nil
}

// UpdateVmr replaces an existing VMR
func (r *Registry) UpdateVmr(ctx context.Context, vmr types.VirtualModelRunner) (*types.VirtualModelRunner, error) {
	stored, err := r.putVmr(vmr, false, false)
	if err != nil {
		return nil, err
	}
	r.publish(ctx, events.Event{Type: events.EventVmrUpdated, VmrID: stored.ID, Vmr: stored})
	return stored, nil
}

// DeleteVmr removes a VMR
func (r *Registry) DeleteVmr(ctx context.Context, id string) error {
	if err := r.removeVmr(id); err != nil {
		return err
	}
	r.publish(ctx, events.Event{Type: events.EventVmrDeleted, VmrID: normalizeID(id)})
	return nil
}

func (r *Registry) putVmr(vmr types.VirtualModelRunner, create, upsert bool) (*types.VirtualModelRunner, error) {
	if create && vmr.ID == "" {
		vmr.ID = uuid.NewString()
	}
	vmr.ID = normalizeID(vmr.ID)
	if vmr.ID == "" {
		return nil, &types.ErrConfigValidation{Field: "id", Message: "is required"}
	}
	vmr.ModelRunnerEndpointIDs = normalizeIDs(vmr.ModelRunnerEndpointIDs)
	vmr.Normalize()
	if err := vmr.Validate(); err != nil {
		return nil, err
	}

	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	r.mu.Lock()
	prev, exists := r.vmrs[vmr.ID]
	switch {
	case exists && create && !upsert:
		r.mu.Unlock()
		return nil, fmt.Errorf("virtual model runner %s: %w", vmr.ID, ErrAlreadyExists)
	case !exists && !create && !upsert:
		r.mu.Unlock()
		return nil, fmt.Errorf("virtual model runner %s: %w", vmr.ID, ErrNotFound)
	}

	now := r.now().UTC()
	if exists {
		vmr.CreatedUtc = prev.CreatedUtc
	} else if vmr.CreatedUtc.IsZero() {
		vmr.CreatedUtc = now
	}
	vmr.LastUpdateUtc = now

	stored := vmr
	r.vmrs[vmr.ID] = &stored
	r.mu.Unlock()

	if r.listener != nil {
		if exists {
			r.listener.OnVmrUpdated(copyVmr(prev), copyVmr(&stored))
		} else {
			r.listener.OnVmrCreated(copyVmr(&stored))
		}
	}

	log.Info().
		Str("vmr_id", stored.ID).
		Str("vmr_name", stored.Name).
		Int("endpoints", len(stored.ModelRunnerEndpointIDs)).
		Str("load_balancing_mode", string(stored.LoadBalancingMode)).
		Bool("updated", exists).
		Msg("Virtual model runner stored")

	return copyVmr(&stored), nil
}

func (r *Registry) removeVmr(id string) error {
	id = normalizeID(id)

	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	r.mu.Lock()
	prev, ok := r.vmrs[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("virtual model runner %s: %w", id, ErrNotFound)
	}
	delete(r.vmrs, id)
	r.mu.Unlock()

	if r.listener != nil {
		r.listener.OnVmrDeleted(copyVmr(prev))
	}

	log.Info().Str("vmr_id", id).Msg("Virtual model runner deleted")
	return nil
}

// GetVmr returns a copy of a VMR
func (r *Registry) GetVmr(id string) (*types.VirtualModelRunner, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	vmr, ok := r.vmrs[normalizeID(id)]
	if !ok {
		return nil, fmt.Errorf("virtual model runner %s: %w", id, ErrNotFound)
	}
	return copyVmr(vmr), nil
}

// ListVmrs returns copies of every VMR ordered by name, then id
func (r *Registry) ListVmrs() []*types.VirtualModelRunner {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*types.VirtualModelRunner, 0, len(r.vmrs))
	for _, vmr := range r.vmrs {
		out = append(out, copyVmr(vmr))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// CandidatesFor returns the VMR's active endpoints in configuration order.
// Ids that no longer resolve are skipped.
func (r *Registry) CandidatesFor(vmr *types.VirtualModelRunner) []*types.ModelRunnerEndpoint {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*types.ModelRunnerEndpoint, 0, len(vmr.ModelRunnerEndpointIDs))
	for _, id := range vmr.ModelRunnerEndpointIDs {
		ep, ok := r.endpoints[normalizeID(id)]
		if !ok || !ep.Active {
			continue
		}
		out = append(out, copyEndpoint(ep))
	}
	return out
}

// EndpointsFor returns every endpoint the VMR references, active or not, in configuration order
func (r *Registry) EndpointsFor(vmr *types.VirtualModelRunner) []*types.ModelRunnerEndpoint {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*types.ModelRunnerEndpoint, 0, len(vmr.ModelRunnerEndpointIDs))
	for _, id := range vmr.ModelRunnerEndpointIDs {
		if ep, ok := r.endpoints[normalizeID(id)]; ok {
			out = append(out, copyEndpoint(ep))
		}
	}
	return out
}

// Stats returns registry statistics
func (r *Registry) Stats() map[string]interface{} {
	r.mu.RLock()
	defer r.mu.RUnlock()

	active := 0
	for _, ep := range r.endpoints {
		if ep.Active {
			active++
		}
	}
	activeVmrs := 0
	for _, vmr := range r.vmrs {
		if vmr.Active {
			activeVmrs++
		}
	}

	return map[string]interface{}{
		"total_endpoints":  len(r.endpoints),
		"active_endpoints": active,
		"total_vmrs":       len(r.vmrs),
		"active_vmrs":      activeVmrs,
	}
}

// ----------------------------------------------------------------------------
// Replication
// ----------------------------------------------------------------------------

func (r *Registry) publish(ctx context.Context, ev events.Event) {
	if r.bus == nil {
		return
	}
	ev.Origin = r.nodeID
	ev.At = r.now().UTC()
	if err := r.bus.Publish(ctx, ev); err != nil {
		log.Warn().Err(err).Str("type", string(ev.Type)).Msg("Failed to publish lifecycle event")
	}
}

// Apply replays a lifecycle event published by another node. Events from this node
// are ignored and nothing is re-published.
func (r *Registry) Apply(ctx context.Context, ev events.Event) {
	if ev.Origin == r.nodeID {
		return
	}

	var err error
	switch ev.Type {
	case events.EventEndpointCreated, events.EventEndpointUpdated:
		if ev.Endpoint == nil {
			err = errors.New("event carries no endpoint")
			break
		}
		_, err = r.putEndpoint(*ev.Endpoint, false, true)
	case events.EventEndpointDeleted:
		err = r.removeEndpoint(ev.EndpointID)
	case events.EventVmrCreated, events.EventVmrUpdated:
		if ev.Vmr == nil {
			err = errors.New("event carries no virtual model runner")
			break
		}
		_, err = r.putVmr(*ev.Vmr, false, true)
	case events.EventVmrDeleted:
		err = r.removeVmr(ev.VmrID)
	default:
		err = fmt.Errorf("unknown event type %q", ev.Type)
	}

	if err != nil && !errors.Is(err, ErrNotFound) {
		log.Warn().
			Err(err).
			Str("type", string(ev.Type)).
			Str("origin", ev.Origin).
			Msg("Failed to apply lifecycle event")
		return
	}

	log.Debug().Str("type", string(ev.Type)).Str("origin", ev.Origin).Msg("Applied lifecycle event")
}

func normalizeID(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}

func normalizeIDs(ids []string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id = normalizeID(id); id != "" && !slices.Contains(out, id) {
			out = append(out, id)
		}
	}
	return out
}

func copyEndpoint(ep *types.ModelRunnerEndpoint) *types.ModelRunnerEndpoint {
	cp := *ep
	return &cp
}

func copyVmr(vmr *types.VirtualModelRunner) *types.VirtualModelRunner {
	cp := *vmr
	cp.ModelRunnerEndpointIDs = slices.Clone(vmr.ModelRunnerEndpointIDs)
	return &cp
}
