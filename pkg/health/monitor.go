package health

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/beam-cloud/vmr/pkg/metrics"
	"github.com/beam-cloud/vmr/pkg/types"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog/log"
)

// ============================================================================
// Health Monitor - Probes endpoints and gates their capacity
// ============================================================================

type monitorTask struct {
	endpoint types.ModelRunnerEndpoint
	cancel   context.CancelFunc
	done     chan struct{}
}

// Monitor runs one probe loop per active endpoint and owns every endpointHealthState
type Monitor struct {
	ctx    context.Context
	cancel context.CancelFunc

	client  *http.Client
	metrics *metrics.Metrics
	now     func() time.Time

	states *xsync.MapOf[string, *endpointHealthState]
	tasks  *xsync.MapOf[string, *monitorTask]

	// Serializes lifecycle hooks so a task is never started twice for one endpoint
	lifecycleMu sync.Mutex
	closeOnce   sync.Once
}

type Option func(*Monitor)

// WithClock overrides the time source used for state timestamps
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) { m.now = now }
}

// WithHTTPClient overrides the shared probe client
func WithHTTPClient(client *http.Client) Option {
	return func(m *Monitor) { m.client = client }
}

func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Monitor) { m.metrics = mt }
}

// NewMonitor creates a Monitor. Probe timeouts are applied per request, so the shared
// client carries no global timeout.
func NewMonitor(config types.HealthConfig, opts ...Option) *Monitor {
	ctx, cancel := context.WithCancel(context.Background())

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if config.MaxIdleConnsPerHost > 0 {
		transport.MaxIdleConnsPerHost = config.MaxIdleConnsPerHost
	}
	if config.ProbeIdleConnTimeout > 0 {
		transport.IdleConnTimeout = config.ProbeIdleConnTimeout
	}

	m := &Monitor{
		ctx:    ctx,
		cancel: cancel,
		client: &http.Client{Transport: transport},
		now:    time.Now,
		states: xsync.NewMapOf[string, *endpointHealthState](),
		tasks:  xsync.NewMapOf[string, *monitorTask](),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// ----------------------------------------------------------------------------
// Lifecycle
// ----------------------------------------------------------------------------

// OnEndpointCreated starts monitoring the endpoint if it is active
func (m *Monitor) OnEndpointCreated(ep *types.ModelRunnerEndpoint) {
	m.lifecycleMu.Lock()
	defer m.lifecycleMu.Unlock()

	if m.ctx.Err() != nil || !ep.Active {
		return
	}
	if _, exists := m.tasks.Load(ep.ID); exists {
		return
	}
	m.start(ep)
}

// OnEndpointUpdated restarts monitoring with reset health. The state object is kept so
// in-flight reservations taken before the update are released against the same counter.
func (m *Monitor) OnEndpointUpdated(ep *types.ModelRunnerEndpoint) {
	m.lifecycleMu.Lock()
	defer m.lifecycleMu.Unlock()

	m.stopTask(ep.ID)

	if m.ctx.Err() != nil || !ep.Active {
		m.states.Delete(ep.ID)
		m.metrics.ForgetEndpoint(ep.ID)
		return
	}
	m.start(ep)
}

// OnEndpointDeleted stops monitoring and drops the endpoint's state
func (m *Monitor) OnEndpointDeleted(endpointID string) {
	m.lifecycleMu.Lock()
	defer m.lifecycleMu.Unlock()

	m.stopTask(endpointID)
	m.states.Delete(endpointID)
	m.metrics.ForgetEndpoint(endpointID)
}

// start launches the probe loop, resetting any existing state in place. Callers hold lifecycleMu.
func (m *Monitor) start(ep *types.ModelRunnerEndpoint) {
	endpoint := *ep
	endpoint.Normalize()

	now := m.now()
	state, loaded := m.states.LoadOrCompute(endpoint.ID, func() *endpointHealthState {
		return newEndpointHealthState(&endpoint, now)
	})
	if loaded {
		state.reset(&endpoint, now)
	}
	m.metrics.SetEndpointHealthy(endpoint.ID, false)

	ctx, cancel := context.WithCancel(m.ctx)
	task := &monitorTask{endpoint: endpoint, cancel: cancel, done: make(chan struct{})}
	m.tasks.Store(endpoint.ID, task)

	go m.run(ctx, task, state)

	log.Info().
		Str("endpoint_id", endpoint.ID).
		Str("endpoint_name", endpoint.Name).
		Str("url", endpoint.HealthCheckTarget()).
		Dur("interval", endpoint.HealthCheckInterval()).
		Msg("Started health monitoring")
}

// stopTask cancels the endpoint's probe loop and waits for it. Callers hold lifecycleMu.
func (m *Monitor) stopTask(endpointID string) {
	if task, ok := m.tasks.LoadAndDelete(endpointID); ok {
		task.cancel()
		<-task.done
		log.Info().Str("endpoint_id", endpointID).Msg("Stopped health monitoring")
	}
}

// ----------------------------------------------------------------------------
// Probe loop
// ----------------------------------------------------------------------------

func (m *Monitor) run(ctx context.Context, task *monitorTask, state *endpointHealthState) {
	defer close(task.done)

	ticker := time.NewTicker(task.endpoint.HealthCheckInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.check(ctx, &task.endpoint, state)
		}
	}
}

// check runs one probe and applies its outcome. Outcomes observed after cancellation are dropped.
func (m *Monitor) check(ctx context.Context, ep *types.ModelRunnerEndpoint, state *endpointHealthState) {
	err := probe(ctx, m.client, ep)
	if ctx.Err() != nil {
		return
	}
	m.applyResult(ep, state, err)
}

func (m *Monitor) applyResult(ep *types.ModelRunnerEndpoint, state *endpointHealthState, err error) {
	now := m.now()

	if err == nil {
		if state.recordSuccess(now, ep.HealthyThreshold) {
			m.metrics.SetEndpointHealthy(ep.ID, true)
			m.metrics.RecordHealthTransition(ep.ID, true)
			log.Info().
				Str("endpoint_id", ep.ID).
				Str("endpoint_name", ep.Name).
				Msg("Endpoint is healthy")
		}
		return
	}

	m.metrics.RecordProbeFailure(ep.ID)
	if state.recordFailure(now, ep.UnhealthyThreshold, err) {
		m.metrics.SetEndpointHealthy(ep.ID, false)
		m.metrics.RecordHealthTransition(ep.ID, false)
		log.Warn().
			Err(err).
			Str("endpoint_id", ep.ID).
			Str("endpoint_name", ep.Name).
			Msg("Endpoint is unhealthy")
		return
	}

	log.Debug().
		Err(err).
		Str("endpoint_id", ep.ID).
		Msg("Health probe failed")
}

// ----------------------------------------------------------------------------
// Reads
// ----------------------------------------------------------------------------

// GetHealthState returns a copy of the endpoint's health state
func (m *Monitor) GetHealthState(endpointID string) (types.EndpointHealthSnapshot, bool) {
	state, ok := m.states.Load(endpointID)
	if !ok {
		return types.EndpointHealthSnapshot{}, false
	}
	return state.snapshot(m.now()), true
}

// GetAllHealthStates returns copies of every monitored endpoint's state, ordered by id
func (m *Monitor) GetAllHealthStates() []types.EndpointHealthSnapshot {
	now := m.now()
	snapshots := make([]types.EndpointHealthSnapshot, 0, m.states.Size())
	m.states.Range(func(_ string, state *endpointHealthState) bool {
		snapshots = append(snapshots, state.snapshot(now))
		return true
	})
	sort.Slice(snapshots, func(i, j int) bool {
		return snapshots[i].EndpointID < snapshots[j].EndpointID
	})
	return snapshots
}

// IsHealthy reports whether the endpoint is monitored and currently healthy
func (m *Monitor) IsHealthy(endpointID string) bool {
	state, ok := m.states.Load(endpointID)
	return ok && state.isHealthy()
}

// IsMonitored reports whether a probe loop is running for the endpoint
func (m *Monitor) IsMonitored(endpointID string) bool {
	_, ok := m.tasks.Load(endpointID)
	return ok
}

// Availability returns the selection view of one endpoint
func (m *Monitor) Availability(ep *types.ModelRunnerEndpoint) types.EndpointAvailability {
	return types.EndpointAvailability{
		Endpoint:    ep,
		IsHealthy:   m.IsHealthy(ep.ID),
		HasCapacity: m.HasCapacity(ep.ID, ep.MaxParallelRequests),
	}
}

// EndpointStatus builds the externally reported health of an endpoint
func (m *Monitor) EndpointStatus(ep *types.ModelRunnerEndpoint) types.EndpointHealthStatus {
	status := types.EndpointHealthStatus{
		EndpointID:          ep.ID,
		EndpointName:        ep.Name,
		Active:              ep.Active,
		MaxParallelRequests: ep.MaxParallelRequests,
		Weight:              ep.Weight,
	}

	snap, ok := m.GetHealthState(ep.ID)
	if !ok {
		return status
	}

	status.Monitored = m.IsMonitored(ep.ID)
	status.IsHealthy = snap.IsHealthy
	status.UptimePercentage = snap.UptimePercentage()
	status.TotalUptimeMs = snap.TotalUptimeMs
	status.TotalDowntimeMs = snap.TotalDowntimeMs
	status.ConsecutiveSuccesses = snap.ConsecutiveSuccesses
	status.ConsecutiveFailures = snap.ConsecutiveFailures
	status.InFlightRequests = snap.InFlightRequests
	status.LastCheckUtc = snap.LastCheckUtc
	status.LastStateChangeUtc = snap.LastStateChangeUtc
	status.LastError = snap.LastError
	return status
}

// ----------------------------------------------------------------------------
// Capacity gate
// ----------------------------------------------------------------------------

// HasCapacity peeks at the gate without reserving a slot. Unknown endpoints have no capacity.
func (m *Monitor) HasCapacity(endpointID string, maxParallel int) bool {
	state, ok := m.states.Load(endpointID)
	return ok && state.hasCapacity(maxParallel)
}

// TryIncrementInFlight reserves a slot. maxParallel <= 0 means unlimited.
func (m *Monitor) TryIncrementInFlight(endpointID string, maxParallel int) bool {
	state, ok := m.states.Load(endpointID)
	if !ok {
		return false
	}
	n, ok := state.tryIncrement(maxParallel)
	if ok {
		m.metrics.SetInFlight(endpointID, n)
	}
	return ok
}

// DecrementInFlight releases a slot reserved by TryIncrementInFlight
func (m *Monitor) DecrementInFlight(endpointID string) {
	state, ok := m.states.Load(endpointID)
	if !ok {
		return
	}
	m.metrics.SetInFlight(endpointID, state.decrement())
}

// ----------------------------------------------------------------------------
// Shutdown
// ----------------------------------------------------------------------------

// Shutdown cancels every probe loop and waits for them until ctx is done
func (m *Monitor) Shutdown(ctx context.Context) error {
	var err error
	m.closeOnce.Do(func() {
		m.lifecycleMu.Lock()
		defer m.lifecycleMu.Unlock()

		m.cancel()

		var pending []*monitorTask
		m.tasks.Range(func(_ string, task *monitorTask) bool {
			task.cancel()
			pending = append(pending, task)
			return true
		})

		for _, task := range pending {
			select {
			case <-task.done:
			case <-ctx.Done():
				err = fmt.Errorf("health monitor shutdown: %w", ctx.Err())
			}
			if err != nil {
				break
			}
		}

		m.tasks.Clear()
		m.states.Clear()
		m.client.CloseIdleConnections()
		log.Info().Int("tasks", len(pending)).Msg("Health monitor stopped")
	})
	return err
}

// Close shuts the monitor down with a short bound. It is safe to call more than once.
func (m *Monitor) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return m.Shutdown(ctx)
}
