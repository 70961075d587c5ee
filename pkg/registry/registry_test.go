package registry

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/beam-cloud/vmr/pkg/events"
	"github.com/beam-cloud/vmr/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingListener struct {
	mu    sync.Mutex
	calls []string
}

func (l *recordingListener) record(call string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, call)
}

func (l *recordingListener) Calls() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.calls...)
}

func (l *recordingListener) OnEndpointCreated(ep *types.ModelRunnerEndpoint) {
	l.record("endpoint.created:" + ep.ID)
}
func (l *recordingListener) OnEndpointUpdated(prev, ep *types.ModelRunnerEndpoint) {
	l.record("endpoint.updated:" + ep.ID)
}
func (l *recordingListener) OnEndpointDeleted(ep *types.ModelRunnerEndpoint) {
	l.record("endpoint.deleted:" + ep.ID)
}
func (l *recordingListener) OnVmrCreated(vmr *types.VirtualModelRunner) {
	l.record("vmr.created:" + vmr.ID)
}
func (l *recordingListener) OnVmrUpdated(prev, vmr *types.VirtualModelRunner) {
	l.record("vmr.updated:" + vmr.ID)
}
func (l *recordingListener) OnVmrDeleted(vmr *types.VirtualModelRunner) {
	l.record("vmr.deleted:" + vmr.ID)
}

func testEndpoint(id string) types.ModelRunnerEndpoint {
	return types.ModelRunnerEndpoint{ID: id, Name: "runner-" + id, Hostname: "localhost", Port: 11434, Active: true}
}

func TestEndpointCrud(t *testing.T) {
	ctx := context.Background()
	l := &recordingListener{}
	r := NewRegistry(WithListener(l))

	created, err := r.AddEndpoint(ctx, types.ModelRunnerEndpoint{Name: "runner", Hostname: "localhost", Port: 11434, Active: true})
	require.NoError(t, err)
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, 1, created.Weight)
	assert.False(t, created.CreatedUtc.IsZero())

	_, err = r.AddEndpoint(ctx, *created)
	assert.ErrorIs(t, err, ErrAlreadyExists)

	created.Weight = 7
	updated, err := r.UpdateEndpoint(ctx, *created)
	require.NoError(t, err)
	assert.Equal(t, 7, updated.Weight)
	assert.Equal(t, created.CreatedUtc, updated.CreatedUtc)

	got, err := r.GetEndpoint(created.ID)
	require.NoError(t, err)
	assert.Equal(t, 7, got.Weight)

	// Copies don't leak into the registry
	got.Weight = 99
	again, _ := r.GetEndpoint(created.ID)
	assert.Equal(t, 7, again.Weight)

	require.NoError(t, r.DeleteEndpoint(ctx, created.ID))
	_, err = r.GetEndpoint(created.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, r.DeleteEndpoint(ctx, created.ID), ErrNotFound)

	assert.Equal(t, []string{
		"endpoint.created:" + created.ID,
		"endpoint.updated:" + created.ID,
		"endpoint.deleted:" + created.ID,
	}, l.Calls())
}

func TestUpdateUnknownEndpoint(t *testing.T) {
	r := NewRegistry()
	_, err := r.UpdateEndpoint(context.Background(), testEndpoint("missing"))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestEndpointValidation(t *testing.T) {
	r := NewRegistry()
	_, err := r.AddEndpoint(context.Background(), types.ModelRunnerEndpoint{Name: "x", Port: 80})

	var validationErr *types.ErrConfigValidation
	require.ErrorAs(t, err, &validationErr)
	assert.Equal(t, "hostname", validationErr.Field)
	assert.Empty(t, r.ListEndpoints())
}

func TestVmrCrudAndCandidates(t *testing.T) {
	ctx := context.Background()
	l := &recordingListener{}
	r := NewRegistry(WithListener(l))

	for _, id := range []string{"ep_1", "ep_2", "ep_3"} {
		_, err := r.AddEndpoint(ctx, testEndpoint(id))
		require.NoError(t, err)
	}
	inactive := testEndpoint("ep_2")
	inactive.Active = false
	_, err := r.UpdateEndpoint(ctx, inactive)
	require.NoError(t, err)

	vmr, err := r.AddVmr(ctx, types.VirtualModelRunner{
		ID:                     "VMR_1",
		Name:                   "chat",
		Active:                 true,
		ModelRunnerEndpointIDs: []string{"ep_3", "EP_1", "ep_2", "ep_missing", "ep_1"},
	})
	require.NoError(t, err)
	assert.Equal(t, "vmr_1", vmr.ID)
	assert.Equal(t, types.LoadBalancingRoundRobin, vmr.LoadBalancingMode)
	assert.Equal(t, types.DefaultSessionTimeoutMs, vmr.SessionTimeoutMs)
	assert.Equal(t, []string{"ep_3", "ep_1", "ep_2", "ep_missing"}, vmr.ModelRunnerEndpointIDs)

	candidates := r.CandidatesFor(vmr)
	require.Len(t, candidates, 2)
	assert.Equal(t, "ep_3", candidates[0].ID)
	assert.Equal(t, "ep_1", candidates[1].ID)
	assert.Len(t, r.EndpointsFor(vmr), 3)

	got, err := r.GetVmr("vmr_1")
	require.NoError(t, err)
	got.ModelRunnerEndpointIDs[0] = "tampered"
	again, _ := r.GetVmr("vmr_1")
	assert.Equal(t, "ep_3", again.ModelRunnerEndpointIDs[0])

	vmr.LoadBalancingMode = types.LoadBalancingFirstAvailable
	_, err = r.UpdateVmr(ctx, *vmr)
	require.NoError(t, err)
	require.NoError(t, r.DeleteVmr(ctx, "vmr_1"))
	assert.Empty(t, r.ListVmrs())

	calls := l.Calls()
	assert.Contains(t, calls, "vmr.created:vmr_1")
	assert.Contains(t, calls, "vmr.updated:vmr_1")
	assert.Equal(t, "vmr.deleted:vmr_1", calls[len(calls)-1])
}

func TestVmrValidation(t *testing.T) {
	r := NewRegistry()
	_, err := r.AddVmr(context.Background(), types.VirtualModelRunner{Name: "x", LoadBalancingMode: "LeastLatency"})

	var validationErr *types.ErrConfigValidation
	require.ErrorAs(t, err, &validationErr)
	assert.Equal(t, "loadbalancingmode", validationErr.Field)
}

func TestListOrdering(t *testing.T) {
	ctx := context.Background()
	r := NewRegistry()
	for _, name := range []string{"charlie", "alpha", "bravo"} {
		_, err := r.AddEndpoint(ctx, types.ModelRunnerEndpoint{Name: name, Hostname: "h", Port: 1})
		require.NoError(t, err)
	}

	list := r.ListEndpoints()
	require.Len(t, list, 3)
	assert.Equal(t, "alpha", list[0].Name)
	assert.Equal(t, "charlie", list[2].Name)
	assert.Equal(t, 3, r.Stats()["total_endpoints"])
	assert.Equal(t, 0, r.Stats()["active_endpoints"])
}

func TestReplicationOverLocalBus(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := events.NewLocalBus()
	defer bus.Close()

	primary := NewRegistry(WithBus(bus, "node-a"))
	replicaListener := &recordingListener{}
	replica := NewRegistry(WithBus(bus, "node-b"), WithListener(replicaListener))

	go func() { _ = bus.Subscribe(ctx, primary.Apply) }()
	go func() { _ = bus.Subscribe(ctx, replica.Apply) }()
	require.Eventually(t, func() bool { return bus.Subscribers() == 2 }, time.Second, time.Millisecond)

	_, err := primary.AddEndpoint(ctx, testEndpoint("ep_1"))
	require.NoError(t, err)
	_, err = primary.AddVmr(ctx, types.VirtualModelRunner{ID: "vmr_1", Name: "chat", ModelRunnerEndpointIDs: []string{"ep_1"}})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, err := replica.GetVmr("vmr_1")
		return err == nil
	}, time.Second, time.Millisecond)

	ep, err := replica.GetEndpoint("ep_1")
	require.NoError(t, err)
	assert.Equal(t, "runner-ep_1", ep.Name)

	require.NoError(t, primary.DeleteEndpoint(ctx, "ep_1"))
	require.Eventually(t, func() bool {
		_, err := replica.GetEndpoint("ep_1")
		return err != nil
	}, time.Second, time.Millisecond)

	assert.Equal(t, []string{"endpoint.created:ep_1", "vmr.created:vmr_1", "endpoint.deleted:ep_1"}, replicaListener.Calls())

	// The primary ignored its own events
	assert.Len(t, primary.ListVmrs(), 1)
}

func TestApplyIgnoresOwnAndMalformedEvents(t *testing.T) {
	l := &recordingListener{}
	r := NewRegistry(WithBus(events.NewLocalBus(), "node-a"), WithListener(l))

	ep := testEndpoint("ep_1")
	r.Apply(context.Background(), events.Event{Type: events.EventEndpointCreated, Endpoint: &ep, Origin: "node-a"})
	r.Apply(context.Background(), events.Event{Type: events.EventEndpointCreated, Origin: "node-b"})
	r.Apply(context.Background(), events.Event{Type: "bogus", Origin: "node-b"})
	r.Apply(context.Background(), events.Event{Type: events.EventVmrDeleted, VmrID: "missing", Origin: "node-b"})

	assert.Empty(t, l.Calls())
	assert.Empty(t, r.ListEndpoints())
}

func TestLoadSeedFile(t *testing.T) {
	seed := `
endpoints:
  - id: ep_local
    name: local-ollama
    hostname: localhost
    port: 11434
    active: true
    weight: 3
    max_parallel_requests: 4
    health_check_url: /api/tags
  - id: ep_remote
    name: remote-openai
    hostname: runner.internal
    port: 443
    use_ssl: true
    api_type: OpenAI
    api_key: sk-test
    active: true
virtual_model_runners:
  - id: vmr_chat
    name: chat
    active: true
    model_runner_endpoint_ids: [ep_local, ep_remote]
    load_balancing_mode: WeightedRoundRobin
    session_affinity_mode: Header
    session_affinity_header: X-Session-Id
    allow_completions: true
`
	path := filepath.Join(t.TempDir(), "seed.yaml")
	require.NoError(t, os.WriteFile(path, []byte(seed), 0o600))

	l := &recordingListener{}
	r := NewRegistry(WithListener(l))
	require.NoError(t, r.LoadSeedFile(path))

	local, err := r.GetEndpoint("ep_local")
	require.NoError(t, err)
	assert.Equal(t, 3, local.Weight)
	assert.Equal(t, 4, local.MaxParallelRequests)
	assert.Equal(t, "/api/tags", local.HealthCheckURL)
	assert.Equal(t, types.ApiTypeOllama, local.ApiType)

	remote, err := r.GetEndpoint("ep_remote")
	require.NoError(t, err)
	assert.Equal(t, "https://runner.internal:443", remote.BaseURL())
	assert.Equal(t, types.ApiTypeOpenAI, remote.ApiType)

	vmr, err := r.GetVmr("vmr_chat")
	require.NoError(t, err)
	assert.Equal(t, types.LoadBalancingWeightedRoundRobin, vmr.LoadBalancingMode)
	assert.Equal(t, "X-Session-Id", vmr.SessionAffinityHeader)
	assert.True(t, vmr.AllowCompletions)
	assert.Len(t, r.CandidatesFor(vmr), 2)

	// Reloading upserts
	require.NoError(t, r.LoadSeedFile(path))
	assert.Len(t, r.ListEndpoints(), 2)
	assert.Contains(t, l.Calls(), "endpoint.updated:ep_local")
}

func TestLoadSeedFileErrors(t *testing.T) {
	r := NewRegistry()
	assert.Error(t, r.LoadSeedFile(filepath.Join(t.TempDir(), "missing.yaml")))

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("endpoints:\n  - name: no-host\n    port: 1\n"), 0o600))
	assert.Error(t, r.LoadSeedFile(path))

	_, err := ParseSeed([]byte("endpoints: {"))
	assert.Error(t, err)
}
