package gateway

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/beam-cloud/vmr/pkg/events"
	"github.com/beam-cloud/vmr/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedisGateway(t *testing.T, mr *miniredis.Miniredis, nodeID string) *Gateway {
	t.Helper()

	config := testConfig()
	config.Gateway.NodeID = nodeID
	config.Events = types.EventsConfig{
		Backend: types.EventsBackendRedis,
		Redis:   types.RedisConfig{Addr: mr.Addr()},
	}

	gw, err := NewGateway(config)
	require.NoError(t, err)
	t.Cleanup(func() { _ = gw.Shutdown(context.Background()) })
	return gw
}

func TestReplicationOverRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	primary := newRedisGateway(t, mr, "node-a")
	replica := newRedisGateway(t, mr, "node-b")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = replica.bus.Subscribe(ctx, replica.registry.Apply) }()

	require.Eventually(t, func() bool {
		return mr.PubSubNumSub(events.DefaultRedisChannel)[events.DefaultRedisChannel] == 1
	}, 2*time.Second, 5*time.Millisecond)

	_, err := primary.Registry().AddEndpoint(ctx, types.ModelRunnerEndpoint{
		ID:       "ep_shared",
		Name:     "shared",
		Hostname: "127.0.0.1",
		Port:     1,
		ApiKey:   "upstream-secret",
	})
	require.NoError(t, err)
	_, err = primary.Registry().AddVmr(ctx, types.VirtualModelRunner{
		ID:                     "vmr_shared",
		Name:                   "shared",
		Active:                 true,
		ModelRunnerEndpointIDs: []string{"ep_shared"},
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, err := replica.Registry().GetVmr("vmr_shared")
		return err == nil
	}, 2*time.Second, 5*time.Millisecond)

	ep, err := replica.Registry().GetEndpoint("ep_shared")
	require.NoError(t, err)
	assert.Equal(t, "upstream-secret", ep.ApiKey)

	require.NoError(t, primary.Registry().DeleteVmr(ctx, "vmr_shared"))
	require.Eventually(t, func() bool {
		_, err := replica.Registry().GetVmr("vmr_shared")
		return err != nil
	}, 2*time.Second, 5*time.Millisecond)
}

func TestNewGatewayRedisUnreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	config := testConfig()
	config.Events = types.EventsConfig{
		Backend: types.EventsBackendRedis,
		Redis:   types.RedisConfig{Addr: addr},
	}

	_, err := NewGateway(config)
	assert.Error(t, err)
}
