package types

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEndpointNormalizeDefaults(t *testing.T) {
	e := &ModelRunnerEndpoint{Name: "ollama-1", Hostname: "localhost", Port: 11434}
	e.Normalize()

	assert.Equal(t, 1, e.Weight)
	assert.Equal(t, "/", e.HealthCheckURL)
	assert.Equal(t, "GET", e.HealthCheckMethod)
	assert.Equal(t, 5000, e.HealthCheckIntervalMs)
	assert.Equal(t, 5000, e.HealthCheckTimeoutMs)
	assert.Equal(t, 200, e.HealthCheckExpectedStatusCode)
	assert.Equal(t, 2, e.HealthyThreshold)
	assert.Equal(t, 2, e.UnhealthyThreshold)
	assert.Equal(t, ApiTypeOllama, e.ApiType)
}

func TestEndpointNormalizeClamps(t *testing.T) {
	e := &ModelRunnerEndpoint{Weight: 5000, MaxParallelRequests: -3, HealthCheckMethod: "head"}
	e.Normalize()

	assert.Equal(t, MaxWeight, e.Weight)
	assert.Equal(t, 0, e.MaxParallelRequests)
	assert.Equal(t, "HEAD", e.HealthCheckMethod)
}

func TestEndpointURLs(t *testing.T) {
	e := &ModelRunnerEndpoint{Hostname: "runner.local", Port: 8443, UseSsl: true, HealthCheckURL: "api/tags"}

	assert.Equal(t, "https://runner.local:8443", e.BaseURL())
	assert.Equal(t, "https://runner.local:8443/api/tags", e.HealthCheckTarget())

	e.UseSsl = false
	e.HealthCheckURL = ""
	assert.Equal(t, "http://runner.local:8443/", e.HealthCheckTarget())
}

func TestEndpointValidate(t *testing.T) {
	e := &ModelRunnerEndpoint{Name: "a", Hostname: "h", Port: 0}
	err := e.Validate()
	require.Error(t, err)

	var validationErr *ErrConfigValidation
	require.ErrorAs(t, err, &validationErr)
	assert.Equal(t, "port", validationErr.Field)

	e.Port = 80
	assert.NoError(t, e.Validate())
}

func TestVirtualModelRunnerSessionClamps(t *testing.T) {
	tests := []struct {
		name       string
		timeoutMs  int
		maxEntries int
		timeout    time.Duration
		capacity   int
	}{
		{"defaults", 0, 0, 10 * time.Minute, 10_000},
		{"below minimum", 1000, 5, time.Minute, 100},
		{"above maximum", 100_000_000, 5_000_000, 24 * time.Hour, 1_000_000},
		{"in range", 120_000, 500, 2 * time.Minute, 500},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := &VirtualModelRunner{SessionTimeoutMs: tt.timeoutMs, SessionMaxEntries: tt.maxEntries}
			assert.Equal(t, tt.timeout, v.SessionTimeout())
			assert.Equal(t, tt.capacity, v.SessionCapacity())

			v.Normalize()
			assert.Equal(t, int(tt.timeout/time.Millisecond), v.SessionTimeoutMs)
			assert.Equal(t, tt.capacity, v.SessionMaxEntries)
		})
	}
}

func TestVirtualModelRunnerValidateHeaderMode(t *testing.T) {
	v := &VirtualModelRunner{Name: "vmr", SessionAffinityMode: SessionAffinityHeader}
	assert.Error(t, v.Validate())

	v.SessionAffinityHeader = "X-Session-Id"
	assert.NoError(t, v.Validate())
}

func TestVirtualModelRunnerAllows(t *testing.T) {
	v := &VirtualModelRunner{AllowCompletions: true}

	assert.True(t, v.Allows(RequestTypeOllamaGenerate))
	assert.True(t, v.Allows(RequestTypeOpenAIChatCompletions))
	assert.False(t, v.Allows(RequestTypeOpenAIEmbeddings))
	assert.False(t, v.Allows(RequestTypeOllamaPullModel))
	assert.True(t, v.Allows(RequestTypeOllamaListTags))
	assert.True(t, v.Allows(RequestTypeUnknown))
}

func TestUptimePercentage(t *testing.T) {
	s := &EndpointHealthSnapshot{}
	assert.Equal(t, 0.0, s.UptimePercentage())

	s.TotalUptimeMs = 750
	s.TotalDowntimeMs = 250
	assert.InDelta(t, 75.0, s.UptimePercentage(), 0.001)
}
