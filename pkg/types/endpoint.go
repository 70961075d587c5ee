package types

import (
	"fmt"
	"net/http"
	"strings"
	"time"
)

const (
	DefaultWeight                  = 1
	MinWeight                      = 1
	MaxWeight                      = 1000
	DefaultHealthCheckURL          = "/"
	DefaultHealthCheckIntervalMs   = 5000
	DefaultHealthCheckTimeoutMs    = 5000
	DefaultHealthCheckExpectedCode = http.StatusOK
	DefaultHealthyThreshold        = 2
	DefaultUnhealthyThreshold      = 2

	DefaultSessionTimeoutMs  = 600_000
	MinSessionTimeoutMs      = 60_000
	MaxSessionTimeoutMs      = 86_400_000
	DefaultSessionMaxEntries = 10_000
	MinSessionMaxEntries     = 100
	MaxSessionMaxEntries     = 1_000_000
)

// LoadBalancingMode selects how a VMR spreads requests over eligible endpoints
type LoadBalancingMode string

const (
	LoadBalancingRoundRobin         LoadBalancingMode = "RoundRobin"
	LoadBalancingWeightedRoundRobin LoadBalancingMode = "WeightedRoundRobin"
	LoadBalancingRandom             LoadBalancingMode = "Random"
	LoadBalancingFirstAvailable     LoadBalancingMode = "FirstAvailable"
)

// SessionAffinityMode selects what identifies a client for sticky routing
type SessionAffinityMode string

const (
	SessionAffinityNone     SessionAffinityMode = "None"
	SessionAffinitySourceIP SessionAffinityMode = "SourceIP"
	SessionAffinityApiKey   SessionAffinityMode = "ApiKey"
	SessionAffinityHeader   SessionAffinityMode = "Header"
)

// ModelRunnerEndpoint is a concrete backend inference server
type ModelRunnerEndpoint struct {
	ID       string  `json:"id" yaml:"id"`
	TenantID string  `json:"tenant_id" yaml:"tenant_id"`
	Name     string  `json:"name" yaml:"name" validate:"required"`
	Hostname string  `json:"hostname" yaml:"hostname" validate:"required"`
	Port     int     `json:"port" yaml:"port" validate:"min=1,max=65535"`
	UseSsl   bool    `json:"use_ssl" yaml:"use_ssl"`
	ApiType  ApiType `json:"api_type" yaml:"api_type" validate:"omitempty,oneof=OpenAI Ollama"`
	ApiKey   string  `json:"api_key,omitempty" yaml:"api_key,omitempty"`
	Active   bool    `json:"active" yaml:"active"`

	Weight              int `json:"weight" yaml:"weight" validate:"min=0,max=1000"`
	MaxParallelRequests int `json:"max_parallel_requests" yaml:"max_parallel_requests" validate:"min=0"`

	HealthCheckURL                string `json:"health_check_url" yaml:"health_check_url"`
	HealthCheckMethod             string `json:"health_check_method" yaml:"health_check_method" validate:"omitempty,oneof=GET HEAD"`
	HealthCheckIntervalMs         int    `json:"health_check_interval_ms" yaml:"health_check_interval_ms" validate:"min=0"`
	HealthCheckTimeoutMs          int    `json:"health_check_timeout_ms" yaml:"health_check_timeout_ms" validate:"min=0"`
	HealthCheckExpectedStatusCode int    `json:"health_check_expected_status_code" yaml:"health_check_expected_status_code" validate:"omitempty,min=100,max=599"`
	HealthCheckUseAuth            bool   `json:"health_check_use_auth" yaml:"health_check_use_auth"`
	HealthyThreshold              int    `json:"healthy_threshold" yaml:"healthy_threshold" validate:"min=0"`
	UnhealthyThreshold            int    `json:"unhealthy_threshold" yaml:"unhealthy_threshold" validate:"min=0"`

	CreatedUtc    time.Time `json:"created_utc" yaml:"-"`
	LastUpdateUtc time.Time `json:"last_update_utc" yaml:"-"`
}

// BaseURL returns scheme://host:port with no trailing slash
func (e *ModelRunnerEndpoint) BaseURL() string {
	scheme := "http"
	if e.UseSsl {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s:%d", scheme, e.Hostname, e.Port)
}

// HealthCheckTarget returns the full URL probed by the health monitor
func (e *ModelRunnerEndpoint) HealthCheckTarget() string {
	path := e.HealthCheckURL
	if path == "" {
		path = DefaultHealthCheckURL
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return e.BaseURL() + path
}

func (e *ModelRunnerEndpoint) HealthCheckInterval() time.Duration {
	return time.Duration(e.HealthCheckIntervalMs) * time.Millisecond
}

func (e *ModelRunnerEndpoint) HealthCheckTimeout() time.Duration {
	return time.Duration(e.HealthCheckTimeoutMs) * time.Millisecond
}

// Normalize fills defaults and clamps ranges in place
func (e *ModelRunnerEndpoint) Normalize() {
	e.Weight = clamp(orDefault(e.Weight, DefaultWeight), MinWeight, MaxWeight)
	if e.MaxParallelRequests < 0 {
		e.MaxParallelRequests = 0
	}
	if e.HealthCheckURL == "" {
		e.HealthCheckURL = DefaultHealthCheckURL
	}
	e.HealthCheckMethod = strings.ToUpper(e.HealthCheckMethod)
	if e.HealthCheckMethod != http.MethodHead {
		e.HealthCheckMethod = http.MethodGet
	}
	e.HealthCheckIntervalMs = orDefault(e.HealthCheckIntervalMs, DefaultHealthCheckIntervalMs)
	e.HealthCheckTimeoutMs = orDefault(e.HealthCheckTimeoutMs, DefaultHealthCheckTimeoutMs)
	e.HealthCheckExpectedStatusCode = orDefault(e.HealthCheckExpectedStatusCode, DefaultHealthCheckExpectedCode)
	e.HealthyThreshold = orDefault(e.HealthyThreshold, DefaultHealthyThreshold)
	e.UnhealthyThreshold = orDefault(e.UnhealthyThreshold, DefaultUnhealthyThreshold)
	if e.ApiType == "" {
		e.ApiType = ApiTypeOllama
	}
}

// Validate checks the record against its struct tags
func (e *ModelRunnerEndpoint) Validate() error {
	return validateStruct(e)
}

// VirtualModelRunner is the client-facing identity that fans out to endpoints
type VirtualModelRunner struct {
	ID       string  `json:"id" yaml:"id"`
	TenantID string  `json:"tenant_id" yaml:"tenant_id"`
	Name     string  `json:"name" yaml:"name" validate:"required"`
	ApiType  ApiType `json:"api_type" yaml:"api_type" validate:"omitempty,oneof=OpenAI Ollama"`
	Active   bool    `json:"active" yaml:"active"`

	ModelRunnerEndpointIDs []string          `json:"model_runner_endpoint_ids" yaml:"model_runner_endpoint_ids"`
	LoadBalancingMode      LoadBalancingMode `json:"load_balancing_mode" yaml:"load_balancing_mode" validate:"omitempty,oneof=RoundRobin WeightedRoundRobin Random FirstAvailable"`

	SessionAffinityMode   SessionAffinityMode `json:"session_affinity_mode" yaml:"session_affinity_mode" validate:"omitempty,oneof=None SourceIP ApiKey Header"`
	SessionAffinityHeader string              `json:"session_affinity_header,omitempty" yaml:"session_affinity_header,omitempty" validate:"required_if=SessionAffinityMode Header"`
	SessionTimeoutMs      int                 `json:"session_timeout_ms" yaml:"session_timeout_ms"`
	SessionMaxEntries     int                 `json:"session_max_entries" yaml:"session_max_entries"`

	// StrictMode rejects proxy requests whose route could not be classified
	StrictMode           bool `json:"strict_mode" yaml:"strict_mode"`
	AllowEmbeddings      bool `json:"allow_embeddings" yaml:"allow_embeddings"`
	AllowCompletions     bool `json:"allow_completions" yaml:"allow_completions"`
	AllowModelManagement bool `json:"allow_model_management" yaml:"allow_model_management"`

	CreatedUtc    time.Time `json:"created_utc" yaml:"-"`
	LastUpdateUtc time.Time `json:"last_update_utc" yaml:"-"`
}

// Normalize fills defaults and clamps the session settings in place
func (v *VirtualModelRunner) Normalize() {
	if v.LoadBalancingMode == "" {
		v.LoadBalancingMode = LoadBalancingRoundRobin
	}
	if v.SessionAffinityMode == "" {
		v.SessionAffinityMode = SessionAffinityNone
	}
	if v.ApiType == "" {
		v.ApiType = ApiTypeOllama
	}
	v.SessionTimeoutMs = clamp(orDefault(v.SessionTimeoutMs, DefaultSessionTimeoutMs), MinSessionTimeoutMs, MaxSessionTimeoutMs)
	v.SessionMaxEntries = clamp(orDefault(v.SessionMaxEntries, DefaultSessionMaxEntries), MinSessionMaxEntries, MaxSessionMaxEntries)
}

// Validate checks the record against its struct tags
func (v *VirtualModelRunner) Validate() error {
	return validateStruct(v)
}

// SessionAffinityEnabled reports whether requests should be pinned to an endpoint
func (v *VirtualModelRunner) SessionAffinityEnabled() bool {
	return v.SessionAffinityMode != "" && v.SessionAffinityMode != SessionAffinityNone
}

// SessionTimeout returns the clamped pin lifetime
func (v *VirtualModelRunner) SessionTimeout() time.Duration {
	ms := clamp(orDefault(v.SessionTimeoutMs, DefaultSessionTimeoutMs), MinSessionTimeoutMs, MaxSessionTimeoutMs)
	return time.Duration(ms) * time.Millisecond
}

// SessionCapacity returns the clamped maximum number of pins
func (v *VirtualModelRunner) SessionCapacity() int {
	return clamp(orDefault(v.SessionMaxEntries, DefaultSessionMaxEntries), MinSessionMaxEntries, MaxSessionMaxEntries)
}

// Allows reports whether the VMR accepts the given request class
func (v *VirtualModelRunner) Allows(t RequestType) bool {
	switch {
	case t.IsEmbeddings():
		return v.AllowEmbeddings
	case t.IsCompletions():
		return v.AllowCompletions
	case t.IsModelManagement():
		return v.AllowModelManagement
	}
	return true
}

// HasEndpoint reports whether the endpoint is referenced by this VMR
func (v *VirtualModelRunner) HasEndpoint(endpointID string) bool {
	for _, id := range v.ModelRunnerEndpointIDs {
		if id == endpointID {
			return true
		}
	}
	return false
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
