package routing

import (
	"testing"

	"github.com/beam-cloud/vmr/pkg/types"
	"github.com/stretchr/testify/assert"
)

func TestRouteResolver(t *testing.T) {
	r := NewRouteResolver()

	tests := []struct {
		method string
		path   string
		want   types.RequestType
	}{
		{"GET", "/", types.RequestTypeRoot},
		{"HEAD", "/", types.RequestTypeLoopback},
		{"POST", "/v1.0/auth/login", types.RequestTypeLogin},
		{"GET", "/v1.0/auth/whoami", types.RequestTypeWhoAmI},
		{"GET", "/v1.0/tenants", types.RequestTypeListTenants},
		{"GET", "/v1.0/tenants/", types.RequestTypeListTenants},
		{"POST", "/v1.0/tenants", types.RequestTypeCreateTenant},
		{"GET", "/v1.0/tenants/ten_abc123", types.RequestTypeReadTenant},
		{"PUT", "/v1.0/tenants/ten_abc123", types.RequestTypeUpdateTenant},
		{"DELETE", "/v1.0/tenants/ten_abc123", types.RequestTypeDeleteTenant},
		{"HEAD", "/v1.0/tenants/ten_abc123", types.RequestTypeExistsTenant},
		{"get", "/V1.0/Users/usr_ABCDEF", types.RequestTypeReadUser},
		{"GET", "/v1.0/credentials/7c9e6679-7425-40de-944b-e07fc1f90ae7", types.RequestTypeReadCredential},
		{"GET", "/v1.0/endpoints/health", types.RequestTypeListEndpointHealth},
		{"GET", "/v1.0/endpoints/mre_12345/health", types.RequestTypeReadEndpointHealth},
		{"GET", "/v1.0/modeldefinitions", types.RequestTypeListModelDefinitions},
		{"DELETE", "/v1.0/modelconfigurations/mc_12345", types.RequestTypeDeleteModelConfiguration},
		{"POST", "/v1.0/virtualmodelrunners", types.RequestTypeCreateVirtualModelRunner},
		{"GET", "/v1.0/virtualmodelrunners/vmr_12345/health", types.RequestTypeReadVirtualModelRunnerHealth},
		{"GET", "/v1.0/administrators/adm_12345?x=1", types.RequestTypeReadAdministrator},
		{"PATCH", "/v1.0/tenants", types.RequestTypeUnknown},
		{"GET", "/v1.0/tenants/abc", types.RequestTypeUnknown},
		{"GET", "/v1.0/tenants/a_b", types.RequestTypeUnknown},
		{"GET", "/v1.0/unknown", types.RequestTypeUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			assert.Equal(t, tt.want, r.Resolve(tt.method, tt.path))
		})
	}
}

func TestIsIdentifier(t *testing.T) {
	assert.True(t, isIdentifier("vmr_123"))
	assert.True(t, isIdentifier("7c9e6679-7425-40de-944b-e07fc1f90ae7"))
	assert.False(t, isIdentifier("a_bc"))
	assert.False(t, isIdentifier("tenants"))
	assert.False(t, isIdentifier(""))
}
