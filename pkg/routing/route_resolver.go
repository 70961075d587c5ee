package routing

import (
	"net/http"
	"strings"

	"github.com/beam-cloud/vmr/pkg/types"
	"github.com/google/uuid"
)

// ============================================================================
// Route Resolver - Maps control-plane (method, path) pairs to request types
// ============================================================================

const idPlaceholder = "{id}"

type routeKey struct {
	method string
	path   string
}

type crudTypes struct {
	list, create, read, update, delete, exists types.RequestType
}

// RouteResolver resolves control-plane requests. It is immutable after construction.
type RouteResolver struct {
	routes map[routeKey]types.RequestType
}

// NewRouteResolver builds the resolver tables
func NewRouteResolver() *RouteResolver {
	r := &RouteResolver{routes: make(map[routeKey]types.RequestType)}

	r.add(http.MethodGet, "/", types.RequestTypeRoot)
	r.add(http.MethodHead, "/", types.RequestTypeLoopback)
	r.add(http.MethodGet, "/health", types.RequestTypeLoopback)
	r.add(http.MethodPost, "/v1.0/auth/login", types.RequestTypeLogin)
	r.add(http.MethodGet, "/v1.0/auth/whoami", types.RequestTypeWhoAmI)

	r.addResource("tenants", crudTypes{
		types.RequestTypeListTenants, types.RequestTypeCreateTenant, types.RequestTypeReadTenant,
		types.RequestTypeUpdateTenant, types.RequestTypeDeleteTenant, types.RequestTypeExistsTenant,
	})
	r.addResource("users", crudTypes{
		types.RequestTypeListUsers, types.RequestTypeCreateUser, types.RequestTypeReadUser,
		types.RequestTypeUpdateUser, types.RequestTypeDeleteUser, types.RequestTypeExistsUser,
	})
	r.addResource("credentials", crudTypes{
		types.RequestTypeListCredentials, types.RequestTypeCreateCredential, types.RequestTypeReadCredential,
		types.RequestTypeUpdateCredential, types.RequestTypeDeleteCredential, types.RequestTypeExistsCredential,
	})
	r.addResource("endpoints", crudTypes{
		types.RequestTypeListEndpoints, types.RequestTypeCreateEndpoint, types.RequestTypeReadEndpoint,
		types.RequestTypeUpdateEndpoint, types.RequestTypeDeleteEndpoint, types.RequestTypeExistsEndpoint,
	})
	r.addResource("modeldefinitions", crudTypes{
		types.RequestTypeListModelDefinitions, types.RequestTypeCreateModelDefinition, types.RequestTypeReadModelDefinition,
		types.RequestTypeUpdateModelDefinition, types.RequestTypeDeleteModelDefinition, types.RequestTypeExistsModelDefinition,
	})
	r.addResource("modelconfigurations", crudTypes{
		types.RequestTypeListModelConfigurations, types.RequestTypeCreateModelConfiguration, types.RequestTypeReadModelConfiguration,
		types.RequestTypeUpdateModelConfiguration, types.RequestTypeDeleteModelConfiguration, types.RequestTypeExistsModelConfiguration,
	})
	r.addResource("virtualmodelrunners", crudTypes{
		types.RequestTypeListVirtualModelRunners, types.RequestTypeCreateVirtualModelRunner, types.RequestTypeReadVirtualModelRunner,
		types.RequestTypeUpdateVirtualModelRunner, types.RequestTypeDeleteVirtualModelRunner, types.RequestTypeExistsVirtualModelRunner,
	})
	r.addResource("administrators", crudTypes{
		types.RequestTypeListAdministrators, types.RequestTypeCreateAdministrator, types.RequestTypeReadAdministrator,
		types.RequestTypeUpdateAdministrator, types.RequestTypeDeleteAdministrator, types.RequestTypeExistsAdministrator,
	})

	// Health reads; the collection route wins over the {id} rewrite for "health"
	r.add(http.MethodGet, "/v1.0/endpoints/health", types.RequestTypeListEndpointHealth)
	r.add(http.MethodGet, "/v1.0/endpoints/{id}/health", types.RequestTypeReadEndpointHealth)
	r.add(http.MethodGet, "/v1.0/virtualmodelrunners/{id}/health", types.RequestTypeReadVirtualModelRunnerHealth)

	return r
}

func (r *RouteResolver) add(method, path string, rt types.RequestType) {
	r.routes[routeKey{method: method, path: path}] = rt
}

func (r *RouteResolver) addResource(name string, t crudTypes) {
	collection := "/v1.0/" + name
	item := collection + "/" + idPlaceholder

	r.add(http.MethodGet, collection, t.list)
	r.add(http.MethodPost, collection, t.create)
	r.add(http.MethodGet, item, t.read)
	r.add(http.MethodPut, item, t.update)
	r.add(http.MethodDelete, item, t.delete)
	r.add(http.MethodHead, item, t.exists)
}

// Resolve returns the request type for a control-plane request, or RequestTypeUnknown
func (r *RouteResolver) Resolve(method, path string) types.RequestType {
	method = strings.ToUpper(method)
	path = normalizePath(path)

	if rt, ok := r.routes[routeKey{method: method, path: path}]; ok {
		return rt
	}

	templated := templatePath(path)
	if templated == path {
		return types.RequestTypeUnknown
	}
	if rt, ok := r.routes[routeKey{method: method, path: templated}]; ok {
		return rt
	}
	return types.RequestTypeUnknown
}

func normalizePath(path string) string {
	path, _, _ = strings.Cut(path, "?")
	path = strings.ToLower(path)
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	if len(path) > 1 {
		path = strings.TrimSuffix(path, "/")
	}
	return path
}

// templatePath rewrites every id-shaped segment to {id}
func templatePath(path string) string {
	segments := strings.Split(path, "/")
	for i, segment := range segments {
		if isIdentifier(segment) {
			segments[i] = idPlaceholder
		}
	}
	return strings.Join(segments, "/")
}

// isIdentifier reports whether a path segment looks like a record id
func isIdentifier(segment string) bool {
	if strings.Contains(segment, "_") && len(segment) > 4 {
		return true
	}
	_, err := uuid.Parse(segment)
	return err == nil
}
