package gateway

import (
	"errors"
	"net/http"
	"time"

	"github.com/beam-cloud/vmr/pkg/registry"
	"github.com/beam-cloud/vmr/pkg/types"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"
)

// ============================================================================
// Admin HTTP Handlers - Endpoint and VMR management, health reads
// ============================================================================

type healthReader interface {
	EndpointStatus(ep *types.ModelRunnerEndpoint) types.EndpointHealthStatus
}

type sessionCounter interface {
	GetSessionCount(vmrID string) int
}

// AdminService provides the control-plane handlers
type AdminService struct {
	registry *registry.Registry
	health   healthReader
	sessions sessionCounter
	now      func() time.Time
}

func NewAdminService(reg *registry.Registry, health healthReader, sessions sessionCounter) *AdminService {
	return &AdminService{
		registry: reg,
		health:   health,
		sessions: sessions,
		now:      time.Now,
	}
}

// RegisterRoutes registers admin routes on the /v1.0 group
func (s *AdminService) RegisterRoutes(g *echo.Group) {
	g.GET("/endpoints", s.handleListEndpoints)
	g.POST("/endpoints", s.handleCreateEndpoint)
	g.GET("/endpoints/health", s.handleListEndpointHealth)
	g.GET("/endpoints/:id", s.handleGetEndpoint)
	g.HEAD("/endpoints/:id", s.handleEndpointExists)
	g.PUT("/endpoints/:id", s.handleUpdateEndpoint)
	g.DELETE("/endpoints/:id", s.handleDeleteEndpoint)
	g.GET("/endpoints/:id/health", s.handleGetEndpointHealth)

	g.GET("/virtualmodelrunners", s.handleListVmrs)
	g.POST("/virtualmodelrunners", s.handleCreateVmr)
	g.GET("/virtualmodelrunners/:id", s.handleGetVmr)
	g.HEAD("/virtualmodelrunners/:id", s.handleVmrExists)
	g.PUT("/virtualmodelrunners/:id", s.handleUpdateVmr)
	g.DELETE("/virtualmodelrunners/:id", s.handleDeleteVmr)
	g.GET("/virtualmodelrunners/:id/health", s.handleGetVmrHealth)
}

// ----------------------------------------------------------------------------
// Endpoints
// ----------------------------------------------------------------------------

func (s *AdminService) handleListEndpoints(c echo.Context) error {
	return c.JSON(http.StatusOK, s.registry.ListEndpoints())
}

// handleCreateEndpoint handles POST /v1.0/endpoints
func (s *AdminService) handleCreateEndpoint(c echo.Context) error {
	var ep types.ModelRunnerEndpoint
	if err := c.Bind(&ep); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error": "invalid request body",
		})
	}

	created, err := s.registry.AddEndpoint(c.Request().Context(), ep)
	if err != nil {
		return registryError(c, err)
	}
	return c.JSON(http.StatusCreated, created)
}

func (s *AdminService) handleGetEndpoint(c echo.Context) error {
	ep, err := s.registry.GetEndpoint(c.Param("id"))
	if err != nil {
		return registryError(c, err)
	}
	return c.JSON(http.StatusOK, ep)
}

func (s *AdminService) handleEndpointExists(c echo.Context) error {
	if _, err := s.registry.GetEndpoint(c.Param("id")); err != nil {
		return c.NoContent(http.StatusNotFound)
	}
	return c.NoContent(http.StatusOK)
}

// handleUpdateEndpoint handles PUT /v1.0/endpoints/:id
func (s *AdminService) handleUpdateEndpoint(c echo.Context) error {
	var ep types.ModelRunnerEndpoint
	if err := c.Bind(&ep); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error": "invalid request body",
		})
	}
	ep.ID = c.Param("id")

	updated, err := s.registry.UpdateEndpoint(c.Request().Context(), ep)
	if err != nil {
		return registryError(c, err)
	}
	return c.JSON(http.StatusOK, updated)
}

func (s *AdminService) handleDeleteEndpoint(c echo.Context) error {
	if err := s.registry.DeleteEndpoint(c.Request().Context(), c.Param("id")); err != nil {
		return registryError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

// handleListEndpointHealth handles GET /v1.0/endpoints/health
func (s *AdminService) handleListEndpointHealth(c echo.Context) error {
	endpoints := s.registry.ListEndpoints()

	statuses := make([]types.EndpointHealthStatus, 0, len(endpoints))
	for _, ep := range endpoints {
		statuses = append(statuses, s.health.EndpointStatus(ep))
	}
	return c.JSON(http.StatusOK, statuses)
}

func (s *AdminService) handleGetEndpointHealth(c echo.Context) error {
	ep, err := s.registry.GetEndpoint(c.Param("id"))
	if err != nil {
		return registryError(c, err)
	}
	return c.JSON(http.StatusOK, s.health.EndpointStatus(ep))
}

// ----------------------------------------------------------------------------
// Virtual model runners
// ----------------------------------------------------------------------------

func (s *AdminService) handleListVmrs(c echo.Context) error {
	return c.JSON(http.StatusOK, s.registry.ListVmrs())
}

// handleCreateVmr handles POST /v1.0/virtualmodelrunners
func (s *AdminService) handleCreateVmr(c echo.Context) error {
	var vmr types.VirtualModelRunner
	if err := c.Bind(&vmr); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error": "invalid request body",
		})
	}

	created, err := s.registry.AddVmr(c.Request().Context(), vmr)
	if err != nil {
		return registryError(c, err)
	}
	return c.JSON(http.StatusCreated, created)
}

func (s *AdminService) handleGetVmr(c echo.Context) error {
	vmr, err := s.registry.GetVmr(c.Param("id"))
	if err != nil {
		return registryError(c, err)
	}
	return c.JSON(http.StatusOK, vmr)
}

func (s *AdminService) handleVmrExists(c echo.Context) error {
	if _, err := s.registry.GetVmr(c.Param("id")); err != nil {
		return c.NoContent(http.StatusNotFound)
	}
	return c.NoContent(http.StatusOK)
}

func (s *AdminService) handleUpdateVmr(c echo.Context) error {
	var vmr types.VirtualModelRunner
	if err := c.Bind(&vmr); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error": "invalid request body",
		})
	}
	vmr.ID = c.Param("id")

	updated, err := s.registry.UpdateVmr(c.Request().Context(), vmr)
	if err != nil {
		return registryError(c, err)
	}
	return c.JSON(http.StatusOK, updated)
}

func (s *AdminService) handleDeleteVmr(c echo.Context) error {
	if err := s.registry.DeleteVmr(c.Request().Context(), c.Param("id")); err != nil {
		return registryError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

// handleGetVmrHealth handles GET /v1.0/virtualmodelrunners/:id/health
func (s *AdminService) handleGetVmrHealth(c echo.Context) error {
	vmr, err := s.registry.GetVmr(c.Param("id"))
	if err != nil {
		return registryError(c, err)
	}
	return c.JSON(http.StatusOK, s.VmrHealth(vmr))
}

// VmrHealth aggregates endpoint health for a VMR. It is healthy while any endpoint is.
func (s *AdminService) VmrHealth(vmr *types.VirtualModelRunner) types.VirtualModelRunnerHealthStatus {
	endpoints := s.registry.EndpointsFor(vmr)

	status := types.VirtualModelRunnerHealthStatus{
		VirtualModelRunnerID:   vmr.ID,
		VirtualModelRunnerName: vmr.Name,
		TotalEndpointCount:     len(endpoints),
		Endpoints:              make([]types.EndpointHealthStatus, 0, len(endpoints)),
		CheckedUtc:             s.now().UTC(),
	}
	for _, ep := range endpoints {
		epStatus := s.health.EndpointStatus(ep)
		if epStatus.IsHealthy {
			status.HealthyEndpointCount++
		}
		status.Endpoints = append(status.Endpoints, epStatus)
	}
	status.OverallHealthy = status.HealthyEndpointCount > 0

	if vmr.SessionAffinityEnabled() {
		n := s.sessions.GetSessionCount(vmr.ID)
		status.ActiveSessions = &n
	}
	return status
}

func registryError(c echo.Context, err error) error {
	var validationErr *types.ErrConfigValidation

	switch {
	case errors.As(err, &validationErr):
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error": validationErr.Error(),
			"field": validationErr.Field,
		})
	case errors.Is(err, registry.ErrNotFound):
		return c.JSON(http.StatusNotFound, map[string]string{
			"error": err.Error(),
		})
	case errors.Is(err, registry.ErrAlreadyExists):
		return c.JSON(http.StatusConflict, map[string]string{
			"error": err.Error(),
		})
	}

	log.Error().Err(err).Str("path", c.Path()).Msg("Admin request failed")
	return c.JSON(http.StatusInternalServerError, map[string]string{
		"error": err.Error(),
	})
}
