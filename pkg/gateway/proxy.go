package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"
	"time"

	"github.com/beam-cloud/vmr/pkg/registry"
	"github.com/beam-cloud/vmr/pkg/routing"
	"github.com/beam-cloud/vmr/pkg/selector"
	"github.com/beam-cloud/vmr/pkg/session"
	"github.com/beam-cloud/vmr/pkg/types"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"
)

// ============================================================================
// Proxy Service - Routes VMR requests to a selected model runner endpoint
// ============================================================================

const (
	HeaderEndpoint = "X-VMR-Endpoint"
	HeaderSession  = "X-VMR-Session"

	defaultProxyTimeout = 5 * time.Minute
)

// RouterError represents an error during routing
type RouterError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *RouterError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

type ProxyService struct {
	registry  *registry.Registry
	selector  *selector.Selector
	transport http.RoundTripper
	timeout   time.Duration
}

// NewProxyService creates a ProxyService. Upstream requests are bounded by timeout.
func NewProxyService(reg *registry.Registry, sel *selector.Selector, timeout time.Duration) *ProxyService {
	if timeout <= 0 {
		timeout = defaultProxyTimeout
	}
	return &ProxyService{
		registry:  reg,
		selector:  sel,
		transport: http.DefaultTransport.(*http.Transport).Clone(),
		timeout:   timeout,
	}
}

func (s *ProxyService) RegisterRoutes(e *echo.Echo) {
	e.Any(routing.VmrPathPrefix+":vmrId", s.handleProxy)
	e.Any(routing.VmrPathPrefix+":vmrId/*", s.handleProxy)
}

// handleProxy handles ANY /v1.0/api/:vmrId/*
func (s *ProxyService) handleProxy(c echo.Context) error {
	req := c.Request()

	urlCtx := routing.Parse(req.URL.Path, req.Method)
	if !urlCtx.IsValidVmrRequest {
		return routerError(c, http.StatusNotFound, &RouterError{
			Code:    "INVALID_VMR_PATH",
			Message: "request path does not name a virtual model runner",
		})
	}

	vmr, err := s.registry.GetVmr(urlCtx.VirtualModelRunnerID)
	if err != nil || !vmr.Active {
		return routerError(c, http.StatusNotFound, &RouterError{
			Code:    "VMR_NOT_FOUND",
			Message: fmt.Sprintf("virtual model runner %s not found", urlCtx.VirtualModelRunnerID),
		})
	}

	if vmr.StrictMode && urlCtx.RequestType == types.RequestTypeUnknown {
		return routerError(c, http.StatusBadRequest, &RouterError{
			Code:    "UNSUPPORTED_ROUTE",
			Message: fmt.Sprintf("%s %s is not a recognized model runner route", req.Method, urlCtx.RelativePath),
		})
	}
	if !vmr.Allows(urlCtx.RequestType) {
		return routerError(c, http.StatusForbidden, &RouterError{
			Code:    "REQUEST_TYPE_NOT_ALLOWED",
			Message: fmt.Sprintf("%s requests are not allowed on virtual model runner %s", urlCtx.RequestType, vmr.ID),
		})
	}

	clientKey := session.ClientKey(vmr.SessionAffinityMode, vmr.SessionAffinityHeader, c)
	sel, err := s.selector.Select(vmr, s.registry.CandidatesFor(vmr), clientKey)
	if err != nil {
		return s.selectionError(c, vmr, err)
	}
	defer s.selector.Release(sel)

	target, err := url.Parse(urlCtx.BuildTargetUrl(sel.Endpoint.BaseURL()))
	if err != nil {
		return routerError(c, http.StatusInternalServerError, &RouterError{
			Code:    "INVALID_TARGET",
			Message: err.Error(),
		})
	}
	target.RawQuery = req.URL.RawQuery

	log.Info().
		Str("vmr_id", vmr.ID).
		Str("endpoint_id", sel.Endpoint.ID).
		Str("request_type", string(urlCtx.RequestType)).
		Bool("session", sel.SessionUsed).
		Msg("Routing request to endpoint")

	c.Response().Header().Set(HeaderEndpoint, sel.Endpoint.ID)
	if sel.SessionUsed {
		c.Response().Header().Set(HeaderSession, "true")
	}

	ctx, cancel := context.WithTimeout(req.Context(), s.timeout)
	defer cancel()

	s.reverseProxy(target, sel.Endpoint).ServeHTTP(c.Response(), req.WithContext(ctx))
	return nil
}

func (s *ProxyService) reverseProxy(target *url.URL, ep *types.ModelRunnerEndpoint) *httputil.ReverseProxy {
	return &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			out := *target
			pr.Out.URL = &out
			pr.Out.Host = ""
			pr.SetXForwarded()

			// Client credentials stay at the gateway
			pr.Out.Header.Del(echo.HeaderAuthorization)
			pr.Out.Header.Del("X-Api-Key")
			if ep.ApiKey != "" {
				pr.Out.Header.Set(echo.HeaderAuthorization, "Bearer "+ep.ApiKey)
			}
		},
		Transport:     s.transport,
		FlushInterval: -1,
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			log.Error().Err(err).Str("endpoint_id", ep.ID).Msg("Endpoint request failed")

			status := http.StatusBadGateway
			if errors.Is(err, context.DeadlineExceeded) {
				status = http.StatusGatewayTimeout
			}
			writeRouterError(w, status, &RouterError{
				Code:    "ENDPOINT_ERROR",
				Message: fmt.Sprintf("endpoint %s request failed", ep.ID),
			})
		},
	}
}

// selectionError maps a failed selection to a status: no candidates 502, all unhealthy
// 503, every healthy endpoint busy 429.
func (s *ProxyService) selectionError(c echo.Context, vmr *types.VirtualModelRunner, err error) error {
	var noEndpoint *selector.NoAvailableEndpointError
	if !errors.As(err, &noEndpoint) {
		log.Error().Err(err).Str("vmr_id", vmr.ID).Msg("Endpoint selection failed")
		return routerError(c, http.StatusInternalServerError, &RouterError{Code: "SELECTION_FAILED", Message: err.Error()})
	}

	log.Warn().
		Str("vmr_id", vmr.ID).
		Str("reason", string(noEndpoint.Reason)).
		Int("candidates", noEndpoint.Candidates).
		Msg("No endpoint available")

	switch noEndpoint.Reason {
	case selector.ReasonNoCandidates:
		return routerError(c, http.StatusBadGateway, &RouterError{
			Code:    "NO_ENDPOINTS_CONFIGURED",
			Message: fmt.Sprintf("virtual model runner %s has no active endpoints", vmr.ID),
		})
	case selector.ReasonUnhealthy:
		return routerError(c, http.StatusServiceUnavailable, &RouterError{
			Code:    "NO_HEALTHY_ENDPOINT",
			Message: fmt.Sprintf("no healthy endpoint available for virtual model runner %s", vmr.ID),
		})
	default:
		c.Response().Header().Set("Retry-After", "1")
		return routerError(c, http.StatusTooManyRequests, &RouterError{
			Code:    "ENDPOINTS_AT_CAPACITY",
			Message: fmt.Sprintf("every endpoint of virtual model runner %s is at capacity", vmr.ID),
		})
	}
}

func routerError(c echo.Context, status int, err *RouterError) error {
	return c.JSON(status, map[string]string{
		"error": err.Message,
		"code":  err.Code,
	})
}

func writeRouterError(w http.ResponseWriter, status int, err *RouterError) {
	w.Header().Set(echo.HeaderContentType, echo.MIMEApplicationJSONCharsetUTF8)
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error": err.Message,
		"code":  err.Code,
	})
}
