// Package server exposes the pass pipeline over HTTP.
//
// Routes:
//
//	GET  /healthz   liveness and the configured passes.
//	POST /v1/fuse   body: a graph in JSON (see ir.Encode); returns the rewritten graph and the
//	                pipeline report. Query parameters fuse_residual and fixed_point override the
//	                server configuration for the request.
package server

import (
	"io"
	"net/http"
	"strconv"

	"github.com/goccy/go-json"
	"github.com/gomlx/fusepass/ir"
	"github.com/gomlx/fusepass/pass"
	"github.com/google/uuid"
	"github.com/labstack/echo/v5"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// DefaultMaxBodyBytes limits the size of uploaded graphs, weights included.
const DefaultMaxBodyBytes = 256 << 20

// Server handles the HTTP routes. Each request runs on its own decoded graph, so requests are
// independent.
type Server struct {
	cfg          pass.Config
	MaxBodyBytes int64
}

// New creates a Server running pipelines configured by cfg.
func New(cfg pass.Config) *Server {
	return &Server{cfg: cfg, MaxBodyBytes: DefaultMaxBodyBytes}
}

// Register adds the routes to e.
func (s *Server) Register(e *echo.Echo) {
	e.GET("/healthz", s.handleHealth)
	e.POST("/v1/fuse", s.handleFuse)
}

// ErrorBody is the body of error responses.
type ErrorBody struct {
	Message   string `json:"message"`
	Type      string `json:"type"`
	RequestID string `json:"request_id,omitempty"`
}

// FuseResponse is the body of a successful POST /v1/fuse.
type FuseResponse struct {
	RequestID string          `json:"request_id"`
	Report    pass.Report     `json:"report"`
	Graph     json.RawMessage `json:"graph"`
}

func writeError(c *echo.Context, status int, errType, requestID string, err error) error {
	return c.JSON(status, map[string]any{
		"error": ErrorBody{Message: err.Error(), Type: errType, RequestID: requestID},
	})
}

func (s *Server) handleHealth(c *echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"status": "ok",
		"passes": s.cfg.Passes,
	})
}

func (s *Server) handleFuse(c *echo.Context) error {
	requestID := uuid.NewString()
	c.Response().Header().Set(echo.HeaderXRequestID, requestID)

	cfg, err := s.requestConfig(c)
	if err != nil {
		return writeError(c, http.StatusBadRequest, "invalid_request_error", requestID, err)
	}
	pipeline, err := pass.NewPipeline(cfg)
	if err != nil {
		return writeError(c, http.StatusBadRequest, "invalid_request_error", requestID, err)
	}

	body, err := io.ReadAll(http.MaxBytesReader(c.Response(), c.Request().Body, s.MaxBodyBytes))
	if err != nil {
		status := http.StatusBadRequest
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			status = http.StatusRequestEntityTooLarge
		}
		return writeError(c, status, "invalid_request_error", requestID,
			errors.Wrap(err, "failed to read request body"))
	}
	g, err := ir.Decode(body)
	if err != nil {
		return writeError(c, http.StatusBadRequest, "invalid_graph_error", requestID, err)
	}

	report, err := pipeline.Run(g)
	if err != nil {
		klog.Warningf("request %s: pipeline failed on graph %q: %+v", requestID, g.Name, err)
		return writeError(c, http.StatusUnprocessableEntity, "pass_error", requestID, err)
	}
	encoded, err := ir.Encode(g)
	if err != nil {
		return writeError(c, http.StatusInternalServerError, "server_error", requestID, err)
	}
	klog.V(1).Infof("request %s: graph %q, %d rewrites in %d iterations", requestID, g.Name,
		report.Rewrites, report.Iterations)
	return c.JSON(http.StatusOK, FuseResponse{RequestID: requestID, Report: report, Graph: encoded})
}

// requestConfig returns the server configuration with the query parameter overrides applied.
func (s *Server) requestConfig(c *echo.Context) (pass.Config, error) {
	cfg := s.cfg
	cfg.Passes = append([]string(nil), s.cfg.Passes...)
	for name, field := range map[string]*bool{
		"fuse_residual": &cfg.FuseResidual,
		"fixed_point":   &cfg.FixedPoint,
	} {
		raw := c.QueryParam(name)
		if raw == "" {
			continue
		}
		value, err := strconv.ParseBool(raw)
		if err != nil {
			return cfg, errors.Errorf("query parameter %s=%q is not a boolean", name, raw)
		}
		*field = value
	}
	return cfg, nil
}
