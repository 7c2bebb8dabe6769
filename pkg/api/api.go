// Package api exposes the validation pipeline over HTTP: POST /v1/validate,
// GET /healthz, and GET /metrics (Prometheus). Routing follows the
// gin.Engine + route-group-per-concern shape used throughout this
// project's sibling services.
package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/clinval/clinval/pkg/pipeline"
	"github.com/clinval/clinval/pkg/schemaindex"
	"github.com/clinval/clinval/pkg/terminology"
)

// Config bundles the collaborators a Server needs: the frozen schema
// index and terminology store shared across requests, plus the project
// identifier stamped on findings when a request doesn't supply its own.
type Config struct {
	Index       *schemaindex.Index
	Terminology *terminology.Store
	Logger      *zap.SugaredLogger
	ProjectID   string
}

// Server wires Config into a gin.Engine.
type Server struct {
	cfg Config
}

// New builds a Server. Logger may be nil, in which case request-scoped
// phase errors are silently dropped (matching pkg/pipeline.Pipeline's
// own nil-OnPhaseError contract).
func New(cfg Config) *Server {
	return &Server{cfg: cfg}
}

// Handler returns the http.Handler to mount on an *http.Server.
func (s *Server) Handler() http.Handler {
	router := gin.New()
	router.Use(gin.Recovery(), requestIDMiddleware(), s.metricsMiddleware())

	router.GET("/healthz", s.handleHealthz)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/v1")
	{
		v1.POST("/validate", s.handleValidate)
	}

	return router
}

// requestIDMiddleware assigns each request a correlation ID, honoring
// one supplied by the caller, and echoes it back on the response so a
// findings report can be tied back to a specific log line.
func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Header("X-Request-ID", requestID)
		c.Set("requestID", requestID)
		c.Next()
	}
}

func (s *Server) metricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		requestLatency.WithLabelValues(c.FullPath(), http.StatusText(c.Writer.Status())).
			Observe(time.Since(start).Seconds())
	}
}

func (s *Server) handleHealthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// validateRequest is the POST /v1/validate request body: a Bundle plus
// optional project rules and mode override.
type validateRequest struct {
	Bundle      interface{} `json:"bundle" binding:"required"`
	Rules       interface{} `json:"rules,omitempty"`
	FHIRVersion string      `json:"fhirVersion,omitempty" binding:"omitempty,oneof=R4 R4B R5"`
	ProjectID   string      `json:"projectId,omitempty"`
	Mode        string      `json:"mode,omitempty" binding:"omitempty,oneof=standard full fast debug"`
}

func (s *Server) handleValidate(c *gin.Context) {
	var req validateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		validationRequests.WithLabelValues("bad_request").Inc()
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	bundleJSON, err := marshalAny(req.Bundle)
	if err != nil {
		validationRequests.WithLabelValues("bad_request").Inc()
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid bundle payload: " + err.Error()})
		return
	}
	var rulesJSON []byte
	if req.Rules != nil {
		rulesJSON, err = marshalAny(req.Rules)
		if err != nil {
			validationRequests.WithLabelValues("bad_request").Inc()
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid rules payload: " + err.Error()})
			return
		}
	}

	version := req.FHIRVersion
	if version == "" {
		version = string(s.cfg.Index.Version())
	}
	projectID := req.ProjectID
	if projectID == "" {
		projectID = s.cfg.ProjectID
	}

	requestID, _ := c.Get("requestID")
	p := &pipeline.Pipeline{
		Index:       s.cfg.Index,
		Terminology: s.cfg.Terminology,
		OnPhaseError: func(phase string, err error) {
			if s.cfg.Logger != nil {
				s.cfg.Logger.Warnw("validation phase error", "requestId", requestID, "phase", phase, "error", err)
			}
		},
	}

	resp, err := p.Run(c.Request.Context(), pipeline.Request{
		BundleJSON:  bundleJSON,
		RulesJSON:   rulesJSON,
		FHIRVersion: schemaindex.FHIRVersion(version),
		ProjectID:   projectID,
		Mode:        pipeline.NormalizeMode(req.Mode),
	})
	if err != nil {
		validationRequests.WithLabelValues("error").Inc()
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	for _, f := range resp.Errors {
		validationFindings.WithLabelValues(string(f.Source), string(f.Severity)).Inc()
	}
	validationRequests.WithLabelValues("ok").Inc()
	c.JSON(http.StatusOK, resp)
}
