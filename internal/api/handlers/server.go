// Package handlers implements the HTTP API: ingestion, mapping registry
// administration, drift inspection, and the repair review surface.
package handlers

import (
	"errors"

	"github.com/gin-gonic/gin"

	"driftline.io/driftline/internal/api/middleware"
	"driftline.io/driftline/internal/ingest"
	apperrors "driftline.io/driftline/internal/pkg/errors"
	"driftline.io/driftline/internal/pkg/logger"
	"driftline.io/driftline/internal/pkg/worker"
	"driftline.io/driftline/internal/registry"
	"driftline.io/driftline/internal/repair"
	"driftline.io/driftline/internal/store"
	"driftline.io/driftline/internal/transform"
)

// Server holds all API handler dependencies.
type Server struct {
	store       *store.Store
	registry    *registry.Registry
	pipeline    *ingest.Pipeline
	gateway     *repair.Gateway
	transformer *transform.Transformer
	pools       *worker.Pools
}

// ServerDeps holds all dependencies for creating a Server. Manual DI.
type ServerDeps struct {
	Store       *store.Store
	Registry    *registry.Registry
	Pipeline    *ingest.Pipeline
	Gateway     *repair.Gateway
	Transformer *transform.Transformer
	Pools       *worker.Pools
}

// NewServer creates a new Server with all dependencies.
func NewServer(deps ServerDeps) *Server {
	return &Server{
		store:       deps.Store,
		registry:    deps.Registry,
		pipeline:    deps.Pipeline,
		gateway:     deps.Gateway,
		transformer: deps.Transformer,
		pools:       deps.Pools,
	}
}

// RegisterRoutes attaches all API routes under /api/v1.
func (s *Server) RegisterRoutes(r *gin.Engine) {
	v1 := r.Group("/api/v1")

	v1.POST("/ingest/:system/:entity", s.IngestBatch)

	v1.GET("/mappings/:system/:entity", s.GetActiveMapping)
	v1.GET("/mappings/:system/:entity/versions", s.ListMappingVersions)
	v1.POST("/mappings/:system/:entity/changes", s.ApplyMappingChanges)

	v1.GET("/drift-events", s.ListDriftEvents)
	v1.GET("/drift-events/:id", s.GetDriftEvent)

	v1.GET("/proposals", s.ListPendingProposals)
	v1.POST("/proposals/:id/approve", s.ApproveProposal)
	v1.POST("/proposals/:id/reject", s.RejectProposal)
	v1.GET("/proposals/:id/decisions", s.ListProposalDecisions)

	v1.GET("/health/live", s.GetLiveness)
	v1.GET("/health/ready", s.GetReadiness)

	// zap's AtomicLevel serves GET (current level) and PUT (change level).
	v1.Any("/log/level", gin.WrapH(logger.HTTPHandler()))
}

// fail reports a handler error to the centralized error middleware, mapping
// bare sentinels to structured responses on the way.
func fail(c *gin.Context, err error) {
	if _, ok := apperrors.IsAppError(err); ok {
		c.Error(err)
		return
	}
	switch {
	case errors.Is(err, apperrors.ErrNotFound):
		c.Error(apperrors.NotFound("NOT_FOUND", "resource not found"))
	case errors.Is(err, apperrors.ErrConflict):
		c.Error(apperrors.Conflict("CONFLICT", err.Error()))
	default:
		c.Error(err)
	}
}

// reviewerFrom extracts the reviewer identity for decision endpoints.
func reviewerFrom(c *gin.Context) (string, bool) {
	reviewer := c.GetHeader(middleware.ReviewerHeader)
	if reviewer == "" {
		c.Error(apperrors.BadRequest(apperrors.CodeValidationFailed, "missing "+middleware.ReviewerHeader+" header"))
		return "", false
	}
	return reviewer, true
}
