package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// GetLiveness handles GET /health/live.
func (s *Server) GetLiveness(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// GetReadiness handles GET /health/ready. Reports database reachability,
// worker pool utilization, per-source connection health, and transformer
// counters.
func (s *Server) GetReadiness(c *gin.Context) {
	checks := make(map[string]string)
	allHealthy := true

	if err := s.store.DB().PingContext(c.Request.Context()); err != nil {
		checks["database"] = "error"
		allHealthy = false
	} else {
		checks["database"] = "ok"
	}

	status := "ok"
	httpStatus := http.StatusOK
	if !allHealthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	metrics := s.transformer.Metrics()
	c.JSON(httpStatus, gin.H{
		"status":      status,
		"checks":      checks,
		"pools":       s.pools.Metrics(),
		"connections": s.pipeline.Health().Snapshot(),
		"transform": gin.H{
			"records_emitted":   metrics.RecordsEmitted.Load(),
			"coercion_failures": metrics.CoercionFailures.Load(),
			"unknown_fields":    metrics.UnknownFields.Load(),
		},
	})
}
