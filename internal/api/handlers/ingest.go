package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"driftline.io/driftline/internal/domain"
	apperrors "driftline.io/driftline/internal/pkg/errors"
)

type ingestRequest struct {
	ConnectionID string           `json:"connection_id" binding:"required"`
	Records      []map[string]any `json:"records" binding:"required"`
}

// IngestBatch handles POST /ingest/:system/:entity.
// The whole batch is transformed under the active mapping; drift detected in
// the batch is reported inline and repaired asynchronously.
func (s *Server) IngestBatch(c *gin.Context) {
	var req ingestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(apperrors.BadRequest(apperrors.CodeValidationFailed, err.Error()))
		return
	}

	src := domain.SourceContext{
		System:       c.Param("system"),
		ConnectionID: req.ConnectionID,
		EntityType:   c.Param("entity"),
	}
	records := make([]domain.RawRecord, 0, len(req.Records))
	for _, obj := range req.Records {
		records = append(records, recordFromJSON(obj))
	}

	result, err := s.pipeline.IngestBatch(c.Request.Context(), src, records)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}
