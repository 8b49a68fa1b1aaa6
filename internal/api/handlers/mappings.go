package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"driftline.io/driftline/internal/domain"
	apperrors "driftline.io/driftline/internal/pkg/errors"
)

// GetActiveMapping handles GET /mappings/:system/:entity.
func (s *Server) GetActiveMapping(c *gin.Context) {
	active, err := s.registry.Active(c.Request.Context(), c.Param("system"), c.Param("entity"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, active)
}

// ListMappingVersions handles GET /mappings/:system/:entity/versions.
func (s *Server) ListMappingVersions(c *gin.Context) {
	versions, err := s.registry.Versions(c.Request.Context(), c.Param("system"), c.Param("entity"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"versions": versions})
}

type mappingChangesRequest struct {
	BaseVersion int64                  `json:"base_version" binding:"required"`
	Changes     []domain.MappingChange `json:"changes" binding:"required"`
}

// ApplyMappingChanges handles POST /mappings/:system/:entity/changes —
// administrative mapping edits. They ride the same append-and-swap path as
// repairs, so a concurrent repair and edit cannot silently overwrite each
// other: the later writer conflicts and must re-derive.
func (s *Server) ApplyMappingChanges(c *gin.Context) {
	reviewer, ok := reviewerFrom(c)
	if !ok {
		return
	}
	var req mappingChangesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(apperrors.BadRequest(apperrors.CodeValidationFailed, err.Error()))
		return
	}

	next, err := s.registry.ApplyChanges(c.Request.Context(),
		c.Param("system"), c.Param("entity"), req.BaseVersion, req.Changes, reviewer)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, next)
}
