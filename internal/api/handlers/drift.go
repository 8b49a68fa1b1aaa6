package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

// ListDriftEvents handles GET /drift-events. Optional filters: system,
// entity, limit.
func (s *Server) ListDriftEvents(c *gin.Context) {
	limit, _ := strconv.Atoi(c.Query("limit"))
	events, err := s.store.ListDriftEvents(c.Request.Context(),
		c.Query("system"), c.Query("entity"), limit)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"drift_events": events})
}

// GetDriftEvent handles GET /drift-events/:id.
func (s *Server) GetDriftEvent(c *gin.Context) {
	ev, err := s.store.GetDriftEvent(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, ev)
}
