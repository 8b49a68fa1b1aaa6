package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	apperrors "driftline.io/driftline/internal/pkg/errors"
)

// ListPendingProposals handles GET /proposals — the human review queue,
// longest-waiting first.
func (s *Server) ListPendingProposals(c *gin.Context) {
	pending, err := s.gateway.Pending(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"proposals": pending})
}

// ApproveProposal handles POST /proposals/:id/approve.
func (s *Server) ApproveProposal(c *gin.Context) {
	reviewer, ok := reviewerFrom(c)
	if !ok {
		return
	}
	next, err := s.gateway.Approve(c.Request.Context(), c.Param("id"), reviewer)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"applied_version": next})
}

type rejectRequest struct {
	Reason string `json:"reason" binding:"required"`
}

// RejectProposal handles POST /proposals/:id/reject.
func (s *Server) RejectProposal(c *gin.Context) {
	reviewer, ok := reviewerFrom(c)
	if !ok {
		return
	}
	var req rejectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(apperrors.BadRequest(apperrors.CodeValidationFailed, err.Error()))
		return
	}
	if err := s.gateway.Reject(c.Request.Context(), c.Param("id"), reviewer, req.Reason); err != nil {
		fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// ListProposalDecisions handles GET /proposals/:id/decisions — the audit
// trail of a proposal.
func (s *Server) ListProposalDecisions(c *gin.Context) {
	decisions, err := s.store.DecisionsForProposal(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"decisions": decisions})
}
