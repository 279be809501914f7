package server

import (
	"net/http"

	"github.com/gin-gonic/gin"

	rundomain "github.com/wispware/tally/internal/billingrun/domain"
	"github.com/wispware/tally/internal/orgcontext"
)

func (s *Server) StartBillingRun(c *gin.Context) {
	var req rundomain.StartRunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrBadRequest)
		return
	}
	if req.OrgID == 0 {
		if orgID, ok := orgcontext.OrgIDFromContext(c.Request.Context()); ok {
			req.OrgID = orgID
		}
	}

	run, err := s.runs.Start(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, run)
}

func (s *Server) PreviewBillingRun(c *gin.Context) {
	var req rundomain.StartRunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrBadRequest)
		return
	}
	if req.OrgID == 0 {
		if orgID, ok := orgcontext.OrgIDFromContext(c.Request.Context()); ok {
			req.OrgID = orgID
		}
	}

	preview, err := s.runs.Preview(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, preview)
}

func (s *Server) GetBillingRun(c *gin.Context) {
	runID, ok := parseID(c, "id")
	if !ok {
		return
	}

	detail, err := s.runs.Get(c.Request.Context(), runID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, detail)
}

func (s *Server) RetryBillingRun(c *gin.Context) {
	runID, ok := parseID(c, "id")
	if !ok {
		return
	}

	run, err := s.runs.RetryFailed(c.Request.Context(), runID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, run)
}
