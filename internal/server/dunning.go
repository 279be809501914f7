package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

func (s *Server) GetDunningState(c *gin.Context) {
	accountID, ok := parseID(c, "id")
	if !ok {
		return
	}

	state, err := s.dunning.GetState(c.Request.Context(), accountID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, state)
}

type reinstateRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) ReinstateAccount(c *gin.Context) {
	accountID, ok := parseID(c, "id")
	if !ok {
		return
	}
	var req reinstateRequest
	if err := c.ShouldBindJSON(&req); err != nil && c.Request.ContentLength > 0 {
		AbortWithError(c, ErrBadRequest)
		return
	}

	if err := s.dunning.Reinstate(c.Request.Context(), accountID, req.Reason); err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "reinstated"})
}
