package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

func (s *Server) GetAccountBalance(c *gin.Context) {
	accountID, ok := parseID(c, "id")
	if !ok {
		return
	}

	var asOf *time.Time
	if raw := c.Query("as_of"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			AbortWithError(c, ErrBadRequest)
			return
		}
		asOf = &parsed
	}

	balance, err := s.ledger.Balance(c.Request.Context(), accountID, asOf)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"account_id": accountID.String(),
		"balance":    balance,
	})
}

func (s *Server) GetAccountAging(c *gin.Context) {
	accountID, ok := parseID(c, "id")
	if !ok {
		return
	}

	asOf := time.Now().UTC()
	if raw := c.Query("as_of"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			AbortWithError(c, ErrBadRequest)
			return
		}
		asOf = parsed
	}

	buckets, err := s.ledger.Aging(c.Request.Context(), accountID, asOf)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"account_id": accountID.String(),
		"as_of":      asOf,
		"buckets":    buckets,
	})
}
