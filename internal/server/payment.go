package server

import (
	"net/http"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"

	ledgerdomain "github.com/wispware/tally/internal/ledger/domain"
	"github.com/wispware/tally/internal/orgcontext"
)

type recordPaymentRequest struct {
	OrgID       snowflake.ID `json:"org_id"`
	AccountID   snowflake.ID `json:"account_id" binding:"required"`
	Amount      int64        `json:"amount" binding:"required"`
	Currency    string       `json:"currency"`
	Method      string       `json:"method"`
	ExternalRef string       `json:"external_ref" binding:"required"`
	ReceivedAt  time.Time    `json:"received_at"`
	Allocations []struct {
		InvoiceID snowflake.ID `json:"invoice_id" binding:"required"`
		Amount    int64        `json:"amount" binding:"required"`
	} `json:"allocations"`
}

func (s *Server) RecordPayment(c *gin.Context) {
	var req recordPaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrBadRequest)
		return
	}
	if req.OrgID == 0 {
		if orgID, ok := orgcontext.OrgIDFromContext(c.Request.Context()); ok {
			req.OrgID = orgID
		}
	}

	allocations := make([]ledgerdomain.Allocation, 0, len(req.Allocations))
	for _, allocation := range req.Allocations {
		allocations = append(allocations, ledgerdomain.Allocation{
			InvoiceID: allocation.InvoiceID,
			Amount:    allocation.Amount,
		})
	}

	externalRef := req.ExternalRef
	result, err := s.payments.Record(c.Request.Context(), ledgerdomain.ApplyPaymentRequest{
		OrgID:       req.OrgID,
		AccountID:   req.AccountID,
		Amount:      req.Amount,
		Currency:    req.Currency,
		Method:      req.Method,
		ExternalRef: &externalRef,
		ReceivedAt:  req.ReceivedAt,
		Allocations: allocations,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, result)
}
