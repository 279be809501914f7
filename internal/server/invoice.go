package server

import (
	"net/http"
	"strconv"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"

	invoicedomain "github.com/wispware/tally/internal/invoice/domain"
	sequencedomain "github.com/wispware/tally/internal/sequence/domain"
)

func (s *Server) ListInvoices(c *gin.Context) {
	var req invoicedomain.ListInvoicesRequest
	if err := c.ShouldBindQuery(&req.Request); err != nil {
		AbortWithError(c, ErrBadRequest)
		return
	}
	if raw := c.Query("account_id"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || id <= 0 {
			AbortWithError(c, ErrBadRequest)
			return
		}
		req.AccountID = snowflake.ID(id)
	}
	req.DocumentType = sequencedomain.DocumentType(c.Query("document_type"))
	req.Status = invoicedomain.Status(c.Query("status"))

	resp, err := s.invoices.List(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) GetInvoice(c *gin.Context) {
	invoiceID, ok := parseID(c, "id")
	if !ok {
		return
	}

	invoice, err := s.invoices.GetByID(c.Request.Context(), invoiceID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, invoice)
}

type voidInvoiceRequest struct {
	Reason string `json:"reason" binding:"required"`
}

func (s *Server) VoidInvoice(c *gin.Context) {
	invoiceID, ok := parseID(c, "id")
	if !ok {
		return
	}
	var req voidInvoiceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrBadRequest)
		return
	}

	if err := s.invoices.Void(c.Request.Context(), invoiceID, req.Reason); err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "voided"})
}
