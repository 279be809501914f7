package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	accountdomain "github.com/wispware/tally/internal/account/domain"
	rundomain "github.com/wispware/tally/internal/billingrun/domain"
	dunningdomain "github.com/wispware/tally/internal/dunning/domain"
	invoicedomain "github.com/wispware/tally/internal/invoice/domain"
	ledgerdomain "github.com/wispware/tally/internal/ledger/domain"
	paymentdomain "github.com/wispware/tally/internal/payment/domain"
	sequencedomain "github.com/wispware/tally/internal/sequence/domain"
)

var ErrBadRequest = errors.New("bad_request")

// statusFor maps domain sentinels onto HTTP statuses. Anything unknown
// is a 500; domain errors never leak stack detail to callers.
func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrBadRequest),
		errors.Is(err, rundomain.ErrInvalidPeriod),
		errors.Is(err, rundomain.ErrNoFailedItems),
		errors.Is(err, invoicedomain.ErrInvalidDocumentPeriod),
		errors.Is(err, invoicedomain.ErrEmptyDocument),
		errors.Is(err, sequencedomain.ErrInvalidDocumentType),
		errors.Is(err, ledgerdomain.ErrInvalidAmount),
		errors.Is(err, ledgerdomain.ErrInvalidDirection),
		errors.Is(err, paymentdomain.ErrExternalRefRequired):
		return http.StatusBadRequest
	case errors.Is(err, accountdomain.ErrAccountNotFound),
		errors.Is(err, dunningdomain.ErrAccountNotFound),
		errors.Is(err, invoicedomain.ErrInvoiceNotFound),
		errors.Is(err, invoicedomain.ErrLinkedInvoiceNotFound),
		errors.Is(err, ledgerdomain.ErrInvoiceNotFound),
		errors.Is(err, rundomain.ErrRunNotFound):
		return http.StatusNotFound
	case errors.Is(err, invoicedomain.ErrAccountInactive),
		errors.Is(err, invoicedomain.ErrInvoiceAlreadyVoid),
		errors.Is(err, invoicedomain.ErrCreditExceedsInvoice),
		errors.Is(err, invoicedomain.ErrChargeAlreadyBilled),
		errors.Is(err, ledgerdomain.ErrCurrencyMismatch),
		errors.Is(err, ledgerdomain.ErrAllocationExceedsPayment),
		errors.Is(err, ledgerdomain.ErrAllocationExceedsOutstanding),
		errors.Is(err, ledgerdomain.ErrPaymentAlreadyApplied):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// AbortWithError writes the canonical error envelope and aborts.
func AbortWithError(c *gin.Context, err error) {
	status := statusFor(err)
	message := err.Error()
	if status == http.StatusInternalServerError {
		message = "internal_error"
	}
	c.AbortWithStatusJSON(status, gin.H{"error": message})
}
