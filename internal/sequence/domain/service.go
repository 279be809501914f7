// Package domain defines the document numbering sequencer. Numbers are
// gap-free and strictly increasing per (organization, document type,
// epoch); the counter lives in the database and is advanced with an
// atomic upsert, never by scanning existing documents.
package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// DocumentType selects an independent numbering sequence.
type DocumentType string

const (
	DocumentTypeInvoice    DocumentType = "INVOICE"
	DocumentTypeProforma   DocumentType = "PROFORMA"
	DocumentTypeCreditNote DocumentType = "CREDIT_NOTE"
)

// Epoch names a counter reset scheme. A yearly epoch keys the counter
// by issue year, so the reset is configuration, not special-cased code.
type Epoch string

const (
	EpochNone   Epoch = "none"
	EpochYearly Epoch = "yearly"
)

// Sequencer issues the next number inside the caller's transaction so
// that a number is never issued without the document that consumes it.
type Sequencer interface {
	Next(ctx context.Context, tx *gorm.DB, orgID snowflake.ID, docType DocumentType, epochKey string) (int64, error)
}

var (
	ErrInvalidDocumentType = errors.New("invalid_document_type")
	ErrSequenceUnavailable = errors.New("sequence_unavailable")
)

// ValidDocumentType reports whether t names a known sequence.
func ValidDocumentType(t DocumentType) bool {
	switch t {
	case DocumentTypeInvoice, DocumentTypeProforma, DocumentTypeCreditNote:
		return true
	}
	return false
}
