package service

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/zap"
	"gorm.io/gorm"

	sequencedomain "github.com/wispware/tally/internal/sequence/domain"
)

type Service struct {
	log *zap.Logger
}

func NewService(log *zap.Logger) sequencedomain.Sequencer {
	return &Service{log: log.Named("sequence.service")}
}

// Next advances the durable counter with a single atomic upsert and
// returns the new value. Running inside the caller's transaction keeps
// the issued number and the document write atomic: if the document
// insert fails the increment rolls back with it, so the sequence stays
// gap-free.
func (s *Service) Next(
	ctx context.Context,
	tx *gorm.DB,
	orgID snowflake.ID,
	docType sequencedomain.DocumentType,
	epochKey string,
) (int64, error) {
	if tx == nil {
		return 0, sequencedomain.ErrSequenceUnavailable
	}
	if !sequencedomain.ValidDocumentType(docType) {
		return 0, sequencedomain.ErrInvalidDocumentType
	}

	var next int64
	err := tx.WithContext(ctx).Raw(
		`INSERT INTO number_sequences (org_id, document_type, epoch, last_value, updated_at)
		 VALUES (?, ?, ?, 1, ?)
		 ON CONFLICT (org_id, document_type, epoch)
		 DO UPDATE SET last_value = number_sequences.last_value + 1, updated_at = ?
		 RETURNING last_value`,
		orgID,
		docType,
		epochKey,
		time.Now().UTC(),
		time.Now().UTC(),
	).Scan(&next).Error
	if err != nil {
		return 0, err
	}
	if next <= 0 {
		return 0, sequencedomain.ErrSequenceUnavailable
	}
	return next, nil
}

// EpochKey derives the counter key for an issue date under the
// configured epoch scheme.
func EpochKey(epoch sequencedomain.Epoch, issueDate time.Time) string {
	if epoch == sequencedomain.EpochYearly {
		return issueDate.UTC().Format("2006")
	}
	return ""
}
