package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	sequencedomain "github.com/wispware/tally/internal/sequence/domain"
)

func setupSequenceTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.Exec(
		`CREATE TABLE number_sequences (
			org_id BIGINT NOT NULL,
			document_type TEXT NOT NULL,
			epoch TEXT NOT NULL DEFAULT '',
			last_value BIGINT NOT NULL DEFAULT 0,
			updated_at TIMESTAMP NOT NULL,
			PRIMARY KEY (org_id, document_type, epoch)
		)`,
	).Error; err != nil {
		t.Fatalf("create number_sequences: %v", err)
	}
	return db
}

func TestNextIsGapFreeAndMonotonic(t *testing.T) {
	db := setupSequenceTestDB(t)
	svc := NewService(zap.NewNop())
	ctx := context.Background()

	for want := int64(1); want <= 5; want++ {
		got, err := svc.Next(ctx, db, 1, sequencedomain.DocumentTypeInvoice, "2026")
		if err != nil {
			t.Fatalf("next: %v", err)
		}
		if got != want {
			t.Fatalf("expected %d, got %d", want, got)
		}
	}
}

func TestNextSequencesAreIndependent(t *testing.T) {
	db := setupSequenceTestDB(t)
	svc := NewService(zap.NewNop())
	ctx := context.Background()

	if _, err := svc.Next(ctx, db, 1, sequencedomain.DocumentTypeInvoice, "2026"); err != nil {
		t.Fatalf("next invoice: %v", err)
	}
	if _, err := svc.Next(ctx, db, 1, sequencedomain.DocumentTypeInvoice, "2026"); err != nil {
		t.Fatalf("next invoice: %v", err)
	}

	creditNote, err := svc.Next(ctx, db, 1, sequencedomain.DocumentTypeCreditNote, "2026")
	if err != nil {
		t.Fatalf("next credit note: %v", err)
	}
	if creditNote != 1 {
		t.Fatalf("credit note sequence must start at 1, got %d", creditNote)
	}

	otherOrg, err := svc.Next(ctx, db, 2, sequencedomain.DocumentTypeInvoice, "2026")
	if err != nil {
		t.Fatalf("next for other org: %v", err)
	}
	if otherOrg != 1 {
		t.Fatalf("other org sequence must start at 1, got %d", otherOrg)
	}
}

func TestNextEpochResetsCounterKey(t *testing.T) {
	db := setupSequenceTestDB(t)
	svc := NewService(zap.NewNop())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := svc.Next(ctx, db, 1, sequencedomain.DocumentTypeInvoice, "2026"); err != nil {
			t.Fatalf("next: %v", err)
		}
	}
	nextYear, err := svc.Next(ctx, db, 1, sequencedomain.DocumentTypeInvoice, "2027")
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if nextYear != 1 {
		t.Fatalf("new epoch must restart at 1, got %d", nextYear)
	}
}

func TestNextRollsBackWithTransaction(t *testing.T) {
	db := setupSequenceTestDB(t)
	svc := NewService(zap.NewNop())
	ctx := context.Background()

	sentinel := errors.New("abort")
	err := db.Transaction(func(tx *gorm.DB) error {
		if _, err := svc.Next(ctx, tx, 1, sequencedomain.DocumentTypeInvoice, "2026"); err != nil {
			return err
		}
		return sentinel
	})
	if !errors.Is(err, sentinel) {
		t.Fatalf("expected sentinel, got %v", err)
	}

	got, err := svc.Next(ctx, db, 1, sequencedomain.DocumentTypeInvoice, "2026")
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if got != 1 {
		t.Fatalf("rolled-back increment must not leave a gap, got %d", got)
	}
}

func TestNextRejectsUnknownDocumentType(t *testing.T) {
	db := setupSequenceTestDB(t)
	svc := NewService(zap.NewNop())

	_, err := svc.Next(context.Background(), db, 1, sequencedomain.DocumentType("RECEIPT"), "2026")
	if !errors.Is(err, sequencedomain.ErrInvalidDocumentType) {
		t.Fatalf("expected invalid_document_type, got %v", err)
	}
}

func TestEpochKey(t *testing.T) {
	issue := time.Date(2026, time.July, 4, 12, 0, 0, 0, time.UTC)
	if key := EpochKey(sequencedomain.EpochYearly, issue); key != "2026" {
		t.Fatalf("expected yearly key 2026, got %q", key)
	}
	if key := EpochKey(sequencedomain.EpochNone, issue); key != "" {
		t.Fatalf("expected empty key, got %q", key)
	}
}
