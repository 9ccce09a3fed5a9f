package repos

import (
	"context"
	"errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/syntax-sensei/kuboid/internal/platform/logger"
	"github.com/syntax-sensei/kuboid/internal/types"
)

// Stored ingestion errors are capped so one huge upstream body cannot bloat
// the ledger.
const maxStoredErrorLen = 500

type ProcessingRecordRepo interface {
	Upsert(ctx context.Context, tx *gorm.DB, record *types.ProcessingRecord) error
	GetByDocumentID(ctx context.Context, tx *gorm.DB, documentID string) (*types.ProcessingRecord, error)
	ListByOwner(ctx context.Context, tx *gorm.DB, ownerID string) ([]*types.ProcessingRecord, error)
	ListAll(ctx context.Context, tx *gorm.DB) ([]*types.ProcessingRecord, error)
}

type processingRecordRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewProcessingRecordRepo(db *gorm.DB, baseLog *logger.Logger) ProcessingRecordRepo {
	repoLog := baseLog.With("repo", "ProcessingRecordRepo")
	return &processingRecordRepo{db: db, log: repoLog}
}

// Upsert writes the ledger row for a document, replacing any previous attempt
// for the same document_id.
func (pr *processingRecordRepo) Upsert(ctx context.Context, tx *gorm.DB, record *types.ProcessingRecord) error {
	transaction := tx
	if transaction == nil {
		transaction = pr.db
	}
	if record == nil {
		return errors.New("record is required")
	}

	record.Error = TruncateError(record.Error)

	return transaction.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "document_id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"owner_id",
				"source_type",
				"source_ref",
				"status",
				"error",
				"chunks_count",
				"started_at",
				"completed_at",
				"updated_at",
			}),
		}).
		Create(record).Error
}

func (pr *processingRecordRepo) GetByDocumentID(ctx context.Context, tx *gorm.DB, documentID string) (*types.ProcessingRecord, error) {
	transaction := tx
	if transaction == nil {
		transaction = pr.db
	}

	var result types.ProcessingRecord
	if err := transaction.WithContext(ctx).
		Where("document_id = ?", documentID).
		First(&result).Error; err != nil {
		return nil, err
	}
	return &result, nil
}

func (pr *processingRecordRepo) ListByOwner(ctx context.Context, tx *gorm.DB, ownerID string) ([]*types.ProcessingRecord, error) {
	transaction := tx
	if transaction == nil {
		transaction = pr.db
	}

	var results []*types.ProcessingRecord
	if err := transaction.WithContext(ctx).
		Where("owner_id = ?", ownerID).
		Order("started_at DESC").
		Find(&results).Error; err != nil {
		return nil, err
	}
	return results, nil
}

func (pr *processingRecordRepo) ListAll(ctx context.Context, tx *gorm.DB) ([]*types.ProcessingRecord, error) {
	transaction := tx
	if transaction == nil {
		transaction = pr.db
	}

	var results []*types.ProcessingRecord
	if err := transaction.WithContext(ctx).
		Order("started_at DESC").
		Find(&results).Error; err != nil {
		return nil, err
	}
	return results, nil
}

// TruncateError caps a stored error message at maxStoredErrorLen characters.
func TruncateError(msg string) string {
	if len(msg) <= maxStoredErrorLen {
		return msg
	}
	return msg[:maxStoredErrorLen]
}
