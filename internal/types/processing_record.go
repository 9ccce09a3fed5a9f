package types

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

const (
	ProcessingStatusProcessing = "processing"
	ProcessingStatusProcessed  = "processed"
	ProcessingStatusError      = "error"
)

const (
	SourceTypeFile = "file"
	SourceTypeURL  = "url"
)

// ProcessingRecord is the authoritative idempotency ledger for ingestion.
// One row per logical document; reprocessing updates the row in place.
type ProcessingRecord struct {
	gorm.Model
	ID          uuid.UUID `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	DocumentID  string    `gorm:"uniqueIndex;not null;column:document_id" json:"document_id"`
	OwnerID     string    `gorm:"index;column:owner_id" json:"owner_id,omitempty"`
	SourceType  string    `gorm:"not null;column:source_type" json:"source_type"`
	SourceRef   string    `gorm:"not null;column:source_ref" json:"source_ref"`
	Status      string     `gorm:"not null;column:status" json:"status"`
	Error       string     `gorm:"column:error" json:"error,omitempty"`
	ChunksCount int        `gorm:"column:chunks_count" json:"chunks_count"`
	StartedAt   time.Time  `gorm:"column:started_at" json:"started_at"`
	CompletedAt *time.Time `gorm:"column:completed_at" json:"completed_at,omitempty"`
	CreatedAt   time.Time  `gorm:"not null;default:now()" json:"created_at"`
	UpdatedAt   time.Time  `gorm:"not null;default:now()" json:"updated_at"`
}

func (ProcessingRecord) TableName() string {
	return "processing_record"
}
