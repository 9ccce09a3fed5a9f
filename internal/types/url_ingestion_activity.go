package types

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type URLIngestionActivity struct {
	gorm.Model
	ID         uuid.UUID `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	OwnerID    string    `gorm:"index;column:owner_id" json:"owner_id"`
	URL        string    `gorm:"not null;column:url" json:"url"`
	DocumentID string    `gorm:"index;column:document_id" json:"document_id"`
	Status     string    `gorm:"not null;column:status" json:"status"`
	Error      string    `gorm:"column:error" json:"error,omitempty"`
	ChunkCount int       `gorm:"column:chunk_count" json:"chunk_count"`
	CreatedAt  time.Time `gorm:"not null;default:now();index" json:"created_at"`
	UpdatedAt  time.Time `gorm:"not null;default:now()" json:"updated_at"`
}

func (URLIngestionActivity) TableName() string {
	return "url_ingestion_activity"
}
