package types

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	GapStatusOpen       = "open"
	GapStatusInProgress = "in_progress"
	GapStatusResolved   = "resolved"
	GapStatusIgnored    = "ignored"
)

// KnowledgeGap is keyed by (owner_id, topic). Refreshes update counts and
// linked sources but never clobber a status the operator has set.
type KnowledgeGap struct {
	gorm.Model
	ID            uuid.UUID      `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	OwnerID       string         `gorm:"not null;uniqueIndex:idx_gap_owner_topic;column:owner_id" json:"owner_id"`
	Topic         string         `gorm:"not null;uniqueIndex:idx_gap_owner_topic;column:topic" json:"topic"`
	GapRate       float64        `gorm:"column:gap_rate" json:"gap_rate"`
	QueryCount    int            `gorm:"column:query_count" json:"query_count"`
	Status        string         `gorm:"not null;default:open;column:status" json:"status"`
	LinkedSources datatypes.JSON `gorm:"type:jsonb;column:linked_sources" json:"linked_sources"`
	Metadata      datatypes.JSON `gorm:"type:jsonb;column:metadata" json:"metadata"`
	LastSeenAt    time.Time      `gorm:"column:last_seen_at" json:"last_seen_at"`
	CreatedAt     time.Time      `gorm:"not null;default:now()" json:"created_at"`
	UpdatedAt     time.Time      `gorm:"not null;default:now()" json:"updated_at"`
}

func (KnowledgeGap) TableName() string {
	return "knowledge_gap"
}
