package types

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	TurnStatusResolved = "resolved"
	TurnStatusGap      = "gap"
)

// ChatTurn records one question/answer exchange. Metadata carries the
// retrieved document ids, latency_ms, and the model that answered.
type ChatTurn struct {
	gorm.Model
	ID             uuid.UUID      `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	OwnerID        string         `gorm:"index;column:owner_id" json:"owner_id"`
	SiteID         string         `gorm:"index;column:site_id" json:"site_id,omitempty"`
	WidgetID       string         `gorm:"index;column:widget_id" json:"widget_id,omitempty"`
	ConversationID string         `gorm:"index;column:conversation_id" json:"conversation_id,omitempty"`
	Question       string         `gorm:"not null;column:question" json:"question"`
	Answer         string         `gorm:"column:answer" json:"answer"`
	Status         string         `gorm:"not null;column:status" json:"status"`
	Metadata       datatypes.JSON `gorm:"type:jsonb;column:metadata" json:"metadata"`
	CreatedAt      time.Time      `gorm:"not null;default:now();index" json:"created_at"`
	UpdatedAt      time.Time      `gorm:"not null;default:now()" json:"updated_at"`
}

func (ChatTurn) TableName() string {
	return "chat_turn"
}
