package types

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

const (
	SentimentPositive = "positive"
	SentimentNeutral  = "neutral"
	SentimentNegative = "negative"
)

type ChatFeedback struct {
	gorm.Model
	ID        uuid.UUID  `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	TurnID    *uuid.UUID `gorm:"type:uuid;index;column:turn_id" json:"turn_id,omitempty"`
	OwnerID   string     `gorm:"index;column:owner_id" json:"owner_id"`
	Sentiment string     `gorm:"not null;column:sentiment" json:"sentiment"`
	Comment   string     `gorm:"column:comment" json:"comment,omitempty"`
	CreatedAt time.Time  `gorm:"not null;default:now()" json:"created_at"`
	UpdatedAt time.Time  `gorm:"not null;default:now()" json:"updated_at"`
}

func (ChatFeedback) TableName() string {
	return "chat_feedback"
}
