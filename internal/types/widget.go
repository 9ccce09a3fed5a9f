package types

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Widget struct {
	gorm.Model
	ID             uuid.UUID      `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	OwnerID        string         `gorm:"not null;index;column:owner_id" json:"owner_id"`
	SiteID         string         `gorm:"index;column:site_id" json:"site_id,omitempty"`
	Name           string         `gorm:"not null;column:name" json:"name"`
	AllowedOrigins datatypes.JSON `gorm:"type:jsonb;column:allowed_origins" json:"allowed_origins"`
	SecretHash     string         `gorm:"column:secret_hash" json:"-"`
	CreatedAt      time.Time      `gorm:"not null;default:now()" json:"created_at"`
	UpdatedAt      time.Time      `gorm:"not null;default:now()" json:"updated_at"`
}

func (Widget) TableName() string {
	return "widget"
}
