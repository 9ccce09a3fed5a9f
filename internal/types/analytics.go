package types

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// AnalyticsSummary is one row per owner, upserted on every refresh.
type AnalyticsSummary struct {
	gorm.Model
	ID              uuid.UUID `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	OwnerID         string    `gorm:"uniqueIndex;not null;column:owner_id" json:"owner_id"`
	TotalQueries    int       `gorm:"column:total_queries" json:"total_queries"`
	ResolvedQueries int       `gorm:"column:resolved_queries" json:"resolved_queries"`
	GapQueries      int       `gorm:"column:gap_queries" json:"gap_queries"`
	AvgLatencyMs    float64   `gorm:"column:avg_latency_ms" json:"avg_latency_ms"`
	SentimentScore  float64   `gorm:"column:sentiment_score" json:"sentiment_score"`
	LastRefreshedAt time.Time `gorm:"column:last_refreshed_at" json:"last_refreshed_at"`
	CreatedAt       time.Time `gorm:"not null;default:now()" json:"created_at"`
	UpdatedAt       time.Time `gorm:"not null;default:now()" json:"updated_at"`
}

func (AnalyticsSummary) TableName() string {
	return "analytics_summary"
}

// AnalyticsWeeklyTrend rows are replaced wholesale per owner on refresh.
type AnalyticsWeeklyTrend struct {
	gorm.Model
	ID         uuid.UUID `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	OwnerID    string    `gorm:"index;not null;column:owner_id" json:"owner_id"`
	WeekStart  time.Time `gorm:"not null;column:week_start" json:"week_start"`
	QueryCount int       `gorm:"column:query_count" json:"query_count"`
	GapCount   int       `gorm:"column:gap_count" json:"gap_count"`
	CreatedAt  time.Time `gorm:"not null;default:now()" json:"created_at"`
	UpdatedAt  time.Time `gorm:"not null;default:now()" json:"updated_at"`
}

func (AnalyticsWeeklyTrend) TableName() string {
	return "analytics_weekly_trend"
}

// AnalyticsTopQuery rows are replaced wholesale per owner on refresh.
type AnalyticsTopQuery struct {
	gorm.Model
	ID        uuid.UUID `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	OwnerID   string    `gorm:"index;not null;column:owner_id" json:"owner_id"`
	Question  string    `gorm:"not null;column:question" json:"question"`
	Count     int       `gorm:"not null;column:count" json:"count"`
	Trend     string    `gorm:"column:trend" json:"trend"`
	CreatedAt time.Time `gorm:"not null;default:now()" json:"created_at"`
	UpdatedAt time.Time `gorm:"not null;default:now()" json:"updated_at"`
}

func (AnalyticsTopQuery) TableName() string {
	return "analytics_top_query"
}

// AnalyticsCommonIssue rows are replaced wholesale per owner on refresh.
type AnalyticsCommonIssue struct {
	gorm.Model
	ID                uuid.UUID      `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	OwnerID           string         `gorm:"index;not null;column:owner_id" json:"owner_id"`
	CanonicalQuestion string         `gorm:"not null;column:canonical_question" json:"canonical_question"`
	TotalCount        int            `gorm:"not null;column:total_count" json:"total_count"`
	Variants          datatypes.JSON `gorm:"type:jsonb;column:variants" json:"variants"`
	Tags              datatypes.JSON `gorm:"type:jsonb;column:tags" json:"tags"`
	Trend             string         `gorm:"column:trend" json:"trend"`
	CreatedAt         time.Time      `gorm:"not null;default:now()" json:"created_at"`
	UpdatedAt         time.Time      `gorm:"not null;default:now()" json:"updated_at"`
}

func (AnalyticsCommonIssue) TableName() string {
	return "analytics_common_issue"
}
