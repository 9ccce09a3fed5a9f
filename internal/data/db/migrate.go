package db

import (
	"gorm.io/gorm"

	"github.com/syntax-sensei/kuboid/internal/types"
)

func AutoMigrateAll(db *gorm.DB) error {
	return db.AutoMigrate(

		// =========================
		// Widgets + ingestion ledger
		// =========================
		&types.Widget{},
		&types.ProcessingRecord{},
		&types.URLIngestionActivity{},

		// =========================
		// Chat log + feedback
		// =========================
		&types.ChatTurn{},
		&types.ChatFeedback{},

		// =========================
		// Derived analytics
		// =========================
		&types.AnalyticsSummary{},
		&types.AnalyticsWeeklyTrend{},
		&types.AnalyticsTopQuery{},
		&types.AnalyticsCommonIssue{},
		&types.KnowledgeGap{},
	)
}
