package repos

import (
	"context"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/syntax-sensei/kuboid/internal/platform/logger"
	"github.com/syntax-sensei/kuboid/internal/types"
)

type AnalyticsRepo interface {
	UpsertSummary(ctx context.Context, tx *gorm.DB, summary *types.AnalyticsSummary) error
	GetSummary(ctx context.Context, tx *gorm.DB, ownerID string) (*types.AnalyticsSummary, error)

	ReplaceWeeklyTrends(ctx context.Context, tx *gorm.DB, ownerID string, trends []*types.AnalyticsWeeklyTrend) error
	ListWeeklyTrends(ctx context.Context, tx *gorm.DB, ownerID string) ([]*types.AnalyticsWeeklyTrend, error)

	ReplaceTopQueries(ctx context.Context, tx *gorm.DB, ownerID string, queries []*types.AnalyticsTopQuery) error
	ListTopQueries(ctx context.Context, tx *gorm.DB, ownerID string, limit int) ([]*types.AnalyticsTopQuery, error)

	ReplaceCommonIssues(ctx context.Context, tx *gorm.DB, ownerID string, issues []*types.AnalyticsCommonIssue) error
	ListCommonIssues(ctx context.Context, tx *gorm.DB, ownerID string, limit int) ([]*types.AnalyticsCommonIssue, error)
}

type analyticsRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewAnalyticsRepo(db *gorm.DB, baseLog *logger.Logger) AnalyticsRepo {
	repoLog := baseLog.With("repo", "AnalyticsRepo")
	return &analyticsRepo{db: db, log: repoLog}
}

func (ar *analyticsRepo) UpsertSummary(ctx context.Context, tx *gorm.DB, summary *types.AnalyticsSummary) error {
	transaction := tx
	if transaction == nil {
		transaction = ar.db
	}

	return transaction.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "owner_id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"total_queries",
				"resolved_queries",
				"gap_queries",
				"avg_latency_ms",
				"sentiment_score",
				"last_refreshed_at",
				"updated_at",
			}),
		}).
		Create(summary).Error
}

func (ar *analyticsRepo) GetSummary(ctx context.Context, tx *gorm.DB, ownerID string) (*types.AnalyticsSummary, error) {
	transaction := tx
	if transaction == nil {
		transaction = ar.db
	}

	var result types.AnalyticsSummary
	if err := transaction.WithContext(ctx).
		Where("owner_id = ?", ownerID).
		First(&result).Error; err != nil {
		return nil, err
	}
	return &result, nil
}

// ReplaceWeeklyTrends swaps the owner's trend rows inside one transaction so
// readers never observe a partially refreshed set.
func (ar *analyticsRepo) ReplaceWeeklyTrends(ctx context.Context, tx *gorm.DB, ownerID string, trends []*types.AnalyticsWeeklyTrend) error {
	transaction := tx
	if transaction == nil {
		transaction = ar.db
	}

	return transaction.WithContext(ctx).Transaction(func(inner *gorm.DB) error {
		if err := inner.Where("owner_id = ?", ownerID).Delete(&types.AnalyticsWeeklyTrend{}).Error; err != nil {
			return err
		}
		if len(trends) == 0 {
			return nil
		}
		return inner.Create(&trends).Error
	})
}

func (ar *analyticsRepo) ListWeeklyTrends(ctx context.Context, tx *gorm.DB, ownerID string) ([]*types.AnalyticsWeeklyTrend, error) {
	transaction := tx
	if transaction == nil {
		transaction = ar.db
	}

	var results []*types.AnalyticsWeeklyTrend
	if err := transaction.WithContext(ctx).
		Where("owner_id = ?", ownerID).
		Order("week_start ASC").
		Find(&results).Error; err != nil {
		return nil, err
	}
	return results, nil
}

func (ar *analyticsRepo) ReplaceTopQueries(ctx context.Context, tx *gorm.DB, ownerID string, queries []*types.AnalyticsTopQuery) error {
	transaction := tx
	if transaction == nil {
		transaction = ar.db
	}

	return transaction.WithContext(ctx).Transaction(func(inner *gorm.DB) error {
		if err := inner.Where("owner_id = ?", ownerID).Delete(&types.AnalyticsTopQuery{}).Error; err != nil {
			return err
		}
		if len(queries) == 0 {
			return nil
		}
		return inner.Create(&queries).Error
	})
}

func (ar *analyticsRepo) ListTopQueries(ctx context.Context, tx *gorm.DB, ownerID string, limit int) ([]*types.AnalyticsTopQuery, error) {
	transaction := tx
	if transaction == nil {
		transaction = ar.db
	}
	if limit <= 0 {
		limit = 10
	}

	var results []*types.AnalyticsTopQuery
	if err := transaction.WithContext(ctx).
		Where("owner_id = ?", ownerID).
		Order("count DESC").
		Limit(limit).
		Find(&results).Error; err != nil {
		return nil, err
	}
	return results, nil
}

func (ar *analyticsRepo) ReplaceCommonIssues(ctx context.Context, tx *gorm.DB, ownerID string, issues []*types.AnalyticsCommonIssue) error {
	transaction := tx
	if transaction == nil {
		transaction = ar.db
	}

	return transaction.WithContext(ctx).Transaction(func(inner *gorm.DB) error {
		if err := inner.Where("owner_id = ?", ownerID).Delete(&types.AnalyticsCommonIssue{}).Error; err != nil {
			return err
		}
		if len(issues) == 0 {
			return nil
		}
		return inner.Create(&issues).Error
	})
}

func (ar *analyticsRepo) ListCommonIssues(ctx context.Context, tx *gorm.DB, ownerID string, limit int) ([]*types.AnalyticsCommonIssue, error) {
	transaction := tx
	if transaction == nil {
		transaction = ar.db
	}
	if limit <= 0 {
		limit = 20
	}

	var results []*types.AnalyticsCommonIssue
	if err := transaction.WithContext(ctx).
		Where("owner_id = ?", ownerID).
		Order("total_count DESC").
		Limit(limit).
		Find(&results).Error; err != nil {
		return nil, err
	}
	return results, nil
}
