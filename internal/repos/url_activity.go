package repos

import (
	"context"

	"gorm.io/gorm"

	"github.com/syntax-sensei/kuboid/internal/platform/logger"
	"github.com/syntax-sensei/kuboid/internal/types"
)

type URLActivityRepo interface {
	Create(ctx context.Context, tx *gorm.DB, activities []*types.URLIngestionActivity) ([]*types.URLIngestionActivity, error)
	ListRecent(ctx context.Context, tx *gorm.DB, ownerID string, limit int) ([]*types.URLIngestionActivity, error)
}

type urlActivityRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewURLActivityRepo(db *gorm.DB, baseLog *logger.Logger) URLActivityRepo {
	repoLog := baseLog.With("repo", "URLActivityRepo")
	return &urlActivityRepo{db: db, log: repoLog}
}

func (ur *urlActivityRepo) Create(ctx context.Context, tx *gorm.DB, activities []*types.URLIngestionActivity) ([]*types.URLIngestionActivity, error) {
	transaction := tx
	if transaction == nil {
		transaction = ur.db
	}

	if len(activities) == 0 {
		return []*types.URLIngestionActivity{}, nil
	}

	if err := transaction.WithContext(ctx).Create(&activities).Error; err != nil {
		return nil, err
	}
	return activities, nil
}

func (ur *urlActivityRepo) ListRecent(ctx context.Context, tx *gorm.DB, ownerID string, limit int) ([]*types.URLIngestionActivity, error) {
	transaction := tx
	if transaction == nil {
		transaction = ur.db
	}
	if limit <= 0 {
		limit = 50
	}

	query := transaction.WithContext(ctx).
		Order("created_at DESC").
		Limit(limit)
	if ownerID != "" {
		query = query.Where("owner_id = ?", ownerID)
	}

	var results []*types.URLIngestionActivity
	if err := query.Find(&results).Error; err != nil {
		return nil, err
	}
	return results, nil
}
