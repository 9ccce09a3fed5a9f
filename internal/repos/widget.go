package repos

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/syntax-sensei/kuboid/internal/platform/logger"
	"github.com/syntax-sensei/kuboid/internal/types"
)

type WidgetRepo interface {
	Create(ctx context.Context, tx *gorm.DB, widgets []*types.Widget) ([]*types.Widget, error)
	GetByID(ctx context.Context, tx *gorm.DB, widgetID uuid.UUID) (*types.Widget, error)
	GetByOwner(ctx context.Context, tx *gorm.DB, ownerID string) ([]*types.Widget, error)
	Update(ctx context.Context, tx *gorm.DB, widget *types.Widget) error
}

type widgetRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewWidgetRepo(db *gorm.DB, baseLog *logger.Logger) WidgetRepo {
	repoLog := baseLog.With("repo", "WidgetRepo")
	return &widgetRepo{db: db, log: repoLog}
}

func (wr *widgetRepo) Create(ctx context.Context, tx *gorm.DB, widgets []*types.Widget) ([]*types.Widget, error) {
	transaction := tx
	if transaction == nil {
		transaction = wr.db
	}

	if len(widgets) == 0 {
		return []*types.Widget{}, nil
	}

	if err := transaction.WithContext(ctx).Create(&widgets).Error; err != nil {
		return nil, err
	}
	return widgets, nil
}

func (wr *widgetRepo) GetByID(ctx context.Context, tx *gorm.DB, widgetID uuid.UUID) (*types.Widget, error) {
	transaction := tx
	if transaction == nil {
		transaction = wr.db
	}

	var result types.Widget
	if err := transaction.WithContext(ctx).
		Where("id = ?", widgetID).
		First(&result).Error; err != nil {
		return nil, err
	}
	return &result, nil
}

func (wr *widgetRepo) GetByOwner(ctx context.Context, tx *gorm.DB, ownerID string) ([]*types.Widget, error) {
	transaction := tx
	if transaction == nil {
		transaction = wr.db
	}

	var results []*types.Widget
	if err := transaction.WithContext(ctx).
		Where("owner_id = ?", ownerID).
		Order("created_at DESC").
		Find(&results).Error; err != nil {
		return nil, err
	}
	return results, nil
}

func (wr *widgetRepo) Update(ctx context.Context, tx *gorm.DB, widget *types.Widget) error {
	transaction := tx
	if transaction == nil {
		transaction = wr.db
	}
	return transaction.WithContext(ctx).Save(widget).Error
}
