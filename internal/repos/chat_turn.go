package repos

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/syntax-sensei/kuboid/internal/platform/logger"
	"github.com/syntax-sensei/kuboid/internal/types"
)

type ChatTurnRepo interface {
	Create(ctx context.Context, tx *gorm.DB, turns []*types.ChatTurn) ([]*types.ChatTurn, error)
	ListPage(ctx context.Context, tx *gorm.DB, ownerID string, offset, limit int) ([]*types.ChatTurn, error)
	CountByOwner(ctx context.Context, tx *gorm.DB, ownerID string) (int64, error)
	CountByOwnerSince(ctx context.Context, tx *gorm.DB, ownerID string, since time.Time) (int64, error)
	DistinctOwners(ctx context.Context, tx *gorm.DB) ([]string, error)
}

type chatTurnRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewChatTurnRepo(db *gorm.DB, baseLog *logger.Logger) ChatTurnRepo {
	repoLog := baseLog.With("repo", "ChatTurnRepo")
	return &chatTurnRepo{db: db, log: repoLog}
}

func (cr *chatTurnRepo) Create(ctx context.Context, tx *gorm.DB, turns []*types.ChatTurn) ([]*types.ChatTurn, error) {
	transaction := tx
	if transaction == nil {
		transaction = cr.db
	}

	if len(turns) == 0 {
		return []*types.ChatTurn{}, nil
	}

	if err := transaction.WithContext(ctx).Create(&turns).Error; err != nil {
		return nil, err
	}
	return turns, nil
}

// ListPage walks an owner's turns oldest-first in stable pages so the
// analytics refresh can stream the full history without loading it at once.
func (cr *chatTurnRepo) ListPage(ctx context.Context, tx *gorm.DB, ownerID string, offset, limit int) ([]*types.ChatTurn, error) {
	transaction := tx
	if transaction == nil {
		transaction = cr.db
	}

	var results []*types.ChatTurn
	if err := transaction.WithContext(ctx).
		Where("owner_id = ?", ownerID).
		Order("created_at ASC, id ASC").
		Offset(offset).
		Limit(limit).
		Find(&results).Error; err != nil {
		return nil, err
	}
	return results, nil
}

func (cr *chatTurnRepo) CountByOwner(ctx context.Context, tx *gorm.DB, ownerID string) (int64, error) {
	transaction := tx
	if transaction == nil {
		transaction = cr.db
	}

	var count int64
	if err := transaction.WithContext(ctx).
		Model(&types.ChatTurn{}).
		Where("owner_id = ?", ownerID).
		Count(&count).Error; err != nil {
		return 0, err
	}
	return count, nil
}

func (cr *chatTurnRepo) CountByOwnerSince(ctx context.Context, tx *gorm.DB, ownerID string, since time.Time) (int64, error) {
	transaction := tx
	if transaction == nil {
		transaction = cr.db
	}

	var count int64
	if err := transaction.WithContext(ctx).
		Model(&types.ChatTurn{}).
		Where("owner_id = ? AND created_at >= ?", ownerID, since).
		Count(&count).Error; err != nil {
		return 0, err
	}
	return count, nil
}

func (cr *chatTurnRepo) DistinctOwners(ctx context.Context, tx *gorm.DB) ([]string, error) {
	transaction := tx
	if transaction == nil {
		transaction = cr.db
	}

	var owners []string
	if err := transaction.WithContext(ctx).
		Model(&types.ChatTurn{}).
		Distinct("owner_id").
		Where("owner_id <> ''").
		Pluck("owner_id", &owners).Error; err != nil {
		return nil, err
	}
	return owners, nil
}
