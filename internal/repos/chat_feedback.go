package repos

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/syntax-sensei/kuboid/internal/platform/logger"
	"github.com/syntax-sensei/kuboid/internal/types"
)

type ChatFeedbackRepo interface {
	Create(ctx context.Context, tx *gorm.DB, feedback []*types.ChatFeedback) ([]*types.ChatFeedback, error)
	CountBySentiment(ctx context.Context, tx *gorm.DB, ownerID string, since time.Time) (map[string]int64, error)
}

type chatFeedbackRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewChatFeedbackRepo(db *gorm.DB, baseLog *logger.Logger) ChatFeedbackRepo {
	repoLog := baseLog.With("repo", "ChatFeedbackRepo")
	return &chatFeedbackRepo{db: db, log: repoLog}
}

func (fr *chatFeedbackRepo) Create(ctx context.Context, tx *gorm.DB, feedback []*types.ChatFeedback) ([]*types.ChatFeedback, error) {
	transaction := tx
	if transaction == nil {
		transaction = fr.db
	}

	if len(feedback) == 0 {
		return []*types.ChatFeedback{}, nil
	}

	if err := transaction.WithContext(ctx).Create(&feedback).Error; err != nil {
		return nil, err
	}
	return feedback, nil
}

// CountBySentiment groups an owner's feedback rows by sentiment. A zero
// since counts the full history.
func (fr *chatFeedbackRepo) CountBySentiment(ctx context.Context, tx *gorm.DB, ownerID string, since time.Time) (map[string]int64, error) {
	transaction := tx
	if transaction == nil {
		transaction = fr.db
	}

	var rows []struct {
		Sentiment string
		Total     int64
	}
	query := transaction.WithContext(ctx).
		Model(&types.ChatFeedback{}).
		Select("sentiment, COUNT(*) AS total").
		Where("owner_id = ?", ownerID)
	if !since.IsZero() {
		query = query.Where("created_at >= ?", since)
	}
	if err := query.Group("sentiment").Scan(&rows).Error; err != nil {
		return nil, err
	}

	out := make(map[string]int64, len(rows))
	for _, row := range rows {
		out[row.Sentiment] = row.Total
	}
	return out, nil
}
