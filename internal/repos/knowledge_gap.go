package repos

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/syntax-sensei/kuboid/internal/platform/logger"
	"github.com/syntax-sensei/kuboid/internal/types"
)

type KnowledgeGapRepo interface {
	Upsert(ctx context.Context, tx *gorm.DB, gap *types.KnowledgeGap) error
	ListByOwner(ctx context.Context, tx *gorm.DB, ownerID string, limit int) ([]*types.KnowledgeGap, error)
	UpdateStatus(ctx context.Context, tx *gorm.DB, ownerID, topic, status string) error
}

type knowledgeGapRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewKnowledgeGapRepo(db *gorm.DB, baseLog *logger.Logger) KnowledgeGapRepo {
	repoLog := baseLog.With("repo", "KnowledgeGapRepo")
	return &knowledgeGapRepo{db: db, log: repoLog}
}

// Upsert refreshes the (owner_id, topic) row. Counts and rates are replaced,
// linked sources are merged, and an operator-set status is never overwritten.
func (kr *knowledgeGapRepo) Upsert(ctx context.Context, tx *gorm.DB, gap *types.KnowledgeGap) error {
	transaction := tx
	if transaction == nil {
		transaction = kr.db
	}
	if gap == nil {
		return errors.New("gap is required")
	}

	return transaction.WithContext(ctx).Transaction(func(inner *gorm.DB) error {
		var existing types.KnowledgeGap
		err := inner.
			Where("owner_id = ? AND topic = ?", gap.OwnerID, gap.Topic).
			First(&existing).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			if gap.Status == "" {
				gap.Status = types.GapStatusOpen
			}
			if gap.LastSeenAt.IsZero() {
				gap.LastSeenAt = time.Now().UTC()
			}
			return inner.Create(gap).Error
		}
		if err != nil {
			return err
		}

		existing.GapRate = gap.GapRate
		existing.QueryCount = gap.QueryCount
		if len(gap.Metadata) > 0 {
			existing.Metadata = gap.Metadata
		}
		existing.LinkedSources = mergeLinkedSources(existing.LinkedSources, gap.LinkedSources)
		existing.LastSeenAt = time.Now().UTC()
		return inner.Save(&existing).Error
	})
}

func (kr *knowledgeGapRepo) ListByOwner(ctx context.Context, tx *gorm.DB, ownerID string, limit int) ([]*types.KnowledgeGap, error) {
	transaction := tx
	if transaction == nil {
		transaction = kr.db
	}
	if limit <= 0 {
		limit = 50
	}

	var results []*types.KnowledgeGap
	if err := transaction.WithContext(ctx).
		Where("owner_id = ?", ownerID).
		Order("gap_rate DESC").
		Limit(limit).
		Find(&results).Error; err != nil {
		return nil, err
	}
	return results, nil
}

func (kr *knowledgeGapRepo) UpdateStatus(ctx context.Context, tx *gorm.DB, ownerID, topic, status string) error {
	transaction := tx
	if transaction == nil {
		transaction = kr.db
	}

	switch status {
	case types.GapStatusOpen, types.GapStatusInProgress, types.GapStatusResolved, types.GapStatusIgnored:
	default:
		return errors.New("invalid gap status: " + status)
	}

	result := transaction.WithContext(ctx).
		Model(&types.KnowledgeGap{}).
		Where("owner_id = ? AND topic = ?", ownerID, topic).
		Updates(map[string]any{"status": status, "updated_at": time.Now().UTC()})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

func mergeLinkedSources(existing, incoming datatypes.JSON) datatypes.JSON {
	decode := func(raw datatypes.JSON) []string {
		if len(raw) == 0 {
			return nil
		}
		var out []string
		if err := json.Unmarshal(raw, &out); err != nil {
			return nil
		}
		return out
	}

	seen := map[string]bool{}
	var merged []string
	for _, src := range append(decode(existing), decode(incoming)...) {
		if src == "" || seen[src] {
			continue
		}
		seen[src] = true
		merged = append(merged, src)
	}
	if merged == nil {
		return existing
	}
	raw, err := json.Marshal(merged)
	if err != nil {
		return existing
	}
	return datatypes.JSON(raw)
}
