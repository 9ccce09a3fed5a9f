package repos_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/syntax-sensei/kuboid/internal/repos"
	"github.com/syntax-sensei/kuboid/internal/repos/testutil"
	"github.com/syntax-sensei/kuboid/internal/types"
)

func jsonList(t *testing.T, values []string) datatypes.JSON {
	t.Helper()
	raw, err := json.Marshal(values)
	if err != nil {
		t.Fatalf("marshal list: unexpected error: %v", err)
	}
	return datatypes.JSON(raw)
}

func TestKnowledgeGapUpsertPreservesOperatorStatus(t *testing.T) {
	db := testutil.DB(t)
	tx := testutil.Tx(t, db)
	repo := repos.NewKnowledgeGapRepo(db, testutil.Logger(t))
	ctx := context.Background()

	if err := repo.Upsert(ctx, tx, &types.KnowledgeGap{
		OwnerID:       "owner-1",
		Topic:         "pricing tiers",
		GapRate:       0.8,
		QueryCount:    10,
		LinkedSources: jsonList(t, []string{"docs_pricing_md"}),
	}); err != nil {
		t.Fatalf("Upsert initial: unexpected error: %v", err)
	}

	if err := repo.UpdateStatus(ctx, tx, "owner-1", "pricing tiers", types.GapStatusInProgress); err != nil {
		t.Fatalf("UpdateStatus: unexpected error: %v", err)
	}

	if err := repo.Upsert(ctx, tx, &types.KnowledgeGap{
		OwnerID:       "owner-1",
		Topic:         "pricing tiers",
		GapRate:       0.5,
		QueryCount:    20,
		LinkedSources: jsonList(t, []string{"docs_plans_md"}),
	}); err != nil {
		t.Fatalf("Upsert refresh: unexpected error: %v", err)
	}

	gaps, err := repo.ListByOwner(ctx, tx, "owner-1", 50)
	if err != nil {
		t.Fatalf("ListByOwner: unexpected error: %v", err)
	}
	if len(gaps) != 1 {
		t.Fatalf("gaps: want=1 got=%d", len(gaps))
	}
	gap := gaps[0]
	if gap.Status != types.GapStatusInProgress {
		t.Fatalf("status: want preserved %s got=%s", types.GapStatusInProgress, gap.Status)
	}
	if gap.QueryCount != 20 {
		t.Fatalf("query count: want refreshed 20 got=%d", gap.QueryCount)
	}
	if gap.GapRate != 0.5 {
		t.Fatalf("gap rate: want refreshed 0.5 got=%v", gap.GapRate)
	}

	var sources []string
	if err := json.Unmarshal(gap.LinkedSources, &sources); err != nil {
		t.Fatalf("decode linked sources: unexpected error: %v", err)
	}
	if len(sources) != 2 {
		t.Fatalf("linked sources: want merged 2 got=%v", sources)
	}
}

func TestKnowledgeGapUpdateStatusUnknownTopic(t *testing.T) {
	db := testutil.DB(t)
	tx := testutil.Tx(t, db)
	repo := repos.NewKnowledgeGapRepo(db, testutil.Logger(t))

	err := repo.UpdateStatus(context.Background(), tx, "owner-1", "no such topic", types.GapStatusResolved)
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		t.Fatalf("error: want gorm.ErrRecordNotFound got=%v", err)
	}
}

func TestKnowledgeGapUpdateStatusRejectsUnknownValue(t *testing.T) {
	db := testutil.DB(t)
	tx := testutil.Tx(t, db)
	repo := repos.NewKnowledgeGapRepo(db, testutil.Logger(t))

	err := repo.UpdateStatus(context.Background(), tx, "owner-1", "pricing tiers", "archived")
	if err == nil {
		t.Fatalf("UpdateStatus: want error for invalid status")
	}
}

func TestKnowledgeGapListOrdersByGapRate(t *testing.T) {
	db := testutil.DB(t)
	tx := testutil.Tx(t, db)
	repo := repos.NewKnowledgeGapRepo(db, testutil.Logger(t))
	ctx := context.Background()

	for _, gap := range []*types.KnowledgeGap{
		{OwnerID: "owner-2", Topic: "refunds", GapRate: 0.3, QueryCount: 3},
		{OwnerID: "owner-2", Topic: "billing", GapRate: 0.9, QueryCount: 9},
		{OwnerID: "owner-3", Topic: "other tenant", GapRate: 1.0, QueryCount: 1},
	} {
		if err := repo.Upsert(ctx, tx, gap); err != nil {
			t.Fatalf("Upsert %s: unexpected error: %v", gap.Topic, err)
		}
	}

	gaps, err := repo.ListByOwner(ctx, tx, "owner-2", 50)
	if err != nil {
		t.Fatalf("ListByOwner: unexpected error: %v", err)
	}
	if len(gaps) != 2 {
		t.Fatalf("gaps: want=2 for owner-2 got=%d", len(gaps))
	}
	if gaps[0].Topic != "billing" {
		t.Fatalf("ordering: want billing first got=%s", gaps[0].Topic)
	}
}
