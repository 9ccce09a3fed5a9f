package repos_test

import (
	"context"
	"fmt"
	"sort"
	"testing"
	"time"

	"github.com/syntax-sensei/kuboid/internal/repos"
	"github.com/syntax-sensei/kuboid/internal/repos/testutil"
	"github.com/syntax-sensei/kuboid/internal/types"
)

func TestChatTurnListPageIsStableAndScoped(t *testing.T) {
	db := testutil.DB(t)
	tx := testutil.Tx(t, db)
	repo := repos.NewChatTurnRepo(db, testutil.Logger(t))
	ctx := context.Background()

	base := time.Now().UTC().Add(-time.Hour)
	var seed []*types.ChatTurn
	for i := 0; i < 5; i++ {
		seed = append(seed, &types.ChatTurn{
			OwnerID:   "owner-1",
			Question:  fmt.Sprintf("question %d", i),
			Answer:    "answer",
			Status:    types.TurnStatusResolved,
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		})
	}
	seed = append(seed, &types.ChatTurn{
		OwnerID:   "owner-2",
		Question:  "other tenant",
		Status:    types.TurnStatusGap,
		CreatedAt: base,
	})
	if _, err := repo.Create(ctx, tx, seed); err != nil {
		t.Fatalf("Create: unexpected error: %v", err)
	}

	first, err := repo.ListPage(ctx, tx, "owner-1", 0, 3)
	if err != nil {
		t.Fatalf("ListPage first: unexpected error: %v", err)
	}
	second, err := repo.ListPage(ctx, tx, "owner-1", 3, 3)
	if err != nil {
		t.Fatalf("ListPage second: unexpected error: %v", err)
	}
	if len(first) != 3 || len(second) != 2 {
		t.Fatalf("page sizes: want=[3 2] got=[%d %d]", len(first), len(second))
	}
	if first[0].Question != "question 0" {
		t.Fatalf("ordering: want oldest first got=%s", first[0].Question)
	}
	for _, turn := range append(first, second...) {
		if turn.OwnerID != "owner-1" {
			t.Fatalf("tenant scope: unexpected owner %s", turn.OwnerID)
		}
	}

	count, err := repo.CountByOwner(ctx, tx, "owner-1")
	if err != nil {
		t.Fatalf("CountByOwner: unexpected error: %v", err)
	}
	if count != 5 {
		t.Fatalf("count: want=5 got=%d", count)
	}

	recent, err := repo.CountByOwnerSince(ctx, tx, "owner-1", base.Add(3*time.Minute))
	if err != nil {
		t.Fatalf("CountByOwnerSince: unexpected error: %v", err)
	}
	if recent != 2 {
		t.Fatalf("count since: want=2 got=%d", recent)
	}
}

func TestChatTurnDistinctOwners(t *testing.T) {
	db := testutil.DB(t)
	tx := testutil.Tx(t, db)
	repo := repos.NewChatTurnRepo(db, testutil.Logger(t))
	ctx := context.Background()

	if _, err := repo.Create(ctx, tx, []*types.ChatTurn{
		{OwnerID: "owner-a", Question: "q", Status: types.TurnStatusResolved},
		{OwnerID: "owner-a", Question: "q2", Status: types.TurnStatusGap},
		{OwnerID: "owner-b", Question: "q3", Status: types.TurnStatusResolved},
		{OwnerID: "", Question: "global turn", Status: types.TurnStatusResolved},
	}); err != nil {
		t.Fatalf("Create: unexpected error: %v", err)
	}

	owners, err := repo.DistinctOwners(ctx, tx)
	if err != nil {
		t.Fatalf("DistinctOwners: unexpected error: %v", err)
	}
	sort.Strings(owners)
	if len(owners) != 2 || owners[0] != "owner-a" || owners[1] != "owner-b" {
		t.Fatalf("owners: want=[owner-a owner-b] got=%v", owners)
	}
}
