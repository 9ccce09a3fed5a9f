package services

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/syntax-sensei/kuboid/internal/types"
)

type fakeAnalyticsRepo struct {
	summaries map[string]*types.AnalyticsSummary
	trends    map[string][]*types.AnalyticsWeeklyTrend
	top       map[string][]*types.AnalyticsTopQuery
	issues    map[string][]*types.AnalyticsCommonIssue
}

func newFakeAnalyticsRepo() *fakeAnalyticsRepo {
	return &fakeAnalyticsRepo{
		summaries: map[string]*types.AnalyticsSummary{},
		trends:    map[string][]*types.AnalyticsWeeklyTrend{},
		top:       map[string][]*types.AnalyticsTopQuery{},
		issues:    map[string][]*types.AnalyticsCommonIssue{},
	}
}

func (f *fakeAnalyticsRepo) UpsertSummary(ctx context.Context, tx *gorm.DB, summary *types.AnalyticsSummary) error {
	f.summaries[summary.OwnerID] = summary
	return nil
}

func (f *fakeAnalyticsRepo) GetSummary(ctx context.Context, tx *gorm.DB, ownerID string) (*types.AnalyticsSummary, error) {
	summary, ok := f.summaries[ownerID]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	return summary, nil
}

func (f *fakeAnalyticsRepo) ReplaceWeeklyTrends(ctx context.Context, tx *gorm.DB, ownerID string, trends []*types.AnalyticsWeeklyTrend) error {
	f.trends[ownerID] = trends
	return nil
}

func (f *fakeAnalyticsRepo) ListWeeklyTrends(ctx context.Context, tx *gorm.DB, ownerID string) ([]*types.AnalyticsWeeklyTrend, error) {
	return f.trends[ownerID], nil
}

func (f *fakeAnalyticsRepo) ReplaceTopQueries(ctx context.Context, tx *gorm.DB, ownerID string, queries []*types.AnalyticsTopQuery) error {
	f.top[ownerID] = queries
	return nil
}

func (f *fakeAnalyticsRepo) ListTopQueries(ctx context.Context, tx *gorm.DB, ownerID string, limit int) ([]*types.AnalyticsTopQuery, error) {
	return f.top[ownerID], nil
}

func (f *fakeAnalyticsRepo) ReplaceCommonIssues(ctx context.Context, tx *gorm.DB, ownerID string, issues []*types.AnalyticsCommonIssue) error {
	f.issues[ownerID] = issues
	return nil
}

func (f *fakeAnalyticsRepo) ListCommonIssues(ctx context.Context, tx *gorm.DB, ownerID string, limit int) ([]*types.AnalyticsCommonIssue, error) {
	return f.issues[ownerID], nil
}

type fakeGapRepo struct {
	gaps          map[string]*types.KnowledgeGap
	statusUpdates []string
}

func newFakeGapRepo() *fakeGapRepo {
	return &fakeGapRepo{gaps: map[string]*types.KnowledgeGap{}}
}

func gapKey(ownerID, topic string) string { return ownerID + "|" + topic }

func (f *fakeGapRepo) Upsert(ctx context.Context, tx *gorm.DB, gap *types.KnowledgeGap) error {
	key := gapKey(gap.OwnerID, gap.Topic)
	existing, ok := f.gaps[key]
	if !ok {
		copied := *gap
		if copied.Status == "" {
			copied.Status = types.GapStatusOpen
		}
		f.gaps[key] = &copied
		return nil
	}
	existing.GapRate = gap.GapRate
	existing.QueryCount = gap.QueryCount
	if len(gap.Metadata) > 0 {
		existing.Metadata = gap.Metadata
	}
	if len(gap.LinkedSources) > 0 {
		existing.LinkedSources = gap.LinkedSources
	}
	return nil
}

func (f *fakeGapRepo) ListByOwner(ctx context.Context, tx *gorm.DB, ownerID string, limit int) ([]*types.KnowledgeGap, error) {
	var out []*types.KnowledgeGap
	for _, gap := range f.gaps {
		if gap.OwnerID == ownerID {
			out = append(out, gap)
		}
	}
	return out, nil
}

func (f *fakeGapRepo) UpdateStatus(ctx context.Context, tx *gorm.DB, ownerID, topic, status string) error {
	gap, ok := f.gaps[gapKey(ownerID, topic)]
	if !ok {
		return gorm.ErrRecordNotFound
	}
	gap.Status = status
	f.statusUpdates = append(f.statusUpdates, topic+"="+status)
	return nil
}

type fakeFeedbackRepo struct {
	created   []*types.ChatFeedback
	counts    map[string]int64
	lastSince time.Time
}

func (f *fakeFeedbackRepo) Create(ctx context.Context, tx *gorm.DB, feedback []*types.ChatFeedback) ([]*types.ChatFeedback, error) {
	f.created = append(f.created, feedback...)
	return feedback, nil
}

func (f *fakeFeedbackRepo) CountBySentiment(ctx context.Context, tx *gorm.DB, ownerID string, since time.Time) (map[string]int64, error) {
	f.lastSince = since
	return f.counts, nil
}

type analyticsFixture struct {
	svc       *analyticsService
	ai        *fakeAIClient
	turns     *fakeTurnRepo
	feedback  *fakeFeedbackRepo
	analytics *fakeAnalyticsRepo
	gaps      *fakeGapRepo
}

func newAnalyticsFixture(t *testing.T) *analyticsFixture {
	t.Helper()
	// Embedding and LLM clustering are forced to fail so the deterministic
	// fuzzy tier drives these tests.
	ai := &fakeAIClient{
		embedErr: errors.New("embedding unavailable"),
		jsonErr:  errors.New("completion unavailable"),
	}
	fix := &analyticsFixture{
		ai:        ai,
		turns:     &fakeTurnRepo{},
		feedback:  &fakeFeedbackRepo{counts: map[string]int64{}},
		analytics: newFakeAnalyticsRepo(),
		gaps:      newFakeGapRepo(),
	}
	log := newTestLogger(t)
	fix.svc = &analyticsService{
		log:           log.With("service", "AnalyticsService"),
		ai:            ai,
		clusterer:     NewClusterer(log, ai),
		turnRepo:      fix.turns,
		feedbackRepo:  fix.feedback,
		analyticsRepo: fix.analytics,
		gapRepo:       fix.gaps,
		issueLimit:    20,
		enrichGaps:    true,
		now:           time.Now,
	}
	return fix
}

func seedTurn(fix *analyticsFixture, ownerID, question, answer, status string, createdAt time.Time, latencyMs float64) {
	metadata, _ := json.Marshal(map[string]any{"latency_ms": latencyMs})
	fix.turns.turns = append(fix.turns.turns, &types.ChatTurn{
		OwnerID:   ownerID,
		Question:  question,
		Answer:    answer,
		Status:    status,
		Metadata:  datatypes.JSON(metadata),
		CreatedAt: createdAt,
	})
}

func TestRefreshBuildsSummaryAndDerivedRows(t *testing.T) {
	fix := newAnalyticsFixture(t)
	week := time.Date(2026, 8, 26, 10, 0, 0, 0, time.UTC) // Wednesday
	for range 3 {
		seedTurn(fix, "acme", "how do refunds work", "Refunds take five business days.", types.TurnStatusResolved, week, 120)
	}
	for range 2 {
		seedTurn(fix, "acme", "where is my api key", NoContextAnswer, types.TurnStatusGap, week, 80)
	}

	if err := fix.svc.Refresh(context.Background(), RefreshOptions{OwnerID: "acme"}); err != nil {
		t.Fatalf("Refresh: unexpected error: %v", err)
	}

	summary := fix.analytics.summaries["acme"]
	if summary == nil {
		t.Fatalf("summary: want upserted row got=nil")
	}
	if summary.TotalQueries != 5 || summary.ResolvedQueries != 3 || summary.GapQueries != 2 {
		t.Fatalf("summary counts: want 5/3/2 got=%d/%d/%d", summary.TotalQueries, summary.ResolvedQueries, summary.GapQueries)
	}
	if summary.AvgLatencyMs != 104 {
		t.Fatalf("avg latency: want=104 got=%v", summary.AvgLatencyMs)
	}

	top := fix.analytics.top["acme"]
	if len(top) != 2 || top[0].Question != "how do refunds work" || top[0].Count != 3 {
		t.Fatalf("top queries: want refunds first with 3 got=%+v", top)
	}

	trends := fix.analytics.trends["acme"]
	if len(trends) != 1 {
		t.Fatalf("trends: want=1 week got=%d", len(trends))
	}
	if trends[0].WeekStart != time.Date(2026, 8, 24, 0, 0, 0, 0, time.UTC) {
		t.Fatalf("week start: want Monday 2026-08-24 got=%v", trends[0].WeekStart)
	}
	if trends[0].QueryCount != 5 || trends[0].GapCount != 2 {
		t.Fatalf("trend counts: want 5/2 got=%d/%d", trends[0].QueryCount, trends[0].GapCount)
	}

	issues := fix.analytics.issues["acme"]
	if len(issues) != 2 {
		t.Fatalf("common issues: want=2 clusters got=%d", len(issues))
	}
}

func TestRefreshCreatesKnowledgeGapWithHeuristicRate(t *testing.T) {
	fix := newAnalyticsFixture(t)
	now := time.Now().UTC()
	for range 2 {
		seedTurn(fix, "acme", "where is my api key", "", types.TurnStatusGap, now, 50)
	}
	for range 8 {
		seedTurn(fix, "acme", "how do refunds work", "Refunds take five business days.", types.TurnStatusResolved, now, 100)
	}

	if err := fix.svc.Refresh(context.Background(), RefreshOptions{OwnerID: "acme"}); err != nil {
		t.Fatalf("Refresh: unexpected error: %v", err)
	}

	gap := fix.gaps.gaps[gapKey("acme", "where is my api key")]
	if gap == nil {
		t.Fatalf("gap: want row for repeated gap question got=nil")
	}
	if gap.GapRate != 20 {
		t.Fatalf("gap rate: want=20 got=%v", gap.GapRate)
	}
	if gap.QueryCount != 2 {
		t.Fatalf("gap votes: want=2 got=%d", gap.QueryCount)
	}
	if gap.Status != types.GapStatusOpen {
		t.Fatalf("gap status: want=open got=%s", gap.Status)
	}

	var metadata map[string]any
	if err := json.Unmarshal(gap.Metadata, &metadata); err != nil {
		t.Fatalf("decode gap metadata: unexpected error: %v", err)
	}
	samples, _ := metadata["samples"].([]any)
	if len(samples) != 2 {
		t.Fatalf("samples: want=2 got=%v", metadata["samples"])
	}

	// A single gap vote stays below the threshold.
	if _, ok := fix.gaps.gaps[gapKey("acme", "how do refunds work")]; ok {
		t.Fatalf("gap: resolved question must not produce a gap row")
	}
}

func TestGapEnrichmentOverridesHeuristics(t *testing.T) {
	fix := newAnalyticsFixture(t)
	// Enrichment shares the completion client with the clustering cascade;
	// this payload has no "clusters" key, so clustering still falls through
	// to the fuzzy tier while enrichment succeeds.
	fix.ai.jsonErr = nil
	fix.ai.jsonResult = map[string]any{
		"severity":           float64(85),
		"rationale":          "no api key documentation ingested",
		"missing_knowledge":  []any{"api key rotation guide"},
		"recommended_action": "ingest the developer settings page",
	}
	now := time.Now().UTC()
	for range 2 {
		seedTurn(fix, "acme", "where is my api key", "", types.TurnStatusGap, now, 50)
	}
	for range 8 {
		seedTurn(fix, "acme", "how do refunds work", "Refunds take five business days.", types.TurnStatusResolved, now, 100)
	}

	if err := fix.svc.Refresh(context.Background(), RefreshOptions{OwnerID: "acme"}); err != nil {
		t.Fatalf("Refresh: unexpected error: %v", err)
	}

	gap := fix.gaps.gaps[gapKey("acme", "where is my api key")]
	if gap == nil {
		t.Fatalf("gap: want row got=nil")
	}
	if gap.GapRate != 85 {
		t.Fatalf("gap rate: want llm severity 85 got=%v", gap.GapRate)
	}
	var metadata map[string]any
	if err := json.Unmarshal(gap.Metadata, &metadata); err != nil {
		t.Fatalf("decode gap metadata: unexpected error: %v", err)
	}
	if metadata["rationale"] != "no api key documentation ingested" {
		t.Fatalf("rationale: want llm rationale got=%v", metadata["rationale"])
	}
}

func TestRefreshPreservesOperatorGapStatus(t *testing.T) {
	fix := newAnalyticsFixture(t)
	fix.gaps.gaps[gapKey("acme", "where is my api key")] = &types.KnowledgeGap{
		OwnerID: "acme",
		Topic:   "where is my api key",
		Status:  types.GapStatusResolved,
	}
	now := time.Now().UTC()
	for range 3 {
		seedTurn(fix, "acme", "where is my api key", "", types.TurnStatusGap, now, 50)
	}

	if err := fix.svc.Refresh(context.Background(), RefreshOptions{OwnerID: "acme"}); err != nil {
		t.Fatalf("Refresh: unexpected error: %v", err)
	}

	gap := fix.gaps.gaps[gapKey("acme", "where is my api key")]
	if gap.Status != types.GapStatusResolved {
		t.Fatalf("gap status: want preserved resolved got=%s", gap.Status)
	}
	if gap.QueryCount != 3 {
		t.Fatalf("gap votes: want refreshed count 3 got=%d", gap.QueryCount)
	}
}

func TestSentimentScore(t *testing.T) {
	fix := newAnalyticsFixture(t)
	fix.feedback.counts = map[string]int64{
		types.SentimentPositive: 3,
		types.SentimentNeutral:  1,
		types.SentimentNegative: 1,
	}

	score, err := fix.svc.sentimentScore(context.Background(), "acme", time.Time{})
	if err != nil {
		t.Fatalf("sentimentScore: unexpected error: %v", err)
	}
	if score != 70 {
		t.Fatalf("score: want=70 got=%v", score)
	}

	fix.feedback.counts = map[string]int64{}
	score, err = fix.svc.sentimentScore(context.Background(), "acme", time.Time{})
	if err != nil || score != 0 {
		t.Fatalf("empty feedback: want score 0 got=%v err=%v", score, err)
	}
}

func TestRecordFeedbackValidation(t *testing.T) {
	fix := newAnalyticsFixture(t)

	if _, err := fix.svc.RecordFeedback(context.Background(), FeedbackRequest{OwnerID: "acme", Sentiment: "meh"}); err == nil {
		t.Fatalf("RecordFeedback: want error for invalid sentiment")
	}
	if _, err := fix.svc.RecordFeedback(context.Background(), FeedbackRequest{Sentiment: types.SentimentPositive}); err == nil {
		t.Fatalf("RecordFeedback: want error for missing owner")
	}

	created, err := fix.svc.RecordFeedback(context.Background(), FeedbackRequest{
		OwnerID:   "acme",
		Sentiment: types.SentimentNegative,
		Comment:   "answer was wrong",
	})
	if err != nil {
		t.Fatalf("RecordFeedback: unexpected error: %v", err)
	}
	if created.Sentiment != types.SentimentNegative || len(fix.feedback.created) != 1 {
		t.Fatalf("feedback: want one negative row got=%+v", fix.feedback.created)
	}
}

func TestLinkGapSourcesAdvancesOpenGap(t *testing.T) {
	fix := newAnalyticsFixture(t)
	fix.gaps.gaps[gapKey("acme", "where is my api key")] = &types.KnowledgeGap{
		OwnerID: "acme",
		Topic:   "where is my api key",
		Status:  types.GapStatusOpen,
		GapRate: 20,
	}

	err := fix.svc.LinkGapSources(context.Background(), "acme", "where is my api key", []string{"docs_api_keys.md"})
	if err != nil {
		t.Fatalf("LinkGapSources: unexpected error: %v", err)
	}

	gap := fix.gaps.gaps[gapKey("acme", "where is my api key")]
	if gap.Status != types.GapStatusInProgress {
		t.Fatalf("status: want=in_progress got=%s", gap.Status)
	}
	var sources []string
	if err := json.Unmarshal(gap.LinkedSources, &sources); err != nil || len(sources) != 1 {
		t.Fatalf("linked sources: want one source got=%s err=%v", gap.LinkedSources, err)
	}
	if gap.GapRate != 20 {
		t.Fatalf("gap rate: want untouched 20 got=%v", gap.GapRate)
	}
}

func TestLinkGapSourcesLeavesResolvedGapAlone(t *testing.T) {
	fix := newAnalyticsFixture(t)
	fix.gaps.gaps[gapKey("acme", "topic")] = &types.KnowledgeGap{
		OwnerID: "acme",
		Topic:   "topic",
		Status:  types.GapStatusResolved,
	}

	if err := fix.svc.LinkGapSources(context.Background(), "acme", "topic", []string{"doc"}); err != nil {
		t.Fatalf("LinkGapSources: unexpected error: %v", err)
	}
	if got := fix.gaps.gaps[gapKey("acme", "topic")].Status; got != types.GapStatusResolved {
		t.Fatalf("status: want untouched resolved got=%s", got)
	}
	if len(fix.gaps.statusUpdates) != 0 {
		t.Fatalf("status updates: want none got=%v", fix.gaps.statusUpdates)
	}
}

func TestRefreshLookbackBoundsScanAndSentiment(t *testing.T) {
	fix := newAnalyticsFixture(t)
	now := time.Now().UTC()
	stale := now.AddDate(0, 0, -45)
	for range 3 {
		seedTurn(fix, "acme", "how do refunds work", "Refunds take five business days.", types.TurnStatusResolved, now, 100)
	}
	for range 5 {
		seedTurn(fix, "acme", "an old question", "An old but complete answer here.", types.TurnStatusResolved, stale, 100)
	}

	if err := fix.svc.Refresh(context.Background(), RefreshOptions{OwnerID: "acme", LookbackDays: 30}); err != nil {
		t.Fatalf("Refresh: unexpected error: %v", err)
	}

	summary := fix.analytics.summaries["acme"]
	if summary == nil || summary.TotalQueries != 3 {
		t.Fatalf("summary: want 3 in-window turns got=%+v", summary)
	}
	if fix.feedback.lastSince.IsZero() {
		t.Fatalf("sentiment window: want non-zero cutoff passed to feedback counts")
	}
	wantCutoff := now.AddDate(0, 0, -30)
	if diff := fix.feedback.lastSince.Sub(wantCutoff); diff < -time.Minute || diff > time.Minute {
		t.Fatalf("sentiment cutoff: want ~%v got=%v", wantCutoff, fix.feedback.lastSince)
	}
}

func TestRefreshEmptyWindowLeavesPreviousRows(t *testing.T) {
	fix := newAnalyticsFixture(t)
	stale := time.Now().UTC().AddDate(0, 0, -45)
	seedTurn(fix, "acme", "an old question", "An old but complete answer here.", types.TurnStatusResolved, stale, 100)
	fix.analytics.summaries["acme"] = &types.AnalyticsSummary{OwnerID: "acme", TotalQueries: 7}

	if err := fix.svc.Refresh(context.Background(), RefreshOptions{OwnerID: "acme", LookbackDays: 30}); err != nil {
		t.Fatalf("Refresh: unexpected error: %v", err)
	}

	if got := fix.analytics.summaries["acme"].TotalQueries; got != 7 {
		t.Fatalf("summary: want previous row untouched (7) got=%d", got)
	}
	if len(fix.analytics.trends["acme"]) != 0 {
		t.Fatalf("trends: want none written for an empty window got=%v", fix.analytics.trends["acme"])
	}
}

func TestRefreshScopesBySiteAndWidget(t *testing.T) {
	fix := newAnalyticsFixture(t)
	now := time.Now().UTC()
	turn := func(siteID, widgetID string) *types.ChatTurn {
		return &types.ChatTurn{
			OwnerID:   "acme",
			SiteID:    siteID,
			WidgetID:  widgetID,
			Question:  "how do refunds work",
			Answer:    "Refunds take five business days.",
			Status:    types.TurnStatusResolved,
			CreatedAt: now,
		}
	}
	fix.turns.turns = append(fix.turns.turns,
		turn("site-a", "widget-1"),
		turn("site-a", "widget-2"),
		turn("site-b", "widget-3"),
	)

	if err := fix.svc.Refresh(context.Background(), RefreshOptions{OwnerID: "acme", SiteID: "site-a"}); err != nil {
		t.Fatalf("Refresh site scope: unexpected error: %v", err)
	}
	if got := fix.analytics.summaries["acme"].TotalQueries; got != 2 {
		t.Fatalf("site scope: want 2 turns got=%d", got)
	}

	if err := fix.svc.Refresh(context.Background(), RefreshOptions{OwnerID: "acme", WidgetID: "widget-3"}); err != nil {
		t.Fatalf("Refresh widget scope: unexpected error: %v", err)
	}
	if got := fix.analytics.summaries["acme"].TotalQueries; got != 1 {
		t.Fatalf("widget scope: want 1 turn got=%d", got)
	}
}

func TestRefreshAllCoversEveryOwner(t *testing.T) {
	fix := newAnalyticsFixture(t)
	now := time.Now().UTC()
	seedTurn(fix, "acme", "question a", "A perfectly fine answer here.", types.TurnStatusResolved, now, 100)
	seedTurn(fix, "globex", "question b", "Another perfectly fine answer.", types.TurnStatusResolved, now, 100)

	if err := fix.svc.RefreshAll(context.Background()); err != nil {
		t.Fatalf("RefreshAll: unexpected error: %v", err)
	}
	if fix.analytics.summaries["acme"] == nil || fix.analytics.summaries["globex"] == nil {
		t.Fatalf("summaries: want rows for both owners got=%v", fix.analytics.summaries)
	}
}
