package services

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"github.com/syntax-sensei/kuboid/internal/platform/envutil"
	"github.com/syntax-sensei/kuboid/internal/platform/logger"
	"github.com/syntax-sensei/kuboid/internal/platform/openai"
	"github.com/syntax-sensei/kuboid/internal/repos"
	"github.com/syntax-sensei/kuboid/internal/types"
)

const (
	analyticsPageSize = 1000

	// A message needs this many gap votes before it becomes a knowledge gap.
	minGapVotes = 2

	// Answers shorter than this count as a gap vote even when marked resolved.
	minAnswerLen = 20

	maxGapSamples  = 3
	maxGapVariants = 3

	defaultTopQueryLimit = 10
)

// Answer fragments that signal the model had nothing to ground on.
var lowConfidencePhrases = []string{
	"i don't know",
	"i do not know",
	"unable to",
	"i'm not sure",
	"no relevant information",
	"couldn't find",
	"could not find",
}

const gapEnrichmentPrompt = `You assess a knowledge gap in a support knowledge base.
Given a recurring user question and sample failed interactions, respond with JSON only:
{"severity": 0-100, "rationale": "one line", "missing_knowledge": ["..."], "recommended_action": "...", "canonical_phrasing": "..."}`

type AnalyticsOverview struct {
	Summary      *types.AnalyticsSummary       `json:"summary"`
	WeeklyTrends []*types.AnalyticsWeeklyTrend `json:"weekly_trends"`
	TopQueries   []*types.AnalyticsTopQuery    `json:"top_queries"`
	CommonIssues []*types.AnalyticsCommonIssue `json:"common_issues"`
}

type FeedbackRequest struct {
	OwnerID   string `json:"owner_id"`
	TurnID    string `json:"turn_id,omitempty"`
	Sentiment string `json:"sentiment"`
	Comment   string `json:"comment,omitempty"`
}

// RefreshOptions scope one analytics run. OwnerID is required; SiteID and
// WidgetID narrow the turn scan, LookbackDays bounds it in time, and Limit /
// MinCount override the stored-row cap and the gap vote threshold. Zero
// values mean the defaults.
type RefreshOptions struct {
	OwnerID      string
	SiteID       string
	WidgetID     string
	LookbackDays int
	Limit        int
	MinCount     int
}

type AnalyticsService interface {
	Refresh(ctx context.Context, opts RefreshOptions) error
	RefreshAll(ctx context.Context) error
	Overview(ctx context.Context, ownerID string) (*AnalyticsOverview, error)
	KnowledgeGaps(ctx context.Context, ownerID string, limit int) ([]*types.KnowledgeGap, error)
	RecordFeedback(ctx context.Context, req FeedbackRequest) (*types.ChatFeedback, error)
	UpdateGapStatus(ctx context.Context, ownerID, topic, status string) error
	LinkGapSources(ctx context.Context, ownerID, topic string, sources []string) error
}

type analyticsService struct {
	log           *logger.Logger
	ai            openai.Client
	clusterer     Clusterer
	turnRepo      repos.ChatTurnRepo
	feedbackRepo  repos.ChatFeedbackRepo
	analyticsRepo repos.AnalyticsRepo
	gapRepo       repos.KnowledgeGapRepo
	issueLimit    int
	enrichGaps    bool
	now           func() time.Time
}

func NewAnalyticsService(
	log *logger.Logger,
	ai openai.Client,
	clusterer Clusterer,
	turnRepo repos.ChatTurnRepo,
	feedbackRepo repos.ChatFeedbackRepo,
	analyticsRepo repos.AnalyticsRepo,
	gapRepo repos.KnowledgeGapRepo,
) AnalyticsService {
	return &analyticsService{
		log:           log.With("service", "AnalyticsService"),
		ai:            ai,
		clusterer:     clusterer,
		turnRepo:      turnRepo,
		feedbackRepo:  feedbackRepo,
		analyticsRepo: analyticsRepo,
		gapRepo:       gapRepo,
		issueLimit:    envutil.Int("ANALYTICS_COMMON_ISSUE_LIMIT", 20),
		enrichGaps:    envutil.Bool("ANALYTICS_GAP_ENRICHMENT", true),
		now:           time.Now,
	}
}

// ownerScan is everything one pass over an owner's chat turns produces.
type ownerScan struct {
	total        int
	resolved     int
	gaps         int
	latencySumMs float64
	latencyCount int
	frequencies  map[string]int
	gapVotes     map[string]int
	samples      map[string][]gapSample
	weeks        map[time.Time]*weekBucket
}

type gapSample struct {
	Question string `json:"question"`
	Answer   string `json:"answer"`
}

type weekBucket struct {
	queries int
	gaps    int
}

// Refresh rebuilds all derived analytics rows for one scope from its chat
// turn log. Common issues and trends use replace semantics; knowledge gaps
// upsert so operator-set statuses survive.
func (as *analyticsService) Refresh(ctx context.Context, opts RefreshOptions) error {
	ownerID := opts.OwnerID
	if ownerID == "" {
		return fmt.Errorf("owner id is required")
	}
	started := as.now()

	var cutoff time.Time
	if opts.LookbackDays > 0 {
		cutoff = started.UTC().AddDate(0, 0, -opts.LookbackDays)
	}

	// Owner-level precheck. An empty scope leaves the previous rows in
	// place instead of replacing them with zeros, and skips the model calls.
	var turnCount int64
	var err error
	if cutoff.IsZero() {
		turnCount, err = as.turnRepo.CountByOwner(ctx, nil, ownerID)
	} else {
		turnCount, err = as.turnRepo.CountByOwnerSince(ctx, nil, ownerID, cutoff)
	}
	if err != nil {
		return fmt.Errorf("count chat turns: %w", err)
	}
	if turnCount == 0 {
		as.log.Info("No chat turns in scope, skipping refresh", "owner_id", ownerID, "lookback_days", opts.LookbackDays)
		return nil
	}

	scan, err := as.scanTurns(ctx, opts, cutoff)
	if err != nil {
		return fmt.Errorf("scan chat turns: %w", err)
	}

	sentiment, err := as.sentimentScore(ctx, ownerID, cutoff)
	if err != nil {
		as.log.Warn("Sentiment aggregation failed, defaulting to zero", "owner_id", ownerID, "error", err)
		sentiment = 0
	}

	avgLatency := 0.0
	if scan.latencyCount > 0 {
		avgLatency = scan.latencySumMs / float64(scan.latencyCount)
	}
	summary := &types.AnalyticsSummary{
		OwnerID:         ownerID,
		TotalQueries:    scan.total,
		ResolvedQueries: scan.resolved,
		GapQueries:      scan.gaps,
		AvgLatencyMs:    avgLatency,
		SentimentScore:  sentiment,
		LastRefreshedAt: started,
	}
	if err := as.analyticsRepo.UpsertSummary(ctx, nil, summary); err != nil {
		return fmt.Errorf("upsert summary: %w", err)
	}

	if err := as.analyticsRepo.ReplaceWeeklyTrends(ctx, nil, ownerID, weeklyTrends(ownerID, scan.weeks)); err != nil {
		return fmt.Errorf("replace weekly trends: %w", err)
	}
	topLimit := opts.Limit
	if topLimit <= 0 {
		topLimit = defaultTopQueryLimit
	}
	if err := as.analyticsRepo.ReplaceTopQueries(ctx, nil, ownerID, topQueries(ownerID, scan.frequencies, topLimit)); err != nil {
		return fmt.Errorf("replace top queries: %w", err)
	}

	clusters := as.clusterer.Cluster(ctx, weightedQueries(scan.frequencies))
	if err := as.analyticsRepo.ReplaceCommonIssues(ctx, nil, ownerID, as.commonIssues(ownerID, clusters)); err != nil {
		return fmt.Errorf("replace common issues: %w", err)
	}

	minVotes := opts.MinCount
	if minVotes <= 0 {
		minVotes = minGapVotes
	}
	if err := as.refreshKnowledgeGaps(ctx, ownerID, scan, clusters, minVotes); err != nil {
		return fmt.Errorf("refresh knowledge gaps: %w", err)
	}

	as.log.Info(
		"Analytics refreshed",
		"owner_id", ownerID,
		"total_queries", scan.total,
		"gap_queries", scan.gaps,
		"clusters", len(clusters),
		"took_ms", time.Since(started).Milliseconds(),
	)
	return nil
}

func (as *analyticsService) RefreshAll(ctx context.Context) error {
	owners, err := as.turnRepo.DistinctOwners(ctx, nil)
	if err != nil {
		return fmt.Errorf("list owners: %w", err)
	}
	var failed int
	for _, ownerID := range owners {
		if err := as.Refresh(ctx, RefreshOptions{OwnerID: ownerID}); err != nil {
			failed++
			as.log.Warn("Owner analytics refresh failed", "owner_id", ownerID, "error", err)
		}
	}
	if failed > 0 {
		return fmt.Errorf("analytics refresh failed for %d of %d owners", failed, len(owners))
	}
	return nil
}

func (as *analyticsService) scanTurns(ctx context.Context, opts RefreshOptions, cutoff time.Time) (*ownerScan, error) {
	scan := &ownerScan{
		frequencies: map[string]int{},
		gapVotes:    map[string]int{},
		samples:     map[string][]gapSample{},
		weeks:       map[time.Time]*weekBucket{},
	}

	for offset := 0; ; offset += analyticsPageSize {
		page, err := as.turnRepo.ListPage(ctx, nil, opts.OwnerID, offset, analyticsPageSize)
		if err != nil {
			return nil, err
		}
		for _, turn := range page {
			if opts.SiteID != "" && turn.SiteID != opts.SiteID {
				continue
			}
			if opts.WidgetID != "" && turn.WidgetID != opts.WidgetID {
				continue
			}
			if !cutoff.IsZero() && turn.CreatedAt.Before(cutoff) {
				continue
			}
			scan.total++

			question := strings.TrimSpace(turn.Question)
			if question != "" {
				scan.frequencies[question]++
			}

			if turn.Status == types.TurnStatusResolved {
				scan.resolved++
			}
			if turn.Status == types.TurnStatusGap {
				scan.gaps++
			}

			if latency, ok := turnLatencyMs(turn); ok {
				scan.latencySumMs += latency
				scan.latencyCount++
			}

			week := weekStart(turn.CreatedAt)
			bucket := scan.weeks[week]
			if bucket == nil {
				bucket = &weekBucket{}
				scan.weeks[week] = bucket
			}
			bucket.queries++

			if isGapVote(turn) {
				bucket.gaps++
				if question != "" {
					scan.gapVotes[question]++
					if len(scan.samples[question]) < maxGapSamples {
						scan.samples[question] = append(scan.samples[question], gapSample{
							Question: turn.Question,
							Answer:   turn.Answer,
						})
					}
				}
			}
		}
		if len(page) < analyticsPageSize {
			break
		}
	}
	return scan, nil
}

// isGapVote flags a turn whose answer was missing, too short, or hedged.
func isGapVote(turn *types.ChatTurn) bool {
	if turn.Status == types.TurnStatusGap {
		return true
	}
	answer := strings.TrimSpace(turn.Answer)
	if len(answer) < minAnswerLen {
		return true
	}
	lowered := strings.ToLower(answer)
	for _, phrase := range lowConfidencePhrases {
		if strings.Contains(lowered, phrase) {
			return true
		}
	}
	return false
}

func turnLatencyMs(turn *types.ChatTurn) (float64, bool) {
	if len(turn.Metadata) == 0 {
		return 0, false
	}
	var metadata map[string]any
	if err := json.Unmarshal(turn.Metadata, &metadata); err != nil {
		return 0, false
	}
	latency, ok := metadata["latency_ms"].(float64)
	return latency, ok
}

// weekStart truncates to the Monday of the turn's UTC week.
func weekStart(t time.Time) time.Time {
	d := t.UTC()
	offset := (int(d.Weekday()) + 6) % 7
	return time.Date(d.Year(), d.Month(), d.Day(), 0, 0, 0, 0, time.UTC).
		AddDate(0, 0, -offset)
}

func weeklyTrends(ownerID string, weeks map[time.Time]*weekBucket) []*types.AnalyticsWeeklyTrend {
	out := make([]*types.AnalyticsWeeklyTrend, 0, len(weeks))
	for week, bucket := range weeks {
		out = append(out, &types.AnalyticsWeeklyTrend{
			OwnerID:    ownerID,
			WeekStart:  week,
			QueryCount: bucket.queries,
			GapCount:   bucket.gaps,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].WeekStart.Before(out[j].WeekStart) })
	return out
}

func topQueries(ownerID string, frequencies map[string]int, limit int) []*types.AnalyticsTopQuery {
	ranked := weightedQueries(frequencies)
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].Count != ranked[j].Count {
			return ranked[i].Count > ranked[j].Count
		}
		return ranked[i].Question < ranked[j].Question
	})
	if len(ranked) > limit {
		ranked = ranked[:limit]
	}
	out := make([]*types.AnalyticsTopQuery, len(ranked))
	for i, q := range ranked {
		out[i] = &types.AnalyticsTopQuery{
			OwnerID:  ownerID,
			Question: q.Question,
			Count:    q.Count,
		}
	}
	return out
}

func weightedQueries(frequencies map[string]int) []WeightedQuery {
	out := make([]WeightedQuery, 0, len(frequencies))
	for question, count := range frequencies {
		out = append(out, WeightedQuery{Question: question, Count: count})
	}
	return out
}

func (as *analyticsService) commonIssues(ownerID string, clusters []QueryCluster) []*types.AnalyticsCommonIssue {
	if len(clusters) > as.issueLimit {
		clusters = clusters[:as.issueLimit]
	}
	out := make([]*types.AnalyticsCommonIssue, len(clusters))
	for i, cluster := range clusters {
		out[i] = &types.AnalyticsCommonIssue{
			OwnerID:           ownerID,
			CanonicalQuestion: cluster.CanonicalQuestion,
			TotalCount:        cluster.TotalCount,
			Variants:          mustJSON(cluster.Variants),
			Tags:              mustJSON(cluster.Tags),
			Trend:             cluster.Trend,
		}
	}
	return out
}

func (as *analyticsService) refreshKnowledgeGaps(ctx context.Context, ownerID string, scan *ownerScan, clusters []QueryCluster, minVotes int) error {
	if scan.total == 0 {
		return nil
	}
	// Deterministic upsert order.
	topics := make([]string, 0, len(scan.gapVotes))
	for question, votes := range scan.gapVotes {
		if votes >= minVotes {
			topics = append(topics, question)
		}
	}
	sort.Strings(topics)

	for _, topic := range topics {
		votes := scan.gapVotes[topic]
		gapRate := float64(votes) / float64(scan.total) * 100

		metadata := map[string]any{
			"samples":  scan.samples[topic],
			"variants": clusterVariants(clusters, topic, maxGapVariants),
		}
		if as.enrichGaps {
			as.enrichGap(ctx, topic, scan.samples[topic], &gapRate, metadata)
		}

		gap := &types.KnowledgeGap{
			OwnerID:    ownerID,
			Topic:      topic,
			GapRate:    gapRate,
			QueryCount: votes,
			Metadata:   mustJSON(metadata),
			LastSeenAt: as.now(),
		}
		if err := as.gapRepo.Upsert(ctx, nil, gap); err != nil {
			return err
		}
	}
	return nil
}

// clusterVariants returns up to limit sibling phrasings of topic, drawn from
// whichever cluster contains it.
func clusterVariants(clusters []QueryCluster, topic string, limit int) []string {
	for _, cluster := range clusters {
		found := false
		for _, variant := range cluster.Variants {
			if variant == topic {
				found = true
				break
			}
		}
		if !found {
			continue
		}
		var out []string
		for _, variant := range cluster.Variants {
			if variant != topic {
				out = append(out, variant)
			}
			if len(out) == limit {
				break
			}
		}
		return out
	}
	return nil
}

// enrichGap asks the completion model for severity and remediation hints.
// Heuristic values are only overridden by structurally valid output; any
// failure leaves them untouched.
func (as *analyticsService) enrichGap(ctx context.Context, topic string, samples []gapSample, gapRate *float64, metadata map[string]any) {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Recurring question: %q\n\nFailed interactions:\n", topic)
	for _, sample := range samples {
		fmt.Fprintf(&sb, "Q: %s\nA: %s\n\n", sample.Question, sample.Answer)
	}

	result, err := as.ai.CompleteJSON(ctx, gapEnrichmentPrompt, sb.String())
	if err != nil {
		as.log.Warn("Gap enrichment failed, keeping heuristic values", "topic", topic, "error", err)
		return
	}

	if severity, ok := result["severity"].(float64); ok && severity >= 0 && severity <= 100 {
		*gapRate = severity
		metadata["severity"] = severity
	}
	if rationale, ok := result["rationale"].(string); ok && rationale != "" {
		metadata["rationale"] = rationale
	}
	if missing := asStringSlice(result["missing_knowledge"]); len(missing) > 0 {
		metadata["missing_knowledge"] = missing
	}
	if action, ok := result["recommended_action"].(string); ok && action != "" {
		metadata["recommended_action"] = action
	}
	if canonical, ok := result["canonical_phrasing"].(string); ok && canonical != "" {
		metadata["canonical_phrasing"] = canonical
	}
}

// sentimentScore maps feedback counts onto a 0-100 scale: positive worth a
// full point, neutral half, negative nothing. A non-zero cutoff bounds the
// counted feedback to the refresh window.
func (as *analyticsService) sentimentScore(ctx context.Context, ownerID string, cutoff time.Time) (float64, error) {
	counts, err := as.feedbackRepo.CountBySentiment(ctx, nil, ownerID, cutoff)
	if err != nil {
		return 0, err
	}
	positive := counts[types.SentimentPositive]
	neutral := counts[types.SentimentNeutral]
	negative := counts[types.SentimentNegative]
	total := positive + neutral + negative
	if total == 0 {
		return 0, nil
	}
	return (float64(positive) + 0.5*float64(neutral)) / float64(total) * 100, nil
}

func (as *analyticsService) Overview(ctx context.Context, ownerID string) (*AnalyticsOverview, error) {
	summary, err := as.analyticsRepo.GetSummary(ctx, nil, ownerID)
	if err != nil {
		return nil, fmt.Errorf("get summary: %w", err)
	}
	trends, err := as.analyticsRepo.ListWeeklyTrends(ctx, nil, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list weekly trends: %w", err)
	}
	top, err := as.analyticsRepo.ListTopQueries(ctx, nil, ownerID, defaultTopQueryLimit)
	if err != nil {
		return nil, fmt.Errorf("list top queries: %w", err)
	}
	issues, err := as.analyticsRepo.ListCommonIssues(ctx, nil, ownerID, as.issueLimit)
	if err != nil {
		return nil, fmt.Errorf("list common issues: %w", err)
	}
	return &AnalyticsOverview{
		Summary:      summary,
		WeeklyTrends: trends,
		TopQueries:   top,
		CommonIssues: issues,
	}, nil
}

func (as *analyticsService) KnowledgeGaps(ctx context.Context, ownerID string, limit int) ([]*types.KnowledgeGap, error) {
	return as.gapRepo.ListByOwner(ctx, nil, ownerID, limit)
}

func (as *analyticsService) RecordFeedback(ctx context.Context, req FeedbackRequest) (*types.ChatFeedback, error) {
	if req.OwnerID == "" {
		return nil, fmt.Errorf("owner id is required")
	}
	switch req.Sentiment {
	case types.SentimentPositive, types.SentimentNeutral, types.SentimentNegative:
	default:
		return nil, fmt.Errorf("invalid sentiment %q", req.Sentiment)
	}

	feedback := &types.ChatFeedback{
		OwnerID:   req.OwnerID,
		Sentiment: req.Sentiment,
		Comment:   req.Comment,
	}
	if req.TurnID != "" {
		turnID, err := uuid.Parse(req.TurnID)
		if err != nil {
			return nil, fmt.Errorf("invalid turn id %q", req.TurnID)
		}
		feedback.TurnID = &turnID
	}

	created, err := as.feedbackRepo.Create(ctx, nil, []*types.ChatFeedback{feedback})
	if err != nil {
		return nil, err
	}
	return created[0], nil
}

func (as *analyticsService) UpdateGapStatus(ctx context.Context, ownerID, topic, status string) error {
	return as.gapRepo.UpdateStatus(ctx, nil, ownerID, topic, status)
}

// LinkGapSources merges document references into a gap's linked sources and
// moves open gaps to in_progress.
func (as *analyticsService) LinkGapSources(ctx context.Context, ownerID, topic string, sources []string) error {
	if len(sources) == 0 {
		return fmt.Errorf("at least one source is required")
	}

	gaps, err := as.gapRepo.ListByOwner(ctx, nil, ownerID, 1000)
	if err != nil {
		return fmt.Errorf("list gaps: %w", err)
	}
	var existing *types.KnowledgeGap
	for _, gap := range gaps {
		if gap.Topic == topic {
			existing = gap
			break
		}
	}
	if existing == nil {
		return fmt.Errorf("unknown gap topic %q for owner %s", topic, ownerID)
	}

	update := &types.KnowledgeGap{
		OwnerID:       ownerID,
		Topic:         topic,
		GapRate:       existing.GapRate,
		QueryCount:    existing.QueryCount,
		LinkedSources: mustJSON(sources),
		LastSeenAt:    existing.LastSeenAt,
	}
	if err := as.gapRepo.Upsert(ctx, nil, update); err != nil {
		return fmt.Errorf("link sources: %w", err)
	}

	if existing.Status == types.GapStatusOpen {
		if err := as.gapRepo.UpdateStatus(ctx, nil, ownerID, topic, types.GapStatusInProgress); err != nil {
			return fmt.Errorf("advance gap status: %w", err)
		}
	}
	return nil
}

func mustJSON(v any) datatypes.JSON {
	data, err := json.Marshal(v)
	if err != nil {
		return datatypes.JSON("null")
	}
	return datatypes.JSON(data)
}
