package services

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/syntax-sensei/kuboid/internal/platform/logger"
	"github.com/syntax-sensei/kuboid/internal/platform/openai"
)

const (
	embedClusterThreshold = 0.78
	fuzzyClusterThreshold = 0.72
)

const clusterSystemPrompt = `You group customer support questions into clusters of paraphrases.
Respond with JSON only, shaped as:
{"clusters": [{"canonical_question": "...", "total_count": 0, "variants": ["..."], "tags": ["..."], "trend": "stable"}]}
Every input question must land in exactly one cluster. total_count is the sum
of the per-question counts you were given.`

// WeightedQuery is one distinct user message with its occurrence count.
type WeightedQuery struct {
	Question string
	Count    int
}

// QueryCluster is a group of paraphrased questions with a canonical form.
type QueryCluster struct {
	CanonicalQuestion string   `json:"canonical_question"`
	TotalCount        int      `json:"total_count"`
	Variants          []string `json:"variants"`
	Tags              []string `json:"tags"`
	Trend             string   `json:"trend,omitempty"`
}

// Clusterer groups semantically similar queries. Strategies are tried in
// order until one yields clusters; the last tier is deterministic and cannot
// fail, so Cluster never returns an error.
type Clusterer interface {
	Cluster(ctx context.Context, queries []WeightedQuery) []QueryCluster
}

type clusterStrategy interface {
	name() string
	cluster(ctx context.Context, queries []WeightedQuery) ([]QueryCluster, error)
}

type clusterer struct {
	log        *logger.Logger
	strategies []clusterStrategy
}

func NewClusterer(log *logger.Logger, ai openai.Client) Clusterer {
	clusterLog := log.With("service", "Clusterer")
	return &clusterer{
		log: clusterLog,
		strategies: []clusterStrategy{
			&embeddingClusterStrategy{ai: ai, threshold: embedClusterThreshold},
			&llmClusterStrategy{ai: ai},
			&fuzzyClusterStrategy{threshold: fuzzyClusterThreshold},
		},
	}
}

func (c *clusterer) Cluster(ctx context.Context, queries []WeightedQuery) []QueryCluster {
	if len(queries) == 0 {
		return nil
	}

	sorted := sortQueries(queries)
	if len(sorted) == 0 {
		return nil
	}
	for _, strategy := range c.strategies {
		clusters, err := strategy.cluster(ctx, sorted)
		if err != nil {
			c.log.Warn("Cluster strategy failed, trying next tier", "strategy", strategy.name(), "error", err)
			continue
		}
		if len(clusters) == 0 {
			continue
		}
		sortClusters(clusters)
		return clusters
	}
	return nil
}

// sortQueries orders by count descending, question ascending on ties. The
// greedy strategies depend on this order for deterministic output.
func sortQueries(queries []WeightedQuery) []WeightedQuery {
	sorted := make([]WeightedQuery, 0, len(queries))
	for _, q := range queries {
		if strings.TrimSpace(q.Question) == "" || q.Count <= 0 {
			continue
		}
		sorted = append(sorted, q)
	}
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Count != sorted[j].Count {
			return sorted[i].Count > sorted[j].Count
		}
		return sorted[i].Question < sorted[j].Question
	})
	return sorted
}

func sortClusters(clusters []QueryCluster) {
	sort.SliceStable(clusters, func(i, j int) bool {
		if clusters[i].TotalCount != clusters[j].TotalCount {
			return clusters[i].TotalCount > clusters[j].TotalCount
		}
		return clusters[i].CanonicalQuestion < clusters[j].CanonicalQuestion
	})
}

type embeddingClusterStrategy struct {
	ai        openai.Client
	threshold float64
}

func (s *embeddingClusterStrategy) name() string { return "embedding" }

type embeddingCluster struct {
	canonical string
	count     int
	variants  []string
	centroid  []float64
	weight    float64
}

func (s *embeddingClusterStrategy) cluster(ctx context.Context, queries []WeightedQuery) ([]QueryCluster, error) {
	texts := make([]string, len(queries))
	for i, q := range queries {
		texts[i] = q.Question
	}
	vectors, err := s.ai.Embed(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("embed queries: %w", err)
	}
	if len(vectors) != len(queries) {
		return nil, fmt.Errorf("embedding count mismatch: want=%d got=%d", len(queries), len(vectors))
	}

	var clusters []*embeddingCluster
	for i, q := range queries {
		vec := toFloat64(vectors[i])
		assigned := false
		for _, cl := range clusters {
			if cosineSimilarity(cl.centroid, vec) >= s.threshold {
				cl.count += q.Count
				cl.variants = append(cl.variants, q.Question)
				mergeCentroid(cl, vec, float64(q.Count))
				assigned = true
				break
			}
		}
		if !assigned {
			clusters = append(clusters, &embeddingCluster{
				canonical: q.Question,
				count:     q.Count,
				variants:  []string{q.Question},
				centroid:  vec,
				weight:    float64(q.Count),
			})
		}
	}

	out := make([]QueryCluster, len(clusters))
	for i, cl := range clusters {
		out[i] = QueryCluster{
			CanonicalQuestion: cl.canonical,
			TotalCount:        cl.count,
			Variants:          cl.variants,
		}
	}
	return out, nil
}

// mergeCentroid folds a new member vector into the running frequency-weighted
// mean.
func mergeCentroid(cl *embeddingCluster, vec []float64, weight float64) {
	total := cl.weight + weight
	for i := range cl.centroid {
		cl.centroid[i] = (cl.centroid[i]*cl.weight + vec[i]*weight) / total
	}
	cl.weight = total
}

func toFloat64(vec []float32) []float64 {
	out := make([]float64, len(vec))
	for i, v := range vec {
		out[i] = float64(v)
	}
	return out
}

func cosineSimilarity(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

type llmClusterStrategy struct {
	ai openai.Client
}

func (s *llmClusterStrategy) name() string { return "llm" }

func (s *llmClusterStrategy) cluster(ctx context.Context, queries []WeightedQuery) ([]QueryCluster, error) {
	var sb strings.Builder
	for _, q := range queries {
		fmt.Fprintf(&sb, "- %q (asked %d times)\n", q.Question, q.Count)
	}

	result, err := s.ai.CompleteJSON(ctx, clusterSystemPrompt, sb.String())
	if err != nil {
		return nil, fmt.Errorf("llm clustering: %w", err)
	}

	raw, ok := result["clusters"].([]any)
	if !ok {
		return nil, fmt.Errorf("llm clustering: response missing clusters array")
	}

	var out []QueryCluster
	for _, entry := range raw {
		item, ok := entry.(map[string]any)
		if !ok {
			continue
		}
		canonical, _ := item["canonical_question"].(string)
		if strings.TrimSpace(canonical) == "" {
			continue
		}
		cluster := QueryCluster{
			CanonicalQuestion: canonical,
			TotalCount:        asInt(item["total_count"]),
			Variants:          asStringSlice(item["variants"]),
			Tags:              asStringSlice(item["tags"]),
		}
		if trend, ok := item["trend"].(string); ok {
			cluster.Trend = trend
		}
		if cluster.TotalCount <= 0 {
			cluster.TotalCount = 1
		}
		if len(cluster.Variants) == 0 {
			cluster.Variants = []string{canonical}
		}
		out = append(out, cluster)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("llm clustering: no usable clusters in response")
	}
	return out, nil
}

func asInt(v any) int {
	switch n := v.(type) {
	case float64:
		return int(n)
	case int:
		return n
	default:
		return 0
	}
}

func asStringSlice(v any) []string {
	raw, ok := v.([]any)
	if !ok {
		return nil
	}
	var out []string
	for _, entry := range raw {
		if s, ok := entry.(string); ok && strings.TrimSpace(s) != "" {
			out = append(out, s)
		}
	}
	return out
}

type fuzzyClusterStrategy struct {
	threshold float64
}

func (s *fuzzyClusterStrategy) name() string { return "fuzzy" }

func (s *fuzzyClusterStrategy) cluster(ctx context.Context, queries []WeightedQuery) ([]QueryCluster, error) {
	var clusters []QueryCluster
	for _, q := range queries {
		assigned := false
		for i := range clusters {
			if matchRatio(q.Question, clusters[i].CanonicalQuestion) >= s.threshold {
				clusters[i].TotalCount += q.Count
				clusters[i].Variants = append(clusters[i].Variants, q.Question)
				assigned = true
				break
			}
		}
		if !assigned {
			clusters = append(clusters, QueryCluster{
				CanonicalQuestion: q.Question,
				TotalCount:        q.Count,
				Variants:          []string{q.Question},
			})
		}
	}
	return clusters, nil
}

// matchRatio is the classic sequence-similarity ratio 2*M/(len(a)+len(b)),
// where M is the total length of the common substring blocks found by
// recursively splitting around the longest common substring. Comparison is
// case-insensitive.
func matchRatio(a, b string) float64 {
	ra := []rune(strings.ToLower(a))
	rb := []rune(strings.ToLower(b))
	if len(ra) == 0 && len(rb) == 0 {
		return 1
	}
	if len(ra) == 0 || len(rb) == 0 {
		return 0
	}
	matched := matchingBlocks(ra, rb)
	return 2 * float64(matched) / float64(len(ra)+len(rb))
}

func matchingBlocks(a, b []rune) int {
	startA, startB, size := longestCommonSubstring(a, b)
	if size == 0 {
		return 0
	}
	total := size
	total += matchingBlocks(a[:startA], b[:startB])
	total += matchingBlocks(a[startA+size:], b[startB+size:])
	return total
}

func longestCommonSubstring(a, b []rune) (startA, startB, size int) {
	// prev[j] holds the match run ending at a[i-1], b[j-1].
	prev := make([]int, len(b)+1)
	for i := 1; i <= len(a); i++ {
		current := make([]int, len(b)+1)
		for j := 1; j <= len(b); j++ {
			if a[i-1] == b[j-1] {
				current[j] = prev[j-1] + 1
				if current[j] > size {
					size = current[j]
					startA = i - size
					startB = j - size
				}
			}
		}
		prev = current
	}
	return startA, startB, size
}
