package services

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"github.com/syntax-sensei/kuboid/internal/platform/envutil"
	"github.com/syntax-sensei/kuboid/internal/platform/logger"
	"github.com/syntax-sensei/kuboid/internal/platform/openai"
	"github.com/syntax-sensei/kuboid/internal/platform/qdrant"
	"github.com/syntax-sensei/kuboid/internal/repos"
	"github.com/syntax-sensei/kuboid/internal/types"
)

// NoContextAnswer is served whenever retrieval comes back empty; the
// completion service is never called in that case.
const NoContextAnswer = "I couldn't find relevant information in the knowledge base."

const answerSystemPrompt = "You are a helpful assistant answering questions about a knowledge base. " +
	"Answer using ONLY the provided context. If the context does not contain " +
	"the answer, say you don't have that information. Do not invent facts."

const (
	defaultTopK        = 5
	defaultTemperature = 0.3
)

type ChatRequest struct {
	Query          string
	TopK           int
	Temperature    float64
	OwnerID        string
	SiteID         string
	WidgetID       string
	ConversationID string
}

type ChatResult struct {
	Answer          string   `json:"answer"`
	Documents       []string `json:"documents"`
	LatencyMs       int64    `json:"latency_ms"`
	Status          string   `json:"status"`
	ConversationID  string   `json:"conversation_id"`
	NewConversation bool     `json:"new_conversation"`
}

type AnswerService interface {
	Retrieve(ctx context.Context, query string, k int, ownerID, widgetID string) ([]qdrant.ScoredChunk, error)
	GenerateAnswer(ctx context.Context, query string, docs []qdrant.ScoredChunk, temperature float64) (string, error)
	Chat(ctx context.Context, req ChatRequest) (*ChatResult, error)
}

type answerService struct {
	log      *logger.Logger
	ai       openai.Client
	store    qdrant.Store
	turnRepo repos.ChatTurnRepo
	model    string
	now      func() time.Time
}

func NewAnswerService(log *logger.Logger, ai openai.Client, store qdrant.Store, turnRepo repos.ChatTurnRepo) AnswerService {
	return &answerService{
		log:      log.With("service", "AnswerService"),
		ai:       ai,
		store:    store,
		turnRepo: turnRepo,
		model:    envutil.Str("OPENAI_MODEL", "gpt-4o-mini"),
		now:      time.Now,
	}
}

// Retrieve embeds the query once and searches under the tenant filter policy:
// no owner ⇒ global search, owner only ⇒ owner filter, owner+widget ⇒ widget
// filter when widget-tagged chunks exist, otherwise owner-wide fallback so a
// fresh widget still sees the owner's knowledge base.
func (as *answerService) Retrieve(ctx context.Context, query string, k int, ownerID, widgetID string) ([]qdrant.ScoredChunk, error) {
	if strings.TrimSpace(query) == "" {
		return nil, nil
	}
	if k <= 0 {
		k = defaultTopK
	}

	vector, err := as.ai.EmbedQuery(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	filter, err := as.composeFilter(ctx, ownerID, widgetID)
	if err != nil {
		return nil, err
	}
	return as.store.Search(ctx, vector, k, filter)
}

func (as *answerService) composeFilter(ctx context.Context, ownerID, widgetID string) (qdrant.Filter, error) {
	if ownerID == "" {
		return qdrant.Filter{}, nil
	}
	if widgetID == "" {
		return qdrant.Filter{OwnerID: ownerID}, nil
	}

	tagged, err := as.store.Count(ctx, qdrant.Filter{OwnerID: ownerID, WidgetID: widgetID})
	if err != nil {
		return qdrant.Filter{}, fmt.Errorf("probe widget chunks: %w", err)
	}
	if tagged > 0 {
		return qdrant.Filter{OwnerID: ownerID, WidgetID: widgetID}, nil
	}
	return qdrant.Filter{OwnerID: ownerID}, nil
}

func (as *answerService) GenerateAnswer(ctx context.Context, query string, docs []qdrant.ScoredChunk, temperature float64) (string, error) {
	if len(docs) == 0 {
		return NoContextAnswer, nil
	}
	if temperature <= 0 {
		temperature = defaultTemperature
	}

	var contextBlock strings.Builder
	for i, doc := range docs {
		contextBlock.WriteString(fmt.Sprintf("[%d] %s\n\n", i+1, doc.Text))
	}

	user := fmt.Sprintf("Context:\n%s\nQuestion: %s", contextBlock.String(), query)
	answer, err := as.ai.Complete(ctx, answerSystemPrompt, user, temperature)
	if err != nil {
		return "", fmt.Errorf("generate answer: %w", err)
	}
	return answer, nil
}

// Chat runs retrieve → answer and records the turn for analytics. A turn is
// recorded even when retrieval finds nothing; those turns carry status gap.
func (as *answerService) Chat(ctx context.Context, req ChatRequest) (*ChatResult, error) {
	query := strings.TrimSpace(req.Query)
	if query == "" {
		return nil, fmt.Errorf("query is required")
	}
	started := as.now()

	// A first turn has no conversation id yet; mint one so the client can
	// send it back and group the session.
	conversationID := strings.TrimSpace(req.ConversationID)
	newConversation := conversationID == ""
	if newConversation {
		conversationID = uuid.NewString()
	}

	docs, err := as.Retrieve(ctx, query, req.TopK, req.OwnerID, req.WidgetID)
	if err != nil {
		return nil, err
	}

	answer, err := as.GenerateAnswer(ctx, query, docs, req.Temperature)
	if err != nil {
		return nil, err
	}

	latency := as.now().Sub(started).Milliseconds()
	documents := documentIDs(docs)
	status := types.TurnStatusResolved
	if len(docs) == 0 || strings.TrimSpace(answer) == "" {
		status = types.TurnStatusGap
	}

	metadata, err := json.Marshal(map[string]any{
		"documents":  documents,
		"latency_ms": latency,
		"model":      as.model,
	})
	if err != nil {
		return nil, fmt.Errorf("encode turn metadata: %w", err)
	}

	turn := &types.ChatTurn{
		OwnerID:        req.OwnerID,
		SiteID:         req.SiteID,
		WidgetID:       req.WidgetID,
		ConversationID: conversationID,
		Question:       query,
		Answer:         answer,
		Status:         status,
		Metadata:       datatypes.JSON(metadata),
	}
	if _, err := as.turnRepo.Create(ctx, nil, []*types.ChatTurn{turn}); err != nil {
		// The user already has their answer; losing one analytics row is not
		// worth failing the request.
		as.log.Warn("Failed to record chat turn", "owner_id", req.OwnerID, "error", err)
	}

	return &ChatResult{
		Answer:          answer,
		Documents:       documents,
		LatencyMs:       latency,
		Status:          status,
		ConversationID:  conversationID,
		NewConversation: newConversation,
	}, nil
}

func documentIDs(docs []qdrant.ScoredChunk) []string {
	seen := map[string]bool{}
	out := []string{}
	for _, doc := range docs {
		id, _ := doc.Metadata["document_id"].(string)
		if id == "" {
			if raw, ok := doc.Metadata["source"].(string); ok {
				id = raw
			}
		}
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
