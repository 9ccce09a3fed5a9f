package qdrant

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/syntax-sensei/kuboid/internal/platform/logger"
)

const maxErrorBodyBytes = 1024

// Chunk is one bounded slice of document text plus its embedding. Chunks are
// immutable once written; reprocessing a document deletes and re-inserts them.
type Chunk struct {
	ID         string
	Text       string
	Vector     []float32
	DocumentID string
	ChunkIndex int
	OwnerID    string
	WidgetID   string
	Metadata   map[string]any
}

// ScoredChunk is a ranked search result.
type ScoredChunk struct {
	Text     string
	Metadata map[string]any
	Score    float64
}

// Store is the tenant-partitioned vector index consumed by the ingestion
// pipeline and the retrieval engine.
type Store interface {
	EnsureCollection(ctx context.Context) error
	Upsert(ctx context.Context, chunks []Chunk) error
	Search(ctx context.Context, vector []float32, limit int, filter Filter) ([]ScoredChunk, error)
	Count(ctx context.Context, filter Filter) (int, error)
	DeleteByFilter(ctx context.Context, filter Filter) error
}

type store struct {
	log     *logger.Logger
	cfg     Config
	baseURL string
	http    *http.Client

	ensureOnce sync.Once
	ensureErr  error
}

type envelope struct {
	Result json.RawMessage `json:"result"`
	Status json.RawMessage `json:"status"`
	Time   float64         `json:"time"`
}

type searchResultItem struct {
	ID      json.RawMessage `json:"id"`
	Score   float64         `json:"score"`
	Payload map[string]any  `json:"payload"`
}

func NewStore(log *logger.Logger, cfg Config) (Store, error) {
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}
	if err := ValidateConfig(cfg); err != nil {
		return nil, err
	}
	s := &store{
		log:     log.With("service", "QdrantStore"),
		cfg:     cfg,
		baseURL: strings.TrimRight(cfg.URL, "/"),
		http: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
	log.Info(
		"Qdrant store configured",
		"url", s.baseURL,
		"collection", cfg.Collection,
		"vector_dim", cfg.VectorDim,
	)
	return s, nil
}

// EnsureCollection creates the collection (cosine distance, configured
// dimensionality) if it does not exist yet, then provisions keyword payload
// indexes on owner_id and widget_id. The backend requires those indexes for
// keyword-filtered search; index creation failures are logged, not fatal.
func (s *store) EnsureCollection(ctx context.Context) error {
	s.ensureOnce.Do(func() {
		s.ensureErr = s.ensureCollection(ctx)
	})
	return s.ensureErr
}

func (s *store) ensureCollection(ctx context.Context) error {
	const op = "ensure_collection"

	err := s.doJSON(ctx, op, http.MethodGet, s.collectionPath(""), nil, nil)
	if err == nil {
		s.createPayloadIndexes(ctx)
		return nil
	}
	var opErrTyped *OperationError
	if !errors.As(err, &opErrTyped) || opErrTyped.StatusCode != http.StatusNotFound {
		return err
	}

	req := map[string]any{
		"vectors": map[string]any{
			"size":     s.cfg.VectorDim,
			"distance": "Cosine",
		},
	}
	if err := s.doJSON(ctx, op, http.MethodPut, s.collectionPath(""), req, nil); err != nil {
		return err
	}
	s.log.Info("Created Qdrant collection", "collection", s.cfg.Collection, "vector_dim", s.cfg.VectorDim)
	s.createPayloadIndexes(ctx)
	return nil
}

func (s *store) createPayloadIndexes(ctx context.Context) {
	const op = "create_payload_index"
	for _, field := range []string{payloadOwnerKey, payloadWidgetKey, payloadDocumentKey} {
		req := map[string]any{
			"field_name":   field,
			"field_schema": "keyword",
		}
		if err := s.doJSON(ctx, op, http.MethodPut, s.collectionPath("/index?wait=true"), req, nil); err != nil {
			s.log.Warn("Payload index creation failed", "field", field, "error", err)
		}
	}
}

func (s *store) Upsert(ctx context.Context, chunks []Chunk) error {
	const op = "upsert"
	if len(chunks) == 0 {
		return nil
	}
	if err := s.EnsureCollection(ctx); err != nil {
		return err
	}

	points := make([]map[string]any, 0, len(chunks))
	for _, c := range chunks {
		if len(c.Vector) == 0 {
			return opErr(op, OperationErrorValidation, fmt.Sprintf("chunk %d of %q has empty vector", c.ChunkIndex, c.DocumentID), nil)
		}
		if s.cfg.VectorDim > 0 && len(c.Vector) != s.cfg.VectorDim {
			return opErr(
				op,
				OperationErrorValidation,
				fmt.Sprintf(
					"chunk %d of %q dimension mismatch: expected=%d got=%d",
					c.ChunkIndex,
					c.DocumentID,
					s.cfg.VectorDim,
					len(c.Vector),
				),
				nil,
			)
		}
		if strings.TrimSpace(c.DocumentID) == "" {
			return opErr(op, OperationErrorValidation, "chunk document id is required", nil)
		}
		id := strings.TrimSpace(c.ID)
		if id == "" {
			id = uuid.NewString()
		}
		payload := map[string]any{
			"text":             c.Text,
			"metadata":         clonePayload(c.Metadata),
			payloadDocumentKey: c.DocumentID,
			"chunk_index":      c.ChunkIndex,
			"created_at":       time.Now().UTC().Format(time.RFC3339),
		}
		if c.OwnerID != "" {
			payload[payloadOwnerKey] = c.OwnerID
		}
		if c.WidgetID != "" {
			payload[payloadWidgetKey] = c.WidgetID
		}
		points = append(points, map[string]any{
			"id":      id,
			"vector":  c.Vector,
			"payload": payload,
		})
	}

	req := map[string]any{"points": points}
	return s.doJSON(ctx, op, http.MethodPut, s.collectionPath("/points?wait=true"), req, nil)
}

func (s *store) Search(ctx context.Context, vector []float32, limit int, filter Filter) ([]ScoredChunk, error) {
	const op = "search"
	if len(vector) == 0 {
		return nil, opErr(op, OperationErrorValidation, "query vector required", nil)
	}
	if s.cfg.VectorDim > 0 && len(vector) != s.cfg.VectorDim {
		return nil, opErr(
			op,
			OperationErrorValidation,
			fmt.Sprintf("query vector dimension mismatch: expected=%d got=%d", s.cfg.VectorDim, len(vector)),
			nil,
		)
	}
	if limit <= 0 {
		limit = 5
	}

	req := map[string]any{
		"vector":       vector,
		"limit":        limit,
		"with_payload": true,
		"with_vector":  false,
	}
	if f := filter.asMap(); f != nil {
		req["filter"] = f
	}

	var rawResults []searchResultItem
	if err := s.doJSON(ctx, op, http.MethodPost, s.collectionPath("/points/search"), req, &rawResults); err != nil {
		return nil, err
	}

	out := make([]ScoredChunk, 0, len(rawResults))
	for _, item := range rawResults {
		text, _ := item.Payload["text"].(string)
		metadata, _ := item.Payload["metadata"].(map[string]any)
		out = append(out, ScoredChunk{
			Text:     text,
			Metadata: metadata,
			Score:    item.Score,
		})
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Score > out[j].Score
	})
	return out, nil
}

func (s *store) Count(ctx context.Context, filter Filter) (int, error) {
	const op = "count"
	req := map[string]any{"exact": true}
	if f := filter.asMap(); f != nil {
		req["filter"] = f
	}
	var result struct {
		Count int `json:"count"`
	}
	if err := s.doJSON(ctx, op, http.MethodPost, s.collectionPath("/points/count"), req, &result); err != nil {
		return 0, err
	}
	return result.Count, nil
}

func (s *store) DeleteByFilter(ctx context.Context, filter Filter) error {
	const op = "delete"
	if filter.IsZero() {
		return opErr(op, OperationErrorValidation, "refusing to delete with empty filter", nil)
	}
	req := map[string]any{"filter": filter.asMap()}
	return s.doJSON(ctx, op, http.MethodPost, s.collectionPath("/points/delete?wait=true"), req, nil)
}

func (s *store) doJSON(ctx context.Context, op, method, path string, in any, out any) error {
	var body io.Reader
	if in != nil {
		var buf bytes.Buffer
		if err := json.NewEncoder(&buf).Encode(in); err != nil {
			return opErr(op, OperationErrorEncodeFailed, "encode request failed", err)
		}
		body = &buf
	}

	req, err := http.NewRequestWithContext(ctx, method, s.baseURL+path, body)
	if err != nil {
		return opErr(op, OperationErrorTransportFailed, "build request failed", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.cfg.APIKey != "" {
		req.Header.Set("api-key", s.cfg.APIKey)
	}

	resp, err := s.http.Do(req)
	if err != nil {
		return classifyHTTPCallError(op, "qdrant request failed", err)
	}
	defer resp.Body.Close()

	raw, readErr := io.ReadAll(io.LimitReader(resp.Body, 10*maxErrorBodyBytes))
	if readErr != nil {
		return opErr(op, OperationErrorDecodeFailed, "read response failed", readErr)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &OperationError{
			Code:       OperationErrorQueryFailed,
			Operation:  op,
			StatusCode: resp.StatusCode,
			Message:    fmt.Sprintf("qdrant http status=%d body=%q", resp.StatusCode, truncateBody(raw)),
		}
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return opErr(op, OperationErrorDecodeFailed, "decode qdrant envelope failed", err)
	}
	if statusErr := parseEnvelopeStatus(env.Status); statusErr != "" {
		return &OperationError{
			Code:       OperationErrorQueryFailed,
			Operation:  op,
			StatusCode: resp.StatusCode,
			Message:    statusErr,
		}
	}

	if out == nil {
		return nil
	}
	if len(env.Result) == 0 || string(env.Result) == "null" {
		return nil
	}
	if err := json.Unmarshal(env.Result, out); err != nil {
		return opErr(op, OperationErrorDecodeFailed, "decode qdrant result failed", err)
	}
	return nil
}

func classifyHTTPCallError(op, message string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return opErr(op, OperationErrorTimeout, message, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return opErr(op, OperationErrorTimeout, message, err)
	}
	return opErr(op, OperationErrorTransportFailed, message, err)
}

func parseEnvelopeStatus(raw json.RawMessage) string {
	status := strings.TrimSpace(string(raw))
	if status == "" || status == "null" {
		return ""
	}

	var statusString string
	if err := json.Unmarshal(raw, &statusString); err == nil {
		if strings.EqualFold(statusString, "ok") || strings.EqualFold(statusString, "acknowledged") || strings.EqualFold(statusString, "completed") {
			return ""
		}
		return fmt.Sprintf("qdrant status=%q", statusString)
	}

	var statusObject struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(raw, &statusObject); err == nil {
		if strings.TrimSpace(statusObject.Error) != "" {
			return strings.TrimSpace(statusObject.Error)
		}
	}

	return fmt.Sprintf("qdrant status=%s", status)
}

func truncateBody(raw []byte) string {
	if len(raw) <= maxErrorBodyBytes {
		return string(raw)
	}
	return string(raw[:maxErrorBodyBytes]) + "..."
}

func clonePayload(in map[string]any) map[string]any {
	if len(in) == 0 {
		return map[string]any{}
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func (s *store) collectionPath(suffix string) string {
	path := "/collections/" + s.cfg.Collection
	if strings.TrimSpace(suffix) == "" {
		return path
	}
	return path + suffix
}
