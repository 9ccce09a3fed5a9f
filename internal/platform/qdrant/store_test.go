package qdrant

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/syntax-sensei/kuboid/internal/platform/logger"
)

type roundTripFunc func(req *http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New("test")
	if err != nil {
		t.Fatalf("logger.New: unexpected error: %v", err)
	}
	return log
}

func testConfig() Config {
	return Config{
		URL:        "http://qdrant.local:6333",
		Collection: "kuboid_test",
		VectorDim:  3,
	}
}

func newTestStore(t *testing.T, rt roundTripFunc) *store {
	t.Helper()
	s := &store{
		log:     newTestLogger(t).With("service", "QdrantStore"),
		cfg:     testConfig(),
		baseURL: "http://qdrant.local:6333",
		http:    &http.Client{Transport: rt},
	}
	// Collapse the lazy collection bootstrap so individual operations can be
	// exercised without scripting the ensure round trips.
	s.ensureOnce.Do(func() {})
	return s
}

func okResponse(t *testing.T, result any) *http.Response {
	t.Helper()
	body, err := json.Marshal(map[string]any{
		"result": result,
		"status": "ok",
		"time":   0.001,
	})
	if err != nil {
		t.Fatalf("marshal response: unexpected error: %v", err)
	}
	return &http.Response{
		StatusCode: http.StatusOK,
		Body:       io.NopCloser(strings.NewReader(string(body))),
		Header:     http.Header{"Content-Type": []string{"application/json"}},
	}
}

func rawResponse(status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Body:       io.NopCloser(strings.NewReader(body)),
		Header:     http.Header{"Content-Type": []string{"application/json"}},
	}
}

func decodeBody(t *testing.T, req *http.Request, out any) {
	t.Helper()
	if err := json.NewDecoder(req.Body).Decode(out); err != nil {
		t.Fatalf("decode request body: unexpected error: %v", err)
	}
}

func TestUpsertBuildsTenantPayload(t *testing.T) {
	var captured map[string]any
	s := newTestStore(t, func(req *http.Request) (*http.Response, error) {
		if req.Method != http.MethodPut {
			t.Fatalf("method: want=%s got=%s", http.MethodPut, req.Method)
		}
		if got := req.URL.Path; got != "/collections/kuboid_test/points" {
			t.Fatalf("path: want=/collections/kuboid_test/points got=%s", got)
		}
		if got := req.URL.Query().Get("wait"); got != "true" {
			t.Fatalf("wait param: want=true got=%s", got)
		}
		decodeBody(t, req, &captured)
		return okResponse(t, map[string]any{"status": "completed"}), nil
	})

	err := s.Upsert(context.Background(), []Chunk{{
		Text:       "alpha",
		Vector:     []float32{0.1, 0.2, 0.3},
		DocumentID: "docs_guide_pdf",
		ChunkIndex: 2,
		OwnerID:    "owner-1",
		WidgetID:   "widget-1",
		Metadata:   map[string]any{"chunk_count": 4},
	}})
	if err != nil {
		t.Fatalf("Upsert: unexpected error: %v", err)
	}

	points, ok := captured["points"].([]any)
	if !ok || len(points) != 1 {
		t.Fatalf("points: want 1 entry got=%v", captured["points"])
	}
	point := points[0].(map[string]any)
	if point["id"] == "" {
		t.Fatalf("point id: want generated uuid got empty")
	}
	payload := point["payload"].(map[string]any)
	if got := payload["document_id"]; got != "docs_guide_pdf" {
		t.Fatalf("document_id: want=docs_guide_pdf got=%v", got)
	}
	if got := payload["owner_id"]; got != "owner-1" {
		t.Fatalf("owner_id: want=owner-1 got=%v", got)
	}
	if got := payload["widget_id"]; got != "widget-1" {
		t.Fatalf("widget_id: want=widget-1 got=%v", got)
	}
	if got := payload["text"]; got != "alpha" {
		t.Fatalf("text: want=alpha got=%v", got)
	}
	metadata := payload["metadata"].(map[string]any)
	if got := metadata["chunk_count"]; got != float64(4) {
		t.Fatalf("metadata chunk_count: want=4 got=%v", got)
	}
}

func TestUpsertOmitsTenantKeysForGlobalChunks(t *testing.T) {
	var captured map[string]any
	s := newTestStore(t, func(req *http.Request) (*http.Response, error) {
		decodeBody(t, req, &captured)
		return okResponse(t, map[string]any{"status": "completed"}), nil
	})

	err := s.Upsert(context.Background(), []Chunk{{
		Text:       "global",
		Vector:     []float32{1, 0, 0},
		DocumentID: "readme_md",
	}})
	if err != nil {
		t.Fatalf("Upsert: unexpected error: %v", err)
	}

	payload := captured["points"].([]any)[0].(map[string]any)["payload"].(map[string]any)
	if _, present := payload["owner_id"]; present {
		t.Fatalf("owner_id: want absent for global chunk got=%v", payload["owner_id"])
	}
	if _, present := payload["widget_id"]; present {
		t.Fatalf("widget_id: want absent for global chunk got=%v", payload["widget_id"])
	}
}

func TestUpsertRejectsDimensionMismatch(t *testing.T) {
	s := newTestStore(t, func(req *http.Request) (*http.Response, error) {
		t.Fatalf("no request expected for invalid chunk")
		return nil, nil
	})

	err := s.Upsert(context.Background(), []Chunk{{
		Text:       "bad",
		Vector:     []float32{0.1, 0.2},
		DocumentID: "docs_guide_pdf",
	}})
	var opError *OperationError
	if !errors.As(err, &opError) {
		t.Fatalf("error type: want *OperationError got=%T", err)
	}
	if opError.Code != OperationErrorValidation {
		t.Fatalf("error code: want=%s got=%s", OperationErrorValidation, opError.Code)
	}
}

func TestSearchAppliesFilterAndOrdersByScore(t *testing.T) {
	var captured map[string]any
	s := newTestStore(t, func(req *http.Request) (*http.Response, error) {
		if got := req.URL.Path; got != "/collections/kuboid_test/points/search" {
			t.Fatalf("path: want=/collections/kuboid_test/points/search got=%s", got)
		}
		decodeBody(t, req, &captured)
		return okResponse(t, []map[string]any{
			{"id": 1, "score": 0.42, "payload": map[string]any{"text": "lower", "metadata": map[string]any{"document_id": "a"}}},
			{"id": 2, "score": 0.91, "payload": map[string]any{"text": "higher", "metadata": map[string]any{"document_id": "b"}}},
		}), nil
	})

	results, err := s.Search(context.Background(), []float32{1, 0, 0}, 5, Filter{OwnerID: "owner-1", WidgetID: "widget-1"})
	if err != nil {
		t.Fatalf("Search: unexpected error: %v", err)
	}

	filter, ok := captured["filter"].(map[string]any)
	if !ok {
		t.Fatalf("filter: want tenant filter got=%v", captured["filter"])
	}
	must := filter["must"].([]any)
	if len(must) != 2 {
		t.Fatalf("filter conditions: want=2 got=%d", len(must))
	}
	if got := captured["with_payload"]; got != true {
		t.Fatalf("with_payload: want=true got=%v", got)
	}

	if len(results) != 2 {
		t.Fatalf("results: want=2 got=%d", len(results))
	}
	if results[0].Text != "higher" || results[1].Text != "lower" {
		t.Fatalf("ordering: want score-desc got=[%s %s]", results[0].Text, results[1].Text)
	}
	if results[0].Score != 0.91 {
		t.Fatalf("score: want=0.91 got=%v", results[0].Score)
	}
}

func TestSearchWithoutFilterSendsNoFilterKey(t *testing.T) {
	var captured map[string]any
	s := newTestStore(t, func(req *http.Request) (*http.Response, error) {
		decodeBody(t, req, &captured)
		return okResponse(t, []map[string]any{}), nil
	})

	if _, err := s.Search(context.Background(), []float32{1, 0, 0}, 5, Filter{}); err != nil {
		t.Fatalf("Search: unexpected error: %v", err)
	}
	if _, present := captured["filter"]; present {
		t.Fatalf("filter: want absent for global search got=%v", captured["filter"])
	}
}

func TestCountUsesExactFilter(t *testing.T) {
	var captured map[string]any
	s := newTestStore(t, func(req *http.Request) (*http.Response, error) {
		if got := req.URL.Path; got != "/collections/kuboid_test/points/count" {
			t.Fatalf("path: want=/collections/kuboid_test/points/count got=%s", got)
		}
		decodeBody(t, req, &captured)
		return okResponse(t, map[string]any{"count": 7}), nil
	})

	count, err := s.Count(context.Background(), Filter{DocumentID: "docs_guide_pdf"})
	if err != nil {
		t.Fatalf("Count: unexpected error: %v", err)
	}
	if count != 7 {
		t.Fatalf("count: want=7 got=%d", count)
	}
	if got := captured["exact"]; got != true {
		t.Fatalf("exact: want=true got=%v", got)
	}
	if _, ok := captured["filter"]; !ok {
		t.Fatalf("filter: want document filter got none")
	}
}

func TestDeleteByFilterRefusesEmptyFilter(t *testing.T) {
	s := newTestStore(t, func(req *http.Request) (*http.Response, error) {
		t.Fatalf("no request expected for empty filter delete")
		return nil, nil
	})

	err := s.DeleteByFilter(context.Background(), Filter{})
	var opError *OperationError
	if !errors.As(err, &opError) {
		t.Fatalf("error type: want *OperationError got=%T", err)
	}
	if opError.Code != OperationErrorValidation {
		t.Fatalf("error code: want=%s got=%s", OperationErrorValidation, opError.Code)
	}
}

func TestDeleteByFilterSendsFilterSelector(t *testing.T) {
	var captured map[string]any
	s := newTestStore(t, func(req *http.Request) (*http.Response, error) {
		if got := req.URL.Path; got != "/collections/kuboid_test/points/delete" {
			t.Fatalf("path: want=/collections/kuboid_test/points/delete got=%s", got)
		}
		decodeBody(t, req, &captured)
		return okResponse(t, map[string]any{"status": "completed"}), nil
	})

	if err := s.DeleteByFilter(context.Background(), Filter{DocumentID: "docs_guide_pdf"}); err != nil {
		t.Fatalf("DeleteByFilter: unexpected error: %v", err)
	}
	filter := captured["filter"].(map[string]any)
	must := filter["must"].([]any)
	condition := must[0].(map[string]any)
	if got := condition["key"]; got != "document_id" {
		t.Fatalf("filter key: want=document_id got=%v", got)
	}
}

func TestEnsureCollectionCreatesMissingCollection(t *testing.T) {
	var calls []string
	s := &store{
		log:     newTestLogger(t).With("service", "QdrantStore"),
		cfg:     testConfig(),
		baseURL: "http://qdrant.local:6333",
		http: &http.Client{Transport: roundTripFunc(func(req *http.Request) (*http.Response, error) {
			calls = append(calls, req.Method+" "+req.URL.Path)
			switch {
			case req.Method == http.MethodGet:
				return rawResponse(http.StatusNotFound, `{"status":{"error":"Not found: Collection"},"time":0.001}`), nil
			case strings.HasSuffix(req.URL.Path, "/index"):
				return okResponse(t, map[string]any{"status": "acknowledged"}), nil
			default:
				var body map[string]any
				decodeBody(t, req, &body)
				vectors := body["vectors"].(map[string]any)
				if got := vectors["size"]; got != float64(3) {
					t.Fatalf("vector size: want=3 got=%v", got)
				}
				if got := vectors["distance"]; got != "Cosine" {
					t.Fatalf("distance: want=Cosine got=%v", got)
				}
				return okResponse(t, true), nil
			}
		})},
	}

	if err := s.EnsureCollection(context.Background()); err != nil {
		t.Fatalf("EnsureCollection: unexpected error: %v", err)
	}
	// GET probe, PUT create, then one index PUT per tenant field.
	if len(calls) != 5 {
		t.Fatalf("call count: want=5 got=%d (%v)", len(calls), calls)
	}
	if calls[0] != "GET /collections/kuboid_test" {
		t.Fatalf("first call: want GET probe got=%s", calls[0])
	}
	if calls[1] != "PUT /collections/kuboid_test" {
		t.Fatalf("second call: want PUT create got=%s", calls[1])
	}
}

func TestEnsureCollectionSkipsCreateWhenPresent(t *testing.T) {
	var createCalled bool
	s := &store{
		log:     newTestLogger(t).With("service", "QdrantStore"),
		cfg:     testConfig(),
		baseURL: "http://qdrant.local:6333",
		http: &http.Client{Transport: roundTripFunc(func(req *http.Request) (*http.Response, error) {
			if req.Method == http.MethodGet {
				return okResponse(t, map[string]any{"status": "green"}), nil
			}
			if strings.HasSuffix(req.URL.Path, "/index") {
				return okResponse(t, map[string]any{"status": "acknowledged"}), nil
			}
			createCalled = true
			return okResponse(t, true), nil
		})},
	}

	if err := s.EnsureCollection(context.Background()); err != nil {
		t.Fatalf("EnsureCollection: unexpected error: %v", err)
	}
	if createCalled {
		t.Fatalf("collection create: want skipped for existing collection")
	}
}

func TestEnsureCollectionToleratesIndexFailures(t *testing.T) {
	s := &store{
		log:     newTestLogger(t).With("service", "QdrantStore"),
		cfg:     testConfig(),
		baseURL: "http://qdrant.local:6333",
		http: &http.Client{Transport: roundTripFunc(func(req *http.Request) (*http.Response, error) {
			if strings.HasSuffix(req.URL.Path, "/index") {
				return rawResponse(http.StatusBadRequest, `{"status":{"error":"index exists"},"time":0.001}`), nil
			}
			return okResponse(t, map[string]any{"status": "green"}), nil
		})},
	}

	if err := s.EnsureCollection(context.Background()); err != nil {
		t.Fatalf("EnsureCollection: want index failures tolerated got error: %v", err)
	}
}

func TestDoJSONSurfacesQdrantErrorStatus(t *testing.T) {
	s := newTestStore(t, func(req *http.Request) (*http.Response, error) {
		return rawResponse(http.StatusBadRequest, `{"status":{"error":"Wrong input: vector size"},"time":0.002}`), nil
	})

	_, err := s.Search(context.Background(), []float32{1, 0, 0}, 5, Filter{})
	var opError *OperationError
	if !errors.As(err, &opError) {
		t.Fatalf("error type: want *OperationError got=%T", err)
	}
	if opError.Code != OperationErrorQueryFailed {
		t.Fatalf("error code: want=%s got=%s", OperationErrorQueryFailed, opError.Code)
	}
	if opError.StatusCode != http.StatusBadRequest {
		t.Fatalf("status code: want=400 got=%d", opError.StatusCode)
	}
}

func TestDoJSONClassifiesTimeout(t *testing.T) {
	s := newTestStore(t, func(req *http.Request) (*http.Response, error) {
		return nil, &timeoutError{}
	})

	_, err := s.Search(context.Background(), []float32{1, 0, 0}, 5, Filter{})
	var opError *OperationError
	if !errors.As(err, &opError) {
		t.Fatalf("error type: want *OperationError got=%T", err)
	}
	if opError.Code != OperationErrorTimeout {
		t.Fatalf("error code: want=%s got=%s", OperationErrorTimeout, opError.Code)
	}
}

func TestDoJSONSendsAPIKeyHeader(t *testing.T) {
	var gotKey string
	s := newTestStore(t, func(req *http.Request) (*http.Response, error) {
		gotKey = req.Header.Get("api-key")
		return okResponse(t, map[string]any{"count": 0}), nil
	})
	s.cfg.APIKey = "secret-key"

	if _, err := s.Count(context.Background(), Filter{OwnerID: "owner-1"}); err != nil {
		t.Fatalf("Count: unexpected error: %v", err)
	}
	if gotKey != "secret-key" {
		t.Fatalf("api-key header: want=secret-key got=%q", gotKey)
	}
}

type timeoutError struct{}

func (e *timeoutError) Error() string   { return "request timed out" }
func (e *timeoutError) Timeout() bool   { return true }
func (e *timeoutError) Temporary() bool { return true }
