package openai

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

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

func newTestClient(t *testing.T, rt roundTripFunc) *client {
	t.Helper()
	return &client{
		log:        newTestLogger(t).With("service", "OpenAIClient"),
		baseURL:    "https://api.openai.test",
		apiKey:     "sk-test",
		model:      "gpt-4o-mini",
		embedModel: "text-embedding-3-small",
		httpClient: &http.Client{Transport: rt},
		maxRetries: 2,
	}
}

func jsonResponse(status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Body:       io.NopCloser(strings.NewReader(body)),
		Header:     http.Header{"Content-Type": []string{"application/json"}},
	}
}

func TestEmbedMatchesInputsByIndex(t *testing.T) {
	c := newTestClient(t, func(req *http.Request) (*http.Response, error) {
		if got := req.URL.Path; got != "/v1/embeddings" {
			t.Fatalf("path: want=/v1/embeddings got=%s", got)
		}
		if got := req.Header.Get("Authorization"); got != "Bearer sk-test" {
			t.Fatalf("authorization: want bearer key got=%q", got)
		}
		var body map[string]any
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			t.Fatalf("decode request: unexpected error: %v", err)
		}
		if got := body["model"]; got != "text-embedding-3-small" {
			t.Fatalf("model: want=text-embedding-3-small got=%v", got)
		}
		// Out-of-order data entries must land at their declared index.
		return jsonResponse(http.StatusOK, `{
			"data": [
				{"embedding": [0.4, 0.5], "index": 1},
				{"embedding": [0.1, 0.2], "index": 0}
			]
		}`), nil
	})

	vectors, err := c.Embed(context.Background(), []string{"first", "second"})
	if err != nil {
		t.Fatalf("Embed: unexpected error: %v", err)
	}
	if len(vectors) != 2 {
		t.Fatalf("vectors: want=2 got=%d", len(vectors))
	}
	if vectors[0][0] != float32(0.1) {
		t.Fatalf("vector order: want index-matched got=%v", vectors[0])
	}
	if vectors[1][0] != float32(0.4) {
		t.Fatalf("vector order: want index-matched got=%v", vectors[1])
	}
}

func TestEmbedRejectsMissingIndex(t *testing.T) {
	c := newTestClient(t, func(req *http.Request) (*http.Response, error) {
		return jsonResponse(http.StatusOK, `{"data": [{"embedding": [0.1], "index": 0}]}`), nil
	})

	_, err := c.Embed(context.Background(), []string{"a", "b"})
	if err == nil {
		t.Fatalf("Embed: want error for missing embedding index")
	}
	if !strings.Contains(err.Error(), "missing embedding for index 1") {
		t.Fatalf("error: want missing-index message got=%v", err)
	}
}

func TestEmbedEmptyInputSkipsRequest(t *testing.T) {
	c := newTestClient(t, func(req *http.Request) (*http.Response, error) {
		t.Fatalf("no request expected for empty input")
		return nil, nil
	})

	vectors, err := c.Embed(context.Background(), nil)
	if err != nil {
		t.Fatalf("Embed: unexpected error: %v", err)
	}
	if len(vectors) != 0 {
		t.Fatalf("vectors: want=0 got=%d", len(vectors))
	}
}

func TestEmbedQueryReturnsSingleVector(t *testing.T) {
	c := newTestClient(t, func(req *http.Request) (*http.Response, error) {
		return jsonResponse(http.StatusOK, `{"data": [{"embedding": [1, 0, 0], "index": 0}]}`), nil
	})

	vec, err := c.EmbedQuery(context.Background(), "where is the pricing page")
	if err != nil {
		t.Fatalf("EmbedQuery: unexpected error: %v", err)
	}
	if len(vec) != 3 {
		t.Fatalf("vector length: want=3 got=%d", len(vec))
	}
}

func TestCompleteReturnsChoiceContent(t *testing.T) {
	var captured map[string]any
	c := newTestClient(t, func(req *http.Request) (*http.Response, error) {
		if got := req.URL.Path; got != "/v1/chat/completions" {
			t.Fatalf("path: want=/v1/chat/completions got=%s", got)
		}
		if err := json.NewDecoder(req.Body).Decode(&captured); err != nil {
			t.Fatalf("decode request: unexpected error: %v", err)
		}
		return jsonResponse(http.StatusOK, `{
			"choices": [{"message": {"content": "The pricing page lists three tiers."}, "finish_reason": "stop"}]
		}`), nil
	})

	answer, err := c.Complete(context.Background(), "you answer from context", "what are the tiers?", 0.3)
	if err != nil {
		t.Fatalf("Complete: unexpected error: %v", err)
	}
	if answer != "The pricing page lists three tiers." {
		t.Fatalf("answer: got=%q", answer)
	}
	if got := captured["temperature"]; got != 0.3 {
		t.Fatalf("temperature: want=0.3 got=%v", got)
	}
	messages := captured["messages"].([]any)
	if len(messages) != 2 {
		t.Fatalf("messages: want=2 got=%d", len(messages))
	}
	if got := messages[0].(map[string]any)["role"]; got != "system" {
		t.Fatalf("first message role: want=system got=%v", got)
	}
}

func TestCompleteJSONDecodesObject(t *testing.T) {
	var captured map[string]any
	c := newTestClient(t, func(req *http.Request) (*http.Response, error) {
		if err := json.NewDecoder(req.Body).Decode(&captured); err != nil {
			t.Fatalf("decode request: unexpected error: %v", err)
		}
		return jsonResponse(http.StatusOK, `{
			"choices": [{"message": {"content": "{\"clusters\": []}"}, "finish_reason": "stop"}]
		}`), nil
	})

	obj, err := c.CompleteJSON(context.Background(), "cluster these", "q1\nq2")
	if err != nil {
		t.Fatalf("CompleteJSON: unexpected error: %v", err)
	}
	if _, ok := obj["clusters"]; !ok {
		t.Fatalf("object: want clusters key got=%v", obj)
	}
	format := captured["response_format"].(map[string]any)
	if got := format["type"]; got != "json_object" {
		t.Fatalf("response_format: want=json_object got=%v", got)
	}
}

func TestCompleteJSONUnwrapsCodeFence(t *testing.T) {
	c := newTestClient(t, func(req *http.Request) (*http.Response, error) {
		content := "```json\n{\"clusters\": [{\"canonical_question\": \"reset password\"}]}\n```"
		body, _ := json.Marshal(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]any{"content": content}, "finish_reason": "stop"},
			},
		})
		return jsonResponse(http.StatusOK, string(body)), nil
	})

	obj, err := c.CompleteJSON(context.Background(), "cluster these", "q1")
	if err != nil {
		t.Fatalf("CompleteJSON: unexpected error: %v", err)
	}
	clusters := obj["clusters"].([]any)
	if len(clusters) != 1 {
		t.Fatalf("clusters: want=1 got=%d", len(clusters))
	}
}

func TestDoRetriesOn429ThenSucceeds(t *testing.T) {
	var attempts int
	c := newTestClient(t, func(req *http.Request) (*http.Response, error) {
		attempts++
		if attempts == 1 {
			resp := jsonResponse(http.StatusTooManyRequests, `{"error": {"message": "rate limited"}}`)
			resp.Header.Set("Retry-After", "0")
			return resp, nil
		}
		return jsonResponse(http.StatusOK, `{"data": [{"embedding": [0.1], "index": 0}]}`), nil
	})
	c.httpClient.Timeout = 5 * time.Second

	if _, err := c.Embed(context.Background(), []string{"a"}); err != nil {
		t.Fatalf("Embed: unexpected error after retry: %v", err)
	}
	if attempts != 2 {
		t.Fatalf("attempts: want=2 got=%d", attempts)
	}
}

func TestDoDoesNotRetryOn400(t *testing.T) {
	var attempts int
	c := newTestClient(t, func(req *http.Request) (*http.Response, error) {
		attempts++
		return jsonResponse(http.StatusBadRequest, `{"error": {"message": "bad input"}}`), nil
	})

	_, err := c.Embed(context.Background(), []string{"a"})
	var hErr *httpError
	if !errors.As(err, &hErr) {
		t.Fatalf("error type: want *httpError got=%T", err)
	}
	if hErr.StatusCode != http.StatusBadRequest {
		t.Fatalf("status: want=400 got=%d", hErr.StatusCode)
	}
	if attempts != 1 {
		t.Fatalf("attempts: want=1 got=%d", attempts)
	}
}

func TestDoStopsWhenContextCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	c := newTestClient(t, func(req *http.Request) (*http.Response, error) {
		t.Fatalf("no request expected for canceled context")
		return nil, nil
	})

	_, err := c.Embed(ctx, []string{"a"})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("error: want context.Canceled got=%v", err)
	}
}

func TestIsRetryableHTTP(t *testing.T) {
	cases := []struct {
		code int
		want bool
	}{
		{408, true},
		{429, true},
		{500, true},
		{503, true},
		{400, false},
		{401, false},
		{404, false},
	}
	for _, tc := range cases {
		if got := isRetryableHTTP(tc.code); got != tc.want {
			t.Fatalf("isRetryableHTTP(%d): want=%v got=%v", tc.code, tc.want, got)
		}
	}
}
