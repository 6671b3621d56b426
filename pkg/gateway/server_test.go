package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/relay-llm/relay/pkg/auth"
	cachepkg "github.com/relay-llm/relay/pkg/cache/sqlite"
	"github.com/relay-llm/relay/pkg/config"
	"github.com/relay-llm/relay/pkg/cost"
	"github.com/relay-llm/relay/pkg/metrics"
	"github.com/relay-llm/relay/pkg/models"
	"github.com/relay-llm/relay/pkg/retry"
)

// fakeBackend counts calls and fails on demand.
type fakeBackend struct {
	generateCalls int
	chatCalls     int
	fail          bool
	response      string
}

func (f *fakeBackend) Generate(ctx context.Context, model, prompt, system string, temperature float64, maxTokens *int) (*models.GenerateResponse, error) {
	f.generateCalls++
	if f.fail {
		return nil, errors.New("backend unavailable")
	}
	return &models.GenerateResponse{Model: model, Response: f.response, Done: true}, nil
}

func (f *fakeBackend) Chat(ctx context.Context, model string, messages []models.ChatMessage, temperature float64) (*models.ChatResponse, error) {
	f.chatCalls++
	if f.fail {
		return nil, errors.New("backend unavailable")
	}
	return &models.ChatResponse{Model: model, Message: models.ChatMessage{Role: "assistant", Content: f.response}, Done: true}, nil
}

func (f *fakeBackend) GenerateStream(ctx context.Context, model, prompt, system string, temperature float64, maxTokens *int, fn func(chunk string) error) error {
	if f.fail {
		return errors.New("backend unavailable")
	}
	for _, chunk := range strings.SplitAfter(f.response, " ") {
		if err := fn(chunk); err != nil {
			return err
		}
	}
	return nil
}

func (f *fakeBackend) ChatStream(ctx context.Context, model string, messages []models.ChatMessage, temperature float64, fn func(chunk string) error) error {
	return f.GenerateStream(ctx, model, "", "", temperature, nil, fn)
}

func (f *fakeBackend) Embeddings(ctx context.Context, model, text string) ([]float64, error) {
	if f.fail {
		return nil, errors.New("backend unavailable")
	}
	return []float64{0.1, 0.2}, nil
}

func (f *fakeBackend) ListModels(ctx context.Context) ([]models.ModelInfo, error) {
	return []models.ModelInfo{{Name: "llama2:latest"}}, nil
}

func (f *fakeBackend) Pull(ctx context.Context, name string) error { return nil }

func (f *fakeBackend) Delete(ctx context.Context, name string) error { return nil }

func (f *fakeBackend) Running(ctx context.Context) bool { return !f.fail }

type testServer struct {
	srv      *Server
	backend  *fakeBackend
	cache    *cachepkg.Cache
	recorder *metrics.Recorder
	token    string
	admin    string
}

// newTestServer wires a full gateway over a fake backend. maxRetries is 1 so
// exhaustion tests never hit backoff sleeps.
func newTestServer(t *testing.T) *testServer {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "gateway_test.db")

	cfg := config.Default()
	cfg.DBPath = dbPath
	cfg.Retry.MaxRetries = 1
	cfg.Retry.FallbackModels = []string{"llama2", "mistral"}

	cache, err := cachepkg.New(dbPath, cfg.Cache.DefaultTTL)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = cache.Close() })

	retryLog, err := retry.NewLog(dbPath)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = retryLog.Close() })

	recorder, err := metrics.NewRecorder(dbPath)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = recorder.Close() })

	backend := &fakeBackend{response: "generated text"}
	controller := retry.New(backend, retryLog, cfg.Retry.MaxRetries, cfg.Retry.FallbackModels)
	costs := cost.New(cfg.Pricing, recorder)
	authn := auth.New(cfg.Auth.Secret, cfg.Auth.TokenTTL)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	srv := New(cfg, backend, cache, controller, retryLog, recorder, costs, authn, logger, "test")

	token, err := authn.Issue(1, "tester", false)
	if err != nil {
		t.Fatal(err)
	}
	adminToken, err := authn.Issue(2, "root", true)
	if err != nil {
		t.Fatal(err)
	}

	return &testServer{srv: srv, backend: backend, cache: cache, recorder: recorder, token: token, admin: adminToken}
}

func (ts *testServer) request(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	ts.srv.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return v
}

func TestHealthUnauthenticated(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.request(t, "GET", "/api/health", "", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}

func TestGenerateRequiresAuth(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.request(t, "POST", "/api/generate", "", models.GenerateRequest{Prompt: "hi"})
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", rec.Code)
	}
}

func TestGenerate(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.request(t, "POST", "/api/generate", ts.token, models.GenerateRequest{
		Model: "llama2", Prompt: "tell me a joke",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	reply := decode[generateReply](t, rec)
	if reply.Response != "generated text" {
		t.Errorf("unexpected response: %s", reply.Response)
	}
	if reply.ModelUsed != "llama2" || reply.Cached {
		t.Errorf("unexpected reply: %+v", reply)
	}
	if ts.backend.generateCalls != 1 {
		t.Errorf("expected 1 backend call, got %d", ts.backend.generateCalls)
	}

	stats, err := ts.recorder.DashboardStats(context.Background(), 1, 7)
	if err != nil {
		t.Fatal(err)
	}
	if stats.TotalRequests != 1 || stats.CacheHits != 0 {
		t.Errorf("unexpected metrics: %+v", stats)
	}
}

func TestGenerateCacheHitSkipsBackend(t *testing.T) {
	ts := newTestServer(t)
	body := models.GenerateRequest{Model: "llama2", Prompt: "tell me a joke"}

	// First call populates the cache.
	rec := ts.request(t, "POST", "/api/generate", ts.token, body)
	if rec.Code != http.StatusOK {
		t.Fatalf("first call: expected 200, got %d", rec.Code)
	}

	rec = ts.request(t, "POST", "/api/generate", ts.token, body)
	if rec.Code != http.StatusOK {
		t.Fatalf("second call: expected 200, got %d", rec.Code)
	}
	reply := decode[generateReply](t, rec)
	if !reply.Cached {
		t.Error("expected cached reply")
	}
	if reply.Response != "generated text" {
		t.Errorf("unexpected cached response: %s", reply.Response)
	}
	if ts.backend.generateCalls != 1 {
		t.Errorf("cache hit should not call the backend, got %d calls", ts.backend.generateCalls)
	}

	stats, _ := ts.recorder.DashboardStats(context.Background(), 1, 7)
	if stats.TotalRequests != 2 || stats.CacheHits != 1 {
		t.Errorf("expected 2 requests with 1 cache hit, got %+v", stats)
	}
}

func TestGenerateCacheDisabledPerRequest(t *testing.T) {
	ts := newTestServer(t)
	useCache := false
	body := models.GenerateRequest{Model: "llama2", Prompt: "joke", UseCache: &useCache}

	ts.request(t, "POST", "/api/generate", ts.token, body)
	ts.request(t, "POST", "/api/generate", ts.token, body)

	if ts.backend.generateCalls != 2 {
		t.Errorf("expected 2 backend calls with cache bypassed, got %d", ts.backend.generateCalls)
	}
}

func TestGenerateExhausted(t *testing.T) {
	ts := newTestServer(t)
	ts.backend.fail = true

	rec := ts.request(t, "POST", "/api/generate", ts.token, models.GenerateRequest{
		Model: "llama2", Prompt: "joke",
	})
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d: %s", rec.Code, rec.Body.String())
	}
	// One attempt per candidate: llama2, mistral.
	if ts.backend.generateCalls != 2 {
		t.Errorf("expected 2 attempts, got %d", ts.backend.generateCalls)
	}

	stats, _ := ts.recorder.DashboardStats(context.Background(), 1, 7)
	if stats.TotalRequests != 1 || stats.Errors != 1 {
		t.Errorf("expected 1 failed request recorded, got %+v", stats)
	}
}

func TestGenerateDefaultModelEmptyFallbacks(t *testing.T) {
	ts := newTestServer(t)
	ts.srv.cfg.Retry.FallbackModels = nil

	rec := ts.request(t, "POST", "/api/generate", ts.token, models.GenerateRequest{Prompt: "joke"})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	reply := decode[generateReply](t, rec)
	if reply.ModelUsed != "llama2" {
		t.Errorf("expected llama2 default, got %s", reply.ModelUsed)
	}
}

func TestGenerateValidation(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.request(t, "POST", "/api/generate", ts.token, models.GenerateRequest{Model: "llama2"})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for missing prompt, got %d", rec.Code)
	}
}

func TestChat(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.request(t, "POST", "/api/chat", ts.token, models.ChatRequest{
		Model:    "llama2",
		Messages: []models.ChatMessage{{Role: "user", Content: "hi there"}},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	reply := decode[chatReply](t, rec)
	if reply.Message.Content != "generated text" {
		t.Errorf("unexpected message: %+v", reply.Message)
	}
	if ts.backend.chatCalls != 1 {
		t.Errorf("expected 1 chat call, got %d", ts.backend.chatCalls)
	}
}

func TestChatRequiresMessages(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.request(t, "POST", "/api/chat", ts.token, models.ChatRequest{Model: "llama2"})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for empty messages, got %d", rec.Code)
	}
}

func TestGenerateStream(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.request(t, "POST", "/api/generate/stream", ts.token, models.GenerateRequest{
		Model: "llama2", Prompt: "joke",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("expected SSE content type, got %s", ct)
	}
	body := rec.Body.String()
	if !strings.Contains(body, `"chunk"`) || !strings.Contains(body, `"done":true`) {
		t.Errorf("unexpected stream body: %s", body)
	}
}

func TestEmbeddings(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.request(t, "POST", "/api/embeddings", ts.token, models.EmbeddingsRequest{
		Model: "llama2", Text: "hello world",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	out := decode[map[string]any](t, rec)
	if out["dimensions"] != float64(2) {
		t.Errorf("unexpected dimensions: %v", out["dimensions"])
	}
}

func TestRateMetric(t *testing.T) {
	ts := newTestServer(t)

	ts.request(t, "POST", "/api/generate", ts.token, models.GenerateRequest{Model: "llama2", Prompt: "joke"})

	// First recorded metric gets id 1 in a fresh database.
	rec := ts.request(t, "POST", "/api/metrics/1/rate", ts.token, map[string]int{"rating": 1})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = ts.request(t, "POST", "/api/metrics/1/rate", ts.token, map[string]int{"rating": 5})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for invalid rating, got %d", rec.Code)
	}

	rec = ts.request(t, "POST", "/api/metrics/999/rate", ts.token, map[string]int{"rating": 1})
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 for unknown metric, got %d", rec.Code)
	}
}

func TestMetricsDashboardEndpoint(t *testing.T) {
	ts := newTestServer(t)

	ts.request(t, "POST", "/api/generate", ts.token, models.GenerateRequest{Model: "llama2", Prompt: "one"})
	ts.request(t, "POST", "/api/chat", ts.token, models.ChatRequest{
		Messages: []models.ChatMessage{{Role: "user", Content: "two"}},
	})

	rec := ts.request(t, "GET", "/api/metrics/dashboard", ts.token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	stats := decode[models.DashboardStats](t, rec)
	if stats.TotalRequests != 2 {
		t.Errorf("expected 2 requests, got %d", stats.TotalRequests)
	}

	rec = ts.request(t, "GET", "/api/metrics/timeseries?interval=bogus", ts.token, nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for bad interval, got %d", rec.Code)
	}

	rec = ts.request(t, "GET", "/api/metrics/recent", ts.token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	recent := decode[map[string][]models.UsageMetric](t, rec)
	if len(recent["metrics"]) != 2 {
		t.Errorf("expected 2 recent rows, got %d", len(recent["metrics"]))
	}
}

func TestCacheEndpoints(t *testing.T) {
	ts := newTestServer(t)

	ts.request(t, "POST", "/api/generate", ts.token, models.GenerateRequest{Model: "llama2", Prompt: "joke"})

	rec := ts.request(t, "GET", "/api/cache/stats", ts.token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	stats := decode[models.CacheStats](t, rec)
	if stats.TotalEntries != 1 {
		t.Errorf("expected 1 cache entry, got %d", stats.TotalEntries)
	}

	rec = ts.request(t, "GET", "/api/cache/entries", ts.token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	entries := decode[map[string][]models.CacheEntry](t, rec)
	if len(entries["entries"]) != 1 {
		t.Errorf("expected 1 listed entry, got %d", len(entries["entries"]))
	}

	rec = ts.request(t, "POST", "/api/cache/clear", ts.token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	cleared := decode[map[string]int64](t, rec)
	if cleared["cleared"] != 1 {
		t.Errorf("expected 1 cleared, got %d", cleared["cleared"])
	}
}

func TestAdminOnlyEndpoints(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.request(t, "POST", "/api/models/pull", ts.token, map[string]string{"name": "llama2"})
	if rec.Code != http.StatusForbidden {
		t.Errorf("expected 403 for non-admin pull, got %d", rec.Code)
	}

	rec = ts.request(t, "POST", "/api/models/pull", ts.admin, map[string]string{"name": "llama2"})
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200 for admin pull, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = ts.request(t, "DELETE", "/api/models/llama2", ts.admin, nil)
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200 for admin delete, got %d", rec.Code)
	}

	rec = ts.request(t, "GET", "/api/costs/all", ts.token, nil)
	if rec.Code != http.StatusForbidden {
		t.Errorf("expected 403 for non-admin costs/all, got %d", rec.Code)
	}
}

func TestCostEndpoints(t *testing.T) {
	ts := newTestServer(t)

	ts.request(t, "POST", "/api/generate", ts.token, models.GenerateRequest{Model: "llama2", Prompt: "a few words here"})

	rec := ts.request(t, "GET", "/api/costs/summary", ts.token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	summary := decode[models.CostSummary](t, rec)
	if summary.Period != "month" || len(summary.Breakdown) != 1 {
		t.Errorf("unexpected summary: %+v", summary)
	}

	rec = ts.request(t, "GET", "/api/costs/projection", ts.token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	projection := decode[models.CostProjection](t, rec)
	if projection.BasisDays != 7 {
		t.Errorf("unexpected projection: %+v", projection)
	}
}

func TestCostPricingEndpoint(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.request(t, "GET", "/api/costs/pricing", "", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 without token, got %d", rec.Code)
	}

	rec = ts.request(t, "GET", "/api/costs/pricing", ts.token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	out := decode[struct {
		Pricing  []config.ModelPrice `json:"pricing"`
		Currency string              `json:"currency"`
	}](t, rec)
	if len(out.Pricing) != len(config.Default().Pricing) {
		t.Errorf("expected full pricing table, got %d entries", len(out.Pricing))
	}
	if out.Pricing[0].Model == "" || out.Pricing[0].OutputPer1K == 0 {
		t.Errorf("unexpected pricing entry: %+v", out.Pricing[0])
	}
	if out.Currency != "USD" {
		t.Errorf("unexpected currency %s", out.Currency)
	}
}

func TestRetryStatsEndpoint(t *testing.T) {
	ts := newTestServer(t)
	ts.backend.fail = true
	ts.request(t, "POST", "/api/generate", ts.token, models.GenerateRequest{Model: "llama2", Prompt: "joke"})

	rec := ts.request(t, "GET", "/api/retry/stats", ts.token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	stats := decode[models.RetryStats](t, rec)
	if stats.FailedAttempts != 2 {
		t.Errorf("expected 2 failed attempts, got %d", stats.FailedAttempts)
	}

	rec = ts.request(t, "GET", "/api/retry/failure-rate?hours=1", ts.token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	out := decode[map[string]any](t, rec)
	if out["failure_rate"] != float64(1) {
		t.Errorf("expected failure rate 1, got %v", out["failure_rate"])
	}
}
