package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/relay-llm/relay/pkg/auth"
	cachepkg "github.com/relay-llm/relay/pkg/cache/sqlite"
	"github.com/relay-llm/relay/pkg/config"
	"github.com/relay-llm/relay/pkg/cost"
	"github.com/relay-llm/relay/pkg/metrics"
	"github.com/relay-llm/relay/pkg/models"
	"github.com/relay-llm/relay/pkg/retry"
)

// Backend is the full Ollama capability surface the gateway exposes.
type Backend interface {
	retry.Backend
	GenerateStream(ctx context.Context, model, prompt, system string, temperature float64, maxTokens *int, fn func(chunk string) error) error
	ChatStream(ctx context.Context, model string, messages []models.ChatMessage, temperature float64, fn func(chunk string) error) error
	Embeddings(ctx context.Context, model, text string) ([]float64, error)
	ListModels(ctx context.Context) ([]models.ModelInfo, error)
	Pull(ctx context.Context, name string) error
	Delete(ctx context.Context, name string) error
	Running(ctx context.Context) bool
}

// Server is the relay HTTP gateway: authenticated generation endpoints with
// caching, retry/fallback, and usage metering, plus the management surface
// for cache, retry, metrics, and cost queries.
type Server struct {
	cfg        *config.Config
	backend    Backend
	cache      *cachepkg.Cache
	controller *retry.Controller
	retryLog   *retry.Log
	recorder   *metrics.Recorder
	costs      *cost.Calculator
	authn      *auth.Authenticator
	log        *slog.Logger
	mux        *http.ServeMux
	version    string
}

// New creates a Server wired with all dependencies. cache may be nil when
// caching is disabled.
func New(cfg *config.Config, backend Backend, cache *cachepkg.Cache, controller *retry.Controller, retryLog *retry.Log, recorder *metrics.Recorder, costs *cost.Calculator, authn *auth.Authenticator, logger *slog.Logger, version string) *Server {
	s := &Server{
		cfg:        cfg,
		backend:    backend,
		cache:      cache,
		controller: controller,
		retryLog:   retryLog,
		recorder:   recorder,
		costs:      costs,
		authn:      authn,
		log:        logger,
		mux:        http.NewServeMux(),
		version:    version,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	authed := s.authn.Middleware
	admin := s.authn.AdminMiddleware

	s.mux.HandleFunc("GET /api/health", s.handleHealth)
	s.mux.HandleFunc("GET /api/version", s.handleVersion)

	s.mux.HandleFunc("POST /api/generate", authed(s.handleGenerate))
	s.mux.HandleFunc("POST /api/generate/stream", authed(s.handleGenerateStream))
	s.mux.HandleFunc("POST /api/chat", authed(s.handleChat))
	s.mux.HandleFunc("POST /api/chat/stream", authed(s.handleChatStream))
	s.mux.HandleFunc("POST /api/embeddings", authed(s.handleEmbeddings))

	s.mux.HandleFunc("GET /api/status", authed(s.handleStatus))
	s.mux.HandleFunc("GET /api/models", authed(s.handleListModels))
	s.mux.HandleFunc("POST /api/models/pull", admin(s.handlePullModel))
	s.mux.HandleFunc("DELETE /api/models/{name}", admin(s.handleDeleteModel))

	s.mux.HandleFunc("GET /api/cache/stats", authed(s.handleCacheStats))
	s.mux.HandleFunc("GET /api/cache/entries", authed(s.handleCacheEntries))
	s.mux.HandleFunc("POST /api/cache/clear", authed(s.handleCacheClear))
	s.mux.HandleFunc("POST /api/cache/clear-expired", authed(s.handleCacheClearExpired))

	s.mux.HandleFunc("GET /api/retry/stats", authed(s.handleRetryStats))
	s.mux.HandleFunc("GET /api/retry/failure-rate", authed(s.handleRetryFailureRate))

	s.mux.HandleFunc("GET /api/metrics/dashboard", authed(s.handleMetricsDashboard))
	s.mux.HandleFunc("GET /api/metrics/timeseries", authed(s.handleMetricsTimeSeries))
	s.mux.HandleFunc("GET /api/metrics/endpoints", authed(s.handleMetricsEndpoints))
	s.mux.HandleFunc("GET /api/metrics/recent", authed(s.handleMetricsRecent))
	s.mux.HandleFunc("POST /api/metrics/{id}/rate", authed(s.handleRateMetric))

	s.mux.HandleFunc("GET /api/costs/pricing", authed(s.handleCostPricing))
	s.mux.HandleFunc("GET /api/costs/summary", authed(s.handleCostSummary))
	s.mux.HandleFunc("GET /api/costs/projection", authed(s.handleCostProjection))
	s.mux.HandleFunc("GET /api/costs/all", admin(s.handleCostAll))
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	s.mux.ServeHTTP(w, r)
	s.log.Debug("request", "method", r.Method, "path", r.URL.Path, "duration", time.Since(start))
}

// ListenAndServe starts the gateway with graceful shutdown support.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:    s.cfg.Listen,
		Handler: s,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("relay gateway listening", "addr", s.cfg.Listen)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"version": s.version})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"running": s.backend.Running(r.Context())})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	fmt.Fprintf(w, `{"error":%q}`+"\n", message)
}
