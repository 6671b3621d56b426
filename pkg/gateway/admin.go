package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/relay-llm/relay/pkg/auth"
	"github.com/relay-llm/relay/pkg/metrics"
)

// scopeUserID returns the metrics filter for the caller: their own user id,
// or 0 (all users) when an admin passes ?all=true.
func scopeUserID(r *http.Request) int64 {
	claims, _ := auth.FromContext(r.Context())
	if claims == nil {
		return 0
	}
	if claims.Admin && r.URL.Query().Get("all") == "true" {
		return 0
	}
	return claims.UserID
}

func intQuery(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func (s *Server) handleListModels(w http.ResponseWriter, r *http.Request) {
	list, err := s.backend.ListModels(r.Context())
	if err != nil {
		writeJSONError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"models": list})
}

func (s *Server) handlePullModel(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" {
		writeJSONError(w, http.StatusBadRequest, "model name is required")
		return
	}
	if err := s.backend.Pull(r.Context(), req.Name); err != nil {
		writeJSONError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "success", "model": req.Name})
}

func (s *Server) handleDeleteModel(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if err := s.backend.Delete(r.Context(), name); err != nil {
		writeJSONError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "success", "model": name})
}

func (s *Server) handleCacheStats(w http.ResponseWriter, r *http.Request) {
	if s.cache == nil {
		writeJSONError(w, http.StatusServiceUnavailable, "cache disabled")
		return
	}
	stats, err := s.cache.Stats(r.Context())
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleCacheEntries(w http.ResponseWriter, r *http.Request) {
	if s.cache == nil {
		writeJSONError(w, http.StatusServiceUnavailable, "cache disabled")
		return
	}
	entries, err := s.cache.Entries(r.Context(), intQuery(r, "limit", 50))
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (s *Server) handleCacheClear(w http.ResponseWriter, r *http.Request) {
	if s.cache == nil {
		writeJSONError(w, http.StatusServiceUnavailable, "cache disabled")
		return
	}
	var req struct {
		Pattern string `json:"pattern"`
	}
	// Body is optional; an empty pattern clears everything.
	_ = json.NewDecoder(r.Body).Decode(&req)

	n, err := s.cache.Invalidate(r.Context(), req.Pattern)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"cleared": n})
}

func (s *Server) handleCacheClearExpired(w http.ResponseWriter, r *http.Request) {
	if s.cache == nil {
		writeJSONError(w, http.StatusServiceUnavailable, "cache disabled")
		return
	}
	n, err := s.cache.ClearExpired(r.Context())
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"cleared": n})
}

func (s *Server) handleRetryStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.retryLog.Stats(r.Context())
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleRetryFailureRate(w http.ResponseWriter, r *http.Request) {
	hours := intQuery(r, "hours", 24)
	rate, err := s.retryLog.FailureRate(r.Context(), hours)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"window_hours": hours, "failure_rate": rate})
}

func (s *Server) handleMetricsDashboard(w http.ResponseWriter, r *http.Request) {
	stats, err := s.recorder.DashboardStats(r.Context(), scopeUserID(r), intQuery(r, "days", 7))
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleMetricsTimeSeries(w http.ResponseWriter, r *http.Request) {
	interval := r.URL.Query().Get("interval")
	if interval == "" {
		interval = "hour"
	}
	buckets, err := s.recorder.TimeSeries(r.Context(), scopeUserID(r), intQuery(r, "days", 7), interval)
	if err != nil {
		if errors.Is(err, metrics.ErrInvalidInterval) {
			writeJSONError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"series": buckets})
}

func (s *Server) handleMetricsEndpoints(w http.ResponseWriter, r *http.Request) {
	stats, err := s.recorder.EndpointStats(r.Context(), scopeUserID(r), intQuery(r, "days", 7))
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"endpoints": stats})
}

func (s *Server) handleMetricsRecent(w http.ResponseWriter, r *http.Request) {
	recent, err := s.recorder.Recent(r.Context(), scopeUserID(r), intQuery(r, "limit", 50))
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"metrics": recent})
}

func (s *Server) handleRateMetric(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid metric id")
		return
	}
	var req struct {
		Rating int `json:"rating"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	switch err := s.recorder.UpdateRating(r.Context(), id, req.Rating); {
	case errors.Is(err, metrics.ErrInvalidRating):
		writeJSONError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, metrics.ErrNotFound):
		writeJSONError(w, http.StatusNotFound, err.Error())
	case err != nil:
		writeJSONError(w, http.StatusInternalServerError, err.Error())
	default:
		writeJSON(w, http.StatusOK, map[string]any{"id": id, "rating": req.Rating})
	}
}

// handleCostPricing serves the configured pricing table. Pricing is
// file-backed config; mutation goes through the config file, not the API.
func (s *Server) handleCostPricing(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"pricing":  s.cfg.Pricing,
		"currency": "USD",
	})
}

func (s *Server) handleCostSummary(w http.ResponseWriter, r *http.Request) {
	period := r.URL.Query().Get("period")
	if period == "" {
		period = "month"
	}
	summary, err := s.costs.Summary(r.Context(), scopeUserID(r), period)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleCostProjection(w http.ResponseWriter, r *http.Request) {
	projection, err := s.costs.Projection(r.Context(), scopeUserID(r), intQuery(r, "days", 7))
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, projection)
}

func (s *Server) handleCostAll(w http.ResponseWriter, r *http.Request) {
	period := r.URL.Query().Get("period")
	if period == "" {
		period = "month"
	}
	summary, err := s.costs.Summary(r.Context(), 0, period)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, summary)
}
