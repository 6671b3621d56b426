package gateway

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/relay-llm/relay/pkg/auth"
	cachepkg "github.com/relay-llm/relay/pkg/cache/sqlite"
	"github.com/relay-llm/relay/pkg/models"
)

const defaultTemperature = 0.7

// generateReply is the gateway's generation response envelope.
type generateReply struct {
	Response     string `json:"response"`
	Model        string `json:"model"`
	ModelUsed    string `json:"model_used,omitempty"`
	Attempts     int    `json:"attempts,omitempty"`
	FallbackUsed bool   `json:"fallback_used"`
	RequestID    string `json:"request_id,omitempty"`
	Cached       bool   `json:"cached"`
	CacheKey     string `json:"cache_key,omitempty"`
}

// chatReply is the gateway's chat response envelope.
type chatReply struct {
	Message      models.ChatMessage `json:"message"`
	Model        string             `json:"model"`
	ModelUsed    string             `json:"model_used,omitempty"`
	Attempts     int                `json:"attempts,omitempty"`
	FallbackUsed bool               `json:"fallback_used"`
	RequestID    string             `json:"request_id,omitempty"`
}

// defaultModel is used when a request names no model. The fallback list's
// head is the natural choice; llama2 covers a config with an empty list.
func (s *Server) defaultModel() string {
	if len(s.cfg.Retry.FallbackModels) > 0 {
		return s.cfg.Retry.FallbackModels[0]
	}
	return "llama2"
}

func boolOr(v *bool, def bool) bool {
	if v == nil {
		return def
	}
	return *v
}

func floatOr(v *float64, def float64) float64 {
	if v == nil {
		return def
	}
	return *v
}

func callerID(r *http.Request) int64 {
	claims, _ := auth.FromContext(r.Context())
	if claims == nil {
		return 0
	}
	return claims.UserID
}

// handleGenerate runs the orchestrated generation path: fingerprint, cache
// lookup, retry/fallback on miss, cache write, metrics record. Metrics
// failures are surfaced rather than swallowed.
func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	var req models.GenerateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Prompt == "" {
		writeJSONError(w, http.StatusBadRequest, "prompt is required")
		return
	}
	if req.Model == "" {
		req.Model = s.defaultModel()
	}

	temperature := floatOr(req.Temperature, defaultTemperature)
	useCache := boolOr(req.UseCache, true) && s.cache != nil && s.cfg.Cache.Enabled
	useRetry := boolOr(req.UseRetry, true)
	userID := callerID(r)
	start := time.Now()

	var fingerprint string
	if useCache {
		fingerprint = cachepkg.Fingerprint(req.Model, req.Prompt, req.System, temperature, req.MaxTokens)
		cached, ok, err := s.cache.Get(r.Context(), fingerprint)
		if err != nil {
			// A broken cache degrades to a miss; generation still proceeds.
			s.log.Error("cache get", "error", err)
		}
		if ok {
			if _, err := s.recorder.Record(r.Context(), userID, req.Model, "/api/generate", req.Prompt, cached, time.Since(start), "", true); err != nil {
				s.log.Error("record metrics", "error", err)
				writeJSONError(w, http.StatusInternalServerError, "failed to record metrics")
				return
			}
			writeJSON(w, http.StatusOK, generateReply{
				Response: cached,
				Model:    req.Model,
				Cached:   true,
				CacheKey: fingerprint,
			})
			return
		}
	}

	reply := generateReply{Model: req.Model, CacheKey: fingerprint}
	var (
		responseText string
		genErr       error
	)
	if useRetry {
		result, err := s.controller.Generate(r.Context(), req.Model, req.Prompt, req.System, temperature, req.MaxTokens)
		if err != nil {
			genErr = err
		} else {
			responseText = result.Response.Response
			reply.ModelUsed = result.ModelUsed
			reply.Attempts = result.Attempts
			reply.FallbackUsed = result.FallbackUsed
			reply.RequestID = result.RequestID
		}
	} else {
		resp, err := s.backend.Generate(r.Context(), req.Model, req.Prompt, req.System, temperature, req.MaxTokens)
		if err != nil {
			genErr = err
		} else {
			responseText = resp.Response
			reply.ModelUsed = req.Model
			reply.Attempts = 1
		}
	}

	if genErr != nil {
		s.log.Warn("generation failed", "model", req.Model, "error", genErr)
		if _, err := s.recorder.Record(r.Context(), userID, req.Model, "/api/generate", req.Prompt, "", time.Since(start), genErr.Error(), false); err != nil {
			s.log.Error("record metrics", "error", err)
			writeJSONError(w, http.StatusInternalServerError, "failed to record metrics")
			return
		}
		writeJSONError(w, http.StatusBadGateway, genErr.Error())
		return
	}

	if useCache {
		if err := s.cache.Set(r.Context(), fingerprint, req.Model, req.Prompt, responseText, req.System, temperature, req.MaxTokens, 0); err != nil {
			s.log.Error("cache set", "error", err)
		}
	}

	if _, err := s.recorder.Record(r.Context(), userID, req.Model, "/api/generate", req.Prompt, responseText, time.Since(start), "", false); err != nil {
		s.log.Error("record metrics", "error", err)
		writeJSONError(w, http.StatusInternalServerError, "failed to record metrics")
		return
	}

	reply.Response = responseText
	writeJSON(w, http.StatusOK, reply)
}

// handleChat runs chat completions through the retry controller. Chat
// responses are not cached: the cache key space covers single prompts, not
// message histories.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req models.ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Messages) == 0 {
		writeJSONError(w, http.StatusBadRequest, "messages array is required")
		return
	}
	if req.Model == "" {
		req.Model = s.defaultModel()
	}

	temperature := floatOr(req.Temperature, defaultTemperature)
	useRetry := boolOr(req.UseRetry, true)
	userID := callerID(r)
	lastMessage := req.Messages[len(req.Messages)-1].Content
	start := time.Now()

	reply := chatReply{Model: req.Model}
	var (
		responseText string
		chatErr      error
	)
	if useRetry {
		result, err := s.controller.Chat(r.Context(), req.Model, req.Messages, temperature)
		if err != nil {
			chatErr = err
		} else {
			responseText = result.Response.Message.Content
			reply.Message = result.Response.Message
			reply.ModelUsed = result.ModelUsed
			reply.Attempts = result.Attempts
			reply.FallbackUsed = result.FallbackUsed
			reply.RequestID = result.RequestID
		}
	} else {
		resp, err := s.backend.Chat(r.Context(), req.Model, req.Messages, temperature)
		if err != nil {
			chatErr = err
		} else {
			responseText = resp.Message.Content
			reply.Message = resp.Message
			reply.ModelUsed = req.Model
			reply.Attempts = 1
		}
	}

	if chatErr != nil {
		s.log.Warn("chat failed", "model", req.Model, "error", chatErr)
		if _, err := s.recorder.Record(r.Context(), userID, req.Model, "/api/chat", lastMessage, "", time.Since(start), chatErr.Error(), false); err != nil {
			s.log.Error("record metrics", "error", err)
			writeJSONError(w, http.StatusInternalServerError, "failed to record metrics")
			return
		}
		writeJSONError(w, http.StatusBadGateway, chatErr.Error())
		return
	}

	if _, err := s.recorder.Record(r.Context(), userID, req.Model, "/api/chat", lastMessage, responseText, time.Since(start), "", false); err != nil {
		s.log.Error("record metrics", "error", err)
		writeJSONError(w, http.StatusInternalServerError, "failed to record metrics")
		return
	}

	writeJSON(w, http.StatusOK, reply)
}

// sseWriter emits server-sent event frames, flushing after each.
type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

func newSSEWriter(w http.ResponseWriter) (*sseWriter, bool) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, false
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Accel-Buffering", "no")
	return &sseWriter{w: w, flusher: flusher}, true
}

func (s *sseWriter) event(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	fmt.Fprintf(s.w, "data: %s\n\n", data)
	s.flusher.Flush()
}

func (s *Server) handleGenerateStream(w http.ResponseWriter, r *http.Request) {
	var req models.GenerateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Prompt == "" {
		writeJSONError(w, http.StatusBadRequest, "prompt is required")
		return
	}
	if req.Model == "" {
		req.Model = s.defaultModel()
	}

	sse, ok := newSSEWriter(w)
	if !ok {
		writeJSONError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	temperature := floatOr(req.Temperature, defaultTemperature)
	err := s.backend.GenerateStream(r.Context(), req.Model, req.Prompt, req.System, temperature, req.MaxTokens, func(chunk string) error {
		sse.event(map[string]string{"chunk": chunk})
		return nil
	})
	if err != nil {
		sse.event(map[string]string{"error": err.Error()})
		return
	}
	sse.event(map[string]bool{"done": true})
}

func (s *Server) handleChatStream(w http.ResponseWriter, r *http.Request) {
	var req models.ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Messages) == 0 {
		writeJSONError(w, http.StatusBadRequest, "messages array is required")
		return
	}
	if req.Model == "" {
		req.Model = s.defaultModel()
	}

	sse, ok := newSSEWriter(w)
	if !ok {
		writeJSONError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	temperature := floatOr(req.Temperature, defaultTemperature)
	err := s.backend.ChatStream(r.Context(), req.Model, req.Messages, temperature, func(chunk string) error {
		sse.event(map[string]string{"chunk": chunk})
		return nil
	})
	if err != nil {
		sse.event(map[string]string{"error": err.Error()})
		return
	}
	sse.event(map[string]bool{"done": true})
}

func (s *Server) handleEmbeddings(w http.ResponseWriter, r *http.Request) {
	var req models.EmbeddingsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Text == "" {
		writeJSONError(w, http.StatusBadRequest, "text is required")
		return
	}
	if req.Model == "" {
		req.Model = s.defaultModel()
	}

	userID := callerID(r)
	start := time.Now()

	embedding, err := s.backend.Embeddings(r.Context(), req.Model, req.Text)
	errMsg := ""
	if err != nil {
		errMsg = err.Error()
	}
	if _, recErr := s.recorder.Record(r.Context(), userID, req.Model, "/api/embeddings", req.Text, "", time.Since(start), errMsg, false); recErr != nil {
		s.log.Error("record metrics", "error", recErr)
		writeJSONError(w, http.StatusInternalServerError, "failed to record metrics")
		return
	}
	if err != nil {
		writeJSONError(w, http.StatusBadGateway, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"embeddings": embedding,
		"dimensions": len(embedding),
	})
}
