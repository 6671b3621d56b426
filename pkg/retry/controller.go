package retry

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/relay-llm/relay/pkg/models"
)

// Backend is the generation capability the controller drives. Every failure
// it returns is treated as retryable.
type Backend interface {
	Generate(ctx context.Context, model, prompt, system string, temperature float64, maxTokens *int) (*models.GenerateResponse, error)
	Chat(ctx context.Context, model string, messages []models.ChatMessage, temperature float64) (*models.ChatResponse, error)
}

// Controller retries generation across a ranked candidate-model list with
// exponential backoff, logging every attempt to the retry log.
type Controller struct {
	backend    Backend
	log        *Log
	maxRetries int
	fallbacks  []string
	sleep      func(time.Duration)
}

// New creates a Controller. maxRetries is the per-model attempt budget;
// fallbacks are tried in order after the requested model.
func New(backend Backend, log *Log, maxRetries int, fallbacks []string) *Controller {
	if maxRetries < 1 {
		maxRetries = 1
	}
	return &Controller{
		backend:    backend,
		log:        log,
		maxRetries: maxRetries,
		fallbacks:  fallbacks,
		sleep:      time.Sleep,
	}
}

// GenerateResult is a successful generation annotated with how it was won.
type GenerateResult struct {
	Response     *models.GenerateResponse `json:"response"`
	ModelUsed    string                   `json:"model_used"`
	Attempts     int                      `json:"attempts"`
	FallbackUsed bool                     `json:"fallback_used"`
	RequestID    string                   `json:"request_id"`
}

// ChatResult is a successful chat completion annotated with how it was won.
type ChatResult struct {
	Response     *models.ChatResponse `json:"response"`
	ModelUsed    string               `json:"model_used"`
	Attempts     int                  `json:"attempts"`
	FallbackUsed bool                 `json:"fallback_used"`
	RequestID    string               `json:"request_id"`
}

// ExhaustedError reports that every candidate model failed every attempt.
type ExhaustedError struct {
	RequestID string
	Attempts  []models.AttemptError
}

func (e *ExhaustedError) Error() string {
	parts := make([]string, len(e.Attempts))
	for i, a := range e.Attempts {
		parts[i] = fmt.Sprintf("%s attempt %d: %s", a.Model, a.Attempt, a.Error)
	}
	return "all retry attempts failed: " + strings.Join(parts, "; ")
}

// candidates builds the ordered model list: the requested model first, then
// each configured fallback that differs from it, preserving fallback order.
func (c *Controller) candidates(model string) []string {
	out := []string{model}
	for _, m := range c.fallbacks {
		if m != model {
			out = append(out, m)
		}
	}
	return out
}

// backoff returns the delay before retrying the same model after a failed
// attempt: 1s, 2s, 4s, ...
func backoff(attempt int) time.Duration {
	return time.Duration(1<<(attempt-1)) * time.Second
}

// Generate calls the backend with retry and fallback. On success the result
// carries the winning model, its attempt number, and the shared request ID.
func (c *Controller) Generate(ctx context.Context, model, prompt, system string, temperature float64, maxTokens *int) (*GenerateResult, error) {
	requestID := ulid.Make().String()
	var errs []models.AttemptError

	for _, candidate := range c.candidates(model) {
		for attempt := 1; attempt <= c.maxRetries; attempt++ {
			start := time.Now()
			resp, err := c.backend.Generate(ctx, candidate, prompt, system, temperature, maxTokens)
			durationMs := time.Since(start).Milliseconds()

			if err == nil {
				if logErr := c.log.record(ctx, requestID, candidate, attempt, true, "", durationMs); logErr != nil {
					return nil, logErr
				}
				return &GenerateResult{
					Response:     resp,
					ModelUsed:    candidate,
					Attempts:     attempt,
					FallbackUsed: candidate != model,
					RequestID:    requestID,
				}, nil
			}

			errs = append(errs, models.AttemptError{Model: candidate, Attempt: attempt, Error: err.Error()})
			if logErr := c.log.record(ctx, requestID, candidate, attempt, false, err.Error(), durationMs); logErr != nil {
				return nil, logErr
			}

			if attempt < c.maxRetries {
				c.sleep(backoff(attempt))
			}
		}
	}

	return nil, &ExhaustedError{RequestID: requestID, Attempts: errs}
}

// Chat is the chat-history variant of Generate with the same control
// structure: outer loop over candidates, inner loop over attempts.
func (c *Controller) Chat(ctx context.Context, model string, messages []models.ChatMessage, temperature float64) (*ChatResult, error) {
	requestID := ulid.Make().String()
	var errs []models.AttemptError

	for _, candidate := range c.candidates(model) {
		for attempt := 1; attempt <= c.maxRetries; attempt++ {
			start := time.Now()
			resp, err := c.backend.Chat(ctx, candidate, messages, temperature)
			durationMs := time.Since(start).Milliseconds()

			if err == nil {
				if logErr := c.log.record(ctx, requestID, candidate, attempt, true, "", durationMs); logErr != nil {
					return nil, logErr
				}
				return &ChatResult{
					Response:     resp,
					ModelUsed:    candidate,
					Attempts:     attempt,
					FallbackUsed: candidate != model,
					RequestID:    requestID,
				}, nil
			}

			errs = append(errs, models.AttemptError{Model: candidate, Attempt: attempt, Error: err.Error()})
			if logErr := c.log.record(ctx, requestID, candidate, attempt, false, err.Error(), durationMs); logErr != nil {
				return nil, logErr
			}

			if attempt < c.maxRetries {
				c.sleep(backoff(attempt))
			}
		}
	}

	return nil, &ExhaustedError{RequestID: requestID, Attempts: errs}
}
