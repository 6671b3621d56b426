package models

import "time"

// UsageMetric is one recorded top-level request, success or failure.
//
// Token counts are whitespace-delimited word counts of the prompt and
// response text, not real tokenizer output.
type UsageMetric struct {
	ID              int64     `json:"id"`
	UserID          int64     `json:"user_id"`
	Model           string    `json:"model"`
	Endpoint        string    `json:"endpoint"`
	PromptTokens    int       `json:"prompt_tokens"`
	ResponseTokens  int       `json:"response_tokens"`
	TotalTokens     int       `json:"total_tokens"`
	DurationMs      int64     `json:"duration_ms"`
	TokensPerSecond float64   `json:"tokens_per_second"`
	Cached          bool      `json:"cached"`
	Error           bool      `json:"error"`
	ErrorMessage    string    `json:"error_message,omitempty"`
	UserRating      *int      `json:"user_rating,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

// ModelStats is the per-model breakdown inside DashboardStats.
type ModelStats struct {
	Model       string  `json:"model"`
	Requests    int64   `json:"requests"`
	AvgDuration float64 `json:"avg_duration"`
	AvgTPS      float64 `json:"avg_tps"`
	TotalTokens int64   `json:"total_tokens"`
	Errors      int64   `json:"errors"`
}

// RatingsSummary summarizes user ratings inside DashboardStats.
type RatingsSummary struct {
	Positive         int64   `json:"positive"`
	Negative         int64   `json:"negative"`
	TotalRated       int64   `json:"total_rated"`
	SatisfactionRate float64 `json:"satisfaction_rate"`
}

// DashboardStats aggregates usage metrics over a window.
type DashboardStats struct {
	TotalRequests   int64          `json:"total_requests"`
	Errors          int64          `json:"errors"`
	ErrorRate       float64        `json:"error_rate"`
	CacheHits       int64          `json:"cache_hits"`
	CacheHitRate    float64        `json:"cache_hit_rate"`
	AvgDuration     float64        `json:"avg_duration"`
	AvgTokensPerSec float64        `json:"avg_tokens_per_sec"`
	TotalTokens     int64          `json:"total_tokens"`
	ByModel         []ModelStats   `json:"by_model"`
	Ratings         RatingsSummary `json:"ratings"`
}

// TimeBucket is one chronological bucket of the metrics time series.
type TimeBucket struct {
	Bucket      string  `json:"time_bucket"`
	Requests    int64   `json:"requests"`
	AvgDuration float64 `json:"avg_duration"`
	TotalTokens int64   `json:"total_tokens"`
	Errors      int64   `json:"errors"`
}

// EndpointStats aggregates metrics for one logical endpoint.
type EndpointStats struct {
	Endpoint    string  `json:"endpoint"`
	Requests    int64   `json:"requests"`
	AvgDuration float64 `json:"avg_duration"`
	Errors      int64   `json:"errors"`
}
