package models

import "time"

// AttemptRecord is one row of the append-only retry audit log.
type AttemptRecord struct {
	ID         int64     `json:"id"`
	RequestID  string    `json:"request_id"`
	Model      string    `json:"model"`
	Attempt    int       `json:"attempt"`
	Success    bool      `json:"success"`
	Error      string    `json:"error,omitempty"`
	DurationMs int64     `json:"duration_ms"`
	CreatedAt  time.Time `json:"created_at"`
}

// AttemptError describes one failed attempt inside an exhaustion error.
type AttemptError struct {
	Model   string `json:"model"`
	Attempt int    `json:"attempt"`
	Error   string `json:"error"`
}

// RetryStats aggregates the retry log over a recent window.
type RetryStats struct {
	TotalRequests      int64   `json:"total_requests"`
	SuccessfulAttempts int64   `json:"successful_attempts"`
	FailedAttempts     int64   `json:"failed_attempts"`
	AvgDurationMs      float64 `json:"avg_duration_ms"`
	RetryCount         int64   `json:"retry_count"`
}
