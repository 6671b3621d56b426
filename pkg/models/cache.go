package models

import "time"

// CacheEntry stores a cached generation response, addressed by fingerprint.
type CacheEntry struct {
	Fingerprint  string     `json:"fingerprint"`
	Model        string     `json:"model"`
	Prompt       string     `json:"prompt"`
	System       string     `json:"system,omitempty"`
	Response     string     `json:"response"`
	Temperature  float64    `json:"temperature"`
	MaxTokens    *int       `json:"max_tokens,omitempty"`
	HitCount     int64      `json:"hit_count"`
	CreatedAt    time.Time  `json:"created_at"`
	LastAccessed time.Time  `json:"last_accessed"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
}

// CacheStats reports aggregate cache state.
type CacheStats struct {
	TotalEntries   int64   `json:"total_entries"`
	TotalHits      int64   `json:"total_hits"`
	AvgHits        float64 `json:"avg_hits"`
	ExpiredEntries int64   `json:"expired_entries"`
}
