package sqlite

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/relay-llm/relay/pkg/models"
)

// Cache is a content-addressed response cache backed by SQLite. Entries are
// keyed by a fingerprint of the full generation parameter tuple, so a change
// in model, system prompt, temperature, or token limit never serves a stale
// response for the same prompt.
type Cache struct {
	db         *sql.DB
	defaultTTL time.Duration
}

const createCacheTable = `
CREATE TABLE IF NOT EXISTS cache_entries (
	fingerprint TEXT PRIMARY KEY,
	model TEXT NOT NULL,
	prompt TEXT NOT NULL,
	system_prompt TEXT NOT NULL DEFAULT '',
	response TEXT NOT NULL,
	temperature REAL NOT NULL,
	max_tokens INTEGER,
	hit_count INTEGER NOT NULL DEFAULT 0,
	created_at DATETIME NOT NULL,
	last_accessed DATETIME NOT NULL,
	expires_at DATETIME
);
CREATE INDEX IF NOT EXISTS idx_cache_expires ON cache_entries(expires_at);
`

// New creates a Cache at the given database path with a default TTL applied
// to entries stored without an explicit one.
func New(dbPath string, defaultTTL time.Duration) (*Cache, error) {
	db, err := sql.Open("sqlite", "file:"+dbPath+"?_time_format=sqlite")
	if err != nil {
		return nil, fmt.Errorf("open cache db: %w", err)
	}

	if _, err := db.Exec(createCacheTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate cache db: %w", err)
	}

	return &Cache{db: db, defaultTTL: defaultTTL}, nil
}

// fingerprintTuple is serialized with fields in a fixed order so equal
// inputs always hash identically.
type fingerprintTuple struct {
	MaxTokens   *int    `json:"max_tokens"`
	Model       string  `json:"model"`
	Prompt      string  `json:"prompt"`
	System      string  `json:"system"`
	Temperature float64 `json:"temperature"`
}

// Fingerprint derives the cache key for a generation parameter tuple. The
// prompt is trimmed and the temperature rounded to 2 decimals before hashing
// so floating-point noise does not fragment the cache.
func Fingerprint(model, prompt, system string, temperature float64, maxTokens *int) string {
	tuple := fingerprintTuple{
		MaxTokens:   maxTokens,
		Model:       model,
		Prompt:      strings.TrimSpace(prompt),
		System:      system,
		Temperature: math.Round(temperature*100) / 100,
	}
	data, _ := json.Marshal(tuple)
	return fmt.Sprintf("%x", sha256.Sum256(data))
}

// Get returns the cached response for a fingerprint if a live entry exists.
// A hit increments the entry's hit count and refreshes its last-accessed
// time. Expired or missing entries report a miss without mutating state;
// storage failures are returned as errors, not misses.
func (c *Cache) Get(ctx context.Context, fingerprint string) (string, bool, error) {
	now := time.Now().UTC()

	var response string
	err := c.db.QueryRowContext(ctx,
		`SELECT response FROM cache_entries
		 WHERE fingerprint = ? AND (expires_at IS NULL OR expires_at > ?)`,
		fingerprint, now,
	).Scan(&response)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("cache get: %w", err)
	}

	_, _ = c.db.ExecContext(ctx,
		`UPDATE cache_entries SET hit_count = hit_count + 1, last_accessed = ? WHERE fingerprint = ?`,
		now, fingerprint,
	)
	return response, true, nil
}

// Set upserts a cache entry. A non-positive ttl falls back to the cache's
// default. Writing an existing fingerprint replaces the prior entry,
// resetting its hit bookkeeping.
func (c *Cache) Set(ctx context.Context, fingerprint, model, prompt, response, system string, temperature float64, maxTokens *int, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = c.defaultTTL
	}
	now := time.Now().UTC()
	expiresAt := now.Add(ttl)
	return c.put(ctx, fingerprint, model, prompt, response, system, temperature, maxTokens, now, &expiresAt)
}

// SetPermanent stores an entry that never expires.
func (c *Cache) SetPermanent(ctx context.Context, fingerprint, model, prompt, response, system string, temperature float64, maxTokens *int) error {
	return c.put(ctx, fingerprint, model, prompt, response, system, temperature, maxTokens, time.Now().UTC(), nil)
}

func (c *Cache) put(ctx context.Context, fingerprint, model, prompt, response, system string, temperature float64, maxTokens *int, now time.Time, expiresAt *time.Time) error {
	_, err := c.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO cache_entries
		 (fingerprint, model, prompt, system_prompt, response, temperature, max_tokens, hit_count, created_at, last_accessed, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?, ?, ?)`,
		fingerprint, model, prompt, system, response, temperature, maxTokens, now, now, expiresAt,
	)
	if err != nil {
		return fmt.Errorf("cache set: %w", err)
	}
	return nil
}

// ClearExpired deletes entries whose expiry is in the past and returns how
// many were removed. Permanent entries are never swept.
func (c *Cache) ClearExpired(ctx context.Context) (int64, error) {
	res, err := c.db.ExecContext(ctx,
		`DELETE FROM cache_entries WHERE expires_at IS NOT NULL AND expires_at < ?`,
		time.Now().UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("clear expired: %w", err)
	}
	return res.RowsAffected()
}

// Invalidate deletes entries whose prompt contains the given substring, or
// every entry when the pattern is empty. Returns the number removed.
func (c *Cache) Invalidate(ctx context.Context, pattern string) (int64, error) {
	var (
		res sql.Result
		err error
	)
	if pattern != "" {
		res, err = c.db.ExecContext(ctx,
			`DELETE FROM cache_entries WHERE prompt LIKE ?`, "%"+pattern+"%")
	} else {
		res, err = c.db.ExecContext(ctx, `DELETE FROM cache_entries`)
	}
	if err != nil {
		return 0, fmt.Errorf("cache invalidate: %w", err)
	}
	return res.RowsAffected()
}

// Entries lists cache entries ordered by most recently accessed.
func (c *Cache) Entries(ctx context.Context, limit int) ([]models.CacheEntry, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}

	rows, err := c.db.QueryContext(ctx,
		`SELECT fingerprint, model, prompt, system_prompt, response, temperature, max_tokens,
			hit_count, created_at, last_accessed, expires_at
		 FROM cache_entries ORDER BY last_accessed DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list cache entries: %w", err)
	}
	defer rows.Close()

	var out []models.CacheEntry
	for rows.Next() {
		var (
			e         models.CacheEntry
			maxTokens sql.NullInt64
			expiresAt sql.NullTime
		)
		if err := rows.Scan(&e.Fingerprint, &e.Model, &e.Prompt, &e.System, &e.Response,
			&e.Temperature, &maxTokens, &e.HitCount, &e.CreatedAt, &e.LastAccessed, &expiresAt); err != nil {
			return nil, fmt.Errorf("scan cache entry: %w", err)
		}
		if maxTokens.Valid {
			v := int(maxTokens.Int64)
			e.MaxTokens = &v
		}
		if expiresAt.Valid {
			t := expiresAt.Time
			e.ExpiresAt = &t
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Stats returns aggregate cache state without side effects. ExpiredEntries
// counts entries past their expiry that have not been swept yet.
func (c *Cache) Stats(ctx context.Context) (models.CacheStats, error) {
	var s models.CacheStats
	err := c.db.QueryRowContext(ctx,
		`SELECT
			COUNT(*),
			COALESCE(SUM(hit_count), 0),
			COALESCE(AVG(hit_count), 0),
			COUNT(CASE WHEN expires_at IS NOT NULL AND expires_at < ? THEN 1 END)
		 FROM cache_entries`,
		time.Now().UTC(),
	).Scan(&s.TotalEntries, &s.TotalHits, &s.AvgHits, &s.ExpiredEntries)
	if err != nil {
		return models.CacheStats{}, fmt.Errorf("cache stats: %w", err)
	}
	return s, nil
}

// Close releases the database connection.
func (c *Cache) Close() error {
	return c.db.Close()
}
