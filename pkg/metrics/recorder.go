package metrics

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/relay-llm/relay/pkg/models"
)

// ErrInvalidRating is returned for ratings outside {-1, 0, 1}.
var ErrInvalidRating = errors.New("rating must be -1, 0, or 1")

// ErrInvalidInterval is returned for time-series intervals other than
// hour, day, or week.
var ErrInvalidInterval = errors.New("interval must be hour, day, or week")

// ErrNotFound is returned when a metric id does not exist.
var ErrNotFound = errors.New("metric not found")

// Recorder persists one usage row per completed top-level request and serves
// the aggregate dashboard, time-series, and per-endpoint queries.
//
// Token counts are approximated as whitespace-delimited word counts, not
// real tokenizer output. All timestamps are UTC.
type Recorder struct {
	db *sql.DB
}

const createMetricsTable = `
CREATE TABLE IF NOT EXISTS llm_metrics (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	user_id INTEGER NOT NULL,
	model TEXT NOT NULL,
	endpoint TEXT NOT NULL,
	prompt_tokens INTEGER NOT NULL,
	response_tokens INTEGER NOT NULL,
	total_tokens INTEGER NOT NULL,
	duration_ms INTEGER NOT NULL,
	tokens_per_second REAL NOT NULL,
	cached INTEGER NOT NULL DEFAULT 0,
	error INTEGER NOT NULL DEFAULT 0,
	error_message TEXT,
	user_rating INTEGER,
	created_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_metrics_user_time ON llm_metrics(user_id, created_at);
CREATE INDEX IF NOT EXISTS idx_metrics_created ON llm_metrics(created_at);
`

// NewRecorder opens the metrics database and creates the schema. The
// _time_format option pins stored timestamps to a layout SQLite's date
// functions can parse, which the time-series bucketing depends on.
func NewRecorder(dbPath string) (*Recorder, error) {
	db, err := sql.Open("sqlite", "file:"+dbPath+"?_time_format=sqlite")
	if err != nil {
		return nil, fmt.Errorf("open metrics db: %w", err)
	}

	if _, err := db.Exec(createMetricsTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate metrics db: %w", err)
	}

	return &Recorder{db: db}, nil
}

// countTokens approximates token usage as a whitespace-delimited word count.
func countTokens(text string) int {
	return len(strings.Fields(text))
}

// Record persists one usage row and returns its identifier. errMsg marks the
// request as failed; cached marks it as served from the response cache.
func (r *Recorder) Record(ctx context.Context, userID int64, model, endpoint, prompt, response string, duration time.Duration, errMsg string, cached bool) (int64, error) {
	promptTokens := countTokens(prompt)
	responseTokens := countTokens(response)
	totalTokens := promptTokens + responseTokens

	var tps float64
	if duration > 0 {
		tps = float64(totalTokens) / duration.Seconds()
	}

	var errVal sql.NullString
	if errMsg != "" {
		errVal = sql.NullString{String: errMsg, Valid: true}
	}

	res, err := r.db.ExecContext(ctx,
		`INSERT INTO llm_metrics
		 (user_id, model, endpoint, prompt_tokens, response_tokens, total_tokens,
		  duration_ms, tokens_per_second, cached, error, error_message, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		userID, model, endpoint, promptTokens, responseTokens, totalTokens,
		duration.Milliseconds(), tps, cached, errMsg != "", errVal, time.Now().UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("record metric: %w", err)
	}
	return res.LastInsertId()
}

// UpdateRating sets the user rating of one metric row to -1, 0, or 1.
func (r *Recorder) UpdateRating(ctx context.Context, metricID int64, rating int) error {
	if rating < -1 || rating > 1 {
		return ErrInvalidRating
	}

	res, err := r.db.ExecContext(ctx,
		`UPDATE llm_metrics SET user_rating = ? WHERE id = ?`, rating, metricID)
	if err != nil {
		return fmt.Errorf("update rating: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update rating: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// userFilter appends the optional user clause; userID 0 means all users.
func userFilter(q string, args []any, userID int64) (string, []any) {
	if userID != 0 {
		q += " AND user_id = ?"
		args = append(args, userID)
	}
	return q, args
}

// DashboardStats aggregates metrics over the last windowDays days, optionally
// filtered to one user. All rates and averages are 0 when no rows match.
func (r *Recorder) DashboardStats(ctx context.Context, userID int64, windowDays int) (models.DashboardStats, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -windowDays)
	var stats models.DashboardStats

	q := `SELECT
		COUNT(*),
		COALESCE(SUM(CASE WHEN error = 1 THEN 1 ELSE 0 END), 0),
		COALESCE(AVG(duration_ms), 0),
		COALESCE(AVG(tokens_per_second), 0),
		COALESCE(SUM(CASE WHEN cached = 1 THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(total_tokens), 0)
	 FROM llm_metrics WHERE created_at >= ?`
	args := []any{cutoff}
	q, args = userFilter(q, args, userID)

	err := r.db.QueryRowContext(ctx, q, args...).Scan(
		&stats.TotalRequests, &stats.Errors, &stats.AvgDuration,
		&stats.AvgTokensPerSec, &stats.CacheHits, &stats.TotalTokens,
	)
	if err != nil {
		return models.DashboardStats{}, fmt.Errorf("dashboard stats: %w", err)
	}

	if stats.TotalRequests > 0 {
		stats.ErrorRate = float64(stats.Errors) / float64(stats.TotalRequests)
		stats.CacheHitRate = float64(stats.CacheHits) / float64(stats.TotalRequests)
	}

	q = `SELECT model, COUNT(*), COALESCE(AVG(duration_ms), 0), COALESCE(AVG(tokens_per_second), 0),
		COALESCE(SUM(total_tokens), 0), COALESCE(SUM(CASE WHEN error = 1 THEN 1 ELSE 0 END), 0)
	 FROM llm_metrics WHERE created_at >= ?`
	args = []any{cutoff}
	q, args = userFilter(q, args, userID)
	q += ` GROUP BY model ORDER BY COUNT(*) DESC`

	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return models.DashboardStats{}, fmt.Errorf("per-model stats: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var m models.ModelStats
		if err := rows.Scan(&m.Model, &m.Requests, &m.AvgDuration, &m.AvgTPS, &m.TotalTokens, &m.Errors); err != nil {
			return models.DashboardStats{}, fmt.Errorf("scan model stats: %w", err)
		}
		stats.ByModel = append(stats.ByModel, m)
	}
	if err := rows.Err(); err != nil {
		return models.DashboardStats{}, err
	}

	q = `SELECT
		COALESCE(SUM(CASE WHEN user_rating = 1 THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN user_rating = -1 THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN user_rating IS NOT NULL THEN 1 ELSE 0 END), 0)
	 FROM llm_metrics WHERE created_at >= ?`
	args = []any{cutoff}
	q, args = userFilter(q, args, userID)

	err = r.db.QueryRowContext(ctx, q, args...).Scan(
		&stats.Ratings.Positive, &stats.Ratings.Negative, &stats.Ratings.TotalRated)
	if err != nil {
		return models.DashboardStats{}, fmt.Errorf("ratings summary: %w", err)
	}
	if stats.Ratings.TotalRated > 0 {
		stats.Ratings.SatisfactionRate = float64(stats.Ratings.Positive) / float64(stats.Ratings.TotalRated)
	}

	return stats, nil
}

// bucketFormats maps time-series intervals to sqlite strftime formats.
var bucketFormats = map[string]string{
	"hour": "%Y-%m-%d %H:00:00",
	"day":  "%Y-%m-%d",
	"week": "%Y-W%W",
}

// TimeSeries groups metrics into chronological buckets of the requested
// granularity.
func (r *Recorder) TimeSeries(ctx context.Context, userID int64, windowDays int, interval string) ([]models.TimeBucket, error) {
	format, ok := bucketFormats[interval]
	if !ok {
		return nil, ErrInvalidInterval
	}

	cutoff := time.Now().UTC().AddDate(0, 0, -windowDays)
	q := `SELECT strftime(?, created_at), COUNT(*), COALESCE(AVG(duration_ms), 0),
		COALESCE(SUM(total_tokens), 0), COALESCE(SUM(CASE WHEN error = 1 THEN 1 ELSE 0 END), 0)
	 FROM llm_metrics WHERE created_at >= ?`
	args := []any{format, cutoff}
	q, args = userFilter(q, args, userID)
	q += ` GROUP BY strftime(?, created_at) ORDER BY strftime(?, created_at)`
	args = append(args, format, format)

	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("time series: %w", err)
	}
	defer rows.Close()

	var buckets []models.TimeBucket
	for rows.Next() {
		var b models.TimeBucket
		if err := rows.Scan(&b.Bucket, &b.Requests, &b.AvgDuration, &b.TotalTokens, &b.Errors); err != nil {
			return nil, fmt.Errorf("scan bucket: %w", err)
		}
		buckets = append(buckets, b)
	}
	return buckets, rows.Err()
}

// EndpointStats aggregates metrics per logical endpoint, most requested
// first.
func (r *Recorder) EndpointStats(ctx context.Context, userID int64, windowDays int) ([]models.EndpointStats, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -windowDays)
	q := `SELECT endpoint, COUNT(*), COALESCE(AVG(duration_ms), 0),
		COALESCE(SUM(CASE WHEN error = 1 THEN 1 ELSE 0 END), 0)
	 FROM llm_metrics WHERE created_at >= ?`
	args := []any{cutoff}
	q, args = userFilter(q, args, userID)
	q += ` GROUP BY endpoint ORDER BY COUNT(*) DESC`

	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("endpoint stats: %w", err)
	}
	defer rows.Close()

	var out []models.EndpointStats
	for rows.Next() {
		var e models.EndpointStats
		if err := rows.Scan(&e.Endpoint, &e.Requests, &e.AvgDuration, &e.Errors); err != nil {
			return nil, fmt.Errorf("scan endpoint stats: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Recent returns the newest metric rows, most recent first. userID 0 means
// all users.
func (r *Recorder) Recent(ctx context.Context, userID int64, limit int) ([]models.UsageMetric, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}

	q := `SELECT id, user_id, model, endpoint, prompt_tokens, response_tokens, total_tokens,
		duration_ms, tokens_per_second, cached, error, COALESCE(error_message, ''), user_rating, created_at
	 FROM llm_metrics`
	var args []any
	if userID != 0 {
		q += ` WHERE user_id = ?`
		args = append(args, userID)
	}
	q += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("recent metrics: %w", err)
	}
	defer rows.Close()

	var out []models.UsageMetric
	for rows.Next() {
		var m models.UsageMetric
		var rating sql.NullInt64
		if err := rows.Scan(&m.ID, &m.UserID, &m.Model, &m.Endpoint, &m.PromptTokens, &m.ResponseTokens,
			&m.TotalTokens, &m.DurationMs, &m.TokensPerSecond, &m.Cached, &m.Error, &m.ErrorMessage,
			&rating, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan metric: %w", err)
		}
		if rating.Valid {
			v := int(rating.Int64)
			m.UserRating = &v
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// TokensByModel sums prompt and response tokens per model for one user over
// a window. Used by the cost calculator.
func (r *Recorder) TokensByModel(ctx context.Context, userID int64, windowDays int) ([]models.ModelTokens, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -windowDays)
	q := `SELECT model, COUNT(*), COALESCE(SUM(prompt_tokens), 0), COALESCE(SUM(response_tokens), 0)
	 FROM llm_metrics WHERE created_at >= ?`
	args := []any{cutoff}
	q, args = userFilter(q, args, userID)
	q += ` GROUP BY model`

	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("tokens by model: %w", err)
	}
	defer rows.Close()

	var out []models.ModelTokens
	for rows.Next() {
		var m models.ModelTokens
		if err := rows.Scan(&m.Model, &m.RequestCount, &m.PromptTokens, &m.ResponseTokens); err != nil {
			return nil, fmt.Errorf("scan model tokens: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// Close releases the database connection.
func (r *Recorder) Close() error {
	return r.db.Close()
}
