package retry

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/relay-llm/relay/pkg/models"
)

// Log is the append-only attempt audit log, one row per backend call.
type Log struct {
	db *sql.DB
}

const createRetryTable = `
CREATE TABLE IF NOT EXISTS retry_logs (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	request_id TEXT NOT NULL,
	model TEXT NOT NULL,
	attempt INTEGER NOT NULL,
	success INTEGER NOT NULL,
	error TEXT,
	duration_ms INTEGER NOT NULL,
	created_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_retry_request ON retry_logs(request_id);
CREATE INDEX IF NOT EXISTS idx_retry_created ON retry_logs(created_at);
`

// NewLog opens the retry log database and creates the schema.
func NewLog(dbPath string) (*Log, error) {
	db, err := sql.Open("sqlite", "file:"+dbPath+"?_time_format=sqlite")
	if err != nil {
		return nil, fmt.Errorf("open retry log db: %w", err)
	}

	if _, err := db.Exec(createRetryTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate retry log db: %w", err)
	}

	return &Log{db: db}, nil
}

// record appends one attempt row. Written synchronously before the
// controller moves to the next attempt or returns.
func (l *Log) record(ctx context.Context, requestID, model string, attempt int, success bool, errMsg string, durationMs int64) error {
	var errVal sql.NullString
	if errMsg != "" {
		errVal = sql.NullString{String: errMsg, Valid: true}
	}
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO retry_logs (request_id, model, attempt, success, error, duration_ms, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		requestID, model, attempt, success, errVal, durationMs, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("record attempt: %w", err)
	}
	return nil
}

// Attempts returns the attempt rows for one request in insertion order.
func (l *Log) Attempts(ctx context.Context, requestID string) ([]models.AttemptRecord, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT id, request_id, model, attempt, success, COALESCE(error, ''), duration_ms, created_at
		 FROM retry_logs WHERE request_id = ? ORDER BY id ASC`,
		requestID,
	)
	if err != nil {
		return nil, fmt.Errorf("query attempts: %w", err)
	}
	defer rows.Close()

	var records []models.AttemptRecord
	for rows.Next() {
		var r models.AttemptRecord
		if err := rows.Scan(&r.ID, &r.RequestID, &r.Model, &r.Attempt, &r.Success, &r.Error, &r.DurationMs, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan attempt: %w", err)
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// FailureRate returns the fraction of attempts that failed within the last
// windowHours hours, or 0 when no attempts exist in the window.
func (l *Log) FailureRate(ctx context.Context, windowHours int) (float64, error) {
	cutoff := time.Now().UTC().Add(-time.Duration(windowHours) * time.Hour)

	var total, failures int64
	err := l.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(CASE WHEN success = 0 THEN 1 ELSE 0 END), 0)
		 FROM retry_logs WHERE created_at >= ?`,
		cutoff,
	).Scan(&total, &failures)
	if err != nil {
		return 0, fmt.Errorf("failure rate: %w", err)
	}
	if total == 0 {
		return 0, nil
	}
	return float64(failures) / float64(total), nil
}

// Stats aggregates the retry log over the last 24 hours. RetryCount counts
// attempts beyond the first for their model.
func (l *Log) Stats(ctx context.Context) (models.RetryStats, error) {
	cutoff := time.Now().UTC().Add(-24 * time.Hour)

	var s models.RetryStats
	err := l.db.QueryRowContext(ctx,
		`SELECT
			COUNT(DISTINCT request_id),
			COALESCE(SUM(CASE WHEN success = 1 THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN success = 0 THEN 1 ELSE 0 END), 0),
			COALESCE(AVG(duration_ms), 0),
			COUNT(CASE WHEN attempt > 1 THEN 1 END)
		 FROM retry_logs WHERE created_at >= ?`,
		cutoff,
	).Scan(&s.TotalRequests, &s.SuccessfulAttempts, &s.FailedAttempts, &s.AvgDurationMs, &s.RetryCount)
	if err != nil {
		return models.RetryStats{}, fmt.Errorf("retry stats: %w", err)
	}
	return s, nil
}

// Close releases the database connection.
func (l *Log) Close() error {
	return l.db.Close()
}
