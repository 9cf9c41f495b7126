// Package audit records admitted requests in PostgreSQL.
//
// The table is created by goose migrations embedded in the binary. Writes go
// through the pool's retrying executor, so a dropped connection costs a retry
// rather than a lost row.
package audit

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"time"

	"gatekeeper/internal/concurrency"
	"gatekeeper/internal/pool"
	"gatekeeper/internal/ratelimit"

	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrations embed.FS

const (
	insertEntry = `INSERT INTO admitted_requests
    (request_id, endpoint, identifier, method, status, duration_ms)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (request_id) DO NOTHING`

	selectRecent = `SELECT request_id, endpoint, identifier, method, status, duration_ms, created_at
FROM admitted_requests
ORDER BY created_at DESC
LIMIT $1`

	// MaxRecent caps the number of rows Recent returns.
	MaxRecent = 500
)

// Entry is one admitted request.
type Entry struct {
	RequestID  string
	Endpoint   string
	Identifier string
	Method     string
	Status     int
	Duration   time.Duration
}

// Migrate applies the embedded schema migrations to db.
func Migrate(ctx context.Context, db *sql.DB, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}

	fsys, err := fs.Sub(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("failed to open embedded migrations: %w", err)
	}

	provider, err := goose.NewProvider(goose.DialectPostgres, db, fsys)
	if err != nil {
		return fmt.Errorf("failed to create migration provider: %w", err)
	}

	results, err := provider.Up(ctx)
	if err != nil {
		return fmt.Errorf("failed to apply audit migrations: %w", err)
	}
	for _, r := range results {
		logger.Info("Applied audit migration",
			"version", r.Source.Version,
			"duration", r.Duration.String(),
		)
	}
	return nil
}

// Recorder writes and reads audit entries.
type Recorder struct {
	db         pool.Querier
	maxRetries int
	logger     *slog.Logger
}

// NewRecorder returns a recorder using db with up to maxRetries attempts per
// write.
func NewRecorder(db pool.Querier, maxRetries int, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{db: db, maxRetries: maxRetries, logger: logger}
}

// Record stores e. A request id that is already stored is ignored.
func (rec *Recorder) Record(ctx context.Context, e Entry) error {
	_, err := rec.db.ExecuteWithRetry(ctx, insertEntry, rec.maxRetries,
		e.RequestID,
		e.Endpoint,
		e.Identifier,
		e.Method,
		e.Status,
		e.Duration.Milliseconds(),
	)
	if err != nil {
		return fmt.Errorf("failed to record request %s: %w", e.RequestID, err)
	}
	return nil
}

// Recent returns up to limit entries, newest first. limit is clamped to
// [1, MaxRecent].
func (rec *Recorder) Recent(ctx context.Context, limit int) ([]map[string]any, error) {
	if limit < 1 {
		limit = 1
	}
	if limit > MaxRecent {
		limit = MaxRecent
	}
	rows, err := rec.db.FetchWithRetry(ctx, selectRecent, rec.maxRetries, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to read recent requests: %w", err)
	}
	if rows == nil {
		rows = []map[string]any{}
	}
	return rows, nil
}

// statusRecorder captures the status code written by a handler.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// Middleware records every request that reaches next. It must run inside the
// concurrency middleware so a request id is available. Failures to record are
// logged and do not change the response.
func (rec *Recorder) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sr := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(sr, r)

		requestID := concurrency.RequestIDFromContext(r.Context())
		if requestID == "" {
			return
		}
		entry := Entry{
			RequestID:  requestID,
			Endpoint:   r.URL.Path,
			Identifier: ratelimit.RequestIdentifier(r),
			Method:     r.Method,
			Status:     sr.status,
			Duration:   time.Since(start),
		}
		if err := rec.Record(context.WithoutCancel(r.Context()), entry); err != nil {
			rec.logger.Warn("Failed to record admitted request",
				"request_id", requestID,
				"endpoint", entry.Endpoint,
				"error", err,
			)
		}
	})
}
