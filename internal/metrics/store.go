package metrics

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

// ═══════════════════════════════════════════════════════════════════════════════
// TYPES
// ═══════════════════════════════════════════════════════════════════════════════

// RequestRecord is one finished request.
type RequestRecord struct {
	ID        int64     `json:"id"`
	RequestID string    `json:"request_id"`
	Provider  string    `json:"provider"`
	Model     string    `json:"model"`
	Reason    string    `json:"reason"`
	Failover  bool      `json:"failover"`
	Streaming bool      `json:"streaming"`
	Success   bool      `json:"success"`
	ErrorKind string    `json:"error_kind,omitempty"`
	LatencyMs int64     `json:"latency_ms"`
	Chunks    int       `json:"chunks"`
	CreatedAt time.Time `json:"created_at"`
}

// ProviderStats aggregates requests per provider.
type ProviderStats struct {
	Provider     string  `json:"provider"`
	RequestCount int64   `json:"request_count"`
	SuccessRate  float64 `json:"success_rate"`
	AvgLatencyMs float64 `json:"avg_latency_ms"`
	Failovers    int64   `json:"failovers"`
}

// ═══════════════════════════════════════════════════════════════════════════════
// STORE
// ═══════════════════════════════════════════════════════════════════════════════

// Store keeps request diagnostics in SQLite.
type Store struct {
	db *sql.DB
}

// OpenStore opens (creating if needed) the database at path. ":memory:"
// opens a private in-memory database.
func OpenStore(path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create metrics directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open metrics database: %w", err)
	}
	// One connection keeps ":memory:" a single database and serializes writes.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("initialize pragmas: %w", err)
		}
	}

	s, err := NewStore(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewStore uses an existing connection.
func NewStore(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize metrics schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS request_outcomes (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		request_id TEXT NOT NULL,
		provider TEXT NOT NULL,
		model TEXT NOT NULL,
		reason TEXT NOT NULL,
		failover BOOLEAN NOT NULL DEFAULT 0,
		streaming BOOLEAN NOT NULL DEFAULT 0,
		success BOOLEAN NOT NULL,
		error_kind TEXT,
		latency_ms INTEGER NOT NULL,
		chunks INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_outcomes_created_at ON request_outcomes(created_at);
	CREATE INDEX IF NOT EXISTS idx_outcomes_provider ON request_outcomes(provider);
	`
	_, err := s.db.Exec(schema)
	return err
}

// RecordRequest stores one finished request.
func (s *Store) RecordRequest(ctx context.Context, r RequestRecord) error {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO request_outcomes
			(request_id, provider, model, reason, failover, streaming, success, error_kind, latency_ms, chunks, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, r.RequestID, r.Provider, r.Model, r.Reason, r.Failover, r.Streaming, r.Success,
		nullString(r.ErrorKind), r.LatencyMs, r.Chunks, r.CreatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to record request: %w", err)
	}
	return nil
}

// Recent returns the newest limit records, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]RequestRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, request_id, provider, model, reason, failover, streaming, success,
		       error_kind, latency_ms, chunks, created_at
		FROM request_outcomes
		ORDER BY created_at DESC, id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RequestRecord
	for rows.Next() {
		var r RequestRecord
		var errorKind sql.NullString
		var created int64
		if err := rows.Scan(&r.ID, &r.RequestID, &r.Provider, &r.Model, &r.Reason,
			&r.Failover, &r.Streaming, &r.Success, &errorKind, &r.LatencyMs, &r.Chunks, &created); err != nil {
			return nil, err
		}
		r.ErrorKind = errorKind.String
		r.CreatedAt = time.UnixMilli(created)
		out = append(out, r)
	}
	return out, rows.Err()
}

// ProviderStats aggregates requests recorded since the given time.
func (s *Store) ProviderStats(ctx context.Context, since time.Time) ([]ProviderStats, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT provider,
		       COUNT(*) AS request_count,
		       SUM(CASE WHEN success THEN 1 ELSE 0 END) * 100.0 / COUNT(*) AS success_rate,
		       AVG(latency_ms) AS avg_latency,
		       SUM(CASE WHEN failover THEN 1 ELSE 0 END) AS failovers
		FROM request_outcomes
		WHERE created_at >= ?
		GROUP BY provider
		ORDER BY request_count DESC
	`, since.UnixMilli())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var stats []ProviderStats
	for rows.Next() {
		var ps ProviderStats
		if err := rows.Scan(&ps.Provider, &ps.RequestCount, &ps.SuccessRate, &ps.AvgLatencyMs, &ps.Failovers); err != nil {
			return nil, err
		}
		stats = append(stats, ps)
	}
	return stats, rows.Err()
}

// Prune deletes records older than before and returns how many went.
func (s *Store) Prune(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM request_outcomes WHERE created_at < ?`, before.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("prune request outcomes: %w", err)
	}
	return res.RowsAffected()
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func nullString(v string) sql.NullString {
	return sql.NullString{String: v, Valid: v != ""}
}
