package store

import (
	"context"
	"database/sql"
	"fmt"
	"sync/atomic"
	"time"

	log "github.com/cihub/seelog"
	_ "github.com/mattn/go-sqlite3"

	"github.com/opsintel/ops-agent/model"
)

// SQLiteStore is the optional file-backed Store, implementing §6's
// persisted state layout literally: a single table `telemetry` with
// indexes on (endpoint, timestamp) and (trace_id). Chosen over a
// client/server database so the store stays embeddable, per the
// "embedded operations-intelligence engine" framing in §1.
type SQLiteStore struct {
	db       *sql.DB
	failures int64
}

const schema = `
CREATE TABLE IF NOT EXISTS telemetry (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	service_name TEXT NOT NULL,
	endpoint TEXT NOT NULL,
	method TEXT,
	status_code INTEGER NOT NULL,
	latency_ms REAL NOT NULL,
	error_message TEXT,
	trace_id TEXT NOT NULL,
	timestamp INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_telemetry_endpoint_ts ON telemetry(endpoint, timestamp);
CREATE INDEX IF NOT EXISTS idx_telemetry_trace ON telemetry(trace_id);
`

// NewSQLiteStore opens (creating if necessary) a sqlite database at path
// and ensures the schema exists.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("store: opening sqlite at %s: %w", path, err)
	}
	db.SetMaxOpenConns(1) // sqlite: one writer at a time, matches §5's single-writer discipline
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: creating schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close releases the underlying database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Insert implements Store.
func (s *SQLiteStore) Insert(ctx context.Context, r *model.TelemetryRecord) (int64, error) {
	if err := r.Validate(); err != nil {
		atomic.AddInt64(&s.failures, 1)
		log.Warnf("store: dropping invalid record: %s", err)
		return 0, err
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO telemetry (service_name, endpoint, method, status_code, latency_ms, error_message, trace_id, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ServiceName, r.Endpoint, r.Method, r.StatusCode, r.LatencyMs, r.ErrorMessage, r.TraceID, r.Timestamp.UnixMicro())
	if err != nil {
		atomic.AddInt64(&s.failures, 1)
		return 0, fmt.Errorf("store: insert failed: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("store: reading last insert id: %w", err)
	}
	r.ID = id
	return id, nil
}

func scanRecords(rows *sql.Rows) ([]model.TelemetryRecord, error) {
	defer rows.Close()
	var out []model.TelemetryRecord
	for rows.Next() {
		var r model.TelemetryRecord
		var tsMicro int64
		var errMsg sql.NullString
		if err := rows.Scan(&r.ID, &r.ServiceName, &r.Endpoint, &r.Method, &r.StatusCode, &r.LatencyMs, &errMsg, &r.TraceID, &tsMicro); err != nil {
			return nil, fmt.Errorf("store: scanning row: %w", err)
		}
		r.ErrorMessage = errMsg.String
		r.Timestamp = time.UnixMicro(tsMicro).UTC()
		out = append(out, r)
	}
	return out, rows.Err()
}

// QueryByEndpointTime implements Store.
func (s *SQLiteStore) QueryByEndpointTime(ctx context.Context, endpoint string, since, until time.Time) ([]model.TelemetryRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, service_name, endpoint, method, status_code, latency_ms, error_message, trace_id, timestamp
		 FROM telemetry WHERE endpoint = ? AND timestamp >= ? AND timestamp < ? ORDER BY timestamp ASC, id ASC`,
		endpoint, since.UnixMicro(), until.UnixMicro())
	if err != nil {
		return nil, fmt.Errorf("store: query_by_endpoint_time: %w", err)
	}
	return scanRecords(rows)
}

// QueryByTrace implements Store.
func (s *SQLiteStore) QueryByTrace(ctx context.Context, traceID string) ([]model.TelemetryRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, service_name, endpoint, method, status_code, latency_ms, error_message, trace_id, timestamp
		 FROM telemetry WHERE trace_id = ? ORDER BY timestamp ASC, id ASC`,
		traceID)
	if err != nil {
		return nil, fmt.Errorf("store: query_by_trace: %w", err)
	}
	return scanRecords(rows)
}

// DistinctEndpoints implements Store.
func (s *SQLiteStore) DistinctEndpoints(ctx context.Context, since time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT endpoint FROM telemetry WHERE timestamp >= ? ORDER BY endpoint ASC`, since.UnixMicro())
	if err != nil {
		return nil, fmt.Errorf("store: distinct_endpoints: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var ep string
		if err := rows.Scan(&ep); err != nil {
			return nil, err
		}
		out = append(out, ep)
	}
	return out, rows.Err()
}

// Aggregate implements Store.
func (s *SQLiteStore) Aggregate(ctx context.Context, endpoint string, since, until time.Time) (model.Aggregate, error) {
	agg := model.Aggregate{StatusHistogram: make(map[int]int64)}

	row := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(AVG(latency_ms),0),
		        COALESCE(SUM(CASE WHEN status_code >= 500 AND status_code < 600 THEN 1 ELSE 0 END),0),
		        COALESCE(MAX(timestamp),0)
		 FROM telemetry WHERE endpoint = ? AND timestamp >= ? AND timestamp < ?`,
		endpoint, since.UnixMicro(), until.UnixMicro())
	var lastSeenMicro int64
	if err := row.Scan(&agg.Count, &agg.AvgLatency, &agg.ErrorCount5xx, &lastSeenMicro); err != nil {
		return agg, fmt.Errorf("store: aggregate: %w", err)
	}
	if lastSeenMicro > 0 {
		agg.LastSeen = time.UnixMicro(lastSeenMicro).UTC()
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT status_code, COUNT(*) FROM telemetry WHERE endpoint = ? AND timestamp >= ? AND timestamp < ? GROUP BY status_code`,
		endpoint, since.UnixMicro(), until.UnixMicro())
	if err != nil {
		return agg, fmt.Errorf("store: aggregate histogram: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var code int
		var count int64
		if err := rows.Scan(&code, &count); err != nil {
			return agg, err
		}
		agg.StatusHistogram[code] = count
	}
	return agg, rows.Err()
}

// Prune implements Store.
func (s *SQLiteStore) Prune(ctx context.Context, olderThan time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM telemetry WHERE timestamp < ?`, olderThan.UnixMicro())
	if err != nil {
		return 0, fmt.Errorf("store: prune: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// Count implements Store.
func (s *SQLiteStore) Count() int64 {
	var n int64
	_ = s.db.QueryRow(`SELECT COUNT(*) FROM telemetry`).Scan(&n)
	return n
}

// FailureCount implements Store.
func (s *SQLiteStore) FailureCount() int64 {
	return atomic.LoadInt64(&s.failures)
}
