// Package sqlite provides SQLite-backed flow persistence. Unlike the
// file backend, queries see the full retained history, not just a
// recent-flow cache.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/KirovAir/Titanium-Web-Proxy/internal/domain/capture"
)

const schema = `
CREATE TABLE IF NOT EXISTS flows (
	id               TEXT PRIMARY KEY,
	session_id       TEXT NOT NULL,
	session_number   INTEGER NOT NULL,
	client_addr      TEXT NOT NULL,
	started_at       INTEGER NOT NULL,
	duration_micros  INTEGER NOT NULL,
	method           TEXT NOT NULL,
	url              TEXT NOT NULL,
	host             TEXT NOT NULL,
	scheme           TEXT NOT NULL,
	http_version     TEXT NOT NULL,
	request_headers  TEXT NOT NULL DEFAULT '',
	request_bytes    INTEGER NOT NULL,
	request_digest   TEXT NOT NULL DEFAULT '',
	status           INTEGER NOT NULL,
	response_headers TEXT NOT NULL DEFAULT '',
	response_bytes   INTEGER NOT NULL,
	response_digest  TEXT NOT NULL DEFAULT '',
	content_type     TEXT NOT NULL DEFAULT '',
	outcome          TEXT NOT NULL,
	tags             TEXT NOT NULL DEFAULT '',
	error            TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_flows_started_at ON flows(started_at);
CREATE INDEX IF NOT EXISTS idx_flows_host ON flows(host);
`

// flowColumns is the SELECT list shared by Recent and Get; its order
// must match scanFlow.
const flowColumns = `id, session_id, session_number, client_addr, started_at, duration_micros,
	method, url, host, scheme, http_version,
	request_headers, request_bytes, request_digest,
	status, response_headers, response_bytes, response_digest, content_type,
	outcome, tags, error`

// FlowStore implements capture.FlowStore and capture.FlowQueryStore on
// top of a SQLite database file.
type FlowStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewFlowStore opens (creating if necessary) the database at path and
// runs migrations. The path ":memory:" yields an in-process database.
func NewFlowStore(path string, logger *slog.Logger) (*FlowStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// SQLite allows a single writer; serializing through one connection
	// avoids SQLITE_BUSY under concurrent appends.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply %s: %w", pragma, err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate schema: %w", err)
	}

	return &FlowStore{db: db, logger: logger}, nil
}

// Append inserts flows in a single transaction.
func (s *FlowStore) Append(ctx context.Context, flows ...capture.Flow) error {
	if len(flows) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO flows (`+flowColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for _, flow := range flows {
		reqHeaders, err := encodeJSON(flow.RequestHeaders)
		if err != nil {
			return fmt.Errorf("encode request headers: %w", err)
		}
		respHeaders, err := encodeJSON(flow.ResponseHeaders)
		if err != nil {
			return fmt.Errorf("encode response headers: %w", err)
		}
		tags, err := encodeJSON(flow.Tags)
		if err != nil {
			return fmt.Errorf("encode tags: %w", err)
		}

		if _, err := stmt.ExecContext(ctx,
			flow.ID, flow.SessionID, flow.SessionNumber, flow.ClientAddr,
			flow.StartedAt.UTC().UnixMicro(), flow.DurationMicros,
			flow.Method, flow.URL, flow.Host, flow.Scheme, flow.HTTPVersion,
			reqHeaders, flow.RequestBytes, flow.RequestDigest,
			flow.Status, respHeaders, flow.ResponseBytes, flow.ResponseDigest, flow.ContentType,
			flow.Outcome, tags, flow.Error,
		); err != nil {
			return fmt.Errorf("insert flow %s: %w", flow.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// Flush is a no-op; Append commits transactionally.
func (s *FlowStore) Flush(_ context.Context) error {
	return nil
}

// Close closes the underlying database.
func (s *FlowStore) Close() error {
	return s.db.Close()
}

// Recent returns flows matching the filter, newest first.
func (s *FlowStore) Recent(ctx context.Context, filter capture.FlowFilter) ([]capture.Flow, error) {
	var (
		where []string
		args  []any
	)

	if filter.Host != "" {
		where = append(where, "host = ?")
		args = append(args, filter.Host)
	}
	if filter.Method != "" {
		where = append(where, "method = ?")
		args = append(args, filter.Method)
	}
	if filter.Status != 0 {
		where = append(where, "status = ?")
		args = append(args, filter.Status)
	}
	if filter.Outcome != "" {
		where = append(where, "outcome = ?")
		args = append(args, filter.Outcome)
	}
	if filter.Tag != "" {
		// Tags are stored as a JSON array, so each element appears quoted.
		where = append(where, "tags LIKE ?")
		args = append(args, `%"`+filter.Tag+`"%`)
	}
	if !filter.Since.IsZero() {
		where = append(where, "started_at >= ?")
		args = append(args, filter.Since.UTC().UnixMicro())
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}

	query := `SELECT ` + flowColumns + ` FROM flows`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY started_at DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query flows: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var flows []capture.Flow
	for rows.Next() {
		flow, err := scanFlow(rows)
		if err != nil {
			return nil, err
		}
		flows = append(flows, flow)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate flows: %w", err)
	}
	return flows, nil
}

// Get returns a single flow by ID.
func (s *FlowStore) Get(ctx context.Context, id string) (*capture.Flow, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+flowColumns+` FROM flows WHERE id = ?`, id)

	flow, err := scanFlow(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, capture.ErrFlowNotFound
		}
		return nil, err
	}
	return &flow, nil
}

// Stats aggregates counters over all retained flows.
func (s *FlowStore) Stats(ctx context.Context) (*capture.FlowStats, error) {
	stats := &capture.FlowStats{
		ByOutcome:     make(map[string]int64),
		ByStatusClass: make(map[string]int64),
		ByHost:        make(map[string]int64),
	}

	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM flows`).Scan(&stats.Total); err != nil {
		return nil, fmt.Errorf("count flows: %w", err)
	}

	if err := s.groupCount(ctx, `SELECT outcome, COUNT(*) FROM flows GROUP BY outcome`, stats.ByOutcome); err != nil {
		return nil, err
	}

	classQuery := `SELECT CASE
		WHEN status < 100 OR status > 599 THEN 'none'
		ELSE CAST(status / 100 AS TEXT) || 'xx'
	END AS class, COUNT(*) FROM flows GROUP BY class`
	if err := s.groupCount(ctx, classQuery, stats.ByStatusClass); err != nil {
		return nil, err
	}

	if err := s.groupCount(ctx, `SELECT host, COUNT(*) FROM flows WHERE host != '' GROUP BY host`, stats.ByHost); err != nil {
		return nil, err
	}

	return stats, nil
}

// groupCount runs a two-column (key, count) query into dest.
func (s *FlowStore) groupCount(ctx context.Context, query string, dest map[string]int64) error {
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return fmt.Errorf("query stats: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var (
			key   string
			count int64
		)
		if err := rows.Scan(&key, &count); err != nil {
			return fmt.Errorf("scan stats row: %w", err)
		}
		dest[key] = count
	}
	return rows.Err()
}

// rowScanner covers *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// scanFlow reads one row in flowColumns order.
func scanFlow(row rowScanner) (capture.Flow, error) {
	var (
		flow        capture.Flow
		startedAt   int64
		reqHeaders  string
		respHeaders string
		tags        string
	)

	err := row.Scan(
		&flow.ID, &flow.SessionID, &flow.SessionNumber, &flow.ClientAddr,
		&startedAt, &flow.DurationMicros,
		&flow.Method, &flow.URL, &flow.Host, &flow.Scheme, &flow.HTTPVersion,
		&reqHeaders, &flow.RequestBytes, &flow.RequestDigest,
		&flow.Status, &respHeaders, &flow.ResponseBytes, &flow.ResponseDigest, &flow.ContentType,
		&flow.Outcome, &tags, &flow.Error,
	)
	if err != nil {
		return capture.Flow{}, err
	}

	flow.StartedAt = time.UnixMicro(startedAt).UTC()

	if err := decodeJSON(reqHeaders, &flow.RequestHeaders); err != nil {
		return capture.Flow{}, fmt.Errorf("decode request headers: %w", err)
	}
	if err := decodeJSON(respHeaders, &flow.ResponseHeaders); err != nil {
		return capture.Flow{}, fmt.Errorf("decode response headers: %w", err)
	}
	if err := decodeJSON(tags, &flow.Tags); err != nil {
		return capture.Flow{}, fmt.Errorf("decode tags: %w", err)
	}

	return flow, nil
}

// encodeJSON marshals v, mapping empty values to the empty string.
func encodeJSON(v any) (string, error) {
	switch val := v.(type) {
	case map[string]string:
		if len(val) == 0 {
			return "", nil
		}
	case []string:
		if len(val) == 0 {
			return "", nil
		}
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// decodeJSON unmarshals s into v, treating the empty string as absent.
func decodeJSON(s string, v any) error {
	if s == "" {
		return nil
	}
	return json.Unmarshal([]byte(s), v)
}

var (
	_ capture.FlowStore      = (*FlowStore)(nil)
	_ capture.FlowQueryStore = (*FlowStore)(nil)
)
