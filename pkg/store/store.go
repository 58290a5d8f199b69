// Package store is the SQLite-backed persistence layer for targets, raw
// probe results, and windowed t-digest rollups. It is the single-writer
// embedded database behind the scheduler, rollup manager, retention
// manager, and the HTTP API.
package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/runZeroInc/vaportrail/pkg/model"
)

// ErrNotFound is returned by single-row lookups (GetTarget) when no row
// matches the given id.
var ErrNotFound = errors.New("store: not found")

const timeLayout = "2006-01-02 15:04:05.000000000"

const schema = `
CREATE TABLE IF NOT EXISTS targets (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT NOT NULL,
	address TEXT NOT NULL,
	probe_type TEXT NOT NULL DEFAULT 'ping',
	probe_config TEXT NOT NULL DEFAULT '',
	probe_interval REAL NOT NULL DEFAULT 1.0,
	timeout REAL NOT NULL DEFAULT 5.0,
	retention_policies TEXT NOT NULL DEFAULT '[]'
);

CREATE TABLE IF NOT EXISTS raw_results (
	time TEXT NOT NULL,
	target_id INTEGER NOT NULL,
	latency REAL NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_raw_results_target_time ON raw_results(target_id, time);

CREATE TABLE IF NOT EXISTS aggregated_results (
	time TEXT NOT NULL,
	target_id INTEGER NOT NULL,
	window_seconds INTEGER NOT NULL,
	tdigest_data BLOB NOT NULL,
	timeout_count INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (time, target_id, window_seconds)
);
CREATE INDEX IF NOT EXISTS idx_aggregated_results_target_window_time ON aggregated_results(target_id, window_seconds, time);
`

// Store is a thread-safe handle onto a single-file SQLite database. The
// pool is limited to one open connection, so reads and writes alike are
// serialized through it.
type Store struct {
	db *sql.DB
}

// Open creates or opens the database file at path and ensures the schema
// exists.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	// SQLite allows only one writer at a time; a single open connection
	// avoids SQLITE_BUSY errors under concurrent goroutine access.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: apply schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close releases the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

// parseTime accepts the canonical nanosecond-precision layout this store
// writes, but also shorter fractional widths and RFC 3339, since rows may
// have been written by an earlier schema version or an external tool.
func parseTime(s string) (time.Time, error) {
	layouts := []string{
		"2006-01-02 15:04:05.000000000",
		"2006-01-02 15:04:05.999999999",
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02 15:04:05",
	}
	for _, layout := range layouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("store: unparseable timestamp %q", s)
}

func marshalRetentionPolicies(policies []model.RetentionPolicy) string {
	if len(policies) == 0 {
		return "[]"
	}
	b, err := json.Marshal(policies)
	if err != nil {
		return "[]"
	}
	return string(b)
}

func unmarshalRetentionPolicies(s string) []model.RetentionPolicy {
	s = strings.TrimSpace(s)
	if s == "" {
		s = "[]"
	}
	var policies []model.RetentionPolicy
	if err := json.Unmarshal([]byte(s), &policies); err != nil {
		return nil
	}
	return policies
}

// --- Target CRUD ---

// AddTarget inserts target, normalizes its interval/timeout defaults, and
// sets target.ID to the assigned row id.
func (s *Store) AddTarget(target *model.Target) (int64, error) {
	target.Normalize()

	res, err := s.db.Exec(
		`INSERT INTO targets (name, address, probe_type, probe_config, probe_interval, timeout, retention_policies)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		target.Name, target.Address, target.ProbeType, target.ProbeConfig,
		target.ProbeIntervalSecs, target.TimeoutSecs, marshalRetentionPolicies(target.RetentionPolicies),
	)
	if err != nil {
		return 0, fmt.Errorf("store: add target: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("store: add target: %w", err)
	}
	target.ID = id
	return id, nil
}

// UpdateTarget overwrites an existing target's mutable fields by ID.
func (s *Store) UpdateTarget(target *model.Target) error {
	target.Normalize()

	_, err := s.db.Exec(
		`UPDATE targets SET name=?, address=?, probe_type=?, probe_config=?, probe_interval=?, timeout=?, retention_policies=? WHERE id=?`,
		target.Name, target.Address, target.ProbeType, target.ProbeConfig,
		target.ProbeIntervalSecs, target.TimeoutSecs, marshalRetentionPolicies(target.RetentionPolicies),
		target.ID,
	)
	if err != nil {
		return fmt.Errorf("store: update target %d: %w", target.ID, err)
	}
	return nil
}

func scanTarget(row interface {
	Scan(dest ...any) error
}) (model.Target, error) {
	var t model.Target
	var retentionJSON string
	if err := row.Scan(&t.ID, &t.Name, &t.Address, &t.ProbeType, &t.ProbeConfig,
		&t.ProbeIntervalSecs, &t.TimeoutSecs, &retentionJSON); err != nil {
		return model.Target{}, err
	}
	t.RetentionPolicies = unmarshalRetentionPolicies(retentionJSON)
	return t, nil
}

// GetTarget fetches a single target by ID, or ErrNotFound.
func (s *Store) GetTarget(id int64) (model.Target, error) {
	row := s.db.QueryRow(
		`SELECT id, name, address, probe_type, probe_config, probe_interval, timeout, COALESCE(retention_policies, '[]')
		 FROM targets WHERE id = ?`, id)
	t, err := scanTarget(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Target{}, ErrNotFound
	}
	if err != nil {
		return model.Target{}, fmt.Errorf("store: get target %d: %w", id, err)
	}
	return t, nil
}

// GetTargets returns every configured target.
func (s *Store) GetTargets() ([]model.Target, error) {
	rows, err := s.db.Query(
		`SELECT id, name, address, probe_type, probe_config, probe_interval, timeout, COALESCE(retention_policies, '[]')
		 FROM targets`)
	if err != nil {
		return nil, fmt.Errorf("store: get targets: %w", err)
	}
	defer rows.Close()

	var targets []model.Target
	for rows.Next() {
		t, err := scanTarget(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan target: %w", err)
		}
		targets = append(targets, t)
	}
	return targets, rows.Err()
}

// DeleteTarget removes a target and all of its raw and aggregated rows.
func (s *Store) DeleteTarget(id int64) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("store: delete target %d: %w", id, err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM raw_results WHERE target_id = ?", id); err != nil {
		return fmt.Errorf("store: delete target %d: %w", id, err)
	}
	if _, err := tx.Exec("DELETE FROM aggregated_results WHERE target_id = ?", id); err != nil {
		return fmt.Errorf("store: delete target %d: %w", id, err)
	}
	if _, err := tx.Exec("DELETE FROM targets WHERE id = ?", id); err != nil {
		return fmt.Errorf("store: delete target %d: %w", id, err)
	}
	return tx.Commit()
}

// --- Raw results ---

// AddRawResults inserts a batch of raw results in a single transaction:
// either all rows land or none do.
func (s *Store) AddRawResults(results []model.RawResult) error {
	if len(results) == 0 {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("store: add raw results: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`INSERT INTO raw_results (time, target_id, latency) VALUES (?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("store: add raw results: %w", err)
	}
	defer stmt.Close()

	for _, r := range results {
		if _, err := stmt.Exec(formatTime(r.Time), r.TargetID, r.LatencyNS); err != nil {
			return fmt.Errorf("store: add raw results: %w", err)
		}
	}
	return tx.Commit()
}

// GetRawResults returns raw results for target between [start, end),
// ordered by time ascending, capped at limit rows.
func (s *Store) GetRawResults(targetID int64, start, end time.Time, limit int) ([]model.RawResult, error) {
	rows, err := s.db.Query(
		`SELECT time, target_id, latency FROM raw_results
		 WHERE target_id = ? AND time >= ? AND time < ? ORDER BY time ASC LIMIT ?`,
		targetID, formatTime(start), formatTime(end), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("store: get raw results: %w", err)
	}
	defer rows.Close()

	var out []model.RawResult
	for rows.Next() {
		var timeStr string
		var r model.RawResult
		if err := rows.Scan(&timeStr, &r.TargetID, &r.LatencyNS); err != nil {
			return nil, fmt.Errorf("store: scan raw result: %w", err)
		}
		parsed, err := parseTime(timeStr)
		if err != nil {
			parsed = time.Now().UTC()
		}
		r.Time = parsed
		out = append(out, r)
	}
	return out, rows.Err()
}

// DeleteRawResultsBefore deletes raw rows for target with time < cutoff.
func (s *Store) DeleteRawResultsBefore(targetID int64, cutoff time.Time) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM raw_results WHERE target_id = ? AND time < ?`, targetID, formatTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("store: delete raw results before %s: %w", cutoff, err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// EarliestRawResultTime returns the earliest raw result timestamp for a
// target, or the zero Time and false if there are none.
func (s *Store) EarliestRawResultTime(targetID int64) (time.Time, bool, error) {
	var timeStr sql.NullString
	err := s.db.QueryRow(`SELECT MIN(time) FROM raw_results WHERE target_id = ?`, targetID).Scan(&timeStr)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("store: earliest raw result time: %w", err)
	}
	if !timeStr.Valid {
		return time.Time{}, false, nil
	}
	t, err := parseTime(timeStr.String)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("store: earliest raw result time: %w", err)
	}
	return t, true, nil
}

// --- Aggregated results ---

// AddAggregatedResults upserts a batch of aggregated results in one
// transaction, keyed on (time, target_id, window_seconds).
func (s *Store) AddAggregatedResults(results []model.AggregatedResult) error {
	if len(results) == 0 {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("store: add aggregated results: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT INTO aggregated_results (time, target_id, window_seconds, tdigest_data, timeout_count)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(time, target_id, window_seconds) DO UPDATE SET
			tdigest_data=excluded.tdigest_data, timeout_count=excluded.timeout_count`)
	if err != nil {
		return fmt.Errorf("store: add aggregated results: %w", err)
	}
	defer stmt.Close()

	for _, r := range results {
		if _, err := stmt.Exec(formatTime(r.WindowStart), r.TargetID, r.WindowSeconds, r.TDigestData, r.TimeoutCount); err != nil {
			return fmt.Errorf("store: add aggregated results: %w", err)
		}
	}
	return tx.Commit()
}

// GetAggregatedResults returns aggregated rows for (target, window) in
// [start, end), ordered ascending.
func (s *Store) GetAggregatedResults(targetID int64, windowSeconds int32, start, end time.Time) ([]model.AggregatedResult, error) {
	rows, err := s.db.Query(
		`SELECT time, target_id, window_seconds, tdigest_data, timeout_count FROM aggregated_results
		 WHERE target_id = ? AND window_seconds = ? AND time >= ? AND time < ? ORDER BY time ASC`,
		targetID, windowSeconds, formatTime(start), formatTime(end),
	)
	if err != nil {
		return nil, fmt.Errorf("store: get aggregated results: %w", err)
	}
	defer rows.Close()

	var out []model.AggregatedResult
	for rows.Next() {
		var timeStr string
		var r model.AggregatedResult
		if err := rows.Scan(&timeStr, &r.TargetID, &r.WindowSeconds, &r.TDigestData, &r.TimeoutCount); err != nil {
			return nil, fmt.Errorf("store: scan aggregated result: %w", err)
		}
		parsed, err := parseTime(timeStr)
		if err != nil {
			parsed = time.Now().UTC()
		}
		r.WindowStart = parsed
		out = append(out, r)
	}
	return out, rows.Err()
}

// LastRollupTime returns the most recent aggregated-result time for
// (target, window), or false if there is none.
func (s *Store) LastRollupTime(targetID int64, windowSeconds int32) (time.Time, bool, error) {
	var timeStr sql.NullString
	err := s.db.QueryRow(
		`SELECT MAX(time) FROM aggregated_results WHERE target_id = ? AND window_seconds = ?`,
		targetID, windowSeconds,
	).Scan(&timeStr)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("store: last rollup time: %w", err)
	}
	if !timeStr.Valid {
		return time.Time{}, false, nil
	}
	t, err := parseTime(timeStr.String)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("store: last rollup time: %w", err)
	}
	return t, true, nil
}

// DeleteAggregatedResultsBefore deletes aggregated rows for (target,
// window) with time < cutoff.
func (s *Store) DeleteAggregatedResultsBefore(targetID int64, windowSeconds int32, cutoff time.Time) (int64, error) {
	res, err := s.db.Exec(
		`DELETE FROM aggregated_results WHERE target_id = ? AND window_seconds = ? AND time < ?`,
		targetID, windowSeconds, formatTime(cutoff),
	)
	if err != nil {
		return 0, fmt.Errorf("store: delete aggregated results before %s: %w", cutoff, err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// DeleteAggregatedResultsByWindow removes every aggregated row for
// (target, window), regardless of age.
func (s *Store) DeleteAggregatedResultsByWindow(targetID int64, windowSeconds int32) error {
	_, err := s.db.Exec(`DELETE FROM aggregated_results WHERE target_id = ? AND window_seconds = ?`, targetID, windowSeconds)
	if err != nil {
		return fmt.Errorf("store: delete aggregated results by window: %w", err)
	}
	return nil
}

// --- Storage introspection ---

// DBSizeBytes returns the database file size, computed from SQLite's page
// accounting (page_count * page_size).
func (s *Store) DBSizeBytes() (int64, error) {
	pageCount, err := s.PageCount()
	if err != nil {
		return 0, err
	}
	pageSize, err := s.PageSize()
	if err != nil {
		return 0, err
	}
	return pageCount * pageSize, nil
}

// PageCount returns PRAGMA page_count.
func (s *Store) PageCount() (int64, error) {
	var n int64
	if err := s.db.QueryRow("PRAGMA page_count").Scan(&n); err != nil {
		return 0, fmt.Errorf("store: page count: %w", err)
	}
	return n, nil
}

// PageSize returns PRAGMA page_size.
func (s *Store) PageSize() (int64, error) {
	var n int64
	if err := s.db.QueryRow("PRAGMA page_size").Scan(&n); err != nil {
		return 0, fmt.Errorf("store: page size: %w", err)
	}
	return n, nil
}

// FreelistCount returns PRAGMA freelist_count.
func (s *Store) FreelistCount() (int64, error) {
	var n int64
	if err := s.db.QueryRow("PRAGMA freelist_count").Scan(&n); err != nil {
		return 0, fmt.Errorf("store: freelist count: %w", err)
	}
	return n, nil
}

// RawResultCount returns the total number of raw_results rows across every
// target.
func (s *Store) RawResultCount() (int64, error) {
	var n int64
	if err := s.db.QueryRow("SELECT COUNT(*) FROM raw_results").Scan(&n); err != nil {
		return 0, fmt.Errorf("store: raw result count: %w", err)
	}
	return n, nil
}

// TDigestStat is one row of per-(target,window) sketch storage usage.
type TDigestStat struct {
	TargetName    string
	WindowSeconds int32
	TotalBytes    int64
	Count         int64
}

// TDigestStats reports, per (target, window), the total sketch byte size
// and the row count, ordered by total bytes descending.
func (s *Store) TDigestStats() ([]TDigestStat, error) {
	rows, err := s.db.Query(`
		SELECT t.name, ar.window_seconds, SUM(LENGTH(ar.tdigest_data)) AS total_bytes, COUNT(*) AS cnt
		FROM aggregated_results ar
		JOIN targets t ON ar.target_id = t.id
		GROUP BY t.id, ar.window_seconds
		ORDER BY total_bytes DESC`)
	if err != nil {
		return nil, fmt.Errorf("store: tdigest stats: %w", err)
	}
	defer rows.Close()

	var out []TDigestStat
	for rows.Next() {
		var s TDigestStat
		if err := rows.Scan(&s.TargetName, &s.WindowSeconds, &s.TotalBytes, &s.Count); err != nil {
			return nil, fmt.Errorf("store: scan tdigest stat: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
