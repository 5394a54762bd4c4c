package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/gateway-fm/chainstress/pkg/types"
)

// unmarshalJSON unmarshals JSON and logs any errors without failing.
// Used for non-critical JSON columns so one corrupt row does not fail a query.
func unmarshalJSON(data string, v any, field string, runID string) {
	if err := json.Unmarshal([]byte(data), v); err != nil {
		slog.Warn("failed to unmarshal JSON field",
			"field", field,
			"runID", runID,
			"error", err.Error(),
			"dataLen", len(data))
	}
}

// SQLiteStorage implements Storage using SQLite.
type SQLiteStorage struct {
	db *sql.DB
}

// NewSQLiteStorage opens (or creates) the database at dbPath and migrates it.
func NewSQLiteStorage(dbPath string) (*SQLiteStorage, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_journal=WAL&_sync=NORMAL&_cache_size=10000&_foreign_keys=ON", dbPath)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	s := &SQLiteStorage{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return s, nil
}

func (s *SQLiteStorage) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		started_at DATETIME NOT NULL,
		completed_at DATETIME,
		target TEXT NOT NULL,
		status TEXT DEFAULT 'running',
		tier TEXT,
		passed INTEGER DEFAULT 0,
		duration_ms INTEGER DEFAULT 0,
		config TEXT,
		report_text TEXT,
		error_message TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at DESC);

	CREATE TABLE IF NOT EXISTS suite_results (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		position INTEGER NOT NULL,
		suite TEXT NOT NULL,
		ops INTEGER DEFAULT 0,
		errors INTEGER DEFAULT 0,
		error_rate REAL DEFAULT 0,
		ops_per_sec REAL DEFAULT 0,
		passed INTEGER DEFAULT 0,
		checks TEXT,
		notes TEXT,
		FOREIGN KEY (run_id) REFERENCES runs(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_suite_results_run ON suite_results(run_id);

	CREATE TABLE IF NOT EXISTS worker_results (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		suite TEXT NOT NULL,
		node_id INTEGER NOT NULL,
		worker_index INTEGER NOT NULL,
		ops INTEGER DEFAULT 0,
		errors INTEGER DEFAULT 0,
		elapsed_ms INTEGER DEFAULT 0,
		FOREIGN KEY (run_id) REFERENCES runs(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_worker_results_run ON worker_results(run_id);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return err
	}

	// Columns added after the first schema; older databases get them here.
	migrations := []struct {
		table  string
		column string
		ddl    string
	}{
		{"runs", "seed", "ALTER TABLE runs ADD COLUMN seed INTEGER DEFAULT 0"},
		{"suite_results", "group_name", "ALTER TABLE suite_results ADD COLUMN group_name TEXT DEFAULT ''"},
		{"suite_results", "latency_stats", "ALTER TABLE suite_results ADD COLUMN latency_stats TEXT"},
		{"suite_results", "by_kind", "ALTER TABLE suite_results ADD COLUMN by_kind TEXT"},
		{"worker_results", "completed", "ALTER TABLE worker_results ADD COLUMN completed INTEGER DEFAULT 1"},
	}

	for _, m := range migrations {
		if !s.columnExists(m.table, m.column) {
			if _, err := s.db.Exec(m.ddl); err != nil {
				slog.Warn("migration failed", "table", m.table, "column", m.column, "error", err)
			}
		}
	}

	return nil
}

// columnExists checks if a column exists in a table.
// Identifiers are validated first since they are formatted into the query.
func (s *SQLiteStorage) columnExists(table, column string) bool {
	if !isValidIdentifier(table) || !isValidIdentifier(column) {
		return false
	}
	query := fmt.Sprintf("SELECT COUNT(*) FROM pragma_table_info('%s') WHERE name = '%s'", table, column)
	var count int
	if err := s.db.QueryRow(query).Scan(&count); err != nil {
		return false
	}
	return count > 0
}

// isValidIdentifier allows only alphanumeric characters and underscore.
func isValidIdentifier(s string) bool {
	if len(s) == 0 || len(s) > 128 {
		return false
	}
	for _, c := range s {
		if !((c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') || c == '_') {
			return false
		}
	}
	return true
}

// Close closes the database connection.
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

// CreateRun inserts the initial record of a run.
func (s *SQLiteStorage) CreateRun(ctx context.Context, run *Run) error {
	configJSON, err := json.Marshal(run.Config)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	status := run.Status
	if status == "" {
		status = types.StateRunning
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO runs (id, started_at, target, status, config, seed)
		VALUES (?, ?, ?, ?, ?, ?)
	`, run.ID, run.StartedAt, run.Target, string(status), string(configJSON), run.Seed)
	if err != nil {
		return fmt.Errorf("failed to insert run: %w", err)
	}
	return nil
}

// CompleteRun stores the final state of a run together with its suite and
// worker results in a single transaction.
func (s *SQLiteStorage) CompleteRun(ctx context.Context, run *Run) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	completedAt := time.Now()
	if run.CompletedAt != nil {
		completedAt = *run.CompletedAt
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE runs SET
			completed_at = ?,
			status = ?,
			tier = ?,
			passed = ?,
			duration_ms = ?,
			report_text = ?,
			error_message = ?
		WHERE id = ?
	`, completedAt, string(run.Status), nullString(string(run.Tier)), boolInt(run.Passed), run.DurationMs,
		nullString(run.ReportText), nullString(run.ErrorMessage), run.ID)
	if err != nil {
		return fmt.Errorf("failed to update run: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, run.ID)
	}

	suiteStmt, err := tx.PrepareContext(ctx, `
		INSERT INTO suite_results (run_id, position, suite, group_name, ops, errors, error_rate, ops_per_sec,
			passed, checks, notes, latency_stats, by_kind)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return err
	}
	defer suiteStmt.Close()

	workerStmt, err := tx.PrepareContext(ctx, `
		INSERT INTO worker_results (run_id, suite, node_id, worker_index, ops, errors, elapsed_ms, completed)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return err
	}
	defer workerStmt.Close()

	for _, sr := range run.Suites {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		checksJSON, _ := json.Marshal(sr.Checks)
		notesJSON, _ := json.Marshal(sr.Notes)
		var latencyJSON sql.NullString
		if sr.Latency != nil {
			data, _ := json.Marshal(sr.Latency)
			latencyJSON = nullString(string(data))
		}
		var byKindJSON sql.NullString
		if len(sr.ByKind) > 0 {
			data, _ := json.Marshal(sr.ByKind)
			byKindJSON = nullString(string(data))
		}

		_, err := suiteStmt.ExecContext(ctx, run.ID, sr.Position, string(sr.Suite), string(sr.Group),
			sr.Operations, sr.Errors, sr.ErrorRate, sr.OpsPerSecond, boolInt(sr.Passed),
			string(checksJSON), string(notesJSON), latencyJSON, byKindJSON)
		if err != nil {
			return fmt.Errorf("failed to insert suite %s: %w", sr.Suite, err)
		}

		for _, w := range sr.Workers {
			_, err := workerStmt.ExecContext(ctx, run.ID, string(sr.Suite), w.NodeID, w.WorkerIndex,
				w.Operations, w.Errors, w.Elapsed.Milliseconds(), boolInt(w.Completed))
			if err != nil {
				return fmt.Errorf("failed to insert worker result: %w", err)
			}
		}
	}

	return tx.Commit()
}

const runColumns = `id, started_at, completed_at, target, status, tier, COALESCE(passed, 0),
	COALESCE(duration_ms, 0), COALESCE(seed, 0), config, report_text, error_message`

// GetRun retrieves a run with its suite and worker results.
func (s *SQLiteStorage) GetRun(ctx context.Context, id string) (*Run, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+runColumns+" FROM runs WHERE id = ?", id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}

	suites, err := s.suiteResults(ctx, id)
	if err != nil {
		return nil, err
	}
	run.Suites = suites
	return run, nil
}

func (s *SQLiteStorage) suiteResults(ctx context.Context, runID string) ([]SuiteResult, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT position, suite, COALESCE(group_name, ''), ops, errors, error_rate, ops_per_sec, passed,
			checks, notes, latency_stats, by_kind
		FROM suite_results
		WHERE run_id = ?
		ORDER BY position
	`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var suites []SuiteResult
	for rows.Next() {
		var sr SuiteResult
		var passed int
		var checksJSON, notesJSON, latencyJSON, byKindJSON sql.NullString
		if err := rows.Scan(&sr.Position, &sr.Suite, &sr.Group, &sr.Operations, &sr.Errors, &sr.ErrorRate,
			&sr.OpsPerSecond, &passed, &checksJSON, &notesJSON, &latencyJSON, &byKindJSON); err != nil {
			return nil, err
		}
		sr.Passed = passed == 1
		if checksJSON.Valid && checksJSON.String != "" {
			unmarshalJSON(checksJSON.String, &sr.Checks, "checks", runID)
		}
		if notesJSON.Valid && notesJSON.String != "" {
			unmarshalJSON(notesJSON.String, &sr.Notes, "notes", runID)
		}
		if latencyJSON.Valid && latencyJSON.String != "" {
			sr.Latency = &types.LatencyStats{}
			unmarshalJSON(latencyJSON.String, sr.Latency, "latency_stats", runID)
		}
		if byKindJSON.Valid && byKindJSON.String != "" {
			unmarshalJSON(byKindJSON.String, &sr.ByKind, "by_kind", runID)
		}
		suites = append(suites, sr)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	workers, err := s.workerResults(ctx, runID)
	if err != nil {
		return nil, err
	}
	for i := range suites {
		suites[i].Workers = workers[suites[i].Suite]
	}
	return suites, nil
}

func (s *SQLiteStorage) workerResults(ctx context.Context, runID string) (map[types.SuiteName][]types.WorkerResult, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT suite, node_id, worker_index, ops, errors, elapsed_ms, COALESCE(completed, 1)
		FROM worker_results
		WHERE run_id = ?
		ORDER BY suite, node_id, worker_index
	`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[types.SuiteName][]types.WorkerResult)
	for rows.Next() {
		var suite types.SuiteName
		var w types.WorkerResult
		var elapsedMs int64
		var completed int
		if err := rows.Scan(&suite, &w.NodeID, &w.WorkerIndex, &w.Operations, &w.Errors, &elapsedMs, &completed); err != nil {
			return nil, err
		}
		w.Elapsed = time.Duration(elapsedMs) * time.Millisecond
		w.Completed = completed == 1
		out[suite] = append(out[suite], w)
	}
	return out, rows.Err()
}

// ListRuns returns a page of runs, newest first, without suite details.
func (s *SQLiteStorage) ListRuns(ctx context.Context, limit, offset int) (*PaginatedRuns, error) {
	var total int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM runs").Scan(&total); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, "SELECT "+runColumns+`
		FROM runs
		ORDER BY started_at DESC
		LIMIT ? OFFSET ?
	`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	runs := []Run{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		run.ReportText = ""
		runs = append(runs, *run)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return &PaginatedRuns{
		Runs:   runs,
		Total:  total,
		Limit:  limit,
		Offset: offset,
	}, nil
}

// DeleteRun deletes a run and, by cascade, its suite and worker results.
func (s *SQLiteStorage) DeleteRun(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM runs WHERE id = ?", id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*Run, error) {
	var run Run
	var completedAt sql.NullTime
	var status string
	var tier, configJSON, reportText, errorMsg sql.NullString
	var passed int

	err := row.Scan(&run.ID, &run.StartedAt, &completedAt, &run.Target, &status, &tier, &passed,
		&run.DurationMs, &run.Seed, &configJSON, &reportText, &errorMsg)
	if err != nil {
		return nil, err
	}

	run.Status = types.RunState(status)
	run.Passed = passed == 1
	if completedAt.Valid {
		run.CompletedAt = &completedAt.Time
	}
	if tier.Valid {
		run.Tier = types.Tier(tier.String)
	}
	if reportText.Valid {
		run.ReportText = reportText.String
	}
	if errorMsg.Valid {
		run.ErrorMessage = errorMsg.String
	}
	if configJSON.Valid && configJSON.String != "" && configJSON.String != "null" {
		run.Config = &types.RunRequest{}
		unmarshalJSON(configJSON.String, run.Config, "config", run.ID)
	}
	return &run, nil
}

func nullString(v string) sql.NullString {
	if v == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: v, Valid: true}
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
