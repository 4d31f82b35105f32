package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/balu-dk/go-pipelets/internal/db/models"
	"github.com/balu-dk/go-pipelets/internal/logbus"
	"github.com/balu-dk/go-pipelets/internal/pipeline"
	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS pipelets (
	id          TEXT PRIMARY KEY,
	name        TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	code        TEXT NOT NULL,
	created_at  TEXT NOT NULL,
	updated_at  TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS workflows (
	id         TEXT PRIMARY KEY,
	name       TEXT NOT NULL,
	event      TEXT NOT NULL,
	graph      TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS workflows_event_idx ON workflows (event);
CREATE TABLE IF NOT EXISTS workflow_runs (
	id            TEXT PRIMARY KEY,
	workflow_id   TEXT NOT NULL,
	workflow_name TEXT NOT NULL,
	event         TEXT NOT NULL,
	status        TEXT NOT NULL,
	steps         TEXT NOT NULL,
	message       TEXT,
	error         TEXT NOT NULL DEFAULT '',
	started_at    TEXT NOT NULL,
	finished_at   TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS run_logs (
	seq        INTEGER PRIMARY KEY AUTOINCREMENT,
	entry_id   INTEGER NOT NULL,
	source     TEXT NOT NULL,
	message    TEXT NOT NULL,
	created_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS transactions (
	id              INTEGER PRIMARY KEY,
	charge_point_id TEXT NOT NULL,
	connector_id    INTEGER NOT NULL,
	id_tag          TEXT NOT NULL,
	start_time      TEXT NOT NULL,
	end_time        TEXT,
	meter_start     INTEGER NOT NULL,
	meter_stop      INTEGER,
	status          TEXT NOT NULL
);
`

// SQLiteStore is a single-file store backed by modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database at path and initializes
// the schema. Use ":memory:" for a throwaway store.
func NewSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %v", err)
	}
	// A single connection keeps ":memory:" databases intact and serializes
	// writers.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %v", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close closes the database
func (s *SQLiteStore) Close() {
	if s.db != nil {
		s.db.Close()
	}
}

// SaveWorkflow creates or updates a workflow
func (s *SQLiteStore) SaveWorkflow(ctx context.Context, wf pipeline.Workflow) error {
	graph, err := json.Marshal(wf.Graph)
	if err != nil {
		return fmt.Errorf("encode graph: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO workflows (id, name, event, graph, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name,
			event = excluded.event,
			graph = excluded.graph,
			updated_at = excluded.updated_at`,
		wf.ID, wf.Name, wf.Event, string(graph), formatTime(time.Now()),
	)
	return err
}

// ListWorkflows retrieves all workflows
func (s *SQLiteStore) ListWorkflows(ctx context.Context) ([]pipeline.Workflow, error) {
	return s.queryWorkflows(ctx, `SELECT id, name, event, graph FROM workflows ORDER BY id`)
}

// WorkflowsForEvent retrieves the workflows bound to event
func (s *SQLiteStore) WorkflowsForEvent(ctx context.Context, event string) ([]pipeline.Workflow, error) {
	return s.queryWorkflows(ctx, `SELECT id, name, event, graph FROM workflows WHERE event = ? ORDER BY id`, event)
}

func (s *SQLiteStore) queryWorkflows(ctx context.Context, query string, args ...interface{}) ([]pipeline.Workflow, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var workflows []pipeline.Workflow
	for rows.Next() {
		var wf pipeline.Workflow
		var graph string
		if err := rows.Scan(&wf.ID, &wf.Name, &wf.Event, &graph); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(graph), &wf.Graph); err != nil {
			return nil, fmt.Errorf("decode graph of workflow %s: %w", wf.ID, err)
		}
		workflows = append(workflows, wf)
	}
	return workflows, rows.Err()
}

// SavePipelet creates or updates a pipelet
func (s *SQLiteStore) SavePipelet(ctx context.Context, p *models.Pipelet) error {
	now := time.Now().UTC()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now

	var created string
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO pipelets (id, name, description, code, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name,
			description = excluded.description,
			code = excluded.code,
			updated_at = excluded.updated_at
		RETURNING created_at`,
		p.ID, p.Name, p.Description, p.Code, formatTime(p.CreatedAt), formatTime(p.UpdatedAt),
	).Scan(&created)
	if err != nil {
		return err
	}
	p.CreatedAt, err = parseTime(created)
	return err
}

// ListPipelets retrieves all pipelets
func (s *SQLiteStore) ListPipelets(ctx context.Context) ([]models.Pipelet, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, description, code, created_at, updated_at
		FROM pipelets
		ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var pipelets []models.Pipelet
	for rows.Next() {
		var p models.Pipelet
		var created, updated string
		if err := rows.Scan(&p.ID, &p.Name, &p.Description, &p.Code, &created, &updated); err != nil {
			return nil, err
		}
		if p.CreatedAt, err = parseTime(created); err != nil {
			return nil, err
		}
		if p.UpdatedAt, err = parseTime(updated); err != nil {
			return nil, err
		}
		pipelets = append(pipelets, p)
	}
	return pipelets, rows.Err()
}

// PipeletCode retrieves the code body of a pipelet
func (s *SQLiteStore) PipeletCode(ctx context.Context, id string) (string, error) {
	var code string
	err := s.db.QueryRowContext(ctx, `SELECT code FROM pipelets WHERE id = ?`, id).Scan(&code)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("pipelet %s: %w", id, ErrNotFound)
	}
	return code, err
}

// SaveRun stores a finished workflow run
func (s *SQLiteStore) SaveRun(ctx context.Context, run pipeline.Run) error {
	steps, message, err := encodeRun(run)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO workflow_runs (
			id, workflow_id, workflow_name, event, status, steps, message, error, started_at, finished_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.WorkflowID, run.WorkflowName, run.Event, string(run.Status),
		steps, message, run.Error, formatTime(run.StartedAt), formatTime(run.FinishedAt),
	)
	return err
}

// ListRuns retrieves up to limit runs, newest first
func (s *SQLiteStore) ListRuns(ctx context.Context, limit int) ([]pipeline.Run, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, workflow_id, workflow_name, event, status, steps, message, error, started_at, finished_at
		FROM workflow_runs
		ORDER BY started_at DESC, rowid DESC
		LIMIT ?`, clampLimit(limit, 200))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []pipeline.Run
	for rows.Next() {
		var run pipeline.Run
		var status, steps, started, finished string
		var message sql.NullString
		if err := rows.Scan(
			&run.ID, &run.WorkflowID, &run.WorkflowName, &run.Event, &status,
			&steps, &message, &run.Error, &started, &finished,
		); err != nil {
			return nil, err
		}
		run.Status = pipeline.RunStatus(status)
		if run.StartedAt, err = parseTime(started); err != nil {
			return nil, err
		}
		if run.FinishedAt, err = parseTime(finished); err != nil {
			return nil, err
		}
		if err := decodeRun(&run, []byte(steps), []byte(message.String)); err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// SaveLogEntry archives a log bus entry
func (s *SQLiteStore) SaveLogEntry(ctx context.Context, e logbus.Entry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO run_logs (entry_id, source, message, created_at)
		VALUES (?, ?, ?, ?)`,
		int64(e.ID), string(e.Source), e.Message, formatTime(e.CreatedAt),
	)
	return err
}

// ListLogs retrieves up to limit archived entries, newest first
func (s *SQLiteStore) ListLogs(ctx context.Context, limit int) ([]models.LogRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT entry_id, source, message, created_at
		FROM run_logs
		ORDER BY seq DESC
		LIMIT ?`, clampLimit(limit, 200))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []models.LogRecord
	for rows.Next() {
		var r models.LogRecord
		var id int64
		var created string
		if err := rows.Scan(&id, &r.Source, &r.Message, &created); err != nil {
			return nil, err
		}
		r.ID = uint64(id)
		if r.CreatedAt, err = parseTime(created); err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// RecordTransaction creates or updates a charging transaction
func (s *SQLiteStore) RecordTransaction(ctx context.Context, tx models.Transaction) error {
	var endTime sql.NullString
	if tx.EndTime != nil {
		endTime = sql.NullString{String: formatTime(*tx.EndTime), Valid: true}
	}
	var meterStop sql.NullInt64
	if tx.MeterStop != nil {
		meterStop = sql.NullInt64{Int64: int64(*tx.MeterStop), Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO transactions (
			id, charge_point_id, connector_id, id_tag,
			start_time, end_time, meter_start, meter_stop, status
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			end_time = excluded.end_time,
			meter_stop = excluded.meter_stop,
			status = excluded.status`,
		tx.ID, tx.ChargePointID, tx.ConnectorID, tx.IdTag,
		formatTime(tx.StartTime), endTime, tx.MeterStart, meterStop, tx.Status,
	)
	return err
}

// MaxTransactionID returns the highest stored transaction id
func (s *SQLiteStore) MaxTransactionID(ctx context.Context) (int, error) {
	var max int
	err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(id), 0) FROM transactions`).Scan(&max)
	return max, err
}

// GetTransaction retrieves a transaction by ID
func (s *SQLiteStore) GetTransaction(ctx context.Context, id int) (*models.Transaction, error) {
	tx := &models.Transaction{}
	var start string
	var endTime sql.NullString
	var meterStop sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT
			id, charge_point_id, connector_id, id_tag,
			start_time, end_time, meter_start, meter_stop, status
		FROM transactions
		WHERE id = ?`, id).Scan(
		&tx.ID, &tx.ChargePointID, &tx.ConnectorID, &tx.IdTag,
		&start, &endTime, &tx.MeterStart, &meterStop, &tx.Status,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("transaction %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}

	if tx.StartTime, err = parseTime(start); err != nil {
		return nil, err
	}
	if endTime.Valid {
		t, err := parseTime(endTime.String)
		if err != nil {
			return nil, err
		}
		tx.EndTime = &t
	}
	if meterStop.Valid {
		v := int(meterStop.Int64)
		tx.MeterStop = &v
	}
	return tx, nil
}

// sqliteTime is fixed width so timestamps sort as text.
const sqliteTime = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(sqliteTime)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	return t, nil
}
