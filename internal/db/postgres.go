package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/balu-dk/go-pipelets/config"
	"github.com/balu-dk/go-pipelets/internal/db/models"
	"github.com/balu-dk/go-pipelets/internal/logbus"
	"github.com/balu-dk/go-pipelets/internal/pipeline"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS pipelets (
	id          TEXT PRIMARY KEY,
	name        TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	code        TEXT NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL,
	updated_at  TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS workflows (
	id         TEXT PRIMARY KEY,
	name       TEXT NOT NULL,
	event      TEXT NOT NULL,
	graph      JSONB NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS workflows_event_idx ON workflows (event);
CREATE TABLE IF NOT EXISTS workflow_runs (
	id            TEXT PRIMARY KEY,
	workflow_id   TEXT NOT NULL,
	workflow_name TEXT NOT NULL,
	event         TEXT NOT NULL,
	status        TEXT NOT NULL,
	steps         JSONB NOT NULL,
	message       JSONB,
	error         TEXT NOT NULL DEFAULT '',
	started_at    TIMESTAMPTZ NOT NULL,
	finished_at   TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS run_logs (
	seq        BIGSERIAL PRIMARY KEY,
	entry_id   BIGINT NOT NULL,
	source     TEXT NOT NULL,
	message    TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS transactions (
	id              INTEGER PRIMARY KEY,
	charge_point_id TEXT NOT NULL,
	connector_id    INTEGER NOT NULL,
	id_tag          TEXT NOT NULL,
	start_time      TIMESTAMPTZ NOT NULL,
	end_time        TIMESTAMPTZ,
	meter_start     INTEGER NOT NULL,
	meter_stop      INTEGER,
	status          TEXT NOT NULL
);
`

// PostgresStore handles database operations
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore initializes a new PostgreSQL connection pool and creates
// missing tables
func NewPostgresStore(ctx context.Context, cfg *config.Config) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, cfg.GetDSN())
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %v", err)
	}

	// Test the connection
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %v", err)
	}

	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to create schema: %v", err)
	}

	return &PostgresStore{pool: pool}, nil
}

// Close closes the database connection pool
func (s *PostgresStore) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// SaveWorkflow creates or updates a workflow
func (s *PostgresStore) SaveWorkflow(ctx context.Context, wf pipeline.Workflow) error {
	query := `
		INSERT INTO workflows (id, name, event, graph, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
			name = $2,
			event = $3,
			graph = $4,
			updated_at = $5
	`

	graph, err := json.Marshal(wf.Graph)
	if err != nil {
		return fmt.Errorf("encode graph: %w", err)
	}
	_, err = s.pool.Exec(ctx, query, wf.ID, wf.Name, wf.Event, string(graph), time.Now())
	return err
}

// ListWorkflows retrieves all workflows
func (s *PostgresStore) ListWorkflows(ctx context.Context) ([]pipeline.Workflow, error) {
	return s.queryWorkflows(ctx, `SELECT id, name, event, graph FROM workflows ORDER BY id`)
}

// WorkflowsForEvent retrieves the workflows bound to event
func (s *PostgresStore) WorkflowsForEvent(ctx context.Context, event string) ([]pipeline.Workflow, error) {
	return s.queryWorkflows(ctx, `SELECT id, name, event, graph FROM workflows WHERE event = $1 ORDER BY id`, event)
}

func (s *PostgresStore) queryWorkflows(ctx context.Context, query string, args ...interface{}) ([]pipeline.Workflow, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var workflows []pipeline.Workflow
	for rows.Next() {
		var wf pipeline.Workflow
		var graph []byte
		if err := rows.Scan(&wf.ID, &wf.Name, &wf.Event, &graph); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(graph, &wf.Graph); err != nil {
			return nil, fmt.Errorf("decode graph of workflow %s: %w", wf.ID, err)
		}
		workflows = append(workflows, wf)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return workflows, nil
}

// SavePipelet creates or updates a pipelet
func (s *PostgresStore) SavePipelet(ctx context.Context, p *models.Pipelet) error {
	query := `
		INSERT INTO pipelets (id, name, description, code, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			name = $2,
			description = $3,
			code = $4,
			updated_at = $6
		RETURNING created_at
	`

	now := time.Now()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now

	return s.pool.QueryRow(ctx, query,
		p.ID, p.Name, p.Description, p.Code, p.CreatedAt, p.UpdatedAt,
	).Scan(&p.CreatedAt)
}

// ListPipelets retrieves all pipelets
func (s *PostgresStore) ListPipelets(ctx context.Context) ([]models.Pipelet, error) {
	query := `
		SELECT id, name, description, code, created_at, updated_at
		FROM pipelets
		ORDER BY id
	`

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var pipelets []models.Pipelet
	for rows.Next() {
		var p models.Pipelet
		if err := rows.Scan(&p.ID, &p.Name, &p.Description, &p.Code, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, err
		}
		pipelets = append(pipelets, p)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return pipelets, nil
}

// PipeletCode retrieves the code body of a pipelet
func (s *PostgresStore) PipeletCode(ctx context.Context, id string) (string, error) {
	var code string
	err := s.pool.QueryRow(ctx, `SELECT code FROM pipelets WHERE id = $1`, id).Scan(&code)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("pipelet %s: %w", id, ErrNotFound)
	}
	return code, err
}

// SaveRun stores a finished workflow run
func (s *PostgresStore) SaveRun(ctx context.Context, run pipeline.Run) error {
	query := `
		INSERT INTO workflow_runs (
			id, workflow_id, workflow_name, event, status, steps, message, error, started_at, finished_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`

	steps, message, err := encodeRun(run)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, query,
		run.ID, run.WorkflowID, run.WorkflowName, run.Event, string(run.Status),
		steps, message, run.Error, run.StartedAt, run.FinishedAt,
	)
	return err
}

// ListRuns retrieves up to limit runs, newest first
func (s *PostgresStore) ListRuns(ctx context.Context, limit int) ([]pipeline.Run, error) {
	query := `
		SELECT id, workflow_id, workflow_name, event, status, steps, message, error, started_at, finished_at
		FROM workflow_runs
		ORDER BY started_at DESC
		LIMIT $1
	`

	rows, err := s.pool.Query(ctx, query, clampLimit(limit, 200))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []pipeline.Run
	for rows.Next() {
		var run pipeline.Run
		var status string
		var steps, message []byte
		if err := rows.Scan(
			&run.ID, &run.WorkflowID, &run.WorkflowName, &run.Event, &status,
			&steps, &message, &run.Error, &run.StartedAt, &run.FinishedAt,
		); err != nil {
			return nil, err
		}
		run.Status = pipeline.RunStatus(status)
		if err := decodeRun(&run, steps, message); err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return runs, nil
}

// SaveLogEntry archives a log bus entry
func (s *PostgresStore) SaveLogEntry(ctx context.Context, e logbus.Entry) error {
	query := `
		INSERT INTO run_logs (entry_id, source, message, created_at)
		VALUES ($1, $2, $3, $4)
	`

	_, err := s.pool.Exec(ctx, query, int64(e.ID), string(e.Source), e.Message, e.CreatedAt)
	return err
}

// ListLogs retrieves up to limit archived entries, newest first
func (s *PostgresStore) ListLogs(ctx context.Context, limit int) ([]models.LogRecord, error) {
	query := `
		SELECT entry_id, source, message, created_at
		FROM run_logs
		ORDER BY seq DESC
		LIMIT $1
	`

	rows, err := s.pool.Query(ctx, query, clampLimit(limit, 200))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []models.LogRecord
	for rows.Next() {
		var r models.LogRecord
		var id int64
		if err := rows.Scan(&id, &r.Source, &r.Message, &r.CreatedAt); err != nil {
			return nil, err
		}
		r.ID = uint64(id)
		records = append(records, r)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return records, nil
}

// RecordTransaction creates or updates a charging transaction
func (s *PostgresStore) RecordTransaction(ctx context.Context, tx models.Transaction) error {
	query := `
		INSERT INTO transactions (
			id, charge_point_id, connector_id, id_tag,
			start_time, end_time, meter_start, meter_stop, status
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			end_time = $6,
			meter_stop = $8,
			status = $9
	`

	_, err := s.pool.Exec(ctx, query,
		tx.ID, tx.ChargePointID, tx.ConnectorID, tx.IdTag,
		tx.StartTime, tx.EndTime, tx.MeterStart, tx.MeterStop, tx.Status,
	)
	return err
}

// MaxTransactionID returns the highest stored transaction id
func (s *PostgresStore) MaxTransactionID(ctx context.Context) (int, error) {
	var max int
	err := s.pool.QueryRow(ctx, `SELECT COALESCE(MAX(id), 0) FROM transactions`).Scan(&max)
	return max, err
}

// GetTransaction retrieves a transaction by ID
func (s *PostgresStore) GetTransaction(ctx context.Context, id int) (*models.Transaction, error) {
	query := `
		SELECT
			id, charge_point_id, connector_id, id_tag,
			start_time, end_time, meter_start, meter_stop, status
		FROM transactions
		WHERE id = $1
	`

	tx := &models.Transaction{}
	err := s.pool.QueryRow(ctx, query, id).Scan(
		&tx.ID, &tx.ChargePointID, &tx.ConnectorID, &tx.IdTag,
		&tx.StartTime, &tx.EndTime, &tx.MeterStart, &tx.MeterStop, &tx.Status,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("transaction %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return tx, nil
}

func encodeRun(run pipeline.Run) (steps, message string, err error) {
	s, err := json.Marshal(run.Steps)
	if err != nil {
		return "", "", fmt.Errorf("encode run steps: %w", err)
	}
	m, err := json.Marshal(run.Message)
	if err != nil {
		return "", "", fmt.Errorf("encode run message: %w", err)
	}
	return string(s), string(m), nil
}

func decodeRun(run *pipeline.Run, steps, message []byte) error {
	if len(steps) > 0 {
		if err := json.Unmarshal(steps, &run.Steps); err != nil {
			return fmt.Errorf("decode steps of run %s: %w", run.ID, err)
		}
	}
	if len(message) > 0 {
		if err := json.Unmarshal(message, &run.Message); err != nil {
			return fmt.Errorf("decode message of run %s: %w", run.ID, err)
		}
	}
	return nil
}
