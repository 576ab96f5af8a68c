// Package postgres implements sagaengine.Store using PostgreSQL. The
// engine's durability model needs row-level locking and skip-locked claim
// semantics, which FOR UPDATE SKIP LOCKED and pgx's
// Begin/Commit/Rollback express directly.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	sagaengine "github.com/nevindra/sagaengine"
)

// Store implements sagaengine.Store backed by PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

var _ sagaengine.Store = (*Store)(nil)

// New creates a Store using an existing pgxpool.Pool. The caller owns the
// pool and is responsible for closing it.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Init creates every table and index the engine needs. Safe to call on
// every process start: every statement is idempotent.
func (s *Store) Init(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS workflow_definitions (
			name TEXT NOT NULL,
			version TEXT NOT NULL,
			json JSONB NOT NULL,
			PRIMARY KEY (name, version)
		)`,

		`CREATE TABLE IF NOT EXISTS workflow_runs (
			id TEXT PRIMARY KEY,
			workflow_name TEXT NOT NULL,
			workflow_version TEXT NOT NULL,
			status TEXT NOT NULL,
			input JSONB,
			context JSONB,
			error_code TEXT NOT NULL DEFAULT '',
			error_message TEXT NOT NULL DEFAULT '',
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS run_steps (
			run_id TEXT NOT NULL,
			step_id TEXT NOT NULL,
			status TEXT NOT NULL,
			attempts INTEGER NOT NULL DEFAULT 0,
			last_error TEXT NOT NULL DEFAULT '',
			started_at BIGINT,
			ended_at BIGINT,
			output JSONB,
			compensation_status TEXT NOT NULL DEFAULT 'PENDING',
			compensation_attempts INTEGER NOT NULL DEFAULT 0,
			compensation_error TEXT NOT NULL DEFAULT '',
			UNIQUE (run_id, step_id)
		)`,
		`CREATE INDEX IF NOT EXISTS run_steps_run_idx ON run_steps(run_id)`,

		`CREATE TABLE IF NOT EXISTS step_attempts (
			run_id TEXT NOT NULL,
			step_id TEXT NOT NULL,
			attempt_no INTEGER NOT NULL,
			attempt_type TEXT NOT NULL,
			status TEXT NOT NULL,
			http_status INTEGER,
			duration_ms BIGINT NOT NULL,
			error_message TEXT NOT NULL DEFAULT '',
			created_at BIGINT NOT NULL,
			UNIQUE (run_id, step_id, attempt_no, attempt_type)
		)`,
		`CREATE INDEX IF NOT EXISTS step_attempts_run_step_idx ON step_attempts(run_id, step_id)`,

		`CREATE TABLE IF NOT EXISTS outbox (
			id BIGSERIAL PRIMARY KEY,
			run_id TEXT NOT NULL,
			type TEXT NOT NULL,
			payload JSONB NOT NULL,
			status TEXT NOT NULL,
			attempts INTEGER NOT NULL DEFAULT 0,
			next_attempt_at BIGINT NOT NULL,
			lock_owner TEXT NOT NULL DEFAULT '',
			lock_acquired_at BIGINT,
			created_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS outbox_status_next_attempt_idx ON outbox(status, next_attempt_at)`,
		`CREATE INDEX IF NOT EXISTS outbox_created_at_idx ON outbox(created_at)`,
	}

	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres: init: %w", err)
		}
	}
	return nil
}

// Close is a no-op. The caller owns the pool and manages its lifecycle.
func (s *Store) Close() error { return nil }

// --- Definitions ---

func (s *Store) GetDefinition(ctx context.Context, name, version string) (*sagaengine.WorkflowDefinition, error) {
	var raw []byte
	err := s.pool.QueryRow(ctx,
		`SELECT json FROM workflow_definitions WHERE name = $1 AND version = $2`,
		name, version).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: get definition: %w", err)
	}
	var def sagaengine.WorkflowDefinition
	if err := json.Unmarshal(raw, &def); err != nil {
		return nil, fmt.Errorf("postgres: decode definition: %w", err)
	}
	return &def, nil
}

func (s *Store) PutDefinition(ctx context.Context, def sagaengine.WorkflowDefinition) error {
	raw, err := json.Marshal(def)
	if err != nil {
		return fmt.Errorf("postgres: encode definition: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO workflow_definitions (name, version, json)
		 VALUES ($1, $2, $3::jsonb)
		 ON CONFLICT (name, version) DO UPDATE SET json = EXCLUDED.json`,
		def.Name, def.Version, raw)
	if err != nil {
		return fmt.Errorf("postgres: put definition: %w", err)
	}
	return nil
}

// --- Runs / steps / attempts (plain reads) ---

func (s *Store) GetRun(ctx context.Context, runID string) (*sagaengine.Run, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, workflow_name, workflow_version, status, input, context,
		        error_code, error_message, created_at, updated_at
		 FROM workflow_runs WHERE id = $1`, runID)
	run, err := scanRun(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: get run: %w", err)
	}
	return run, nil
}

func (s *Store) GetRunStep(ctx context.Context, runID, stepID string) (*sagaengine.RunStep, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT run_id, step_id, status, attempts, last_error, started_at, ended_at,
		        output, compensation_status, compensation_attempts, compensation_error
		 FROM run_steps WHERE run_id = $1 AND step_id = $2`, runID, stepID)
	step, err := scanRunStep(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: get run step: %w", err)
	}
	return step, nil
}

func (s *Store) ListRunSteps(ctx context.Context, runID string) ([]sagaengine.RunStep, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT run_id, step_id, status, attempts, last_error, started_at, ended_at,
		        output, compensation_status, compensation_attempts, compensation_error
		 FROM run_steps WHERE run_id = $1`, runID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list run steps: %w", err)
	}
	defer rows.Close()
	return scanRunSteps(rows)
}

func (s *Store) ListStepAttempts(ctx context.Context, runID, stepID string) ([]sagaengine.StepAttempt, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT run_id, step_id, attempt_no, attempt_type, status, http_status,
		        duration_ms, error_message, created_at
		 FROM step_attempts WHERE run_id = $1 AND step_id = $2
		 ORDER BY attempt_type, attempt_no`, runID, stepID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list step attempts: %w", err)
	}
	defer rows.Close()

	var attempts []sagaengine.StepAttempt
	for rows.Next() {
		a, err := scanStepAttempt(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan step attempt: %w", err)
		}
		attempts = append(attempts, a)
	}
	return attempts, rows.Err()
}

// --- Outbox ---

// ClaimOutbox claims one outbox row in a single atomic statement: a CTE
// selects the oldest eligible row with FOR UPDATE SKIP LOCKED, and the
// UPDATE...FROM claims it in the same round trip.
func (s *Store) ClaimOutbox(ctx context.Context, workerID string, leaseTTLMs, now int64) (*sagaengine.OutboxMessage, error) {
	row := s.pool.QueryRow(ctx,
		`WITH candidate AS (
			SELECT id FROM outbox
			WHERE (status = 'PENDING' AND next_attempt_at <= $1)
			   OR (status = 'IN_FLIGHT' AND lock_acquired_at < $1 - $2)
			ORDER BY created_at
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		UPDATE outbox o
		SET status = 'IN_FLIGHT', lock_owner = $3, lock_acquired_at = $1, attempts = o.attempts + 1
		FROM candidate c
		WHERE o.id = c.id
		RETURNING o.id, o.run_id, o.type, o.payload, o.status, o.attempts,
		          o.next_attempt_at, o.lock_owner, o.lock_acquired_at, o.created_at`,
		now, leaseTTLMs, workerID)

	msg, err := scanOutbox(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: claim outbox: %w", err)
	}
	return msg, nil
}

func (s *Store) MarkOutboxDone(ctx context.Context, id int64) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE outbox SET status = 'DONE', lock_owner = '', lock_acquired_at = NULL WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("postgres: mark outbox done: %w", err)
	}
	return nil
}

func (s *Store) RequeueOutbox(ctx context.Context, id int64, nextAttemptAt int64) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE outbox SET status = 'PENDING', next_attempt_at = $1, lock_owner = '', lock_acquired_at = NULL
		 WHERE id = $2`, nextAttemptAt, id)
	if err != nil {
		return fmt.Errorf("postgres: requeue outbox: %w", err)
	}
	return nil
}

func (s *Store) OutboxBacklog(ctx context.Context, now int64) (int, float64, error) {
	var count int
	var oldest *int64
	err := s.pool.QueryRow(ctx,
		`SELECT count(*), min(created_at) FROM outbox WHERE status = 'PENDING'`,
	).Scan(&count, &oldest)
	if err != nil {
		return 0, 0, fmt.Errorf("postgres: outbox backlog: %w", err)
	}
	if oldest == nil {
		return count, 0, nil
	}
	ageMs := now - *oldest
	if ageMs < 0 {
		ageMs = 0
	}
	return count, float64(ageMs) / 1000, nil
}

// --- Transactions ---

func (s *Store) WithTransaction(ctx context.Context, fn func(ctx context.Context, tx sagaengine.Tx) error) error {
	pgTx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin tx: %w", err)
	}
	defer pgTx.Rollback(ctx) //nolint:errcheck

	if err := fn(ctx, &tx{pgTx: pgTx}); err != nil {
		return err
	}
	if err := pgTx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit tx: %w", err)
	}
	return nil
}

// tx implements sagaengine.Tx over one pgx.Tx.
type tx struct {
	pgTx pgx.Tx
}

var _ sagaengine.Tx = (*tx)(nil)

func (t *tx) CreateRun(ctx context.Context, run sagaengine.Run, steps []sagaengine.RunStep) error {
	_, err := t.pgTx.Exec(ctx,
		`INSERT INTO workflow_runs
		 (id, workflow_name, workflow_version, status, input, context, error_code, error_message, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5::jsonb, $6::jsonb, $7, $8, $9, $10)`,
		run.ID, run.WorkflowName, run.WorkflowVersion, string(run.Status), rawOrNull(run.Input),
		rawOrNull(run.Context), run.ErrorCode, run.ErrorMessage, run.CreatedAt, run.UpdatedAt)
	if err != nil {
		return fmt.Errorf("postgres: create run: %w", err)
	}

	for _, step := range steps {
		_, err := t.pgTx.Exec(ctx,
			`INSERT INTO run_steps
			 (run_id, step_id, status, attempts, last_error, started_at, ended_at, output,
			  compensation_status, compensation_attempts, compensation_error)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8::jsonb, $9, $10, $11)`,
			step.RunID, step.StepID, string(step.Status), step.Attempts, step.LastError,
			step.StartedAt, step.EndedAt, rawOrNull(step.Output),
			string(step.CompensationStatus), step.CompensationAttempts, step.CompensationError)
		if err != nil {
			return fmt.Errorf("postgres: create run step %s: %w", step.StepID, err)
		}
	}
	return nil
}

func (t *tx) LockRun(ctx context.Context, runID string) (*sagaengine.Run, error) {
	row := t.pgTx.QueryRow(ctx,
		`SELECT id, workflow_name, workflow_version, status, input, context,
		        error_code, error_message, created_at, updated_at
		 FROM workflow_runs WHERE id = $1 FOR UPDATE`, runID)
	run, err := scanRun(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: lock run: %w", err)
	}
	return run, nil
}

func (t *tx) UpdateRun(ctx context.Context, run sagaengine.Run) error {
	_, err := t.pgTx.Exec(ctx,
		`UPDATE workflow_runs
		 SET status = $1, error_code = $2, error_message = $3, updated_at = $4
		 WHERE id = $5`,
		string(run.Status), run.ErrorCode, run.ErrorMessage, run.UpdatedAt, run.ID)
	if err != nil {
		return fmt.Errorf("postgres: update run: %w", err)
	}
	return nil
}

func (t *tx) LockRunStep(ctx context.Context, runID, stepID string) (*sagaengine.RunStep, error) {
	row := t.pgTx.QueryRow(ctx,
		`SELECT run_id, step_id, status, attempts, last_error, started_at, ended_at,
		        output, compensation_status, compensation_attempts, compensation_error
		 FROM run_steps WHERE run_id = $1 AND step_id = $2 FOR UPDATE`, runID, stepID)
	step, err := scanRunStep(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: lock run step: %w", err)
	}
	return step, nil
}

func (t *tx) UpdateRunStep(ctx context.Context, step sagaengine.RunStep) error {
	_, err := t.pgTx.Exec(ctx,
		`UPDATE run_steps
		 SET status = $1, attempts = $2, last_error = $3, started_at = $4, ended_at = $5,
		     output = $6::jsonb, compensation_status = $7, compensation_attempts = $8,
		     compensation_error = $9
		 WHERE run_id = $10 AND step_id = $11`,
		string(step.Status), step.Attempts, step.LastError, step.StartedAt, step.EndedAt,
		rawOrNull(step.Output), string(step.CompensationStatus), step.CompensationAttempts,
		step.CompensationError, step.RunID, step.StepID)
	if err != nil {
		return fmt.Errorf("postgres: update run step: %w", err)
	}
	return nil
}

func (t *tx) ListRunSteps(ctx context.Context, runID string) ([]sagaengine.RunStep, error) {
	rows, err := t.pgTx.Query(ctx,
		`SELECT run_id, step_id, status, attempts, last_error, started_at, ended_at,
		        output, compensation_status, compensation_attempts, compensation_error
		 FROM run_steps WHERE run_id = $1`, runID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list run steps: %w", err)
	}
	defer rows.Close()
	return scanRunSteps(rows)
}

func (t *tx) InsertStepAttempt(ctx context.Context, a sagaengine.StepAttempt) error {
	_, err := t.pgTx.Exec(ctx,
		`INSERT INTO step_attempts
		 (run_id, step_id, attempt_no, attempt_type, status, http_status, duration_ms, error_message, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (run_id, step_id, attempt_no, attempt_type) DO NOTHING`,
		a.RunID, a.StepID, a.AttemptNo, string(a.AttemptType), string(a.Status),
		a.HTTPStatus, a.DurationMs, a.ErrorMessage, a.CreatedAt)
	if err != nil {
		return fmt.Errorf("postgres: insert step attempt: %w", err)
	}
	return nil
}

func (t *tx) InsertOutbox(ctx context.Context, msg sagaengine.OutboxMessage) error {
	_, err := t.pgTx.Exec(ctx,
		`INSERT INTO outbox (run_id, type, payload, status, attempts, next_attempt_at, created_at)
		 VALUES ($1, $2, $3::jsonb, $4, $5, $6, $7)`,
		msg.RunID, string(msg.Type), []byte(msg.Payload), string(sagaengine.OutboxPending), msg.Attempts,
		msg.NextAttemptAt, msg.CreatedAt)
	if err != nil {
		return fmt.Errorf("postgres: insert outbox: %w", err)
	}
	return nil
}

// --- scan helpers ---

type scannable interface {
	Scan(dest ...any) error
}

func scanRun(row scannable) (*sagaengine.Run, error) {
	var r sagaengine.Run
	var input, context []byte
	if err := row.Scan(&r.ID, &r.WorkflowName, &r.WorkflowVersion, &r.Status, &input, &context,
		&r.ErrorCode, &r.ErrorMessage, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return nil, err
	}
	r.Input = input
	r.Context = context
	return &r, nil
}

func scanRunStep(row scannable) (*sagaengine.RunStep, error) {
	var st sagaengine.RunStep
	var output []byte
	if err := row.Scan(&st.RunID, &st.StepID, &st.Status, &st.Attempts, &st.LastError,
		&st.StartedAt, &st.EndedAt, &output, &st.CompensationStatus,
		&st.CompensationAttempts, &st.CompensationError); err != nil {
		return nil, err
	}
	st.Output = output
	return &st, nil
}

func scanRunSteps(rows pgx.Rows) ([]sagaengine.RunStep, error) {
	var steps []sagaengine.RunStep
	for rows.Next() {
		st, err := scanRunStep(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan run step: %w", err)
		}
		steps = append(steps, *st)
	}
	return steps, rows.Err()
}

func scanStepAttempt(row scannable) (sagaengine.StepAttempt, error) {
	var a sagaengine.StepAttempt
	err := row.Scan(&a.RunID, &a.StepID, &a.AttemptNo, &a.AttemptType, &a.Status,
		&a.HTTPStatus, &a.DurationMs, &a.ErrorMessage, &a.CreatedAt)
	return a, err
}

func scanOutbox(row scannable) (*sagaengine.OutboxMessage, error) {
	var m sagaengine.OutboxMessage
	var payload []byte
	if err := row.Scan(&m.ID, &m.RunID, &m.Type, &payload, &m.Status, &m.Attempts,
		&m.NextAttemptAt, &m.LockOwner, &m.LockAcquiredAt, &m.CreatedAt); err != nil {
		return nil, err
	}
	m.Payload = payload
	return &m, nil
}

// rawOrNull converts an empty json.RawMessage to nil so it binds to SQL
// NULL instead of an invalid empty jsonb literal.
func rawOrNull(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	return raw
}
