package sagaengine

import "context"

// Store is the engine's transactional persistence boundary: definitions,
// runs, steps, attempts, and the outbox. It exposes two kinds of
// primitive — plain, unlocked reads for the poller and API-facing
// lookups, and a scoped transaction (WithTransaction) for every
// state-changing operation, so a run/step transition and its follow-up
// outbox row are always persisted together.
type Store interface {
	// Init idempotently creates all tables and indexes. Safe to call on
	// every process start.
	Init(ctx context.Context) error
	// Close releases any resources the Store owns. The caller still owns
	// any pool passed in at construction time.
	Close() error

	// GetDefinition returns the named, versioned workflow definition, or
	// (nil, nil) if it does not exist.
	GetDefinition(ctx context.Context, name, version string) (*WorkflowDefinition, error)
	// PutDefinition inserts or replaces a workflow definition.
	PutDefinition(ctx context.Context, def WorkflowDefinition) error

	// GetRun returns a run by id, or (nil, nil) if it does not exist.
	GetRun(ctx context.Context, runID string) (*Run, error)
	// GetRunStep returns one run-step, or (nil, nil) if it does not exist.
	GetRunStep(ctx context.Context, runID, stepID string) (*RunStep, error)
	// ListRunSteps returns every run-step for a run, in no particular order.
	ListRunSteps(ctx context.Context, runID string) ([]RunStep, error)
	// ListStepAttempts returns the append-only attempt history for one
	// step, ordered by (attemptType, attemptNo).
	ListStepAttempts(ctx context.Context, runID, stepID string) ([]StepAttempt, error)

	// ClaimOutbox atomically selects and locks the oldest eligible outbox
	// row — PENDING and due, or IN_FLIGHT with an expired lease — and
	// returns it with its lease fields already updated, or (nil, nil) if
	// nothing is eligible.
	ClaimOutbox(ctx context.Context, workerID string, leaseTTLMs, now int64) (*OutboxMessage, error)
	// MarkOutboxDone marks a claimed outbox row DONE and clears its lease.
	MarkOutboxDone(ctx context.Context, id int64) error
	// RequeueOutbox returns a claimed outbox row to PENDING with a new
	// nextAttemptAt, clearing its lease, after a processing failure.
	RequeueOutbox(ctx context.Context, id int64, nextAttemptAt int64) error
	// OutboxBacklog reports the number of PENDING rows and the age in
	// seconds of the oldest one (0 if none), for the poller's metrics.
	OutboxBacklog(ctx context.Context, now int64) (count int, oldestAgeSeconds float64, err error)

	// WithTransaction begins a transaction, runs fn with a Tx scoped to
	// it, and commits on a nil return or rolls back (re-raising fn's
	// error) otherwise. fn must do all of its reads and writes through
	// tx: calling back into the Store from inside fn is not safe (the
	// memory backend holds its lock for the whole closure).
	WithTransaction(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}

// Tx is the set of row-locking operations available inside a Store
// transaction. Each step-executor transition (reserve, success, failure)
// and each intake operation is expressed as one or more Tx calls plus any
// outbox insert, all inside a single WithTransaction call. The compensation
// scheduler records a step's compensation outcome in one WithTransaction
// call and enqueues its follow-up (next queue message or retry), or
// finalizes or fails the run, in a second one.
type Tx interface {
	// CreateRun inserts a new run and one run-step per definition step.
	// Used only by intake's Start.
	CreateRun(ctx context.Context, run Run, steps []RunStep) error

	// LockRun reads and row-locks a run for the duration of the
	// transaction. Returns (nil, nil) if the run does not exist.
	LockRun(ctx context.Context, runID string) (*Run, error)
	// UpdateRun persists every mutable field of run (status, error
	// fields, updatedAt). The caller must have locked the row first.
	UpdateRun(ctx context.Context, run Run) error

	// LockRunStep reads and row-locks a run-step. Returns (nil, nil) if
	// it does not exist.
	LockRunStep(ctx context.Context, runID, stepID string) (*RunStep, error)
	// UpdateRunStep persists every mutable field of step.
	UpdateRunStep(ctx context.Context, step RunStep) error
	// ListRunSteps returns every run-step for a run. Safe to call after
	// LockRun without locking each step individually, since the run lock
	// already serializes concurrent transitions on this run.
	ListRunSteps(ctx context.Context, runID string) ([]RunStep, error)

	// InsertStepAttempt appends one attempt row, idempotent on the
	// (runId, stepId, attemptNo, attemptType) uniqueness key: replaying
	// the same attempt is a no-op, not an error.
	InsertStepAttempt(ctx context.Context, attempt StepAttempt) error
	// InsertOutbox inserts a new outbox row, due at msg.NextAttemptAt. New
	// rows always enter the queue as PENDING regardless of msg.Status.
	InsertOutbox(ctx context.Context, msg OutboxMessage) error
}
