// Package memory implements sagaengine.Store in process memory. It exists
// to exercise the engine's logic in unit tests without a live Postgres
// instance.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	sagaengine "github.com/nevindra/sagaengine"
)

// Store is an in-memory, goroutine-safe sagaengine.Store.
type Store struct {
	mu sync.Mutex

	definitions map[defKey]sagaengine.WorkflowDefinition
	runs        map[string]sagaengine.Run
	steps       map[stepKey]sagaengine.RunStep
	attempts    map[string][]sagaengine.StepAttempt // keyed by runID+stepID
	outbox      map[int64]sagaengine.OutboxMessage
	nextOutbox  int64
}

type defKey struct{ name, version string }
type stepKey struct{ runID, stepID string }

var _ sagaengine.Store = (*Store)(nil)

// New returns an empty in-memory Store.
func New() *Store {
	return &Store{
		definitions: make(map[defKey]sagaengine.WorkflowDefinition),
		runs:        make(map[string]sagaengine.Run),
		steps:       make(map[stepKey]sagaengine.RunStep),
		attempts:    make(map[string][]sagaengine.StepAttempt),
		outbox:      make(map[int64]sagaengine.OutboxMessage),
		nextOutbox:  1,
	}
}

func (s *Store) Init(ctx context.Context) error { return nil }
func (s *Store) Close() error                   { return nil }

func (s *Store) GetDefinition(ctx context.Context, name, version string) (*sagaengine.WorkflowDefinition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.definitions[defKey{name, version}]
	if !ok {
		return nil, nil
	}
	clone := d
	clone.Steps = append([]sagaengine.StepDefinition(nil), d.Steps...)
	return &clone, nil
}

func (s *Store) PutDefinition(ctx context.Context, def sagaengine.WorkflowDefinition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.definitions[defKey{def.Name, def.Version}] = def
	return nil
}

func (s *Store) GetRun(ctx context.Context, runID string) (*sagaengine.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[runID]
	if !ok {
		return nil, nil
	}
	return &r, nil
}

func (s *Store) GetRunStep(ctx context.Context, runID, stepID string) (*sagaengine.RunStep, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.steps[stepKey{runID, stepID}]
	if !ok {
		return nil, nil
	}
	return &st, nil
}

func (s *Store) ListRunSteps(ctx context.Context, runID string) ([]sagaengine.RunStep, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listRunStepsLocked(runID), nil
}

func (s *Store) listRunStepsLocked(runID string) []sagaengine.RunStep {
	var out []sagaengine.RunStep
	for k, st := range s.steps {
		if k.runID == runID {
			out = append(out, st)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StepID < out[j].StepID })
	return out
}

func (s *Store) ListStepAttempts(ctx context.Context, runID, stepID string) ([]sagaengine.StepAttempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := attemptKey(runID, stepID)
	out := append([]sagaengine.StepAttempt(nil), s.attempts[key]...)
	sort.Slice(out, func(i, j int) bool {
		if out[i].AttemptType != out[j].AttemptType {
			return out[i].AttemptType < out[j].AttemptType
		}
		return out[i].AttemptNo < out[j].AttemptNo
	})
	return out, nil
}

func attemptKey(runID, stepID string) string { return runID + "/" + stepID }

func (s *Store) ClaimOutbox(ctx context.Context, workerID string, leaseTTLMs, now int64) (*sagaengine.OutboxMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var bestID int64 = -1
	var best sagaengine.OutboxMessage
	for id, msg := range s.outbox {
		eligible := (msg.Status == sagaengine.OutboxPending && msg.NextAttemptAt <= now) ||
			(msg.Status == sagaengine.OutboxInFlight && msg.LockAcquiredAt != nil && *msg.LockAcquiredAt < now-leaseTTLMs)
		if !eligible {
			continue
		}
		if bestID == -1 || msg.CreatedAt < best.CreatedAt {
			bestID, best = id, msg
		}
	}
	if bestID == -1 {
		return nil, nil
	}

	best.Status = sagaengine.OutboxInFlight
	best.LockOwner = workerID
	acquired := now
	best.LockAcquiredAt = &acquired
	best.Attempts++
	s.outbox[bestID] = best

	clone := best
	return &clone, nil
}

func (s *Store) MarkOutboxDone(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, ok := s.outbox[id]
	if !ok {
		return fmt.Errorf("memory: mark outbox done: no such id %d", id)
	}
	msg.Status = sagaengine.OutboxDone
	msg.LockOwner = ""
	msg.LockAcquiredAt = nil
	s.outbox[id] = msg
	return nil
}

func (s *Store) RequeueOutbox(ctx context.Context, id int64, nextAttemptAt int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, ok := s.outbox[id]
	if !ok {
		return fmt.Errorf("memory: requeue outbox: no such id %d", id)
	}
	msg.Status = sagaengine.OutboxPending
	msg.NextAttemptAt = nextAttemptAt
	msg.LockOwner = ""
	msg.LockAcquiredAt = nil
	s.outbox[id] = msg
	return nil
}

func (s *Store) OutboxBacklog(ctx context.Context, now int64) (int, float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	var oldest *int64
	for _, msg := range s.outbox {
		if msg.Status != sagaengine.OutboxPending {
			continue
		}
		count++
		if oldest == nil || msg.CreatedAt < *oldest {
			t := msg.CreatedAt
			oldest = &t
		}
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

// WithTransaction runs fn against the same Store under its single mutex,
// giving fn a consistent (if coarse-grained) view equivalent to a
// serializable transaction. Good enough for unit tests; Postgres provides
// the real isolation guarantees in production.
func (s *Store) WithTransaction(ctx context.Context, fn func(ctx context.Context, tx sagaengine.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(ctx, &tx{store: s})
}

// tx implements sagaengine.Tx directly against the locked Store. Since
// WithTransaction already holds s.mu for the whole call, tx's methods
// access the maps without locking again.
type tx struct {
	store *Store
}

var _ sagaengine.Tx = (*tx)(nil)

func (t *tx) CreateRun(ctx context.Context, run sagaengine.Run, steps []sagaengine.RunStep) error {
	if _, exists := t.store.runs[run.ID]; exists {
		return fmt.Errorf("memory: create run: run %s already exists", run.ID)
	}
	t.store.runs[run.ID] = run
	for _, st := range steps {
		t.store.steps[stepKey{st.RunID, st.StepID}] = st
	}
	return nil
}

func (t *tx) LockRun(ctx context.Context, runID string) (*sagaengine.Run, error) {
	r, ok := t.store.runs[runID]
	if !ok {
		return nil, nil
	}
	return &r, nil
}

func (t *tx) UpdateRun(ctx context.Context, run sagaengine.Run) error {
	t.store.runs[run.ID] = run
	return nil
}

func (t *tx) LockRunStep(ctx context.Context, runID, stepID string) (*sagaengine.RunStep, error) {
	st, ok := t.store.steps[stepKey{runID, stepID}]
	if !ok {
		return nil, nil
	}
	return &st, nil
}

func (t *tx) UpdateRunStep(ctx context.Context, step sagaengine.RunStep) error {
	t.store.steps[stepKey{step.RunID, step.StepID}] = step
	return nil
}

func (t *tx) ListRunSteps(ctx context.Context, runID string) ([]sagaengine.RunStep, error) {
	return t.store.listRunStepsLocked(runID), nil
}

func (t *tx) InsertStepAttempt(ctx context.Context, a sagaengine.StepAttempt) error {
	key := attemptKey(a.RunID, a.StepID)
	for _, existing := range t.store.attempts[key] {
		if existing.AttemptNo == a.AttemptNo && existing.AttemptType == a.AttemptType {
			return nil
		}
	}
	t.store.attempts[key] = append(t.store.attempts[key], a)
	return nil
}

func (t *tx) InsertOutbox(ctx context.Context, msg sagaengine.OutboxMessage) error {
	id := t.store.nextOutbox
	t.store.nextOutbox++
	msg.ID = id
	msg.Status = sagaengine.OutboxPending
	t.store.outbox[id] = msg
	return nil
}
