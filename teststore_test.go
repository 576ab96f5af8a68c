package sagaengine

import (
	"context"
	"fmt"
	"sort"
)

// fakeStore is a single-threaded in-package Store stub used by this
// package's own tests: a hand-rolled stub rather than a mock framework or
// the separately-shipped store/memory package (importing that here from an
// internal test file would cycle back to this package).
type fakeStore struct {
	defs     map[string]WorkflowDefinition
	runs     map[string]Run
	steps    map[string]RunStep
	attempts map[string][]StepAttempt
	outbox   map[int64]OutboxMessage
	nextID   int64
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		defs:     map[string]WorkflowDefinition{},
		runs:     map[string]Run{},
		steps:    map[string]RunStep{},
		attempts: map[string][]StepAttempt{},
		outbox:   map[int64]OutboxMessage{},
		nextID:   1,
	}
}

func defKey(name, version string) string    { return name + "@" + version }
func stepKeyOf(runID, stepID string) string { return runID + "/" + stepID }

func (s *fakeStore) Init(ctx context.Context) error { return nil }
func (s *fakeStore) Close() error                   { return nil }

func (s *fakeStore) GetDefinition(ctx context.Context, name, version string) (*WorkflowDefinition, error) {
	d, ok := s.defs[defKey(name, version)]
	if !ok {
		return nil, nil
	}
	return &d, nil
}

func (s *fakeStore) PutDefinition(ctx context.Context, def WorkflowDefinition) error {
	s.defs[defKey(def.Name, def.Version)] = def
	return nil
}

func (s *fakeStore) GetRun(ctx context.Context, runID string) (*Run, error) {
	r, ok := s.runs[runID]
	if !ok {
		return nil, nil
	}
	return &r, nil
}

func (s *fakeStore) GetRunStep(ctx context.Context, runID, stepID string) (*RunStep, error) {
	st, ok := s.steps[stepKeyOf(runID, stepID)]
	if !ok {
		return nil, nil
	}
	return &st, nil
}

func (s *fakeStore) ListRunSteps(ctx context.Context, runID string) ([]RunStep, error) {
	var out []RunStep
	for k, st := range s.steps {
		if len(k) > len(runID) && k[:len(runID)] == runID && k[len(runID)] == '/' {
			out = append(out, st)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StepID < out[j].StepID })
	return out, nil
}

func (s *fakeStore) ListStepAttempts(ctx context.Context, runID, stepID string) ([]StepAttempt, error) {
	out := append([]StepAttempt(nil), s.attempts[stepKeyOf(runID, stepID)]...)
	return out, nil
}

func (s *fakeStore) ClaimOutbox(ctx context.Context, workerID string, leaseTTLMs, now int64) (*OutboxMessage, error) {
	var bestID int64 = -1
	var best OutboxMessage
	for id, msg := range s.outbox {
		eligible := (msg.Status == OutboxPending && msg.NextAttemptAt <= now) ||
			(msg.Status == OutboxInFlight && msg.LockAcquiredAt != nil && *msg.LockAcquiredAt < now-leaseTTLMs)
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
	best.Status = OutboxInFlight
	best.LockOwner = workerID
	acquired := now
	best.LockAcquiredAt = &acquired
	best.Attempts++
	s.outbox[bestID] = best
	clone := best
	return &clone, nil
}

func (s *fakeStore) MarkOutboxDone(ctx context.Context, id int64) error {
	msg, ok := s.outbox[id]
	if !ok {
		return fmt.Errorf("no such outbox id %d", id)
	}
	msg.Status = OutboxDone
	s.outbox[id] = msg
	return nil
}

func (s *fakeStore) RequeueOutbox(ctx context.Context, id int64, nextAttemptAt int64) error {
	msg, ok := s.outbox[id]
	if !ok {
		return fmt.Errorf("no such outbox id %d", id)
	}
	msg.Status = OutboxPending
	msg.NextAttemptAt = nextAttemptAt
	msg.LockOwner = ""
	msg.LockAcquiredAt = nil
	s.outbox[id] = msg
	return nil
}

func (s *fakeStore) OutboxBacklog(ctx context.Context, now int64) (int, float64, error) {
	count := 0
	for _, msg := range s.outbox {
		if msg.Status == OutboxPending {
			count++
		}
	}
	return count, 0, nil
}

func (s *fakeStore) WithTransaction(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	return fn(ctx, &fakeTx{store: s})
}

type fakeTx struct {
	store *fakeStore
}

func (t *fakeTx) CreateRun(ctx context.Context, run Run, steps []RunStep) error {
	t.store.runs[run.ID] = run
	for _, st := range steps {
		t.store.steps[stepKeyOf(st.RunID, st.StepID)] = st
	}
	return nil
}

func (t *fakeTx) LockRun(ctx context.Context, runID string) (*Run, error) {
	r, ok := t.store.runs[runID]
	if !ok {
		return nil, nil
	}
	return &r, nil
}

func (t *fakeTx) UpdateRun(ctx context.Context, run Run) error {
	t.store.runs[run.ID] = run
	return nil
}

func (t *fakeTx) LockRunStep(ctx context.Context, runID, stepID string) (*RunStep, error) {
	st, ok := t.store.steps[stepKeyOf(runID, stepID)]
	if !ok {
		return nil, nil
	}
	return &st, nil
}

func (t *fakeTx) UpdateRunStep(ctx context.Context, step RunStep) error {
	t.store.steps[stepKeyOf(step.RunID, step.StepID)] = step
	return nil
}

func (t *fakeTx) ListRunSteps(ctx context.Context, runID string) ([]RunStep, error) {
	return t.store.ListRunSteps(ctx, runID)
}

func (t *fakeTx) InsertStepAttempt(ctx context.Context, a StepAttempt) error {
	key := stepKeyOf(a.RunID, a.StepID)
	for _, existing := range t.store.attempts[key] {
		if existing.AttemptNo == a.AttemptNo && existing.AttemptType == a.AttemptType {
			return nil
		}
	}
	t.store.attempts[key] = append(t.store.attempts[key], a)
	return nil
}

func (t *fakeTx) InsertOutbox(ctx context.Context, msg OutboxMessage) error {
	id := t.store.nextID
	t.store.nextID++
	msg.ID = id
	msg.Status = OutboxPending
	t.store.outbox[id] = msg
	return nil
}

var _ Store = (*fakeStore)(nil)
var _ Tx = (*fakeTx)(nil)
