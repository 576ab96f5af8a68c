package sagaengine

import (
	"context"
	"testing"
)

func compensableDef() WorkflowDefinition {
	return WorkflowDefinition{
		Name: "wf", Version: "1.0.0",
		Steps: []StepDefinition{
			{StepID: "a", TimeoutMs: 1000, RetryPolicy: RetryPolicy{MaxAttempts: 2, InitialDelayMs: 10, MaxDelayMs: 50, Multiplier: 2},
				Compensation: &HttpRequestSpec{Method: "POST", URL: "http://x/undo-a"}, OnFailure: OnFailureCompensate},
			{StepID: "b", TimeoutMs: 1000, RetryPolicy: RetryPolicy{MaxAttempts: 2, InitialDelayMs: 10, MaxDelayMs: 50, Multiplier: 2}, OnFailure: OnFailureCompensate},
		},
	}
}

func TestCompensationScheduler_SuccessWalksQueueToCompensated(t *testing.T) {
	store := newFakeStore()
	def := compensableDef()
	seedRun(store, "r1", def)
	store.runs["r1"] = Run{ID: "r1", WorkflowName: "wf", WorkflowVersion: "1.0.0", Status: RunCompensating, ErrorCode: ErrCodeStepFailed}
	store.steps[stepKeyOf("r1", "a")] = RunStep{RunID: "r1", StepID: "a", Status: StepSucceeded, CompensationStatus: CompensationPending}

	http := &stubHTTPExecutor{results: []HttpExecutionResult{{Ok: true, StatusCode: intPtr(200)}}}
	sched := newCompensationScheduler(store, http, noopTracer{}, NoopMetrics{})

	err := sched.Execute(context.Background(), ExecuteCompensationPayload{RunID: "r1", Queue: []string{"a"}, Reason: ReasonStepFailure})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}

	stepA := store.steps[stepKeyOf("r1", "a")]
	if stepA.CompensationStatus != CompensationDone || stepA.Status != StepCompensated {
		t.Fatalf("expected a compensated, got %+v", stepA)
	}
	if run := store.runs["r1"]; run.Status != RunCompensated {
		t.Fatalf("expected run COMPENSATED, got %s", run.Status)
	}
}

func TestCompensationScheduler_NoCompensationSpecIsSkipped(t *testing.T) {
	store := newFakeStore()
	def := compensableDef()
	seedRun(store, "r1", def)
	store.runs["r1"] = Run{ID: "r1", WorkflowName: "wf", WorkflowVersion: "1.0.0", Status: RunCompensating}
	store.steps[stepKeyOf("r1", "b")] = RunStep{RunID: "r1", StepID: "b", Status: StepSucceeded, CompensationStatus: CompensationPending}

	http := &stubHTTPExecutor{}
	sched := newCompensationScheduler(store, http, noopTracer{}, NoopMetrics{})

	err := sched.Execute(context.Background(), ExecuteCompensationPayload{RunID: "r1", Queue: []string{"b"}, Reason: ReasonStepFailure})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if http.calls != 0 {
		t.Error("a step with no compensation spec must never invoke HTTP")
	}
	stepB := store.steps[stepKeyOf("r1", "b")]
	if stepB.CompensationStatus != CompensationSkipped {
		t.Errorf("expected SKIPPED, got %s", stepB.CompensationStatus)
	}
	if run := store.runs["r1"]; run.Status != RunCompensated {
		t.Errorf("expected run COMPENSATED once queue drains, got %s", run.Status)
	}
}

func TestCompensationScheduler_FailureRetriesSameHead(t *testing.T) {
	store := newFakeStore()
	def := compensableDef()
	seedRun(store, "r1", def)
	store.runs["r1"] = Run{ID: "r1", WorkflowName: "wf", WorkflowVersion: "1.0.0", Status: RunCompensating}
	store.steps[stepKeyOf("r1", "a")] = RunStep{RunID: "r1", StepID: "a", Status: StepSucceeded, CompensationStatus: CompensationPending}

	http := &stubHTTPExecutor{results: []HttpExecutionResult{{Ok: false, StatusCode: intPtr(500)}}}
	sched := newCompensationScheduler(store, http, noopTracer{}, NoopMetrics{})

	err := sched.Execute(context.Background(), ExecuteCompensationPayload{RunID: "r1", Queue: []string{"a"}, Reason: ReasonStepFailure})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}

	stepA := store.steps[stepKeyOf("r1", "a")]
	if stepA.CompensationStatus != CompensationFailed {
		t.Fatalf("expected FAILED pending retry, got %s", stepA.CompensationStatus)
	}

	var requeued bool
	for _, msg := range store.outbox {
		if msg.Type == OutboxExecuteCompensation {
			requeued = true
		}
	}
	if !requeued {
		t.Error("expected a retry EXECUTE_COMPENSATION row for a transient failure")
	}
	if run := store.runs["r1"]; run.Status != RunCompensating {
		t.Errorf("run should remain COMPENSATING while compensation retries, got %s", run.Status)
	}
}

func TestCompensationScheduler_ExhaustedRetriesFailRun(t *testing.T) {
	store := newFakeStore()
	def := compensableDef()
	def.Steps[0].RetryPolicy.MaxAttempts = 1
	seedRun(store, "r1", def)
	store.runs["r1"] = Run{ID: "r1", WorkflowName: "wf", WorkflowVersion: "1.0.0", Status: RunCompensating}
	store.steps[stepKeyOf("r1", "a")] = RunStep{RunID: "r1", StepID: "a", Status: StepSucceeded, CompensationStatus: CompensationPending}

	http := &stubHTTPExecutor{results: []HttpExecutionResult{{Ok: false, StatusCode: intPtr(400)}}}
	sched := newCompensationScheduler(store, http, noopTracer{}, NoopMetrics{})

	err := sched.Execute(context.Background(), ExecuteCompensationPayload{RunID: "r1", Queue: []string{"a"}, Reason: ReasonStepFailure})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}

	run := store.runs["r1"]
	if run.Status != RunFailed || run.ErrorCode != ErrCodeCompensationFailed {
		t.Fatalf("expected FAILED/COMPENSATION_FAILED, got %+v", run)
	}
}

func TestCompensationScheduler_WalksQueueInReverseOrder(t *testing.T) {
	store := newFakeStore()
	def := WorkflowDefinition{
		Name: "wf", Version: "1.0.0",
		Steps: []StepDefinition{
			{StepID: "a", TimeoutMs: 1000, RetryPolicy: RetryPolicy{MaxAttempts: 2, InitialDelayMs: 10, MaxDelayMs: 50, Multiplier: 2},
				Compensation: &HttpRequestSpec{Method: "POST", URL: "http://x/undo-a"}, OnFailure: OnFailureCompensate},
			{StepID: "b", TimeoutMs: 1000, RetryPolicy: RetryPolicy{MaxAttempts: 2, InitialDelayMs: 10, MaxDelayMs: 50, Multiplier: 2},
				Compensation: &HttpRequestSpec{Method: "POST", URL: "http://x/undo-b"}, OnFailure: OnFailureCompensate},
		},
	}
	seedRun(store, "r1", def)
	store.runs["r1"] = Run{ID: "r1", WorkflowName: "wf", WorkflowVersion: "1.0.0", Status: RunCompensating}
	store.steps[stepKeyOf("r1", "a")] = RunStep{RunID: "r1", StepID: "a", Status: StepSucceeded, CompensationStatus: CompensationPending}
	store.steps[stepKeyOf("r1", "b")] = RunStep{RunID: "r1", StepID: "b", Status: StepSucceeded, CompensationStatus: CompensationPending}

	http := &stubHTTPExecutor{results: []HttpExecutionResult{
		{Ok: true, StatusCode: intPtr(200)},
		{Ok: true, StatusCode: intPtr(200)},
	}}
	sched := newCompensationScheduler(store, http, noopTracer{}, NoopMetrics{})

	// b succeeded last, so the queue is head-first [b, a]. Each Execute
	// handles one head and enqueues the remainder; drain the outbox the way
	// the poller would.
	queue := []string{"b", "a"}
	if err := sched.Execute(context.Background(), ExecuteCompensationPayload{RunID: "r1", Queue: queue, Reason: ReasonStepFailure}); err != nil {
		t.Fatalf("execute head: %v", err)
	}
	if got := store.steps[stepKeyOf("r1", "b")].CompensationStatus; got != CompensationDone {
		t.Fatalf("head b should be compensated first, got %s", got)
	}
	if got := store.steps[stepKeyOf("r1", "a")].CompensationStatus; got != CompensationPending {
		t.Fatalf("a should still be PENDING after only the head ran, got %s", got)
	}
	if err := sched.Execute(context.Background(), ExecuteCompensationPayload{RunID: "r1", Queue: queue[1:], Reason: ReasonStepFailure}); err != nil {
		t.Fatalf("execute tail: %v", err)
	}

	attemptsB := store.attempts[stepKeyOf("r1", "b")]
	attemptsA := store.attempts[stepKeyOf("r1", "a")]
	if len(attemptsB) != 1 || len(attemptsA) != 1 {
		t.Fatalf("expected one compensation attempt per step, got b=%d a=%d", len(attemptsB), len(attemptsA))
	}
	if attemptsB[0].AttemptType != AttemptCompensation || attemptsA[0].AttemptType != AttemptCompensation {
		t.Error("expected COMPENSATION attempt rows")
	}
	if http.calls != 2 {
		t.Fatalf("expected 2 compensation calls, got %d", http.calls)
	}
	if run := store.runs["r1"]; run.Status != RunCompensated {
		t.Errorf("expected run COMPENSATED after queue drains, got %s", run.Status)
	}
}

func TestCompensationScheduler_ReservationSkipsAlreadyCompensatedStep(t *testing.T) {
	store := newFakeStore()
	def := compensableDef()
	seedRun(store, "r1", def)
	store.runs["r1"] = Run{ID: "r1", WorkflowName: "wf", WorkflowVersion: "1.0.0", Status: RunCompensating}
	store.steps[stepKeyOf("r1", "a")] = RunStep{RunID: "r1", StepID: "a", Status: StepCompensated, CompensationStatus: CompensationDone}

	http := &stubHTTPExecutor{}
	sched := newCompensationScheduler(store, http, noopTracer{}, NoopMetrics{})

	if err := sched.Execute(context.Background(), ExecuteCompensationPayload{RunID: "r1", Queue: []string{"a"}, Reason: ReasonStepFailure}); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if http.calls != 0 {
		t.Error("an already-compensated step must not be compensated again (idempotent replay)")
	}
	if run := store.runs["r1"]; run.Status != RunCompensated {
		t.Errorf("expected run COMPENSATED after skipping the drained head, got %s", run.Status)
	}
}

func TestCompensationScheduler_EmptyQueueFinalizes(t *testing.T) {
	store := newFakeStore()
	store.runs["r1"] = Run{ID: "r1", WorkflowName: "wf", WorkflowVersion: "1.0.0", Status: RunCompensating}

	sched := newCompensationScheduler(store, &stubHTTPExecutor{}, noopTracer{}, NoopMetrics{})
	if err := sched.Execute(context.Background(), ExecuteCompensationPayload{RunID: "r1", Queue: nil, Reason: ReasonStepFailure}); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if run := store.runs["r1"]; run.Status != RunCompensated {
		t.Errorf("expected COMPENSATED, got %s", run.Status)
	}
}
