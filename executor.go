package sagaengine

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
)

// stepExecutor dispatches one EXECUTE_STEP outbox message: it reserves the
// attempt, renders and invokes the step's action, persists the outcome, and
// advances the run to its next step, completion, retry, or compensation.
type stepExecutor struct {
	store   Store
	http    HTTPExecutor
	tracer  Tracer
	metrics Metrics
}

func newStepExecutor(store Store, http HTTPExecutor, tracer Tracer, metrics Metrics) *stepExecutor {
	return &stepExecutor{store: store, http: http, tracer: tracer, metrics: metrics}
}

// Execute runs the algorithm of the step executor for one payload. A
// returned error means "processing exception" to the caller (the poller),
// which requeues the outbox row with a fixed delay; every expected outcome
// (skip, retry, success, permanent failure, handoff to compensation) is
// handled internally and returns nil.
func (e *stepExecutor) Execute(ctx context.Context, payload ExecuteStepPayload) error {
	ctx, span := e.tracer.Start(ctx, "sagaengine.execute_step",
		StringAttr("run_id", payload.RunID), StringAttr("step_id", payload.StepID))
	defer span.End()

	run, err := e.store.GetRun(ctx, payload.RunID)
	if err != nil {
		return fmt.Errorf("sagaengine: execute step: load run: %w", err)
	}
	if run == nil {
		span.Event("run_missing")
		return nil
	}
	if run.Status == RunCompleted || run.Status == RunCompensated || run.Status == RunCancelled {
		span.Event("run_terminal", StringAttr("status", string(run.Status)))
		return nil
	}

	def, err := e.store.GetDefinition(ctx, run.WorkflowName, run.WorkflowVersion)
	if err != nil {
		return fmt.Errorf("sagaengine: execute step: load definition: %w", err)
	}
	if def == nil {
		return e.failRun(ctx, payload.RunID, ErrCodeWorkflowNotFound,
			fmt.Sprintf("%s@%s", run.WorkflowName, run.WorkflowVersion))
	}
	stepDef, ok := def.StepByID(payload.StepID)
	if !ok {
		return e.failRun(ctx, payload.RunID, ErrCodeStepNotFound, payload.StepID)
	}

	attemptNo, reserved, err := e.reserve(ctx, payload.RunID, payload.StepID)
	if err != nil {
		return fmt.Errorf("sagaengine: execute step: reserve: %w", err)
	}
	if !reserved {
		span.Event("reservation_skipped")
		return nil
	}

	envelope, err := renderEnvelopeFor(run)
	if err != nil {
		return fmt.Errorf("sagaengine: execute step: build envelope: %w", err)
	}
	rendered := renderRequestSpec(stepDef.Action, envelope)

	correlationID := correlationIDFor(run)
	headers := map[string]string{
		"x-idempotency-key": fmt.Sprintf("%s:%s:%d", payload.RunID, payload.StepID, attemptNo),
		"x-correlation-id":  correlationID,
	}

	result := e.http.Execute(ctx, rendered, stepDef.TimeoutMs, headers)
	span.SetAttr(IntAttr("attempt_no", attemptNo), BoolAttr("ok", result.Ok))

	if result.Ok {
		e.metrics.RecordStepAttempt(AttemptSuccess, result.DurationMs)
		return e.onSuccess(ctx, def, run, payload.StepID, attemptNo, result)
	}
	e.metrics.RecordStepAttempt(AttemptFail, result.DurationMs)
	return e.onFailure(ctx, def, run, stepDef, payload.StepID, attemptNo, result)
}

// reserve locks the run and step, applying the re-entrancy guard: a step
// already RUNNING, SUCCEEDED, or COMPENSATED is skipped rather than
// re-executed, so a redelivered outbox row after lease expiry is a no-op.
func (e *stepExecutor) reserve(ctx context.Context, runID, stepID string) (attemptNo int, reserved bool, err error) {
	err = e.store.WithTransaction(ctx, func(ctx context.Context, tx Tx) error {
		run, err := tx.LockRun(ctx, runID)
		if err != nil {
			return err
		}
		if run == nil || run.Status.IsAbsorbingTerminal() {
			return nil
		}

		step, err := tx.LockRunStep(ctx, runID, stepID)
		if err != nil {
			return err
		}
		if step == nil || step.Status == StepSucceeded || step.Status == StepCompensated || step.Status == StepRunning {
			return nil
		}

		if run.Status == RunPending || run.Status == RunFailed || run.Status == RunRunning {
			run.Status = RunRunning
			run.ErrorCode = ""
			run.ErrorMessage = ""
			run.UpdatedAt = NowUnixMilli()
			if err := tx.UpdateRun(ctx, *run); err != nil {
				return err
			}
		}

		step.Status = StepRunning
		step.Attempts++
		if step.StartedAt == nil {
			now := NowUnixMilli()
			step.StartedAt = &now
		}
		if err := tx.UpdateRunStep(ctx, *step); err != nil {
			return err
		}

		attemptNo = step.Attempts
		reserved = true
		return nil
	})
	return attemptNo, reserved, err
}

func (e *stepExecutor) onSuccess(ctx context.Context, def *WorkflowDefinition, run *Run, stepID string, attemptNo int, result HttpExecutionResult) error {
	now := NowUnixMilli()
	outputJSON, err := json.Marshal(result.Body)
	if err != nil {
		return fmt.Errorf("encode step output: %w", err)
	}

	nextStepID, hasNext := def.NextStepID(stepID)

	return e.store.WithTransaction(ctx, func(ctx context.Context, tx Tx) error {
		// Re-check the run under lock: a cancel may have landed while the
		// action was in flight, and an absorbing-terminal status must win.
		r, err := tx.LockRun(ctx, run.ID)
		if err != nil {
			return err
		}
		if r == nil || r.Status.IsAbsorbingTerminal() {
			return nil
		}

		if err := tx.InsertStepAttempt(ctx, StepAttempt{
			RunID: run.ID, StepID: stepID, AttemptNo: attemptNo, AttemptType: AttemptAction,
			Status: AttemptSuccess, HTTPStatus: result.StatusCode, DurationMs: result.DurationMs,
			CreatedAt: now,
		}); err != nil {
			return err
		}

		step, err := tx.LockRunStep(ctx, run.ID, stepID)
		if err != nil {
			return err
		}
		if step == nil {
			return fmt.Errorf("run step %s/%s vanished", run.ID, stepID)
		}
		step.Status = StepSucceeded
		step.EndedAt = &now
		step.Output = outputJSON
		if err := tx.UpdateRunStep(ctx, *step); err != nil {
			return err
		}

		if hasNext {
			payload, err := json.Marshal(ExecuteStepPayload{RunID: run.ID, StepID: nextStepID, ScheduledBy: ScheduledByNextStep})
			if err != nil {
				return err
			}
			return tx.InsertOutbox(ctx, OutboxMessage{
				RunID: run.ID, Type: OutboxExecuteStep, Payload: payload,
				NextAttemptAt: now, CreatedAt: now,
			})
		}

		r.Status = RunCompleted
		r.UpdatedAt = now
		if err := tx.UpdateRun(ctx, *r); err != nil {
			return err
		}
		e.metrics.IncRunCompleted()
		return nil
	})
}

func (e *stepExecutor) onFailure(ctx context.Context, def *WorkflowDefinition, run *Run, stepDef StepDefinition, stepID string, attemptNo int, result HttpExecutionResult) error {
	now := NowUnixMilli()
	decision := IsTransientFailure(result.TimedOut, result.NetworkError, result.StatusCode, stepDef.RetryPolicy.RetryOn409)
	shouldRetry := decision.Retryable && attemptNo < stepDef.RetryPolicy.MaxAttempts

	errMsg := result.ErrorMessage
	if errMsg == "" && result.StatusCode != nil {
		errMsg = fmt.Sprintf("HTTP %d", *result.StatusCode)
	}

	return e.store.WithTransaction(ctx, func(ctx context.Context, tx Tx) error {
		r, err := tx.LockRun(ctx, run.ID)
		if err != nil {
			return err
		}
		if r == nil || r.Status.IsAbsorbingTerminal() {
			return nil
		}

		if err := tx.InsertStepAttempt(ctx, StepAttempt{
			RunID: run.ID, StepID: stepID, AttemptNo: attemptNo, AttemptType: AttemptAction,
			Status: AttemptFail, HTTPStatus: result.StatusCode, DurationMs: result.DurationMs,
			ErrorMessage: errMsg, CreatedAt: now,
		}); err != nil {
			return err
		}

		step, err := tx.LockRunStep(ctx, run.ID, stepID)
		if err != nil {
			return err
		}
		if step == nil {
			return fmt.Errorf("run step %s/%s vanished", run.ID, stepID)
		}
		step.Status = StepFailed
		step.EndedAt = &now
		step.LastError = errMsg

		if shouldRetry {
			if err := tx.UpdateRunStep(ctx, *step); err != nil {
				return err
			}
			payload, err := json.Marshal(ExecuteStepPayload{RunID: run.ID, StepID: stepID, ScheduledBy: ScheduledByRetry})
			if err != nil {
				return err
			}
			return tx.InsertOutbox(ctx, OutboxMessage{
				RunID: run.ID, Type: OutboxExecuteStep, Payload: payload,
				NextAttemptAt: now + ComputeBackoffMs(stepDef.RetryPolicy, attemptNo, rand.Float64()),
				CreatedAt:     now,
			})
		}

		if stepDef.OnFailure == OnFailureCompensate {
			step.CompensationStatus = CompensationSkipped
			if err := tx.UpdateRunStep(ctx, *step); err != nil {
				return err
			}
			steps, err := tx.ListRunSteps(ctx, run.ID)
			if err != nil {
				return err
			}
			queue := buildCompensationQueue(def, steps)
			if len(queue) > 0 {
				r.Status = RunCompensating
				r.ErrorCode = ErrCodeStepFailed
				r.ErrorMessage = errMsg
				r.UpdatedAt = now
				if err := tx.UpdateRun(ctx, *r); err != nil {
					return err
				}
				payload, err := json.Marshal(ExecuteCompensationPayload{RunID: run.ID, Queue: queue, Reason: ReasonStepFailure})
				if err != nil {
					return err
				}
				return tx.InsertOutbox(ctx, OutboxMessage{
					RunID: run.ID, Type: OutboxExecuteCompensation, Payload: payload,
					NextAttemptAt: now, CreatedAt: now,
				})
			}
		} else if err := tx.UpdateRunStep(ctx, *step); err != nil {
			return err
		}

		r.Status = RunFailed
		r.ErrorCode = ErrCodeStepFailed
		r.ErrorMessage = errMsg
		r.UpdatedAt = now
		if err := tx.UpdateRun(ctx, *r); err != nil {
			return err
		}
		e.metrics.IncRunFailed()
		return nil
	})
}

// failRun locks and fails a run for a definition-level error (missing
// workflow or step), conditions that are detected before any step
// reservation takes place.
func (e *stepExecutor) failRun(ctx context.Context, runID, errorCode, detail string) error {
	if err := failRun(ctx, e.store, e.metrics, runID, errorCode, detail); err != nil {
		return fmt.Errorf("fail run %s with %s: %w", runID, errorCode, err)
	}
	return nil
}

// failRun locks and transitions a run to FAILED with the given error code,
// unless it is already absorbing-terminal. Shared between the step executor
// and the compensation scheduler, whose definition-missing handling is
// identical.
func failRun(ctx context.Context, store Store, metrics Metrics, runID, errorCode, detail string) error {
	now := NowUnixMilli()
	return store.WithTransaction(ctx, func(ctx context.Context, tx Tx) error {
		run, err := tx.LockRun(ctx, runID)
		if err != nil {
			return err
		}
		if run == nil || run.Status.IsAbsorbingTerminal() {
			return nil
		}
		run.Status = RunFailed
		run.ErrorCode = errorCode
		run.ErrorMessage = detail
		run.UpdatedAt = now
		if err := tx.UpdateRun(ctx, *run); err != nil {
			return err
		}
		metrics.IncRunFailed()
		return nil
	})
}

// renderRequestSpec renders an action or compensation spec's URL, headers,
// and body against env. The method is never templated.
func renderRequestSpec(spec HttpRequestSpec, env RenderEnvelope) HttpRequestSpec {
	out := HttpRequestSpec{
		Method: spec.Method,
		URL:    Render(spec.URL, env).(string),
	}
	if spec.Headers != nil {
		out.Headers = make(map[string]string, len(spec.Headers))
		for k, v := range spec.Headers {
			out.Headers[k] = Render(v, env).(string)
		}
	}
	if spec.Body != nil {
		out.Body = Render(spec.Body, env)
	}
	return out
}

// renderEnvelopeFor builds the {input, context, run:{id}} envelope from a
// run's persisted JSON fields. Absent fields decode to an empty map, never
// an error, since rendering must never fail on missing data.
func renderEnvelopeFor(run *Run) (RenderEnvelope, error) {
	input, err := decodeJSONObject(run.Input)
	if err != nil {
		return RenderEnvelope{}, fmt.Errorf("decode input: %w", err)
	}
	runContext, err := decodeJSONObject(run.Context)
	if err != nil {
		return RenderEnvelope{}, fmt.Errorf("decode context: %w", err)
	}
	return RenderEnvelope{
		Input:   input,
		Context: runContext,
		Run:     map[string]any{"id": run.ID},
	}, nil
}

func decodeJSONObject(raw json.RawMessage) (map[string]any, error) {
	if len(raw) == 0 {
		return map[string]any{}, nil
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// correlationIDFor resolves x-correlation-id: the run context's own
// correlationId field if present, otherwise the run id.
func correlationIDFor(run *Run) string {
	runContext, err := decodeJSONObject(run.Context)
	if err == nil {
		if v, ok := runContext["correlationId"].(string); ok && v != "" {
			return v
		}
	}
	return run.ID
}
