package sagaengine

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
)

// compensationScheduler dispatches one EXECUTE_COMPENSATION outbox message:
// it walks the head of a reverse-order queue of previously-succeeded steps,
// compensating one at a time with the same reserve/execute/persist
// discipline as the step executor.
type compensationScheduler struct {
	store   Store
	http    HTTPExecutor
	tracer  Tracer
	metrics Metrics
}

func newCompensationScheduler(store Store, http HTTPExecutor, tracer Tracer, metrics Metrics) *compensationScheduler {
	return &compensationScheduler{store: store, http: http, tracer: tracer, metrics: metrics}
}

func (c *compensationScheduler) Execute(ctx context.Context, payload ExecuteCompensationPayload) error {
	ctx, span := c.tracer.Start(ctx, "sagaengine.execute_compensation",
		StringAttr("run_id", payload.RunID), IntAttr("queue_len", len(payload.Queue)))
	defer span.End()

	if len(payload.Queue) == 0 {
		return c.continueQueue(ctx, payload.RunID, nil, payload.Reason)
	}

	run, err := c.store.GetRun(ctx, payload.RunID)
	if err != nil {
		return fmt.Errorf("sagaengine: execute compensation: load run: %w", err)
	}
	if run == nil {
		span.Event("run_missing")
		return nil
	}

	def, err := c.store.GetDefinition(ctx, run.WorkflowName, run.WorkflowVersion)
	if err != nil {
		return fmt.Errorf("sagaengine: execute compensation: load definition: %w", err)
	}
	if def == nil {
		return failRun(ctx, c.store, c.metrics, payload.RunID, ErrCodeWorkflowNotFound,
			fmt.Sprintf("%s@%s", run.WorkflowName, run.WorkflowVersion))
	}

	current := payload.Queue[0]
	remaining := payload.Queue[1:]
	span.SetAttr(StringAttr("current_step", current))

	stepDef, ok := def.StepByID(current)
	if !ok {
		span.Event("step_not_in_definition")
		return c.continueQueue(ctx, payload.RunID, remaining, payload.Reason)
	}

	if stepDef.Compensation == nil {
		if err := c.skipCompensation(ctx, payload.RunID, current); err != nil {
			return fmt.Errorf("sagaengine: execute compensation: skip %s: %w", current, err)
		}
		return c.continueQueue(ctx, payload.RunID, remaining, payload.Reason)
	}

	attemptNo, reserved, err := c.reserve(ctx, payload.RunID, current)
	if err != nil {
		return fmt.Errorf("sagaengine: execute compensation: reserve %s: %w", current, err)
	}
	if !reserved {
		span.Event("reservation_skipped")
		return c.continueQueue(ctx, payload.RunID, remaining, payload.Reason)
	}

	envelope, err := renderEnvelopeFor(run)
	if err != nil {
		return fmt.Errorf("sagaengine: execute compensation: build envelope: %w", err)
	}
	rendered := renderRequestSpec(*stepDef.Compensation, envelope)

	headers := map[string]string{
		"x-idempotency-key": fmt.Sprintf("%s:%s:compensation:%d", payload.RunID, current, attemptNo),
		"x-correlation-id":  correlationIDFor(run),
	}
	result := c.http.Execute(ctx, rendered, stepDef.TimeoutMs, headers)
	span.SetAttr(IntAttr("attempt_no", attemptNo), BoolAttr("ok", result.Ok))

	if result.Ok {
		c.metrics.RecordCompensationAttempt(AttemptSuccess, result.DurationMs)
		if err := c.onSuccess(ctx, payload.RunID, current, attemptNo, result); err != nil {
			return fmt.Errorf("sagaengine: execute compensation: success %s: %w", current, err)
		}
		return c.continueQueue(ctx, payload.RunID, remaining, payload.Reason)
	}

	c.metrics.RecordCompensationAttempt(AttemptFail, result.DurationMs)
	return c.onFailure(ctx, payload, def, stepDef, current, remaining, attemptNo, result)
}

// reserve locks the run-step and, unless its compensation is already
// COMPENSATED, SKIPPED, or RUNNING, marks it RUNNING and returns the new
// compensation attempt number.
func (c *compensationScheduler) reserve(ctx context.Context, runID, stepID string) (attemptNo int, reserved bool, err error) {
	err = c.store.WithTransaction(ctx, func(ctx context.Context, tx Tx) error {
		step, err := tx.LockRunStep(ctx, runID, stepID)
		if err != nil {
			return err
		}
		if step == nil {
			return nil
		}
		if step.CompensationStatus == CompensationDone || step.CompensationStatus == CompensationSkipped || step.CompensationStatus == CompensationRunning {
			return nil
		}
		step.CompensationStatus = CompensationRunning
		step.CompensationAttempts++
		if err := tx.UpdateRunStep(ctx, *step); err != nil {
			return err
		}
		attemptNo = step.CompensationAttempts
		reserved = true
		return nil
	})
	return attemptNo, reserved, err
}

func (c *compensationScheduler) skipCompensation(ctx context.Context, runID, stepID string) error {
	return c.store.WithTransaction(ctx, func(ctx context.Context, tx Tx) error {
		step, err := tx.LockRunStep(ctx, runID, stepID)
		if err != nil {
			return err
		}
		if step == nil {
			return nil
		}
		step.CompensationStatus = CompensationSkipped
		step.CompensationError = ""
		return tx.UpdateRunStep(ctx, *step)
	})
}

func (c *compensationScheduler) onSuccess(ctx context.Context, runID, stepID string, attemptNo int, result HttpExecutionResult) error {
	now := NowUnixMilli()
	return c.store.WithTransaction(ctx, func(ctx context.Context, tx Tx) error {
		if err := tx.InsertStepAttempt(ctx, StepAttempt{
			RunID: runID, StepID: stepID, AttemptNo: attemptNo, AttemptType: AttemptCompensation,
			Status: AttemptSuccess, HTTPStatus: result.StatusCode, DurationMs: result.DurationMs,
			CreatedAt: now,
		}); err != nil {
			return err
		}
		step, err := tx.LockRunStep(ctx, runID, stepID)
		if err != nil {
			return err
		}
		if step == nil {
			return fmt.Errorf("run step %s/%s vanished", runID, stepID)
		}
		step.CompensationStatus = CompensationDone
		step.CompensationError = ""
		if step.Status == StepSucceeded {
			step.Status = StepCompensated
		}
		return tx.UpdateRunStep(ctx, *step)
	})
}

func (c *compensationScheduler) onFailure(ctx context.Context, payload ExecuteCompensationPayload, def *WorkflowDefinition, stepDef StepDefinition, stepID string, remaining []string, attemptNo int, result HttpExecutionResult) error {
	now := NowUnixMilli()
	decision := IsTransientFailure(result.TimedOut, result.NetworkError, result.StatusCode, stepDef.RetryPolicy.RetryOn409)
	shouldRetry := decision.Retryable && attemptNo < stepDef.RetryPolicy.MaxAttempts

	errMsg := result.ErrorMessage
	if errMsg == "" && result.StatusCode != nil {
		errMsg = fmt.Sprintf("HTTP %d", *result.StatusCode)
	}

	err := c.store.WithTransaction(ctx, func(ctx context.Context, tx Tx) error {
		if err := tx.InsertStepAttempt(ctx, StepAttempt{
			RunID: payload.RunID, StepID: stepID, AttemptNo: attemptNo, AttemptType: AttemptCompensation,
			Status: AttemptFail, HTTPStatus: result.StatusCode, DurationMs: result.DurationMs,
			ErrorMessage: errMsg, CreatedAt: now,
		}); err != nil {
			return err
		}
		step, err := tx.LockRunStep(ctx, payload.RunID, stepID)
		if err != nil {
			return err
		}
		if step == nil {
			return fmt.Errorf("run step %s/%s vanished", payload.RunID, stepID)
		}
		step.CompensationStatus = CompensationFailed
		step.CompensationError = errMsg
		return tx.UpdateRunStep(ctx, *step)
	})
	if err != nil {
		return fmt.Errorf("sagaengine: execute compensation: failure %s: %w", stepID, err)
	}

	if shouldRetry {
		requeued := append([]string{stepID}, remaining...)
		return c.store.WithTransaction(ctx, func(ctx context.Context, tx Tx) error {
			outPayload, err := json.Marshal(ExecuteCompensationPayload{RunID: payload.RunID, Queue: requeued, Reason: payload.Reason})
			if err != nil {
				return err
			}
			return tx.InsertOutbox(ctx, OutboxMessage{
				RunID: payload.RunID, Type: OutboxExecuteCompensation, Payload: outPayload,
				NextAttemptAt: now + ComputeBackoffMs(stepDef.RetryPolicy, attemptNo, rand.Float64()),
				CreatedAt:     now,
			})
		})
	}

	return failRun(ctx, c.store, c.metrics, payload.RunID, ErrCodeCompensationFailed, errMsg)
}

// continueQueue enqueues the next EXECUTE_COMPENSATION message for
// remaining, or finalizes the run as COMPENSATED when remaining is empty.
// Finalization is idempotent: a run already COMPENSATED is left untouched.
func (c *compensationScheduler) continueQueue(ctx context.Context, runID string, remaining []string, reason string) error {
	now := NowUnixMilli()
	err := c.store.WithTransaction(ctx, func(ctx context.Context, tx Tx) error {
		if len(remaining) > 0 {
			payload, err := json.Marshal(ExecuteCompensationPayload{RunID: runID, Queue: remaining, Reason: reason})
			if err != nil {
				return err
			}
			return tx.InsertOutbox(ctx, OutboxMessage{
				RunID: runID, Type: OutboxExecuteCompensation, Payload: payload,
				NextAttemptAt: now, CreatedAt: now,
			})
		}

		run, err := tx.LockRun(ctx, runID)
		if err != nil {
			return err
		}
		if run == nil || run.Status.IsAbsorbingTerminal() {
			return nil
		}
		run.Status = RunCompensated
		run.UpdatedAt = now
		if err := tx.UpdateRun(ctx, *run); err != nil {
			return err
		}
		c.metrics.IncRunCompensated()
		return nil
	})
	if err != nil {
		return fmt.Errorf("sagaengine: execute compensation: continue queue: %w", err)
	}
	return nil
}
