package sagaengine

import (
	"context"
	"encoding/json"
	"fmt"
)

// Intake is the transactional entry point for starting, retrying, and
// cancelling runs. It is the one place the engine returns a typed error
// synchronously, since intake always has a caller waiting for a result —
// unlike the poller's internally-looping dispatch.
type Intake struct {
	store Store
}

// NewIntake returns an Intake backed by store.
func NewIntake(store Store) *Intake {
	return &Intake{store: store}
}

// Start creates a new run of the named, versioned workflow, one run-step
// per definition step, and a single EXECUTE_STEP outbox row for the first
// step. Returns the new run id.
func (in *Intake) Start(ctx context.Context, workflowName, workflowVersion string, input json.RawMessage, runContext json.RawMessage) (string, error) {
	def, err := in.store.GetDefinition(ctx, workflowName, workflowVersion)
	if err != nil {
		return "", fmt.Errorf("sagaengine: intake start: %w", err)
	}
	if def == nil {
		return "", newIntakeError(IntakeDefinitionNotFound, "%s@%s", workflowName, workflowVersion)
	}

	runID := NewID()
	now := NowUnixMilli()
	run := Run{
		ID:              runID,
		WorkflowName:    workflowName,
		WorkflowVersion: workflowVersion,
		Status:          RunPending,
		Input:           input,
		Context:         runContext,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	steps := make([]RunStep, len(def.Steps))
	for i, sd := range def.Steps {
		steps[i] = RunStep{
			RunID:              runID,
			StepID:             sd.StepID,
			Status:             StepPending,
			CompensationStatus: CompensationPending,
		}
	}

	payload, err := json.Marshal(ExecuteStepPayload{
		RunID:       runID,
		StepID:      def.Steps[0].StepID,
		ScheduledBy: ScheduledByStart,
	})
	if err != nil {
		return "", fmt.Errorf("sagaengine: intake start: encode payload: %w", err)
	}

	err = in.store.WithTransaction(ctx, func(ctx context.Context, tx Tx) error {
		if err := tx.CreateRun(ctx, run, steps); err != nil {
			return err
		}
		return tx.InsertOutbox(ctx, OutboxMessage{
			RunID:         runID,
			Type:          OutboxExecuteStep,
			Payload:       payload,
			NextAttemptAt: now,
			CreatedAt:     now,
		})
	})
	if err != nil {
		return "", fmt.Errorf("sagaengine: intake start: %w", err)
	}
	return runID, nil
}

// ManualRetry resets a failed step to PENDING, puts the run back in
// RUNNING, and enqueues a MANUAL_RETRY EXECUTE_STEP outbox row. A
// redundant enqueue (e.g. the step already completed by the time this
// runs) is benign: the step executor's reservation guard skips it.
func (in *Intake) ManualRetry(ctx context.Context, runID, stepID string) error {
	now := NowUnixMilli()
	payload, err := json.Marshal(ExecuteStepPayload{
		RunID:       runID,
		StepID:      stepID,
		ScheduledBy: ScheduledByManualRetry,
	})
	if err != nil {
		return fmt.Errorf("sagaengine: intake manual retry: encode payload: %w", err)
	}

	err = in.store.WithTransaction(ctx, func(ctx context.Context, tx Tx) error {
		run, err := tx.LockRun(ctx, runID)
		if err != nil {
			return err
		}
		if run == nil {
			return newIntakeError(IntakeRunNotFound, "%s", runID)
		}

		step, err := tx.LockRunStep(ctx, runID, stepID)
		if err != nil {
			return err
		}
		if step == nil {
			return newIntakeError(IntakeStepNotFound, "%s/%s", runID, stepID)
		}

		step.Status = StepPending
		step.LastError = ""
		step.EndedAt = nil
		if err := tx.UpdateRunStep(ctx, *step); err != nil {
			return err
		}

		run.Status = RunRunning
		run.ErrorCode = ""
		run.ErrorMessage = ""
		run.UpdatedAt = now
		if err := tx.UpdateRun(ctx, *run); err != nil {
			return err
		}

		return tx.InsertOutbox(ctx, OutboxMessage{
			RunID:         runID,
			Type:          OutboxExecuteStep,
			Payload:       payload,
			NextAttemptAt: now,
			CreatedAt:     now,
		})
	})
	if err != nil {
		return fmt.Errorf("sagaengine: intake manual retry: %w", err)
	}
	return nil
}

// Cancel terminates a run. With compensate=false it transitions directly to
// CANCELLED. With compensate=true it builds the reverse queue of succeeded
// steps: empty means nothing to undo (CANCELLED directly), non-empty means
// COMPENSATING with errorCode=CANCELLED_BY_USER and an EXECUTE_COMPENSATION
// outbox row.
func (in *Intake) Cancel(ctx context.Context, runID string, compensate bool) error {
	now := NowUnixMilli()

	// Resolve the definition before opening the transaction: Store reads
	// must not run inside a transaction closure, and the definition is
	// immutable for the life of a run anyway.
	var def *WorkflowDefinition
	if compensate {
		run, err := in.store.GetRun(ctx, runID)
		if err != nil {
			return fmt.Errorf("sagaengine: intake cancel: %w", err)
		}
		if run == nil {
			return newIntakeError(IntakeRunNotFound, "%s", runID)
		}
		if run.Status == RunCompleted || run.Status == RunCompensated {
			return newIntakeError(IntakeRunTerminal, "%s is %s", runID, run.Status)
		}
		def, err = in.store.GetDefinition(ctx, run.WorkflowName, run.WorkflowVersion)
		if err != nil {
			return fmt.Errorf("sagaengine: intake cancel: %w", err)
		}
		if def == nil {
			return newIntakeError(IntakeDefinitionNotFound, "%s@%s", run.WorkflowName, run.WorkflowVersion)
		}
	}

	err := in.store.WithTransaction(ctx, func(ctx context.Context, tx Tx) error {
		run, err := tx.LockRun(ctx, runID)
		if err != nil {
			return err
		}
		if run == nil {
			return newIntakeError(IntakeRunNotFound, "%s", runID)
		}
		if run.Status == RunCompleted || run.Status == RunCompensated {
			return newIntakeError(IntakeRunTerminal, "%s is %s", runID, run.Status)
		}

		if !compensate {
			run.Status = RunCancelled
			run.UpdatedAt = now
			return tx.UpdateRun(ctx, *run)
		}

		steps, err := tx.ListRunSteps(ctx, runID)
		if err != nil {
			return err
		}

		queue := buildCompensationQueue(def, steps)
		if len(queue) == 0 {
			run.Status = RunCancelled
			run.UpdatedAt = now
			return tx.UpdateRun(ctx, *run)
		}

		run.Status = RunCompensating
		run.ErrorCode = ErrCodeCancelledByUser
		run.UpdatedAt = now
		if err := tx.UpdateRun(ctx, *run); err != nil {
			return err
		}

		payload, err := json.Marshal(ExecuteCompensationPayload{
			RunID:  runID,
			Queue:  queue,
			Reason: ReasonCancel,
		})
		if err != nil {
			return fmt.Errorf("encode compensation payload: %w", err)
		}
		return tx.InsertOutbox(ctx, OutboxMessage{
			RunID:         runID,
			Type:          OutboxExecuteCompensation,
			Payload:       payload,
			NextAttemptAt: now,
			CreatedAt:     now,
		})
	})
	if err != nil {
		return fmt.Errorf("sagaengine: intake cancel: %w", err)
	}
	return nil
}
