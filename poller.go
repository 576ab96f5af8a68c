package sagaengine

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"
)

const (
	maxClaimsPerTick = 10
	requeueDelayMs   = 5000
)

// Poller is a single worker's outbox polling loop: claim, dispatch, ack or
// requeue, up to maxClaimsPerTick rows on each fixed tick. Crash recovery
// needs no poller-side state; a row claimed by a dead worker becomes
// eligible again once its lease expires.
type Poller struct {
	store          Store
	workerID       string
	pollIntervalMs int64
	leaseTTLMs     int64
	tracer         Tracer
	metrics        Metrics
	stepExec       *stepExecutor
	compExec       *compensationScheduler
}

func newPoller(store Store, workerID string, pollIntervalMs, leaseTTLMs int64, tracer Tracer, metrics Metrics, stepExec *stepExecutor, compExec *compensationScheduler) *Poller {
	return &Poller{
		store: store, workerID: workerID, pollIntervalMs: pollIntervalMs, leaseTTLMs: leaseTTLMs,
		tracer: tracer, metrics: metrics, stepExec: stepExec, compExec: compExec,
	}
}

// run starts the poll loop, ticking every pollIntervalMs. It blocks until
// ctx is cancelled.
func (p *Poller) run(ctx context.Context) {
	log.Printf("sagaengine: poller %s started (pollMs=%d leaseTtlMs=%d)", p.workerID, p.pollIntervalMs, p.leaseTTLMs)
	ticker := time.NewTicker(time.Duration(p.pollIntervalMs) * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Printf("sagaengine: poller %s stopped", p.workerID)
			return
		case <-ticker.C:
			if err := p.tick(ctx); err != nil {
				log.Printf("sagaengine: poller %s: %v", p.workerID, err)
			}
		}
	}
}

// tick claims and processes up to maxClaimsPerTick outbox rows, then
// refreshes the backlog metrics.
func (p *Poller) tick(ctx context.Context) error {
	for i := 0; i < maxClaimsPerTick; i++ {
		claimed, err := p.claimAndProcessOne(ctx)
		if err != nil {
			return err
		}
		if !claimed {
			break
		}
	}

	count, oldestAge, err := p.store.OutboxBacklog(ctx, NowUnixMilli())
	if err != nil {
		return fmt.Errorf("outbox backlog: %w", err)
	}
	p.metrics.ObserveOutboxBacklog(count, oldestAge)
	return nil
}

// claimAndProcessOne claims one eligible outbox row, if any, and dispatches
// it. Reports claimed=false when nothing was eligible.
func (p *Poller) claimAndProcessOne(ctx context.Context) (bool, error) {
	msg, err := p.store.ClaimOutbox(ctx, p.workerID, p.leaseTTLMs, NowUnixMilli())
	if err != nil {
		return false, fmt.Errorf("claim outbox: %w", err)
	}
	if msg == nil {
		return false, nil
	}

	ctx, span := p.tracer.Start(ctx, "sagaengine.poller_dispatch",
		StringAttr("outbox_type", string(msg.Type)), StringAttr("run_id", msg.RunID))
	defer span.End()

	if dispatchErr := p.dispatch(ctx, *msg); dispatchErr != nil {
		span.Error(dispatchErr)
		log.Printf("sagaengine: poller %s: dispatch outbox %d failed: %v", p.workerID, msg.ID, dispatchErr)
		if err := p.store.RequeueOutbox(ctx, msg.ID, NowUnixMilli()+requeueDelayMs); err != nil {
			return true, fmt.Errorf("requeue outbox %d: %w", msg.ID, err)
		}
		return true, nil
	}

	if err := p.store.MarkOutboxDone(ctx, msg.ID); err != nil {
		return true, fmt.Errorf("mark outbox %d done: %w", msg.ID, err)
	}
	return true, nil
}

// dispatch decodes msg's payload by type and routes it to the step
// executor or the compensation scheduler.
func (p *Poller) dispatch(ctx context.Context, msg OutboxMessage) error {
	switch msg.Type {
	case OutboxExecuteStep:
		var payload ExecuteStepPayload
		if err := json.Unmarshal(msg.Payload, &payload); err != nil {
			return fmt.Errorf("decode EXECUTE_STEP payload: %w", err)
		}
		return p.stepExec.Execute(ctx, payload)
	case OutboxExecuteCompensation:
		var payload ExecuteCompensationPayload
		if err := json.Unmarshal(msg.Payload, &payload); err != nil {
			return fmt.Errorf("decode EXECUTE_COMPENSATION payload: %w", err)
		}
		return p.compExec.Execute(ctx, payload)
	default:
		return fmt.Errorf("unknown outbox type %q", msg.Type)
	}
}
