package sagaengine

import (
	"context"
	"fmt"
	"log"
)

// Engine is the saga worker that connects a Store, an HTTPExecutor, and the
// observability collaborators (Tracer, Metrics) into one running poll loop.
type Engine struct {
	store          Store
	http           HTTPExecutor
	tracer         Tracer
	metrics        Metrics
	workerID       string
	pollIntervalMs int64
	leaseTTLMs     int64
}

// Option configures an Engine.
type Option func(*Engine)

func WithStore(s Store) Option               { return func(e *Engine) { e.store = s } }
func WithHTTPExecutor(h HTTPExecutor) Option { return func(e *Engine) { e.http = h } }
func WithTracer(t Tracer) Option             { return func(e *Engine) { e.tracer = t } }
func WithMetrics(m Metrics) Option           { return func(e *Engine) { e.metrics = m } }
func WithWorkerID(id string) Option          { return func(e *Engine) { e.workerID = id } }
func WithPollInterval(ms int64) Option       { return func(e *Engine) { e.pollIntervalMs = ms } }
func WithLeaseTTL(ms int64) Option           { return func(e *Engine) { e.leaseTTLMs = ms } }

// New creates an Engine with the given options. Unset HTTPExecutor, Tracer,
// and Metrics default to their no-op/stdlib implementations; WithStore is
// required.
func New(opts ...Option) *Engine {
	e := &Engine{
		http:           NewHTTPExecutor(),
		tracer:         noopTracer{},
		metrics:        NoopMetrics{},
		workerID:       NewID(),
		pollIntervalMs: 500,
		leaseTTLMs:     30000,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Intake returns an Intake bound to this engine's Store, for starting,
// retrying, and cancelling runs.
func (e *Engine) Intake() *Intake {
	return NewIntake(e.store)
}

// Run initializes the store and runs the poll loop until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	if e.store == nil {
		return fmt.Errorf("sagaengine: engine requires a Store")
	}
	if err := e.store.Init(ctx); err != nil {
		return fmt.Errorf("sagaengine: store init: %w", err)
	}

	stepExec := newStepExecutor(e.store, e.http, e.tracer, e.metrics)
	compExec := newCompensationScheduler(e.store, e.http, e.tracer, e.metrics)
	poller := newPoller(e.store, e.workerID, e.pollIntervalMs, e.leaseTTLMs, e.tracer, e.metrics, stepExec, compExec)

	log.Printf("sagaengine: engine %s running", e.workerID)
	poller.run(ctx)
	return ctx.Err()
}
