package sagaengine

// Metrics receives the counters, gauges, and histograms a worker reports
// about its own behavior. The observer package provides an OTEL-backed
// implementation via observer.Init; when none is configured, NoopMetrics
// discards everything, the same "nil collaborator is a safe default" shape
// as the no-op Tracer.
type Metrics interface {
	// ObserveOutboxBacklog reports the current PENDING row count and the
	// age in seconds of the oldest PENDING row, sampled once per poll tick.
	ObserveOutboxBacklog(count int, oldestAgeSeconds float64)
	// RecordStepAttempt reports the outcome and wall-clock duration of one
	// ACTION attempt.
	RecordStepAttempt(outcome AttemptOutcome, durationMs int64)
	// RecordCompensationAttempt reports the outcome and wall-clock duration
	// of one COMPENSATION attempt.
	RecordCompensationAttempt(outcome AttemptOutcome, durationMs int64)
	// IncRunCompleted increments the count of runs that reached COMPLETED.
	IncRunCompleted()
	// IncRunFailed increments the count of runs that reached FAILED.
	IncRunFailed()
	// IncRunCompensated increments the count of runs that reached COMPENSATED.
	IncRunCompensated()
}

// NoopMetrics discards every observation. It is the default Metrics when a
// worker is built without WithMetrics.
type NoopMetrics struct{}

func (NoopMetrics) ObserveOutboxBacklog(int, float64)               {}
func (NoopMetrics) RecordStepAttempt(AttemptOutcome, int64)         {}
func (NoopMetrics) RecordCompensationAttempt(AttemptOutcome, int64) {}
func (NoopMetrics) IncRunCompleted()                                {}
func (NoopMetrics) IncRunFailed()                                   {}
func (NoopMetrics) IncRunCompensated()                              {}

var _ Metrics = NoopMetrics{}
