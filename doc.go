// Package sagaengine is a durable saga orchestrator for multi-step HTTP
// workflows.
//
// A workflow definition is an ordered list of steps; each step has an
// action request, an optional compensation request, a timeout, and a retry
// policy. Runs are persisted so that crashes, restarts, or horizontal
// scaling never corrupt in-flight state: every pending unit of work lives
// as a row in a transactional outbox, claimed by one of many cooperating
// workers via row-level leases.
//
// # Core interfaces
//
//   - [Store] — transactional persistence for definitions, runs, steps,
//     attempts, and the outbox.
//   - [HTTPExecutor] — executes one rendered action or compensation request.
//   - [Tracer] — span-based tracing, backed by OTEL via the observer package.
//
// # Quick start
//
//	pool, _ := pgxpool.New(ctx, os.Getenv("ENGINE_DATABASE_URL"))
//	store := postgres.New(pool)
//	eng := sagaengine.New(
//		sagaengine.WithStore(store),
//		sagaengine.WithWorkerID("worker-1"),
//	)
//	eng.Run(ctx)
//
// See cmd/worker for a complete reference process.
package sagaengine
