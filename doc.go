// Package conveyor provides a composable background job-processing core
// for Go: named queues with priority ordering, retry/backoff policy,
// bounded-concurrency workers, stalled-job recovery, and per-queue
// health aggregation.
//
// Conveyor is designed as a library, not a service. Import it, configure
// a store, register processors for your queues, and enqueue work as
// ordinary Go values.
//
// # Quick Start
//
//	svc, err := engine.New(memory.New(),
//	    engine.WithQueue(queue.Config{Name: "emails", Concurrency: 4}),
//	)
//
// # Architecture
//
// The store is the single source of truth: workers, the reaper, and the
// client facade coordinate only through its atomic state transitions.
// Claiming a job is one conditional store operation, so at most one
// worker ever owns a job at a time. Backends: memory, Redis, PostgreSQL,
// and SQLite.
//
// All entity IDs are TypeID — type-prefixed, K-sortable, UUIDv7-based
// identifiers.
package conveyor
