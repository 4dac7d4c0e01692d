// Package strom provides a priority-aware background job orchestration
// engine for Go. It routes jobs into priority-tiered queues, auto-scales
// per-queue worker pools in response to load, supports cron-based
// recurring jobs, precise delayed execution and completion-gated
// dependency chains, and continuously derives health and performance
// metrics that drive scaling and alerting decisions.
//
// Strom is designed as a library, not a service. Import it, configure a
// store, register job handlers as ordinary Go functions, and build an
// engine:
//
//	eng, err := engine.New(
//	    engine.WithStore(redisStore),
//	    engine.WithLogger(logger),
//	)
//
// # Architecture
//
// The durable queue store is an interface (job.Store); Redis, Postgres
// and in-memory implementations ship in store/. All mutable
// orchestration state (worker pools, scaling history, schedule entries)
// is owned by explicit registry objects held by the engine instance, so
// multiple independent engines can coexist in one process.
//
// All entity IDs use TypeID — type-prefixed, K-sortable, UUIDv7-based
// identifiers.
package strom
