// Package job defines the job data model, its lifecycle state machine,
// priority tiers, submission options, the typed handler registry, and
// the Store contract every durable queue backend implements.
package job
