// Package store groups the durable queue backends. The contract every
// backend implements is [job.Store]; there is no aggregate interface
// beyond it.
//
// # Available Backends
//
//   - store/memory — in-memory store for development and testing
//   - store/redis — Redis backend using go-redis/v9
//   - store/postgres — PostgreSQL backend using pgx/v5
//
// # Usage
//
//	import "github.com/stromq/strom/store/redis"
//
//	s, err := redis.Connect(ctx, "redis://localhost:6379/0")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer s.Close()
//
//	e, err := engine.New(engine.WithStore(s))
//
// The Postgres backend additionally exposes Migrate, which creates or
// updates the schema and should run once at startup:
//
//	if err := s.Migrate(ctx); err != nil {
//	    log.Fatal(err)
//	}
package store
