// Package suppress persists the per-condition record of the last confirmed
// notification. Only the cooldown gate reads and writes it.
//
// Backings:
//   - FileStore (file.go): one JSON document, replaced atomically on write
//   - PostgresStore (postgres.go): upserted row per condition via pgx
//   - KVStore (kv.go): NATS JetStream key-value bucket
//   - MemStore (mem.go): in-process map, used as a fast fake in tests
//
// Open(ctx, config.StateConfig) returns the configured durable Store.
// Backend failures are wrapped in ErrStateStore.
package suppress
