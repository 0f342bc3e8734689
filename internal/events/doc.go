// Package events carries change notifications between the stores and the
// trigger router.
//
// Writers never publish directly. The job store and the object store append
// records to the SQLite outbox in the same transaction as the change they
// describe; the Relay reads the outbox in sequence order and publishes each
// record on a Bus. MemoryBus dispatches in-process. RedisBus fans records out
// over Redis pub/sub so several daemons observe the same stream.
//
// Delivery is at least once: a crash between publish and cursor save replays
// the tail of the outbox. Handlers deduplicate by event sequence.
package events
