// Package jobstore persists jobs, readable items, reference data, pipeline
// executions, callback tokens and the change outbox in SQLite.
//
// The Store is the only shared mutable resource of the pipelines. Every write
// is targeted: a status, a single per-language entry, a single PII field or a
// single item. Conditional writes return ErrConditionFailed instead of
// overwriting, and job status never moves backwards (ErrStatusRegression).
// Writes made from inside a pipeline execution are authorized against the
// job id the engine stamps on the context; touching another job's rows fails
// with ErrForbidden.
//
// Every job, language and item write appends a job.changed record holding the
// before and after images to the outbox in the same transaction. The events
// relay publishes the outbox in sequence order, which makes the change stream
// durable across restarts.
//
// Schema changes bump schemaVersion in schema.go; operators clear the database
// to adopt a new schema.
package jobstore
