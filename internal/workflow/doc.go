// Package workflow turns bus events into pipeline executions.
//
// The Manager subscribes to the topics the outbox relay publishes and starts
// the matching pipeline for each trigger: uploaded translation jobs, items
// marked for generation, uploaded documents, deleted objects, external
// completions and failed executions. Execution names embed the outbox
// sequence of the triggering record, so a redelivered record never starts a
// second execution. The Manager also reclaims executions whose heartbeat
// stopped, reports stage health and publishes job notifications.
package workflow
