// Package daemon coordinates the long-running doctranslate process.
//
// It wires configuration, the job store, the object store, the workflow
// engine and manager, the outbox relay and the event bus into a single
// lifecycle with flock-based locking to prevent multiple instances. The
// daemon also serves the HTTP API that clients use to submit jobs, upload
// content and deliver callbacks.
//
// Keep orchestration logic here: pipeline steps live in their stage
// packages while the daemon focuses on startup, shutdown, and high level
// coordination.
package daemon
