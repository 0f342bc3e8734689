// Package services defines shared utilities consumed by the pipeline stages
// and the external service integrations under this directory.
//
// Key responsibilities:
//   - Context helpers that stamp job IDs, item IDs, stage names, execution
//     names, and correlation identifiers for logging and authorization.
//   - Structured error markers plus the Wrap helper so failures carry a
//     classification the engine can use for retry decisions and the logs can
//     use for hints.
//
// The subpackages hold the request/response contracts of the long-running
// collaborators (translation, classification, generation) together with the
// concrete clients that talk to them.
package services
