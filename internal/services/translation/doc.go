// Package translation talks to the batch document translation service.
//
// Jobs are asynchronous: StartJob returns an external job id and the service
// later reports completion on the external.completed topic keyed by that id.
// The HTTP client targets a JSON API whose completion webhooks arrive through
// the daemon; the Local simulator copies each source document to its output
// location under a per-job folder and emits the completion itself, which is
// enough to drive the pipeline end to end on a single host.
package translation
