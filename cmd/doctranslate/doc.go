// Command doctranslate is the client for the doctranslate daemon.
//
// It submits translation and readable jobs, uploads documents, inspects
// jobs and executions, and delivers external completions through the
// daemon's HTTP API. A few commands (key parse, config) work offline.
package main
