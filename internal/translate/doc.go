// Package translate implements the translation pipelines.
//
// "translate" fans a job out across its target languages: each language
// starts an external translation job, suspends until the service reports
// completion, and records the translated artifact. "translate-job" claims an
// uploaded job, runs translation alongside the optional PII branch, and
// settles the job status once every branch has finished.
package translate
