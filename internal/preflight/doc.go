// Package preflight provides readiness checks for the directories and
// external services doctranslate depends on.
//
// The workflow manager calls RunAll when it starts and logs every result.
// The CLI "doctranslate status" command renders the same results.
//
// Checks for optional backends only run when configuration selects them.
package preflight
