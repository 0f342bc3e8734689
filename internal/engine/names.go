package engine

import (
	"fmt"
	"strings"

	"github.com/oklog/ulid/v2"
)

// ExecutionName builds "<jobID>_<label>-<discriminator>". Job ids never
// contain '_', so the job id is always recoverable from the name.
func ExecutionName(jobID, label string, discriminator any) string {
	return fmt.Sprintf("%s_%s-%v", jobID, label, discriminator)
}

// JobIDFromExecution returns the prefix before the first '_', or "" when the
// name carries no job id.
func JobIDFromExecution(name string) string {
	jobID, _, found := strings.Cut(name, "_")
	if !found {
		return ""
	}
	return jobID
}

// NewDiscriminator returns a unique, time-ordered discriminator for ad-hoc
// executions.
func NewDiscriminator() string {
	return strings.ToLower(ulid.Make().String())
}
