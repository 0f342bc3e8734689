// Package classifier runs PII classification jobs over uploaded documents.
//
// Jobs are asynchronous like the translation service: StartJob returns a job
// id and completion is reported on external.completed. The Local scanner
// extracts document text, matches the built-in detectors plus any custom
// identifiers, and persists the findings under system/classifier/.
package classifier

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"doctranslate/internal/config"
)

// Purpose is the callback purpose of classification job completions.
const Purpose = "pii"

// Completion statuses reported on external.completed.
const (
	StatusCompleted = "COMPLETED"
	StatusFailed    = "FAILED"
)

// Identifier is a named pattern reported as a finding type.
type Identifier struct {
	Name  string `json:"name"`
	Regex string `json:"regex"`
}

// IdentifiersFromConfig converts the configured custom identifiers.
func IdentifiersFromConfig(custom []config.CustomIdentifier) []Identifier {
	out := make([]Identifier, 0, len(custom))
	for _, c := range custom {
		out = append(out, Identifier{Name: c.Name, Regex: c.Regex})
	}
	return out
}

// JobRequest starts a classification of the objects under InputPrefix.
type JobRequest struct {
	JobName     string       `json:"jobName"`
	ClientToken string       `json:"clientToken"`
	InputPrefix string       `json:"inputPrefix"`
	Identifiers []Identifier `json:"identifiers,omitempty"`
}

// Finding is one detected identifier type within one object.
type Finding struct {
	ID    string `json:"id"`
	Key   string `json:"key"`
	Type  string `json:"type"`
	Count int    `json:"count"`
}

// Service is the asynchronous classification engine.
type Service interface {
	StartJob(ctx context.Context, req JobRequest) (string, error)
	ListFindings(ctx context.Context, jobID string) ([]Finding, error)
}

type detector struct {
	name  string
	re    *regexp.Regexp
	check func(match string) bool
}

var builtinDetectors = []detector{
	{name: "EMAIL_ADDRESS", re: regexp.MustCompile(`[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}`)},
	{name: "PHONE_NUMBER", re: regexp.MustCompile(`(?:\+\d{1,3}[ .-]?)?\(?\d{3}\)?[ .-]?\d{3}[ .-]?\d{4}\b`)},
	{name: "CREDIT_CARD_NUMBER", re: regexp.MustCompile(`\b\d(?:[ -]?\d){12,18}\b`), check: luhnValid},
}

// ValidateIdentifiers reports the first custom identifier that would be
// rejected by StartJob.
func ValidateIdentifiers(custom []Identifier) error {
	_, err := compileDetectors(custom)
	return err
}

func compileDetectors(custom []Identifier) ([]detector, error) {
	out := append([]detector(nil), builtinDetectors...)
	for _, id := range custom {
		name := strings.TrimSpace(id.Name)
		if name == "" {
			return nil, fmt.Errorf("custom identifier without name")
		}
		re, err := regexp.Compile(id.Regex)
		if err != nil {
			return nil, fmt.Errorf("custom identifier %s: %w", name, err)
		}
		out = append(out, detector{name: name, re: re})
	}
	return out, nil
}

func scan(text string, detectors []detector) map[string]int {
	counts := make(map[string]int)
	for _, d := range detectors {
		for _, match := range d.re.FindAllString(text, -1) {
			if d.check != nil && !d.check(match) {
				continue
			}
			counts[d.name]++
		}
	}
	return counts
}

func luhnValid(number string) bool {
	sum, digits := 0, 0
	double := false
	for i := len(number) - 1; i >= 0; i-- {
		c := number[i]
		if c < '0' || c > '9' {
			continue
		}
		d := int(c - '0')
		if double {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		digits++
		double = !double
	}
	return digits >= 13 && sum%10 == 0
}
