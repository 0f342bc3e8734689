// Package keyparse decodes object store keys of the form
// private/<identity>/<jobId>/<stage>/... into structured job metadata and
// builds the keys the pipelines write.
package keyparse

import (
	"errors"
	"fmt"
	"path"
	"strings"
)

const (
	// Scope is the only key scope the pipelines read or write.
	Scope = "private"

	StageUpload   = "upload"
	StageOutput   = "output"
	StageReadable = "readable"

	// AccessCheckFile is written by the translation service to probe write
	// access to the output prefix. It carries no result.
	AccessCheckFile = ".write_access_check_file.temp"

	detailsFolder = "details"
)

var (
	// ErrMalformedKey indicates a key that does not follow the
	// <scope>/<identity>/<jobId>/<stage>/... layout.
	ErrMalformedKey = errors.New("malformed object key")
	// ErrUnknownStage indicates a well-formed key whose stage segment is not
	// recognized.
	ErrUnknownStage = errors.New("unknown key stage")
)

// Key is the structured form of an object key.
type Key struct {
	Scope    string
	Identity string
	JobID    string
	Stage    string

	// FileName is the trailing file name: the uploaded document for upload
	// keys, the translated or details file for output keys, the generated
	// image for readable keys.
	FileName string
	// JobFolder is the output subfolder created by one translation job.
	JobFolder string
	// Language is the target language of an output artifact.
	Language string
	// ItemID is the readable item a generated image belongs to.
	ItemID string
	// Details marks a translation details report.
	Details bool
	// Terminal marks keys that need no processing.
	Terminal bool
}

// Parse decodes key. Every stage is handled explicitly; an unrecognized
// stage is an error rather than a skip.
func Parse(key string) (Key, error) {
	trimmed := strings.Trim(key, "/")
	parts := strings.Split(trimmed, "/")
	if len(parts) < 4 {
		return Key{}, fmt.Errorf("%w: %q needs at least scope/identity/job/stage", ErrMalformedKey, key)
	}
	for _, part := range parts {
		if part == "" {
			return Key{}, fmt.Errorf("%w: %q has an empty segment", ErrMalformedKey, key)
		}
	}
	if parts[0] != Scope {
		return Key{}, fmt.Errorf("%w: %q has scope %q", ErrMalformedKey, key, parts[0])
	}

	parsed := Key{
		Scope:    parts[0],
		Identity: parts[1],
		JobID:    parts[2],
		Stage:    parts[3],
	}
	rest := parts[4:]

	switch parsed.Stage {
	case StageUpload:
		if len(rest) == 0 {
			return Key{}, fmt.Errorf("%w: upload key %q has no file name", ErrMalformedKey, key)
		}
		parsed.FileName = strings.Join(rest, "/")
		return parsed, nil
	case StageOutput:
		return parseOutput(key, parsed, rest)
	case StageReadable:
		if len(rest) != 2 {
			return Key{}, fmt.Errorf("%w: readable key %q must be <itemId>/<file>", ErrMalformedKey, key)
		}
		parsed.ItemID = rest[0]
		parsed.FileName = rest[1]
		return parsed, nil
	default:
		return Key{}, fmt.Errorf("%w: %q in %q", ErrUnknownStage, parsed.Stage, key)
	}
}

func parseOutput(key string, parsed Key, rest []string) (Key, error) {
	if len(rest) == 0 {
		return Key{}, fmt.Errorf("%w: output key %q has no job folder", ErrMalformedKey, key)
	}
	if len(rest) == 1 && rest[0] == AccessCheckFile {
		parsed.FileName = rest[0]
		parsed.Terminal = true
		return parsed, nil
	}
	parsed.JobFolder = rest[0]
	rest = rest[1:]

	switch {
	case len(rest) == 2 && rest[0] == detailsFolder:
		if !strings.HasSuffix(rest[1], ".json") {
			return Key{}, fmt.Errorf("%w: details file %q is not json", ErrMalformedKey, rest[1])
		}
		parsed.Details = true
		parsed.FileName = rest[1]
	case len(rest) == 1:
		parsed.FileName = rest[0]
	default:
		return Key{}, fmt.Errorf("%w: output key %q must be <jobFolder>/<lang>.<file> or <jobFolder>/details/<lang>.<...>.json", ErrMalformedKey, key)
	}

	lang, _, ok := strings.Cut(parsed.FileName, ".")
	if !ok || lang == "" {
		return Key{}, fmt.Errorf("%w: output file %q has no language prefix", ErrMalformedKey, parsed.FileName)
	}
	parsed.Language = lang
	return parsed, nil
}

// JobPrefix returns the content prefix shared by every object of a job.
func JobPrefix(identity, jobID string) string {
	return path.Join(Scope, identity, jobID) + "/"
}

// UploadPrefix returns the prefix under which a job's source documents live.
func UploadPrefix(identity, jobID string) string {
	return path.Join(Scope, identity, jobID, StageUpload) + "/"
}

// UploadKey returns the key of an uploaded source document.
func UploadKey(identity, jobID, fileName string) string {
	return path.Join(Scope, identity, jobID, StageUpload, fileName)
}

// OutputPrefix returns the prefix under which translation results land.
func OutputPrefix(identity, jobID string) string {
	return path.Join(Scope, identity, jobID, StageOutput) + "/"
}

// OutputKey returns the key of one translated artifact.
func OutputKey(identity, jobID, jobFolder, language, fileName string) string {
	return path.Join(Scope, identity, jobID, StageOutput, jobFolder, language+"."+fileName)
}

// DetailsKey returns the key of a translation details report.
func DetailsKey(identity, jobID, jobFolder, language string) string {
	return path.Join(Scope, identity, jobID, StageOutput, jobFolder, detailsFolder, language+".auxiliary-translation-details.json")
}

// ReadableKey returns the key of a generated readable artifact.
func ReadableKey(identity, jobID, itemID, fileName string) string {
	return path.Join(Scope, identity, jobID, StageReadable, itemID, fileName)
}
