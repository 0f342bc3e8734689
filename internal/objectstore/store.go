// Package objectstore stores uploaded documents, translated artifacts,
// classifier findings and generated images under hierarchical keys.
//
// Two backends implement Store: a filesystem tree for single-host
// deployments and S3-compatible storage through minio-go. Evented wraps
// either one and appends object.created / object.deleted records to the job
// store outbox, which is how uploads and deletions trigger pipelines.
package objectstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"doctranslate/internal/config"
)

// ErrNotFound indicates a missing object.
var ErrNotFound = errors.New("object not found")

// ErrInvalidKey indicates a key that cannot name an object.
var ErrInvalidKey = errors.New("invalid object key")

// ObjectInfo describes a stored object.
type ObjectInfo struct {
	Key          string    `json:"key"`
	Size         int64     `json:"size"`
	ETag         string    `json:"etag,omitempty"`
	ContentType  string    `json:"contentType,omitempty"`
	LastModified time.Time `json:"lastModified"`
}

// Store is a flat key/value object store with per-object tags.
type Store interface {
	Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) (ObjectInfo, error)
	Get(ctx context.Context, key string) (io.ReadCloser, ObjectInfo, error)
	Stat(ctx context.Context, key string) (ObjectInfo, error)
	Delete(ctx context.Context, key string) error
	List(ctx context.Context, prefix string) ([]ObjectInfo, error)
	Copy(ctx context.Context, src, dst string) (ObjectInfo, error)
	PutTags(ctx context.Context, key string, tags map[string]string) error
	Tags(ctx context.Context, key string) (map[string]string, error)
	Backend() string
}

// Open constructs the backend selected by cfg.Objects.
func Open(ctx context.Context, cfg *config.Config, logger *slog.Logger) (Store, error) {
	switch cfg.Objects.Backend {
	case config.ObjectBackendLocal, "":
		return NewLocal(cfg.Objects.LocalDir)
	case config.ObjectBackendS3:
		return NewS3(ctx, cfg.Objects, logger)
	default:
		return nil, fmt.Errorf("unknown object backend %q", cfg.Objects.Backend)
	}
}

// PutBytes stores data under key.
func PutBytes(ctx context.Context, store Store, key string, data []byte, contentType string) (ObjectInfo, error) {
	return store.Put(ctx, key, bytes.NewReader(data), int64(len(data)), contentType)
}

// ReadAll returns the full content of key.
func ReadAll(ctx context.Context, store Store, key string) ([]byte, error) {
	rc, _, err := store.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

// ValidateKey rejects keys that are empty, absolute, contain empty or dot
// segments, or address internal paths.
func ValidateKey(key string) error {
	if key == "" || strings.HasPrefix(key, "/") || strings.HasSuffix(key, "/") {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	for _, segment := range strings.Split(key, "/") {
		switch {
		case segment == "", segment == ".", segment == "..":
			return fmt.Errorf("%w: %q", ErrInvalidKey, key)
		case segment == tagsDir:
			return fmt.Errorf("%w: %q uses a reserved segment", ErrInvalidKey, key)
		}
	}
	return nil
}
