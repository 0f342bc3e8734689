package testsupport

import (
	"bytes"
	"context"
	"testing"

	"doctranslate/internal/config"
	"doctranslate/internal/jobstore"
	"doctranslate/internal/objectstore"
)

// NewObjects opens the local object store rooted at the config's object
// directory, decorated so writes and deletes land in the store's outbox.
func NewObjects(t testing.TB, cfg *config.Config, store *jobstore.Store) *objectstore.Evented {
	t.Helper()

	local, err := objectstore.NewLocal(cfg.Objects.LocalDir)
	if err != nil {
		t.Fatalf("objectstore.NewLocal: %v", err)
	}
	return objectstore.WithEvents(local, store, nil)
}

// PutObject writes size bytes of a repeating pattern under key. A size <= 0
// writes a single byte.
func PutObject(t testing.TB, objects objectstore.Store, key string, size int) objectstore.ObjectInfo {
	t.Helper()

	if size <= 0 {
		size = 1
	}
	return PutContent(t, objects, key, bytes.Repeat([]byte{0x42}, size))
}

// PutContent writes data under key.
func PutContent(t testing.TB, objects objectstore.Store, key string, data []byte) objectstore.ObjectInfo {
	t.Helper()

	info, err := objectstore.PutBytes(context.Background(), objects, key, data, "")
	if err != nil {
		t.Fatalf("put %s: %v", key, err)
	}
	return info
}
