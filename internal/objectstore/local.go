package objectstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"mime"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"doctranslate/internal/fileutil"
)

const tagsDir = ".tags"

// Local stores objects as files below a root directory. Tags live in JSON
// sidecars under <root>/.tags.
type Local struct {
	root string
}

// NewLocal prepares root and returns a local backend.
func NewLocal(root string) (*Local, error) {
	if strings.TrimSpace(root) == "" {
		return nil, errors.New("local object root is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create object root: %w", err)
	}
	return &Local{root: root}, nil
}

// Root returns the backing directory.
func (l *Local) Root() string { return l.root }

// Backend names the backend.
func (l *Local) Backend() string { return "local" }

func (l *Local) objectPath(key string) string {
	return filepath.Join(l.root, filepath.FromSlash(key))
}

func (l *Local) tagsPath(key string) string {
	return filepath.Join(l.root, tagsDir, filepath.FromSlash(key)+".json")
}

// Put writes r atomically under key.
func (l *Local) Put(ctx context.Context, key string, r io.Reader, _ int64, contentType string) (ObjectInfo, error) {
	if err := ValidateKey(key); err != nil {
		return ObjectInfo{}, err
	}
	if err := ctx.Err(); err != nil {
		return ObjectInfo{}, err
	}
	written, err := fileutil.WriteAtomic(l.objectPath(key), r)
	if err != nil {
		return ObjectInfo{}, fmt.Errorf("put %s: %w", key, err)
	}
	info, err := l.Stat(ctx, key)
	if err != nil {
		return ObjectInfo{}, err
	}
	info.ETag = written.SHA256
	if contentType != "" {
		info.ContentType = contentType
	}
	return info, nil
}

// Get opens key for reading.
func (l *Local) Get(ctx context.Context, key string) (io.ReadCloser, ObjectInfo, error) {
	info, err := l.Stat(ctx, key)
	if err != nil {
		return nil, ObjectInfo{}, err
	}
	f, err := os.Open(l.objectPath(key))
	if err != nil {
		return nil, ObjectInfo{}, l.mapErr(key, err)
	}
	return f, info, nil
}

// Stat describes key.
func (l *Local) Stat(_ context.Context, key string) (ObjectInfo, error) {
	if err := ValidateKey(key); err != nil {
		return ObjectInfo{}, err
	}
	st, err := os.Stat(l.objectPath(key))
	if err != nil {
		return ObjectInfo{}, l.mapErr(key, err)
	}
	if st.IsDir() {
		return ObjectInfo{}, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return ObjectInfo{
		Key:          key,
		Size:         st.Size(),
		ContentType:  mime.TypeByExtension(path.Ext(key)),
		LastModified: st.ModTime().UTC(),
	}, nil
}

// Delete removes key and its tags.
func (l *Local) Delete(_ context.Context, key string) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	if err := os.Remove(l.objectPath(key)); err != nil {
		return l.mapErr(key, err)
	}
	if err := os.Remove(l.tagsPath(key)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("delete tags %s: %w", key, err)
	}
	return nil
}

// List returns objects whose key starts with prefix, sorted by key.
func (l *Local) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	var out []ObjectInfo
	err := filepath.WalkDir(l.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		name := d.Name()
		if d.IsDir() {
			if p != l.root && name == tagsDir {
				return filepath.SkipDir
			}
			return nil
		}
		if strings.HasPrefix(name, ".") && strings.HasSuffix(name, ".tmp") {
			return nil
		}
		rel, err := filepath.Rel(l.root, p)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if !strings.HasPrefix(key, prefix) {
			return nil
		}
		st, err := d.Info()
		if err != nil {
			return err
		}
		out = append(out, ObjectInfo{
			Key:          key,
			Size:         st.Size(),
			ContentType:  mime.TypeByExtension(path.Ext(key)),
			LastModified: st.ModTime().UTC(),
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", prefix, err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// Copy duplicates src into dst with integrity verification.
func (l *Local) Copy(ctx context.Context, src, dst string) (ObjectInfo, error) {
	if err := ValidateKey(src); err != nil {
		return ObjectInfo{}, err
	}
	if err := ValidateKey(dst); err != nil {
		return ObjectInfo{}, err
	}
	written, err := fileutil.CopyFileVerified(l.objectPath(src), l.objectPath(dst))
	if err != nil {
		return ObjectInfo{}, l.mapErr(src, err)
	}
	info, err := l.Stat(ctx, dst)
	if err != nil {
		return ObjectInfo{}, err
	}
	info.ETag = written.SHA256
	return info, nil
}

// PutTags replaces the tag set of key.
func (l *Local) PutTags(ctx context.Context, key string, tags map[string]string) error {
	if _, err := l.Stat(ctx, key); err != nil {
		return err
	}
	data, err := json.Marshal(tags)
	if err != nil {
		return fmt.Errorf("marshal tags: %w", err)
	}
	if _, err := fileutil.WriteAtomic(l.tagsPath(key), strings.NewReader(string(data))); err != nil {
		return fmt.Errorf("write tags %s: %w", key, err)
	}
	return nil
}

// Tags returns the tag set of key; an untagged object yields an empty map.
func (l *Local) Tags(ctx context.Context, key string) (map[string]string, error) {
	if _, err := l.Stat(ctx, key); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(l.tagsPath(key))
	if errors.Is(err, fs.ErrNotExist) {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read tags %s: %w", key, err)
	}
	tags := map[string]string{}
	if err := json.Unmarshal(data, &tags); err != nil {
		return nil, fmt.Errorf("decode tags %s: %w", key, err)
	}
	return tags, nil
}

func (l *Local) mapErr(key string, err error) error {
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return err
}
