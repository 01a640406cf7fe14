// Package fileutil holds the on-disk layout shared by the file-backed stores.
package fileutil

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
)

const lockRetryDelay = 10 * time.Millisecond

// KeyName maps a resource to a flat file name stem.
func KeyName(resource string) string {
	sum := sha256.Sum256([]byte(resource))
	return hex.EncodeToString(sum[:])
}

// WithLock runs fn while holding an exclusive advisory lock on path.
func WithLock(ctx context.Context, path string, fn func() error) error {
	fl := flock.New(path)
	locked, err := fl.TryLockContext(ctx, lockRetryDelay)
	if err != nil {
		return fmt.Errorf("flock %s: %w", path, err)
	}
	if !locked {
		return fmt.Errorf("flock %s: not acquired", path)
	}
	defer func() { _ = fl.Unlock() }()
	return fn()
}

// WriteAtomic replaces path with data through a temp file and rename.
func WriteAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	name := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(name)
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(name)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(name)
		return err
	}
	return os.Rename(name, path)
}

// ReadOptional reads path, returning nil data when it does not exist.
func ReadOptional(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	return data, err
}
