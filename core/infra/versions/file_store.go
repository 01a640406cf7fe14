package versions

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/cordum/davlock/core/infra/fileutil"
)

// FileStore keeps each counter as a decimal text file under root.
type FileStore struct {
	root string
}

func NewFileStore(root string) (*FileStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create version dir: %w", err)
	}
	return &FileStore{root: root}, nil
}

func (s *FileStore) Get(_ context.Context, resource string) (int64, error) {
	return readCounter(s.path(resource))
}

func (s *FileStore) Incr(ctx context.Context, resource string) (int64, error) {
	path := s.path(resource)
	var next int64
	err := fileutil.WithLock(ctx, path+".lock", func() error {
		current, err := readCounter(path)
		if err != nil {
			return err
		}
		next = current + 1
		if err := fileutil.WriteAtomic(path, []byte(strconv.FormatInt(next, 10))); err != nil {
			return fmt.Errorf("write version: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return next, nil
}

func (s *FileStore) Close() error { return nil }

func (s *FileStore) path(resource string) string {
	return filepath.Join(s.root, fileutil.KeyName(resource)+".version")
}

func readCounter(path string) (int64, error) {
	data, err := fileutil.ReadOptional(path)
	if err != nil {
		return 0, fmt.Errorf("read version: %w", err)
	}
	if data == nil {
		return 0, nil
	}
	n, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("decode version %s: %w", filepath.Base(path), err)
	}
	return n, nil
}
