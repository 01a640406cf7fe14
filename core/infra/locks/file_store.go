package locks

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/cordum/davlock/core/infra/fileutil"
	"github.com/google/uuid"
)

// FileStore keeps one JSON file per resource under root. Saves hold an
// advisory file lock per resource, so several processes may share root.
type FileStore struct {
	root string
}

type fileRecord struct {
	Resource string `json:"resource"`
	Revision string `json:"revision"`
	Locks    []Lock `json:"locks"`
}

func NewFileStore(root string) (*FileStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create lock dir: %w", err)
	}
	return &FileStore{root: root}, nil
}

func (s *FileStore) Load(_ context.Context, resource string) (*LockSet, error) {
	rec, err := s.read(resource)
	if err != nil {
		return nil, err
	}
	return &LockSet{Resource: resource, Locks: rec.Locks, Revision: rec.Revision}, nil
}

func (s *FileStore) Save(ctx context.Context, set *LockSet) error {
	stem := fileutil.KeyName(set.Resource)
	return fileutil.WithLock(ctx, filepath.Join(s.root, stem+".lock"), func() error {
		current, err := s.read(set.Resource)
		if err != nil {
			return err
		}
		if current.Revision != set.Revision {
			return ErrConflict
		}
		path := filepath.Join(s.root, stem+".json")
		if set.Empty() {
			if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("remove lock record: %w", err)
			}
			set.Revision = ""
			return nil
		}
		next := uuid.NewString()
		data, err := json.Marshal(fileRecord{Resource: set.Resource, Revision: next, Locks: set.Locks})
		if err != nil {
			return fmt.Errorf("marshal lock record: %w", err)
		}
		if err := fileutil.WriteAtomic(path, data); err != nil {
			return fmt.Errorf("write lock record: %w", err)
		}
		set.Revision = next
		return nil
	})
}

func (s *FileStore) Resources(_ context.Context, prefix string) ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("list lock dir: %w", err)
	}
	out := make([]string, 0)
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		rec, err := decodeFile(filepath.Join(s.root, entry.Name()))
		if err != nil {
			return nil, err
		}
		if rec.Resource != "" && strings.HasPrefix(rec.Resource, prefix) {
			out = append(out, rec.Resource)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (s *FileStore) Close() error { return nil }

func (s *FileStore) read(resource string) (fileRecord, error) {
	return decodeFile(filepath.Join(s.root, fileutil.KeyName(resource)+".json"))
}

func decodeFile(path string) (fileRecord, error) {
	var rec fileRecord
	data, err := fileutil.ReadOptional(path)
	if err != nil {
		return rec, fmt.Errorf("read lock record: %w", err)
	}
	if data == nil {
		return rec, nil
	}
	if err := json.Unmarshal(data, &rec); err != nil {
		return rec, fmt.Errorf("decode lock record %s: %w", filepath.Base(path), err)
	}
	return rec, nil
}
