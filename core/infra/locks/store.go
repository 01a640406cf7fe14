package locks

import (
	"context"
	"errors"
)

// ErrConflict reports that the stored record changed since it was loaded.
var ErrConflict = errors.New("lock record revision conflict")

// Store persists one LockSet per resource. It holds no policy: expiry,
// conflicts and tokens are decided by the caller.
type Store interface {
	// Load returns the stored set for resource, or an empty set with an
	// empty Revision when nothing is stored. It never returns nil on success.
	Load(ctx context.Context, resource string) (*LockSet, error)
	// Save writes set if the stored revision still equals set.Revision and
	// advances set.Revision on success. An empty set deletes the record.
	Save(ctx context.Context, set *LockSet) error
	Close() error
}

// Enumerator is implemented by stores able to list the resources that have
// a stored record below a path prefix.
type Enumerator interface {
	Resources(ctx context.Context, prefix string) ([]string, error)
}
