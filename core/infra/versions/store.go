// Package versions persists the per-resource version counters behind ETags.
package versions

import "context"

// Store holds one non-negative counter per resource.
type Store interface {
	// Get returns the counter, or 0 when the resource has no record.
	Get(ctx context.Context, resource string) (int64, error)
	// Incr atomically adds one and returns the new value.
	Incr(ctx context.Context, resource string) (int64, error)
	Close() error
}
