// Package version keeps per-resource version counters and derives ETags from them.
package version

import (
	"context"
	"encoding/binary"
	"hash/fnv"
	"strconv"
	"time"

	"github.com/cordum/davlock/core/dav"
	"github.com/cordum/davlock/core/infra/clock"
	"github.com/cordum/davlock/core/infra/logging"
	"github.com/cordum/davlock/core/infra/metrics"
	"github.com/cordum/davlock/core/infra/versions"
)

// Change announces a committed version bump.
type Change struct {
	Resource string    `json:"resource"`
	Version  int64     `json:"version"`
	At       time.Time `json:"at"`
}

// Notifier receives changes after they are stored. Failures are logged.
type Notifier interface {
	Publish(ctx context.Context, change Change) error
}

type Option func(*Stamp)

func WithMetrics(m metrics.Metrics) Option {
	return func(s *Stamp) { s.metrics = m }
}

func WithClock(c clock.Clock) Option {
	return func(s *Stamp) { s.clock = c }
}

// WithNotifier adds change subscribers; nil entries are skipped.
func WithNotifier(n ...Notifier) Option {
	return func(s *Stamp) {
		for _, notifier := range n {
			if notifier != nil {
				s.notifiers = append(s.notifiers, notifier)
			}
		}
	}
}

// Stamp reads and bumps version counters. Counters start at 0.
type Stamp struct {
	store     versions.Store
	clock     clock.Clock
	metrics   metrics.Metrics
	notifiers []Notifier
}

func New(store versions.Store, opts ...Option) *Stamp {
	s := &Stamp{
		store:   store,
		clock:   clock.System{},
		metrics: metrics.Noop{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Current returns the counter of resource, 0 if it was never bumped.
func (s *Stamp) Current(ctx context.Context, resource string) (int64, error) {
	resource, err := dav.Normalize(resource)
	if err != nil {
		return 0, err
	}
	n, err := s.store.Get(ctx, resource)
	if err != nil {
		return 0, dav.Storage("read version", resource, err)
	}
	return n, nil
}

// Bump increments the counter of resource by one and returns the new value.
// A store failure is returned; the old value is never reported as new.
func (s *Stamp) Bump(ctx context.Context, resource string) (int64, error) {
	resource, err := dav.Normalize(resource)
	if err != nil {
		return 0, err
	}
	n, err := s.store.Incr(ctx, resource)
	if err != nil {
		s.metrics.IncVersionBump("error")
		return 0, dav.Storage("bump version", resource, err)
	}
	s.metrics.IncVersionBump("ok")
	s.notify(ctx, Change{Resource: resource, Version: n, At: s.clock.Now().UTC()})
	return n, nil
}

// ETag formats the entity tag of resource for a modification time.
func (s *Stamp) ETag(ctx context.Context, resource string, modifiedAt time.Time) (string, error) {
	n, err := s.Current(ctx, resource)
	if err != nil {
		return "", err
	}
	return FormatETag(modifiedAt, n), nil
}

// FormatETag is "<fnv64a of modifiedAt in hex>-<counter>". Equal inputs
// always give equal tags.
func FormatETag(modifiedAt time.Time, counter int64) string {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(modifiedAt.UnixNano()))
	h := fnv.New64a()
	_, _ = h.Write(buf[:])
	return strconv.FormatUint(h.Sum64(), 16) + "-" + strconv.FormatInt(counter, 10)
}

func (s *Stamp) notify(ctx context.Context, change Change) {
	for _, n := range s.notifiers {
		if err := n.Publish(ctx, change); err != nil {
			logging.Warn("version", "change notification failed", "resource", change.Resource, "version", change.Version, "error", err)
		}
	}
}
