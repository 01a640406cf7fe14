// Package lockmgr decides which lock requests are granted and which tokens
// authorize a mutation, over any locks.Store.
package lockmgr

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cordum/davlock/core/dav"
	"github.com/cordum/davlock/core/infra/clock"
	"github.com/cordum/davlock/core/infra/config"
	"github.com/cordum/davlock/core/infra/locks"
	"github.com/cordum/davlock/core/infra/logging"
	"github.com/cordum/davlock/core/infra/metrics"
	"github.com/google/uuid"
)

const tokenScheme = "opaquelocktoken:"

// GrantRequest describes a lock request. A non-positive TimeoutSeconds asks
// for the default lease.
type GrantRequest struct {
	Resource       string
	Shared         bool
	Deep           bool
	TimeoutSeconds int64
	Owner          string
}

type Option func(*Manager)

func WithClock(c clock.Clock) Option {
	return func(m *Manager) { m.clock = c }
}

func WithPolicy(p config.LockPolicy) Option {
	return func(m *Manager) { m.policy = p }
}

func WithMetrics(mt metrics.Metrics) Option {
	return func(m *Manager) { m.metrics = mt }
}

// WithRelaxedDescendants skips the descendant scan on deep grants. A deep
// lock may then be granted over an already locked descendant.
func WithRelaxedDescendants() Option {
	return func(m *Manager) { m.policy.DescendantCheck = config.DescendantRelaxed }
}

// Manager owns every write to the lock store. Writes to one resource run
// under that resource's mutex and a revision check against the store.
type Manager struct {
	store       locks.Store
	clock       clock.Clock
	policy      config.LockPolicy
	metrics     metrics.Metrics
	keys        *keyedMutex
	relaxedOnce sync.Once
}

func New(store locks.Store, opts ...Option) *Manager {
	m := &Manager{
		store:   store,
		clock:   clock.System{},
		policy:  config.DefaultLockPolicy(),
		metrics: metrics.Noop{},
		keys:    newKeyedMutex(),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.policy.CASRetries <= 0 {
		m.policy.CASRetries = 1
	}
	return m
}

// Grant places a new lock on req.Resource or fails with dav.ErrLocked.
func (m *Manager) Grant(ctx context.Context, req GrantRequest) (locks.Lock, error) {
	resource, err := dav.Normalize(req.Resource)
	if err != nil {
		return locks.Lock{}, err
	}
	mode := locks.ModeExclusive
	if req.Shared {
		mode = locks.ModeShared
	}
	if err := m.checkHierarchy(ctx, resource, req); err != nil {
		m.deny(resource, mode, err)
		return locks.Lock{}, err
	}

	var granted locks.Lock
	_, _, err = m.update(ctx, resource, func(set *locks.LockSet, now time.Time) (bool, error) {
		if set.Exclusive() || (!req.Shared && !set.Empty()) {
			return false, dav.Locked(resource)
		}
		granted = locks.Lock{
			Token:     tokenScheme + uuid.NewString(),
			Resource:  resource,
			Shared:    req.Shared,
			Deep:      req.Deep,
			ExpiresAt: now.Add(m.policy.Lease(req.TimeoutSeconds)),
			Owner:     req.Owner,
			CreatedAt: now,
		}
		set.Locks = append(set.Locks, granted)
		return true, nil
	})
	if err != nil {
		m.deny(resource, mode, err)
		return locks.Lock{}, err
	}

	// A conflicting lock may have landed on an ancestor or descendant while
	// this one was being written. Whoever sees the other backs off.
	if err := m.checkHierarchy(ctx, resource, req); err != nil {
		if rbErr := m.remove(ctx, resource, granted.Token); rbErr != nil && !errors.Is(rbErr, dav.ErrPreconditionFailed) {
			return locks.Lock{}, errors.Join(err, rbErr)
		}
		m.deny(resource, mode, err)
		return locks.Lock{}, err
	}

	m.metrics.IncLockGranted(mode)
	logging.Debug("lockmgr", "lock granted", "resource", resource, "mode", mode, "deep", req.Deep, "owner", req.Owner)
	return granted, nil
}

// Refresh extends the lease of an active lock.
func (m *Manager) Refresh(ctx context.Context, resource, token string, timeoutSeconds int64) (locks.Lock, error) {
	resource, err := dav.Normalize(resource)
	if err != nil {
		return locks.Lock{}, err
	}
	var refreshed locks.Lock
	_, _, err = m.update(ctx, resource, func(set *locks.LockSet, now time.Time) (bool, error) {
		i := set.Find(token)
		if i < 0 {
			return false, noSuchLock(resource, token)
		}
		set.Locks[i].ExpiresAt = now.Add(m.policy.Lease(timeoutSeconds))
		refreshed = set.Locks[i]
		return true, nil
	})
	if err != nil {
		return locks.Lock{}, err
	}
	m.metrics.IncLockRefreshed()
	return refreshed, nil
}

// Release removes an active lock. The record is deleted with its last lock.
func (m *Manager) Release(ctx context.Context, resource, token string) error {
	resource, err := dav.Normalize(resource)
	if err != nil {
		return err
	}
	if err := m.remove(ctx, resource, token); err != nil {
		return err
	}
	m.metrics.IncLockReleased()
	logging.Debug("lockmgr", "lock released", "resource", resource)
	return nil
}

func (m *Manager) remove(ctx context.Context, resource, token string) error {
	_, _, err := m.update(ctx, resource, func(set *locks.LockSet, _ time.Time) (bool, error) {
		i := set.Find(token)
		if i < 0 {
			return false, noSuchLock(resource, token)
		}
		set.Locks = append(set.Locks[:i], set.Locks[i+1:]...)
		return true, nil
	})
	return err
}

// ActiveLocks returns the locks held directly on resource, purging expired
// ones from the store.
func (m *Manager) ActiveLocks(ctx context.Context, resource string) ([]locks.Lock, error) {
	resource, err := dav.Normalize(resource)
	if err != nil {
		return nil, err
	}
	return m.activeLocks(ctx, resource)
}

func (m *Manager) activeLocks(ctx context.Context, resource string) ([]locks.Lock, error) {
	set, _, err := m.update(ctx, resource, func(*locks.LockSet, time.Time) (bool, error) {
		return false, nil
	})
	if err != nil {
		return nil, err
	}
	return set.Locks, nil
}

// InheritedLocks returns the locks in force on resource: its own plus the
// deep locks of every ancestor. Ancestor records are only read.
func (m *Manager) InheritedLocks(ctx context.Context, resource string) ([]locks.Lock, error) {
	resource, err := dav.Normalize(resource)
	if err != nil {
		return nil, err
	}
	out, err := m.activeLocks(ctx, resource)
	if err != nil {
		return nil, err
	}
	for _, ancestor := range dav.Ancestors(resource) {
		active, err := m.activeReadOnly(ctx, ancestor)
		if err != nil {
			return nil, err
		}
		for _, l := range active {
			if l.Deep {
				out = append(out, l)
			}
		}
	}
	return out, nil
}

// IsAuthorized reports whether tokens may mutate resource: true when no lock
// is in force there, or when any token matches one that is. Shared and
// exclusive holders are treated alike.
func (m *Manager) IsAuthorized(ctx context.Context, resource string, tokens []string) (bool, error) {
	_, err := m.blockingLock(ctx, resource, tokens)
	if errors.Is(err, dav.ErrLocked) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Authorize is IsAuthorized as an error: dav.ErrLocked names the resource
// carrying the lock the caller holds no token for.
func (m *Manager) Authorize(ctx context.Context, resource string, tokens []string) error {
	_, err := m.blockingLock(ctx, resource, tokens)
	return err
}

func (m *Manager) blockingLock(ctx context.Context, resource string, tokens []string) (locks.Lock, error) {
	inherited, err := m.InheritedLocks(ctx, resource)
	if err != nil {
		return locks.Lock{}, err
	}
	if len(inherited) == 0 {
		m.metrics.IncAuthorization("unlocked")
		return locks.Lock{}, nil
	}
	held := make(map[string]struct{}, len(tokens))
	for _, t := range tokens {
		if t != "" {
			held[t] = struct{}{}
		}
	}
	for _, l := range inherited {
		if _, ok := held[l.Token]; ok {
			m.metrics.IncAuthorization("allowed")
			return l, nil
		}
	}
	m.metrics.IncAuthorization("denied")
	return inherited[0], dav.Locked(inherited[0].Resource)
}

// Sweep purges expired locks from every stored record. It needs a store
// that can enumerate its records.
func (m *Manager) Sweep(ctx context.Context) (int, error) {
	enum, ok := m.store.(locks.Enumerator)
	if !ok {
		return 0, fmt.Errorf("sweep: store cannot enumerate resources")
	}
	resources, err := enum.Resources(ctx, dav.Root)
	if err != nil {
		return 0, dav.Storage("enumerate", dav.Root, err)
	}
	total := 0
	for _, resource := range resources {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		_, purged, err := m.update(ctx, resource, func(*locks.LockSet, time.Time) (bool, error) {
			return false, nil
		})
		if err != nil {
			return total, err
		}
		total += purged
	}
	if total > 0 {
		logging.Info("lockmgr", "sweep purged expired locks", "count", total)
	}
	return total, nil
}

// update runs fn on the freshly loaded, pruned set of resource and saves the
// result when fn reports a change or expired locks were pruned. Store
// revision conflicts reload and retry.
func (m *Manager) update(ctx context.Context, resource string, fn func(set *locks.LockSet, now time.Time) (bool, error)) (*locks.LockSet, int, error) {
	unlock := m.keys.Lock(resource)
	defer unlock()

	for attempt := 0; attempt < m.policy.CASRetries; attempt++ {
		set, err := m.store.Load(ctx, resource)
		if err != nil {
			return nil, 0, dav.Storage("load", resource, err)
		}
		now := m.clock.Now()
		purged := set.Prune(now)
		changed, err := fn(set, now)
		if err != nil {
			return nil, 0, err
		}
		if !changed && purged == 0 {
			return set, 0, nil
		}
		err = m.store.Save(ctx, set)
		if errors.Is(err, locks.ErrConflict) {
			logging.Debug("lockmgr", "revision conflict, retrying", "resource", resource, "attempt", attempt+1)
			continue
		}
		if err != nil {
			return nil, 0, dav.Storage("save", resource, err)
		}
		m.metrics.AddLocksExpired(purged)
		return set, purged, nil
	}
	return nil, 0, dav.Storage("save", resource, locks.ErrConflict)
}

func (m *Manager) activeReadOnly(ctx context.Context, resource string) ([]locks.Lock, error) {
	set, err := m.store.Load(ctx, resource)
	if err != nil {
		return nil, dav.Storage("load", resource, err)
	}
	return set.Active(m.clock.Now()), nil
}

// checkHierarchy looks for locks above and below resource that conflict with
// req: a deep ancestor lock unless both are shared, and for deep requests
// any lock in the subtree.
func (m *Manager) checkHierarchy(ctx context.Context, resource string, req GrantRequest) error {
	for _, ancestor := range dav.Ancestors(resource) {
		active, err := m.activeReadOnly(ctx, ancestor)
		if err != nil {
			return err
		}
		for _, l := range active {
			if l.Deep && (!l.Shared || !req.Shared) {
				return dav.Locked(ancestor)
			}
		}
	}
	if !req.Deep {
		return nil
	}
	enum, ok := m.store.(locks.Enumerator)
	if !ok || m.policy.Relaxed() {
		m.relaxedOnce.Do(func() {
			logging.Warn("lockmgr", "deep locks granted without descendant scan", "relaxed", m.policy.Relaxed(), "enumerable", ok)
		})
		return nil
	}
	descendants, err := enum.Resources(ctx, dav.SubtreePrefix(resource))
	if err != nil {
		return dav.Storage("enumerate", resource, err)
	}
	for _, descendant := range descendants {
		if descendant == resource {
			continue
		}
		active, err := m.activeReadOnly(ctx, descendant)
		if err != nil {
			return err
		}
		if len(active) > 0 {
			return dav.Locked(descendant)
		}
	}
	return nil
}

func (m *Manager) deny(resource, mode string, err error) {
	if errors.Is(err, dav.ErrLocked) {
		m.metrics.IncLockDenied(mode)
		logging.Debug("lockmgr", "lock denied", "resource", resource, "mode", mode, "reason", err)
	}
}

func noSuchLock(resource, token string) error {
	return fmt.Errorf("%w: no active lock %q on %s", dav.ErrPreconditionFailed, token, resource)
}
