// Package davfs plugs the lock manager and version counters into
// golang.org/x/net/webdav.
package davfs

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/cordum/davlock/core/dav"
	"github.com/cordum/davlock/core/infra/locks"
	"github.com/cordum/davlock/core/lockmgr"
	"github.com/pmylund/go-cache"
	"golang.org/x/net/webdav"
)

const indexCleanup = 5 * time.Minute

// LockSystem serves webdav LOCK, UNLOCK and If-header checks from a
// lockmgr.Manager. Expiry is decided by the manager's clock; the now
// arguments only age the token index and the reported lock durations.
type LockSystem struct {
	mgr   *lockmgr.Manager
	roots *cache.Cache
}

func NewLockSystem(mgr *lockmgr.Manager) *LockSystem {
	return &LockSystem{mgr: mgr, roots: cache.New(cache.NoExpiration, indexCleanup)}
}

var _ webdav.LockSystem = (*LockSystem)(nil)

func (ls *LockSystem) Confirm(_ time.Time, name0, name1 string, conditions ...webdav.Condition) (func(), error) {
	ctx := context.Background()
	tokens := make([]string, 0, len(conditions))
	for _, c := range conditions {
		if !c.Not && c.Token != "" {
			tokens = append(tokens, c.Token)
		}
	}
	for _, name := range []string{name0, name1} {
		if name == "" {
			continue
		}
		ok, err := ls.mgr.IsAuthorized(ctx, name, tokens)
		if err != nil {
			return nil, mapError(err)
		}
		if !ok {
			return nil, webdav.ErrConfirmationFailed
		}
	}
	return func() {}, nil
}

func (ls *LockSystem) Create(now time.Time, details webdav.LockDetails) (string, error) {
	lock, err := ls.mgr.Grant(context.Background(), lockmgr.GrantRequest{
		Resource:       details.Root,
		Deep:           !details.ZeroDepth,
		TimeoutSeconds: timeoutSeconds(details.Duration),
		Owner:          details.OwnerXML,
	})
	if err != nil {
		return "", mapError(err)
	}
	ls.remember(lock, now)
	return lock.Token, nil
}

func (ls *LockSystem) Refresh(now time.Time, token string, duration time.Duration) (webdav.LockDetails, error) {
	root, ok := ls.root(token)
	if !ok {
		return webdav.LockDetails{}, webdav.ErrNoSuchLock
	}
	lock, err := ls.mgr.Refresh(context.Background(), root, token, timeoutSeconds(duration))
	if err != nil {
		if errors.Is(err, dav.ErrPreconditionFailed) {
			ls.roots.Delete(token)
		}
		return webdav.LockDetails{}, mapError(err)
	}
	ls.remember(lock, now)
	return details(lock, now), nil
}

func (ls *LockSystem) Unlock(_ time.Time, token string) error {
	root, ok := ls.root(token)
	if !ok {
		return webdav.ErrNoSuchLock
	}
	err := ls.mgr.Release(context.Background(), root, token)
	if err == nil || errors.Is(err, dav.ErrPreconditionFailed) {
		ls.roots.Delete(token)
	}
	return mapError(err)
}

func (ls *LockSystem) remember(lock locks.Lock, now time.Time) {
	ttl := cache.NoExpiration
	if !lock.Infinite() {
		ttl = lock.ExpiresAt.Sub(now)
		if ttl <= 0 {
			return
		}
	}
	ls.roots.Set(lock.Token, lock.Resource, ttl)
}

func (ls *LockSystem) root(token string) (string, bool) {
	v, ok := ls.roots.Get(token)
	if !ok {
		return "", false
	}
	root, ok := v.(string)
	return root, ok
}

func details(lock locks.Lock, now time.Time) webdav.LockDetails {
	d := webdav.LockDetails{
		Root:      lock.Resource,
		Duration:  -1,
		OwnerXML:  lock.Owner,
		ZeroDepth: !lock.Deep,
	}
	if !lock.Infinite() {
		d.Duration = lock.ExpiresAt.Sub(now)
	}
	return d
}

// timeoutSeconds rounds up; a negative duration means "infinite" to webdav
// and maps to the default lease.
func timeoutSeconds(d time.Duration) int64 {
	if d <= 0 {
		return 0
	}
	return int64(math.Ceil(d.Seconds()))
}

func mapError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, dav.ErrLocked):
		return webdav.ErrLocked
	case errors.Is(err, dav.ErrPreconditionFailed):
		return webdav.ErrNoSuchLock
	case errors.Is(err, dav.ErrInvalidResource):
		return webdav.ErrForbidden
	default:
		return err
	}
}
