package lockmgr

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cordum/davlock/core/dav"
	"github.com/cordum/davlock/core/infra/clock"
	"github.com/cordum/davlock/core/infra/config"
	"github.com/cordum/davlock/core/infra/locks"
)

var epoch = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func newTestManager(t *testing.T, opts ...Option) (*Manager, *clock.Fake, *locks.MemoryStore) {
	t.Helper()
	store := locks.NewMemoryStore()
	clk := clock.NewFake(epoch)
	opts = append([]Option{WithClock(clk)}, opts...)
	return New(store, opts...), clk, store
}

func mustGrant(t *testing.T, m *Manager, req GrantRequest) locks.Lock {
	t.Helper()
	l, err := m.Grant(context.Background(), req)
	if err != nil {
		t.Fatalf("grant %s: %v", req.Resource, err)
	}
	return l
}

func TestGrantAndAuthorize(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	l := mustGrant(t, m, GrantRequest{Resource: "/doc.txt", TimeoutSeconds: 300, Owner: "alice"})
	if l.Token == "" || !strings.HasPrefix(l.Token, tokenScheme) {
		t.Fatalf("expected opaque lock token, got %q", l.Token)
	}
	if l.Owner != "alice" || l.Shared || l.Deep {
		t.Fatalf("unexpected lock %#v", l)
	}
	ok, err := m.IsAuthorized(ctx, "/doc.txt", []string{l.Token})
	if err != nil || !ok {
		t.Fatalf("expected token holder to be authorized, got %v %v", ok, err)
	}
	ok, err = m.IsAuthorized(ctx, "/doc.txt", []string{"wrong-token"})
	if err != nil || ok {
		t.Fatalf("expected wrong token to be refused, got %v %v", ok, err)
	}
}

func TestExclusiveBlocksEveryOtherGrant(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()
	first := mustGrant(t, m, GrantRequest{Resource: "/doc.txt", TimeoutSeconds: 60})

	for _, shared := range []bool{false, true} {
		_, err := m.Grant(ctx, GrantRequest{Resource: "/doc.txt", Shared: shared, TimeoutSeconds: 60})
		if !errors.Is(err, dav.ErrLocked) {
			t.Fatalf("expected locked for shared=%v, got %v", shared, err)
		}
	}
	if err := m.Release(ctx, "/doc.txt", first.Token); err != nil {
		t.Fatalf("release: %v", err)
	}
	if _, err := m.Grant(ctx, GrantRequest{Resource: "/doc.txt", Owner: "bob"}); err != nil {
		t.Fatalf("expected grant after release, got %v", err)
	}
}

func TestSharedLocksCoexist(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()
	a := mustGrant(t, m, GrantRequest{Resource: "/doc.txt", Shared: true, Owner: "a"})
	b := mustGrant(t, m, GrantRequest{Resource: "/doc.txt", Shared: true, Owner: "b"})
	if a.Token == b.Token {
		t.Fatalf("expected distinct tokens")
	}
	active, err := m.ActiveLocks(ctx, "/doc.txt")
	if err != nil || len(active) != 2 {
		t.Fatalf("expected two shared locks, got %d %v", len(active), err)
	}
	if _, err := m.Grant(ctx, GrantRequest{Resource: "/doc.txt"}); !errors.Is(err, dav.ErrLocked) {
		t.Fatalf("expected exclusive grant to fail, got %v", err)
	}
	ok, _ := m.IsAuthorized(ctx, "/doc.txt", []string{b.Token})
	if !ok {
		t.Fatalf("expected shared holder to be authorized")
	}
}

func TestLockExpiresWithClock(t *testing.T) {
	m, clk, store := newTestManager(t)
	ctx := context.Background()
	mustGrant(t, m, GrantRequest{Resource: "/doc.txt", TimeoutSeconds: 1})

	active, _ := m.ActiveLocks(ctx, "/doc.txt")
	if len(active) != 1 {
		t.Fatalf("expected lock to be active immediately")
	}
	clk.Advance(1001 * time.Millisecond)
	active, err := m.ActiveLocks(ctx, "/doc.txt")
	if err != nil || len(active) != 0 {
		t.Fatalf("expected lock to expire, got %d %v", len(active), err)
	}
	resources, _ := store.Resources(ctx, "/")
	if len(resources) != 0 {
		t.Fatalf("expected expired record to be purged, got %v", resources)
	}
	if _, err := m.Grant(ctx, GrantRequest{Resource: "/doc.txt"}); err != nil {
		t.Fatalf("expected grant after expiry, got %v", err)
	}
}

func TestNegativeTimeoutGetsDefaultLease(t *testing.T) {
	m, _, _ := newTestManager(t)
	l := mustGrant(t, m, GrantRequest{Resource: "/doc.txt", TimeoutSeconds: -1})
	if l.Infinite() {
		t.Fatalf("expected a finite lease")
	}
	if got := l.ExpiresAt.Sub(epoch); got != 300*time.Second {
		t.Fatalf("expected 300s lease, got %v", got)
	}
}

func TestMaxTimeoutCapsLease(t *testing.T) {
	policy := config.DefaultLockPolicy()
	policy.MaxTimeoutSeconds = 120
	policy.DefaultTimeoutSeconds = 60
	m, _, _ := newTestManager(t, WithPolicy(policy))
	l := mustGrant(t, m, GrantRequest{Resource: "/doc.txt", TimeoutSeconds: 86400})
	if got := l.ExpiresAt.Sub(epoch); got != 120*time.Second {
		t.Fatalf("expected capped lease, got %v", got)
	}
}

func TestHugeTimeoutStillExcludes(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()
	l := mustGrant(t, m, GrantRequest{Resource: "/doc.txt", Owner: "alice", TimeoutSeconds: 10_000_000_000})
	if !l.ExpiresAt.After(epoch) {
		t.Fatalf("expected lease in the future, got %v", l.ExpiresAt)
	}
	if got := l.ExpiresAt.Sub(epoch); got != time.Duration(config.MaxLeaseSeconds)*time.Second {
		t.Fatalf("expected clamped lease, got %v", got)
	}
	active, err := m.ActiveLocks(ctx, "/doc.txt")
	if err != nil || len(active) != 1 {
		t.Fatalf("expected lock to stay active, got %d %v", len(active), err)
	}
	if _, err := m.Grant(ctx, GrantRequest{Resource: "/doc.txt", Owner: "bob"}); !errors.Is(err, dav.ErrLocked) {
		t.Fatalf("expected second exclusive grant to fail, got %v", err)
	}
	if _, err := m.Refresh(ctx, "/doc.txt", l.Token, 10_000_000_000); err != nil {
		t.Fatalf("expected refresh with huge timeout, got %v", err)
	}
	if active, _ := m.ActiveLocks(ctx, "/doc.txt"); len(active) != 1 {
		t.Fatalf("expected lock active after refresh")
	}
}

func TestRefresh(t *testing.T) {
	m, clk, _ := newTestManager(t)
	ctx := context.Background()
	l := mustGrant(t, m, GrantRequest{Resource: "/doc.txt", TimeoutSeconds: 10})

	clk.Advance(5 * time.Second)
	refreshed, err := m.Refresh(ctx, "/doc.txt", l.Token, 10)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if want := epoch.Add(15 * time.Second); !refreshed.ExpiresAt.Equal(want) {
		t.Fatalf("expected expiry %v, got %v", want, refreshed.ExpiresAt)
	}
	if refreshed.Token != l.Token {
		t.Fatalf("expected token to survive refresh")
	}
}

func TestRefreshUnknownOrExpiredToken(t *testing.T) {
	m, clk, _ := newTestManager(t)
	ctx := context.Background()
	if _, err := m.Refresh(ctx, "/doc.txt", "nope", 10); !errors.Is(err, dav.ErrPreconditionFailed) {
		t.Fatalf("expected precondition failed for unknown token, got %v", err)
	}
	l := mustGrant(t, m, GrantRequest{Resource: "/doc.txt", TimeoutSeconds: 1})
	clk.Advance(time.Second)
	if _, err := m.Refresh(ctx, "/doc.txt", l.Token, 10); !errors.Is(err, dav.ErrPreconditionFailed) {
		t.Fatalf("expected precondition failed for expired token, got %v", err)
	}
}

func TestReleaseUnknownOrExpiredToken(t *testing.T) {
	m, clk, _ := newTestManager(t)
	ctx := context.Background()
	if err := m.Release(ctx, "/doc.txt", "nope"); !errors.Is(err, dav.ErrPreconditionFailed) {
		t.Fatalf("expected precondition failed, got %v", err)
	}
	l := mustGrant(t, m, GrantRequest{Resource: "/doc.txt", TimeoutSeconds: 2})
	if err := m.Release(ctx, "/doc.txt", l.Token); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := m.Release(ctx, "/doc.txt", l.Token); !errors.Is(err, dav.ErrPreconditionFailed) {
		t.Fatalf("expected double release to fail, got %v", err)
	}
	l = mustGrant(t, m, GrantRequest{Resource: "/doc.txt", TimeoutSeconds: 2})
	clk.Advance(3 * time.Second)
	if err := m.Release(ctx, "/doc.txt", l.Token); !errors.Is(err, dav.ErrPreconditionFailed) {
		t.Fatalf("expected expired release to fail, got %v", err)
	}
}

func TestDeepLockPropagatesToDescendants(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()
	folder := mustGrant(t, m, GrantRequest{Resource: "/docs", Deep: true})

	for _, child := range []string{"/docs/a.txt", "/docs/sub/b.txt"} {
		ok, err := m.IsAuthorized(ctx, child, []string{"other"})
		if err != nil || ok {
			t.Fatalf("expected %s to be guarded by the deep lock, got %v %v", child, ok, err)
		}
		ok, _ = m.IsAuthorized(ctx, child, []string{folder.Token})
		if !ok {
			t.Fatalf("expected folder token to authorize %s", child)
		}
	}
	ok, _ := m.IsAuthorized(ctx, "/docsx", nil)
	if !ok {
		t.Fatalf("expected sibling with shared prefix to be unaffected")
	}
	err := m.Authorize(ctx, "/docs/a.txt", nil)
	if !errors.Is(err, dav.ErrLocked) || !strings.Contains(err.Error(), "/docs") {
		t.Fatalf("expected locked error naming the folder, got %v", err)
	}
	inherited, _ := m.InheritedLocks(ctx, "/docs/a.txt")
	if len(inherited) != 1 || inherited[0].Resource != "/docs" {
		t.Fatalf("unexpected inherited locks %#v", inherited)
	}
}

func TestShallowLockDoesNotPropagate(t *testing.T) {
	m, _, _ := newTestManager(t)
	mustGrant(t, m, GrantRequest{Resource: "/docs"})
	ok, _ := m.IsAuthorized(context.Background(), "/docs/a.txt", nil)
	if !ok {
		t.Fatalf("expected shallow folder lock to leave children writable")
	}
}

func TestGrantUnderDeepAncestor(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()
	mustGrant(t, m, GrantRequest{Resource: "/docs", Deep: true, Shared: true})

	if _, err := m.Grant(ctx, GrantRequest{Resource: "/docs/a.txt"}); !errors.Is(err, dav.ErrLocked) {
		t.Fatalf("expected exclusive child grant to conflict, got %v", err)
	}
	if _, err := m.Grant(ctx, GrantRequest{Resource: "/docs/a.txt", Shared: true}); err != nil {
		t.Fatalf("expected shared child grant under shared deep lock, got %v", err)
	}
}

func TestDeepGrantBlockedByLockedDescendant(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()
	child := mustGrant(t, m, GrantRequest{Resource: "/docs/sub/a.txt"})

	if _, err := m.Grant(ctx, GrantRequest{Resource: "/docs", Deep: true}); !errors.Is(err, dav.ErrLocked) {
		t.Fatalf("expected deep grant to fail, got %v", err)
	}
	if _, err := m.Grant(ctx, GrantRequest{Resource: "/docs"}); err != nil {
		t.Fatalf("expected shallow grant to succeed, got %v", err)
	}
	active, _ := m.ActiveLocks(ctx, "/docs")
	if len(active) != 1 || active[0].Deep {
		t.Fatalf("expected only the shallow lock on the folder, got %#v", active)
	}
	if err := m.Release(ctx, "/docs/sub/a.txt", child.Token); err != nil {
		t.Fatalf("release child: %v", err)
	}
}

func TestDeepGrantIgnoresExpiredDescendant(t *testing.T) {
	m, clk, _ := newTestManager(t)
	mustGrant(t, m, GrantRequest{Resource: "/docs/a.txt", TimeoutSeconds: 1})
	clk.Advance(2 * time.Second)
	if _, err := m.Grant(context.Background(), GrantRequest{Resource: "/docs", Deep: true}); err != nil {
		t.Fatalf("expected expired descendant to be ignored, got %v", err)
	}
}

func TestRelaxedModeSkipsDescendantScan(t *testing.T) {
	m, _, _ := newTestManager(t, WithRelaxedDescendants())
	mustGrant(t, m, GrantRequest{Resource: "/docs/a.txt"})
	if _, err := m.Grant(context.Background(), GrantRequest{Resource: "/docs", Deep: true}); err != nil {
		t.Fatalf("expected relaxed deep grant to succeed, got %v", err)
	}
}

func TestNonEnumerableStoreFallsBackToRelaxed(t *testing.T) {
	store := &plainStore{inner: locks.NewMemoryStore()}
	m := New(store, WithClock(clock.NewFake(epoch)))
	mustGrant(t, m, GrantRequest{Resource: "/docs/a.txt"})
	if _, err := m.Grant(context.Background(), GrantRequest{Resource: "/docs", Deep: true}); err != nil {
		t.Fatalf("expected deep grant without enumeration, got %v", err)
	}
	if _, err := m.Sweep(context.Background()); err == nil {
		t.Fatalf("expected sweep to need an enumerable store")
	}
}

func TestConcurrentExclusiveGrantsOnOneResource(t *testing.T) {
	m, _, _ := newTestManager(t)
	const workers = 32
	var (
		wg      sync.WaitGroup
		granted atomic.Int32
		locked  atomic.Int32
	)
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			_, err := m.Grant(context.Background(), GrantRequest{Resource: "/hot.txt"})
			switch {
			case err == nil:
				granted.Add(1)
			case errors.Is(err, dav.ErrLocked):
				locked.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()
	if granted.Load() != 1 || locked.Load() != workers-1 {
		t.Fatalf("expected exactly one grant, got %d granted %d locked", granted.Load(), locked.Load())
	}
	if m.keys.size() != 0 {
		t.Fatalf("expected per-resource mutexes to be released")
	}
}

func TestConcurrentGrantsOnDistinctResources(t *testing.T) {
	m, _, _ := newTestManager(t)
	const workers = 16
	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		resource := "/file-" + string(rune('a'+i))
		go func() {
			defer wg.Done()
			if _, err := m.Grant(context.Background(), GrantRequest{Resource: resource}); err != nil {
				t.Errorf("grant %s: %v", resource, err)
			}
		}()
	}
	wg.Wait()
}

func TestAncestorLandingAfterSaveRollsBackDescendant(t *testing.T) {
	inner := locks.NewMemoryStore()
	store := &interleavingStore{MemoryStore: inner, after: "/a/b", inject: &locks.LockSet{
		Resource: "/a",
		Locks:    []locks.Lock{{Token: "opaquelocktoken:deep", Resource: "/a", Deep: true, ExpiresAt: epoch.Add(time.Minute)}},
	}}
	m := New(store, WithClock(clock.NewFake(epoch)))
	ctx := context.Background()

	if _, err := m.Grant(ctx, GrantRequest{Resource: "/a/b"}); !errors.Is(err, dav.ErrLocked) {
		t.Fatalf("expected descendant grant to back off, got %v", err)
	}
	if !store.fired {
		t.Fatalf("expected conflicting lock to land between save and re-check")
	}
	assertLockCount(t, m, "/a/b", 0)
	assertLockCount(t, m, "/a", 1)
	if ok, _ := m.IsAuthorized(ctx, "/a/b", []string{"opaquelocktoken:deep"}); !ok {
		t.Fatalf("expected surviving deep lock to cover the descendant")
	}
}

func TestDescendantLandingAfterSaveRollsBackDeepGrant(t *testing.T) {
	inner := locks.NewMemoryStore()
	store := &interleavingStore{MemoryStore: inner, after: "/a", inject: &locks.LockSet{
		Resource: "/a/b",
		Locks:    []locks.Lock{{Token: "opaquelocktoken:leaf", Resource: "/a/b", ExpiresAt: epoch.Add(time.Minute)}},
	}}
	m := New(store, WithClock(clock.NewFake(epoch)))

	if _, err := m.Grant(context.Background(), GrantRequest{Resource: "/a", Deep: true}); !errors.Is(err, dav.ErrLocked) {
		t.Fatalf("expected deep grant to back off, got %v", err)
	}
	if !store.fired {
		t.Fatalf("expected conflicting lock to land between save and re-check")
	}
	assertLockCount(t, m, "/a", 0)
	assertLockCount(t, m, "/a/b", 1)
}

func TestRacingAncestorAndDescendantGrants(t *testing.T) {
	for i := 0; i < 200; i++ {
		m, _, _ := newTestManager(t)
		start := make(chan struct{})
		var (
			wg   sync.WaitGroup
			errs [2]error
		)
		reqs := [2]GrantRequest{{Resource: "/a", Deep: true}, {Resource: "/a/b"}}
		wg.Add(len(reqs))
		for j := range reqs {
			go func(j int) {
				defer wg.Done()
				<-start
				_, errs[j] = m.Grant(context.Background(), reqs[j])
			}(j)
		}
		close(start)
		wg.Wait()

		if errs[0] == nil && errs[1] == nil {
			t.Fatalf("iteration %d: expected at most one of the conflicting grants to survive", i)
		}
		for j, err := range errs {
			want := 1
			if err != nil {
				if !errors.Is(err, dav.ErrLocked) {
					t.Fatalf("iteration %d: unexpected error: %v", i, err)
				}
				want = 0
			}
			assertLockCount(t, m, reqs[j].Resource, want)
		}
		if m.keys.size() != 0 {
			t.Fatalf("iteration %d: expected per-resource mutexes to be released", i)
		}
	}
}

func assertLockCount(t *testing.T, m *Manager, resource string, want int) {
	t.Helper()
	active, err := m.ActiveLocks(context.Background(), resource)
	if err != nil {
		t.Fatalf("active locks %s: %v", resource, err)
	}
	if len(active) != want {
		t.Fatalf("expected %d locks on %s, got %d", want, resource, len(active))
	}
}

func TestRevisionConflictIsRetried(t *testing.T) {
	store := &conflictingStore{Store: locks.NewMemoryStore(), conflicts: 2}
	m := New(store, WithClock(clock.NewFake(epoch)))
	if _, err := m.Grant(context.Background(), GrantRequest{Resource: "/doc.txt"}); err != nil {
		t.Fatalf("expected grant after retries, got %v", err)
	}
	if store.saves != 3 {
		t.Fatalf("expected 3 save attempts, got %d", store.saves)
	}
}

func TestPersistentConflictIsStorageError(t *testing.T) {
	store := &conflictingStore{Store: locks.NewMemoryStore(), conflicts: 100}
	m := New(store, WithClock(clock.NewFake(epoch)))
	_, err := m.Grant(context.Background(), GrantRequest{Resource: "/doc.txt"})
	if !dav.IsStorage(err) || !errors.Is(err, locks.ErrConflict) {
		t.Fatalf("expected storage error wrapping conflict, got %v", err)
	}
}

func TestStoreFailureIsStorageError(t *testing.T) {
	boom := errors.New("connection reset")
	m := New(&failingStore{err: boom}, WithClock(clock.NewFake(epoch)))
	ctx := context.Background()

	if _, err := m.Grant(ctx, GrantRequest{Resource: "/doc.txt"}); !dav.IsStorage(err) || !errors.Is(err, boom) {
		t.Fatalf("expected storage error from grant, got %v", err)
	}
	if _, err := m.IsAuthorized(ctx, "/doc.txt", nil); !dav.IsStorage(err) {
		t.Fatalf("expected storage error from authorization, got %v", err)
	}
	if err := m.Release(ctx, "/doc.txt", "t"); !dav.IsStorage(err) {
		t.Fatalf("expected storage error from release, got %v", err)
	}
}

func TestInvalidResource(t *testing.T) {
	m, _, _ := newTestManager(t)
	if _, err := m.Grant(context.Background(), GrantRequest{Resource: " "}); !errors.Is(err, dav.ErrInvalidResource) {
		t.Fatalf("expected invalid resource, got %v", err)
	}
}

func TestResourcePathsAreNormalized(t *testing.T) {
	m, _, _ := newTestManager(t)
	l := mustGrant(t, m, GrantRequest{Resource: "docs//a.txt/"})
	if l.Resource != "/docs/a.txt" {
		t.Fatalf("expected normalized resource, got %s", l.Resource)
	}
	if err := m.Release(context.Background(), "/docs/a.txt", l.Token); err != nil {
		t.Fatalf("release normalized: %v", err)
	}
}

func TestSweepPurgesExpiredLocks(t *testing.T) {
	m, clk, store := newTestManager(t)
	ctx := context.Background()
	mustGrant(t, m, GrantRequest{Resource: "/a", TimeoutSeconds: 1})
	mustGrant(t, m, GrantRequest{Resource: "/b", TimeoutSeconds: 1})
	mustGrant(t, m, GrantRequest{Resource: "/c", TimeoutSeconds: 60})
	clk.Advance(2 * time.Second)

	purged, err := m.Sweep(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if purged != 2 {
		t.Fatalf("expected 2 purged locks, got %d", purged)
	}
	resources, _ := store.Resources(ctx, "/")
	if len(resources) != 1 || resources[0] != "/c" {
		t.Fatalf("unexpected remaining records %v", resources)
	}
}

type plainStore struct {
	inner *locks.MemoryStore
}

func (s *plainStore) Load(ctx context.Context, r string) (*locks.LockSet, error) {
	return s.inner.Load(ctx, r)
}
func (s *plainStore) Save(ctx context.Context, set *locks.LockSet) error {
	return s.inner.Save(ctx, set)
}
func (s *plainStore) Close() error { return nil }

// interleavingStore writes inject right after the first non-empty save of
// after, standing in for another instance whose grant passed its pre-check.
type interleavingStore struct {
	*locks.MemoryStore
	after  string
	inject *locks.LockSet
	fired  bool
}

func (s *interleavingStore) Save(ctx context.Context, set *locks.LockSet) error {
	if err := s.MemoryStore.Save(ctx, set); err != nil {
		return err
	}
	if !s.fired && set.Resource == s.after && !set.Empty() {
		s.fired = true
		return s.MemoryStore.Save(ctx, s.inject)
	}
	return nil
}

type conflictingStore struct {
	locks.Store
	mu        sync.Mutex
	conflicts int
	saves     int
}

func (s *conflictingStore) Save(ctx context.Context, set *locks.LockSet) error {
	s.mu.Lock()
	s.saves++
	if s.conflicts > 0 {
		s.conflicts--
		s.mu.Unlock()
		return locks.ErrConflict
	}
	s.mu.Unlock()
	return s.Store.Save(ctx, set)
}

type failingStore struct {
	err error
}

func (s *failingStore) Load(context.Context, string) (*locks.LockSet, error) { return nil, s.err }
func (s *failingStore) Save(context.Context, *locks.LockSet) error           { return s.err }
func (s *failingStore) Close() error                                         { return nil }
