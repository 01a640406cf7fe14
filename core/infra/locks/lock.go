package locks

import "time"

const (
	ModeShared    = "shared"
	ModeExclusive = "exclusive"
)

// Lock is a single grant on a resource. A zero ExpiresAt never expires.
type Lock struct {
	Token     string    `json:"token" dynamodbav:"token"`
	Resource  string    `json:"resource" dynamodbav:"resource"`
	Shared    bool      `json:"shared" dynamodbav:"shared"`
	Deep      bool      `json:"deep" dynamodbav:"deep"`
	ExpiresAt time.Time `json:"expires_at" dynamodbav:"expires_at"`
	Owner     string    `json:"owner,omitempty" dynamodbav:"owner,omitempty"`
	CreatedAt time.Time `json:"created_at" dynamodbav:"created_at"`
}

// Infinite reports whether the lock carries no expiry.
func (l Lock) Infinite() bool { return l.ExpiresAt.IsZero() }

// Active reports whether the lock is still in force at now.
func (l Lock) Active(now time.Time) bool {
	return l.Infinite() || l.ExpiresAt.After(now)
}

func (l Lock) Mode() string {
	if l.Shared {
		return ModeShared
	}
	return ModeExclusive
}

// LockSet is the stored lock record of one resource. Revision is the opaque
// compare-and-swap stamp of the stored record; it is empty when nothing is stored.
type LockSet struct {
	Resource string `json:"resource"`
	Locks    []Lock `json:"locks"`
	Revision string `json:"revision"`
}

// Prune drops locks that are no longer active and returns how many it dropped.
func (s *LockSet) Prune(now time.Time) int {
	kept := s.Locks[:0]
	for _, l := range s.Locks {
		if l.Active(now) {
			kept = append(kept, l)
		}
	}
	removed := len(s.Locks) - len(kept)
	s.Locks = kept
	return removed
}

// Active returns the locks in force at now without modifying the set.
func (s *LockSet) Active(now time.Time) []Lock {
	out := make([]Lock, 0, len(s.Locks))
	for _, l := range s.Locks {
		if l.Active(now) {
			out = append(out, l)
		}
	}
	return out
}

// Find returns the index of the lock holding token, or -1.
func (s *LockSet) Find(token string) int {
	for i, l := range s.Locks {
		if l.Token == token {
			return i
		}
	}
	return -1
}

// Exclusive reports whether any lock in the set is exclusive.
func (s *LockSet) Exclusive() bool {
	for _, l := range s.Locks {
		if !l.Shared {
			return true
		}
	}
	return false
}

// Empty reports whether the set holds no locks.
func (s *LockSet) Empty() bool { return len(s.Locks) == 0 }

// LatestExpiry returns the furthest expiry in the set. ok is false when the
// set is empty or any lock is infinite.
func (s *LockSet) LatestExpiry() (latest time.Time, ok bool) {
	if len(s.Locks) == 0 {
		return time.Time{}, false
	}
	for _, l := range s.Locks {
		if l.Infinite() {
			return time.Time{}, false
		}
		if l.ExpiresAt.After(latest) {
			latest = l.ExpiresAt
		}
	}
	return latest, true
}

// Clone returns a deep copy.
func (s *LockSet) Clone() *LockSet {
	out := &LockSet{Resource: s.Resource, Revision: s.Revision}
	if len(s.Locks) > 0 {
		out.Locks = append([]Lock(nil), s.Locks...)
	}
	return out
}
