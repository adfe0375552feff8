package pool

import (
	"fmt"
	"sync"
	"time"
)

// Load-balancing policies.
const (
	PolicyPriorityFirst = "priority-first"
	PolicyRoundRobin    = "round-robin"
	PolicyLeastFailures = "least-failures"
)

// ValidPolicy reports whether name is a known load-balancing policy.
func ValidPolicy(name string) bool {
	switch name {
	case PolicyPriorityFirst, PolicyRoundRobin, PolicyLeastFailures:
		return true
	}
	return false
}

// Selector chooses one eligible credential per downstream request. The
// policy is process-wide and switchable at runtime; an optional cloud-pass
// credential id overrides the policy whenever that credential is eligible.
type Selector struct {
	store *Store

	mu          sync.RWMutex
	policy      string
	cloudPassID int64
}

// NewSelector creates a selector. cloudPassID of 0 means no pinning.
func NewSelector(store *Store, policy string, cloudPassID int64) (*Selector, error) {
	if policy == "" {
		policy = PolicyPriorityFirst
	}
	if !ValidPolicy(policy) {
		return nil, fmt.Errorf("unknown load balancing mode %q", policy)
	}
	return &Selector{store: store, policy: policy, cloudPassID: cloudPassID}, nil
}

// Mode returns the active policy.
func (s *Selector) Mode() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.policy
}

// SetMode switches the active policy.
func (s *Selector) SetMode(policy string) error {
	if !ValidPolicy(policy) {
		return Conflict(fmt.Sprintf("unknown load balancing mode %q", policy))
	}
	s.mu.Lock()
	s.policy = policy
	s.mu.Unlock()
	return nil
}

// CloudPassID returns the pinned credential id, or 0 when pinning is off.
func (s *Selector) CloudPassID() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cloudPassID
}

// Pick selects one eligible credential and stamps its lastUsedAt under the
// store lock, so two concurrent picks cannot both land on the same
// "oldest" record. Returns a clone of the chosen credential.
func (s *Selector) Pick() (*Credential, error) {
	s.mu.RLock()
	policy := s.policy
	pinned := s.cloudPassID
	s.mu.RUnlock()

	st := s.store
	now := st.now()

	st.mu.Lock()

	var chosen *Credential
	if pinned != 0 {
		if c := st.findLocked(pinned); c != nil && c.Eligible(now) {
			chosen = c
		}
	}

	if chosen == nil {
		eligible := make([]*Credential, 0, len(st.creds))
		for _, c := range st.creds {
			if c.Eligible(now) {
				eligible = append(eligible, c)
			}
		}
		if len(eligible) == 0 {
			st.mu.Unlock()
			return nil, ErrNoEligible
		}
		chosen = applyPolicy(policy, eligible)
	}

	t := now
	chosen.LastUsedAt = &t
	picked := chosen.Clone()
	snapshot := st.snapshotLocked()
	st.mu.Unlock()

	st.saver.Schedule(snapshot)
	return picked, nil
}

func applyPolicy(policy string, eligible []*Credential) *Credential {
	switch policy {
	case PolicyRoundRobin:
		return leastRecentlyUsed(eligible)

	case PolicyLeastFailures:
		best := eligible[0]
		for _, c := range eligible[1:] {
			switch {
			case c.FailureCount < best.FailureCount:
				best = c
			case c.FailureCount == best.FailureCount && usedBefore(c, best):
				best = c
			}
		}
		return best

	default: // PolicyPriorityFirst
		tier := eligible[0].Priority
		for _, c := range eligible[1:] {
			if c.Priority < tier {
				tier = c.Priority
			}
		}
		inTier := eligible[:0:0]
		for _, c := range eligible {
			if c.Priority == tier {
				inTier = append(inTier, c)
			}
		}
		return leastRecentlyUsed(inTier)
	}
}

func leastRecentlyUsed(creds []*Credential) *Credential {
	best := creds[0]
	for _, c := range creds[1:] {
		if usedBefore(c, best) {
			best = c
		}
	}
	return best
}

// usedBefore orders by lastUsedAt ascending (never-used first), then by id.
func usedBefore(a, b *Credential) bool {
	at, bt := lastUsed(a), lastUsed(b)
	if !at.Equal(bt) {
		return at.Before(bt)
	}
	return a.ID < b.ID
}

func lastUsed(c *Credential) time.Time {
	if c.LastUsedAt == nil {
		return time.Time{}
	}
	return *c.LastUsedAt
}
