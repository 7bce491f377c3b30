// Package core provides policy storage with atomic snapshot swaps.
package core

import (
	"sync"
	"sync/atomic"
)

// policySnapshot is an immutable view of all loaded policies.
type policySnapshot struct {
	byID map[string]*Policy
}

// PolicySet maps policy ids to validated, immutable policies. Reads are
// lock-free; reloads build a new snapshot and swap it atomically, so the hot
// path never takes a lock.
type PolicySet struct {
	snap atomic.Value
	mu   sync.Mutex
}

// NewPolicySet creates a set with an empty snapshot.
func NewPolicySet() *PolicySet {
	set := &PolicySet{}
	set.snap.Store(&policySnapshot{byID: map[string]*Policy{}})
	return set
}

// Get returns the policy for the given id.
func (ps *PolicySet) Get(id string) (*Policy, bool) {
	snapshot := ps.snapshot()
	policy, ok := snapshot.byID[id]
	return policy, ok
}

// List returns all loaded policies.
func (ps *PolicySet) List() []*Policy {
	snapshot := ps.snapshot()
	policies := make([]*Policy, 0, len(snapshot.byID))
	for _, policy := range snapshot.byID {
		policies = append(policies, policy)
	}
	return policies
}

// Replace validates the given policies and swaps them in as the new snapshot.
// A policy whose parameters changed since the previous snapshot gets a bumped
// version, so its counter records start fresh; an unchanged policy keeps its
// version and its in-flight windows.
func (ps *PolicySet) Replace(policies []*Policy) error {
	for _, policy := range policies {
		if err := policy.Validate(); err != nil {
			return err
		}
	}

	ps.mu.Lock()
	defer ps.mu.Unlock()

	previous := ps.snapshot()
	byID := make(map[string]*Policy, len(policies))
	for _, policy := range policies {
		clone := policy.Clone()
		clone.Version = nextVersion(previous.byID[clone.ID], clone)
		byID[clone.ID] = clone
	}
	ps.snap.Store(&policySnapshot{byID: byID})
	return nil
}

func (ps *PolicySet) snapshot() *policySnapshot {
	if snapshot, ok := ps.snap.Load().(*policySnapshot); ok && snapshot != nil {
		return snapshot
	}
	return &policySnapshot{byID: map[string]*Policy{}}
}

func nextVersion(old, updated *Policy) int64 {
	if old == nil {
		if updated.Version > 0 {
			return updated.Version
		}
		return 1
	}
	if sameParams(old, updated) {
		return old.Version
	}
	return old.Version + 1
}

func sameParams(a, b *Policy) bool {
	return a.Algorithm == b.Algorithm &&
		a.Limit == b.Limit &&
		a.Window == b.Window &&
		a.RefillRate == b.RefillRate &&
		a.Burst == b.Burst
}
