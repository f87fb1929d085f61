package aggregate

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"pipeline_forecast_backend/internal/pipeline/domain"
)

// Scope addresses the buckets of one group in one period.
type Scope struct {
	GroupBy GroupBy
	Group   string
	Period  domain.Period
}

func (s Scope) String() string {
	return fmt.Sprintf("%s:%s:%s", s.GroupBy, s.Group, s.Period)
}

// Contains reports whether opp is an open member of the scope.
func (s Scope) Contains(opp domain.Opportunity) bool {
	return opp.IsOpen() && ScopeOf(s.GroupBy, opp) == s
}

// ScopeOf returns the scope opp falls into under the grouping.
func ScopeOf(by GroupBy, opp domain.Opportunity) Scope {
	return Scope{GroupBy: by, Group: GroupKey(by, opp), Period: opp.Period}
}

type scopeState struct {
	set     Set
	seq     uint64
	members map[uuid.UUID]domain.Opportunity
	// gone remembers when opportunities left the scope, so that a delayed
	// older snapshot cannot bring them back.
	gone map[uuid.UUID]time.Time
}

// Store holds the authoritative aggregate sets per scope together with the
// open opportunities that make them up. Sets handed out are immutable, so
// readers never observe a partially applied change. Callers serialize
// Load, Apply and Replace on a scope themselves.
type Store struct {
	mu     sync.RWMutex
	scopes map[Scope]*scopeState
}

// NewStore returns an empty aggregate store.
func NewStore() *Store {
	return &Store{scopes: make(map[Scope]*scopeState)}
}

// Get returns the set of a scope and whether it has been materialized.
func (s *Store) Get(scope Scope) (Set, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.scopes[scope]
	if !ok {
		return Set{}, false
	}
	return st.set, true
}

// Seq returns the sequence number of the last write to scope.
func (s *Store) Seq(scope Scope) uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if st, ok := s.scopes[scope]; ok {
		return st.seq
	}
	return 0
}

// Load materializes scope from opps. Closed opportunities of the scope are
// remembered as departed; opportunities of other scopes are ignored.
func (s *Store) Load(scope Scope, opps []domain.Opportunity, seq uint64) Set {
	members := make(map[uuid.UUID]domain.Opportunity)
	gone := make(map[uuid.UUID]time.Time)
	for _, opp := range opps {
		switch {
		case scope.Contains(opp):
			members[opp.ID] = opp
		case ScopeOf(scope.GroupBy, opp) == scope:
			gone[opp.ID] = opp.UpdatedAt
		}
	}
	set := buildMembers(scope.GroupBy, members)
	s.put(scope, &scopeState{set: set, seq: seq, members: members, gone: gone})
	return set
}

// Apply moves the opportunity to its new snapshot within scope. The previous
// contribution comes from the stored membership, so applying the same
// snapshot twice changes nothing. A snapshot older than the stored one is
// ignored and reported with false.
func (s *Store) Apply(scope Scope, after domain.Opportunity, seq uint64) (Set, bool, error) {
	s.mu.RLock()
	st, ok := s.scopes[scope]
	s.mu.RUnlock()
	if !ok {
		return Set{}, false, fmt.Errorf("aggregate scope %s is not materialized", scope)
	}

	change := Change{}
	if before, ok := st.members[after.ID]; ok {
		if after.UpdatedAt.Before(before.UpdatedAt) {
			return st.set, false, nil
		}
		b := before
		change.Before = &b
	} else if left, ok := st.gone[after.ID]; ok && after.UpdatedAt.Before(left) {
		return st.set, false, nil
	}

	members, gone := st.members, st.gone
	if scope.Contains(after) {
		a := after
		change.After = &a
		members[after.ID] = after
		delete(gone, after.ID)
	} else {
		delete(members, after.ID)
		gone[after.ID] = after.UpdatedAt
	}

	set := st.set.Apply(change)
	s.put(scope, &scopeState{set: set, seq: seq, members: members, gone: gone})
	return set, true, nil
}

// Replace swaps in a set rebuilt from members.
func (s *Store) Replace(scope Scope, members []domain.Opportunity, seq uint64) Set {
	return s.Load(scope, members, seq)
}

// Scopes lists materialized scopes of a grouping in stable order.
func (s *Store) Scopes(by GroupBy) []Scope {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Scope, 0, len(s.scopes))
	for sc := range s.scopes {
		if sc.GroupBy == by {
			out = append(out, sc)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

func (s *Store) put(scope Scope, st *scopeState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scopes[scope] = st
}

func buildMembers(by GroupBy, members map[uuid.UUID]domain.Opportunity) Set {
	set := NewSet(by)
	for _, opp := range members {
		set.add(opp, 1)
	}
	return set
}

// Partition groups opps by scope under the grouping. Closed opportunities are
// kept so that Load records them as departed.
func Partition(opps []domain.Opportunity, by GroupBy) map[Scope][]domain.Opportunity {
	out := make(map[Scope][]domain.Opportunity)
	for _, opp := range opps {
		sc := ScopeOf(by, opp)
		out[sc] = append(out[sc], opp)
	}
	return out
}
