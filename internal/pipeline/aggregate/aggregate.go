// Package aggregate groups opportunities into pipeline buckets and keeps those
// buckets current as individual opportunities change.
package aggregate

import (
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	"pipeline_forecast_backend/internal/pipeline/domain"
)

// GroupBy selects the grouping dimension of a Set.
type GroupBy string

const (
	ByOwner     GroupBy = "owner"
	ByTerritory GroupBy = "territory"
	ByStage     GroupBy = "stage"
)

// Key identifies one bucket: (owner-or-territory-or-stage, period, stage).
type Key struct {
	Group  string        `json:"group"`
	Period domain.Period `json:"period"`
	Stage  domain.Stage  `json:"stage"`
}

// Bucket is one pipeline aggregate.
type Bucket struct {
	Key            Key             `json:"key"`
	Count          int             `json:"count"`
	TotalAmount    decimal.Decimal `json:"totalAmount"`
	WeightedAmount decimal.Decimal `json:"weightedAmount"`
}

// Set is an immutable collection of buckets for one grouping. Methods that
// change buckets return a new Set.
type Set struct {
	groupBy GroupBy
	buckets map[Key]Bucket
}

// Change is a single opportunity mutation. Before is nil for a newly created
// opportunity; After is nil for a removed one.
type Change struct {
	Before *domain.Opportunity
	After  *domain.Opportunity
}

// NewSet returns an empty set for the given grouping.
func NewSet(by GroupBy) Set {
	return Set{groupBy: by, buckets: map[Key]Bucket{}}
}

// GroupKey returns the group value of opp under the grouping.
func GroupKey(by GroupBy, opp domain.Opportunity) string {
	switch by {
	case ByOwner:
		return opp.OwnerID.String()
	case ByTerritory:
		return opp.TerritoryID.String()
	default:
		return string(opp.Stage)
	}
}

func keyFor(by GroupBy, opp domain.Opportunity) Key {
	return Key{Group: GroupKey(by, opp), Period: opp.Period, Stage: opp.Stage}
}

// Build aggregates the open opportunities of opps. The result does not depend
// on the order of opps.
func Build(opps []domain.Opportunity, by GroupBy) Set {
	s := NewSet(by)
	for _, opp := range opps {
		if !opp.IsOpen() {
			continue
		}
		s.add(opp, 1)
	}
	return s
}

// Closed aggregates won and lost opportunities only.
func Closed(opps []domain.Opportunity, by GroupBy) Set {
	s := NewSet(by)
	for _, opp := range opps {
		if opp.IsOpen() {
			continue
		}
		s.add(opp, 1)
	}
	return s
}

// Apply returns the set after change, touching at most the old and the new
// bucket. Buckets that drop to zero opportunities are removed so that the
// result matches Build over the updated opportunity set.
func (s Set) Apply(change Change) Set {
	out := s.clone()
	if change.Before != nil && change.Before.IsOpen() {
		out.add(*change.Before, -1)
	}
	if change.After != nil && change.After.IsOpen() {
		out.add(*change.After, 1)
	}
	return out
}

func (s *Set) add(opp domain.Opportunity, sign int) {
	k := keyFor(s.groupBy, opp)
	b, ok := s.buckets[k]
	if !ok {
		b = Bucket{Key: k, TotalAmount: decimal.Zero, WeightedAmount: decimal.Zero}
	}
	if sign > 0 {
		b.Count++
		b.TotalAmount = b.TotalAmount.Add(opp.Amount)
		b.WeightedAmount = b.WeightedAmount.Add(opp.WeightedAmount())
	} else {
		b.Count--
		b.TotalAmount = b.TotalAmount.Sub(opp.Amount)
		b.WeightedAmount = b.WeightedAmount.Sub(opp.WeightedAmount())
	}
	if b.Count == 0 {
		delete(s.buckets, k)
		return
	}
	s.buckets[k] = b
}

func (s Set) clone() Set {
	out := Set{groupBy: s.groupBy, buckets: make(map[Key]Bucket, len(s.buckets)+1)}
	for k, b := range s.buckets {
		out.buckets[k] = b
	}
	return out
}

// GroupBy returns the grouping of the set.
func (s Set) GroupBy() GroupBy { return s.groupBy }

// Len returns the number of buckets.
func (s Set) Len() int { return len(s.buckets) }

// Bucket returns the bucket for k.
func (s Set) Bucket(k Key) (Bucket, bool) {
	b, ok := s.buckets[k]
	return b, ok
}

// Buckets returns all buckets sorted by group, period and canonical stage.
func (s Set) Buckets() []Bucket {
	out := make([]Bucket, 0, len(s.buckets))
	for _, b := range s.buckets {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].Key, out[j].Key
		if a.Group != b.Group {
			return a.Group < b.Group
		}
		if a.Period != b.Period {
			return a.Period < b.Period
		}
		return a.Stage.Rank() < b.Stage.Rank()
	})
	return out
}

// Scope returns the subset of buckets for one group and period.
func (s Set) Scope(group string, period domain.Period) Set {
	out := NewSet(s.groupBy)
	for k, b := range s.buckets {
		if k.Group == group && k.Period == period {
			out.buckets[k] = b
		}
	}
	return out
}

// Scopes splits the set by (group, period).
func (s Set) Scopes() map[Scope]Set {
	out := make(map[Scope]Set)
	for k, b := range s.buckets {
		sc := Scope{GroupBy: s.groupBy, Group: k.Group, Period: k.Period}
		sub, ok := out[sc]
		if !ok {
			sub = NewSet(s.groupBy)
			out[sc] = sub
		}
		sub.buckets[k] = b
	}
	return out
}

// Totals sums count, amount and weighted amount over all buckets.
func (s Set) Totals() (count int, total, weighted decimal.Decimal) {
	total, weighted = decimal.Zero, decimal.Zero
	for _, b := range s.buckets {
		count += b.Count
		total = total.Add(b.TotalAmount)
		weighted = weighted.Add(b.WeightedAmount)
	}
	return count, total, weighted
}

// Equal reports whether both sets hold identical buckets. Decimal values are
// compared numerically.
func (s Set) Equal(other Set) bool {
	return len(Diff(s, other)) == 0
}

// Mismatch describes one bucket that differs between two sets.
type Mismatch struct {
	Key     Key
	Left    Bucket
	Right   Bucket
	LeftOK  bool
	RightOK bool
}

func (m Mismatch) String() string {
	return fmt.Sprintf("%s/%s/%s: count %d vs %d, total %s vs %s, weighted %s vs %s",
		m.Key.Group, m.Key.Period, m.Key.Stage,
		m.Left.Count, m.Right.Count,
		m.Left.TotalAmount.String(), m.Right.TotalAmount.String(),
		m.Left.WeightedAmount.String(), m.Right.WeightedAmount.String())
}

// Diff lists buckets that differ between a and b, sorted by key.
func Diff(a, b Set) []Mismatch {
	keys := make(map[Key]struct{}, len(a.buckets)+len(b.buckets))
	for k := range a.buckets {
		keys[k] = struct{}{}
	}
	for k := range b.buckets {
		keys[k] = struct{}{}
	}

	var out []Mismatch
	for k := range keys {
		l, lok := a.buckets[k]
		r, rok := b.buckets[k]
		if lok && rok && l.Count == r.Count && l.TotalAmount.Equal(r.TotalAmount) && l.WeightedAmount.Equal(r.WeightedAmount) {
			continue
		}
		out = append(out, Mismatch{Key: k, Left: l, Right: r, LeftOK: lok, RightOK: rok})
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].String() < out[j].String()
	})
	return out
}

// DescribeDiff renders mismatches for logging.
func DescribeDiff(ms []Mismatch) string {
	parts := make([]string, 0, len(ms))
	for _, m := range ms {
		parts = append(parts, m.String())
	}
	return strings.Join(parts, "; ")
}
