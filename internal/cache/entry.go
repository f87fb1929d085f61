// Package cache provides the two-tier read-through cache used for pipeline
// summaries and forecasts.
package cache

import (
	"encoding/json"
	"time"
)

// Stored is the tier-level representation of a cached value.
type Stored struct {
	Data        json.RawMessage `json:"data"`
	RefreshedAt time.Time       `json:"refreshedAt"`
}

// Fresh reports whether the value is younger than ttl at now.
func (s Stored) Fresh(ttl time.Duration, now time.Time) bool {
	return now.Sub(s.RefreshedAt) < ttl
}

// Source tells where a Get result came from.
type Source string

const (
	SourceFast   Source = "fast"
	SourceShared Source = "shared"
	SourceLoader Source = "loader"
)

// Entry is a decoded cache value with its freshness metadata.
type Entry[T any] struct {
	Value       T
	RefreshedAt time.Time
	TTL         time.Duration
	Source      Source
	// Stale is set when the value outlived its TTL and was served because
	// recomputation failed.
	Stale bool
}

// Fresh reports whether the entry is still within its TTL at now.
func (e Entry[T]) Fresh(now time.Time) bool {
	return now.Sub(e.RefreshedAt) < e.TTL
}

// Age returns how old the entry is at now.
func (e Entry[T]) Age(now time.Time) time.Duration {
	return now.Sub(e.RefreshedAt)
}
