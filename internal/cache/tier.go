package cache

import (
	"context"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Tier is one cache level. Implementations keep values past their TTL so the
// coordinator can fall back to them; freshness is decided by the caller.
type Tier interface {
	Name() string
	TTL() time.Duration
	Get(ctx context.Context, key string) (Stored, bool, error)
	Set(ctx context.Context, key string, value Stored) error
	Delete(ctx context.Context, key string) error
}

// LocalTier is the in-process fast tier, a bounded LRU.
type LocalTier struct {
	ttl     time.Duration
	entries *lru.Cache[string, Stored]
}

// NewLocalTier returns a fast tier holding up to size entries.
func NewLocalTier(size int, ttl time.Duration) (*LocalTier, error) {
	entries, err := lru.New[string, Stored](size)
	if err != nil {
		return nil, fmt.Errorf("create local cache tier: %w", err)
	}
	return &LocalTier{ttl: ttl, entries: entries}, nil
}

func (t *LocalTier) Name() string       { return string(SourceFast) }
func (t *LocalTier) TTL() time.Duration { return t.ttl }

func (t *LocalTier) Get(_ context.Context, key string) (Stored, bool, error) {
	v, ok := t.entries.Get(key)
	return v, ok, nil
}

func (t *LocalTier) Set(_ context.Context, key string, value Stored) error {
	t.entries.Add(key, value)
	return nil
}

func (t *LocalTier) Delete(_ context.Context, key string) error {
	t.entries.Remove(key)
	return nil
}

// Len returns the number of cached entries.
func (t *LocalTier) Len() int {
	return t.entries.Len()
}
