package cache

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"pipeline_forecast_backend/platform/apperr"
)

const (
	defaultKeyPrefix           = "pfc:"
	defaultInvalidationChannel = "pfc:invalidate"
)

// RedisTier is the shared tier. Keys expire after the stale retention window
// rather than the TTL so that last-known values survive outages.
type RedisTier struct {
	client         *redis.Client
	ttl            time.Duration
	staleRetention time.Duration
	prefix         string
	channel        string
	nodeID         string
}

// NewRedisTier returns a shared tier on client.
func NewRedisTier(client *redis.Client, ttl, staleRetention time.Duration) *RedisTier {
	if staleRetention < ttl {
		staleRetention = ttl
	}
	return &RedisTier{
		client:         client,
		ttl:            ttl,
		staleRetention: staleRetention,
		prefix:         defaultKeyPrefix,
		channel:        defaultInvalidationChannel,
		nodeID:         uuid.NewString(),
	}
}

func (t *RedisTier) Name() string       { return string(SourceShared) }
func (t *RedisTier) TTL() time.Duration { return t.ttl }

func (t *RedisTier) Get(ctx context.Context, key string) (Stored, bool, error) {
	raw, err := t.client.Get(ctx, t.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return Stored{}, false, nil
	}
	if err != nil {
		return Stored{}, false, apperr.Unavailable("shared cache read failed", err)
	}
	var s Stored
	if err := json.Unmarshal(raw, &s); err != nil {
		return Stored{}, false, fmt.Errorf("decode shared cache entry %s: %w", key, err)
	}
	return s, true, nil
}

func (t *RedisTier) Set(ctx context.Context, key string, value Stored) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode shared cache entry %s: %w", key, err)
	}
	if err := t.client.Set(ctx, t.prefix+key, raw, t.staleRetention).Err(); err != nil {
		return apperr.Unavailable("shared cache write failed", err)
	}
	return nil
}

func (t *RedisTier) Delete(ctx context.Context, key string) error {
	if err := t.client.Del(ctx, t.prefix+key).Err(); err != nil {
		return apperr.Unavailable("shared cache delete failed", err)
	}
	return nil
}

// PublishInvalidation tells other processes to drop key from their fast tier.
func (t *RedisTier) PublishInvalidation(ctx context.Context, key string) error {
	if err := t.client.Publish(ctx, t.channel, t.nodeID+"|"+key).Err(); err != nil {
		return apperr.Unavailable("publish cache invalidation failed", err)
	}
	return nil
}

// SubscribeInvalidations calls fn for every key invalidated by another
// process until ctx is done. ready is closed once the subscription is active.
func (t *RedisTier) SubscribeInvalidations(ctx context.Context, ready chan<- struct{}, fn func(key string)) error {
	sub := t.client.Subscribe(ctx, t.channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe to cache invalidations: %w", err)
	}
	if ready != nil {
		close(ready)
	}

	msgs := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-msgs:
			if !ok {
				return nil
			}
			origin, key, found := strings.Cut(msg.Payload, "|")
			if !found || origin == t.nodeID {
				continue
			}
			fn(key)
		}
	}
}

// NewRedisClient builds a client from a redis:// or rediss:// URL.
func NewRedisClient(redisURL string, tlsInsecure bool) (*redis.Client, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	if tlsInsecure {
		if opt.TLSConfig == nil {
			opt.TLSConfig = &tls.Config{}
		}
		opt.TLSConfig.InsecureSkipVerify = true
	}
	return redis.NewClient(opt), nil
}
