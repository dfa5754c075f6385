// Package kv is the Redis-backed cache used by the class store and the
// resource-state reconciler. Both callers share the same get/set/retry
// contract: decode-or-miss, encode-and-write, bounded retry on transport
// errors.
package kv

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/clusterlens/streamcore/pkg/fn"
)

// ErrNotFound is returned by Get when the key is absent. It is not a
// transport error and is never retried.
var ErrNotFound = errors.New("kv: key not found")

// retryOpts: three attempts, 100ms initial wait doubling, no jitter.
var retryOpts = fn.RetryOpts{
	MaxAttempts: 3,
	InitialWait: 100 * time.Millisecond,
	MaxWait:     400 * time.Millisecond,
	Jitter:      false,
}

// Store is a Redis-backed key/value cache with bounded-retry reads and writes.
type Store struct {
	client *redis.Client
}

// New wraps an existing Redis client.
func New(client *redis.Client) *Store {
	return &Store{client: client}
}

// Get fetches and JSON-decodes the value at key into out. A clean miss
// (redis.Nil) returns ErrNotFound and is never retried; transport errors are
// retried per retryOpts, and the last one is returned once attempts run out.
func (s *Store) Get(ctx context.Context, key string, out any) error {
	result := fn.Retry(ctx, retryOpts, func(ctx context.Context) fn.Result[[]byte] {
		raw, err := s.client.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return fn.Ok[[]byte](nil)
		}
		if err != nil {
			return fn.Err[[]byte](err)
		}
		return fn.Ok(raw)
	})
	raw, err := result.Unwrap()
	if err != nil {
		return err
	}
	if raw == nil {
		return ErrNotFound
	}
	return json.Unmarshal(raw, out)
}

// Set JSON-encodes val and writes it to key with the given TTL (0 = no expiry).
func (s *Store) Set(ctx context.Context, key string, val any, ttl time.Duration) error {
	raw, err := json.Marshal(val)
	if err != nil {
		return err
	}
	result := fn.Retry(ctx, retryOpts, func(ctx context.Context) fn.Result[struct{}] {
		if err := s.client.Set(ctx, key, raw, ttl).Err(); err != nil {
			return fn.Err[struct{}](err)
		}
		return fn.Ok(struct{}{})
	})
	_, err = result.Unwrap()
	return err
}

// Exists reports whether key is present, with the same retry policy as Get.
func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	result := fn.Retry(ctx, retryOpts, func(ctx context.Context) fn.Result[int64] {
		n, err := s.client.Exists(ctx, key).Result()
		if err != nil {
			return fn.Err[int64](err)
		}
		return fn.Ok(n)
	})
	n, err := result.Unwrap()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
