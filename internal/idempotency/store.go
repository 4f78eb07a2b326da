// Package idempotency provides the short-lived reservation/result cache that
// makes externally-retried requests safe to repeat. The key format is
// "idem:{scope}:{key}".
package idempotency

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/statelinehq/stateline/model"
)

// Record statuses.
const (
	StatusPending = "PENDING"
	StatusDone    = "DONE"
)

// Record is the stored reservation for one (scope, key) pair.
type Record struct {
	Status string          `json:"status"`
	Result json.RawMessage `json:"result,omitempty"`
}

// Store reserves and resolves idempotency keys. The first caller creates a
// PENDING reservation; retries observe either the reservation (in flight) or
// the completed result. Records expire after their TTL.
type Store interface {
	// Reserve attempts to create a PENDING record. When the key is new it
	// returns (nil, true, nil). When a record already exists it is returned
	// with created=false.
	Reserve(ctx context.Context, scope, key string, ttl time.Duration) (existing *Record, created bool, err error)

	// Complete marks a reservation DONE and caches the result.
	Complete(ctx context.Context, scope, key string, result any, ttl time.Duration) error

	// Forget drops a reservation, letting the next caller retry from
	// scratch. Used when the guarded operation fails.
	Forget(ctx context.Context, scope, key string) error
}

// Execute runs fn under an idempotency reservation. A repeated call returns
// the cached result; a call racing an in-flight execution fails with
// IDEMPOTENCY_IN_FLIGHT.
func Execute[T any](ctx context.Context, s Store, scope, key string, ttl time.Duration, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T

	existing, created, err := s.Reserve(ctx, scope, key, ttl)
	if err != nil {
		return zero, err
	}
	if !created {
		if existing.Status == StatusPending {
			return zero, model.NewIdempotencyInFlightError(formatKey(scope, key))
		}
		var cached T
		if err := json.Unmarshal(existing.Result, &cached); err != nil {
			return zero, fmt.Errorf("idempotency: unmarshal cached result: %w", err)
		}
		return cached, nil
	}

	result, err := fn(ctx)
	if err != nil {
		_ = s.Forget(ctx, scope, key)
		return zero, err
	}
	if err := s.Complete(ctx, scope, key, result, ttl); err != nil {
		return zero, err
	}
	return result, nil
}

func formatKey(scope, key string) string {
	return fmt.Sprintf("idem:%s:%s", scope, key)
}

// --- MemoryStore ---

// MemoryStore is an in-memory Store with TTL support. Suitable for testing
// and single-instance deployments.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]*memEntry
}

type memEntry struct {
	record    Record
	expiresAt time.Time
}

// NewMemoryStore creates a new in-memory idempotency store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]*memEntry)}
}

// Reserve attempts to create a PENDING record.
func (s *MemoryStore) Reserve(_ context.Context, scope, key string, ttl time.Duration) (*Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := formatKey(scope, key)
	if e, ok := s.entries[k]; ok && time.Now().Before(e.expiresAt) {
		rec := e.record
		return &rec, false, nil
	}

	s.entries[k] = &memEntry{
		record:    Record{Status: StatusPending},
		expiresAt: time.Now().Add(ttl),
	}
	return nil, true, nil
}

// Complete marks a reservation DONE and caches the result.
func (s *MemoryStore) Complete(_ context.Context, scope, key string, result any, ttl time.Duration) error {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("idempotency: marshal result: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[formatKey(scope, key)] = &memEntry{
		record:    Record{Status: StatusDone, Result: data},
		expiresAt: time.Now().Add(ttl),
	}
	return nil
}

// Forget drops a reservation.
func (s *MemoryStore) Forget(_ context.Context, scope, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, formatKey(scope, key))
	return nil
}

// Len returns the number of entries, including expired ones. For testing.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// --- RedisStore ---

// RedisStore is a Redis-backed Store with TTL. SETNX provides the atomic
// first-caller reservation.
type RedisStore struct {
	client redis.Cmdable
}

// NewRedisStore creates a new Redis-backed idempotency store.
func NewRedisStore(client redis.Cmdable) *RedisStore {
	return &RedisStore{client: client}
}

// Reserve attempts to create a PENDING record.
func (s *RedisStore) Reserve(ctx context.Context, scope, key string, ttl time.Duration) (*Record, bool, error) {
	k := formatKey(scope, key)
	pending, err := json.Marshal(Record{Status: StatusPending})
	if err != nil {
		return nil, false, fmt.Errorf("idempotency: marshal reservation: %w", err)
	}

	ok, err := s.client.SetNX(ctx, k, pending, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("idempotency: setnx %q: %w", k, err)
	}
	if ok {
		return nil, true, nil
	}

	raw, err := s.client.Get(ctx, k).Bytes()
	if err == redis.Nil {
		// Expired between SETNX and GET; treat as fresh.
		return s.Reserve(ctx, scope, key, ttl)
	}
	if err != nil {
		return nil, false, fmt.Errorf("idempotency: get %q: %w", k, err)
	}

	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, false, fmt.Errorf("idempotency: unmarshal record %q: %w", k, err)
	}
	return &rec, false, nil
}

// Complete marks a reservation DONE and caches the result.
func (s *RedisStore) Complete(ctx context.Context, scope, key string, result any, ttl time.Duration) error {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("idempotency: marshal result: %w", err)
	}
	rec, err := json.Marshal(Record{Status: StatusDone, Result: data})
	if err != nil {
		return fmt.Errorf("idempotency: marshal record: %w", err)
	}

	k := formatKey(scope, key)
	if err := s.client.Set(ctx, k, rec, ttl).Err(); err != nil {
		return fmt.Errorf("idempotency: set %q: %w", k, err)
	}
	return nil
}

// Forget drops a reservation.
func (s *RedisStore) Forget(ctx context.Context, scope, key string) error {
	if err := s.client.Del(ctx, formatKey(scope, key)).Err(); err != nil {
		return fmt.Errorf("idempotency: del: %w", err)
	}
	return nil
}
