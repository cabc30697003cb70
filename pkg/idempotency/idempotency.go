// Package idempotency remembers the response to a request carrying an
// Idempotency-Key so that a retried request can be answered with the same
// result instead of being executed again.
//
// A key is reserved before the request runs and completed with the response
// afterwards, so concurrent requests sharing a key never both execute.
package idempotency

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const Header = "Idempotency-Key"

type State int

const (
	// StateUnknown means nobody holds the key.
	StateUnknown State = iota
	// StatePending means a request holds the key and has not finished.
	StatePending
	// StateDone means the key carries a stored response.
	StateDone
)

// pendingMarker is stored under a reserved key until the response is known.
var pendingMarker = []byte("\x00pending")

type Store interface {
	// Reserve claims key for a request in flight and reports whether the
	// claim succeeded. It fails when the key is pending or done.
	Reserve(ctx context.Context, key string) (bool, error)
	// Load returns the state of key and, when done, its stored payload.
	Load(ctx context.Context, key string) ([]byte, State, error)
	// Complete stores the response of the request holding key.
	Complete(ctx context.Context, key string, payload []byte) error
	// Release drops a reservation so the key can be claimed again.
	Release(ctx context.Context, key string) error
}

// Key scopes a client key to an operation and its arguments.
func Key(scope string, parts ...string) string {
	k := "idem:" + scope
	for _, p := range parts {
		k += ":" + p
	}
	return k
}

type RedisStore struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewRedisStore(rdb *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{rdb: rdb, ttl: ttl}
}

func (s *RedisStore) Reserve(ctx context.Context, key string) (bool, error) {
	ok, err := s.rdb.SetNX(ctx, key, pendingMarker, s.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx %s: %w", key, err)
	}
	return ok, nil
}

func (s *RedisStore) Load(ctx context.Context, key string) ([]byte, State, error) {
	b, err := s.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, StateUnknown, nil
	}
	if err != nil {
		return nil, StateUnknown, fmt.Errorf("redis get %s: %w", key, err)
	}
	if bytes.Equal(b, pendingMarker) {
		return nil, StatePending, nil
	}
	return b, StateDone, nil
}

func (s *RedisStore) Complete(ctx context.Context, key string, payload []byte) error {
	if err := s.rdb.Set(ctx, key, payload, s.ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) Release(ctx context.Context, key string) error {
	if err := s.rdb.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("redis del %s: %w", key, err)
	}
	return nil
}

// MemoryStore is a process-local Store for single-instance deployments and tests.
type MemoryStore struct {
	mu      sync.Mutex
	ttl     time.Duration
	now     func() time.Time
	entries map[string]memoryEntry
}

type memoryEntry struct {
	payload   []byte
	done      bool
	expiresAt time.Time
}

func NewMemoryStore(ttl time.Duration) *MemoryStore {
	return &MemoryStore{ttl: ttl, now: time.Now, entries: make(map[string]memoryEntry)}
}

// lookup returns the live entry for key. Callers hold s.mu.
func (s *MemoryStore) lookup(key string) (memoryEntry, bool) {
	e, ok := s.entries[key]
	if !ok {
		return memoryEntry{}, false
	}
	if s.ttl > 0 && s.now().After(e.expiresAt) {
		delete(s.entries, key)
		return memoryEntry{}, false
	}
	return e, true
}

func (s *MemoryStore) Reserve(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.lookup(key); ok {
		return false, nil
	}
	s.entries[key] = memoryEntry{expiresAt: s.now().Add(s.ttl)}
	return true, nil
}

func (s *MemoryStore) Load(_ context.Context, key string) ([]byte, State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.lookup(key)
	switch {
	case !ok:
		return nil, StateUnknown, nil
	case !e.done:
		return nil, StatePending, nil
	default:
		return e.payload, StateDone, nil
	}
}

func (s *MemoryStore) Complete(_ context.Context, key string, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = memoryEntry{payload: payload, done: true, expiresAt: s.now().Add(s.ttl)}
	return nil
}

func (s *MemoryStore) Release(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	return nil
}
