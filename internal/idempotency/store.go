// Package idempotency remembers the response to a write request so that a
// client retrying with the same Idempotency-Key gets the original answer
// instead of creating a second entity or applying a transition twice.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pitabwire/statusflow/model"
)

// Record is a stored response.
type Record struct {
	StatusCode int             `json:"status_code"`
	Body       json.RawMessage `json:"body"`
}

// Store deduplicates write requests. Keys are built with FormatKey.
type Store interface {
	// Check looks up a previous response by key. A key recorded with a
	// different input hash yields a CONFLICT error and found=true.
	Check(ctx context.Context, key, inputHash string) (rec *Record, found bool, err error)

	// Reserve claims an unused key for a request that is about to run. It
	// reports false when the key is already held, finished or not.
	Reserve(ctx context.Context, key, inputHash string, ttl time.Duration) (bool, error)

	// Release drops the reservation Reserve took for inputHash. A saved
	// record under key is left alone.
	Release(ctx context.Context, key, inputHash string) error

	// Save records a response under key for ttl, replacing a reservation.
	Save(ctx context.Context, key, inputHash string, rec Record, ttl time.Duration) error

	HealthCheck(ctx context.Context) error
}

type entry struct {
	InputHash string `json:"input_hash"`
	Pending   bool   `json:"pending,omitempty"`
	Record    Record `json:"record"`
}

// lookup turns a stored entry into the Check result.
func (e entry) lookup(key, inputHash string) (*Record, bool, error) {
	if e.InputHash != inputHash {
		return nil, true, reusedKeyError(key)
	}
	if e.Pending {
		return nil, true, inFlightError(key)
	}
	rec := e.Record
	return &rec, true, nil
}

func reusedKeyError(key string) error {
	return model.NewConflictError(
		fmt.Sprintf("idempotency key %q already used with a different request", key),
	)
}

func inFlightError(key string) error {
	return model.NewConflictError(
		fmt.Sprintf("request with idempotency key %q is still in progress", key),
	)
}

// FormatKey builds the storage key for a client-supplied idempotency key.
// scope separates tenants and operations, e.g. "tenant-1:create:order".
func FormatKey(scope, key string) string {
	return fmt.Sprintf("idem:%s:%s", scope, key)
}

// HashInput returns a stable digest of the request parts.
func HashInput(parts ...string) string {
	h := sha256.New()
	h.Write([]byte(strings.Join(parts, "\x00")))
	return hex.EncodeToString(h.Sum(nil))
}

// --- MemoryStore ---

// MemoryStore is an in-memory Store for tests and single-instance
// deployments. Expired entries are dropped lazily on Check and replaced on
// Reserve.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]memEntry
	now     func() time.Time
}

type memEntry struct {
	data      entry
	expiresAt time.Time
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]memEntry),
		now:     time.Now,
	}
}

func (s *MemoryStore) Check(_ context.Context, key, inputHash string) (*Record, bool, error) {
	s.mu.RLock()
	e, exists := s.entries[key]
	s.mu.RUnlock()

	if !exists {
		return nil, false, nil
	}
	if !s.now().Before(e.expiresAt) {
		s.mu.Lock()
		if cur, ok := s.entries[key]; ok && cur.expiresAt.Equal(e.expiresAt) {
			delete(s.entries, key)
		}
		s.mu.Unlock()
		return nil, false, nil
	}
	return e.data.lookup(key, inputHash)
}

func (s *MemoryStore) Reserve(_ context.Context, key, inputHash string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	if e, ok := s.entries[key]; ok && now.Before(e.expiresAt) {
		return false, nil
	}
	s.entries[key] = memEntry{
		data:      entry{InputHash: inputHash, Pending: true},
		expiresAt: now.Add(ttl),
	}
	return true, nil
}

func (s *MemoryStore) Release(_ context.Context, key, inputHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[key]; ok && e.data.Pending && e.data.InputHash == inputHash {
		delete(s.entries, key)
	}
	return nil
}

func (s *MemoryStore) Save(_ context.Context, key, inputHash string, rec Record, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = memEntry{
		data:      entry{InputHash: inputHash, Record: rec},
		expiresAt: s.now().Add(ttl),
	}
	return nil
}

func (s *MemoryStore) HealthCheck(context.Context) error { return nil }

// Len returns the number of entries, expired ones included.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// --- RedisStore ---

// RedisStore keeps records in Redis with a native TTL, so every replica
// sees the same keys.
type RedisStore struct {
	client redis.Cmdable
}

// NewRedisStore creates a Redis-backed Store.
func NewRedisStore(client redis.Cmdable) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) Check(ctx context.Context, key, inputHash string) (*Record, bool, error) {
	raw, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get %q: %w", key, err)
	}

	var e entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, false, fmt.Errorf("unmarshal idempotency entry %q: %w", key, err)
	}
	return e.lookup(key, inputHash)
}

func reservation(inputHash string) ([]byte, error) {
	data, err := json.Marshal(entry{InputHash: inputHash, Pending: true})
	if err != nil {
		return nil, fmt.Errorf("marshal idempotency reservation: %w", err)
	}
	return data, nil
}

func (s *RedisStore) Reserve(ctx context.Context, key, inputHash string, ttl time.Duration) (bool, error) {
	data, err := reservation(inputHash)
	if err != nil {
		return false, err
	}
	ok, err := s.client.SetNX(ctx, key, data, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx %q: %w", key, err)
	}
	return ok, nil
}

// releaseScript deletes KEYS[1] only while it still holds ARGV[1].
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

func (s *RedisStore) Release(ctx context.Context, key, inputHash string) error {
	data, err := reservation(inputHash)
	if err != nil {
		return err
	}
	if err := releaseScript.Run(ctx, s.client, []string{key}, string(data)).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("redis release %q: %w", key, err)
	}
	return nil
}

func (s *RedisStore) Save(ctx context.Context, key, inputHash string, rec Record, ttl time.Duration) error {
	data, err := json.Marshal(entry{InputHash: inputHash, Record: rec})
	if err != nil {
		return fmt.Errorf("marshal idempotency entry: %w", err)
	}
	if err := s.client.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %q: %w", key, err)
	}
	return nil
}

func (s *RedisStore) HealthCheck(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
