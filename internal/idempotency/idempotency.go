// Package idempotency provides the keyed result cache that makes mutating
// calls replay-safe. A record lives for a bounded retention window, which must
// be at least the maximum configured retry duration of the service client;
// within the window a duplicate key returns the original result instead of
// re-applying the effect.
package idempotency

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/stridehq/stride/internal/keylock"
)

// Store persists results by idempotency key.
type Store interface {
	// Get returns the stored result for the key, if any.
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// Put stores the result under the key for the retention window.
	Put(ctx context.Context, key string, result []byte) error
}

// keyLocks serializes Execute per key so two concurrent calls cannot both
// miss the lookup and both run fn.
var keyLocks = keylock.New()

// Execute runs fn once per key: a replay within the retention window returns
// the stored result without invoking fn. Results are JSON round-tripped, so
// out must be a pointer and fn's return value must marshal cleanly.
//
// The window opens only after fn succeeds; a failed attempt is not recorded
// and the caller may retry with the same key. Calls with the same key are
// mutually exclusive: a duplicate arriving while the first is still running
// blocks until the first finishes and then replays its result.
func Execute(ctx context.Context, store Store, key string, out interface{}, fn func(ctx context.Context) (interface{}, error)) (replayed bool, err error) {
	keyLocks.Lock(key)
	defer keyLocks.Unlock(key)

	data, ok, err := store.Get(ctx, key)
	if err != nil {
		return false, fmt.Errorf("idempotency lookup: %w", err)
	}
	if ok {
		if out != nil {
			if err := json.Unmarshal(data, out); err != nil {
				return true, fmt.Errorf("decode stored result: %w", err)
			}
		}
		return true, nil
	}

	result, err := fn(ctx)
	if err != nil {
		return false, err
	}

	encoded, err := json.Marshal(result)
	if err != nil {
		return false, fmt.Errorf("encode result: %w", err)
	}
	// fn's effect is committed; recording it must not be lost to a caller
	// disconnect.
	if err := store.Put(context.WithoutCancel(ctx), key, encoded); err != nil {
		return false, fmt.Errorf("idempotency store: %w", err)
	}
	if out != nil {
		if err := json.Unmarshal(encoded, out); err != nil {
			return false, fmt.Errorf("decode result: %w", err)
		}
	}
	return false, nil
}

// MemoryStore is the in-process implementation. Expired records are dropped
// lazily on access and by an optional janitor pass.
type MemoryStore struct {
	retention time.Duration

	mu      sync.Mutex
	records map[string]memoryRecord
}

type memoryRecord struct {
	data     []byte
	storedAt time.Time
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates a store with the given retention window.
func NewMemoryStore(retention time.Duration) *MemoryStore {
	if retention <= 0 {
		retention = 24 * time.Hour
	}
	return &MemoryStore{
		retention: retention,
		records:   make(map[string]memoryRecord),
	}
}

func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[key]
	if !ok {
		return nil, false, nil
	}
	if time.Since(rec.storedAt) > s.retention {
		delete(s.records, key)
		return nil, false, nil
	}
	return rec.data, true, nil
}

func (s *MemoryStore) Put(_ context.Context, key string, result []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.records[key] = memoryRecord{data: result, storedAt: time.Now()}
	return nil
}

// PurgeExpired drops all records older than the retention window and returns
// how many were removed.
func (s *MemoryStore) PurgeExpired() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for key, rec := range s.records {
		if time.Since(rec.storedAt) > s.retention {
			delete(s.records, key)
			removed++
		}
	}
	return removed
}
