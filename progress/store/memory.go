package store

import (
	"context"
	"sync"
	"time"

	"github.com/imrenagi/go-upload-progress/progress"
)

// MemoryStore keeps records in process memory. Records older than the TTL are
// hidden from Get and removed by Cleanup.
type MemoryStore struct {
	mu           sync.RWMutex
	entries      map[progress.Key]memoryEntry
	ttl          time.Duration
	cleanupEvery time.Duration
	now          func() time.Time
}

type memoryEntry struct {
	rec       progress.Record
	updatedAt time.Time
}

type MemoryOption func(*MemoryStore)

// WithTTL sets how long a record lives after its last write. Zero disables expiry.
func WithTTL(d time.Duration) MemoryOption {
	return func(s *MemoryStore) { s.ttl = d }
}

func WithCleanupEvery(d time.Duration) MemoryOption {
	return func(s *MemoryStore) { s.cleanupEvery = d }
}

func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		entries:      make(map[progress.Key]memoryEntry),
		ttl:          time.Hour,
		cleanupEvery: time.Minute,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *MemoryStore) Get(_ context.Context, key progress.Key) (progress.Record, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ent, ok := s.entries[key]
	if !ok || s.expired(ent) {
		return progress.Record{}, false, nil
	}
	return ent.rec, true, nil
}

func (s *MemoryStore) Set(_ context.Context, key progress.Key, rec progress.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = memoryEntry{rec: rec, updatedAt: s.now()}
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, key progress.Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	return nil
}

func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Cleanup drops expired records.
func (s *MemoryStore) Cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, ent := range s.entries {
		if s.expired(ent) {
			delete(s.entries, k)
		}
	}
}

// StartJanitor runs Cleanup periodically until ctx is done.
func (s *MemoryStore) StartJanitor(ctx context.Context) {
	if s.cleanupEvery <= 0 || s.ttl <= 0 {
		return
	}
	t := time.NewTicker(s.cleanupEvery)
	go func() {
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				s.Cleanup()
			}
		}
	}()
}

func (s *MemoryStore) expired(ent memoryEntry) bool {
	return s.ttl > 0 && s.now().Sub(ent.updatedAt) > s.ttl
}
