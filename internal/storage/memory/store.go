// Package memory is an in-process idempotency store for tests and local replays.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"dedupd/internal/domain"
	"dedupd/internal/storage"
)

type Store struct {
	mu   sync.Mutex
	rows map[string]domain.PersistedRecord
	now  func() time.Time
}

func NewStore() *Store {
	return &Store{rows: map[string]domain.PersistedRecord{}, now: time.Now}
}

// WithClock overrides the clock used to decide expiry.
func (s *Store) WithClock(now func() time.Time) *Store {
	s.now = now
	return s
}

func (s *Store) TryInsert(ctx context.Context, rec domain.PersistedRecord) (storage.InsertResult, error) {
	if err := ctx.Err(); err != nil {
		return 0, storage.Wrap("insert", rec.IdentityKey, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.rows[rec.IdentityKey]; ok && !existing.Expired(s.now()) {
		return storage.AlreadyExists, nil
	}
	s.rows[rec.IdentityKey] = rec
	return storage.Inserted, nil
}

func (s *Store) DeleteByKey(ctx context.Context, identityKey string) error {
	if err := ctx.Err(); err != nil {
		return storage.Wrap("delete", identityKey, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rows, identityKey)
	return nil
}

func (s *Store) PurgeExpired(_ context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for k, r := range s.rows {
		if r.Expired(now) {
			delete(s.rows, k)
			n++
		}
	}
	return n, nil
}

func (s *Store) Ping(context.Context) error { return nil }

func (s *Store) Get(identityKey string) (domain.PersistedRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rows[identityKey]
	return r, ok
}

func (s *Store) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.rows))
	for k := range s.rows {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rows)
}
