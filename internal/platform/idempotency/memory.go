package idempotency

import (
	"context"
	"slices"
	"sync"
	"time"
)

// MemoryStore keeps keys in process memory for the memory and sql order stores. Keys do not
// survive a restart and are not shared between instances.
type MemoryStore struct {
	mu       sync.Mutex
	byID     map[string]Record
	capacity int
}

// MemoryOption customises NewMemoryStore.
type MemoryOption func(*MemoryStore)

// WithCapacity caps the number of stored keys. When full, the keys closest to expiry are
// dropped first.
func WithCapacity(n int) MemoryOption {
	return func(s *MemoryStore) {
		if n > 0 {
			s.capacity = n
		}
	}
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{byID: make(map[string]Record)}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

func (s *MemoryStore) Reserve(_ context.Context, key, fingerprint string, now time.Time, ttl time.Duration) (Reservation, error) {
	now = now.UTC()
	id := documentID(key)

	s.mu.Lock()
	defer s.mu.Unlock()

	if held, ok := s.live(id, now); ok {
		if held.Fingerprint != fingerprint {
			return Reservation{}, ErrFingerprintMismatch
		}
		state := ReservationStatePending
		if held.Status == StatusCompleted {
			state = ReservationStateCompleted
		}
		return Reservation{State: state, Record: held}, nil
	}

	s.makeRoom(now)
	fresh := newPendingRecord(key, fingerprint, now, effectiveTTL(ttl))
	s.byID[id] = fresh
	return Reservation{State: ReservationStateNew, Record: fresh}, nil
}

func (s *MemoryStore) SaveResponse(_ context.Context, key, fingerprint string, resp Response, now time.Time, ttl time.Duration) error {
	now = now.UTC()
	ttl = effectiveTTL(ttl)
	id := documentID(key)

	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.byID[id]
	if ok && record.Fingerprint != fingerprint {
		return ErrFingerprintMismatch
	}
	if !ok {
		s.makeRoom(now)
		record = newPendingRecord(key, fingerprint, now, ttl)
	}
	record.Status = StatusCompleted
	record.ResponseStatus = resp.Status
	record.ResponseHeaders = storableHeaders(resp.Headers)
	record.ResponseBody = copyBody(resp.Body)
	record.UpdatedAt = now
	record.ExpiresAt = now.Add(ttl)
	s.byID[id] = record
	return nil
}

// Release forgets a pending key so the client can retry. A key held by a different fingerprint
// is left alone.
func (s *MemoryStore) Release(_ context.Context, key, fingerprint string) error {
	id := documentID(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	if record, ok := s.byID[id]; ok && record.Fingerprint == fingerprint {
		delete(s.byID, id)
	}
	return nil
}

// CleanupExpired removes up to limit expired keys, oldest expiry first. A non-positive limit
// removes all of them.
func (s *MemoryStore) CleanupExpired(_ context.Context, now time.Time, limit int) (int, error) {
	now = now.UTC()
	s.mu.Lock()
	defer s.mu.Unlock()

	expired := s.byExpiry(func(r Record) bool { return r.expired(now) })
	if limit > 0 && len(expired) > limit {
		expired = expired[:limit]
	}
	for _, id := range expired {
		delete(s.byID, id)
	}
	return len(expired), nil
}

// Len reports the number of stored keys, expired ones included.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byID)
}

func (s *MemoryStore) live(id string, now time.Time) (Record, bool) {
	record, ok := s.byID[id]
	if !ok || record.expired(now) {
		return Record{}, false
	}
	return record, true
}

// makeRoom must be called with mu held.
func (s *MemoryStore) makeRoom(now time.Time) {
	if s.capacity <= 0 || len(s.byID) < s.capacity {
		return
	}
	for _, id := range s.byExpiry(func(r Record) bool { return r.expired(now) }) {
		delete(s.byID, id)
	}
	if over := len(s.byID) - s.capacity + 1; over > 0 {
		for _, id := range s.byExpiry(nil)[:over] {
			delete(s.byID, id)
		}
	}
}

func (s *MemoryStore) byExpiry(keep func(Record) bool) []string {
	ids := make([]string, 0, len(s.byID))
	for id, record := range s.byID {
		if keep == nil || keep(record) {
			ids = append(ids, id)
		}
	}
	slices.SortFunc(ids, func(a, b string) int {
		return s.byID[a].ExpiresAt.Compare(s.byID[b].ExpiresAt)
	})
	return ids
}

func effectiveTTL(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return DefaultTTL
	}
	return ttl
}
