package reservations

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/vadiminshakov/instainr/internal/domain"
)

// MemoryStore keeps reservations in process memory. Used in tests and
// single-instance development runs.
type MemoryStore struct {
	mu    sync.Mutex
	items map[string]domain.Reservation
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: make(map[string]domain.Reservation)}
}

func (s *MemoryStore) Create(_ context.Context, r domain.Reservation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.items[r.ReferenceID]; ok {
		return errors.Wrapf(ErrDuplicate, "reference %s", r.ReferenceID)
	}
	s.items[r.ReferenceID] = r
	return nil
}

func (s *MemoryStore) Get(_ context.Context, referenceID string) (domain.Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.items[referenceID]
	if !ok {
		return domain.Reservation{}, ErrNotFound
	}
	return r, nil
}

func (s *MemoryStore) Consume(_ context.Context, referenceID string) (domain.Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.items[referenceID]
	if !ok {
		return domain.Reservation{}, ErrNotFound
	}
	delete(s.items, referenceID)
	return r, nil
}

func (s *MemoryStore) PurgeExpired(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for ref, r := range s.items {
		if r.CreatedAt.Before(cutoff) {
			delete(s.items, ref)
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) Close() error { return nil }
