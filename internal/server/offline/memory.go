package offline

import (
	"context"
	"slices"
	"sync"

	"github.com/dmitrijs2005/smartbin/internal/server/models"
	"github.com/dmitrijs2005/smartbin/internal/timex"
)

// MemoryStore keeps the queue and cache in process memory; both are lost on
// restart.
type MemoryStore struct {
	mu     sync.Mutex
	clock  timex.Clock
	queue  []*models.QueuedIntent
	cached []models.DeviceSummary
}

func NewMemoryStore(clock timex.Clock) *MemoryStore {
	return &MemoryStore{clock: clock}
}

func (s *MemoryStore) PushQueue(ctx context.Context, intentType string, payload any) (*models.QueuedIntent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	intent, err := newIntent(intentType, payload, s.clock.Now())
	if err != nil {
		return nil, err
	}
	s.queue = append(s.queue, intent)

	cp := *intent
	return &cp, nil
}

func (s *MemoryStore) Pending(ctx context.Context) ([]*models.QueuedIntent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*models.QueuedIntent, 0, len(s.queue))
	for _, it := range s.queue {
		cp := *it
		out = append(out, &cp)
	}
	return out, nil
}

func (s *MemoryStore) Remove(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.queue = slices.DeleteFunc(s.queue, func(it *models.QueuedIntent) bool { return it.ID == id })
	return nil
}

func (s *MemoryStore) Len(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue), nil
}

func (s *MemoryStore) CachedReads(ctx context.Context) ([]models.DeviceSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.cached), nil
}

func (s *MemoryStore) SetCachedReads(ctx context.Context, list []models.DeviceSummary) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cached = slices.Clone(list)
	return nil
}

func (s *MemoryStore) UpdateCachedReads(ctx context.Context, fn func([]models.DeviceSummary) []models.DeviceSummary) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cached = slices.Clone(fn(slices.Clone(s.cached)))
	return nil
}

func (s *MemoryStore) Close() error { return nil }
