package hostapi

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/automn-run/automn/internal/domain"
)

// ErrRunnerNotFound is returned for lookups and mutations of unknown runner
// ids.
var ErrRunnerNotFound = errors.New("runner not found")

// RunnerStore persists the host's runner registry. Mutate serializes
// concurrent writes per runner id: the callback sees the current record and
// its edits are stored atomically.
type RunnerStore interface {
	Create(ctx context.Context, r *domain.RunnerIdentity) error
	Get(ctx context.Context, id string) (*domain.RunnerIdentity, error)
	List(ctx context.Context) ([]domain.RunnerIdentity, error)
	Mutate(ctx context.Context, id string, fn func(*domain.RunnerIdentity) error) (*domain.RunnerIdentity, error)
	Delete(ctx context.Context, id string) error
}

// MemoryRunnerStore is the in-process registry used when no database is
// configured, and in tests.
type MemoryRunnerStore struct {
	mu      sync.Mutex
	runners map[string]*domain.RunnerIdentity
}

// NewMemoryRunnerStore creates an empty in-memory registry.
func NewMemoryRunnerStore() *MemoryRunnerStore {
	return &MemoryRunnerStore{runners: make(map[string]*domain.RunnerIdentity)}
}

func (s *MemoryRunnerStore) Create(_ context.Context, r *domain.RunnerIdentity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.runners[r.ID]; exists {
		return errors.New("runner id already exists")
	}
	cp := *r
	s.runners[r.ID] = &cp
	return nil
}

func (s *MemoryRunnerStore) Get(_ context.Context, id string) (*domain.RunnerIdentity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runners[id]
	if !ok {
		return nil, ErrRunnerNotFound
	}
	cp := *r
	return &cp, nil
}

func (s *MemoryRunnerStore) List(_ context.Context) ([]domain.RunnerIdentity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.RunnerIdentity, 0, len(s.runners))
	for _, r := range s.runners {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryRunnerStore) Mutate(_ context.Context, id string, fn func(*domain.RunnerIdentity) error) (*domain.RunnerIdentity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runners[id]
	if !ok {
		return nil, ErrRunnerNotFound
	}
	cp := *r
	if err := fn(&cp); err != nil {
		return nil, err
	}
	s.runners[id] = &cp
	out := cp
	return &out, nil
}

func (s *MemoryRunnerStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runners[id]; !ok {
		return ErrRunnerNotFound
	}
	delete(s.runners, id)
	return nil
}
