package docquery

import (
	"context"
	"sync"
)

// ProgressStore persists the latest Progress per patient. Values are copied in
// and out; a reader never shares memory with the writer.
type ProgressStore interface {
	Get(ctx context.Context, patientID string) (Progress, bool, error)
	Put(ctx context.Context, p Progress) error
	Delete(ctx context.Context, patientID string) error
}

// MemoryStore is a mutex-guarded in-process ProgressStore.
type MemoryStore struct {
	mu    sync.RWMutex
	items map[string]Progress
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: make(map[string]Progress)}
}

func (s *MemoryStore) Get(_ context.Context, patientID string) (Progress, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.items[patientID]
	return p, ok, nil
}

func (s *MemoryStore) Put(_ context.Context, p Progress) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[p.PatientID] = p
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, patientID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.items, patientID)
	return nil
}
