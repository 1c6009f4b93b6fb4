package webhook

import (
	"context"
	"sync"

	"github.com/sultanranait/Claraly/pkg/pagination"
)

type ListFilter struct {
	Type   string
	Status EventStatus
}

func (f ListFilter) matches(e *Event) bool {
	if f.Type != "" && e.Type != f.Type {
		return false
	}
	if f.Status != "" && e.Status != f.Status {
		return false
	}
	return true
}

type EventStore interface {
	Record(ctx context.Context, e *Event) error
	// List returns matching events newest first with the total match count.
	List(ctx context.Context, f ListFilter, p pagination.Params) ([]Event, int, error)
}

type MemoryStore struct {
	mu     sync.RWMutex
	events []Event
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Record(_ context.Context, e *Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, *e)
	return nil
}

func (s *MemoryStore) List(_ context.Context, f ListFilter, p pagination.Params) ([]Event, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []Event
	for i := len(s.events) - 1; i >= 0; i-- {
		if f.matches(&s.events[i]) {
			matched = append(matched, s.events[i])
		}
	}
	lo, hi := p.Bounds(len(matched))
	return matched[lo:hi], len(matched), nil
}
