package suppress

import (
	"context"
	"sync"
)

// MemStore is a thread-safe in-memory Store. It does not survive a restart
// and is therefore not selectable from configuration; tests use it as a fake.
type MemStore struct {
	mu   sync.RWMutex
	data map[string]Record

	// GetErr and PutErr, when set, are returned by Get and Put.
	GetErr error
	PutErr error
}

// NewMemStore returns an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{data: make(map[string]Record)}
}

func (s *MemStore) Get(_ context.Context, conditionID string) (Record, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.GetErr != nil {
		return Record{}, false, storeErr("get", conditionID, s.GetErr)
	}
	rec, ok := s.data[conditionID]
	return rec, ok, nil
}

func (s *MemStore) Put(_ context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.PutErr != nil {
		return storeErr("put", rec.ConditionID, s.PutErr)
	}
	s.data[rec.ConditionID] = rec
	return nil
}

// Count returns the number of records held.
func (s *MemStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}

func (s *MemStore) Close() error { return nil }
