package filer

import (
	"context"
	"errors"
	"sync"

	"github.com/ehr/ingest/internal/platform/fhir"
)

// MemoryStore keeps the latest version of every record in memory. Used by
// tests and dry runs.
type MemoryStore struct {
	mu     sync.RWMutex
	byType map[string]map[string]fhir.Resource
	order  map[string][]string
	writes int
	closed bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byType: make(map[string]map[string]fhir.Resource),
		order:  make(map[string][]string),
	}
}

func (s *MemoryStore) Write(_ context.Context, env Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("memory store closed")
	}
	for _, r := range env.Resources {
		typ, id := r.GetResourceType(), r.GetFHIRID()
		m, ok := s.byType[typ]
		if !ok {
			m = make(map[string]fhir.Resource)
			s.byType[typ] = m
		}
		if _, seen := m[id]; !seen {
			s.order[typ] = append(s.order[typ], id)
		}
		m[id] = r
	}
	s.writes++
	return nil
}

func (s *MemoryStore) Close(context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

// Get returns the stored record of the given type and id.
func (s *MemoryStore) Get(resourceType, id string) (fhir.Resource, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.byType[resourceType][id]
	return r, ok
}

// All returns the records of a type in the order first written.
func (s *MemoryStore) All(resourceType string) []fhir.Resource {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.order[resourceType]
	out := make([]fhir.Resource, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.byType[resourceType][id])
	}
	return out
}

// Count returns how many distinct records of a type are stored.
func (s *MemoryStore) Count(resourceType string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byType[resourceType])
}

// Writes counts Write calls, one per Save.
func (s *MemoryStore) Writes() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.writes
}

// MultiStore fans every envelope out to several stores in order.
type MultiStore struct {
	stores []Store
}

func NewMultiStore(stores ...Store) *MultiStore {
	return &MultiStore{stores: stores}
}

func (m *MultiStore) Write(ctx context.Context, env Envelope) error {
	for _, s := range m.stores {
		if err := s.Write(ctx, env); err != nil {
			return err
		}
	}
	return nil
}

// Close closes every store and joins their errors.
func (m *MultiStore) Close(ctx context.Context) error {
	var errs []error
	for _, s := range m.stores {
		if err := s.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
