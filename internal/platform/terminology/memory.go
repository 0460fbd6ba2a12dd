package terminology

import (
	"context"
	"fmt"
	"sync"
)

// MemoryStore holds reference data in maps. It backs tests and dry runs where
// no terminology database is configured.
type MemoryStore struct {
	mu      sync.RWMutex
	maps    map[string]Concept
	parents map[string][]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		maps:    make(map[string]Concept),
		parents: make(map[string][]string),
	}
}

func mapKey(fromSystem, code, toSystem string) string {
	return fromSystem + "|" + code + "|" + toSystem
}

func hierarchyKey(system, code string) string {
	return system + "|" + code
}

// AddMapping records that code in fromSystem translates to target.
func (s *MemoryStore) AddMapping(fromSystem, code string, target Concept) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.maps[mapKey(fromSystem, code, target.System)] = target
}

// AddParent records parent as a direct parent of code.
func (s *MemoryStore) AddParent(system, code, parent string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := hierarchyKey(system, code)
	s.parents[k] = append(s.parents[k], parent)
}

func (s *MemoryStore) Translate(_ context.Context, fromSystem, code, toSystem string) (Concept, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.maps[mapKey(fromSystem, code, toSystem)]
	if !ok {
		return Concept{}, fmt.Errorf("translate %s %s: %w", fromSystem, code, ErrNotFound)
	}
	return c, nil
}

func (s *MemoryStore) Parents(_ context.Context, system, code string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.parents[hierarchyKey(system, code)]
	if !ok {
		return nil, fmt.Errorf("parents %s %s: %w", system, code, ErrNotFound)
	}
	return append([]string(nil), p...), nil
}
