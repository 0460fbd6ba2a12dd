// Package linkage holds the facts and in-progress records that one import batch
// passes from the transform of one file to the transforms of later files.
//
// Both caches are owned by a single pipeline pass and carry no locks. They must
// not be handed to worker pool tasks.
package linkage

import (
	"cmp"
	"errors"
	"fmt"
	"slices"
)

var (
	// ErrEmptyKey is returned when a fact is published under the zero key.
	ErrEmptyKey = errors.New("linkage: empty key")
	// ErrOnLoan is returned when a builder is borrowed twice, or a drain is
	// attempted while a builder is still out.
	ErrOnLoan = errors.New("linkage: builder already on loan")
	// ErrNotOnLoan is returned when a builder is returned that was never borrowed.
	ErrNotOnLoan = errors.New("linkage: builder not on loan")
)

// Entry is one fact left in a Cache at drain time.
type Entry[K comparable, V any] struct {
	Key     K
	Value   V
	Claimed bool // Resolve was called for the key at least once
}

type slot[V any] struct {
	value   V
	claimed bool
	seq     uint64
}

// Cache maps a natural key to the latest fact published for it.
type Cache[K comparable, V any] struct {
	name    string
	entries map[K]*slot[V]
	next    uint64
}

// New creates an empty cache. name is used in error messages and log fields.
func New[K comparable, V any](name string) *Cache[K, V] {
	return &Cache[K, V]{name: name, entries: make(map[K]*slot[V])}
}

func (c *Cache[K, V]) Name() string { return c.name }

// Publish inserts or replaces the fact for key. The last publish wins; the
// entry keeps its original position for DrainRemaining.
func (c *Cache[K, V]) Publish(key K, fact V) error {
	var zero K
	if key == zero {
		return fmt.Errorf("%s: %w", c.name, ErrEmptyKey)
	}
	if s, ok := c.entries[key]; ok {
		s.value = fact
		return nil
	}
	c.next++
	c.entries[key] = &slot[V]{value: fact, seq: c.next}
	return nil
}

// Resolve returns the fact for key without removing it.
func (c *Cache[K, V]) Resolve(key K) (V, bool) {
	s, ok := c.entries[key]
	if !ok {
		var zero V
		return zero, false
	}
	s.claimed = true
	return s.value, true
}

// Update replaces the fact for key in place when one exists, and reports
// whether it did. It does not mark the entry claimed.
func (c *Cache[K, V]) Update(key K, fn func(V) V) bool {
	s, ok := c.entries[key]
	if !ok {
		return false
	}
	s.value = fn(s.value)
	return true
}

// Take removes and returns the fact for key. A second Take returns false, and
// a later Publish of the same key counts as a new entry.
func (c *Cache[K, V]) Take(key K) (V, bool) {
	s, ok := c.entries[key]
	if !ok {
		var zero V
		return zero, false
	}
	delete(c.entries, key)
	return s.value, true
}

func (c *Cache[K, V]) Len() int { return len(c.entries) }

// DrainRemaining returns every fact still held, once each, in the order the
// entries were created, and leaves the cache empty.
func (c *Cache[K, V]) DrainRemaining() []Entry[K, V] {
	type held struct {
		seq   uint64
		entry Entry[K, V]
	}
	all := make([]held, 0, len(c.entries))
	for k, s := range c.entries {
		all = append(all, held{seq: s.seq, entry: Entry[K, V]{Key: k, Value: s.value, Claimed: s.claimed}})
	}
	slices.SortFunc(all, func(a, b held) int { return cmp.Compare(a.seq, b.seq) })
	out := make([]Entry[K, V], len(all))
	for i, h := range all {
		out[i] = h.entry
	}
	clear(c.entries)
	return out
}
