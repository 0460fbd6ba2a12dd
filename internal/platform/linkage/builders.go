package linkage

import (
	"fmt"
	"slices"
)

// BuilderEntry is one in-progress record left in a BuilderCache at drain time.
type BuilderEntry[K comparable, B any] struct {
	Key     K
	Builder B
}

// BuilderCache holds at most one in-progress record per key. A caller borrows
// the record, mutates it and then either returns it for a later file to continue
// or releases it once persisted. While a record is on loan no one else can
// borrow it.
type BuilderCache[K comparable, B any] struct {
	name   string
	held   map[K]B
	loaned map[K]struct{}
	order  []K
	known  map[K]struct{}
}

func NewBuilders[K comparable, B any](name string) *BuilderCache[K, B] {
	return &BuilderCache[K, B]{
		name:   name,
		held:   make(map[K]B),
		loaned: make(map[K]struct{}),
		known:  make(map[K]struct{}),
	}
}

func (c *BuilderCache[K, B]) Name() string { return c.name }

// Borrow hands out the record for key, creating it with create when the cache
// holds none. The caller owns the record until Return or Release.
func (c *BuilderCache[K, B]) Borrow(key K, create func() B) (B, error) {
	var zero B
	var zk K
	if key == zk {
		return zero, fmt.Errorf("%s: %w", c.name, ErrEmptyKey)
	}
	if _, out := c.loaned[key]; out {
		return zero, fmt.Errorf("%s %v: %w", c.name, key, ErrOnLoan)
	}
	b, ok := c.held[key]
	if ok {
		delete(c.held, key)
	} else {
		b = create()
		if _, seen := c.known[key]; !seen {
			c.known[key] = struct{}{}
			c.order = append(c.order, key)
		}
	}
	c.loaned[key] = struct{}{}
	return b, nil
}

// Return puts a borrowed record back so a later transform can continue it.
func (c *BuilderCache[K, B]) Return(key K, b B) error {
	if _, out := c.loaned[key]; !out {
		return fmt.Errorf("%s %v: %w", c.name, key, ErrNotOnLoan)
	}
	delete(c.loaned, key)
	c.held[key] = b
	return nil
}

// Release ends a loan without putting the record back, typically because the
// caller has persisted it.
func (c *BuilderCache[K, B]) Release(key K) error {
	if _, out := c.loaned[key]; !out {
		return fmt.Errorf("%s %v: %w", c.name, key, ErrNotOnLoan)
	}
	delete(c.loaned, key)
	return nil
}

// Peek reports whether a record for key is held or on loan.
func (c *BuilderCache[K, B]) Peek(key K) bool {
	if _, ok := c.held[key]; ok {
		return true
	}
	_, ok := c.loaned[key]
	return ok
}

// Len counts records held and on loan.
func (c *BuilderCache[K, B]) Len() int { return len(c.held) + len(c.loaned) }

// OnLoan lists the keys currently borrowed, in creation order.
func (c *BuilderCache[K, B]) OnLoan() []K {
	var out []K
	for _, k := range c.order {
		if _, ok := c.loaned[k]; ok {
			out = append(out, k)
		}
	}
	return out
}

// DrainRemaining returns every held record in creation order and empties the
// cache. It refuses while any record is on loan.
func (c *BuilderCache[K, B]) DrainRemaining() ([]BuilderEntry[K, B], error) {
	if len(c.loaned) > 0 {
		return nil, fmt.Errorf("%s: %d builders out (%v): %w", c.name, len(c.loaned), c.OnLoan(), ErrOnLoan)
	}
	out := make([]BuilderEntry[K, B], 0, len(c.held))
	for _, k := range c.order {
		b, ok := c.held[k]
		if !ok {
			continue
		}
		out = append(out, BuilderEntry[K, B]{Key: k, Builder: b})
	}
	c.held = make(map[K]B)
	c.known = make(map[K]struct{})
	c.order = slices.Delete(c.order, 0, len(c.order))
	return out, nil
}
