// Package memo memoizes lookups against slow reference data: terminology
// translations, code hierarchies, staff profile resolution. A Cache is created
// for one batch and is safe for concurrent use.
package memo

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/patrickmn/go-cache"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

// ErrNotFound is returned by a Loader when the store has no value for a key,
// and by Lookup when that answer is cached or propagated.
var ErrNotFound = errors.New("memo: not found")

// Policy decides what a Cache does with a not-found answer from its loader.
type Policy int

const (
	// NegativeCache remembers not-found so the key is never loaded again. Use it
	// for closed code sets where a miss will not change within a batch.
	NegativeCache Policy = iota
	// PropagateNotFound returns not-found to the caller and forgets it. Use it
	// for open code spaces fed by dirty source data.
	PropagateNotFound
)

func (p Policy) String() string {
	switch p {
	case NegativeCache:
		return "negative-cache"
	case PropagateNotFound:
		return "propagate"
	}
	return fmt.Sprintf("Policy(%d)", int(p))
}

// Loader fetches the value for key from the backing store.
type Loader[V any] func(ctx context.Context, key string) (V, error)

// Stats counts lookups since the cache was created or last flushed.
type Stats struct {
	Hits   int64
	Misses int64
	Loads  int64
}

type entry[V any] struct {
	value V
	found bool
}

type options struct {
	name   string
	logger zerolog.Logger
}

type Option func(*options)

func WithName(name string) Option {
	return func(o *options) { o.name = name }
}

func WithLogger(logger zerolog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// Cache memoizes a Loader. At most one load per key is in flight; concurrent
// callers for that key wait for its result.
type Cache[V any] struct {
	name   string
	load   Loader[V]
	policy Policy
	store  *cache.Cache
	group  singleflight.Group
	logger zerolog.Logger

	hits   atomic.Int64
	misses atomic.Int64
	loads  atomic.Int64
}

func New[V any](load Loader[V], policy Policy, opts ...Option) *Cache[V] {
	o := options{name: "memo", logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(&o)
	}
	return &Cache[V]{
		name:   o.name,
		load:   load,
		policy: policy,
		store:  cache.New(cache.NoExpiration, 0),
		logger: o.logger.With().Str("memo", o.name).Logger(),
	}
}

func (c *Cache[V]) Name() string { return c.name }

func (c *Cache[V]) Policy() Policy { return c.policy }

// Lookup returns the value for key, loading it on first use. A not-found answer
// is reported as ErrNotFound under either policy.
func (c *Cache[V]) Lookup(ctx context.Context, key string) (V, error) {
	var zero V
	if e, ok := c.get(key); ok {
		c.hits.Add(1)
		return c.result(key, e)
	}
	c.misses.Add(1)

	v, err, _ := c.group.Do(key, func() (interface{}, error) {
		if e, ok := c.get(key); ok {
			return e, nil
		}
		c.loads.Add(1)
		val, err := c.load(ctx, key)
		switch {
		case err == nil:
			return c.put(key, entry[V]{value: val, found: true}), nil
		case errors.Is(err, ErrNotFound) && c.policy == NegativeCache:
			return c.put(key, entry[V]{}), nil
		case errors.Is(err, ErrNotFound):
			return nil, err
		default:
			c.logger.Debug().Err(err).Str("key", key).Msg("reference lookup failed")
			return nil, err
		}
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return zero, fmt.Errorf("%s %q: %w", c.name, key, ErrNotFound)
		}
		return zero, fmt.Errorf("%s lookup %q: %w", c.name, key, err)
	}
	return c.result(key, v.(entry[V]))
}

func (c *Cache[V]) result(key string, e entry[V]) (V, error) {
	if !e.found {
		var zero V
		return zero, fmt.Errorf("%s %q: %w", c.name, key, ErrNotFound)
	}
	return e.value, nil
}

func (c *Cache[V]) get(key string) (entry[V], bool) {
	v, ok := c.store.Get(key)
	if !ok {
		return entry[V]{}, false
	}
	return v.(entry[V]), true
}

// put stores e unless another value landed first, and returns whichever value
// the cache now holds.
func (c *Cache[V]) put(key string, e entry[V]) entry[V] {
	if err := c.store.Add(key, e, cache.NoExpiration); err != nil {
		if held, ok := c.get(key); ok {
			return held
		}
	}
	return e
}

// Len counts cached keys, negative answers included.
func (c *Cache[V]) Len() int { return c.store.ItemCount() }

func (c *Cache[V]) Stats() Stats {
	return Stats{Hits: c.hits.Load(), Misses: c.misses.Load(), Loads: c.loads.Load()}
}

// Flush forgets every cached answer and resets the counters.
func (c *Cache[V]) Flush() {
	c.store.Flush()
	c.hits.Store(0)
	c.misses.Store(0)
	c.loads.Store(0)
}
