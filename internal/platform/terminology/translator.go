package terminology

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/ehr/ingest/internal/platform/memo"
)

// maxDepth bounds hierarchy walks.
const maxDepth = 32

// Translator memoizes a Store for the lifetime of one batch. Translations use
// memo.PropagateNotFound since the target map is open and may grow; hierarchy
// lookups are negative-cached since the code space is closed.
type Translator struct {
	store        Store
	translations *memo.Cache[Concept]
	parents      *memo.Cache[[]string]
}

func NewTranslator(store Store, logger zerolog.Logger) *Translator {
	t := &Translator{store: store}
	t.translations = memo.New(t.loadTranslation, memo.PropagateNotFound,
		memo.WithName("translate"), memo.WithLogger(logger))
	t.parents = memo.New(t.loadParents, memo.NegativeCache,
		memo.WithName("hierarchy"), memo.WithLogger(logger))
	return t
}

func (t *Translator) loadTranslation(ctx context.Context, key string) (Concept, error) {
	from, code, to, err := splitKey3(key)
	if err != nil {
		return Concept{}, err
	}
	return t.store.Translate(ctx, from, code, to)
}

func (t *Translator) loadParents(ctx context.Context, key string) ([]string, error) {
	system, code, err := splitKey2(key)
	if err != nil {
		return nil, err
	}
	return t.store.Parents(ctx, system, code)
}

// Translate returns the toSystem equivalent of code. A miss is ErrNotFound.
func (t *Translator) Translate(ctx context.Context, fromSystem, code, toSystem string) (Concept, error) {
	return t.translations.Lookup(ctx, mapKey(fromSystem, code, toSystem))
}

// Parents returns the direct parents of code. A code with no parents is ErrNotFound.
func (t *Translator) Parents(ctx context.Context, system, code string) ([]string, error) {
	return t.parents.Lookup(ctx, hierarchyKey(system, code))
}

// Ancestors walks the hierarchy upward breadth first and returns every
// ancestor of code, nearest first. A root code has no ancestors and no error.
func (t *Translator) Ancestors(ctx context.Context, system, code string) ([]string, error) {
	seen := map[string]bool{code: true}
	var out []string
	level := []string{code}
	for depth := 0; depth < maxDepth && len(level) > 0; depth++ {
		var next []string
		for _, c := range level {
			parents, err := t.Parents(ctx, system, c)
			if errors.Is(err, ErrNotFound) {
				continue
			}
			if err != nil {
				return out, err
			}
			for _, p := range parents {
				if !seen[p] {
					seen[p] = true
					out = append(out, p)
					next = append(next, p)
				}
			}
		}
		level = next
	}
	return out, nil
}

// Stats reports the translation and hierarchy memo counters.
func (t *Translator) Stats() (translations, hierarchy memo.Stats) {
	return t.translations.Stats(), t.parents.Stats()
}

// Codes may contain '|'; system URIs do not.
func splitKey3(key string) (string, string, string, error) {
	from, rest, ok := strings.Cut(key, "|")
	i := strings.LastIndex(rest, "|")
	if !ok || i < 0 {
		return "", "", "", fmt.Errorf("malformed translation key %q", key)
	}
	return from, rest[:i], rest[i+1:], nil
}

func splitKey2(key string) (string, string, error) {
	system, code, ok := strings.Cut(key, "|")
	if !ok {
		return "", "", fmt.Errorf("malformed hierarchy key %q", key)
	}
	return system, code, nil
}
