// Package source is the registry of source-system pipelines.
package source

import (
	"fmt"
	"sort"
	"strings"

	"github.com/ehr/ingest/internal/source/adastra"
	"github.com/ehr/ingest/internal/source/bhrut"
	"github.com/ehr/ingest/internal/source/homerton"
	"github.com/ehr/ingest/internal/source/kit"
	"github.com/ehr/ingest/internal/source/tpp"
)

var factories = map[string]kit.Factory{
	adastra.Source:  adastra.NewPipeline,
	bhrut.Source:    bhrut.NewPipeline,
	homerton.Source: homerton.NewPipeline,
	tpp.Source:      tpp.NewPipeline,
}

// Names returns the registered source names, sorted.
func Names() []string {
	out := make([]string, 0, len(factories))
	for name := range factories {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Lookup returns the pipeline factory for a source name. Names are matched
// case-insensitively.
func Lookup(name string) (kit.Factory, error) {
	f, ok := factories[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return nil, fmt.Errorf("unknown source %q (known: %s)", name, strings.Join(Names(), ", "))
	}
	return f, nil
}
