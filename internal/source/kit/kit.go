// Package kit holds what every source pipeline shares: its dependencies and
// the small row helpers the transforms are written with.
package kit

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/ehr/ingest/internal/platform/batch"
	"github.com/ehr/ingest/internal/platform/csvsource"
	"github.com/ehr/ingest/internal/platform/filer"
	"github.com/ehr/ingest/internal/platform/fhir"
	"github.com/ehr/ingest/internal/platform/terminology"
)

// Deps is what a pipeline factory needs to build one batch's pipeline. The
// Translator is per batch; DB is nil unless a database is configured.
type Deps struct {
	Filer      *filer.Filer
	Translator *terminology.Translator
	Logger     zerolog.Logger
	Workers    int
	DB         *pgxpool.Pool
	Schema     string
}

// Factory builds the pipeline for one batch of one source system.
type Factory func(ctx context.Context, deps Deps) (*batch.Pipeline, error)

// Key joins natural-key parts with ':' into a linkage key.
func Key(parts ...string) string { return strings.Join(parts, ":") }

// Required returns a skip error naming the first listed column that is empty.
func Required(row *csvsource.Row, columns ...string) error {
	for _, c := range columns {
		if row.Get(c).IsEmpty() {
			return batch.Skip("%s is empty", c)
		}
	}
	return nil
}

// Lines returns the non-empty values of columns, in order.
func Lines(row *csvsource.Row, columns ...string) []string {
	var out []string
	for _, c := range columns {
		if v := row.Get(c).String(); v != "" {
			out = append(out, v)
		}
	}
	return out
}

// IDPtr returns a pointer to the id of a referenced record, or nil when the key
// cell is empty.
func IDPtr(source string, cell csvsource.Cell) *string {
	if cell.IsEmpty() {
		return nil
	}
	id := fhir.SourceID(source, cell.String())
	return &id
}

// Translate looks code up in toSystem and returns the codings to record: the
// source coding first, then the translation when one exists. A missing
// translation is logged as a warning against the row.
func Translate(ctx context.Context, deps Deps, row *csvsource.Row, source fhir.Coding, toSystem string) ([]fhir.Coding, error) {
	codings := []fhir.Coding{source}
	if deps.Translator == nil {
		return codings, nil
	}
	c, err := deps.Translator.Translate(ctx, source.System, source.Code, toSystem)
	switch {
	case err == nil:
		return append(codings, c.Coding()), nil
	case errors.Is(err, terminology.ErrNotFound):
		deps.Filer.LogRowWarning(row.Provenance(), "no %s translation for %s", toSystem, source.Code)
		return codings, nil
	default:
		return nil, fmt.Errorf("translate %s: %w", source.Code, err)
	}
}

// Str returns a pointer to s, or nil when s is empty.
func Str(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
