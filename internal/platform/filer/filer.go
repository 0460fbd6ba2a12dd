// Package filer persists the records a batch produces and keeps the log of
// row-level errors and warnings that decides whether the batch succeeded.
package filer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/ingest/internal/platform/csvsource"
	"github.com/ehr/ingest/internal/platform/fhir"
)

// ErrRowErrors is returned by FailIfAnyErrors when any row error was logged.
var ErrRowErrors = errors.New("filer: row errors recorded")

// Severity of a logged row issue.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// Issue is one row error or warning with the row it belongs to.
type Issue struct {
	Severity   Severity             `json:"severity"`
	Provenance csvsource.Provenance `json:"provenance"`
	Message    string               `json:"message"`
}

// Envelope is what a Store receives for one Save call: records that must be
// stored together.
type Envelope struct {
	BatchID    uuid.UUID
	Source     string
	Provenance csvsource.Provenance
	Resources  []fhir.Resource
}

// Store writes envelopes somewhere durable.
type Store interface {
	Write(ctx context.Context, env Envelope) error
	Close(ctx context.Context) error
}

// Summary counts what a batch produced.
type Summary struct {
	Saved    map[string]int `json:"saved"`
	Errors   int            `json:"errors"`
	Warnings int            `json:"warnings"`
}

// Total returns the number of records saved across all resource types.
func (s Summary) Total() int {
	n := 0
	for _, v := range s.Saved {
		n += v
	}
	return n
}

// Filer is the persistence front for one batch. It is safe for concurrent use
// so the HTTP job handlers can read it while a batch runs.
type Filer struct {
	store   Store
	batchID uuid.UUID
	source  string
	logger  zerolog.Logger

	mu       sync.Mutex
	issues   []Issue
	errors   int
	warnings int
	saved    map[string]int
}

func New(store Store, batchID uuid.UUID, source string, logger zerolog.Logger) *Filer {
	return &Filer{
		store:   store,
		batchID: batchID,
		source:  source,
		logger:  logger.With().Str("batch_id", batchID.String()).Str("source", source).Logger(),
		saved:   make(map[string]int),
	}
}

func (f *Filer) BatchID() uuid.UUID { return f.batchID }

// Save stores resources as one unit. prov is the row that completed them.
func (f *Filer) Save(ctx context.Context, prov csvsource.Provenance, resources ...fhir.Resource) error {
	if len(resources) == 0 {
		return nil
	}
	for i, r := range resources {
		if r == nil {
			return fmt.Errorf("save %s: resource %d is nil", prov, i)
		}
		if r.GetFHIRID() == "" {
			return fmt.Errorf("save %s: %s has no id", prov, r.GetResourceType())
		}
	}
	env := Envelope{BatchID: f.batchID, Source: f.source, Provenance: prov, Resources: resources}
	if err := f.store.Write(ctx, env); err != nil {
		return fmt.Errorf("save %s: %w", prov, err)
	}

	f.mu.Lock()
	for _, r := range resources {
		f.saved[r.GetResourceType()]++
	}
	f.mu.Unlock()
	return nil
}

// LogRowError records a row that failed. Processing of other rows continues.
func (f *Filer) LogRowError(prov csvsource.Provenance, err error) {
	f.mu.Lock()
	f.issues = append(f.issues, Issue{Severity: SeverityError, Provenance: prov, Message: err.Error()})
	f.errors++
	f.mu.Unlock()
	f.logger.Error().Err(err).Str("provenance", prov.String()).Msg("row error")
}

// LogRowWarning records a row that was skipped or only partly used.
func (f *Filer) LogRowWarning(prov csvsource.Provenance, format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	f.mu.Lock()
	f.issues = append(f.issues, Issue{Severity: SeverityWarning, Provenance: prov, Message: msg})
	f.warnings++
	f.mu.Unlock()
	f.logger.Warn().Str("provenance", prov.String()).Msg(msg)
}

func (f *Filer) ErrorCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.errors
}

func (f *Filer) WarningCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.warnings
}

// FailIfAnyErrors is the batch gate: it returns ErrRowErrors, with a count,
// once any row error has been logged.
func (f *Filer) FailIfAnyErrors() error {
	n := f.ErrorCount()
	if n == 0 {
		return nil
	}
	return fmt.Errorf("%d row errors in batch %s: %w", n, f.batchID, ErrRowErrors)
}

// Issues returns a copy of every logged issue in the order logged.
func (f *Filer) Issues() []Issue {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Issue, len(f.issues))
	copy(out, f.issues)
	return out
}

// Errors returns the logged row errors only.
func (f *Filer) Errors() []Issue {
	var out []Issue
	for _, is := range f.Issues() {
		if is.Severity == SeverityError {
			out = append(out, is)
		}
	}
	return out
}

func (f *Filer) Summary() Summary {
	f.mu.Lock()
	defer f.mu.Unlock()
	saved := make(map[string]int, len(f.saved))
	for k, v := range f.saved {
		saved[k] = v
	}
	return Summary{Saved: saved, Errors: f.errors, Warnings: f.warnings}
}

// Outcome renders the logged issues as an OperationOutcome, errors first.
func (f *Filer) Outcome() *fhir.OperationOutcome {
	issues := f.Issues()
	sort.SliceStable(issues, func(i, j int) bool {
		return issues[i].Severity == SeverityError && issues[j].Severity != SeverityError
	})

	b := fhir.NewOutcomeBuilder().SetID(f.batchID.String())
	for _, is := range issues {
		code := fhir.IssueTypeProcessing
		if is.Severity == SeverityWarning {
			code = fhir.IssueTypeIncomplete
		}
		b.AddIssueWithLocation(string(is.Severity), code, is.Message, is.Provenance.String())
	}
	return b.Build()
}

// Close flushes and closes the underlying store.
func (f *Filer) Close(ctx context.Context) error {
	return f.store.Close(ctx)
}
