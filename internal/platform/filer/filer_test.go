package filer

import (
	"bufio"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/ingest/internal/platform/csvsource"
	"github.com/ehr/ingest/internal/platform/fhir"
)

type testResource struct {
	typ, id string
}

func (r testResource) GetResourceType() string { return r.typ }
func (r testResource) GetFHIRID() string       { return r.id }
func (r testResource) ToFHIR() map[string]interface{} {
	return map[string]interface{}{"resourceType": r.typ, "id": r.id}
}

type failingStore struct{ err error }

func (s failingStore) Write(context.Context, Envelope) error { return s.err }
func (s failingStore) Close(context.Context) error           { return nil }

func prov(file string, rec int64) csvsource.Provenance {
	return csvsource.Provenance{File: file, Record: rec, Column: -1}
}

func newTestFiler(store Store) *Filer {
	return New(store, uuid.New(), "adastra", zerolog.Nop())
}

func TestFiler_SaveCounts(t *testing.T) {
	store := NewMemoryStore()
	f := newTestFiler(store)
	ctx := context.Background()

	err := f.Save(ctx, prov("CASE.txt", 1),
		testResource{"EpisodeOfCare", "adastra-C1"},
		testResource{"Encounter", "adastra-C1"})
	if err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if err := f.Save(ctx, prov("CASE.txt", 2), testResource{"EpisodeOfCare", "adastra-C2"}); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	s := f.Summary()
	if s.Saved["EpisodeOfCare"] != 2 || s.Saved["Encounter"] != 1 || s.Total() != 3 {
		t.Errorf("unexpected summary %+v", s)
	}
	if store.Writes() != 2 {
		t.Errorf("expected one store write per Save, got %d", store.Writes())
	}
	if _, ok := store.Get("Encounter", "adastra-C1"); !ok {
		t.Error("expected encounter stored")
	}
}

func TestFiler_SaveRejectsMissingID(t *testing.T) {
	f := newTestFiler(NewMemoryStore())
	if err := f.Save(context.Background(), prov("X", 1), testResource{"Patient", ""}); err == nil {
		t.Error("expected error for resource without id")
	}
	if err := f.Save(context.Background(), prov("X", 1)); err != nil {
		t.Errorf("expected empty save to be a no-op, got %v", err)
	}
}

func TestFiler_SaveStoreError(t *testing.T) {
	boom := errors.New("disk full")
	f := newTestFiler(failingStore{err: boom})
	err := f.Save(context.Background(), prov("X", 3), testResource{"Patient", "p"})
	if !errors.Is(err, boom) {
		t.Fatalf("expected store error, got %v", err)
	}
	if f.Summary().Total() != 0 {
		t.Error("expected nothing counted on failure")
	}
}

func TestFiler_Gate(t *testing.T) {
	f := newTestFiler(NewMemoryStore())
	f.LogRowWarning(prov("CLINICALCODES.txt", 4), "no case %s", "C2")
	if err := f.FailIfAnyErrors(); err != nil {
		t.Errorf("expected warnings not to fail the gate, got %v", err)
	}

	f.LogRowError(prov("PATIENT.txt", 9), errors.New("bad date"))
	err := f.FailIfAnyErrors()
	if !errors.Is(err, ErrRowErrors) {
		t.Fatalf("expected ErrRowErrors, got %v", err)
	}

	if len(f.Errors()) != 1 || len(f.Issues()) != 2 {
		t.Errorf("expected 1 error of 2 issues, got %d/%d", len(f.Errors()), len(f.Issues()))
	}
	s := f.Summary()
	if s.Errors != 1 || s.Warnings != 1 {
		t.Errorf("unexpected summary %+v", s)
	}
}

func TestFiler_Outcome(t *testing.T) {
	f := newTestFiler(NewMemoryStore())
	f.LogRowWarning(prov("CLINICALCODES.txt", 4), "no case C2")
	f.LogRowError(prov("PATIENT.txt", 9), errors.New("bad date"))

	o := f.Outcome()
	if o.ID != f.BatchID().String() {
		t.Errorf("expected outcome id to be the batch id, got %s", o.ID)
	}
	if len(o.Issue) != 2 {
		t.Fatalf("expected 2 issues, got %d", len(o.Issue))
	}
	if o.Issue[0].Severity != fhir.IssueSeverityError || o.Issue[0].Location[0] != "PATIENT.txt#9" {
		t.Errorf("expected error first, got %+v", o.Issue[0])
	}
	if o.Issue[1].Code != fhir.IssueTypeIncomplete {
		t.Errorf("expected warning code incomplete, got %s", o.Issue[1].Code)
	}
}

func TestMultiStore(t *testing.T) {
	a, b := NewMemoryStore(), NewMemoryStore()
	f := newTestFiler(NewMultiStore(a, b))
	if err := f.Save(context.Background(), prov("X", 1), testResource{"Patient", "p1"}); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if a.Count("Patient") != 1 || b.Count("Patient") != 1 {
		t.Error("expected both stores to receive the record")
	}
	if err := f.Close(context.Background()); err != nil {
		t.Errorf("Close failed: %v", err)
	}
}

func TestMemoryStore_Upsert(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	_ = s.Write(ctx, Envelope{Resources: []fhir.Resource{testResource{"Patient", "p1"}, testResource{"Patient", "p2"}}})
	_ = s.Write(ctx, Envelope{Resources: []fhir.Resource{testResource{"Patient", "p1"}}})
	if s.Count("Patient") != 2 {
		t.Errorf("expected upsert to keep 2 patients, got %d", s.Count("Patient"))
	}
	all := s.All("Patient")
	if all[0].GetFHIRID() != "p1" || all[1].GetFHIRID() != "p2" {
		t.Errorf("expected first-write order, got %v", all)
	}
}

func TestNDJSONStore(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "out")
	s, err := NewNDJSONStore(dir)
	if err != nil {
		t.Fatalf("NewNDJSONStore failed: %v", err)
	}
	f := newTestFiler(s)
	ctx := context.Background()
	_ = f.Save(ctx, prov("X", 1), testResource{"Patient", "p1"}, testResource{"Encounter", "e1"})
	_ = f.Save(ctx, prov("X", 2), testResource{"Patient", "p2"})

	if got := s.Lines(); got["Patient"] != 2 || got["Encounter"] != 1 {
		t.Errorf("unexpected line counts %v", got)
	}
	if err := f.Close(ctx); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	file, err := os.Open(filepath.Join(dir, "Patient.ndjson"))
	if err != nil {
		t.Fatalf("open Patient.ndjson: %v", err)
	}
	defer file.Close()
	n := 0
	sc := bufio.NewScanner(file)
	for sc.Scan() {
		n++
	}
	if n != 2 {
		t.Errorf("expected 2 lines in Patient.ndjson, got %d", n)
	}
}
