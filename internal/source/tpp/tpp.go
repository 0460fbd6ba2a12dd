// Package tpp transforms SystmOne (TPP) extracts.
package tpp

import (
	"context"
	"time"

	"github.com/ehr/ingest/internal/domain/clinical"
	"github.com/ehr/ingest/internal/platform/batch"
	"github.com/ehr/ingest/internal/platform/csvsource"
	"github.com/ehr/ingest/internal/platform/fhir"
	"github.com/ehr/ingest/internal/platform/linkage"
	"github.com/ehr/ingest/internal/platform/worker"
	"github.com/ehr/ingest/internal/source/kit"
)

const Source = "tpp"

// eventFact is what SREvent leaves for the coded rows recorded in the event.
type eventFact struct {
	PatientID string
	Date      *time.Time
}

type importer struct {
	deps  kit.Deps
	staff *staffCache
	pool  *worker.Pool

	events      *linkage.Cache[string, eventFact]
	problems    *linkage.BuilderCache[string, *clinical.Condition]
	problemRows map[string]csvsource.Provenance
	memberRows  map[string]csvsource.Provenance
	warmed      map[string]struct{}
}

// NewPipeline returns the TPP pipeline for one batch. Staff profiles persist in
// Postgres when a database is configured and in memory otherwise.
func NewPipeline(ctx context.Context, deps kit.Deps) (*batch.Pipeline, error) {
	var store StaffStore = NewMemoryStaffStore()
	if deps.DB != nil {
		store = NewPGStaffStore(deps.DB, deps.Schema)
	}
	return NewFactory(store)(ctx, deps)
}

// NewFactory returns a pipeline factory that resolves staff profiles from store.
func NewFactory(store StaffStore) kit.Factory {
	return func(ctx context.Context, deps kit.Deps) (*batch.Pipeline, error) {
		im := &importer{
			deps:        deps,
			staff:       newStaffCache(store, deps.Logger),
			pool:        worker.New(ctx, deps.Workers, deps.Logger),
			events:      linkage.New[string, eventFact]("tpp events"),
			problems:    linkage.NewBuilders[string, *clinical.Condition]("tpp problems"),
			problemRows: make(map[string]csvsource.Provenance),
			memberRows:  make(map[string]csvsource.Provenance),
			warmed:      make(map[string]struct{}),
		}
		return im.pipeline(), nil
	}
}

func (im *importer) pipeline() *batch.Pipeline {
	return &batch.Pipeline{
		Source: Source,
		Filer:  im.deps.Filer,
		Logger: im.deps.Logger,
		Stages: []batch.Stage{
			{Name: "SRStaffMemberProfile", Pattern: "SRStaffMemberProfile*.csv", Schemas: staffProfileSchemas, Pre: true, Optional: true, Transform: im.preStaffProfile},
			{Name: "SRCode", Pattern: "SRCode*.csv", Schemas: codeSchemas, Pre: true, Optional: true, Transform: im.preCode, After: im.waitWarm},
			{Name: "SROrganisation", Pattern: "SROrganisation*.csv", Schemas: []csvsource.Schema{organisationSchema}, Optional: true, Transform: im.organisation},
			{Name: "SRStaffMember", Pattern: "SRStaffMember.csv", Schemas: []csvsource.Schema{staffMemberSchema}, Optional: true, Transform: im.staffMember},
			{Name: "SRPatient", Pattern: "SRPatient.csv", Schemas: patientSchemas, Gate: true, Transform: im.patient},
			{Name: "SRPatientRegistration", Pattern: "SRPatientRegistration*.csv", Schemas: []csvsource.Schema{registrationSchema}, Optional: true, Transform: im.registration},
			{Name: "SREvent", Pattern: "SREvent*.csv", Schemas: []csvsource.Schema{eventSchema}, Optional: true, Transform: im.event},
			{Name: "SRProblem", Pattern: "SRProblem*.csv", Schemas: []csvsource.Schema{problemSchema}, Optional: true, Transform: im.problem},
			{Name: "SRCode", Pattern: "SRCode*.csv", Schemas: codeSchemas, Optional: true, Transform: im.code},
		},
		Finishers: []batch.Finisher{
			{Name: "problems", Run: im.drainProblems},
			{Name: "untaken staff profiles", Run: im.drainProfiles},
			{Name: "event facts", Run: im.drainEvents},
			{Name: "staff store", Run: im.staff.Flush},
		},
	}
}

func id(parts ...string) string { return fhir.SourceID(Source, parts...) }
