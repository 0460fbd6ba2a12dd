// Package adastra transforms Adastra out-of-hours extracts.
package adastra

import (
	"context"
	"time"

	"github.com/ehr/ingest/internal/domain/encounter"
	"github.com/ehr/ingest/internal/platform/batch"
	"github.com/ehr/ingest/internal/platform/csvsource"
	"github.com/ehr/ingest/internal/platform/fhir"
	"github.com/ehr/ingest/internal/platform/linkage"
	"github.com/ehr/ingest/internal/source/kit"
)

const Source = "adastra"

// caseFact is what the CASE pre pass publishes for the files that refer to a
// case by reference only.
type caseFact struct {
	PatientRef  string
	ProviderRef string
	CaseNo      string
	Start       *time.Time
	Prov        csvsource.Provenance
}

type consultationFact struct {
	Start   *time.Time
	UserRef string
}

// linkedResources collects what clinical codes and prescriptions produced for
// a consultation until the consultation itself is written.
type linkedResources struct {
	Refs []fhir.Reference
	Prov csvsource.Provenance
}

// importer holds one batch's linkage state.
type importer struct {
	deps kit.Deps

	cases         *linkage.Cache[string, caseFact]
	consultations *linkage.Cache[string, consultationFact]
	users         *linkage.Cache[string, string]
	linked        *linkage.Cache[string, linkedResources]
	caseEncounter *linkage.BuilderCache[string, *encounter.Encounter]
	caseRows      map[string]csvsource.Provenance
	rxSeen        map[string]int
}

func newImporter(deps kit.Deps) *importer {
	return &importer{
		deps:          deps,
		cases:         linkage.New[string, caseFact]("adastra cases"),
		consultations: linkage.New[string, consultationFact]("adastra consultations"),
		users:         linkage.New[string, string]("adastra users"),
		linked:        linkage.New[string, linkedResources]("adastra linked resources"),
		caseEncounter: linkage.NewBuilders[string, *encounter.Encounter]("adastra case encounters"),
		caseRows:      make(map[string]csvsource.Provenance),
		rxSeen:        make(map[string]int),
	}
}

// NewPipeline returns the Adastra pipeline for one batch.
func NewPipeline(_ context.Context, deps kit.Deps) (*batch.Pipeline, error) {
	im := newImporter(deps)
	return &batch.Pipeline{
		Source: Source,
		Filer:  deps.Filer,
		Logger: deps.Logger,
		Stages: []batch.Stage{
			{Name: "CASE", Pattern: "CASE*.txt", Schemas: caseSchemas, Pre: true, Transform: im.preCase},
			{Name: "CONSULTATION", Pattern: "CONSULTATION*.txt", Schemas: consultationSchemas, Pre: true, Transform: im.preConsultation},
			{Name: "PROVIDER", Pattern: "PROVIDER*.txt", Schemas: []csvsource.Schema{providerSchema}, Optional: true, Transform: im.provider},
			{Name: "USERS", Pattern: "USERS*.txt", Schemas: []csvsource.Schema{usersSchema}, Optional: true, Transform: im.user},
			{Name: "PATIENT", Pattern: "PATIENT*.txt", Schemas: []csvsource.Schema{patientSchema}, Gate: true, Transform: im.patient},
			{Name: "CASE", Pattern: "CASE*.txt", Schemas: caseSchemas, Gate: true, Transform: im.caseRecord},
			{Name: "CLINICALCODES", Pattern: "CLINICALCODES*.txt", Schemas: []csvsource.Schema{clinicalCodesSchema}, Optional: true, Transform: im.clinicalCode},
			{Name: "PRESCRIPTIONS", Pattern: "PRESCRIPTIONS*.txt", Schemas: []csvsource.Schema{prescriptionsSchema}, Optional: true, Transform: im.prescription},
			{Name: "NOTES", Pattern: "NOTES*.txt", Schemas: []csvsource.Schema{notesSchema}, Optional: true, Transform: im.note},
			{Name: "OUTCOMES", Pattern: "OUTCOMES*.txt", Schemas: []csvsource.Schema{outcomesSchema}, Optional: true, Transform: im.outcome},
			{Name: "CONSULTATION", Pattern: "CONSULTATION*.txt", Schemas: consultationSchemas, Transform: im.consultation},
		},
		Finishers: []batch.Finisher{
			{Name: "case encounters", Run: im.drainCaseEncounters},
			{Name: "linked resources", Run: im.drainLinked},
			{Name: "unclaimed cases", Run: im.drainCases},
			{Name: "consultation facts", Run: im.drainConsultations},
			{Name: "user facts", Run: im.drainUsers},
		},
	}, nil
}

var (
	caseSchemas         = []csvsource.Schema{caseV1, caseV2}
	consultationSchemas = []csvsource.Schema{consultationV1, consultationV2}
)

func id(parts ...string) string { return fhir.SourceID(Source, parts...) }
