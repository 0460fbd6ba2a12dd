// Package homerton transforms Homerton (Cerner Millennium) delta extracts.
package homerton

import (
	"context"

	"github.com/ehr/ingest/internal/domain/clinical"
	"github.com/ehr/ingest/internal/platform/batch"
	"github.com/ehr/ingest/internal/platform/csvsource"
	"github.com/ehr/ingest/internal/platform/fhir"
	"github.com/ehr/ingest/internal/platform/linkage"
	"github.com/ehr/ingest/internal/source/kit"
)

const Source = "homerton"

func schema(file, version string, cols ...string) csvsource.Schema {
	return csvsource.Schema{
		File: file, Version: version, Columns: cols, HasHeader: true,
		DateTimeLayout: "2006-01-02T15:04:05",
	}
}

var (
	patientSchema = schema("PATIENT", "v1",
		"PERSON_ID", "NHS_NUMBER", "FIRST_NAME", "LAST_NAME", "DATE_OF_BIRTH", "DECEASED_DATE", "GENDER",
		"ADDRESS_LINE_1", "ADDRESS_LINE_2", "CITY", "POSTCODE", "PHONE", "ACTIVE")

	encounterSchema = schema("ENCOUNTER", "v1",
		"ENCOUNTER_ID", "PERSON_ID", "ENCOUNTER_TYPE", "ARRIVE_DT_TM", "DEPART_DT_TM", "STATUS",
		"LOCATION", "REASON", "ATTENDING_PERSONNEL_ID")

	problemV1 = schema("PROBLEM", "v1",
		"PROBLEM_ID", "PERSON_ID", "CODE_SYSTEM", "CODE", "DESCRIPTION", "ONSET_DATE", "STATUS",
		"CONFIRMATION", "UPDATE_DT_TM", "COMMENTS")
	problemV2 = schema("PROBLEM", "v2",
		"PROBLEM_ID", "PERSON_ID", "CODE_SYSTEM", "CODE", "DESCRIPTION", "ONSET_DATE", "STATUS",
		"CONFIRMATION", "UPDATE_DT_TM", "COMMENTS", "SEVERITY", "RESOLVED_DATE")

	diagnosisSchema = schema("DIAGNOSIS", "v1",
		"DIAGNOSIS_ID", "ENCOUNTER_ID", "CODE_SYSTEM", "CODE", "DESCRIPTION", "DIAGNOSIS_DT_TM",
		"TYPE", "PERSONNEL_ID")
)

type importer struct {
	deps        kit.Deps
	encounters  *linkage.Cache[string, string]
	problems    *linkage.BuilderCache[string, *clinical.Condition]
	problemRows map[string]csvsource.Provenance
}

// NewPipeline returns the Homerton pipeline for one batch.
func NewPipeline(_ context.Context, deps kit.Deps) (*batch.Pipeline, error) {
	im := &importer{
		deps:        deps,
		encounters:  linkage.New[string, string]("homerton encounters"),
		problems:    linkage.NewBuilders[string, *clinical.Condition]("homerton problems"),
		problemRows: make(map[string]csvsource.Provenance),
	}
	return &batch.Pipeline{
		Source: Source,
		Filer:  deps.Filer,
		Logger: deps.Logger,
		Stages: []batch.Stage{
			{Name: "ENCOUNTER", Pattern: "ENCOUNTER*.csv", Schemas: []csvsource.Schema{encounterSchema}, Pre: true, Optional: true, Transform: im.preEncounter},
			{Name: "PATIENT", Pattern: "PATIENT*.csv", Schemas: []csvsource.Schema{patientSchema}, Gate: true, Transform: im.patient},
			{Name: "ENCOUNTER", Pattern: "ENCOUNTER*.csv", Schemas: []csvsource.Schema{encounterSchema}, Optional: true, Transform: im.encounter},
			{Name: "PROBLEM", Pattern: "PROBLEM*.csv", Schemas: []csvsource.Schema{problemV1, problemV2}, Optional: true, Transform: im.problem},
			{Name: "DIAGNOSIS", Pattern: "DIAGNOSIS*.csv", Schemas: []csvsource.Schema{diagnosisSchema}, Optional: true, Transform: im.diagnosis},
		},
		Finishers: []batch.Finisher{
			{Name: "problems", Run: im.drainProblems},
			{Name: "encounters", Run: im.drainEncounters},
		},
	}, nil
}

func id(parts ...string) string { return fhir.SourceID(Source, parts...) }
