// Package bhrut transforms Barking, Havering and Redbridge acute trust extracts.
package bhrut

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

const Source = "bhrut"

func schema(file, version string, cols ...string) csvsource.Schema {
	return csvsource.Schema{File: file, Version: version, Columns: cols, HasHeader: true}
}

var (
	pmiSchema = schema("PMI", "v1",
		"PAS_ID", "NHS_NUMBER", "FORENAME", "SURNAME", "BIRTH_DTTM", "DEATH_DTTM", "GENDER_CODE",
		"ADDRESS1", "ADDRESS2", "ADDRESS3", "ADDRESS4", "POSTCODE", "HOME_PHONE", "MOBILE_PHONE",
		"ETHNIC_CODE", "REGISTERED_GP_PRACTICE_CODE")

	spellsSchema = schema("SPELLS", "v1",
		"ID", "PAS_ID", "ADMISSION_DTTM", "DISCHARGE_DTTM", "ADMISSION_METHOD", "ADMISSION_SOURCE",
		"DISCHARGE_DESTINATION", "ADMISSION_WARD", "PATIENT_CLASS", "HOSPITAL_CODE")

	episodesSchema = schema("EPISODES", "v1",
		"ID", "SPELL_ID", "PAS_ID", "EPISODE_START_DTTM", "EPISODE_END_DTTM", "CONSULTANT_CODE",
		"SPECIALTY", "PRIMARY_DIAGNOSIS_CODE", "PRIMARY_DIAGNOSIS", "SECONDARY_DIAGNOSIS_CODE")

	outpatientsSchema = schema("OUTPATIENTS", "v1",
		"ID", "PAS_ID", "APPOINTMENT_DTTM", "APPT_STATUS", "CLINIC_CODE", "CONSULTANT_CODE",
		"SPECIALTY", "OUTCOME", "HOSPITAL_CODE")
)

// spellFact is what the SPELLS pre pass leaves for episodes.
type spellFact struct {
	PatientRef string
	Admitted   *time.Time
	Prov       csvsource.Provenance
}

type importer struct {
	deps      kit.Deps
	spells    *linkage.Cache[string, spellFact]
	spellEnc  *linkage.BuilderCache[string, *encounter.Encounter]
	spellRows map[string]csvsource.Provenance
}

// NewPipeline returns the BHRUT pipeline for one batch.
func NewPipeline(_ context.Context, deps kit.Deps) (*batch.Pipeline, error) {
	im := &importer{
		deps:      deps,
		spells:    linkage.New[string, spellFact]("bhrut spells"),
		spellEnc:  linkage.NewBuilders[string, *encounter.Encounter]("bhrut spell encounters"),
		spellRows: make(map[string]csvsource.Provenance),
	}
	return &batch.Pipeline{
		Source: Source,
		Filer:  deps.Filer,
		Logger: deps.Logger,
		Stages: []batch.Stage{
			{Name: "SPELLS", Pattern: "*SPELLS*.csv", Schemas: []csvsource.Schema{spellsSchema}, Pre: true, Optional: true, Transform: im.preSpell},
			{Name: "PMI", Pattern: "*PMI*.csv", Schemas: []csvsource.Schema{pmiSchema}, Gate: true, Transform: im.patient},
			{Name: "SPELLS", Pattern: "*SPELLS*.csv", Schemas: []csvsource.Schema{spellsSchema}, Optional: true, Transform: im.spell},
			{Name: "EPISODES", Pattern: "*EPISODES*.csv", Schemas: []csvsource.Schema{episodesSchema}, Optional: true, Transform: im.episode},
			{Name: "OUTPATIENTS", Pattern: "*OUTPATIENTS*.csv", Schemas: []csvsource.Schema{outpatientsSchema}, Optional: true, Transform: im.outpatient},
		},
		Finishers: []batch.Finisher{
			{Name: "spell encounters", Run: im.drainSpells},
			{Name: "unclaimed spells", Run: im.drainSpellFacts},
		},
	}, nil
}

func id(parts ...string) string { return fhir.SourceID(Source, parts...) }
