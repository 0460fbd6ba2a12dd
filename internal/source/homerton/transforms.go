package homerton

import (
	"context"
	"strings"

	"github.com/ehr/ingest/internal/domain/clinical"
	"github.com/ehr/ingest/internal/domain/encounter"
	"github.com/ehr/ingest/internal/domain/identity"
	"github.com/ehr/ingest/internal/platform/batch"
	"github.com/ehr/ingest/internal/platform/csvsource"
	"github.com/ehr/ingest/internal/platform/fhir"
	"github.com/ehr/ingest/internal/platform/terminology"
	"github.com/ehr/ingest/internal/source/kit"
)

func (im *importer) preEncounter(_ context.Context, row *csvsource.Row) error {
	if err := kit.Required(row, "ENCOUNTER_ID", "PERSON_ID"); err != nil {
		return err
	}
	return im.encounters.Publish(row.Get("ENCOUNTER_ID").String(), row.Get("PERSON_ID").String())
}

func (im *importer) patient(ctx context.Context, row *csvsource.Row) error {
	if err := kit.Required(row, "PERSON_ID"); err != nil {
		return err
	}
	ref := row.Get("PERSON_ID").String()
	birth, err := row.Get("DATE_OF_BIRTH").DatePtr()
	if err != nil {
		return err
	}
	death, err := row.Get("DECEASED_DATE").DatePtr()
	if err != nil {
		return err
	}
	p := &identity.Patient{
		ID:           id(ref),
		Source:       Source,
		LocalID:      ref,
		NHSNumber:    row.Get("NHS_NUMBER").StringPtr(),
		FirstName:    row.Get("FIRST_NAME").StringPtr(),
		LastName:     row.Get("LAST_NAME").StringPtr(),
		BirthDate:    birth,
		DeathDate:    death,
		AddressLines: kit.Lines(row, "ADDRESS_LINE_1", "ADDRESS_LINE_2"),
		City:         row.Get("CITY").StringPtr(),
		PostalCode:   row.Get("POSTCODE").StringPtr(),
		PhoneHome:    row.Get("PHONE").StringPtr(),
		Active:       row.Get("ACTIVE").BoolOr(true) && death == nil,
	}
	if g := row.Get("GENDER"); !g.IsEmpty() {
		if gender, ok := identity.ParseGender(g.String()); ok {
			p.Gender = &gender
		} else {
			im.deps.Filer.LogRowWarning(g.Provenance(), "unrecognised gender %q", g.String())
		}
	}
	return im.deps.Filer.Save(ctx, row.Provenance(), p)
}

// encounterClass maps the Millennium encounter type to an encounter class.
func encounterClass(kind string) string {
	k := strings.ToLower(kind)
	switch {
	case strings.Contains(k, "emergency"), strings.Contains(k, "a&e"):
		return encounter.ClassEmergency
	case strings.Contains(k, "inpatient"), strings.Contains(k, "day case"), strings.Contains(k, "maternity"):
		return encounter.ClassInpatient
	case strings.Contains(k, "community"), strings.Contains(k, "home"):
		return encounter.ClassHome
	case strings.Contains(k, "telephone"), strings.Contains(k, "virtual"):
		return encounter.ClassVirtual
	}
	return encounter.ClassAmbulatory
}

func (im *importer) encounter(ctx context.Context, row *csvsource.Row) error {
	if err := kit.Required(row, "ENCOUNTER_ID", "PERSON_ID"); err != nil {
		return err
	}
	ref := row.Get("ENCOUNTER_ID").String()
	arrive, err := row.Get("ARRIVE_DT_TM").DateTimePtr()
	if err != nil {
		return err
	}
	depart, err := row.Get("DEPART_DT_TM").DateTimePtr()
	if err != nil {
		return err
	}
	status := strings.ToLower(row.Get("STATUS").String())
	switch {
	case status == "discharged" || status == "complete" || depart != nil:
		status = "finished"
	case status == "cancelled":
	case status == "active" || status == "arrived":
		status = "in-progress"
	case status == "pending" || status == "preadmit":
		status = "planned"
	default:
		status = "unknown"
	}
	enc := &encounter.Encounter{
		ID:           id(ref),
		Source:       Source,
		SourceKey:    ref,
		Status:       status,
		ClassCode:    encounterClass(row.Get("ENCOUNTER_TYPE").String()),
		TypeDisplay:  row.Get("ENCOUNTER_TYPE").StringPtr(),
		PatientID:    id(row.Get("PERSON_ID").String()),
		PeriodStart:  arrive,
		PeriodEnd:    depart,
		LocationText: row.Get("LOCATION").StringPtr(),
		ReasonText:   row.Get("REASON").StringPtr(),
	}
	if p := row.Get("ATTENDING_PERSONNEL_ID").String(); p != "" {
		enc.AddParticipant("ATND", id(p))
	}
	return im.deps.Filer.Save(ctx, row.Provenance(), enc)
}

// ---------------------------------------------------------------------------
// Coded records
// ---------------------------------------------------------------------------

// codings turns a Millennium code and vocabulary into codings, adding a SNOMED
// translation for non-SNOMED vocabularies.
func (im *importer) codings(ctx context.Context, row *csvsource.Row) ([]fhir.Coding, error) {
	code := row.Get("CODE").String()
	if code == "" {
		return nil, nil
	}
	text := row.Get("DESCRIPTION").String()
	vocab := strings.ToUpper(strings.ReplaceAll(row.Get("CODE_SYSTEM").String(), " ", ""))
	switch {
	case strings.HasPrefix(vocab, "SNOMED"):
		return []fhir.Coding{{System: terminology.SystemSNOMED, Code: code, Display: text}}, nil
	case strings.HasPrefix(vocab, "ICD10") || strings.HasPrefix(vocab, "ICD-10"):
		return kit.Translate(ctx, im.deps, row, fhir.Coding{System: terminology.SystemICD10, Code: code, Display: text}, terminology.SystemSNOMED)
	case strings.HasPrefix(vocab, "OPCS"):
		return []fhir.Coding{{System: terminology.SystemOPCS4, Code: code, Display: text}}, nil
	}
	im.deps.Filer.LogRowWarning(row.Get("CODE_SYSTEM").Provenance(), "unknown code system %q", row.Get("CODE_SYSTEM").String())
	return nil, nil
}

func clinicalStatus(raw string) string {
	switch s := strings.ToLower(raw); s {
	case "active", "inactive", "resolved", "recurrence", "relapse", "remission":
		return s
	case "canceled", "cancelled":
		return "inactive"
	}
	return ""
}

func verificationStatus(raw string) string {
	switch s := strings.ToLower(raw); {
	case s == "confirmed":
		return "confirmed"
	case s == "provisional" || s == "possible" || s == "probable":
		return "provisional"
	case s == "differential":
		return "differential"
	case strings.Contains(s, "ruled out") || s == "refuted":
		return "refuted"
	}
	return ""
}

// problem folds one delta row into the problem's builder. A row without a code
// is update-only; fields it carries replace older values, gaps are filled
// from what the batch already holds.
func (im *importer) problem(ctx context.Context, row *csvsource.Row) error {
	if err := kit.Required(row, "PROBLEM_ID", "PERSON_ID"); err != nil {
		return err
	}
	ref := row.Get("PROBLEM_ID").String()
	onset, err := row.Get("ONSET_DATE").DatePtr()
	if err != nil {
		return err
	}
	updated, err := row.Get("UPDATE_DT_TM").DateTimePtr()
	if err != nil {
		return err
	}
	resolved, err := row.Get("RESOLVED_DATE").DatePtr()
	if err != nil {
		return err
	}
	codings, err := im.codings(ctx, row)
	if err != nil {
		return err
	}

	piece := &clinical.Condition{
		ID:                 id(ref),
		Source:             Source,
		SourceKey:          ref,
		Category:           clinical.CategoryProblemList,
		Codings:            codings,
		CodeText:           row.Get("DESCRIPTION").StringPtr(),
		ClinicalStatus:     clinicalStatus(row.Get("STATUS").String()),
		VerificationStatus: verificationStatus(row.Get("CONFIRMATION").String()),
		Severity:           row.Get("SEVERITY").StringPtr(),
		PatientID:          id(row.Get("PERSON_ID").String()),
		Onset:              onset,
		Abatement:          resolved,
		Recorded:           updated,
		Notes:              kit.Lines(row, "COMMENTS"),
		UpdateOnly:         len(codings) == 0,
	}
	held, err := im.problems.Borrow(ref, func() *clinical.Condition {
		im.problemRows[ref] = row.Provenance()
		return nil
	})
	if err != nil {
		return err
	}
	if held != nil {
		piece.Merge(held)
	}
	return im.problems.Return(ref, piece)
}

func (im *importer) diagnosis(ctx context.Context, row *csvsource.Row) error {
	if err := kit.Required(row, "DIAGNOSIS_ID", "ENCOUNTER_ID"); err != nil {
		return err
	}
	ref, encRef := row.Get("DIAGNOSIS_ID").String(), row.Get("ENCOUNTER_ID").String()
	person, ok := im.encounters.Resolve(encRef)
	if !ok {
		return batch.Skip("encounter %s not in batch", encRef)
	}
	when, err := row.Get("DIAGNOSIS_DT_TM").DateTimePtr()
	if err != nil {
		return err
	}
	codings, err := im.codings(ctx, row)
	if err != nil {
		return err
	}
	if len(codings) == 0 && row.Get("DESCRIPTION").IsEmpty() {
		return batch.Skip("diagnosis %s has no code or description", ref)
	}
	encID := id(encRef)
	c := &clinical.Condition{
		ID:          id("dx", ref),
		Source:      Source,
		SourceKey:   ref,
		Category:    clinical.CategoryDiagnosis,
		Codings:     codings,
		CodeText:    row.Get("DESCRIPTION").StringPtr(),
		PatientID:   id(person),
		EncounterID: &encID,
		RecorderID:  kit.IDPtr(Source, row.Get("PERSONNEL_ID")),
		Onset:       when,
		Recorded:    when,
	}
	if t := strings.ToLower(row.Get("TYPE").String()); strings.Contains(t, "working") || strings.Contains(t, "provisional") {
		c.VerificationStatus = "provisional"
	}
	return im.deps.Filer.Save(ctx, row.Provenance(), c)
}

// ---------------------------------------------------------------------------
// Finishers
// ---------------------------------------------------------------------------

func (im *importer) drainProblems(ctx context.Context) error {
	entries, err := im.problems.DrainRemaining()
	if err != nil {
		return err
	}
	for _, e := range entries {
		prov := im.problemRows[e.Key]
		if e.Builder.UpdateOnly {
			im.deps.Filer.LogRowWarning(prov, "problem %s has only update rows and no code", e.Key)
		}
		if err := im.deps.Filer.Save(ctx, prov, e.Builder); err != nil {
			return err
		}
	}
	return nil
}

// drainEncounters empties the encounter facts. Encounters without diagnoses
// are normal, so unclaimed ones are only counted.
func (im *importer) drainEncounters(context.Context) error {
	var unclaimed int
	for _, e := range im.encounters.DrainRemaining() {
		if !e.Claimed {
			unclaimed++
		}
	}
	im.deps.Logger.Debug().Int("encounters_without_diagnoses", unclaimed).Msg("encounter facts drained")
	return nil
}
