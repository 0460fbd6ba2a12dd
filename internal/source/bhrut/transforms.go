package bhrut

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

func spellID(ref string) string      { return id("spell", ref) }
func episodeID(ref string) string    { return id("episode", ref) }
func outpatientID(ref string) string { return id("op", ref) }

func (im *importer) preSpell(_ context.Context, row *csvsource.Row) error {
	if err := kit.Required(row, "ID", "PAS_ID"); err != nil {
		return err
	}
	admitted, err := row.Get("ADMISSION_DTTM").DateTimePtr()
	if err != nil {
		return err
	}
	return im.spells.Publish(row.Get("ID").String(), spellFact{
		PatientRef: row.Get("PAS_ID").String(),
		Admitted:   admitted,
		Prov:       row.Provenance(),
	})
}

func (im *importer) patient(ctx context.Context, row *csvsource.Row) error {
	if err := kit.Required(row, "PAS_ID"); err != nil {
		return err
	}
	ref := row.Get("PAS_ID").String()
	birth, err := row.Get("BIRTH_DTTM").DatePtr()
	if err != nil {
		return err
	}
	death, err := row.Get("DEATH_DTTM").DatePtr()
	if err != nil {
		return err
	}
	p := &identity.Patient{
		ID:           id(ref),
		Source:       Source,
		LocalID:      ref,
		NHSNumber:    row.Get("NHS_NUMBER").StringPtr(),
		FirstName:    row.Get("FORENAME").StringPtr(),
		LastName:     row.Get("SURNAME").StringPtr(),
		BirthDate:    birth,
		DeathDate:    death,
		AddressLines: kit.Lines(row, "ADDRESS1", "ADDRESS2", "ADDRESS3"),
		City:         row.Get("ADDRESS4").StringPtr(),
		PostalCode:   row.Get("POSTCODE").StringPtr(),
		PhoneHome:    row.Get("HOME_PHONE").StringPtr(),
		PhoneMobile:  row.Get("MOBILE_PHONE").StringPtr(),
		EthnicCode:   row.Get("ETHNIC_CODE").StringPtr(),
		PracticeID:   kit.IDPtr(Source, row.Get("REGISTERED_GP_PRACTICE_CODE")),
		Active:       death == nil,
	}
	if g := row.Get("GENDER_CODE"); !g.IsEmpty() {
		if gender, ok := identity.ParseGender(g.String()); ok {
			p.Gender = &gender
		} else {
			im.deps.Filer.LogRowWarning(g.Provenance(), "unrecognised gender %q", g.String())
		}
	}
	return im.deps.Filer.Save(ctx, row.Provenance(), p)
}

// ---------------------------------------------------------------------------
// Inpatients
// ---------------------------------------------------------------------------

func (im *importer) spell(_ context.Context, row *csvsource.Row) error {
	if err := kit.Required(row, "ID", "PAS_ID"); err != nil {
		return err
	}
	ref := row.Get("ID").String()
	admitted, err := row.Get("ADMISSION_DTTM").DateTimePtr()
	if err != nil {
		return err
	}
	discharged, err := row.Get("DISCHARGE_DTTM").DateTimePtr()
	if err != nil {
		return err
	}
	enc, err := im.spellEnc.Borrow(ref, func() *encounter.Encounter {
		return &encounter.Encounter{ID: spellID(ref), Source: Source, SourceKey: ref}
	})
	if err != nil {
		return err
	}
	enc.ClassCode = encounter.ClassInpatient
	enc.Status = "in-progress"
	if discharged != nil {
		enc.Status = "finished"
	}
	enc.PatientID = id(row.Get("PAS_ID").String())
	enc.PeriodStart, enc.PeriodEnd = admitted, discharged
	enc.TypeDisplay = row.Get("ADMISSION_METHOD").StringPtr()
	enc.AdmitSource = row.Get("ADMISSION_SOURCE").StringPtr()
	enc.DischargeDisposition = row.Get("DISCHARGE_DESTINATION").StringPtr()
	enc.LocationText = row.Get("ADMISSION_WARD").StringPtr()
	enc.ServiceProviderID = kit.IDPtr(Source, row.Get("HOSPITAL_CODE"))
	im.spellRows[ref] = row.Provenance()
	return im.spellEnc.Return(ref, enc)
}

func (im *importer) episode(ctx context.Context, row *csvsource.Row) error {
	if err := kit.Required(row, "ID", "SPELL_ID"); err != nil {
		return err
	}
	ref, spellRef := row.Get("ID").String(), row.Get("SPELL_ID").String()
	sf, ok := im.spells.Resolve(spellRef)
	if !ok {
		return batch.Skip("spell %s not in batch", spellRef)
	}
	start, err := row.Get("EPISODE_START_DTTM").DateTimePtr()
	if err != nil {
		return err
	}
	end, err := row.Get("EPISODE_END_DTTM").DateTimePtr()
	if err != nil {
		return err
	}
	if start == nil {
		start = sf.Admitted
	}
	patientID := id(sf.PatientRef)
	parent := spellID(spellRef)
	enc := &encounter.Encounter{
		ID:          episodeID(ref),
		Source:      Source,
		SourceKey:   kit.Key(spellRef, ref),
		Status:      "in-progress",
		ClassCode:   encounter.ClassInpatient,
		TypeDisplay: row.Get("SPECIALTY").StringPtr(),
		PatientID:   patientID,
		PartOfID:    &parent,
		PeriodStart: start,
		PeriodEnd:   end,
	}
	if end != nil {
		enc.Status = "finished"
	}
	consultant := row.Get("CONSULTANT_CODE").String()
	if consultant != "" {
		enc.AddParticipant("ATND", id(consultant))
	}

	type diagnosis struct {
		id  string
		use string
	}
	resources := []fhir.Resource{enc}
	var diagnoses []diagnosis
	for _, d := range []struct{ code, text, use string }{
		{"PRIMARY_DIAGNOSIS_CODE", "PRIMARY_DIAGNOSIS", "DD"},
		{"SECONDARY_DIAGNOSIS_CODE", "", "CM"},
	} {
		code := strings.TrimSpace(row.Get(d.code).String())
		if code == "" {
			continue
		}
		var text string
		if d.text != "" {
			text = row.Get(d.text).String()
		}
		codings, err := kit.Translate(ctx, im.deps, row,
			fhir.Coding{System: terminology.SystemICD10, Code: code, Display: text}, terminology.SystemSNOMED)
		if err != nil {
			return err
		}
		c := &clinical.Condition{
			ID:                 id("episode", ref, code),
			Source:             Source,
			SourceKey:          kit.Key(spellRef, ref, code),
			Category:           clinical.CategoryDiagnosis,
			Codings:            codings,
			CodeText:           kit.Str(text),
			VerificationStatus: "confirmed",
			PatientID:          patientID,
			EncounterID:        &enc.ID,
			Onset:              start,
			Recorded:           end,
		}
		enc.AddDiagnosis(c.ID, d.use)
		diagnoses = append(diagnoses, diagnosis{c.ID, d.use})
		resources = append(resources, c)
	}
	if err := im.deps.Filer.Save(ctx, row.Provenance(), resources...); err != nil {
		return err
	}

	if !im.spellEnc.Peek(spellRef) {
		im.deps.Filer.LogRowWarning(row.Provenance(), "spell %s has no encounter to update", spellRef)
		return nil
	}
	spell, err := im.spellEnc.Borrow(spellRef, nil)
	if err != nil {
		return err
	}
	for _, d := range diagnoses {
		spell.AddDiagnosis(d.id, d.use)
	}
	if consultant != "" {
		spell.AddParticipant("ATND", id(consultant))
	}
	return im.spellEnc.Return(spellRef, spell)
}

// ---------------------------------------------------------------------------
// Outpatients
// ---------------------------------------------------------------------------

// attendanceStatus maps an outpatient appointment status to an encounter
// status. dna is true when the patient did not attend.
func attendanceStatus(raw string) (status string, dna bool) {
	s := strings.ToLower(strings.TrimSpace(raw))
	switch {
	case s == "":
		return "unknown", false
	case s == "dna" || strings.Contains(s, "did not attend") || strings.Contains(s, "not attended"):
		return "cancelled", true
	case strings.Contains(s, "cancel"):
		return "cancelled", false
	case strings.Contains(s, "attended") || s == "seen" || strings.Contains(s, "discharged"):
		return "finished", false
	case strings.Contains(s, "arrived") || strings.Contains(s, "waiting"):
		return "arrived", false
	case strings.Contains(s, "booked") || strings.Contains(s, "scheduled"):
		return "planned", false
	}
	return "unknown", false
}

func (im *importer) outpatient(ctx context.Context, row *csvsource.Row) error {
	if err := kit.Required(row, "ID", "PAS_ID"); err != nil {
		return err
	}
	ref := row.Get("ID").String()
	when, err := row.Get("APPOINTMENT_DTTM").DateTimePtr()
	if err != nil {
		return err
	}
	status, dna := attendanceStatus(row.Get("APPT_STATUS").String())
	if status == "unknown" && !row.Get("APPT_STATUS").IsEmpty() {
		im.deps.Filer.LogRowWarning(row.Get("APPT_STATUS").Provenance(), "unrecognised appointment status %q", row.Get("APPT_STATUS").String())
	}
	enc := &encounter.Encounter{
		ID:                outpatientID(ref),
		Source:            Source,
		SourceKey:         ref,
		Status:            status,
		ClassCode:         encounter.ClassAmbulatory,
		TypeDisplay:       row.Get("SPECIALTY").StringPtr(),
		PatientID:         id(row.Get("PAS_ID").String()),
		ServiceProviderID: kit.IDPtr(Source, row.Get("HOSPITAL_CODE")),
		PeriodStart:       when,
		LocationText:      row.Get("CLINIC_CODE").StringPtr(),
	}
	if c := row.Get("CONSULTANT_CODE").String(); c != "" {
		enc.AddParticipant("PPRF", id(c))
	}
	if dna {
		enc.AddOutcome(encounter.Outcome{Code: "DNA", Display: "Did not attend"})
	}
	if o := row.Get("OUTCOME").String(); o != "" {
		enc.AddOutcome(encounter.Outcome{Display: o})
	}
	return im.deps.Filer.Save(ctx, row.Provenance(), enc)
}

// ---------------------------------------------------------------------------
// Finishers
// ---------------------------------------------------------------------------

func (im *importer) drainSpells(ctx context.Context) error {
	entries, err := im.spellEnc.DrainRemaining()
	if err != nil {
		return err
	}
	for _, e := range entries {
		if err := im.deps.Filer.Save(ctx, im.spellRows[e.Key], e.Builder); err != nil {
			return err
		}
	}
	return nil
}

func (im *importer) drainSpellFacts(context.Context) error {
	for _, e := range im.spells.DrainRemaining() {
		if !e.Claimed {
			im.deps.Filer.LogRowWarning(e.Value.Prov, "spell %s has no episodes", e.Key)
		}
	}
	return nil
}
