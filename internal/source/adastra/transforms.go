package adastra

import (
	"context"
	"strconv"
	"strings"

	"github.com/ehr/ingest/internal/domain/admin"
	"github.com/ehr/ingest/internal/domain/clinical"
	"github.com/ehr/ingest/internal/domain/encounter"
	"github.com/ehr/ingest/internal/domain/episodeofcare"
	"github.com/ehr/ingest/internal/domain/identity"
	"github.com/ehr/ingest/internal/domain/medication"
	"github.com/ehr/ingest/internal/platform/batch"
	"github.com/ehr/ingest/internal/platform/csvsource"
	"github.com/ehr/ingest/internal/platform/fhir"
	"github.com/ehr/ingest/internal/platform/terminology"
	"github.com/ehr/ingest/internal/source/kit"
)

// ---------------------------------------------------------------------------
// Pre passes
// ---------------------------------------------------------------------------

func (im *importer) preCase(_ context.Context, row *csvsource.Row) error {
	if err := kit.Required(row, "CaseRef"); err != nil {
		return err
	}
	start, err := row.Get("StartDateTime").DateTimePtr()
	if err != nil {
		return err
	}
	return im.cases.Publish(row.Get("CaseRef").String(), caseFact{
		PatientRef:  row.Get("PatientRef").String(),
		ProviderRef: row.Get("ProviderRef").String(),
		CaseNo:      row.Get("CaseNo").String(),
		Start:       start,
		Prov:        row.Provenance(),
	})
}

func (im *importer) preConsultation(_ context.Context, row *csvsource.Row) error {
	if err := kit.Required(row, "CaseRef", "ConsultationRef"); err != nil {
		return err
	}
	start, err := row.Get("StartDateTime").DateTimePtr()
	if err != nil {
		return err
	}
	key := kit.Key(row.Get("CaseRef").String(), row.Get("ConsultationRef").String())
	return im.consultations.Publish(key, consultationFact{Start: start, UserRef: row.Get("UserRef").String()})
}

// ---------------------------------------------------------------------------
// Reference files
// ---------------------------------------------------------------------------

func (im *importer) provider(ctx context.Context, row *csvsource.Row) error {
	if err := kit.Required(row, "ProviderRef"); err != nil {
		return err
	}
	ref := row.Get("ProviderRef").String()
	org := &admin.Organization{
		ID:         id(ref),
		Source:     Source,
		LocalID:    ref,
		Name:       row.Get("Name").String(),
		ODSCode:    row.Get("ODSCode").StringPtr(),
		PostalCode: row.Get("Postcode").StringPtr(),
		TypeCode:   kit.Str("prov"),
		Active:     true,
	}
	return im.deps.Filer.Save(ctx, row.Provenance(), org)
}

func (im *importer) user(ctx context.Context, row *csvsource.Row) error {
	if err := kit.Required(row, "UserRef"); err != nil {
		return err
	}
	ref := row.Get("UserRef").String()
	p := &identity.Practitioner{
		ID:        id(ref),
		Source:    Source,
		LocalID:   ref,
		Title:     row.Get("Title").StringPtr(),
		FirstName: row.Get("Forename").StringPtr(),
		LastName:  row.Get("Surname").StringPtr(),
		FullName:  row.Get("FullName").StringPtr(),
		GMCCode:   row.Get("GMCCode").StringPtr(),
		Active:    true,
	}
	if org := kit.IDPtr(Source, row.Get("ProviderRef")); org != nil {
		p.AddRole(identity.PractitionerRole{ID: kit.Key(ref, row.Get("ProviderRef").String()), Display: "Out of hours clinician", OrganizationID: org})
	}
	if err := im.deps.Filer.Save(ctx, row.Provenance(), p); err != nil {
		return err
	}
	return im.users.Publish(ref, p.ID)
}

func (im *importer) patient(ctx context.Context, row *csvsource.Row) error {
	if err := kit.Required(row, "PatientRef"); err != nil {
		return err
	}
	ref := row.Get("PatientRef").String()
	birth, err := row.Get("DateOfBirth").DatePtr()
	if err != nil {
		return err
	}
	p := &identity.Patient{
		ID:               id(ref),
		Source:           Source,
		LocalID:          ref,
		NHSNumber:        kit.Str(strings.ReplaceAll(row.Get("NHSNumber").String(), " ", "")),
		Title:            row.Get("Title").StringPtr(),
		FirstName:        row.Get("Forename").StringPtr(),
		LastName:         row.Get("Surname").StringPtr(),
		BirthDate:        birth,
		AddressLines:     kit.Lines(row, "Address1", "Address2", "Address3"),
		City:             row.Get("Town").StringPtr(),
		PostalCode:       row.Get("Postcode").StringPtr(),
		PhoneHome:        row.Get("Phone").StringPtr(),
		RegistrationType: row.Get("RegistrationType").StringPtr(),
		Active:           true,
	}
	if g := row.Get("Gender"); !g.IsEmpty() {
		if gender, ok := identity.ParseGender(g.String()); ok {
			p.Gender = &gender
		} else {
			im.deps.Filer.LogRowWarning(g.Provenance(), "unrecognised gender %q", g.String())
		}
	}
	return im.deps.Filer.Save(ctx, row.Provenance(), p)
}

// ---------------------------------------------------------------------------
// Cases
// ---------------------------------------------------------------------------

func (im *importer) caseRecord(ctx context.Context, row *csvsource.Row) error {
	if err := kit.Required(row, "CaseRef", "PatientRef"); err != nil {
		return err
	}
	ref := row.Get("CaseRef").String()
	start, err := row.Get("StartDateTime").DateTimePtr()
	if err != nil {
		return err
	}
	end, err := row.Get("EndDateTime").DateTimePtr()
	if err != nil {
		return err
	}
	patientID := id(row.Get("PatientRef").String())
	provider := kit.IDPtr(Source, row.Get("ProviderRef"))

	eoc := &episodeofcare.EpisodeOfCare{
		ID:            id(ref),
		Source:        Source,
		SourceKey:     ref,
		PatientID:     patientID,
		ManagingOrgID: provider,
		TypeText:      kit.Str("Out of hours case"),
		PeriodStart:   start,
		PeriodEnd:     end,
	}
	if no := row.Get("CaseNo").String(); no != "" {
		eoc.TypeText = kit.Str("Out of hours case " + no)
	}
	if err := im.deps.Filer.Save(ctx, row.Provenance(), eoc); err != nil {
		return err
	}

	enc, err := im.caseEncounter.Borrow(ref, func() *encounter.Encounter {
		return &encounter.Encounter{ID: id(ref), Source: Source, SourceKey: ref}
	})
	if err != nil {
		return err
	}
	enc.ClassCode = encounter.ClassEmergency
	enc.TypeDisplay = kit.Str("Out of hours case")
	enc.PatientID = patientID
	enc.EpisodeOfCareID = &eoc.ID
	enc.ServiceProviderID = provider
	enc.PeriodStart, enc.PeriodEnd = start, end
	enc.Status = statusFor(end != nil)
	enc.Priority = row.Get("Priority").StringPtr()
	enc.LocationText = row.Get("Location").StringPtr()
	enc.AdmitSource = row.Get("ArrivalMethod").StringPtr()
	im.caseRows[ref] = row.Provenance()
	return im.caseEncounter.Return(ref, enc)
}

func (im *importer) outcome(_ context.Context, row *csvsource.Row) error {
	if err := kit.Required(row, "CaseRef", "OutcomeName"); err != nil {
		return err
	}
	ref := row.Get("CaseRef").String()
	if !im.caseEncounter.Peek(ref) {
		return batch.Skip("case %s not in batch", ref)
	}
	im.cases.Resolve(ref)
	enc, err := im.caseEncounter.Borrow(ref, nil)
	if err != nil {
		return err
	}
	enc.AddOutcome(encounter.Outcome{Code: row.Get("OutcomeCode").String(), Display: row.Get("OutcomeName").String()})
	return im.caseEncounter.Return(ref, enc)
}

// ---------------------------------------------------------------------------
// Consultation contents
// ---------------------------------------------------------------------------

// caseFor resolves the case of a row, skipping the row when it is unknown.
func (im *importer) caseFor(row *csvsource.Row) (caseFact, error) {
	ref := row.Get("CaseRef").String()
	cf, ok := im.cases.Resolve(ref)
	if !ok {
		return caseFact{}, batch.Skip("case %s not in batch", ref)
	}
	if cf.PatientRef == "" {
		return caseFact{}, batch.Skip("case %s has no patient", ref)
	}
	return cf, nil
}

func (im *importer) consultationFor(row *csvsource.Row, key string) consultationFact {
	cf, ok := im.consultations.Resolve(key)
	if !ok {
		im.deps.Filer.LogRowWarning(row.Provenance(), "consultation %s not in batch", key)
	}
	return cf
}

func (im *importer) link(key string, prov csvsource.Provenance, ref fhir.Reference) error {
	if im.linked.Update(key, func(l linkedResources) linkedResources {
		l.Refs = append(l.Refs, ref)
		return l
	}) {
		return nil
	}
	return im.linked.Publish(key, linkedResources{Refs: []fhir.Reference{ref}, Prov: prov})
}

func (im *importer) clinicalCode(ctx context.Context, row *csvsource.Row) error {
	if err := kit.Required(row, "CaseRef", "ConsultationRef", "ClinicalCode"); err != nil {
		return err
	}
	cf, err := im.caseFor(row)
	if err != nil {
		return err
	}
	caseRef, consRef, code := row.Get("CaseRef").String(), row.Get("ConsultationRef").String(), row.Get("ClinicalCode").String()
	key := kit.Key(caseRef, consRef)
	cons := im.consultationFor(row, key)

	term := row.Get("Term").String()
	codings, err := kit.Translate(ctx, im.deps, row,
		fhir.Coding{System: terminology.SystemRead2, Code: code, Display: term}, terminology.SystemSNOMED)
	if err != nil {
		return err
	}
	encID := id(caseRef, consRef)
	obs := &clinical.Observation{
		ID:          id(caseRef, consRef, code),
		Source:      Source,
		SourceKey:   kit.Key(caseRef, consRef, code),
		Status:      "final",
		Codings:     codings,
		CodeText:    kit.Str(term),
		PatientID:   id(cf.PatientRef),
		EncounterID: &encID,
		Effective:   cons.Start,
	}
	if err := im.deps.Filer.Save(ctx, row.Provenance(), obs); err != nil {
		return err
	}
	return im.link(key, row.Provenance(), fhir.Ref("Observation", obs.ID))
}

func (im *importer) prescription(ctx context.Context, row *csvsource.Row) error {
	if err := kit.Required(row, "CaseRef", "ConsultationRef", "DrugName"); err != nil {
		return err
	}
	cf, err := im.caseFor(row)
	if err != nil {
		return err
	}
	caseRef, consRef := row.Get("CaseRef").String(), row.Get("ConsultationRef").String()
	key := kit.Key(caseRef, consRef)
	cons := im.consultationFor(row, key)

	encID := id(caseRef, consRef)
	drug := row.Get("DrugName").String()
	if prep := row.Get("Preparation").String(); prep != "" {
		drug += " " + prep
	}
	// The extract has no prescription ref; the drug identifies the row within
	// its consultation, with a repeat count for the same drug issued twice.
	parts := []string{caseRef, consRef, row.Get("DMDCode").String()}
	if parts[2] == "" {
		parts[2] = drug
	}
	dup := kit.Key(parts...)
	im.rxSeen[dup]++
	if n := im.rxSeen[dup]; n > 1 {
		parts = append(parts, strconv.Itoa(n))
	}
	med := &medication.MedicationStatement{
		ID:          id(parts...),
		Source:      Source,
		SourceKey:   kit.Key(parts...),
		Status:      "completed",
		DrugName:    &drug,
		PatientID:   id(cf.PatientRef),
		EncounterID: &encID,
		Effective:   cons.Start,
		Dosage:      row.Get("Dosage").StringPtr(),
		Quantity:    row.Get("Quantity").StringPtr(),
	}
	if dmd := row.Get("DMDCode").String(); dmd != "" {
		med.Codings = []fhir.Coding{{System: terminology.SystemDMD, Code: dmd, Display: drug}}
	}
	if cons.UserRef != "" {
		if pid, ok := im.users.Resolve(cons.UserRef); ok {
			med.PrescriberID = &pid
		}
	}
	if err := im.deps.Filer.Save(ctx, row.Provenance(), med); err != nil {
		return err
	}
	return im.link(key, row.Provenance(), fhir.Ref("MedicationStatement", med.ID))
}

func (im *importer) note(ctx context.Context, row *csvsource.Row) error {
	if err := kit.Required(row, "CaseRef", "NoteRef", "NoteText"); err != nil {
		return err
	}
	cf, err := im.caseFor(row)
	if err != nil {
		return err
	}
	caseRef := row.Get("CaseRef").String()
	when, err := row.Get("ReviewDateTime").DateTimePtr()
	if err != nil {
		return err
	}
	encID := id(caseRef)
	obs := &clinical.Observation{
		ID:          id(caseRef, "note", row.Get("NoteRef").String()),
		Source:      Source,
		SourceKey:   kit.Key(caseRef, "note", row.Get("NoteRef").String()),
		Status:      "final",
		Category:    clinical.CategoryNotes,
		CodeText:    kit.Str("Clinical note"),
		PatientID:   id(cf.PatientRef),
		EncounterID: &encID,
		Effective:   when,
		Note:        kit.Str(row.Get("NoteText").String()),
	}
	if u := row.Get("UserRef").String(); u != "" {
		if pid, ok := im.users.Resolve(u); ok {
			obs.PerformerID = &pid
		} else {
			im.deps.Filer.LogRowWarning(row.Provenance(), "user %s not in batch", u)
		}
	}
	return im.deps.Filer.Save(ctx, row.Provenance(), obs)
}

// ---------------------------------------------------------------------------
// Consultations
// ---------------------------------------------------------------------------

func (im *importer) consultation(ctx context.Context, row *csvsource.Row) error {
	if err := kit.Required(row, "CaseRef", "ConsultationRef"); err != nil {
		return err
	}
	cf, err := im.caseFor(row)
	if err != nil {
		return err
	}
	caseRef, consRef := row.Get("CaseRef").String(), row.Get("ConsultationRef").String()
	start, err := row.Get("StartDateTime").DateTimePtr()
	if err != nil {
		return err
	}
	end, err := row.Get("EndDateTime").DateTimePtr()
	if err != nil {
		return err
	}

	caseEnc := id(caseRef)
	ctype := row.Get("ConsultationType").String()
	enc := &encounter.Encounter{
		ID:              id(caseRef, consRef),
		Source:          Source,
		SourceKey:       kit.Key(caseRef, consRef),
		Status:          statusFor(end != nil),
		ClassCode:       consultationClass(ctype),
		TypeDisplay:     kit.Str(ctype),
		PatientID:       id(cf.PatientRef),
		EpisodeOfCareID: &caseEnc,
		PartOfID:        &caseEnc,
		PeriodStart:     start,
		PeriodEnd:       end,
		LocationText:    row.Get("Location").StringPtr(),
		ReasonText:      row.Get("Assessment").StringPtr(),
	}
	if cf.ProviderRef != "" {
		enc.ServiceProviderID = kit.Str(id(cf.ProviderRef))
	}
	if u := row.Get("UserRef").String(); u != "" {
		if pid, ok := im.users.Resolve(u); ok {
			enc.AddParticipant("PPRF", pid)
		} else {
			im.deps.Filer.LogRowWarning(row.Provenance(), "user %s not in batch", u)
		}
	}
	if l, ok := im.linked.Take(enc.SourceKey); ok {
		enc.Link(l.Refs...)
	}
	return im.deps.Filer.Save(ctx, row.Provenance(), enc)
}

func consultationClass(kind string) string {
	k := strings.ToLower(kind)
	switch {
	case strings.Contains(k, "home"), strings.Contains(k, "visit"):
		return encounter.ClassHome
	case strings.Contains(k, "phone"), strings.Contains(k, "video"), strings.Contains(k, "online"):
		return encounter.ClassVirtual
	}
	return encounter.ClassAmbulatory
}

func statusFor(ended bool) string {
	if ended {
		return "finished"
	}
	return "in-progress"
}

// ---------------------------------------------------------------------------
// Finishers
// ---------------------------------------------------------------------------

func (im *importer) drainCaseEncounters(ctx context.Context) error {
	entries, err := im.caseEncounter.DrainRemaining()
	if err != nil {
		return err
	}
	for _, e := range entries {
		if err := im.deps.Filer.Save(ctx, im.caseRows[e.Key], e.Builder); err != nil {
			return err
		}
	}
	return nil
}

func (im *importer) drainLinked(context.Context) error {
	for _, e := range im.linked.DrainRemaining() {
		im.deps.Filer.LogRowWarning(e.Value.Prov, "consultation %s not in batch, %d linked resources unattached", e.Key, len(e.Value.Refs))
	}
	return nil
}

// drainConsultations empties the consultation facts. Most consultations have
// no coded rows, so unclaimed ones are only counted.
func (im *importer) drainConsultations(context.Context) error {
	var unclaimed int
	for _, e := range im.consultations.DrainRemaining() {
		if !e.Claimed {
			unclaimed++
		}
	}
	im.deps.Logger.Debug().Int("consultations_without_linked_rows", unclaimed).Msg("consultation facts drained")
	return nil
}

func (im *importer) drainUsers(context.Context) error {
	var unclaimed int
	for _, e := range im.users.DrainRemaining() {
		if !e.Claimed {
			unclaimed++
		}
	}
	im.deps.Logger.Debug().Int("users_not_referenced", unclaimed).Msg("user facts drained")
	return nil
}

func (im *importer) drainCases(context.Context) error {
	for _, e := range im.cases.DrainRemaining() {
		if !e.Claimed {
			im.deps.Filer.LogRowWarning(e.Value.Prov, "case %s not referenced by any other file", e.Key)
		}
	}
	return nil
}
