package tpp

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/ehr/ingest/internal/domain/admin"
	"github.com/ehr/ingest/internal/domain/clinical"
	"github.com/ehr/ingest/internal/domain/encounter"
	"github.com/ehr/ingest/internal/domain/episodeofcare"
	"github.com/ehr/ingest/internal/domain/identity"
	"github.com/ehr/ingest/internal/platform/batch"
	"github.com/ehr/ingest/internal/platform/csvsource"
	"github.com/ehr/ingest/internal/platform/fhir"
	"github.com/ehr/ingest/internal/platform/memo"
	"github.com/ehr/ingest/internal/platform/terminology"
	"github.com/ehr/ingest/internal/source/kit"
)

// ---------------------------------------------------------------------------
// Pre passes
// ---------------------------------------------------------------------------

func (im *importer) preStaffProfile(_ context.Context, row *csvsource.Row) error {
	if err := kit.Required(row, "RowIdentifier", "IDStaffMember"); err != nil {
		return err
	}
	member := row.Get("IDStaffMember").String()
	if _, seen := im.memberRows[member]; !seen {
		im.memberRows[member] = row.Provenance()
	}
	return im.staff.Add(StaffProfile{
		ProfileID:      row.Get("RowIdentifier").String(),
		StaffMemberID:  member,
		OrganisationID: row.Get("IDOrganisation").String(),
		Role:           row.Get("StaffRole").String(),
	})
}

// preCode loads the translation and hierarchy memos for every distinct code on
// the pool, so the SRCode main pass reads them from memory.
func (im *importer) preCode(_ context.Context, row *csvsource.Row) error {
	code := row.Get("CTV3Code").String()
	if code == "" || im.deps.Translator == nil {
		return nil
	}
	if _, ok := im.warmed[code]; ok {
		return nil
	}
	im.warmed[code] = struct{}{}
	tr := im.deps.Translator
	im.pool.Submit(func(ctx context.Context) error {
		_, err := tr.Translate(ctx, terminology.SystemCTV3, code, terminology.SystemSNOMED)
		if err == nil || errors.Is(err, terminology.ErrNotFound) {
			_, err = classify(ctx, tr, code)
		}
		if err != nil && !errors.Is(err, terminology.ErrNotFound) {
			im.deps.Logger.Warn().Err(err).Str("code", code).Msg("terminology warm-up failed")
		}
		return nil
	})
	return nil
}

func (im *importer) waitWarm(context.Context) error {
	err := im.pool.Wait()
	st := im.pool.Stats()
	im.deps.Logger.Debug().Int64("codes", st.Completed).Msg("terminology warm-up done")
	return err
}

// ---------------------------------------------------------------------------
// Reference files
// ---------------------------------------------------------------------------

func (im *importer) organisation(ctx context.Context, row *csvsource.Row) error {
	if err := kit.Required(row, "RowIdentifier", "OrganisationName"); err != nil {
		return err
	}
	ref := row.Get("RowIdentifier").String()
	street := strings.TrimSpace(row.Get("HouseNumber").String() + " " + row.Get("NameOfRoad").String())
	org := &admin.Organization{
		ID:           id(ref),
		Source:       Source,
		LocalID:      ref,
		Name:         row.Get("OrganisationName").String(),
		ODSCode:      row.Get("ID").StringPtr(),
		AddressLines: append(kit.Lines(row, "HouseName"), nonEmpty(street)...),
		City:         row.Get("NameOfTown").StringPtr(),
		PostalCode:   row.Get("FullPostcode").StringPtr(),
		Phone:        row.Get("Telephone").StringPtr(),
		Active:       !row.Get("MadeObsolete").BoolOr(false),
	}
	return im.deps.Filer.Save(ctx, row.Provenance(), org)
}

func (im *importer) staffMember(ctx context.Context, row *csvsource.Row) error {
	if err := kit.Required(row, "RowIdentifier"); err != nil {
		return err
	}
	ref := row.Get("RowIdentifier").String()
	p := &identity.Practitioner{
		ID:        id(ref),
		Source:    Source,
		LocalID:   ref,
		FullName:  row.Get("StaffName").StringPtr(),
		SDSUserID: row.Get("IDSmartCard").StringPtr(),
		Active:    !row.Get("Obsolete").BoolOr(false),
	}
	if strings.EqualFold(row.Get("NationalIdType").String(), "GMC") {
		p.GMCCode = row.Get("IDNational").StringPtr()
	}
	if profiles, ok := im.staff.byMember.Take(ref); ok {
		addRoles(p, profiles)
	}
	return im.deps.Filer.Save(ctx, row.Provenance(), p)
}

func addRoles(p *identity.Practitioner, profiles []StaffProfile) {
	for _, pr := range profiles {
		role := identity.PractitionerRole{ID: pr.ProfileID, Display: pr.Role}
		if pr.OrganisationID != "" {
			org := id(pr.OrganisationID)
			role.OrganizationID = &org
		}
		p.AddRole(role)
	}
}

// practitioner resolves the staff member behind the profile in column. An
// unknown profile is a warning and yields ok false.
func (im *importer) practitioner(ctx context.Context, row *csvsource.Row, column string) (string, bool, error) {
	cell := row.Get(column)
	if cell.IsEmpty() {
		return "", false, nil
	}
	p, err := im.staff.ResolveProfile(ctx, cell.String())
	if errors.Is(err, memo.ErrNotFound) {
		im.deps.Filer.LogRowWarning(cell.Provenance(), "unknown staff profile %s", cell.String())
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return id(p.StaffMemberID), true, nil
}

// ---------------------------------------------------------------------------
// Patients and registrations
// ---------------------------------------------------------------------------

func (im *importer) patient(ctx context.Context, row *csvsource.Row) error {
	if err := kit.Required(row, "RowIdentifier"); err != nil {
		return err
	}
	ref := row.Get("RowIdentifier").String()
	if row.Get("TestPatient").BoolOr(false) {
		return batch.Skip("patient %s is a test patient", ref)
	}
	birth, err := row.Get("DateBirth").DatePtr()
	if err != nil {
		return err
	}
	death, err := row.Get("DateDeath").DatePtr()
	if err != nil {
		return err
	}
	p := &identity.Patient{
		ID:         id(ref),
		Source:     Source,
		LocalID:    ref,
		NHSNumber:  row.Get("NHSNumber").StringPtr(),
		Title:      row.Get("Title").StringPtr(),
		FirstName:  row.Get("FirstName").StringPtr(),
		MiddleName: row.Get("MiddleNames").StringPtr(),
		LastName:   row.Get("Surname").StringPtr(),
		BirthDate:  birth,
		DeathDate:  death,
		Email:      row.Get("EmailAddress").StringPtr(),
		EthnicCode: row.Get("EthnicCategory").StringPtr(),
		PracticeID: kit.IDPtr(Source, row.Get("IDOrganisationVisibleTo")),
		Active:     death == nil,
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

func (im *importer) registration(ctx context.Context, row *csvsource.Row) error {
	if err := kit.Required(row, "RowIdentifier", "IDPatient"); err != nil {
		return err
	}
	ref := row.Get("RowIdentifier").String()
	start, err := row.Get("DateRegistration").DatePtr()
	if err != nil {
		return err
	}
	end, err := row.Get("DateDeregistration").DatePtr()
	if err != nil {
		return err
	}
	reg := episodeofcare.ClassifyRegistration(row.Get("RegistrationStatus").String())
	eoc := &episodeofcare.EpisodeOfCare{
		ID:               id(ref),
		Source:           Source,
		SourceKey:        ref,
		Status:           episodeofcare.StatusFor(start, end, time.Now()),
		PatientID:        id(row.Get("IDPatient").String()),
		ManagingOrgID:    kit.IDPtr(Source, row.Get("IDOrganisation")),
		Registration:     &reg,
		RegistrationText: row.Get("RegistrationStatus").StringPtr(),
		PeriodStart:      start,
		PeriodEnd:        end,
	}
	gp, ok, err := im.practitioner(ctx, row, "IDProfileRegisteredGP")
	if err != nil {
		return err
	}
	if ok {
		eoc.CareManagerID = &gp
	}
	return im.deps.Filer.Save(ctx, row.Provenance(), eoc)
}

// ---------------------------------------------------------------------------
// Events
// ---------------------------------------------------------------------------

func (im *importer) event(ctx context.Context, row *csvsource.Row) error {
	if err := kit.Required(row, "RowIdentifier", "IDPatient"); err != nil {
		return err
	}
	ref := row.Get("RowIdentifier").String()
	when, err := row.Get("DateEvent").DateTimePtr()
	if err != nil {
		return err
	}
	method := row.Get("ContactMethod").String()
	enc := &encounter.Encounter{
		ID:                id(ref),
		Source:            Source,
		SourceKey:         ref,
		Status:            "finished",
		ClassCode:         contactClass(method),
		TypeDisplay:       kit.Str(method),
		PatientID:         id(row.Get("IDPatient").String()),
		ServiceProviderID: kit.IDPtr(Source, row.Get("IDOrganisation")),
		PeriodStart:       when,
		LocationText:      row.Get("ContactEventLocation").StringPtr(),
	}
	for _, part := range []struct{ column, typeCode string }{
		{"IDDoneBy", "PPRF"},
		{"IDProfileEnteredBy", "PART"},
	} {
		pid, ok, err := im.practitioner(ctx, row, part.column)
		if err != nil {
			return err
		}
		if ok {
			enc.AddParticipant(part.typeCode, pid)
		}
	}
	if err := im.deps.Filer.Save(ctx, row.Provenance(), enc); err != nil {
		return err
	}
	return im.events.Publish(ref, eventFact{PatientID: enc.PatientID, Date: when})
}

func contactClass(method string) string {
	m := strings.ToLower(method)
	switch {
	case strings.Contains(m, "home"):
		return encounter.ClassHome
	case strings.Contains(m, "telephone"), strings.Contains(m, "video"), strings.Contains(m, "online"):
		return encounter.ClassVirtual
	}
	return encounter.ClassAmbulatory
}

// ---------------------------------------------------------------------------
// Problems and codes
// ---------------------------------------------------------------------------

func (im *importer) borrowProblem(problemID string, prov csvsource.Provenance, patientID string) (*clinical.Condition, error) {
	return im.problems.Borrow(problemID, func() *clinical.Condition {
		im.problemRows[problemID] = prov
		return &clinical.Condition{
			ID:         id(problemID),
			Source:     Source,
			SourceKey:  problemID,
			Category:   clinical.CategoryProblemList,
			PatientID:  patientID,
			UpdateOnly: true,
		}
	})
}

func (im *importer) problem(ctx context.Context, row *csvsource.Row) error {
	if err := kit.Required(row, "RowIdentifier", "IDPatient"); err != nil {
		return err
	}
	ref := row.Get("RowIdentifier").String()
	onset, err := row.Get("DateEvent").DatePtr()
	if err != nil {
		return err
	}
	end, err := row.Get("DateEnd").DatePtr()
	if err != nil {
		return err
	}
	recorder, hasRecorder, err := im.practitioner(ctx, row, "IDProfileEnteredBy")
	if err != nil {
		return err
	}

	c, err := im.borrowProblem(ref, row.Provenance(), id(row.Get("IDPatient").String()))
	if err != nil {
		return err
	}
	c.Merge(&clinical.Condition{
		Onset:       onset,
		Abatement:   end,
		Severity:    row.Get("Severity").StringPtr(),
		EncounterID: kit.IDPtr(Source, row.Get("IDEvent")),
		RecorderID:  strIf(recorder, hasRecorder),
	})
	c.UpdateOnly = false
	return im.problems.Return(ref, c)
}

func (im *importer) code(ctx context.Context, row *csvsource.Row) error {
	if err := kit.Required(row, "RowIdentifier", "IDPatient", "CTV3Code"); err != nil {
		return err
	}
	ref, code := row.Get("RowIdentifier").String(), row.Get("CTV3Code").String()
	patientID := id(row.Get("IDPatient").String())
	when, err := row.Get("DateEvent").DateTimePtr()
	if err != nil {
		return err
	}
	recorded, err := row.Get("DateEventRecorded").DateTimePtr()
	if err != nil {
		return err
	}
	eventID := kit.IDPtr(Source, row.Get("IDEvent"))
	if when == nil && eventID != nil {
		if ev, ok := im.events.Resolve(row.Get("IDEvent").String()); ok {
			when = ev.Date
		}
	}
	performer, hasPerformer, err := im.practitioner(ctx, row, "IDDoneBy")
	if err != nil {
		return err
	}

	text := row.Get("CTV3Text").String()
	codings, err := kit.Translate(ctx, im.deps, row,
		fhir.Coding{System: terminology.SystemCTV3, Code: code, Display: text}, terminology.SystemSNOMED)
	if err != nil {
		return err
	}

	if problemID := row.Get("IDProblem").String(); problemID != "" {
		c, err := im.borrowProblem(problemID, row.Provenance(), patientID)
		if err != nil {
			return err
		}
		for _, cd := range codings {
			c.AddCoding(cd)
		}
		c.Merge(&clinical.Condition{
			CodeText:    kit.Str(text),
			Onset:       when,
			Recorded:    recorded,
			EncounterID: eventID,
			RecorderID:  strIf(performer, hasPerformer),
			UpdateOnly:  true,
		})
		return im.problems.Return(problemID, c)
	}

	kind, err := classify(ctx, im.deps.Translator, code)
	if err != nil {
		return err
	}
	if kind.condition {
		return im.deps.Filer.Save(ctx, row.Provenance(), &clinical.Condition{
			ID:          id(ref),
			Source:      Source,
			SourceKey:   ref,
			Category:    kind.category,
			Codings:     codings,
			CodeText:    kit.Str(text),
			PatientID:   patientID,
			EncounterID: eventID,
			RecorderID:  strIf(performer, hasPerformer),
			Onset:       when,
			Recorded:    recorded,
		})
	}

	obs := &clinical.Observation{
		ID:          id(ref),
		Source:      Source,
		SourceKey:   ref,
		Status:      "final",
		Category:    kind.category,
		Codings:     codings,
		CodeText:    kit.Str(text),
		PatientID:   patientID,
		EncounterID: eventID,
		PerformerID: strIf(performer, hasPerformer),
		Effective:   when,
		Issued:      recorded,
	}
	if v := row.Get("NumericValue"); !v.IsEmpty() {
		f, err := v.Float()
		if err != nil {
			return err
		}
		unit := row.Get("NumericUnit").String()
		obs.Value = &fhir.Quantity{Value: f, Unit: unit}
		if obs.Category == clinical.CategoryExam {
			obs.Category = clinical.CategoryVitalSigns
		}
	}
	return im.deps.Filer.Save(ctx, row.Provenance(), obs)
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
			im.deps.Filer.LogRowWarning(prov, "problem %s has no SRProblem record in this batch", e.Key)
		}
		if err := im.deps.Filer.Save(ctx, prov, e.Builder); err != nil {
			return err
		}
	}
	return nil
}

// drainProfiles writes a minimal practitioner for every staff member whose
// profiles arrived without an SRStaffMember row.
func (im *importer) drainProfiles(ctx context.Context) error {
	for _, e := range im.staff.byMember.DrainRemaining() {
		p := &identity.Practitioner{ID: id(e.Key), Source: Source, LocalID: e.Key, Active: true}
		addRoles(p, e.Value)
		if err := im.deps.Filer.Save(ctx, im.memberRows[e.Key], p); err != nil {
			return err
		}
	}
	return nil
}

// drainEvents empties the event facts. Events without coded rows are normal,
// so unclaimed ones are only counted.
func (im *importer) drainEvents(context.Context) error {
	var unclaimed int
	for _, e := range im.events.DrainRemaining() {
		if !e.Claimed {
			unclaimed++
		}
	}
	im.deps.Logger.Debug().Int("events_without_codes", unclaimed).Msg("event facts drained")
	return nil
}

func nonEmpty(s string) []string {
	if s == "" {
		return nil
	}
	return []string{s}
}

func strIf(s string, ok bool) *string {
	if !ok {
		return nil
	}
	return &s
}
