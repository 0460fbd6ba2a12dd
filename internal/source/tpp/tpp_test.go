package tpp

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/ingest/internal/domain/clinical"
	"github.com/ehr/ingest/internal/domain/encounter"
	"github.com/ehr/ingest/internal/domain/episodeofcare"
	"github.com/ehr/ingest/internal/domain/identity"
	"github.com/ehr/ingest/internal/platform/batch"
	"github.com/ehr/ingest/internal/platform/filer"
	"github.com/ehr/ingest/internal/platform/memo"
	"github.com/ehr/ingest/internal/platform/terminology"
	"github.com/ehr/ingest/internal/source/kit"
)

const (
	profileHeader  = "RowIdentifier,IDStaffMember,IDOrganisation,StaffRole,DateEmploymentStart,DateEmploymentEnd\n"
	staffHeader    = "RowIdentifier,StaffName,NationalIdType,IDNational,IDSmartCard,Obsolete\n"
	orgHeader      = "RowIdentifier,OrganisationName,ID,MadeObsolete,HouseName,HouseNumber,NameOfRoad,NameOfTown,FullPostcode,Telephone\n"
	patientHeader  = "RowIdentifier,IDOrganisationVisibleTo,NHSNumber,Title,FirstName,MiddleNames,Surname,Gender,DateBirth,DateDeath,EmailAddress,TestPatient,EthnicCategory\n"
	regHeader      = "RowIdentifier,IDPatient,IDOrganisation,DateRegistration,DateDeregistration,RegistrationStatus,IDProfileRegisteredGP\n"
	eventHeader    = "RowIdentifier,IDPatient,IDOrganisation,DateEvent,DateEventRecorded,IDProfileEnteredBy,IDDoneBy,ContactEventLocation,ContactMethod\n"
	problemHeader  = "RowIdentifier,IDPatient,IDEvent,DateEvent,DateEnd,Severity,IDProfileEnteredBy\n"
	codeHeaderV2   = "RowIdentifier,IDPatient,IDEvent,DateEvent,DateEventRecorded,IDProfileEnteredBy,IDDoneBy,CTV3Code,CTV3Text,NumericValue,NumericUnit,IDProblem\n"
	patientRowJane = "P1,O1,9434765919,Ms,Jane,,Doe,F,1970-01-01,,,N,A\n"
)

var fullBatch = map[string]string{
	"SRStaffMemberProfile.csv":  profileHeader + "PR1,S1,O1,GP,2020-01-01,\nPR2,S2,O1,Nurse,2020-01-01,\n",
	"SRStaffMember.csv":         staffHeader + "S1,Dr Who,GMC,1234567,SC1,N\n",
	"SROrganisation.csv":        orgHeader + "O1,Riverside Surgery,F84001,N,,12,High Street,London,E1 1AA,020 7946 0001\n",
	"SRPatient.csv":             patientHeader + patientRowJane + "P9,O1,,,,,,,,,,Y,\n",
	"SRPatientRegistration.csv": regHeader + "R1,P1,O1,2010-01-01,,GMS,PR1\n",
	"SREvent.csv":               eventHeader + "E1,P1,O1,2024-01-05 10:00:00,2024-01-05 10:30:00,PR1,PR1,Surgery,Face to face\n",
	"SRProblem.csv":             problemHeader + "PB1,P1,E1,2023-06-01,,Moderate,PR1\n",
	"SRCode.csv": codeHeaderV2 +
		"C1,P1,E1,2024-01-05 10:00:00,2024-01-05 10:30:00,PR1,PR1,H33..,Asthma,,,PB1\n" +
		"C2,P1,E1,2024-01-05 10:00:00,,PR1,PR1,246..,O/E - blood pressure,120,mmHg,\n" +
		"C3,P1,E1,,,PR1,PR1,XaBcd,Extension disorder,,,\n" +
		"C4,P1,E1,2024-01-05 10:00:00,,PR1,PR1,H33..,Asthma,,,PB7\n",
}

func writeBatch(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0644); err != nil {
			t.Fatalf("failed to write %s: %v", name, err)
		}
	}
	return dir
}

func newTerminology() *terminology.MemoryStore {
	terms := terminology.NewMemoryStore()
	terms.AddMapping(terminology.SystemCTV3, "H33..", terminology.Concept{
		System: terminology.SystemSNOMED, Code: "195967001", Display: "Asthma",
	})
	terms.AddParent(terminology.SystemCTV3, "XaBcd", "Xa001")
	terms.AddParent(terminology.SystemCTV3, "Xa001", "G30..")
	return terms
}

type run struct {
	store  *filer.MemoryStore
	deps   kit.Deps
	issues []filer.Issue
}

func runBatch(t *testing.T, staff StaffStore, files map[string]string) (run, error) {
	t.Helper()
	store := filer.NewMemoryStore()
	deps := kit.Deps{
		Filer:      filer.New(store, uuid.New(), Source, zerolog.Nop()),
		Translator: terminology.NewTranslator(newTerminology(), zerolog.Nop()),
		Logger:     zerolog.Nop(),
		Workers:    4,
	}
	p, err := NewFactory(staff)(context.Background(), deps)
	if err != nil {
		t.Fatalf("NewFactory failed: %v", err)
	}
	_, err = p.Run(context.Background(), batch.NewBatch(Source, writeBatch(t, files)))
	return run{store: store, deps: deps, issues: deps.Filer.Issues()}, err
}

func hasIssue(issues []filer.Issue, substr string) bool {
	for _, is := range issues {
		if strings.Contains(is.Message, substr) {
			return true
		}
	}
	return false
}

// ---------------------------------------------------------------------------
// Full batch
// ---------------------------------------------------------------------------

func TestPipeline_Problems(t *testing.T) {
	r, err := runBatch(t, NewMemoryStaffStore(), fullBatch)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	res, ok := r.store.Get("Condition", "tpp-PB1")
	if !ok {
		t.Fatal("expected problem PB1")
	}
	c := res.(*clinical.Condition)
	if c.UpdateOnly {
		t.Error("expected PB1 to be a full record")
	}
	if len(c.Codings) != 2 || c.Codings[0].Code != "H33.." || c.Codings[1].Code != "195967001" {
		t.Errorf("expected CTV3 and SNOMED codings, got %+v", c.Codings)
	}
	if c.Onset == nil || c.Onset.Format("2006-01-02") != "2023-06-01" {
		t.Errorf("expected onset from SRProblem, got %v", c.Onset)
	}
	if c.RecorderID == nil || *c.RecorderID != "tpp-S1" {
		t.Errorf("RecorderID = %v, want tpp-S1", c.RecorderID)
	}
	if c.Category != clinical.CategoryProblemList {
		t.Errorf("Category = %v, want %v", c.Category, clinical.CategoryProblemList)
	}

	res, ok = r.store.Get("Condition", "tpp-PB7")
	if !ok {
		t.Fatal("expected update-only problem PB7 to be persisted")
	}
	if !res.(*clinical.Condition).UpdateOnly {
		t.Error("expected PB7 marked update-only")
	}
	if !hasIssue(r.issues, "problem PB7 has no SRProblem record") {
		t.Errorf("expected update-only warning, got %+v", r.issues)
	}
}

func TestPipeline_CodesByChapter(t *testing.T) {
	r, err := runBatch(t, NewMemoryStaffStore(), fullBatch)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	res, ok := r.store.Get("Observation", "tpp-C2")
	if !ok {
		t.Fatal("expected observation C2")
	}
	obs := res.(*clinical.Observation)
	if obs.Category != clinical.CategoryVitalSigns {
		t.Errorf("Category = %v, want %v", obs.Category, clinical.CategoryVitalSigns)
	}
	if obs.Value == nil || obs.Value.Value != 120 || obs.Value.Unit != "mmHg" {
		t.Errorf("unexpected value %+v", obs.Value)
	}
	if !hasIssue(r.issues, "no "+terminology.SystemSNOMED+" translation for 246..") {
		t.Errorf("expected translation warning for 246.., got %+v", r.issues)
	}

	res, ok = r.store.Get("Condition", "tpp-C3")
	if !ok {
		t.Fatal("expected extension code XaBcd to be placed as a condition via its ancestors")
	}
	c := res.(*clinical.Condition)
	if c.Category != clinical.CategoryDiagnosis {
		t.Errorf("Category = %v, want %v", c.Category, clinical.CategoryDiagnosis)
	}
	if c.Onset == nil || c.Onset.Format("2006-01-02") != "2024-01-05" {
		t.Errorf("expected onset from the event, got %v", c.Onset)
	}

	_, hierarchy := r.deps.Translator.Stats()
	if hierarchy.Loads != 3 {
		t.Errorf("expected 3 hierarchy loads (warmed once), got %d", hierarchy.Loads)
	}
	if hierarchy.Hits == 0 {
		t.Error("expected the main pass to hit the warmed hierarchy")
	}
}

func TestPipeline_StaffAndRegistration(t *testing.T) {
	staff := NewMemoryStaffStore()
	r, err := runBatch(t, staff, fullBatch)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	res, ok := r.store.Get("Practitioner", "tpp-S1")
	if !ok {
		t.Fatal("expected practitioner S1")
	}
	p := res.(*identity.Practitioner)
	if p.GMCCode == nil || *p.GMCCode != "1234567" {
		t.Errorf("GMCCode = %v, want 1234567", p.GMCCode)
	}
	if len(p.Roles) != 1 || p.Roles[0].OrganizationID == nil || *p.Roles[0].OrganizationID != "tpp-O1" {
		t.Errorf("expected role at tpp-O1, got %+v", p.Roles)
	}

	res, ok = r.store.Get("Practitioner", "tpp-S2")
	if !ok {
		t.Fatal("expected minimal practitioner for untaken profile S2")
	}
	if roles := res.(*identity.Practitioner).Roles; len(roles) != 1 || roles[0].Display != "Nurse" {
		t.Errorf("unexpected roles %+v", roles)
	}

	res, ok = r.store.Get("EpisodeOfCare", "tpp-R1")
	if !ok {
		t.Fatal("expected registration R1")
	}
	eoc := res.(*episodeofcare.EpisodeOfCare)
	if eoc.Registration == nil || *eoc.Registration != episodeofcare.RegistrationRegular {
		t.Errorf("Registration = %v, want regular", eoc.Registration)
	}
	if eoc.Status != "active" {
		t.Errorf("Status = %v, want active", eoc.Status)
	}
	if eoc.CareManagerID == nil || *eoc.CareManagerID != "tpp-S1" {
		t.Errorf("CareManagerID = %v, want tpp-S1", eoc.CareManagerID)
	}

	res, ok = r.store.Get("Encounter", "tpp-E1")
	if !ok {
		t.Fatal("expected event E1")
	}
	if parts := res.(*encounter.Encounter).Participants; len(parts) != 2 {
		t.Errorf("expected performer and enterer, got %+v", parts)
	}

	if _, err := staff.Lookup(context.Background(), "PR2"); err != nil {
		t.Errorf("expected profiles saved to the staff store, got %v", err)
	}
}

func TestPipeline_TestPatientSkipped(t *testing.T) {
	r, err := runBatch(t, NewMemoryStaffStore(), fullBatch)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if _, ok := r.store.Get("Patient", "tpp-P9"); ok {
		t.Error("expected test patient to be skipped")
	}
	res, ok := r.store.Get("Patient", "tpp-P1")
	if !ok {
		t.Fatal("expected patient P1")
	}
	p := res.(*identity.Patient)
	if p.Gender == nil || *p.Gender != "female" {
		t.Errorf("Gender = %v, want female", p.Gender)
	}
	if p.EthnicCode == nil || *p.EthnicCode != "A" {
		t.Errorf("expected ethnic category from the v2 header, got %v", p.EthnicCode)
	}
	if r.deps.Filer.ErrorCount() != 0 {
		t.Errorf("expected no errors, got %+v", r.deps.Filer.Errors())
	}
}

// ---------------------------------------------------------------------------
// Cross-batch staff resolution
// ---------------------------------------------------------------------------

func TestPipeline_ProfilesFromEarlierBatch(t *testing.T) {
	staff := NewMemoryStaffStore()
	if _, err := runBatch(t, staff, fullBatch); err != nil {
		t.Fatalf("first batch failed: %v", err)
	}

	r, err := runBatch(t, staff, map[string]string{
		"SRPatient.csv": patientHeader + patientRowJane,
		"SREvent.csv": eventHeader +
			"E2,P1,O1,2024-02-01 09:00:00,,PR99,PR1,Surgery,Telephone\n",
	})
	if err != nil {
		t.Fatalf("second batch failed: %v", err)
	}
	res, ok := r.store.Get("Encounter", "tpp-E2")
	if !ok {
		t.Fatal("expected event E2")
	}
	enc := res.(*encounter.Encounter)
	if len(enc.Participants) != 1 || enc.Participants[0].PractitionerID != "tpp-S1" {
		t.Errorf("expected performer resolved from the staff store, got %+v", enc.Participants)
	}
	if enc.ClassCode != encounter.ClassVirtual {
		t.Errorf("ClassCode = %v, want %v", enc.ClassCode, encounter.ClassVirtual)
	}
	if !hasIssue(r.issues, "unknown staff profile PR99") {
		t.Errorf("expected unknown profile warning, got %+v", r.issues)
	}
}

func TestPipeline_DrainsEventFacts(t *testing.T) {
	files := map[string]string{}
	for k, v := range fullBatch {
		files[k] = v
	}
	files["SREvent.csv"] = eventHeader +
		"E1,P1,O1,2024-01-05 10:00:00,2024-01-05 10:30:00,PR1,PR1,Surgery,Face to face\n" +
		"E2,P1,O1,2024-01-06 10:00:00,,PR1,PR1,Surgery,Telephone\n"

	var logs bytes.Buffer
	store := filer.NewMemoryStore()
	deps := kit.Deps{
		Filer:      filer.New(store, uuid.New(), Source, zerolog.Nop()),
		Translator: terminology.NewTranslator(newTerminology(), zerolog.Nop()),
		Logger:     zerolog.New(&logs).Level(zerolog.DebugLevel),
		Workers:    2,
	}
	p, err := NewFactory(NewMemoryStaffStore())(context.Background(), deps)
	if err != nil {
		t.Fatalf("NewFactory failed: %v", err)
	}
	if _, err := p.Run(context.Background(), batch.NewBatch(Source, writeBatch(t, files))); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if !strings.Contains(logs.String(), `"events_without_codes":1`) {
		t.Errorf("expected E2 counted as an event without codes, got %s", logs.String())
	}
	if store.Count("Encounter") != 2 {
		t.Errorf("expected 2 encounters, got %d", store.Count("Encounter"))
	}
}

func TestPipeline_PatientGate(t *testing.T) {
	files := map[string]string{
		"SRPatient.csv": patientHeader + "P1,O1,,,,,,F,01/01/1970,,,N,\n",
		"SRCode.csv":    fullBatch["SRCode.csv"],
	}
	r, err := runBatch(t, NewMemoryStaffStore(), files)
	if !errors.Is(err, batch.ErrBatchAborted) {
		t.Fatalf("expected ErrBatchAborted, got %v", err)
	}
	if r.store.Count("Observation") != 0 || r.store.Count("Condition") != 0 {
		t.Error("expected no stage after SRPatient to run")
	}
}

// ---------------------------------------------------------------------------
// Staff cache
// ---------------------------------------------------------------------------

type countingStaffStore struct {
	*MemoryStaffStore
	lookups int
}

func (s *countingStaffStore) Lookup(ctx context.Context, profileID string) (StaffProfile, error) {
	s.lookups++
	return s.MemoryStaffStore.Lookup(ctx, profileID)
}

func TestStaffCache_NegativeCachesUnknownProfiles(t *testing.T) {
	store := &countingStaffStore{MemoryStaffStore: NewMemoryStaffStore()}
	sc := newStaffCache(store, zerolog.Nop())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := sc.ResolveProfile(ctx, "PRX"); !errors.Is(err, memo.ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	}
	if store.lookups != 1 {
		t.Errorf("expected 1 store lookup, got %d", store.lookups)
	}

	if err := sc.Add(StaffProfile{ProfileID: "PR1", StaffMemberID: "S1"}); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	p, err := sc.ResolveProfile(ctx, "PR1")
	if err != nil || p.StaffMemberID != "S1" {
		t.Errorf("expected batch profile, got %+v err=%v", p, err)
	}
	if store.lookups != 1 {
		t.Errorf("expected batch profiles to bypass the store, got %d lookups", store.lookups)
	}
}

// ---------------------------------------------------------------------------
// Classification
// ---------------------------------------------------------------------------

func TestChapterKind(t *testing.T) {
	tests := []struct {
		code      string
		condition bool
		category  string
		ok        bool
	}{
		{"H33..", true, clinical.CategoryDiagnosis, true},
		{"246..", false, clinical.CategoryExam, true},
		{"44J3.", false, clinical.CategoryLaboratory, true},
		{"7L1H.", false, clinical.CategoryProcedure, true},
		{"1371.", false, clinical.CategorySurvey, true},
		{"0....", false, clinical.CategorySocial, true},
		{"XaBcd", false, "", false},
		{"Y1234", false, "", false},
		{"", false, "", false},
	}
	for _, tt := range tests {
		k, ok := chapterKind(tt.code)
		if ok != tt.ok || k.condition != tt.condition || k.category != tt.category {
			t.Errorf("chapterKind(%q) = %+v %v, want %v %v %v", tt.code, k, ok, tt.condition, tt.category, tt.ok)
		}
	}
}

func TestContactClass(t *testing.T) {
	if got := contactClass("Home visit"); got != encounter.ClassHome {
		t.Errorf("contactClass(home) = %v, want %v", got, encounter.ClassHome)
	}
	if got := contactClass("Telephone"); got != encounter.ClassVirtual {
		t.Errorf("contactClass(telephone) = %v, want %v", got, encounter.ClassVirtual)
	}
	if got := contactClass("Face to face"); got != encounter.ClassAmbulatory {
		t.Errorf("contactClass(face to face) = %v, want %v", got, encounter.ClassAmbulatory)
	}
}
