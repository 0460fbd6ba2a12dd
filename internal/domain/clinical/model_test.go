package clinical

import (
	"testing"
	"time"

	"github.com/ehr/ingest/internal/platform/fhir"
)

func ptrStr(s string) *string { return &s }

// ---------------------------------------------------------------------------
// Condition
// ---------------------------------------------------------------------------

func TestCondition_ToFHIR(t *testing.T) {
	onset := time.Date(2020, 5, 1, 0, 0, 0, 0, time.UTC)
	c := &Condition{
		ID:        "tpp-PR1",
		Source:    "tpp",
		SourceKey: "PR1",
		Category:  CategoryProblemList,
		PatientID: "tpp-P1",
		Onset:     &onset,
	}
	c.AddCoding(fhir.Coding{System: "http://read.info/ctv3", Code: "H33..", Display: "Asthma"})
	c.AddCoding(fhir.Coding{System: "http://read.info/ctv3", Code: "H33.."})
	c.AddCoding(fhir.Coding{System: "http://snomed.info/sct", Code: "195967001"})

	result := c.ToFHIR()
	code := result["code"].(fhir.CodeableConcept)
	if len(code.Coding) != 2 {
		t.Errorf("expected duplicate coding ignored, got %v", code.Coding)
	}
	status := result["clinicalStatus"].(fhir.CodeableConcept)
	if status.Coding[0].Code != "active" {
		t.Errorf("clinicalStatus = %v, want active", status.Coding[0].Code)
	}
	if result["onsetDateTime"] != "2020-05-01T00:00:00Z" {
		t.Errorf("onsetDateTime = %v", result["onsetDateTime"])
	}
	cat := result["category"].([]fhir.CodeableConcept)
	if cat[0].Coding[0].Code != CategoryProblemList {
		t.Errorf("category = %v", cat[0].Coding[0].Code)
	}
}

func TestCondition_ResolvedWhenAbated(t *testing.T) {
	end := time.Date(2021, 1, 1, 0, 0, 0, 0, time.UTC)
	c := &Condition{ID: "x", Abatement: &end}
	if got := c.ToFHIR()["clinicalStatus"].(fhir.CodeableConcept).Coding[0].Code; got != "resolved" {
		t.Errorf("clinicalStatus = %s, want resolved", got)
	}
	if _, ok := c.ToFHIR()["code"]; ok {
		t.Error("expected no code for an uncoded condition")
	}
}

func TestCondition_Merge(t *testing.T) {
	onset := time.Date(2020, 5, 1, 0, 0, 0, 0, time.UTC)
	later := onset.AddDate(1, 0, 0)

	update := &Condition{ID: "homerton-PR1", UpdateOnly: true, Onset: &later, Notes: []string{"reviewed"}}
	full := &Condition{
		ID:        "homerton-PR1",
		PatientID: "homerton-P1",
		Category:  CategoryProblemList,
		Codings:   []fhir.Coding{{System: "http://snomed.info/sct", Code: "195967001"}},
		Onset:     &onset,
	}

	update.Merge(full)
	if update.UpdateOnly {
		t.Error("expected a full record to clear UpdateOnly")
	}
	if !update.Onset.Equal(later) {
		t.Errorf("expected existing onset kept, got %v", update.Onset)
	}
	if update.PatientID != "homerton-P1" || !update.HasCode() {
		t.Errorf("expected missing fields filled, got %+v", update)
	}
	if len(update.Notes) != 1 {
		t.Errorf("expected notes kept, got %v", update.Notes)
	}
}

func TestCondition_MergeKeepsNewerCodings(t *testing.T) {
	held := &Condition{ID: "homerton-PR1", Codings: []fhir.Coding{{System: "http://snomed.info/sct", Code: "38341003"}}}
	recoded := &Condition{ID: "homerton-PR1", Codings: []fhir.Coding{{System: "http://snomed.info/sct", Code: "59621000"}}}

	recoded.Merge(held)
	if len(recoded.Codings) != 1 || recoded.Codings[0].Code != "59621000" {
		t.Errorf("expected only the newer coding, got %+v", recoded.Codings)
	}

	uncoded := &Condition{ID: "homerton-PR1", UpdateOnly: true}
	uncoded.Merge(held)
	if len(uncoded.Codings) != 1 || uncoded.Codings[0].Code != "38341003" {
		t.Errorf("expected the held coding inherited, got %+v", uncoded.Codings)
	}
}

// ---------------------------------------------------------------------------
// Observation
// ---------------------------------------------------------------------------

func TestObservation_ToFHIR(t *testing.T) {
	eff := time.Date(2024, 2, 3, 10, 0, 0, 0, time.UTC)
	o := &Observation{
		ID:          "adastra-C1-E1-H33..",
		Source:      "adastra",
		SourceKey:   "C1:E1:H33..",
		Category:    CategoryExam,
		PatientID:   "adastra-P1",
		EncounterID: ptrStr("adastra-C1-E1"),
		Effective:   &eff,
		Value:       &fhir.Quantity{Value: 37.5, Unit: "Cel"},
	}
	o.AddCoding(fhir.Coding{System: "http://read.info/readv2", Code: "H33.."})

	result := o.ToFHIR()
	if result["status"] != "final" {
		t.Errorf("status = %v, want final", result["status"])
	}
	ids := result["identifier"].([]fhir.Identifier)
	if ids[0].Value != "C1:E1:H33.." {
		t.Errorf("identifier = %v, want C1:E1:H33..", ids[0].Value)
	}
	if result["subject"].(fhir.Reference).Reference != "Patient/adastra-P1" {
		t.Errorf("subject = %v", result["subject"])
	}
	if q := result["valueQuantity"].(fhir.Quantity); q.Value != 37.5 {
		t.Errorf("valueQuantity = %v", q)
	}
	if _, ok := result["valueString"]; ok {
		t.Error("expected valueString omitted when a quantity is set")
	}
}

func TestObservation_Note(t *testing.T) {
	o := &Observation{ID: "adastra-N1", PatientID: "adastra-P1", Category: CategoryNotes, CodeText: ptrStr("Clinical note"), Note: ptrStr("Seen at home")}
	result := o.ToFHIR()
	notes := result["note"].([]fhir.Annotation)
	if notes[0].Text != "Seen at home" {
		t.Errorf("note = %v", notes[0].Text)
	}
	if result["code"].(fhir.CodeableConcept).Text != "Clinical note" {
		t.Errorf("code text = %v", result["code"])
	}
}
