package episodeofcare

import (
	"testing"
	"time"

	"github.com/ehr/ingest/internal/platform/fhir"
)

func TestClassifyRegistration(t *testing.T) {
	tests := []struct {
		raw  string
		want RegistrationType
	}{
		{"GMS", RegistrationRegular},
		{"Applied", RegistrationRegular},
		{"Regular", RegistrationRegular},
		{"Temporary Resident - more than 15 days", RegistrationTemporary},
		{"Emergency", RegistrationEmergency},
		{"Immediately Necessary", RegistrationImmediatelyNecessary},
		{"Private", RegistrationPrivate},
		{"Minor surgery", RegistrationOther},
		{"  ", RegistrationUnknown},
	}
	for _, tt := range tests {
		if got := ClassifyRegistration(tt.raw); got != tt.want {
			t.Errorf("ClassifyRegistration(%q) = %s, want %s", tt.raw, got, tt.want)
		}
	}
}

func TestStatusFor(t *testing.T) {
	now := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	past := now.AddDate(-1, 0, 0)
	future := now.AddDate(0, 1, 0)

	if got := StatusFor(&past, nil, now); got != "active" {
		t.Errorf("open episode = %s, want active", got)
	}
	if got := StatusFor(&past, &past, now); got != "finished" {
		t.Errorf("ended episode = %s, want finished", got)
	}
	if got := StatusFor(&future, nil, now); got != "planned" {
		t.Errorf("future episode = %s, want planned", got)
	}
}

func TestEpisodeOfCare_ToFHIR(t *testing.T) {
	reg := RegistrationTemporary
	text := "Temporary Resident"
	org := "tpp-F1"
	start := time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)
	e := &EpisodeOfCare{
		ID:               "tpp-R1",
		Source:           "tpp",
		SourceKey:        "R1",
		PatientID:        "tpp-P1",
		ManagingOrgID:    &org,
		Registration:     &reg,
		RegistrationText: &text,
		PeriodStart:      &start,
	}
	result := e.ToFHIR()
	if result["status"] != "active" {
		t.Errorf("status = %v, want active", result["status"])
	}
	if result["patient"].(fhir.Reference).Reference != "Patient/tpp-P1" {
		t.Errorf("patient = %v", result["patient"])
	}
	types := result["type"].([]fhir.CodeableConcept)
	if types[0].Coding[0].Code != "temporary" || types[0].Coding[0].Display != "Temporary" || types[0].Text != text {
		t.Errorf("unexpected type %+v", types[0])
	}
	if result["managingOrganization"].(fhir.Reference).Reference != "Organization/tpp-F1" {
		t.Errorf("managingOrganization = %v", result["managingOrganization"])
	}
}
