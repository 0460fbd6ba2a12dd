package medication

import (
	"time"

	"github.com/ehr/ingest/internal/platform/fhir"
)

// MedicationStatement records a medicine issued or reported in a contact.
type MedicationStatement struct {
	ID           string        `json:"id"`
	Source       string        `json:"source"`
	SourceKey    string        `json:"source_key"`
	Status       string        `json:"status"`
	Codings      []fhir.Coding `json:"codings,omitempty"`
	DrugName     *string       `json:"drug_name,omitempty"`
	PatientID    string        `json:"patient_id"`
	EncounterID  *string       `json:"encounter_id,omitempty"`
	PrescriberID *string       `json:"prescriber_id,omitempty"`
	Effective    *time.Time    `json:"effective,omitempty"`
	EffectiveEnd *time.Time    `json:"effective_end,omitempty"`
	Dosage       *string       `json:"dosage,omitempty"`
	Quantity     *string       `json:"quantity,omitempty"`
	Note         *string       `json:"note,omitempty"`
}

func (m *MedicationStatement) GetResourceType() string { return "MedicationStatement" }
func (m *MedicationStatement) GetFHIRID() string       { return m.ID }

func (m *MedicationStatement) ToFHIR() map[string]interface{} {
	status := m.Status
	if status == "" {
		status = "active"
		if m.EffectiveEnd != nil {
			status = "completed"
		}
	}
	result := map[string]interface{}{
		"resourceType": "MedicationStatement",
		"id":           m.ID,
		"status":       status,
		"subject":      fhir.Ref("Patient", m.PatientID),
		"medicationCodeableConcept": fhir.CodeableConcept{
			Coding: m.Codings,
			Text:   strPtrVal(m.DrugName),
		},
		"meta": fhir.Meta{Source: m.Source},
	}
	if m.SourceKey != "" {
		result["identifier"] = []fhir.Identifier{{Use: "secondary", System: "urn:ingest:" + m.Source + ":medication", Value: m.SourceKey}}
	}
	if m.EncounterID != nil {
		result["context"] = fhir.Ref("Encounter", *m.EncounterID)
	}
	if m.PrescriberID != nil {
		result["informationSource"] = fhir.Ref("Practitioner", *m.PrescriberID)
	}
	if m.Effective != nil || m.EffectiveEnd != nil {
		result["effectivePeriod"] = fhir.Period{Start: m.Effective, End: m.EffectiveEnd}
	}

	if m.Dosage != nil || m.Quantity != nil {
		d := map[string]interface{}{}
		if m.Dosage != nil {
			d["text"] = *m.Dosage
		}
		if m.Quantity != nil {
			d["patientInstruction"] = "Quantity: " + *m.Quantity
		}
		result["dosage"] = []map[string]interface{}{d}
	}
	if m.Note != nil {
		result["note"] = []fhir.Annotation{{Text: *m.Note}}
	}
	return result
}

func strPtrVal(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
