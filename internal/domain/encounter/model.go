package encounter

import (
	"time"

	"github.com/ehr/ingest/internal/platform/fhir"
)

// Encounter classes (v3-ActCode).
const (
	ClassAmbulatory = "AMB"
	ClassInpatient  = "IMP"
	ClassEmergency  = "EMER"
	ClassHome       = "HH"
	ClassVirtual    = "VR"
)

const (
	ExtOutcome        = "urn:ingest:encounter-outcome"
	ExtLinkedResource = "urn:ingest:linked-resource"
)

// Participant is a practitioner taking part in an encounter.
type Participant struct {
	TypeCode       string `json:"type_code"`
	PractitionerID string `json:"practitioner_id"`
}

// Diagnosis links a Condition to the encounter.
type Diagnosis struct {
	ConditionID string `json:"condition_id"`
	Use         string `json:"use,omitempty"` // AD, DD, CC...
	Rank        int    `json:"rank,omitempty"`
}

// Outcome is a coded or free-text result of an encounter.
type Outcome struct {
	Code    string `json:"code,omitempty"`
	Display string `json:"display,omitempty"`
}

// Encounter is a contact with a care provider. Source pipelines build it up
// across several files, so it carries append helpers.
type Encounter struct {
	ID                   string           `json:"id"`
	Source               string           `json:"source"`
	SourceKey            string           `json:"source_key"`
	Status               string           `json:"status"`
	ClassCode            string           `json:"class_code"`
	TypeCode             *string          `json:"type_code,omitempty"`
	TypeDisplay          *string          `json:"type_display,omitempty"`
	PatientID            string           `json:"patient_id,omitempty"`
	EpisodeOfCareID      *string          `json:"episode_of_care_id,omitempty"`
	PartOfID             *string          `json:"part_of_id,omitempty"`
	ServiceProviderID    *string          `json:"service_provider_id,omitempty"`
	Participants         []Participant    `json:"participants,omitempty"`
	PeriodStart          *time.Time       `json:"period_start,omitempty"`
	PeriodEnd            *time.Time       `json:"period_end,omitempty"`
	Priority             *string          `json:"priority,omitempty"`
	ReasonText           *string          `json:"reason_text,omitempty"`
	AdmitSource          *string          `json:"admit_source,omitempty"`
	DischargeDisposition *string          `json:"discharge_disposition,omitempty"`
	LocationText         *string          `json:"location_text,omitempty"`
	Diagnoses            []Diagnosis      `json:"diagnoses,omitempty"`
	Outcomes             []Outcome        `json:"outcomes,omitempty"`
	Linked               []fhir.Reference `json:"linked,omitempty"`
}

func (e *Encounter) GetResourceType() string { return "Encounter" }
func (e *Encounter) GetFHIRID() string       { return e.ID }

// AddParticipant records practitionerID under typeCode once.
func (e *Encounter) AddParticipant(typeCode, practitionerID string) {
	for _, p := range e.Participants {
		if p.TypeCode == typeCode && p.PractitionerID == practitionerID {
			return
		}
	}
	e.Participants = append(e.Participants, Participant{TypeCode: typeCode, PractitionerID: practitionerID})
}

// AddDiagnosis links conditionID once; rank follows insertion order.
func (e *Encounter) AddDiagnosis(conditionID, use string) {
	for _, d := range e.Diagnoses {
		if d.ConditionID == conditionID {
			return
		}
	}
	e.Diagnoses = append(e.Diagnoses, Diagnosis{ConditionID: conditionID, Use: use, Rank: len(e.Diagnoses) + 1})
}

func (e *Encounter) AddOutcome(o Outcome) {
	e.Outcomes = append(e.Outcomes, o)
}

// Link records a resource that was produced in the context of this encounter.
func (e *Encounter) Link(refs ...fhir.Reference) {
	e.Linked = append(e.Linked, refs...)
}

func (e *Encounter) ToFHIR() map[string]interface{} {
	status := e.Status
	if status == "" {
		status = "unknown"
	}
	result := map[string]interface{}{
		"resourceType": "Encounter",
		"id":           e.ID,
		"status":       status,
		"class": fhir.Coding{
			System: "http://terminology.hl7.org/CodeSystem/v3-ActCode",
			Code:   e.ClassCode,
		},
		"meta": fhir.Meta{Source: e.Source},
	}
	if e.SourceKey != "" {
		result["identifier"] = []fhir.Identifier{{Use: "secondary", System: "urn:ingest:" + e.Source + ":encounter", Value: e.SourceKey}}
	}
	if e.PatientID != "" {
		result["subject"] = fhir.Ref("Patient", e.PatientID)
	}

	if e.TypeCode != nil || e.TypeDisplay != nil {
		cc := fhir.CodeableConcept{}
		if e.TypeCode != nil {
			cc.Coding = []fhir.Coding{{Code: *e.TypeCode, Display: strPtrVal(e.TypeDisplay)}}
		}
		cc.Text = strPtrVal(e.TypeDisplay)
		result["type"] = []fhir.CodeableConcept{cc}
	}

	if e.PeriodStart != nil || e.PeriodEnd != nil {
		result["period"] = fhir.Period{Start: e.PeriodStart, End: e.PeriodEnd}
	}

	if len(e.Participants) > 0 {
		parts := make([]map[string]interface{}, 0, len(e.Participants))
		for _, p := range e.Participants {
			parts = append(parts, map[string]interface{}{
				"type": []fhir.CodeableConcept{
					fhir.Concept("http://terminology.hl7.org/CodeSystem/v3-ParticipationType", p.TypeCode, ""),
				},
				"individual": fhir.Ref("Practitioner", p.PractitionerID),
			})
		}
		result["participant"] = parts
	}

	if e.EpisodeOfCareID != nil {
		result["episodeOfCare"] = []fhir.Reference{fhir.Ref("EpisodeOfCare", *e.EpisodeOfCareID)}
	}
	if e.PartOfID != nil {
		result["partOf"] = fhir.Ref("Encounter", *e.PartOfID)
	}
	if e.ServiceProviderID != nil {
		result["serviceProvider"] = fhir.Ref("Organization", *e.ServiceProviderID)
	}
	if e.Priority != nil {
		result["priority"] = fhir.CodeableConcept{Text: *e.Priority}
	}
	if e.ReasonText != nil {
		result["reasonCode"] = []fhir.CodeableConcept{{Text: *e.ReasonText}}
	}
	if e.LocationText != nil {
		result["location"] = []map[string]interface{}{
			{"location": fhir.Reference{Display: *e.LocationText}},
		}
	}

	if len(e.Diagnoses) > 0 {
		diags := make([]map[string]interface{}, 0, len(e.Diagnoses))
		for _, d := range e.Diagnoses {
			m := map[string]interface{}{
				"condition": fhir.Ref("Condition", d.ConditionID),
				"rank":      d.Rank,
			}
			if d.Use != "" {
				m["use"] = fhir.Concept("http://terminology.hl7.org/CodeSystem/diagnosis-role", d.Use, "")
			}
			diags = append(diags, m)
		}
		result["diagnosis"] = diags
	}

	if e.AdmitSource != nil || e.DischargeDisposition != nil {
		hosp := map[string]interface{}{}
		if e.AdmitSource != nil {
			hosp["admitSource"] = fhir.CodeableConcept{Text: *e.AdmitSource}
		}
		if e.DischargeDisposition != nil {
			hosp["dischargeDisposition"] = fhir.CodeableConcept{Text: *e.DischargeDisposition}
		}
		result["hospitalization"] = hosp
	}

	var ext []fhir.Extension
	for _, o := range e.Outcomes {
		if o.Code != "" {
			ext = append(ext, fhir.Extension{URL: ExtOutcome, ValueCoding: &fhir.Coding{Code: o.Code, Display: o.Display}})
		} else {
			ext = append(ext, fhir.Extension{URL: ExtOutcome, ValueString: o.Display})
		}
	}
	for i := range e.Linked {
		ext = append(ext, fhir.Extension{URL: ExtLinkedResource, ValueReference: &e.Linked[i]})
	}
	if len(ext) > 0 {
		result["extension"] = ext
	}
	return result
}

func strPtrVal(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
