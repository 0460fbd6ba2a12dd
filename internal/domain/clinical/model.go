package clinical

import (
	"time"

	"github.com/ehr/ingest/internal/platform/fhir"
)

// Condition categories.
const (
	CategoryProblemList = "problem-list-item"
	CategoryDiagnosis   = "encounter-diagnosis"
)

// Observation categories.
const (
	CategorySurvey     = "survey"
	CategoryExam       = "exam"
	CategoryLaboratory = "laboratory"
	CategoryVitalSigns = "vital-signs"
	CategorySocial     = "social-history"
	CategoryProcedure  = "procedure"
	CategoryNotes      = "notes"
)

// Condition is a problem or diagnosis. Problem records can arrive in pieces
// (header row first, code later, or only an update), so the fields are all
// optional and Merge folds one piece into another. UpdateOnly marks a record
// that was started by a later row without the row that introduces it.
type Condition struct {
	ID                 string        `json:"id"`
	Source             string        `json:"source"`
	SourceKey          string        `json:"source_key"`
	Category           string        `json:"category"`
	Codings            []fhir.Coding `json:"codings,omitempty"`
	CodeText           *string       `json:"code_text,omitempty"`
	ClinicalStatus     string        `json:"clinical_status,omitempty"`
	VerificationStatus string        `json:"verification_status,omitempty"`
	Severity           *string       `json:"severity,omitempty"`
	PatientID          string        `json:"patient_id,omitempty"`
	EncounterID        *string       `json:"encounter_id,omitempty"`
	RecorderID         *string       `json:"recorder_id,omitempty"`
	Onset              *time.Time    `json:"onset,omitempty"`
	Abatement          *time.Time    `json:"abatement,omitempty"`
	Recorded           *time.Time    `json:"recorded,omitempty"`
	Notes              []string      `json:"notes,omitempty"`
	UpdateOnly         bool          `json:"update_only,omitempty"`
}

func (c *Condition) GetResourceType() string { return "Condition" }
func (c *Condition) GetFHIRID() string       { return c.ID }

// HasCode reports whether any coding or text describes the condition.
func (c *Condition) HasCode() bool { return len(c.Codings) > 0 || c.CodeText != nil }

// AddCoding appends coding unless the same system and code is present.
func (c *Condition) AddCoding(coding fhir.Coding) {
	c.Codings = addCoding(c.Codings, coding)
}

// Merge copies every field set on other that is unset on c and appends notes.
// Fields already set on c are kept. Codings count as one field: other's
// codings are taken only when c has none.
func (c *Condition) Merge(other *Condition) {
	if len(c.Codings) == 0 {
		for _, cd := range other.Codings {
			c.AddCoding(cd)
		}
	}
	c.Notes = append(c.Notes, other.Notes...)
	if c.Category == "" {
		c.Category = other.Category
	}
	if c.CodeText == nil {
		c.CodeText = other.CodeText
	}
	if c.ClinicalStatus == "" {
		c.ClinicalStatus = other.ClinicalStatus
	}
	if c.VerificationStatus == "" {
		c.VerificationStatus = other.VerificationStatus
	}
	if c.Severity == nil {
		c.Severity = other.Severity
	}
	if c.PatientID == "" {
		c.PatientID = other.PatientID
	}
	if c.EncounterID == nil {
		c.EncounterID = other.EncounterID
	}
	if c.RecorderID == nil {
		c.RecorderID = other.RecorderID
	}
	if c.Onset == nil {
		c.Onset = other.Onset
	}
	if c.Abatement == nil {
		c.Abatement = other.Abatement
	}
	if c.Recorded == nil {
		c.Recorded = other.Recorded
	}
	if !other.UpdateOnly {
		c.UpdateOnly = false
	}
}

func (c *Condition) ToFHIR() map[string]interface{} {
	result := map[string]interface{}{
		"resourceType": "Condition",
		"id":           c.ID,
		"meta":         fhir.Meta{Source: c.Source},
	}
	if c.SourceKey != "" {
		result["identifier"] = []fhir.Identifier{{Use: "secondary", System: "urn:ingest:" + c.Source + ":condition", Value: c.SourceKey}}
	}
	if c.PatientID != "" {
		result["subject"] = fhir.Ref("Patient", c.PatientID)
	}
	if c.Category != "" {
		result["category"] = []fhir.CodeableConcept{
			fhir.Concept("http://terminology.hl7.org/CodeSystem/condition-category", c.Category, ""),
		}
	}
	if c.HasCode() {
		result["code"] = fhir.CodeableConcept{Coding: c.Codings, Text: strPtrVal(c.CodeText)}
	}

	clinical := c.ClinicalStatus
	if clinical == "" {
		clinical = "active"
		if c.Abatement != nil {
			clinical = "resolved"
		}
	}
	result["clinicalStatus"] = fhir.Concept("http://terminology.hl7.org/CodeSystem/condition-clinical", clinical, "")
	if c.VerificationStatus != "" {
		result["verificationStatus"] = fhir.Concept("http://terminology.hl7.org/CodeSystem/condition-ver-status", c.VerificationStatus, "")
	}
	if c.Severity != nil {
		result["severity"] = fhir.CodeableConcept{Text: *c.Severity}
	}
	if c.EncounterID != nil {
		result["encounter"] = fhir.Ref("Encounter", *c.EncounterID)
	}
	if c.RecorderID != nil {
		result["recorder"] = fhir.Ref("Practitioner", *c.RecorderID)
	}
	if c.Onset != nil {
		result["onsetDateTime"] = c.Onset.Format(time.RFC3339)
	}
	if c.Abatement != nil {
		result["abatementDateTime"] = c.Abatement.Format(time.RFC3339)
	}
	if c.Recorded != nil {
		result["recordedDate"] = c.Recorded.Format(time.RFC3339)
	}
	if len(c.Notes) > 0 {
		notes := make([]fhir.Annotation, 0, len(c.Notes))
		for _, n := range c.Notes {
			notes = append(notes, fhir.Annotation{Text: n})
		}
		result["note"] = notes
	}
	return result
}

// Observation is a coded clinical finding, measurement or note.
type Observation struct {
	ID          string         `json:"id"`
	Source      string         `json:"source"`
	SourceKey   string         `json:"source_key"`
	Status      string         `json:"status"`
	Category    string         `json:"category,omitempty"`
	Codings     []fhir.Coding  `json:"codings,omitempty"`
	CodeText    *string        `json:"code_text,omitempty"`
	PatientID   string         `json:"patient_id"`
	EncounterID *string        `json:"encounter_id,omitempty"`
	PerformerID *string        `json:"performer_id,omitempty"`
	Effective   *time.Time     `json:"effective,omitempty"`
	Issued      *time.Time     `json:"issued,omitempty"`
	Value       *fhir.Quantity `json:"value,omitempty"`
	ValueText   *string        `json:"value_text,omitempty"`
	Note        *string        `json:"note,omitempty"`
}

func (o *Observation) GetResourceType() string { return "Observation" }
func (o *Observation) GetFHIRID() string       { return o.ID }

func (o *Observation) AddCoding(coding fhir.Coding) {
	o.Codings = addCoding(o.Codings, coding)
}

func (o *Observation) ToFHIR() map[string]interface{} {
	status := o.Status
	if status == "" {
		status = "final"
	}
	result := map[string]interface{}{
		"resourceType": "Observation",
		"id":           o.ID,
		"status":       status,
		"subject":      fhir.Ref("Patient", o.PatientID),
		"code":         fhir.CodeableConcept{Coding: o.Codings, Text: strPtrVal(o.CodeText)},
		"meta":         fhir.Meta{Source: o.Source},
	}
	if o.SourceKey != "" {
		result["identifier"] = []fhir.Identifier{{Use: "secondary", System: "urn:ingest:" + o.Source + ":observation", Value: o.SourceKey}}
	}
	if o.Category != "" {
		result["category"] = []fhir.CodeableConcept{
			fhir.Concept("http://terminology.hl7.org/CodeSystem/observation-category", o.Category, ""),
		}
	}
	if o.EncounterID != nil {
		result["encounter"] = fhir.Ref("Encounter", *o.EncounterID)
	}
	if o.PerformerID != nil {
		result["performer"] = []fhir.Reference{fhir.Ref("Practitioner", *o.PerformerID)}
	}
	if o.Effective != nil {
		result["effectiveDateTime"] = o.Effective.Format(time.RFC3339)
	}
	if o.Issued != nil {
		result["issued"] = o.Issued.Format(time.RFC3339)
	}
	if o.Value != nil {
		result["valueQuantity"] = *o.Value
	} else if o.ValueText != nil {
		result["valueString"] = *o.ValueText
	}
	if o.Note != nil {
		result["note"] = []fhir.Annotation{{Text: *o.Note}}
	}
	return result
}

func addCoding(codings []fhir.Coding, coding fhir.Coding) []fhir.Coding {
	if coding.Code == "" {
		return codings
	}
	for _, c := range codings {
		if c.System == coding.System && c.Code == coding.Code {
			return codings
		}
	}
	return append(codings, coding)
}

func strPtrVal(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
