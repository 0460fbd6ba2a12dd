// Package pcr projects canonical records into the flat patient care record
// tables and writes them as Parquet.
package pcr

import (
	"strings"
	"time"

	"github.com/ehr/ingest/internal/domain/clinical"
	"github.com/ehr/ingest/internal/domain/encounter"
	"github.com/ehr/ingest/internal/domain/identity"
	"github.com/ehr/ingest/internal/domain/medication"
	"github.com/ehr/ingest/internal/platform/fhir"
	"github.com/ehr/ingest/internal/platform/terminology"
)

// Table names, also the Parquet file stems.
const (
	TablePatient     = "patient"
	TableEncounter   = "encounter"
	TableObservation = "observation"
	TableCondition   = "condition"
	TableMedication  = "medication"
)

type PatientRow struct {
	ID         string     `parquet:"id"`
	Source     string     `parquet:"source"`
	LocalID    string     `parquet:"local_id"`
	NHSNumber  string     `parquet:"nhs_number"`
	Gender     string     `parquet:"gender"`
	BirthDate  *time.Time `parquet:"birth_date,optional"`
	DeathDate  *time.Time `parquet:"death_date,optional"`
	PostalCode string     `parquet:"postal_code"`
	PracticeID string     `parquet:"practice_id"`
	EthnicCode string     `parquet:"ethnic_code"`
	Active     bool       `parquet:"active"`
}

type EncounterRow struct {
	ID              string     `parquet:"id"`
	Source          string     `parquet:"source"`
	PatientID       string     `parquet:"patient_id"`
	Class           string     `parquet:"class"`
	Status          string     `parquet:"status"`
	Type            string     `parquet:"type"`
	EpisodeOfCareID string     `parquet:"episode_of_care_id"`
	PartOfID        string     `parquet:"part_of_id"`
	PractitionerID  string     `parquet:"practitioner_id"`
	Start           *time.Time `parquet:"start,optional"`
	End             *time.Time `parquet:"end,optional"`
	Location        string     `parquet:"location"`
	Diagnoses       int32      `parquet:"diagnoses"`
}

type ObservationRow struct {
	ID          string     `parquet:"id"`
	Source      string     `parquet:"source"`
	PatientID   string     `parquet:"patient_id"`
	EncounterID string     `parquet:"encounter_id"`
	Category    string     `parquet:"category"`
	System      string     `parquet:"system"`
	Code        string     `parquet:"code"`
	SnomedCode  string     `parquet:"snomed_code"`
	Display     string     `parquet:"display"`
	Effective   *time.Time `parquet:"effective,optional"`
	Value       *float64   `parquet:"value,optional"`
	Unit        string     `parquet:"unit"`
	ValueText   string     `parquet:"value_text"`
}

type ConditionRow struct {
	ID                 string     `parquet:"id"`
	Source             string     `parquet:"source"`
	PatientID          string     `parquet:"patient_id"`
	EncounterID        string     `parquet:"encounter_id"`
	Category           string     `parquet:"category"`
	System             string     `parquet:"system"`
	Code               string     `parquet:"code"`
	SnomedCode         string     `parquet:"snomed_code"`
	Display            string     `parquet:"display"`
	ClinicalStatus     string     `parquet:"clinical_status"`
	VerificationStatus string     `parquet:"verification_status"`
	Onset              *time.Time `parquet:"onset,optional"`
	Abatement          *time.Time `parquet:"abatement,optional"`
}

type MedicationRow struct {
	ID           string     `parquet:"id"`
	Source       string     `parquet:"source"`
	PatientID    string     `parquet:"patient_id"`
	EncounterID  string     `parquet:"encounter_id"`
	PrescriberID string     `parquet:"prescriber_id"`
	Status       string     `parquet:"status"`
	DMDCode      string     `parquet:"dmd_code"`
	DrugName     string     `parquet:"drug_name"`
	Effective    *time.Time `parquet:"effective,optional"`
	Dosage       string     `parquet:"dosage"`
	Quantity     string     `parquet:"quantity"`
}

// Project returns the PCR row for r, or false when r has no PCR table.
// Update-only conditions are not projected.
func Project(r fhir.Resource) (any, bool) {
	switch v := r.(type) {
	case *identity.Patient:
		return PatientRow{
			ID:         v.ID,
			Source:     v.Source,
			LocalID:    v.LocalID,
			NHSNumber:  str(v.NHSNumber),
			Gender:     str(v.Gender),
			BirthDate:  v.BirthDate,
			DeathDate:  v.DeathDate,
			PostalCode: strings.ToUpper(str(v.PostalCode)),
			PracticeID: str(v.PracticeID),
			EthnicCode: str(v.EthnicCode),
			Active:     v.Active,
		}, true
	case *encounter.Encounter:
		row := EncounterRow{
			ID:              v.ID,
			Source:          v.Source,
			PatientID:       v.PatientID,
			Class:           v.ClassCode,
			Status:          v.Status,
			Type:            str(v.TypeDisplay),
			EpisodeOfCareID: str(v.EpisodeOfCareID),
			PartOfID:        str(v.PartOfID),
			Start:           v.PeriodStart,
			End:             v.PeriodEnd,
			Location:        str(v.LocationText),
			Diagnoses:       int32(len(v.Diagnoses)),
		}
		if len(v.Participants) > 0 {
			row.PractitionerID = v.Participants[0].PractitionerID
		}
		return row, true
	case *clinical.Observation:
		row := ObservationRow{
			ID:          v.ID,
			Source:      v.Source,
			PatientID:   v.PatientID,
			EncounterID: str(v.EncounterID),
			Category:    v.Category,
			SnomedCode:  snomed(v.Codings),
			Display:     str(v.CodeText),
			Effective:   v.Effective,
			ValueText:   str(v.ValueText),
		}
		row.System, row.Code, row.Display = primary(v.Codings, row.Display)
		if v.Value != nil {
			value := v.Value.Value
			row.Value, row.Unit = &value, v.Value.Unit
		}
		return row, true
	case *clinical.Condition:
		if v.UpdateOnly {
			return nil, false
		}
		row := ConditionRow{
			ID:                 v.ID,
			Source:             v.Source,
			PatientID:          v.PatientID,
			EncounterID:        str(v.EncounterID),
			Category:           v.Category,
			SnomedCode:         snomed(v.Codings),
			ClinicalStatus:     v.ClinicalStatus,
			VerificationStatus: v.VerificationStatus,
			Onset:              v.Onset,
			Abatement:          v.Abatement,
		}
		row.System, row.Code, row.Display = primary(v.Codings, str(v.CodeText))
		return row, true
	case *medication.MedicationStatement:
		row := MedicationRow{
			ID:           v.ID,
			Source:       v.Source,
			PatientID:    v.PatientID,
			EncounterID:  str(v.EncounterID),
			PrescriberID: str(v.PrescriberID),
			Status:       v.Status,
			DrugName:     str(v.DrugName),
			Effective:    v.Effective,
			Dosage:       str(v.Dosage),
			Quantity:     str(v.Quantity),
		}
		for _, c := range v.Codings {
			if c.System == terminology.SystemDMD {
				row.DMDCode = c.Code
				break
			}
		}
		return row, true
	}
	return nil, false
}

func str(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}

// primary returns the first coding. text wins over the coding display when set.
func primary(codings []fhir.Coding, text string) (system, code, display string) {
	display = text
	if len(codings) == 0 {
		return "", "", display
	}
	if display == "" {
		display = codings[0].Display
	}
	return codings[0].System, codings[0].Code, display
}

func snomed(codings []fhir.Coding) string {
	for _, c := range codings {
		if c.System == terminology.SystemSNOMED {
			return c.Code
		}
	}
	return ""
}
