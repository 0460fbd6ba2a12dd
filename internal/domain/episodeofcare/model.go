package episodeofcare

import (
	"strings"
	"time"

	"github.com/ehr/ingest/internal/platform/fhir"
)

const SystemRegistrationType = "urn:ingest:CodeSystem:registration-type"

// RegistrationType classifies a GP registration or care episode.
type RegistrationType string

const (
	RegistrationRegular              RegistrationType = "regular"
	RegistrationTemporary            RegistrationType = "temporary"
	RegistrationPrivate              RegistrationType = "private"
	RegistrationEmergency            RegistrationType = "emergency"
	RegistrationImmediatelyNecessary RegistrationType = "immediately-necessary"
	RegistrationOther                RegistrationType = "other"
	RegistrationUnknown              RegistrationType = "unknown"
)

var registrationDisplay = map[RegistrationType]string{
	RegistrationRegular:              "Regular/GMS",
	RegistrationTemporary:            "Temporary",
	RegistrationPrivate:              "Private",
	RegistrationEmergency:            "Emergency",
	RegistrationImmediatelyNecessary: "Immediately necessary",
	RegistrationOther:                "Other",
	RegistrationUnknown:              "Unknown",
}

func (r RegistrationType) Display() string { return registrationDisplay[r] }

// EpisodeOfCare is a registration or case spanning one or more encounters.
type EpisodeOfCare struct {
	ID               string            `json:"id"`
	Source           string            `json:"source"`
	SourceKey        string            `json:"source_key"`
	Status           string            `json:"status"`
	PatientID        string            `json:"patient_id"`
	ManagingOrgID    *string           `json:"managing_org_id,omitempty"`
	CareManagerID    *string           `json:"care_manager_id,omitempty"`
	Registration     *RegistrationType `json:"registration,omitempty"`
	RegistrationText *string           `json:"registration_text,omitempty"`
	TypeText         *string           `json:"type_text,omitempty"`
	PeriodStart      *time.Time        `json:"period_start,omitempty"`
	PeriodEnd        *time.Time        `json:"period_end,omitempty"`
}

func (e *EpisodeOfCare) GetResourceType() string { return "EpisodeOfCare" }
func (e *EpisodeOfCare) GetFHIRID() string       { return e.ID }

// StatusFor derives the episode status from its period at time now.
func StatusFor(start, end *time.Time, now time.Time) string {
	switch {
	case end != nil && !end.After(now):
		return "finished"
	case start != nil && start.After(now):
		return "planned"
	}
	return "active"
}

func (e *EpisodeOfCare) ToFHIR() map[string]interface{} {
	status := e.Status
	if status == "" {
		status = StatusFor(e.PeriodStart, e.PeriodEnd, time.Now())
	}
	result := map[string]interface{}{
		"resourceType": "EpisodeOfCare",
		"id":           e.ID,
		"status":       status,
		"patient":      fhir.Ref("Patient", e.PatientID),
		"meta":         fhir.Meta{Source: e.Source},
	}
	if e.SourceKey != "" {
		result["identifier"] = []fhir.Identifier{{Use: "secondary", System: "urn:ingest:" + e.Source + ":episode", Value: e.SourceKey}}
	}

	var types []fhir.CodeableConcept
	if e.Registration != nil {
		cc := fhir.Concept(SystemRegistrationType, string(*e.Registration), e.Registration.Display())
		if e.RegistrationText != nil {
			cc.Text = *e.RegistrationText
		}
		types = append(types, cc)
	}
	if e.TypeText != nil {
		types = append(types, fhir.CodeableConcept{Text: *e.TypeText})
	}
	if len(types) > 0 {
		result["type"] = types
	}

	if e.ManagingOrgID != nil {
		result["managingOrganization"] = fhir.Ref("Organization", *e.ManagingOrgID)
	}
	if e.CareManagerID != nil {
		result["careManager"] = fhir.Ref("Practitioner", *e.CareManagerID)
	}
	if e.PeriodStart != nil || e.PeriodEnd != nil {
		result["period"] = fhir.Period{Start: e.PeriodStart, End: e.PeriodEnd}
	}
	return result
}

// ClassifyRegistration maps a free-text registration type onto the enum.
// Empty input is unknown; unrecognised text is other.
func ClassifyRegistration(raw string) RegistrationType {
	s := strings.ToLower(strings.TrimSpace(raw))
	switch {
	case s == "":
		return RegistrationUnknown
	case strings.Contains(s, "immediately"):
		return RegistrationImmediatelyNecessary
	case strings.Contains(s, "temporary"):
		return RegistrationTemporary
	case strings.Contains(s, "emergency"):
		return RegistrationEmergency
	case strings.Contains(s, "private"):
		return RegistrationPrivate
	case s == "gms", strings.Contains(s, "regular"), strings.Contains(s, "applied"), strings.Contains(s, "full"):
		return RegistrationRegular
	}
	return RegistrationOther
}
