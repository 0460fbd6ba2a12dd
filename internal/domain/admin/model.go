package admin

import (
	"github.com/ehr/ingest/internal/platform/fhir"
)

const SystemODSCode = "https://fhir.nhs.uk/Id/ods-organization-code"

// Organization is a provider, practice or trust named in an extract.
type Organization struct {
	ID           string   `json:"id"`
	Source       string   `json:"source"`
	LocalID      string   `json:"local_id"`
	Name         string   `json:"name"`
	ODSCode      *string  `json:"ods_code,omitempty"`
	TypeCode     *string  `json:"type_code,omitempty"`
	TypeDisplay  *string  `json:"type_display,omitempty"`
	PartOfID     *string  `json:"part_of_id,omitempty"`
	AddressLines []string `json:"address_lines,omitempty"`
	City         *string  `json:"city,omitempty"`
	PostalCode   *string  `json:"postal_code,omitempty"`
	Phone        *string  `json:"phone,omitempty"`
	Email        *string  `json:"email,omitempty"`
	Active       bool     `json:"active"`
}

func (o *Organization) GetResourceType() string { return "Organization" }
func (o *Organization) GetFHIRID() string       { return o.ID }

func (o *Organization) ToFHIR() map[string]interface{} {
	result := map[string]interface{}{
		"resourceType": "Organization",
		"id":           o.ID,
		"active":       o.Active,
		"meta":         fhir.Meta{Source: o.Source},
	}
	if o.Name != "" {
		result["name"] = o.Name
	}

	identifiers := []fhir.Identifier{{Use: "secondary", System: "urn:ingest:" + o.Source + ":organization", Value: o.LocalID}}
	if o.ODSCode != nil {
		identifiers = append(identifiers, fhir.Identifier{Use: "official", System: SystemODSCode, Value: *o.ODSCode})
	}
	result["identifier"] = identifiers

	if o.TypeCode != nil {
		cc := fhir.Concept("http://terminology.hl7.org/CodeSystem/organization-type", *o.TypeCode, "")
		if o.TypeDisplay != nil {
			cc.Coding[0].Display = *o.TypeDisplay
			cc.Text = *o.TypeDisplay
		}
		result["type"] = []fhir.CodeableConcept{cc}
	}

	var telecoms []fhir.ContactPoint
	if o.Phone != nil {
		telecoms = append(telecoms, fhir.ContactPoint{System: "phone", Value: *o.Phone, Use: "work"})
	}
	if o.Email != nil {
		telecoms = append(telecoms, fhir.ContactPoint{System: "email", Value: *o.Email, Use: "work"})
	}
	if len(telecoms) > 0 {
		result["telecom"] = telecoms
	}

	if len(o.AddressLines) > 0 || o.PostalCode != nil {
		addr := fhir.Address{Use: "work", Line: o.AddressLines}
		if o.City != nil {
			addr.City = *o.City
		}
		if o.PostalCode != nil {
			addr.PostalCode = *o.PostalCode
		}
		result["address"] = []fhir.Address{addr}
	}

	if o.PartOfID != nil {
		result["partOf"] = fhir.Ref("Organization", *o.PartOfID)
	}
	return result
}
