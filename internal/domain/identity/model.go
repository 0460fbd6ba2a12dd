// Package identity holds the Patient and Practitioner records produced by
// the source pipelines.
package identity

import (
	"strings"
	"time"

	"github.com/ehr/ingest/internal/platform/fhir"
)

const (
	SystemNHSNumber = "https://fhir.nhs.uk/Id/nhs-number"
	SystemSDSUserID = "https://fhir.nhs.uk/Id/sds-user-id"
	SystemGMC       = "https://fhir.hl7.org.uk/Id/gmc-number"
)

// Patient is one person as described by one source system.
type Patient struct {
	ID               string     `json:"id"`
	Source           string     `json:"source"`
	LocalID          string     `json:"local_id"`
	NHSNumber        *string    `json:"nhs_number,omitempty"`
	Title            *string    `json:"title,omitempty"`
	FirstName        *string    `json:"first_name,omitempty"`
	MiddleName       *string    `json:"middle_name,omitempty"`
	LastName         *string    `json:"last_name,omitempty"`
	BirthDate        *time.Time `json:"birth_date,omitempty"`
	DeathDate        *time.Time `json:"death_date,omitempty"`
	Gender           *string    `json:"gender,omitempty"`
	AddressLines     []string   `json:"address_lines,omitempty"`
	City             *string    `json:"city,omitempty"`
	PostalCode       *string    `json:"postal_code,omitempty"`
	PhoneHome        *string    `json:"phone_home,omitempty"`
	PhoneMobile      *string    `json:"phone_mobile,omitempty"`
	Email            *string    `json:"email,omitempty"`
	EthnicCode       *string    `json:"ethnic_code,omitempty"`
	PracticeID       *string    `json:"practice_id,omitempty"`
	GPID             *string    `json:"gp_id,omitempty"`
	RegistrationType *string    `json:"registration_type,omitempty"`
	Active           bool       `json:"active"`
}

func (p *Patient) GetResourceType() string { return "Patient" }
func (p *Patient) GetFHIRID() string       { return p.ID }

func (p *Patient) ToFHIR() map[string]interface{} {
	result := map[string]interface{}{
		"resourceType": "Patient",
		"id":           p.ID,
		"active":       p.Active,
		"meta":         fhir.Meta{Source: p.Source},
	}

	identifiers := []fhir.Identifier{{
		Use:    "secondary",
		System: "urn:ingest:" + p.Source + ":patient",
		Value:  p.LocalID,
	}}
	if p.NHSNumber != nil {
		identifiers = append([]fhir.Identifier{{Use: "official", System: SystemNHSNumber, Value: *p.NHSNumber}}, identifiers...)
	}
	result["identifier"] = identifiers

	if p.FirstName != nil || p.LastName != nil {
		name := fhir.HumanName{Use: "official"}
		if p.LastName != nil {
			name.Family = *p.LastName
		}
		if p.FirstName != nil {
			name.Given = []string{*p.FirstName}
		}
		if p.MiddleName != nil {
			name.Given = append(name.Given, *p.MiddleName)
		}
		if p.Title != nil {
			name.Prefix = []string{*p.Title}
		}
		result["name"] = []fhir.HumanName{name}
	}

	if p.Gender != nil {
		result["gender"] = *p.Gender
	}
	if p.BirthDate != nil {
		result["birthDate"] = p.BirthDate.Format("2006-01-02")
	}
	if p.DeathDate != nil {
		result["deceasedDateTime"] = p.DeathDate.Format(time.RFC3339)
	}

	var telecoms []fhir.ContactPoint
	if p.PhoneHome != nil {
		telecoms = append(telecoms, fhir.ContactPoint{System: "phone", Value: *p.PhoneHome, Use: "home"})
	}
	if p.PhoneMobile != nil {
		telecoms = append(telecoms, fhir.ContactPoint{System: "phone", Value: *p.PhoneMobile, Use: "mobile"})
	}
	if p.Email != nil {
		telecoms = append(telecoms, fhir.ContactPoint{System: "email", Value: *p.Email})
	}
	if len(telecoms) > 0 {
		result["telecom"] = telecoms
	}

	if len(p.AddressLines) > 0 || p.PostalCode != nil {
		addr := fhir.Address{Use: "home", Line: p.AddressLines}
		if p.City != nil {
			addr.City = *p.City
		}
		if p.PostalCode != nil {
			addr.PostalCode = *p.PostalCode
		}
		result["address"] = []fhir.Address{addr}
	}

	if p.PracticeID != nil {
		result["managingOrganization"] = fhir.Ref("Organization", *p.PracticeID)
	}
	if p.GPID != nil {
		result["generalPractitioner"] = []fhir.Reference{fhir.Ref("Practitioner", *p.GPID)}
	}

	var ext []fhir.Extension
	if p.EthnicCode != nil {
		ext = append(ext, fhir.Extension{
			URL:         "https://fhir.hl7.org.uk/StructureDefinition/Extension-UKCore-EthnicCategory",
			ValueCoding: &fhir.Coding{System: "https://fhir.hl7.org.uk/CodeSystem/UKCore-EthnicCategory", Code: *p.EthnicCode},
		})
	}
	if p.RegistrationType != nil {
		ext = append(ext, fhir.Extension{URL: "urn:ingest:registration-type", ValueString: *p.RegistrationType})
	}
	if len(ext) > 0 {
		result["extension"] = ext
	}
	return result
}

// ParseGender maps the gender spellings the source systems use onto FHIR
// administrative gender. ok is false for values it does not recognise.
func ParseGender(raw string) (string, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "m", "male", "1":
		return "male", true
	case "f", "female", "2":
		return "female", true
	case "i", "indeterminate", "other", "o":
		return "other", true
	case "u", "unknown", "0", "9", "not known", "not specified":
		return "unknown", true
	}
	return "", false
}

// PractitionerRole is one role a practitioner holds at an organization.
type PractitionerRole struct {
	ID             string     `json:"id"`
	Code           string     `json:"code,omitempty"`
	Display        string     `json:"display,omitempty"`
	OrganizationID *string    `json:"organization_id,omitempty"`
	Start          *time.Time `json:"start,omitempty"`
	End            *time.Time `json:"end,omitempty"`
}

type Practitioner struct {
	ID        string             `json:"id"`
	Source    string             `json:"source"`
	LocalID   string             `json:"local_id"`
	Title     *string            `json:"title,omitempty"`
	FirstName *string            `json:"first_name,omitempty"`
	LastName  *string            `json:"last_name,omitempty"`
	FullName  *string            `json:"full_name,omitempty"`
	GMCCode   *string            `json:"gmc_code,omitempty"`
	SDSUserID *string            `json:"sds_user_id,omitempty"`
	Gender    *string            `json:"gender,omitempty"`
	Roles     []PractitionerRole `json:"roles,omitempty"`
	Active    bool               `json:"active"`
}

func (p *Practitioner) GetResourceType() string { return "Practitioner" }
func (p *Practitioner) GetFHIRID() string       { return p.ID }

// AddRole appends r unless a role with the same id is already held.
func (p *Practitioner) AddRole(r PractitionerRole) {
	for _, have := range p.Roles {
		if have.ID == r.ID {
			return
		}
	}
	p.Roles = append(p.Roles, r)
}

func (p *Practitioner) ToFHIR() map[string]interface{} {
	result := map[string]interface{}{
		"resourceType": "Practitioner",
		"id":           p.ID,
		"active":       p.Active,
		"meta":         fhir.Meta{Source: p.Source},
	}

	identifiers := []fhir.Identifier{{Use: "secondary", System: "urn:ingest:" + p.Source + ":user", Value: p.LocalID}}
	if p.GMCCode != nil {
		identifiers = append(identifiers, fhir.Identifier{System: SystemGMC, Value: *p.GMCCode})
	}
	if p.SDSUserID != nil {
		identifiers = append(identifiers, fhir.Identifier{System: SystemSDSUserID, Value: *p.SDSUserID})
	}
	result["identifier"] = identifiers

	if p.FirstName != nil || p.LastName != nil || p.FullName != nil {
		name := fhir.HumanName{Use: "official"}
		if p.LastName != nil {
			name.Family = *p.LastName
		}
		if p.FirstName != nil {
			name.Given = []string{*p.FirstName}
		}
		if p.Title != nil {
			name.Prefix = []string{*p.Title}
		}
		if p.FullName != nil {
			name.Text = *p.FullName
		}
		result["name"] = []fhir.HumanName{name}
	}
	if p.Gender != nil {
		result["gender"] = *p.Gender
	}

	// Roles are carried inline as qualifications rather than separate
	// PractitionerRole resources.
	if len(p.Roles) > 0 {
		quals := make([]map[string]interface{}, 0, len(p.Roles))
		for _, r := range p.Roles {
			q := map[string]interface{}{
				"identifier": []fhir.Identifier{{Value: r.ID}},
				"code":       fhir.CodeableConcept{Coding: []fhir.Coding{{Code: r.Code, Display: r.Display}}, Text: r.Display},
			}
			if r.Start != nil || r.End != nil {
				q["period"] = fhir.Period{Start: r.Start, End: r.End}
			}
			if r.OrganizationID != nil {
				ref := fhir.Ref("Organization", *r.OrganizationID)
				q["issuer"] = ref
			}
			quals = append(quals, q)
		}
		result["qualification"] = quals
	}
	return result
}
