package adastra

import "github.com/ehr/ingest/internal/platform/csvsource"

// Adastra extracts are pipe-delimited without a header. CASE and CONSULTATION
// exist in two layouts told apart by field count.

func schema(file, version string, cols ...string) csvsource.Schema {
	return csvsource.Schema{File: file, Version: version, Columns: cols, Comma: '|'}
}

var (
	caseV1 = schema("CASE", "v1",
		"CaseRef", "CaseNo", "PatientRef", "ProviderRef", "StartDateTime", "EndDateTime", "Priority", "Location")
	caseV2 = schema("CASE", "v2",
		"CaseRef", "CaseNo", "PatientRef", "ProviderRef", "StartDateTime", "EndDateTime", "Priority", "Location",
		"ArrivalMethod")

	consultationV1 = schema("CONSULTATION", "v1",
		"CaseRef", "ConsultationRef", "StartDateTime", "EndDateTime", "Location", "ConsultationType", "UserRef")
	consultationV2 = schema("CONSULTATION", "v2",
		"CaseRef", "ConsultationRef", "StartDateTime", "EndDateTime", "Location", "ConsultationType", "UserRef",
		"Assessment")

	providerSchema = schema("PROVIDER", "v1",
		"ProviderRef", "ODSCode", "Name", "Postcode")

	usersSchema = schema("USERS", "v1",
		"UserRef", "Title", "Forename", "Surname", "FullName", "GMCCode", "ProviderRef")

	patientSchema = schema("PATIENT", "v1",
		"PatientRef", "NHSNumber", "Title", "Forename", "Surname", "DateOfBirth", "Gender",
		"Address1", "Address2", "Address3", "Town", "Postcode", "Phone", "RegistrationType")

	clinicalCodesSchema = schema("CLINICALCODES", "v1",
		"CaseRef", "ConsultationRef", "ClinicalCode", "Term")

	prescriptionsSchema = schema("PRESCRIPTIONS", "v1",
		"CaseRef", "ConsultationRef", "DrugName", "Preparation", "Dosage", "Quantity", "DMDCode")

	notesSchema = schema("NOTES", "v1",
		"CaseRef", "NoteRef", "ReviewDateTime", "NoteText", "UserRef")

	outcomesSchema = schema("OUTCOMES", "v1",
		"CaseRef", "OutcomeCode", "OutcomeName")
)
