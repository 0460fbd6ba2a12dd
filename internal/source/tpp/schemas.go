package tpp

import "github.com/ehr/ingest/internal/platform/csvsource"

// SystmOne extracts carry a header row. Versions differ by trailing columns
// added in later extract specifications.

func schema(file, version string, cols ...string) csvsource.Schema {
	return csvsource.Schema{File: file, Version: version, Columns: cols, HasHeader: true}
}

var (
	staffProfileV1 = schema("SRStaffMemberProfile", "v1",
		"RowIdentifier", "IDStaffMember", "IDOrganisation", "StaffRole", "DateEmploymentStart", "DateEmploymentEnd")
	staffProfileV2 = schema("SRStaffMemberProfile", "v2",
		"RowIdentifier", "IDStaffMember", "IDOrganisation", "StaffRole", "DateEmploymentStart", "DateEmploymentEnd",
		"PPAID", "GPLocalCode")

	staffMemberSchema = schema("SRStaffMember", "v1",
		"RowIdentifier", "StaffName", "NationalIdType", "IDNational", "IDSmartCard", "Obsolete")

	organisationSchema = schema("SROrganisation", "v1",
		"RowIdentifier", "OrganisationName", "ID", "MadeObsolete", "HouseName", "HouseNumber",
		"NameOfRoad", "NameOfTown", "FullPostcode", "Telephone")

	patientV1 = schema("SRPatient", "v1",
		"RowIdentifier", "IDOrganisationVisibleTo", "NHSNumber", "Title", "FirstName", "MiddleNames", "Surname",
		"Gender", "DateBirth", "DateDeath", "EmailAddress", "TestPatient")
	patientV2 = schema("SRPatient", "v2",
		"RowIdentifier", "IDOrganisationVisibleTo", "NHSNumber", "Title", "FirstName", "MiddleNames", "Surname",
		"Gender", "DateBirth", "DateDeath", "EmailAddress", "TestPatient", "EthnicCategory")

	registrationSchema = schema("SRPatientRegistration", "v1",
		"RowIdentifier", "IDPatient", "IDOrganisation", "DateRegistration", "DateDeregistration",
		"RegistrationStatus", "IDProfileRegisteredGP")

	eventSchema = schema("SREvent", "v1",
		"RowIdentifier", "IDPatient", "IDOrganisation", "DateEvent", "DateEventRecorded",
		"IDProfileEnteredBy", "IDDoneBy", "ContactEventLocation", "ContactMethod")

	problemSchema = schema("SRProblem", "v1",
		"RowIdentifier", "IDPatient", "IDEvent", "DateEvent", "DateEnd", "Severity", "IDProfileEnteredBy")

	codeV1 = schema("SRCode", "v1",
		"RowIdentifier", "IDPatient", "IDEvent", "DateEvent", "DateEventRecorded", "IDProfileEnteredBy",
		"IDDoneBy", "CTV3Code", "CTV3Text", "NumericValue", "NumericUnit")
	codeV2 = schema("SRCode", "v2",
		"RowIdentifier", "IDPatient", "IDEvent", "DateEvent", "DateEventRecorded", "IDProfileEnteredBy",
		"IDDoneBy", "CTV3Code", "CTV3Text", "NumericValue", "NumericUnit", "IDProblem")
)

var (
	staffProfileSchemas = []csvsource.Schema{staffProfileV1, staffProfileV2}
	patientSchemas      = []csvsource.Schema{patientV1, patientV2}
	codeSchemas         = []csvsource.Schema{codeV1, codeV2}
)
