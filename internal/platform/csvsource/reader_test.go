package csvsource

import (
	"errors"
	"strings"
	"testing"
	"time"
)

var patientV1 = Schema{
	File:      "PATIENT",
	Version:   "v1",
	Columns:   []string{"PatientID", "NHSNumber", "DOB"},
	HasHeader: true,
}

var patientV2 = Schema{
	File:      "PATIENT",
	Version:   "v2",
	Columns:   []string{"PatientID", "NHSNumber", "DOB", "Deceased"},
	HasHeader: true,
}

func TestReader_HeaderVersionDetection(t *testing.T) {
	in := "PatientID,NHSNumber,DOB,Deceased\nP1,9000000009,1980-02-01,1\n"
	r, err := NewReader(strings.NewReader(in), "patient.csv", 1, patientV1, patientV2)
	if err != nil {
		t.Fatalf("NewReader failed: %v", err)
	}
	if r.Version() != "v2" {
		t.Errorf("expected version v2, got %s", r.Version())
	}
	if !r.Next() {
		t.Fatalf("expected a row, err=%v", r.Err())
	}
	row := r.Row()
	if got := row.Get("PatientID").String(); got != "P1" {
		t.Errorf("expected P1, got %q", got)
	}
	dead, err := row.Get("Deceased").Bool()
	if err != nil || !dead {
		t.Errorf("expected deceased true, got %v err=%v", dead, err)
	}
	if r.Next() {
		t.Error("expected end of file")
	}
	if r.Err() != nil {
		t.Errorf("unexpected error: %v", r.Err())
	}
}

func TestReader_HeaderCaseAndBOM(t *testing.T) {
	in := "\ufeffpatientid , NHSNUMBER,dob\nP1,,\n"
	r, err := NewReader(strings.NewReader(in), "patient.csv", 1, patientV1, patientV2)
	if err != nil {
		t.Fatalf("NewReader failed: %v", err)
	}
	if r.Version() != "v1" {
		t.Errorf("expected version v1, got %s", r.Version())
	}
	if !r.Next() {
		t.Fatal("expected a row")
	}
	if !r.Row().Get("NHSNumber").IsEmpty() {
		t.Error("expected empty NHS number")
	}
	// Column known only to v2 reads as empty in a v1 file.
	if !r.Row().Get("Deceased").IsEmpty() {
		t.Error("expected empty Deceased in v1 file")
	}
	if r.Row().Has("Deceased") {
		t.Error("expected Has(Deceased) false in v1 file")
	}
}

func TestReader_UnknownHeader(t *testing.T) {
	in := "Foo,Bar\n1,2\n"
	_, err := NewReader(strings.NewReader(in), "patient.csv", 1, patientV1)
	if !errors.Is(err, ErrUnknownSchema) {
		t.Fatalf("expected ErrUnknownSchema, got %v", err)
	}
	if !strings.Contains(err.Error(), "patient.csv") {
		t.Errorf("expected error to name the file, got %v", err)
	}
}

func TestReader_HeaderlessFieldCount(t *testing.T) {
	v1 := Schema{File: "CASE", Version: "v1", Columns: []string{"CaseRef", "PatientRef", "StartDate"}, Comma: '|'}
	v2 := Schema{File: "CASE", Version: "v2", Columns: []string{"CaseRef", "PatientRef", "StartDate", "CaseNo"}, Comma: '|'}
	in := "C1|P1|2020-01-01 10:00:00|77\n\nC2|P2||78\n"

	r, err := NewReader(strings.NewReader(in), "CASE.txt", 3, v1, v2)
	if err != nil {
		t.Fatalf("NewReader failed: %v", err)
	}
	if r.Version() != "v2" {
		t.Errorf("expected v2, got %s", r.Version())
	}

	var refs []string
	var records []int64
	for r.Next() {
		refs = append(refs, r.Row().Get("CaseRef").String())
		records = append(records, r.Row().Record())
	}
	if r.Err() != nil {
		t.Fatalf("unexpected error: %v", r.Err())
	}
	if len(refs) != 2 || refs[0] != "C1" || refs[1] != "C2" {
		t.Errorf("expected [C1 C2], got %v", refs)
	}
	if records[1] != 2 {
		t.Errorf("expected blank line skipped and record 2, got %d", records[1])
	}
}

func TestRow_UnknownColumnPanics(t *testing.T) {
	r, err := NewReader(strings.NewReader("PatientID,NHSNumber,DOB\nP1,1,\n"), "patient.csv", 1, patientV1)
	if err != nil {
		t.Fatalf("NewReader failed: %v", err)
	}
	r.Next()
	defer func() {
		if recover() == nil {
			t.Error("expected panic for unknown column")
		}
	}()
	r.Row().Get("NoSuchColumn")
}

func TestRow_ShortRecord(t *testing.T) {
	r, err := NewReader(strings.NewReader("PatientID,NHSNumber,DOB\nP1\n"), "patient.csv", 1, patientV1)
	if err != nil {
		t.Fatalf("NewReader failed: %v", err)
	}
	r.Next()
	c := r.Row().Get("DOB")
	if !c.IsEmpty() {
		t.Error("expected missing trailing field to be empty")
	}
	if c.Provenance().Column != 2 {
		t.Errorf("expected column 2, got %d", c.Provenance().Column)
	}
}

func TestReader_EmptyFile(t *testing.T) {
	r, err := NewReader(strings.NewReader(""), "patient.csv", 1, patientV1)
	if err != nil {
		t.Fatalf("NewReader failed: %v", err)
	}
	if r.Next() {
		t.Error("expected no rows")
	}
}

// ---------------------------------------------------------------------------
// Cell
// ---------------------------------------------------------------------------

func TestCell_TypedAccessors(t *testing.T) {
	prov := Provenance{FileID: 1, File: "X", Record: 4, Column: 2}

	if _, err := NewCell("  ", prov).Long(); !errors.Is(err, ErrEmptyCell) {
		t.Errorf("expected ErrEmptyCell, got %v", err)
	}
	v, err := NewCell(" 42 ", prov).Long()
	if err != nil || v != 42 {
		t.Errorf("expected 42, got %d err=%v", v, err)
	}

	_, err = NewCell("abc", prov).Int()
	var ce *CellError
	if !errors.As(err, &ce) {
		t.Fatalf("expected CellError, got %v", err)
	}
	if ce.Provenance.String() != "X#4[2]" {
		t.Errorf("expected provenance X#4[2], got %s", ce.Provenance)
	}

	if f, err := NewCell("7.25", prov).Float(); err != nil || f != 7.25 {
		t.Errorf("expected 7.25, got %v err=%v", f, err)
	}
	if _, err := NewCell("7,25", prov).Float(); !errors.As(err, &ce) || ce.Kind != "decimal" {
		t.Errorf("expected decimal CellError, got %v", err)
	}

	if p := NewCell("", prov).StringPtr(); p != nil {
		t.Error("expected nil for empty cell")
	}
	if p, _ := NewCell("", prov).IntPtr(); p != nil {
		t.Error("expected nil int for empty cell")
	}
	if !NewCell("Y", prov).BoolOr(false) {
		t.Error("expected Y to parse as true")
	}
	if NewCell("maybe", prov).BoolOr(false) {
		t.Error("expected default for unparseable boolean")
	}
}

func TestCell_Dates(t *testing.T) {
	prov := Provenance{File: "X", Record: 1}

	d, err := NewCell("2021-03-04 10:11:12", prov).Date()
	if err != nil {
		t.Fatalf("Date failed: %v", err)
	}
	if !d.Equal(time.Date(2021, 3, 4, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("expected truncated date, got %v", d)
	}

	dt, err := NewCell("2021-03-04", prov).DateTime()
	if err != nil {
		t.Fatalf("DateTime failed: %v", err)
	}
	if dt.Hour() != 0 {
		t.Errorf("expected midnight, got %v", dt)
	}

	if p, err := NewCell("", prov).DatePtr(); p != nil || err != nil {
		t.Errorf("expected nil, nil for empty date, got %v %v", p, err)
	}
	if _, err := NewCell("04/03/2021", prov).Date(); err == nil {
		t.Error("expected error for unsupported layout")
	}
}

func TestReader_SchemaDateLayout(t *testing.T) {
	s := Schema{
		File: "SREvent", Version: "v1", Columns: []string{"RowIdentifier", "DateEvent"}, HasHeader: true,
		DateLayout: "02 Jan 2006", DateTimeLayout: "02 Jan 2006 15:04:05",
	}
	r, err := NewReader(strings.NewReader("RowIdentifier,DateEvent\n1,05 Jun 2019 14:30:00\n"), "SREvent.csv", 1, s)
	if err != nil {
		t.Fatalf("NewReader failed: %v", err)
	}
	r.Next()
	dt, err := r.Row().Get("DateEvent").DateTime()
	if err != nil {
		t.Fatalf("DateTime failed: %v", err)
	}
	if dt.Month() != time.June || dt.Hour() != 14 {
		t.Errorf("unexpected datetime %v", dt)
	}
}
