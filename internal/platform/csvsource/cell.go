package csvsource

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrEmptyCell is returned by the typed accessors when the cell holds no value.
var ErrEmptyCell = errors.New("cell is empty")

// Provenance points at the source of a value for audit: which file, which data
// record (1-based) and, for a single cell, which column.
type Provenance struct {
	FileID int
	File   string
	Record int64
	Column int // -1 when the provenance refers to the whole row
}

func (p Provenance) String() string {
	if p.Column < 0 {
		return fmt.Sprintf("%s#%d", p.File, p.Record)
	}
	return fmt.Sprintf("%s#%d[%d]", p.File, p.Record, p.Column)
}

// Row returns the provenance of the row the cell belongs to.
func (p Provenance) Row() Provenance {
	p.Column = -1
	return p
}

// CellError describes a non-empty cell value that failed to parse.
type CellError struct {
	Provenance Provenance
	Kind       string
	Raw        string
	Err        error
}

func (e *CellError) Error() string {
	return fmt.Sprintf("parse %s %q as %s: %v", e.Provenance, e.Raw, e.Kind, e.Err)
}

func (e *CellError) Unwrap() error { return e.Err }

// Cell is a single parsed value from a tabular row. Cells are immutable.
type Cell struct {
	raw    string
	prov   Provenance
	layout *layouts
}

type layouts struct {
	date     string
	dateTime string
}

// NewCell builds a cell outside of a Reader, mostly useful in tests.
func NewCell(raw string, prov Provenance) Cell {
	return Cell{raw: raw, prov: prov, layout: &layouts{date: DefaultDateLayout, dateTime: DefaultDateTimeLayout}}
}

// Raw returns the value exactly as read.
func (c Cell) Raw() string { return c.raw }

// String returns the trimmed value.
func (c Cell) String() string { return strings.TrimSpace(c.raw) }

// IsEmpty reports whether the cell carries no value after trimming.
func (c Cell) IsEmpty() bool { return c.String() == "" }

// Provenance returns where the cell came from.
func (c Cell) Provenance() Provenance { return c.prov }

// StringPtr returns nil for an empty cell, otherwise a pointer to the trimmed value.
func (c Cell) StringPtr() *string {
	if c.IsEmpty() {
		return nil
	}
	s := c.String()
	return &s
}

func (c Cell) Long() (int64, error) {
	if c.IsEmpty() {
		return 0, ErrEmptyCell
	}
	v, err := strconv.ParseInt(c.String(), 10, 64)
	if err != nil {
		return 0, &CellError{Provenance: c.prov, Kind: "long", Raw: c.raw, Err: err}
	}
	return v, nil
}

// Float parses a decimal value.
func (c Cell) Float() (float64, error) {
	if c.IsEmpty() {
		return 0, ErrEmptyCell
	}
	v, err := strconv.ParseFloat(c.String(), 64)
	if err != nil {
		return 0, &CellError{Provenance: c.prov, Kind: "decimal", Raw: c.raw, Err: err}
	}
	return v, nil
}

func (c Cell) Int() (int, error) {
	if c.IsEmpty() {
		return 0, ErrEmptyCell
	}
	v, err := strconv.Atoi(c.String())
	if err != nil {
		return 0, &CellError{Provenance: c.prov, Kind: "int", Raw: c.raw, Err: err}
	}
	return v, nil
}

// IntPtr returns nil for an empty cell.
func (c Cell) IntPtr() (*int, error) {
	v, err := c.Int()
	if errors.Is(err, ErrEmptyCell) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &v, nil
}

// Bool accepts the spellings the source systems use: true/false, t/f, y/n,
// yes/no and 1/0, case-insensitively.
func (c Cell) Bool() (bool, error) {
	if c.IsEmpty() {
		return false, ErrEmptyCell
	}
	switch strings.ToLower(c.String()) {
	case "true", "t", "y", "yes", "1":
		return true, nil
	case "false", "f", "n", "no", "0":
		return false, nil
	}
	return false, &CellError{Provenance: c.prov, Kind: "boolean", Raw: c.raw, Err: fmt.Errorf("unrecognised boolean")}
}

// BoolOr returns def for an empty or unparseable cell.
func (c Cell) BoolOr(def bool) bool {
	v, err := c.Bool()
	if err != nil {
		return def
	}
	return v
}

// Date parses the cell with the schema's date layout. Values carrying a time
// part are accepted too and truncated to the day.
func (c Cell) Date() (time.Time, error) {
	if c.IsEmpty() {
		return time.Time{}, ErrEmptyCell
	}
	s := c.String()
	if t, err := time.Parse(c.layout.date, s); err == nil {
		return t, nil
	}
	t, err := time.Parse(c.layout.dateTime, s)
	if err != nil {
		return time.Time{}, &CellError{Provenance: c.prov, Kind: "date", Raw: c.raw, Err: err}
	}
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC), nil
}

// DateTime parses the cell with the schema's date-time layout, falling back to the
// date layout for values with no time part.
func (c Cell) DateTime() (time.Time, error) {
	if c.IsEmpty() {
		return time.Time{}, ErrEmptyCell
	}
	s := c.String()
	if t, err := time.Parse(c.layout.dateTime, s); err == nil {
		return t, nil
	}
	t, err := time.Parse(c.layout.date, s)
	if err != nil {
		return time.Time{}, &CellError{Provenance: c.prov, Kind: "datetime", Raw: c.raw, Err: err}
	}
	return t, nil
}

// DatePtr returns nil for an empty cell.
func (c Cell) DatePtr() (*time.Time, error) {
	t, err := c.Date()
	if errors.Is(err, ErrEmptyCell) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// DateTimePtr returns nil for an empty cell.
func (c Cell) DateTimePtr() (*time.Time, error) {
	t, err := c.DateTime()
	if errors.Is(err, ErrEmptyCell) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}
