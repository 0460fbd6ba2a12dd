package csvsource

import (
	"bufio"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Reader streams typed rows from one extract file. The column layout is picked
// once, from the header or the first record, among the schemas it was given.
type Reader struct {
	csv     *csv.Reader
	closer  io.Closer
	fileID  int
	name    string
	schemas []Schema

	schema  *Schema
	colIdx  map[string]int
	known   map[string]bool
	layout  *layouts
	record  int64
	pending []string
	row     *Row
	err     error
	done    bool
}

// NewReader prepares a reader over r. name is used in provenance and errors.
// All schemas passed for one file must agree on HasHeader and Comma.
func NewReader(r io.Reader, name string, fileID int, schemas ...Schema) (*Reader, error) {
	if len(schemas) == 0 {
		return nil, fmt.Errorf("csvsource: no schema for %s", name)
	}
	first := schemas[0]
	for _, s := range schemas[1:] {
		if s.HasHeader != first.HasHeader || s.comma() != first.comma() {
			return nil, fmt.Errorf("csvsource: schema versions of %s disagree on header or delimiter", first.File)
		}
	}

	br := bufio.NewReaderSize(r, 256*1024)
	if bom, err := br.Peek(3); err == nil && bom[0] == 0xEF && bom[1] == 0xBB && bom[2] == 0xBF {
		_, _ = br.Discard(3)
	}

	cr := csv.NewReader(br)
	cr.Comma = first.comma()
	cr.LazyQuotes = true
	cr.FieldsPerRecord = -1
	cr.ReuseRecord = false

	rd := &Reader{
		csv:     cr,
		fileID:  fileID,
		name:    name,
		schemas: schemas,
		known:   make(map[string]bool),
	}
	for _, s := range schemas {
		for _, c := range s.Columns {
			rd.known[normalizeColumn(c)] = true
		}
	}
	if err := rd.detect(); err != nil {
		return nil, err
	}
	return rd, nil
}

// Open opens path and returns a reader over it. The caller must Close it.
func Open(path string, fileID int, schemas ...Schema) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	rd, err := NewReader(f, filepath.Base(path), fileID, schemas...)
	if err != nil {
		f.Close()
		return nil, err
	}
	rd.closer = f
	return rd, nil
}

func (r *Reader) detect() error {
	rec, err := r.readNonBlank()
	if errors.Is(err, io.EOF) {
		// An empty file takes the first (oldest) layout and yields no rows.
		r.use(&r.schemas[0])
		r.done = true
		return nil
	}
	if err != nil {
		return fmt.Errorf("read %s: %w", r.name, err)
	}

	if r.schemas[0].HasHeader {
		for i := range r.schemas {
			if r.schemas[i].matchesHeader(rec) {
				r.use(&r.schemas[i])
				return nil
			}
		}
		return fmt.Errorf("%s header [%s]: %w", r.name, strings.Join(rec, ","), ErrUnknownSchema)
	}

	for i := range r.schemas {
		if len(r.schemas[i].Columns) == len(rec) {
			r.use(&r.schemas[i])
			r.pending = rec
			return nil
		}
	}
	return fmt.Errorf("%s has %d fields: %w", r.name, len(rec), ErrUnknownSchema)
}

func (r *Reader) use(s *Schema) {
	r.schema = s
	r.colIdx = s.index()
	r.layout = s.layouts()
}

func (r *Reader) readNonBlank() ([]string, error) {
	for {
		rec, err := r.csv.Read()
		if err != nil {
			return nil, err
		}
		if !blank(rec) {
			return rec, nil
		}
	}
}

func blank(rec []string) bool {
	for _, f := range rec {
		if strings.TrimSpace(f) != "" {
			return false
		}
	}
	return true
}

// Next advances to the next data row. It returns false at end of file or on
// error; check Err to tell them apart.
func (r *Reader) Next() bool {
	if r.done || r.err != nil {
		return false
	}
	var rec []string
	if r.pending != nil {
		rec, r.pending = r.pending, nil
	} else {
		var err error
		rec, err = r.readNonBlank()
		if errors.Is(err, io.EOF) {
			r.done = true
			r.row = nil
			return false
		}
		if err != nil {
			r.err = fmt.Errorf("read %s after record %d: %w", r.name, r.record, err)
			r.row = nil
			return false
		}
	}
	r.record++
	r.row = &Row{
		fields: rec,
		reader: r,
		prov:   Provenance{FileID: r.fileID, File: r.name, Record: r.record, Column: -1},
	}
	return true
}

// Row returns the current row. It is valid until the next call to Next.
func (r *Reader) Row() *Row { return r.row }

func (r *Reader) Err() error { return r.err }

// Version returns the detected schema version.
func (r *Reader) Version() string { return r.schema.Version }

func (r *Reader) Schema() Schema { return *r.schema }

func (r *Reader) Name() string { return r.name }

func (r *Reader) Close() error {
	if r.closer == nil {
		return nil
	}
	return r.closer.Close()
}

// Row is one data record addressed by column name.
type Row struct {
	fields []string
	reader *Reader
	prov   Provenance
}

// Get returns the named cell. Columns that exist only in another version of the
// file read as empty; a name that no version defines panics.
func (r *Row) Get(column string) Cell {
	key := normalizeColumn(column)
	i, ok := r.reader.colIdx[key]
	if !ok {
		if !r.reader.known[key] {
			panic(fmt.Sprintf("csvsource: %s has no column %q", r.reader.schema.File, column))
		}
		return Cell{prov: r.prov, layout: r.reader.layout}
	}
	prov := r.prov
	prov.Column = i
	if i >= len(r.fields) {
		return Cell{prov: prov, layout: r.reader.layout}
	}
	return Cell{raw: r.fields[i], prov: prov, layout: r.reader.layout}
}

// Has reports whether the detected version of the file defines column.
func (r *Row) Has(column string) bool {
	_, ok := r.reader.colIdx[normalizeColumn(column)]
	return ok
}

func (r *Row) Provenance() Provenance { return r.prov }

func (r *Row) Record() int64 { return r.prov.Record }

// Fields returns the raw values of the row.
func (r *Row) Fields() []string { return r.fields }
