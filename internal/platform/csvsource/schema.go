package csvsource

import (
	"errors"
	"strings"
)

// ErrUnknownSchema is returned when a file matches none of its known layouts.
var ErrUnknownSchema = errors.New("file does not match any known schema version")

const (
	DefaultDateLayout     = "2006-01-02"
	DefaultDateTimeLayout = "2006-01-02 15:04:05"
)

// Schema is one version of the column layout of one file type. Files that carry a
// header row are matched by their header; headerless files by their field count.
type Schema struct {
	File           string
	Version        string
	Columns        []string
	HasHeader      bool
	Comma          rune
	DateLayout     string
	DateTimeLayout string
}

func (s Schema) comma() rune {
	if s.Comma == 0 {
		return ','
	}
	return s.Comma
}

func (s Schema) layouts() *layouts {
	l := &layouts{date: s.DateLayout, dateTime: s.DateTimeLayout}
	if l.date == "" {
		l.date = DefaultDateLayout
	}
	if l.dateTime == "" {
		l.dateTime = DefaultDateTimeLayout
	}
	return l
}

func (s Schema) index() map[string]int {
	idx := make(map[string]int, len(s.Columns))
	for i, c := range s.Columns {
		idx[normalizeColumn(c)] = i
	}
	return idx
}

// matchesHeader reports whether header lists exactly this schema's columns in order.
func (s Schema) matchesHeader(header []string) bool {
	if len(header) != len(s.Columns) {
		return false
	}
	for i, h := range header {
		if normalizeColumn(h) != normalizeColumn(s.Columns[i]) {
			return false
		}
	}
	return true
}

func normalizeColumn(c string) string {
	return strings.ToLower(strings.TrimSpace(strings.TrimPrefix(c, "\ufeff")))
}
