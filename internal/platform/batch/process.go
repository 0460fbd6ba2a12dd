// Package batch runs source transforms over extract files one row at a time,
// isolating row failures, and sequences the files of an import batch into
// pre passes, main passes, gates and end-of-batch drains.
package batch

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/ingest/internal/platform/csvsource"
	"github.com/ehr/ingest/internal/platform/filer"
)

// RowFunc transforms one row. Returning a Skip error records one warning;
// any other error, or a panic, records a row error. Neither stops the file.
type RowFunc func(ctx context.Context, row *csvsource.Row) error

type skipError struct{ msg string }

func (e *skipError) Error() string { return e.msg }

// Skip reports that a row was deliberately not used, e.g. a required key is
// empty or refers to a record the batch never published.
func Skip(format string, args ...interface{}) error {
	return &skipError{msg: fmt.Sprintf(format, args...)}
}

// IsSkip reports whether err came from Skip.
func IsSkip(err error) bool {
	var s *skipError
	return errors.As(err, &s)
}

type Status string

const (
	StatusOK      Status = "ok"
	StatusSkipped Status = "skipped"
	StatusFailed  Status = "failed"
)

// RowResult is the outcome of one row.
type RowResult struct {
	Provenance csvsource.Provenance `json:"provenance"`
	Status     Status               `json:"status"`
	Err        error                `json:"-"`
}

// FileResult collects the outcome of one pass over one file. Results holds
// only the rows that were not ok.
type FileResult struct {
	Stage    string        `json:"stage"`
	Path     string        `json:"path"`
	Version  string        `json:"version"`
	Pre      bool          `json:"pre"`
	Rows     int           `json:"rows"`
	OK       int           `json:"ok"`
	Skipped  int           `json:"skipped"`
	Failed   int           `json:"failed"`
	Results  []RowResult   `json:"-"`
	Err      error         `json:"-"`
	Duration time.Duration `json:"duration"`
}

func (r FileResult) HasErrors() bool {
	return r.Failed > 0 || r.Err != nil
}

// ProcessFile applies fn to every row of rd in source order. Each row's
// outcome is logged to f against its provenance. A reader error ends the
// file early and is reported in FileResult.Err.
func ProcessFile(ctx context.Context, rd *csvsource.Reader, fn RowFunc, f *filer.Filer, logger zerolog.Logger) FileResult {
	start := time.Now()
	res := FileResult{Path: rd.Name(), Version: rd.Version()}

	for rd.Next() {
		if err := ctx.Err(); err != nil {
			res.Err = err
			break
		}
		row := rd.Row()
		res.Rows++

		rr := runRow(ctx, fn, row)
		switch rr.Status {
		case StatusOK:
			res.OK++
			continue
		case StatusSkipped:
			res.Skipped++
			f.LogRowWarning(rr.Provenance, "%s", rr.Err.Error())
		case StatusFailed:
			res.Failed++
			f.LogRowError(rr.Provenance, rr.Err)
		}
		res.Results = append(res.Results, rr)
	}
	if res.Err == nil {
		res.Err = rd.Err()
	}
	res.Duration = time.Since(start)

	logger.Debug().
		Str("file", res.Path).
		Str("version", res.Version).
		Int("rows", res.Rows).
		Int("skipped", res.Skipped).
		Int("failed", res.Failed).
		Dur("duration", res.Duration).
		Msg("file processed")
	return res
}

func runRow(ctx context.Context, fn RowFunc, row *csvsource.Row) (rr RowResult) {
	rr = RowResult{Provenance: row.Provenance(), Status: StatusOK}
	defer func() {
		if r := recover(); r != nil {
			rr.Status = StatusFailed
			rr.Err = &PanicError{Value: r, Stack: debug.Stack()}
		}
	}()

	err := fn(ctx, row)
	switch {
	case err == nil:
	case IsSkip(err):
		rr.Status = StatusSkipped
		rr.Err = err
	default:
		rr.Status = StatusFailed
		rr.Err = err
	}
	return rr
}

// PanicError is a recovered panic from a row transform.
type PanicError struct {
	Value interface{}
	Stack []byte
}

func (e *PanicError) Error() string { return fmt.Sprintf("panic: %v", e.Value) }
