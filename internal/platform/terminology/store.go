// Package terminology resolves code-system translations and hierarchies
// against reference data, with a memoizing front end for batch use.
package terminology

import (
	"context"

	"github.com/ehr/ingest/internal/platform/fhir"
	"github.com/ehr/ingest/internal/platform/memo"
)

// Code system URIs used by the source pipelines.
const (
	SystemSNOMED = "http://snomed.info/sct"
	SystemCTV3   = "http://read.info/ctv3"
	SystemRead2  = "http://read.info/readv2"
	SystemICD10  = "http://hl7.org/fhir/sid/icd-10"
	SystemOPCS4  = "http://fhir.nhs.net/CodeSystem/opcs-4"
	SystemDMD    = "https://dmd.nhs.uk"
)

// ErrNotFound is returned when reference data has no answer for a code. It is
// the memo package's not-found error so memo policies apply to store misses.
var ErrNotFound = memo.ErrNotFound

// Concept is a code in a code system.
type Concept struct {
	System  string `json:"system"`
	Code    string `json:"code"`
	Display string `json:"display,omitempty"`
}

func (c Concept) Coding() fhir.Coding {
	return fhir.Coding{System: c.System, Code: c.Code, Display: c.Display}
}

// Store is a source of reference data.
type Store interface {
	// Translate maps code in fromSystem to its equivalent in toSystem.
	Translate(ctx context.Context, fromSystem, code, toSystem string) (Concept, error)
	// Parents returns the direct parents of code within system.
	Parents(ctx context.Context, system, code string) ([]string, error)
}
