package tpp

import (
	"context"
	"errors"

	"github.com/ehr/ingest/internal/domain/clinical"
	"github.com/ehr/ingest/internal/platform/terminology"
)

// codeKind says which record a coded SRCode row becomes.
type codeKind struct {
	condition bool
	category  string
}

// chapterKind maps the first character of a CTV3 code to the record it
// describes. Chapters X and Y hold the CTV3 extension concepts and have no
// meaning of their own; ok is false for them.
func chapterKind(code string) (codeKind, bool) {
	if code == "" {
		return codeKind{}, false
	}
	switch c := code[0]; {
	case c == 'X' || c == 'Y':
		return codeKind{}, false
	case c == '0':
		return codeKind{category: clinical.CategorySocial}, true
	case c == '1' || c == '9' || c == 'R' || c == 'Z':
		return codeKind{category: clinical.CategorySurvey}, true
	case c == '2':
		return codeKind{category: clinical.CategoryExam}, true
	case c == '4':
		return codeKind{category: clinical.CategoryLaboratory}, true
	case c >= '3' && c <= '8':
		return codeKind{category: clinical.CategoryProcedure}, true
	case (c >= 'A' && c <= 'Q') || c == 'S' || c == 'T':
		return codeKind{condition: true, category: clinical.CategoryDiagnosis}, true
	}
	return codeKind{category: clinical.CategorySurvey}, true
}

// classify decides the record kind for a CTV3 code. Extension codes are placed
// by the nearest ancestor outside chapters X and Y; codes with no such ancestor
// become survey observations.
func classify(ctx context.Context, tr *terminology.Translator, code string) (codeKind, error) {
	if k, ok := chapterKind(code); ok {
		return k, nil
	}
	fallback := codeKind{category: clinical.CategorySurvey}
	if tr == nil {
		return fallback, nil
	}
	ancestors, err := tr.Ancestors(ctx, terminology.SystemCTV3, code)
	if err != nil && !errors.Is(err, terminology.ErrNotFound) {
		return codeKind{}, err
	}
	for _, a := range ancestors {
		if k, ok := chapterKind(a); ok {
			return k, nil
		}
	}
	return fallback, nil
}
