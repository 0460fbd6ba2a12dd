package filer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/ehr/ingest/internal/platform/fhir"
)

// NDJSONStore appends records to one <ResourceType>.ndjson file per type under
// a directory. Upserts are not collapsed: a record saved twice appears twice,
// last line wins.
type NDJSONStore struct {
	dir string

	mu      sync.Mutex
	files   map[string]*os.File
	writers map[string]*fhir.NDJSONWriter
}

func NewNDJSONStore(dir string) (*NDJSONStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create output dir %s: %w", dir, err)
	}
	return &NDJSONStore{
		dir:     dir,
		files:   make(map[string]*os.File),
		writers: make(map[string]*fhir.NDJSONWriter),
	}, nil
}

func (s *NDJSONStore) writer(resourceType string) (*fhir.NDJSONWriter, error) {
	if w, ok := s.writers[resourceType]; ok {
		return w, nil
	}
	path := filepath.Join(s.dir, resourceType+".ndjson")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	w := fhir.NewNDJSONWriter(f)
	s.files[resourceType] = f
	s.writers[resourceType] = w
	return w, nil
}

func (s *NDJSONStore) Write(_ context.Context, env Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range env.Resources {
		w, err := s.writer(r.GetResourceType())
		if err != nil {
			return err
		}
		if err := w.WriteResource(r); err != nil {
			return fmt.Errorf("write %s/%s: %w", r.GetResourceType(), r.GetFHIRID(), err)
		}
	}
	return nil
}

// Lines reports how many records were written per resource type.
func (s *NDJSONStore) Lines() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int, len(s.writers))
	for typ, w := range s.writers {
		out[typ] = w.Lines()
	}
	return out
}

func (s *NDJSONStore) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	for typ, w := range s.writers {
		if err := w.Flush(); err != nil {
			errs = append(errs, fmt.Errorf("flush %s: %w", typ, err))
		}
		if err := s.files[typ].Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", typ, err))
		}
	}
	s.files = make(map[string]*os.File)
	s.writers = make(map[string]*fhir.NDJSONWriter)
	return errors.Join(errs...)
}
