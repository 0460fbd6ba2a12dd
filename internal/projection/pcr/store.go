package pcr

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/parquet-go/parquet-go"
	"github.com/rs/zerolog"

	"github.com/ehr/ingest/internal/platform/filer"
)

// table keeps one row per record id in first-write order. A later write of the
// same id replaces the row.
type table[T any] struct {
	rows  []T
	index map[string]int
}

func (t *table[T]) put(id string, row T) {
	if t.index == nil {
		t.index = make(map[string]int)
	}
	if i, ok := t.index[id]; ok {
		t.rows[i] = row
		return
	}
	t.index[id] = len(t.rows)
	t.rows = append(t.rows, row)
}

// Store is a filer.Store that buffers PCR rows and writes one Parquet file per
// table on Close.
type Store struct {
	dir    string
	logger zerolog.Logger

	mu           sync.Mutex
	closed       bool
	patients     table[PatientRow]
	encounters   table[EncounterRow]
	observations table[ObservationRow]
	conditions   table[ConditionRow]
	medications  table[MedicationRow]
}

var _ filer.Store = (*Store)(nil)

func NewStore(dir string, logger zerolog.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create pcr dir: %w", err)
	}
	return &Store{dir: dir, logger: logger.With().Str("component", "pcr").Logger()}, nil
}

func (s *Store) Write(_ context.Context, env filer.Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("pcr store closed")
	}
	for _, r := range env.Resources {
		row, ok := Project(r)
		if !ok {
			continue
		}
		id := r.GetFHIRID()
		switch v := row.(type) {
		case PatientRow:
			s.patients.put(id, v)
		case EncounterRow:
			s.encounters.put(id, v)
		case ObservationRow:
			s.observations.put(id, v)
		case ConditionRow:
			s.conditions.put(id, v)
		case MedicationRow:
			s.medications.put(id, v)
		}
	}
	return nil
}

// Counts returns the buffered row count per table.
func (s *Store) Counts() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return map[string]int{
		TablePatient:     len(s.patients.rows),
		TableEncounter:   len(s.encounters.rows),
		TableObservation: len(s.observations.rows),
		TableCondition:   len(s.conditions.rows),
		TableMedication:  len(s.medications.rows),
	}
}

// Close writes <dir>/<table>.parquet for every table with rows.
func (s *Store) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return errors.Join(
		writeTable(s, TablePatient, s.patients.rows),
		writeTable(s, TableEncounter, s.encounters.rows),
		writeTable(s, TableObservation, s.observations.rows),
		writeTable(s, TableCondition, s.conditions.rows),
		writeTable(s, TableMedication, s.medications.rows),
	)
}

func writeTable[T any](s *Store, name string, rows []T) error {
	if len(rows) == 0 {
		return nil
	}
	path := filepath.Join(s.dir, name+".parquet")
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create parquet file: %w", err)
	}
	w := parquet.NewGenericWriter[T](file, parquet.Compression(&parquet.Snappy))
	if _, err := w.Write(rows); err != nil {
		w.Close()
		file.Close()
		return fmt.Errorf("failed to write %s rows: %w", name, err)
	}
	if err := w.Close(); err != nil {
		file.Close()
		return fmt.Errorf("failed to close parquet writer: %w", err)
	}
	if err := file.Close(); err != nil {
		return err
	}
	s.logger.Info().Str("table", name).Int("rows", len(rows)).Str("path", path).Msg("pcr table written")
	return nil
}
