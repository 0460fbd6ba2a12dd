// Package jobs runs import batches in the background for the HTTP surface and
// keeps their status in memory.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/ingest/internal/platform/batch"
	"github.com/ehr/ingest/internal/platform/fhir"
)

// Job statuses.
const (
	StatusQueued    = "queued"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// ErrNotFound is returned for an unknown job id.
var ErrNotFound = errors.New("job not found")

// Job is one submitted batch.
type Job struct {
	ID        uuid.UUID              `json:"id"`
	Source    string                 `json:"source"`
	Dir       string                 `json:"dir"`
	Status    string                 `json:"status"`
	CreatedAt time.Time              `json:"createdAt"`
	StartedAt *time.Time             `json:"startedAt,omitempty"`
	EndTime   *time.Time             `json:"endTime,omitempty"`
	Summary   *batch.Summary         `json:"summary,omitempty"`
	Error     string                 `json:"error,omitempty"`
	Outcome   *fhir.OperationOutcome `json:"-"`
}

// Done reports whether the job has reached a terminal status.
func (j *Job) Done() bool { return j.Status == StatusCompleted || j.Status == StatusFailed }

func copyJob(j *Job) *Job {
	cp := *j
	if j.StartedAt != nil {
		t := *j.StartedAt
		cp.StartedAt = &t
	}
	if j.EndTime != nil {
		t := *j.EndTime
		cp.EndTime = &t
	}
	return &cp
}

// Store keeps jobs in memory. Callers always receive copies.
type Store struct {
	mu   sync.RWMutex
	jobs map[uuid.UUID]*Job
}

func NewStore() *Store {
	return &Store{jobs: make(map[uuid.UUID]*Job)}
}

func (s *Store) Create(job *Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}
	if job.Status == "" {
		job.Status = StatusQueued
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}
	s.jobs[job.ID] = copyJob(job)
}

func (s *Store) Get(id uuid.UUID) (*Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	return copyJob(job), nil
}

// Update applies fn to the stored job under the store lock.
func (s *Store) Update(id uuid.UUID, fn func(*Job)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	fn(job)
	return nil
}

// List returns jobs newest first, optionally filtered by status. limit <= 0
// means no limit.
func (s *Store) List(status string, limit int) []*Job {
	s.mu.RLock()
	out := make([]*Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		if status != "" && job.Status != status {
			continue
		}
		out = append(out, copyJob(job))
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// Runner imports one batch. The outcome lists the batch's row issues and may be
// returned together with an error.
type Runner interface {
	Run(ctx context.Context, b batch.Batch) (*batch.Summary, *fhir.OperationOutcome, error)
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context, b batch.Batch) (*batch.Summary, *fhir.OperationOutcome, error)

func (f RunnerFunc) Run(ctx context.Context, b batch.Batch) (*batch.Summary, *fhir.OperationOutcome, error) {
	return f(ctx, b)
}

// Manager submits jobs and runs each on its own goroutine.
type Manager struct {
	store  *Store
	runner Runner
	logger zerolog.Logger
	ctx    context.Context
	wg     sync.WaitGroup
}

// NewManager returns a manager whose jobs run under ctx; cancelling ctx
// cancels running batches.
func NewManager(ctx context.Context, store *Store, runner Runner, logger zerolog.Logger) *Manager {
	return &Manager{store: store, runner: runner, logger: logger, ctx: ctx}
}

func (m *Manager) Store() *Store { return m.store }

// Submit records a queued job and starts it.
func (m *Manager) Submit(source, dir string) *Job {
	job := &Job{Source: source, Dir: dir}
	m.store.Create(job)
	m.wg.Add(1)
	go m.process(job.ID, batch.Batch{ID: job.ID, Source: source, Dir: dir, StartedAt: time.Now().UTC()})
	return job
}

func (m *Manager) process(id uuid.UUID, b batch.Batch) {
	defer m.wg.Done()
	logger := m.logger.With().Str("job_id", id.String()).Str("source", b.Source).Logger()
	started := time.Now().UTC()
	_ = m.store.Update(id, func(j *Job) {
		j.Status = StatusRunning
		j.StartedAt = &started
	})

	sum, outcome, err := m.run(b)

	now := time.Now().UTC()
	_ = m.store.Update(id, func(j *Job) {
		j.EndTime = &now
		j.Summary = sum
		j.Outcome = outcome
		j.Status = StatusCompleted
		if err != nil {
			j.Status = StatusFailed
			j.Error = err.Error()
		}
	})
	if err != nil {
		logger.Warn().Err(err).Msg("job failed")
		return
	}
	logger.Info().Dur("duration", now.Sub(started)).Msg("job completed")
}

func (m *Manager) run(b batch.Batch) (sum *batch.Summary, outcome *fhir.OperationOutcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("batch panicked: %v", r)
		}
	}()
	return m.runner.Run(m.ctx, b)
}

// Wait blocks until every submitted job has finished.
func (m *Manager) Wait() { m.wg.Wait() }
