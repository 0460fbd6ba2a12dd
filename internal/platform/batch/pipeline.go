package batch

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/ingest/internal/platform/csvsource"
	"github.com/ehr/ingest/internal/platform/filer"
)

var (
	// ErrBatchAborted is returned when a gate stage finishes with row errors
	// logged. Later stages and finishers do not run.
	ErrBatchAborted = errors.New("batch aborted")
	// ErrMissingFile is returned before any processing when a required file
	// is not in the batch directory.
	ErrMissingFile = errors.New("required file missing")
)

// Batch identifies one run of a pipeline over one delivery directory.
type Batch struct {
	ID        uuid.UUID `json:"id"`
	Source    string    `json:"source"`
	Dir       string    `json:"dir"`
	StartedAt time.Time `json:"started_at"`
}

// NewBatch returns a batch with a fresh id.
func NewBatch(source, dir string) Batch {
	return Batch{ID: uuid.New(), Source: source, Dir: dir, StartedAt: time.Now().UTC()}
}

// Stage is one pass over the files matching Pattern. Pre stages only publish
// linkage facts and always run before every main stage.
type Stage struct {
	Name      string
	Pattern   string
	Schemas   []csvsource.Schema
	Pre       bool
	Gate      bool // abort the batch if any row error is logged by the end of this stage
	Optional  bool
	Transform RowFunc
	// After runs once the stage's files are done, e.g. a worker pool barrier.
	After func(ctx context.Context) error
}

// Finisher is an end-of-batch pass that drains what the caches still hold.
type Finisher struct {
	Name string
	Run  func(ctx context.Context) error
}

// Pipeline is the fixed sequence of stages for one source system. It is built
// per batch together with the caches its transforms share.
type Pipeline struct {
	Source    string
	Stages    []Stage
	Finishers []Finisher
	Filer     *filer.Filer
	Logger    zerolog.Logger
}

// Summary describes a finished (or aborted) batch.
type Summary struct {
	Batch    Batch          `json:"batch"`
	Files    []FileResult   `json:"files"`
	Saved    map[string]int `json:"saved"`
	Warnings int            `json:"warnings"`
	Errors   int            `json:"errors"`
	Duration time.Duration  `json:"duration"`
	Failed   bool           `json:"failed"`
	Message  string         `json:"message,omitempty"`
}

// Ordered returns the stages in execution order: pre stages in declared
// order, then main stages in declared order.
func (p *Pipeline) Ordered() []Stage {
	out := make([]Stage, 0, len(p.Stages))
	for _, s := range p.Stages {
		if s.Pre {
			out = append(out, s)
		}
	}
	for _, s := range p.Stages {
		if !s.Pre {
			out = append(out, s)
		}
	}
	return out
}

// Discover resolves every stage pattern against dir. A required stage with no
// match fails the whole batch before anything is read.
func (p *Pipeline) Discover(dir string) (map[string][]string, error) {
	found := make(map[string][]string)
	var missing []string
	for _, s := range p.Stages {
		matches, err := filepath.Glob(filepath.Join(dir, s.Pattern))
		if err != nil {
			return nil, fmt.Errorf("stage %s pattern %q: %w", s.Name, s.Pattern, err)
		}
		sort.Strings(matches)
		if len(matches) == 0 && !s.Optional {
			missing = append(missing, s.Pattern)
		}
		found[stageKey(s)] = matches
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%s: %v: %w", dir, missing, ErrMissingFile)
	}
	return found, nil
}

func stageKey(s Stage) string {
	if s.Pre {
		return "pre:" + s.Name
	}
	return s.Name
}

// Run executes the batch. The summary is returned even when the batch fails.
func (p *Pipeline) Run(ctx context.Context, b Batch) (*Summary, error) {
	logger := p.Logger.With().Str("batch_id", b.ID.String()).Str("source", p.Source).Logger()
	sum := &Summary{Batch: b}
	started := time.Now()
	finish := func(err error) (*Summary, error) {
		fs := p.Filer.Summary()
		sum.Saved, sum.Warnings, sum.Errors = fs.Saved, fs.Warnings, fs.Errors
		sum.Duration = time.Since(started)
		if err != nil {
			sum.Failed = true
			sum.Message = err.Error()
			logger.Error().Err(err).Int("errors", sum.Errors).Int("warnings", sum.Warnings).Msg("batch failed")
		} else {
			logger.Info().Int("saved", fs.Total()).Int("warnings", sum.Warnings).Dur("duration", sum.Duration).Msg("batch complete")
		}
		return sum, err
	}

	files, err := p.Discover(b.Dir)
	if err != nil {
		return finish(err)
	}
	logger.Info().Str("dir", b.Dir).Int("stages", len(p.Stages)).Msg("batch started")

	fileIDs := make(map[string]int)
	for _, st := range p.Ordered() {
		stageLog := logger.With().Str("stage", st.Name).Bool("pre", st.Pre).Logger()
		for _, path := range files[stageKey(st)] {
			id, ok := fileIDs[path]
			if !ok {
				id = len(fileIDs) + 1
				fileIDs[path] = id
			}
			res, err := p.runFile(ctx, st, path, id, stageLog)
			sum.Files = append(sum.Files, res)
			if err != nil {
				return finish(err)
			}
		}
		if len(files[stageKey(st)]) == 0 {
			stageLog.Info().Str("pattern", st.Pattern).Msg("optional file not present")
		}
		if st.After != nil {
			if err := st.After(ctx); err != nil {
				return finish(fmt.Errorf("stage %s: %w", st.Name, err))
			}
		}
		if st.Gate {
			if err := p.Filer.FailIfAnyErrors(); err != nil {
				return finish(fmt.Errorf("%w after %s: %w", ErrBatchAborted, st.Name, err))
			}
		}
	}

	for _, fin := range p.Finishers {
		if err := fin.Run(ctx); err != nil {
			return finish(fmt.Errorf("finisher %s: %w", fin.Name, err))
		}
	}
	return finish(p.Filer.FailIfAnyErrors())
}

func (p *Pipeline) runFile(ctx context.Context, st Stage, path string, fileID int, logger zerolog.Logger) (FileResult, error) {
	rd, err := csvsource.Open(path, fileID, st.Schemas...)
	if err != nil {
		res := FileResult{Stage: st.Name, Path: filepath.Base(path), Pre: st.Pre, Err: err}
		return res, fmt.Errorf("stage %s: %w", st.Name, err)
	}
	defer rd.Close()

	res := ProcessFile(ctx, rd, st.Transform, p.Filer, logger)
	res.Stage = st.Name
	res.Pre = st.Pre
	if res.Err != nil {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		// A malformed file counts against the batch gate like a bad row.
		p.Filer.LogRowError(csvsource.Provenance{FileID: fileID, File: res.Path, Record: int64(res.Rows), Column: -1}, res.Err)
	}
	return res, nil
}
