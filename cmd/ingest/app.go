package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/ehr/ingest/internal/config"
	"github.com/ehr/ingest/internal/platform/batch"
	"github.com/ehr/ingest/internal/platform/db"
	"github.com/ehr/ingest/internal/platform/fhir"
	"github.com/ehr/ingest/internal/platform/filer"
	"github.com/ehr/ingest/internal/platform/terminology"
	"github.com/ehr/ingest/internal/projection/pcr"
	"github.com/ehr/ingest/internal/source"
	"github.com/ehr/ingest/internal/source/kit"
)

func newLogger(cfg *config.Config) zerolog.Logger {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if cfg.IsDev() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.LogLevel))
	if err != nil || cfg.LogLevel == "" {
		level = zerolog.InfoLevel
	}
	return logger.Level(level)
}

// app holds what every command shares. pool is nil unless the configured
// output or terminology backend needs postgres.
type app struct {
	cfg    *config.Config
	logger zerolog.Logger
	pool   *pgxpool.Pool
	terms  terminology.Store
}

func newApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*app, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, logger: logger}
	if cfg.NeedsDatabase() {
		pool, err := db.NewPool(ctx, db.PoolConfig{
			URL:      cfg.DatabaseURL,
			MaxConns: cfg.DBMaxConns,
			MinConns: cfg.DBMinConns,
			Schema:   cfg.TargetSchema,
		})
		if err != nil {
			return nil, err
		}
		a.pool = pool
		logger.Info().Str("schema", cfg.TargetSchema).Msg("connected to database")
	}
	switch cfg.Terminology {
	case config.TerminologyDatabase:
		a.terms = terminology.NewPGStore(a.pool)
	case config.TerminologyHTTP:
		a.terms = terminology.NewHTTPStore(cfg.TerminologyURL, cfg.TerminologyTimeout, cfg.TerminologyRetries, logger)
	default:
		a.terms = terminology.NewMemoryStore()
	}
	return a, nil
}

func (a *app) Close() {
	if a.pool != nil {
		a.pool.Close()
	}
}

// openStore returns the sink for one batch, fanned out to the PCR tables when
// PCR_DIR is set.
func (a *app) openStore(b batch.Batch) (filer.Store, error) {
	var primary filer.Store
	switch a.cfg.Output {
	case config.OutputPostgres:
		primary = filer.NewPGStore(a.pool, a.cfg.TargetSchema)
	case config.OutputNDJSON:
		s, err := filer.NewNDJSONStore(filepath.Join(a.cfg.OutputDir, b.Source, b.ID.String()))
		if err != nil {
			return nil, err
		}
		primary = s
	default:
		primary = filer.NewMemoryStore()
	}
	if a.cfg.PCRDir == "" {
		return primary, nil
	}
	tables, err := pcr.NewStore(filepath.Join(a.cfg.PCRDir, b.Source, b.ID.String()), a.logger)
	if err != nil {
		_ = primary.Close(context.Background())
		return nil, err
	}
	return filer.NewMultiStore(primary, tables), nil
}

// runBatch imports one delivery directory. The outcome lists every row issue
// and is returned even when the batch fails.
func (a *app) runBatch(ctx context.Context, b batch.Batch) (*batch.Summary, *fhir.OperationOutcome, error) {
	factory, err := source.Lookup(b.Source)
	if err != nil {
		return nil, nil, err
	}
	store, err := a.openStore(b)
	if err != nil {
		return nil, nil, fmt.Errorf("open output: %w", err)
	}
	logger := a.logger.With().Str("batch_id", b.ID.String()).Logger()
	f := filer.New(store, b.ID, b.Source, logger)

	p, err := factory(ctx, kit.Deps{
		Filer:      f,
		Translator: terminology.NewTranslator(a.terms, logger),
		Logger:     logger,
		Workers:    a.cfg.WorkerCount,
		DB:         a.pool,
		Schema:     a.cfg.TargetSchema,
	})
	if err != nil {
		_ = f.Close(ctx)
		return nil, nil, fmt.Errorf("build %s pipeline: %w", b.Source, err)
	}

	sum, runErr := p.Run(ctx, b)
	closeErr := f.Close(ctx)
	if closeErr != nil {
		closeErr = fmt.Errorf("close output: %w", closeErr)
	}
	return sum, f.Outcome(), errors.Join(runErr, closeErr)
}

// checkSource rejects source names with no registered pipeline.
func checkSource(name string) error {
	_, err := source.Lookup(name)
	return err
}
