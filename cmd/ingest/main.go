package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/spf13/cobra"

	"github.com/ehr/ingest/internal/config"
	"github.com/ehr/ingest/internal/platform/batch"
	"github.com/ehr/ingest/internal/platform/db"
	"github.com/ehr/ingest/internal/platform/jobs"
	"github.com/ehr/ingest/internal/platform/middleware"
	"github.com/ehr/ingest/internal/source"
	"github.com/ehr/ingest/migrations"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "ingest",
		Short:        "Healthcare extract ingestion pipeline",
		SilenceUsage: true,
	}
	root.AddCommand(importCmd())
	root.AddCommand(serveCmd())
	root.AddCommand(migrateCmd())
	root.AddCommand(sourcesCmd())
	return root
}

func sourcesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sources",
		Short: "List the supported source systems",
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, name := range source.Names() {
				fmt.Fprintln(cmd.OutOrStdout(), name)
			}
			return nil
		},
	}
}

func importCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import one delivery directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			src, _ := cmd.Flags().GetString("source")
			dir, _ := cmd.Flags().GetString("dir")
			output, _ := cmd.Flags().GetString("output")
			batchID, _ := cmd.Flags().GetString("batch-id")
			outcomePath, _ := cmd.Flags().GetString("outcome")

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if output != "" {
				cfg.Output = output
			}
			if _, err := source.Lookup(src); err != nil {
				return err
			}
			b := batch.NewBatch(src, dir)
			if batchID != "" {
				id, err := uuid.Parse(batchID)
				if err != nil {
					return fmt.Errorf("--batch-id: %w", err)
				}
				b.ID = id
			}

			logger := newLogger(cfg)
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			a, err := newApp(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()

			sum, outcome, runErr := a.runBatch(ctx, b)
			if sum != nil {
				printSummary(cmd.OutOrStdout(), sum)
			}
			if outcomePath != "" && outcome != nil {
				data, err := json.MarshalIndent(outcome, "", "  ")
				if err != nil {
					return fmt.Errorf("marshal outcome: %w", err)
				}
				if err := os.WriteFile(outcomePath, data, 0o644); err != nil {
					return fmt.Errorf("write outcome: %w", err)
				}
			}
			return runErr
		},
	}
	cmd.Flags().String("source", "", "Source system ("+strings.Join(source.Names(), ", ")+")")
	cmd.Flags().String("dir", "", "Path to the delivery directory")
	cmd.Flags().String("output", "", "Override OUTPUT (postgres, ndjson or memory)")
	cmd.Flags().String("batch-id", "", "Batch id to record instead of a fresh one")
	cmd.Flags().String("outcome", "", "Write the batch OperationOutcome to this file")
	_ = cmd.MarkFlagRequired("source")
	_ = cmd.MarkFlagRequired("dir")
	return cmd
}

func printSummary(w io.Writer, sum *batch.Summary) {
	status := "completed"
	if sum.Failed {
		status = "failed"
	}
	fmt.Fprintf(w, "Batch %s (%s): %s in %s\n", sum.Batch.ID, sum.Batch.Source, status, sum.Duration.Round(time.Millisecond))
	fmt.Fprintf(w, "%-20s %-40s %-8s %-8s %-8s %s\n", "STAGE", "FILE", "ROWS", "OK", "SKIPPED", "FAILED")
	for _, f := range sum.Files {
		fmt.Fprintf(w, "%-20s %-40s %-8d %-8d %-8d %d\n", f.Stage, filepath.Base(f.Path), f.Rows, f.OK, f.Skipped, f.Failed)
	}
	types := make([]string, 0, len(sum.Saved))
	for t := range sum.Saved {
		types = append(types, t)
	}
	sort.Strings(types)
	for _, t := range types {
		fmt.Fprintf(w, "saved %-30s %d\n", t, sum.Saved[t])
	}
	if sum.Message != "" {
		fmt.Fprintf(w, "error: %s\n", sum.Message)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the batch submission API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func newServer(ctx context.Context, a *app) (*echo.Echo, *jobs.Manager) {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(a.logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(a.logger))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": "0.1.0",
		})
	})
	if a.pool != nil {
		e.GET("/health/db", db.HealthHandler(a.pool, a.cfg.TargetSchema))
	}

	manager := jobs.NewManager(ctx, jobs.NewStore(), jobs.RunnerFunc(a.runBatch), a.logger)
	apiV1 := e.Group("/api/v1")
	jobs.NewHandler(manager, checkSource).RegisterRoutes(apiV1)
	return e, manager
}

func runServer() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := newLogger(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	e, manager := newServer(ctx, a)

	// Graceful shutdown
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	shutdownCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
	defer stop()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
	}
	cancel()
	manager.Wait()
	logger.Info().Msg("server stopped")
	return nil
}

// migrationsFS prefers an on-disk directory so migrations can be edited
// without a rebuild.
func migrationsFS(dir string) fs.FS {
	if st, err := os.Stat(dir); err == nil && st.IsDir() {
		return os.DirFS(dir)
	}
	return migrations.FS
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	// migrate up
	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			schema, dir := migrateFlags(cmd, cfg)

			ctx := context.Background()
			pool, err := db.NewPool(ctx, db.PoolConfig{URL: cfg.DatabaseURL, MaxConns: cfg.DBMaxConns, MinConns: cfg.DBMinConns})
			if err != nil {
				return err
			}
			defer pool.Close()

			migrator := db.NewMigrator(pool, migrationsFS(dir))
			fmt.Fprintf(cmd.OutOrStdout(), "Running migrations on schema: %s\n", schema)

			count, err := migrator.Up(ctx, schema)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().String("schema", "", "Target schema for migrations (default TARGET_SCHEMA)")
	upCmd.Flags().String("dir", "", "Path to migrations directory (default MIGRATIONS_DIR, then the embedded set)")
	cmd.AddCommand(upCmd)

	// migrate status
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			schema, dir := migrateFlags(cmd, cfg)

			ctx := context.Background()
			pool, err := db.NewPool(ctx, db.PoolConfig{URL: cfg.DatabaseURL, MaxConns: cfg.DBMaxConns, MinConns: cfg.DBMinConns})
			if err != nil {
				return err
			}
			defer pool.Close()

			migrator := db.NewMigrator(pool, migrationsFS(dir))
			statuses, err := migrator.Status(ctx, schema)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}
			printStatus(cmd.OutOrStdout(), schema, statuses)
			return nil
		},
	}
	statusCmd.Flags().String("schema", "", "Target schema for migrations (default TARGET_SCHEMA)")
	statusCmd.Flags().String("dir", "", "Path to migrations directory (default MIGRATIONS_DIR, then the embedded set)")
	cmd.AddCommand(statusCmd)

	return cmd
}

func migrateFlags(cmd *cobra.Command, cfg *config.Config) (schema, dir string) {
	schema, _ = cmd.Flags().GetString("schema")
	dir, _ = cmd.Flags().GetString("dir")
	if schema == "" {
		schema = cfg.TargetSchema
	}
	if dir == "" {
		dir = cfg.MigrationsDir
	}
	return schema, dir
}

func printStatus(w io.Writer, schema string, statuses []db.MigrationStatus) {
	fmt.Fprintf(w, "Migration status for schema: %s\n", schema)
	fmt.Fprintf(w, "%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
	fmt.Fprintln(w, "---------- ---------------------------------------- ---------- --------------------")
	for _, s := range statuses {
		status := "pending"
		appliedAt := ""
		if s.Applied {
			status = "applied"
			if s.AppliedAt != nil {
				appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
			}
		}
		fmt.Fprintf(w, "%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
	}
}
