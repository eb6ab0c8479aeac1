package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/spf13/cobra"

	"github.com/clearbrook-ai/conductor"
	"github.com/clearbrook-ai/conductor/postgres"
	"github.com/clearbrook-ai/conductor/server"
)

func newServeCommand() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestrator HTTP service",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to config file")
	return cmd
}

func serve(configPath string) error {
	cfg, err := server.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	logger := newLogger(cfg)

	if cfg.TemplateDir == "" {
		return fmt.Errorf("template_dir is required")
	}
	library, loadErrs := conductor.LoadLibraryDir(cfg.TemplateDir)
	for _, loadErr := range loadErrs {
		logger.Error("skipping invalid template", "error", loadErr)
	}
	if len(library.Types()) == 0 {
		return fmt.Errorf("no valid templates in %s", cfg.TemplateDir)
	}
	logger.Info("templates loaded", "types", strings.Join(library.Types(), ","))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	registry := conductor.NewRegistry(conductor.RegistryOptions{
		Logger:         logger,
		HealthInterval: cfg.HealthInterval,
	})
	for _, candidate := range cfg.Candidates() {
		registry.Register(candidate)
	}
	registry.StartHealthChecks(ctx)

	var attemptLogger conductor.AttemptLogger
	if cfg.AttemptLogDir != "" {
		attemptLogger = conductor.NewFileAttemptLogger(cfg.AttemptLogDir)
	}

	router, err := conductor.NewRouter(conductor.RouterOptions{
		Registry:      registry,
		Logger:        logger,
		AttemptLogger: attemptLogger,
		Synthesizers:  staticSynthesizers(library),
	})
	if err != nil {
		return err
	}

	scheduler, err := conductor.NewScheduler(conductor.SchedulerOptions{
		Executor:            router,
		Logger:              logger,
		Workers:             cfg.Workers,
		PerCandidateTimeout: cfg.PerCandidateTimeout,
		CeilingFactor:       cfg.CeilingFactor,
	})
	if err != nil {
		return err
	}

	var archiver conductor.Archiver
	if cfg.Archive.DSN != "" {
		db, err := sql.Open("postgres", cfg.Archive.DSN)
		if err != nil {
			return fmt.Errorf("failed to open archive database: %w", err)
		}
		defer db.Close()
		archive := postgres.NewArchive(db)
		if err := archive.EnsureSchema(ctx); err != nil {
			return fmt.Errorf("failed to prepare archive schema: %w", err)
		}
		archiver = archive
		logger.Info("workflow archive enabled")
	}

	manager, err := conductor.NewManager(conductor.ManagerOptions{
		Templates:     library,
		Scheduler:     scheduler,
		Logger:        logger,
		Archiver:      archiver,
		Retention:     cfg.Retention,
		SweepInterval: cfg.SweepInterval,
	})
	if err != nil {
		return err
	}
	defer manager.Close()

	e := server.NewServer(manager, logger).Echo()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := e.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown error", "error", err)
		}
	}()

	logger.Info("orchestrator listening", "addr", cfg.Listen)
	if err := e.Start(cfg.Listen); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// staticSynthesizers registers a minimal degraded-synthesis handler for
// every capability any loaded template requires, so a required stage always
// has some fallback.
func staticSynthesizers(library *conductor.Library) []conductor.Synthesizer {
	seen := map[string]bool{}
	var synthesizers []conductor.Synthesizer
	for _, workflowType := range library.Types() {
		template, ok := library.Get(workflowType)
		if !ok {
			continue
		}
		for _, capability := range template.Capabilities() {
			if seen[capability] {
				continue
			}
			seen[capability] = true
			synthesizers = append(synthesizers, conductor.NewStaticSynthesizer(capability, nil))
		}
	}
	return synthesizers
}

func newLogger(cfg *server.Config) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.LogLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	if cfg.LogJSON {
		return conductor.NewJSONLogger(level)
	}
	return conductor.NewLogger(level)
}
