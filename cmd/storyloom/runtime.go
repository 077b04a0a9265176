package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/kingrea/storyloom/internal/config"
	"github.com/kingrea/storyloom/internal/eventbridge"
	"github.com/kingrea/storyloom/internal/history"
	"github.com/kingrea/storyloom/internal/jobs"
	"github.com/kingrea/storyloom/internal/logbook"
	"github.com/kingrea/storyloom/internal/logging"
	"github.com/kingrea/storyloom/internal/modulecmd"
	"github.com/kingrea/storyloom/internal/telemetry"
)

// runtime is everything a session needs: config, logs, the job manager and
// its event consumers.
type runtime struct {
	cfg     *config.Config
	log     *logging.Logger
	journal *logbook.Logbook
	router  *eventbridge.Router
	history *history.SQLiteStore
	runner  modulecmd.Runner
	manager *jobs.Manager

	shutdownTelemetry telemetry.ShutdownFunc
}

func openRuntime(projectDir string) (*runtime, error) {
	if err := config.InitProjectDir(projectDir); err != nil {
		return nil, fmt.Errorf("init %s: %w", config.ProjectDirName, err)
	}
	cfg, err := config.NewConfig(projectDir)
	if err != nil {
		return nil, err
	}
	rt := &runtime{cfg: cfg}
	ok := false
	defer func() {
		if !ok {
			_ = rt.close(context.Background())
		}
	}()

	rt.log, err = logging.Open(cfg.ProjectDir, cfg.Project.Log.Level, cfg.Project.Log.Format)
	if err != nil {
		return nil, err
	}
	rt.shutdownTelemetry, err = telemetry.Init("storyloom", version, telemetry.Config{
		Exporter:     cfg.Project.Telemetry.Exporter,
		OTLPEndpoint: cfg.Project.Telemetry.Endpoint,
		OTLPInsecure: cfg.Project.Telemetry.Insecure,
	})
	if err != nil {
		return nil, err
	}
	metrics, err := telemetry.NewJobMetrics()
	if err != nil {
		return nil, fmt.Errorf("telemetry: job metrics: %w", err)
	}
	rt.journal, err = logbook.New(cfg.JournalPath())
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	rt.router = eventbridge.NewRouter(eventbridge.RouterWithLogger(rt.log))
	rt.runner = newRunner(cfg)

	opts := []jobs.Option{
		jobs.WithWorkers(cfg.Project.SubAgents.Workers),
		jobs.WithSigil(cfg.Project.SubAgents.Sigil),
		jobs.WithLanguage(cfg.Language()),
		jobs.WithLogger(rt.log.Logger),
		jobs.WithLogbook(rt.journal),
		jobs.WithMetrics(metrics),
		jobs.WithPublisher(rt.router),
	}
	if cfg.Project.Events.File {
		emitter, err := eventbridge.NewFileEmitter(cfg.EventsPath(), rt.log)
		if err != nil {
			return nil, err
		}
		opts = append(opts, jobs.WithPublisher(emitter))
	}
	if cfg.Project.History.Enabled {
		rt.history, err = history.Open(cfg.HistoryPath())
		if err != nil {
			return nil, err
		}
		opts = append(opts, jobs.WithRecorder(rt.history))
	}
	rt.manager, err = jobs.New(cfg.ProjectDir, rt.runner, opts...)
	if err != nil {
		return nil, err
	}
	rt.journal.Info("session opened · %d roles · %d workers", rt.manager.Catalog().Len(), rt.manager.Workers())
	ok = true
	return rt, nil
}

// newRunner runs the configured generator, or describes invocations when
// none is configured.
func newRunner(cfg *config.Config) *modulecmd.Dispatcher {
	gen := cfg.Project.Generator
	if gen.Command == "" {
		return modulecmd.NewDefaultDispatcher(modulecmd.EchoHandler{})
	}
	return modulecmd.NewDefaultDispatcher(modulecmd.ExecHandler{
		Command: gen.Command,
		Args:    gen.Args,
		Timeout: cfg.GeneratorTimeout(),
	})
}

// close waits for running jobs until ctx ends, then releases resources.
func (rt *runtime) close(ctx context.Context) error {
	var errs []error
	if rt.manager != nil {
		if err := rt.manager.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown jobs: %w", err))
		}
	}
	if rt.history != nil {
		if err := rt.history.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if rt.shutdownTelemetry != nil {
		if err := rt.shutdownTelemetry(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	rt.journal.Info("session closed")
	if rt.log != nil {
		if err := rt.log.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
