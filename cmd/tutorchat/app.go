package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/spf13/viper"

	"TutorChat/internal/cache"
	"TutorChat/internal/config"
	"TutorChat/internal/curriculum"
	"TutorChat/internal/llm"
	"TutorChat/internal/plot"
	"TutorChat/internal/secrets"
	"TutorChat/internal/selector"
	"TutorChat/internal/session"
	"TutorChat/internal/storage"
	"TutorChat/internal/telemetry"
	"TutorChat/internal/tutor"
)

// app holds everything a command needs, wired from the configuration.
type app struct {
	cfg      config.Config
	logger   *slog.Logger
	client   llm.Client
	selector *selector.Selector
	tutor    *tutor.Tutor

	closers []func() error
}

func wireApp(ctx context.Context, v *viper.Viper) (*app, error) {
	cfg, err := config.Load(v)
	if err != nil {
		return nil, err
	}

	logger, logFile, err := telemetry.InitLogger(cfg.LogDir, cfg.Debug)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	a := &app{cfg: cfg, logger: logger}
	a.closers = append(a.closers, logFile.Close)

	tracer, meter, cleanup, err := telemetry.InitTelemetry(ctx, cfg.LogDir)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	a.closers = append(a.closers, func() error { cleanup(); return nil })

	if cfg.Debug {
		logger.Debug("debug mode enabled", "config", v.ConfigFileUsed())
	}

	catalog, err := curriculum.LoadFile(cfg.CurriculumFile)
	if err != nil {
		a.close()
		return nil, err
	}

	apiKey, err := secrets.Default(cfg.EnvFile, cfg.SecretsFile).Lookup(ctx, cfg.APIKeyName)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("no API key %s found: %w", cfg.APIKeyName, err)
	}

	client, err := llm.NewGemini(ctx, apiKey, llm.GeminiOptions{
		HTTPClient: &http.Client{Timeout: cfg.RequestTimeout},
	})
	if err != nil {
		a.close()
		return nil, err
	}
	a.client = client

	store, err := openStore(cfg, logger)
	if err != nil {
		a.close()
		return nil, err
	}
	a.closers = append(a.closers, store.Close)

	a.selector = selector.New(client, selector.Options{
		Model:      cfg.Model,
		Prefer:     cfg.Prefer,
		Candidates: cfg.Candidates,
		Fallback:   cfg.FallbackModel,
		Timeout:    cfg.RequestTimeout,
	}, logger)

	deps := tutor.Deps{
		Catalog:  catalog,
		Store:    store,
		Client:   client,
		Selector: a.selector,
		Cache:    cache.New(cfg.CacheTTL),
		Logger:   logger,
		Tracer:   tracer,
		Meter:    meter,
	}
	if cfg.Plot.Enabled {
		deps.Renderer = plot.NewRenderer(cfg.Plot.Timeout, cfg.Plot.Samples)
	}

	a.tutor, err = tutor.New(deps, tutor.Options{
		Temperature:    cfg.Temperature,
		HistoryTurns:   cfg.HistoryTurns,
		RequestTimeout: cfg.RequestTimeout,
		PlotMarker:     cfg.Plot.Marker,
		Plots:          cfg.Plot.Enabled,
	})
	if err != nil {
		a.close()
		return nil, err
	}

	logger.Info("tutorchat ready",
		"model", cfg.Model,
		"db", cfg.DBPath,
		"plots", cfg.Plot.Enabled,
		"topics", len(catalog.Topics))
	return a, nil
}

func openStore(cfg config.Config, logger *slog.Logger) (session.Store, error) {
	if cfg.DBPath == "" {
		return session.NewMemoryStore(), nil
	}
	return storage.Open(cfg.DBPath, logger)
}

// close releases resources in reverse order of acquisition.
func (a *app) close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
