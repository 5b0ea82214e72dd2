// Package app wires configuration into the running service.
package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/antoniostano/avatarcast/internal/config"
	"github.com/antoniostano/avatarcast/internal/httpapi"
	"github.com/antoniostano/avatarcast/internal/logging"
	"github.com/antoniostano/avatarcast/internal/observability"
	"github.com/antoniostano/avatarcast/internal/render"
	"github.com/antoniostano/avatarcast/internal/renderlog"
	"github.com/antoniostano/avatarcast/internal/signaling"
)

type BuildResult struct {
	Config     config.Config
	API        *httpapi.Server
	Signals    *signaling.Router
	Dispatcher *render.Dispatcher
	RenderLog  renderlog.Store
	Metrics    *observability.Metrics

	// Cleanup should be called on shutdown to release temp files and the render log.
	Cleanup func() error
}

// Build assembles the service. reg may be nil to use a private metrics registry.
func Build(ctx context.Context, cfg config.Config, logger zerolog.Logger, reg *prometheus.Registry) (*BuildResult, error) {
	metrics := observability.NewMetrics(cfg.MetricsNamespace, reg)

	policy, err := signaling.ParseReplacePolicy(cfg.SignalReplacePolicy)
	if err != nil {
		return nil, err
	}
	signals := signaling.NewRouter(signaling.Options{
		ReplacePolicy: policy,
		Logger:        logger,
		Metrics:       metrics,
	})

	store, err := renderlog.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("render log init failed: %w", err)
	}

	dispatcher, err := NewDispatcher(cfg, logger, metrics, store)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	api := httpapi.New(cfg, signals, dispatcher, store, metrics, logger)

	cleanup := func() error {
		return errors.Join(dispatcher.Close(), store.Close())
	}

	return &BuildResult{
		Config:     cfg,
		API:        api,
		Signals:    signals,
		Dispatcher: dispatcher,
		RenderLog:  store,
		Metrics:    metrics,
		Cleanup:    cleanup,
	}, nil
}

// NewDispatcher builds the render dispatcher from config. A nil store skips
// job recording.
func NewDispatcher(cfg config.Config, logger zerolog.Logger, metrics *observability.Metrics, store renderlog.Store) (*render.Dispatcher, error) {
	opts := []render.Option{
		render.WithLogger(logger),
		render.WithMetrics(metrics),
	}
	if store != nil {
		opts = append(opts, render.WithRecorder(NewRenderRecorder(store, logging.Component(logger, "renderlog"))))
	}
	d, err := render.NewDispatcher(render.Config{
		Command:         cfg.RenderCommand,
		Args:            cfg.RenderArgs,
		Timeout:         cfg.RenderTimeout,
		OutputDir:       cfg.RenderOutputDir,
		TempTTL:         cfg.RenderTempTTL,
		DefaultModel:    cfg.RenderDefaultModel,
		FallbackImage:   cfg.RenderFallbackImage,
		FFmpegPath:      cfg.RenderFFmpegPath,
		FallbackTimeout: cfg.RenderFallbackTimeout,
		MaxDuration:     cfg.RenderMaxDuration,
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("render dispatcher init failed: %w", err)
	}
	return d, nil
}
