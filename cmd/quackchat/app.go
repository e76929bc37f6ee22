package main

import (
	"context"
	"fmt"
	"net/http"

	"github.com/rs/zerolog/log"

	"quackchat/internal/config"
	"quackchat/internal/connections"
	"quackchat/internal/conversation"
	"quackchat/internal/crypto"
	"quackchat/internal/llm"
	"quackchat/internal/metrics"
	"quackchat/internal/providers/registry"
	"quackchat/internal/storage"
)

// app is the core every command works with.
type app struct {
	cfg           *config.Config
	store         storage.KV
	connections   *connections.Registry
	transport     *llm.Transport
	conversations *conversation.Manager
}

func openApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	setupLogger(cfg.LogLevel, cfg.Env)

	store, err := storage.Open(ctx, storage.Options{
		Driver:      cfg.StoreDriver,
		DSN:         cfg.StoreDSN,
		RedisURL:    cfg.RedisURL,
		AutoMigrate: cfg.AutoMigrate,
	})
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	var sealer *crypto.Sealer
	if cfg.Crypto.Enabled() {
		sealer, err = crypto.NewSealer(cfg.Crypto.CurrentKeyID, cfg.Crypto.Keys)
		if err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("init sealer: %w", err)
		}
	} else {
		log.Warn().Msg("no master key configured, API keys are stored in clear text")
	}

	var seed []connections.Connection
	if cfg.ConnectionsFile != "" {
		seed, err = connections.LoadSeedFile(cfg.ConnectionsFile)
		if err != nil {
			_ = store.Close()
			return nil, err
		}
	}

	m := metrics.Global()
	conns, err := connections.New(ctx, connections.Config{
		Store:     store,
		KeyPrefix: cfg.KeyPrefix,
		Sealer:    sealer,
		Builder: registry.WithDefaults(registry.BuildOptions{
			HTTPClient:  &http.Client{},
			Timeout:     cfg.HTTPTimeout,
			MaxRetries:  cfg.HTTPMaxRetries,
			BackoffBase: cfg.HTTPBackoffBase,
		}),
		Logger:  log.Logger,
		Metrics: m,
		Seed:    seed,
	})
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("load connections: %w", err)
	}

	transport := llm.New(llm.Config{Connections: conns, Logger: log.Logger, Metrics: m})
	manager, err := conversation.NewManager(ctx, conversation.Config{
		Store:     store,
		Streamer:  transport,
		Logger:    log.Logger,
		Metrics:   m,
		KeyPrefix: cfg.KeyPrefix,
	})
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("load conversations: %w", err)
	}

	return &app{
		cfg:           cfg,
		store:         store,
		connections:   conns,
		transport:     transport,
		conversations: manager,
	}, nil
}

func (a *app) Close() error {
	return a.store.Close()
}
