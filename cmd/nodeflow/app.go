package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/rendis/nodeflow/internal/ai"
	"github.com/rendis/nodeflow/internal/engine"
	"github.com/rendis/nodeflow/internal/executors"
	"github.com/rendis/nodeflow/internal/expressions"
	"github.com/rendis/nodeflow/internal/platform"
	"github.com/rendis/nodeflow/internal/store"
	"github.com/rendis/nodeflow/internal/validation"
)

// app is the wired dependency graph shared by every command.
type app struct {
	cfg         Config
	logger      *slog.Logger
	store       store.RunStore
	engine      *engine.Engine
	validator   *validation.WorkflowValidator
	credentials executors.Credentials
}

func newApp(ctx context.Context, cfg Config, logger *slog.Logger) (*app, error) {
	s, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	exprs, err := expressions.NewRegistry()
	if err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("create expression registry: %w", err)
	}
	validator, err := validation.NewWorkflowValidator(exprs)
	if err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("create workflow validator: %w", err)
	}

	registry, err := executors.NewRegistry(executors.Deps{
		Platform:      platform.NewClient(cfg.PlatformBaseURL),
		Models:        ai.OpenAIFactory,
		Tools:         ai.MCPOpener{ClientName: "nodeflow", ClientVersion: version},
		Expressions:   exprs,
		MaxToolRounds: cfg.MaxToolRounds,
		Logger:        logger,
	})
	if err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("create executor registry: %w", err)
	}

	timeout, err := cfg.nodeTimeout()
	if err != nil {
		_ = s.Close()
		return nil, err
	}

	return &app{
		cfg:       cfg,
		logger:    logger,
		store:     s,
		engine:    engine.NewEngine(s, registry, engine.Config{NodeTimeout: timeout, Logger: logger}),
		validator: validator,
		credentials: executors.Credentials{
			AIKey:     cfg.AIAPIKey,
			AIBaseURL: cfg.AIBaseURL,
			AIModel:   cfg.AIModel,
		},
	}, nil
}

// openStore opens and migrates the configured run store.
func openStore(ctx context.Context, cfg Config) (store.RunStore, error) {
	if cfg.DBPath == memoryDB {
		return store.NewMemoryStore(), nil
	}
	if !strings.Contains(cfg.DBPath, "://") {
		dir := filepath.Dir(strings.TrimPrefix(cfg.DBPath, "file:"))
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("create database directory %s: %w", dir, err)
		}
	}

	s, err := store.NewLibSQLStore(cfg.dbURI())
	if err != nil {
		return nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("migrate %s: %w", cfg.DBPath, err)
	}
	return s, nil
}

func (a *app) Close() error {
	return a.store.Close()
}
