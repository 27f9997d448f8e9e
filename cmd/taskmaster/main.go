package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"taskmaster/internal/agentloop"
	"taskmaster/internal/command"
	"taskmaster/internal/config"
	"taskmaster/internal/convo"
	"taskmaster/internal/db"
	"taskmaster/internal/global"
	"taskmaster/internal/insights"
	"taskmaster/internal/llm"
	"taskmaster/internal/localapi"
	"taskmaster/internal/logging"
	"taskmaster/internal/nlparse"
	"taskmaster/internal/taskstore"
)

var version = "dev"

const defaultModel = "gpt-4o-mini"

func main() {
	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app := command.BuildApp(command.Deps{
		LoadConfig: config.LoadConfig,
		RunServe: func(ctx context.Context, cfg config.Config) error {
			return runServe(ctx, cfg)
		},
		RunMigrateUp: func(ctx context.Context, cfg config.Config) error {
			return runMigrateUp(ctx, cfg)
		},
	})

	if err := app.RunContext(rootCtx, os.Args); err != nil {
		logging.NewLogger(logging.Options{Component: "taskmaster"}).Error("fatal", "error", err)
		os.Exit(1)
	}
}

func runMigrateUp(_ context.Context, cfg config.Config) error {
	gdb, err := db.OpenSQLite(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	if err := db.SyncSchema(gdb); err != nil {
		return fmt.Errorf("sync schema: %w", err)
	}
	return nil
}

func runServe(ctx context.Context, cfg config.Config) error {
	logger := logging.NewLogger(logging.Options{
		Level:     cfg.LogLevel,
		Format:    cfg.LogFormat,
		Component: "taskmaster",
	})
	logger.Info("starting", "version", version, "db_path", cfg.DBPath)

	// Per-install defaults live in ~/.config/taskmaster/config.toml.
	// Environment variables win over the file.
	globalCfg := global.GlobalConfig{}
	if dir, err := global.DefaultConfigDir(); err == nil {
		if loaded, err := global.NewConfigStore(dir).LoadOrInit(); err == nil {
			globalCfg = loaded
		} else {
			logger.Warn("global config unreadable, using defaults", "error", err)
		}
	}

	gdb, err := db.OpenSQLiteWithMigrations(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}

	store, err := taskstore.NewStore(gdb)
	if err != nil {
		return fmt.Errorf("task store: %w", err)
	}
	conversations, err := convo.NewManager(gdb)
	if err != nil {
		return fmt.Errorf("conversation manager: %w", err)
	}
	advisor, err := insights.NewAdvisor(store)
	if err != nil {
		return fmt.Errorf("insights advisor: %w", err)
	}

	model := cfg.OpenAIModel
	if model == "" {
		model = defaultModel
	}
	var client llm.Client = llm.NewRetryingClient(llm.NewOpenAIClient(llm.OpenAIConfig{
		BaseURL: cfg.OpenAIEndpoint,
		Model:   model,
		APIKey:  cfg.OpenAIAPIKey,
	}, nil), llm.RetryOptions{})

	parser := nlparse.NewParser(client, model, logger)

	registry := agentloop.NewToolRegistry()
	if err := agentloop.RegisterTaskTools(registry, agentloop.ToolDeps{
		Store:   store,
		Advisor: advisor,
		Client:  client,
		Model:   model,
	}); err != nil {
		return fmt.Errorf("register tools: %w", err)
	}

	runner, err := agentloop.NewTurnRunner(client, registry, conversations, store, parser, logger, agentloop.RunnerOptions{
		Model:         model,
		MaxIterations: globalCfg.Agent.MaxIterations,
		TurnBudget:    time.Duration(cfg.TurnBudgetSeconds) * time.Second,
		ContextWindow: cfg.ContextWindow,
		PendingTTL:    time.Duration(globalCfg.Agent.PendingActionTTLMins) * time.Minute,
	})
	if err != nil {
		return fmt.Errorf("turn runner: %w", err)
	}

	server := localapi.NewServer(localapi.Deps{
		Store:         store,
		Runner:        runner,
		Conversations: conversations,
		Advisor:       advisor,
		Client:        client,
		Model:         model,
		Logger:        logger,
	})

	addr := net.JoinHostPort(cfg.LocalHost, strconv.Itoa(cfg.LocalPort))
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", addr)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("shutdown incomplete", "error", err)
		}
		logger.Info("stopped")
		return nil
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	}
}
