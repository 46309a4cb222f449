package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/comigor/tutorchat/internal/agent"
	"github.com/comigor/tutorchat/internal/api"
	"github.com/comigor/tutorchat/internal/config"
	"github.com/comigor/tutorchat/internal/history"
	"github.com/comigor/tutorchat/internal/llm"
	"github.com/comigor/tutorchat/internal/logger"
	"github.com/comigor/tutorchat/internal/session"
	"github.com/comigor/tutorchat/internal/tutor"
)

const shutdownTimeout = 15 * time.Second

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		logger.L.Warn("failed to read .env file", "error", err)
	}

	cfg, err := config.Load()
	if err != nil {
		logger.L.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	logger.SetFormat(cfg.Log.Format, os.Stdout)
	logger.SetLevel(cfg.Log.Level)

	if err := run(cfg); err != nil {
		logger.L.Error("server stopped", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := history.NewStore(ctx, history.Driver(cfg.Store.Driver),
		history.WithSQLitePath(cfg.Store.SQLitePath),
		history.WithRedisAddr(cfg.Store.Redis.Addr, cfg.Store.Redis.Password, cfg.Store.Redis.DB),
		history.WithKeyPrefix(cfg.Store.Redis.KeyPrefix),
	)
	if err != nil {
		return err
	}
	defer store.Close()

	llmCfg, err := providerConfig(cfg.LLM)
	if err != nil {
		return err
	}
	client := llm.NewClient(llmCfg)
	if llmCfg.APIKey == "" {
		logger.L.Warn("no AI provider key configured; requests without ai_config.apiKey will fail")
	}
	logger.L.Info("AI provider configured", "provider", client.ProviderName(), "format", client.Format())

	sessions := session.NewManager(store)
	a := agent.New(sessions, client, agent.WithSystemPrompt(cfg.Agent.SystemPrompt))
	handler := api.NewHandler(sessions, a, tutor.New(client))

	srv := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      api.NewRouter(handler),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.L.Info("starting server", "address", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.L.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func providerConfig(c config.LLMConfig) (llm.Config, error) {
	format, err := llm.ParseFormat(c.Format)
	if err != nil {
		return llm.Config{}, err
	}
	return llm.Config{
		Format:      format,
		BaseURL:     c.BaseURL,
		APIKey:      c.APIKey,
		Model:       c.Model,
		Temperature: llm.Float64(c.Temperature),
		MaxTokens:   llm.Int(c.MaxTokens),
		Timeout:     c.Timeout,
	}, nil
}
