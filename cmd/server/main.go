package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	api "github.com/tomvasile/memoria/api/http"
	"github.com/tomvasile/memoria/internal/config"
	"github.com/tomvasile/memoria/internal/httpserver"
	"github.com/tomvasile/memoria/internal/infra/storage"
	"github.com/tomvasile/memoria/internal/llm"
	"github.com/tomvasile/memoria/internal/session"
)

func main() {
	log := zerolog.New(os.Stdout).With().Timestamp().Logger()

	cfg := config.Load()

	store, err := session.OpenStore(cfg.DBPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.DBPath).Msg("open store")
	}
	defer store.Close()

	writer := llm.NewClient(cfg.LLMBaseURL, cfg.LLMKey, cfg.LLMModelID)
	sessions := session.NewService(store, writer, log)

	var archive storage.Archiver
	if cfg.StorageURL != "" {
		archive = storage.NewSupabaseArchive(cfg.StorageURL, cfg.StorageKey, cfg.StorageBucket)
	} else {
		log.Warn().Msg("STORAGE_URL not set - chapter archival disabled")
	}

	e := httpserver.NewRouter()
	handlers := api.NewHandlers(sessions, archive, api.RealtimeCredentials{
		URL:   cfg.RealtimeURL,
		Token: cfg.RealtimeKey,
	}, log)
	handlers.Register(e)

	srv := httpserver.New(e, log)

	serverErrors := make(chan error, 1)
	go func() { serverErrors <- srv.Start(cfg.HTTPAddress) }()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		if err != nil {
			log.Fatal().Err(err).Msg("server error")
		}
	case sig := <-sigChan:
		log.Info().Str("signal", sig.String()).Msg("shutdown signal received")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("graceful shutdown failed")
	}
	// let in-flight compilation drains land before the store closes
	sessions.Wait()
}
