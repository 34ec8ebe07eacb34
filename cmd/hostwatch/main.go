package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/ironveil/hostwatch/pkg/api"
	"github.com/ironveil/hostwatch/pkg/config"
	"github.com/ironveil/hostwatch/pkg/control"
	"github.com/ironveil/hostwatch/pkg/logger"
	"github.com/ironveil/hostwatch/pkg/pipeline"
	"github.com/ironveil/hostwatch/pkg/scorer"
	"github.com/ironveil/hostwatch/pkg/storage"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logger.InitLogger(cfg.LogLevel)

	log.Info().Msg("Hostwatch agent starting...")
	log.Info().Msgf("Configuration loaded: LogLevel=%s, APIPort=%s, Scorer=%s", cfg.LogLevel, cfg.APIPort, cfg.Scorer.URL)

	thresholds, err := cfg.ThresholdMap()
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid severity thresholds in configuration")
	}
	cp := control.New(log.Logger, thresholds)

	store, err := newStore(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize alert storage")
	}

	sc := scorer.NewHTTPScorer(cfg.Scorer.URL, cfg.Scorer.Timeout)
	pl := pipeline.New(log.Logger, cfg, cp, sc, store)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	srv := api.NewServer(cfg.APIPort, cp, store, log.Logger)
	go func() {
		if err := srv.Start(); err != nil {
			log.Error().Err(err).Msg("Operator API server failed")
			cancel()
		}
	}()

	pl.Start(ctx)

	select {
	case sig := <-sigChan:
		log.Info().Msgf("Received signal: %s. Shutting down gracefully...", sig)
	case <-ctx.Done():
	}

	pl.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("Operator API shutdown did not finish cleanly")
	}

	log.Info().Msg("Hostwatch agent stopped.")
}

func newStore(cfg *config.Config) (storage.Store, error) {
	switch cfg.Storage.Backend {
	case "redis":
		client := redis.NewClient(&redis.Options{Addr: cfg.Storage.RedisAddr})
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := client.Ping(ctx).Err(); err != nil {
			return nil, err
		}
		log.Info().Str("addr", cfg.Storage.RedisAddr).Msg("Using Redis alert storage")
		return storage.NewRedisStore(client), nil
	default:
		log.Info().Int("max_alerts", cfg.Storage.MaxAlerts).Msg("Using in-memory alert storage")
		return storage.NewMemoryStore(cfg.Storage.MaxAlerts), nil
	}
}
