// Command sentinel runs the autonomous SRE agent: it watches labelled
// containers, classifies their logs, and drives incidents from detection
// through remediation while serving telemetry to dashboards.
package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/docker/docker/client"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/aryan877/sre-sentinel/internal/ai"
	"github.com/aryan877/sre-sentinel/internal/api"
	"github.com/aryan877/sre-sentinel/internal/bus"
	"github.com/aryan877/sre-sentinel/internal/config"
	"github.com/aryan877/sre-sentinel/internal/gateway"
	"github.com/aryan877/sre-sentinel/internal/logging"
	"github.com/aryan877/sre-sentinel/internal/observer"
	"github.com/aryan877/sre-sentinel/internal/pipeline"
	"github.com/aryan877/sre-sentinel/internal/redact"
)

func main() {
	// Optional; the environment wins over .env values already set.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		bootLogger := logging.New("info", "auto")
		bootLogger.Fatal().Err(err).Msg("Configuration error")
	}

	logger := logging.New(cfg.LogLevel, cfg.LogFormat)
	logger.Info().
		Str("fast_model", cfg.FastModel).
		Str("deep_model", cfg.DeepModel).
		Str("gateway", cfg.GatewayURL).
		Bool("auto_heal", cfg.AutoHealEnabled).
		Msg("Starting SRE Sentinel")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	docker, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to connect to Docker daemon")
	}
	defer docker.Close()

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr(),
		DB:       cfg.Redis.DB,
		Password: cfg.Redis.Password,
		PoolSize: cfg.Redis.PoolSize,
	})
	eventBus, err := bus.NewRedis(ctx, redisClient, logging.Component(logger, "bus"))
	if err != nil {
		logger.Fatal().Err(err).Str("addr", cfg.Redis.Addr()).
			Msg("Failed to connect to Redis; is the event-bus store running?")
	}
	defer eventBus.Close()
	defer redisClient.Close()

	modelClient := ai.NewClient(cfg.OpenRouterBaseURL, cfg.OpenRouterAPIKey, logging.Component(logger, "ai"))
	detector := ai.NewDetector(modelClient, cfg.FastModel, logging.Component(logger, "detector"))
	analyzer := ai.NewAnalyzer(modelClient, cfg.DeepModel, logging.Component(logger, "analyzer"))
	gw := gateway.New(cfg.GatewayURL, cfg.GatewayTimeout, cfg.AutoHealEnabled, logging.Component(logger, "gateway"))
	redactor := redact.NewRedactor(detector, logging.Component(logger, "redact"))

	incidents := pipeline.New(analyzer, gw, redactor, eventBus, cfg.ComposePath, logging.Component(logger, "pipeline"))
	obs := observer.New(docker, detector, incidents, eventBus,
		cfg.LogLinesPerCheck, cfg.LogCheckInterval, logging.Component(logger, "observer"))

	server := api.NewServer(obs, incidents, eventBus, logging.Component(logger, "api"))
	httpServer := &http.Server{
		Addr:              cfg.APIAddr(),
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return obs.Run(gctx)
	})
	g.Go(func() error {
		logger.Info().Str("addr", cfg.APIAddr()).Msg("Telemetry API listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal().Err(err).Msg("Sentinel terminated with error")
	}
	logger.Info().Msg("Sentinel stopped")
}
