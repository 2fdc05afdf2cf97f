package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/darango91/aiaudiopipeline/internal/config"
	"github.com/darango91/aiaudiopipeline/internal/events"
	"github.com/darango91/aiaudiopipeline/internal/httpapi"
	"github.com/darango91/aiaudiopipeline/internal/keyword"
	"github.com/darango91/aiaudiopipeline/internal/observability"
	"github.com/darango91/aiaudiopipeline/internal/pipeline"
	"github.com/darango91/aiaudiopipeline/internal/store"
	"github.com/darango91/aiaudiopipeline/internal/transcribe"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		// Use fmt for fatal errors before logger is initialized
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize structured logger
	observability.InitLogger(cfg.LogLevel, cfg.LogPretty)
	logger := observability.GetLogger()

	logger.Info().
		Str("port", cfg.Port).
		Str("database_path", cfg.DatabasePath).
		Str("log_level", cfg.LogLevel).
		Bool("metrics_enabled", cfg.MetricsEnabled).
		Msg("Audio Pipeline Service starting")

	// Open persistence
	st, err := store.Open(cfg.DatabasePath)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to open database")
	}
	defer st.Close()

	// Root context cancelled on shutdown; stops the janitor and broker bridge
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Load the keyword index up front so the first chunk matches immediately.
	// A load failure is survivable: the server starts with an empty index and
	// keyword mutations trigger reloads.
	index := keyword.NewIndex(st, cfg.DefaultKeywordThreshold, logger)
	if err := index.Load(ctx); err != nil {
		logger.Warn().Err(err).Msg("Failed to load keyword index, starting with an empty index")
	} else {
		logger.Info().Int("keywords", index.Size()).Msg("Keyword index loaded")
	}

	// Optional Redis bridge for cross-process event fan-out
	var broker events.Broker
	var redisBroker *events.RedisBroker
	if cfg.RedisURL != "" {
		redisBroker, err = events.NewRedisBroker(cfg.RedisURL,
			cfg.BrokerRetryMaxAttempts,
			time.Duration(cfg.BrokerRetryBackoff)*time.Millisecond)
		if err != nil {
			logger.Fatal().Err(err).Msg("Failed to connect to Redis broker")
		}
		defer redisBroker.Close()
		broker = redisBroker
		logger.Info().Msg("Redis event bridge enabled")
	}

	hub := events.NewHub(broker, logger)
	if redisBroker != nil {
		go redisBroker.Bridge(ctx, hub)
	}

	// Pipeline wiring
	transcriber := transcribe.NewDeepgramClient(cfg)
	sequencer := pipeline.NewSequencer(logger)
	processor := pipeline.NewProcessor(transcriber, index, sequencer, st, hub,
		time.Duration(cfg.TranscribeTimeout)*time.Second)

	// Janitor sweeps abandoned session state
	go sequencer.RunJanitor(ctx,
		time.Duration(cfg.JanitorInterval)*time.Second,
		time.Duration(cfg.SessionIdleTimeout)*time.Second,
		processor.EvictSession)

	// HTTP surface
	mux := http.NewServeMux()
	api := httpapi.New(cfg, st, index, processor, hub)
	api.Routes(mux)

	// Health check endpoint
	mux.HandleFunc("/health", observability.HealthCheckHandler())

	// Readiness: database reachable, transcription circuit not open, broker up
	checks := map[string]observability.HealthCheckFunc{
		"database": func(ctx context.Context) (bool, error) {
			if err := st.Ping(ctx); err != nil {
				return false, err
			}
			return true, nil
		},
		"transcription": func(ctx context.Context) (bool, error) {
			return transcriber.Healthy(), nil
		},
	}
	if redisBroker != nil {
		checks["broker"] = func(ctx context.Context) (bool, error) {
			if err := redisBroker.Ping(ctx); err != nil {
				return false, err
			}
			return true, nil
		}
	}
	mux.HandleFunc("/ready", observability.ReadinessHandler(checks))

	// Metrics endpoint (Prometheus)
	if cfg.MetricsEnabled {
		mux.Handle("/metrics", promhttp.Handler())
		logger.Info().Msg("Prometheus metrics enabled at /metrics")
	}

	// Create HTTP server with timeouts
	server := &http.Server{
		Addr:         fmt.Sprintf(":%s", cfg.Port),
		Handler:      mux,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// Start server in a goroutine
	go func() {
		logger.Info().
			Str("port", cfg.Port).
			Str("endpoint", fmt.Sprintf("ws://localhost:%s/ws/connect/{session_id}", cfg.Port)).
			Msg("Server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("Server failed to start")
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("Shutting down server...")
	cancel()

	// Graceful shutdown with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Fatal().Err(err).Msg("Server forced to shutdown")
	}

	logger.Info().Msg("Server exited gracefully")
}
