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

	"github.com/lexiqai/voice-pipeline/internal/classifier"
	"github.com/lexiqai/voice-pipeline/internal/completion"
	"github.com/lexiqai/voice-pipeline/internal/config"
	"github.com/lexiqai/voice-pipeline/internal/events"
	"github.com/lexiqai/voice-pipeline/internal/history"
	"github.com/lexiqai/voice-pipeline/internal/observability"
	"github.com/lexiqai/voice-pipeline/internal/pipeline"
	"github.com/lexiqai/voice-pipeline/internal/registry"
	"github.com/lexiqai/voice-pipeline/internal/resilience"
	"github.com/lexiqai/voice-pipeline/internal/stt"
	"github.com/lexiqai/voice-pipeline/internal/transport"
	"github.com/lexiqai/voice-pipeline/internal/tts"
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
		Str("stt_provider", cfg.STTProvider).
		Str("completion_provider", cfg.CompletionProvider).
		Bool("speculation_enabled", cfg.SpeculationEnabled).
		Bool("kafka_enabled", cfg.KafkaEnabled).
		Str("log_level", cfg.LogLevel).
		Bool("metrics_enabled", cfg.MetricsEnabled).
		Msg("Voice Pipeline Service starting")

	ctx := context.Background()
	var checks []observability.DependencyCheck
	var closers []func()

	// Speech recognition
	var recognizer stt.Provider
	switch cfg.STTProvider {
	case "google":
		google, err := stt.NewGoogleProvider(ctx, cfg.GoogleLanguageCode)
		if err != nil {
			logger.Fatal().Err(err).Msg("Failed to create Google speech client")
		}
		closers = append(closers, func() { google.Close() })
		recognizer = google
	default:
		recognizer = stt.NewDeepgramProvider(cfg.DeepgramAPIKey, cfg.DeepgramModel)
	}
	checks = append(checks, observability.DependencyCheck{
		Name: "recognizer",
		Check: func(ctx context.Context) (bool, error) {
			// Opening a stream would bill audio time, so only configuration is checked
			if recognizer == nil {
				return false, fmt.Errorf("no recognizer configured")
			}
			return true, nil
		},
	})

	// Completion
	var provider completion.Provider
	timeout := time.Duration(cfg.CompletionTimeout) * time.Second
	switch cfg.CompletionProvider {
	case "orchestrator":
		retry := resilience.DefaultRetryConfig()
		retry.MaxAttempts = cfg.RetryMaxAttempts
		retry.InitialBackoff = config.Millis(cfg.RetryInitialBackoff)
		orch, err := completion.NewOrchestratorProvider(completion.OrchestratorConfig{
			URL:        cfg.OrchestratorURL,
			TLSEnabled: cfg.OrchestratorTLSEnabled,
			Retry:      retry,
		})
		if err != nil {
			logger.Fatal().Err(err).Msg("Failed to create orchestrator client")
		}
		closers = append(closers, func() { orch.Close() })
		checks = append(checks, observability.DependencyCheck{Name: "orchestrator", Check: orch.HealthCheck})
		provider = orch
		timeout = time.Duration(cfg.OrchestratorTimeout) * time.Second
	default:
		gemini, err := completion.NewGeminiProvider(ctx, completion.GeminiConfig{
			APIKey:       cfg.GeminiAPIKey,
			Model:        cfg.GeminiModel,
			SystemPrompt: cfg.CompletionSystemPrompt,
		})
		if err != nil {
			logger.Fatal().Err(err).Msg("Failed to create Gemini client")
		}
		provider = gemini
	}
	guarded := completion.NewGuarded(provider, cfg.CircuitBreakerMaxFailures, time.Duration(cfg.CircuitBreakerResetTimeout)*time.Second, timeout)
	checks = append(checks, observability.DependencyCheck{Name: "completion", Check: guarded.Ready})

	// Speech synthesis
	cartesia := tts.NewCartesiaClient(cfg)
	checks = append(checks, observability.DependencyCheck{Name: "cartesia", Check: cartesia.Ready})

	// Conversation history
	var store history.Store = history.NewMemoryStore(cfg.HistoryWindow * 10)
	if cfg.HistoryDatabaseURL != "" {
		pg, err := history.NewPostgresStore(ctx, cfg.HistoryDatabaseURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("Failed to open history database")
		}
		store = pg
	}
	checks = append(checks, observability.DependencyCheck{
		Name: "history",
		Check: func(ctx context.Context) (bool, error) {
			if err := store.Ping(ctx); err != nil {
				return false, err
			}
			return true, nil
		},
	})

	// Exchange events
	publisher := events.New(&events.Config{
		Brokers:         cfg.KafkaBrokers,
		TopicTranscript: cfg.KafkaTopicTranscript,
		TopicExchange:   cfg.KafkaTopicExchange,
		Enabled:         cfg.KafkaEnabled,
	})

	sessions := registry.New()
	orchestrator := pipeline.New(pipeline.Dependencies{
		Registry:    sessions,
		Classifier:  classifier.New(pipeline.ClassifierThresholds(cfg)),
		Recognizer:  recognizer,
		Completion:  guarded,
		Synthesizer: cartesia,
		History:     store,
		Events:      publisher,
	}, pipeline.OptionsFromConfig(cfg))

	ws := transport.NewServer(orchestrator, transport.OptionsFromConfig(cfg))

	// Create HTTP server
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", ws.Handler())
	mux.HandleFunc("/health", observability.HealthCheckHandler())
	mux.HandleFunc("/ready", observability.ReadinessHandler(checks...))

	// Metrics endpoint (Prometheus)
	if cfg.MetricsEnabled {
		mux.Handle("/metrics", promhttp.Handler())
		logger.Info().Msg("Prometheus metrics enabled at /metrics")
	}

	// WriteTimeout stays unset: it would cut long-lived websocket connections
	server := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.Port),
		Handler:           mux,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// Start server in a goroutine
	go func() {
		logger.Info().
			Str("port", cfg.Port).
			Str("endpoint", fmt.Sprintf("ws://localhost:%s/ws", cfg.Port)).
			Msg("Server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("Server failed to start")
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().
		Int("connections", ws.Len()).
		Int("sessions", sessions.Len()).
		Msg("Shutting down server...")

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("HTTP server forced to shutdown")
	}
	if err := ws.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Connections did not drain before timeout")
	}
	if err := publisher.Close(); err != nil {
		logger.Error().Err(err).Msg("Failed to close event publisher")
	}
	store.Close()
	for _, closeFn := range closers {
		closeFn()
	}

	logger.Info().Msg("Server exited gracefully")
}
