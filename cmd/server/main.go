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
	"github.com/rs/zerolog"

	"github.com/outdialhq/voice-agent/internal/audio"
	"github.com/outdialhq/voice-agent/internal/cache"
	"github.com/outdialhq/voice-agent/internal/config"
	"github.com/outdialhq/voice-agent/internal/llm"
	"github.com/outdialhq/voice-agent/internal/observability"
	"github.com/outdialhq/voice-agent/internal/pool"
	"github.com/outdialhq/voice-agent/internal/resilience"
	"github.com/outdialhq/voice-agent/internal/synth"
	"github.com/outdialhq/voice-agent/internal/telephony"
	"github.com/outdialhq/voice-agent/internal/tts"
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
		Str("log_level", cfg.LogLevel).
		Strs("providers", cfg.Providers()).
		Bool("metrics_enabled", cfg.MetricsEnabled).
		Msg("Voice Agent Service starting")

	// Synthesis providers in configured fallback order
	providers := buildProviders(cfg, logger)
	if len(providers) == 0 {
		logger.Fatal().Str("order", cfg.ProviderOrder).Msg("No synthesis providers configured")
	}

	// One transcoder pool per provider input format
	specs := make([]audio.TranscoderSpec, 0, len(providers))
	seen := make(map[string]bool)
	for _, p := range providers {
		spec := p.InputSpec()
		key := fmt.Sprintf("%s/%d", spec.InputFormat, spec.InputRate)
		if !seen[key] {
			seen[key] = true
			specs = append(specs, spec)
		}
	}
	transcoders := synth.NewTranscoderSet(cfg.FFmpegPath, specs, pool.Config{
		TargetSize:     cfg.PoolTargetSize,
		MaxSize:        cfg.PoolMaxSize,
		AcquireTimeout: cfg.PoolAcquireTimeout(),
		MaxUsage:       cfg.PoolMaxUsage(),
		MaxAge:         cfg.PoolMaxAge(),
		HealthInterval: cfg.PoolHealthInterval(),
	}, logger)
	defer transcoders.Close()

	// Shared audio cache
	audioCache := cache.New(cache.Options{
		TTL:           cfg.CacheTTL(),
		JaccardMin:    cfg.CacheJaccardMin,
		MinTextLength: cfg.CacheMinTextLength,
		MaxTextLength: cfg.CacheMaxTextLength,
	}, logger)
	if purged := audioCache.Purge(); purged > 0 {
		logger.Info().Int("purged", purged).Msg("Cache purge complete")
	}
	if cfg.CachePrewarmEnabled {
		go prewarmCache(cfg, providers[0], transcoders, audioCache, logger)
	}

	llmClient := llm.NewOpenAIClient(cfg.OpenAIAPIKey, cfg.OpenAIModel, cfg.OpenAIMaxTokens, logger)
	tracker := observability.NewCycleTracker(cfg.MonitorWindowSize, cfg.LatencyCeiling(), cfg.LatencyBreakerRunLen)
	handler := telephony.NewHandler(cfg, llmClient, providers, transcoders, audioCache, tracker, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("/streams", handler.HandleMediaStream())
	mux.HandleFunc("/health", observability.HealthCheckHandler())
	mux.HandleFunc("/ready", observability.ReadinessHandler(map[string]observability.HealthCheckFunc{
		"latency": func(ctx context.Context) (bool, error) {
			if tracker.Degraded() {
				return false, fmt.Errorf("latency ceiling exceeded on recent calls")
			}
			return true, nil
		},
	}))
	if cfg.MetricsEnabled {
		mux.Handle("/metrics", promhttp.Handler())
		logger.Info().Msg("Prometheus metrics enabled at /metrics")
	}

	server := &http.Server{
		Addr:         fmt.Sprintf(":%s", cfg.Port),
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info().
			Str("port", cfg.Port).
			Str("endpoint", fmt.Sprintf("ws://localhost:%s/streams", cfg.Port)).
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

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Fatal().Err(err).Msg("Server forced to shutdown")
	}

	logger.Info().Msg("Server exited gracefully")
}

// buildProviders assembles the synthesis fallback chain from config
func buildProviders(cfg *config.Config, logger zerolog.Logger) []tts.Provider {
	var providers []tts.Provider
	for _, name := range cfg.Providers() {
		switch name {
		case "elevenlabs":
			// Pre-dialed connections amortize the TLS+WS handshake
			providers = append(providers, tts.NewPooledElevenLabsClient(tts.ElevenLabsConfig{
				APIKey:  cfg.ElevenLabsAPIKey,
				ModelID: cfg.ElevenLabsModelID,
				VoiceID: cfg.ElevenLabsVoiceID,
			}, pool.Config{
				TargetSize:     cfg.PoolTargetSize,
				MaxSize:        cfg.PoolMaxSize,
				AcquireTimeout: cfg.PoolAcquireTimeout(),
				MaxUsage:       cfg.PoolMaxUsage(),
				MaxAge:         cfg.PoolMaxAge(),
				HealthInterval: cfg.PoolHealthInterval(),
			}, logger))
		case "cartesia":
			if cfg.CartesiaAPIKey == "" {
				logger.Warn().Msg("Cartesia listed in provider order but CARTESIA_API_KEY is unset, skipping")
				continue
			}
			providers = append(providers, tts.NewCartesiaClient(tts.CartesiaConfig{
				APIKey:  cfg.CartesiaAPIKey,
				ModelID: cfg.CartesiaModelID,
				VoiceID: cfg.CartesiaVoiceID,
			}, logger))
		default:
			logger.Warn().Str("provider", name).Msg("Unknown synthesis provider in SYNTH_PROVIDER_ORDER")
		}
	}
	return providers
}

// prewarmCache synthesizes the curated opening phrases so the first
// call never pays first-response synthesis latency.
func prewarmCache(cfg *config.Config, provider tts.Provider, transcoders *synth.TranscoderSet, audioCache *cache.AudioCache, logger zerolog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	audioCache.Prewarm(cfg.ElevenLabsVoiceID, func(text string) (cache.Audio, error) {
		var warmed cache.Audio
		err := resilience.Retry(ctx, func() error {
			raw, err := provider.Synthesize(ctx, text, cfg.ElevenLabsVoiceID)
			if err != nil {
				return err
			}
			mulaw, err := transcoders.Transcode(ctx, provider.InputSpec(), raw)
			if err != nil {
				return err
			}
			warmed = cache.Audio{Raw: raw, Mulaw: mulaw}
			return nil
		}, nil, nil)
		return warmed, err
	})
	logger.Info().Int("entries", audioCache.Len()).Msg("Cache prewarm complete")
}
