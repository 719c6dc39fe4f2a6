package main

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/postak/lead-agent/internal/agent"
	"github.com/postak/lead-agent/internal/api"
	"github.com/postak/lead-agent/internal/config"
	"github.com/postak/lead-agent/internal/observability"
	"github.com/postak/lead-agent/internal/session"
	"github.com/postak/lead-agent/internal/telephony"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		// Use fmt for fatal errors before the logger is initialized
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	observability.InitLogger(cfg.LogLevel, cfg.LogPretty)
	logger := observability.GetLogger()

	logger.Info().
		Str("port", cfg.Port).
		Str("base_url", cfg.BaseURL).
		Str("agent_backend_url", cfg.AgentBackendURL).
		Str("log_level", cfg.LogLevel).
		Bool("metrics_enabled", cfg.MetricsEnabled).
		Msg("Lead Agent service starting")

	registry := session.NewRegistry()
	placer := telephony.NewPlacer(cfg)
	dialer := agent.NewWSDialer(cfg)

	streamHandler := telephony.NewStreamHandler(cfg, registry, dialer, placer)
	restHandlers := api.NewHandlers(cfg, placer, registry)

	mux := http.NewServeMux()
	mux.Handle("/ws/twilio_stream", streamHandler)
	mux.HandleFunc("/api/initiate_call", restHandlers.InitiateCall)
	mux.HandleFunc("/api/twilio_status", restHandlers.TwilioStatus)
	mux.HandleFunc("/health", observability.HealthCheckHandler())

	checks := map[string]observability.HealthCheckFunc{
		"twilio_config": func(ctx context.Context) (bool, error) {
			if cfg.TwilioAccountSID == "" || cfg.TwilioAuthToken == "" {
				return false, fmt.Errorf("twilio credentials missing")
			}
			return true, nil
		},
		"agent_backend_config": func(ctx context.Context) (bool, error) {
			u, err := url.Parse(cfg.AgentBackendURL)
			if err != nil {
				return false, err
			}
			if u.Scheme != "ws" && u.Scheme != "wss" {
				return false, fmt.Errorf("agent backend url must be ws or wss, got %q", u.Scheme)
			}
			return true, nil
		},
	}
	mux.HandleFunc("/ready", observability.ReadinessHandler(checks))

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
			Str("stream_endpoint", fmt.Sprintf("ws://localhost:%s/ws/twilio_stream", cfg.Port)).
			Msg("Server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("Server failed to start")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("Shutting down server...")

	// Tear down live calls before closing the listener; Twilio ends the
	// legs once their streams drop.
	registry.TerminateAll(session.ReasonChannelError)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Fatal().Err(err).Msg("Server forced to shutdown")
	}

	logger.Info().Msg("Server exited gracefully")
}
