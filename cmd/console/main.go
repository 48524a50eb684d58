// Command console serves the fleet telemetry dashboard.
//
// An operator logs in, picks a vehicle, and the console keeps that view up to
// date:
//  1. Fetches the vehicle's health prediction (retried with 2s/4s backoff)
//  2. Fetches its service bookings in parallel (never retried)
//  3. Pushes every state change to the browser over a WebSocket
//  4. Speaks each new prediction through the speech service
//  5. Publishes alerting predictions to MQTT when a broker is configured
//  6. Refreshes the selected vehicle every poll interval
//
// The console serves HTTP on port 8080 (configurable) providing:
//   - GET  /                        - Login form
//   - GET  /vehicles                - Vehicle picker
//   - GET  /dashboard?vehicleId=<id> - Dashboard page
//   - GET  /ws?vehicleId=<id>        - Live dashboard state
//   - GET  /audio/{id}              - Synthesized speech clips
//   - GET  /healthz                 - Health check endpoint
//   - GET  /metrics                 - Prometheus metrics endpoint
//
// Usage:
//
//	console \
//	  -vehicles=XYZ789,LMN456,PQR999 \
//	  -login-email=ops@example.com \
//	  -login-password=secret \
//	  -session-secret=0123456789abcdef \
//	  -mqtt-broker=mqtt://broker:1883
//
// Environment variables (a .env file in the working directory is loaded first):
//
//	VEHICLES        - Comma-separated vehicle ids
//	OPERATOR_NAME   - Name shown on the dashboard
//	PREDICTION_URL  - Prediction service URL
//	BOOKING_URL     - Booking service URL
//	SPEECH_URL      - Speech synthesis service URL
//	BOOKING_UI_URL  - Service booking UI
//	POLL_INTERVAL   - Refresh interval (default: 10m)
//	SPEECH_ENABLED  - Speak predictions (default: true)
//	CLIP_STORAGE    - Audio clip storage: memory, redis (default: memory)
//	REDIS_ADDR      - Redis address for clip storage
//	MQTT_BROKER     - MQTT broker URL (empty disables alert publishing)
//	LOGIN_EMAIL     - Operator login email
//	LOGIN_PASSWORD  - Operator login password
//	SESSION_SECRET  - Session signing secret
//	TLS_ENABLED     - Serve HTTPS
//	LOG_LEVEL       - Logging level: debug, info, warn, error (default: info)
//	LOG_FORMAT      - Logging format: text, json (default: text)
package main

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/HatiCode/fleetdash/cmd/console/config"
	"github.com/HatiCode/fleetdash/cmd/console/logger"
	"github.com/HatiCode/fleetdash/cmd/console/metrics"
	"github.com/HatiCode/fleetdash/cmd/console/router"
	"github.com/HatiCode/fleetdash/pkg/adapters"
	"github.com/HatiCode/fleetdash/pkg/alerts"
	"github.com/HatiCode/fleetdash/pkg/auth"
	"github.com/HatiCode/fleetdash/pkg/dashboard"
	"github.com/HatiCode/fleetdash/pkg/httpx"
	"github.com/HatiCode/fleetdash/pkg/storage"
	fleettls "github.com/HatiCode/fleetdash/pkg/tls"
)

// version is set via ldflags at build time
var version = "dev"

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "failed to load .env: %v\n", err)
		os.Exit(1)
	}

	cfg := config.ParseFlags()

	logger := logger.New(cfg)
	slog.SetDefault(logger)

	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	logger.Info("starting fleetdash console",
		"version", version,
		"vehicles", cfg.Vehicles,
		"poll_interval", cfg.PollInterval,
		"speech", cfg.SpeechEnabled,
	)

	httpClient, err := httpx.NewClient(cfg.UpstreamTLS, cfg.RequestTimeout)
	if err != nil {
		logger.Error("failed to create upstream client", "error", err)
		os.Exit(1)
	}

	m := metrics.New()

	clips, health, closeClips, err := newClipStore(cfg, logger)
	if err != nil {
		logger.Error("failed to create clip store", "error", err)
		os.Exit(1)
	}
	defer closeClips()

	var synth dashboard.Synthesizer
	if cfg.SpeechEnabled {
		synth = &adapters.SpeechClient{URL: cfg.SpeechURL, HTTPClient: httpClient}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var notifiers []dashboard.Notifier
	if cfg.MQTTBroker != "" {
		publisher, err := connectMQTT(ctx, cfg, logger)
		if err != nil {
			logger.Error("failed to connect to MQTT broker", "broker", cfg.MQTTBroker, "error", err)
			os.Exit(1)
		}
		defer func() {
			closeCtx, closeCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer closeCancel()
			if err := publisher.Close(closeCtx); err != nil {
				logger.Error("failed to disconnect from MQTT broker", "error", err)
			}
		}()
		awaitCtx, awaitCancel := context.WithTimeout(ctx, 10*time.Second)
		if err := publisher.AwaitConnection(awaitCtx); err != nil {
			logger.Warn("MQTT broker not reachable yet, alerts are dropped until it is", "broker", cfg.MQTTBroker, "error", err)
		}
		awaitCancel()
		notifiers = append(notifiers, publisher)
	}

	verifier, err := auth.NewStaticVerifier(cfg.LoginEmail, cfg.LoginPassword)
	if err != nil {
		logger.Error("failed to set up login", "error", err)
		os.Exit(1)
	}

	tokens, err := newTokens(cfg, logger)
	if err != nil {
		logger.Error("failed to set up sessions", "error", err)
		os.Exit(1)
	}

	shutdown := make(chan struct{})

	handler, err := router.SetupRoutes(router.Options{
		Vehicles:     cfg.Vehicles,
		OperatorName: cfg.OperatorName,
		BookingUIURL: cfg.BookingUIURL,
		Verifier:     verifier,
		Tokens:       tokens,
		SecureCookie: cfg.TLS.Enabled,
		Predictions:  &adapters.PredictionClient{URL: cfg.PredictionURL, HTTPClient: httpClient},
		Bookings:     &adapters.BookingClient{URL: cfg.BookingURL, HTTPClient: httpClient},
		Synthesizer:  synth,
		Notifiers:    notifiers,
		Clips:        clips,
		PollInterval: cfg.PollInterval,
		MaxAttempts:  cfg.MaxAttempts,
		BackoffBase:  cfg.BackoffBase,
		Metrics:      m,
		Logger:       logger,
		Health:       health,
		Shutdown:     shutdown,
	})
	if err != nil {
		logger.Error("failed to set up routes", "error", err)
		os.Exit(1)
	}

	httpServer := httpx.NewServer(cfg.Listen, handler, logger)
	httpServer.RegisterOnShutdown(func() { close(shutdown) })

	serverErr := make(chan error, 1)
	if cfg.TLS.Enabled {
		tlsConfig, err := fleettls.NewServerTLSConfig(cfg.TLS)
		if err != nil {
			logger.Error("failed to create TLS config", "error", err)
			os.Exit(1)
		}
		httpServer.SetTLSConfig(tlsConfig)
		go func() {
			serverErr <- httpServer.StartTLS(cfg.TLS.CertFile, cfg.TLS.KeyFile)
		}()
	} else {
		go func() {
			serverErr <- httpServer.Start()
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", "signal", sig)
	case err := <-serverErr:
		if err != nil {
			logger.Error("server failed", "error", err)
		}
	}

	logger.Info("shutting down")
	cancel()

	if err := httpServer.Stop(10 * time.Second); err != nil {
		logger.Error("server shutdown failed", "error", err)
		os.Exit(1)
	}

	logger.Info("shutdown complete")
}

// newClipStore returns the configured clip store, its health check and a
// function releasing it.
func newClipStore(cfg *config.Config, logger *slog.Logger) (storage.ClipStore, func() error, func(), error) {
	switch cfg.ClipStorage {
	case "redis":
		logger.Info("using Redis clip storage", "addr", cfg.RedisAddr, "db", cfg.RedisDB, "ttl", cfg.ClipTTL)
		store, err := storage.NewRedisClipStore(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.ClipTTL)
		if err != nil {
			return nil, nil, nil, err
		}
		health := func() error {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			return store.Ping(ctx)
		}
		closeFn := func() {
			if err := store.Close(); err != nil {
				logger.Error("failed to close redis clip store", "error", err)
			}
		}
		return store, health, closeFn, nil

	default:
		logger.Info("using in-memory clip storage", "ttl", cfg.ClipTTL)
		store := storage.NewMemoryClipStoreWithTTL(cfg.ClipTTL, time.Minute)
		return store, nil, store.Stop, nil
	}
}

func connectMQTT(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*alerts.MQTTPublisher, error) {
	tlsConfig, err := fleettls.NewClientTLSConfig(cfg.UpstreamTLS)
	if err != nil {
		return nil, fmt.Errorf("create TLS config: %w", err)
	}

	return alerts.Connect(ctx, alerts.Config{
		BrokerURL:   cfg.MQTTBroker,
		ClientID:    cfg.MQTTClientID,
		Username:    cfg.MQTTUsername,
		Password:    cfg.MQTTPassword,
		TopicPrefix: cfg.MQTTTopicPrefix,
		TLS:         tlsConfig,
	}, logger)
}

// newTokens signs sessions with the configured secret. Without one, a random
// secret is generated and sessions do not survive a restart.
func newTokens(cfg *config.Config, logger *slog.Logger) (*auth.Tokens, error) {
	secret := []byte(cfg.SessionSecret)
	if len(secret) == 0 {
		logger.Warn("no session secret configured, generating a random one; logins will not survive a restart")
		secret = make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			return nil, fmt.Errorf("generate session secret: %w", err)
		}
	}
	return auth.NewTokens(secret, cfg.SessionTTL)
}
