// Package router configures the console's HTTP routes.
//
// Routes configured:
//   - GET  /                        - Login form
//   - POST /login                   - Verify credentials, set the session cookie
//   - POST /logout                  - Clear the session cookie
//   - GET  /vehicles                - Vehicle picker
//   - GET  /dashboard?vehicleId=<id> - Dashboard page
//   - GET  /ws?vehicleId=<id>        - Live dashboard state over WebSocket
//   - GET  /api/vehicles            - Configured vehicle ids as JSON
//   - GET  /audio/{id}              - Synthesized speech clip
//   - GET  /healthz                 - Health check
//   - GET  /metrics                 - Prometheus metrics
//
// Everything except the login form, health and metrics requires a session.
package router

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/HatiCode/fleetdash/cmd/console/metrics"
	"github.com/HatiCode/fleetdash/pkg/auth"
	"github.com/HatiCode/fleetdash/pkg/dashboard"
	"github.com/HatiCode/fleetdash/pkg/httpx"
	"github.com/HatiCode/fleetdash/pkg/storage"
)

// Options holds the dependencies of the HTTP handlers.
type Options struct {
	Vehicles     []string
	OperatorName string
	BookingUIURL string

	Verifier     auth.Verifier
	Tokens       *auth.Tokens
	SecureCookie bool

	Predictions dashboard.PredictionSource
	Bookings    dashboard.BookingSource

	// Synthesizer is nil when speech is disabled.
	Synthesizer dashboard.Synthesizer

	// Notifiers are shared by every dashboard view, e.g. the MQTT publisher.
	Notifiers []dashboard.Notifier

	Clips        storage.ClipStore
	PollInterval time.Duration
	MaxAttempts  int
	BackoffBase  time.Duration

	Metrics *metrics.Metrics
	Logger  *slog.Logger

	// Health reports dependency problems on /healthz. Nil means always healthy.
	Health func() error

	// Shutdown is closed when the server stops; open WebSockets exit on it.
	Shutdown <-chan struct{}
}

// SetupRoutes returns the console handler with logging and panic recovery.
func SetupRoutes(opts Options) (http.Handler, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	pages, err := newPages(opts)
	if err != nil {
		return nil, err
	}
	live := newLiveHandler(opts)

	mux := http.NewServeMux()

	mux.Handle("GET /healthz", httpx.HealthHandler(opts.Health))
	mux.Handle("GET /metrics", promhttp.Handler())

	mux.HandleFunc("GET /{$}", pages.handleLoginForm)
	mux.HandleFunc("POST /login", pages.handleLogin)
	mux.HandleFunc("POST /logout", pages.handleLogout)

	pageAuth := auth.RequireSession(opts.Tokens, auth.RedirectTo("/"))
	apiAuth := auth.RequireSession(opts.Tokens, func(w http.ResponseWriter, _ *http.Request) {
		httpx.WriteError(w, http.StatusUnauthorized, "login required")
	})

	mux.Handle("GET /vehicles", pageAuth(http.HandlerFunc(pages.handleVehicles)))
	mux.Handle("GET /dashboard", pageAuth(http.HandlerFunc(pages.handleDashboard)))
	mux.Handle("GET /ws", apiAuth(live))
	mux.Handle("GET /api/vehicles", apiAuth(http.HandlerFunc(pages.handleVehicleList)))
	mux.Handle("GET /audio/{id}", apiAuth(handleAudio(opts.Clips, opts.Logger)))

	return httpx.Chain(mux,
		httpx.RecoveryMiddleware(opts.Logger),
		httpx.LoggingMiddleware(opts.Logger),
	), nil
}
