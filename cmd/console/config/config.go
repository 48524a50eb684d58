// Package config parses the console configuration.
//
// Every setting can be given as a command-line flag or an environment
// variable. Flags take precedence over environment variables, which take
// precedence over defaults. main loads a .env file into the environment
// before ParseFlags runs.
//
// Example usage:
//
//	cfg := config.ParseFlags()
//	if err := cfg.Validate(); err != nil {
//		// report and exit
//	}
package config

import (
	"errors"
	"flag"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/HatiCode/fleetdash/pkg/tls"
)

// Upstream defaults.
const (
	DefaultPredictionURL = "https://prediction-32w1.onrender.com/predict"
	DefaultBookingURL    = "https://booking-api.onrender.com/bookings"
	DefaultSpeechURL     = "https://speak-api-qzzw.onrender.com/speak"
	DefaultBookingUIURL  = "https://service-booking-ui.onrender.com"
)

// MaxAttemptsLimit bounds -max-attempts. With the default 1s base the last
// wait is already 2^9 s, about 8.5 minutes.
const MaxAttemptsLimit = 10

// Config holds all console configuration.
type Config struct {
	Listen    string
	LogFormat string
	LogLevel  string

	Vehicles     []string
	OperatorName string

	PredictionURL  string
	BookingURL     string
	SpeechURL      string
	BookingUIURL   string
	PollInterval   time.Duration
	MaxAttempts    int
	BackoffBase    time.Duration
	RequestTimeout time.Duration
	SpeechEnabled  bool

	ClipStorage   string
	ClipTTL       time.Duration
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	MQTTBroker      string
	MQTTClientID    string
	MQTTUsername    string
	MQTTPassword    string
	MQTTTopicPrefix string

	LoginEmail    string
	LoginPassword string
	SessionSecret string
	SessionTTL    time.Duration

	TLS         tls.ServerConfig
	UpstreamTLS tls.ClientConfig
}

// ParseFlags parses command-line flags and environment variables into a Config.
func ParseFlags() *Config {
	cfg := &Config{}
	var vehicles string

	flag.StringVar(&cfg.Listen, "listen", getEnv("LISTEN", ":8080"), "HTTP listen address")
	flag.StringVar(&cfg.LogFormat, "log-format", getEnv("LOG_FORMAT", "text"), "Log format: text or json")
	flag.StringVar(&cfg.LogLevel, "log-level", getEnv("LOG_LEVEL", "info"), "Log level: debug, info, warn, error")

	flag.StringVar(&vehicles, "vehicles", getEnv("VEHICLES", "XYZ789,LMN456,PQR999"), "Comma-separated vehicle ids offered for selection")
	flag.StringVar(&cfg.OperatorName, "operator-name", getEnv("OPERATOR_NAME", "Gourang Jain"), "Operator name shown on the dashboard")

	flag.StringVar(&cfg.PredictionURL, "prediction-url", getEnv("PREDICTION_URL", DefaultPredictionURL), "Prediction service URL")
	flag.StringVar(&cfg.BookingURL, "booking-url", getEnv("BOOKING_URL", DefaultBookingURL), "Booking service URL")
	flag.StringVar(&cfg.SpeechURL, "speech-url", getEnv("SPEECH_URL", DefaultSpeechURL), "Speech synthesis service URL")
	flag.StringVar(&cfg.BookingUIURL, "booking-ui-url", getEnv("BOOKING_UI_URL", DefaultBookingUIURL), "Service booking UI linked from the dashboard")
	flag.DurationVar(&cfg.PollInterval, "poll-interval", getEnvDuration("POLL_INTERVAL", 10*time.Minute), "Refresh interval for the selected vehicle")
	flag.IntVar(&cfg.MaxAttempts, "max-attempts", getEnvInt("MAX_ATTEMPTS", 3), "Prediction attempts before giving up")
	flag.DurationVar(&cfg.BackoffBase, "backoff-base", getEnvDuration("BACKOFF_BASE", time.Second), "Retry backoff base; the wait before retry n is 2^n times this")
	flag.DurationVar(&cfg.RequestTimeout, "request-timeout", getEnvDuration("REQUEST_TIMEOUT", 10*time.Second), "Timeout for each upstream request")
	flag.BoolVar(&cfg.SpeechEnabled, "speech-enabled", getEnvBool("SPEECH_ENABLED", true), "Speak each prediction")

	flag.StringVar(&cfg.ClipStorage, "clip-storage", getEnv("CLIP_STORAGE", "memory"), "Audio clip storage: memory or redis")
	flag.DurationVar(&cfg.ClipTTL, "clip-ttl", getEnvDuration("CLIP_TTL", 10*time.Minute), "How long synthesized clips are kept")
	flag.StringVar(&cfg.RedisAddr, "redis-addr", getEnv("REDIS_ADDR", "localhost:6379"), "Redis server address")
	flag.StringVar(&cfg.RedisPassword, "redis-password", getEnv("REDIS_PASSWORD", ""), "Redis password")
	flag.IntVar(&cfg.RedisDB, "redis-db", getEnvInt("REDIS_DB", 0), "Redis database number")

	flag.StringVar(&cfg.MQTTBroker, "mqtt-broker", getEnv("MQTT_BROKER", ""), "MQTT broker URL for alert publishing (empty disables)")
	flag.StringVar(&cfg.MQTTClientID, "mqtt-client-id", getEnv("MQTT_CLIENT_ID", "fleetdash-console"), "MQTT client id")
	flag.StringVar(&cfg.MQTTUsername, "mqtt-username", getEnv("MQTT_USERNAME", ""), "MQTT username")
	flag.StringVar(&cfg.MQTTPassword, "mqtt-password", getEnv("MQTT_PASSWORD", ""), "MQTT password")
	flag.StringVar(&cfg.MQTTTopicPrefix, "mqtt-topic-prefix", getEnv("MQTT_TOPIC_PREFIX", "fleetdash"), "First level of alert topics")

	flag.StringVar(&cfg.LoginEmail, "login-email", getEnv("LOGIN_EMAIL", "user@test.com"), "Operator login email")
	flag.StringVar(&cfg.LoginPassword, "login-password", getEnv("LOGIN_PASSWORD", "1234"), "Operator login password")
	flag.StringVar(&cfg.SessionSecret, "session-secret", getEnv("SESSION_SECRET", ""), "Session signing secret (random per process if empty)")
	flag.DurationVar(&cfg.SessionTTL, "session-ttl", getEnvDuration("SESSION_TTL", 12*time.Hour), "Login session lifetime")

	flag.BoolVar(&cfg.TLS.Enabled, "tls-enabled", getEnvBool("TLS_ENABLED", false), "Serve HTTPS")
	flag.StringVar(&cfg.TLS.CertFile, "tls-cert-file", getEnv("TLS_CERT_FILE", ""), "TLS certificate file")
	flag.StringVar(&cfg.TLS.KeyFile, "tls-key-file", getEnv("TLS_KEY_FILE", ""), "TLS private key file")
	flag.StringVar(&cfg.TLS.ClientCAFile, "tls-client-ca-file", getEnv("TLS_CLIENT_CA_FILE", ""), "CA for client certificates (enables mutual TLS)")
	flag.StringVar(&cfg.UpstreamTLS.CAFile, "upstream-ca-file", getEnv("UPSTREAM_CA_FILE", ""), "Extra CA trusted for upstream services")
	flag.StringVar(&cfg.UpstreamTLS.CertFile, "upstream-cert-file", getEnv("UPSTREAM_CERT_FILE", ""), "Client certificate presented to upstream services")
	flag.StringVar(&cfg.UpstreamTLS.KeyFile, "upstream-key-file", getEnv("UPSTREAM_KEY_FILE", ""), "Client key for upstream services")

	flag.Parse()

	cfg.Vehicles = splitList(vehicles)

	return cfg
}

// Validate returns an error describing the first invalid setting.
func (c *Config) Validate() error {
	for name, raw := range map[string]string{
		"prediction-url": c.PredictionURL,
		"booking-url":    c.BookingURL,
		"speech-url":     c.SpeechURL,
		"booking-ui-url": c.BookingUIURL,
	} {
		if err := validateHTTPURL(raw); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}

	if c.PollInterval <= 0 {
		return errors.New("poll-interval must be > 0")
	}
	if c.MaxAttempts < 1 || c.MaxAttempts > MaxAttemptsLimit {
		return fmt.Errorf("max-attempts must be between 1 and %d", MaxAttemptsLimit)
	}
	if c.BackoffBase <= 0 {
		return errors.New("backoff-base must be > 0")
	}
	if c.RequestTimeout <= 0 {
		return errors.New("request-timeout must be > 0")
	}

	switch c.ClipStorage {
	case "memory", "redis":
	default:
		return fmt.Errorf("invalid clip-storage %q (must be memory or redis)", c.ClipStorage)
	}
	if c.ClipTTL <= 0 {
		return errors.New("clip-ttl must be > 0")
	}

	if c.LoginEmail == "" || c.LoginPassword == "" {
		return errors.New("login-email and login-password are required")
	}
	if c.SessionSecret != "" && len(c.SessionSecret) < 16 {
		return errors.New("session-secret must be at least 16 characters")
	}

	if err := c.TLS.Validate(); err != nil {
		return err
	}
	if err := c.UpstreamTLS.Validate(); err != nil {
		return fmt.Errorf("upstream tls: %w", err)
	}

	return nil
}

func validateHTTPURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("url %q must be http or https", raw)
	}
	if u.Host == "" {
		return fmt.Errorf("url %q has no host", raw)
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	seen := make(map[string]bool)
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" || seen[part] {
			continue
		}
		seen[part] = true
		out = append(out, part)
	}
	return out
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		var i int
		if _, err := fmt.Sscanf(value, "%d", &i); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return value == "true" || value == "1"
	}
	return defaultValue
}
