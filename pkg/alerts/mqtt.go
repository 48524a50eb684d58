// Package alerts publishes vehicle alerts to an MQTT broker.
package alerts

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/HatiCode/fleetdash/pkg/adapters"
)

// DefaultTopicPrefix is the first topic level of every alert.
const DefaultTopicPrefix = "fleetdash"

// Config configures the broker connection.
type Config struct {
	BrokerURL string
	ClientID  string
	Username  string
	Password  string

	// TopicPrefix defaults to DefaultTopicPrefix.
	TopicPrefix string

	// KeepAlive in seconds. Default is 60.
	KeepAlive uint16

	// ConnectTimeout defaults to 5s.
	ConnectTimeout time.Duration

	// TLS is used for mqtts:// and ssl:// broker URLs.
	TLS *tls.Config
}

func (c *Config) setDefaults() {
	if c.TopicPrefix == "" {
		c.TopicPrefix = DefaultTopicPrefix
	}
	if c.KeepAlive == 0 {
		c.KeepAlive = 60
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = 5 * time.Second
	}
	if c.ClientID == "" {
		c.ClientID = "fleetdash-console"
	}
}

// Validate checks that the broker URL is usable.
func (c *Config) Validate() error {
	if c.BrokerURL == "" {
		return errors.New("broker url is required")
	}
	u, err := url.Parse(c.BrokerURL)
	if err != nil {
		return fmt.Errorf("parse broker url: %w", err)
	}
	if u.Host == "" {
		return fmt.Errorf("broker url %q has no host", c.BrokerURL)
	}
	return nil
}

// Publisher is the subset of *autopaho.ConnectionManager the alert
// publisher needs.
type Publisher interface {
	Publish(ctx context.Context, p *paho.Publish) (*paho.PublishResponse, error)
}

// Alert is the JSON payload published for a non-OK prediction.
type Alert struct {
	VehicleID         string                   `json:"vehicleId"`
	Status            string                   `json:"status"`
	Message           string                   `json:"message,omitempty"`
	RecommendedAction string                   `json:"recommendedAction,omitempty"`
	Components        []adapters.ComponentRisk `json:"predictions,omitempty"`
	LastUpdated       string                   `json:"lastUpdated,omitempty"`
	PublishedAt       time.Time                `json:"publishedAt"`
}

// MQTTPublisher publishes an Alert for every prediction whose status is not
// OK. It implements dashboard.Notifier.
type MQTTPublisher struct {
	pub    Publisher
	cm     *autopaho.ConnectionManager
	prefix string
	now    func() time.Time
	logger *slog.Logger
}

// NewMQTTPublisher wraps an existing publisher.
func NewMQTTPublisher(pub Publisher, topicPrefix string, logger *slog.Logger) *MQTTPublisher {
	if topicPrefix == "" {
		topicPrefix = DefaultTopicPrefix
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &MQTTPublisher{
		pub:    pub,
		prefix: strings.TrimSuffix(topicPrefix, "/"),
		now:    time.Now,
		logger: logger,
	}
}

// Connect starts a managed broker connection and returns a publisher using
// it. The connection is re-established in the background after failures;
// Connect does not wait for the first one.
func Connect(ctx context.Context, cfg Config, logger *slog.Logger) (*MQTTPublisher, error) {
	cfg.setDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid mqtt config: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "mqtt")

	brokerURL, _ := url.Parse(cfg.BrokerURL)

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:                    []*url.URL{brokerURL},
		KeepAlive:                     cfg.KeepAlive,
		CleanStartOnInitialConnection: true,
		ReconnectBackoff:              autopaho.NewConstantBackoff(3 * time.Second),
		ConnectTimeout:                cfg.ConnectTimeout,
		ConnectUsername:               cfg.Username,
		ConnectPassword:               []byte(cfg.Password),
		TlsCfg:                        cfg.TLS,
		OnConnectionUp: func(*autopaho.ConnectionManager, *paho.Connack) {
			logger.Info("mqtt connection established", "broker", cfg.BrokerURL)
		},
		OnConnectError: func(err error) {
			logger.Warn("mqtt connection failed, retrying", "broker", cfg.BrokerURL, "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: cfg.ClientID,
			OnClientError: func(err error) {
				logger.Error("mqtt client error", "error", err)
			},
			OnServerDisconnect: func(d *paho.Disconnect) {
				if d.Properties != nil {
					logger.Warn("mqtt server requested disconnect", "reason", d.Properties.ReasonString)
					return
				}
				logger.Warn("mqtt server requested disconnect", "reason_code", d.ReasonCode)
			},
		},
	}

	logger.Info("starting mqtt client", "broker", cfg.BrokerURL, "client_id", cfg.ClientID)

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}

	p := NewMQTTPublisher(cm, cfg.TopicPrefix, logger)
	p.cm = cm
	return p, nil
}

// Name identifies the notifier in logs and metrics.
func (p *MQTTPublisher) Name() string { return "mqtt" }

// Topic returns the alert topic for a vehicle.
func (p *MQTTPublisher) Topic(vehicleID string) (string, error) {
	if vehicleID == "" || strings.ContainsAny(vehicleID, "/+#") {
		return "", fmt.Errorf("vehicle id %q cannot be used as a topic level", vehicleID)
	}
	return p.prefix + "/vehicles/" + vehicleID + "/alerts", nil
}

// Notify publishes an alert for pr at QoS 1. Predictions with status OK are
// ignored.
func (p *MQTTPublisher) Notify(ctx context.Context, pr adapters.Prediction) error {
	if !pr.IsAlert() {
		return nil
	}

	topic, err := p.Topic(pr.VehicleID)
	if err != nil {
		return err
	}

	payload, err := json.Marshal(Alert{
		VehicleID:         pr.VehicleID,
		Status:            pr.Status,
		Message:           pr.Message,
		RecommendedAction: pr.RecommendedAction,
		Components:        pr.Components,
		LastUpdated:       pr.LastUpdated,
		PublishedAt:       p.now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("marshal alert: %w", err)
	}

	if _, err := p.pub.Publish(ctx, &paho.Publish{
		Topic:   topic,
		QoS:     1,
		Payload: payload,
		Properties: &paho.PublishProperties{
			ContentType: "application/json",
		},
	}); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}

	p.logger.Debug("alert published", "topic", topic, "status", pr.Status)
	return nil
}

// AwaitConnection blocks until the broker connection is up or ctx is done.
// Publishers created with NewMQTTPublisher are always considered connected.
func (p *MQTTPublisher) AwaitConnection(ctx context.Context) error {
	if p.cm == nil {
		return nil
	}
	return p.cm.AwaitConnection(ctx)
}

// Close disconnects from the broker when the publisher owns the connection.
func (p *MQTTPublisher) Close(ctx context.Context) error {
	if p.cm == nil {
		return nil
	}
	if err := p.cm.Disconnect(ctx); err != nil {
		return fmt.Errorf("mqtt disconnect: %w", err)
	}
	p.logger.Info("mqtt client disconnected")
	return nil
}
