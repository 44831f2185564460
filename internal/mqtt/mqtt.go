// Package mqtt publishes bridge notifications to an MQTT broker.
package mqtt

import (
	"context"
	"sync"
	"time"

	"github.com/tphakala/gadgetbridge/internal/logger"
)

// Client defines the interface for MQTT client operations.
type Client interface {
	// Connect attempts to connect to the MQTT broker.
	// It returns an error if the connection fails.
	Connect(ctx context.Context) error

	// Publish sends a message to the specified topic on the MQTT broker.
	Publish(ctx context.Context, topic string, payload []byte, retain bool) error

	// IsConnected returns true if the client is currently connected to the MQTT broker.
	IsConnected() bool

	// Disconnect closes the connection to the MQTT broker.
	Disconnect()
}

// Config holds the configuration for the MQTT client.
type Config struct {
	Broker   string
	ClientID string
	Username string
	Password string
	// Topic is the base topic, notifications go to Topic + "/state" and so on.
	Topic             string
	ReconnectCooldown time.Duration
	// Connection timeouts
	ConnectTimeout    time.Duration
	PublishTimeout    time.Duration
	DisconnectTimeout time.Duration
}

// DefaultConfig returns a Config with reasonable default values
func DefaultConfig() Config {
	return Config{
		ClientID:          "gadgetbridge",
		Topic:             "gadgetbridge",
		ReconnectCooldown: 5 * time.Second,
		ConnectTimeout:    30 * time.Second,
		PublishTimeout:    10 * time.Second,
		DisconnectTimeout: 250 * time.Millisecond,
	}
}

// AvailabilityTopic carries the retained online/offline payload.
func (c Config) AvailabilityTopic() string {
	return c.Topic + "/" + topicStatus
}

// Metrics receives client and sink counters. Implemented by the Prometheus
// collectors in the observability package.
type Metrics interface {
	UpdateConnectionStatus(connected bool)
	IncrementMessagesDelivered()
	IncrementErrors()
	IncrementReconnectAttempts()
	IncrementDropped()
	ObserveMessageSize(size float64)
	ObservePublishLatency(d time.Duration)
}

// NopMetrics discards every observation.
type NopMetrics struct{}

func (NopMetrics) UpdateConnectionStatus(bool)         {}
func (NopMetrics) IncrementMessagesDelivered()         {}
func (NopMetrics) IncrementErrors()                    {}
func (NopMetrics) IncrementReconnectAttempts()         {}
func (NopMetrics) IncrementDropped()                   {}
func (NopMetrics) ObserveMessageSize(float64)          {}
func (NopMetrics) ObservePublishLatency(time.Duration) {}

var (
	serviceLogger logger.Logger
	loggerOnce    sync.Once
)

// GetLogger returns the mqtt module logger.
func GetLogger() logger.Logger {
	loggerOnce.Do(func() {
		serviceLogger = logger.Global().Module("mqtt")
	})
	return serviceLogger
}

// WaitConnected polls c until it is connected or ctx is done.
func WaitConnected(ctx context.Context, c Client, poll time.Duration) error {
	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	for !c.IsConnected() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}
