package mqtt

import (
	"context"
	"net"
	"net/url"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/tphakala/gadgetbridge/internal/errors"
	"github.com/tphakala/gadgetbridge/internal/logger"
	"github.com/tphakala/gadgetbridge/internal/privacy"
)

const (
	payloadOnline  = "online"
	payloadOffline = "offline"
)

// client implements the Client interface on top of paho.
type client struct {
	config          Config
	internalClient  paho.Client
	lastConnAttempt time.Time
	mu              sync.Mutex
	metrics         Metrics
	log             logger.Logger
}

// NewClient creates a new MQTT client with the provided configuration.
// A nil metrics discards observations.
func NewClient(cfg Config, metrics Metrics) (Client, error) {
	if cfg.Broker == "" {
		return nil, errors.Newf("mqtt broker address is empty").
			Component("mqtt").
			Category(errors.CategoryConfiguration).
			Build()
	}
	if metrics == nil {
		metrics = NopMetrics{}
	}
	defaults := DefaultConfig()
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = defaults.ConnectTimeout
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = defaults.PublishTimeout
	}
	if cfg.DisconnectTimeout <= 0 {
		cfg.DisconnectTimeout = defaults.DisconnectTimeout
	}
	if cfg.Topic == "" {
		cfg.Topic = defaults.Topic
	}
	return &client{
		config:  cfg,
		metrics: metrics,
		log:     GetLogger().With(logger.String("broker", privacy.SanitizeURL(cfg.Broker))),
	}, nil
}

// Connect attempts to establish a connection to the MQTT broker.
// It first resolves the broker's hostname and then attempts to connect.
// Once connected paho reconnects on its own.
func (c *client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.internalClient != nil && c.internalClient.IsConnected() {
		return nil
	}

	if since := time.Since(c.lastConnAttempt); since < c.config.ReconnectCooldown {
		return errors.Newf("connection attempt too recent, last attempt was %v ago", since.Round(time.Millisecond)).
			Component("mqtt").
			Category(errors.CategoryMQTTConnect).
			Build()
	}
	c.lastConnAttempt = time.Now()

	u, err := url.Parse(c.config.Broker)
	if err != nil {
		return errors.New(err).
			Component("mqtt").
			Category(errors.CategoryConfiguration).
			Context("operation", "parse_broker_url").
			Build()
	}

	host := u.Hostname()
	if net.ParseIP(host) == nil {
		if _, err := net.DefaultResolver.LookupHost(ctx, host); err != nil {
			c.metrics.IncrementErrors()
			return errors.New(err).
				Component("mqtt").
				Category(errors.CategoryNetwork).
				Context("operation", "resolve_broker").
				Context("host", host).
				Build()
		}
	}

	opts := paho.NewClientOptions()
	opts.AddBroker(c.config.Broker)
	opts.SetClientID(c.config.ClientID)
	opts.SetUsername(c.config.Username)
	opts.SetPassword(c.config.Password)
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectTimeout(c.config.ConnectTimeout)
	opts.SetWill(c.config.AvailabilityTopic(), payloadOffline, 1, true)
	opts.SetOnConnectHandler(c.onConnect)
	opts.SetConnectionLostHandler(c.onConnectionLost)
	opts.SetReconnectingHandler(c.onReconnecting)

	c.internalClient = paho.NewClient(opts)

	token := c.internalClient.Connect()
	if err := waitToken(ctx, token, c.config.ConnectTimeout); err != nil {
		c.metrics.IncrementErrors()
		return errors.New(err).
			Component("mqtt").
			Category(errors.CategoryMQTTConnect).
			Context("operation", "connect").
			Build()
	}

	c.metrics.UpdateConnectionStatus(true)
	return nil
}

// Publish sends a message to the specified topic on the MQTT broker.
func (c *client) Publish(ctx context.Context, topic string, payload []byte, retain bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.IsConnected() {
		return errors.Newf("not connected to MQTT broker").
			Component("mqtt").
			Category(errors.CategoryMQTTPublish).
			Context("topic", topic).
			Build()
	}

	c.log.Trace("publishing", logger.String("topic", topic), logger.Int("size", len(payload)))

	start := time.Now()
	token := c.internalClient.Publish(topic, 0, retain, payload)
	if err := waitToken(ctx, token, c.config.PublishTimeout); err != nil {
		c.metrics.IncrementErrors()
		return errors.New(err).
			Component("mqtt").
			Category(errors.CategoryMQTTPublish).
			Context("topic", topic).
			Build()
	}

	c.metrics.ObservePublishLatency(time.Since(start))
	c.metrics.IncrementMessagesDelivered()
	c.metrics.ObserveMessageSize(float64(len(payload)))
	return nil
}

// IsConnected returns true if the client is currently connected to the MQTT broker.
func (c *client) IsConnected() bool {
	return c.internalClient != nil && c.internalClient.IsConnected()
}

// Disconnect publishes the offline availability payload and closes the
// connection to the MQTT broker.
func (c *client) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.internalClient == nil {
		return
	}
	if c.internalClient.IsConnected() {
		token := c.internalClient.Publish(c.config.AvailabilityTopic(), 1, true, payloadOffline)
		token.WaitTimeout(c.config.DisconnectTimeout)
	}
	c.internalClient.Disconnect(uint(c.config.DisconnectTimeout.Milliseconds()))
	c.metrics.UpdateConnectionStatus(false)
}

func (c *client) onConnect(pc paho.Client) {
	c.log.Info("connected to MQTT broker")
	c.metrics.UpdateConnectionStatus(true)
	// Availability is published from paho's callback goroutine, the will
	// flips it back when the connection drops.
	pc.Publish(c.config.AvailabilityTopic(), 1, true, payloadOnline)
}

func (c *client) onConnectionLost(_ paho.Client, err error) {
	c.log.Warn("connection to MQTT broker lost", logger.Error(err))
	c.metrics.UpdateConnectionStatus(false)
	c.metrics.IncrementErrors()
}

func (c *client) onReconnecting(paho.Client, *paho.ClientOptions) {
	c.log.Debug("reconnecting to MQTT broker")
	c.metrics.IncrementReconnectAttempts()
}

// waitToken waits for a paho token, a timeout or ctx, whichever is first.
func waitToken(ctx context.Context, token paho.Token, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-token.Done():
		return token.Error()
	case <-timer.C:
		return errors.Newf("mqtt operation timed out after %v", timeout).
			Component("mqtt").
			Category(errors.CategoryTimeout).
			Build()
	case <-ctx.Done():
		return ctx.Err()
	}
}
