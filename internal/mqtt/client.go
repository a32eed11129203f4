package mqtt

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/radiords/radiords/internal/errors"
	"github.com/radiords/radiords/internal/logger"
	"github.com/radiords/radiords/internal/observability/metrics"
)

// client implements Client over paho.
type client struct {
	config         Config
	internalClient paho.Client
	mu             sync.Mutex
	metrics        *metrics.MQTTMetrics
	log            logger.Logger
}

// NewClient creates an MQTT client. m may be nil.
func NewClient(config Config, m *metrics.MQTTMetrics) Client {
	return &client{config: config, metrics: m, log: GetLogger()}
}

// Connect resolves the broker host and connects. paho reconnects on its
// own after a lost connection.
func (c *client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	u, err := url.Parse(c.config.Broker)
	if err != nil || u.Host == "" {
		return errors.Newf("invalid broker URL %q", c.config.Broker).
			Component("mqtt").
			Category(errors.CategoryConfiguration).
			Build()
	}

	host := u.Hostname()
	if net.ParseIP(host) == nil {
		if _, err := net.DefaultResolver.LookupHost(ctx, host); err != nil {
			return errors.New(fmt.Errorf("resolve broker host %s: %w", host, err)).
				Component("mqtt").
				Category(errors.CategoryNetwork).
				Context("broker", c.config.Broker).
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
	opts.SetOnConnectHandler(c.onConnect)
	opts.SetConnectionLostHandler(c.onConnectionLost)
	opts.SetReconnectingHandler(c.onReconnecting)

	c.internalClient = paho.NewClient(opts)

	token := c.internalClient.Connect()
	if err := waitToken(ctx, token, c.config.ConnectTimeout); err != nil {
		c.metrics.CountError()
		return errors.New(fmt.Errorf("connect to %s: %w", c.config.Broker, err)).
			Component("mqtt").
			Category(errors.CategoryNetwork).
			Build()
	}
	c.metrics.SetConnected(true)
	return nil
}

// Publish sends payload to topic with QoS 0.
func (c *client) Publish(ctx context.Context, topic, payload string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.isConnectedLocked() {
		return errors.Newf("not connected to MQTT broker").
			Component("mqtt").
			Category(errors.CategoryMQTTPublish).
			Context("topic", topic).
			Build()
	}

	started := time.Now()
	token := c.internalClient.Publish(topic, 0, c.config.Retain, payload)
	err := waitToken(ctx, token, c.config.PublishTimeout)
	c.metrics.ObservePublish(started, len(payload), err)
	if err != nil {
		return errors.New(fmt.Errorf("publish to %s: %w", topic, err)).
			Component("mqtt").
			Category(errors.CategoryMQTTPublish).
			Build()
	}

	c.log.Trace("published", logger.String("topic", topic), logger.Int("bytes", len(payload)))
	return nil
}

// IsConnected returns true if the client is currently connected.
func (c *client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.isConnectedLocked()
}

func (c *client) isConnectedLocked() bool {
	return c.internalClient != nil && c.internalClient.IsConnected()
}

// Disconnect closes the connection to the MQTT broker.
func (c *client) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.internalClient == nil {
		return
	}
	c.internalClient.Disconnect(uint(c.config.DisconnectTimeout.Milliseconds()))
	c.metrics.SetConnected(false)
}

func (c *client) onConnect(paho.Client) {
	c.log.Info("connected to MQTT broker", logger.String("broker", c.config.Broker))
	c.metrics.SetConnected(true)
}

func (c *client) onConnectionLost(_ paho.Client, err error) {
	c.log.Warn("connection to MQTT broker lost",
		logger.String("broker", c.config.Broker),
		logger.Error(err))
	c.metrics.SetConnected(false)
	c.metrics.CountError()
}

func (c *client) onReconnecting(paho.Client, *paho.ClientOptions) {
	c.metrics.CountReconnect()
}

// waitToken waits for token up to timeout or until ctx is done.
func waitToken(ctx context.Context, token paho.Token, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-token.Done():
		return token.Error()
	case <-timer.C:
		return fmt.Errorf("timed out after %v", timeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}
