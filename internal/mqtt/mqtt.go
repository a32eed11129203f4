// Package mqtt publishes station records to an MQTT broker.
package mqtt

import (
	"context"
	"time"

	"github.com/radiords/radiords/internal/conf"
	"github.com/radiords/radiords/internal/logger"
)

// GetLogger returns the mqtt module logger.
func GetLogger() logger.Logger {
	return logger.Global().Module("mqtt")
}

// Client defines the interface for MQTT client operations.
type Client interface {
	// Connect attempts to connect to the MQTT broker.
	Connect(ctx context.Context) error

	// Publish sends payload to topic.
	Publish(ctx context.Context, topic, payload string) error

	// IsConnected returns true if the client is currently connected.
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
	Topic    string // base topic; stations publish below it
	Retain   bool

	ConnectTimeout    time.Duration
	PublishTimeout    time.Duration
	DisconnectTimeout time.Duration
}

// DefaultConfig returns a Config with reasonable default values.
func DefaultConfig() Config {
	return Config{
		ClientID:          "radiords",
		Topic:             "radiords/stations",
		ConnectTimeout:    30 * time.Second,
		PublishTimeout:    10 * time.Second,
		DisconnectTimeout: 250 * time.Millisecond,
	}
}

// ConfigFromSettings builds a Config from the mqtt settings group.
func ConfigFromSettings(settings *conf.Settings) Config {
	cfg := DefaultConfig()
	m := settings.MQTT
	cfg.Broker = m.Broker
	cfg.Username = m.Username
	cfg.Password = m.Password
	cfg.Retain = m.Retain
	if m.ClientID != "" {
		cfg.ClientID = m.ClientID
	}
	if m.Topic != "" {
		cfg.Topic = m.Topic
	}
	return cfg
}
