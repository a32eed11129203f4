package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// MQTTMetrics tracks the station publisher. All methods are safe on a nil
// receiver so clients built without metrics need no checks.
type MQTTMetrics struct {
	Connected         prometheus.Gauge
	LastConnectTime   prometheus.Gauge
	MessagesDelivered prometheus.Counter
	Errors            prometheus.Counter
	ReconnectAttempts prometheus.Counter
	MessageSize       prometheus.Histogram
	PublishLatency    prometheus.Histogram
}

// NewMQTTMetrics creates the publisher metrics and registers them.
func NewMQTTMetrics(registry *prometheus.Registry) (*MQTTMetrics, error) {
	m := &MQTTMetrics{
		Connected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "radiords_mqtt_connected",
			Help: "1 while the broker connection is up",
		}),
		LastConnectTime: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "radiords_mqtt_last_connect_time_seconds",
			Help: "Unix time of the last successful broker connection",
		}),
		MessagesDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "radiords_mqtt_station_messages_total",
			Help: "Station records published to the broker",
		}),
		Errors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "radiords_mqtt_errors_total",
			Help: "Failed publishes and lost connections",
		}),
		ReconnectAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "radiords_mqtt_reconnect_attempts_total",
			Help: "Broker reconnection attempts",
		}),
		MessageSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "radiords_mqtt_message_size_bytes",
			Help:    "Published station record size",
			Buckets: prometheus.ExponentialBuckets(64, 2, 10),
		}),
		PublishLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "radiords_mqtt_publish_latency_seconds",
			Help:    "Time from publish to broker acknowledgement",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 10),
		}),
	}
	for _, c := range []prometheus.Collector{
		m.Connected, m.LastConnectTime, m.MessagesDelivered, m.Errors,
		m.ReconnectAttempts, m.MessageSize, m.PublishLatency,
	} {
		if err := registry.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// SetConnected records a connection state change.
func (m *MQTTMetrics) SetConnected(connected bool) {
	if m == nil {
		return
	}
	if !connected {
		m.Connected.Set(0)
		return
	}
	m.Connected.Set(1)
	m.LastConnectTime.SetToCurrentTime()
}

// ObservePublish records one publish that began at started.
func (m *MQTTMetrics) ObservePublish(started time.Time, size int, err error) {
	if m == nil {
		return
	}
	m.PublishLatency.Observe(time.Since(started).Seconds())
	if err != nil {
		m.Errors.Inc()
		return
	}
	m.MessagesDelivered.Inc()
	m.MessageSize.Observe(float64(size))
}

// CountError records a failure outside a publish.
func (m *MQTTMetrics) CountError() {
	if m != nil {
		m.Errors.Inc()
	}
}

// CountReconnect records a reconnection attempt.
func (m *MQTTMetrics) CountReconnect() {
	if m != nil {
		m.ReconnectAttempts.Inc()
	}
}
