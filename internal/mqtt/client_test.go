package mqtt

import (
	"context"
	"encoding/json"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/radiords/radiords/internal/errors"
	"github.com/radiords/radiords/internal/observability/metrics"
	"github.com/radiords/radiords/internal/station"
)

// fakeClient records publishes in memory.
type fakeClient struct {
	mu           sync.Mutex
	connectFails int
	connects     int
	connected    bool
	published    map[string]string
	publishErr   error
	delivered    chan string
}

func newFakeClient() *fakeClient {
	return &fakeClient{published: map[string]string{}, delivered: make(chan string, 16)}
}

func (f *fakeClient) Connect(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	if f.connects <= f.connectFails {
		return errors.Newf("broker unavailable").Category(errors.CategoryNetwork).Build()
	}
	f.connected = true
	return nil
}

func (f *fakeClient) Publish(_ context.Context, topic, payload string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.publishErr != nil {
		return f.publishErr
	}
	f.published[topic] = payload
	f.delivered <- topic
	return nil
}

func (f *fakeClient) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeClient) Disconnect() {
	f.mu.Lock()
	f.connected = false
	f.mu.Unlock()
}

func (f *fakeClient) payload(topic string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.published[topic]
}

func ptr[T any](v T) *T { return &v }

func TestPublisherPublishesMergedStations(t *testing.T) {
	t.Parallel()

	fc := newFakeClient()
	fc.connectFails = 2
	cfg := DefaultConfig()
	cfg.Topic = "home/radio"
	p := NewPublisher(fc, cfg, WithInitialBackoff(time.Millisecond))

	db, err := station.Open(t.TempDir() + "/stations.json")
	require.NoError(t, err)
	db.OnMerge(p.StationMerged)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	_, err = db.Merge(98.5, &station.Update{
		PS:     ptr("NRJ"),
		RTPlus: map[string]any{"item_artist": "Band", "item_title": "Song"},
		Stereo: ptr(true),
	})
	require.NoError(t, err)

	select {
	case topic := <-fc.delivered:
		assert.Equal(t, "home/radio/98.5", topic)
	case <-time.After(2 * time.Second):
		t.Fatal("station was not published")
	}

	var dto StationDTO
	require.NoError(t, json.Unmarshal([]byte(fc.payload("home/radio/98.5")), &dto))
	assert.Equal(t, "NRJ", dto.PS)
	assert.Equal(t, "NRJ", dto.Name)
	assert.Equal(t, "98.5 MHz - NRJ", dto.Display)
	assert.Equal(t, "Band — Song", dto.NowPlaying)
	assert.True(t, dto.Stereo)
	assert.Equal(t, 1, dto.RDSCount)
	assert.NotEmpty(t, dto.LastSeen)

	cancel()
	require.NoError(t, <-done)
	assert.False(t, fc.IsConnected(), "disconnects on exit")
	assert.Equal(t, 3, fc.connects, "retries until the broker accepts")

	published, dropped, failed := p.Stats()
	assert.Equal(t, uint64(1), published)
	assert.Zero(t, dropped)
	assert.Zero(t, failed)
}

func TestPublisherDropsWhenQueueFull(t *testing.T) {
	t.Parallel()

	p := NewPublisher(newFakeClient(), DefaultConfig(), WithQueueSize(1))
	p.StationMerged(station.Station{Freq: 88.1})
	p.StationMerged(station.Station{Freq: 88.3})

	_, dropped, _ := p.Stats()
	assert.Equal(t, uint64(1), dropped, "merges never block on the publisher")
}

func TestPublisherCountsFailures(t *testing.T) {
	t.Parallel()

	fc := newFakeClient()
	fc.publishErr = errors.Newf("broker refused").Category(errors.CategoryMQTTPublish).Build()
	p := NewPublisher(fc, DefaultConfig())
	p.StationMerged(station.Station{Freq: 101.1})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	require.Eventually(t, func() bool {
		_, _, failed := p.Stats()
		return failed == 1
	}, 2*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
}

func TestPublisherRunCanceledBeforeConnect(t *testing.T) {
	t.Parallel()

	fc := newFakeClient()
	fc.connectFails = 1 << 30
	p := NewPublisher(fc, DefaultConfig(), WithInitialBackoff(time.Hour))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := p.Run(ctx)
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryCancellation))
}

func TestStationDTOEmptyRecord(t *testing.T) {
	t.Parallel()

	dto := NewStationDTO(station.Station{Freq: 90.9})
	assert.Equal(t, "Unknown", dto.Name)
	assert.Empty(t, dto.PS)
	assert.Empty(t, dto.NowPlaying)
	assert.Empty(t, dto.LastSeen)
}

func TestClientPublishWhileDisconnected(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	m, err := metrics.NewMQTTMetrics(reg)
	require.NoError(t, err)

	c := NewClient(DefaultConfig(), m)
	assert.False(t, c.IsConnected())
	err = c.Publish(context.Background(), "radiords/stations/98.5", "{}")
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryMQTTPublish))
	assert.Zero(t, testutil.ToFloat64(m.MessagesDelivered))
	c.Disconnect()
}

func TestClientConnectRejectsBadURL(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.Broker = "not a url"
	err := NewClient(cfg, nil).Connect(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryConfiguration))
}

func TestTestConnectionStopsAtTCP(t *testing.T) {
	t.Parallel()

	// Grab a free port, then close it so the dial is refused.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	cfg := DefaultConfig()
	cfg.Broker = "tcp://" + addr
	fc := newFakeClient()
	results := TestConnection(context.Background(), cfg, fc)

	require.Len(t, results, 1, "DNS is skipped for IP literals")
	assert.Equal(t, TCPConnection.String(), results[0].Stage)
	assert.False(t, results[0].Success)
	assert.NotEmpty(t, results[0].Error)
	assert.Zero(t, fc.connects)
}

func TestTestConnectionAllStages(t *testing.T) {
	t.Parallel()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()

	cfg := DefaultConfig()
	cfg.Broker = "tcp://" + ln.Addr().String()
	cfg.Topic = "radiords/stations/"
	fc := newFakeClient()
	results := TestConnection(context.Background(), cfg, fc)

	require.Len(t, results, 3)
	for _, r := range results {
		assert.True(t, r.Success, r.Stage)
	}
	assert.NotEmpty(t, fc.payload("radiords/stations/test"))
	assert.False(t, fc.IsConnected())
}

func TestExtractHostPort(t *testing.T) {
	t.Parallel()

	tests := []struct {
		broker string
		want   string
	}{
		{"tcp://broker.local:1883", "broker.local:1883"},
		{"tcp://broker.local", "broker.local:1883"},
		{"mqtt://10.0.0.2:8883", "10.0.0.2:8883"},
		{"tcp://[::1]:1884", "[::1]:1884"},
		{"tcp://[::1]", "[::1]:1883"},
	}
	for _, tt := range tests {
		t.Run(tt.broker, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, extractHostPort(tt.broker))
		})
	}
}
