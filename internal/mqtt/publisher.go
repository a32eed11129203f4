package mqtt

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/radiords/radiords/internal/errors"
	"github.com/radiords/radiords/internal/logger"
	"github.com/radiords/radiords/internal/station"
)

const (
	// DefaultQueueSize bounds station records waiting to be published.
	DefaultQueueSize = 64

	maxConnectBackoff = 5 * time.Minute
)

// Publisher sends every merged station record to <topic>/<frequency>.
// Merges enqueue without blocking; one worker publishes.
type Publisher struct {
	client Client
	config Config
	queue  chan station.Station
	log    logger.Logger

	published atomic.Uint64
	dropped   atomic.Uint64
	failed    atomic.Uint64

	initialBackoff time.Duration
}

// PublisherOption configures a Publisher.
type PublisherOption func(*Publisher)

// WithQueueSize sets the queue capacity.
func WithQueueSize(n int) PublisherOption {
	return func(p *Publisher) {
		if n > 0 {
			p.queue = make(chan station.Station, n)
		}
	}
}

// WithInitialBackoff sets the first connect retry delay.
func WithInitialBackoff(d time.Duration) PublisherOption {
	return func(p *Publisher) { p.initialBackoff = d }
}

// NewPublisher creates a Publisher over client.
func NewPublisher(client Client, config Config, opts ...PublisherOption) *Publisher {
	p := &Publisher{
		client:         client,
		config:         config,
		queue:          make(chan station.Station, DefaultQueueSize),
		log:            GetLogger(),
		initialBackoff: time.Second,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// StationMerged is a station.MergeListener. It never blocks the merge.
func (p *Publisher) StationMerged(st station.Station) {
	select {
	case p.queue <- st:
	default:
		p.dropped.Add(1)
		p.log.Debug("publish queue full, station update dropped", logger.Float64("freq_mhz", st.Freq))
	}
}

// Topic returns the topic a station at freq is published on.
func (p *Publisher) Topic(freq float64) string {
	return p.config.Topic + "/" + station.FrequencyKey(freq)
}

// Run connects and publishes queued records until ctx is done, then
// disconnects.
func (p *Publisher) Run(ctx context.Context) error {
	if err := p.connect(ctx); err != nil {
		return err
	}
	defer p.client.Disconnect()

	for {
		select {
		case <-ctx.Done():
			return nil
		case st := <-p.queue:
			if err := p.publish(ctx, st); err != nil {
				p.failed.Add(1)
				p.log.Warn("station publish failed",
					logger.Float64("freq_mhz", st.Freq),
					logger.Error(err))
			}
		}
	}
}

// connect retries with exponential backoff until connected or ctx is done.
func (p *Publisher) connect(ctx context.Context) error {
	backoff := p.initialBackoff
	for {
		err := p.client.Connect(ctx)
		if err == nil {
			return nil
		}
		p.log.Warn("MQTT connect failed",
			logger.String("broker", p.config.Broker),
			logger.Duration("retry_in", backoff),
			logger.Error(err))

		select {
		case <-ctx.Done():
			return errors.New(ctx.Err()).
				Component("mqtt").
				Category(errors.CategoryCancellation).
				Build()
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, maxConnectBackoff)
	}
}

func (p *Publisher) publish(ctx context.Context, st station.Station) error {
	payload, err := json.Marshal(NewStationDTO(st))
	if err != nil {
		return errors.New(err).
			Component("mqtt").
			Category(errors.CategoryMQTTPublish).
			Build()
	}
	if err := p.client.Publish(ctx, p.Topic(st.Freq), string(payload)); err != nil {
		return err
	}
	p.published.Add(1)
	return nil
}

// Stats returns publish counters.
func (p *Publisher) Stats() (published, dropped, failed uint64) {
	return p.published.Load(), p.dropped.Load(), p.failed.Load()
}
