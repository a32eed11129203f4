package events

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/radiords/radiords/internal/errors"
	"github.com/radiords/radiords/internal/logger"
)

// GetLogger returns the events module logger.
func GetLogger() logger.Logger {
	return logger.Global().Module("events")
}

// Config holds bus configuration.
type Config struct {
	BufferSize int
}

// DefaultConfig returns the default bus configuration.
func DefaultConfig() Config {
	return Config{BufferSize: 1024}
}

// Bus is an ordered, single-worker message queue.
type Bus struct {
	msgs      chan Message
	closeReq  chan struct{}
	closeOnce sync.Once
	done      chan struct{}
	stopOnce  sync.Once
	stop      chan struct{}

	seq     atomic.Uint64
	running atomic.Bool

	mu        sync.Mutex
	consumers []Consumer

	stats BusStats
	log   logger.Logger
}

// New creates a bus and starts its worker.
func New(cfg Config) *Bus {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultConfig().BufferSize
	}
	b := &Bus{
		msgs:     make(chan Message, cfg.BufferSize),
		closeReq: make(chan struct{}),
		done:     make(chan struct{}),
		stop:     make(chan struct{}),
		log:      GetLogger(),
	}
	b.running.Store(true)
	go b.worker()
	return b
}

// RegisterConsumer adds a consumer. Names must be unique.
func (b *Bus) RegisterConsumer(c Consumer) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, existing := range b.consumers {
		if existing.Name() == c.Name() {
			return errors.Newf("consumer %s already registered", c.Name()).
				Component("events").
				Category(errors.CategoryValidation).
				Build()
		}
	}
	b.consumers = append(b.consumers, c)
	b.log.Debug("registered consumer", logger.String("consumer", c.Name()))
	return nil
}

// TryPublish queues a message without blocking. It returns false when the
// queue is full or the bus is closed; the message is then dropped.
func (b *Bus) TryPublish(kind Kind, payload any) bool {
	if b == nil || !b.running.Load() {
		return false
	}
	msg := Message{Seq: b.seq.Add(1), Kind: kind, At: time.Now(), Payload: payload}
	select {
	case b.msgs <- msg:
		atomic.AddUint64(&b.stats.MessagesReceived, 1)
		return true
	default:
		atomic.AddUint64(&b.stats.MessagesDropped, 1)
		b.log.Debug("message dropped, queue full", logger.String("kind", string(kind)))
		return false
	}
}

// SignalClose requests presentation close. The close message is delivered
// after everything published before it, and is never dropped. Safe to call
// more than once; it never blocks.
func (b *Bus) SignalClose() {
	if b == nil {
		return
	}
	b.closeOnce.Do(func() {
		b.running.Store(false)
		close(b.closeReq)
	})
}

// Done is closed once the close message has been delivered or the bus was
// shut down.
func (b *Bus) Done() <-chan struct{} { return b.done }

// Shutdown stops the worker, dropping anything still queued, and waits up
// to timeout for it to exit.
func (b *Bus) Shutdown(timeout time.Duration) error {
	b.running.Store(false)
	b.stopOnce.Do(func() { close(b.stop) })

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-b.done:
		return nil
	case <-timer.C:
		return fmt.Errorf("event bus shutdown timeout exceeded")
	}
}

// Stats returns bus statistics.
func (b *Bus) Stats() BusStats {
	return BusStats{
		MessagesReceived:  atomic.LoadUint64(&b.stats.MessagesReceived),
		MessagesProcessed: atomic.LoadUint64(&b.stats.MessagesProcessed),
		MessagesDropped:   atomic.LoadUint64(&b.stats.MessagesDropped),
		ConsumerErrors:    atomic.LoadUint64(&b.stats.ConsumerErrors),
	}
}

func (b *Bus) worker() {
	defer close(b.done)
	for {
		select {
		case <-b.stop:
			return
		case msg := <-b.msgs:
			b.deliver(msg)
		case <-b.closeReq:
			// Flush what was accepted before the close request.
		flush:
			for {
				select {
				case msg := <-b.msgs:
					b.deliver(msg)
				default:
					break flush
				}
			}
			b.deliver(Message{Seq: b.seq.Add(1), Kind: KindClose, At: time.Now()})
			return
		}
	}
}

func (b *Bus) deliver(msg Message) {
	b.mu.Lock()
	consumers := make([]Consumer, len(b.consumers))
	copy(consumers, b.consumers)
	b.mu.Unlock()

	for _, c := range consumers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					atomic.AddUint64(&b.stats.ConsumerErrors, 1)
					b.log.Error("consumer panicked",
						logger.String("consumer", c.Name()),
						logger.String("kind", string(msg.Kind)),
						logger.Any("panic", r))
				}
			}()
			if err := c.ProcessMessage(msg); err != nil {
				atomic.AddUint64(&b.stats.ConsumerErrors, 1)
				b.log.Warn("consumer error",
					logger.String("consumer", c.Name()),
					logger.String("kind", string(msg.Kind)),
					logger.Error(err))
				return
			}
			atomic.AddUint64(&b.stats.MessagesProcessed, 1)
		}()
	}
}
