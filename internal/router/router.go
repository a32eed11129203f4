// Package router fans the demodulated PCM stream out to the playback sink,
// the recording encoder and the spectrum buffer, in that order per chunk.
// A failing sink is dropped on its own; the loop and the other targets go on.
package router

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/radiords/radiords/internal/errors"
	"github.com/radiords/radiords/internal/logger"
	"github.com/radiords/radiords/internal/observability/metrics"
)

// Fan-out targets, also used as metric labels.
const (
	TargetSource   = "source"
	TargetPlayback = "playback"
	TargetRecorder = "recorder"
	TargetBuffer   = "buffer"
)

// GetLogger returns the router module logger.
func GetLogger() logger.Logger {
	return logger.Global().Module("router")
}

// Sink is a downstream consumer of the PCM stream. Close ends its input in
// a controlled way and must not block on process teardown.
type Sink interface {
	Write(p []byte) (int, error)
	Close() error
}

// StreamMetrics receives per-chunk counters.
type StreamMetrics interface {
	AddRoutedChunk(target string, bytes int)
	AddDroppedChunks(n int)
}

type noopStreamMetrics struct{}

func (noopStreamMetrics) AddRoutedChunk(string, int) {}
func (noopStreamMetrics) AddDroppedChunks(int)       {}

// SinkStats is the delivery record for one sink.
type SinkStats struct {
	Attached bool   `json:"attached"`
	Live     bool   `json:"live"`
	Chunks   uint64 `json:"chunks"`
	Bytes    uint64 `json:"bytes"`
	Error    string `json:"error,omitempty"`
}

// Stats is a snapshot of router counters.
type Stats struct {
	Chunks   uint64    `json:"chunks"`
	Bytes    uint64    `json:"bytes"`
	Playback SinkStats `json:"playback"`
	Recorder SinkStats `json:"recorder"`
	Buffered int       `json:"buffered_bytes"`
	Pushed   uint64    `json:"buffer_pushed"`
	Dropped  uint64    `json:"buffer_dropped"`
}

// sinkSlot holds one attached sink. live is cleared on the first failed
// write and never set again for that attachment.
type sinkSlot struct {
	name   string
	sink   Sink
	live   atomic.Bool
	chunks atomic.Uint64
	bytes  atomic.Uint64
	err    atomic.Pointer[string]
	closed sync.Once
}

func newSlot(name string, s Sink) *sinkSlot {
	slot := &sinkSlot{name: name, sink: s}
	slot.live.Store(true)
	return slot
}

func (s *sinkSlot) close(log logger.Logger) {
	s.closed.Do(func() {
		if err := s.sink.Close(); err != nil {
			log.Debug("sink close", logger.String("sink", s.name), logger.Error(err))
		}
	})
}

func (s *sinkSlot) stats() SinkStats {
	if s == nil {
		return SinkStats{}
	}
	st := SinkStats{Attached: true, Live: s.live.Load(), Chunks: s.chunks.Load(), Bytes: s.bytes.Load()}
	if e := s.err.Load(); e != nil {
		st.Error = *e
	}
	return st
}

// FailureHandler is told when a sink is dropped after a write error.
type FailureHandler func(target string, err error)

// Router runs the single read loop for one playback session.
type Router struct {
	chunkBytes int
	buffer     *Buffer
	metrics    metrics.Recorder
	stream     StreamMetrics
	onFailure  FailureHandler
	log        logger.Logger

	mu       sync.Mutex
	playback *sinkSlot
	recorder *sinkSlot

	chunks atomic.Uint64
	bytes  atomic.Uint64

	dropLog  rate.Sometimes
	writeLog rate.Sometimes
}

// Option configures a Router.
type Option func(*Router)

// WithMetrics sets the operation recorder.
func WithMetrics(r metrics.Recorder) Option {
	return func(rt *Router) { rt.metrics = metrics.OrNoOp(r) }
}

// WithStreamMetrics sets the per-chunk counters.
func WithStreamMetrics(m StreamMetrics) Option {
	return func(rt *Router) {
		if m != nil {
			rt.stream = m
		}
	}
}

// WithFailureHandler registers a callback for dropped sinks. It runs on the
// router goroutine and must return quickly.
func WithFailureHandler(fn FailureHandler) Option {
	return func(rt *Router) { rt.onFailure = fn }
}

// New creates a Router reading chunkBytes at a time into buffer.
func New(chunkBytes int, buffer *Buffer, opts ...Option) *Router {
	rt := &Router{
		chunkBytes: chunkBytes,
		buffer:     buffer,
		metrics:    metrics.NewNoOpRecorder(),
		stream:     noopStreamMetrics{},
		log:        GetLogger(),
		dropLog:    rate.Sometimes{First: 1, Interval: 10 * time.Second},
		writeLog:   rate.Sometimes{First: 3, Interval: 10 * time.Second},
	}
	if rt.chunkBytes <= 0 {
		rt.chunkBytes = buffer.ChunkBytes()
	}
	for _, opt := range opts {
		opt(rt)
	}
	return rt
}

// SetPlayback attaches the playback sink. It replaces any previous one
// without closing it.
func (rt *Router) SetPlayback(s Sink) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.playback = newSlot(TargetPlayback, s)
}

// AttachRecorder starts copying chunks to s from the next chunk on.
func (rt *Router) AttachRecorder(s Sink) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.recorder = newSlot(TargetRecorder, s)
}

// DetachRecorder stops copying to the recorder and returns whether one was
// attached. The caller owns closing it.
func (rt *Router) DetachRecorder() bool {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	attached := rt.recorder != nil
	rt.recorder = nil
	return attached
}

// Buffer returns the spectrum buffer.
func (rt *Router) Buffer() *Buffer { return rt.buffer }

// Run reads src until EOF, a read error or ctx is done, checked between
// chunks. A blocked read is released by closing src, which stopping the
// demodulator does. On return the playback and recorder inputs are closed.
func (rt *Router) Run(ctx context.Context, src io.Reader) error {
	defer rt.closeSinks()

	buf := make([]byte, rt.chunkBytes)
	for {
		if err := ctx.Err(); err != nil {
			rt.log.Debug("router stopping", logger.Error(err))
			return nil
		}

		n, err := io.ReadFull(src, buf)
		if n > 0 {
			rt.route(buf[:n])
		}
		switch {
		case err == nil:
		case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, io.ErrClosedPipe):
			rt.log.Debug("source stream ended", logger.Uint64("chunks", rt.chunks.Load()))
			return nil
		default:
			if ctx.Err() != nil {
				return nil
			}
			// A pipe closed under us by teardown shows up here as well.
			rt.log.Debug("source read ended", logger.Error(err))
			return nil
		}
	}
}

func (rt *Router) route(chunk []byte) {
	rt.chunks.Add(1)
	rt.bytes.Add(uint64(len(chunk)))
	rt.stream.AddRoutedChunk(TargetSource, len(chunk))

	rt.mu.Lock()
	playback, recorder := rt.playback, rt.recorder
	rt.mu.Unlock()

	rt.deliver(playback, chunk)
	rt.deliver(recorder, chunk)

	if dropped := rt.buffer.Push(chunk); dropped > 0 {
		rt.stream.AddDroppedChunks(dropped)
		rt.metrics.RecordOperation(metrics.OpBufferPush, metrics.StatusDropped)
		rt.dropLog.Do(func() {
			rt.log.Debug("spectrum buffer full, dropped oldest chunks",
				logger.Int("dropped", dropped),
				logger.Uint64("total_dropped", rt.buffer.Dropped()))
		})
	}
	rt.stream.AddRoutedChunk(TargetBuffer, len(chunk))
}

func (rt *Router) deliver(slot *sinkSlot, chunk []byte) {
	if slot == nil || !slot.live.Load() {
		return
	}
	if _, err := slot.sink.Write(chunk); err != nil {
		rt.dropSink(slot, err)
		return
	}
	slot.chunks.Add(1)
	slot.bytes.Add(uint64(len(chunk)))
	rt.stream.AddRoutedChunk(slot.name, len(chunk))
}

func (rt *Router) dropSink(slot *sinkSlot, err error) {
	slot.live.Store(false)
	msg := err.Error()
	slot.err.Store(&msg)

	werr := errors.New(err).
		Component("router").
		Category(errors.CategoryStreamWrite).
		Context("target", slot.name).
		Build()
	rt.metrics.RecordOperation(metrics.OpSinkWrite, metrics.StatusError)
	rt.metrics.RecordError(metrics.OpSinkWrite, string(errors.CategoryStreamWrite))
	rt.writeLog.Do(func() {
		rt.log.Warn("sink write failed, sink dropped",
			logger.String("target", slot.name),
			logger.Error(werr))
	})

	slot.close(rt.log)
	if rt.onFailure != nil {
		rt.onFailure(slot.name, werr)
	}
}

func (rt *Router) closeSinks() {
	rt.mu.Lock()
	playback, recorder := rt.playback, rt.recorder
	rt.recorder = nil
	rt.mu.Unlock()

	if playback != nil {
		playback.live.Store(false)
		playback.close(rt.log)
	}
	if recorder != nil {
		recorder.live.Store(false)
		recorder.close(rt.log)
	}
}

// Stats returns the current counters.
func (rt *Router) Stats() Stats {
	rt.mu.Lock()
	playback, recorder := rt.playback, rt.recorder
	rt.mu.Unlock()

	return Stats{
		Chunks:   rt.chunks.Load(),
		Bytes:    rt.bytes.Load(),
		Playback: playback.stats(),
		Recorder: recorder.stats(),
		Buffered: rt.buffer.Len(),
		Pushed:   rt.buffer.Pushed(),
		Dropped:  rt.buffer.Dropped(),
	}
}
