// Package recorder manages the recording encoder. Stopping closes the
// encoder input and waits for it to finish the file on a background task,
// so the caller never blocks on finalization.
package recorder

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/radiords/radiords/internal/arbiter"
	"github.com/radiords/radiords/internal/conf"
	"github.com/radiords/radiords/internal/errors"
	"github.com/radiords/radiords/internal/logger"
	"github.com/radiords/radiords/internal/observability/metrics"
	"github.com/radiords/radiords/internal/preflight"
	"github.com/radiords/radiords/internal/supervisor"
)

// DefaultFinalizeTimeout is how long the encoder gets to exit after its
// input is closed before it is terminated.
const DefaultFinalizeTimeout = 3 * time.Second

// GetLogger returns the recorder module logger.
func GetLogger() logger.Logger {
	return logger.Global().Module("recorder")
}

// Info is a snapshot of a recording.
type Info struct {
	ID        string    `json:"id"`
	Path      string    `json:"path"`
	Format    Format    `json:"format"`
	StartedAt time.Time `json:"started_at"`
	Bytes     int64     `json:"bytes_in"`
	Finalized bool      `json:"finalized"`
	Forced    bool      `json:"forced,omitempty"`
	FileSize  int64     `json:"file_size,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// Recording is one encoder session. It is the router's recorder sink:
// Write feeds the encoder and Close starts finalization.
type Recording struct {
	ID        uuid.UUID
	Path      string
	Format    Format
	StartedAt time.Time

	ctrl   *Controller
	input  io.Writer
	handle *supervisor.Handle // nil for in-process formats
	wav    *wavWriter

	bytes     atomic.Int64
	closeOnce sync.Once
	done      chan struct{}

	mu       sync.Mutex
	err      error
	forced   bool
	fileSize int64
}

// Write sends PCM to the encoder.
func (r *Recording) Write(p []byte) (int, error) {
	n, err := r.input.Write(p)
	if n > 0 {
		total := r.bytes.Add(int64(n))
		r.ctrl.bytesGauge(total)
	}
	return n, err
}

// Close ends the encoder input and finalizes in the background. It returns
// immediately; wait on Done for completion.
func (r *Recording) Close() error {
	r.closeOnce.Do(func() {
		r.ctrl.release(r)
		r.ctrl.sup.Go("finalize "+r.Path, r.finalize)
	})
	return nil
}

// Done is closed once the output file is complete.
func (r *Recording) Done() <-chan struct{} { return r.done }

// BytesWritten returns the PCM bytes handed to the encoder.
func (r *Recording) BytesWritten() int64 { return r.bytes.Load() }

// Err returns the finalization error, if any, after Done.
func (r *Recording) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// Info returns a snapshot.
func (r *Recording) Info() Info {
	info := Info{
		ID:        r.ID.String(),
		Path:      r.Path,
		Format:    r.Format,
		StartedAt: r.StartedAt,
		Bytes:     r.bytes.Load(),
	}
	select {
	case <-r.done:
		info.Finalized = true
	default:
	}
	r.mu.Lock()
	info.Forced = r.forced
	info.FileSize = r.fileSize
	if r.err != nil {
		info.Error = r.err.Error()
	}
	r.mu.Unlock()
	return info
}

func (r *Recording) finalize() {
	start := time.Now()
	log := r.ctrl.log.With(logger.String("path", r.Path), logger.String("format", string(r.Format)))

	var err error
	forced := false
	if r.handle != nil {
		if cerr := r.handle.CloseStdin(); cerr != nil {
			log.Debug("close encoder input", logger.Error(cerr))
		}
		timer := time.NewTimer(r.ctrl.finalizeTimeout)
		select {
		case <-r.handle.Exited():
		case <-timer.C:
			forced = true
			log.Warn("encoder did not finish in time, terminating",
				logger.Duration("finalize_timeout", r.ctrl.finalizeTimeout))
		}
		timer.Stop()
		r.ctrl.sup.Terminate(r.handle)
		if !forced {
			if exitErr := r.handle.ExitErr(); exitErr != nil {
				err = errors.New(fmt.Errorf("encoder exited: %w", exitErr)).
					Component("recorder").
					Category(errors.CategoryProcess).
					Context("stderr", r.handle.StderrTail()).
					Build()
			}
		}
	} else if r.wav != nil {
		if cerr := r.wav.Close(); cerr != nil {
			err = errors.New(cerr).Component("recorder").Category(errors.CategoryFileIO).Build()
		}
	}

	var size int64
	if fi, statErr := os.Stat(r.Path); statErr == nil {
		size = fi.Size()
	}

	r.mu.Lock()
	r.err = err
	r.forced = forced
	r.fileSize = size
	r.mu.Unlock()

	status := metrics.StatusSuccess
	switch {
	case err != nil:
		status = metrics.StatusError
	case forced:
		status = metrics.StatusForced
	}
	r.ctrl.metrics.RecordOperation(metrics.OpRecordingStop, status)
	r.ctrl.metrics.RecordDuration(metrics.OpRecordingStop, time.Since(start).Seconds())

	if err != nil {
		log.Error("recording finalization failed", logger.Error(err))
	} else {
		log.Info("recording saved",
			logger.Float64("size_mb", float64(size)/(1024*1024)),
			logger.Int64("pcm_bytes", r.bytes.Load()),
			logger.Bool("forced", forced))
	}

	if r.ctrl.onFinalized != nil {
		info := r.Info()
		info.Finalized = true
		r.ctrl.onFinalized(info)
	}
	close(r.done)
}

// Controller starts and stops recordings. At most one is active.
type Controller struct {
	sup      *supervisor.Supervisor
	arb      *arbiter.Arbiter
	checker  *preflight.Checker
	settings *conf.Settings
	metrics  metrics.Recorder
	log      logger.Logger

	finalizeTimeout time.Duration
	bytesGauge      func(int64)
	onFinalized     func(Info)
	now             func() time.Time
	encoderSpec     func(f Format, path string, sampleRate, bitrateKbps int) supervisor.Spec

	mu     sync.Mutex
	active *Recording
	last   *Recording
}

// Option configures a Controller.
type Option func(*Controller)

// WithMetrics sets the metrics recorder.
func WithMetrics(r metrics.Recorder) Option {
	return func(c *Controller) { c.metrics = metrics.OrNoOp(r) }
}

// WithBytesGauge receives the running PCM byte count of the active recording.
func WithBytesGauge(fn func(int64)) Option {
	return func(c *Controller) {
		if fn != nil {
			c.bytesGauge = fn
		}
	}
}

// WithFinalizedHook is called on the finalize task once a file is complete,
// before Done is closed.
func WithFinalizedHook(fn func(Info)) Option {
	return func(c *Controller) { c.onFinalized = fn }
}

// WithEncoderSpec replaces the encoder command builder.
func WithEncoderSpec(fn func(f Format, path string, sampleRate, bitrateKbps int) supervisor.Spec) Option {
	return func(c *Controller) {
		if fn != nil {
			c.encoderSpec = fn
		}
	}
}

// WithClock overrides time.Now for file names.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// NewController creates a Controller. The arbiter is told when recording
// starts and stops so metadata refresh is suppressed meanwhile.
func NewController(sup *supervisor.Supervisor, arb *arbiter.Arbiter, checker *preflight.Checker, settings *conf.Settings, opts ...Option) *Controller {
	c := &Controller{
		sup:             sup,
		arb:             arb,
		checker:         checker,
		settings:        settings,
		metrics:         metrics.NewNoOpRecorder(),
		log:             GetLogger(),
		finalizeTimeout: settings.Termination.FinalizeTimeout,
		bytesGauge:      func(int64) {},
		now:             time.Now,
		encoderSpec:     EncoderSpec,
	}
	if c.finalizeTimeout <= 0 {
		c.finalizeTimeout = DefaultFinalizeTimeout
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start begins a recording named after ps, or freqMHz when ps is empty.
// It fails with dependency-missing if the format's encoder is not installed.
func (c *Controller) Start(ps string, freqMHz float64) (*Recording, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.active != nil {
		c.metrics.RecordOperation(metrics.OpRecordingStart, metrics.StatusDenied)
		return nil, errors.Newf("already recording to %s", c.active.Path).
			Component("recorder").
			Category(errors.CategoryState).
			Build()
	}

	format, err := ParseFormat(c.settings.Recording.Format)
	if err != nil {
		c.metrics.RecordOperation(metrics.OpRecordingStart, metrics.StatusError)
		return nil, err
	}
	if bin := format.Encoder(); bin != "" {
		if err := c.checker.Require(bin); err != nil {
			c.metrics.RecordOperation(metrics.OpRecordingStart, metrics.StatusError)
			return nil, err
		}
	}

	dir := c.settings.Recording.OutputDir
	if err := os.MkdirAll(dir, 0o755); err != nil {
		c.metrics.RecordOperation(metrics.OpRecordingStart, metrics.StatusError)
		return nil, errors.New(fmt.Errorf("create recording directory: %w", err)).
			Component("recorder").
			Category(errors.CategoryFileIO).
			Context("dir", dir).
			Build()
	}

	rec := &Recording{
		ID:        uuid.New(),
		Path:      filepath.Join(dir, FileName(ps, freqMHz, c.now(), format)),
		Format:    format,
		StartedAt: c.now(),
		ctrl:      c,
		done:      make(chan struct{}),
	}

	if format.Encoder() == "" {
		w, err := newWAVWriter(rec.Path, c.settings.Audio.AudioRateHz)
		if err != nil {
			c.metrics.RecordOperation(metrics.OpRecordingStart, metrics.StatusError)
			return nil, errors.New(err).Component("recorder").Category(errors.CategoryFileIO).Build()
		}
		rec.wav, rec.input = w, w
	} else {
		spec := c.encoderSpec(format, rec.Path, c.settings.Audio.AudioRateHz, c.settings.Recording.BitrateKbps)
		h, err := c.sup.Spawn(spec)
		if err != nil {
			c.metrics.RecordOperation(metrics.OpRecordingStart, metrics.StatusError)
			return nil, err
		}
		rec.handle, rec.input = h, h.Stdin()
	}

	c.active = rec
	c.last = rec
	c.arb.SetRecording(true)
	c.bytesGauge(0)
	c.metrics.RecordOperation(metrics.OpRecordingStart, metrics.StatusSuccess)
	c.log.Info("recording started",
		logger.String("path", rec.Path),
		logger.String("format", string(format)),
		logger.String("id", rec.ID.String()))
	return rec, nil
}

// Stop ends the active recording and returns a channel closed when its file
// is complete. Without an active recording the channel is already closed.
func (c *Controller) Stop() <-chan struct{} {
	c.mu.Lock()
	rec := c.active
	c.mu.Unlock()

	if rec == nil {
		done := make(chan struct{})
		close(done)
		return done
	}
	_ = rec.Close()
	return rec.Done()
}

// release clears rec as active and lifts the refresh suppression.
func (c *Controller) release(rec *Recording) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active != rec {
		return
	}
	c.active = nil
	c.arb.SetRecording(false)
}

// Active returns the running recording or nil.
func (c *Controller) Active() *Recording {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// Last returns the most recent recording, running or finished.
func (c *Controller) Last() *Recording {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}
