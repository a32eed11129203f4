package session

import (
	"context"
	"sync"
	"time"

	"github.com/radiords/radiords/internal/logger"
	"github.com/radiords/radiords/internal/observability/metrics"
)

// ShutdownGrace is the time Shutdown itself may take. It never waits on
// processes, so there is none.
const ShutdownGrace = 0

// ScanCanceler is implemented by scanner.Scanner.
type ScanCanceler interface {
	Cancel()
}

// RecordingStopper is implemented by player.Player.
type RecordingStopper interface {
	StopRecording() <-chan struct{}
}

// PipelineStopper is implemented by dsp.Controller and player.Player.
type PipelineStopper interface {
	Stop(blocking bool) <-chan struct{}
}

// ProcessTerminator is implemented by supervisor.Supervisor.
type ProcessTerminator interface {
	TerminateAll() int
	Join(ctx context.Context) error
}

// Presentation is implemented by events.Bus.
type Presentation interface {
	SignalClose()
}

// Report describes what Shutdown requested.
type Report struct {
	First      bool          `json:"first"` // false when shutdown had already run
	Terminated int           `json:"terminated_pipelines"`
	Elapsed    time.Duration `json:"elapsed"`
}

// Coordinator drives teardown. Every component is optional.
type Coordinator struct {
	sess *Context

	scanner      ScanCanceler
	recorder     RecordingStopper
	pipeline     PipelineStopper
	processes    ProcessTerminator
	presentation Presentation
	cancel       context.CancelFunc

	metrics metrics.Recorder
	log     logger.Logger

	once      sync.Once
	report    Report
	completed chan struct{}
}

// CoordinatorOption configures a Coordinator.
type CoordinatorOption func(*Coordinator)

// WithScanner sets the scanner to cancel.
func WithScanner(s ScanCanceler) CoordinatorOption {
	return func(c *Coordinator) { c.scanner = s }
}

// WithRecorder sets the recorder to stop.
func WithRecorder(r RecordingStopper) CoordinatorOption {
	return func(c *Coordinator) { c.recorder = r }
}

// WithPipeline sets the DSP controller to stop.
func WithPipeline(p PipelineStopper) CoordinatorOption {
	return func(c *Coordinator) { c.pipeline = p }
}

// WithProcesses sets the supervisor whose remaining pipelines are terminated.
func WithProcesses(p ProcessTerminator) CoordinatorOption {
	return func(c *Coordinator) { c.processes = p }
}

// WithPresentation sets the queue that is told to close.
func WithPresentation(p Presentation) CoordinatorOption {
	return func(c *Coordinator) { c.presentation = p }
}

// WithCancel sets the run context cancel function, called right after the
// closing flag is set.
func WithCancel(cancel context.CancelFunc) CoordinatorOption {
	return func(c *Coordinator) { c.cancel = cancel }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(r metrics.Recorder) CoordinatorOption {
	return func(c *Coordinator) { c.metrics = metrics.OrNoOp(r) }
}

// NewCoordinator creates a Coordinator for sess.
func NewCoordinator(sess *Context, opts ...CoordinatorOption) *Coordinator {
	c := &Coordinator{
		sess:      sess,
		metrics:   metrics.NewNoOpRecorder(),
		log:       GetLogger(),
		completed: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Shutdown issues every teardown request in order and returns without
// waiting for any of them: closing flag, scan cancel, recording stop,
// pipeline stop, remaining process termination, then presentation close.
// Repeated calls return the first report with First cleared.
func (c *Coordinator) Shutdown() Report {
	first := false
	c.once.Do(func() {
		first = true
		c.report = c.shutdown()
	})
	r := c.report
	r.First = first
	return r
}

func (c *Coordinator) shutdown() Report {
	start := time.Now()
	c.sess.markClosing()
	if c.cancel != nil {
		c.cancel()
	}
	c.log.Info("shutdown requested", logger.String("session", c.sess.ID.String()))

	if c.scanner != nil {
		c.scanner.Cancel()
	}

	var waits []<-chan struct{}
	if c.recorder != nil {
		waits = append(waits, c.recorder.StopRecording())
	}
	if c.pipeline != nil {
		waits = append(waits, c.pipeline.Stop(false))
	}

	report := Report{}
	if c.processes != nil {
		report.Terminated = c.processes.TerminateAll()
	}

	if c.presentation != nil {
		c.presentation.SignalClose()
	}

	go c.awaitCompletion(waits)

	report.Elapsed = time.Since(start)
	c.metrics.RecordOperation(metrics.OpShutdown, metrics.StatusSuccess)
	c.metrics.RecordDuration(metrics.OpShutdown, report.Elapsed.Seconds())
	c.log.Debug("shutdown requests issued",
		logger.Int("terminated_pipelines", report.Terminated),
		logger.Duration("elapsed", report.Elapsed))
	return report
}

// awaitCompletion closes Completed once every requested stop has finished
// and the supervisor's background tasks have drained.
func (c *Coordinator) awaitCompletion(waits []<-chan struct{}) {
	defer close(c.completed)
	for _, w := range waits {
		<-w
	}
	if c.processes != nil {
		if err := c.processes.Join(context.Background()); err != nil {
			c.log.Warn("background tasks did not drain", logger.Error(err))
		}
	}
	c.log.Info("shutdown complete", logger.String("session", c.sess.ID.String()))
}

// Completed is closed once teardown has finished. It never closes if
// Shutdown was not called.
func (c *Coordinator) Completed() <-chan struct{} { return c.completed }

// Wait blocks until teardown completes or ctx is done. It is for callers
// that may block, such as the CLI after the presentation loop exits.
func (c *Coordinator) Wait(ctx context.Context) error {
	select {
	case <-c.completed:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
