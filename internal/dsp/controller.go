// Package dsp starts and stops the external demodulator pipeline. The device
// lease is taken before the pipeline is spawned and returned only after it
// has been torn down.
package dsp

import (
	"io"
	"sync"
	"time"

	"github.com/radiords/radiords/internal/arbiter"
	"github.com/radiords/radiords/internal/conf"
	"github.com/radiords/radiords/internal/errors"
	"github.com/radiords/radiords/internal/logger"
	"github.com/radiords/radiords/internal/observability/metrics"
	"github.com/radiords/radiords/internal/preflight"
	"github.com/radiords/radiords/internal/supervisor"
)

// GetLogger returns the dsp module logger.
func GetLogger() logger.Logger {
	return logger.Global().Module("dsp")
}

// Session is one running demodulator pipeline.
type Session struct {
	FreqMHz   float64
	Gain      float64
	StartedAt time.Time

	lease  *arbiter.Lease
	handle *supervisor.Handle
	done   chan struct{}
}

// Stdout is the PCM stream.
func (s *Session) Stdout() io.Reader { return s.handle.Stdout() }

// Exited is closed when the pipeline exits on its own or is torn down.
func (s *Session) Exited() <-chan struct{} { return s.handle.Exited() }

// Done is closed once teardown has finished and the lease is released.
func (s *Session) Done() <-chan struct{} { return s.done }

// Lease returns the device lease the session holds.
func (s *Session) Lease() *arbiter.Lease { return s.lease }

// Handle returns the supervised pipeline.
func (s *Session) Handle() *supervisor.Handle { return s.handle }

// Controller drives the Idle, Starting, Running, Stopping cycle.
type Controller struct {
	sup      *supervisor.Supervisor
	arb      *arbiter.Arbiter
	checker  *preflight.Checker
	settings *conf.Settings
	metrics  metrics.Recorder
	log      logger.Logger

	mu      sync.Mutex
	state   State
	session *Session
	history []StateTransition
}

// Option configures a Controller.
type Option func(*Controller)

// WithMetrics sets the metrics recorder.
func WithMetrics(r metrics.Recorder) Option {
	return func(c *Controller) { c.metrics = metrics.OrNoOp(r) }
}

// NewController creates an idle Controller.
func NewController(sup *supervisor.Supervisor, arb *arbiter.Arbiter, checker *preflight.Checker, settings *conf.Settings, opts ...Option) *Controller {
	c := &Controller{
		sup:      sup,
		arb:      arb,
		checker:  checker,
		settings: settings,
		metrics:  metrics.NewNoOpRecorder(),
		log:      GetLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// CommandLine returns the demodulator pipeline for freqMHz.
func (c *Controller) CommandLine(freqMHz, gain float64) string {
	return conf.ExpandCommand(c.settings.DSP.Command, c.settings.DSPCommandVars(freqMHz, gain))
}

// Start checks the toolkit, takes the playback lease and spawns the pipeline.
// It fails with dependency-missing or device-busy without side effects.
func (c *Controller) Start(freqMHz, gain float64) (*Session, error) {
	start := time.Now()
	gain = conf.ClampGain(gain)

	c.mu.Lock()
	if c.state != StateIdle {
		state := c.state
		c.mu.Unlock()
		return nil, c.stateError(state)
	}
	c.transitionLocked(StateStarting, "start requested")
	c.mu.Unlock()

	cmdline := c.CommandLine(freqMHz, gain)
	toolkit := c.settings.DSP.Toolkit
	if len(toolkit) == 0 {
		toolkit = preflight.CommandBinaries(cmdline)
	}
	if err := c.checker.Require(toolkit...); err != nil {
		return nil, c.failStart(err, "toolkit missing")
	}

	lease, err := c.arb.Acquire(arbiter.HolderPlayback)
	if err != nil {
		return nil, c.failStart(err, "lease denied")
	}

	h, err := c.sup.Spawn(supervisor.Shell("dsp", cmdline).WithStdout())
	if err != nil {
		if rerr := c.arb.Release(lease); rerr != nil {
			c.log.Warn("release after failed spawn", logger.Error(rerr))
		}
		return nil, c.failStart(err, "spawn failed")
	}

	sess := &Session{
		FreqMHz:   freqMHz,
		Gain:      gain,
		StartedAt: time.Now(),
		lease:     lease,
		handle:    h,
		done:      make(chan struct{}),
	}

	c.mu.Lock()
	c.session = sess
	c.transitionLocked(StateRunning, "pipeline spawned")
	c.mu.Unlock()

	c.metrics.RecordOperation(metrics.OpPipelineStart, metrics.StatusSuccess)
	c.metrics.RecordDuration(metrics.OpPipelineStart, time.Since(start).Seconds())
	c.log.Info("demodulator started",
		logger.Float64("freq_mhz", freqMHz),
		logger.Float64("gain_db", gain),
		logger.String("lease", lease.String()))
	return sess, nil
}

func (c *Controller) failStart(err error, reason string) error {
	c.mu.Lock()
	c.transitionLocked(StateIdle, reason)
	c.mu.Unlock()

	status := metrics.StatusError
	if errors.IsDeviceBusy(err) {
		status = metrics.StatusDenied
	}
	c.metrics.RecordOperation(metrics.OpPipelineStart, status)
	c.log.Debug("demodulator start failed", logger.String("reason", reason), logger.Error(err))
	return err
}

// Stop tears the running pipeline down and returns a channel closed once the
// lease is released. With blocking false the teardown runs on a supervisor
// task and Stop returns at once. Stopping an idle controller is a no-op, and
// a second Stop returns the channel of the first.
func (c *Controller) Stop(blocking bool) <-chan struct{} {
	c.mu.Lock()
	switch c.state {
	case StateRunning:
	case StateStopping:
		done := c.session.done
		c.mu.Unlock()
		if blocking {
			<-done
		}
		return done
	default:
		c.mu.Unlock()
		done := make(chan struct{})
		close(done)
		return done
	}
	sess := c.session
	c.transitionLocked(StateStopping, "stop requested")
	c.mu.Unlock()

	teardown := func() { c.teardown(sess) }
	if blocking {
		teardown()
	} else {
		c.sup.Go("dsp teardown", teardown)
	}
	return sess.done
}

func (c *Controller) teardown(sess *Session) {
	start := time.Now()
	c.sup.Terminate(sess.handle)

	// The lease goes back only after the group is gone, so the next start
	// cannot overlap a half-stopped pipeline.
	if err := c.arb.Release(sess.lease); err != nil {
		c.log.Warn("lease release failed", logger.Error(err))
	}

	c.mu.Lock()
	c.session = nil
	c.transitionLocked(StateIdle, "teardown complete")
	c.mu.Unlock()

	c.metrics.RecordOperation(metrics.OpPipelineStop, metrics.StatusSuccess)
	c.metrics.RecordDuration(metrics.OpPipelineStop, time.Since(start).Seconds())
	c.log.Info("demodulator stopped",
		logger.Float64("freq_mhz", sess.FreqMHz),
		logger.Bool("forced", sess.handle.Forced()),
		logger.Duration("teardown", time.Since(start)))
	close(sess.done)
}

// State returns the current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Current returns the running or stopping session, or nil.
func (c *Controller) Current() *Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// History returns the most recent state transitions, oldest first.
func (c *Controller) History() []StateTransition {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]StateTransition, len(c.history))
	copy(out, c.history)
	return out
}

func (c *Controller) transitionLocked(to State, reason string) {
	from := c.state
	if !isValidTransition(from, to) {
		// Callers only request legal moves; a violation is a bug worth seeing.
		c.log.Error("invalid state transition",
			logger.String("from", from.String()),
			logger.String("to", to.String()),
			logger.String("reason", reason))
		return
	}
	c.state = to
	c.history = append(c.history, StateTransition{From: from, To: to, Timestamp: time.Now(), Reason: reason})
	if len(c.history) > maxStateHistory {
		c.history = c.history[len(c.history)-maxStateHistory:]
	}
}

func (c *Controller) stateError(state State) error {
	b := errors.Newf("demodulator is %s", state).
		Component("dsp").
		Context("state", state.String())
	if state == StateStopping {
		// The previous session still owns the device until teardown finishes.
		b = b.Category(errors.CategoryDeviceBusy)
	} else {
		b = b.Category(errors.CategoryState)
	}
	c.metrics.RecordOperation(metrics.OpPipelineStart, metrics.StatusDenied)
	return b.Build()
}
