// Package player runs playback sessions: it starts the demodulator, spawns
// the playback sink, routes the PCM stream to the sink, the recorder and the
// spectrum analyzer, and tears all of it down without blocking the caller.
package player

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/radiords/radiords/internal/conf"
	"github.com/radiords/radiords/internal/dsp"
	"github.com/radiords/radiords/internal/errors"
	"github.com/radiords/radiords/internal/events"
	"github.com/radiords/radiords/internal/logger"
	"github.com/radiords/radiords/internal/observability/metrics"
	"github.com/radiords/radiords/internal/preflight"
	"github.com/radiords/radiords/internal/recorder"
	"github.com/radiords/radiords/internal/router"
	"github.com/radiords/radiords/internal/session"
	"github.com/radiords/radiords/internal/spectrum"
	"github.com/radiords/radiords/internal/station"
	"github.com/radiords/radiords/internal/supervisor"
)

// GetLogger returns the player module logger.
func GetLogger() logger.Logger {
	return logger.Global().Module("player")
}

// Stations looks up known stations. station.Database satisfies it.
type Stations interface {
	Get(freq float64) (station.Station, bool)
}

// Notifier receives presentation messages. events.Bus satisfies it.
type Notifier interface {
	TryPublish(kind events.Kind, payload any) bool
}

type noopNotifier struct{}

func (noopNotifier) TryPublish(events.Kind, any) bool { return true }

// Deps are the collaborators a Player drives.
type Deps struct {
	Session    *session.Context
	Supervisor *supervisor.Supervisor
	Checker    *preflight.Checker
	Pipeline   *dsp.Controller
	Recorder   *recorder.Controller
	Analyzer   *spectrum.Analyzer
	Stations   Stations
	Settings   *conf.Settings
}

// Status is a snapshot for the status API.
type Status struct {
	Playing   bool             `json:"playing"`
	SessionID string           `json:"session_id,omitempty"`
	FreqMHz   float64          `json:"freq_mhz,omitempty"`
	Gain      float64          `json:"gain_db,omitempty"`
	StartedAt time.Time        `json:"started_at,omitzero"`
	Pipeline  dsp.State        `json:"pipeline"`
	Router    *router.Stats    `json:"router,omitempty"`
	Recording *recorder.Info   `json:"recording,omitempty"`
	Volume    int              `json:"volume"` // -1 until set
	Station   *station.Station `json:"station,omitempty"`
}

// playSession is one Running playback.
type playSession struct {
	id        uuid.UUID
	freq      float64
	gain      float64
	startedAt time.Time
	pipeline  *dsp.Session
	router    *router.Router
	cancel    context.CancelFunc
	done      chan struct{} // closed when routing and analysis have exited
}

// Player owns at most one playback session.
type Player struct {
	deps     Deps
	notifier Notifier
	stream   router.StreamMetrics
	metrics  metrics.Recorder
	log      logger.Logger

	mu     sync.Mutex
	active *playSession
	volume int
}

// Option configures a Player.
type Option func(*Player)

// WithNotifier sets where presentation messages go.
func WithNotifier(n Notifier) Option {
	return func(p *Player) {
		if n != nil {
			p.notifier = n
		}
	}
}

// WithStreamMetrics sets the router chunk counters.
func WithStreamMetrics(m router.StreamMetrics) Option {
	return func(p *Player) { p.stream = m }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(r metrics.Recorder) Option {
	return func(p *Player) { p.metrics = metrics.OrNoOp(r) }
}

// New creates a Player.
func New(deps Deps, opts ...Option) *Player {
	p := &Player{
		deps:     deps,
		notifier: noopNotifier{},
		metrics:  metrics.NewNoOpRecorder(),
		log:      GetLogger(),
		volume:   -1,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Play tunes to freqMHz and starts playback. It fails with a state error
// while a session is active; use Tune to switch stations.
func (p *Player) Play(freqMHz, gain float64) (Status, error) {
	if p.deps.Session.Closing() {
		return Status{}, errors.Newf("shutting down").
			Component("player").
			Category(errors.CategoryState).
			Build()
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.active != nil {
		return Status{}, errors.Newf("already playing %.1f MHz", p.active.freq).
			Component("player").
			Category(errors.CategoryState).
			Build()
	}

	playbackCmd := conf.ExpandCommand(p.deps.Settings.Playback.Command, p.deps.Settings.PlaybackCommandVars())
	if err := p.deps.Checker.Require(preflight.CommandBinaries(playbackCmd)...); err != nil {
		p.notify(events.KindError, err)
		return Status{}, err
	}

	pipe, err := p.deps.Pipeline.Start(freqMHz, gain)
	if err != nil {
		p.notify(events.KindError, err)
		return Status{}, err
	}

	sinkHandle, err := p.deps.Supervisor.Spawn(supervisor.Shell("playback", playbackCmd).WithStdin())
	if err != nil {
		p.deps.Pipeline.Stop(false)
		p.notify(events.KindError, err)
		return Status{}, err
	}

	audio := p.deps.Settings.Audio
	buffer := router.NewBuffer(audio.ChunkBytes, audio.BufferChunks)
	routerOpts := []router.Option{
		router.WithMetrics(p.metrics),
		router.WithFailureHandler(p.sinkFailed),
	}
	if p.stream != nil {
		routerOpts = append(routerOpts, router.WithStreamMetrics(p.stream))
	}
	rt := router.New(audio.ChunkBytes, buffer, routerOpts...)
	rt.SetPlayback(newProcessSink(p.deps.Supervisor, sinkHandle))

	ctx, cancel := context.WithCancel(context.Background())
	ps := &playSession{
		id:        uuid.New(),
		freq:      pipe.FreqMHz,
		gain:      pipe.Gain,
		startedAt: time.Now(),
		pipeline:  pipe,
		router:    rt,
		cancel:    cancel,
		done:      make(chan struct{}),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		// The stream ending for any reason ends the session's analysis too.
		defer cancel()
		return rt.Run(gctx, pipe.Stdout())
	})
	if p.deps.Analyzer != nil {
		p.deps.Analyzer.Reset()
		g.Go(func() error { return p.deps.Analyzer.Run(gctx, buffer) })
	}
	p.deps.Supervisor.Go("playback session "+ps.id.String(), func() {
		if err := g.Wait(); err != nil {
			p.log.Warn("playback session worker failed", logger.Error(err))
		}
		p.sessionEnded(ps)
		close(ps.done)
	})

	p.active = ps
	p.deps.Session.SetTuned(ps.freq, ps.gain)
	st := p.statusLocked()
	p.notify(events.KindStatus, st)
	p.log.Info("playback started",
		logger.String("session", ps.id.String()),
		logger.Float64("freq_mhz", ps.freq),
		logger.Float64("gain_db", ps.gain))
	return st, nil
}

// Tune stops the current session, waits for its teardown, and plays
// freqMHz. It blocks for the teardown, so it is not for UI loops.
func (p *Player) Tune(ctx context.Context, freqMHz, gain float64) (Status, error) {
	select {
	case <-p.Stop(false):
	case <-ctx.Done():
		return Status{}, errors.New(ctx.Err()).
			Component("player").
			Category(errors.CategoryCancellation).
			Build()
	}
	return p.Play(freqMHz, gain)
}

// Stop ends playback. The returned channel is closed once the demodulator
// is gone, the lease is released, and routing has exited. With blocking
// false the teardown runs in the background; either way the recording, if
// any, is finalized in the background.
func (p *Player) Stop(blocking bool) <-chan struct{} {
	p.mu.Lock()
	ps := p.active
	p.mu.Unlock()

	if ps == nil {
		// A pipeline may still be tearing down from an earlier stop.
		return p.deps.Pipeline.Stop(blocking)
	}

	p.StopRecording()
	pipeDone := p.deps.Pipeline.Stop(blocking)
	ps.cancel()

	done := make(chan struct{})
	p.deps.Supervisor.Go("playback stop "+ps.id.String(), func() {
		<-pipeDone
		<-ps.done
		close(done)
	})
	if blocking {
		<-done
	}
	return done
}

// sessionEnded clears ps once its workers have exited, whether by Stop or
// because the demodulator died.
func (p *Player) sessionEnded(ps *playSession) {
	p.mu.Lock()
	if p.active != ps {
		p.mu.Unlock()
		return
	}
	p.active = nil
	p.mu.Unlock()

	p.deps.Session.StopPlaying()
	// Unexpected end of stream: make sure the pipeline is released.
	p.deps.Pipeline.Stop(false)
	p.notify(events.KindStatus, p.Status())
	p.log.Info("playback stopped",
		logger.String("session", ps.id.String()),
		logger.Duration("duration", time.Since(ps.startedAt)))
}

// StartRecording records the playing station.
func (p *Player) StartRecording() (recorder.Info, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.active == nil {
		return recorder.Info{}, errors.Newf("not playing").
			Component("player").
			Category(errors.CategoryState).
			Build()
	}

	ps := ""
	if st, ok := p.deps.Stations.Get(p.active.freq); ok && st.PS != nil {
		ps = *st.PS
	}
	rec, err := p.deps.Recorder.Start(ps, p.active.freq)
	if err != nil {
		p.notify(events.KindError, err)
		return recorder.Info{}, err
	}
	p.active.router.AttachRecorder(rec)
	info := rec.Info()
	p.notify(events.KindRecording, info)
	return info, nil
}

// StopRecording detaches and finalizes the recording. It never blocks; the
// channel closes when the file is complete.
func (p *Player) StopRecording() <-chan struct{} {
	p.mu.Lock()
	if p.active != nil {
		p.active.router.DetachRecorder()
	}
	p.mu.Unlock()
	return p.deps.Recorder.Stop()
}

// SetVolume runs the mixer command with level clamped to 0..100.
func (p *Player) SetVolume(ctx context.Context, level int) (int, error) {
	level = max(0, min(100, level))
	cmd := conf.ExpandCommand(p.deps.Settings.Playback.VolumeCommand, conf.CommandVars{"volume": strconv.Itoa(level)})
	if err := p.deps.Checker.Require(preflight.CommandBinaries(cmd)...); err != nil {
		return level, err
	}

	h, err := p.deps.Supervisor.Spawn(supervisor.Shell("mixer", cmd))
	if err != nil {
		return level, err
	}
	select {
	case <-h.Exited():
	case <-ctx.Done():
	}
	p.deps.Supervisor.Terminate(h)
	if err := h.ExitErr(); err != nil && ctx.Err() == nil {
		return level, errors.New(err).
			Component("player").
			Category(errors.CategoryProcess).
			Context("stderr", h.StderrTail()).
			Build()
	}

	p.mu.Lock()
	p.volume = level
	p.mu.Unlock()
	return level, nil
}

// Status returns a snapshot.
func (p *Player) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.statusLocked()
}

func (p *Player) statusLocked() Status {
	st := Status{Pipeline: p.deps.Pipeline.State(), Volume: p.volume}
	if rec := p.deps.Recorder.Active(); rec != nil {
		info := rec.Info()
		st.Recording = &info
	}
	ps := p.active
	if ps == nil {
		return st
	}
	rs := ps.router.Stats()
	st.Playing = true
	st.SessionID = ps.id.String()
	st.FreqMHz = ps.freq
	st.Gain = ps.gain
	st.StartedAt = ps.startedAt
	st.Router = &rs
	if s, ok := p.deps.Stations.Get(ps.freq); ok {
		st.Station = &s
	}
	return st
}

// sinkFailed runs on the router goroutine after a sink was dropped.
func (p *Player) sinkFailed(target string, err error) {
	p.notify(events.KindError, err)
	if target == router.TargetPlayback {
		p.log.Error("playback sink failed, audio output stopped", logger.Error(err))
	}
}

func (p *Player) notify(kind events.Kind, payload any) {
	p.notifier.TryPublish(kind, payload)
}
