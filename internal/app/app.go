// Package app is the composition root: it builds every runtime component
// from settings, wires their hooks together, and runs them until shutdown.
package app

import (
	"context"
	"sync"
	"time"

	"github.com/radiords/radiords/internal/arbiter"
	"github.com/radiords/radiords/internal/buildinfo"
	"github.com/radiords/radiords/internal/conf"
	"github.com/radiords/radiords/internal/diskmanager"
	"github.com/radiords/radiords/internal/dsp"
	"github.com/radiords/radiords/internal/errors"
	"github.com/radiords/radiords/internal/events"
	"github.com/radiords/radiords/internal/httpserver"
	"github.com/radiords/radiords/internal/logger"
	"github.com/radiords/radiords/internal/mqtt"
	"github.com/radiords/radiords/internal/observability"
	"github.com/radiords/radiords/internal/player"
	"github.com/radiords/radiords/internal/preflight"
	"github.com/radiords/radiords/internal/rds"
	"github.com/radiords/radiords/internal/recorder"
	"github.com/radiords/radiords/internal/refresher"
	"github.com/radiords/radiords/internal/scanner"
	"github.com/radiords/radiords/internal/session"
	"github.com/radiords/radiords/internal/spectrum"
	"github.com/radiords/radiords/internal/station"
	"github.com/radiords/radiords/internal/supervisor"
)

// CloseTimeout bounds how long Close waits for teardown to complete.
const CloseTimeout = 15 * time.Second

// GetLogger returns the app module logger.
func GetLogger() logger.Logger {
	return logger.Global().Module("app")
}

// Runtime is one application run.
type Runtime struct {
	Settings *conf.Settings
	Build    *buildinfo.Context
	Metrics  *observability.Metrics

	Supervisor  *supervisor.Supervisor
	Arbiter     *arbiter.Arbiter
	Checker     *preflight.Checker
	Session     *session.Context
	Events      *events.Bus
	Stations    *station.Database
	Decoder     *rds.Decoder
	Pipeline    *dsp.Controller
	Recorder    *recorder.Controller
	Analyzer    *spectrum.Analyzer
	Player      *player.Player
	Refresher   *refresher.Refresher
	Scanner     *Scans
	Coordinator *session.Coordinator
	Retention   *diskmanager.Manager

	// Publisher is nil unless MQTT is enabled.
	Publisher *mqtt.Publisher

	log    logger.Logger
	ctx    context.Context
	cancel context.CancelFunc
	quit   chan struct{}
	wg     sync.WaitGroup

	startOnce sync.Once
	closeOnce sync.Once
	closeErr  error
	http      *httpserver.Server
}

// New builds a Runtime. Nothing runs until Start, apart from the event
// queue worker.
func New(settings *conf.Settings, build *buildinfo.Context) (*Runtime, error) {
	m, err := observability.NewMetrics()
	if err != nil {
		return nil, errors.New(err).
			Component("app").
			Category(errors.CategoryConfiguration).
			Build()
	}
	radio := m.Radio

	db, err := station.Open(settings.Stations.Path, station.WithMetrics(radio))
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &Runtime{
		Settings: settings,
		Build:    build,
		Metrics:  m,
		Stations: db,
		log:      GetLogger(),
		ctx:      ctx,
		cancel:   cancel,
		quit:     make(chan struct{}),
	}

	r.Supervisor = supervisor.New(
		supervisor.WithTimeouts(settings.Termination.GracefulTimeout, settings.Termination.KillWait),
		supervisor.WithMetrics(radio),
		supervisor.WithLiveGauge(radio.SetLivePipelines))
	r.Arbiter = arbiter.New(
		arbiter.WithMetrics(radio),
		arbiter.WithHolderGauge(func(h arbiter.Holder) { radio.SetLeaseHolder(string(h)) }))
	r.Checker = preflight.NewChecker(preflight.DefaultTTL)
	r.Session = session.New(r.Arbiter)
	r.Events = events.New(events.DefaultConfig())
	if err := r.Events.RegisterConsumer(logConsumer{log: r.log}); err != nil {
		cancel()
		_ = r.Events.Shutdown(time.Second)
		return nil, err
	}

	radio.SetStationsKnown(db.Len())
	db.OnMerge(func(st station.Station) {
		radio.SetStationsKnown(db.Len())
		r.Events.TryPublish(events.KindStation, st)
	})

	r.Decoder = rds.NewDecoder(r.Supervisor, settings, r.Checker, rds.WithMetrics(radio))
	r.Pipeline = dsp.NewController(r.Supervisor, r.Arbiter, r.Checker, settings, dsp.WithMetrics(radio))
	r.Recorder = recorder.NewController(r.Supervisor, r.Arbiter, r.Checker, settings,
		recorder.WithMetrics(radio),
		recorder.WithBytesGauge(radio.SetRecordingBytes),
		recorder.WithFinalizedHook(func(info recorder.Info) {
			r.Events.TryPublish(events.KindRecording, info)
		}))
	r.Retention = diskmanager.New(&settings.Recording,
		diskmanager.WithLockedPaths(r.activeRecording),
		diskmanager.WithMetrics(radio))
	r.Analyzer = spectrum.New(spectrum.ParamsFromSettings(settings), spectrum.WithMetrics(radio))

	r.Player = player.New(player.Deps{
		Session:    r.Session,
		Supervisor: r.Supervisor,
		Checker:    r.Checker,
		Pipeline:   r.Pipeline,
		Recorder:   r.Recorder,
		Analyzer:   r.Analyzer,
		Stations:   db,
		Settings:   settings,
	},
		player.WithNotifier(r.Events),
		player.WithStreamMetrics(radio),
		player.WithMetrics(radio))

	r.Refresher = refresher.New(r.Arbiter, r.Decoder, db, r.Session.Tuned, settings,
		refresher.WithMetrics(radio),
		refresher.WithClosing(r.Session.Closing),
		refresher.WithCycleHook(r.cycleFinished))

	r.Scanner = newScans(scanner.New(r.Arbiter, r.Decoder, db, settings,
		scanner.WithMetrics(radio),
		scanner.WithProgress(func(p scanner.Progress) {
			radio.SetScanProgress(p.Percent)
			r.Events.TryPublish(events.KindScanProgress, p)
		})), r.Events)

	if settings.MQTT.Enabled {
		cfg := mqtt.ConfigFromSettings(settings)
		r.Publisher = mqtt.NewPublisher(mqtt.NewClient(cfg, m.MQTT), cfg)
		db.OnMerge(r.Publisher.StationMerged)
	}

	r.Coordinator = session.NewCoordinator(r.Session,
		session.WithScanner(r.Scanner),
		session.WithRecorder(r.Player),
		session.WithPipeline(r.Player),
		session.WithProcesses(r.Supervisor),
		session.WithPresentation(r.Events),
		session.WithCancel(r.cancel),
		session.WithMetrics(radio))

	return r, nil
}

// Context is cancelled when shutdown begins.
func (r *Runtime) Context() context.Context { return r.ctx }

// Start launches the background services that settings enable: the HTTP
// API, the metrics endpoint, the MQTT publisher, the metadata refresher
// and recording retention.
// It returns immediately.
func (r *Runtime) Start() {
	r.startOnce.Do(r.start)
}

func (r *Runtime) start() {
	s := r.Settings

	if s.WebServer.Enabled {
		r.http = httpserver.New(httpserver.Deps{
			Session:    r.Session,
			Settings:   s,
			Player:     r.Player,
			Stations:   r.Stations,
			Spectrum:   r.Analyzer,
			Scanner:    r.Scanner,
			Processes:  r.Supervisor,
			Events:     r.Events,
			Metrics:    r.Metrics.Handler(),
			Background: r.Supervisor.Go,
		})
		r.http.Start()
	}

	if s.Telemetry.Prometheus.Enabled {
		endpoint, err := observability.NewEndpoint(s, r.Metrics)
		if err != nil {
			r.log.Warn("metrics endpoint not started", logger.Error(err))
		} else {
			endpoint.Start(&r.wg, r.quit)
		}
	}

	if r.Publisher != nil {
		r.wg.Go(func() {
			if err := r.Publisher.Run(r.ctx); err != nil && !errors.IsCategory(err, errors.CategoryCancellation) {
				r.log.Warn("station publisher stopped", logger.Error(err))
			}
		})
	}

	if s.RDS.Enabled {
		r.Supervisor.Go("metadata refresher", func() {
			if err := r.Refresher.Run(r.ctx); err != nil {
				r.log.Warn("metadata refresher stopped", logger.Error(err))
			}
		})
	}

	r.wg.Go(r.forwardSpectrum)

	if r.Retention.Enabled() {
		r.wg.Go(func() { _ = r.Retention.Run(r.ctx) })
	}

	r.log.Info("runtime started",
		logger.String("version", r.Build.Version()),
		logger.String("session", r.Session.ID.String()),
		logger.Bool("http", s.WebServer.Enabled),
		logger.Bool("mqtt", r.Publisher != nil),
		logger.Bool("rds", s.RDS.Enabled))
}

// Shutdown requests teardown of everything and returns without waiting.
func (r *Runtime) Shutdown() session.Report {
	return r.Coordinator.Shutdown()
}

// Close shuts down if that has not happened yet, waits up to CloseTimeout
// for teardown, stops the background services and saves the station
// database. It is safe to call more than once.
func (r *Runtime) Close() error {
	r.closeOnce.Do(func() { r.closeErr = r.close() })
	return r.closeErr
}

func (r *Runtime) close() error {
	r.Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), CloseTimeout)
	defer cancel()

	var errs []error
	if err := r.Coordinator.Wait(ctx); err != nil {
		r.log.Warn("teardown did not complete in time", logger.Error(err))
		errs = append(errs, err)
	}

	close(r.quit)
	if r.http != nil {
		if err := r.http.Shutdown(); err != nil {
			errs = append(errs, err)
		}
	}
	r.wg.Wait()

	select {
	case <-r.Events.Done():
	case <-ctx.Done():
	}
	if err := r.Events.Shutdown(time.Second); err != nil {
		errs = append(errs, err)
	}

	if err := r.Stations.Save(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Run starts the services and blocks until ctx is done, then closes.
func (r *Runtime) Run(ctx context.Context) error {
	r.Start()
	select {
	case <-ctx.Done():
		r.log.Info("received shutdown signal")
	case <-r.ctx.Done():
	}
	return r.Close()
}

// activeRecording protects the file being written from retention.
func (r *Runtime) activeRecording() []string {
	if rec := r.Recorder.Active(); rec != nil {
		return []string{rec.Path}
	}
	return nil
}

// forwardSpectrum turns analyzer updates into presentation messages.
func (r *Runtime) forwardSpectrum() {
	for {
		select {
		case <-r.quit:
			return
		case <-r.Analyzer.Updates():
			if latest := r.Analyzer.Latest(); latest != nil {
				r.Events.TryPublish(events.KindSpectrum, latest)
			}
		}
	}
}

func (r *Runtime) cycleFinished(c refresher.Cycle) {
	switch c.Outcome {
	case refresher.OutcomeFailed:
		r.Events.TryPublish(events.KindError, c.Err)
	case refresher.OutcomeMerged:
		r.log.Debug("metadata refreshed", logger.Float64("freq_mhz", c.Freq))
	}
}
