// Package scanner sweeps a band one frequency at a time, capturing metadata
// under a short device lease per step and keeping stations whose name was
// decoded. Cancellation is honored between steps only.
package scanner

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/radiords/radiords/internal/arbiter"
	"github.com/radiords/radiords/internal/conf"
	"github.com/radiords/radiords/internal/errors"
	"github.com/radiords/radiords/internal/logger"
	"github.com/radiords/radiords/internal/observability/metrics"
	"github.com/radiords/radiords/internal/rds"
	"github.com/radiords/radiords/internal/station"
)

// Lease retry while a refresh cycle holds the device.
const (
	initialBackoff = 50 * time.Millisecond
	maxBackoff     = time.Second
	busyMargin     = 2 * time.Second
)

// GetLogger returns the scanner module logger.
func GetLogger() logger.Logger {
	return logger.Global().Module("scanner")
}

// Capturer runs a bounded metadata capture. rds.Decoder satisfies it.
type Capturer interface {
	Capture(ctx context.Context, freqMHz, gain float64, window time.Duration) (rds.Result, error)
}

// Store keeps found stations. station.Database satisfies it.
type Store interface {
	MergeAll(freq float64, updates []*station.Update) (station.Station, error)
	Save() error
}

// State is the scanner state.
type State int

const (
	StateIdle State = iota
	StateScanning
)

func (s State) String() string {
	if s == StateScanning {
		return "scanning"
	}
	return "idle"
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Progress is reported after every step.
type Progress struct {
	Freq    float64 `json:"freq_mhz"`
	Index   int     `json:"index"` // 1-based
	Total   int     `json:"total"`
	Percent float64 `json:"percent"`
	Found   int     `json:"found"`
	PS      string  `json:"ps,omitempty"`
	Err     error   `json:"-"`
}

// Report summarizes a scan.
type Report struct {
	Band     conf.Band         `json:"band"`
	Visited  []float64         `json:"visited_mhz"`
	Found    []station.Station `json:"found"`
	Failed   int               `json:"failed_steps"`
	Canceled bool              `json:"canceled"`
	Elapsed  time.Duration     `json:"elapsed"`
}

// Scanner drives band scans. One scan runs at a time.
type Scanner struct {
	arb      *arbiter.Arbiter
	capturer Capturer
	store    Store
	settings *conf.Settings

	window     time.Duration
	busyWait   time.Duration
	onProgress func(Progress)
	metrics    metrics.Recorder
	log        logger.Logger

	cancel  atomic.Bool
	mu      sync.Mutex
	state   State
	current float64
}

// Option configures a Scanner.
type Option func(*Scanner)

// WithMetrics sets the metrics recorder.
func WithMetrics(r metrics.Recorder) Option {
	return func(s *Scanner) { s.metrics = metrics.OrNoOp(r) }
}

// WithWindow overrides rds.scan_capture_s.
func WithWindow(d time.Duration) Option {
	return func(s *Scanner) {
		if d > 0 {
			s.window = d
		}
	}
}

// WithBusyWait bounds how long a step waits for a refresh cycle to give the
// device back. It defaults to the refresh capture window plus a margin.
func WithBusyWait(d time.Duration) Option {
	return func(s *Scanner) { s.busyWait = d }
}

// WithProgress is called on the scan goroutine after each step.
func WithProgress(fn func(Progress)) Option {
	return func(s *Scanner) { s.onProgress = fn }
}

// New creates a Scanner.
func New(arb *arbiter.Arbiter, capturer Capturer, store Store, settings *conf.Settings, opts ...Option) *Scanner {
	s := &Scanner{
		arb:      arb,
		capturer: capturer,
		store:    store,
		settings: settings,
		window:   time.Duration(settings.RDS.ScanCaptureS) * time.Second,
		metrics:  metrics.NewNoOpRecorder(),
		log:      GetLogger(),
	}
	if s.window <= 0 {
		s.window = rds.DefaultScanWindow
	}
	s.busyWait = time.Duration(settings.RDS.CaptureS)*time.Second + busyMargin
	if settings.RDS.CaptureS <= 0 {
		s.busyWait = rds.DefaultCaptureWindow + busyMargin
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Frequencies lists the frequencies a scan of b visits, both edges
// included. Stepping is in integer kilohertz so no step is lost to rounding.
func Frequencies(b conf.Band) []float64 {
	out := make([]float64, 0, b.Steps())
	for khz := b.MinKHz; khz <= b.MaxKHz && b.StepKHz > 0; khz += b.StepKHz {
		out = append(out, float64(khz)/1000)
	}
	return out
}

// State returns the scanner state and the frequency being scanned.
func (s *Scanner) State() (State, float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state, s.current
}

// Cancel asks a running scan to stop before its next step. The step in
// progress runs to completion.
func (s *Scanner) Cancel() {
	s.cancel.Store(true)
}

// Scan sweeps the configured band. It fails with device-busy if playback
// holds the receiver or another scan is running. ctx cancellation is
// treated like Cancel: the current capture is not interrupted.
func (s *Scanner) Scan(ctx context.Context) (Report, error) {
	band, err := s.settings.Band.ResolveBand()
	if err != nil {
		return Report{}, errors.New(err).
			Component("scanner").
			Category(errors.CategoryConfiguration).
			Build()
	}
	return s.ScanBand(ctx, band)
}

// ScanBand sweeps band.
func (s *Scanner) ScanBand(ctx context.Context, band conf.Band) (Report, error) {
	if err := s.arb.BeginScan(); err != nil {
		s.metrics.RecordOperation(metrics.OpScan, metrics.StatusDenied)
		return Report{}, err
	}
	defer s.arb.EndScan()

	s.cancel.Store(false)
	s.setState(StateScanning, 0)
	defer s.setState(StateIdle, 0)

	start := time.Now()
	freqs := Frequencies(band)
	report := Report{Band: band, Visited: make([]float64, 0, len(freqs))}
	s.log.Info("band scan started", logger.String("band", band.String()), logger.Int("steps", len(freqs)))

	// Steps are never interrupted mid-capture, only between steps.
	stepCtx := context.WithoutCancel(ctx)
	for i, freq := range freqs {
		if s.canceled(ctx) {
			report.Canceled = true
			break
		}
		s.setState(StateScanning, freq)
		lease, err := s.acquire(ctx)
		if err != nil && s.canceled(ctx) {
			report.Canceled = true
			break
		}
		report.Visited = append(report.Visited, freq)

		p := Progress{Freq: freq, Index: i + 1, Total: len(freqs), Percent: float64(i+1) / float64(len(freqs)) * 100}
		var (
			st      station.Station
			found   bool
			stepErr = err
		)
		if err != nil {
			s.metrics.RecordOperation(metrics.OpScanStep, metrics.StatusDenied)
			s.log.Warn("scan step denied", logger.Float64("freq_mhz", freq), logger.Error(err))
		} else {
			st, found, stepErr = s.step(stepCtx, freq, lease)
		}
		switch {
		case stepErr != nil:
			report.Failed++
			p.Err = stepErr
		case found:
			report.Found = append(report.Found, st)
			p.PS = st.Name()
		}
		p.Found = len(report.Found)
		if s.onProgress != nil {
			s.onProgress(p)
		}
		if errors.IsDependencyMissing(stepErr) {
			// Every later step would fail the same way.
			report.Elapsed = time.Since(start)
			s.metrics.RecordOperation(metrics.OpScan, metrics.StatusError)
			return report, stepErr
		}
	}

	if err := s.store.Save(); err != nil {
		s.log.Error("save stations after scan", logger.Error(err))
	}
	report.Elapsed = time.Since(start)

	status := metrics.StatusSuccess
	if report.Canceled {
		status = metrics.StatusCanceled
	}
	s.metrics.RecordOperation(metrics.OpScan, status)
	s.metrics.RecordDuration(metrics.OpScan, report.Elapsed.Seconds())
	s.log.Info("band scan finished",
		logger.Int("visited", len(report.Visited)),
		logger.Int("found", len(report.Found)),
		logger.Int("failed", report.Failed),
		logger.Bool("canceled", report.Canceled),
		logger.Duration("elapsed", report.Elapsed))
	return report, nil
}

// acquire takes the scan lease for one step. A refresh cycle holds the
// device only for its capture window, so while the holder is the refresher
// the request is retried with backoff for up to busyWait. Cancellation is
// checked between attempts.
func (s *Scanner) acquire(ctx context.Context) (*arbiter.Lease, error) {
	deadline := time.Now().Add(s.busyWait)
	backoff := initialBackoff
	for {
		lease, err := s.arb.Acquire(arbiter.HolderScan)
		if err == nil || !errors.IsDeviceBusy(err) || s.arb.Holder() != arbiter.HolderRefresh {
			return lease, err
		}
		wait := min(backoff, time.Until(deadline))
		if wait <= 0 {
			return nil, err
		}
		s.log.Debug("device held by refresh, retrying", logger.Duration("backoff", wait))

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, errors.New(ctx.Err()).
				Component("scanner").
				Category(errors.CategoryCancellation).
				Build()
		case <-timer.C:
		}
		if s.cancel.Load() {
			return nil, errors.Newf("scan canceled").
				Component("scanner").
				Category(errors.CategoryCancellation).
				Build()
		}
		backoff = min(backoff*2, maxBackoff)
	}
}

// step captures at freq under lease and releases it. found is true when a
// station name was decoded and the station was stored.
func (s *Scanner) step(ctx context.Context, freq float64, lease *arbiter.Lease) (station.Station, bool, error) {
	start := time.Now()
	defer func() {
		if relErr := s.arb.Release(lease); relErr != nil {
			s.log.Warn("release scan lease", logger.Error(relErr))
		}
		s.metrics.RecordDuration(metrics.OpScanStep, time.Since(start).Seconds())
	}()

	res, err := s.capturer.Capture(ctx, freq, s.settings.SDR.GainDB, s.window)
	if err != nil {
		s.metrics.RecordOperation(metrics.OpScanStep, metrics.StatusError)
		return station.Station{}, false, err
	}
	if _, ok := res.PS(); !ok {
		s.metrics.RecordOperation(metrics.OpScanStep, metrics.StatusSkipped)
		return station.Station{}, false, nil
	}

	st, err := s.store.MergeAll(freq, res.Interesting())
	if err != nil {
		s.metrics.RecordOperation(metrics.OpScanStep, metrics.StatusError)
		return station.Station{}, false, err
	}
	s.metrics.RecordOperation(metrics.OpScanStep, metrics.StatusSuccess)
	s.log.Info("station found", logger.String("station", st.DisplayName()))
	return st, true, nil
}

func (s *Scanner) canceled(ctx context.Context) bool {
	return s.cancel.Load() || ctx.Err() != nil
}

func (s *Scanner) setState(state State, freq float64) {
	s.mu.Lock()
	s.state = state
	s.current = freq
	s.mu.Unlock()
}
