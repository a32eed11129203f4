// Package refresher periodically captures broadcast metadata at the last
// tuned frequency and merges it into the station database. A cycle only
// runs when the arbiter grants a refresh lease, which happens between
// playback sessions; it is skipped while playing or recording.
package refresher

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

// GetLogger returns the refresher module logger.
func GetLogger() logger.Logger {
	return logger.Global().Module("refresher")
}

// Capturer runs a bounded metadata capture. rds.Decoder satisfies it.
type Capturer interface {
	Capture(ctx context.Context, freqMHz, gain float64, window time.Duration) (rds.Result, error)
}

// Merger stores decoded records. station.Database satisfies it.
type Merger interface {
	MergeAll(freq float64, updates []*station.Update) (station.Station, error)
}

// Tuning reports the frequency to refresh. ok is false when nothing is tuned.
type Tuning func() (freqMHz, gain float64, ok bool)

// Outcome is what one cycle did.
type Outcome string

const (
	OutcomeMerged   Outcome = "merged"
	OutcomeEmpty    Outcome = "empty"
	OutcomeSkipped  Outcome = "skipped"
	OutcomeFailed   Outcome = "failed"
	OutcomeCanceled Outcome = "canceled"
)

// Skip reasons.
const (
	ReasonDisabled  = "disabled"
	ReasonClosing   = "closing"
	ReasonUntuned   = "not tuned"
	ReasonRecording = "recording"
	ReasonInFlight  = "refresh in flight"
	ReasonPlaying   = "playing"
	ReasonBusy      = "device busy"
)

// Cycle describes one refresh attempt.
type Cycle struct {
	At      time.Time        `json:"at"`
	Freq    float64          `json:"freq_mhz,omitempty"`
	Outcome Outcome          `json:"outcome"`
	Reason  string           `json:"reason,omitempty"`
	Station *station.Station `json:"station,omitempty"`
	Err     error            `json:"-"`
}

// Refresher runs metadata refresh cycles.
type Refresher struct {
	arb      *arbiter.Arbiter
	capturer Capturer
	merger   Merger
	tuning   Tuning
	settings *conf.Settings

	interval time.Duration
	window   time.Duration
	closing  func() bool
	onCycle  func(Cycle)
	metrics  metrics.Recorder
	log      logger.Logger

	inFlight atomic.Bool
	launches atomic.Int64

	mu   sync.Mutex
	last *Cycle
}

// Option configures a Refresher.
type Option func(*Refresher)

// WithMetrics sets the metrics recorder.
func WithMetrics(r metrics.Recorder) Option {
	return func(rf *Refresher) { rf.metrics = metrics.OrNoOp(r) }
}

// WithInterval overrides rds.interval_s.
func WithInterval(d time.Duration) Option {
	return func(rf *Refresher) {
		if d > 0 {
			rf.interval = d
		}
	}
}

// WithWindow overrides rds.capture_s.
func WithWindow(d time.Duration) Option {
	return func(rf *Refresher) {
		if d > 0 {
			rf.window = d
		}
	}
}

// WithClosing makes every cycle check fn before doing anything.
func WithClosing(fn func() bool) Option {
	return func(rf *Refresher) { rf.closing = fn }
}

// WithCycleHook is called after every cycle, skipped ones included.
func WithCycleHook(fn func(Cycle)) Option {
	return func(rf *Refresher) { rf.onCycle = fn }
}

// New creates a Refresher.
func New(arb *arbiter.Arbiter, capturer Capturer, merger Merger, tuning Tuning, settings *conf.Settings, opts ...Option) *Refresher {
	rf := &Refresher{
		arb:      arb,
		capturer: capturer,
		merger:   merger,
		tuning:   tuning,
		settings: settings,
		interval: time.Duration(settings.RDS.IntervalS) * time.Second,
		window:   time.Duration(settings.RDS.CaptureS) * time.Second,
		closing:  func() bool { return false },
		metrics:  metrics.NewNoOpRecorder(),
		log:      GetLogger(),
	}
	if rf.interval <= 0 {
		rf.interval = 30 * time.Second
	}
	if rf.window <= 0 {
		rf.window = rds.DefaultCaptureWindow
	}
	for _, opt := range opts {
		opt(rf)
	}
	return rf
}

// Interval returns the time between cycles.
func (rf *Refresher) Interval() time.Duration { return rf.interval }

// Launches returns how many decoder captures the refresher has started.
func (rf *Refresher) Launches() int64 { return rf.launches.Load() }

// Last returns the most recent cycle, or nil.
func (rf *Refresher) Last() *Cycle {
	rf.mu.Lock()
	defer rf.mu.Unlock()
	return rf.last
}

// Run refreshes every interval until ctx is done. The first cycle runs one
// interval after start.
func (rf *Refresher) Run(ctx context.Context) error {
	ticker := time.NewTicker(rf.interval)
	defer ticker.Stop()

	rf.log.Info("metadata refresher started", logger.Duration("interval", rf.interval))
	defer rf.log.Debug("metadata refresher stopped")

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		if rf.closing() {
			return nil
		}
		rf.Refresh(ctx)
	}
}

// Refresh runs one cycle now. Concurrent calls do not overlap: the loser
// returns a skipped cycle.
func (rf *Refresher) Refresh(ctx context.Context) Cycle {
	c := rf.refresh(ctx)
	rf.mu.Lock()
	rf.last = &c
	rf.mu.Unlock()
	if rf.onCycle != nil {
		rf.onCycle(c)
	}
	return c
}

func (rf *Refresher) refresh(ctx context.Context) Cycle {
	c := Cycle{At: time.Now()}

	if !rf.settings.RDS.Enabled {
		return rf.skip(c, ReasonDisabled)
	}
	if rf.closing() || ctx.Err() != nil {
		return rf.skip(c, ReasonClosing)
	}
	freq, gain, ok := rf.tuning()
	if !ok {
		return rf.skip(c, ReasonUntuned)
	}
	c.Freq = freq
	// Recording suppresses refresh even though the lease check below would
	// also see the device held.
	if rf.arb.Recording() {
		return rf.skip(c, ReasonRecording)
	}
	if rf.arb.Holder() == arbiter.HolderPlayback {
		return rf.skip(c, ReasonPlaying)
	}
	if !rf.inFlight.CompareAndSwap(false, true) {
		return rf.skip(c, ReasonInFlight)
	}
	defer rf.inFlight.Store(false)

	lease, err := rf.arb.Acquire(arbiter.HolderRefresh)
	if err != nil {
		if errors.IsDeviceBusy(err) {
			return rf.skip(c, ReasonBusy)
		}
		return rf.fail(c, err)
	}
	defer func() {
		if relErr := rf.arb.Release(lease); relErr != nil {
			rf.log.Warn("release refresh lease", logger.Error(relErr))
		}
	}()

	start := time.Now()
	rf.launches.Add(1)
	res, err := rf.capturer.Capture(ctx, freq, gain, rf.window)
	rf.metrics.RecordDuration(metrics.OpRefreshCycle, time.Since(start).Seconds())
	if err != nil {
		return rf.fail(c, err)
	}
	if res.Canceled {
		c.Outcome = OutcomeCanceled
		rf.metrics.RecordOperation(metrics.OpRefreshCycle, metrics.StatusCanceled)
		return c
	}

	updates := res.Interesting()
	if len(updates) == 0 {
		c.Outcome = OutcomeEmpty
		rf.metrics.RecordOperation(metrics.OpRefreshCycle, metrics.StatusTimeout)
		rf.log.Debug("no metadata this cycle", logger.Float64("freq_mhz", freq), logger.Int("lines", res.Lines))
		return c
	}

	st, err := rf.merger.MergeAll(freq, updates)
	if err != nil {
		return rf.fail(c, err)
	}
	c.Outcome = OutcomeMerged
	c.Station = &st
	rf.metrics.RecordOperation(metrics.OpRefreshCycle, metrics.StatusSuccess)
	rf.log.Info("station metadata refreshed",
		logger.String("station", st.DisplayName()),
		logger.Int("records", len(updates)))
	return c
}

func (rf *Refresher) skip(c Cycle, reason string) Cycle {
	c.Outcome = OutcomeSkipped
	c.Reason = reason
	rf.metrics.RecordOperation(metrics.OpRefreshCycle, metrics.StatusSkipped)
	rf.log.Trace("refresh skipped", logger.String("reason", reason))
	return c
}

func (rf *Refresher) fail(c Cycle, err error) Cycle {
	c.Outcome = OutcomeFailed
	c.Err = err
	rf.metrics.RecordOperation(metrics.OpRefreshCycle, metrics.StatusError)
	if errors.IsDependencyMissing(err) {
		rf.log.Warn("metadata refresh unavailable", logger.Error(err))
	} else {
		rf.log.Error("metadata refresh failed", logger.Error(err))
	}
	return c
}
