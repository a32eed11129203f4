// Package rds runs the metadata decoder pipeline for a bounded window and
// turns its line-delimited JSON output into station updates.
package rds

import (
	"bufio"
	"context"
	"sync"
	"time"

	"github.com/radiords/radiords/internal/conf"
	"github.com/radiords/radiords/internal/errors"
	"github.com/radiords/radiords/internal/logger"
	"github.com/radiords/radiords/internal/observability/metrics"
	"github.com/radiords/radiords/internal/preflight"
	"github.com/radiords/radiords/internal/station"
	"github.com/radiords/radiords/internal/supervisor"
)

const (
	// DefaultCaptureWindow bounds one refresh capture.
	DefaultCaptureWindow = 10 * time.Second
	// DefaultScanWindow bounds one scan-step capture.
	DefaultScanWindow = 5 * time.Second

	maxLineBytes = 64 * 1024
)

// GetLogger returns the rds module logger.
func GetLogger() logger.Logger {
	return logger.Global().Module("rds")
}

// Result is what one capture produced.
type Result struct {
	Freq      float64
	Updates   []*station.Update
	Lines     int
	Malformed int
	TimedOut  bool // the window elapsed before the decoder exited
	Canceled  bool
	Elapsed   time.Duration
	ExitErr   error  // set when the decoder exited on its own with an error
	Stderr    string // decoder stderr tail, for diagnostics
}

// Interesting returns only the updates worth merging.
func (r *Result) Interesting() []*station.Update {
	var out []*station.Update
	for _, u := range r.Updates {
		if u.Interesting() {
			out = append(out, u)
		}
	}
	return out
}

// PS returns the last non-empty programme service name seen, if any.
func (r *Result) PS() (string, bool) {
	for i := len(r.Updates) - 1; i >= 0; i-- {
		if ps := r.Updates[i].PS; ps != nil && *ps != "" {
			return *ps, true
		}
	}
	return "", false
}

// Decoder spawns the decoder pipeline through the supervisor.
type Decoder struct {
	sup      *supervisor.Supervisor
	settings *conf.Settings
	checker  *preflight.Checker
	metrics  metrics.Recorder
	log      logger.Logger
}

// Option configures a Decoder.
type Option func(*Decoder)

// WithMetrics sets the metrics recorder.
func WithMetrics(r metrics.Recorder) Option {
	return func(d *Decoder) { d.metrics = metrics.OrNoOp(r) }
}

// NewDecoder creates a Decoder.
func NewDecoder(sup *supervisor.Supervisor, settings *conf.Settings, checker *preflight.Checker, opts ...Option) *Decoder {
	d := &Decoder{
		sup:      sup,
		settings: settings,
		checker:  checker,
		metrics:  metrics.NewNoOpRecorder(),
		log:      GetLogger(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// CommandLine returns the decoder pipeline for freqMHz.
func (d *Decoder) CommandLine(freqMHz, gain float64) string {
	return conf.ExpandCommand(d.settings.RDS.DecoderCommand, d.settings.DecoderCommandVars(freqMHz, gain))
}

// Capture runs the decoder at freqMHz until window elapses, the decoder
// exits or ctx is done, then terminates it unconditionally. An empty window
// is not an error. The caller must hold the device lease.
func (d *Decoder) Capture(ctx context.Context, freqMHz, gain float64, window time.Duration) (Result, error) {
	if window <= 0 {
		window = DefaultCaptureWindow
	}
	res := Result{Freq: freqMHz}
	cmdline := d.CommandLine(freqMHz, gain)

	if err := d.checker.Require(preflight.CommandBinaries(cmdline)...); err != nil {
		d.metrics.RecordOperation(metrics.OpRDSCapture, metrics.StatusError)
		d.metrics.RecordError(metrics.OpRDSCapture, string(errors.CategoryDependencyMissing))
		return res, err
	}

	start := time.Now()
	h, err := d.sup.Spawn(supervisor.Shell("rds", cmdline).WithStdout())
	if err != nil {
		d.metrics.RecordOperation(metrics.OpRDSCapture, metrics.StatusError)
		return res, err
	}

	lines := make(chan []byte)
	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Go(func() {
		defer close(lines)
		sc := bufio.NewScanner(h.Stdout())
		sc.Buffer(make([]byte, 0, 4096), maxLineBytes)
		for sc.Scan() {
			line := append([]byte(nil), sc.Bytes()...)
			select {
			case lines <- line:
			case <-stop:
				return
			}
		}
	})

	timer := time.NewTimer(window)
	defer timer.Stop()

read:
	for {
		select {
		case line, ok := <-lines:
			if !ok {
				break read
			}
			d.consume(&res, line)
		case <-timer.C:
			res.TimedOut = true
			break read
		case <-ctx.Done():
			res.Canceled = true
			break read
		}
	}

	close(stop)
	d.sup.Terminate(h)
	wg.Wait()

	if !res.TimedOut && !res.Canceled && !h.Forced() {
		res.ExitErr = h.ExitErr()
	}
	res.Stderr = h.StderrTail()
	res.Elapsed = time.Since(start)
	d.record(&res)
	return res, nil
}

func (d *Decoder) consume(res *Result, line []byte) {
	if len(line) == 0 {
		return
	}
	res.Lines++
	u, err := ParseLine(line)
	if err != nil {
		res.Malformed++
		return
	}
	res.Updates = append(res.Updates, u)
}

func (d *Decoder) record(res *Result) {
	log := d.log.With(
		logger.Float64("freq_mhz", res.Freq),
		logger.Int("lines", res.Lines),
		logger.Int("updates", len(res.Updates)),
		logger.Duration("elapsed", res.Elapsed))

	status := metrics.StatusSuccess
	switch {
	case res.Canceled:
		status = metrics.StatusCanceled
	case len(res.Updates) == 0:
		// No data inside the window means no update this cycle.
		status = metrics.StatusTimeout
		d.metrics.RecordError(metrics.OpRDSCapture, string(errors.CategoryMetadataTimeout))
	}
	d.metrics.RecordOperation(metrics.OpRDSCapture, status)
	d.metrics.RecordDuration(metrics.OpRDSCapture, res.Elapsed.Seconds())

	if res.ExitErr != nil && res.Lines == 0 {
		log.Warn("decoder exited without output",
			logger.Error(res.ExitErr),
			logger.String("stderr", res.Stderr))
		return
	}
	if res.Malformed > 0 {
		log.Debug("skipped malformed decoder lines", logger.Int("malformed", res.Malformed))
	}
	log.Debug("rds capture finished", logger.String("status", status))
}
