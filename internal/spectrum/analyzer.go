// Package spectrum turns buffered stereo PCM into per-channel dBFS spectra
// and a stereo correlation figure, published through a single latest slot.
package spectrum

import (
	"context"
	"encoding/binary"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"gonum.org/v1/gonum/dsp/fourier"
	"gonum.org/v1/gonum/dsp/window"
	"gonum.org/v1/gonum/floats"

	"github.com/radiords/radiords/internal/conf"
	"github.com/radiords/radiords/internal/logger"
	"github.com/radiords/radiords/internal/observability/metrics"
)

const (
	// FFTSize is the transform length in frames.
	FFTSize = 1024

	frameBytes  = FFTSize * conf.BytesPerFrame
	fullScale   = 32768.0
	tiny        = 1e-12
	silentRMS   = 1e-6
	minInterval = 5 * time.Millisecond
)

// GetLogger returns the spectrum module logger.
func GetLogger() logger.Logger {
	return logger.Global().Module("spectrum")
}

// Source is where PCM comes from; router.Buffer satisfies it.
type Source interface {
	Drain(maxBytes int) []byte
	Ready() <-chan struct{}
}

// Params tunes the analyzer.
type Params struct {
	SampleRate     int
	MaxHz          int
	YMin           float64
	YMax           float64
	TimeAlpha      float64 // weight of the newest frame, 0..1
	FreqBins       int     // passes of the 1-2-1 smoothing kernel
	FPS            int
	CorrPoints     int
	CorrPointAlpha float64
}

// ParamsFromSettings reads the spectrum and audio groups.
func ParamsFromSettings(s *conf.Settings) Params {
	return Params{
		SampleRate:     s.Audio.AudioRateHz,
		MaxHz:          s.Spectrum.MaxHz,
		YMin:           s.Spectrum.YMinDBFS,
		YMax:           s.Spectrum.YMaxDBFS,
		TimeAlpha:      s.Spectrum.TimeSmoothingAlpha,
		FreqBins:       s.Spectrum.FreqSmoothingBins,
		FPS:            s.Spectrum.FPS,
		CorrPoints:     s.Spectrum.CorrPoints,
		CorrPointAlpha: s.Spectrum.CorrPointAlpha,
	}
}

// Interval is the time between analysis cycles.
func (p Params) Interval() time.Duration {
	return max(minInterval, time.Second/time.Duration(max(1, p.FPS)))
}

// Result is one published frame.
type Result struct {
	Seq         uint64    `json:"seq"`
	At          time.Time `json:"at"`
	FreqHz      []float64 `json:"freq_hz"`
	Left        []float64 `json:"left_dbfs"`
	Right       []float64 `json:"right_dbfs"`
	CorrX       []float64 `json:"corr_x"`
	CorrY       []float64 `json:"corr_y"`
	Correlation float64   `json:"correlation"`
	BalanceDB   float64   `json:"balance_db"`
	PointAlpha  float64   `json:"point_alpha"`
	YMin        float64   `json:"ymin_dbfs"`
	YMax        float64   `json:"ymax_dbfs"`
}

// Analyzer computes spectra. Process is not safe for concurrent use; Run
// owns it while running. Latest may be called from anywhere.
type Analyzer struct {
	params  Params
	fft     *fourier.FFT
	window  []float64
	ref     float64 // |X| of a full-scale sine after windowing
	nBins   int
	freqs   []float64
	metrics metrics.Recorder
	log     logger.Logger

	// scratch, reused every cycle
	left, right []float64
	coeff       []complex128
	pending     []byte

	smoothMu sync.Mutex
	smoothL  []float64
	smoothR  []float64

	seq     atomic.Uint64
	latest  atomic.Pointer[Result]
	updates chan struct{}
}

// Option configures an Analyzer.
type Option func(*Analyzer)

// WithMetrics sets the metrics recorder.
func WithMetrics(r metrics.Recorder) Option {
	return func(a *Analyzer) { a.metrics = metrics.OrNoOp(r) }
}

// New creates an Analyzer.
func New(p Params, opts ...Option) *Analyzer {
	if p.SampleRate <= 0 {
		p.SampleRate = conf.DefaultAudioRateHz
	}
	if p.YMax <= p.YMin {
		p.YMin, p.YMax = conf.DefaultYMinDBFS, conf.DefaultYMaxDBFS
	}
	p.YMax = min(p.YMax, 0)
	p.TimeAlpha = math.Max(0, math.Min(1, p.TimeAlpha))
	p.CorrPoints = max(1, p.CorrPoints)

	win := make([]float64, FFTSize)
	for i := range win {
		win[i] = 1
	}
	window.Blackman(win)
	coherentGain := floats.Sum(win) / FFTSize

	a := &Analyzer{
		params:  p,
		fft:     fourier.NewFFT(FFTSize),
		window:  win,
		ref:     coherentGain * FFTSize / 2,
		metrics: metrics.NewNoOpRecorder(),
		log:     GetLogger(),
		left:    make([]float64, FFTSize),
		right:   make([]float64, FFTSize),
		coeff:   make([]complex128, FFTSize/2+1),
		updates: make(chan struct{}, 1),
	}
	a.nBins = a.binCount()
	a.freqs = make([]float64, a.nBins)
	for k := range a.freqs {
		a.freqs[k] = float64(k) * float64(p.SampleRate) / FFTSize
	}
	for _, opt := range opts {
		opt(a)
	}
	a.Reset()
	return a
}

// binCount keeps bins below Nyquist and at or under MaxHz.
func (a *Analyzer) binCount() int {
	n := FFTSize / 2
	if a.params.MaxHz > 0 {
		resolution := float64(a.params.SampleRate) / FFTSize
		n = min(n, int(float64(a.params.MaxHz)/resolution)+1)
	}
	return max(1, n)
}

// Params returns the effective parameters.
func (a *Analyzer) Params() Params { return a.params }

// Reset restarts time smoothing from the floor.
func (a *Analyzer) Reset() {
	a.smoothMu.Lock()
	defer a.smoothMu.Unlock()
	a.smoothL = filled(FFTSize/2, a.params.YMin)
	a.smoothR = filled(FFTSize/2, a.params.YMin)
}

// Latest returns the newest result or nil. It never blocks.
func (a *Analyzer) Latest() *Result { return a.latest.Load() }

// Updates receives a value when a new result is published. Signals coalesce.
func (a *Analyzer) Updates() <-chan struct{} { return a.updates }

// Run analyzes src at the configured rate until ctx is done.
func (a *Analyzer) Run(ctx context.Context, src Source) error {
	ticker := time.NewTicker(a.params.Interval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		if _, ok := a.Feed(src.Drain(1 << 20)); ok {
			continue
		}
		// Not enough audio yet; sleep until the router pushes more.
		select {
		case <-ctx.Done():
			return nil
		case <-src.Ready():
		}
	}
}

// Feed appends pcm to the pending samples and, once a full transform fits,
// analyzes the newest FFTSize frames and publishes the result.
func (a *Analyzer) Feed(pcm []byte) (*Result, bool) {
	a.pending = append(a.pending, pcm...)
	if len(a.pending) < frameBytes {
		return nil, false
	}
	frame := a.pending[len(a.pending)-frameBytes:]
	res := a.Process(frame)
	a.pending = a.pending[:0]
	return res, true
}

// Process analyzes exactly one FFTSize frame block of interleaved S16LE
// stereo and publishes the result.
func (a *Analyzer) Process(frame []byte) *Result {
	start := time.Now()
	a.decode(frame)

	// Remove DC so it does not dominate bin 0 or the correlation.
	floats.AddConst(-floats.Sum(a.left)/FFTSize, a.left)
	floats.AddConst(-floats.Sum(a.right)/FFTSize, a.right)

	rmsL := math.Sqrt(floats.Dot(a.left, a.left)/FFTSize + tiny)
	rmsR := math.Sqrt(floats.Dot(a.right, a.right)/FFTSize + tiny)
	corr := 0.0
	if rmsL >= silentRMS && rmsR >= silentRMS {
		corr = math.Max(-1, math.Min(1, floats.Dot(a.left, a.right)/FFTSize/(rmsL*rmsR)))
	}
	corrX, corrY := a.corrPoints()

	dbL := a.dbfs(a.left)
	dbR := a.dbfs(a.right)
	smoothFreq(dbL, a.params.FreqBins)
	smoothFreq(dbR, a.params.FreqBins)

	a.smoothMu.Lock()
	alpha := a.params.TimeAlpha
	for i := range dbL {
		a.smoothL[i] = alpha*dbL[i] + (1-alpha)*a.smoothL[i]
		a.smoothR[i] = alpha*dbR[i] + (1-alpha)*a.smoothR[i]
	}
	left := clipped(a.smoothL[:a.nBins], a.params.YMin, a.params.YMax)
	right := clipped(a.smoothR[:a.nBins], a.params.YMin, a.params.YMax)
	a.smoothMu.Unlock()

	res := &Result{
		Seq:         a.seq.Add(1),
		At:          time.Now(),
		FreqHz:      a.freqs,
		Left:        left,
		Right:       right,
		CorrX:       corrX,
		CorrY:       corrY,
		Correlation: corr,
		BalanceDB:   20 * math.Log10((rmsL+tiny)/(rmsR+tiny)),
		PointAlpha:  a.params.CorrPointAlpha,
		YMin:        a.params.YMin,
		YMax:        a.params.YMax,
	}
	a.latest.Store(res)
	select {
	case a.updates <- struct{}{}:
	default:
	}

	a.metrics.RecordOperation(metrics.OpSpectrumFrame, metrics.StatusSuccess)
	a.metrics.RecordDuration(metrics.OpSpectrumFrame, time.Since(start).Seconds())
	return res
}

func (a *Analyzer) decode(frame []byte) {
	for i := range FFTSize {
		off := i * conf.BytesPerFrame
		a.left[i] = float64(int16(binary.LittleEndian.Uint16(frame[off:]))) / fullScale
		a.right[i] = float64(int16(binary.LittleEndian.Uint16(frame[off+2:]))) / fullScale
	}
}

// dbfs windows x into scratch and returns FFTSize/2 magnitudes in dBFS.
func (a *Analyzer) dbfs(x []float64) []float64 {
	windowed := make([]float64, FFTSize)
	floats.MulTo(windowed, x, a.window)
	a.coeff = a.fft.Coefficients(a.coeff, windowed)

	out := make([]float64, FFTSize/2)
	for k := range out {
		mag := math.Hypot(real(a.coeff[k]), imag(a.coeff[k]))
		out[k] = 20 * math.Log10(mag/(a.ref+tiny)+tiny)
	}
	return out
}

// corrPoints subsamples the L/R pairs for the scatter plot.
func (a *Analyzer) corrPoints() ([]float64, []float64) {
	n := min(a.params.CorrPoints, FFTSize)
	step := max(1, FFTSize/n)
	xs := make([]float64, 0, n)
	ys := make([]float64, 0, n)
	for i := 0; i < FFTSize && len(xs) < n; i += step {
		xs = append(xs, a.left[i])
		ys = append(ys, a.right[i])
	}
	return xs, ys
}

// smoothFreq applies the 0.25/0.5/0.25 kernel passes times. End bins are kept.
func smoothFreq(v []float64, passes int) {
	if passes <= 0 || len(v) < 3 {
		return
	}
	prev := make([]float64, len(v))
	for range passes {
		copy(prev, v)
		for i := 1; i < len(v)-1; i++ {
			v[i] = 0.25*prev[i-1] + 0.5*prev[i] + 0.25*prev[i+1]
		}
	}
}

func clipped(v []float64, lo, hi float64) []float64 {
	out := make([]float64, len(v))
	for i, x := range v {
		out[i] = math.Max(lo, math.Min(hi, x))
	}
	return out
}

func filled(n int, v float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = v
	}
	return out
}
