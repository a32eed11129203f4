package spectrum

import (
	"context"
	"encoding/binary"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/radiords/radiords/internal/conf"
	"github.com/radiords/radiords/internal/observability/metrics"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func rawParams() Params {
	return Params{
		SampleRate: 48000,
		YMin:       -120,
		YMax:       0,
		TimeAlpha:  1,
		FreqBins:   0,
		FPS:        100,
		CorrPoints: 256,
	}
}

// stereoSine builds FFTSize frames with a sine at bin k on each channel.
func stereoSine(k int, ampL, ampR float64) []byte {
	out := make([]byte, FFTSize*conf.BytesPerFrame)
	for i := range FFTSize {
		s := math.Sin(2 * math.Pi * float64(k) * float64(i) / FFTSize)
		binary.LittleEndian.PutUint16(out[i*4:], uint16(int16(s*ampL*32767)))
		binary.LittleEndian.PutUint16(out[i*4+2:], uint16(int16(s*ampR*32767)))
	}
	return out
}

func argmax(v []float64) int {
	best := 0
	for i := range v {
		if v[i] > v[best] {
			best = i
		}
	}
	return best
}

func TestProcessPeakAndScale(t *testing.T) {
	t.Parallel()

	a := New(rawParams())
	res := a.Process(stereoSine(64, 0.5, 0.25))

	require.Len(t, res.Left, FFTSize/2)
	assert.Equal(t, 64, argmax(res.Left))
	assert.InDelta(t, 3000.0, res.FreqHz[64], 1e-9)
	assert.InDelta(t, 20*math.Log10(0.5), res.Left[64], 0.1, "a half-scale sine reads -6 dBFS")
	assert.InDelta(t, 20*math.Log10(0.25), res.Right[64], 0.1)
	assert.InDelta(t, 6.02, res.BalanceDB, 0.05)
	assert.InDelta(t, 1.0, res.Correlation, 1e-3, "in-phase channels")
}

func TestProcessCorrelation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		ampL, ampR float64
		want       float64
	}{
		{"mono", 0.5, 0.5, 1},
		{"anti-phase", 0.5, -0.5, -1},
		{"right silent", 0.5, 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			res := New(rawParams()).Process(stereoSine(32, tt.ampL, tt.ampR))
			assert.InDelta(t, tt.want, res.Correlation, 1e-3)
		})
	}
}

func TestOutputIsClippedToRange(t *testing.T) {
	t.Parallel()

	p := rawParams()
	p.YMin, p.YMax = -60, 10
	a := New(p)
	res := a.Process(stereoSine(64, 0.5, 0))

	assert.Equal(t, 0.0, a.Params().YMax, "positive ceiling is capped at 0 dBFS")
	for _, v := range res.Right {
		assert.Equal(t, -60.0, v)
	}
	for _, v := range res.Left {
		assert.LessOrEqual(t, v, 0.0)
	}
}

func TestInvalidRangeFallsBackToDefaults(t *testing.T) {
	t.Parallel()

	p := rawParams()
	p.YMin, p.YMax = -10, -20
	a := New(p)
	assert.Equal(t, conf.DefaultYMinDBFS, a.Params().YMin)
	assert.Equal(t, conf.DefaultYMaxDBFS, a.Params().YMax)
}

func TestMaxHzLimitsBins(t *testing.T) {
	t.Parallel()

	p := rawParams()
	p.MaxHz = 3000
	res := New(p).Process(stereoSine(8, 0.5, 0.5))
	assert.Len(t, res.Left, 65)
	assert.InDelta(t, 3000.0, res.FreqHz[len(res.FreqHz)-1], 1e-9)
}

func TestTimeSmoothingConverges(t *testing.T) {
	t.Parallel()

	p := rawParams()
	p.TimeAlpha = 0.5
	a := New(p)
	frame := stereoSine(64, 0.5, 0.5)

	first := a.Process(frame).Left[64]
	second := a.Process(frame).Left[64]
	target := 20 * math.Log10(0.5)

	assert.Less(t, first, second, "approaches the steady value from the floor")
	assert.InDelta(t, (target+p.YMin)/2, first, 0.2)
	assert.Less(t, math.Abs(second-target), math.Abs(first-target))

	a.Reset()
	assert.InDelta(t, first, a.Process(frame).Left[64], 1e-9, "reset restarts from the floor")
}

func TestSmoothFreq(t *testing.T) {
	t.Parallel()

	v := []float64{0, 0, 4, 0, 0}
	smoothFreq(v, 1)
	assert.Equal(t, []float64{0, 1, 2, 1, 0}, v)

	w := []float64{0, 0, 4, 0, 0}
	smoothFreq(w, 0)
	assert.Equal(t, []float64{0, 0, 4, 0, 0}, w)
}

func TestCorrPointsSubsample(t *testing.T) {
	t.Parallel()

	p := rawParams()
	p.CorrPoints = 100
	res := New(p).Process(stereoSine(16, 0.5, 0.5))
	assert.Len(t, res.CorrX, 100)
	assert.Equal(t, res.CorrX, res.CorrY)
}

func TestFeedWaitsForFullFrame(t *testing.T) {
	t.Parallel()

	a := New(rawParams())
	frame := stereoSine(64, 0.5, 0.5)

	_, ok := a.Feed(frame[:len(frame)/2])
	assert.False(t, ok)
	assert.Nil(t, a.Latest())

	res, ok := a.Feed(frame[len(frame)/2:])
	require.True(t, ok)
	assert.Same(t, res, a.Latest())
	assert.Equal(t, uint64(1), res.Seq)
}

type fakeSource struct {
	mu    sync.Mutex
	data  []byte
	ready chan struct{}
}

func (f *fakeSource) Drain(maxBytes int) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := min(maxBytes, len(f.data))
	out := f.data[:n]
	f.data = f.data[n:]
	return out
}

func (f *fakeSource) Ready() <-chan struct{} { return f.ready }

func (f *fakeSource) push(b []byte) {
	f.mu.Lock()
	f.data = append(f.data, b...)
	f.mu.Unlock()
	select {
	case f.ready <- struct{}{}:
	default:
	}
}

func TestRunPublishesWithoutConsumer(t *testing.T) {
	t.Parallel()

	rec := metrics.NewTestRecorder()
	a := New(rawParams(), WithMetrics(rec))
	src := &fakeSource{ready: make(chan struct{}, 1)}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx, src) }()

	for i := range 3 {
		src.push(stereoSine(64, 0.5, 0.5))
		require.Eventually(t, func() bool {
			r := a.Latest()
			return r != nil && r.Seq >= uint64(i+1)
		}, 2*time.Second, 5*time.Millisecond)
	}
	select {
	case <-a.Updates():
	default:
		t.Fatal("expected a pending update signal")
	}

	cancel()
	require.NoError(t, <-done)
	assert.GreaterOrEqual(t, rec.GetOperationCount(metrics.OpSpectrumFrame, metrics.StatusSuccess), 3)
}

func TestParamsFromSettings(t *testing.T) {
	t.Parallel()

	p := ParamsFromSettings(conf.NewTestSettings().Build())
	assert.Equal(t, conf.DefaultAudioRateHz, p.SampleRate)
	assert.Equal(t, 66, p.FPS)
	assert.Equal(t, time.Second/66, p.Interval())
}
