package refresher

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/radiords/radiords/internal/arbiter"
	"github.com/radiords/radiords/internal/conf"
	"github.com/radiords/radiords/internal/errors"
	"github.com/radiords/radiords/internal/observability/metrics"
	"github.com/radiords/radiords/internal/rds"
	"github.com/radiords/radiords/internal/station"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func ptr[T any](v T) *T { return &v }

type fakeCapturer struct {
	calls   atomic.Int64
	block   chan struct{} // when set, Capture waits on it
	started chan struct{}
	result  rds.Result
	err     error
	holder  func() arbiter.Holder
	seen    []arbiter.Holder
	mu      sync.Mutex
}

func (f *fakeCapturer) Capture(ctx context.Context, freq, _ float64, _ time.Duration) (rds.Result, error) {
	f.calls.Add(1)
	if f.holder != nil {
		f.mu.Lock()
		f.seen = append(f.seen, f.holder())
		f.mu.Unlock()
	}
	if f.started != nil {
		f.started <- struct{}{}
	}
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return rds.Result{Freq: freq, Canceled: true}, nil
		}
	}
	res := f.result
	res.Freq = freq
	return res, f.err
}

func tuned(freq float64) Tuning {
	return func() (float64, float64, bool) { return freq, 30, true }
}

type fixture struct {
	rf  *Refresher
	arb *arbiter.Arbiter
	db  *station.Database
	cap *fakeCapturer
	rec *metrics.TestRecorder
}

func newFixture(t *testing.T, enabled bool, tuning Tuning, opts ...Option) *fixture {
	t.Helper()
	db, err := station.Open(filepath.Join(t.TempDir(), "stations.json"))
	require.NoError(t, err)
	settings := conf.NewTestSettings().WithRDS(enabled, 30, 10).Build()
	arb := arbiter.New()
	capt := &fakeCapturer{
		result: rds.Result{Updates: []*station.Update{{PS: ptr("YLE X3M")}, {RadioText: ptr("Now live")}}},
	}
	capt.holder = arb.Holder
	rec := metrics.NewTestRecorder()
	rf := New(arb, capt, db, tuning, settings, append([]Option{WithMetrics(rec)}, opts...)...)
	return &fixture{rf: rf, arb: arb, db: db, cap: capt, rec: rec}
}

func TestRefreshMergesAtTunedFrequency(t *testing.T) {
	t.Parallel()

	f := newFixture(t, true, tuned(98.5))
	c := f.rf.Refresh(context.Background())

	require.Equal(t, OutcomeMerged, c.Outcome)
	require.NotNil(t, c.Station)
	assert.Equal(t, "YLE X3M", *c.Station.PS)

	st, ok := f.db.Get(98.5)
	require.True(t, ok)
	assert.Equal(t, "Now live", *st.RadioText)

	assert.Equal(t, []arbiter.Holder{arbiter.HolderRefresh}, f.cap.seen, "capture runs under a refresh lease")
	assert.Equal(t, arbiter.HolderNone, f.arb.Holder(), "lease released after the cycle")
	assert.Equal(t, 1, f.rec.GetOperationCount(metrics.OpRefreshCycle, metrics.StatusSuccess))
	assert.Same(t, f.rf.Last().Station, c.Station)
}

func TestRefreshSkips(t *testing.T) {
	t.Parallel()

	untuned := func() (float64, float64, bool) { return 0, 0, false }

	tests := []struct {
		name    string
		enabled bool
		tuning  Tuning
		setup   func(t *testing.T, f *fixture) func()
		opts    []Option
		reason  string
	}{
		{name: "disabled", enabled: false, tuning: tuned(98.5), reason: ReasonDisabled},
		{name: "untuned", enabled: true, tuning: untuned, reason: ReasonUntuned},
		{
			name: "closing", enabled: true, tuning: tuned(98.5), reason: ReasonClosing,
			opts: []Option{WithClosing(func() bool { return true })},
		},
		{
			name: "recording", enabled: true, tuning: tuned(98.5), reason: ReasonRecording,
			setup: func(t *testing.T, f *fixture) func() { f.arb.SetRecording(true); return func() {} },
		},
		{
			name: "playback holds device", enabled: true, tuning: tuned(98.5), reason: ReasonPlaying,
			setup: func(t *testing.T, f *fixture) func() {
				lease, err := f.arb.Acquire(arbiter.HolderPlayback)
				require.NoError(t, err)
				return func() { require.NoError(t, f.arb.Release(lease)) }
			},
		},
		{
			name: "scanning", enabled: true, tuning: tuned(98.5), reason: ReasonBusy,
			setup: func(t *testing.T, f *fixture) func() {
				require.NoError(t, f.arb.BeginScan())
				return f.arb.EndScan
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t, tt.enabled, tt.tuning, tt.opts...)
			if tt.setup != nil {
				defer tt.setup(t, f)()
			}
			c := f.rf.Refresh(context.Background())
			assert.Equal(t, OutcomeSkipped, c.Outcome)
			assert.Equal(t, tt.reason, c.Reason)
			assert.Zero(t, f.cap.calls.Load(), "no decoder launched")
			assert.Zero(t, f.db.Len())
		})
	}
}

func TestNoLaunchesWhileRecording(t *testing.T) {
	t.Parallel()

	f := newFixture(t, true, tuned(98.5), WithInterval(10*time.Millisecond))
	f.arb.SetRecording(true)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.rf.Run(ctx) }()

	require.Eventually(t, func() bool {
		return f.rec.GetOperationCount(metrics.OpRefreshCycle, metrics.StatusSkipped) >= 5
	}, 2*time.Second, 5*time.Millisecond)
	assert.Zero(t, f.rf.Launches())

	f.arb.SetRecording(false)
	require.Eventually(t, func() bool { return f.rf.Launches() > 0 }, 2*time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}

func TestSingleInFlight(t *testing.T) {
	t.Parallel()

	f := newFixture(t, true, tuned(98.5))
	f.cap.block = make(chan struct{})
	f.cap.started = make(chan struct{}, 1)

	first := make(chan Cycle, 1)
	go func() { first <- f.rf.Refresh(context.Background()) }()
	<-f.cap.started

	c := f.rf.Refresh(context.Background())
	assert.Equal(t, OutcomeSkipped, c.Outcome)
	assert.Equal(t, ReasonInFlight, c.Reason)

	close(f.cap.block)
	assert.Equal(t, OutcomeMerged, (<-first).Outcome)
	assert.Equal(t, int64(1), f.cap.calls.Load())
}

func TestEmptyCaptureIsNotAnError(t *testing.T) {
	t.Parallel()

	f := newFixture(t, true, tuned(98.5))
	f.cap.result = rds.Result{TimedOut: true, Updates: []*station.Update{{}}}

	c := f.rf.Refresh(context.Background())
	assert.Equal(t, OutcomeEmpty, c.Outcome)
	require.NoError(t, c.Err)
	assert.Zero(t, f.db.Len())
	assert.Equal(t, 1, f.rec.GetOperationCount(metrics.OpRefreshCycle, metrics.StatusTimeout))
}

func TestCaptureFailure(t *testing.T) {
	t.Parallel()

	f := newFixture(t, true, tuned(98.5))
	f.cap.err = errors.Newf("redsea not found").
		Component("rds").
		Category(errors.CategoryDependencyMissing).
		Build()

	c := f.rf.Refresh(context.Background())
	assert.Equal(t, OutcomeFailed, c.Outcome)
	assert.True(t, errors.IsDependencyMissing(c.Err))
	assert.Equal(t, arbiter.HolderNone, f.arb.Holder())
}

func TestRunStopsOnCancelMidCapture(t *testing.T) {
	t.Parallel()

	var cycles []Cycle
	var mu sync.Mutex
	f := newFixture(t, true, tuned(98.5),
		WithInterval(5*time.Millisecond),
		WithCycleHook(func(c Cycle) { mu.Lock(); cycles = append(cycles, c); mu.Unlock() }))
	f.cap.block = make(chan struct{})
	f.cap.started = make(chan struct{}, 1)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.rf.Run(ctx) }()

	<-f.cap.started
	cancel()
	require.NoError(t, <-done)

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, cycles)
	assert.Equal(t, OutcomeCanceled, cycles[len(cycles)-1].Outcome)
	assert.Equal(t, arbiter.HolderNone, f.arb.Holder())
}
