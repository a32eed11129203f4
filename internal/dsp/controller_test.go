//go:build !windows

package dsp

import (
	"io"
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/radiords/radiords/internal/arbiter"
	"github.com/radiords/radiords/internal/conf"
	"github.com/radiords/radiords/internal/errors"
	"github.com/radiords/radiords/internal/observability/metrics"
	"github.com/radiords/radiords/internal/preflight"
	"github.com/radiords/radiords/internal/supervisor"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fixture struct {
	ctrl *Controller
	arb  *arbiter.Arbiter
	sup  *supervisor.Supervisor
	rec  *metrics.TestRecorder
}

func newFixture(t *testing.T, command string, opts ...preflight.Option) *fixture {
	t.Helper()
	settings := conf.NewTestSettings().WithDSPCommand(command, "sh").Build()
	rec := metrics.NewTestRecorder()
	sup := supervisor.New(supervisor.WithTimeouts(200*time.Millisecond, 200*time.Millisecond))
	arb := arbiter.New()
	ctrl := NewController(sup, arb, preflight.NewChecker(time.Minute, opts...), settings, WithMetrics(rec))
	return &fixture{ctrl: ctrl, arb: arb, sup: sup, rec: rec}
}

func TestStartProducesStream(t *testing.T) {
	t.Parallel()

	f := newFixture(t, "printf 'pcmdata'")
	sess, err := f.ctrl.Start(98.5, 60)
	require.NoError(t, err)

	assert.Equal(t, StateRunning, f.ctrl.State())
	assert.Equal(t, conf.MaxGainDB, sess.Gain, "gain is clamped")
	assert.Equal(t, arbiter.HolderPlayback, f.arb.Holder())

	out, err := io.ReadAll(sess.Stdout())
	require.NoError(t, err)
	assert.Equal(t, "pcmdata", string(out))

	<-f.ctrl.Stop(true)
	assert.Equal(t, StateIdle, f.ctrl.State())
	assert.Equal(t, arbiter.HolderNone, f.arb.Holder())
	assert.True(t, sess.Lease().Released())
	assert.Equal(t, 1, f.rec.GetOperationCount(metrics.OpPipelineStart, metrics.StatusSuccess))
	assert.Equal(t, 1, f.rec.GetOperationCount(metrics.OpPipelineStop, metrics.StatusSuccess))
}

func TestStartMissingToolkitFailsFast(t *testing.T) {
	t.Parallel()

	f := newFixture(t, "sleep 30", preflight.WithLookPath(func(string) (string, error) {
		return "", exec.ErrNotFound
	}))

	_, err := f.ctrl.Start(98.5, 30)
	require.Error(t, err)
	assert.True(t, errors.IsDependencyMissing(err))
	assert.Equal(t, StateIdle, f.ctrl.State())
	assert.Equal(t, arbiter.HolderNone, f.arb.Holder(), "no lease taken")
	assert.Equal(t, 0, f.sup.Count(), "nothing spawned")
}

func TestStartDeniedWhileScanning(t *testing.T) {
	t.Parallel()

	f := newFixture(t, "sleep 30")
	require.NoError(t, f.arb.BeginScan())
	t.Cleanup(f.arb.EndScan)

	_, err := f.ctrl.Start(98.5, 30)
	require.Error(t, err)
	assert.True(t, errors.IsDeviceBusy(err))
	assert.Equal(t, StateIdle, f.ctrl.State())
	assert.Equal(t, 0, f.sup.Count())
	assert.Equal(t, 1, f.rec.GetOperationCount(metrics.OpPipelineStart, metrics.StatusDenied))
}

func TestStartWhileRunningIsRejected(t *testing.T) {
	t.Parallel()

	f := newFixture(t, "sleep 30")
	_, err := f.ctrl.Start(98.5, 30)
	require.NoError(t, err)
	t.Cleanup(func() { <-f.ctrl.Stop(true) })

	_, err = f.ctrl.Start(101.1, 30)
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryState))
}

func TestNonBlockingStopHoldsLeaseUntilTeardown(t *testing.T) {
	t.Parallel()

	f := newFixture(t, "trap '' TERM; sleep 30")
	_, err := f.ctrl.Start(98.5, 30)
	require.NoError(t, err)
	// Let the shell install its trap before we signal it.
	time.Sleep(100 * time.Millisecond)

	start := time.Now()
	done := f.ctrl.Stop(false)
	assert.Less(t, time.Since(start), 50*time.Millisecond, "stop must not block the caller")
	assert.Equal(t, StateStopping, f.ctrl.State())

	_, err = f.ctrl.Start(101.1, 30)
	require.Error(t, err)
	assert.True(t, errors.IsDeviceBusy(err), "start must not race a half-stopped pipeline")

	assert.Equal(t, done, f.ctrl.Stop(false), "second stop shares the teardown")

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("teardown did not finish")
	}
	assert.Equal(t, StateIdle, f.ctrl.State())
	assert.Equal(t, arbiter.HolderNone, f.arb.Holder())

	sess, err := f.ctrl.Start(101.1, 30)
	require.NoError(t, err)
	assert.InDelta(t, 101.1, sess.FreqMHz, 1e-9)
	<-f.ctrl.Stop(true)
}

func TestStopIdleIsNoop(t *testing.T) {
	t.Parallel()

	f := newFixture(t, "sleep 30")
	select {
	case <-f.ctrl.Stop(false):
	default:
		t.Fatal("stop on idle controller must return a closed channel")
	}
	assert.Empty(t, f.ctrl.History())
}

func TestHistoryRecordsCycle(t *testing.T) {
	t.Parallel()

	f := newFixture(t, "sleep 30")
	_, err := f.ctrl.Start(98.5, 30)
	require.NoError(t, err)
	<-f.ctrl.Stop(true)

	var got []State
	for _, tr := range f.ctrl.History() {
		got = append(got, tr.To)
	}
	assert.Equal(t, []State{StateStarting, StateRunning, StateStopping, StateIdle}, got)
}

func TestTransitionTable(t *testing.T) {
	t.Parallel()

	assert.True(t, isValidTransition(StateIdle, StateStarting))
	assert.True(t, isValidTransition(StateStarting, StateIdle))
	assert.False(t, isValidTransition(StateIdle, StateRunning))
	assert.False(t, isValidTransition(StateRunning, StateIdle), "running must pass through stopping")
	assert.False(t, isValidTransition(StateStopping, StateRunning))
}
