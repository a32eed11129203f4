//go:build !windows

package supervisor

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/radiords/radiords/internal/errors"
	"github.com/radiords/radiords/internal/observability/metrics"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newTestSupervisor(rec metrics.Recorder) *Supervisor {
	return New(WithTimeouts(200*time.Millisecond, 200*time.Millisecond), WithMetrics(rec))
}

func TestSpawnReadsStdout(t *testing.T) {
	t.Parallel()

	s := newTestSupervisor(nil)
	h, err := s.Spawn(Shell("echo", "printf 'hello'").WithStdout())
	require.NoError(t, err)
	t.Cleanup(func() { s.Terminate(h) })

	assert.Positive(t, h.PID())
	assert.Equal(t, h.PID(), h.PGID(), "child must lead its own group")

	out, err := io.ReadAll(h.Stdout())
	require.NoError(t, err)
	assert.Equal(t, "hello", string(out))

	<-h.Exited()
	assert.False(t, h.Live())
	assert.NoError(t, h.ExitErr())
}

func TestSpawnStdinToStdout(t *testing.T) {
	t.Parallel()

	s := newTestSupervisor(nil)
	h, err := s.Spawn(Shell("cat", "cat").WithStdin().WithStdout())
	require.NoError(t, err)

	_, err = h.Stdin().Write([]byte("pcm"))
	require.NoError(t, err)
	require.NoError(t, h.CloseStdin())
	require.NoError(t, h.CloseStdin(), "second close is a no-op")

	out, err := io.ReadAll(h.Stdout())
	require.NoError(t, err)
	assert.Equal(t, "pcm", string(out))

	s.Terminate(h)
	assert.Equal(t, 0, s.Count())
}

func TestSpawnFailureIsCategorized(t *testing.T) {
	t.Parallel()

	rec := metrics.NewTestRecorder()
	s := newTestSupervisor(rec)
	_, err := s.Spawn(Spec{Name: "missing", Path: "/nonexistent/radiords-binary"})
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryPipelineSpawn))
	assert.Equal(t, 1, rec.GetOperationCount(metrics.OpSpawn, metrics.StatusError))
	assert.Equal(t, 0, s.Count())
}

func TestTerminateGraceful(t *testing.T) {
	t.Parallel()

	rec := metrics.NewTestRecorder()
	s := newTestSupervisor(rec)
	h, err := s.Spawn(Shell("sleeper", "sleep 30").WithStdout())
	require.NoError(t, err)
	require.True(t, h.Live())

	start := time.Now()
	s.Terminate(h)

	assert.Less(t, time.Since(start), time.Second)
	assert.False(t, h.Live())
	assert.False(t, h.Forced())
	assert.Equal(t, 1, rec.GetOperationCount(metrics.OpTerminate, metrics.StatusSuccess))

	// Idempotent.
	s.Terminate(h)
	assert.Equal(t, 1, rec.GetOperationCount(metrics.OpTerminate, metrics.StatusSuccess))
}

func TestTerminateEscalatesToKill(t *testing.T) {
	t.Parallel()

	rec := metrics.NewTestRecorder()
	s := newTestSupervisor(rec)
	h, err := s.Spawn(Shell("stubborn", "trap '' TERM; sleep 30"))
	require.NoError(t, err)

	// Give the shell time to install the trap.
	time.Sleep(100 * time.Millisecond)
	s.Terminate(h)

	assert.True(t, h.Forced())
	assert.Equal(t, 1, rec.GetOperationCount(metrics.OpTerminate, metrics.StatusForced))
	assert.Equal(t, 1, rec.GetErrorCount(metrics.OpTerminate, string(errors.CategoryTerminationTimeout)))
	select {
	case <-h.Exited():
	case <-time.After(2 * time.Second):
		t.Fatal("leader was not reaped")
	}
}

func TestTerminateKillsWholeGroup(t *testing.T) {
	t.Parallel()

	s := newTestSupervisor(nil)
	// The shell forks a pipeline; both members must go with the group.
	h, err := s.Spawn(Shell("pipeline", "sleep 30 | sleep 30").WithStdout())
	require.NoError(t, err)

	s.Terminate(h)
	assert.False(t, groupAlive(h))
}

func TestTerminateAsyncDoesNotBlock(t *testing.T) {
	t.Parallel()

	s := New(WithTimeouts(300*time.Millisecond, 200*time.Millisecond))
	h, err := s.Spawn(Shell("stubborn", "trap '' TERM; sleep 30"))
	require.NoError(t, err)
	time.Sleep(100 * time.Millisecond)

	start := time.Now()
	done := s.TerminateAsync(h)
	assert.Less(t, time.Since(start), 200*time.Millisecond)

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("async termination did not finish")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.Join(ctx))
}

func TestTerminateAllSweepsTrackedPipelines(t *testing.T) {
	t.Parallel()

	gauge := make(chan int, 16)
	s := New(WithTimeouts(200*time.Millisecond, 200*time.Millisecond), WithLiveGauge(func(n int) { gauge <- n }))
	for range 3 {
		_, err := s.Spawn(Shell("sleeper", "sleep 30"))
		require.NoError(t, err)
	}
	assert.Equal(t, 3, s.Count())
	assert.Len(t, s.Stats(), 3)

	assert.Equal(t, 3, s.TerminateAll())

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(t, s.Join(ctx))
	assert.Equal(t, 0, s.Count())
}

func TestGoRecoversPanics(t *testing.T) {
	t.Parallel()

	s := New()
	s.Go("boom", func() { panic("boom") })

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.Join(ctx))
}

func TestTailBuffer(t *testing.T) {
	t.Parallel()

	tb := newTailBuffer(8)
	_, _ = tb.Write([]byte("abcdef"))
	_, _ = tb.Write([]byte("ghij"))
	assert.Equal(t, "cdefghij", tb.String())
	_, _ = tb.Write([]byte("0123456789"))
	assert.Equal(t, "23456789", tb.String())
}

func TestStderrTailCaptured(t *testing.T) {
	t.Parallel()

	s := newTestSupervisor(nil)
	h, err := s.Spawn(Shell("noisy", "echo 'usb_claim_interface error -6' >&2"))
	require.NoError(t, err)
	<-h.Exited()
	s.Terminate(h)
	assert.Contains(t, h.StderrTail(), "usb_claim_interface")
}
