//go:build !windows

package app

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/radiords/radiords/internal/buildinfo"
	"github.com/radiords/radiords/internal/conf"
	"github.com/radiords/radiords/internal/arbiter"
	"github.com/radiords/radiords/internal/events"
	"github.com/radiords/radiords/internal/refresher"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type kindRecorder struct {
	mu    sync.Mutex
	kinds []events.Kind
}

func (k *kindRecorder) Name() string { return "test" }

func (k *kindRecorder) ProcessMessage(msg events.Message) error {
	k.mu.Lock()
	k.kinds = append(k.kinds, msg.Kind)
	k.mu.Unlock()
	return nil
}

func (k *kindRecorder) seen(kind events.Kind) bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	for _, got := range k.kinds {
		if got == kind {
			return true
		}
	}
	return false
}

func testSettings(t *testing.T, decoder string) *conf.Settings {
	t.Helper()
	dir := t.TempDir()
	s := conf.NewTestSettings().
		WithBand(98000, 98400, 200).
		WithDecoderCommand(decoder).
		WithRDS(false, 60, 1).
		WithRecording(dir, "wav").
		WithStationsPath(filepath.Join(dir, "stations.json")).
		WithTermination(200*time.Millisecond, 200*time.Millisecond, time.Second).
		Build()
	s.RDS.ScanCaptureS = 2
	return s
}

func newRuntime(t *testing.T, settings *conf.Settings) *Runtime {
	t.Helper()
	r, err := New(settings, buildinfo.NewContext("test", ""))
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func TestScanMergesStationsAndAnnouncesReport(t *testing.T) {
	fixture, err := filepath.Abs(filepath.Join("..", "rds", "testdata", "redsea.jsonl"))
	require.NoError(t, err)

	settings := testSettings(t, "cat "+fixture)
	r := newRuntime(t, settings)
	rec := &kindRecorder{}
	require.NoError(t, r.Events.RegisterConsumer(rec))

	report, err := r.Scanner.Scan(context.Background())
	require.NoError(t, err)
	assert.Len(t, report.Visited, 3)
	assert.NotEmpty(t, report.Found)
	assert.Equal(t, len(report.Found), r.Stations.Len())

	require.Eventually(t, func() bool {
		return rec.seen(events.KindScanDone) && rec.seen(events.KindStation) && rec.seen(events.KindScanProgress)
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, r.Close())
	_, err = os.Stat(settings.Stations.Path)
	assert.NoError(t, err, "close saves the station database")
	assert.True(t, rec.seen(events.KindClose))
}

func TestScanFailureIsAnnounced(t *testing.T) {
	settings := testSettings(t, "no-such-decoder-binary --json")
	r := newRuntime(t, settings)
	rec := &kindRecorder{}
	require.NoError(t, r.Events.RegisterConsumer(rec))

	_, err := r.Scanner.Scan(context.Background())
	require.Error(t, err)
	require.Eventually(t, func() bool { return rec.seen(events.KindError) }, 2*time.Second, 10*time.Millisecond)
}

func TestRunClosesOnContextCancel(t *testing.T) {
	r := newRuntime(t, testSettings(t, "true"))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(CloseTimeout):
		t.Fatal("Run did not return after cancel")
	}

	assert.True(t, r.Session.Closing())
	assert.ErrorIs(t, r.Context().Err(), context.Canceled)
	select {
	case <-r.Coordinator.Completed():
	default:
		t.Fatal("teardown not completed")
	}
}

func TestShutdownThenCloseIsIdempotent(t *testing.T) {
	r := newRuntime(t, testSettings(t, "true"))
	r.Start()

	first := r.Shutdown()
	assert.True(t, first.First)
	assert.False(t, r.Shutdown().First)

	require.NoError(t, r.Close())
	require.NoError(t, r.Close())
}

func TestPlayRefusedAfterShutdown(t *testing.T) {
	r := newRuntime(t, testSettings(t, "true"))
	r.Shutdown()

	_, err := r.Player.Play(98.5, 20)
	require.Error(t, err)
	assert.False(t, r.Player.Status().Playing)
}

func TestRefresherRunsBetweenPlaybackSessions(t *testing.T) {
	fixture, err := filepath.Abs(filepath.Join("..", "rds", "testdata", "redsea.jsonl"))
	require.NoError(t, err)

	settings := testSettings(t, "cat "+fixture)
	settings.RDS.Enabled = true
	settings.DSP.Command = "while :; do head -c 400 /dev/zero; sleep 0.01; done"
	settings.DSP.Toolkit = []string{"sh", "head"}
	settings.Playback.Command = "cat > /dev/null"
	r := newRuntime(t, settings)

	_, err = r.Player.Play(98.2, 20)
	require.NoError(t, err)

	c := r.Refresher.Refresh(context.Background())
	assert.Equal(t, refresher.OutcomeSkipped, c.Outcome)
	assert.Equal(t, refresher.ReasonPlaying, c.Reason)
	assert.Zero(t, r.Refresher.Launches())

	select {
	case <-r.Player.Stop(true):
	case <-time.After(5 * time.Second):
		t.Fatal("playback did not stop")
	}
	require.Equal(t, arbiter.HolderNone, r.Arbiter.Holder())
	assert.False(t, r.Session.Playing())

	c = r.Refresher.Refresh(context.Background())
	require.Equal(t, refresher.OutcomeMerged, c.Outcome, "reason %q err %v", c.Reason, c.Err)
	assert.Equal(t, 98.2, c.Freq)
	assert.EqualValues(t, 1, r.Refresher.Launches())
	assert.Equal(t, arbiter.HolderNone, r.Arbiter.Holder(), "refresh lease released")

	st, ok := r.Stations.Get(98.2)
	require.True(t, ok)
	require.NotNil(t, st.PS)
	assert.Equal(t, "YLE X3M", st.Name())
}
