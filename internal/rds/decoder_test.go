//go:build !windows

package rds

import (
	"context"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/radiords/radiords/internal/conf"
	"github.com/radiords/radiords/internal/errors"
	"github.com/radiords/radiords/internal/observability/metrics"
	"github.com/radiords/radiords/internal/preflight"
	"github.com/radiords/radiords/internal/supervisor"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newTestDecoder(t *testing.T, command string, rec metrics.Recorder, opts ...preflight.Option) *Decoder {
	t.Helper()
	settings := conf.NewTestSettings().WithDecoderCommand(command).Build()
	sup := supervisor.New(supervisor.WithTimeouts(200*time.Millisecond, 200*time.Millisecond))
	return NewDecoder(sup, settings, preflight.NewChecker(time.Minute, opts...), WithMetrics(rec))
}

func fixture(t *testing.T) string {
	t.Helper()
	path, err := filepath.Abs(filepath.Join("testdata", "redsea.jsonl"))
	require.NoError(t, err)
	return path
}

func TestCaptureReadsUntilDecoderExits(t *testing.T) {
	t.Parallel()

	rec := metrics.NewTestRecorder()
	d := newTestDecoder(t, "cat "+fixture(t), rec)

	res, err := d.Capture(context.Background(), 98.5, 30, 5*time.Second)
	require.NoError(t, err)

	assert.False(t, res.TimedOut)
	assert.Equal(t, 5, res.Lines)
	assert.Equal(t, 1, res.Malformed)
	assert.Len(t, res.Updates, 4)
	assert.Len(t, res.Interesting(), 4)
	assert.NoError(t, res.ExitErr)
	ps, ok := res.PS()
	assert.True(t, ok)
	assert.Equal(t, "YLE X3M ", ps)
	assert.Equal(t, "Song", res.Updates[3].RTPlus["item_title"])
	assert.Equal(t, 1, rec.GetOperationCount(metrics.OpRDSCapture, metrics.StatusSuccess))
}

func TestCaptureWindowTerminatesDecoder(t *testing.T) {
	t.Parallel()

	rec := metrics.NewTestRecorder()
	d := newTestDecoder(t, "cat "+fixture(t)+"; sleep 30", rec)

	start := time.Now()
	res, err := d.Capture(context.Background(), 98.5, 30, 300*time.Millisecond)
	require.NoError(t, err)

	assert.True(t, res.TimedOut)
	assert.Len(t, res.Updates, 4)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, 0, d.sup.Count(), "decoder must not outlive the capture")
}

func TestCaptureSilentDecoderIsNotAnError(t *testing.T) {
	t.Parallel()

	rec := metrics.NewTestRecorder()
	d := newTestDecoder(t, "sleep 30", rec)

	res, err := d.Capture(context.Background(), 101.1, 30, 200*time.Millisecond)
	require.NoError(t, err)
	assert.True(t, res.TimedOut)
	assert.Empty(t, res.Updates)
	_, ok := res.PS()
	assert.False(t, ok)
	assert.Equal(t, 1, rec.GetOperationCount(metrics.OpRDSCapture, metrics.StatusTimeout))
	assert.Equal(t, 1, rec.GetErrorCount(metrics.OpRDSCapture, string(errors.CategoryMetadataTimeout)))
}

func TestCaptureCanceled(t *testing.T) {
	t.Parallel()

	d := newTestDecoder(t, "sleep 30", nil)
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(100*time.Millisecond, cancel)

	res, err := d.Capture(ctx, 101.1, 30, 10*time.Second)
	require.NoError(t, err)
	assert.True(t, res.Canceled)
	assert.Equal(t, 0, d.sup.Count())
}

func TestCaptureMissingDecoder(t *testing.T) {
	t.Parallel()

	rec := metrics.NewTestRecorder()
	d := newTestDecoder(t, conf.DefaultDecoderCommand, rec, preflight.WithLookPath(func(string) (string, error) {
		return "", exec.ErrNotFound
	}))

	_, err := d.Capture(context.Background(), 98.5, 30, time.Second)
	require.Error(t, err)
	assert.True(t, errors.IsDependencyMissing(err))
	assert.Equal(t, 0, d.sup.Count())
	assert.Equal(t, 1, rec.GetOperationCount(metrics.OpRDSCapture, metrics.StatusError))
}

func TestCommandLineExpandsPlaceholders(t *testing.T) {
	t.Parallel()

	d := newTestDecoder(t, conf.DefaultDecoderCommand, nil)
	assert.Equal(t, "rtl_fm -f 98.5M -s 171000 -g 30.0 - | redsea -r 171000 -E", d.CommandLine(98.5, 30))
}
