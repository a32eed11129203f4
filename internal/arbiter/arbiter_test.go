package arbiter

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/radiords/radiords/internal/errors"
	"github.com/radiords/radiords/internal/observability/metrics"
)

func TestAcquireRelease(t *testing.T) {
	t.Parallel()

	a := New()
	lease, err := a.Acquire(HolderPlayback)
	require.NoError(t, err)
	assert.Equal(t, HolderPlayback, a.Holder())

	_, err = a.Acquire(HolderRefresh)
	require.Error(t, err)
	assert.True(t, errors.IsDeviceBusy(err))

	require.NoError(t, a.Release(lease))
	assert.Equal(t, HolderNone, a.Holder())
	assert.True(t, lease.Released())

	require.NoError(t, a.Release(lease), "double release is a no-op")

	next, err := a.Acquire(HolderRefresh)
	require.NoError(t, err)
	assert.NotEqual(t, lease.ID, next.ID)
}

func TestReleaseForeignLease(t *testing.T) {
	t.Parallel()

	a := New()
	held, err := a.Acquire(HolderScan)
	require.NoError(t, err)

	other := New()
	foreign, err := other.Acquire(HolderScan)
	require.NoError(t, err)

	err = a.Release(foreign)
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryState))
	assert.Equal(t, HolderScan, a.Holder())
	require.NoError(t, a.Release(held))
}

func TestPolicy(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		recording bool
		scanning  bool
		holder    Holder
		wantBusy  bool
	}{
		{name: "refresh while idle", holder: HolderRefresh},
		{name: "refresh while recording", recording: true, holder: HolderRefresh, wantBusy: true},
		{name: "refresh while scanning", scanning: true, holder: HolderRefresh, wantBusy: true},
		{name: "playback while scanning", scanning: true, holder: HolderPlayback, wantBusy: true},
		{name: "playback while recording flag set", recording: true, holder: HolderPlayback},
		{name: "scan step while scanning", scanning: true, holder: HolderScan},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			a := New()
			a.SetRecording(tt.recording)
			if tt.scanning {
				require.NoError(t, a.BeginScan())
			}
			lease, err := a.Acquire(tt.holder)
			if tt.wantBusy {
				require.Error(t, err)
				assert.True(t, errors.IsDeviceBusy(err))
				return
			}
			require.NoError(t, err)
			require.NoError(t, a.Release(lease))
		})
	}
}

func TestBeginScanRejectedDuringPlayback(t *testing.T) {
	t.Parallel()

	a := New()
	lease, err := a.Acquire(HolderPlayback)
	require.NoError(t, err)

	err = a.BeginScan()
	require.Error(t, err)
	assert.True(t, errors.IsDeviceBusy(err))
	assert.False(t, a.Scanning())

	require.NoError(t, a.Release(lease))
	require.NoError(t, a.BeginScan())
	require.Error(t, a.BeginScan(), "only one scan at a time")
	a.EndScan()
	assert.False(t, a.Scanning())
}

func TestHolderGaugeAndMetrics(t *testing.T) {
	t.Parallel()

	rec := metrics.NewTestRecorder()
	var seen []Holder
	a := New(WithMetrics(rec), WithHolderGauge(func(h Holder) { seen = append(seen, h) }))

	lease, err := a.Acquire(HolderRefresh)
	require.NoError(t, err)
	_, err = a.Acquire(HolderScan)
	require.Error(t, err)
	require.NoError(t, a.Release(lease))

	assert.Equal(t, []Holder{HolderRefresh, HolderNone}, seen)
	assert.Equal(t, 1, rec.GetOperationCount(metrics.OpLeaseAcquire, metrics.StatusSuccess))
	assert.Equal(t, 1, rec.GetOperationCount(metrics.OpLeaseAcquire, metrics.StatusDenied))

	st := a.Status()
	assert.Equal(t, HolderNone, st.Holder)
	assert.Empty(t, st.LeaseID)
}

// Concurrent acquirers from every path must never observe two leases at once.
func TestConcurrentAcquireNeverOverlaps(t *testing.T) {
	t.Parallel()

	a := New()
	holders := []Holder{HolderPlayback, HolderScan, HolderRefresh}

	var active, maxActive, granted atomic.Int32
	var wg sync.WaitGroup
	for i := range 48 {
		holder := holders[i%len(holders)]
		wg.Go(func() {
			for range 200 {
				lease, err := a.Acquire(holder)
				if err != nil {
					continue
				}
				n := active.Add(1)
				for {
					m := maxActive.Load()
					if n <= m || maxActive.CompareAndSwap(m, n) {
						break
					}
				}
				granted.Add(1)
				time.Sleep(time.Microsecond)
				active.Add(-1)
				if err := a.Release(lease); err != nil {
					t.Errorf("release failed: %v", err)
				}
			}
		})
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxActive.Load())
	assert.Positive(t, granted.Load())
	assert.Equal(t, HolderNone, a.Holder())
}

func FuzzAcquireSequence(f *testing.F) {
	f.Add([]byte{0, 1, 2, 3, 4, 5})
	f.Fuzz(func(t *testing.T, ops []byte) {
		a := New()
		var held *Lease
		for _, op := range ops {
			switch op % 6 {
			case 0, 1, 2:
				holder := []Holder{HolderPlayback, HolderScan, HolderRefresh}[op%3]
				lease, err := a.Acquire(holder)
				if held != nil && err == nil {
					t.Fatalf("granted %s while %s outstanding", lease, held)
				}
				if err == nil {
					held = lease
				}
			case 3:
				if held != nil {
					if err := a.Release(held); err != nil {
						t.Fatal(err)
					}
					held = nil
				}
			case 4:
				a.SetRecording(!a.Recording())
			case 5:
				if a.Scanning() {
					a.EndScan()
				} else {
					_ = a.BeginScan()
				}
			}
		}
	})
}
