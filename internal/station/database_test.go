package station

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/radiords/radiords/internal/observability/metrics"
)

var fixedNow = time.Date(2026, 10, 1, 8, 30, 0, 0, time.UTC)

func openTestDB(t *testing.T) *Database {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "fm_stations.json"), WithClock(func() time.Time { return fixedNow }))
	require.NoError(t, err)
	return db
}

func TestMergeWithinEpsilonIsOneRecord(t *testing.T) {
	t.Parallel()

	db := openTestDB(t)
	_, err := db.Merge(87.5+0.2, &Update{PS: ptr("ONE")})
	require.NoError(t, err)
	st, err := db.Merge(87.7, &Update{RadioText: ptr("text")})
	require.NoError(t, err)

	assert.Equal(t, 1, db.Len())
	assert.Equal(t, "ONE", *st.PS)
	assert.Equal(t, 2, st.RDSCount)

	_, err = db.Merge(87.8, &Update{PS: ptr("TWO")})
	require.NoError(t, err)
	assert.Equal(t, 2, db.Len())
}

func TestMergeAllSavesOnceAndCounts(t *testing.T) {
	t.Parallel()

	rec := metrics.NewTestRecorder()
	db, err := Open(filepath.Join(t.TempDir(), "db.json"), WithMetrics(rec))
	require.NoError(t, err)

	st, err := db.MergeAll(101.1, []*Update{{PS: ptr("A")}, {PI: ptr("0xC201")}, {TA: ptr(true)}})
	require.NoError(t, err)
	assert.Equal(t, 3, st.RDSCount)
	assert.Equal(t, 1, rec.GetOperationCount(metrics.OpStationSave, metrics.StatusSuccess))

	_, err = db.MergeAll(101.1, nil)
	require.Error(t, err)
}

func TestDatabaseFileFormat(t *testing.T) {
	t.Parallel()

	db := openTestDB(t)
	_, err := db.Merge(100, &Update{PS: ptr("R&B <FM>")})
	require.NoError(t, err)

	data, err := os.ReadFile(db.Path())
	require.NoError(t, err)

	var raw map[string]map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	require.Contains(t, raw, "100.0")
	rec := raw["100.0"]
	for _, key := range []string{"freq", "ps", "radiotext", "rtplus", "pi", "prog_type", "alt_freqs", "stereo", "tp", "ta", "last_seen", "rds_count"} {
		assert.Contains(t, rec, key)
	}
	assert.Nil(t, rec["radiotext"])
	assert.Equal(t, []any{}, rec["alt_freqs"])
	assert.Contains(t, string(data), "R&B <FM>", "HTML characters must not be escaped")
	assert.Contains(t, string(data), "\n  \"100.0\": {", "two-space indent")
}

func TestRoundTripWithRTPlus(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "db.json")
	db, err := Open(path, WithClock(func() time.Time { return fixedNow }))
	require.NoError(t, err)

	written, err := db.Merge(94.9, &Update{
		PS:       ptr("ROCK"),
		RTPlus:   map[string]any{"item_title": "Song", "item_artist": "Band"},
		AltFreqs: []float64{95.1},
		Stereo:   ptr(true),
	})
	require.NoError(t, err)

	reopened, err := Open(path)
	require.NoError(t, err)
	read, ok := reopened.Get(94.9)
	require.True(t, ok)
	assert.Equal(t, written, read)
	assert.Equal(t, "Band — Song", read.NowPlaying())
}

func TestOpenCorruptFileMovesItAside(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "db.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	db, err := Open(path)
	require.NoError(t, err)
	assert.Equal(t, 0, db.Len())
	assert.FileExists(t, path+".corrupt")
	assert.NoFileExists(t, path)
}

func TestOpenReadsLegacyFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "db.json")
	legacy := `{
  "98.5": {"freq": 98.5, "ps": "OLD", "radiotext": null, "rtplus": null, "pi": "0x1",
           "prog_type": null, "alt_freqs": [], "stereo": true, "tp": false, "ta": false,
           "last_seen": "2024-01-02T03:04:05.678901", "rds_count": 12}
}`
	require.NoError(t, os.WriteFile(path, []byte(legacy), 0o644))

	db, err := Open(path)
	require.NoError(t, err)
	st, ok := db.Get(98.5)
	require.True(t, ok)
	assert.Equal(t, "OLD", *st.PS)
	assert.Equal(t, 12, st.RDSCount)
	assert.True(t, st.Stereo)
}

func TestStationsWithRDSSorted(t *testing.T) {
	t.Parallel()

	db := openTestDB(t)
	for _, f := range []float64{104.2, 88.0, 95.5} {
		_, err := db.Merge(f, &Update{PS: ptr("S")})
		require.NoError(t, err)
	}
	_, err := db.Merge(90.0, &Update{PI: ptr("0x2")})
	require.NoError(t, err)

	with := db.StationsWithRDS()
	require.Len(t, with, 3)
	assert.InDelta(t, 88.0, with[0].Freq, 1e-9)
	assert.InDelta(t, 95.5, with[1].Freq, 1e-9)
	assert.InDelta(t, 104.2, with[2].Freq, 1e-9)
	assert.Len(t, db.All(), 4)
}

func TestConcurrentMergesAreSerialized(t *testing.T) {
	t.Parallel()

	db := openTestDB(t)
	var wg sync.WaitGroup
	for range 20 {
		wg.Go(func() {
			_, err := db.Merge(99.9, &Update{RadioText: ptr("x")})
			assert.NoError(t, err)
		})
	}
	wg.Wait()

	st, ok := db.Get(99.9)
	require.True(t, ok)
	assert.Equal(t, 20, st.RDSCount)
}

func TestOnMergeListener(t *testing.T) {
	t.Parallel()

	db := openTestDB(t)
	var got []Station
	db.OnMerge(func(s Station) { got = append(got, s) })

	_, err := db.Merge(107.7, &Update{PS: ptr("NEWS")})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "NEWS", *got[0].PS)
}

func TestFrequencyKey(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "98.5", FrequencyKey(98.5))
	assert.Equal(t, "100.0", FrequencyKey(100))
	assert.Equal(t, "87.7", FrequencyKey(87.7))
}
