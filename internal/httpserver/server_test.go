package httpserver

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/radiords/radiords/internal/arbiter"
	"github.com/radiords/radiords/internal/conf"
	"github.com/radiords/radiords/internal/errors"
	"github.com/radiords/radiords/internal/player"
	"github.com/radiords/radiords/internal/recorder"
	"github.com/radiords/radiords/internal/scanner"
	"github.com/radiords/radiords/internal/session"
	"github.com/radiords/radiords/internal/spectrum"
	"github.com/radiords/radiords/internal/station"
)

type fakePlayer struct {
	mu      sync.Mutex
	playing bool
	freq    float64
	gain    float64
	stops   int
	playErr error
	volume  int
}

func (f *fakePlayer) Status() player.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return player.Status{Playing: f.playing, FreqMHz: f.freq, Gain: f.gain, Volume: f.volume}
}

func (f *fakePlayer) Play(freq, gain float64) (player.Status, error) {
	if f.playErr != nil {
		return player.Status{}, f.playErr
	}
	f.mu.Lock()
	f.playing, f.freq, f.gain = true, freq, gain
	f.mu.Unlock()
	return f.Status(), nil
}

func (f *fakePlayer) Stop(bool) <-chan struct{} {
	f.mu.Lock()
	f.playing = false
	f.stops++
	f.mu.Unlock()
	done := make(chan struct{})
	close(done)
	return done
}

func (f *fakePlayer) StartRecording() (recorder.Info, error) {
	return recorder.Info{Path: "/tmp/rec.wav", Format: recorder.FormatWAV}, nil
}

func (f *fakePlayer) StopRecording() <-chan struct{} {
	done := make(chan struct{})
	close(done)
	return done
}

func (f *fakePlayer) SetVolume(_ context.Context, level int) (int, error) {
	level = max(0, min(100, level))
	f.mu.Lock()
	f.volume = level
	f.mu.Unlock()
	return level, nil
}

type fakeSpectrum struct{ latest *spectrum.Result }

func (f fakeSpectrum) Latest() *spectrum.Result { return f.latest }

type fakeScanner struct {
	mu       sync.Mutex
	state    scanner.State
	scans    int
	canceled bool
	ran      chan struct{}
}

func (f *fakeScanner) Scan(context.Context) (scanner.Report, error) {
	f.mu.Lock()
	f.scans++
	f.mu.Unlock()
	close(f.ran)
	return scanner.Report{}, nil
}

func (f *fakeScanner) State() (scanner.State, float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state, 0
}

func (f *fakeScanner) Cancel() {
	f.mu.Lock()
	f.canceled = true
	f.mu.Unlock()
}

type fixture struct {
	server  *Server
	sess    *session.Context
	player  *fakePlayer
	scanner *fakeScanner
	db      *station.Database
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := station.Open(t.TempDir() + "/stations.json")
	require.NoError(t, err)
	ps := "NRJ"
	_, err = db.Merge(98.5, &station.Update{PS: &ps})
	require.NoError(t, err)
	_, err = db.Merge(101.1, &station.Update{ProgType: &ps})
	require.NoError(t, err)

	registry := prometheus.NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "radiords_test_total", Help: "test"})
	registry.MustRegister(counter)
	counter.Inc()

	sess := session.New(arbiter.New())
	f := &fixture{
		sess:    sess,
		player:  &fakePlayer{volume: -1},
		scanner: &fakeScanner{ran: make(chan struct{})},
		db:      db,
	}
	f.server = New(Deps{
		Session:  sess,
		Settings: conf.NewTestSettings().Build(),
		Player:   f.player,
		Stations: db,
		Spectrum: fakeSpectrum{latest: &spectrum.Result{Seq: 7}},
		Scanner:  f.scanner,
		Metrics:  promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
	})
	t.Cleanup(func() { f.server.cancel() })
	return f
}

func (f *fixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	f.server.Echo().ServeHTTP(rec, req)
	return rec
}

// playerBody and statusBody mirror the JSON; states encode as text.
type playerBody struct {
	Playing  bool    `json:"playing"`
	FreqMHz  float64 `json:"freq_mhz"`
	Gain     float64 `json:"gain_db"`
	Pipeline string  `json:"pipeline"`
}

type statusBody struct {
	Session session.Snapshot `json:"session"`
	Player  *playerBody      `json:"player"`
	Scan    *struct {
		State string `json:"state"`
	} `json:"scan"`
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestStatus(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.sess.SetTuned(98.5, 20)
	rec := f.do(t, http.MethodGet, "/api/v1/status", "")
	require.Equal(t, http.StatusOK, rec.Code)

	resp := decode[statusBody](t, rec)
	assert.Equal(t, f.sess.ID.String(), resp.Session.ID)
	assert.True(t, resp.Session.Tuned)
	require.NotNil(t, resp.Player)
	assert.Equal(t, "idle", resp.Player.Pipeline)
	require.NotNil(t, resp.Scan)
	assert.Equal(t, scanner.StateIdle.String(), resp.Scan.State)
}

func TestStations(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	all := decode[[]station.Station](t, f.do(t, http.MethodGet, "/api/v1/stations", ""))
	assert.Len(t, all, 2)

	withRDS := decode[[]station.Station](t, f.do(t, http.MethodGet, "/api/v1/stations?rds=true", ""))
	require.Len(t, withRDS, 1)
	assert.Equal(t, "NRJ", withRDS[0].Name())

	one := f.do(t, http.MethodGet, "/api/v1/stations/98.5", "")
	require.Equal(t, http.StatusOK, one.Code)
	assert.Equal(t, 98.5, decode[station.Station](t, one).Freq)

	missing := f.do(t, http.MethodGet, "/api/v1/stations/88.1", "")
	assert.Equal(t, http.StatusNotFound, missing.Code)
	assert.Equal(t, "not-found", decode[ErrorResponse](t, missing).Category)

	bad := f.do(t, http.MethodGet, "/api/v1/stations/abc", "")
	assert.Equal(t, http.StatusBadRequest, bad.Code)
}

func TestSpectrum(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/api/v1/spectrum", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, uint64(7), decode[spectrum.Result](t, rec).Seq)
}

func TestPlayAndStop(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	rec := f.do(t, http.MethodPost, "/api/v1/play", `{"freq_mhz": 98.5, "gain_db": 20}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	st := decode[playerBody](t, rec)
	assert.True(t, st.Playing)
	assert.Equal(t, 20.0, st.Gain)

	rec = f.do(t, http.MethodPost, "/api/v1/play", `{"freq_mhz": 99.1}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, conf.NewTestSettings().Build().SDR.GainDB, decode[playerBody](t, rec).Gain, "gain defaults to settings")

	rec = f.do(t, http.MethodPost, "/api/v1/stop", "")
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.False(t, f.player.Status().Playing)
}

func TestPlayRejectsOutOfBand(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	rec := f.do(t, http.MethodPost, "/api/v1/play", `{"freq_mhz": 150}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "validation", decode[ErrorResponse](t, rec).Category)
}

func TestPlayErrorStatusByCategory(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		category errors.ErrorCategory
		want     int
	}{
		{"device busy", errors.CategoryDeviceBusy, http.StatusConflict},
		{"dependency missing", errors.CategoryDependencyMissing, http.StatusFailedDependency},
		{"state", errors.CategoryState, http.StatusConflict},
		{"spawn", errors.CategoryPipelineSpawn, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t)
			f.player.playErr = errors.Newf("refused").Category(tt.category).Build()
			rec := f.do(t, http.MethodPost, "/api/v1/play", `{"freq_mhz": 98.5}`)
			assert.Equal(t, tt.want, rec.Code)
			resp := decode[ErrorResponse](t, rec)
			assert.Equal(t, tt.want, resp.Code)
			assert.Len(t, resp.CorrelationID, 8)
		})
	}
}

func TestRecordingAndVolume(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	rec := f.do(t, http.MethodPost, "/api/v1/recording", "")
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "/tmp/rec.wav", decode[recorder.Info](t, rec).Path)

	rec = f.do(t, http.MethodDelete, "/api/v1/recording", "")
	assert.Equal(t, http.StatusAccepted, rec.Code)

	rec = f.do(t, http.MethodPut, "/api/v1/volume", `{"level": 140}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 100, decode[VolumeRequest](t, rec).Level)
}

func TestScan(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	rec := f.do(t, http.MethodPost, "/api/v1/scan", "")
	require.Equal(t, http.StatusAccepted, rec.Code)
	select {
	case <-f.scanner.ran:
	case <-time.After(2 * time.Second):
		t.Fatal("scan was not launched")
	}

	rec = f.do(t, http.MethodDelete, "/api/v1/scan", "")
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.True(t, f.scanner.canceled)
}

func TestScanRejectedWhilePlaying(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	lease, err := f.sess.Arbiter().Acquire(arbiter.HolderPlayback)
	require.NoError(t, err)
	defer f.sess.Arbiter().Release(lease)

	rec := f.do(t, http.MethodPost, "/api/v1/scan", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "device-busy", decode[ErrorResponse](t, rec).Category)
}

func TestScanRejectedWhileScanning(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.scanner.state = scanner.StateScanning
	rec := f.do(t, http.MethodPost, "/api/v1/scan", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestMetricsAndUnknownRoute(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "radiords_test_total 1")

	rec = f.do(t, http.MethodGet, "/api/v1/nope", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, http.StatusNotFound, decode[ErrorResponse](t, rec).Code)
}
