package httpserver

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/radiords/radiords/internal/arbiter"
	"github.com/radiords/radiords/internal/errors"
	"github.com/radiords/radiords/internal/events"
	"github.com/radiords/radiords/internal/logger"
	"github.com/radiords/radiords/internal/player"
	"github.com/radiords/radiords/internal/scanner"
	"github.com/radiords/radiords/internal/session"
	"github.com/radiords/radiords/internal/station"
	"github.com/radiords/radiords/internal/supervisor"
)

// volumeTimeout bounds one mixer invocation.
const volumeTimeout = 5 * time.Second

// ScanStatus is the scan part of StatusResponse.
type ScanStatus struct {
	State   scanner.State `json:"state"`
	FreqMHz float64       `json:"freq_mhz,omitempty"`
}

// StatusResponse is GET /api/v1/status.
type StatusResponse struct {
	Session   session.Snapshot          `json:"session"`
	Player    *player.Status            `json:"player,omitempty"`
	Scan      *ScanStatus               `json:"scan,omitempty"`
	Processes []supervisor.ProcessStats `json:"processes,omitempty"`
	Events    *events.BusStats          `json:"events,omitempty"`
}

// PlayRequest is the body of POST /api/v1/play.
type PlayRequest struct {
	FreqMHz float64  `json:"freq_mhz"`
	GainDB  *float64 `json:"gain_db,omitempty"`
}

// VolumeRequest is the body of PUT /api/v1/volume.
type VolumeRequest struct {
	Level int `json:"level"`
}

func (s *Server) getHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"status":  "ok",
		"session": s.deps.Session.ID.String(),
		"closing": s.deps.Session.Closing(),
	})
}

func (s *Server) getStatus(c echo.Context) error {
	resp := StatusResponse{Session: s.deps.Session.Snapshot()}
	if s.deps.Player != nil {
		st := s.deps.Player.Status()
		resp.Player = &st
	}
	if s.deps.Scanner != nil {
		state, freq := s.deps.Scanner.State()
		resp.Scan = &ScanStatus{State: state, FreqMHz: freq}
	}
	if s.deps.Processes != nil {
		resp.Processes = s.deps.Processes.Stats()
	}
	if s.deps.Events != nil {
		st := s.deps.Events.Stats()
		resp.Events = &st
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) listStations(c echo.Context) error {
	var list []station.Station
	if rds, _ := strconv.ParseBool(c.QueryParam("rds")); rds {
		list = s.deps.Stations.StationsWithRDS()
	} else {
		list = s.deps.Stations.All()
	}
	if list == nil {
		list = []station.Station{}
	}
	return c.JSON(http.StatusOK, list)
}

func (s *Server) getStation(c echo.Context) error {
	freq, err := strconv.ParseFloat(c.Param("freq"), 64)
	if err != nil {
		return s.fail(c, badRequest("invalid frequency %q", c.Param("freq")), "Invalid frequency")
	}
	st, ok := s.deps.Stations.Get(freq)
	if !ok {
		return s.fail(c, errors.Newf("no station at %.3f MHz", freq).
			Component("httpserver").
			Category(errors.CategoryNotFound).
			Build(), "Station not found")
	}
	return c.JSON(http.StatusOK, st)
}

func (s *Server) getSpectrum(c echo.Context) error {
	latest := s.deps.Spectrum.Latest()
	if latest == nil {
		return c.NoContent(http.StatusNoContent)
	}
	return c.JSON(http.StatusOK, latest)
}

func (s *Server) play(c echo.Context) error {
	var req PlayRequest
	if err := c.Bind(&req); err != nil {
		return s.fail(c, badRequest("invalid request body: %v", err), "Invalid request")
	}
	band, err := s.deps.Settings.Band.ResolveBand()
	if err != nil {
		return s.fail(c, errors.New(err).
			Component("httpserver").
			Category(errors.CategoryConfiguration).
			Build(), "Band configuration invalid")
	}
	if !band.Contains(req.FreqMHz) {
		return s.fail(c, badRequest("%.3f MHz is outside %s", req.FreqMHz, band), "Frequency out of band")
	}
	gain := s.deps.Settings.SDR.GainDB
	if req.GainDB != nil {
		gain = *req.GainDB
	}

	st, err := s.deps.Player.Play(req.FreqMHz, gain)
	if err != nil {
		return s.fail(c, err, "Playback not started")
	}
	return c.JSON(http.StatusOK, st)
}

func (s *Server) stop(c echo.Context) error {
	s.deps.Player.Stop(false)
	return c.JSON(http.StatusAccepted, map[string]bool{"stopping": true})
}

func (s *Server) startRecording(c echo.Context) error {
	info, err := s.deps.Player.StartRecording()
	if err != nil {
		return s.fail(c, err, "Recording not started")
	}
	return c.JSON(http.StatusCreated, info)
}

func (s *Server) stopRecording(c echo.Context) error {
	s.deps.Player.StopRecording()
	return c.JSON(http.StatusAccepted, map[string]bool{"finalizing": true})
}

func (s *Server) setVolume(c echo.Context) error {
	var req VolumeRequest
	if err := c.Bind(&req); err != nil {
		return s.fail(c, badRequest("invalid request body: %v", err), "Invalid request")
	}
	ctx, cancel := context.WithTimeout(c.Request().Context(), volumeTimeout)
	defer cancel()
	level, err := s.deps.Player.SetVolume(ctx, req.Level)
	if err != nil {
		return s.fail(c, err, "Volume not set")
	}
	return c.JSON(http.StatusOK, VolumeRequest{Level: level})
}

// startScan launches a scan in the background. The device must not be held
// by playback, and only one scan runs at a time.
func (s *Server) startScan(c echo.Context) error {
	if state, _ := s.deps.Scanner.State(); state == scanner.StateScanning {
		return s.fail(c, errors.Newf("a scan is already running").
			Component("httpserver").
			Category(errors.CategoryState).
			Build(), "Scan already running")
	}
	if holder := s.deps.Session.Arbiter().Holder(); holder == arbiter.HolderPlayback {
		return s.fail(c, errors.Newf("device held by %s", holder).
			Component("httpserver").
			Category(errors.CategoryDeviceBusy).
			Build(), "Stop playback before scanning")
	}

	s.deps.Background("api scan", func() {
		report, err := s.deps.Scanner.Scan(s.ctx)
		if err != nil {
			s.log.Warn("scan failed", logger.Error(err))
			return
		}
		s.log.Info("scan finished",
			logger.Int("found", len(report.Found)),
			logger.Bool("canceled", report.Canceled))
	})
	return c.JSON(http.StatusAccepted, map[string]bool{"scanning": true})
}

func (s *Server) cancelScan(c echo.Context) error {
	s.deps.Scanner.Cancel()
	return c.JSON(http.StatusAccepted, map[string]bool{"canceling": true})
}
