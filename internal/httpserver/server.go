// Package httpserver serves the local status and control API.
package httpserver

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/radiords/radiords/internal/conf"
	"github.com/radiords/radiords/internal/events"
	"github.com/radiords/radiords/internal/logger"
	"github.com/radiords/radiords/internal/player"
	"github.com/radiords/radiords/internal/recorder"
	"github.com/radiords/radiords/internal/scanner"
	"github.com/radiords/radiords/internal/session"
	"github.com/radiords/radiords/internal/spectrum"
	"github.com/radiords/radiords/internal/station"
	"github.com/radiords/radiords/internal/supervisor"
)

// ShutdownTimeout bounds the HTTP server shutdown.
const ShutdownTimeout = 5 * time.Second

// GetLogger returns the httpserver module logger.
func GetLogger() logger.Logger {
	return logger.Global().Module("httpserver")
}

// Player is the playback surface. player.Player satisfies it.
type Player interface {
	Status() player.Status
	Play(freqMHz, gain float64) (player.Status, error)
	Stop(blocking bool) <-chan struct{}
	StartRecording() (recorder.Info, error)
	StopRecording() <-chan struct{}
	SetVolume(ctx context.Context, level int) (int, error)
}

// Stations is the read side of the station database.
type Stations interface {
	All() []station.Station
	StationsWithRDS() []station.Station
	Get(freq float64) (station.Station, bool)
}

// Spectrum exposes the latest analyzer frame.
type Spectrum interface {
	Latest() *spectrum.Result
}

// Scanner controls band scans. scanner.Scanner satisfies it.
type Scanner interface {
	Scan(ctx context.Context) (scanner.Report, error)
	State() (scanner.State, float64)
	Cancel()
}

// Processes reports supervised pipelines.
type Processes interface {
	Stats() []supervisor.ProcessStats
}

// EventStats reports presentation queue counters.
type EventStats interface {
	Stats() events.BusStats
}

// Deps are what the API reads and drives. Nil members disable the
// routes that need them.
type Deps struct {
	Session   *session.Context
	Settings  *conf.Settings
	Player    Player
	Stations  Stations
	Spectrum  Spectrum
	Scanner   Scanner
	Processes Processes
	Events    EventStats
	Metrics   http.Handler

	// Background runs fn as a tracked task; supervisor.Go fits.
	Background func(name string, fn func())
}

// Server is the echo based API server.
type Server struct {
	echo   *echo.Echo
	listen string
	deps   Deps
	log    logger.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds the server and its routes.
func New(deps Deps) *Server {
	if deps.Background == nil {
		deps.Background = func(_ string, fn func()) { go fn() }
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		echo:   echo.New(),
		listen: deps.Settings.WebServer.Listen,
		deps:   deps,
		log:    GetLogger(),
		ctx:    ctx,
		cancel: cancel,
	}
	s.echo.HideBanner = true
	s.echo.HidePort = true
	s.echo.HTTPErrorHandler = s.handleHTTPError

	s.echo.Use(middleware.Recover())
	s.echo.Use(s.requestLogger())
	s.initRoutes()
	return s
}

// Echo returns the underlying router, for tests.
func (s *Server) Echo() *echo.Echo { return s.echo }

func (s *Server) requestLogger() echo.MiddlewareFunc {
	return middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogStatus:   true,
		LogURI:      true,
		LogMethod:   true,
		LogLatency:  true,
		LogRemoteIP: true,
		LogError:    true,
		LogValuesFunc: func(_ echo.Context, v middleware.RequestLoggerValues) error {
			fields := []logger.Field{
				logger.String("method", v.Method),
				logger.String("uri", v.URI),
				logger.Int("status", v.Status),
				logger.String("ip", v.RemoteIP),
				logger.Duration("latency", v.Latency),
			}
			if v.Error != nil {
				fields = append(fields, logger.Error(v.Error))
			}
			s.log.Debug("request", fields...)
			return nil
		},
	})
}

func (s *Server) initRoutes() {
	api := s.echo.Group("/api/v1")
	api.GET("/health", s.getHealth)
	api.GET("/status", s.getStatus)

	if s.deps.Stations != nil {
		api.GET("/stations", s.listStations)
		api.GET("/stations/:freq", s.getStation)
	}
	if s.deps.Spectrum != nil {
		api.GET("/spectrum", s.getSpectrum)
	}
	if s.deps.Player != nil {
		api.POST("/play", s.play)
		api.POST("/stop", s.stop)
		api.POST("/recording", s.startRecording)
		api.DELETE("/recording", s.stopRecording)
		api.PUT("/volume", s.setVolume)
	}
	if s.deps.Scanner != nil {
		api.POST("/scan", s.startScan)
		api.DELETE("/scan", s.cancelScan)
	}
	if s.deps.Metrics != nil {
		s.echo.GET("/metrics", echo.WrapHandler(s.deps.Metrics))
	}
}

// Start serves in the background and returns immediately.
func (s *Server) Start() {
	s.wg.Go(func() {
		s.log.Info("HTTP server starting", logger.String("address", s.listen))
		if err := s.echo.Start(s.listen); err != nil && err != http.ErrServerClosed {
			s.log.Error("HTTP server error", logger.Error(err))
		}
	})
}

// Shutdown stops accepting requests, cancels scans started through the
// API, and waits for the server goroutine.
func (s *Server) Shutdown() error {
	s.cancel()
	ctx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
	defer cancel()
	err := s.echo.Shutdown(ctx)
	s.wg.Wait()
	return err
}
