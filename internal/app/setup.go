package app

import (
	"github.com/radiords/radiords/internal/buildinfo"
	"github.com/radiords/radiords/internal/conf"
	"github.com/radiords/radiords/internal/errors"
	"github.com/radiords/radiords/internal/logger"
)

// InitLogging builds the central logger from settings and installs it as
// the global one. Debug raises the default level.
func InitLogging(settings *conf.Settings) (*logger.CentralLogger, error) {
	cfg := settings.Logging
	if settings.Debug {
		cfg.DefaultLevel = "debug"
	}
	cl, err := logger.NewCentralLogger(&cfg)
	if err != nil {
		return nil, errors.New(err).
			Component("app").
			Category(errors.CategoryConfiguration).
			Build()
	}
	logger.SetGlobal(cl)
	return cl, nil
}

// InitTelemetry enables Sentry error reporting when configured. Failure
// to initialize is logged and otherwise ignored.
func InitTelemetry(settings *conf.Settings, build *buildinfo.Context) {
	sentry := settings.Telemetry.Sentry
	if !sentry.Enabled {
		return
	}
	if sentry.DSN == "" {
		GetLogger().Warn("sentry telemetry enabled without a DSN")
		return
	}
	if err := errors.InitSentry(sentry.DSN, build.Release()); err != nil {
		GetLogger().Warn("sentry telemetry not initialized", logger.Error(err))
		return
	}
	GetLogger().Info("sentry telemetry enabled", logger.String("release", build.Release()))
}
