package observability

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/radiords/radiords/internal/conf"
	"github.com/radiords/radiords/internal/logger"
)

// ShutdownTimeout bounds the metrics server shutdown.
const ShutdownTimeout = 5 * time.Second

// Endpoint serves /metrics on its own listener.
type Endpoint struct {
	server        *http.Server
	listenAddress string
	metrics       *Metrics
}

// NewEndpoint returns an endpoint for metrics. It fails when Prometheus
// telemetry is disabled in settings.
func NewEndpoint(settings *conf.Settings, metrics *Metrics) (*Endpoint, error) {
	if !settings.Telemetry.Prometheus.Enabled {
		return nil, fmt.Errorf("prometheus telemetry not enabled in settings")
	}

	return &Endpoint{
		listenAddress: settings.Telemetry.Prometheus.Listen,
		metrics:       metrics,
	}, nil
}

// Start runs the HTTP server until quitChan closes.
func (e *Endpoint) Start(wg *sync.WaitGroup, quitChan <-chan struct{}) {
	mux := http.NewServeMux()
	e.metrics.RegisterHandlers(mux)

	e.server = &http.Server{
		Addr:              e.listenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	log := GetLogger()
	wg.Go(func() {
		log.Info("metrics endpoint starting", logger.String("address", e.listenAddress))
		if err := e.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("metrics HTTP server error", logger.Error(err))
		}
	})

	wg.Go(func() { e.gracefulShutdown(quitChan) })
}

func (e *Endpoint) gracefulShutdown(quitChan <-chan struct{}) {
	<-quitChan
	GetLogger().Info("stopping metrics server")
	ctx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
	defer cancel()
	if err := e.server.Shutdown(ctx); err != nil {
		GetLogger().Error("metrics server shutdown error", logger.Error(err))
	}
}

// GetMetrics returns the Metrics instance associated with this Endpoint.
func (e *Endpoint) GetMetrics() *Metrics {
	return e.metrics
}
