package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "radiords"

// Lease holders as exported on the lease gauge.
var leaseHolders = []string{"playback", "scan", "refresh"}

// RadioMetrics holds the runtime metrics of the orchestration core.
type RadioMetrics struct {
	operationsTotal   *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec
	errorsTotal       *prometheus.CounterVec

	routerChunksTotal  *prometheus.CounterVec
	routerBytesTotal   prometheus.Counter
	bufferDroppedTotal prometheus.Counter
	spectrumFrameTime  prometheus.Histogram

	livePipelines  prometheus.Gauge
	leaseActive    *prometheus.GaugeVec
	stationsKnown  prometheus.Gauge
	scanProgress   prometheus.Gauge
	recordingBytes prometheus.Gauge
}

// NewRadioMetrics creates and registers the radio collectors.
func NewRadioMetrics(registry *prometheus.Registry) (*RadioMetrics, error) {
	m := &RadioMetrics{}
	m.initMetrics()
	if err := registry.Register(m); err != nil {
		return nil, fmt.Errorf("failed to register radio metrics: %w", err)
	}
	return m, nil
}

func (m *RadioMetrics) initMetrics() {
	m.operationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "operations_total",
		Help:      "Total number of orchestration operations by outcome",
	}, []string{"operation", "status"})

	m.operationDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "operation_duration_seconds",
		Help:      "Duration of orchestration operations",
		Buckets:   processDurationBuckets,
	}, []string{"operation"})

	m.errorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "errors_total",
		Help:      "Total number of errors by operation and category",
	}, []string{"operation", "error_type"})

	m.routerChunksTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "router_chunks_total",
		Help:      "PCM chunks delivered per fan-out target",
	}, []string{"target"})

	m.routerBytesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "router_bytes_total",
		Help:      "PCM bytes read from the demodulator",
	})

	m.bufferDroppedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "audio_buffer_dropped_chunks_total",
		Help:      "Chunks discarded from the analysis buffer on overflow",
	})

	m.spectrumFrameTime = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "spectrum_frame_seconds",
		Help:      "Time spent computing one spectrum frame",
		Buckets:   frameDurationBuckets,
	})

	m.livePipelines = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "live_pipelines",
		Help:      "Number of external pipelines currently tracked",
	})

	m.leaseActive = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "device_lease_active",
		Help:      "1 when the receiver lease is held by the labelled holder",
	}, []string{"holder"})

	m.stationsKnown = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "stations_known",
		Help:      "Stations in the database",
	})

	m.scanProgress = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "scan_progress_percent",
		Help:      "Progress of the running band scan",
	})

	m.recordingBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "recording_bytes",
		Help:      "Bytes written to the active recording",
	})
}

// RecordOperation implements Recorder.
func (m *RadioMetrics) RecordOperation(operation, status string) {
	m.operationsTotal.WithLabelValues(operation, status).Inc()
}

// RecordDuration implements Recorder.
func (m *RadioMetrics) RecordDuration(operation string, seconds float64) {
	if operation == OpSpectrumFrame {
		m.spectrumFrameTime.Observe(seconds)
		return
	}
	m.operationDuration.WithLabelValues(operation).Observe(seconds)
}

// RecordError implements Recorder.
func (m *RadioMetrics) RecordError(operation, errorType string) {
	m.errorsTotal.WithLabelValues(operation, errorType).Inc()
}

// AddRoutedChunk counts one chunk delivered to target.
func (m *RadioMetrics) AddRoutedChunk(target string, bytes int) {
	m.routerChunksTotal.WithLabelValues(target).Inc()
	if target == "source" {
		m.routerBytesTotal.Add(float64(bytes))
	}
}

// AddDroppedChunks counts analysis buffer overflow drops.
func (m *RadioMetrics) AddDroppedChunks(n int) {
	m.bufferDroppedTotal.Add(float64(n))
}

// SetLivePipelines sets the tracked pipeline count.
func (m *RadioMetrics) SetLivePipelines(n int) {
	m.livePipelines.Set(float64(n))
}

// SetLeaseHolder marks holder as the lease owner; "" clears all.
func (m *RadioMetrics) SetLeaseHolder(holder string) {
	for _, h := range leaseHolders {
		v := 0.0
		if h == holder {
			v = 1
		}
		m.leaseActive.WithLabelValues(h).Set(v)
	}
}

// SetStationsKnown sets the station count.
func (m *RadioMetrics) SetStationsKnown(n int) {
	m.stationsKnown.Set(float64(n))
}

// SetScanProgress sets scan progress in percent.
func (m *RadioMetrics) SetScanProgress(percent float64) {
	m.scanProgress.Set(percent)
}

// SetRecordingBytes sets the active recording size.
func (m *RadioMetrics) SetRecordingBytes(n int64) {
	m.recordingBytes.Set(float64(n))
}

// Describe implements prometheus.Collector.
func (m *RadioMetrics) Describe(ch chan<- *prometheus.Desc) {
	m.operationsTotal.Describe(ch)
	m.operationDuration.Describe(ch)
	m.errorsTotal.Describe(ch)
	m.routerChunksTotal.Describe(ch)
	ch <- m.routerBytesTotal.Desc()
	ch <- m.bufferDroppedTotal.Desc()
	ch <- m.spectrumFrameTime.Desc()
	ch <- m.livePipelines.Desc()
	m.leaseActive.Describe(ch)
	ch <- m.stationsKnown.Desc()
	ch <- m.scanProgress.Desc()
	ch <- m.recordingBytes.Desc()
}

// Collect implements prometheus.Collector.
func (m *RadioMetrics) Collect(ch chan<- prometheus.Metric) {
	m.operationsTotal.Collect(ch)
	m.operationDuration.Collect(ch)
	m.errorsTotal.Collect(ch)
	m.routerChunksTotal.Collect(ch)
	ch <- m.routerBytesTotal
	ch <- m.bufferDroppedTotal
	ch <- m.spectrumFrameTime
	ch <- m.livePipelines
	m.leaseActive.Collect(ch)
	ch <- m.stationsKnown
	ch <- m.scanProgress
	ch <- m.recordingBytes
}
