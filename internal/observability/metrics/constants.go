package metrics

// Operation names shared by components and collectors.
const (
	OpSpawn          = "spawn"
	OpTerminate      = "terminate"
	OpLeaseAcquire   = "lease_acquire"
	OpPipelineStart  = "pipeline_start"
	OpPipelineStop   = "pipeline_stop"
	OpSinkWrite      = "sink_write"
	OpBufferPush     = "buffer_push"
	OpSpectrumFrame  = "spectrum_frame"
	OpRDSCapture     = "rds_capture"
	OpRefreshCycle   = "refresh_cycle"
	OpScanStep       = "scan_step"
	OpScan           = "scan"
	OpRecordingStart = "recording_start"
	OpRecordingStop  = "recording_stop"
	OpStationMerge   = "station_merge"
	OpStationSave    = "station_save"
	OpPreflight      = "preflight"
	OpShutdown       = "shutdown"
	OpRetention      = "retention"
)

// Status values for RecordOperation.
const (
	StatusSuccess  = "success"
	StatusError    = "error"
	StatusDenied   = "denied"
	StatusTimeout  = "timeout"
	StatusDropped  = "dropped"
	StatusForced   = "forced"
	StatusCanceled = "canceled"
	StatusSkipped  = "skipped"
)

// Histogram buckets.
var (
	// processDurationBuckets cover sub-second teardown up to multi-second captures
	processDurationBuckets = []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30}
	// frameDurationBuckets cover FFT frame times
	frameDurationBuckets = []float64{0.0001, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05}
)
