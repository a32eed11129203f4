package conf

import (
	"time"

	"github.com/spf13/viper"

	"github.com/radiords/radiords/internal/logger"
)

// Default values shared by defaults, normalization and validation.
const (
	DefaultGainDB        = 49.6
	MaxGainDB            = 49.6
	DefaultDemodRateHz   = 240000
	DefaultAudioRateHz   = 48000
	DefaultChunkBytes    = 4096
	DefaultBufferChunks  = 10
	DefaultRDSIntervalS  = 30
	MinRDSIntervalS      = 5
	MaxRDSIntervalS      = 600
	DefaultRDSSampleRate = 171000
	DefaultYMinDBFS      = -90.0
	DefaultYMaxDBFS      = 0.0

	// BytesPerFrame is one stereo frame of signed 16-bit samples.
	BytesPerFrame = 4

	DefaultDSPCommand      = "rtl_fm -M wbfm -f {freq}M -s {demod} -r {audio} -g {gain} -p {ppm} -d {device} {deemph} - | sox -t raw -r {audio} -e signed -b 16 -c 1 - -t raw -c 2 -"
	DefaultPlaybackCommand = "play -t raw -r {audio} -e signed -b 16 -c 2 -V1 -q --buffer 8192 -"
	DefaultVolumeCommand   = "amixer -q sset Master {volume}%"
	DefaultDecoderCommand  = "rtl_fm -f {freq}M -s {rate} -g {gain} - | redsea -r {rate} -E"
)

// setDefaultConfig registers every default with v.
func setDefaultConfig(v *viper.Viper) {
	v.SetDefault("debug", false)

	v.SetDefault("sdr.device_index", 0)
	v.SetDefault("sdr.gain_db", DefaultGainDB)
	v.SetDefault("sdr.ppm", 0)
	v.SetDefault("sdr.rf_bandwidth_hz", 200000)

	v.SetDefault("band.preset", BandWorldwide)
	v.SetDefault("band.min_khz", 0)
	v.SetDefault("band.max_khz", 0)
	v.SetDefault("band.step_khz", 0)

	v.SetDefault("audio.demod_rate_hz", DefaultDemodRateHz)
	v.SetDefault("audio.audio_rate_hz", DefaultAudioRateHz)
	v.SetDefault("audio.enable_deemphasis", true)
	v.SetDefault("audio.deemphasis_us", 50)
	v.SetDefault("audio.chunk_bytes", DefaultChunkBytes)
	v.SetDefault("audio.buffer_chunks", DefaultBufferChunks)

	v.SetDefault("dsp.command", DefaultDSPCommand)
	v.SetDefault("dsp.toolkit", []string{"rtl_fm", "sox"})

	v.SetDefault("playback.command", DefaultPlaybackCommand)
	v.SetDefault("playback.volume_command", DefaultVolumeCommand)

	v.SetDefault("rds.enabled", true)
	v.SetDefault("rds.interval_s", DefaultRDSIntervalS)
	v.SetDefault("rds.capture_s", 10)
	v.SetDefault("rds.scan_capture_s", 5)
	v.SetDefault("rds.sample_rate", DefaultRDSSampleRate)
	v.SetDefault("rds.decoder_command", DefaultDecoderCommand)

	v.SetDefault("spectrum.max_hz", 16000)
	v.SetDefault("spectrum.ymin_dbfs", DefaultYMinDBFS)
	v.SetDefault("spectrum.ymax_dbfs", DefaultYMaxDBFS)
	v.SetDefault("spectrum.time_smoothing_alpha", 0.25)
	v.SetDefault("spectrum.freq_smoothing_bins", 1)
	v.SetDefault("spectrum.fps", 66)
	v.SetDefault("spectrum.corr_points", 256)
	v.SetDefault("spectrum.corr_point_alpha", 0.5)

	v.SetDefault("recording.output_dir", "recordings")
	v.SetDefault("recording.format", "mp3")
	v.SetDefault("recording.bitrate_kbps", 192)
	v.SetDefault("recording.retention.policy", RetentionNone)
	v.SetDefault("recording.retention.max_age", 30*24*time.Hour)
	v.SetDefault("recording.retention.max_usage", 80.0)
	v.SetDefault("recording.retention.min_keep", 1)
	v.SetDefault("recording.retention.interval", 5*time.Minute)

	v.SetDefault("stations.path", "fm_stations.json")

	v.SetDefault("termination.graceful_timeout", time.Second)
	v.SetDefault("termination.kill_wait", 500*time.Millisecond)
	v.SetDefault("termination.finalize_timeout", 3*time.Second)

	v.SetDefault("logging.default_level", logger.DefaultLogLevel)
	v.SetDefault("logging.timezone", "Local")
	v.SetDefault("logging.console.enabled", logger.DefaultConsoleEnabled)
	v.SetDefault("logging.console.level", logger.DefaultLogLevel)
	v.SetDefault("logging.file_output.enabled", logger.DefaultFileEnabled)
	v.SetDefault("logging.file_output.path", logger.DefaultLogPath)
	v.SetDefault("logging.file_output.level", logger.DefaultLogLevel)

	v.SetDefault("telemetry.sentry.enabled", false)
	v.SetDefault("telemetry.sentry.dsn", "")
	v.SetDefault("telemetry.prometheus.enabled", false)
	v.SetDefault("telemetry.prometheus.listen", "127.0.0.1:9090")

	v.SetDefault("webserver.enabled", false)
	v.SetDefault("webserver.listen", "127.0.0.1:8088")

	v.SetDefault("mqtt.enabled", false)
	v.SetDefault("mqtt.broker", "tcp://localhost:1883")
	v.SetDefault("mqtt.client_id", "radiords")
	v.SetDefault("mqtt.topic", "radiords/stations")
	v.SetDefault("mqtt.retain", false)
}

// DefaultSettings returns Settings populated only from defaults.
func DefaultSettings() *Settings {
	v := viper.New()
	setDefaultConfig(v)
	settings := &Settings{}
	if err := v.Unmarshal(settings); err != nil {
		// defaults are static; a failure here is a programming error
		panic(err)
	}
	NormalizeSettings(settings)
	return settings
}
