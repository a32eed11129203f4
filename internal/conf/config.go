// Package conf provides configuration management for radiords.
package conf

import (
	"embed"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/radiords/radiords/internal/errors"
	"github.com/radiords/radiords/internal/logger"
)

//go:embed config.yaml
var configFiles embed.FS

// SDRSettings describes the receiver device.
type SDRSettings struct {
	DeviceIndex   int     `yaml:"device_index" mapstructure:"device_index"`       // rtl-sdr device index
	GainDB        float64 `yaml:"gain_db" mapstructure:"gain_db"`                 // tuner gain, 0..49.6
	PPM           int     `yaml:"ppm" mapstructure:"ppm"`                         // frequency correction
	RFBandwidthHz int     `yaml:"rf_bandwidth_hz" mapstructure:"rf_bandwidth_hz"` // front-end bandwidth hint
}

// BandSettings selects the scan range. Custom limits override the preset when set.
type BandSettings struct {
	Preset  string `yaml:"preset" mapstructure:"preset"`
	MinKHz  int    `yaml:"min_khz" mapstructure:"min_khz"`
	MaxKHz  int    `yaml:"max_khz" mapstructure:"max_khz"`
	StepKHz int    `yaml:"step_khz" mapstructure:"step_khz"`
}

// AudioSettings describes the PCM stream produced by the DSP pipeline.
type AudioSettings struct {
	DemodRateHz      int  `yaml:"demod_rate_hz" mapstructure:"demod_rate_hz"`           // internal demodulation rate
	AudioRateHz      int  `yaml:"audio_rate_hz" mapstructure:"audio_rate_hz"`           // PCM output rate
	EnableDeemphasis bool `yaml:"enable_deemphasis" mapstructure:"enable_deemphasis"`   // apply broadcast de-emphasis
	DeemphasisUS     int  `yaml:"deemphasis_us" mapstructure:"deemphasis_us"`           // 50 (Europe) or 75 (Americas)
	ChunkBytes       int  `yaml:"chunk_bytes" mapstructure:"chunk_bytes"`               // router read size
	BufferChunks     int  `yaml:"buffer_chunks" mapstructure:"buffer_chunks"`           // spectrum buffer depth
}

// DSPSettings holds the demodulator pipeline template and the binaries it needs.
type DSPSettings struct {
	Command string   `yaml:"command" mapstructure:"command"`
	Toolkit []string `yaml:"toolkit" mapstructure:"toolkit"`
}

// PlaybackSettings holds the playback sink and mixer commands.
type PlaybackSettings struct {
	Command       string `yaml:"command" mapstructure:"command"`
	VolumeCommand string `yaml:"volume_command" mapstructure:"volume_command"`
}

// RDSSettings configures the metadata decoder and the periodic refresher.
type RDSSettings struct {
	Enabled        bool   `yaml:"enabled" mapstructure:"enabled"`
	IntervalS      int    `yaml:"interval_s" mapstructure:"interval_s"`
	CaptureS       int    `yaml:"capture_s" mapstructure:"capture_s"`
	ScanCaptureS   int    `yaml:"scan_capture_s" mapstructure:"scan_capture_s"`
	SampleRate     int    `yaml:"sample_rate" mapstructure:"sample_rate"`
	DecoderCommand string `yaml:"decoder_command" mapstructure:"decoder_command"`
}

// SpectrumSettings tunes the analyzer output.
type SpectrumSettings struct {
	MaxHz              int     `yaml:"max_hz" mapstructure:"max_hz"`
	YMinDBFS           float64 `yaml:"ymin_dbfs" mapstructure:"ymin_dbfs"`
	YMaxDBFS           float64 `yaml:"ymax_dbfs" mapstructure:"ymax_dbfs"`
	TimeSmoothingAlpha float64 `yaml:"time_smoothing_alpha" mapstructure:"time_smoothing_alpha"`
	FreqSmoothingBins  int     `yaml:"freq_smoothing_bins" mapstructure:"freq_smoothing_bins"`
	FPS                int     `yaml:"fps" mapstructure:"fps"`
	CorrPoints         int     `yaml:"corr_points" mapstructure:"corr_points"`
	CorrPointAlpha     float64 `yaml:"corr_point_alpha" mapstructure:"corr_point_alpha"`
}

// RecordingSettings configures encoder output.
type RecordingSettings struct {
	OutputDir   string `yaml:"output_dir" mapstructure:"output_dir"`
	Format      string `yaml:"format" mapstructure:"format"` // mp3, flac, ogg or wav
	BitrateKbps int    `yaml:"bitrate_kbps" mapstructure:"bitrate_kbps"`

	Retention RetentionSettings `yaml:"retention" mapstructure:"retention"`
}

// RetentionSettings controls pruning of old recordings in the output
// directory.
type RetentionSettings struct {
	Policy   string        `yaml:"policy" mapstructure:"policy"`       // none, age or usage
	MaxAge   time.Duration `yaml:"max_age" mapstructure:"max_age"`     // age policy
	MaxUsage float64       `yaml:"max_usage" mapstructure:"max_usage"` // usage policy, percent of the filesystem
	MinKeep  int           `yaml:"min_keep" mapstructure:"min_keep"`   // recordings kept per station regardless
	Interval time.Duration `yaml:"interval" mapstructure:"interval"`
}

// StationSettings locates the station database.
type StationSettings struct {
	Path string `yaml:"path" mapstructure:"path"`
}

// TerminationSettings bounds process teardown.
type TerminationSettings struct {
	GracefulTimeout time.Duration `yaml:"graceful_timeout" mapstructure:"graceful_timeout"`
	KillWait        time.Duration `yaml:"kill_wait" mapstructure:"kill_wait"`
	FinalizeTimeout time.Duration `yaml:"finalize_timeout" mapstructure:"finalize_timeout"`
}

// SentrySettings enables optional error telemetry.
type SentrySettings struct {
	Enabled bool   `yaml:"enabled" mapstructure:"enabled"`
	DSN     string `yaml:"dsn" mapstructure:"dsn"`
}

// PrometheusSettings exposes metrics.
type PrometheusSettings struct {
	Enabled bool   `yaml:"enabled" mapstructure:"enabled"`
	Listen  string `yaml:"listen" mapstructure:"listen"`
}

// TelemetrySettings groups error and metrics telemetry.
type TelemetrySettings struct {
	Sentry     SentrySettings     `yaml:"sentry" mapstructure:"sentry"`
	Prometheus PrometheusSettings `yaml:"prometheus" mapstructure:"prometheus"`
}

// WebServerSettings configures the status API.
type WebServerSettings struct {
	Enabled bool   `yaml:"enabled" mapstructure:"enabled"`
	Listen  string `yaml:"listen" mapstructure:"listen"`
}

// MQTTSettings configures station publishing.
type MQTTSettings struct {
	Enabled  bool   `yaml:"enabled" mapstructure:"enabled"`
	Broker   string `yaml:"broker" mapstructure:"broker"`
	ClientID string `yaml:"client_id" mapstructure:"client_id"`
	Username string `yaml:"username" mapstructure:"username"`
	Password string `yaml:"password" mapstructure:"password"`
	Topic    string `yaml:"topic" mapstructure:"topic"`
	Retain   bool   `yaml:"retain" mapstructure:"retain"`
}

// Settings is the root configuration.
type Settings struct {
	Debug       bool                 `yaml:"debug" mapstructure:"debug"`
	SDR         SDRSettings          `yaml:"sdr" mapstructure:"sdr"`
	Band        BandSettings         `yaml:"band" mapstructure:"band"`
	Audio       AudioSettings        `yaml:"audio" mapstructure:"audio"`
	DSP         DSPSettings          `yaml:"dsp" mapstructure:"dsp"`
	Playback    PlaybackSettings     `yaml:"playback" mapstructure:"playback"`
	RDS         RDSSettings          `yaml:"rds" mapstructure:"rds"`
	Spectrum    SpectrumSettings     `yaml:"spectrum" mapstructure:"spectrum"`
	Recording   RecordingSettings    `yaml:"recording" mapstructure:"recording"`
	Stations    StationSettings      `yaml:"stations" mapstructure:"stations"`
	Termination TerminationSettings  `yaml:"termination" mapstructure:"termination"`
	Logging     logger.LoggingConfig `yaml:"logging" mapstructure:"logging"`
	Telemetry   TelemetrySettings    `yaml:"telemetry" mapstructure:"telemetry"`
	WebServer   WebServerSettings    `yaml:"webserver" mapstructure:"webserver"`
	MQTT        MQTTSettings         `yaml:"mqtt" mapstructure:"mqtt"`
}

var (
	settingsInstance *Settings
	settingsMutex    sync.RWMutex
)

// GetLogger returns the configuration module logger.
func GetLogger() logger.Logger {
	return logger.Global().Module("config")
}

// Load reads the configuration file and environment into Settings.
func Load() (*Settings, error) {
	settingsMutex.Lock()
	defer settingsMutex.Unlock()

	if err := initViper(); err != nil {
		return nil, fmt.Errorf("error initializing viper: %w", err)
	}

	settings, err := unmarshalSettings(viper.GetViper())
	if err != nil {
		return nil, err
	}

	settingsInstance = settings
	return settingsInstance, nil
}

// unmarshalSettings decodes v, normalizes, then validates.
func unmarshalSettings(v *viper.Viper) (*Settings, error) {
	settings := &Settings{}
	if err := v.Unmarshal(settings); err != nil {
		return nil, errors.New(fmt.Errorf("error unmarshaling config into struct: %w", err)).
			Component("conf").
			Category(errors.CategoryConfiguration).
			Build()
	}

	NormalizeSettings(settings)

	if err := ValidateSettings(settings); err != nil {
		return nil, errors.New(fmt.Errorf("error validating settings: %w", err)).
			Component("conf").
			Category(errors.CategoryValidation).
			Build()
	}

	return settings, nil
}

// initViper sets defaults and reads the configuration file, creating one if missing.
func initViper() error {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.SetEnvPrefix("RADIORDS")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	configPaths, err := GetDefaultConfigPaths()
	if err != nil {
		return fmt.Errorf("error getting default config paths: %w", err)
	}
	for _, path := range configPaths {
		viper.AddConfigPath(path)
	}

	setDefaultConfig(viper.GetViper())

	err = viper.ReadInConfig()
	if err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if errors.As(err, &configFileNotFoundError) {
			return createDefaultConfig(configPaths[0])
		}
		return fmt.Errorf("fatal error reading config file: %w", err)
	}

	return nil
}

// createDefaultConfig writes the embedded default config into dir
func createDefaultConfig(dir string) error {
	configPath := filepath.Join(dir, "config.yaml")

	data, err := fs.ReadFile(configFiles, "config.yaml")
	if err != nil {
		return fmt.Errorf("error reading embedded config: %w", err)
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("error creating directories for config file: %w", err)
	}
	if err := os.WriteFile(configPath, data, 0o644); err != nil { //nolint:gosec // config is not secret by default
		return fmt.Errorf("error writing default config file: %w", err)
	}

	GetLogger().Info("created default config file", logger.String("path", configPath))
	return viper.ReadInConfig()
}

// GetSettings returns the current settings instance
func GetSettings() *Settings {
	settingsMutex.RLock()
	defer settingsMutex.RUnlock()
	return settingsInstance
}

// SaveSettings writes the current settings back to the config file in use.
func SaveSettings() error {
	settingsMutex.RLock()
	defer settingsMutex.RUnlock()

	if settingsInstance == nil {
		return fmt.Errorf("settings not loaded")
	}

	configPath := viper.ConfigFileUsed()
	if configPath == "" {
		return fmt.Errorf("no config file in use")
	}

	return SaveYAMLConfig(configPath, settingsInstance)
}

// SaveYAMLConfig marshals settings and replaces configPath atomically.
// Comments in the existing file are not preserved.
func SaveYAMLConfig(configPath string, settings *Settings) error {
	yamlData, err := yaml.Marshal(settings)
	if err != nil {
		return fmt.Errorf("error marshaling settings to YAML: %w", err)
	}

	return WriteFileAtomic(configPath, yamlData, 0o644)
}

// WriteFileAtomic writes data to a temp file in the same directory and renames it over path.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tempFile, err := os.CreateTemp(dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("error creating temporary file: %w", err)
	}
	tempFileName := tempFile.Name()
	defer os.Remove(tempFileName)

	if _, err := tempFile.Write(data); err != nil {
		_ = tempFile.Close()
		return fmt.Errorf("error writing to temporary file: %w", err)
	}
	if err := tempFile.Chmod(perm); err != nil {
		_ = tempFile.Close()
		return fmt.Errorf("error setting file mode: %w", err)
	}
	if err := tempFile.Close(); err != nil {
		return fmt.Errorf("error closing temporary file: %w", err)
	}

	if err := os.Rename(tempFileName, path); err != nil {
		return fmt.Errorf("error replacing %s: %w", path, err)
	}
	return nil
}

// GetDefaultConfigPaths returns the directories searched for config.yaml, in order.
func GetDefaultConfigPaths() ([]string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, errors.New(err).
			Component("conf").
			Category(errors.CategoryConfiguration).
			Context("operation", "get-home-directory").
			Build()
	}

	return []string{
		filepath.Join(homeDir, ".config", "radiords"),
		".",
	}, nil
}
