package conf

import (
	"fmt"
	"math"
	"slices"
	"strings"
)

// ValidationError collects every configuration problem found in one pass.
type ValidationError struct {
	Errors []string
}

func (ve ValidationError) Error() string {
	return fmt.Sprintf("Validation errors: %v", ve.Errors)
}

// RecordingFormats lists the accepted recording.format values.
var RecordingFormats = []string{"mp3", "flac", "ogg", "wav"}

// Recording retention policies.
const (
	RetentionNone  = "none"
	RetentionAge   = "age"
	RetentionUsage = "usage"
)

// RetentionPolicies lists the accepted recording.retention.policy values.
var RetentionPolicies = []string{RetentionNone, RetentionAge, RetentionUsage}

// NormalizeSettings clamps tunables into range. It never fails; hard errors
// are left for ValidateSettings.
func NormalizeSettings(s *Settings) {
	s.SDR.GainDB = ClampGain(s.SDR.GainDB)

	if s.Audio.ChunkBytes > 0 {
		s.Audio.ChunkBytes -= s.Audio.ChunkBytes % BytesPerFrame
	}
	if s.Audio.ChunkBytes < BytesPerFrame {
		s.Audio.ChunkBytes = BytesPerFrame
	}
	if s.Audio.BufferChunks < 1 {
		s.Audio.BufferChunks = DefaultBufferChunks
	}

	s.RDS.IntervalS = clampInt(s.RDS.IntervalS, MinRDSIntervalS, MaxRDSIntervalS)
	if s.RDS.CaptureS < 1 {
		s.RDS.CaptureS = 1
	}
	if s.RDS.ScanCaptureS < 1 {
		s.RDS.ScanCaptureS = 1
	}

	sp := &s.Spectrum
	sp.MaxHz = clampInt(sp.MaxHz, 1000, 24000)
	sp.TimeSmoothingAlpha = clampFloat(sp.TimeSmoothingAlpha, 0, 1)
	sp.FreqSmoothingBins = clampInt(sp.FreqSmoothingBins, 0, 10)
	sp.FPS = clampInt(sp.FPS, 10, 120)
	sp.CorrPoints = clampInt(sp.CorrPoints, 64, 2048)
	sp.CorrPointAlpha = clampFloat(sp.CorrPointAlpha, 0, 1)
	if sp.YMaxDBFS <= sp.YMinDBFS {
		sp.YMinDBFS = DefaultYMinDBFS
		sp.YMaxDBFS = DefaultYMaxDBFS
	}

	s.Recording.Format = strings.ToLower(strings.TrimSpace(s.Recording.Format))
}

// ValidateSettings checks cross-field constraints.
func ValidateSettings(s *Settings) error {
	var problems []string

	if _, err := s.Band.ResolveBand(); err != nil {
		problems = append(problems, err.Error())
	}

	if s.Audio.AudioRateHz <= 0 || s.Audio.DemodRateHz <= 0 {
		problems = append(problems, "audio.demod_rate_hz and audio.audio_rate_hz must be positive")
	} else if s.Audio.DemodRateHz%s.Audio.AudioRateHz != 0 {
		problems = append(problems, fmt.Sprintf(
			"audio.demod_rate_hz (%d) must be an integer multiple of audio.audio_rate_hz (%d)",
			s.Audio.DemodRateHz, s.Audio.AudioRateHz))
	}

	if s.Audio.EnableDeemphasis && s.Audio.DeemphasisUS != 50 && s.Audio.DeemphasisUS != 75 {
		problems = append(problems, fmt.Sprintf("audio.deemphasis_us must be 50 or 75, got %d", s.Audio.DeemphasisUS))
	}

	if strings.TrimSpace(s.DSP.Command) == "" {
		problems = append(problems, "dsp.command must not be empty")
	}
	if strings.TrimSpace(s.Playback.Command) == "" {
		problems = append(problems, "playback.command must not be empty")
	}
	if strings.TrimSpace(s.RDS.DecoderCommand) == "" {
		problems = append(problems, "rds.decoder_command must not be empty")
	}
	if s.RDS.SampleRate <= 0 {
		problems = append(problems, "rds.sample_rate must be positive")
	}

	if !slices.Contains(RecordingFormats, s.Recording.Format) {
		problems = append(problems, fmt.Sprintf("recording.format must be one of %s, got %q",
			strings.Join(RecordingFormats, ", "), s.Recording.Format))
	}
	if s.Recording.BitrateKbps <= 0 {
		problems = append(problems, "recording.bitrate_kbps must be positive")
	}
	if r := s.Recording.Retention; r.Policy != RetentionNone {
		switch r.Policy {
		case RetentionAge:
			if r.MaxAge <= 0 {
				problems = append(problems, "recording.retention.max_age must be positive")
			}
		case RetentionUsage:
			if r.MaxUsage <= 0 || r.MaxUsage >= 100 {
				problems = append(problems, "recording.retention.max_usage must be between 0 and 100")
			}
		default:
			problems = append(problems, fmt.Sprintf("recording.retention.policy must be one of %s, got %q",
				strings.Join(RetentionPolicies, ", "), r.Policy))
		}
		if r.MinKeep < 0 {
			problems = append(problems, "recording.retention.min_keep must not be negative")
		}
		if r.Interval <= 0 {
			problems = append(problems, "recording.retention.interval must be positive")
		}
	}

	if strings.TrimSpace(s.Stations.Path) == "" {
		problems = append(problems, "stations.path must not be empty")
	}

	if s.Termination.GracefulTimeout <= 0 || s.Termination.KillWait <= 0 || s.Termination.FinalizeTimeout <= 0 {
		problems = append(problems, "termination timeouts must be positive")
	}

	if s.MQTT.Enabled && strings.TrimSpace(s.MQTT.Broker) == "" {
		problems = append(problems, "mqtt.broker is required when mqtt is enabled")
	}
	if s.Telemetry.Sentry.Enabled && strings.TrimSpace(s.Telemetry.Sentry.DSN) == "" {
		problems = append(problems, "telemetry.sentry.dsn is required when sentry is enabled")
	}

	if len(problems) > 0 {
		return ValidationError{Errors: problems}
	}
	return nil
}

// ClampGain limits gain to the tuner range and rounds to 0.1 dB.
func ClampGain(gain float64) float64 {
	gain = clampFloat(gain, 0, MaxGainDB)
	return math.Round(gain*10) / 10
}

func clampInt(v, lo, hi int) int {
	return max(lo, min(hi, v))
}

func clampFloat(v, lo, hi float64) float64 {
	if math.IsNaN(v) {
		return lo
	}
	return math.Max(lo, math.Min(hi, v))
}
