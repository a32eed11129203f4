package recorder

import (
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/radiords/radiords/internal/errors"
	"github.com/radiords/radiords/internal/supervisor"
)

// Format is an output container.
type Format string

const (
	FormatMP3  Format = "mp3"
	FormatFLAC Format = "flac"
	FormatOGG  Format = "ogg"
	FormatWAV  Format = "wav"
)

// ParseFormat accepts the configured format name.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case FormatMP3, FormatFLAC, FormatOGG, FormatWAV:
		return f, nil
	default:
		return "", errors.Newf("unsupported recording format %q", s).
			Component("recorder").
			Category(errors.CategoryValidation).
			Build()
	}
}

// Extension returns the file extension without the dot.
func (f Format) Extension() string { return string(f) }

// Encoder returns the external binary for f, or "" when f is written in-process.
func (f Format) Encoder() string {
	switch f {
	case FormatMP3:
		return "lame"
	case FormatFLAC:
		return "flac"
	case FormatOGG:
		return "oggenc"
	default:
		return ""
	}
}

// EncoderSpec builds the encoder process reading raw S16LE stereo on stdin.
func EncoderSpec(f Format, path string, sampleRate, bitrateKbps int) supervisor.Spec {
	rate := strconv.Itoa(sampleRate)
	bitrate := strconv.Itoa(bitrateKbps)
	var args []string
	switch f {
	case FormatMP3:
		khz := strconv.FormatFloat(float64(sampleRate)/1000, 'f', -1, 64)
		args = []string{"--quiet", "-r", "--signed", "--little-endian", "--bitwidth", "16",
			"-s", khz, "-m", "j", "--cbr", "-b", bitrate, "-q", "2", "-", path}
	case FormatFLAC:
		args = []string{"--silent", "--force", "--force-raw-format", "--endian=little", "--sign=signed",
			"--channels=2", "--bps=16", "--sample-rate=" + rate, "-o", path, "-"}
	case FormatOGG:
		args = []string{"--quiet", "-r", "-B", "16", "-C", "2", "-R", rate, "--raw-endianness", "0",
			"-b", bitrate, "-o", path, "-"}
	}
	return supervisor.Spec{Name: "encoder", Path: f.Encoder(), Args: args}.WithStdin()
}

// FileName returns recording_<station>_<YYYYmmdd_HHMMSS>.<ext>. The station
// part keeps letters, digits, '-', '_' and spaces, with spaces turned into
// underscores; an empty result falls back to the frequency.
func FileName(ps string, freqMHz float64, at time.Time, f Format) string {
	name := sanitize(ps)
	if name == "" {
		name = fmt.Sprintf("%.1fMHz", freqMHz)
	}
	return fmt.Sprintf("recording_%s_%s.%s", name, at.Format("20060102_150405"), f.Extension())
}

func sanitize(s string) string {
	var b strings.Builder
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == ' ' || r == '-' || r == '_' {
			b.WriteRune(r)
		}
	}
	return strings.ReplaceAll(strings.TrimSpace(b.String()), " ", "_")
}
