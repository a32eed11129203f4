package conf

import (
	"fmt"
	"strconv"
	"strings"
)

// CommandVars holds placeholder values for command templates.
type CommandVars map[string]string

// ExpandCommand substitutes {name} placeholders in tmpl. Unknown placeholders
// are left in place so a typo shows up in the spawned command line.
func ExpandCommand(tmpl string, vars CommandVars) string {
	pairs := make([]string, 0, len(vars)*2)
	for k, v := range vars {
		pairs = append(pairs, "{"+k+"}", v)
	}
	return strings.Join(strings.Fields(strings.NewReplacer(pairs...).Replace(tmpl)), " ")
}

// FormatMHz renders a frequency the way rtl_fm expects it.
func FormatMHz(mhz float64) string {
	return strconv.FormatFloat(mhz, 'f', -1, 64)
}

// DSPCommandVars returns the placeholders for the demodulator pipeline at freqMHz.
func (s *Settings) DSPCommandVars(freqMHz, gain float64) CommandVars {
	deemph := ""
	if s.Audio.EnableDeemphasis {
		deemph = "-E deemp"
	}
	return CommandVars{
		"freq":   FormatMHz(freqMHz),
		"demod":  strconv.Itoa(s.Audio.DemodRateHz),
		"audio":  strconv.Itoa(s.Audio.AudioRateHz),
		"gain":   fmt.Sprintf("%.1f", ClampGain(gain)),
		"ppm":    strconv.Itoa(s.SDR.PPM),
		"device": strconv.Itoa(s.SDR.DeviceIndex),
		"deemph": deemph,
	}
}

// DecoderCommandVars returns the placeholders for the metadata decoder at freqMHz.
func (s *Settings) DecoderCommandVars(freqMHz, gain float64) CommandVars {
	return CommandVars{
		"freq":   FormatMHz(freqMHz),
		"rate":   strconv.Itoa(s.RDS.SampleRate),
		"gain":   fmt.Sprintf("%.1f", ClampGain(gain)),
		"ppm":    strconv.Itoa(s.SDR.PPM),
		"device": strconv.Itoa(s.SDR.DeviceIndex),
	}
}

// PlaybackCommandVars returns the placeholders for the playback sink.
func (s *Settings) PlaybackCommandVars() CommandVars {
	return CommandVars{"audio": strconv.Itoa(s.Audio.AudioRateHz)}
}
