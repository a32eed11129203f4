package conf

import (
	"fmt"
	"slices"
	"strconv"
	"strings"
)

// Band preset names.
const (
	BandWorldwide = "worldwide"
	BandUSCA      = "us_ca"
	BandJapan     = "japan"
	BandJapanWide = "japan_wide"
	BandBrazil    = "brazil"
	BandOIRT      = "oirt"
)

// Band is a scan range in integer kilohertz so stepping is exact.
type Band struct {
	Name    string
	MinKHz  int
	MaxKHz  int
	StepKHz int
}

var bandPresets = map[string]Band{
	BandWorldwide: {Name: BandWorldwide, MinKHz: 87500, MaxKHz: 108000, StepKHz: 100},
	BandUSCA:      {Name: BandUSCA, MinKHz: 87900, MaxKHz: 107900, StepKHz: 200},
	BandJapan:     {Name: BandJapan, MinKHz: 76000, MaxKHz: 95000, StepKHz: 100},
	BandJapanWide: {Name: BandJapanWide, MinKHz: 76000, MaxKHz: 99000, StepKHz: 100},
	BandBrazil:    {Name: BandBrazil, MinKHz: 76100, MaxKHz: 108000, StepKHz: 100},
	BandOIRT:      {Name: BandOIRT, MinKHz: 65800, MaxKHz: 74000, StepKHz: 100},
}

// BandPreset returns the preset with the given name.
func BandPreset(name string) (Band, bool) {
	b, ok := bandPresets[strings.ToLower(strings.TrimSpace(name))]
	return b, ok
}

// BandPresetNames returns the preset names in sorted order.
func BandPresetNames() []string {
	names := make([]string, 0, len(bandPresets))
	for name := range bandPresets {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// MinMHz returns the lower edge in megahertz.
func (b Band) MinMHz() float64 { return float64(b.MinKHz) / 1000 }

// MaxMHz returns the upper edge in megahertz.
func (b Band) MaxMHz() float64 { return float64(b.MaxKHz) / 1000 }

// StepMHz returns the step in megahertz.
func (b Band) StepMHz() float64 { return float64(b.StepKHz) / 1000 }

// Steps returns how many frequencies a scan of b visits, both edges included.
func (b Band) Steps() int {
	if b.StepKHz <= 0 || b.MaxKHz < b.MinKHz {
		return 0
	}
	return (b.MaxKHz-b.MinKHz)/b.StepKHz + 1
}

// Contains reports whether mhz lies inside the band.
func (b Band) Contains(mhz float64) bool {
	khz := MHzToKHz(mhz)
	return khz >= b.MinKHz && khz <= b.MaxKHz
}

func (b Band) String() string {
	return fmt.Sprintf("%s %.1f-%.1f MHz step %d kHz", b.Name, b.MinMHz(), b.MaxMHz(), b.StepKHz)
}

// ParseMHz parses a frequency such as "98.5" or "98.5MHz" and checks that
// it lies inside b.
func (b Band) ParseMHz(s string) (float64, error) {
	trimmed := strings.TrimSuffix(strings.ToLower(strings.TrimSpace(s)), "mhz")
	mhz, err := strconv.ParseFloat(strings.TrimSpace(trimmed), 64)
	if err != nil {
		return 0, fmt.Errorf("invalid frequency %q", s)
	}
	if !b.Contains(mhz) {
		return 0, fmt.Errorf("%s MHz is outside %s", FormatMHz(mhz), b)
	}
	return mhz, nil
}

// MHzToKHz rounds a megahertz value to the nearest kilohertz.
func MHzToKHz(mhz float64) int {
	if mhz < 0 {
		return int(mhz*1000 - 0.5)
	}
	return int(mhz*1000 + 0.5)
}

// ResolveBand returns the effective scan band. Custom limits replace the
// preset's, field by field, when non-zero.
func (s *BandSettings) ResolveBand() (Band, error) {
	preset := s.Preset
	if preset == "" {
		preset = BandWorldwide
	}
	b, ok := BandPreset(preset)
	if !ok {
		return Band{}, fmt.Errorf("unknown band preset %q, valid presets: %s",
			s.Preset, strings.Join(BandPresetNames(), ", "))
	}

	custom := false
	if s.MinKHz > 0 {
		b.MinKHz = s.MinKHz
		custom = true
	}
	if s.MaxKHz > 0 {
		b.MaxKHz = s.MaxKHz
		custom = true
	}
	if s.StepKHz > 0 {
		b.StepKHz = s.StepKHz
		custom = true
	}
	if custom {
		b.Name = "custom"
	}

	if b.StepKHz <= 0 {
		return Band{}, fmt.Errorf("band step must be positive, got %d kHz", b.StepKHz)
	}
	if b.MaxKHz < b.MinKHz {
		return Band{}, fmt.Errorf("band maximum %d kHz is below minimum %d kHz", b.MaxKHz, b.MinKHz)
	}
	return b, nil
}
