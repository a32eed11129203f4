// Package station holds the station database: one record per frequency,
// merged in place from decoded metadata and persisted as JSON.
package station

import (
	"encoding/json"
	"fmt"
	"maps"
	"math"
	"slices"
	"strings"
	"time"
)

// FrequencyEpsilon is the tolerance in MHz under which two frequencies are
// the same station. Half the finest 10 kHz raster.
const FrequencyEpsilon = 0.005

// SameFrequency reports whether a and b denote the same station.
func SameFrequency(a, b float64) bool {
	return math.Abs(a-b) < FrequencyEpsilon
}

// rtplus aliases in lookup order; the first non-empty one wins.
var rtplusKeys = []string{"rtplus", "radio_text_plus", "radiotext_plus", "radiotextplus", "rt_plus"}

// RTPlusKeys returns the decoder keys that may carry RadioText Plus.
func RTPlusKeys() []string { return slices.Clone(rtplusKeys) }

// Station is one broadcast station as persisted.
type Station struct {
	Freq      float64        `json:"freq"`
	PS        *string        `json:"ps"`
	RadioText *string        `json:"radiotext"`
	RTPlus    map[string]any `json:"rtplus"`
	PI        *string        `json:"pi"`
	ProgType  *string        `json:"prog_type"`
	AltFreqs  []float64      `json:"alt_freqs"`
	Stereo    bool           `json:"stereo"`
	TP        bool           `json:"tp"`
	TA        bool           `json:"ta"`
	LastSeen  Timestamp      `json:"last_seen"`
	RDSCount  int            `json:"rds_count"`
}

// New returns an empty station at freq.
func New(freq float64) *Station {
	return &Station{Freq: freq, AltFreqs: []float64{}}
}

// Update is one decoded metadata record. Nil pointers and a nil AltFreqs
// mean the key was absent and leave the station field untouched.
type Update struct {
	PS        *string
	RadioText *string
	RTPlus    map[string]any
	PI        *string
	ProgType  *string
	AltFreqs  []float64 // non-nil, possibly empty, when present
	Stereo    *bool
	TP        *bool
	TA        *bool
	HasDI     bool // decoder identification block seen, even without a stereo flag
}

// Interesting reports whether the record carries anything worth merging.
func (u *Update) Interesting() bool {
	if u.PS != nil && *u.PS != "" {
		return true
	}
	if u.RadioText != nil && *u.RadioText != "" {
		return true
	}
	if len(u.RTPlus) > 0 {
		return true
	}
	return u.ProgType != nil || u.PI != nil || u.HasDI || u.TP != nil || u.TA != nil
}

// Apply merges u into s. Absent fields never clear known ones.
func (s *Station) Apply(u *Update, now time.Time) {
	s.RDSCount++
	s.LastSeen = NewTimestamp(now)

	if u.PS != nil {
		s.PS = u.PS
	}
	if u.RadioText != nil {
		s.RadioText = u.RadioText
	}
	if len(u.RTPlus) > 0 {
		s.RTPlus = maps.Clone(u.RTPlus)
	}
	if u.PI != nil {
		s.PI = u.PI
	}
	if u.ProgType != nil {
		s.ProgType = u.ProgType
	}
	if u.AltFreqs != nil {
		s.AltFreqs = slices.Clone(u.AltFreqs)
	}
	if u.Stereo != nil {
		s.Stereo = *u.Stereo
	}
	if u.TP != nil {
		s.TP = *u.TP
	}
	if u.TA != nil {
		s.TA = *u.TA
	}
}

// Clone returns a copy that shares no mutable state with s.
func (s *Station) Clone() Station {
	c := *s
	c.RTPlus = maps.Clone(s.RTPlus)
	c.AltFreqs = slices.Clone(s.AltFreqs)
	if c.AltFreqs == nil {
		c.AltFreqs = []float64{}
	}
	return c
}

// Name returns the programme service name or "Unknown".
func (s *Station) Name() string {
	if s.PS == nil || strings.TrimSpace(*s.PS) == "" {
		return "Unknown"
	}
	return strings.TrimSpace(*s.PS)
}

// DisplayName is the label used in station pickers.
func (s *Station) DisplayName() string {
	return fmt.Sprintf("%.1f MHz - %s", s.Freq, s.Name())
}

func (s *Station) String() string {
	stereo := ""
	if s.Stereo {
		stereo = " [STEREO]"
	}
	return fmt.Sprintf("%.1f MHz: %s%s", s.Freq, s.Name(), stereo)
}

// NowPlaying extracts "artist — title" from RadioText Plus, or just the
// title. It returns "" when nothing is known.
func (s *Station) NowPlaying() string {
	if len(s.RTPlus) == 0 {
		return ""
	}
	title := firstString(s.RTPlus, "item_title", "title", "song", "track")
	artist := firstString(s.RTPlus, "item_artist", "artist", "performer")
	switch {
	case title != "" && artist != "":
		return artist + " — " + title
	default:
		return title
	}
}

func firstString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := m[k].(string); ok && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

// timestampLayouts are accepted when reading last_seen. Files written by
// older tools carry naive local ISO timestamps.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
}

// Timestamp is a last-seen time that encodes as RFC 3339 and null when zero.
type Timestamp struct {
	time.Time
}

// NewTimestamp returns t in UTC truncated to milliseconds.
func NewTimestamp(t time.Time) Timestamp {
	return Timestamp{t.UTC().Truncate(time.Millisecond)}
}

// MarshalJSON implements json.Marshaler.
func (ts Timestamp) MarshalJSON() ([]byte, error) {
	if ts.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(ts.Format(time.RFC3339Nano))
}

// UnmarshalJSON implements json.Unmarshaler.
func (ts *Timestamp) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		ts.Time = time.Time{}
		return nil
	}
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("last_seen: %w", err)
	}
	for _, layout := range timestampLayouts {
		if t, err := time.ParseInLocation(layout, raw, time.Local); err == nil {
			if layout == time.RFC3339Nano {
				t = t.UTC()
			}
			ts.Time = t
			return nil
		}
	}
	return fmt.Errorf("last_seen: unrecognized timestamp %q", raw)
}
