package mqtt

import (
	"time"

	"github.com/radiords/radiords/internal/station"
)

// StationDTO is the JSON payload published for a station. Field names are
// part of the topic contract consumed by home automation.
type StationDTO struct {
	Frequency  float64        `json:"frequency"`
	Name       string         `json:"name"`
	Display    string         `json:"display"`
	PS         string         `json:"ps,omitempty"`
	RadioText  string         `json:"radiotext,omitempty"`
	NowPlaying string         `json:"now_playing,omitempty"`
	RTPlus     map[string]any `json:"rtplus,omitempty"`
	PI         string         `json:"pi,omitempty"`
	ProgType   string         `json:"prog_type,omitempty"`
	AltFreqs   []float64      `json:"alt_frequencies,omitempty"`
	Stereo     bool           `json:"stereo"`
	TP         bool           `json:"tp"`
	TA         bool           `json:"ta"`
	LastSeen   string         `json:"last_seen,omitempty"`
	RDSCount   int            `json:"rds_count"`
}

// NewStationDTO converts a station record.
func NewStationDTO(st station.Station) StationDTO {
	dto := StationDTO{
		Frequency:  st.Freq,
		Name:       st.Name(),
		Display:    st.DisplayName(),
		NowPlaying: st.NowPlaying(),
		RTPlus:     st.RTPlus,
		AltFreqs:   st.AltFreqs,
		Stereo:     st.Stereo,
		TP:         st.TP,
		TA:         st.TA,
		RDSCount:   st.RDSCount,
	}
	if st.PS != nil {
		dto.PS = *st.PS
	}
	if st.RadioText != nil {
		dto.RadioText = *st.RadioText
	}
	if st.PI != nil {
		dto.PI = *st.PI
	}
	if st.ProgType != nil {
		dto.ProgType = *st.ProgType
	}
	if !st.LastSeen.IsZero() {
		dto.LastSeen = st.LastSeen.Format(time.RFC3339Nano)
	}
	return dto
}
