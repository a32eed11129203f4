package station

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ptr[T any](v T) *T { return &v }

func TestApplyPartialUpdateKeepsKnownFields(t *testing.T) {
	t.Parallel()

	st := New(98.5)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	st.Apply(&Update{
		PS:        ptr("RADIO 1"),
		RadioText: ptr("Morning show"),
		PI:        ptr("0x3201"),
		AltFreqs:  []float64{88.1, 101.3},
		Stereo:    ptr(true),
		TP:        ptr(true),
	}, now)

	st.Apply(&Update{ProgType: ptr("Pop Music")}, now.Add(time.Second))

	require.NotNil(t, st.PS)
	assert.Equal(t, "RADIO 1", *st.PS)
	assert.Equal(t, "Morning show", *st.RadioText)
	assert.Equal(t, "0x3201", *st.PI)
	assert.Equal(t, "Pop Music", *st.ProgType)
	assert.Equal(t, []float64{88.1, 101.3}, st.AltFreqs)
	assert.True(t, st.Stereo)
	assert.True(t, st.TP)
	assert.False(t, st.TA)
	assert.Equal(t, 2, st.RDSCount)
	assert.Equal(t, now.Add(time.Second), st.LastSeen.Time)
}

func TestApplyEmptyAltFreqsIsPresent(t *testing.T) {
	t.Parallel()

	st := New(98.5)
	st.Apply(&Update{AltFreqs: []float64{88.1}}, time.Now())
	st.Apply(&Update{AltFreqs: []float64{}}, time.Now())
	assert.Empty(t, st.AltFreqs)

	st.Apply(&Update{AltFreqs: []float64{90.0}}, time.Now())
	st.Apply(&Update{}, time.Now())
	assert.Equal(t, []float64{90.0}, st.AltFreqs)
}

func TestInteresting(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		u    Update
		want bool
	}{
		{name: "empty", u: Update{}, want: false},
		{name: "empty ps", u: Update{PS: ptr("")}, want: false},
		{name: "ps", u: Update{PS: ptr("X")}, want: true},
		{name: "radiotext", u: Update{RadioText: ptr("hi")}, want: true},
		{name: "rtplus", u: Update{RTPlus: map[string]any{"title": "x"}}, want: true},
		{name: "pi only", u: Update{PI: ptr("0x1")}, want: true},
		{name: "di block", u: Update{HasDI: true}, want: true},
		{name: "ta", u: Update{TA: ptr(false)}, want: true},
		{name: "alt freqs alone", u: Update{AltFreqs: []float64{88}}, want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, tt.u.Interesting())
		})
	}
}

func TestNowPlaying(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		rtplus map[string]any
		want   string
	}{
		{name: "none", want: ""},
		{name: "artist and title", rtplus: map[string]any{"item_artist": "Queen", "item_title": "Bohemian Rhapsody"}, want: "Queen — Bohemian Rhapsody"},
		{name: "fallback keys", rtplus: map[string]any{"performer": "ABBA", "song": "SOS"}, want: "ABBA — SOS"},
		{name: "title only", rtplus: map[string]any{"track": "Intro"}, want: "Intro"},
		{name: "artist only", rtplus: map[string]any{"artist": "Nobody"}, want: ""},
		{name: "non string ignored", rtplus: map[string]any{"title": 42.0}, want: ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			st := New(100)
			st.RTPlus = tt.rtplus
			assert.Equal(t, tt.want, st.NowPlaying())
		})
	}
}

func TestDisplayNames(t *testing.T) {
	t.Parallel()

	st := New(98.5)
	assert.Equal(t, "98.5 MHz - Unknown", st.DisplayName())
	st.PS = ptr("JAZZ FM ")
	st.Stereo = true
	assert.Equal(t, "98.5 MHz - JAZZ FM", st.DisplayName())
	assert.Equal(t, "98.5 MHz: JAZZ FM [STEREO]", st.String())
}

func TestTimestampAcceptsNaiveISO(t *testing.T) {
	t.Parallel()

	var st Station
	require.NoError(t, json.Unmarshal([]byte(`{"freq":98.5,"last_seen":"2024-05-01T10:20:30.123456"}`), &st))
	assert.Equal(t, 2024, st.LastSeen.Year())
	assert.Equal(t, 123456000, st.LastSeen.Nanosecond())

	require.NoError(t, json.Unmarshal([]byte(`{"freq":98.5,"last_seen":null}`), &st))
	assert.True(t, st.LastSeen.IsZero())

	require.Error(t, json.Unmarshal([]byte(`{"last_seen":"yesterday"}`), &st))
}

func TestSameFrequency(t *testing.T) {
	t.Parallel()

	assert.True(t, SameFrequency(87.7, 87.5+0.2))
	assert.True(t, SameFrequency(98.5, 98.504))
	assert.False(t, SameFrequency(98.5, 98.51))
	assert.False(t, SameFrequency(98.5, 98.6))
}
