package app

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/radiords/radiords/internal/events"
	"github.com/radiords/radiords/internal/player"
	"github.com/radiords/radiords/internal/recorder"
	"github.com/radiords/radiords/internal/scanner"
	"github.com/radiords/radiords/internal/station"
)

func TestConsoleFollowsTunedStation(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	c := NewConsole(&out)
	ps := "NRJ"
	song := station.Station{Freq: 98.5, PS: &ps, RTPlus: map[string]any{"item_artist": "Band", "item_title": "Song"}}
	other := station.Station{Freq: 101.1, PS: &ps, RTPlus: map[string]any{"item_title": "Elsewhere"}}

	msgs := []events.Message{
		{Kind: events.KindStatus, Payload: player.Status{Playing: true, FreqMHz: 98.5}},
		{Kind: events.KindStation, Payload: song},
		{Kind: events.KindStation, Payload: song},
		{Kind: events.KindStation, Payload: other},
		{Kind: events.KindStatus, Payload: player.Status{Playing: false}},
		{Kind: events.KindClose},
	}
	for _, m := range msgs {
		require.NoError(t, c.ProcessMessage(m))
	}

	assert.Equal(t,
		"playing 98.5 MHz\n"+
			"98.5 MHz - NRJ | Band — Song\n"+
			"stopped\n"+
			"closing\n",
		out.String(), "repeated metadata and other stations are not printed")
}

func TestConsoleScanAndRecording(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	c := NewConsole(&out)
	msgs := []events.Message{
		{Kind: events.KindScanProgress, Payload: scanner.Progress{Freq: 88.1, Percent: 50, PS: "RADIO1"}},
		{Kind: events.KindScanDone, Payload: scanner.Report{Found: make([]station.Station, 2)}},
		{Kind: events.KindRecording, Payload: recorder.Info{Path: "/tmp/a.mp3"}},
		{Kind: events.KindRecording, Payload: recorder.Info{Path: "/tmp/a.mp3", Finalized: true, FileSize: 42}},
		{Kind: events.KindError, Payload: errors.New("device busy")},
		{Kind: events.KindSpectrum, Payload: nil},
	}
	for _, m := range msgs {
		require.NoError(t, c.ProcessMessage(m))
	}

	assert.Equal(t,
		"[ 50%]    88.1 MHz  RADIO1\n"+
			"scan finished: 2 stations in 0s\n"+
			"recording to /tmp/a.mp3\n"+
			"recording saved: /tmp/a.mp3 (42 bytes)\n"+
			"error: device busy\n",
		out.String())
}
