package app

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/radiords/radiords/internal/events"
	"github.com/radiords/radiords/internal/player"
	"github.com/radiords/radiords/internal/recorder"
	"github.com/radiords/radiords/internal/scanner"
	"github.com/radiords/radiords/internal/station"
)

// Console renders presentation messages as terminal lines. It is the
// presentation layer of the command line.
type Console struct {
	w io.Writer

	mu         sync.Mutex
	tuned      float64
	nowPlaying string
}

// NewConsole writes to w.
func NewConsole(w io.Writer) *Console {
	return &Console{w: w}
}

// Name implements events.Consumer.
func (c *Console) Name() string { return "console" }

// ProcessMessage implements events.Consumer.
func (c *Console) ProcessMessage(msg events.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var err error
	switch p := msg.Payload.(type) {
	case player.Status:
		err = c.status(p)
	case station.Station:
		err = c.station(p)
	case scanner.Progress:
		_, err = fmt.Fprintf(c.w, "[%3.0f%%] %7.1f MHz  %s\n", p.Percent, p.Freq, p.PS)
	case scanner.Report:
		verb := "finished"
		if p.Canceled {
			verb = "canceled"
		}
		_, err = fmt.Fprintf(c.w, "scan %s: %d stations in %s\n", verb, len(p.Found), p.Elapsed.Round(100*time.Millisecond))
	case recorder.Info:
		err = c.recording(p)
	case error:
		_, err = fmt.Fprintf(c.w, "error: %v\n", p)
	default:
		if msg.Kind == events.KindClose {
			_, err = fmt.Fprintln(c.w, "closing")
		}
	}
	return err
}

func (c *Console) status(s player.Status) error {
	if !s.Playing {
		c.tuned = 0
		c.nowPlaying = ""
		_, err := fmt.Fprintln(c.w, "stopped")
		return err
	}
	c.tuned = s.FreqMHz
	name := fmt.Sprintf("%s MHz", formatFreq(s.FreqMHz))
	if s.Station != nil {
		name = s.Station.DisplayName()
	}
	_, err := fmt.Fprintf(c.w, "playing %s\n", name)
	return err
}

// station prints metadata of the tuned station when the song changes.
func (c *Console) station(st station.Station) error {
	if c.tuned == 0 || !station.SameFrequency(st.Freq, c.tuned) {
		return nil
	}
	now := st.NowPlaying()
	if now == "" || now == c.nowPlaying {
		return nil
	}
	c.nowPlaying = now
	_, err := fmt.Fprintf(c.w, "%s | %s\n", st.DisplayName(), now)
	return err
}

func (c *Console) recording(info recorder.Info) error {
	switch {
	case info.Error != "":
		_, err := fmt.Fprintf(c.w, "recording failed: %s\n", info.Error)
		return err
	case info.Finalized:
		_, err := fmt.Fprintf(c.w, "recording saved: %s (%d bytes)\n", info.Path, info.FileSize)
		return err
	default:
		_, err := fmt.Fprintf(c.w, "recording to %s\n", info.Path)
		return err
	}
}

func formatFreq(mhz float64) string {
	return fmt.Sprintf("%.1f", mhz)
}
