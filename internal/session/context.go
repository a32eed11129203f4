// Package session holds the orchestration state shared by the workers of
// one application run and the coordinator that tears them down.
package session

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/radiords/radiords/internal/arbiter"
	"github.com/radiords/radiords/internal/logger"
)

// GetLogger returns the session module logger.
func GetLogger() logger.Logger {
	return logger.Global().Module("session")
}

// Context is the shared state of one run: the closing flag, the last tuned
// frequency and whether it is playing, and the recording and scanning flags
// as seen by the arbiter.
// It is passed explicitly to every worker.
type Context struct {
	ID        uuid.UUID
	StartedAt time.Time

	arb     *arbiter.Arbiter
	closing atomic.Bool

	mu      sync.RWMutex
	freqMHz float64
	gain    float64
	tuned   bool
	playing bool
	tunedAt time.Time
}

// Snapshot is a read-only view of a Context.
type Snapshot struct {
	ID        string    `json:"id"`
	StartedAt time.Time `json:"started_at"`
	Closing   bool      `json:"closing"`
	Tuned     bool      `json:"tuned"`
	Playing   bool      `json:"playing"`
	FreqMHz   float64   `json:"freq_mhz,omitempty"`
	Gain      float64   `json:"gain_db,omitempty"`
	TunedAt   time.Time `json:"tuned_at,omitzero"`
	Recording bool      `json:"recording"`
	Scanning  bool      `json:"scanning"`
	Holder    string    `json:"device_holder"`
}

// New creates a Context over arb.
func New(arb *arbiter.Arbiter) *Context {
	return &Context{ID: uuid.New(), StartedAt: time.Now(), arb: arb}
}

// Arbiter returns the device arbiter.
func (c *Context) Arbiter() *arbiter.Arbiter { return c.arb }

// Closing reports whether shutdown has begun. Loops check it at their
// checkpoints.
func (c *Context) Closing() bool { return c.closing.Load() }

// markClosing sets the closing flag and reports whether this call set it.
func (c *Context) markClosing() bool { return c.closing.CompareAndSwap(false, true) }

// SetTuned records the frequency playback started on.
func (c *Context) SetTuned(freqMHz, gain float64) {
	c.mu.Lock()
	c.freqMHz, c.gain, c.tunedAt = freqMHz, gain, time.Now()
	c.tuned, c.playing = true, true
	c.mu.Unlock()
}

// StopPlaying marks playback ended. The frequency stays tuned so the
// refresher keeps that station's metadata current between sessions.
func (c *Context) StopPlaying() {
	c.mu.Lock()
	c.playing = false
	c.mu.Unlock()
}

// ClearTuned forgets the tuned frequency.
func (c *Context) ClearTuned() {
	c.mu.Lock()
	c.tuned, c.playing = false, false
	c.mu.Unlock()
}

// Tuned returns the last tuned frequency and gain, playing or not. It has
// the refresher's Tuning signature.
func (c *Context) Tuned() (freqMHz, gain float64, ok bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.freqMHz, c.gain, c.tuned
}

// Playing reports whether a playback session holds the tuned frequency.
func (c *Context) Playing() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.playing
}

// Recording reports whether a recording is active.
func (c *Context) Recording() bool { return c.arb.Recording() }

// Scanning reports whether a band scan is active.
func (c *Context) Scanning() bool { return c.arb.Scanning() }

// Snapshot returns the current state.
func (c *Context) Snapshot() Snapshot {
	st := c.arb.Status()
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Snapshot{
		ID:        c.ID.String(),
		StartedAt: c.StartedAt,
		Closing:   c.Closing(),
		Tuned:     c.tuned,
		Playing:   c.playing,
		FreqMHz:   c.freqMHz,
		Gain:      c.gain,
		TunedAt:   c.tunedAt,
		Recording: st.Recording,
		Scanning:  st.Scanning,
		Holder:    string(st.Holder),
	}
}
