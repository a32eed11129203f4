// Package events is the ordered message queue between the runtime workers
// and the presentation layer. Workers publish without blocking; a single
// worker delivers messages to consumers in publish order.
package events

import (
	"time"
)

// Kind identifies a message type.
type Kind string

const (
	KindStatus       Kind = "status"        // player or session state changed
	KindStation      Kind = "station"       // a station record was merged
	KindScanProgress Kind = "scan_progress" // one scan step finished
	KindScanDone     Kind = "scan_done"
	KindRecording    Kind = "recording" // recording started or finalized
	KindSpectrum     Kind = "spectrum"  // a new spectrum frame is available
	KindError        Kind = "error"     // user-facing failure
	KindClose        Kind = "close"     // the presentation layer should close
)

// Message is one queued notification.
type Message struct {
	Seq     uint64    `json:"seq"`
	Kind    Kind      `json:"kind"`
	At      time.Time `json:"at"`
	Payload any       `json:"payload,omitempty"`
}

// Consumer receives messages on the bus worker.
type Consumer interface {
	// Name identifies the consumer in logs.
	Name() string

	// ProcessMessage handles one message. It must not block for long.
	ProcessMessage(msg Message) error
}

// ConsumerFunc adapts a function to Consumer.
type ConsumerFunc struct {
	ID string
	Fn func(Message) error
}

// Name implements Consumer.
func (c ConsumerFunc) Name() string { return c.ID }

// ProcessMessage implements Consumer.
func (c ConsumerFunc) ProcessMessage(msg Message) error { return c.Fn(msg) }

// BusStats contains runtime statistics.
type BusStats struct {
	MessagesReceived  uint64 `json:"received"`
	MessagesProcessed uint64 `json:"processed"`
	MessagesDropped   uint64 `json:"dropped"`
	ConsumerErrors    uint64 `json:"consumer_errors"`
}
