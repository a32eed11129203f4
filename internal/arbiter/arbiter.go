// Package arbiter grants exclusive leases on the single receiver device.
//
// Acquisition never blocks: a held lease or a policy conflict yields a
// device-busy error and the caller decides whether to retry.
package arbiter

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/radiords/radiords/internal/errors"
	"github.com/radiords/radiords/internal/logger"
	"github.com/radiords/radiords/internal/observability/metrics"
)

// Holder identifies who owns the device.
type Holder string

const (
	HolderNone     Holder = ""
	HolderPlayback Holder = "playback"
	HolderScan     Holder = "scan"
	HolderRefresh  Holder = "refresh"
)

// Lease is a token for exclusive device ownership.
type Lease struct {
	ID         uuid.UUID
	Holder     Holder
	AcquiredAt time.Time

	released atomic.Bool
}

// Released reports whether the lease has been returned.
func (l *Lease) Released() bool { return l.released.Load() }

func (l *Lease) String() string {
	if l == nil {
		return "<nil lease>"
	}
	return fmt.Sprintf("%s/%s", l.Holder, l.ID.String()[:8])
}

// Status is a point-in-time view of the arbiter.
type Status struct {
	Holder    Holder    `json:"holder"`
	LeaseID   string    `json:"lease_id,omitempty"`
	Since     time.Time `json:"since,omitzero"`
	Recording bool      `json:"recording"`
	Scanning  bool      `json:"scanning"`
}

// GetLogger returns the arbiter module logger.
func GetLogger() logger.Logger {
	return logger.Global().Module("arbiter")
}

// Arbiter enforces at most one outstanding lease.
type Arbiter struct {
	mu        sync.Mutex
	current   *Lease
	recording bool
	scanning  bool

	metrics  metrics.Recorder
	onChange func(Holder)
	log      logger.Logger
}

// Option configures an Arbiter.
type Option func(*Arbiter)

// WithMetrics sets the metrics recorder.
func WithMetrics(r metrics.Recorder) Option {
	return func(a *Arbiter) { a.metrics = metrics.OrNoOp(r) }
}

// WithHolderGauge registers a callback invoked with the holder after every
// change. It runs under the arbiter lock and must not call back into it.
func WithHolderGauge(fn func(Holder)) Option {
	return func(a *Arbiter) { a.onChange = fn }
}

// New creates an Arbiter with no lease outstanding.
func New(opts ...Option) *Arbiter {
	a := &Arbiter{
		metrics: metrics.NewNoOpRecorder(),
		log:     GetLogger(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Acquire grants a lease to holder or fails fast with a device-busy error.
func (a *Arbiter) Acquire(holder Holder) (*Lease, error) {
	if holder == HolderNone {
		return nil, errors.Newf("lease holder must be set").
			Component("arbiter").
			Category(errors.CategoryValidation).
			Build()
	}

	a.mu.Lock()
	if reason := a.denyReasonLocked(holder); reason != "" {
		a.mu.Unlock()
		a.metrics.RecordOperation(metrics.OpLeaseAcquire, metrics.StatusDenied)
		a.log.Debug("lease denied", logger.String("holder", string(holder)), logger.String("reason", reason))
		return nil, busyError(holder, reason)
	}

	lease := &Lease{ID: uuid.New(), Holder: holder, AcquiredAt: time.Now()}
	a.current = lease
	a.notify(holder)
	a.mu.Unlock()

	a.metrics.RecordOperation(metrics.OpLeaseAcquire, metrics.StatusSuccess)
	a.log.Debug("lease granted", logger.String("lease", lease.String()))
	return lease, nil
}

// denyReasonLocked applies the priority rules. It returns "" when holder may proceed.
func (a *Arbiter) denyReasonLocked(holder Holder) string {
	if a.current != nil {
		return "device held by " + string(a.current.Holder)
	}
	switch holder {
	case HolderRefresh:
		if a.recording {
			return "recording in progress"
		}
		if a.scanning {
			return "scan in progress"
		}
	case HolderPlayback:
		if a.scanning {
			return "scan in progress"
		}
	}
	return ""
}

// Release returns lease. Releasing an already released lease is a no-op;
// releasing a lease the arbiter did not issue is a state error.
func (a *Arbiter) Release(lease *Lease) error {
	if lease == nil {
		return nil
	}

	a.mu.Lock()
	if a.current != lease {
		a.mu.Unlock()
		if lease.released.Load() {
			return nil
		}
		return errors.Newf("release of lease %s which is not current", lease).
			Component("arbiter").
			Category(errors.CategoryState).
			Build()
	}
	lease.released.Store(true)
	a.current = nil
	a.notify(HolderNone)
	a.mu.Unlock()

	a.metrics.RecordDuration(metrics.OpLeaseAcquire, time.Since(lease.AcquiredAt).Seconds())
	a.log.Debug("lease released", logger.String("lease", lease.String()),
		logger.Duration("held", time.Since(lease.AcquiredAt)))
	return nil
}

// BeginScan marks a band scan active. It fails while playback holds the device.
func (a *Arbiter) BeginScan() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.scanning {
		return errors.Newf("scan already in progress").
			Component("arbiter").
			Category(errors.CategoryDeviceBusy).
			Build()
	}
	if a.current != nil && a.current.Holder == HolderPlayback {
		return busyError(HolderScan, "playback in progress")
	}
	a.scanning = true
	return nil
}

// EndScan clears the scanning flag.
func (a *Arbiter) EndScan() {
	a.mu.Lock()
	a.scanning = false
	a.mu.Unlock()
}

// SetRecording sets the recording flag that suppresses metadata refresh.
func (a *Arbiter) SetRecording(active bool) {
	a.mu.Lock()
	a.recording = active
	a.mu.Unlock()
}

// Recording reports whether a recording is active.
func (a *Arbiter) Recording() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.recording
}

// Scanning reports whether a band scan is active.
func (a *Arbiter) Scanning() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.scanning
}

// Holder returns the current lease holder.
func (a *Arbiter) Holder() Holder {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.current == nil {
		return HolderNone
	}
	return a.current.Holder
}

// Status returns a snapshot.
func (a *Arbiter) Status() Status {
	a.mu.Lock()
	defer a.mu.Unlock()

	st := Status{Recording: a.recording, Scanning: a.scanning}
	if a.current != nil {
		st.Holder = a.current.Holder
		st.LeaseID = a.current.ID.String()
		st.Since = a.current.AcquiredAt
	}
	return st
}

func (a *Arbiter) notify(holder Holder) {
	if a.onChange != nil {
		a.onChange(holder)
	}
}

func busyError(holder Holder, reason string) error {
	return errors.Newf("receiver busy: %s", reason).
		Component("arbiter").
		Category(errors.CategoryDeviceBusy).
		Context("requester", string(holder)).
		Build()
}
