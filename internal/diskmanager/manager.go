// Package diskmanager prunes old recordings from the recording output
// directory, either by age or when the filesystem fills up. The newest
// MinKeep recordings of every station are never removed, nor is the
// recording being written.
package diskmanager

import (
	"context"
	"os"
	"time"

	"github.com/radiords/radiords/internal/conf"
	"github.com/radiords/radiords/internal/errors"
	"github.com/radiords/radiords/internal/logger"
	"github.com/radiords/radiords/internal/observability/metrics"
)

// maxDeletions caps the files removed in one run.
const maxDeletions = 1000

// GetLogger returns the diskmanager module logger.
func GetLogger() logger.Logger {
	return logger.Global().Module("diskmanager")
}

// Result summarizes one cleanup run.
type Result struct {
	Policy     string
	Scanned    int
	Deleted    int
	FreedBytes int64
}

// Manager applies a retention policy to a recordings directory.
type Manager struct {
	dir      string
	settings conf.RetentionSettings
	locked   func() []string
	usage    func(string) (float64, error)
	remove   func(string) error
	now      func() time.Time
	metrics  metrics.Recorder
	log      logger.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithLockedPaths supplies the paths that must survive, typically the
// active recording.
func WithLockedPaths(fn func() []string) Option {
	return func(m *Manager) { m.locked = fn }
}

// WithDiskUsage replaces the filesystem usage probe.
func WithDiskUsage(fn func(path string) (float64, error)) Option {
	return func(m *Manager) { m.usage = fn }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithMetrics records cleanup runs.
func WithMetrics(r metrics.Recorder) Option {
	return func(m *Manager) { m.metrics = metrics.OrNoOp(r) }
}

// New creates a Manager for the recording settings.
func New(settings *conf.RecordingSettings, opts ...Option) *Manager {
	m := &Manager{
		dir:      settings.OutputDir,
		settings: settings.Retention,
		locked:   func() []string { return nil },
		usage:    GetDiskUsage,
		remove:   os.Remove,
		now:      time.Now,
		metrics:  metrics.NewNoOpRecorder(),
		log:      GetLogger(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Enabled reports whether a policy other than none is configured.
func (m *Manager) Enabled() bool {
	return m.settings.Policy != "" && m.settings.Policy != conf.RetentionNone
}

// Cleanup runs the configured policy once. A missing output directory is
// not an error: nothing has been recorded yet.
func (m *Manager) Cleanup(ctx context.Context) (Result, error) {
	res := Result{Policy: m.settings.Policy}
	if !m.Enabled() {
		return res, nil
	}
	if _, err := os.Stat(m.dir); errors.Is(err, os.ErrNotExist) {
		return res, nil
	}

	start := m.now()
	files, err := GetRecordings(m.dir, m.locked())
	if err == nil {
		res.Scanned = len(files)
		switch m.settings.Policy {
		case conf.RetentionAge:
			err = m.ageBased(ctx, files, &res)
		case conf.RetentionUsage:
			err = m.usageBased(ctx, files, &res)
		default:
			err = errors.Newf("unknown retention policy %q", m.settings.Policy).
				Component("diskmanager").
				Category(errors.CategoryConfiguration).
				Build()
		}
	}

	status := metrics.StatusSuccess
	switch {
	case errors.Is(err, context.Canceled):
		status = metrics.StatusCanceled
		err = nil
	case err != nil:
		status = metrics.StatusError
		m.metrics.RecordError(metrics.OpRetention, m.settings.Policy)
	}
	m.metrics.RecordOperation(metrics.OpRetention, status)
	m.metrics.RecordDuration(metrics.OpRetention, m.now().Sub(start).Seconds())

	if res.Deleted > 0 {
		m.log.Info("retention policy applied",
			logger.String("policy", res.Policy),
			logger.Int("files_deleted", res.Deleted),
			logger.Int64("bytes_freed", res.FreedBytes))
	}
	return res, err
}

// Run applies the policy every interval until ctx is done.
func (m *Manager) Run(ctx context.Context) error {
	if !m.Enabled() {
		return nil
	}
	ticker := time.NewTicker(m.settings.Interval)
	defer ticker.Stop()

	for {
		if _, err := m.Cleanup(ctx); err != nil {
			m.log.Warn("recording cleanup failed", logger.Error(err))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// deletable reports whether f may go without dropping its station below
// the minimum.
func (m *Manager) deletable(f *FileInfo, counts map[string]int) bool {
	if f.Locked {
		m.log.Debug("skipping locked recording", logger.String("path", f.Path))
		return false
	}
	if counts[stationKey(f)] <= m.settings.MinKeep {
		return false
	}
	return true
}

func (m *Manager) delete(f *FileInfo, counts map[string]int, res *Result) error {
	if err := m.remove(f.Path); err != nil {
		return errors.New(err).
			Component("diskmanager").
			Category(errors.CategoryFileIO).
			Context("path", f.Path).
			Build()
	}
	counts[stationKey(f)]--
	res.Deleted++
	res.FreedBytes += f.Size
	m.log.Debug("recording deleted", logger.String("path", f.Path))
	return nil
}
