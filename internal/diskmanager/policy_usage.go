// policy_usage.go - disk usage retention policy
package diskmanager

import (
	"context"

	"github.com/radiords/radiords/internal/logger"
)

// usageBased removes the oldest recordings while the filesystem is fuller
// than MaxUsage percent.
func (m *Manager) usageBased(ctx context.Context, files []FileInfo, res *Result) error {
	used, err := m.usage(m.dir)
	if err != nil {
		return err
	}
	if used <= m.settings.MaxUsage {
		m.log.Debug("disk usage below threshold",
			logger.Float64("usage", used),
			logger.Float64("threshold", m.settings.MaxUsage))
		return nil
	}

	counts := countPerStation(files)
	for i := range files {
		if err := ctx.Err(); err != nil {
			return err
		}
		f := &files[i]
		if !m.deletable(f, counts) {
			continue
		}
		if err := m.delete(f, counts, res); err != nil {
			return err
		}
		if res.Deleted >= maxDeletions {
			m.log.Debug("reached maximum number of deletions", logger.Int("max", maxDeletions))
			return nil
		}
		if used, err = m.usage(m.dir); err != nil {
			return err
		}
		if used <= m.settings.MaxUsage {
			return nil
		}
	}

	m.log.Warn("disk still above threshold after cleanup",
		logger.Float64("usage", used),
		logger.Float64("threshold", m.settings.MaxUsage))
	return nil
}
