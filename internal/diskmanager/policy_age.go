// policy_age.go - age retention policy
package diskmanager

import (
	"context"

	"github.com/radiords/radiords/internal/logger"
)

// ageBased removes recordings older than MaxAge, oldest first.
func (m *Manager) ageBased(ctx context.Context, files []FileInfo, res *Result) error {
	counts := countPerStation(files)
	expiration := m.now().Add(-m.settings.MaxAge)

	for i := range files {
		if err := ctx.Err(); err != nil {
			return err
		}
		f := &files[i]
		if !f.Timestamp.Before(expiration) {
			// sorted oldest first
			break
		}
		if !m.deletable(f, counts) {
			continue
		}
		if err := m.delete(f, counts, res); err != nil {
			return err
		}
		if res.Deleted >= maxDeletions {
			m.log.Debug("reached maximum number of deletions", logger.Int("max", maxDeletions))
			break
		}
	}
	return nil
}
