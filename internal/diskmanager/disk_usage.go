// disk_usage.go - filesystem usage for the usage policy
package diskmanager

import (
	"github.com/shirou/gopsutil/v3/disk"

	"github.com/radiords/radiords/internal/errors"
)

// GetDiskUsage returns the used percentage of the filesystem holding path.
func GetDiskUsage(path string) (float64, error) {
	usage, err := disk.Usage(path)
	if err != nil {
		return 0, errors.New(err).
			Component("diskmanager").
			Category(errors.CategoryFileIO).
			Context("path", path).
			Build()
	}
	return usage.UsedPercent, nil
}
