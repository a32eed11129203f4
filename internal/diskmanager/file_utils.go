// file_utils.go - recording discovery shared by the cleanup policies
package diskmanager

import (
	"cmp"
	"io/fs"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/radiords/radiords/internal/errors"
)

// allowedFileTypes is the list of file extensions that may be deleted.
var allowedFileTypes = []string{".mp3", ".flac", ".ogg", ".wav"}

const (
	fileNamePrefix  = "recording_"
	timestampLayout = "20060102_150405"
)

// FileInfo describes one recording on disk.
type FileInfo struct {
	Path      string
	Station   string
	Timestamp time.Time
	Size      int64
	Locked    bool
}

// GetRecordings returns the recordings under baseDir, oldest first. Files
// whose name does not follow the recorder's naming scheme are ignored, and
// any path in locked is marked Locked.
func GetRecordings(baseDir string, locked []string) ([]FileInfo, error) {
	var files []FileInfo

	err := filepath.WalkDir(baseDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !slices.Contains(allowedFileTypes, strings.ToLower(filepath.Ext(path))) {
			return nil
		}
		station, ts, ok := parseFileName(d.Name())
		if !ok {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		files = append(files, FileInfo{
			Path:      path,
			Station:   station,
			Timestamp: ts,
			Size:      info.Size(),
			Locked:    isLocked(path, locked),
		})
		return nil
	})
	if err != nil {
		return nil, errors.New(err).
			Component("diskmanager").
			Category(errors.CategoryFileIO).
			Context("base_dir", baseDir).
			Build()
	}

	slices.SortStableFunc(files, func(a, b FileInfo) int {
		if c := a.Timestamp.Compare(b.Timestamp); c != 0 {
			return c
		}
		return cmp.Compare(a.Path, b.Path)
	})
	return files, nil
}

// parseFileName splits recording_<station>_<YYYYmmdd_HHMMSS>.<ext>. The
// station part may itself contain underscores.
func parseFileName(name string) (station string, ts time.Time, ok bool) {
	base := strings.TrimSuffix(name, filepath.Ext(name))
	if !strings.HasPrefix(base, fileNamePrefix) {
		return "", time.Time{}, false
	}
	base = strings.TrimPrefix(base, fileNamePrefix)
	if len(base) < len(timestampLayout)+2 || base[len(base)-len(timestampLayout)-1] != '_' {
		return "", time.Time{}, false
	}
	ts, err := time.ParseInLocation(timestampLayout, base[len(base)-len(timestampLayout):], time.Local)
	if err != nil {
		return "", time.Time{}, false
	}
	return base[:len(base)-len(timestampLayout)-1], ts, true
}

func isLocked(path string, locked []string) bool {
	for _, l := range locked {
		if l != "" && filepath.Clean(l) == filepath.Clean(path) {
			return true
		}
	}
	return false
}

// countPerStation counts recordings per station and directory.
func countPerStation(files []FileInfo) map[string]int {
	counts := make(map[string]int)
	for i := range files {
		counts[stationKey(&files[i])]++
	}
	return counts
}

func stationKey(f *FileInfo) string {
	return filepath.Dir(f.Path) + "|" + f.Station
}
