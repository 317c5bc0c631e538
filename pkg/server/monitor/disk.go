package monitor

import (
	"os"
	"path/filepath"
	"sync"
	"time"
)

// DefaultDiskCacheDuration bounds how often the data directory is walked.
const DefaultDiskCacheDuration = 10 * time.Second

// DiskMonitor reports the on-disk size of the rollup store's data directory.
type DiskMonitor struct {
	dataDir       string
	cacheDuration time.Duration

	mu          sync.Mutex
	cachedUsage int64
	lastCheck   time.Time
}

// NewDiskMonitor creates a monitor for dataDir.
func NewDiskMonitor(dataDir string) *DiskMonitor {
	return &DiskMonitor{
		dataDir:       dataDir,
		cacheDuration: DefaultDiskCacheDuration,
	}
}

// Dir returns the monitored directory.
func (dm *DiskMonitor) Dir() string { return dm.dataDir }

// Usage returns the bytes allocated under the data directory. The result is
// cached for the cache duration.
func (dm *DiskMonitor) Usage() (int64, error) {
	dm.mu.Lock()
	defer dm.mu.Unlock()

	if !dm.lastCheck.IsZero() && time.Since(dm.lastCheck) < dm.cacheDuration {
		return dm.cachedUsage, nil
	}

	usage, err := dirSize(dm.dataDir)
	if err != nil {
		return 0, err
	}
	dm.cachedUsage = usage
	dm.lastCheck = time.Now()
	return usage, nil
}

// dirSize sums allocated blocks rather than logical sizes, since badger's
// value log files are sparse.
func dirSize(path string) (int64, error) {
	var size int64
	err := filepath.Walk(path, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		if n, err := allocatedSize(p, info); err == nil {
			size += n
		} else {
			size += info.Size()
		}
		return nil
	})
	return size, err
}
