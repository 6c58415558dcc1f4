package monitor

import (
	"fmt"
	"io/fs"
	"path/filepath"
	"sync"
	"time"
)

// DefaultCacheDuration bounds how often the data directory is walked.
const DefaultCacheDuration = 10 * time.Second

// StorageMonitor reports disk usage of the store's data directory.
// An empty directory (memory store) always reports zero.
type StorageMonitor struct {
	dataDir       string
	maxBytes      int64
	cacheDuration time.Duration

	mu          sync.Mutex
	cachedUsage int64
	lastCheck   time.Time
}

// NewStorageMonitor creates a monitor for dataDir with a limit of maxBytes
// (0 = unlimited).
func NewStorageMonitor(dataDir string, maxBytes int64) *StorageMonitor {
	return &StorageMonitor{
		dataDir:       dataDir,
		maxBytes:      maxBytes,
		cacheDuration: DefaultCacheDuration,
	}
}

// Usage describes current disk usage.
type Usage struct {
	Path      string  `json:"path,omitempty"`
	UsedBytes int64   `json:"used_bytes"`
	MaxBytes  int64   `json:"max_bytes"`
	Percent   float64 `json:"percent"`
}

// GetUsage returns the bytes used by the data directory, cached for the
// cache duration.
func (sm *StorageMonitor) GetUsage() (int64, error) {
	if sm.dataDir == "" {
		return 0, nil
	}

	sm.mu.Lock()
	defer sm.mu.Unlock()
	if !sm.lastCheck.IsZero() && time.Since(sm.lastCheck) < sm.cacheDuration {
		return sm.cachedUsage, nil
	}

	used, err := dirUsage(sm.dataDir)
	if err != nil {
		return 0, err
	}
	sm.cachedUsage = used
	sm.lastCheck = time.Now()
	return used, nil
}

// GetLimit returns the configured limit in bytes.
func (sm *StorageMonitor) GetLimit() int64 {
	return sm.maxBytes
}

// Usage returns the usage report.
func (sm *StorageMonitor) Usage() (Usage, error) {
	used, err := sm.GetUsage()
	if err != nil {
		return Usage{}, err
	}
	u := Usage{Path: sm.dataDir, UsedBytes: used, MaxBytes: sm.maxBytes}
	if sm.maxBytes > 0 {
		u.Percent = float64(used) * 100 / float64(sm.maxBytes)
	}
	return u, nil
}

// Check returns an error once usage exceeds the limit.
func (sm *StorageMonitor) Check() error {
	if sm.maxBytes <= 0 {
		return nil
	}
	used, err := sm.GetUsage()
	if err != nil {
		return err
	}
	if used > sm.maxBytes {
		return fmt.Errorf("storage limit exceeded: %d of %d bytes used", used, sm.maxBytes)
	}
	return nil
}

func dirUsage(root string) (int64, error) {
	var total int64
	err := filepath.Walk(root, func(path string, info fs.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			total += diskUsage(path, info)
		}
		return nil
	})
	return total, err
}
