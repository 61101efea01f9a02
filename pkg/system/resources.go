package system

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/huanfeng/sourcehub/pkg/utils"
)

// DiskUsage is the space accounting of the file system holding a path
type DiskUsage struct {
	Total     uint64
	Used      uint64
	Free      uint64
	Available uint64
}

// UsedPct returns the used share of the file system in percent
func (d DiskUsage) UsedPct() float64 {
	if d.Total == 0 {
		return 0
	}
	return float64(d.Used) / float64(d.Total) * 100
}

// StorageStatus is the result of checking one state directory
type StorageStatus struct {
	Path     string    `json:"path"`
	Usage    DiskUsage `json:"usage"`
	Writable bool      `json:"writable"`
	LowSpace bool      `json:"low_space"`
	Error    string    `json:"error,omitempty"`
}

// OK reports whether the directory can hold new downloads
func (s StorageStatus) OK() bool {
	return s.Error == "" && s.Writable && !s.LowSpace
}

// ResourceChecker verifies that the state and download directories exist,
// are writable and have room left.
type ResourceChecker struct {
	logger  utils.Logger
	minFree uint64
}

// NewResourceChecker creates a checker that flags directories with less
// than minFree bytes available.
func NewResourceChecker(logger utils.Logger, minFree uint64) *ResourceChecker {
	return &ResourceChecker{
		logger:  utils.OrNop(logger),
		minFree: minFree,
	}
}

// Check inspects one directory
func (rc *ResourceChecker) Check(dir string) StorageStatus {
	status := StorageStatus{Path: dir}

	info, err := os.Stat(dir)
	if err != nil {
		status.Error = err.Error()
		return status
	}
	if !info.IsDir() {
		status.Error = "not a directory"
		return status
	}

	if err := checkWritable(dir); err != nil {
		rc.logger.Debug("Directory %s is not writable: %v", dir, err)
	} else {
		status.Writable = true
	}

	usage, err := getDiskUsage(dir)
	if err != nil {
		status.Error = err.Error()
		return status
	}
	status.Usage = *usage
	status.LowSpace = usage.Available < rc.minFree

	rc.logger.Debug("Disk space for %s: %.1f%% used, %s available",
		dir, usage.UsedPct(), humanize.IBytes(usage.Available))
	return status
}

// CheckAll inspects every directory, skipping duplicates
func (rc *ResourceChecker) CheckAll(dirs []string) []StorageStatus {
	seen := make(map[string]bool, len(dirs))
	var results []StorageStatus
	for _, dir := range dirs {
		if seen[dir] {
			continue
		}
		seen[dir] = true
		results = append(results, rc.Check(dir))
	}
	return results
}

func checkWritable(dir string) error {
	f, err := os.CreateTemp(dir, ".sourcehub_write_test")
	if err != nil {
		return err
	}
	name := f.Name()
	f.Close()
	return os.Remove(name)
}

// FormatStorage renders storage results one directory per line
func FormatStorage(statuses []StorageStatus) string {
	var sb strings.Builder
	for _, s := range statuses {
		switch {
		case s.Error != "":
			fmt.Fprintf(&sb, "   ❌ %s: %s\n", s.Path, s.Error)
		case !s.Writable:
			fmt.Fprintf(&sb, "   ❌ %s: not writable\n", s.Path)
		case s.LowSpace:
			fmt.Fprintf(&sb, "   ⚠️  %s: only %s available\n", s.Path, humanize.IBytes(s.Usage.Available))
		default:
			fmt.Fprintf(&sb, "   ✅ %s: %.1f%% used (%s available)\n",
				filepath.Clean(s.Path), s.Usage.UsedPct(), humanize.IBytes(s.Usage.Available))
		}
	}
	return sb.String()
}
