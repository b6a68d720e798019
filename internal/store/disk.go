package store

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/shirou/gopsutil/v4/disk"
)

// ErrNotLocal is returned by DiskUsage for remote and in-memory databases.
var ErrNotLocal = errors.New("store: database is not a local file")

// DiskUsage describes the volume holding a local database file.
type DiskUsage struct {
	Path        string
	Free        uint64
	Total       uint64
	UsedPercent float64
}

// DiskUsage reports free space on the volume of the database file.
func (config Config) DiskUsage(ctx context.Context) (DiskUsage, error) {
	if config.Url != "" || config.File == "" || config.File == ":memory:" {
		return DiskUsage{}, ErrNotLocal
	}
	dir, err := filepath.Abs(filepath.Dir(config.File))
	if err != nil {
		return DiskUsage{}, err
	}
	usage, err := disk.UsageWithContext(ctx, dir)
	if err != nil {
		return DiskUsage{}, fmt.Errorf("store: disk usage of %s: %w", dir, err)
	}
	return DiskUsage{
		Path:        dir,
		Free:        usage.Free,
		Total:       usage.Total,
		UsedPercent: usage.UsedPercent,
	}, nil
}
