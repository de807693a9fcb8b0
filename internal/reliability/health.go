// Package reliability is ambient operational wiring: disk/memory checks
// gating the backup job, and the backup job itself. Grounded on the
// teacher's internal/reliability package (health_service.go's
// check-then-recover shape, maintenance_jobs.go's checkDiskSpace,
// r2_backup_service.go's staging/archive/upload pipeline).
package reliability

import (
	"fmt"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/wcmkt/market-sync/internal/errs"
)

// minFreeDiskGB is the hard floor below which the backup job refuses to
// stage a new archive, mirroring the teacher's checkDiskSpace threshold.
const minFreeDiskGB = 0.5

// maxMemPercent gates the backup job the same way: staging a multi-
// database tar.gz under memory pressure risks OOM-killing the whole
// process mid-upload.
const maxMemPercent = 95.0

// HealthMonitor reports resource pressure via gopsutil, the way the
// teacher's system_handlers.go reports it to the operational HTTP API.
type HealthMonitor struct {
	log zerolog.Logger
}

// NewHealthMonitor creates a HealthMonitor.
func NewHealthMonitor(log zerolog.Logger) *HealthMonitor {
	return &HealthMonitor{log: log.With().Str("component", "health").Logger()}
}

// Stats is a snapshot of process-host resource usage.
type Stats struct {
	DiskFreeGB   float64
	DiskUsedPct  float64
	MemUsedPct   float64
}

// Snapshot reads current disk (for dir) and memory usage.
func (h *HealthMonitor) Snapshot(dir string) (Stats, error) {
	du, err := disk.Usage(dir)
	if err != nil {
		return Stats{}, errs.DataError("read disk usage", err)
	}
	vm, err := mem.VirtualMemory()
	if err != nil {
		return Stats{}, errs.DataError("read memory usage", err)
	}
	return Stats{
		DiskFreeGB:  float64(du.Free) / 1e9,
		DiskUsedPct: du.UsedPercent,
		MemUsedPct:  vm.UsedPercent,
	}, nil
}

// CheckBackupEligible reports whether dir has enough free disk and the
// host has enough free memory to safely stage a backup archive. A false
// return carries the human-readable reason as an error to log.
func (h *HealthMonitor) CheckBackupEligible(dir string) (bool, error) {
	stats, err := h.Snapshot(dir)
	if err != nil {
		return false, err
	}

	h.log.Debug().
		Float64("disk_free_gb", stats.DiskFreeGB).
		Float64("mem_used_pct", stats.MemUsedPct).
		Msg("health snapshot")

	if stats.DiskFreeGB < minFreeDiskGB {
		return false, fmt.Errorf("only %.2f GB free, below %.2f GB floor", stats.DiskFreeGB, minFreeDiskGB)
	}
	if stats.MemUsedPct > maxMemPercent {
		return false, fmt.Errorf("memory at %.1f%%, above %.1f%% ceiling", stats.MemUsedPct, maxMemPercent)
	}
	return true, nil
}
