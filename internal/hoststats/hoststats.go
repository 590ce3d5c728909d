// Package hoststats collects host resource utilization for the health
// report, using gopsutil. Collection is best-effort: a probe failure leaves
// the corresponding value at zero rather than failing the health query.
package hoststats

import (
	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/mem"
)

// Stats is a snapshot of current host resource usage in percent (0–100).
type Stats struct {
	CPUPercent  float64 `json:"cpu_percent"`
	MemPercent  float64 `json:"mem_percent"`
	DiskPercent float64 `json:"disk_percent"`
}

// Collect probes CPU, memory, and root-filesystem usage.
func Collect() Stats {
	var s Stats

	// Percent with zero interval compares against the previous call, which
	// is sufficient for a periodic health report.
	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		s.CPUPercent = percents[0]
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		s.MemPercent = vm.UsedPercent
	}
	if du, err := disk.Usage("/"); err == nil {
		s.DiskPercent = du.UsedPercent
	}
	return s
}
