// Package system reports coarse host resource usage for the health probe.
package system

import (
	"context"
	"fmt"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
)

// DefaultCPUSample is how long CPU usage is measured over.
const DefaultCPUSample = 200 * time.Millisecond

// Vitals represents system resource usage information
type Vitals struct {
	CPUPercent  float64
	MemPercent  float64
	DiskPercent float64
	HostUptime  uint64
}

// GetVitals retrieves current resource usage. diskPath selects the volume whose usage is
// reported; "" means "/".
func GetVitals(ctx context.Context, diskPath string) (*Vitals, error) {
	if diskPath == "" {
		diskPath = "/"
	}

	cpuPercent, err := cpu.PercentWithContext(ctx, DefaultCPUSample, false)
	if err != nil {
		return nil, fmt.Errorf("failed to get CPU usage: %w", err)
	}

	cpuUsage := 0.0
	if len(cpuPercent) > 0 {
		cpuUsage = cpuPercent[0]
	}

	memStat, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get memory usage: %w", err)
	}

	diskStat, err := disk.UsageWithContext(ctx, diskPath)
	if err != nil {
		return nil, fmt.Errorf("failed to get disk usage of %s: %w", diskPath, err)
	}

	uptime, err := host.UptimeWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get host uptime: %w", err)
	}

	return &Vitals{
		CPUPercent:  cpuUsage,
		MemPercent:  memStat.UsedPercent,
		DiskPercent: diskStat.UsedPercent,
		HostUptime:  uptime,
	}, nil
}
