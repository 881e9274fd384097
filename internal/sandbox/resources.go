package sandbox

import (
	"context"
	"os"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

const resourceSampleEvery = 10 * time.Second

// runResourceSampler periodically records CPU/RSS under each loaded
// plugin's name. Guests run as in-process VMs (goja/gopher-lua), not
// separate OS processes, so there is no true per-plugin process to
// sample; this instead samples the hub process itself as a shared proxy
// and attributes the same reading to every loaded plugin, which is
// enough to notice the hub as a whole growing unhealthy while plugins
// are loaded, even though it can't attribute that growth to one plugin.
func (m *Manager) runResourceSampler(ctx context.Context) {
	if m.cfg.Metrics == nil || len(m.plugins) == 0 {
		return
	}
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return
	}

	ticker := time.NewTicker(resourceSampleEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cpuPercent, err := proc.CPUPercent()
			if err != nil {
				continue
			}
			memInfo, err := proc.MemoryInfo()
			if err != nil {
				continue
			}
			for _, handle := range m.plugins {
				m.cfg.Metrics.SetPluginResourceUsage(handle.guest.Name(), cpuPercent, memInfo.RSS)
			}
		}
	}
}
