package api

import (
	"net/http"
	"os"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
)

// Version is reported by /health; set at build time.
var Version = "dev"

// ResourceStats describes the machine the API runs on. Fields that could
// not be read are left zero.
type ResourceStats struct {
	Hostname    string  `json:"hostname,omitempty"`
	CPUPercent  float64 `json:"cpu_percent"`
	MemoryUsed  uint64  `json:"memory_used"`
	MemoryTotal uint64  `json:"memory_total"`
	MemPercent  float64 `json:"memory_percent"`
	ProcessRSS  uint64  `json:"process_rss,omitempty"`
	HostUptime  uint64  `json:"host_uptime_seconds,omitempty"`
}

type healthResponse struct {
	Status    string        `json:"status"`
	Service   string        `json:"service"`
	Version   string        `json:"version"`
	Uptime    string        `json:"uptime"`
	Resources ResourceStats `json:"resources"`
}

// GetResourceStats samples host and process usage.
func GetResourceStats() ResourceStats {
	var stats ResourceStats

	if pct, err := cpu.Percent(0, false); err == nil && len(pct) > 0 {
		stats.CPUPercent = pct[0]
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		stats.MemoryUsed = vm.Used
		stats.MemoryTotal = vm.Total
		stats.MemPercent = vm.UsedPercent
	}
	if info, err := host.Info(); err == nil {
		stats.Hostname = info.Hostname
		stats.HostUptime = info.Uptime
	}
	if p, err := process.NewProcess(int32(os.Getpid())); err == nil {
		if mi, err := p.MemoryInfo(); err == nil {
			stats.ProcessRSS = mi.RSS
		}
	}
	return stats
}

func (s *Server) healthCheck(c echo.Context) error {
	return c.JSON(http.StatusOK, healthResponse{
		Status:    "healthy",
		Service:   "genie",
		Version:   Version,
		Uptime:    time.Since(s.started).Round(time.Second).String(),
		Resources: GetResourceStats(),
	})
}
