// Package sysinfo captures the host characteristics reported by the status
// endpoint and logged at startup.
package sysinfo

import (
	"fmt"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
)

// HostInfo describes the machine the service runs on.
type HostInfo struct {
	HostName    string  `json:"hostName"`
	OS          string  `json:"os"`
	Platform    string  `json:"platform"`
	KernelArch  string  `json:"kernelArch"`
	TotalMemory uint64  `json:"totalMemory"`
	UsedPercent float64 `json:"usedPercent"`
	CPUModel    string  `json:"cpuModel"`
	CPUMHz      float64 `json:"cpuMHz"`
	NumCPU      int     `json:"numCPU"`
}

// Collect gathers host, memory, and CPU information.
func Collect() (*HostInfo, error) {
	hostStat, err := host.Info()
	if err != nil {
		return nil, fmt.Errorf("failed to read host info: %w", err)
	}

	info := &HostInfo{
		HostName:   hostStat.Hostname,
		OS:         hostStat.OS,
		Platform:   hostStat.Platform,
		KernelArch: hostStat.KernelArch,
	}

	if vmStat, err := mem.VirtualMemory(); err == nil {
		info.TotalMemory = vmStat.Total
		info.UsedPercent = vmStat.UsedPercent
	}

	if cpus, err := cpu.Info(); err == nil && len(cpus) > 0 {
		info.CPUModel = cpus[0].ModelName
		info.CPUMHz = cpus[0].Mhz
		info.NumCPU = len(cpus)
	}

	return info, nil
}
