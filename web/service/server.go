package service

import (
	"runtime"
	"time"

	"panelbridge/database/model"
	"panelbridge/logger"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/net"
)

// Status is one sampling of host and bridge state for the ops status page
// and the daily report.
type Status struct {
	T          time.Time `json:"-"`
	Cpu        float64   `json:"cpu"`
	CpuCores   int       `json:"cpuCores"`
	LogicalPro int       `json:"logicalPro"`
	Mem        struct {
		Current uint64 `json:"current"`
		Total   uint64 `json:"total"`
	} `json:"mem"`
	Swap struct {
		Current uint64 `json:"current"`
		Total   uint64 `json:"total"`
	} `json:"swap"`
	Disk struct {
		Current uint64 `json:"current"`
		Total   uint64 `json:"total"`
	} `json:"disk"`
	Uptime   uint64    `json:"uptime"`
	Loads    []float64 `json:"loads"`
	TcpCount int       `json:"tcpCount"`
	UdpCount int       `json:"udpCount"`
	NetIO    struct {
		Up   uint64 `json:"up"`
		Down uint64 `json:"down"`
	} `json:"netIO"`
	NetTraffic struct {
		Sent uint64 `json:"sent"`
		Recv uint64 `json:"recv"`
	} `json:"netTraffic"`
	Panels struct {
		Total   int `json:"total"`
		Healthy int `json:"healthy"`
	} `json:"panels"`
	Clients struct {
		Total     int64 `json:"total"`
		Active    int64 `json:"active"`
		Exhausted int64 `json:"exhausted"`
		Expired   int64 `json:"expired"`
	} `json:"clients"`
	AppStats struct {
		Threads uint32 `json:"threads"`
		Mem     uint64 `json:"mem"`
		Uptime  uint64 `json:"uptime"`
	} `json:"appStats"`
}

var appStartTime = time.Now()

// ServerService samples host state and the bridge's own counters.
type ServerService struct {
	panelService  PanelService
	clientService ClientService
}

// GetStatus collects one sample. lastStatus, when given, is the previous
// sample used to derive the network rate.
func (s *ServerService) GetStatus(lastStatus *Status) *Status {
	now := time.Now()
	status := &Status{
		T: now,
	}

	percents, err := cpu.Percent(0, false)
	if err != nil {
		logger.Warning("get cpu percent failed:", err)
	} else if len(percents) > 0 {
		status.Cpu = percents[0]
	}

	status.CpuCores, err = cpu.Counts(false)
	if err != nil {
		logger.Warning("get cpu cores count failed:", err)
	}
	status.LogicalPro = runtime.NumCPU()

	upTime, err := host.Uptime()
	if err != nil {
		logger.Warning("get uptime failed:", err)
	} else {
		status.Uptime = upTime
	}

	memInfo, err := mem.VirtualMemory()
	if err != nil {
		logger.Warning("get virtual memory failed:", err)
	} else {
		status.Mem.Current = memInfo.Used
		status.Mem.Total = memInfo.Total
	}

	swapInfo, err := mem.SwapMemory()
	if err != nil {
		logger.Warning("get swap memory failed:", err)
	} else {
		status.Swap.Current = swapInfo.Used
		status.Swap.Total = swapInfo.Total
	}

	diskInfo, err := disk.Usage("/")
	if err != nil {
		logger.Warning("get disk usage failed:", err)
	} else {
		status.Disk.Current = diskInfo.Used
		status.Disk.Total = diskInfo.Total
	}

	avgState, err := load.Avg()
	if err != nil {
		logger.Warning("get load avg failed:", err)
	} else {
		status.Loads = []float64{avgState.Load1, avgState.Load5, avgState.Load15}
	}

	ioStats, err := net.IOCounters(false)
	if err != nil {
		logger.Warning("get io counters failed:", err)
	} else if len(ioStats) > 0 {
		ioStat := ioStats[0]
		status.NetTraffic.Sent = ioStat.BytesSent
		status.NetTraffic.Recv = ioStat.BytesRecv

		if lastStatus != nil {
			duration := now.Sub(lastStatus.T)
			seconds := float64(duration) / float64(time.Second)
			if seconds > 0 {
				status.NetIO.Up = uint64(float64(status.NetTraffic.Sent-lastStatus.NetTraffic.Sent) / seconds)
				status.NetIO.Down = uint64(float64(status.NetTraffic.Recv-lastStatus.NetTraffic.Recv) / seconds)
			}
		}
	}

	if conns, err := net.Connections("tcp"); err != nil {
		logger.Warning("get tcp connections failed:", err)
	} else {
		status.TcpCount = len(conns)
	}
	if conns, err := net.Connections("udp"); err != nil {
		logger.Warning("get udp connections failed:", err)
	} else {
		status.UdpCount = len(conns)
	}

	if panels, err := s.panelService.GetPanels(); err == nil {
		status.Panels.Total = len(panels)
		for _, p := range panels {
			if p.Status == model.PanelHealthy {
				status.Panels.Healthy++
			}
		}
	} else {
		logger.Warning("count panels failed:", err)
	}

	if counts, err := s.clientService.CountByStatus(); err == nil {
		for st, n := range counts {
			status.Clients.Total += n
			switch st {
			case model.StatusActive:
				status.Clients.Active = n
			case model.StatusExhausted:
				status.Clients.Exhausted = n
			case model.StatusExpired:
				status.Clients.Expired = n
			}
		}
	} else {
		logger.Warning("count clients failed:", err)
	}

	var rtm runtime.MemStats
	runtime.ReadMemStats(&rtm)
	status.AppStats.Mem = rtm.Sys
	status.AppStats.Threads = uint32(runtime.NumGoroutine())
	status.AppStats.Uptime = uint64(time.Since(appStartTime).Seconds())

	return status
}
