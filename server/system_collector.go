package server

import (
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
)

// SystemCollector periodically samples host CPU, memory and the usage of
// the export overflow volume into prometheus gauges.
type SystemCollector struct {
	cpuUsagePercent  prometheus.Gauge
	memUsagePercent  prometheus.Gauge
	diskUsagePercent prometheus.Gauge
	diskFreeBytes    prometheus.Gauge
	diskPath         string
	interval         time.Duration
	stopChan         chan struct{}
	stopOnce         sync.Once
	wg               sync.WaitGroup
	logger           *slog.Logger
}

// NewSystemCollector creates a collector watching diskPath and registers
// its gauges with reg when reg is not nil.
func NewSystemCollector(diskPath string, interval time.Duration, reg prometheus.Registerer, logger *slog.Logger) *SystemCollector {
	gauge := func(name, help string) prometheus.Gauge {
		return prometheus.NewGauge(prometheus.GaugeOpts{Namespace: "nexusexport", Subsystem: "system", Name: name, Help: help})
	}
	sc := &SystemCollector{
		cpuUsagePercent:  gauge("cpu_usage_percent", "Host CPU usage."),
		memUsagePercent:  gauge("mem_usage_percent", "Host memory usage."),
		diskUsagePercent: gauge("overflow_disk_usage_percent", "Usage of the export overflow volume."),
		diskFreeBytes:    gauge("overflow_disk_free_bytes", "Free bytes on the export overflow volume."),
		diskPath:         diskPath,
		interval:         interval,
		stopChan:         make(chan struct{}),
		logger:           logger.With("component", "SystemCollector"),
	}
	if reg != nil {
		reg.MustRegister(sc.cpuUsagePercent, sc.memUsagePercent, sc.diskUsagePercent, sc.diskFreeBytes)
	}
	return sc
}

// Start begins the background collection loop.
func (sc *SystemCollector) Start() {
	sc.logger.Info("Starting system metrics collector", "interval", sc.interval)
	sc.wg.Add(1)
	go sc.collectLoop()
}

// Stop signals the collection loop to terminate and waits for it to finish.
func (sc *SystemCollector) Stop() {
	sc.stopOnce.Do(func() { close(sc.stopChan) })
	sc.wg.Wait()
}

func (sc *SystemCollector) collectLoop() {
	defer sc.wg.Done()
	ticker := time.NewTicker(sc.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			sc.collect()
		case <-sc.stopChan:
			return
		}
	}
}

func (sc *SystemCollector) collect() {
	// A zero interval makes cpu.Percent compare against the previous call.
	if pct, err := cpu.Percent(0, false); err == nil && len(pct) > 0 {
		sc.cpuUsagePercent.Set(pct[0])
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		sc.memUsagePercent.Set(vm.UsedPercent)
	}
	if du, err := disk.Usage(sc.diskPath); err == nil {
		sc.diskUsagePercent.Set(du.UsedPercent)
		sc.diskFreeBytes.Set(float64(du.Free))
	} else {
		sc.logger.Debug("Failed to read overflow disk usage", "path", sc.diskPath, "error", err)
	}
}
