package collector

import (
	"fmt"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/rcrowley/go-metrics"
	"github.com/shirou/gopsutil/v4/process"
	"github.com/sirupsen/logrus"

	"metricspipe/internal/config"
)

type ProcessInfo interface {
	MemoryInfo() (*process.MemoryInfoStat, error)
	CPUPercent() (float64, error)
}

// ProcessCollector polls the running process's statistics and feeds
// them into the metrics registry as gauges, so the reporter has
// process-level data to ship alongside application metrics.
type ProcessCollector struct {
	registry        metrics.Registry
	pollingInterval time.Duration

	incomingShutdown chan struct{}
	shutdownOnce     sync.Once
	logger           *logrus.Logger
	wg               *sync.WaitGroup
}

func (pc *ProcessCollector) Start(processInfo ProcessInfo) error {
	rssGauge := metrics.GetOrRegisterGauge("process.rss", pc.registry)
	cpuGauge := metrics.GetOrRegisterGaugeFloat64("process.cpu_percent", pc.registry)
	goroutineGauge := metrics.GetOrRegisterGauge("process.goroutines", pc.registry)

	ticker := time.NewTicker(pc.pollingInterval)
	pc.wg.Add(1)
	go func() {
		defer func() {
			ticker.Stop()
			pc.wg.Done()
		}()

		for {
			select {
			case <-pc.incomingShutdown:
				return
			case <-ticker.C:
				memoryInfo, err := processInfo.MemoryInfo()
				if err != nil {
					pc.logger.Errorf("failed to get memory info: %v", err)
				} else {
					rssGauge.Update(int64(memoryInfo.RSS))
				}

				cpuPercent, err := processInfo.CPUPercent()
				if err != nil {
					pc.logger.Errorf("failed to get cpu percent: %v", err)
				} else {
					cpuGauge.Update(cpuPercent)
				}

				goroutineGauge.Update(int64(runtime.NumGoroutine()))
			}
		}
	}()

	pc.logger.Info("process collector started")
	return nil
}

// Idempotent and non-blocking. Use Wait() to block until shutdown is complete.
func (pc *ProcessCollector) Shutdown() error {
	pc.shutdownOnce.Do(func() {
		close(pc.incomingShutdown)
	})

	return nil
}

func (pc *ProcessCollector) Wait() {
	pc.wg.Wait()
	pc.logger.Info("process collector shutdown complete")
}

// SelfProcessInfo returns a ProcessInfo for the current process.
func SelfProcessInfo() (ProcessInfo, error) {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, fmt.Errorf("error opening process handle: %v", err)
	}
	return proc, nil
}

func NewProcessCollector(
	registry metrics.Registry,
	cfg *config.MetricspipeConfig,
	logger *logrus.Logger,
) *ProcessCollector {
	pollingInterval := 5 * time.Second
	if cfg.PollingInterval != nil {
		pollingInterval = time.Duration(*cfg.PollingInterval) * time.Second
	}

	return &ProcessCollector{
		registry:         registry,
		pollingInterval:  pollingInterval,
		incomingShutdown: make(chan struct{}),
		shutdownOnce:     sync.Once{},
		logger:           logger,
		wg:               &sync.WaitGroup{},
	}
}
