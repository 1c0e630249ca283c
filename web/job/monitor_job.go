package job

import (
	"context"
	"time"

	"panelbridge/logger"
	"panelbridge/web/service"

	"go.uber.org/atomic"
)

// MonitorJob drives one traffic reconciliation cycle per tick. A cycle that
// outlives the interval makes the next tick a no-op instead of stacking.
type MonitorJob struct {
	monitorService service.MonitorService

	inFlight atomic.Bool
}

func NewMonitorJob() *MonitorJob {
	return new(MonitorJob)
}

func (j *MonitorJob) Run() {
	if !j.inFlight.CompareAndSwap(false, true) {
		logger.Warning("monitor cycle still running, skipping this tick")
		return
	}
	defer j.inFlight.Store(false)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()
	j.monitorService.RunCycle(ctx)
}
