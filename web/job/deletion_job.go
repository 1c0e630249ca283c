package job

import (
	"context"
	"time"

	"panelbridge/logger"
	"panelbridge/web/service"
)

// DeletionJob sweeps terminal rows whose grace window has elapsed and removes
// them remote-first. Each row is its own delete, so one bad panel cannot
// wedge the rest of the sweep.
type DeletionJob struct {
	clientService    service.ClientService
	lifecycleService service.LifecycleService
	tgbotService     service.Tgbot
}

func NewDeletionJob() *DeletionJob {
	return new(DeletionJob)
}

func (j *DeletionJob) Run() {
	rows, err := j.clientService.GetGraceExpired(time.Now())
	if err != nil {
		logger.Warning("grace sweep query failed:", err)
		return
	}
	if len(rows) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	deleted := 0
	for _, row := range rows {
		if err := j.lifecycleService.DeleteService(ctx, row.Id); err != nil {
			logger.Warningf("grace delete of client %s (%d) failed: %v", row.Name, row.Id, err)
			continue
		}
		j.tgbotService.NotifyDeleted(row, "grace window elapsed")
		deleted++
	}
	logger.Infof("grace sweep removed %d of %d rows", deleted, len(rows))
}
